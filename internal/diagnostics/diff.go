package diagnostics

import (
	"strings"

	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// RenderDiff returns a unified-style text diff between two file
// contents, used by pluginconfig for a JSONError Diagnostic's Hint,
// showing a malformed config file against its already-merged parent
// config.
func RenderDiff(label, want, got string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(want, got, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	b.WriteString(label)
	b.WriteString(":\n")
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			b.WriteString("+")
			b.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			b.WriteString("-")
			b.WriteString(d.Text)
		case diffmatchpatch.DiffEqual:
			b.WriteString(d.Text)
		}
	}
	return b.String()
}
