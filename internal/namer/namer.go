// Package namer provides the built-in default Namer plugin used by the
// Bundler Runner (spec section 4.8) when a build's configuration
// registers no other namer, or as the last-resort entry in a namer
// chain. It derives a stable bundle output name from the bundle's
// entry asset file names, splitting on camelCase boundaries the same
// way internal/core's option-flag-to-description helpers in hercules
// separate words (here via github.com/fatih/camelcase rather than a
// hand-rolled scanner, since the pack already depends on it).
package namer

import (
	"path"
	"strconv"
	"strings"

	"github.com/fatih/camelcase"

	"github.com/forgebuild/forge/internal/model"
)

// Default is the built-in Namer: it joins the base names (without
// extension) of every entry asset feeding the bundle, camelCase-split
// and re-joined with hyphens, followed by the first 8 characters of the
// bundle's ID and the bundle's size in base 36 as a collision-resistant
// suffix.
type Default struct{}

// Name implements bundler.Namer.
func (Default) Name(bundle model.Bundle, entryFilePaths []string) (string, bool) {
	if len(entryFilePaths) == 0 {
		return "", false
	}
	words := make([]string, 0, len(entryFilePaths))
	for _, p := range entryFilePaths {
		base := strings.TrimSuffix(path.Base(p), path.Ext(p))
		words = append(words, splitWords(base)...)
	}
	slug := strings.ToLower(strings.Join(dedupe(words), "-"))
	if slug == "" {
		slug = "bundle"
	}
	ext := bundleExtension(bundle.Type)
	suffix := bundle.Stats.Size
	return slug + "." + shortHash(bundle.ID) + "." + strconv.FormatInt(suffix, 36) + ext, true
}

func splitWords(s string) []string {
	var words []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	}) {
		words = append(words, camelcase.Split(part)...)
	}
	return words
}

func dedupe(words []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(words))
	for _, w := range words {
		lw := strings.ToLower(w)
		if lw == "" || seen[lw] {
			continue
		}
		seen[lw] = true
		out = append(out, w)
	}
	return out
}

func shortHash(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func bundleExtension(bundleType string) string {
	if bundleType == "" {
		return ""
	}
	return "." + bundleType
}
