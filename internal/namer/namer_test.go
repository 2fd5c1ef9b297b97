package namer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/model"
)

func TestDefaultNameSplitsCamelCaseEntryNames(t *testing.T) {
	name, ok := Default{}.Name(model.Bundle{ID: "abcdef1234567890", Type: "js"}, []string{"/src/mainEntryPoint.ts"})
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(name, "main-entry-point."))
	assert.True(t, strings.HasSuffix(name, ".js"))
}

func TestDefaultNameDeclinesWithNoEntries(t *testing.T) {
	_, ok := Default{}.Name(model.Bundle{}, nil)
	assert.False(t, ok)
}

func TestDefaultNameDedupesRepeatedWords(t *testing.T) {
	name, ok := Default{}.Name(model.Bundle{ID: "abc", Type: "js"}, []string{"/src/app.js", "/other/app.js"})
	require.True(t, ok)
	assert.Equal(t, 1, strings.Count(name, "app"))
}
