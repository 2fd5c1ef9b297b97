package pluginconfig

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/diagnostics"
	"github.com/forgebuild/forge/internal/fsabs"
)

func TestLoadMergesExtendsWithNearestWins(t *testing.T) {
	fs := fsabs.Memory()
	require.NoError(t, fs.WriteFile("base.json", []byte(`{
		"transformers": {"*.js": ["@forge/transformer-js"]},
		"namers": ["@forge/namer-default"]
	}`), 0o644))
	require.NoError(t, fs.WriteFile("forge.config.json", []byte(`{
		"extends": "./base.json",
		"namers": ["@forge/namer-custom"]
	}`), 0o644))

	loader := New(fs)
	cfg, err := loader.Load("forge.config.json")
	require.NoError(t, err)

	names := ParsePluginNames(cfg.Result)
	assert.Equal(t, []string{"@forge/namer-custom"}, names.Namers, "nearest file's namers must win over the extended base")
	assert.Equal(t, []string{"@forge/transformer-js"}, names.Transformers["*.js"], "fields not overridden by the child are inherited")

	assert.True(t, cfg.IncludedFiles["forge.config.json"])
	assert.True(t, cfg.IncludedFiles["base.json"])
}

func TestLoadRecordsDevDeps(t *testing.T) {
	fs := fsabs.Memory()
	require.NoError(t, fs.WriteFile("forge.config.json", []byte(`{
		"bundler": "@forge/bundler-default",
		"transformers": {"*.js": ["@forge/transformer-js"]}
	}`), 0o644))

	loader := New(fs)
	cfg, err := loader.Load("forge.config.json")
	require.NoError(t, err)

	_, hasBundler := cfg.DevDeps["@forge/bundler-default"]
	_, hasTransformer := cfg.DevDeps["@forge/transformer-js"]
	assert.True(t, hasBundler)
	assert.True(t, hasTransformer)
}

func TestLoadDetectsCyclicExtends(t *testing.T) {
	fs := fsabs.Memory()
	require.NoError(t, fs.WriteFile("a.json", []byte(`{"extends": "./b.json"}`), 0o644))
	require.NoError(t, fs.WriteFile("b.json", []byte(`{"extends": "./a.json"}`), 0o644))

	loader := New(fs)
	_, err := loader.Load("a.json")
	assert.Error(t, err)
}

func TestLoadMissingFileReturnsFileNotFound(t *testing.T) {
	fs := fsabs.Memory()
	loader := New(fs)
	_, err := loader.Load("does-not-exist.json")
	assert.Error(t, err)
}

func TestLoadMalformedChildAttachesDiffHintAgainstParent(t *testing.T) {
	fs := fsabs.Memory()
	require.NoError(t, fs.WriteFile("base.json", []byte(`{
		"namers": ["@forge/namer-default"]
	}`), 0o644))
	require.NoError(t, fs.WriteFile("forge.config.json", []byte(`{
		"extends": "./base.json",
		"namers": [,,]
	}`), 0o644))

	loader := New(fs)
	_, err := loader.Load("forge.config.json")
	require.Error(t, err)

	var diag *diagnostics.Diagnostic
	require.True(t, errors.As(err, &diag))
	assert.Equal(t, diagnostics.JSONError, diag.Kind)
	assert.NotEmpty(t, diag.Hint)
}
