package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/fsabs"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/reqgraph"
)

// fakeConfigLoader always returns the same merged config, ignoring
// searchPath entirely.
type fakeConfigLoader struct {
	result map[string]interface{}
}

func (f *fakeConfigLoader) Load(searchPath string) (model.Config, error) {
	return model.Config{ResultHash: "cfg-hash-1", Result: f.result}, nil
}

// upperCaseTransformer is a same-type transformer: it upper-cases the
// asset's code without changing its extension.
type upperCaseTransformer struct{ calls int }

func (t *upperCaseTransformer) Name() string    { return "upper" }
func (t *upperCaseTransformer) Globs() []string { return []string{"*.txt"} }
func (t *upperCaseTransformer) GetConfig(*InternalAsset, model.Config) (interface{}, error) {
	return nil, nil
}
func (t *upperCaseTransformer) CanReuseAST(interface{}) bool { return false }
func (t *upperCaseTransformer) Parse(*InternalAsset, interface{}) (interface{}, error) {
	return nil, nil
}
func (t *upperCaseTransformer) Transform(asset *InternalAsset, ast interface{}, config interface{}) ([]TransformResult, error) {
	t.calls++
	return []TransformResult{{Code: []byte(strings.ToUpper(string(asset.Code)))}}, nil
}
func (t *upperCaseTransformer) Generate(asset *InternalAsset, ast interface{}) ([]byte, []byte, error) {
	return asset.Code, nil, nil
}

// toJSTransformer changes an asset's type from ts to js.
type toJSTransformer struct{}

func (t *toJSTransformer) Name() string    { return "ts2js" }
func (t *toJSTransformer) Globs() []string { return []string{"*.ts"} }
func (t *toJSTransformer) GetConfig(*InternalAsset, model.Config) (interface{}, error) {
	return nil, nil
}
func (t *toJSTransformer) CanReuseAST(interface{}) bool { return false }
func (t *toJSTransformer) Parse(*InternalAsset, interface{}) (interface{}, error) {
	return nil, nil
}
func (t *toJSTransformer) Transform(asset *InternalAsset, ast interface{}, config interface{}) ([]TransformResult, error) {
	return []TransformResult{{Type: "js", Code: []byte("compiled(" + string(asset.Code) + ")")}}, nil
}
func (t *toJSTransformer) Generate(asset *InternalAsset, ast interface{}) ([]byte, []byte, error) {
	return asset.Code, nil, nil
}

// countingPostProcessor records how many times PostProcess ran and tags
// every asset's Meta so the test can assert it was applied exactly once.
type countingPostProcessor struct {
	upperCaseTransformer
	runs int
}

func (p *countingPostProcessor) PostProcess(assets []model.Asset) ([]model.Asset, error) {
	p.runs++
	out := make([]model.Asset, len(assets))
	for i, a := range assets {
		if a.Meta == nil {
			a.Meta = map[string]interface{}{}
		}
		a.Meta["postProcessed"] = true
		out[i] = a
	}
	return out, nil
}

func newTestRunner(t *testing.T, fs fsabs.Filesystem, registry *Registry, cfg map[string]interface{}) *Runner {
	t.Helper()
	c := cache.New(fs, "/cache")
	return New(fs, Options{
		Cache:        c,
		ConfigLoader: &fakeConfigLoader{result: cfg},
		Registry:     registry,
	})
}

func TestRunAppliesSameTypeTransformerOnce(t *testing.T) {
	fs := fsabs.Memory()
	require.NoError(t, fs.WriteFile("/src/a.txt", []byte("hello"), 0o644))

	upper := &upperCaseTransformer{}
	registry := NewRegistry()
	registry.Register("upper", upper)

	r := newTestRunner(t, fs, registry, map[string]interface{}{
		"transformers": map[string]interface{}{"*.txt": []interface{}{"upper"}},
	})

	assets, err := r.Run(reqgraph.AssetRequest{FilePath: "/src/a.txt"})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "HELLO", string(assets[0].Code))
	assert.Equal(t, 1, upper.calls)
}

func TestRunCachesPipelineResult(t *testing.T) {
	fs := fsabs.Memory()
	require.NoError(t, fs.WriteFile("/src/a.txt", []byte("hello"), 0o644))

	upper := &upperCaseTransformer{}
	registry := NewRegistry()
	registry.Register("upper", upper)

	r := newTestRunner(t, fs, registry, map[string]interface{}{
		"transformers": map[string]interface{}{"*.txt": []interface{}{"upper"}},
	})

	_, err := r.Run(reqgraph.AssetRequest{FilePath: "/src/a.txt"})
	require.NoError(t, err)
	_, err = r.Run(reqgraph.AssetRequest{FilePath: "/src/a.txt"})
	require.NoError(t, err)

	assert.Equal(t, 1, upper.calls, "second run must be served from the pipeline cache")
}

func TestRunHandsOffOnTypeChange(t *testing.T) {
	fs := fsabs.Memory()
	require.NoError(t, fs.WriteFile("/src/a.ts", []byte("let x = 1"), 0o644))

	registry := NewRegistry()
	registry.Register("ts2js", &toJSTransformer{})

	r := newTestRunner(t, fs, registry, map[string]interface{}{
		"transformers": map[string]interface{}{"*.ts": []interface{}{"ts2js"}},
	})

	assets, err := r.Run(reqgraph.AssetRequest{FilePath: "/src/a.ts"})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "js", assets[0].Type)
	assert.Equal(t, "compiled(let x = 1)", string(assets[0].Code))
}

func TestRunPostProcessRunsOnceOverFinalAssets(t *testing.T) {
	fs := fsabs.Memory()
	require.NoError(t, fs.WriteFile("/src/a.txt", []byte("hi"), 0o644))

	pp := &countingPostProcessor{}
	registry := NewRegistry()
	registry.Register("upper", pp)

	r := newTestRunner(t, fs, registry, map[string]interface{}{
		"transformers": map[string]interface{}{"*.txt": []interface{}{"upper"}},
	})

	assets, err := r.Run(reqgraph.AssetRequest{FilePath: "/src/a.txt"})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, true, assets[0].Meta["postProcessed"])
	assert.Equal(t, 1, pp.runs)
}
