package packager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/fsabs"
	"github.com/forgebuild/forge/internal/model"
)

type fixedPackager struct {
	artifacts []Artifact
	err       error
}

func (p fixedPackager) Package(model.Bundle, []model.Asset) ([]Artifact, error) {
	return p.artifacts, p.err
}

type upperOptimizer struct{ calls int }

func (o *upperOptimizer) Name() string     { return "upper" }
func (o *upperOptimizer) Types() []string  { return []string{"js"} }
func (o *upperOptimizer) ConfigHash() string { return "upper-v1" }
func (o *upperOptimizer) Optimize(a Artifact, _ model.Bundle) (Artifact, error) {
	o.calls++
	out := make([]byte, len(a.Contents))
	for i, b := range a.Contents {
		if b >= 'a' && b <= 'z' {
			b -= 32
		}
		out[i] = b
	}
	return Artifact{Type: a.Type, Contents: out, Map: a.Map}, nil
}

func newTestRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	fs := fsabs.Memory()
	opts.Cache = cache.New(fs, "/cache")
	return New(opts)
}

func TestPackageCachesByBundleGraphHash(t *testing.T) {
	runner := newTestRunner(t, Options{})
	bundle := model.Bundle{ID: "b1", Type: "js"}
	assets := []model.Asset{{IDBase: "/src/a.js", FilePath: "/src/a.js", Type: "js", Hash: "h1"}}

	pkg := fixedPackager{artifacts: []Artifact{{Type: "js", Contents: []byte("hello")}}}

	infos1, err := runner.Package(pkg, Request{Bundle: bundle, Assets: assets})
	require.NoError(t, err)
	require.Len(t, infos1, 1)

	infos2, err := runner.Package(pkg, Request{Bundle: bundle, Assets: assets})
	require.NoError(t, err)
	assert.Equal(t, infos1[0].Hash, infos2[0].Hash)
}

func TestPackageRunsMatchingOptimizer(t *testing.T) {
	opt := &upperOptimizer{}
	runner := newTestRunner(t, Options{Optimizers: []Optimizer{opt}})
	bundle := model.Bundle{ID: "b2", Type: "js"}
	assets := []model.Asset{{IDBase: "/src/a.js", FilePath: "/src/a.js", Type: "js", Hash: "h1"}}
	pkg := fixedPackager{artifacts: []Artifact{{Type: "js", Contents: []byte("hello")}}}

	infos, err := runner.Package(pkg, Request{Bundle: bundle, Assets: assets})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 1, opt.calls)

	data, ok, err := runner.cache.GetBlob(infos[0].CacheKeys.Content)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "HELLO", string(data))
}

func TestPackageExtractsHashReference(t *testing.T) {
	runner := newTestRunner(t, Options{})
	bundle := model.Bundle{ID: "b3", Type: "js"}
	assets := []model.Asset{{IDBase: "/src/a.js", FilePath: "/src/a.js", Type: "js", Hash: "h1"}}

	ref := "HASH_REF_" + "0123456789abcdef01234567"
	contents := []byte("const x = '" + ref + "';")
	pkg := fixedPackager{artifacts: []Artifact{{Type: "js", Contents: contents}}}

	infos, err := runner.Package(pkg, Request{Bundle: bundle, Assets: assets})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Contains(t, infos[0].HashReferences, ref)
}

func TestHashingWriterFindsTokenSplitAcrossWrites(t *testing.T) {
	ref := "HASH_REF_" + "aaaaaaaaaaaaaaaaaaaaaaaa"
	mid := len(ref) / 2
	hw := newHashingWriter()
	hw.Write([]byte("prefix " + ref[:mid]))
	hw.Write([]byte(ref[mid:] + " suffix"))
	assert.Contains(t, hw.refs, ref)
}

func TestResolveHashReferencesSubstitutesAcrossBundles(t *testing.T) {
	infos := map[string][]BundleInfo{
		"other": {{Hash: "finalhash123"}},
	}
	refToBundle := map[string]string{"HASH_REF_other": "other"}
	contents := map[string][]byte{
		"this:0:content": []byte("import 'HASH_REF_other'"),
	}
	ResolveHashReferences(infos, refToBundle, contents)
	assert.Equal(t, "import 'finalhash123'", string(contents["this:0:content"]))
}

func TestSourceRootForNodeContextIsRelative(t *testing.T) {
	runner := newTestRunner(t, Options{Runtime: Runtime{ProjectRoot: "/project"}})
	bundle := model.Bundle{
		FilePath: "/project/dist/node/out.js",
		Target: model.Target{
			Env: model.Environment{Context: model.ContextNode},
		},
	}
	root := runner.sourceRoot(bundle)
	assert.Equal(t, "../..", root)
}

func TestSourceRootForDevServerUsesSentinel(t *testing.T) {
	runner := newTestRunner(t, Options{Runtime: Runtime{DevServer: true}})
	bundle := model.Bundle{Target: model.Target{Env: model.Environment{Context: model.ContextBrowser}}}
	assert.Equal(t, "/__forge_source_root__", runner.sourceRoot(bundle))
}
