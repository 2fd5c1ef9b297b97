package reqgraph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/fsabs"
	"github.com/forgebuild/forge/internal/model"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRunner) Run(req AssetRequest) ([]model.Asset, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.FilePath)
	f.mu.Unlock()
	return []model.Asset{{IDBase: req.FilePath, Type: "js"}}, nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(dep model.Dependency) (model.AssetGroup, error) {
	return model.AssetGroup{FilePath: dep.ModuleSpecifier + ".js"}, nil
}

type fakeConfigLoader struct{}

func (fakeConfigLoader) Load(searchPath string) (model.Config, error) {
	return model.Config{
		SearchPath:    searchPath,
		DevDeps:       map[string]string{"some-plugin": ""},
		IncludedFiles: map[string]bool{searchPath: true},
	}, nil
}

type fakeVersionResolver struct{}

func (fakeVersionResolver) Resolve(specifier, resolveFrom string) (string, error) {
	return "1.0.0", nil
}

type fakeHooks struct {
	mu          sync.Mutex
	assetCalls  int
	depPathCalls int
}

func (f *fakeHooks) OnAssetRequestComplete(requestID string, assets []model.Asset, err error) {
	f.mu.Lock()
	f.assetCalls++
	f.mu.Unlock()
}

func (f *fakeHooks) OnDepPathRequestComplete(dep model.Dependency, group *model.AssetGroup, err error) {
	f.mu.Lock()
	f.depPathCalls++
	f.mu.Unlock()
}

func newTestGraph(runner PipelineRunner, hooks AssetGraphHooks) *Graph {
	return New(Options{
		Runner:          runner,
		Resolver:        fakeResolver{},
		ConfigLoader:    fakeConfigLoader{},
		VersionResolver: fakeVersionResolver{},
		Hooks:           hooks,
		Concurrency:     2,
	})
}

func TestAddAssetRequestIsIdempotent(t *testing.T) {
	rg := newTestGraph(&fakeRunner{}, nil)
	req := AssetRequest{FilePath: "src/index.js"}
	id1 := rg.AddAssetRequest(req)
	id2 := rg.AddAssetRequest(req)
	assert.Equal(t, id1, id2)
}

func TestCompleteRequestsRunsPipelineAndNotifiesHooks(t *testing.T) {
	runner := &fakeRunner{}
	hooks := &fakeHooks{}
	rg := newTestGraph(runner, hooks)

	rg.AddAssetRequest(AssetRequest{FilePath: "src/index.js"})
	require.NoError(t, rg.CompleteRequests())

	assert.Equal(t, []string{"src/index.js"}, runner.calls)
	assert.Equal(t, 1, hooks.assetCalls)
	assert.Empty(t, rg.Failures())
}

func TestCompleteRequestsResolvesDepPath(t *testing.T) {
	hooks := &fakeHooks{}
	rg := newTestGraph(&fakeRunner{}, hooks)

	rg.AddDepPathRequest(model.Dependency{ModuleSpecifier: "./foo", SourcePath: "src/index.js"})
	require.NoError(t, rg.CompleteRequests())

	assert.Equal(t, 1, hooks.depPathCalls)
}

func TestConfigRequestFansOutDepVersionRequests(t *testing.T) {
	rg := newTestGraph(&fakeRunner{}, nil)
	id := rg.AddConfigRequest("forge.config.json")
	require.NoError(t, rg.CompleteRequests())

	// One dep_version_request plus the file node of the included config
	// file; the dep_version edge is added first.
	children := rg.g.GetNodesConnectedFrom(id, nil)
	require.Len(t, children, 2)
	payload, ok := rg.g.GetNode(children[0])
	require.True(t, ok)
	n := payload.(*node)
	assert.Equal(t, KindDepVersionRequest, n.kind)
	assert.Equal(t, "1.0.0", n.depVersionResult)
}

func TestRespondToFSEventsInvalidatesKnownFile(t *testing.T) {
	runner := &fakeRunner{}
	rg := newTestGraph(runner, nil)
	id := rg.AddAssetRequest(AssetRequest{FilePath: "src/index.js"})
	rg.WatchFile(id, "src/index.js")
	require.NoError(t, rg.CompleteRequests())
	runner.calls = nil

	invalidated := rg.RespondToFSEvents([]fsabs.Event{{Type: fsabs.Update, Path: "src/index.js"}})
	assert.True(t, invalidated)

	require.NoError(t, rg.CompleteRequests())
	assert.Equal(t, []string{"src/index.js"}, runner.calls)
}

func TestRespondToFSEventsLockfileInvalidatesDepVersions(t *testing.T) {
	rg := newTestGraph(&fakeRunner{}, nil)
	rg.AddConfigRequest("forge.config.json")
	require.NoError(t, rg.CompleteRequests())

	invalidated := rg.RespondToFSEvents([]fsabs.Event{{Type: fsabs.Update, Path: "package-lock.json"}})
	assert.True(t, invalidated)
}
