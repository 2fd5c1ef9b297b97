// Package reqgraph implements the Request Graph of spec section 4.3:
// the memoised task graph whose nodes record how each asset, resolved
// path, configuration, or dependency version was derived, and what
// filesystem event would invalidate it.
//
// It is grounded on the teacher's internal/core/pipeline.go staging
// (facts/resolve/Initialize/Run) generalized from a fixed DAG of
// PipelineItems to a dynamically-grown graph of requests, and on
// internal/plumbing/uast/uast.go's tunny-backed bounded dispatch for
// completeRequests' concurrency cap.
package reqgraph

import (
	"path"
	"strings"
	"sync"

	"github.com/Jeffail/tunny"
	"golang.org/x/sync/errgroup"

	"github.com/forgebuild/forge/internal/diagnostics"
	"github.com/forgebuild/forge/internal/forgelog"
	"github.com/forgebuild/forge/internal/fsabs"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/model"
)

// Kind identifies which of spec section 4.3's six request-graph node
// types a node holds.
type Kind int

const (
	KindAssetRequest Kind = iota
	KindDepPathRequest
	KindConfigRequest
	KindDepVersionRequest
	KindFile
	KindGlob
)

// AssetRequest is the input to the Transformation Pipeline: a file to
// load (or inline code) under a given environment.
type AssetRequest struct {
	FilePath string
	Env      model.Environment
	Code     []byte
}

// PipelineRunner runs the Transformation Pipeline for an asset-request,
// spec section 4.7. Defined here (rather than imported from
// internal/pipeline directly) so request-graph tests can substitute a
// fake without constructing a full pipeline.
type PipelineRunner interface {
	Run(req AssetRequest) ([]model.Asset, error)
}

// PathResolver runs the Resolver, spec section 4.6.
type PathResolver interface {
	Resolve(dep model.Dependency) (model.AssetGroup, error)
}

// ConfigLoader loads a configuration file chain, spec section 4.5.
type ConfigLoader interface {
	Load(searchPath string) (model.Config, error)
}

// VersionResolver resolves the nearest package.json version for a
// module specifier, used by dep_version_request nodes.
type VersionResolver interface {
	Resolve(specifier, resolveFrom string) (string, error)
}

// AssetGraphHooks is implemented by the Asset Graph so the Request
// Graph can notify it of completed asset- and dep-path-requests
// without either package importing the other; forge's root facade
// wires a concrete *assetgraph.Graph in, which satisfies this
// interface structurally.
type AssetGraphHooks interface {
	OnAssetRequestComplete(requestID string, assets []model.Asset, err error)
	OnDepPathRequestComplete(dep model.Dependency, group *model.AssetGroup, err error)
}

type node struct {
	kind Kind

	assetReq    *AssetRequest
	assetResult []model.Asset

	dep       *model.Dependency
	depResult *model.AssetGroup
	// probed is not populated: a failed dep_path_request wires no file or
	// glob node, so no file event re-invalidates it.
	probed []string

	configSearchPath string
	config           *model.Config

	depVersionSpecifier  string
	depVersionResolveFrom string
	depVersionResult      string

	filePath string
	glob     string
}

// Graph is the Request Graph: a graph.Graph of request/file/glob nodes
// plus the invalid set, in-flight bookkeeping, and the bounded
// concurrency pool that drives completeRequests to quiescence.
type Graph struct {
	g    *graph.Graph
	root graph.ID

	runner          PipelineRunner
	resolver        PathResolver
	configLoader    ConfigLoader
	versionResolver VersionResolver
	hooks           AssetGraphHooks
	log             forgelog.Logger

	lockfileNames map[string]bool

	mu              sync.Mutex
	assetByKey      map[string]graph.ID
	depPathByKey    map[string]graph.ID
	configByKey     map[string]graph.ID
	depVersionByKey map[string]graph.ID
	fileByPath      map[string]graph.ID
	globByPattern   map[string]graph.ID
	invalid         map[graph.ID]bool

	concurrency int

	failuresMu sync.Mutex
	failures   []error

	validationsMu sync.Mutex
	validations   []func() error
}

// Options configures a new Graph.
type Options struct {
	Runner          PipelineRunner
	Resolver        PathResolver
	ConfigLoader    ConfigLoader
	VersionResolver VersionResolver
	Hooks           AssetGraphHooks
	Logger          forgelog.Logger
	Concurrency     int
	// LockfileNames are the basenames that trigger "invalidate all
	// dep_version_request nodes" when touched (spec section 4.3).
	LockfileNames []string
}

// New constructs an empty Request Graph.
func New(opts Options) *Graph {
	if opts.Logger == nil {
		opts.Logger = forgelog.Nop{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	lockfiles := map[string]bool{"package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true}
	for _, n := range opts.LockfileNames {
		lockfiles[n] = true
	}

	g := graph.New()
	root := g.AddNode(&node{kind: -1})
	g.SetRootNode(root)

	return &Graph{
		g:               g,
		root:            root,
		runner:          opts.Runner,
		resolver:        opts.Resolver,
		configLoader:    opts.ConfigLoader,
		versionResolver: opts.VersionResolver,
		hooks:           opts.Hooks,
		log:             opts.Logger,
		lockfileNames:   lockfiles,
		assetByKey:      map[string]graph.ID{},
		depPathByKey:    map[string]graph.ID{},
		configByKey:     map[string]graph.ID{},
		depVersionByKey: map[string]graph.ID{},
		fileByPath:      map[string]graph.ID{},
		globByPattern:   map[string]graph.ID{},
		invalid:         map[graph.ID]bool{},
		concurrency:     opts.Concurrency,
	}
}

func assetRequestKey(req AssetRequest) string {
	return req.Env.ID() + "|" + req.FilePath
}

// AddAssetRequest ensures an asset_request node exists for req,
// enqueueing it as invalid if it is new.
func (rg *Graph) AddAssetRequest(req AssetRequest) graph.ID {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	key := assetRequestKey(req)
	if id, ok := rg.assetByKey[key]; ok {
		return id
	}
	id := rg.g.AddNode(&node{kind: KindAssetRequest, assetReq: &req})
	rg.g.AddEdge(rg.root, id, graph.Default)
	rg.assetByKey[key] = id
	rg.invalid[id] = true
	return id
}

// AddDepPathRequest ensures a dep_path_request node exists for dep.
func (rg *Graph) AddDepPathRequest(dep model.Dependency) graph.ID {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	key := dep.ID()
	if id, ok := rg.depPathByKey[key]; ok {
		return id
	}
	id := rg.g.AddNode(&node{kind: KindDepPathRequest, dep: &dep})
	rg.g.AddEdge(rg.root, id, graph.Default)
	rg.depPathByKey[key] = id
	rg.invalid[id] = true
	return id
}

// AddConfigRequest ensures a config_request node exists for searchPath.
func (rg *Graph) AddConfigRequest(searchPath string) graph.ID {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if id, ok := rg.configByKey[searchPath]; ok {
		return id
	}
	id := rg.g.AddNode(&node{kind: KindConfigRequest, configSearchPath: searchPath})
	rg.g.AddEdge(rg.root, id, graph.Default)
	rg.configByKey[searchPath] = id
	rg.invalid[id] = true
	return id
}

func depVersionKey(specifier, resolveFrom string) string { return specifier + "|" + resolveFrom }

func (rg *Graph) addDepVersionRequest(parent graph.ID, specifier, resolveFrom string) graph.ID {
	key := depVersionKey(specifier, resolveFrom)
	if id, ok := rg.depVersionByKey[key]; ok {
		rg.g.AddEdge(parent, id, graph.Default)
		return id
	}
	id := rg.g.AddNode(&node{kind: KindDepVersionRequest, depVersionSpecifier: specifier, depVersionResolveFrom: resolveFrom})
	rg.g.AddEdge(parent, id, graph.Default)
	rg.depVersionByKey[key] = id
	rg.invalid[id] = true
	return id
}

// ensureFileNode returns the file node for path, creating it if absent.
// File nodes are pure invalidation anchors: they are never processed.
func (rg *Graph) ensureFileNode(filePath string) graph.ID {
	if id, ok := rg.fileByPath[filePath]; ok && rg.g.HasNode(id) {
		return id
	}
	id := rg.g.AddNode(&node{kind: KindFile, filePath: filePath})
	rg.fileByPath[filePath] = id
	return id
}

// ensureGlobNode returns the glob node for pattern, creating it if absent.
func (rg *Graph) ensureGlobNode(pattern string) graph.ID {
	if id, ok := rg.globByPattern[pattern]; ok && rg.g.HasNode(id) {
		return id
	}
	id := rg.g.AddNode(&node{kind: KindGlob, glob: pattern})
	rg.globByPattern[pattern] = id
	return id
}

// WatchFile records that requester depends on filePath's content,
// wiring a file-node invalidation anchor as an edge from requester.
func (rg *Graph) WatchFile(requester graph.ID, filePath string) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	fileID := rg.ensureFileNode(filePath)
	rg.g.AddEdge(requester, fileID, graph.Default)
}

// WatchGlob records that requester depends on anything matching
// pattern being created.
func (rg *Graph) WatchGlob(requester graph.ID, pattern string) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	globID := rg.ensureGlobNode(pattern)
	rg.g.AddEdge(requester, globID, graph.Default)
}

// Failures returns every request failure collected by the most recent
// completeRequests call, surfaced after quiescence per spec section 4.3.
func (rg *Graph) Failures() []error {
	rg.failuresMu.Lock()
	defer rg.failuresMu.Unlock()
	out := make([]error, len(rg.failures))
	copy(out, rg.failures)
	return out
}

func (rg *Graph) recordFailure(err error) {
	rg.failuresMu.Lock()
	rg.failures = append(rg.failures, err)
	rg.failuresMu.Unlock()
}

// hookDelivery is the Asset Graph notification a worker computed but
// did not itself make, deferring the actual AssetGraphHooks call back
// to the control task that owns the Asset Graph (spec section 5: "the
// Asset Graph and Request Graph are owned by the main control task;
// workers never mutate them directly").
type hookDelivery func()

// CompleteRequests processes every invalid main request to completion,
// dispatching to a bounded-concurrency tunny pool sized to rg's
// configured concurrency. It loops until no new requests are marked
// invalid by the processing that just ran (e.g. a config_request
// fanning out fresh dep_version_request children).
//
// Workers only run the actual resolution/transform work and hand back a
// hookDelivery; every AssetGraphHooks call for one round is then made
// serially on this goroutine once the round's workers have all
// finished, so hooks.OnAssetRequestComplete/OnDepPathRequestComplete
// never run concurrently with each other or with a later round.
func (rg *Graph) CompleteRequests() error {
	rg.failuresMu.Lock()
	rg.failures = nil
	rg.failuresMu.Unlock()

	pool := tunny.NewFunc(rg.concurrency, func(payload interface{}) interface{} {
		id := payload.(graph.ID)
		return rg.process(id)
	})
	defer pool.Close()

	for {
		pending := rg.snapshotInvalid()
		if len(pending) == 0 {
			return nil
		}
		deliveries := make([]hookDelivery, len(pending))
		var wg sync.WaitGroup
		for i, id := range pending {
			i, id := i, id
			wg.Add(1)
			go func() {
				defer wg.Done()
				if d, ok := pool.Process(id).(hookDelivery); ok {
					deliveries[i] = d
				}
			}()
		}
		wg.Wait()

		for _, deliver := range deliveries {
			if deliver != nil {
				deliver()
			}
		}
	}
}

func (rg *Graph) snapshotInvalid() []graph.ID {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	var ids []graph.ID
	for id, bad := range rg.invalid {
		if bad {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(rg.invalid, id)
	}
	return ids
}

func (rg *Graph) process(id graph.ID) interface{} {
	payload, ok := rg.g.GetNode(id)
	if !ok {
		return hookDelivery(nil)
	}
	n := payload.(*node)
	switch n.kind {
	case KindAssetRequest:
		return rg.processAssetRequest(id, n)
	case KindDepPathRequest:
		return rg.processDepPathRequest(id, n)
	case KindConfigRequest:
		rg.processConfigRequest(id, n)
	case KindDepVersionRequest:
		rg.processDepVersionRequest(id, n)
	}
	return hookDelivery(nil)
}

func (rg *Graph) processAssetRequest(id graph.ID, n *node) hookDelivery {
	assets, err := diagnosticsRunPipeline(rg.runner, *n.assetReq)
	if err != nil {
		rg.recordFailure(err)
		rg.log.Errorf("asset_request %s failed: %v", n.assetReq.FilePath, err)
	}
	n.assetResult = assets
	if rg.hooks == nil {
		return nil
	}
	requestID := assetRequestKey(*n.assetReq)
	return func() { rg.hooks.OnAssetRequestComplete(requestID, assets, err) }
}

func diagnosticsRunPipeline(runner PipelineRunner, req AssetRequest) ([]model.Asset, error) {
	if runner == nil {
		return nil, diagnostics.New(diagnostics.BuildAbort, "reqgraph", "no pipeline runner configured")
	}
	return runner.Run(req)
}

func (rg *Graph) processDepPathRequest(id graph.ID, n *node) hookDelivery {
	if rg.resolver == nil {
		err := diagnostics.New(diagnostics.BuildAbort, "reqgraph", "no resolver configured")
		rg.recordFailure(err)
		return nil
	}
	group, err := rg.resolver.Resolve(*n.dep)
	if err != nil {
		if !n.dep.IsOptional {
			rg.recordFailure(err)
		}
		n.depResult = nil
		dep := *n.dep
		if rg.hooks == nil {
			return nil
		}
		return func() { rg.hooks.OnDepPathRequestComplete(dep, nil, err) }
	}
	n.depResult = &group
	if rg.hooks == nil {
		return nil
	}
	dep := *n.dep
	return func() { rg.hooks.OnDepPathRequestComplete(dep, &group, nil) }
}

func (rg *Graph) processConfigRequest(id graph.ID, n *node) {
	if rg.configLoader == nil {
		rg.recordFailure(diagnostics.New(diagnostics.JSONError, "reqgraph", "no config loader configured"))
		return
	}
	cfg, err := rg.configLoader.Load(n.configSearchPath)
	if err != nil {
		rg.recordFailure(diagnostics.Wrap(diagnostics.JSONError, "reqgraph", err, "loading config at %s", n.configSearchPath))
		return
	}
	n.config = &cfg

	rg.mu.Lock()
	desired := make([]graph.ID, 0, len(cfg.DevDeps))
	names := make([]string, 0, len(cfg.DevDeps))
	for name := range cfg.DevDeps {
		names = append(names, name)
	}
	for _, name := range names {
		desired = append(desired, rg.addDepVersionRequest(id, name, n.configSearchPath))
	}
	rg.g.ReplaceNodesConnectedTo(id, desired, graph.Default, nil)
	for included := range cfg.IncludedFiles {
		rg.g.AddEdge(id, rg.ensureFileNode(included), graph.Default)
	}
	if cfg.WatchGlob != "" {
		rg.g.AddEdge(id, rg.ensureGlobNode(cfg.WatchGlob), graph.Default)
	}
	rg.mu.Unlock()
}

func (rg *Graph) processDepVersionRequest(id graph.ID, n *node) {
	if rg.versionResolver == nil {
		rg.recordFailure(diagnostics.New(diagnostics.ModuleNotFound, "reqgraph", "no version resolver configured"))
		return
	}
	version, err := rg.versionResolver.Resolve(n.depVersionSpecifier, n.depVersionResolveFrom)
	if err != nil {
		rg.recordFailure(err)
		return
	}
	n.depVersionResult = version
}

// AddValidation queues a non-blocking validation task to be drained by
// CompleteValidations, spec section 4.3's separate validation queue.
func (rg *Graph) AddValidation(task func() error) {
	rg.validationsMu.Lock()
	rg.validations = append(rg.validations, task)
	rg.validationsMu.Unlock()
}

// CompleteValidations drains the queued validation tasks concurrently,
// bounded by the same concurrency setting as CompleteRequests, and
// returns the first error encountered (if any) after all tasks finish.
func (rg *Graph) CompleteValidations() error {
	rg.validationsMu.Lock()
	tasks := rg.validations
	rg.validations = nil
	rg.validationsMu.Unlock()

	var eg errgroup.Group
	eg.SetLimit(rg.concurrency)
	for _, task := range tasks {
		task := task
		eg.Go(task)
	}
	return eg.Wait()
}

func (rg *Graph) markInvalid(id graph.ID) {
	rg.invalid[id] = true
	payload, ok := rg.g.GetNode(id)
	if !ok {
		return
	}
	if payload.(*node).kind == KindDepVersionRequest {
		for _, parent := range rg.g.GetNodesConnectedTo(id, nil) {
			rg.invalid[parent] = true
		}
	}
}

// RespondToFSEvents translates filesystem events into invalidations per
// spec section 4.3's rules, returning whether anything was invalidated.
func (rg *Graph) RespondToFSEvents(events []fsabs.Event) bool {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	invalidated := false
	for _, ev := range events {
		base := path.Base(ev.Path)
		if rg.lockfileNames[base] {
			for _, id := range rg.depVersionByKey {
				rg.markInvalid(id)
				invalidated = true
			}
		}

		fileID, known := rg.fileByPath[ev.Path]
		switch ev.Type {
		case fsabs.Create, fsabs.Update:
			if known {
				for _, parent := range rg.g.GetNodesConnectedTo(fileID, nil) {
					if isKind(rg.g, parent, KindAssetRequest, KindConfigRequest) {
						rg.markInvalid(parent)
						invalidated = true
					}
				}
			}
			if ev.Type == fsabs.Create {
				for pattern, globID := range rg.globByPattern {
					if matchGlob(pattern, ev.Path) {
						for _, parent := range rg.g.GetNodesConnectedTo(globID, nil) {
							rg.markInvalid(parent)
							invalidated = true
						}
					}
				}
			}
		case fsabs.Delete:
			if known {
				for _, parent := range rg.g.GetNodesConnectedTo(fileID, nil) {
					if isKind(rg.g, parent, KindDepPathRequest, KindConfigRequest) {
						rg.markInvalid(parent)
						invalidated = true
					}
				}
			}
		}
	}
	return invalidated
}

func isKind(g *graph.Graph, id graph.ID, kinds ...Kind) bool {
	payload, ok := g.GetNode(id)
	if !ok {
		return false
	}
	n := payload.(*node)
	for _, k := range kinds {
		if n.kind == k {
			return true
		}
	}
	return false
}

func matchGlob(pattern, filePath string) bool {
	matched, err := path.Match(pattern, filePath)
	if err == nil && matched {
		return true
	}
	return strings.HasPrefix(filePath, strings.TrimSuffix(pattern, "*"))
}
