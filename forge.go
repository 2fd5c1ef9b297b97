// Package forge is the root facade tying together every internal
// package into the single control flow spec section 2 describes:
// resolve options, construct the Asset and Request Graphs, enqueue
// entry dependencies, run the Request Graph to quiescence, hand the
// Asset Graph to the Bundler Runner, package and optimise each
// resulting bundle, resolve cross-bundle hash references, and write
// the final artifacts.
//
// Grounded on core.go/pipeline.go's role in the teacher (a long-lived
// object built once from Options and driven through repeated Run
// calls, rather than a single free function) and on
// internal/core/pipeline.go's Initialize-then-Run staging, generalised
// here to New (wiring) followed by Run (one build cycle) and Invalidate
// (the incremental-rebuild entry point a watch-mode caller would use
// to feed filesystem events back into the Request Graph).
package forge

import (
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/forgebuild/forge/config"
	"github.com/forgebuild/forge/internal/assetgraph"
	"github.com/forgebuild/forge/internal/bundler"
	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/diagnostics"
	"github.com/forgebuild/forge/internal/forgelog"
	"github.com/forgebuild/forge/internal/fsabs"
	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/namer"
	"github.com/forgebuild/forge/internal/packager"
	"github.com/forgebuild/forge/internal/pipeline"
	"github.com/forgebuild/forge/internal/pluginconfig"
	"github.com/forgebuild/forge/internal/reqgraph"
	"github.com/forgebuild/forge/internal/resolver"
)

// Options configures a Build. The plugin-shaped fields (BundlerPlugin,
// Packager, Transformers, Namers, Runtimes, Optimizers) are always
// supplied by the caller: concrete transformer/bundler/packager/
// optimizer plugins are outside this module's scope, the same way the
// teacher never bakes a fixed PipelineItem list into core.Pipeline
// itself.
type Options struct {
	// Filesystem is the source tree forge reads from. Defaults to
	// fsabs.OS(ProjectRoot) when nil.
	Filesystem  fsabs.Filesystem
	ProjectRoot string
	// OutputFilesystem is where packaged artifacts are written.
	// Defaults to Filesystem.
	OutputFilesystem fsabs.Filesystem

	// CacheDir is where the content-addressed cache persists between
	// runs. Defaults to config.DefaultCacheDir(). Ignored when
	// CacheFilesystem is set.
	CacheDir string
	// CacheFilesystem overrides where the cache reads and writes its
	// blobs, bypassing CacheDir's real-disk resolution entirely (e.g.
	// fsabs.Memory() for tests, or a build server's own scratch
	// filesystem).
	CacheFilesystem fsabs.Filesystem
	// ConfigName is the nearest-ancestor file name the Config & Plugin
	// Loader searches for, default "forge.config.json".
	ConfigName string

	Entries []string
	Targets []model.Target

	Transformers    *pipeline.Registry
	ResolverOptions resolver.Options
	BundlerPlugin   bundler.Plugin
	Namers          []bundler.Namer
	Runtimes        []bundler.Runtime
	Packager        packager.Packager
	Optimizers      []packager.Optimizer
	PackagerRuntime packager.Runtime

	Mode        packager.Mode
	LazyOrEager packager.LazyOrEager
	// UserEnv is the caller-configured environment map surfaced to
	// registered transformer plugins, spec section 6.
	UserEnv map[string]string

	LockfileNames []string
	Concurrency   int
	// TransformWorkers, when positive, runs transformer Transform calls
	// on a dedicated internal/workerpool.Pool of this size instead of
	// inline on the request graph's own dispatch goroutine. Leave zero
	// unless transformers are CPU-heavy enough to want their own pool.
	TransformWorkers int
	Logger           forgelog.Logger
	ForgeVersion     string
}

// Build is a wired, reusable build: construction resolves every
// collaborator once, and Run executes one full build-to-quiescence
// cycle. Invalidate lets a long-running caller (a watch-mode driver,
// out of this module's scope) feed filesystem events back in between
// Run calls without rebuilding the graphs from scratch.
type Build struct {
	opts Options

	fs    fsabs.Filesystem
	outFS fsabs.Filesystem
	cache *cache.Cache
	env   config.EnvMap

	configLoader *pluginconfig.Loader
	resolver     *resolver.Resolver
	versions     *resolver.DevDepVersionResolver
	pipeline     *pipeline.Runner
	packager     *packager.Runner
	bundler      *bundler.Runner
	manifests    *manifest.Store

	assets   *assetgraph.Graph
	requests *reqgraph.Graph

	topConfig model.Config
}

// New wires opts into a Build. Its only filesystem work is resolving
// CacheDir and loading the top-level config file; no build work runs
// until Run is called.
func New(opts Options) (*Build, error) {
	if opts.BundlerPlugin == nil {
		return nil, diagnostics.New(diagnostics.BuildAbort, "forge", "no bundler plugin configured")
	}
	if opts.Packager == nil {
		return nil, diagnostics.New(diagnostics.BuildAbort, "forge", "no packager configured")
	}
	if opts.Logger == nil {
		opts.Logger = &forgelog.Nop{}
	}
	if opts.ConfigName == "" {
		opts.ConfigName = "forge.config.json"
	}
	if opts.ForgeVersion == "" {
		opts.ForgeVersion = "dev"
	}
	if opts.Transformers == nil {
		opts.Transformers = pipeline.NewRegistry()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	fs := opts.Filesystem
	if fs == nil {
		fs = fsabs.OS(opts.ProjectRoot)
	}
	outFS := opts.OutputFilesystem
	if outFS == nil {
		outFS = fs
	}

	cacheFS := opts.CacheFilesystem
	if cacheFS == nil {
		cacheDir := opts.CacheDir
		if cacheDir == "" {
			dir, err := config.DefaultCacheDir()
			if err != nil {
				return nil, err
			}
			cacheDir = dir
		} else {
			expanded, err := config.ExpandPath(cacheDir)
			if err != nil {
				return nil, err
			}
			cacheDir = expanded
		}
		cacheFS = fsabs.OS(cacheDir)
	}
	c := cache.New(cacheFS, "")

	configLoader := pluginconfig.New(fs)
	res := resolver.New(fs, opts.ResolverOptions)
	versions := resolver.NewDevDepVersionResolver(fs)

	pipelineRunner := pipeline.New(fs, pipeline.Options{
		Cache:          c,
		ConfigLoader:   configLoader,
		Registry:       opts.Transformers,
		Logger:         opts.Logger,
		ConfigName:     opts.ConfigName,
		WorkerPoolSize: opts.TransformWorkers,
	})

	packagerRunner := packager.New(packager.Options{
		Cache:        c,
		Optimizers:   opts.Optimizers,
		Logger:       opts.Logger,
		Runtime:      opts.PackagerRuntime,
		ForgeVersion: opts.ForgeVersion,
	})

	namers := opts.Namers
	if len(namers) == 0 {
		namers = []bundler.Namer{namer.Default{}}
	}
	bundlerRunner := &bundler.Runner{Namers: namers, Runtimes: opts.Runtimes}

	ag := assetgraph.New()
	hooks := &graphHooks{ag: ag}
	rg := reqgraph.New(reqgraph.Options{
		Runner:          pipelineRunner,
		Resolver:        res,
		ConfigLoader:    configLoader,
		VersionResolver: versions,
		Hooks:           hooks,
		Logger:          opts.Logger,
		Concurrency:     opts.Concurrency,
		LockfileNames:   opts.LockfileNames,
	})
	hooks.rg = rg

	topConfig, err := configLoader.Load(fs.Join(opts.ProjectRoot, opts.ConfigName))
	if err != nil {
		opts.Logger.Warnf("forge: no top-level config at %s: %v", opts.ConfigName, err)
	}

	return &Build{
		opts:         opts,
		fs:           fs,
		outFS:        outFS,
		cache:        c,
		env:          config.LoadEnv(opts.UserEnv),
		configLoader: configLoader,
		resolver:     res,
		versions:     versions,
		pipeline:     pipelineRunner,
		packager:     packagerRunner,
		bundler:      bundlerRunner,
		manifests:    manifest.NewStore(c),
		assets:       ag,
		requests:     rg,
		topConfig:    topConfig,
	}, nil
}

// Env returns the process-environment view loaded at construction time,
// spec section 6's NODE_ENV/BROWSERSLIST_ENV/user-map, for registered
// transformer plugins that need it.
func (b *Build) Env() config.EnvMap { return b.env }

// graphHooks bridges the Request Graph's completion notifications
// back into both the Asset Graph (which only ever learns about
// completions, per reqgraph.AssetGraphHooks) and the Request Graph
// itself: a newly resolved dependency or asset-group must enqueue the
// follow-on request that actually produces its content, and nothing
// else in either package is positioned to do that without introducing
// an import cycle between reqgraph and assetgraph. It also registers
// the new asset_request node's file-invalidation watch, since the
// request's file path is only known once the dep_path_request that
// produced it has resolved.
//
// reqgraph.Graph.CompleteRequests calls these methods one at a time on
// its own goroutine, after every worker in a round has finished, never
// from inside a worker itself — assetgraph.Graph has no synchronization
// of its own, and per spec section 5 the Asset Graph is owned
// exclusively by the main control task.
type graphHooks struct {
	ag *assetgraph.Graph
	rg *reqgraph.Graph
}

func (h *graphHooks) OnAssetRequestComplete(requestID string, assets []model.Asset, err error) {
	h.ag.OnAssetRequestComplete(requestID, assets, err)
	if err != nil {
		return
	}
	for _, a := range assets {
		for _, dep := range a.Dependencies {
			h.rg.AddDepPathRequest(dep)
		}
	}
}

func (h *graphHooks) OnDepPathRequestComplete(dep model.Dependency, group *model.AssetGroup, err error) {
	h.ag.OnDepPathRequestComplete(dep, group, err)
	if err != nil || group == nil || group.FilePath == "" {
		return
	}
	id := h.rg.AddAssetRequest(reqgraph.AssetRequest{FilePath: group.FilePath, Env: group.Env, Code: group.Code})
	if group.Code == nil {
		h.rg.WatchFile(id, group.FilePath)
	}
}

// assetSourceAdapter gives a *assetgraph.Graph the exact method set
// bundler.AssetSource names. *assetgraph.Graph cannot implement
// AssetSource directly: its own GetEntryAssets/GetDependencies already
// exist with different signatures for graph.ID-keyed callers, so Go's
// one-signature-per-method-name rule forces a wrapper rather than a
// rename. entryIDs is supplied explicitly per build target, since a
// single Asset Graph's entries span every target's environment at
// once and a bundler plugin wants only the entries for the target it
// is bundling.
type assetSourceAdapter struct {
	ag       *assetgraph.Graph
	entryIDs []string
}

func (a *assetSourceAdapter) GetEntryAssets() []string { return a.entryIDs }

func (a *assetSourceAdapter) GetAsset(assetID string) (model.Asset, bool) {
	return a.ag.GetAsset(assetID)
}

func (a *assetSourceAdapter) GetDependencies(assetID string) []model.Dependency {
	return a.ag.GetDependenciesByID(assetID)
}

// Result is the outcome of one Run cycle.
type Result struct {
	Bundles      []model.Bundle
	BundleInfos  map[string][]packager.BundleInfo
	ManifestHash string
	Failures     []error
}

// Run executes spec section 2's full control flow once: enqueue entry
// dependencies for every configured target, drive the Request Graph to
// quiescence, bundle each target's reachable entries, package and
// optimise every bundle (cache-first throughout), resolve deferred
// cross-bundle hash references, write the resulting artifacts, and
// persist a manifest recording the build.
func (b *Build) Run() (*Result, error) {
	for _, target := range b.opts.Targets {
		for _, entry := range b.opts.Entries {
			dep := model.Dependency{
				ModuleSpecifier: entry,
				SourcePath:      b.fs.Join(b.opts.ProjectRoot, "."),
				Env:             target.Env,
				IsEntry:         true,
			}
			b.assets.AddEntryDependency(dep)
			b.requests.AddDepPathRequest(dep)
		}
	}

	if err := b.requests.CompleteRequests(); err != nil {
		return nil, diagnostics.Wrap(diagnostics.BuildAbort, "forge", err, "completing request graph")
	}
	failures := b.requests.Failures()

	allBundles := make([]model.Bundle, 0)
	infos := make(map[string][]packager.BundleInfo)
	contents := map[string][]byte{}
	refToBundle := map[string]string{}

	for _, target := range b.opts.Targets {
		entryIDs := b.entryAssetIDsForTarget(target)
		if len(entryIDs) == 0 {
			continue
		}
		source := &assetSourceAdapter{ag: b.assets, entryIDs: entryIDs}

		bg, err := b.bundler.Run(b.opts.BundlerPlugin, source, target)
		if err != nil {
			return nil, err
		}

		for _, bundle := range bg.Bundles() {
			assetIDs := bg.AssetsOf(bundle.ID)
			assets := make([]model.Asset, 0, len(assetIDs))
			for _, id := range assetIDs {
				if a, ok := b.assets.GetAsset(id); ok {
					assets = append(assets, a)
				}
			}

			req := packager.Request{
				Bundle:             bundle,
				Assets:             assets,
				PluginConfigHashes: []string{b.topConfig.ResultHash},
				DevDepHashes:       sortedValues(b.topConfig.DevDeps),
				Mode:               b.opts.Mode,
				LazyOrEager:        b.opts.LazyOrEager,
			}
			bundleInfos, err := b.packager.Package(b.opts.Packager, req)
			if err != nil {
				return nil, err
			}
			infos[bundle.ID] = bundleInfos
			refToBundle[packager.HashRefToken(bundle.ID)] = bundle.ID

			if err := b.loadArtifactContents(bundle, bundleInfos, contents); err != nil {
				return nil, err
			}
			allBundles = append(allBundles, bundle)
		}
	}

	packager.ResolveHashReferences(infos, refToBundle, contents)

	if err := b.writeArtifacts(allBundles, infos, contents); err != nil {
		return nil, err
	}

	hash, err := b.saveManifest()
	if err != nil {
		return nil, err
	}

	return &Result{Bundles: allBundles, BundleInfos: infos, ManifestHash: hash, Failures: failures}, nil
}

// Invalidate feeds filesystem events into the Request Graph, marking
// whatever they touch for reprocessing on the next Run. It returns
// whether anything was actually invalidated.
func (b *Build) Invalidate(events []fsabs.Event) bool {
	return b.requests.RespondToFSEvents(events)
}

func (b *Build) entryAssetIDsForTarget(target model.Target) []string {
	var ids []string
	for _, a := range b.assets.GetEntryAssets() {
		if a.Env.ID() == target.Env.ID() {
			ids = append(ids, a.ID())
		}
	}
	return ids
}

// loadArtifactContents reads every artifact this bundle just produced
// back out of the cache into contents, keyed by its cache key, so the
// hash-reference substitution pass below has every bundle's bytes
// available at once (spec section 4.9's "deferred until all packager
// results are known"). Large blobs past packager's threshold are
// loaded the same way here: a production build would stream-rewrite
// those instead of holding them whole, which this facade does not
// attempt.
func (b *Build) loadArtifactContents(bundle model.Bundle, infos []packager.BundleInfo, contents map[string][]byte) error {
	for _, info := range infos {
		data, ok, err := b.cache.GetBlob(info.CacheKeys.Content)
		if err != nil {
			return diagnostics.Wrap(diagnostics.CacheError, "forge", err, "loading artifact for %s", bundle.ID)
		}
		if ok {
			contents[info.CacheKeys.Content] = data
		}
		if info.CacheKeys.Map != "" {
			if mapData, ok, err := b.cache.GetBlob(info.CacheKeys.Map); err == nil && ok {
				contents[info.CacheKeys.Map] = mapData
			}
		}
	}
	return nil
}

func (b *Build) writeArtifacts(bundles []model.Bundle, infos map[string][]packager.BundleInfo, contents map[string][]byte) error {
	for _, bundle := range bundles {
		bundleInfos := infos[bundle.ID]
		for i, info := range bundleInfos {
			data, ok := contents[info.CacheKeys.Content]
			if !ok {
				continue
			}
			filePath := bundle.FilePath
			if i > 0 {
				filePath = filePath + "." + strconv.Itoa(i)
			}
			if err := b.outFS.MkdirAll(path.Dir(filePath), 0o755); err != nil {
				return diagnostics.Wrap(diagnostics.CacheError, "forge", err, "mkdir for %s", filePath)
			}
			if err := b.outFS.WriteFile(filePath, data, 0o644); err != nil {
				return diagnostics.Wrap(diagnostics.CacheError, "forge", err, "writing %s", filePath)
			}
			if err := b.cache.SetBlob(info.CacheKeys.Content, data); err != nil {
				b.opts.Logger.Warnf("forge: failed to persist resolved artifact for %s: %v", bundle.ID, err)
			}
		}
	}
	return nil
}

func (b *Build) saveManifest() (string, error) {
	targetNames := make([]string, 0, len(b.opts.Targets))
	for _, t := range b.opts.Targets {
		targetNames = append(targetNames, t.Name)
	}
	impactfulOptions := []string{string(b.opts.Mode), string(b.opts.LazyOrEager)}

	state := &manifest.BuildState{
		Entries:         append([]string(nil), b.opts.Entries...),
		Targets:         targetNames,
		ForgeVersion:    b.opts.ForgeVersion,
		AssetGraphKey:   b.assets.GetHash(),
		RequestGraphKey: manifest.Key(b.opts.Entries, targetNames, impactfulOptions),
		SnapshotKey:     b.topConfig.ResultHash,
		CreatedUnix:     time.Now().Unix(),
	}
	return b.manifests.Save(state)
}

func sortedValues(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"@"+m[k])
	}
	return out
}
