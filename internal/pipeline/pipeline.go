// Package pipeline implements the Transformation Pipeline of spec
// section 4.7: loads an asset-request, builds the ordered transformer
// chain whose globs match the requested file, runs it with AST reuse
// and type-change pipeline hand-off, and commits the finalised assets
// to the cache.
//
// Grounded on internal/core/pipeline.go's staged Configure/Initialize/
// Consume execution and internal/core/forks.go's ForkSamePipelineItem/
// ForkCopyPipelineItem idiom (mirrored here by copyAsset, which clones
// an InternalAsset by value exactly as ForkCopyPipelineItem clones a
// PipelineItem by value via reflection, except pipeline assets are
// plain structs so a direct field copy suffices).
package pipeline

import (
	"path"
	"strings"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/diagnostics"
	"github.com/forgebuild/forge/internal/forgelog"
	"github.com/forgebuild/forge/internal/fsabs"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/pluginconfig"
	"github.com/forgebuild/forge/internal/reqgraph"
	"github.com/forgebuild/forge/internal/workerpool"
)

// InternalAsset is the mutable asset a Transformer chain operates on,
// spec section 4.7's working representation before it is frozen into
// a model.Asset.
type InternalAsset struct {
	IDBase         string
	FilePath       string
	Type           string // extension without the dot
	Hash           string
	Env            model.Environment
	Symbols        map[string]string
	Dependencies   []model.Dependency
	ConnectedFiles map[string]string
	SideEffects    bool
	Meta           map[string]interface{}
	Code           []byte
	Map            []byte

	ast      interface{}
	astOwner string // name of the transformer that produced ast
}

func (a *InternalAsset) toAsset() model.Asset {
	return model.Asset{
		IDBase:         a.IDBase,
		FilePath:       a.FilePath,
		Type:           a.Type,
		Hash:           a.Hash,
		OutputHash:     cache.Fingerprint(a.Code),
		Env:            a.Env,
		Symbols:        a.Symbols,
		Dependencies:   a.Dependencies,
		ConnectedFiles: a.ConnectedFiles,
		SideEffects:    a.SideEffects,
		Meta:           a.Meta,
		Code:           a.Code,
		Map:            a.Map,
	}
}

// copyAsset clones an InternalAsset by value, the pipeline's analogue
// of ForkCopyPipelineItem: each transformer result that starts a new
// branch gets an independent copy of the parent's bookkeeping fields
// rather than aliasing the parent's maps/slices.
func copyAsset(parent *InternalAsset) *InternalAsset {
	clone := *parent
	clone.Symbols = copyStringMap(parent.Symbols)
	clone.Meta = copyAnyMap(parent.Meta)
	clone.ConnectedFiles = copyStringMap(parent.ConnectedFiles)
	clone.Dependencies = append([]model.Dependency(nil), parent.Dependencies...)
	clone.ast = nil
	clone.astOwner = ""
	return &clone
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// TransformResult is what Transformer.Transform produces for one
// output asset: the fields it wants to merge over/into the parent,
// plus whether the asset's type changed (which ends that branch's
// participation in the rest of this pipeline, per spec step 4).
type TransformResult struct {
	Type           string
	Code           []byte
	Symbols        map[string]string
	Meta           map[string]interface{}
	Dependencies   []model.Dependency
	ConnectedFiles map[string]string
	SideEffects    *bool
}

// Transformer is a pipeline stage, spec section 4.7 step 4's
// "getConfig, canReuseAST, parse, transform" sequence plus a trailing
// "generate" used to finalise an asset whose AST was never re-emitted.
type Transformer interface {
	Name() string
	// Globs lists the file-name patterns (path.Match syntax) this
	// transformer claims.
	Globs() []string
	// GetConfig returns an opaque per-transformer config value; nil is
	// acceptable when the transformer has no configuration.
	GetConfig(asset *InternalAsset, cfg model.Config) (interface{}, error)
	// CanReuseAST reports whether this transformer can operate on an
	// AST handed down from a previous transformer instead of
	// re-parsing from Code.
	CanReuseAST(ast interface{}) bool
	// Parse builds this transformer's AST from asset.Code, or returns
	// nil if it operates directly on bytes.
	Parse(asset *InternalAsset, config interface{}) (interface{}, error)
	// Transform produces the ordered list of output assets for asset,
	// given its (possibly nil) AST.
	Transform(asset *InternalAsset, ast interface{}, config interface{}) ([]TransformResult, error)
	// Generate re-emits Code (and an optional source map) from ast
	// when the asset has no committed bytes yet, or a prior
	// transformer's AST must be flushed before handing off to one that
	// rejects reuse.
	Generate(asset *InternalAsset, ast interface{}) (code []byte, sourceMap []byte, err error)
}

// PostProcessor is optionally implemented by a Transformer to run once
// over the pipeline's final asset list, spec section 4.7 step 7.
type PostProcessor interface {
	PostProcess(assets []model.Asset) ([]model.Asset, error)
}

// Registry maps a plugin name (as recorded by internal/pluginconfig)
// to its Transformer implementation, the pipeline's analogue of the
// teacher's PipelineItemRegistry.Summon by-name lookup.
type Registry struct {
	transformers map[string]Transformer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{transformers: map[string]Transformer{}}
}

// Register adds t under name, overwriting any previous registration.
func (r *Registry) Register(name string, t Transformer) {
	r.transformers[name] = t
}

func (r *Registry) lookup(name string) (Transformer, bool) {
	t, ok := r.transformers[name]
	return t, ok
}

// ConfigLoader is the subset of pluginconfig.Loader the pipeline needs
// to build a transformer chain for a file, satisfied structurally by
// *pluginconfig.Loader.
type ConfigLoader interface {
	Load(searchPath string) (model.Config, error)
}

// Runner implements reqgraph.PipelineRunner.
type Runner struct {
	fs           fsabs.Filesystem
	cache        *cache.Cache
	configLoader ConfigLoader
	registry     *Registry
	log          forgelog.Logger
	configName   string
	pool         *workerpool.Pool
}

// Options configures a Runner.
type Options struct {
	Cache        *cache.Cache
	ConfigLoader ConfigLoader
	Registry     *Registry
	Logger       forgelog.Logger
	// ConfigName is the file name looked up while walking ancestor
	// directories for the nearest plugin configuration, default
	// "forge.config.json".
	ConfigName string
	// WorkerPoolSize, when positive, dispatches every Transformer.Transform
	// call through an internal/workerpool.Pool sized to this many workers
	// instead of running it inline on the calling goroutine. Zero runs
	// transforms synchronously, which is the right choice when the
	// concurrency of transform dispatch is already bounded elsewhere (the
	// request graph's own tunny pool in internal/reqgraph).
	WorkerPoolSize int
}

// transformMethod is the only RPC method the pipeline's worker pool
// dispatches; the pool's reverse-call machinery is unused here since no
// transformer plugin currently calls back into the scheduler.
const transformMethod workerpool.Method = "transform"

// transformJob is the payload carried by a transformMethod request.
type transformJob struct {
	t      Transformer
	a      *InternalAsset
	config interface{}
}

// New returns a Runner reading source files from fs.
func New(fs fsabs.Filesystem, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = &forgelog.Nop{}
	}
	if opts.ConfigName == "" {
		opts.ConfigName = "forge.config.json"
	}
	r := &Runner{
		fs:           fs,
		cache:        opts.Cache,
		configLoader: opts.ConfigLoader,
		registry:     opts.Registry,
		log:          opts.Logger,
		configName:   opts.ConfigName,
	}
	if opts.WorkerPoolSize > 0 {
		r.pool = workerpool.New(workerpool.Options{
			NumWorkers: opts.WorkerPoolSize,
			Logger:     opts.Logger,
			Handler:    r.handleWorkerRequest,
		})
	}
	return r
}

func (r *Runner) handleWorkerRequest(req workerpool.Request, _ workerpool.ReverseCaller) (interface{}, error) {
	job := req.Payload.(transformJob)
	return job.t.Transform(job.a, job.a.ast, job.config)
}

// transform runs t.Transform for a, dispatching through r.pool when one
// is configured so a CPU-heavy transformer (minifier, bundler-adjacent
// parser) does not block the goroutine driving runTransformerChain.
func (r *Runner) transform(t Transformer, a *InternalAsset, config interface{}) ([]TransformResult, error) {
	if r.pool == nil {
		return diagnostics.RunWithRecoverValue(t.Name(), func() ([]TransformResult, error) {
			return t.Transform(a, a.ast, config)
		})
	}
	resp := <-r.pool.Submit(transformMethod, transformJob{t: t, a: a, config: config})
	if resp.Err != nil {
		return nil, resp.Err
	}
	results, _ := resp.Result.([]TransformResult)
	return results, nil
}

// Run implements reqgraph.PipelineRunner: it loads req, resolves the
// transformer chain, executes it, and returns the finalised assets.
func (r *Runner) Run(req reqgraph.AssetRequest) ([]model.Asset, error) {
	asset, err := r.loadAsset(req)
	if err != nil {
		return nil, err
	}

	names, cfg, identity, err := r.loadPipeline(asset.FilePath)
	if err != nil {
		return nil, err
	}

	key := r.pipelineCacheKey(asset, cfg, identity)
	var cached []model.Asset
	if ok, _ := r.cache.Get(key, &cached); ok {
		return r.handOffTypeChanges(cached, identity)
	}

	finals, postProcessors, err := r.runTransformerChain(asset, names, cfg)
	if err != nil {
		return nil, err
	}

	results := make([]model.Asset, 0, len(finals))
	for _, a := range finals {
		if err := r.finalize(a); err != nil {
			return nil, err
		}
		results = append(results, a.toAsset())
	}

	if err := r.cache.Set(key, results); err != nil {
		r.log.Warnf("pipeline: failed to cache %s: %v", asset.FilePath, err)
	}

	results, err = r.handOffTypeChanges(results, identity)
	if err != nil {
		return nil, err
	}

	if len(postProcessors) > 0 {
		results, err = r.runPostProcess(results, postProcessors, key)
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}

// loadAsset reads req's file (or its inline code) and computes the
// InternalAsset fields spec step 1 describes.
func (r *Runner) loadAsset(req reqgraph.AssetRequest) (*InternalAsset, error) {
	code := req.Code
	idBase := req.FilePath
	if code == nil {
		data, err := r.fs.ReadFile(req.FilePath)
		if err != nil {
			return nil, diagnostics.Wrap(diagnostics.EntryMissing, "pipeline", err, "reading %s", req.FilePath)
		}
		code = data
	} else if idBase == "" {
		idBase = cache.Fingerprint(code)
	}
	return &InternalAsset{
		IDBase:  idBase,
		FilePath: req.FilePath,
		Type:    extensionOf(req.FilePath),
		Hash:    cache.Fingerprint(code),
		Env:     req.Env,
		Code:    code,
	}, nil
}

func extensionOf(filePath string) string {
	ext := path.Ext(filePath)
	return strings.TrimPrefix(ext, ".")
}

// loadPipeline loads the nearest plugin configuration above filePath
// and returns the ordered transformer names whose glob matches it, the
// loaded Config, and the chain's identity string (concatenation of
// transformer names, spec step 6's "pipeline identity").
func (r *Runner) loadPipeline(filePath string) ([]string, model.Config, string, error) {
	searchPath := r.findConfig(filePath)
	cfg, err := r.configLoader.Load(searchPath)
	if err != nil {
		return nil, model.Config{}, "", err
	}
	names := pluginconfig.ParsePluginNames(cfg.Result)
	var chain []string
	for glob, transformers := range names.Transformers {
		if matchGlob(glob, filePath) {
			chain = append(chain, transformers...)
		}
	}
	return chain, cfg, strings.Join(chain, ">"), nil
}

func (r *Runner) findConfig(filePath string) string {
	dir := path.Dir(filePath)
	for {
		candidate := r.fs.Join(dir, r.configName)
		if r.fs.Exists(candidate) {
			return candidate
		}
		parent := path.Dir(dir)
		if parent == dir {
			return r.configName
		}
		dir = parent
	}
}

func matchGlob(glob, filePath string) bool {
	if ok, err := path.Match(glob, path.Base(filePath)); err == nil && ok {
		return true
	}
	ok, err := path.Match(glob, filePath)
	return err == nil && ok
}

// pipelineCacheKey hashes asset.hash, asset.type, the config's
// resultHash, the environment id and the pipeline identity. No build
// options are part of the key; Runner does not receive any.
func (r *Runner) pipelineCacheKey(asset *InternalAsset, cfg model.Config, identity string) string {
	parts := strings.Join([]string{asset.Hash, asset.Type, cfg.ResultHash, asset.Env.ID(), identity}, "\x00")
	return "pipeline:" + cache.Fingerprint([]byte(parts))
}

// runTransformerChain is spec step 4: transformers run in order, each
// operating on every still-initial-typed current asset; once an
// asset's type changes it is held out as final for this pipeline.
func (r *Runner) runTransformerChain(initial *InternalAsset, names []string, cfg model.Config) ([]*InternalAsset, []PostProcessor, error) {
	initialType := initial.Type
	current := []*InternalAsset{initial}
	var finals []*InternalAsset
	var postProcessors []PostProcessor

	for _, name := range names {
		t, ok := r.registry.lookup(name)
		if !ok {
			return nil, nil, diagnostics.New(diagnostics.PluginError, "pipeline", "unknown transformer "+name)
		}
		if pp, ok := t.(PostProcessor); ok {
			postProcessors = append(postProcessors, pp)
		}

		var next []*InternalAsset
		for _, a := range current {
			if a.Type != initialType {
				finals = append(finals, a)
				continue
			}
			results, err := r.runOne(t, a, cfg)
			if err != nil {
				return nil, nil, err
			}
			next = append(next, results...)
		}
		current = next
	}
	finals = append(finals, current...)
	return finals, postProcessors, nil
}

func (r *Runner) runOne(t Transformer, a *InternalAsset, cfg model.Config) ([]*InternalAsset, error) {
	config, err := t.GetConfig(a, cfg)
	if err != nil {
		return nil, diagnostics.Wrap(diagnostics.PluginError, t.Name(), err, "getConfig for %s", a.FilePath)
	}

	if a.ast != nil && a.astOwner != t.Name() && !t.CanReuseAST(a.ast) {
		if owner, ok := r.registry.lookup(a.astOwner); ok {
			ownerCode, ownerMap, err := owner.Generate(a, a.ast)
			if err == nil {
				a.Code = ownerCode
				a.Map = ownerMap
			}
		}
		a.ast = nil
		a.astOwner = ""
	}

	var err2 error
	if a.ast == nil {
		a.ast, err2 = t.Parse(a, config)
		if err2 != nil {
			return nil, diagnostics.Wrap(diagnostics.PluginError, t.Name(), err2, "parse %s", a.FilePath)
		}
		if a.ast != nil {
			a.astOwner = t.Name()
		}
	}

	results, err := r.transform(t, a, config)
	if err != nil {
		return nil, diagnostics.Wrap(diagnostics.PluginError, t.Name(), err, "transform %s", a.FilePath)
	}

	if len(results) == 0 {
		return []*InternalAsset{a}, nil
	}

	out := make([]*InternalAsset, 0, len(results))
	for _, res := range results {
		child := copyAsset(a)
		if res.Type != "" {
			child.Type = res.Type
		}
		if res.Code != nil {
			child.Code = res.Code
			child.ast = nil
			child.astOwner = ""
		}
		for k, v := range res.Symbols {
			if child.Symbols == nil {
				child.Symbols = map[string]string{}
			}
			child.Symbols[k] = v
		}
		for k, v := range res.Meta {
			if child.Meta == nil {
				child.Meta = map[string]interface{}{}
			}
			child.Meta[k] = v
		}
		if len(res.Dependencies) > 0 {
			child.Dependencies = append(child.Dependencies, res.Dependencies...)
		}
		for k, v := range res.ConnectedFiles {
			if child.ConnectedFiles == nil {
				child.ConnectedFiles = map[string]string{}
			}
			child.ConnectedFiles[k] = v
		}
		if res.SideEffects != nil {
			child.SideEffects = *res.SideEffects
		}
		out = append(out, child)
	}
	return out, nil
}

// finalize is spec step 5: the last transformer's generate produces
// Code (and an optional source map) if the asset still carries an
// unflushed AST.
func (r *Runner) finalize(a *InternalAsset) error {
	if a.ast == nil {
		return nil
	}
	t, ok := r.registry.lookup(a.astOwner)
	if !ok {
		return nil
	}
	code, sourceMap, err := t.Generate(a, a.ast)
	if err != nil {
		return diagnostics.Wrap(diagnostics.PluginError, a.astOwner, err, "generate %s", a.FilePath)
	}
	a.Code = code
	a.Map = sourceMap
	a.ast = nil
	return nil
}

// handOffTypeChanges is spec step 6: any final asset whose type
// differs from its pipeline's initial type is recursively handed to
// the pipeline for its new extension; if that pipeline's identity
// differs, it actually runs.
func (r *Runner) handOffTypeChanges(assets []model.Asset, ownIdentity string) ([]model.Asset, error) {
	out := make([]model.Asset, 0, len(assets))
	for _, a := range assets {
		base := strings.TrimSuffix(a.FilePath, path.Ext(a.FilePath))
		newPath := base + "." + a.Type
		_, _, nextIdentity, err := r.loadPipeline(newPath)
		if err != nil || nextIdentity == ownIdentity {
			out = append(out, a)
			continue
		}
		rerun, err := r.Run(reqgraph.AssetRequest{FilePath: newPath, Env: a.Env, Code: a.Code})
		if err != nil {
			return nil, err
		}
		out = append(out, rerun...)
	}
	return out, nil
}

// runPostProcess is spec step 7, cached under a key derived from the
// pipeline key plus the final asset set (Open Question decision 1).
func (r *Runner) runPostProcess(assets []model.Asset, postProcessors []PostProcessor, pipelineKey string) ([]model.Asset, error) {
	hashes := make([]string, 0, len(assets))
	for _, a := range assets {
		hashes = append(hashes, a.ID())
	}
	key := "postprocess:" + cache.Fingerprint([]byte(pipelineKey+"\x00"+strings.Join(hashes, ",")))

	var cached []model.Asset
	if ok, _ := r.cache.Get(key, &cached); ok {
		return cached, nil
	}

	current := assets
	for _, pp := range postProcessors {
		next, err := pp.PostProcess(current)
		if err != nil {
			return nil, diagnostics.Wrap(diagnostics.PluginError, "pipeline", err, "postProcess")
		}
		current = next
	}
	if err := r.cache.Set(key, current); err != nil {
		r.log.Warnf("pipeline: failed to cache post-process result: %v", err)
	}
	return current, nil
}
