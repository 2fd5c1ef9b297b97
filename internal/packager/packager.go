// Package packager implements the Packager/Optimizer Runner of spec
// section 4.9: for each bundle it dispatches to the packager plugin
// matching the bundle's type, runs the resulting artifacts through the
// matching optimizer chain, stitches a source map, and streams the
// final bytes through a hasher that extracts hash-reference tokens so
// a later pass can substitute cross-bundle references once every
// bundle has been packaged.
//
// Grounded on blob_cache.go's cache/newCache rotation idiom (mirrored
// by internal/cache, which this package calls directly) for the
// streaming write path, and on diff.go's FileDiff.Consume, which
// already runs a diffmatchpatch line diff between the previous and
// current blob for a changed file; packagerRunner reuses the same
// diffmatchpatch.DiffLinesToRunes/DiffMainRunes idiom to summarise how
// much of a bundle actually changed across a rebuild, logged on a cache
// miss the way diff.go attaches OldLinesOfCode/
// NewLinesOfCode to its result.
package packager

import (
	"encoding/hex"
	"encoding/json"
	"hash"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/minio/highwayhash"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/diagnostics"
	"github.com/forgebuild/forge/internal/forgelog"
	"github.com/forgebuild/forge/internal/model"
)

// fingerprintKey is a fixed 32-byte highwayhash key for the streaming
// artifact hasher, distinct from internal/cache's so the two hash
// spaces never collide even though both feed into cache keys.
var fingerprintKey = []byte("forge-packager-artifact-hash-key")

// Mode is the build mode contributing to a packaging cache key.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// LazyOrEager records whether a bundle is loaded eagerly or on demand,
// the other per-bundle cache key input spec section 4.9 names.
type LazyOrEager string

const (
	Lazy  LazyOrEager = "lazy"
	Eager LazyOrEager = "eager"
)

// Artifact is the {type, contents, map} record passed between the
// packager plugin and each optimizer in the chain.
type Artifact struct {
	Type     string
	Contents []byte
	Map      []byte
}

// Packager is the packager plugin contract: it turns a bundle and its
// assets into one or more artifacts (e.g. a bundle normally packages
// to exactly one artifact, but a packager may also emit a companion
// source map or a secondary chunk manifest).
type Packager interface {
	Package(bundle model.Bundle, assets []model.Asset) ([]Artifact, error)
}

// BundleConfigAware is optionally implemented by a Packager to load
// per-bundle configuration (spec's Packager.loadBundleConfig); its
// hash feeds the packaging cache key so a bundle-config change forces
// a re-package without touching the content hash.
type BundleConfigAware interface {
	LoadBundleConfig(bundle model.Bundle) (config interface{}, hash string, err error)
}

// Optimizer runs after packaging, matched to an artifact by Types.
type Optimizer interface {
	Name() string
	Types() []string
	Optimize(artifact Artifact, bundle model.Bundle) (Artifact, error)
	// ConfigHash is folded into the packaging cache key the same way a
	// packager's bundle config is.
	ConfigHash() string
}

// CacheKeys names the two cache entries an artifact occupies, per spec
// section 6's "hash(cacheKey:index:content)" / "...:map" layout.
type CacheKeys struct {
	Content string
	Map     string
}

// BundleInfo is spec section 4.9 step 5's per-artifact result.
type BundleInfo struct {
	Type           string
	Size           int64
	Hash           string
	HashReferences []string
	CacheKeys      CacheKeys
	IsLargeBlob    bool
}

// largeBlobThreshold is the size above which BundleInfo.IsLargeBlob is
// set. The flag is informational: the hash-reference substitution pass
// still loads such artifacts whole.
const largeBlobThreshold = 8 << 20 // 8MiB

// hashRefPrefix and hashRefLen ground spec step 4's "fixed
// HASH_REF_PREFIX pattern" and "33-byte boundary window": a reference
// token is the 9-byte prefix plus 24 hex digits, 33 bytes total, so
// carrying the last 32 bytes of each chunk into the next is exactly
// enough to catch a token split across a write boundary.
const hashRefPrefix = "HASH_REF_"

var hashRefPattern = regexp.MustCompile(hashRefPrefix + "[0-9a-f]{24}")

const hashRefLen = len(hashRefPrefix) + 24

// HashRefToken derives the deterministic placeholder a packager plugin
// embeds wherever it needs to refer to bundleID's eventual content hash
// before that bundle has been packaged. The root facade computes the
// same token back from a bundle id to build ResolveHashReferences'
// refToBundle map, so the two sides never need an explicit registry.
func HashRefToken(bundleID string) string {
	return hashRefPrefix + cache.Fingerprint([]byte(bundleID))[:24]
}

// Runtime identifies which sourceRoot rule applies when stringifying a
// bundle's source map, spec step 3.
type Runtime struct {
	// DevServer is true when serving this target from an in-memory dev
	// server rather than writing to ProjectRoot-relative files.
	DevServer bool
	// DevServerSourceRoot is the sentinel root string substituted for
	// browser-context bundles served by a dev server.
	DevServerSourceRoot string
	ProjectRoot          string
}

// Options configures a Runner.
type Options struct {
	Cache     *cache.Cache
	Optimizers []Optimizer
	Logger    forgelog.Logger
	Runtime   Runtime
	ForgeVersion string
}

// Runner implements spec section 4.9's per-bundle packaging loop.
type Runner struct {
	cache        *cache.Cache
	optimizers   []Optimizer
	log          forgelog.Logger
	runtime      Runtime
	forgeVersion string
}

// New returns a Runner.
func New(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = &forgelog.Nop{}
	}
	if opts.Runtime.DevServerSourceRoot == "" {
		opts.Runtime.DevServerSourceRoot = "/__forge_source_root__"
	}
	if opts.ForgeVersion == "" {
		opts.ForgeVersion = "dev"
	}
	return &Runner{
		cache:        opts.Cache,
		optimizers:   opts.Optimizers,
		log:          opts.Logger,
		runtime:      opts.Runtime,
		forgeVersion: opts.ForgeVersion,
	}
}

// Request bundles the per-bundle inputs a package pass needs beyond
// the bundle itself.
type Request struct {
	Bundle          model.Bundle
	Assets          []model.Asset
	PluginConfigHashes []string // per-plugin config hashes (packager + optimizers)
	DevDepHashes    []string
	Mode            Mode
	LazyOrEager     LazyOrEager
}

// Package runs spec section 4.9's cache-key check and, on a miss,
// packages, optimizes, and stores bundle.
func (r *Runner) Package(packager Packager, req Request) ([]BundleInfo, error) {
	graphHash := bundleGraphHash(req.Bundle, req.Assets)

	var bundleConfigHash string
	if bca, ok := packager.(BundleConfigAware); ok {
		_, h, err := bca.LoadBundleConfig(req.Bundle)
		if err != nil {
			return nil, diagnostics.Wrap(diagnostics.PluginError, "packager", err, "loadBundleConfig for %s", req.Bundle.ID)
		}
		bundleConfigHash = h
	}

	optimizerHashes := make([]string, 0, len(r.optimizers))
	for _, opt := range r.optimizers {
		optimizerHashes = append(optimizerHashes, opt.ConfigHash())
	}

	key := r.cacheKey(req, graphHash, bundleConfigHash, optimizerHashes)

	var cached []BundleInfo
	if ok, _ := r.cache.Get(key, &cached); ok {
		return cached, nil
	}

	artifacts, err := diagnostics.RunWithRecoverValue("packager", func() ([]Artifact, error) {
		return packager.Package(req.Bundle, req.Assets)
	})
	if err != nil {
		return nil, diagnostics.Wrap(diagnostics.PluginError, "packager", err, "package %s", req.Bundle.ID)
	}

	infos := make([]BundleInfo, 0, len(artifacts))
	for i, artifact := range artifacts {
		optimized, err := r.runOptimizerChain(artifact, req.Bundle)
		if err != nil {
			return nil, err
		}
		optimized.Map = r.stringifySourceMap(optimized, req.Bundle)

		info, err := r.writeArtifact(key, i, optimized)
		if err != nil {
			return nil, err
		}
		r.logRebuildDelta(req.Bundle, i, optimized.Contents)
		infos = append(infos, info)
	}

	if err := r.cache.Set(key, infos); err != nil {
		r.log.Warnf("packager: failed to cache bundle info for %s: %v", req.Bundle.ID, err)
	}
	return infos, nil
}

func (r *Runner) runOptimizerChain(artifact Artifact, bundle model.Bundle) (Artifact, error) {
	current := artifact
	for _, opt := range r.optimizers {
		if !matchesType(opt.Types(), current.Type) {
			continue
		}
		next, err := diagnostics.RunWithRecoverValue(opt.Name(), func() (Artifact, error) {
			return opt.Optimize(current, bundle)
		})
		if err != nil {
			return Artifact{}, diagnostics.Wrap(diagnostics.PluginError, opt.Name(), err, "optimize %s", bundle.ID)
		}
		current = next
	}
	return current, nil
}

func matchesType(types []string, t string) bool {
	for _, want := range types {
		if want == t || want == "*" {
			return true
		}
	}
	return false
}

// stringifySourceMap is spec step 3: pick sourceRoot per the bundle's
// target context and set it as the "sourceRoot" field of the map's JSON
// object. A nil map stays nil; a map that is not a JSON object is
// returned unchanged.
func (r *Runner) stringifySourceMap(artifact Artifact, bundle model.Bundle) []byte {
	if artifact.Map == nil {
		return nil
	}
	var sourceMap map[string]interface{}
	if err := json.Unmarshal(artifact.Map, &sourceMap); err != nil || sourceMap == nil {
		return artifact.Map
	}
	sourceMap["sourceRoot"] = r.sourceRoot(bundle)
	out, err := json.Marshal(sourceMap)
	if err != nil {
		return artifact.Map
	}
	return out
}

func (r *Runner) sourceRoot(bundle model.Bundle) string {
	if bundle.Target.SourceMapOptions != nil && bundle.Target.SourceMapOptions.SourceRoot != "" {
		return bundle.Target.SourceMapOptions.SourceRoot
	}
	switch bundle.Target.Env.Context {
	case model.ContextNode, model.ContextElectronMain:
		outDir := path.Dir(bundle.FilePath)
		rel := relativePath(outDir, r.runtime.ProjectRoot)
		return rel
	default:
		if r.runtime.DevServer {
			return r.runtime.DevServerSourceRoot
		}
		return ""
	}
}

func relativePath(from, to string) string {
	if to == "" {
		return "."
	}
	fromParts := strings.Split(strings.Trim(from, "/"), "/")
	toParts := strings.Split(strings.Trim(to, "/"), "/")
	i := 0
	for i < len(fromParts) && i < len(toParts) && fromParts[i] == toParts[i] {
		i++
	}
	var parts []string
	for j := i; j < len(fromParts); j++ {
		if fromParts[j] != "" {
			parts = append(parts, "..")
		}
	}
	parts = append(parts, toParts[i:]...)
	if len(parts) == 0 {
		return "."
	}
	return strings.Join(parts, "/")
}

// writeArtifact is spec step 4: stream the artifact through a hasher
// that counts size, hashes, and extracts hash-reference tokens, then
// stores the content (and map, if present) in the cache under
// cacheKey:index:content / cacheKey:index:map.
func (r *Runner) writeArtifact(bundleKey string, index int, artifact Artifact) (BundleInfo, error) {
	hw := newHashingWriter()
	hw.Write(artifact.Contents)

	contentKey := bundleKey + ":" + strconv.Itoa(index) + ":content"
	if err := r.cache.SetBlob(contentKey, artifact.Contents); err != nil {
		return BundleInfo{}, diagnostics.Wrap(diagnostics.CacheError, "packager", err, "write content for %s", contentKey)
	}

	var mapKey string
	if artifact.Map != nil {
		mapKey = bundleKey + ":" + strconv.Itoa(index) + ":map"
		if err := r.cache.SetBlob(mapKey, artifact.Map); err != nil {
			return BundleInfo{}, diagnostics.Wrap(diagnostics.CacheError, "packager", err, "write map for %s", mapKey)
		}
	}

	return BundleInfo{
		Type:           artifact.Type,
		Size:           hw.size,
		Hash:           hw.Sum(),
		HashReferences: hw.refs,
		CacheKeys:      CacheKeys{Content: contentKey, Map: mapKey},
		IsLargeBlob:    hw.size > largeBlobThreshold,
	}, nil
}

// logRebuildDelta mirrors diff.go's FileDiff.Consume: when the
// previous build stored its contents for this exact artifact slot (under
// a packager:prev: key), a summary of a diffmatchpatch line diff against
// the new contents is logged at info level, giving the same OldLinesOfCode/NewLinesOfCode-shaped
// visibility the teacher's file-diff analysis gives per-commit.
func (r *Runner) logRebuildDelta(bundle model.Bundle, index int, newContents []byte) {
	prevKey := "packager:prev:" + bundle.ID + ":" + strconv.Itoa(index)
	var prevText string
	had, _ := r.cache.Get(prevKey, &prevText)
	newText := string(newContents)
	if had && prevText != newText {
		dmp := diffmatchpatch.New()
		src, dst, _ := dmp.DiffLinesToRunes(prevText, newText)
		diffs := dmp.DiffMainRunes(src, dst, false)
		diffs = dmp.DiffCleanupSemanticLossless(diffs)
		r.log.Infof("packager: bundle %s artifact %d changed (%d->%d lines, %d diff ops)",
			bundle.ID, index, len(src), len(dst), len(diffs))
	}
	if err := r.cache.Set(prevKey, newText); err != nil {
		r.log.Warnf("packager: failed to remember previous artifact for diffing: %v", err)
	}
}

func (r *Runner) cacheKey(req Request, bundleGraphHash, bundleConfigHash string, optimizerHashes []string) string {
	parts := []string{
		r.forgeVersion,
		strings.Join(req.PluginConfigHashes, ","),
		bundleConfigHash,
		strings.Join(optimizerHashes, ","),
		strings.Join(req.DevDepHashes, ","),
		req.Bundle.Target.PublicURL,
		bundleGraphHash,
		string(req.Mode),
		string(req.LazyOrEager),
	}
	return "packager:" + cache.Fingerprint([]byte(strings.Join(parts, "\x00")))
}

func bundleGraphHash(bundle model.Bundle, assets []model.Asset) string {
	parts := make([]string, 0, len(assets)+2)
	parts = append(parts, bundle.ID, bundle.Type)
	for _, a := range assets {
		parts = append(parts, a.ID(), a.Hash)
	}
	return cache.Fingerprint([]byte(strings.Join(parts, "\x00")))
}

// hashingWriter implements spec step 4's streaming hasher: it counts
// bytes written, feeds them to a highwayhash digest, and scans for
// HASH_REF_PREFIX tokens while carrying the trailing (hashRefLen-1)
// bytes of each write into the next so a token split across two
// Write calls is still recognised.
type hashingWriter struct {
	h     hash.Hash
	size  int64
	carry []byte
	refs  []string
	seen  map[string]bool
}

func newHashingWriter() *hashingWriter {
	h, err := highwayhash.New(fingerprintKey32())
	if err != nil {
		panic(err)
	}
	return &hashingWriter{h: h, seen: map[string]bool{}}
}

func (w *hashingWriter) Write(p []byte) (int, error) {
	w.size += int64(len(p))
	w.h.Write(p)

	window := append(append([]byte(nil), w.carry...), p...)
	for _, m := range hashRefPattern.FindAllString(string(window), -1) {
		if !w.seen[m] {
			w.seen[m] = true
			w.refs = append(w.refs, m)
		}
	}
	if len(window) > hashRefLen-1 {
		w.carry = append([]byte(nil), window[len(window)-(hashRefLen-1):]...)
	} else {
		w.carry = window
	}
	return len(p), nil
}

func (w *hashingWriter) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

func fingerprintKey32() []byte {
	key := make([]byte, 32)
	copy(key, fingerprintKey)
	return key
}

// ResolveHashReferences is spec section 4.9's final paragraph: after
// every bundle has been packaged, substitute each bundle's
// HASH_REF_PREFIX token (wherever it appears in another bundle's
// content) with the Hash of that bundle's first BundleInfo. Only
// content hashes are substituted; no token stands for a bundle's size.
// infos maps
// bundle id to its packaged BundleInfo list; contents maps a cache
// content key to its bytes, mutated in place.
func ResolveHashReferences(infos map[string][]BundleInfo, refToBundle map[string]string, contents map[string][]byte) {
	replacements := map[string]string{}
	for ref, bundleID := range refToBundle {
		bundleInfos, ok := infos[bundleID]
		if !ok || len(bundleInfos) == 0 {
			continue
		}
		replacements[ref] = bundleInfos[0].Hash
	}
	if len(replacements) == 0 {
		return
	}
	for key, data := range contents {
		text := string(data)
		changed := false
		for ref, value := range replacements {
			if strings.Contains(text, ref) {
				text = strings.ReplaceAll(text, ref, value)
				changed = true
			}
		}
		if changed {
			contents[key] = []byte(text)
		}
	}
}
