// Package model defines the semantic data types of spec section 3:
// Environment, Target, Dependency, Asset, AssetGroup, Config, and
// Bundle. These are plain data, not behaviour, so every other package
// (reqgraph, assetgraph, pipeline, bundler, packager) imports model
// rather than redeclaring its own copies — the same role the teacher's
// object.Commit/object.Change/plumbing.Hash types play as the shared
// vocabulary every PipelineItem's Consume()/result map is built from.
package model

import (
	"encoding/gob"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/minio/highwayhash"
)

var hashKey = []byte("forge-model-identity-hash-key-01")

func init() {
	// Config.Result and Asset.Meta hold arbitrary JSON trees behind
	// interface{}; gob needs every concrete type that can appear in one
	// of those slots registered before it can round-trip a Config or
	// Asset through internal/cache's Set/Get.
	gob.Register(false)
	gob.Register(float64(0))
	gob.Register("")
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

func hashStrings(parts ...string) string {
	var buf []byte
	for _, p := range parts {
		buf = append(buf, p...)
		buf = append(buf, 0)
	}
	sum := highwayhash.Sum(buf, hashKey)
	return hex.EncodeToString(sum[:])
}

// Context is the runtime environment a bundle targets.
type Context string

const (
	ContextBrowser        Context = "browser"
	ContextWebWorker       Context = "web-worker"
	ContextServiceWorker   Context = "service-worker"
	ContextNode            Context = "node"
	ContextElectronMain    Context = "electron-main"
	ContextElectronRenderer Context = "electron-renderer"
)

// IncludeNodeModules expresses the three-way union type from spec
// section 3: a bool for all-or-nothing, or a per-package-name map.
type IncludeNodeModules struct {
	All    *bool
	ByName map[string]bool
}

// Environment is immutable and hashed by structural identity.
type Environment struct {
	Context            Context
	Engines            map[string]string
	IncludeNodeModules IncludeNodeModules
}

// ID returns Environment's structural-identity hash.
func (e Environment) ID() string {
	keys := make([]string, 0, len(e.Engines))
	for k := range e.Engines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{string(e.Context)}
	for _, k := range keys {
		parts = append(parts, k, e.Engines[k])
	}
	parts = append(parts, includeNodeModulesParts(e.IncludeNodeModules)...)
	return hashStrings(parts...)
}

// includeNodeModulesParts flattens IncludeNodeModules into a
// deterministic part list so two environments differing only in it
// never collide in Environment.ID.
func includeNodeModulesParts(inm IncludeNodeModules) []string {
	parts := []string{"all", "unset"}
	if inm.All != nil {
		parts[1] = strconv.FormatBool(*inm.All)
	}
	names := make([]string, 0, len(inm.ByName))
	for name := range inm.ByName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name, strconv.FormatBool(inm.ByName[name]))
	}
	return parts
}

// SourceMapOptions configures source-map emission for a Target.
type SourceMapOptions struct {
	Inline    bool
	SourceRoot string
}

// Target describes one output configuration for a build.
type Target struct {
	Name             string
	DistDir          string
	PublicURL        string
	Env              Environment
	SourceMapOptions *SourceMapOptions
}

// Dependency is an edge from one asset to a module specifier it wants
// resolved, per spec section 3.
type Dependency struct {
	ModuleSpecifier string
	SourcePath      string
	Env             Environment
	Target          *Target
	IsAsync         bool
	IsEntry         bool
	IsOptional      bool
	IsURL           bool
	IsWeak          bool
	Loc             string
	Meta            map[string]interface{}
	// Symbols maps the local name a dependent binds to, to the name it
	// imports from the resolved module ('*' denotes the namespace).
	Symbols map[string]string
}

// ID is a stable hash of specifier + sourcePath + env; two dependencies
// with the same id are interchangeable (spec section 3 invariant).
func (d Dependency) ID() string {
	return hashStrings(d.ModuleSpecifier, d.SourcePath, d.Env.ID())
}

// Asset is a single source file (or synthetic equivalent) after some
// or all transformations have run.
type Asset struct {
	IDBase       string // filePath, or a content hash when inline
	FilePath     string
	Type         string // file extension, without the dot
	Hash         string // content hash
	OutputHash   string
	Env          Environment
	Stats        AssetStats
	Symbols      map[string]string // exportedName -> localName
	Dependencies []Dependency       // ordered
	// ConnectedFiles records files this asset's content depends on
	// beyond FilePath itself (e.g. a CSS @import target), each with an
	// optional content hash for invalidation purposes.
	ConnectedFiles map[string]string
	SideEffects    bool
	Meta           map[string]interface{}
	Code           []byte
	Map            []byte
}

// AssetStats carries size accounting used by getTotalSize.
type AssetStats struct {
	Size int64
}

// ID uniquely identifies an asset within the graph for a given build.
func (a Asset) ID() string {
	return hashStrings(a.IDBase, a.Type, a.Env.ID())
}

// AssetGroup is the not-yet-materialised result of an asset-request;
// its shape mirrors an AssetRequest.
type AssetGroup struct {
	FilePath    string
	Env         Environment
	SideEffects *bool
	Code        []byte
}

// ID hashes AssetGroup's fields, per spec section 3.
func (g AssetGroup) ID() string {
	side := "?"
	if g.SideEffects != nil {
		if *g.SideEffects {
			side = "1"
		} else {
			side = "0"
		}
	}
	return hashStrings(g.FilePath, g.Env.ID(), side, string(g.Code))
}

// Config is the loaded, possibly still-resolving result of a
// config-request.
type Config struct {
	SearchPath   string
	ResolvedPath string
	Result       map[string]interface{}
	ResultHash   string
	IncludedFiles map[string]bool
	WatchGlob    string
	DevDeps      map[string]string // name -> version, version empty until resolved
	PackageJSON  map[string]interface{}
}

// Bundle is produced by the bundler plugin from the Asset Graph.
type Bundle struct {
	ID            string
	Type          string
	Env           Environment
	EntryAssetIDs []string
	Target        Target
	FilePath      string
	Name          string
	Stats         AssetStats
}
