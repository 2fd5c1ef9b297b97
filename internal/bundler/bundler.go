// Package bundler implements the Bundler Runner of spec section 4.8: it
// hands a mutable Bundle Graph view to the configured bundler plugin,
// runs its optimize pass, applies namers (first non-null name wins,
// collisions are fatal), then applies runtime plugins that may inject
// additional assets into a bundle.
//
// The Bundle Graph is a second internal/graph instance alongside
// internal/assetgraph's, owning only bundle and bundle-group nodes per
// spec section 3 ("The Bundle Graph is built from (but does not own)
// the Asset Graph; it exclusively owns bundle nodes") — grounded on the
// same internal/graph arena internal/assetgraph and internal/reqgraph
// already use, generalizing internal/toposort's single flat DAG to a
// typed-node graph the way those two packages do.
package bundler

import (
	"path"
	"sort"

	"github.com/forgebuild/forge/internal/diagnostics"
	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/model"
)

// NodeKind distinguishes Bundle Graph node payloads.
type NodeKind int

const (
	KindRoot NodeKind = iota
	KindBundle
	KindBundleGroup
)

type node struct {
	kind        NodeKind
	bundle      model.Bundle
	assetOrder  []string // asset ids added to this bundle, insertion order
	assetSet    map[string]bool
	references  map[string]bool // assets referenced but not included (shared elsewhere)
}

// Graph is the mutable Bundle Graph a bundler plugin builds.
type Graph struct {
	g    *graph.Graph
	root graph.ID

	bundleNodes      map[string]graph.ID // bundle id -> node
	bundleGroupNodes map[string]graph.ID // group id -> node
	nextBundleSeq    int
	nextGroupSeq     int
}

// New returns an empty Bundle Graph.
func New() *Graph {
	g := graph.New()
	root := g.AddNode(&node{kind: KindRoot})
	g.SetRootNode(root)
	return &Graph{
		g:                g,
		root:             root,
		bundleNodes:      map[string]graph.ID{},
		bundleGroupNodes: map[string]graph.ID{},
	}
}

// CreateBundle registers a new bundle and returns its id.
func (bg *Graph) CreateBundle(bundle model.Bundle) string {
	bg.nextBundleSeq++
	if bundle.ID == "" {
		bundle.ID = "bundle-" + itoa(bg.nextBundleSeq)
	}
	id := bg.g.AddNode(&node{
		kind:     KindBundle,
		bundle:   bundle,
		assetSet: map[string]bool{},
		references: map[string]bool{},
	})
	bg.bundleNodes[bundle.ID] = id
	bg.g.AddEdge(bg.root, id, 0)
	return bundle.ID
}

// CreateBundleGroup registers a new bundle group seeded by entryAssetIDs
// and returns its id.
func (bg *Graph) CreateBundleGroup(entryAssetIDs []string) string {
	bg.nextGroupSeq++
	groupID := "group-" + itoa(bg.nextGroupSeq)
	id := bg.g.AddNode(&node{kind: KindBundleGroup, assetOrder: append([]string(nil), entryAssetIDs...)})
	bg.bundleGroupNodes[groupID] = id
	bg.g.AddEdge(bg.root, id, 0)
	return groupID
}

// AddAssetToBundle appends assetID to bundleID's asset set, preserving
// insertion order and ignoring duplicates.
func (bg *Graph) AddAssetToBundle(bundleID, assetID string) error {
	id, ok := bg.bundleNodes[bundleID]
	if !ok {
		return diagnostics.New(diagnostics.EntryMissing, "bundler", "unknown bundle "+bundleID)
	}
	n := bg.payload(id)
	if n.assetSet[assetID] {
		return nil
	}
	n.assetSet[assetID] = true
	n.assetOrder = append(n.assetOrder, assetID)
	return nil
}

// CreateAssetReference records that bundleID references assetID
// without owning it (the asset is included by another bundle in the
// same group), the Bundle Graph's asset-reference edge from spec
// section 3.
func (bg *Graph) CreateAssetReference(bundleID, assetID string) error {
	id, ok := bg.bundleNodes[bundleID]
	if !ok {
		return diagnostics.New(diagnostics.EntryMissing, "bundler", "unknown bundle "+bundleID)
	}
	n := bg.payload(id)
	n.references[assetID] = true
	return nil
}

// AddBundleToBundleGroup links bundleID as a member of groupID.
func (bg *Graph) AddBundleToBundleGroup(bundleID, groupID string) error {
	bID, ok := bg.bundleNodes[bundleID]
	if !ok {
		return diagnostics.New(diagnostics.EntryMissing, "bundler", "unknown bundle "+bundleID)
	}
	gID, ok := bg.bundleGroupNodes[groupID]
	if !ok {
		return diagnostics.New(diagnostics.EntryMissing, "bundler", "unknown bundle group "+groupID)
	}
	bg.g.AddEdge(gID, bID, 0)
	return nil
}

// Bundles returns every registered bundle, sorted by id for determinism.
func (bg *Graph) Bundles() []model.Bundle {
	ids := make([]string, 0, len(bg.bundleNodes))
	for id := range bg.bundleNodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.Bundle, 0, len(ids))
	for _, id := range ids {
		out = append(out, bg.payload(bg.bundleNodes[id]).bundle)
	}
	return out
}

// AssetsOf returns the ordered asset ids assigned to bundleID.
func (bg *Graph) AssetsOf(bundleID string) []string {
	id, ok := bg.bundleNodes[bundleID]
	if !ok {
		return nil
	}
	return append([]string(nil), bg.payload(id).assetOrder...)
}

func (bg *Graph) setBundle(bundleID string, bundle model.Bundle) {
	id := bg.bundleNodes[bundleID]
	n := bg.payload(id)
	n.bundle = bundle
}

func (bg *Graph) payload(id graph.ID) *node {
	p, _ := bg.g.GetNode(id)
	return p.(*node)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// Plugin is the bundler plugin contract: Bundle converts the Asset
// Graph (opaque here as AssetSource) into a Bundle Graph, Optimize
// runs a post-bundling pass over it.
type Plugin interface {
	Bundle(bg *Graph, assets AssetSource) error
	Optimize(bg *Graph, assets AssetSource) error
}

// AssetSource is the subset of assetgraph.Graph the bundler plugin and
// runtimes need, kept as a local interface so this package never
// imports internal/assetgraph directly (mirrors reqgraph's
// AssetGraphHooks pattern: structural satisfaction, no import cycle
// risk, and the plugin boundary is explicit).
type AssetSource interface {
	GetEntryAssets() []string
	GetAsset(assetID string) (model.Asset, bool)
	GetDependencies(assetID string) []model.Dependency
}

// Namer produces a candidate output name for a bundle given its entry
// file paths; ok is false when this namer declines to name the bundle.
type Namer interface {
	Name(bundle model.Bundle, entryFilePaths []string) (name string, ok bool)
}

// Runtime injects additional assets into a bundle, e.g. a module
// registry or HMR client.
type Runtime interface {
	Inject(bundle model.Bundle, assets []model.Asset) ([]RuntimeAsset, error)
}

// RuntimeAsset is an asset injected by a Runtime plugin.
// ReplacesDependencyID names a dependency this asset stands in for;
// Runner.applyRuntimes only adds Asset to the bundle and does not read
// this field, so the dependency's resolution in the Asset Graph is
// left unchanged.
type RuntimeAsset struct {
	Asset                model.Asset
	ReplacesDependencyID string
}

// Runner drives a Plugin through spec section 4.8's four stages:
// bundle, optimize, name, inject runtimes.
type Runner struct {
	Namers   []Namer
	Runtimes []Runtime
}

// Run executes the bundler plugin over assets and returns the named,
// runtime-augmented Bundle Graph.
func (r *Runner) Run(plugin Plugin, assets AssetSource, target model.Target) (*Graph, error) {
	bg := New()
	if err := plugin.Bundle(bg, assets); err != nil {
		return nil, diagnostics.Wrap(diagnostics.PluginError, "bundler", err, "bundle")
	}
	if err := plugin.Optimize(bg, assets); err != nil {
		return nil, diagnostics.Wrap(diagnostics.PluginError, "bundler", err, "optimize")
	}
	if err := r.applyNamers(bg, assets, target); err != nil {
		return nil, err
	}
	if err := r.applyRuntimes(bg, assets); err != nil {
		return nil, err
	}
	return bg, nil
}

func (r *Runner) applyNamers(bg *Graph, assets AssetSource, target model.Target) error {
	used := map[string]string{}
	for _, bundle := range bg.Bundles() {
		entryPaths := r.entryFilePaths(bg, assets, bundle.ID)
		var name string
		var ok bool
		for _, namer := range r.Namers {
			if name, ok = namer.Name(bundle, entryPaths); ok && name != "" {
				break
			}
		}
		if !ok || name == "" {
			return diagnostics.New(diagnostics.PluginError, "bundler", "no namer produced a name for bundle "+bundle.ID)
		}
		filePath := path.Join(target.DistDir, name)
		if owner, exists := used[filePath]; exists {
			return diagnostics.New(diagnostics.NameCollision, "bundler", "bundle name collision at "+filePath+" between "+owner+" and "+bundle.ID)
		}
		used[filePath] = bundle.ID
		bundle.FilePath = filePath
		bundle.Name = name
		bundle.Target = target
		bg.setBundle(bundle.ID, bundle)
	}
	return nil
}

func (r *Runner) entryFilePaths(bg *Graph, assets AssetSource, bundleID string) []string {
	var paths []string
	for _, assetID := range bg.AssetsOf(bundleID) {
		if a, ok := assets.GetAsset(assetID); ok {
			paths = append(paths, a.FilePath)
		}
	}
	return paths
}

func (r *Runner) applyRuntimes(bg *Graph, assets AssetSource) error {
	for _, bundle := range bg.Bundles() {
		assetIDs := bg.AssetsOf(bundle.ID)
		bundleAssets := make([]model.Asset, 0, len(assetIDs))
		for _, id := range assetIDs {
			if a, ok := assets.GetAsset(id); ok {
				bundleAssets = append(bundleAssets, a)
			}
		}
		for _, rt := range r.Runtimes {
			injected, err := rt.Inject(bundle, bundleAssets)
			if err != nil {
				return diagnostics.Wrap(diagnostics.PluginError, "bundler", err, "runtime inject for %s", bundle.ID)
			}
			for _, ra := range injected {
				if err := bg.AddAssetToBundle(bundle.ID, ra.Asset.ID()); err != nil {
					return err
				}
				bundleAssets = append(bundleAssets, ra.Asset)
			}
		}
	}
	return nil
}
