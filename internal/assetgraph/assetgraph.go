// Package assetgraph implements the Asset Graph of spec section 4.4:
// the semantic graph of root -> dependency -> asset_group -> asset ->
// dependency... chains that the Bundler Runner consumes, including
// symbol resolution and the weak-reexport deferral rule.
//
// It is grounded on internal/graph for the underlying arena and on the
// teacher's internal/plumbing/tree_diff.go for the general shape of "a
// graph-shaped PipelineItem that mutates itself in response to
// upstream notifications" (there TreeDiff reacts to a new commit;
// here Graph reacts to Request Graph completions via the
// AssetGraphHooks contract).
package assetgraph

import (
	"encoding/hex"

	"github.com/minio/highwayhash"

	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/model"
)

// NodeKind distinguishes the five Asset Graph node types of spec
// section 3.
type NodeKind int

const (
	KindRoot NodeKind = iota
	KindDependency
	KindAssetGroup
	KindAsset
	KindAssetReference
)

type node struct {
	kind NodeKind

	dependency *model.Dependency
	assetGroup *model.AssetGroup
	asset      *model.Asset
	// referenceID is the asset id an asset_reference node stands in for.
	referenceID string
}

// Graph is the Asset Graph. It owns asset and dependency nodes
// exclusively, per spec section 3's ownership rule.
type Graph struct {
	g    *graph.Graph
	root graph.ID

	depNodes        map[string]graph.ID
	assetGroupNodes map[string]graph.ID
	assetNodes      map[string]graph.ID

	// pendingWeak holds, per asset_group key, the dependency nodes whose
	// weak-reexport defer decision (spec section 4.4) could not yet be
	// settled because the group's assets (and their Symbols) were not
	// materialised. They are re-checked every time ResolveAssetGroupChildren
	// learns something new about that group.
	pendingWeak map[string][]graph.ID
}

// New constructs an empty Asset Graph with its root node.
func New() *Graph {
	g := graph.New()
	root := g.AddNode(&node{kind: KindRoot})
	g.SetRootNode(root)
	ag := &Graph{
		g:               g,
		root:            root,
		depNodes:        map[string]graph.ID{},
		assetGroupNodes: map[string]graph.ID{},
		assetNodes:      map[string]graph.ID{},
		pendingWeak:     map[string][]graph.ID{},
	}
	g.SetOnNodeRemoved(ag.onNodeRemoved)
	return ag
}

// onNodeRemoved implements the cleanup hook replaceNodesConnectedTo
// consults: an orphaned asset is replaced with an asset_reference
// rather than actually deleted, per invariant (iii) of spec section 3.
func (ag *Graph) onNodeRemoved(g *graph.Graph, id graph.ID) bool {
	payload, ok := g.GetNode(id)
	if !ok {
		return true
	}
	n := payload.(*node)
	if n.kind != KindAsset {
		return true
	}
	ag.removeAssetLocked(id, n)
	return false // we replaced it in place; graph should not also delete it
}

func (ag *Graph) removeAssetLocked(id graph.ID, n *node) string {
	refID := n.asset.ID()
	g := ag.g
	g.SetPayload(id, &node{kind: KindAssetReference, referenceID: refID})
	delete(ag.assetNodes, refID)
	return refID
}

// AddEntryDependency wires a root-level dependency for an entry point.
func (ag *Graph) AddEntryDependency(dep model.Dependency) graph.ID {
	return ag.addDependency(ag.root, dep)
}

func (ag *Graph) addDependency(parent graph.ID, dep model.Dependency) graph.ID {
	key := dep.ID()
	if id, ok := ag.depNodes[key]; ok {
		ag.g.AddEdge(parent, id, graph.Default)
		return id
	}
	id := ag.g.AddNode(&node{kind: KindDependency, dependency: &dep})
	ag.g.AddEdge(parent, id, graph.Default)
	ag.depNodes[key] = id
	return id
}

// ResolveAssetGroup attaches the result of a dep_path_request to its
// dependency node. If group is nil the resolution failed for an
// optional dependency and nothing is attached. Otherwise the weak-
// reexport defer rule of spec section 4.4 decides whether to actually
// attach an asset_group child.
//
// The target's assets (and their Symbols) are not known yet here, only
// the group's own sideEffects declaration, so a weak/sideEffects:false
// candidate is parked in pendingWeak rather than decided on the spot;
// ResolveAssetGroupChildren re-checks it once the group's assets
// materialise.
func (ag *Graph) ResolveAssetGroup(dep model.Dependency, group *model.AssetGroup) {
	depID, ok := ag.depNodes[dep.ID()]
	if !ok {
		return
	}
	if group == nil {
		return
	}

	key := group.ID()
	groupID, exists := ag.assetGroupNodes[key]
	if !exists {
		groupID = ag.g.AddNode(&node{kind: KindAssetGroup, assetGroup: group})
		ag.assetGroupNodes[key] = groupID
	}

	if dep.IsWeak && group.SideEffects != nil && !*group.SideEffects {
		ag.pendingWeak[key] = append(ag.pendingWeak[key], depID)
		ag.reevaluateWeak(key, groupID)
		return
	}
	ag.g.AddEdge(depID, groupID, graph.Default)
}

// shouldDefer decides, for one asset, whether imported (the union of
// names every incoming dependency of its group actually imports, across
// both already-attached and still-pending dependencies) justifies
// keeping a pending weak dependency deferred: it defers iff imported
// has no '*' entry and none of asset's exported names appears in
// imported. This is spec section 4.4's formula: "no incoming dep has
// '*' in its import set and no imported name n satisfies
// asset.symbols[n] in S".
func (ag *Graph) shouldDefer(asset model.Asset, imported map[string]bool) bool {
	if imported["*"] {
		return false
	}
	for exported := range asset.Symbols {
		if imported[exported] {
			return false
		}
	}
	return true
}

// reevaluateWeak re-checks every dependency still pending against
// groupKey's asset_group, once its assets (and their Symbols) are
// known. The decision is made for the group as a whole: if the union
// of everything imported by its incoming dependencies (attached ones
// plus the still-pending weak ones, since a pending dependency is
// itself one of "the ancestor dependencies" the formula refers to)
// reaches any of the resolved assets' exports, the module is going to
// be evaluated anyway, so every pending dependency attaches alongside
// it. Otherwise nothing the group's dependents actually need is being
// produced here, and the whole batch stays deferred.
func (ag *Graph) reevaluateWeak(groupKey string, groupID graph.ID) {
	pending := ag.pendingWeak[groupKey]
	if len(pending) == 0 {
		return
	}
	assets := ag.groupAssets(groupID)
	if len(assets) == 0 {
		return
	}

	attached := ag.importedNames(ag.g.GetNodesConnectedTo(groupID, nil))
	imported := ag.importedNamesInto(attached, ag.importedNames(pending))

	for _, a := range assets {
		if ag.shouldDefer(a, imported) {
			continue
		}
		for _, depID := range pending {
			ag.g.AddEdge(depID, groupID, graph.Default)
		}
		delete(ag.pendingWeak, groupKey)
		return
	}
}

// groupAssets returns the live assets currently attached to groupID.
func (ag *Graph) groupAssets(groupID graph.ID) []model.Asset {
	var out []model.Asset
	for _, child := range ag.g.GetNodesConnectedFrom(groupID, nil) {
		payload, ok := ag.g.GetNode(child)
		if !ok {
			continue
		}
		if n := payload.(*node); n.kind == KindAsset && n.asset != nil {
			out = append(out, *n.asset)
		}
	}
	return out
}

// importedNames collects S = {importedName : some dependency in ids
// maps a local name to importedName}, the formula's "imported by an
// ancestor" set restricted to the given dependency node ids.
func (ag *Graph) importedNames(ids []graph.ID) map[string]bool {
	set := map[string]bool{}
	for _, depID := range ids {
		payload, ok := ag.g.GetNode(depID)
		if !ok {
			continue
		}
		n := payload.(*node)
		if n.kind != KindDependency || n.dependency == nil {
			continue
		}
		for _, imported := range n.dependency.Symbols {
			set[imported] = true
		}
	}
	return set
}

// importedNamesInto merges b into a fresh copy of a, leaving both
// inputs untouched.
func (ag *Graph) importedNamesInto(a, b map[string]bool) map[string]bool {
	merged := make(map[string]bool, len(a)+len(b))
	for k := range a {
		merged[k] = true
	}
	for k := range b {
		merged[k] = true
	}
	return merged
}

// ResolveAssetGroupChildren materialises assets produced by an
// asset-request under groupFilePath, replacing whatever children the
// matching asset_group node currently has, then re-checks any weak
// dependencies still pending against it.
func (ag *Graph) ResolveAssetGroupChildren(group model.AssetGroup, assets []model.Asset) {
	groupID, ok := ag.assetGroupNodes[group.ID()]
	if !ok {
		groupID = ag.g.AddNode(&node{kind: KindAssetGroup, assetGroup: &group})
		ag.assetGroupNodes[group.ID()] = groupID
	}

	desired := make([]graph.ID, 0, len(assets))
	for i := range assets {
		a := assets[i]
		id, exists := ag.assetNodes[a.ID()]
		if !exists {
			id = ag.g.AddNode(&node{kind: KindAsset, asset: &a})
			ag.assetNodes[a.ID()] = id
		} else {
			ag.g.SetPayload(id, &node{kind: KindAsset, asset: &a})
		}
		for _, dep := range a.Dependencies {
			ag.addDependency(id, dep)
		}
		desired = append(desired, id)
	}
	ag.g.ReplaceNodesConnectedTo(groupID, desired, graph.Default, nil)

	ag.reevaluateWeak(group.ID(), groupID)
}

// OnAssetRequestComplete implements reqgraph.AssetGraphHooks.
func (ag *Graph) OnAssetRequestComplete(requestID string, assets []model.Asset, err error) {
	if err != nil || len(assets) == 0 {
		return
	}
	filePath := assets[0].FilePath
	env := assets[0].Env
	ag.ResolveAssetGroupChildren(model.AssetGroup{FilePath: filePath, Env: env}, assets)
}

// OnDepPathRequestComplete implements reqgraph.AssetGraphHooks.
func (ag *Graph) OnDepPathRequestComplete(dep model.Dependency, group *model.AssetGroup, err error) {
	if err != nil {
		return
	}
	ag.ResolveAssetGroup(dep, group)
}

// ResolvedSymbol is the result of ResolveSymbol.
type ResolvedSymbol struct {
	AssetID      string
	ExportSymbol string
	Symbol       string
}

// ResolveSymbol implements spec section 4.4's recursive re-export
// resolution algorithm.
func (ag *Graph) ResolveSymbol(assetID graph.ID, symbol string) ResolvedSymbol {
	payload, ok := ag.g.GetNode(assetID)
	if !ok {
		return ResolvedSymbol{Symbol: symbol}
	}
	n := payload.(*node)
	if n.kind != KindAsset || n.asset == nil {
		return ResolvedSymbol{Symbol: symbol}
	}
	if symbol == "*" {
		return ResolvedSymbol{AssetID: n.asset.ID(), ExportSymbol: "*", Symbol: "*"}
	}

	local, hasLocal := n.asset.Symbols[symbol]
	if !hasLocal {
		return ResolvedSymbol{AssetID: n.asset.ID(), ExportSymbol: symbol, Symbol: ""}
	}

	children := ag.g.GetNodesConnectedFrom(assetID, nil)
	for i := len(children) - 1; i >= 0; i-- {
		depPayload, ok := ag.g.GetNode(children[i])
		if !ok {
			continue
		}
		depNode := depPayload.(*node)
		if depNode.kind != KindDependency || depNode.dependency == nil {
			continue
		}
		depAssetID, target := ag.resolvedDependencyAsset(children[i])
		if target == 0 {
			continue
		}
		for localName, importedName := range depNode.dependency.Symbols {
			if localName != local {
				continue
			}
			resolved := ag.ResolveSymbol(target, importedName)
			if resolved.AssetID != "" {
				return resolved
			}
		}
		if depNode.dependency.Symbols["*"] == "*" && symbol != "default" {
			if resolved := ag.ResolveSymbol(target, symbol); resolved.AssetID != "" {
				return resolved
			}
		}
		_ = depAssetID
	}

	return ResolvedSymbol{AssetID: n.asset.ID(), ExportSymbol: symbol, Symbol: local}
}

// resolvedDependencyAsset follows a dependency node down to its
// resolved asset, skipping through its asset_group child if present.
func (ag *Graph) resolvedDependencyAsset(depID graph.ID) (string, graph.ID) {
	for _, child := range ag.g.GetNodesConnectedFrom(depID, nil) {
		payload, ok := ag.g.GetNode(child)
		if !ok {
			continue
		}
		n := payload.(*node)
		switch n.kind {
		case KindAsset:
			return n.asset.ID(), child
		case KindAssetGroup:
			for _, grandchild := range ag.g.GetNodesConnectedFrom(child, nil) {
				gp, ok := ag.g.GetNode(grandchild)
				if !ok {
					continue
				}
				if gn := gp.(*node); gn.kind == KindAsset {
					return gn.asset.ID(), grandchild
				}
			}
		}
	}
	return "", 0
}

// RemoveAsset replaces asset with an asset_reference node so the
// Bundle Graph can still see it, returning the reference id.
func (ag *Graph) RemoveAsset(assetID graph.ID) string {
	payload, ok := ag.g.GetNode(assetID)
	if !ok {
		return ""
	}
	n := payload.(*node)
	if n.kind != KindAsset {
		return ""
	}
	return ag.removeAssetLocked(assetID, n)
}

// GetEntryAssets returns every asset reachable as an entry point (a
// dependency marked IsEntry whose resolution reached an asset).
func (ag *Graph) GetEntryAssets() []model.Asset {
	var entries []model.Asset
	ag.g.Traverse(ag.root, func(id graph.ID, payload interface{}) graph.Action {
		n := payload.(*node)
		if n.kind == KindDependency && n.dependency != nil && n.dependency.IsEntry {
			if _, target := ag.resolvedDependencyAsset(id); target != 0 {
				if p, ok := ag.g.GetNode(target); ok {
					entries = append(entries, *p.(*node).asset)
				}
			}
		}
		return graph.Continue
	})
	return entries
}

// GetDependencies returns asset's outgoing dependencies in order.
func (ag *Graph) GetDependencies(assetID graph.ID) []model.Dependency {
	var deps []model.Dependency
	for _, child := range ag.g.GetNodesConnectedFrom(assetID, nil) {
		if p, ok := ag.g.GetNode(child); ok {
			if n := p.(*node); n.kind == KindDependency && n.dependency != nil {
				deps = append(deps, *n.dependency)
			}
		}
	}
	return deps
}

// GetIncomingDependencies returns the dependency nodes pointing at
// assetID.
func (ag *Graph) GetIncomingDependencies(assetID graph.ID) []model.Dependency {
	var deps []model.Dependency
	for _, parent := range ag.g.GetNodesConnectedTo(assetID, nil) {
		if p, ok := ag.g.GetNode(parent); ok {
			if n := p.(*node); n.kind == KindDependency && n.dependency != nil {
				deps = append(deps, *n.dependency)
			}
		}
	}
	return deps
}

// GetTotalSize sums AssetStats.Size over every live asset reachable
// from assetID, or the whole graph if assetID is zero.
func (ag *Graph) GetTotalSize(assetID graph.ID) int64 {
	start := assetID
	if start == 0 {
		start = ag.root
	}
	var total int64
	ag.g.Traverse(start, func(id graph.ID, payload interface{}) graph.Action {
		if n := payload.(*node); n.kind == KindAsset && n.asset != nil {
			total += n.asset.Stats.Size
		}
		return graph.Continue
	})
	return total
}

// GetHash returns the hash of every live asset's output hash,
// concatenated in traversal order.
func (ag *Graph) GetHash() string {
	var hashes []string
	ag.g.Traverse(ag.root, func(id graph.ID, payload interface{}) graph.Action {
		if n := payload.(*node); n.kind == KindAsset && n.asset != nil {
			hashes = append(hashes, n.asset.OutputHash)
		}
		return graph.Continue
	})
	var buf []byte
	for _, h := range hashes {
		buf = append(buf, h...)
	}
	sum := highwayhash.Sum(buf, []byte("forge-assetgraph-hash-key-000001"))
	return hex.EncodeToString(sum[:])
}

// The three methods below give *Graph the string-keyed asset-id shape
// the Bundler Runner's bundler.AssetSource interface expects. They are
// named apart from GetEntryAssets/GetDependencies (whose existing
// signatures already serve the Request Graph and other callers keyed
// on graph.ID) rather than replacing them, so the root facade still
// wraps *Graph in a small adapter satisfying bundler.AssetSource by
// name; bundler deliberately never imports this package (mirrors
// reqgraph.AssetGraphHooks's no-import-cycle structural-satisfaction
// pattern), but a *model.Asset's own ID is the stable string identity
// every other package already keys on.

// EntryAssetIDs returns the string ids of GetEntryAssets, satisfying
// bundler.AssetSource's GetEntryAssets.
func (ag *Graph) EntryAssetIDs() []string {
	entries := ag.GetEntryAssets()
	ids := make([]string, len(entries))
	for i, a := range entries {
		ids[i] = a.ID()
	}
	return ids
}

// GetAsset looks up a live asset by its string id, satisfying
// bundler.AssetSource's GetAsset.
func (ag *Graph) GetAsset(assetID string) (model.Asset, bool) {
	id, ok := ag.assetNodes[assetID]
	if !ok {
		return model.Asset{}, false
	}
	p, ok := ag.g.GetNode(id)
	if !ok {
		return model.Asset{}, false
	}
	n := p.(*node)
	if n.asset == nil {
		return model.Asset{}, false
	}
	return *n.asset, true
}

// GetDependenciesByID is GetDependencies keyed by a string asset id,
// satisfying bundler.AssetSource's GetDependencies.
func (ag *Graph) GetDependenciesByID(assetID string) []model.Dependency {
	id, ok := ag.assetNodes[assetID]
	if !ok {
		return nil
	}
	return ag.GetDependencies(id)
}
