package assetgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/graph"
	"github.com/forgebuild/forge/internal/model"
)

func TestAddEntryDependencyAndResolveAssetGroupMaterialisesAsset(t *testing.T) {
	ag := New()
	dep := model.Dependency{ModuleSpecifier: "./index.js", IsEntry: true}
	ag.AddEntryDependency(dep)

	sideEffects := true
	group := model.AssetGroup{FilePath: "index.js", SideEffects: &sideEffects}
	asset := model.Asset{IDBase: "index.js", Type: "js", SideEffects: true}

	ag.ResolveAssetGroup(dep, &group)
	ag.ResolveAssetGroupChildren(group, []model.Asset{asset})

	entries := ag.GetEntryAssets()
	require.Len(t, entries, 1)
	assert.Equal(t, asset.ID(), entries[0].ID())
}

func TestResolveAssetGroupNilGroupDoesNothing(t *testing.T) {
	ag := New()
	dep := model.Dependency{ModuleSpecifier: "./missing.js", IsOptional: true}
	ag.AddEntryDependency(dep)

	ag.ResolveAssetGroup(dep, nil)

	entries := ag.GetEntryAssets()
	assert.Empty(t, entries)
}

func TestShouldDeferWeakSideEffectFreeWithNoAncestorSymbols(t *testing.T) {
	ag := New()
	dep := model.Dependency{
		ModuleSpecifier: "./util.js",
		IsWeak:          true,
		Symbols:         map[string]string{"a": "a"},
	}
	ag.AddEntryDependency(dep)

	falseVal := false
	group := model.AssetGroup{FilePath: "util.js", SideEffects: &falseVal}
	ag.ResolveAssetGroup(dep, &group)

	// Deferred: the group's assets are not materialised yet, so the weak
	// dependency stays parked in pendingWeak with no asset_group edge.
	entries := ag.GetEntryAssets()
	assert.Empty(t, entries)
}

func TestShouldDeferStaysDeferredWhenNoIncomingDependencyUsesAnExport(t *testing.T) {
	ag := New()
	dep := model.Dependency{
		ModuleSpecifier: "./util.js",
		IsWeak:          true,
		Symbols:         map[string]string{"localA": "a"},
	}
	ag.AddEntryDependency(dep)

	falseVal := false
	group := model.AssetGroup{FilePath: "util.js", SideEffects: &falseVal}
	ag.ResolveAssetGroup(dep, &group)

	// util.js only re-exports "b"; the one incoming dependency imports
	// "a", which util.js never provides, so nothing demands it.
	asset := model.Asset{
		IDBase:  "util.js",
		Type:    "js",
		Symbols: map[string]string{"b": "b"},
	}
	ag.ResolveAssetGroupChildren(group, []model.Asset{asset})

	depID := ag.depNodes[dep.ID()]
	_, target := ag.resolvedDependencyAsset(depID)
	assert.Equal(t, graph.ID(0), target, "dependency should stay deferred")
}

func TestShouldDeferUndeferredWhenAnotherAncestorImportsTheSymbol(t *testing.T) {
	ag := New()

	// Two independent weak dependents of the same sideEffects:false
	// module: one imports "a" (which util.js doesn't export at all),
	// the other imports "b" (which util.js does export). Per scenario
	// #4, that is enough for the whole module to be evaluated, so both
	// pending dependencies attach even though the "a" one alone would
	// never have justified it.
	depA := model.Dependency{
		ModuleSpecifier: "./util.js",
		SourcePath:      "./consumerA.js",
		IsWeak:          true,
		Symbols:         map[string]string{"localA": "a"},
	}
	depB := model.Dependency{
		ModuleSpecifier: "./util.js",
		SourcePath:      "./consumerB.js",
		IsWeak:          true,
		Symbols:         map[string]string{"localB": "b"},
	}
	ag.AddEntryDependency(depA)
	ag.AddEntryDependency(depB)

	falseVal := false
	group := model.AssetGroup{FilePath: "util.js", SideEffects: &falseVal}
	ag.ResolveAssetGroup(depA, &group)
	ag.ResolveAssetGroup(depB, &group)

	asset := model.Asset{
		IDBase:  "util.js",
		Type:    "js",
		Symbols: map[string]string{"b": "b"},
	}
	ag.ResolveAssetGroupChildren(group, []model.Asset{asset})

	depAID := ag.depNodes[depA.ID()]
	depBID := ag.depNodes[depB.ID()]
	_, targetA := ag.resolvedDependencyAsset(depAID)
	_, targetB := ag.resolvedDependencyAsset(depBID)

	assert.NotEqual(t, graph.ID(0), targetA, "a-importer attaches once the module is known to be needed")
	assert.NotEqual(t, graph.ID(0), targetB, "b-importer attaches since it is the one that needs b")
}

func TestResolveSymbolDirectExport(t *testing.T) {
	ag := New()
	dep := model.Dependency{ModuleSpecifier: "./a.js", IsEntry: true}
	ag.AddEntryDependency(dep)

	sideEffects := true
	group := model.AssetGroup{FilePath: "a.js", SideEffects: &sideEffects}
	asset := model.Asset{IDBase: "a.js", Type: "js", Symbols: map[string]string{"default": "x"}}

	ag.ResolveAssetGroup(dep, &group)
	ag.ResolveAssetGroupChildren(group, []model.Asset{asset})

	entries := ag.GetEntryAssets()
	require.Len(t, entries, 1)

	resolved := ag.ResolveSymbol(ag.assetNodes[asset.ID()], "default")
	assert.Equal(t, ResolvedSymbol{AssetID: asset.ID(), ExportSymbol: "default", Symbol: "x"}, resolved)
}

func TestGetHashIsDeterministic(t *testing.T) {
	ag1 := New()
	ag2 := New()
	for _, ag := range []*Graph{ag1, ag2} {
		dep := model.Dependency{ModuleSpecifier: "./a.js", IsEntry: true}
		ag.AddEntryDependency(dep)
		sideEffects := true
		group := model.AssetGroup{FilePath: "a.js", SideEffects: &sideEffects}
		ag.ResolveAssetGroup(dep, &group)
		ag.ResolveAssetGroupChildren(group, []model.Asset{
			{IDBase: "a.js", Type: "js", OutputHash: "hash-a"},
		})
	}
	assert.Equal(t, ag1.GetHash(), ag2.GetHash())
}
