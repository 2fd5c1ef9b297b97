package graph

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddNodeAndEdge(t *testing.T) {
	g := New()
	root := g.AddNode("root")
	g.SetRootNode(root)
	a := g.AddNode("a")
	b := g.AddNode("b")
	g.AddEdge(root, a, Default)
	g.AddEdge(root, b, Default)

	children := g.GetNodesConnectedFrom(root, nil)
	assert.ElementsMatch(t, []ID{a, b}, children)
}

func TestGetNodeMissingIsNotFatal(t *testing.T) {
	g := New()
	_, ok := g.GetNode(999)
	assert.False(t, ok)
}

func TestRemoveNodeOnRemovedPanics(t *testing.T) {
	g := New()
	a := g.AddNode("a")
	g.RemoveNode(a)
	assert.Panics(t, func() { g.RemoveNode(a) })
}

func TestTraverseDFSOrderAndSkip(t *testing.T) {
	g := New()
	root := g.AddNode("root")
	g.SetRootNode(root)
	a := g.AddNode("a")
	b := g.AddNode("b")
	c := g.AddNode("c")
	g.AddEdge(root, a, Default)
	g.AddEdge(root, b, Default)
	g.AddEdge(a, c, Default)

	var visited []ID
	g.Traverse(0, func(id ID, payload interface{}) Action {
		visited = append(visited, id)
		if id == a {
			return SkipChildren
		}
		return Continue
	})
	assert.Equal(t, []ID{root, a, b}, visited)
}

func TestTraverseStop(t *testing.T) {
	g := New()
	root := g.AddNode("root")
	g.SetRootNode(root)
	a := g.AddNode("a")
	g.AddEdge(root, a, Default)

	calls := 0
	g.Traverse(0, func(id ID, payload interface{}) Action {
		calls++
		return Stop
	})
	assert.Equal(t, 1, calls)
}

func TestFindAncestors(t *testing.T) {
	g := New()
	root := g.AddNode("root")
	g.SetRootNode(root)
	a := g.AddNode("a")
	b := g.AddNode("b")
	g.AddEdge(root, a, Default)
	g.AddEdge(a, b, Default)

	ancestors := g.FindAncestors(b, func(id ID, payload interface{}) bool { return true })
	assert.ElementsMatch(t, []ID{a, root}, ancestors)
}

func TestReplaceNodesConnectedToRemovesOrphans(t *testing.T) {
	g := New()
	removed := map[ID]bool{}
	g.SetOnNodeRemoved(func(gr *Graph, id ID) bool {
		removed[id] = true
		return true
	})
	parent := g.AddNode("parent")
	old := g.AddNode("old")
	fresh := g.AddNode("fresh")
	g.AddEdge(parent, old, Default)

	g.ReplaceNodesConnectedTo(parent, []ID{fresh}, Default, nil)

	assert.True(t, removed[old])
	assert.False(t, g.HasNode(old))
	children := g.GetNodesConnectedFrom(parent, nil)
	assert.Equal(t, []ID{fresh}, children)
}

func TestReplaceNodesConnectedToKeepsSharedChild(t *testing.T) {
	g := New()
	g.SetOnNodeRemoved(func(gr *Graph, id ID) bool { return true })
	parentA := g.AddNode("parentA")
	parentB := g.AddNode("parentB")
	shared := g.AddNode("shared")
	g.AddEdge(parentA, shared, Default)
	g.AddEdge(parentB, shared, Default)

	g.ReplaceNodesConnectedTo(parentA, nil, Default, nil)

	assert.True(t, g.HasNode(shared), "shared child with another live parent must survive")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type payload struct{ Name string }
	RegisterPayload(payload{})

	g := New()
	root := g.AddNode(payload{Name: "root"})
	g.SetRootNode(root)
	a := g.AddNode(payload{Name: "a"})
	g.AddEdge(root, a, Default)

	var buf bytes.Buffer
	assert.NoError(t, g.Encode(&buf))

	g2 := New()
	assert.NoError(t, g2.Decode(&buf))

	assert.Equal(t, g.root, g2.root)
	p, ok := g2.GetNode(a)
	assert.True(t, ok)
	assert.Equal(t, payload{Name: "a"}, p)
}

func TestMergeRemapsIDs(t *testing.T) {
	g1 := New()
	r1 := g1.AddNode("r1")
	g1.SetRootNode(r1)
	a1 := g1.AddNode("a1")
	g1.AddEdge(r1, a1, Default)

	g2 := New()
	remap := g2.Merge(g1)

	newRoot, ok := g2.GetNode(remap[r1])
	assert.True(t, ok)
	assert.Equal(t, "r1", newRoot)
	assert.Equal(t, g2.root, remap[r1])
}
