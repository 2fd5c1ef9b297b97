// Package graph implements the generic directed graph described in spec
// section 4.1: a distinguished root, typed edges, DFS traversal with
// skip/stop actions, ancestor search, and node replacement by diff.
//
// Nodes are addressed by dense integer indices into an arena, not by
// pointer identity, so that the graph can be serialized and so that two
// nodes with equal payloads are still distinguishable. This mirrors the
// reworked adjacency-map approach in the teacher's internal/toposort
// package, generalized from string keys to an arena of typed payloads
// per the "cyclic graphs with back-edges" design note.
package graph

import "fmt"

// ID addresses a node in a Graph. The zero value is never a valid id;
// IDs are assigned starting from 1 so that a zero ID can mean "no node".
type ID uint32

// EdgeType distinguishes why one node points at another. The zero value
// Default is used by callers that don't need to discriminate edges.
type EdgeType uint8

// Default is the edge type used when a caller does not care to
// distinguish between edge kinds.
const Default EdgeType = 0

type edge struct {
	to   ID
	kind EdgeType
}

type node struct {
	payload interface{}
	removed bool
	out     []edge
	// inCount is the number of live incoming edges, kept to support
	// cheap orphan detection in replaceNodesConnectedTo's cleanup hook.
	inCount int
}

// OnNodeRemoved is implemented by graph owners that want cleanup
// (e.g. the Asset Graph turning an orphaned asset into an
// asset_reference) when replaceNodesConnectedTo drops the last parent
// of a node. Returning false vetoes the removal.
type OnNodeRemoved func(g *Graph, id ID) (remove bool)

// Graph is a directed graph with a distinguished root node.
type Graph struct {
	nodes   []node // index 0 is unused so that ID zero means "none"
	root    ID
	onRemove OnNodeRemoved
}

// New creates an empty graph. No root is set until SetRootNode is called.
func New() *Graph {
	return &Graph{nodes: make([]node, 1)}
}

// SetOnNodeRemoved registers the cleanup hook used by
// replaceNodesConnectedTo when it considers removing an orphaned node.
func (g *Graph) SetOnNodeRemoved(hook OnNodeRemoved) {
	g.onRemove = hook
}

// AddNode inserts payload into the arena and returns its id.
func (g *Graph) AddNode(payload interface{}) ID {
	g.nodes = append(g.nodes, node{payload: payload})
	return ID(len(g.nodes) - 1)
}

// SetRootNode marks id as the graph's distinguished root. Per invariant
// (i) of spec section 3 there is exactly one root; calling this again
// simply repoints it.
func (g *Graph) SetRootNode(id ID) {
	g.mustLive(id)
	g.root = id
}

// RootNode returns the graph's root, or zero if none has been set.
func (g *Graph) RootNode() ID {
	return g.root
}

// HasNode reports whether id refers to a live node.
func (g *Graph) HasNode(id ID) bool {
	return int(id) > 0 && int(id) < len(g.nodes) && !g.nodes[id].removed
}

// GetNode returns id's payload and true, or (nil, false) if id is not a
// live node. A missing id is not fatal (spec section 4.1 failure
// semantics); callers should check ok.
func (g *Graph) GetNode(id ID) (payload interface{}, ok bool) {
	if !g.HasNode(id) {
		return nil, false
	}
	return g.nodes[id].payload, true
}

// SetPayload replaces the payload stored at id.
func (g *Graph) SetPayload(id ID, payload interface{}) {
	g.mustLive(id)
	g.nodes[id].payload = payload
}

func (g *Graph) mustLive(id ID) {
	if !g.HasNode(id) {
		panic(fmt.Sprintf("graph: operation on missing or removed node %d", id))
	}
}

// RemoveNode deletes a node and all edges touching it. Operating on an
// already-removed node is a programmer error and panics, per spec
// section 4.1 failure semantics ("operating on a removed node is a
// programmer error (fatal)").
func (g *Graph) RemoveNode(id ID) {
	g.mustLive(id)
	for i := range g.nodes {
		if i == int(id) || g.nodes[i].removed {
			continue
		}
		kept := g.nodes[i].out[:0]
		for _, e := range g.nodes[i].out {
			if e.to == id {
				continue
			}
			kept = append(kept, e)
		}
		g.nodes[i].out = kept
	}
	for _, e := range g.nodes[id].out {
		g.nodes[e.to].inCount--
	}
	g.nodes[id] = node{removed: true}
}

// AddEdge inserts an edge from -> to of the given type. Duplicate edges
// of the same type between the same pair are not inserted twice.
func (g *Graph) AddEdge(from, to ID, kind EdgeType) {
	g.mustLive(from)
	g.mustLive(to)
	for _, e := range g.nodes[from].out {
		if e.to == to && e.kind == kind {
			return
		}
	}
	g.nodes[from].out = append(g.nodes[from].out, edge{to: to, kind: kind})
	g.nodes[to].inCount++
}

// RemoveEdge deletes the from -> to edge of the given type, if present.
func (g *Graph) RemoveEdge(from, to ID, kind EdgeType) {
	if !g.HasNode(from) {
		return
	}
	out := g.nodes[from].out
	for i, e := range out {
		if e.to == to && e.kind == kind {
			g.nodes[from].out = append(out[:i], out[i+1:]...)
			g.nodes[to].inCount--
			return
		}
	}
}

// GetNodesConnectedFrom returns the ids reachable by a single outgoing
// edge from id, optionally filtered by edge type. Passing a nil filter
// returns all outgoing edges regardless of type.
func (g *Graph) GetNodesConnectedFrom(id ID, filter func(EdgeType) bool) []ID {
	if !g.HasNode(id) {
		return nil
	}
	var result []ID
	for _, e := range g.nodes[id].out {
		if filter == nil || filter(e.kind) {
			result = append(result, e.to)
		}
	}
	return result
}

// GetNodesConnectedTo returns the ids with an outgoing edge into id,
// optionally filtered by edge type.
func (g *Graph) GetNodesConnectedTo(id ID, filter func(EdgeType) bool) []ID {
	var result []ID
	for from := 1; from < len(g.nodes); from++ {
		if g.nodes[from].removed {
			continue
		}
		for _, e := range g.nodes[from].out {
			if e.to == id && (filter == nil || filter(e.kind)) {
				result = append(result, ID(from))
				break
			}
		}
	}
	return result
}

// ReplaceNodesConnectedTo recomputes parent's children along edges of
// type kind to be exactly desired. Edges that are kept stay where they
// were; new ones are appended in desired's order. It diffs the
// current children of that type against desired: edges to children not in
// desired are removed, and if removal drops a child's live in-count to
// zero, onRemove (if registered) is consulted before the node itself is
// deleted from the graph. New edges are added for desired children not
// already present; any id in desired absent from the graph entirely is
// inserted first via addIfMissing.
func (g *Graph) ReplaceNodesConnectedTo(parent ID, desired []ID, kind EdgeType, addIfMissing func(ID) bool) {
	g.mustLive(parent)
	current := map[ID]bool{}
	for _, e := range g.nodes[parent].out {
		if e.kind == kind {
			current[e.to] = true
		}
	}
	want := map[ID]bool{}
	for _, id := range desired {
		want[id] = true
	}
	for child := range current {
		if want[child] {
			continue
		}
		g.RemoveEdge(parent, child, kind)
		if g.HasNode(child) && g.nodes[child].inCount == 0 {
			remove := true
			if g.onRemove != nil {
				remove = g.onRemove(g, child)
			}
			if remove && g.HasNode(child) {
				g.RemoveNode(child)
			}
		}
	}
	for _, id := range desired {
		if !g.HasNode(id) {
			if addIfMissing == nil || !addIfMissing(id) {
				continue
			}
		}
		if !current[id] {
			g.AddEdge(parent, id, kind)
		}
	}
}

// Action is returned by a Visitor to control DFS traversal.
type Action int

const (
	// Continue descends into the visited node's children as usual.
	Continue Action = iota
	// SkipChildren continues the traversal but does not descend into
	// the current node's children.
	SkipChildren
	// Stop halts the traversal immediately.
	Stop
)

// Visitor is called once per node visited by Traverse, in DFS
// pre-order. Siblings are visited in edge insertion order.
type Visitor func(id ID, payload interface{}) Action

// Traverse performs a DFS walk starting at start (or the graph's root
// if start is zero). Each node is visited at most once even if it is
// reachable by more than one path.
func (g *Graph) Traverse(start ID, visit Visitor) {
	if start == 0 {
		start = g.root
	}
	if !g.HasNode(start) {
		return
	}
	visited := make(map[ID]bool)
	var walk func(id ID) bool // returns false to propagate Stop upward
	walk = func(id ID) bool {
		if visited[id] {
			return true
		}
		visited[id] = true
		switch visit(id, g.nodes[id].payload) {
		case Stop:
			return false
		case SkipChildren:
			return true
		}
		for _, e := range g.nodes[id].out {
			if !g.HasNode(e.to) {
				continue
			}
			if !walk(e.to) {
				return false
			}
		}
		return true
	}
	walk(start)
}

// FindAncestors returns every node from which start is reachable and
// for which predicate returns true, searched breadth-first over the
// reversed edges.
func (g *Graph) FindAncestors(start ID, predicate func(id ID, payload interface{}) bool) []ID {
	var result []ID
	visited := map[ID]bool{start: true}
	queue := []ID{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, parent := range g.GetNodesConnectedTo(id, nil) {
			if visited[parent] {
				continue
			}
			visited[parent] = true
			if predicate(parent, g.nodes[parent].payload) {
				result = append(result, parent)
			}
			queue = append(queue, parent)
		}
	}
	return result
}

// Merge copies every node and edge from other into g. Node identity is
// not preserved across the merge: other's nodes are re-inserted and a
// mapping from other's ids to g's new ids is returned so callers can
// re-link any external references (per the "back-references ... are
// re-linked via their indices, not pointer equality" design note).
func (g *Graph) Merge(other *Graph) map[ID]ID {
	remap := make(map[ID]ID, len(other.nodes))
	for id := 1; id < len(other.nodes); id++ {
		if other.nodes[id].removed {
			continue
		}
		remap[ID(id)] = g.AddNode(other.nodes[id].payload)
	}
	for id := 1; id < len(other.nodes); id++ {
		if other.nodes[id].removed {
			continue
		}
		for _, e := range other.nodes[id].out {
			if to, ok := remap[e.to]; ok {
				g.AddEdge(remap[ID(id)], to, e.kind)
			}
		}
	}
	if other.root != 0 {
		if newRoot, ok := remap[other.root]; ok && g.root == 0 {
			g.root = newRoot
		}
	}
	return remap
}

// NodeCount returns the number of live nodes in the graph.
func (g *Graph) NodeCount() int {
	n := 0
	for i := 1; i < len(g.nodes); i++ {
		if !g.nodes[i].removed {
			n++
		}
	}
	return n
}
