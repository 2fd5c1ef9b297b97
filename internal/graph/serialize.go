package graph

import (
	"encoding/gob"
	"io"
)

// snapshot is the gob-friendly projection of a Graph. Payloads are
// encoded through the registered-class mechanism described in spec
// section 4.2: callers must gob.Register every concrete payload type
// they store before calling Encode/Decode, the same contract the cache
// package relies on.
type snapshot struct {
	Root  ID
	Nodes []nodeSnapshot
}

type nodeSnapshot struct {
	Removed bool
	Payload interface{}
	Out     []edgeSnapshot
}

type edgeSnapshot struct {
	To   ID
	Kind EdgeType
}

// Encode serializes the graph to w. See Graph.Decode for the
// corresponding reader; both exist so that the Request Graph and Asset
// Graph can persist themselves under the cache directory between
// incremental builds (spec section 6, "Persisted state").
func (g *Graph) Encode(w io.Writer) error {
	snap := snapshot{Root: g.root, Nodes: make([]nodeSnapshot, len(g.nodes))}
	for i, n := range g.nodes {
		if i == 0 {
			continue
		}
		ns := nodeSnapshot{Removed: n.removed, Payload: n.payload}
		for _, e := range n.out {
			ns.Out = append(ns.Out, edgeSnapshot{To: e.to, Kind: e.kind})
		}
		snap.Nodes[i] = ns
	}
	return gob.NewEncoder(w).Encode(&snap)
}

// Decode replaces g's contents with the graph serialized by Encode.
func (g *Graph) Decode(r io.Reader) error {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return err
	}
	g.nodes = make([]node, len(snap.Nodes))
	g.root = snap.Root
	for i, ns := range snap.Nodes {
		if i == 0 {
			continue
		}
		n := node{removed: ns.Removed, payload: ns.Payload}
		for _, es := range ns.Out {
			n.out = append(n.out, edge{to: es.To, kind: es.Kind})
		}
		g.nodes[i] = n
	}
	for i := range g.nodes {
		g.nodes[i].inCount = 0
	}
	for _, n := range g.nodes {
		for _, e := range n.out {
			if int(e.to) < len(g.nodes) {
				g.nodes[e.to].inCount++
			}
		}
	}
	return nil
}

// RegisterPayload registers a concrete payload type with gob so that
// Encode/Decode can round-trip interface-typed node payloads. Call this
// once per concrete type during package init, mirroring the registered-
// class serializer contract of spec section 4.2.
func RegisterPayload(value interface{}) {
	gob.Register(value)
}
