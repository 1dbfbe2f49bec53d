package core

import (
	"math"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/manolodd/opensimmpls-sub003/model"
)

// Graph returns the working part of the topology as a weighted undirected
// graph: one graph node per topology node (same ID) and, for each pair of
// adjacent nodes, an edge weighted by the delay of the lowest-ID link
// between them. Broken links are left out.
func (t *Topology) Graph() *simple.WeightedUndirectedGraph {
	t.mu.RLock()
	defer t.mu.RUnlock()

	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, n := range t.sortedNodesLocked() {
		g.AddNode(simple.Node(n.ID()))
	}
	seen := make(map[[2]int]bool)
	for _, l := range t.sortedLinksLocked() {
		a, b := l.end1.ID(), l.end2.ID()
		key := [2]int{min(a, b), max(a, b)}
		if seen[key] {
			continue
		}
		seen[key] = true
		if l.Broken() || g.Node(int64(a)) == nil || g.Node(int64(b)) == nil {
			continue
		}
		g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(a), T: simple.Node(b), W: l.Weight()})
	}
	return g
}

// ShortestPath returns the minimum-delay node sequence from one node to
// another, and its total delay. It returns (nil, +Inf) when no path exists.
func (t *Topology) ShortestPath(from, to int) ([]int, float64) {
	g := t.Graph()
	src := g.Node(int64(from))
	if src == nil || g.Node(int64(to)) == nil {
		return nil, math.Inf(1)
	}
	tree := path.DijkstraFrom(src, g)
	seq, w := tree.To(int64(to))
	if len(seq) == 0 {
		return nil, math.Inf(1)
	}
	return nodeIDs(seq), w
}

// UnreachablePair is a sender whose destination cannot be reached.
type UnreachablePair struct {
	Sender      int
	SenderName  string
	Destination string
}

// Unreachable lists the senders that currently have no working path to
// their destination, including those whose destination does not resolve.
func (t *Topology) Unreachable() []UnreachablePair {
	g := t.Graph()
	var out []UnreachablePair
	for _, n := range t.Nodes() {
		if n.Kind() != model.NodeSender {
			continue
		}
		cfg := n.Config()
		target := t.resolveTarget(cfg.Destination)
		if target == nil || !topo.PathExistsIn(g, simple.Node(n.ID()), simple.Node(target.ID())) {
			out = append(out, UnreachablePair{Sender: n.ID(), SenderName: n.Name(), Destination: cfg.Destination})
		}
	}
	return out
}

func nodeIDs(seq []graph.Node) []int {
	out := make([]int, len(seq))
	for i, n := range seq {
		out[i] = int(n.ID())
	}
	return out
}
