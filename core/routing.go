package core

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/manolodd/opensimmpls-sub003/internal/logging"
)

// NoPath is returned by next-hop queries when the destination cannot be
// reached.
const NoPath = -1

// Routing policy names, as reported to a RoutingObserver.
const (
	PolicyPlain = "plain"
	PolicyRABAN = "raban"
)

const noAvoid = math.MinInt

// NextHop returns the ID of the first node on the minimum-delay path from
// origin to dest, or NoPath. The all-pairs matrix is rebuilt from the
// current topology on every call.
func (t *Topology) NextHop(origin, dest int) int {
	t.plainMu.Lock()
	defer t.plainMu.Unlock()
	defer t.observe(PolicyPlain, time.Now())

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextHopLocked(origin, dest, noAvoid, (*Link).Weight)
}

// NextHopRABAN is NextHop with the load-aware link weights.
func (t *Topology) NextHopRABAN(origin, dest int) int {
	t.rabanMu.Lock()
	defer t.rabanMu.Unlock()
	defer t.observe(PolicyRABAN, time.Now())

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextHopLocked(origin, dest, noAvoid, (*Link).RABANWeight)
}

// NextHopRABANAvoiding is NextHopRABAN over a graph without the edge
// between origin and avoid, in both directions. It is used to find a backup
// path not sharing the primary path's first link. An avoid ID that names no
// node leaves the graph unchanged.
func (t *Topology) NextHopRABANAvoiding(origin, dest, avoid int) int {
	t.rabanMu.Lock()
	defer t.rabanMu.Unlock()
	defer t.observe(PolicyRABAN, time.Now())

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextHopLocked(origin, dest, avoid, (*Link).RABANWeight)
}

// route answers with the policy the topology is configured for.
func (t *Topology) route(origin, dest int) int {
	if t.raban.Load() {
		return t.NextHopRABAN(origin, dest)
	}
	return t.NextHop(origin, dest)
}

// Route follows next hops from origin until dest is reached and returns
// the visited node IDs, origin first. It returns nil when dest is
// unreachable or the walk exceeds the node count.
func (t *Topology) Route(origin, dest int) []int {
	path := []int{origin}
	limit := t.NodeCount()
	for cur := origin; cur != dest; {
		if len(path) > limit {
			return nil
		}
		next := t.route(cur, dest)
		if next == NoPath {
			return nil
		}
		path = append(path, next)
		cur = next
	}
	return path
}

// nextHopLocked runs Floyd-Warshall over the current topology. The caller
// holds t.mu and the policy lock.
func (t *Topology) nextHopLocked(origin, dest, avoid int, weight func(*Link) float64) int {
	nodes := t.sortedNodesLocked()
	index := make(map[int]int, len(nodes))
	for i, n := range nodes {
		index[n.ID()] = i
	}
	o, ok := index[origin]
	if !ok {
		return NoPath
	}
	d, ok := index[dest]
	if !ok || o == d {
		return NoPath
	}

	n := len(nodes)
	dist := make([][]float64, n)
	via := make([][]int, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		via[i] = make([]int, n)
		for j := range dist[i] {
			via[i][j] = -1
			if i != j {
				dist[i][j] = math.Inf(1)
			}
		}
	}

	// Only the lowest-ID link between a pair of nodes counts.
	seen := make(map[[2]int]bool)
	for _, l := range t.sortedLinksLocked() {
		a, okA := index[l.end1.ID()]
		b, okB := index[l.end2.ID()]
		if !okA || !okB {
			t.logInconsistency(fmt.Errorf("%w: link %d references a node outside the topology", ErrInconsistentTopology, l.ID()))
			return NoPath
		}
		key := [2]int{min(a, b), max(a, b)}
		if seen[key] {
			continue
		}
		seen[key] = true
		if l.Broken() {
			continue
		}
		w := weight(l)
		dist[a][b] = w
		dist[b][a] = w
	}

	if avoid != noAvoid {
		av, ok := index[avoid]
		switch {
		case !ok:
			t.log.Warn(context.Background(), "avoided node not in topology; constraint ignored",
				logging.Int("origin", origin),
				logging.Int("avoid", avoid),
			)
		case av == o:
			t.log.Warn(context.Background(), "node cannot avoid itself; constraint ignored",
				logging.Int("origin", origin),
			)
		default:
			dist[o][av] = math.Inf(1)
			dist[av][o] = math.Inf(1)
		}
	}

	for k := 0; k < n; k++ {
		for i := 0; i < n; i++ {
			if math.IsInf(dist[i][k], 1) {
				continue
			}
			for j := 0; j < n; j++ {
				if alt := dist[i][k] + dist[k][j]; alt < dist[i][j] {
					dist[i][j] = alt
					via[i][j] = k
				}
			}
		}
	}

	if math.IsInf(dist[o][d], 1) {
		return NoPath
	}

	// Walk back through intermediates until the hop adjacent to origin.
	hop := d
	for k, steps := via[o][d], 0; k != -1; k, steps = via[o][k], steps+1 {
		if steps > n {
			t.logInconsistency(fmt.Errorf("%w: cyclic path from %d to %d", ErrInconsistentTopology, origin, dest))
			return NoPath
		}
		hop = k
	}
	return nodes[hop].ID()
}
