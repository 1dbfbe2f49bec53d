package core

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/manolodd/opensimmpls-sub003/internal/logging"
	"github.com/manolodd/opensimmpls-sub003/model"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

// lineOf builds n LSRs joined in a line with the given delay.
func lineOf(t *testing.T, topo *Topology, n int, delay uint64) []Node {
	t.Helper()
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i] = mustNode(t, topo, lsrCfg(string(rune('A'+i))))
		if i > 0 {
			connect(t, topo, model.LinkInternal, nodes[i-1], nodes[i], delay)
		}
	}
	return nodes
}

// 1) Next hops along a line, in both directions.
func TestNextHopAlongLine(t *testing.T) {
	topo := newTestTopology(t, 1)
	n := lineOf(t, topo, 4, 10)

	cases := []struct {
		from, to Node
		want     Node
	}{
		{n[0], n[3], n[1]},
		{n[3], n[0], n[2]},
		{n[1], n[2], n[2]},
		{n[2], n[0], n[1]},
	}
	for _, tc := range cases {
		if got := topo.NextHop(tc.from.ID(), tc.to.ID()); got != tc.want.ID() {
			t.Fatalf("NextHop(%s, %s) = %d, want %s (%d)", tc.from.Name(), tc.to.Name(), got, tc.want.Name(), tc.want.ID())
		}
		if got := topo.NextHopRABAN(tc.from.ID(), tc.to.ID()); got != tc.want.ID() {
			t.Fatalf("NextHopRABAN(%s, %s) = %d, want %d", tc.from.Name(), tc.to.Name(), got, tc.want.ID())
		}
	}
}

// 2) Unreachable or unknown destinations yield NoPath.
func TestNextHopNoPath(t *testing.T) {
	topo := newTestTopology(t, 1)
	n := lineOf(t, topo, 3, 10)
	island := mustNode(t, topo, lsrCfg("island"))

	if got := topo.NextHop(n[0].ID(), island.ID()); got != NoPath {
		t.Fatalf("NextHop to isolated node = %d, want NoPath", got)
	}
	if got := topo.NextHop(n[0].ID(), 999); got != NoPath {
		t.Fatalf("NextHop to unknown node = %d, want NoPath", got)
	}
	if got := topo.NextHop(n[0].ID(), n[0].ID()); got != NoPath {
		t.Fatalf("NextHop to self = %d, want NoPath", got)
	}

	topo.LinkBetween(n[1].ID(), n[2].ID()).SetBroken(true)
	if got := topo.NextHop(n[0].ID(), n[2].ID()); got != NoPath {
		t.Fatalf("NextHop across broken link = %d, want NoPath", got)
	}
	if got := topo.Route(n[0].ID(), n[2].ID()); got != nil {
		t.Fatalf("Route across broken link = %v, want nil", got)
	}
}

// 3) Broken links are routed around.
func TestNextHopAvoidsBrokenLink(t *testing.T) {
	topo := newTestTopology(t, 1)
	a := mustNode(t, topo, lsrCfg("A"))
	b := mustNode(t, topo, lsrCfg("B"))
	c := mustNode(t, topo, lsrCfg("C"))
	direct := connect(t, topo, model.LinkInternal, a, b, 1)
	connect(t, topo, model.LinkInternal, a, c, 5)
	connect(t, topo, model.LinkInternal, c, b, 5)

	if got := topo.NextHop(a.ID(), b.ID()); got != b.ID() {
		t.Fatalf("NextHop(A, B) = %d, want direct hop %d", got, b.ID())
	}
	direct.SetBroken(true)
	if got := topo.NextHop(a.ID(), b.ID()); got != c.ID() {
		t.Fatalf("NextHop(A, B) with direct link down = %d, want %d", got, c.ID())
	}
	direct.SetBroken(false)
	if got := topo.NextHop(a.ID(), b.ID()); got != b.ID() {
		t.Fatalf("NextHop(A, B) after recovery = %d, want %d", got, b.ID())
	}
}

// 4) Only the lowest-ID link between two nodes is considered.
func TestNextHopUsesFirstLinkBetweenPair(t *testing.T) {
	topo := newTestTopology(t, 1)
	a := mustNode(t, topo, lsrCfg("A"))
	b := mustNode(t, topo, lsrCfg("B"))
	c := mustNode(t, topo, lsrCfg("C"))
	mustLink(t, topo, model.LinkConfig{ID: 100, Kind: model.LinkInternal, Name: "slow", End1: a.ID(), End1Port: 0, End2: b.ID(), End2Port: 0, DelayNs: 100})
	mustLink(t, topo, model.LinkConfig{ID: 101, Kind: model.LinkInternal, Name: "fast", End1: a.ID(), End1Port: 1, End2: b.ID(), End2Port: 1, DelayNs: 1})
	connect(t, topo, model.LinkInternal, a, c, 2)
	connect(t, topo, model.LinkInternal, c, b, 2)

	if got := topo.NextHop(a.ID(), b.ID()); got != c.ID() {
		t.Fatalf("NextHop(A, B) = %d, want %d via C", got, c.ID())
	}
	if l := topo.LinkBetween(a.ID(), b.ID()); l == nil || l.ID() != 100 {
		t.Fatalf("LinkBetween(A, B) = %v, want link 100", l)
	}
}

// 5) On a connected mesh every pair is reachable by following next hops,
// within the node count, over a path as short as gonum's Dijkstra finds.
func TestRouteReachesEveryDestination(t *testing.T) {
	topo := newTestTopology(t, 1)
	const size = 8
	nodes := make([]Node, size)
	for i := range nodes {
		nodes[i] = mustNode(t, topo, lsrCfg(string(rune('A'+i))))
	}
	for i := range nodes {
		connect(t, topo, model.LinkInternal, nodes[i], nodes[(i+1)%size], uint64(1+i%3))
	}
	connect(t, topo, model.LinkInternal, nodes[0], nodes[4], 2)
	connect(t, topo, model.LinkInternal, nodes[2], nodes[6], 7)

	got := map[[2]int]float64{}
	want := map[[2]int]float64{}
	for _, from := range nodes {
		for _, to := range nodes {
			if from == to {
				continue
			}
			route := topo.Route(from.ID(), to.ID())
			if route == nil {
				t.Fatalf("Route(%s, %s) = nil", from.Name(), to.Name())
			}
			if len(route)-1 > size {
				t.Fatalf("Route(%s, %s) takes %d hops", from.Name(), to.Name(), len(route)-1)
			}
			var cost float64
			for i := 1; i < len(route); i++ {
				cost += topo.LinkBetween(route[i-1], route[i]).Weight()
			}
			key := [2]int{from.ID(), to.ID()}
			got[key] = cost
			_, want[key] = topo.ShortestPath(from.ID(), to.ID())
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("route costs differ from Dijkstra (-want +got):\n%s", diff)
	}
}

// 6) The avoided neighbour is never the first hop, even when it is the
// cheapest; an unknown avoid ID is ignored.
func TestNextHopRABANAvoiding(t *testing.T) {
	topo := newTestTopology(t, 1)
	a := mustNode(t, topo, lsrCfg("A"))
	b := mustNode(t, topo, lsrCfg("B"))
	c := mustNode(t, topo, lsrCfg("C"))
	connect(t, topo, model.LinkInternal, a, c, 1)
	connect(t, topo, model.LinkInternal, c, b, 1)
	connect(t, topo, model.LinkInternal, a, b, 10)

	if got := topo.NextHopRABAN(a.ID(), b.ID()); got != c.ID() {
		t.Fatalf("NextHopRABAN(A, B) = %d, want %d", got, c.ID())
	}
	if got := topo.NextHopRABANAvoiding(a.ID(), b.ID(), c.ID()); got != b.ID() {
		t.Fatalf("NextHopRABANAvoiding(A, B, C) = %d, want %d", got, b.ID())
	}
	if got := topo.NextHopRABANAvoiding(a.ID(), b.ID(), 999); got != c.ID() {
		t.Fatalf("NextHopRABANAvoiding with unknown avoid = %d, want %d", got, c.ID())
	}

	// Avoiding the only neighbour leaves no path.
	topo2 := newTestTopology(t, 1)
	n := lineOf(t, topo2, 3, 1)
	if got := topo2.NextHopRABANAvoiding(n[0].ID(), n[2].ID(), n[1].ID()); got != NoPath {
		t.Fatalf("NextHopRABANAvoiding on a line = %d, want NoPath", got)
	}
}

// 7) RABAN steers away from links already carrying LSPs.
func TestNextHopRABANPrefersUnloadedLinks(t *testing.T) {
	topo := newTestTopology(t, 1)
	a := mustNode(t, topo, lsrCfg("A"))
	b := mustNode(t, topo, lsrCfg("B"))
	c := mustNode(t, topo, lsrCfg("C"))
	d := mustNode(t, topo, lsrCfg("D"))
	ab := connect(t, topo, model.LinkInternal, a, b, 10)
	connect(t, topo, model.LinkInternal, b, d, 10)
	connect(t, topo, model.LinkInternal, a, c, 10)
	connect(t, topo, model.LinkInternal, c, d, 10)

	for i := 0; i < 20; i++ {
		ab.addLSP(false)
	}
	if got := topo.NextHopRABAN(a.ID(), d.ID()); got != c.ID() {
		t.Fatalf("NextHopRABAN(A, D) = %d, want unloaded hop %d", got, c.ID())
	}
}

type recordingObserver struct{ policies []string }

func (o *recordingObserver) ObserveRoutingQuery(policy string, _ time.Duration) {
	o.policies = append(o.policies, policy)
}

func TestRoutingObserverSeesEveryQuery(t *testing.T) {
	obs := &recordingObserver{}
	topo := newTestTopology(t, 1, WithRoutingObserver(obs))
	n := lineOf(t, topo, 2, 1)

	topo.NextHop(n[0].ID(), n[1].ID())
	topo.NextHopRABAN(n[0].ID(), n[1].ID())
	topo.NextHopRABANAvoiding(n[0].ID(), n[1].ID(), n[1].ID())

	want := []string{PolicyPlain, PolicyRABAN, PolicyRABAN}
	if diff := cmp.Diff(want, obs.policies); diff != "" {
		t.Fatalf("observed policies (-want +got):\n%s", diff)
	}
}

func TestShortestPathAndUnreachable(t *testing.T) {
	topo := newTestTopology(t, 1)
	s := mustNode(t, topo, senderCfg("S", "R", 10, 100))
	n := lineOf(t, topo, 3, 4)
	r := mustNode(t, topo, receiverCfg("R"))
	connect(t, topo, model.LinkInternal, s, n[0], 1)
	last := connect(t, topo, model.LinkInternal, n[2], r, 1)

	path, w := topo.ShortestPath(s.ID(), r.ID())
	wantPath := []int{s.ID(), n[0].ID(), n[1].ID(), n[2].ID(), r.ID()}
	if diff := cmp.Diff(wantPath, path); diff != "" {
		t.Fatalf("ShortestPath (-want +got):\n%s", diff)
	}
	if w != 10 {
		t.Fatalf("ShortestPath weight = %v, want 10", w)
	}
	if got := topo.Unreachable(); len(got) != 0 {
		t.Fatalf("Unreachable() = %v, want none", got)
	}

	last.SetBroken(true)
	if _, w := topo.ShortestPath(s.ID(), r.ID()); !math.IsInf(w, 1) {
		t.Fatalf("ShortestPath weight with link down = %v, want +Inf", w)
	}
	got := topo.Unreachable()
	if len(got) != 1 || got[0].Sender != s.ID() {
		t.Fatalf("Unreachable() = %v, want sender %d", got, s.ID())
	}
}

// An origin asked to avoid itself keeps its normal hop, and the log says
// why the constraint was dropped.
func TestNextHopRABANAvoidingSelf(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(logging.Config{Level: "warn", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	topo := NewTopology(timectrl.New(1, timectrl.WithLockstep(true)), log)
	n := lineOf(t, topo, 3, 1)

	if got := topo.NextHopRABANAvoiding(n[0].ID(), n[2].ID(), n[0].ID()); got != n[1].ID() {
		t.Fatalf("NextHopRABANAvoiding(A, C, A) = %d, want %d", got, n[1].ID())
	}
	out := buf.String()
	if !strings.Contains(out, "node cannot avoid itself") {
		t.Fatalf("log missing self-avoid record:\n%s", out)
	}
	if strings.Contains(out, "not in topology") {
		t.Fatalf("self-avoid reported as an unknown node:\n%s", out)
	}
}
