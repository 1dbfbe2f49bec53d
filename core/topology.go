package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manolodd/opensimmpls-sub003/events"
	"github.com/manolodd/opensimmpls-sub003/internal/ids"
	"github.com/manolodd/opensimmpls-sub003/internal/logging"
	"github.com/manolodd/opensimmpls-sub003/model"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

var (
	ErrNodeExists           = errors.New("node already exists")
	ErrNodeNotFound         = errors.New("node not found")
	ErrLinkExists           = errors.New("link already exists")
	ErrLinkNotFound         = errors.New("link not found")
	ErrNoFreePort           = errors.New("port already in use")
	ErrInvalidLink          = errors.New("invalid link")
	ErrInvalidNode          = errors.New("invalid node")
	ErrInconsistentTopology = errors.New("inconsistent topology")
)

// RoutingObserver is told how long each routing query took.
type RoutingObserver interface {
	ObserveRoutingQuery(policy string, d time.Duration)
}

// TopologyOption customises a Topology.
type TopologyOption func(*Topology)

// WithRABAN makes nodes route with the load-aware policy.
func WithRABAN(on bool) TopologyOption {
	return func(t *Topology) { t.raban.Store(on) }
}

// WithRoutingObserver attaches an observer of routing query latency.
func WithRoutingObserver(o RoutingObserver) TopologyOption {
	return func(t *Topology) { t.observer = o }
}

// WithEventIDs replaces the event identifier generator.
func WithEventIDs(gen *ids.EventIDs) TopologyOption {
	return func(t *Topology) {
		if gen != nil {
			t.eventIDs = gen
		}
	}
}

// Topology owns the nodes and links of one scenario, the clock driving
// them and the identifier generators they draw from. It answers next-hop
// queries under the plain and the RABAN policy.
//
// All access must go through its methods; it is safe for concurrent use.
type Topology struct {
	mu    sync.RWMutex
	nodes map[int]Node
	links map[int]*Link

	clock *timectrl.Clock
	log   logging.Logger

	eventIDs   *ids.EventIDs
	packetIDs  *ids.EventIDs
	elementIDs *ids.ElementIDs
	addresses  *ids.Addresses

	// One lock per routing policy: queries of the same policy serialise,
	// queries of different policies do not.
	plainMu sync.Mutex
	rabanMu sync.Mutex

	raban         atomic.Bool
	observer      RoutingObserver
	droppedEvents atomic.Uint64
}

// NewTopology creates an empty topology driven by clock. A nil clock gets
// a default one.
func NewTopology(clock *timectrl.Clock, log logging.Logger, opts ...TopologyOption) *Topology {
	if clock == nil {
		clock = timectrl.New(timectrl.DefaultTick)
	}
	if log == nil {
		log = logging.Noop()
	}
	t := &Topology{
		nodes:      make(map[int]Node),
		links:      make(map[int]*Link),
		clock:      clock,
		log:        log,
		eventIDs:   ids.NewEventIDs(),
		packetIDs:  ids.NewEventIDs(),
		elementIDs: ids.NewElementIDs(),
		addresses:  ids.NewAddresses(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Clock returns the clock driving the topology.
func (t *Topology) Clock() *timectrl.Clock { return t.clock }

// SetRABAN switches the policy nodes route with.
func (t *Topology) SetRABAN(on bool) { t.raban.Store(on) }

// RABAN reports whether nodes route with the load-aware policy.
func (t *Topology) RABAN() bool { return t.raban.Load() }

// DroppedEvents counts events that could not be emitted for lack of an
// identifier.
func (t *Topology) DroppedEvents() uint64 { return t.droppedEvents.Load() }

//
// ---------- Nodes ----------
//

// CreateNode builds a node of cfg.Kind and adds it. A zero ID or empty
// address is filled in from the topology's generators.
func (t *Topology) CreateNode(cfg model.NodeConfig) (Node, error) {
	if cfg.ID == 0 {
		id, err := t.elementIDs.Next()
		if err != nil {
			return nil, err
		}
		cfg.ID = id
	}
	if cfg.Address == "" {
		addr, err := t.addresses.Next()
		if err != nil {
			return nil, err
		}
		cfg.Address = addr
	}

	var n Node
	switch cfg.Kind {
	case model.NodeSender:
		n = newSender(cfg, t)
	case model.NodeReceiver:
		n = newReceiver(cfg, t)
	case model.NodeLER, model.NodeLSR, model.NodeActiveLER, model.NodeActiveLSR:
		n = newSwitch(cfg, t)
	default:
		return nil, fmt.Errorf("%w: unknown kind %v", ErrInvalidNode, cfg.Kind)
	}
	if err := t.AddNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// AddNode registers n, built for this topology, with the topology and the
// clock.
func (t *Topology) AddNode(n Node) error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidNode)
	}
	if n.base().topo != t {
		return fmt.Errorf("%w: node %d belongs to another topology", ErrInvalidNode, n.ID())
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := n.ID()
	if _, exists := t.nodes[id]; exists {
		return fmt.Errorf("%w: %d", ErrNodeExists, id)
	}
	if _, exists := t.links[id]; exists {
		return fmt.Errorf("%w: %d is a link ID", ErrNodeExists, id)
	}
	for _, other := range t.nodes {
		if other.Address() == n.Address() {
			return fmt.Errorf("%w: address %s already used by node %d", ErrInvalidNode, n.Address(), other.ID())
		}
	}

	t.elementIDs.Observe(id)
	t.addresses.Observe(n.Address())
	n.base().purge.Store(false)
	t.nodes[id] = n
	t.clock.AddListener(n)
	return nil
}

// RemoveNode removes the node and every link touching it. The clock drops
// them at its next purge.
func (t *Topology) RemoveNode(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	for lid, l := range t.links {
		if l.Touches(id) {
			t.removeLinkLocked(lid, l)
		}
	}
	delete(t.nodes, id)
	n.MarkForPurge()
	t.clock.RemoveListener(id)
	return nil
}

// NodeByID returns the node, or nil.
func (t *Topology) NodeByID(id int) Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[id]
}

// NodeByAddress returns the node with the given address, or nil.
func (t *Topology) NodeByAddress(addr string) Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.nodes {
		if n.Address() == addr {
			return n
		}
	}
	return nil
}

// FirstNodeByName returns the lowest-ID node with the given name, or nil.
// Names are not unique; see MoreThanOneNodeNamed.
func (t *Topology) FirstNodeByName(name string) Node {
	for _, n := range t.Nodes() {
		if n.Name() == name {
			return n
		}
	}
	return nil
}

// MoreThanOneNodeNamed reports whether a name lookup would be ambiguous.
func (t *Topology) MoreThanOneNodeNamed(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := 0
	for _, n := range t.nodes {
		if n.Name() == name {
			seen++
		}
	}
	return seen > 1
}

// resolveTarget finds a node by address, falling back to its name.
func (t *Topology) resolveTarget(ref string) Node {
	if ref == "" {
		return nil
	}
	if n := t.NodeByAddress(ref); n != nil {
		return n
	}
	return t.FirstNodeByName(ref)
}

// Nodes returns every node ordered by ID.
func (t *Topology) Nodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedNodesLocked()
}

func (t *Topology) sortedNodesLocked() []Node {
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// NodeCount returns the number of nodes.
func (t *Topology) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

//
// ---------- Links ----------
//

// CreateLink builds a link between two nodes already in the topology and
// attaches it to their ports. A zero ID is filled in from the generator.
func (t *Topology) CreateLink(cfg model.LinkConfig) (*Link, error) {
	if cfg.ID == 0 {
		id, err := t.elementIDs.Next()
		if err != nil {
			return nil, err
		}
		cfg.ID = id
	}
	if cfg.End1 == cfg.End2 {
		return nil, fmt.Errorf("%w: both ends are node %d", ErrInvalidLink, cfg.End1)
	}
	end1 := t.NodeByID(cfg.End1)
	if end1 == nil {
		return nil, fmt.Errorf("%w: end1 %d", ErrNodeNotFound, cfg.End1)
	}
	end2 := t.NodeByID(cfg.End2)
	if end2 == nil {
		return nil, fmt.Errorf("%w: end2 %d", ErrNodeNotFound, cfg.End2)
	}
	l := newLink(cfg, end1, end2, t.eventIDs, &t.droppedEvents, t.log)
	if err := t.AddLink(l); err != nil {
		return nil, err
	}
	return l, nil
}

// AddLink registers l and attaches it to the ports of its end nodes.
func (t *Topology) AddLink(l *Link) error {
	if l == nil {
		return fmt.Errorf("%w: nil link", ErrInvalidLink)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := l.ID()
	if _, exists := t.links[id]; exists {
		return fmt.Errorf("%w: %d", ErrLinkExists, id)
	}
	if _, exists := t.nodes[id]; exists {
		return fmt.Errorf("%w: %d is a node ID", ErrLinkExists, id)
	}
	if t.nodes[l.end1.ID()] != l.end1 {
		return fmt.Errorf("%w: end1 %d", ErrNodeNotFound, l.end1.ID())
	}
	if t.nodes[l.end2.ID()] != l.end2 {
		return fmt.Errorf("%w: end2 %d", ErrNodeNotFound, l.end2.ID())
	}

	if err := l.end1.Ports().connect(l.end1Port, l); err != nil {
		return fmt.Errorf("link %d end1: %w", id, err)
	}
	if err := l.end2.Ports().connect(l.end2Port, l); err != nil {
		l.end1.Ports().disconnect(l)
		return fmt.Errorf("link %d end2: %w", id, err)
	}

	t.elementIDs.Observe(id)
	l.purge.Store(false)
	t.links[id] = l
	t.clock.AddListener(l)
	return nil
}

// RemoveLink detaches the link from both ports and removes it.
func (t *Topology) RemoveLink(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.links[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrLinkNotFound, id)
	}
	t.removeLinkLocked(id, l)
	return nil
}

func (t *Topology) removeLinkLocked(id int, l *Link) {
	l.end1.Ports().disconnect(l)
	l.end2.Ports().disconnect(l)
	delete(t.links, id)
	l.MarkForPurge()
	t.clock.RemoveListener(id)
}

// LinkByID returns the link, or nil.
func (t *Topology) LinkByID(id int) *Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.links[id]
}

// LinkBetween returns the lowest-ID link joining nodes a and b, or nil.
func (t *Topology) LinkBetween(a, b int) *Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *Link
	for _, l := range t.links {
		if l.Touches(a) && l.Touches(b) && a != b {
			if best == nil || l.ID() < best.ID() {
				best = l
			}
		}
	}
	return best
}

// Links returns every link ordered by ID.
func (t *Topology) Links() []*Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedLinksLocked()
}

func (t *Topology) sortedLinksLocked() []*Link {
	out := make([]*Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

//
// ---------- Lifecycle ----------
//

// Reset returns every node, link and the clock to their initial state
// without touching the structure. Event and packet numbering restarts.
func (t *Topology) Reset() {
	t.mu.RLock()
	nodes := t.sortedNodesLocked()
	links := t.sortedLinksLocked()
	t.mu.RUnlock()

	for _, l := range links {
		l.Reset()
	}
	for _, n := range nodes {
		n.Reset()
	}
	t.clock.Reset()
	t.eventIDs.Reset()
	t.packetIDs.Reset()
	t.droppedEvents.Store(0)
}

// Subscribe attaches c to every node and link. On failure the elements
// subscribed so far are detached again.
func (t *Topology) Subscribe(c events.Collector) error {
	t.mu.RLock()
	emitters := t.emittersLocked()
	t.mu.RUnlock()

	for i, e := range emitters {
		if err := e.Subscribe(c); err != nil {
			for _, done := range emitters[:i] {
				done.Unsubscribe()
			}
			return err
		}
	}
	return nil
}

// Unsubscribe detaches the collector of every node and link.
func (t *Topology) Unsubscribe() {
	t.mu.RLock()
	emitters := t.emittersLocked()
	t.mu.RUnlock()
	for _, e := range emitters {
		e.Unsubscribe()
	}
}

func (t *Topology) emittersLocked() []*events.Emitter {
	out := make([]*events.Emitter, 0, len(t.nodes)+len(t.links))
	for _, n := range t.sortedNodesLocked() {
		out = append(out, n.Events())
	}
	for _, l := range t.sortedLinksLocked() {
		out = append(out, l.Events())
	}
	return out
}

func (t *Topology) observe(policy string, start time.Time) {
	if t.observer != nil {
		t.observer.ObserveRoutingQuery(policy, time.Since(start))
	}
}

func (t *Topology) logInconsistency(err error) {
	t.log.Error(context.Background(), "routing query failed", logging.Err(err))
}
