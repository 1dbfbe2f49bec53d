package core

import (
	"context"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/manolodd/opensimmpls-sub003/events"
	"github.com/manolodd/opensimmpls-sub003/internal/logging"
	"github.com/manolodd/opensimmpls-sub003/model"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

// Node is a network element driven by the clock. The set of
// implementations is closed: Sender, Receiver and Switch.
type Node interface {
	timectrl.Listener

	ID() int
	Name() string
	Address() string
	Kind() model.NodeKind
	Position() model.Position
	Config() model.NodeConfig
	Ports() *PortSet

	// AcceptPacket is called by a link delivering p on port.
	AcceptPacket(p *model.Packet, port int)
	// RoutingWeight feeds the load-aware link weight.
	RoutingWeight() float64
	// Validate checks the node's configuration against t. With
	// reconfiguring set the node is already part of t.
	Validate(t *Topology, reconfiguring bool) model.ValidationCode
	Reset()
	Stats() NodeStats
	Events() *events.Emitter
	MarkForPurge()
	MarkedForPurge() bool

	base() *nodeBase
}

// NodeStats are the per-node packet counters.
type NodeStats struct {
	Generated uint64 `json:"generated" yaml:"generated"`
	Sent      uint64 `json:"sent" yaml:"sent"`
	Received  uint64 `json:"received" yaml:"received"`
	Discarded uint64 `json:"discarded" yaml:"discarded"`
	Routed    uint64 `json:"routed" yaml:"routed"`
}

// nodeBase holds what every variant shares. Variants embed it.
type nodeBase struct {
	cfg   model.NodeConfig
	topo  *Topology
	ports *PortSet

	emitter *events.Emitter
	log     logging.Logger
	purge   atomic.Bool

	// runMu serialises the node's own tic reactions; a slow tic n and the
	// following tic n+1 never interleave inside one node.
	runMu sync.Mutex
	now   atomic.Uint64

	generated atomic.Uint64
	sent      atomic.Uint64
	received  atomic.Uint64
	discarded atomic.Uint64
	routed    atomic.Uint64
}

func newNodeBase(cfg model.NodeConfig, topo *Topology, ports *PortSet) nodeBase {
	return nodeBase{
		cfg:   cfg,
		topo:  topo,
		ports: ports,
		emitter: events.NewEmitter(events.Source{
			Kind: events.SourceNode,
			ID:   cfg.ID,
			Name: cfg.Name,
		}, topo.eventIDs),
		log: logging.ForElement(topo.log, cfg.Kind.String(), cfg.ID, cfg.Name),
	}
}

func (n *nodeBase) ID() int                  { return n.cfg.ID }
func (n *nodeBase) ListenerID() int          { return n.cfg.ID }
func (n *nodeBase) Name() string             { return n.cfg.Name }
func (n *nodeBase) Address() string          { return n.cfg.Address }
func (n *nodeBase) Kind() model.NodeKind     { return n.cfg.Kind }
func (n *nodeBase) Position() model.Position { return n.cfg.Position }
func (n *nodeBase) Config() model.NodeConfig { return n.cfg }
func (n *nodeBase) Ports() *PortSet          { return n.ports }
func (n *nodeBase) Events() *events.Emitter  { return n.emitter }
func (n *nodeBase) MarkForPurge()            { n.purge.Store(true) }
func (n *nodeBase) MarkedForPurge() bool     { return n.purge.Load() }
func (n *nodeBase) base() *nodeBase          { return n }

func (n *nodeBase) Stats() NodeStats {
	return NodeStats{
		Generated: n.generated.Load(),
		Sent:      n.sent.Load(),
		Received:  n.received.Load(),
		Discarded: n.discarded.Load(),
		Routed:    n.routed.Load(),
	}
}

func (n *nodeBase) resetBase() {
	n.ports.Reset()
	n.now.Store(0)
	n.generated.Store(0)
	n.sent.Store(0)
	n.received.Store(0)
	n.discarded.Store(0)
	n.routed.Store(0)
}

func (n *nodeBase) emit(ev events.Event) {
	ev.Instant = n.now.Load()
	if err := n.emitter.Emit(ev); err != nil {
		n.topo.droppedEvents.Add(1)
		n.log.Warn(context.Background(), "event dropped",
			logging.String("kind", ev.Kind.String()),
			logging.Err(err),
		)
	}
}

func (n *nodeBase) emitPacket(kind events.Kind, p *model.Packet, port int) {
	n.emit(events.Event{Kind: kind, Packet: *p, Port: port})
}

// discard counts p as lost at this node and reports it.
func (n *nodeBase) discard(p *model.Packet, port int) {
	n.discarded.Add(1)
	n.emitPacket(events.PacketDiscarded, p, port)
}

// validateName applies the naming rules shared by every variant.
func (n *nodeBase) validateName(t *Topology, reconfiguring bool) model.ValidationCode {
	return validateNodeName(t, n.cfg.Name, n.cfg.ID, reconfiguring)
}

//
// ---------- Transmission budget ----------
//

const bitsPerMegabit = 1 << 20

// NsPerBit returns how many nanoseconds one bit takes at rateMbps.
func NsPerBit(rateMbps int) float64 {
	if rateMbps <= 0 {
		return 0
	}
	return 1e9 / (float64(rateMbps) * bitsPerMegabit)
}

// MaxOctets returns floor(floor(ns / nsPerBit) / 8): the whole octets that
// fit in ns at rateMbps. The arithmetic is exact.
func MaxOctets(ns uint64, rateMbps int) int {
	if rateMbps <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(ns, uint64(rateMbps)*bitsPerMegabit)
	if hi >= 1e9 {
		return int(^uint(0) >> 1)
	}
	maxBits, _ := bits.Div64(hi, lo, 1e9)
	return int(maxBits / 8)
}

// NsRequired returns the nanoseconds, rounded up, needed to transmit
// octets at rateMbps.
func NsRequired(octets int, rateMbps int) uint64 {
	if rateMbps <= 0 || octets <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(octets)*8, 1e9)
	q, r := bits.Div64(hi, lo, uint64(rateMbps)*bitsPerMegabit)
	if r > 0 {
		q++
	}
	return q
}
