package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/manolodd/opensimmpls-sub003/events"
	"github.com/manolodd/opensimmpls-sub003/internal/logging"
	"github.com/manolodd/opensimmpls-sub003/model"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

// End names one of the two endpoints of a link.
type End int

const (
	End1 End = 1
	End2 End = 2
)

// Other returns the opposite end.
func (e End) Other() End {
	if e == End1 {
		return End2
	}
	return End1
}

func (e End) String() string {
	if e == End1 {
		return "end1"
	}
	return "end2"
}

// transitEntry is one packet in flight on a link.
type transitEntry struct {
	packet    *model.Packet
	dest      End
	remaining uint64 // ns
	total     uint64 // ns
}

// Link is a point-to-point wire between two node ports. Packets handed to
// it stay in a transit buffer for the configured delay, are moved to an
// arrived buffer once their wait reaches zero, and are then delivered to
// the destination node.
//
// The transit and arrived buffers have separate locks and are never held
// together.
type Link struct {
	id       int
	kind     model.LinkKind
	name     string
	end1     Node
	end2     Node
	end1Port int
	end2Port int
	delay    atomic.Uint64

	broken     atomic.Bool
	lsps       atomic.Int64
	backupLSPs atomic.Int64
	generation atomic.Uint64 // bumped whenever LSP counters are cleared
	purge      atomic.Bool

	transitMu sync.Mutex
	transit   []transitEntry

	arrivedMu sync.Mutex
	arrived   []transitEntry

	runMu sync.Mutex
	now   atomic.Uint64

	emitter *events.Emitter
	dropped *atomic.Uint64 // owned by the topology
	log     logging.Logger
}

func newLink(cfg model.LinkConfig, end1, end2 Node, ids events.IDSource, dropped *atomic.Uint64, log logging.Logger) *Link {
	l := &Link{
		id:       cfg.ID,
		kind:     cfg.Kind,
		name:     cfg.Name,
		end1:     end1,
		end2:     end2,
		end1Port: cfg.End1Port,
		end2Port: cfg.End2Port,
		emitter: events.NewEmitter(events.Source{
			Kind: events.SourceLink,
			ID:   cfg.ID,
			Name: cfg.Name,
		}, ids),
		dropped: dropped,
		log:     logging.ForElement(log, "link", cfg.ID, cfg.Name),
	}
	l.SetDelay(cfg.DelayNs)
	return l
}

func (l *Link) ID() int                 { return l.id }
func (l *Link) ListenerID() int         { return l.id }
func (l *Link) Name() string            { return l.name }
func (l *Link) Kind() model.LinkKind    { return l.kind }
func (l *Link) End1() Node              { return l.end1 }
func (l *Link) End2() Node              { return l.end2 }
func (l *Link) End1Port() int           { return l.end1Port }
func (l *Link) End2Port() int           { return l.end2Port }
func (l *Link) Events() *events.Emitter { return l.emitter }

// Config returns the link's configuration as it stands now.
func (l *Link) Config() model.LinkConfig {
	return model.LinkConfig{
		ID:       l.id,
		Kind:     l.kind,
		Name:     l.name,
		End1:     l.end1.ID(),
		End1Port: l.end1Port,
		End2:     l.end2.ID(),
		End2Port: l.end2Port,
		DelayNs:  l.Delay(),
	}
}

// Delay returns the configured transit delay in ns.
func (l *Link) Delay() uint64 { return l.delay.Load() }

// SetDelay changes the transit delay; values below 1 are clamped to 1.
// Packets already in flight keep their original wait.
func (l *Link) SetDelay(ns uint64) {
	if ns < 1 {
		ns = 1
	}
	l.delay.Store(ns)
}

// Broken reports whether the link is down.
func (l *Link) Broken() bool { return l.broken.Load() }

// Touches reports whether the node with the given ID is an endpoint.
func (l *Link) Touches(nodeID int) bool {
	return l.end1.ID() == nodeID || l.end2.ID() == nodeID
}

// Endpoint returns the node and port at e.
func (l *Link) Endpoint(e End) (Node, int) {
	if e == End1 {
		return l.end1, l.end1Port
	}
	return l.end2, l.end2Port
}

// DestinationEndFrom returns the end a packet sent by nodeID travels to.
func (l *Link) DestinationEndFrom(nodeID int) End {
	if l.end1.ID() == nodeID {
		return End2
	}
	return End1
}

// OtherEnd returns the node at the far side from nodeID.
func (l *Link) OtherEnd(nodeID int) Node {
	if l.end1.ID() == nodeID {
		return l.end2
	}
	return l.end1
}

// CarryPacket puts p in flight towards dest. A broken link refuses the
// packet: it is discarded on behalf of the sending end and false returned.
func (l *Link) CarryPacket(p *model.Packet, dest End) bool {
	if l.broken.Load() {
		from, port := l.Endpoint(dest.Other())
		from.base().discard(p, port)
		return false
	}
	d := l.delay.Load()
	l.transitMu.Lock()
	l.transit = append(l.transit, transitEntry{packet: p, dest: dest, remaining: d, total: d})
	l.transitMu.Unlock()
	return true
}

// InTransit returns the number of packets in the transit buffer.
func (l *Link) InTransit() int {
	l.transitMu.Lock()
	defer l.transitMu.Unlock()
	return len(l.transit)
}

// ReceiveTick records the tic and runs the link's three phases: advance
// in-flight packets, collect arrivals, deliver them.
func (l *Link) ReceiveTick(t timectrl.Tick) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	l.now.Store(t.UpperBound)
	l.advance(t.Duration)
	l.collectArrivals()
	l.deliver()
}

func (l *Link) advance(tick uint64) {
	type onFly struct {
		packet model.Packet
		pct    float64
	}
	l.transitMu.Lock()
	observed := make([]onFly, 0, len(l.transit))
	for i := range l.transit {
		e := &l.transit[i]
		if e.remaining > tick {
			e.remaining -= tick
		} else {
			e.remaining = 0
		}
		observed = append(observed, onFly{packet: *e.packet, pct: transitedPercent(e)})
	}
	l.transitMu.Unlock()

	for _, o := range observed {
		l.emit(events.Event{Kind: events.PacketOnFly, Packet: o.packet, Percentage: o.pct})
	}
}

// transitedPercent is how far along the wire the packet is, seen from end 1.
func transitedPercent(e *transitEntry) float64 {
	pct := float64(e.total-e.remaining) * 100 / float64(e.total)
	if e.dest == End1 {
		pct = 100 - pct
	}
	return pct
}

func (l *Link) collectArrivals() {
	l.transitMu.Lock()
	var done []transitEntry
	kept := l.transit[:0]
	for _, e := range l.transit {
		if e.remaining == 0 {
			done = append(done, e)
		} else {
			kept = append(kept, e)
		}
	}
	clear(l.transit[len(kept):])
	l.transit = kept
	l.transitMu.Unlock()

	if len(done) == 0 {
		return
	}
	l.arrivedMu.Lock()
	l.arrived = append(l.arrived, done...)
	l.arrivedMu.Unlock()
}

func (l *Link) deliver() {
	l.arrivedMu.Lock()
	arrived := l.arrived
	l.arrived = nil
	l.arrivedMu.Unlock()

	for _, e := range arrived {
		node, port := l.Endpoint(e.dest)
		node.AcceptPacket(e.packet, port)
	}
}

// SetBroken changes the link state. Breaking clears LSP bookkeeping,
// emits LinkBroken and discards every packet in flight, each on behalf of
// the end it was travelling away from. Recovering emits LinkRecovered;
// lost traffic is not restored. Setting the current state is a no-op.
func (l *Link) SetBroken(broken bool) {
	if !l.broken.CompareAndSwap(!broken, broken) {
		return
	}
	if !broken {
		l.log.Info(context.Background(), "link recovered")
		l.emit(events.Event{Kind: events.LinkRecovered})
		return
	}

	l.clearLSPs()
	l.emit(events.Event{Kind: events.LinkBroken})

	l.transitMu.Lock()
	lost := l.transit
	l.transit = nil
	l.transitMu.Unlock()

	l.log.Info(context.Background(), "link broken", logging.Int("discarded", len(lost)))
	for _, e := range lost {
		from, port := l.Endpoint(e.dest.Other())
		from.base().discard(e.packet, port)
	}
}

// Reset empties both buffers, clears LSP bookkeeping and brings the link
// up without emitting events.
func (l *Link) Reset() {
	l.transitMu.Lock()
	l.transit = nil
	l.transitMu.Unlock()
	l.arrivedMu.Lock()
	l.arrived = nil
	l.arrivedMu.Unlock()
	l.clearLSPs()
	l.broken.Store(false)
	l.now.Store(0)
}

func (l *Link) clearLSPs() {
	l.lsps.Store(0)
	l.backupLSPs.Store(0)
	l.generation.Add(1)
}

// LSPs returns the primary and backup LSP counts. External links always
// report zero.
func (l *Link) LSPs() (primary, backup int) {
	return int(l.lsps.Load()), int(l.backupLSPs.Load())
}

// addLSP records one more LSP over an internal link and returns the
// generation it belongs to.
func (l *Link) addLSP(backup bool) (uint64, bool) {
	if l.kind != model.LinkInternal || l.broken.Load() {
		return 0, false
	}
	if backup {
		l.backupLSPs.Add(1)
	} else {
		l.lsps.Add(1)
	}
	return l.generation.Load(), true
}

// Generation changes every time the link's LSP counters are cleared.
func (l *Link) Generation() uint64 { return l.generation.Load() }

// Weight is the plain routing weight: the delay.
func (l *Link) Weight() float64 { return float64(l.delay.Load()) }

// RABANWeight is the load-aware routing weight. For internal links it
// blends the delay with the endpoints' routing weights, the LSPs already
// over the link and the packets in flight.
func (l *Link) RABANWeight() float64 {
	d := float64(l.delay.Load())
	if l.kind != model.LinkInternal {
		return d
	}
	w1 := l.end1.RoutingWeight()
	w2 := l.end2.RoutingWeight()
	lsps := float64(l.lsps.Load())
	backup := float64(l.backupLSPs.Load())
	buffered := float64(l.InTransit())
	return 0.5*d + 0.5*(0.10*d*w1+0.10*d*w2+0.05*d*lsps+0.05*d*backup+0.10*d*buffered)
}

// MarkForPurge flags the link as removed from its topology.
func (l *Link) MarkForPurge()        { l.purge.Store(true) }
func (l *Link) MarkedForPurge() bool { return l.purge.Load() }

func (l *Link) emit(ev events.Event) {
	ev.Instant = l.now.Load()
	if err := l.emitter.Emit(ev); err != nil {
		if l.dropped != nil {
			l.dropped.Add(1)
		}
		l.log.Warn(context.Background(), "event dropped", logging.String("kind", ev.Kind.String()), logging.Err(err))
	}
}
