// Package events carries the simulation event stream: the typed records
// nodes and links emit while the simulation runs, and the plumbing that
// funnels them to a single external collector.
package events

import (
	"errors"
	"fmt"
	"sync"

	"github.com/manolodd/opensimmpls-sub003/model"
)

// ErrSingleSubscriber is returned when a second collector tries to
// subscribe to an element that already has one.
var ErrSingleSubscriber = errors.New("element already has an event subscriber")

// Kind indicates what happened.
type Kind int

const (
	PacketGenerated Kind = iota
	PacketSent
	PacketReceived
	PacketOnFly
	PacketDiscarded
	PacketRouted
	LinkBroken
	LinkRecovered
	LSPEstablished
	LSPNotEstablished
	NodeCongested
)

var kindNames = [...]string{
	PacketGenerated:   "packet_generated",
	PacketSent:        "packet_sent",
	PacketReceived:    "packet_received",
	PacketOnFly:       "packet_on_fly",
	PacketDiscarded:   "packet_discarded",
	PacketRouted:      "packet_routed",
	LinkBroken:        "link_broken",
	LinkRecovered:     "link_recovered",
	LSPEstablished:    "lsp_established",
	LSPNotEstablished: "lsp_not_established",
	NodeCongested:     "node_congested",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// SourceKind distinguishes node sources from link sources.
type SourceKind int

const (
	SourceNode SourceKind = iota
	SourceLink
)

func (k SourceKind) String() string {
	if k == SourceLink {
		return "link"
	}
	return "node"
}

// Source identifies the element an event came from.
type Source struct {
	Kind SourceKind
	ID   int
	Name string
}

// Event is an immutable record of something that happened during a tic.
// Only the fields relevant to Kind are set.
type Event struct {
	Source  Source
	ID      uint64
	Instant uint64 // simulated time, ns
	Kind    Kind

	Packet     model.Packet // packet events
	Percentage float64      // PacketOnFly: percent transited
	Congestion float64      // NodeCongested: buffer occupancy percent
	Port       int          // port the packet entered or left by
	LinkID     int          // LSP events: link carrying the LSP
	Backup     bool         // LSP events: backup rather than primary LSP
}

// Collector consumes events. Implementations must be safe for concurrent use.
type Collector interface {
	Collect(Event)
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(Event)

func (f CollectorFunc) Collect(ev Event) { f(ev) }

// IDSource hands out event identifiers.
type IDSource interface {
	Next() (uint64, error)
}

// Emitter is owned by one element and forwards its events to at most one
// collector.
type Emitter struct {
	mu        sync.RWMutex
	source    Source
	ids       IDSource
	collector Collector
}

// NewEmitter creates an emitter for src drawing identifiers from ids.
func NewEmitter(src Source, ids IDSource) *Emitter {
	return &Emitter{source: src, ids: ids}
}

// Source returns the identity stamped on emitted events.
func (e *Emitter) Source() Source {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.source
}

// Rename updates the display name stamped on subsequent events.
func (e *Emitter) Rename(name string) {
	e.mu.Lock()
	e.source.Name = name
	e.mu.Unlock()
}

// Subscribe attaches c. A second subscription fails with
// ErrSingleSubscriber and leaves the existing one in place.
func (e *Emitter) Subscribe(c Collector) error {
	if c == nil {
		return errors.New("nil collector")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.collector != nil {
		return fmt.Errorf("%w: %s %d", ErrSingleSubscriber, e.source.Kind, e.source.ID)
	}
	e.collector = c
	return nil
}

// Unsubscribe detaches the current collector, if any.
func (e *Emitter) Unsubscribe() {
	e.mu.Lock()
	e.collector = nil
	e.mu.Unlock()
}

// Subscribed reports whether a collector is attached.
func (e *Emitter) Subscribed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collector != nil
}

// Emit stamps ev with the emitter's source and a fresh identifier and hands
// it to the collector. Without a collector the event is dropped. If no
// identifier can be obtained the event is skipped and the error returned.
func (e *Emitter) Emit(ev Event) error {
	e.mu.RLock()
	c := e.collector
	src := e.source
	e.mu.RUnlock()
	if c == nil {
		return nil
	}
	id, err := e.ids.Next()
	if err != nil {
		return err
	}
	ev.Source = src
	ev.ID = id
	c.Collect(ev)
	return nil
}
