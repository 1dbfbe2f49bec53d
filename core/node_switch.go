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

// Defaults for switching nodes whose configuration leaves them unset.
const (
	DefaultSwitchPorts   = 8
	DefaultSwitchingMbps = 1000
	DefaultBufferMB      = 1
)

// lspKey identifies one LSP segment a switch has set up: a flow over an
// outgoing link.
type lspKey struct {
	source, destination string
	link                int
	backup              bool
}

// Switch is a label switching node: an LER at the edge of the MPLS domain
// or an LSR inside it, optionally "active" (draining by GoS priority).
//
// Each tic it switches buffered packets until its switching budget runs
// out, routing each one with the topology's current policy.
type Switch struct {
	nodeBase

	// guarded by runMu
	availableNs uint64

	tableMu sync.Mutex
	table   map[lspKey]uint64 // link generation the LSP was set up in
	entries atomic.Int64

	congestionBucket atomic.Int64
}

func newSwitch(cfg model.NodeConfig, topo *Topology) *Switch {
	if cfg.Ports <= 0 {
		cfg.Ports = DefaultSwitchPorts
	}
	if cfg.SwitchingMbps <= 0 {
		cfg.SwitchingMbps = DefaultSwitchingMbps
	}
	if cfg.BufferMB <= 0 {
		cfg.BufferMB = DefaultBufferMB
	}
	return &Switch{
		nodeBase: newNodeBase(cfg, topo, NewPortSet(cfg.Ports, cfg.BufferMB*1024*1024)),
		table:    make(map[lspKey]uint64),
	}
}

func (s *Switch) ReceiveTick(t timectrl.Tick) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.now.Store(t.UpperBound)
	s.availableNs += t.Duration
	s.run()
}

func (s *Switch) run() {
	rate := s.cfg.SwitchingMbps
	fits := func(p *model.Packet) bool {
		return NsRequired(p.Size(), rate) <= s.availableNs
	}
	for {
		p, inPort, ok := s.ports.Dequeue(fits, s.cfg.Kind.Active())
		if !ok {
			break
		}
		s.availableNs -= NsRequired(p.Size(), rate)
		s.forward(p, inPort)
	}
	// Idle switching capacity is not saved for later tics.
	if n, _ := s.ports.Buffered(); n == 0 {
		s.availableNs = 0
	}
	s.updateCongestion()
}

func (s *Switch) forward(p *model.Packet, inPort int) {
	target := s.topo.NodeByAddress(p.Destination)
	if target == nil {
		s.discard(p, inPort)
		return
	}
	hop := s.topo.route(s.ID(), target.ID())
	if hop == NoPath {
		s.discard(p, inPort)
		return
	}
	outPort, link := s.ports.PortTo(hop)
	if link == nil || link.Broken() {
		s.discard(p, inPort)
		return
	}

	if s.cfg.Kind.Edge() {
		in := s.ports.Link(inPort)
		switch {
		case link.Kind() == model.LinkInternal && (in == nil || in.Kind() == model.LinkExternal):
			p.PushLabel()
		case link.Kind() == model.LinkExternal && in != nil && in.Kind() == model.LinkInternal:
			p.PopLabel()
		}
	}
	if link.Kind() == model.LinkInternal {
		s.ensureLSP(p, link, target, hop)
	}

	s.routed.Add(1)
	s.emitPacket(events.PacketRouted, p, outPort)
	s.sent.Add(1)
	s.emitPacket(events.PacketSent, p, outPort)
	link.CarryPacket(p, link.DestinationEndFrom(s.ID()))
}

// ensureLSP sets up the LSP segment for p's flow over link the first time
// the flow is seen, or again after the link lost its LSPs. Packets asking
// for a backup LSP also get one over a different first hop, if any.
func (s *Switch) ensureLSP(p *model.Packet, link *Link, target Node, hop int) {
	key := lspKey{source: p.Source, destination: p.Destination, link: link.ID()}
	if s.recordLSP(key, link) {
		s.emit(events.Event{Kind: events.LSPEstablished, Packet: *p, LinkID: link.ID()})
	}
	if !p.BackupLSP {
		return
	}

	backupHop := s.topo.NextHopRABANAvoiding(s.ID(), target.ID(), hop)
	var backupLink *Link
	if backupHop != NoPath && backupHop != hop {
		_, backupLink = s.ports.PortTo(backupHop)
	}
	if backupLink == nil || backupLink.Kind() != model.LinkInternal || backupLink.Broken() {
		s.log.Debug(context.Background(), "no backup LSP available",
			logging.String("destination", p.Destination),
			logging.Int("primary_hop", hop),
		)
		s.emit(events.Event{Kind: events.LSPNotEstablished, Packet: *p, LinkID: link.ID(), Backup: true})
		return
	}
	bkey := lspKey{source: p.Source, destination: p.Destination, link: backupLink.ID(), backup: true}
	if s.recordLSP(bkey, backupLink) {
		s.emit(events.Event{Kind: events.LSPEstablished, Packet: *p, LinkID: backupLink.ID(), Backup: true})
	}
}

// recordLSP adds the LSP to the switching table and to the link's
// counters unless it is already there for the link's current generation.
func (s *Switch) recordLSP(key lspKey, link *Link) bool {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	if gen, ok := s.table[key]; ok && gen == link.Generation() {
		return false
	}
	gen, ok := link.addLSP(key.backup)
	if !ok {
		return false
	}
	if _, existed := s.table[key]; !existed {
		s.entries.Add(1)
	}
	s.table[key] = gen
	return true
}

// SwitchingTableEntries returns the number of LSP segments set up here.
func (s *Switch) SwitchingTableEntries() int { return int(s.entries.Load()) }

// Congestion returns buffer occupancy as a percentage.
func (s *Switch) Congestion() float64 { return s.ports.Congestion() }

// updateCongestion emits NodeCongested whenever occupancy moves to a
// different 10% band.
func (s *Switch) updateCongestion() {
	c := s.ports.Congestion()
	bucket := int64(c / 10)
	if old := s.congestionBucket.Swap(bucket); old != bucket {
		s.emit(events.Event{Kind: events.NodeCongested, Congestion: c})
	}
}

func (s *Switch) AcceptPacket(p *model.Packet, port int) {
	if !s.ports.Enqueue(p, port) {
		s.discard(p, port)
	}
	s.updateCongestion()
}

// RoutingWeight grows with buffer occupancy and with the number of LSPs
// the node already carries.
func (s *Switch) RoutingWeight() float64 {
	return 0.7*s.ports.Congestion() + 0.3*float64(s.entries.Load())
}

func (s *Switch) Validate(t *Topology, reconfiguring bool) model.ValidationCode {
	if code := s.validateName(t, reconfiguring); !code.OK() {
		return code
	}
	if s.cfg.Ports < 1 {
		return model.InvalidPortCount
	}
	if s.cfg.SwitchingMbps <= 0 {
		return model.InvalidRate
	}
	return model.Valid
}

func (s *Switch) Reset() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.resetBase()
	s.availableNs = 0
	s.congestionBucket.Store(0)
	s.tableMu.Lock()
	clear(s.table)
	s.tableMu.Unlock()
	s.entries.Store(0)
}
