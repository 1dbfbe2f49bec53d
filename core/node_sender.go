package core

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/iti/rngstream"

	"github.com/manolodd/opensimmpls-sub003/events"
	"github.com/manolodd/opensimmpls-sub003/internal/logging"
	"github.com/manolodd/opensimmpls-sub003/model"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

// Sender generates traffic towards one receiver at a configured rate.
// Every tic adds the tic length to its transmission budget; packets are
// generated while the next one fits in the budget.
type Sender struct {
	nodeBase

	rng *rngstream.RngStream

	// guarded by runMu
	availableNs uint64
	pending     int // payload of the next packet; -1 when none drawn yet

	stepsWithoutEmitting atomic.Uint64
}

func newSender(cfg model.NodeConfig, topo *Topology) *Sender {
	cfg.Ports = 1
	s := &Sender{
		nodeBase: newNodeBase(cfg, topo, NewPortSet(1, 0)),
		rng:      rngstream.New(cfg.Name),
		pending:  -1,
	}
	return s
}

// StepsWithoutEmitting is the number of consecutive tics in which the
// sender transmitted nothing.
func (s *Sender) StepsWithoutEmitting() uint64 { return s.stepsWithoutEmitting.Load() }

// AvailableNs returns the transmission budget carried into the next tic.
func (s *Sender) AvailableNs() uint64 {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.availableNs
}

func (s *Sender) ReceiveTick(t timectrl.Tick) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.now.Store(t.UpperBound)
	s.availableNs += t.Duration
	s.run()
}

func (s *Sender) run() {
	target := s.topo.resolveTarget(s.cfg.Destination)
	destAddr := s.cfg.Destination
	if target != nil {
		destAddr = target.Address()
	}

	emitted := false
	for {
		if s.pending < 0 {
			s.pending = s.nextPayload()
		}
		p := s.newPacket(destAddr, s.pending)
		need := NsRequired(p.Size(), s.cfg.RateMbps)
		if need == 0 || need > s.availableNs {
			break
		}
		s.availableNs -= need
		s.pending = -1
		emitted = true
		s.transmit(p, target)
	}

	if emitted {
		s.stepsWithoutEmitting.Store(0)
	} else {
		s.stepsWithoutEmitting.Add(1)
	}
}

func (s *Sender) newPacket(dest string, payload int) *model.Packet {
	p := &model.Packet{
		Type:        model.PacketIPv4,
		Source:      s.cfg.Address,
		Destination: dest,
		Payload:     payload,
		GoS:         s.cfg.GoS,
		BackupLSP:   s.cfg.BackupLSP,
		Created:     s.now.Load(),
	}
	if p.GoS != model.GoSNone || p.BackupLSP {
		p.PushLabel()
	}
	return p
}

// transmit reports p as generated and sent, then hands it to the link
// towards the next hop or discards it.
func (s *Sender) transmit(p *model.Packet, target Node) {
	id, err := s.topo.packetIDs.Next()
	if err != nil {
		s.log.Warn(context.Background(), "packet identifiers exhausted", logging.Err(err))
	}
	p.ID = id

	s.generated.Add(1)
	s.emitPacket(events.PacketGenerated, p, 0)
	s.sent.Add(1)
	s.emitPacket(events.PacketSent, p, 0)

	if target == nil {
		s.discard(p, 0)
		return
	}
	hop := s.topo.route(s.ID(), target.ID())
	if hop == NoPath {
		s.discard(p, 0)
		return
	}
	port, link := s.ports.PortTo(hop)
	if link == nil || link.Broken() {
		s.discard(p, max(port, 0))
		return
	}
	link.CarryPacket(p, link.DestinationEndFrom(s.ID()))
}

// nextPayload returns the payload of the next packet: the configured
// constant, or a draw from the empirical Internet size mix with the
// TCP/IP header overhead taken off.
func (s *Sender) nextPayload() int {
	if s.cfg.ConstantPayload {
		return s.cfg.PayloadOctets
	}
	const overhead = model.IPv4HeaderSize + model.TCPHeaderSize
	var size int
	switch u := s.rng.RandU01() * 100; {
	case u < 47:
		size = s.uniform(100)
	case u < 71:
		size = 100 + s.uniform(1300)
	case u < 89:
		size = 1400 + s.uniform(100)
	default:
		size = 1500
	}
	return max(size-overhead, 0)
}

// uniform returns an integer in [0, n).
func (s *Sender) uniform(n int) int {
	v := int(s.rng.RandU01() * float64(n))
	return min(v, n-1)
}

func (s *Sender) AcceptPacket(p *model.Packet, port int) {
	s.discard(p, port)
}

func (s *Sender) RoutingWeight() float64 { return 0 }

func (s *Sender) Validate(t *Topology, reconfiguring bool) model.ValidationCode {
	if code := s.validateName(t, reconfiguring); !code.OK() {
		return code
	}
	if strings.TrimSpace(s.cfg.Destination) == "" {
		return model.NoTarget
	}
	target := t.resolveTarget(s.cfg.Destination)
	if target == nil {
		return model.NoTarget
	}
	if target.ID() == s.ID() {
		return model.SelfTarget
	}
	if target.Kind() != model.NodeReceiver {
		return model.TargetNotReceiver
	}
	if s.cfg.RateMbps <= 0 {
		return model.InvalidRate
	}
	if s.cfg.ConstantPayload && (s.cfg.PayloadOctets < 0 || s.cfg.PayloadOctets > model.MaxPayloadSize) {
		return model.InvalidPayload
	}
	if !s.cfg.GoS.Valid() {
		return model.InvalidGoS
	}
	return model.Valid
}

func (s *Sender) Reset() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.resetBase()
	s.availableNs = 0
	s.pending = -1
	s.stepsWithoutEmitting.Store(0)
}
