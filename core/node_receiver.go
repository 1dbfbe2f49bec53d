package core

import (
	"github.com/manolodd/opensimmpls-sub003/events"
	"github.com/manolodd/opensimmpls-sub003/model"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

// Receiver is a traffic sink. Its single port has an unbounded buffer that
// is drained every tic.
type Receiver struct {
	nodeBase
}

func newReceiver(cfg model.NodeConfig, topo *Topology) *Receiver {
	cfg.Ports = 1
	return &Receiver{nodeBase: newNodeBase(cfg, topo, NewPortSet(1, 0))}
}

func (r *Receiver) ReceiveTick(t timectrl.Tick) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	r.now.Store(t.UpperBound)
	for _, pp := range r.ports.DrainAll() {
		r.received.Add(1)
		r.emitPacket(events.PacketReceived, pp.Packet, pp.Port)
	}
}

func (r *Receiver) AcceptPacket(p *model.Packet, port int) {
	if !r.ports.Enqueue(p, port) {
		r.discard(p, port)
	}
}

func (r *Receiver) RoutingWeight() float64 { return 0 }

func (r *Receiver) Validate(t *Topology, reconfiguring bool) model.ValidationCode {
	return r.validateName(t, reconfiguring)
}

func (r *Receiver) Reset() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	r.resetBase()
}
