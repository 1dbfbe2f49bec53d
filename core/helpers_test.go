package core

import (
	"testing"

	"github.com/manolodd/opensimmpls-sub003/events"
	"github.com/manolodd/opensimmpls-sub003/internal/logging"
	"github.com/manolodd/opensimmpls-sub003/model"
	"github.com/manolodd/opensimmpls-sub003/timectrl"
)

// newTestTopology returns an empty topology on a lock-step clock, so that
// every Step has finished all element reactions when it returns.
func newTestTopology(t *testing.T, tick uint64, opts ...TopologyOption) *Topology {
	t.Helper()
	clock := timectrl.New(tick, timectrl.WithLockstep(true))
	return NewTopology(clock, logging.Noop(), opts...)
}

func mustNode(t *testing.T, topo *Topology, cfg model.NodeConfig) Node {
	t.Helper()
	n, err := topo.CreateNode(cfg)
	if err != nil {
		t.Fatalf("CreateNode(%q): %v", cfg.Name, err)
	}
	return n
}

func mustLink(t *testing.T, topo *Topology, cfg model.LinkConfig) *Link {
	t.Helper()
	l, err := topo.CreateLink(cfg)
	if err != nil {
		t.Fatalf("CreateLink(%q): %v", cfg.Name, err)
	}
	return l
}

func receiverCfg(name string) model.NodeConfig {
	return model.NodeConfig{Kind: model.NodeReceiver, Name: name}
}

func lsrCfg(name string) model.NodeConfig {
	return model.NodeConfig{Kind: model.NodeLSR, Name: name}
}

func senderCfg(name, dest string, rate, payload int) model.NodeConfig {
	return model.NodeConfig{
		Kind:            model.NodeSender,
		Name:            name,
		Destination:     dest,
		RateMbps:        rate,
		ConstantPayload: payload > 0,
		PayloadOctets:   payload,
	}
}

// connect joins a and b on their first free ports.
func connect(t *testing.T, topo *Topology, kind model.LinkKind, a, b Node, delay uint64) *Link {
	t.Helper()
	return mustLink(t, topo, model.LinkConfig{
		Kind:     kind,
		Name:     a.Name() + "-" + b.Name(),
		End1:     a.ID(),
		End1Port: a.Ports().FreePort(),
		End2:     b.ID(),
		End2Port: b.Ports().FreePort(),
		DelayNs:  delay,
	})
}

func subscribeRecorder(t *testing.T, topo *Topology) *events.Recorder {
	t.Helper()
	rec := events.NewRecorder()
	if err := topo.Subscribe(rec); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return rec
}

func eventsFrom(evs []events.Event, kind events.SourceKind, id int) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Source.Kind == kind && ev.Source.ID == id {
			out = append(out, ev)
		}
	}
	return out
}

func testPacket(src, dst Node, payload int) *model.Packet {
	return &model.Packet{
		Type:        model.PacketIPv4,
		Source:      src.Address(),
		Destination: dst.Address(),
		Payload:     payload,
	}
}
