package core

import (
	"testing"

	"github.com/manolodd/opensimmpls-sub003/model"
)

func TestSenderValidate(t *testing.T) {
	cases := []struct {
		name string
		edit func(*model.NodeConfig)
		want model.ValidationCode
	}{
		{"valid", func(*model.NodeConfig) {}, model.Valid},
		{"unnamed", func(c *model.NodeConfig) { c.Name = "" }, model.UnnamedNode},
		{"blank name", func(c *model.NodeConfig) { c.Name = "   " }, model.OnlyBlanksName},
		{"name taken", func(c *model.NodeConfig) { c.Name = "R" }, model.NameAlreadyExists},
		{"no destination", func(c *model.NodeConfig) { c.Destination = "" }, model.NoTarget},
		{"unknown destination", func(c *model.NodeConfig) { c.Destination = "ghost" }, model.NoTarget},
		{"self target", func(c *model.NodeConfig) { c.Destination = "S" }, model.SelfTarget},
		{"target is a switch", func(c *model.NodeConfig) { c.Destination = "LSR" }, model.TargetNotReceiver},
		{"zero rate", func(c *model.NodeConfig) { c.RateMbps = 0 }, model.InvalidRate},
		{"payload too big", func(c *model.NodeConfig) { c.PayloadOctets = model.MaxPayloadSize + 1 }, model.InvalidPayload},
		{"unknown GoS", func(c *model.NodeConfig) { c.GoS = model.GoSLevel(7) }, model.InvalidGoS},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			topo := newTestTopology(t, 1)
			r := mustNode(t, topo, receiverCfg("R"))
			mustNode(t, topo, lsrCfg("LSR"))
			cfg := senderCfg("S", "R", 10, 100)
			tc.edit(&cfg)
			s, err := topo.CreateNode(cfg)
			if err != nil {
				t.Fatalf("CreateNode: %v", err)
			}
			if got := s.Validate(topo, true); got != tc.want {
				t.Fatalf("Validate() = %v, want %v", got, tc.want)
			}
			// Targets resolve by address as well as by name.
			if tc.want == model.Valid {
				cfg.ID, cfg.Name, cfg.Address, cfg.Destination = 0, "S2", "", r.Address()
				s2 := mustNode(t, topo, cfg)
				if got := s2.Validate(topo, true); got != model.Valid {
					t.Fatalf("Validate() with address target = %v, want valid", got)
				}
			}
		})
	}
}

func TestSwitchAndReceiverValidate(t *testing.T) {
	topo := newTestTopology(t, 1)
	sw := mustNode(t, topo, lsrCfg("LSR"))
	if got := sw.Validate(topo, true); got != model.Valid {
		t.Fatalf("LSR Validate() = %v, want valid", got)
	}
	if got := sw.Config().Ports; got != DefaultSwitchPorts {
		t.Fatalf("LSR ports = %d, want default %d", got, DefaultSwitchPorts)
	}
	// Validating a new node against a topology holding its name.
	if got := sw.Validate(topo, false); got != model.NameAlreadyExists {
		t.Fatalf("LSR Validate(new) = %v, want NameAlreadyExists", got)
	}
	r := mustNode(t, topo, receiverCfg(" "))
	if got := r.Validate(topo, true); got != model.OnlyBlanksName {
		t.Fatalf("receiver Validate() = %v, want OnlyBlanksName", got)
	}
}

func TestValidateLink(t *testing.T) {
	topo := newTestTopology(t, 1)
	s := mustNode(t, topo, senderCfg("S", "R", 10, 100))
	r := mustNode(t, topo, receiverCfg("R"))
	ler := mustNode(t, topo, model.NodeConfig{Kind: model.NodeLER, Name: "LER"})
	lsr := mustNode(t, topo, lsrCfg("LSR"))
	existing := connect(t, topo, model.LinkInternal, ler, lsr, 10)

	base := model.LinkConfig{Kind: model.LinkExternal, Name: "new", End1: s.ID(), End1Port: 0, End2: ler.ID(), End2Port: 1, DelayNs: 10}
	cases := []struct {
		name string
		edit func(*model.LinkConfig)
		want model.ValidationCode
	}{
		{"valid external", func(*model.LinkConfig) {}, model.Valid},
		{"unnamed", func(c *model.LinkConfig) { c.Name = "" }, model.UnnamedLink},
		{"blank name", func(c *model.LinkConfig) { c.Name = "\t" }, model.LinkOnlyBlanksName},
		{"name taken", func(c *model.LinkConfig) { c.Name = existing.Name() }, model.LinkNameAlreadyExists},
		{"missing end1", func(c *model.LinkConfig) { c.End1 = 999 }, model.MissingEnd1},
		{"missing end2", func(c *model.LinkConfig) { c.End2 = 999 }, model.MissingEnd2},
		{"same ends", func(c *model.LinkConfig) { c.End2 = s.ID() }, model.SameEnds},
		{"port out of range", func(c *model.LinkConfig) { c.End1Port = 1 }, model.InvalidPort},
		{"port in use", func(c *model.LinkConfig) { c.End2Port = existing.End1Port() }, model.PortInUse},
		{"zero delay", func(c *model.LinkConfig) { c.DelayNs = 0 }, model.InvalidDelay},
		{"external to LSR", func(c *model.LinkConfig) { c.End2 = lsr.ID() }, model.LinkTypeMismatch},
		{"external between switches", func(c *model.LinkConfig) { c.End1, c.End1Port = lsr.ID(), 3 }, model.LinkTypeMismatch},
		{"internal endpoint link", func(c *model.LinkConfig) { c.Kind, c.End2, c.End2Port = model.LinkInternal, r.ID(), 0 }, model.Valid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.edit(&cfg)
			if got := topo.ValidateLink(cfg, false); got != tc.want {
				t.Fatalf("ValidateLink() = %v, want %v", got, tc.want)
			}
		})
	}

	// Reconfiguring a link does not trip over its own name and ports.
	if got := topo.ValidateLink(existing.Config(), true); got != model.Valid {
		t.Fatalf("ValidateLink(existing, reconfiguring) = %v, want valid", got)
	}
}
