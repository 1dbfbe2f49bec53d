package core

import (
	"strings"

	"github.com/manolodd/opensimmpls-sub003/model"
)

// validateNodeName checks the naming rules every node follows. selfID is
// skipped in the duplicate check when the node is already in t.
func validateNodeName(t *Topology, name string, selfID int, reconfiguring bool) model.ValidationCode {
	if name == "" {
		return model.UnnamedNode
	}
	if strings.TrimSpace(name) == "" {
		return model.OnlyBlanksName
	}
	if t == nil {
		return model.Valid
	}
	for _, n := range t.Nodes() {
		if n.Name() != name {
			continue
		}
		if reconfiguring && n.ID() == selfID {
			continue
		}
		return model.NameAlreadyExists
	}
	return model.Valid
}

// ValidateLink checks a link configuration against the topology. With
// reconfiguring set, cfg.ID names a link already in t whose own name and
// ports do not count as taken.
func (t *Topology) ValidateLink(cfg model.LinkConfig, reconfiguring bool) model.ValidationCode {
	if cfg.Name == "" {
		return model.UnnamedLink
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return model.LinkOnlyBlanksName
	}
	for _, l := range t.Links() {
		if l.Name() == cfg.Name && !(reconfiguring && l.ID() == cfg.ID) {
			return model.LinkNameAlreadyExists
		}
	}

	end1 := t.NodeByID(cfg.End1)
	if end1 == nil {
		return model.MissingEnd1
	}
	end2 := t.NodeByID(cfg.End2)
	if end2 == nil {
		return model.MissingEnd2
	}
	if cfg.End1 == cfg.End2 {
		return model.SameEnds
	}
	if code := validatePort(end1, cfg.End1Port, cfg.ID, reconfiguring); !code.OK() {
		return code
	}
	if code := validatePort(end2, cfg.End2Port, cfg.ID, reconfiguring); !code.OK() {
		return code
	}
	if cfg.DelayNs == 0 {
		return model.InvalidDelay
	}
	if !linkKindFits(cfg.Kind, end1.Kind(), end2.Kind()) {
		return model.LinkTypeMismatch
	}
	return model.Valid
}

func validatePort(n Node, port, linkID int, reconfiguring bool) model.ValidationCode {
	if port < 0 || port >= n.Ports().Len() {
		return model.InvalidPort
	}
	if l := n.Ports().Link(port); l != nil && !(reconfiguring && l.ID() == linkID) {
		return model.PortInUse
	}
	return model.Valid
}

// linkKindFits enforces the domain border: external links reach traffic
// endpoints and never an LSR.
func linkKindFits(kind model.LinkKind, a, b model.NodeKind) bool {
	if kind != model.LinkExternal {
		return true
	}
	edge := func(k model.NodeKind) bool { return !k.Switching() || k.Edge() }
	endpoint := func(k model.NodeKind) bool { return !k.Switching() }
	return edge(a) && edge(b) && (endpoint(a) || endpoint(b))
}
