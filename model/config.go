package model

import (
	"fmt"
	"strings"
)

// NodeKind is the closed set of node variants the simulator knows about.
type NodeKind int

const (
	NodeSender NodeKind = iota
	NodeReceiver
	NodeLER
	NodeLSR
	NodeActiveLER
	NodeActiveLSR
)

var nodeKindNames = map[NodeKind]string{
	NodeSender:    "sender",
	NodeReceiver:  "receiver",
	NodeLER:       "ler",
	NodeLSR:       "lsr",
	NodeActiveLER: "active-ler",
	NodeActiveLSR: "active-lsr",
}

func (k NodeKind) String() string {
	if name, ok := nodeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("node-kind(%d)", int(k))
}

// Switching reports whether nodes of this kind forward traffic between links.
func (k NodeKind) Switching() bool {
	return k == NodeLER || k == NodeLSR || k == NodeActiveLER || k == NodeActiveLSR
}

// Edge reports whether the kind sits at the border of the MPLS domain.
func (k NodeKind) Edge() bool {
	return k == NodeLER || k == NodeActiveLER
}

// Active reports whether the kind drains its buffers by GoS priority.
func (k NodeKind) Active() bool {
	return k == NodeActiveLER || k == NodeActiveLSR
}

// ParseNodeKind accepts the names produced by NodeKind.String, case-insensitively.
func ParseNodeKind(s string) (NodeKind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for k, name := range nodeKindNames {
		if name == want {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown node kind %q", s)
}

// LinkKind separates links inside the MPLS domain from access links.
type LinkKind int

const (
	LinkExternal LinkKind = iota // untagged traffic, no LSP bookkeeping
	LinkInternal                 // label-switched traffic, tracks LSPs
)

func (k LinkKind) String() string {
	switch k {
	case LinkExternal:
		return "external"
	case LinkInternal:
		return "internal"
	default:
		return fmt.Sprintf("link-kind(%d)", int(k))
	}
}

// ParseLinkKind accepts "internal" or "external".
func ParseLinkKind(s string) (LinkKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "external":
		return LinkExternal, nil
	case "internal":
		return LinkInternal, nil
	}
	return 0, fmt.Errorf("unknown link kind %q", s)
}

// Position is the on-canvas location of an element. The simulation ignores it.
type Position struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// NodeConfig is the structured configuration every node variant is built
// from. Fields that do not apply to a variant are ignored.
type NodeConfig struct {
	ID       int
	Kind     NodeKind
	Name     string
	Address  string
	Position Position
	Ports    int

	// Sender traffic shape.
	Destination     string // address or name of the target receiver
	RateMbps        int
	ConstantPayload bool
	PayloadOctets   int
	GoS             GoSLevel
	BackupLSP       bool

	// Switching nodes.
	SwitchingMbps int
	BufferMB      int
}

// LinkConfig is the structured configuration of a link.
type LinkConfig struct {
	ID       int
	Kind     LinkKind
	Name     string
	End1     int // node ID
	End1Port int
	End2     int // node ID
	End2Port int
	DelayNs  uint64
}
