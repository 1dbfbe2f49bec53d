package model

import "fmt"

// PacketType tells how a packet is framed on the wire.
type PacketType int

const (
	PacketIPv4 PacketType = iota // untagged IPv4 + TCP
	PacketMPLS                   // IPv4 + TCP behind an MPLS label stack
)

func (t PacketType) String() string {
	switch t {
	case PacketIPv4:
		return "ipv4"
	case PacketMPLS:
		return "mpls"
	default:
		return fmt.Sprintf("packet-type(%d)", int(t))
	}
}

// GoSLevel is the class-of-service tag a sender stamps on its traffic.
// Higher levels are drained first by active switching nodes.
type GoSLevel int

const (
	GoSNone GoSLevel = iota
	GoSLevel1
	GoSLevel2
	GoSLevel3
)

// Valid reports whether the level is one of the defined tags.
func (l GoSLevel) Valid() bool { return l >= GoSNone && l <= GoSLevel3 }

// Header sizes in octets.
const (
	IPv4HeaderSize = 20
	TCPHeaderSize  = 20
	MPLSLabelSize  = 4

	// MaxPayloadSize bounds the TCP payload a sender may be configured with.
	MaxPayloadSize = 65535 - IPv4HeaderSize - TCPHeaderSize
)

// Packet is a simulated PDU. Only its size, type and tags matter to the
// simulation; no payload bytes are carried.
type Packet struct {
	ID          uint64
	Type        PacketType
	Source      string // origin address
	Destination string // target address
	Payload     int    // TCP payload octets
	Labels      int    // depth of the MPLS label stack
	GoS         GoSLevel
	BackupLSP   bool
	Created     uint64 // simulated instant, ns
}

// HeaderSize returns the octets spent on headers.
func (p *Packet) HeaderSize() int {
	return IPv4HeaderSize + TCPHeaderSize + p.Labels*MPLSLabelSize
}

// Size returns header plus payload octets.
func (p *Packet) Size() int {
	return p.HeaderSize() + p.Payload
}

// PushLabel turns the packet into an MPLS PDU, or deepens its label stack.
func (p *Packet) PushLabel() {
	p.Labels++
	p.Type = PacketMPLS
}

// PopLabel removes the top label; an empty stack reverts to plain IPv4.
func (p *Packet) PopLabel() {
	if p.Labels == 0 {
		return
	}
	p.Labels--
	if p.Labels == 0 {
		p.Type = PacketIPv4
	}
}
