package core

import (
	"fmt"
	"sync"

	"github.com/manolodd/opensimmpls-sub003/model"
)

// PortSet is the set of numbered ports of a node: which link each port is
// attached to, and the packets waiting in each port's incoming buffer.
//
// Attachments and buffers are guarded by independent locks so that a link
// delivering into a buffer never contends with routing lookups.
type PortSet struct {
	linkMu sync.RWMutex
	links  []*Link

	bufMu    sync.Mutex
	buffers  [][]*model.Packet
	capacity int // octets; 0 means unbounded
	used     int
	cursor   int // round-robin position for Dequeue
}

// NewPortSet creates n ports sharing a buffer of capacity octets. A zero
// capacity gives an unbounded buffer.
func NewPortSet(n, capacity int) *PortSet {
	if n < 1 {
		n = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	return &PortSet{
		links:    make([]*Link, n),
		buffers:  make([][]*model.Packet, n),
		capacity: capacity,
	}
}

// Len returns the number of ports.
func (ps *PortSet) Len() int {
	ps.linkMu.RLock()
	defer ps.linkMu.RUnlock()
	return len(ps.links)
}

// Link returns the link attached to port, or nil.
func (ps *PortSet) Link(port int) *Link {
	ps.linkMu.RLock()
	defer ps.linkMu.RUnlock()
	if port < 0 || port >= len(ps.links) {
		return nil
	}
	return ps.links[port]
}

// InUse reports whether port has a link attached.
func (ps *PortSet) InUse(port int) bool { return ps.Link(port) != nil }

// Connected returns how many ports have a link attached.
func (ps *PortSet) Connected() int {
	ps.linkMu.RLock()
	defer ps.linkMu.RUnlock()
	n := 0
	for _, l := range ps.links {
		if l != nil {
			n++
		}
	}
	return n
}

// FreePort returns the lowest port without a link, or -1 when every port
// is taken.
func (ps *PortSet) FreePort() int {
	ps.linkMu.RLock()
	defer ps.linkMu.RUnlock()
	for i, l := range ps.links {
		if l == nil {
			return i
		}
	}
	return -1
}

func (ps *PortSet) connect(port int, l *Link) error {
	ps.linkMu.Lock()
	defer ps.linkMu.Unlock()
	if port < 0 || port >= len(ps.links) {
		return fmt.Errorf("%w: port %d out of range [0,%d)", ErrInvalidLink, port, len(ps.links))
	}
	if ps.links[port] != nil {
		return fmt.Errorf("%w: port %d already attached to link %d", ErrNoFreePort, port, ps.links[port].ID())
	}
	ps.links[port] = l
	return nil
}

func (ps *PortSet) disconnect(l *Link) {
	ps.linkMu.Lock()
	defer ps.linkMu.Unlock()
	for i, attached := range ps.links {
		if attached == l {
			ps.links[i] = nil
		}
	}
}

// PortTo returns the first port whose link leads to the node with ID
// neighbor, and that link. It returns (-1, nil) when no port does.
func (ps *PortSet) PortTo(neighbor int) (int, *Link) {
	ps.linkMu.RLock()
	defer ps.linkMu.RUnlock()
	best := -1
	for i, l := range ps.links {
		if l == nil || !l.Touches(neighbor) {
			continue
		}
		if best == -1 || l.ID() < ps.links[best].ID() {
			best = i
		}
	}
	if best == -1 {
		return -1, nil
	}
	return best, ps.links[best]
}

// Enqueue appends p to the buffer of port. It reports false, leaving the
// buffer untouched, when the packet would exceed the buffer capacity.
func (ps *PortSet) Enqueue(p *model.Packet, port int) bool {
	ps.bufMu.Lock()
	defer ps.bufMu.Unlock()
	if port < 0 || port >= len(ps.buffers) {
		return false
	}
	size := p.Size()
	if ps.capacity > 0 && ps.used+size > ps.capacity {
		return false
	}
	ps.buffers[port] = append(ps.buffers[port], p)
	ps.used += size
	return true
}

// Dequeue removes the next packet to be switched. Ports are visited
// round-robin; with byGoS set the head with the highest GoS level wins.
// When fits rejects the chosen packet nothing is removed.
func (ps *PortSet) Dequeue(fits func(*model.Packet) bool, byGoS bool) (*model.Packet, int, bool) {
	ps.bufMu.Lock()
	defer ps.bufMu.Unlock()
	n := len(ps.buffers)
	chosen := -1
	for i := 0; i < n; i++ {
		idx := (ps.cursor + i) % n
		if len(ps.buffers[idx]) == 0 {
			continue
		}
		if !byGoS {
			chosen = idx
			break
		}
		if chosen == -1 || ps.buffers[idx][0].GoS > ps.buffers[chosen][0].GoS {
			chosen = idx
		}
	}
	if chosen == -1 {
		return nil, -1, false
	}
	p := ps.buffers[chosen][0]
	if fits != nil && !fits(p) {
		return nil, -1, false
	}
	ps.buffers[chosen][0] = nil
	ps.buffers[chosen] = ps.buffers[chosen][1:]
	ps.used -= p.Size()
	ps.cursor = (chosen + 1) % n
	return p, chosen, true
}

// PortPacket is a packet together with the port it arrived on.
type PortPacket struct {
	Packet *model.Packet
	Port   int
}

// DrainAll empties every buffer and returns the packets in port order.
func (ps *PortSet) DrainAll() []PortPacket {
	ps.bufMu.Lock()
	defer ps.bufMu.Unlock()
	var out []PortPacket
	for i, buf := range ps.buffers {
		for _, p := range buf {
			out = append(out, PortPacket{Packet: p, Port: i})
		}
		ps.buffers[i] = nil
	}
	ps.used = 0
	return out
}

// Buffered returns the number of waiting packets and the octets they use.
func (ps *PortSet) Buffered() (packets, octets int) {
	ps.bufMu.Lock()
	defer ps.bufMu.Unlock()
	for _, buf := range ps.buffers {
		packets += len(buf)
	}
	return packets, ps.used
}

// Congestion returns buffer occupancy as a percentage; always zero for an
// unbounded buffer.
func (ps *PortSet) Congestion() float64 {
	ps.bufMu.Lock()
	defer ps.bufMu.Unlock()
	if ps.capacity == 0 {
		return 0
	}
	return float64(ps.used) * 100 / float64(ps.capacity)
}

// Capacity returns the buffer capacity in octets (0: unbounded).
func (ps *PortSet) Capacity() int {
	ps.bufMu.Lock()
	defer ps.bufMu.Unlock()
	return ps.capacity
}

// Reset empties the buffers. Link attachments are kept.
func (ps *PortSet) Reset() {
	ps.bufMu.Lock()
	defer ps.bufMu.Unlock()
	for i := range ps.buffers {
		ps.buffers[i] = nil
	}
	ps.used = 0
	ps.cursor = 0
}
