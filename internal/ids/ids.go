// Package ids provides the monotonically increasing identifier generators a
// topology owns: event IDs, element IDs and IPv4-style node addresses.
//
// Generators are plain objects; each topology carries its own so that
// independent simulations never share counters.
package ids

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sync"
)

// ErrOverflow is returned once a generator has handed out its last value.
var ErrOverflow = errors.New("identifier overflow")

// EventIDs hands out uint64 identifiers starting at 1.
type EventIDs struct {
	mu    sync.Mutex
	last  uint64
	limit uint64
}

// NewEventIDs returns a generator bounded only by the uint64 range.
func NewEventIDs() *EventIDs { return &EventIDs{limit: math.MaxUint64} }

// NewEventIDsWithLimit returns a generator that overflows after limit values.
func NewEventIDsWithLimit(limit uint64) *EventIDs { return &EventIDs{limit: limit} }

// Next returns a fresh identifier or ErrOverflow.
func (g *EventIDs) Next() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last >= g.limit {
		return 0, fmt.Errorf("%w: event id limit %d reached", ErrOverflow, g.limit)
	}
	g.last++
	return g.last, nil
}

// Reset restarts the sequence.
func (g *EventIDs) Reset() {
	g.mu.Lock()
	g.last = 0
	g.mu.Unlock()
}

// ElementIDs hands out int identifiers for nodes and links starting at 1.
type ElementIDs struct {
	mu    sync.Mutex
	last  int
	limit int
}

// NewElementIDs returns a generator bounded by math.MaxInt32.
func NewElementIDs() *ElementIDs { return &ElementIDs{limit: math.MaxInt32} }

// NewElementIDsWithLimit returns a generator that overflows after limit values.
func NewElementIDsWithLimit(limit int) *ElementIDs { return &ElementIDs{limit: limit} }

// Next returns a fresh identifier or ErrOverflow.
func (g *ElementIDs) Next() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last >= g.limit {
		return 0, fmt.Errorf("%w: element id limit %d reached", ErrOverflow, g.limit)
	}
	g.last++
	return g.last, nil
}

// Observe moves the generator past an identifier that was assigned
// elsewhere, e.g. read back from a scenario file.
func (g *ElementIDs) Observe(id int) {
	g.mu.Lock()
	if id > g.last {
		g.last = id
	}
	g.mu.Unlock()
}

// Reset restarts the sequence.
func (g *ElementIDs) Reset() {
	g.mu.Lock()
	g.last = 0
	g.mu.Unlock()
}

var (
	firstAddress = netip.MustParseAddr("10.0.0.1")
	lastAddress  = netip.MustParseAddr("10.255.255.254")
)

// Addresses hands out node addresses in 10.0.0.0/8, starting at 10.0.0.1.
type Addresses struct {
	mu   sync.Mutex
	last netip.Addr // zero value means nothing handed out yet
}

// NewAddresses returns a fresh address generator.
func NewAddresses() *Addresses { return &Addresses{} }

// Next returns the next free address or ErrOverflow.
func (g *Addresses) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := firstAddress
	if g.last.IsValid() {
		if g.last.Compare(lastAddress) >= 0 {
			return "", fmt.Errorf("%w: address space exhausted after %s", ErrOverflow, lastAddress)
		}
		next = g.last.Next()
	}
	g.last = next
	return next.String(), nil
}

// Observe moves the generator past an address assigned elsewhere. Addresses
// outside 10.0.0.0/8 are ignored.
func (g *Addresses) Observe(addr string) {
	a, err := netip.ParseAddr(addr)
	if err != nil || !a.Is4() || a.As4()[0] != 10 {
		return
	}
	g.mu.Lock()
	if !g.last.IsValid() || a.Compare(g.last) > 0 {
		g.last = a
	}
	g.mu.Unlock()
}

// Reset restarts the sequence.
func (g *Addresses) Reset() {
	g.mu.Lock()
	g.last = netip.Addr{}
	g.mu.Unlock()
}
