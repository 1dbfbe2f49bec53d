package timectrl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/manolodd/opensimmpls-sub003/internal/logging"
)

// Tick is the notification every listener receives once per tic.
type Tick struct {
	// Duration is the tic length in nanoseconds.
	Duration uint64
	// UpperBound is the simulated instant, in nanoseconds, the tic ends at.
	UpperBound uint64
}

// Listener is anything driven by the clock: nodes and links.
type Listener interface {
	ListenerID() int
	ReceiveTick(Tick)
}

// Mode describes how the Clock paces simulated time.
type Mode int

const (
	// RealTime produces one tic per tic-length of wall-clock time.
	RealTime Mode = iota
	// Accelerated produces tics as fast as the loop can run.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "realtime" or "accelerated".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "realtime", "real-time":
		return RealTime, nil
	case "accelerated", "":
		return Accelerated, nil
	}
	return 0, fmt.Errorf("unknown clock mode %q", s)
}

// DefaultTick is the tic length used when none is configured.
const DefaultTick uint64 = 1_000_000 // 1ms

// Option customises Clock construction.
type Option func(*Clock)

// WithMode selects the pacing mode.
func WithMode(m Mode) Option { return func(c *Clock) { c.mode = m } }

// WithLimit stops the clock once simulated time reaches limit ns. Zero
// means no limit.
func WithLimit(limit uint64) Option { return func(c *Clock) { c.limit = limit } }

// WithLockstep makes the clock wait for every listener's reaction to a tic
// before producing the next one.
func WithLockstep(on bool) Option { return func(c *Clock) { c.lockstep = on } }

// WithLogger attaches a logger used to report listener failures.
func WithLogger(l logging.Logger) Option {
	return func(c *Clock) {
		if l != nil {
			c.log = l
		}
	}
}

// Clock produces fixed-size tics and notifies every registered listener.
//
// Dispatch of tic n to all listeners completes before tic n+1 is produced.
// Each listener reacts in its own goroutine; unless the clock runs in
// lockstep, it does not wait for those reactions before the next tic, but
// a run does not end until every reaction it started has returned.
type Clock struct {
	mu       sync.RWMutex
	tick     uint64
	limit    uint64
	mode     Mode
	lockstep bool
	now      uint64
	running  bool
	stop     context.CancelFunc
	done     chan struct{}

	listeners []Listener
	removed   map[int]struct{}
	hooks     []func(Tick)

	// reactions still executing, across tics.
	inflight sync.WaitGroup

	log logging.Logger
}

// New constructs a clock producing tics of tick ns.
func New(tick uint64, opts ...Option) *Clock {
	if tick == 0 {
		tick = DefaultTick
	}
	c := &Clock{
		tick:    tick,
		mode:    Accelerated,
		removed: make(map[int]struct{}),
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TickDuration returns the tic length in ns.
func (c *Clock) TickDuration() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tick
}

// SetTickDuration changes the tic length. It has no effect while running.
func (c *Clock) SetTickDuration(tick uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || tick == 0 {
		return
	}
	c.tick = tick
}

// Mode returns the pacing mode.
func (c *Clock) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode changes the pacing mode. It has no effect while running.
func (c *Clock) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		c.mode = m
	}
}

// Limit returns the configured duration limit in ns (zero: unlimited).
func (c *Clock) Limit() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limit
}

// SetLimit changes the duration limit. It has no effect while running.
func (c *Clock) SetLimit(limit uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.limit = limit
}

// Now returns the current simulated instant in ns.
func (c *Clock) Now() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Running reports whether tics are being produced.
func (c *Clock) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// AddListener registers l for subsequent tics. Registering a listener that
// was removed but not yet purged revives it.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := l.ListenerID()
	delete(c.removed, id)
	for i, existing := range c.listeners {
		if existing.ListenerID() == id {
			c.listeners[i] = l
			return
		}
	}
	c.listeners = append(c.listeners, l)
}

// RemoveListener marks the listener with the given ID for removal. It keeps
// receiving tics until the next purge.
func (c *Clock) RemoveListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed[id] = struct{}{}
}

// Purge drops every listener marked for removal. The clock also purges at
// the start of each tic.
func (c *Clock) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
}

func (c *Clock) purgeLocked() {
	if len(c.removed) == 0 {
		return
	}
	kept := c.listeners[:0]
	for _, l := range c.listeners {
		if _, gone := c.removed[l.ListenerID()]; !gone {
			kept = append(kept, l)
		}
	}
	for i := len(kept); i < len(c.listeners); i++ {
		c.listeners[i] = nil
	}
	c.listeners = kept
	c.removed = make(map[int]struct{})
}

// ListenerCount returns the number of registered listeners, including those
// pending purge.
func (c *Clock) ListenerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

// OnTick registers a callback invoked synchronously after each dispatch.
func (c *Clock) OnTick(fn func(Tick)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Start begins producing tics in a separate goroutine and returns a channel
// closed when the clock stops and every reaction it dispatched has
// returned. The clock stops when the limit is reached, ctx is cancelled or
// Stop is called. Starting a running clock is a no-op
// that returns the channel of the run in progress.
func (c *Clock) Start(ctx context.Context) <-chan struct{} {
	c.mu.Lock()
	if c.running {
		done := c.done
		c.mu.Unlock()
		return done
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.stop = cancel
	c.done = make(chan struct{})
	done := c.done
	tick := c.tick
	mode := c.mode
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		defer func() {
			c.inflight.Wait()
			c.mu.Lock()
			c.running = false
			c.stop = nil
			c.mu.Unlock()
		}()

		var pace <-chan time.Time
		if mode == RealTime {
			ticker := time.NewTicker(time.Duration(tick))
			defer ticker.Stop()
			pace = ticker.C
		}

		for {
			if pace != nil {
				select {
				case <-ctx.Done():
					return
				case <-pace:
				}
			} else if ctx.Err() != nil {
				return
			}
			if !c.step() {
				return
			}
		}
	}()
	return done
}

// Stop halts a running clock and waits for it to finish.
func (c *Clock) Stop() {
	c.mu.RLock()
	stop, done := c.stop, c.done
	c.mu.RUnlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

// Step produces exactly one tic. It returns false, producing nothing, once
// the limit has been reached. Outside lockstep the reactions may still be
// running when Step returns; see Wait.
func (c *Clock) Step() bool { return c.step() }

// Wait blocks until every listener reaction started so far has returned.
func (c *Clock) Wait() { c.inflight.Wait() }

func (c *Clock) step() bool {
	c.mu.Lock()
	if c.limit > 0 && c.now >= c.limit {
		c.mu.Unlock()
		return false
	}
	c.purgeLocked()
	c.now += c.tick
	t := Tick{Duration: c.tick, UpperBound: c.now}
	listeners := append([]Listener(nil), c.listeners...)
	hooks := append([]func(Tick){}, c.hooks...)
	lockstep := c.lockstep
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		c.inflight.Add(1)
		go c.dispatch(l, t, &wg)
	}
	if lockstep {
		wg.Wait()
	}

	for _, fn := range hooks {
		fn(t)
	}
	return true
}

// dispatch isolates one listener's reaction so that a failing element can
// neither stop the clock nor the other listeners.
func (c *Clock) dispatch(l Listener, t Tick, wg *sync.WaitGroup) {
	defer c.inflight.Done()
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(context.Background(), "listener failed during tick",
				logging.Int("listener_id", l.ListenerID()),
				logging.Uint64("instant_ns", t.UpperBound),
				logging.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	l.ReceiveTick(t)
}

// Reset rewinds simulated time to zero. It has no effect while running.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.now = 0
}
