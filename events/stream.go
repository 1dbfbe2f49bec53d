package events

import (
	"context"
	"sync"
)

// Handler processes events pulled off a Stream.
type Handler interface {
	Handle(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) Handle(ev Event) { f(ev) }

// DefaultStreamBuffer is the channel capacity used when none is given.
const DefaultStreamBuffer = 4096

// Stream is the external collector of a simulation: every element
// subscribes to it, and a single goroutine fans events out to handlers in
// arrival order. Events collected after Close are dropped.
type Stream struct {
	mu       sync.RWMutex
	closed   bool
	ch       chan Event
	handlers []Handler
	done     chan struct{}
	once     sync.Once
}

// NewStream creates a stream buffering up to buffer events.
func NewStream(buffer int, handlers ...Handler) *Stream {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Stream{
		ch:       make(chan Event, buffer),
		handlers: handlers,
		done:     make(chan struct{}),
	}
}

// AddHandler registers h. Handlers must be added before Run.
func (s *Stream) AddHandler(h Handler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// Collect enqueues ev, blocking while the buffer is full.
func (s *Stream) Collect(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- ev
}

// Run dispatches events until the stream is closed and drained, or ctx is
// cancelled. It is meant to run in its own goroutine.
func (s *Stream) Run(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })
	s.mu.RLock()
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.RUnlock()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.ch:
			if !ok {
				return
			}
			for _, h := range handlers {
				h.Handle(ev)
			}
		}
	}
}

// Close stops accepting events. Pending events are still delivered by Run.
func (s *Stream) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Done is closed once Run has returned.
func (s *Stream) Done() <-chan struct{} { return s.done }
