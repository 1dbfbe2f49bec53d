package timectrl

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type countingListener struct {
	id    int
	mu    sync.Mutex
	ticks []Tick
}

func (l *countingListener) ListenerID() int { return l.id }

func (l *countingListener) ReceiveTick(t Tick) {
	l.mu.Lock()
	l.ticks = append(l.ticks, t)
	l.mu.Unlock()
}

func (l *countingListener) received() []Tick {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Tick(nil), l.ticks...)
}

type panickingListener struct{ id int }

func (p panickingListener) ListenerID() int  { return p.id }
func (p panickingListener) ReceiveTick(Tick) { panic("boom") }

func TestClockStartRunsUntilLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New(5, WithLimit(15), WithLockstep(true))
	l := &countingListener{id: 1}
	c.AddListener(l)

	<-c.Start(context.Background())

	if got := c.Now(); got != 15 {
		t.Fatalf("Now() = %d, want 15", got)
	}
	ticks := l.received()
	if len(ticks) != 3 {
		t.Fatalf("listener saw %d ticks, want 3", len(ticks))
	}
	for i, tk := range ticks {
		want := Tick{Duration: 5, UpperBound: uint64(i+1) * 5}
		if tk != want {
			t.Fatalf("tick %d = %+v, want %+v", i, tk, want)
		}
	}
	if c.Running() {
		t.Fatal("clock still running after limit")
	}
}

func TestClockStartWhileRunningIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New(1, WithLockstep(true))
	ctx, cancel := context.WithCancel(context.Background())
	first := c.Start(ctx)
	second := c.Start(context.Background())
	if first != second {
		t.Fatal("second Start returned a different run")
	}
	cancel()
	<-first
}

func TestClockWithoutListenersAdvancesTime(t *testing.T) {
	c := New(10, WithLimit(100))
	<-c.Start(context.Background())
	if got := c.Now(); got != 100 {
		t.Fatalf("Now() = %d, want 100", got)
	}
}

func TestClockLockstepDeliversEveryTickBeforeNext(t *testing.T) {
	c := New(1, WithLimit(50), WithLockstep(true))
	listeners := make([]*countingListener, 8)
	for i := range listeners {
		listeners[i] = &countingListener{id: i + 1}
		c.AddListener(listeners[i])
	}

	var seenAtHook atomic.Int64
	c.OnTick(func(tk Tick) {
		for _, l := range listeners {
			got := l.received()
			if len(got) == 0 || got[len(got)-1] != tk {
				t.Errorf("listener %d missing tick %+v at hook time", l.id, tk)
			}
		}
		seenAtHook.Add(1)
	})

	<-c.Start(context.Background())
	if seenAtHook.Load() != 50 {
		t.Fatalf("hooks ran %d times, want 50", seenAtHook.Load())
	}
}

func TestClockRemoveListenerPurgedAtNextTick(t *testing.T) {
	c := New(1, WithLockstep(true))
	a := &countingListener{id: 1}
	b := &countingListener{id: 2}
	c.AddListener(a)
	c.AddListener(b)

	c.Step()
	c.RemoveListener(2)
	if c.ListenerCount() != 2 {
		t.Fatalf("ListenerCount() = %d before purge, want 2", c.ListenerCount())
	}
	c.Step()

	if got := len(b.received()); got != 1 {
		t.Fatalf("removed listener saw %d ticks, want 1", got)
	}
	if got := len(a.received()); got != 2 {
		t.Fatalf("kept listener saw %d ticks, want 2", got)
	}
	if c.ListenerCount() != 1 {
		t.Fatalf("ListenerCount() = %d after purge, want 1", c.ListenerCount())
	}
}

func TestClockListenerPanicIsolated(t *testing.T) {
	c := New(1, WithLimit(3), WithLockstep(true))
	ok := &countingListener{id: 2}
	c.AddListener(panickingListener{id: 1})
	c.AddListener(ok)

	<-c.Start(context.Background())

	if got := len(ok.received()); got != 3 {
		t.Fatalf("healthy listener saw %d ticks, want 3", got)
	}
}

func TestClockRealTimeStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New(uint64(time.Millisecond), WithMode(RealTime), WithLockstep(true))
	c.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	c.Stop()

	if c.Running() {
		t.Fatal("clock running after Stop")
	}
	if c.Now() == 0 {
		t.Fatal("real-time clock produced no tics")
	}
}

func TestClockReset(t *testing.T) {
	c := New(7)
	c.Step()
	c.Step()
	c.Reset()
	if got := c.Now(); got != 0 {
		t.Fatalf("Now() after Reset = %d, want 0", got)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"realtime": RealTime, "accelerated": Accelerated, "": Accelerated}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = (%v, %v), want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("warp"); err == nil {
		t.Fatal("ParseMode(warp) should fail")
	}
}

func TestClockSetModeIgnoredWhileRunning(t *testing.T) {
	c := New(DefaultTick)
	if c.Mode() != Accelerated {
		t.Fatalf("default Mode() = %v, want %v", c.Mode(), Accelerated)
	}
	c.SetMode(RealTime)
	if c.Mode() != RealTime {
		t.Fatalf("Mode() = %v, want %v", c.Mode(), RealTime)
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	c.SetMode(Accelerated)
	if c.Mode() != RealTime {
		t.Fatalf("Mode() changed while running: %v", c.Mode())
	}
}

type slowListener struct {
	id       int
	finished atomic.Int64
}

func (l *slowListener) ListenerID() int { return l.id }

func (l *slowListener) ReceiveTick(Tick) {
	time.Sleep(2 * time.Millisecond)
	l.finished.Add(1)
}

// Without lockstep, tics overlap but the run only ends once every reaction
// has returned.
func TestClockDoneWaitsForReactions(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New(1_000, WithLimit(50_000))
	slow := &slowListener{id: 1}
	c.AddListener(slow)

	<-c.Start(context.Background())
	if got := slow.finished.Load(); got != 50 {
		t.Fatalf("finished reactions = %d at done, want 50", got)
	}

	// Manual steps are drained with Wait.
	c.SetLimit(0)
	for i := 0; i < 5; i++ {
		c.Step()
	}
	c.Wait()
	if got := slow.finished.Load(); got != 55 {
		t.Fatalf("finished reactions after Wait = %d, want 55", got)
	}
}
