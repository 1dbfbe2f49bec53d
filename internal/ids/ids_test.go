package ids

import (
	"errors"
	"sync"
	"testing"
)

func TestEventIDsMonotonic(t *testing.T) {
	g := NewEventIDs()
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		id, err := g.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if id <= prev {
			t.Fatalf("Next() = %d, want > %d", id, prev)
		}
		prev = id
	}
}

func TestEventIDsOverflow(t *testing.T) {
	g := NewEventIDsWithLimit(2)
	for i := 0; i < 2; i++ {
		if _, err := g.Next(); err != nil {
			t.Fatalf("Next #%d: %v", i, err)
		}
	}
	if _, err := g.Next(); !errors.Is(err, ErrOverflow) {
		t.Fatalf("Next past limit error = %v, want ErrOverflow", err)
	}

	g.Reset()
	if id, err := g.Next(); err != nil || id != 1 {
		t.Fatalf("Next after Reset = (%d, %v), want (1, nil)", id, err)
	}
}

func TestEventIDsConcurrentUnique(t *testing.T) {
	g := NewEventIDs()
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := g.Next()
				if err != nil {
					t.Errorf("Next: %v", err)
					return
				}
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("unique ids = %d, want %d", len(seen), workers*perWorker)
	}
}

func TestElementIDsObserve(t *testing.T) {
	g := NewElementIDs()
	g.Observe(41)
	if id, _ := g.Next(); id != 42 {
		t.Fatalf("Next after Observe(41) = %d, want 42", id)
	}
	g.Observe(3)
	if id, _ := g.Next(); id != 43 {
		t.Fatalf("Observe of a lower id moved the generator back: got %d", id)
	}

	small := NewElementIDsWithLimit(1)
	small.Next()
	if _, err := small.Next(); !errors.Is(err, ErrOverflow) {
		t.Fatalf("element overflow error = %v, want ErrOverflow", err)
	}
}

func TestAddresses(t *testing.T) {
	g := NewAddresses()
	first, err := g.Next()
	if err != nil || first != "10.0.0.1" {
		t.Fatalf("first address = (%q, %v), want 10.0.0.1", first, err)
	}

	g.Observe("10.0.0.255")
	if next, _ := g.Next(); next != "10.0.1.0" {
		t.Fatalf("address after 10.0.0.255 = %q, want 10.0.1.0", next)
	}

	g.Observe("192.168.1.1")
	if next, _ := g.Next(); next != "10.0.1.1" {
		t.Fatalf("foreign address moved the generator: got %q", next)
	}

	g.Observe("10.255.255.254")
	if _, err := g.Next(); !errors.Is(err, ErrOverflow) {
		t.Fatalf("exhausted address error = %v, want ErrOverflow", err)
	}
}
