package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/courierkit/courier/internal/store"
	"github.com/courierkit/courier/pkg/id"
)

func testEntry(g *id.Generator, recipient string) Entry {
	return Entry{ID: g.Next(), Recipient: recipient}
}

func TestFIFOOrder(t *testing.T) {
	m := NewManager(Options{PerRecipientCap: 5})
	g := id.NewGenerator()
	ctx := context.Background()

	a := testEntry(g, "r1")
	b := testEntry(g, "r2")
	c := testEntry(g, "r3")
	// out-of-order insertion still drains FIFO by creation
	m.Enqueue(c)
	m.Enqueue(a)
	m.Enqueue(b)

	for i, want := range []Entry{a, b, c} {
		got, err := m.Next(ctx)
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if got.ID != want.ID {
			t.Fatalf("position %d: got %s want %s", i, got.ID, want.ID)
		}
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	m := NewManager(Options{})
	g := id.NewGenerator()

	e := testEntry(g, "r1")
	m.Enqueue(e)
	m.Enqueue(e)
	m.Enqueue(e)
	if m.Len() != 1 {
		t.Fatalf("duplicate enqueue: len=%d", m.Len())
	}
}

func TestPerRecipientCapSkipsHeadOfLine(t *testing.T) {
	m := NewManager(Options{PerRecipientCap: 1})
	g := id.NewGenerator()
	ctx := context.Background()

	busy1 := testEntry(g, "busy")
	busy2 := testEntry(g, "busy")
	other := testEntry(g, "other")
	m.Enqueue(busy1)
	m.Enqueue(busy2)
	m.Enqueue(other)

	first, err := m.Next(ctx)
	if err != nil || first.ID != busy1.ID {
		t.Fatalf("first: %+v %v", first, err)
	}
	// head of line is busy2 but its recipient is at cap; other must not stall
	second, err := m.Next(ctx)
	if err != nil || second.ID != other.ID {
		t.Fatalf("expected head-of-line skip, got %+v %v", second, err)
	}

	m.Release("busy")
	third, err := m.Next(ctx)
	if err != nil || third.ID != busy2.ID {
		t.Fatalf("after release: %+v %v", third, err)
	}
}

func TestNextBlocksUntilEnqueue(t *testing.T) {
	m := NewManager(Options{})
	g := id.NewGenerator()

	got := make(chan Entry, 1)
	go func() {
		e, err := m.Next(context.Background())
		if err != nil {
			return
		}
		got <- e
	}()

	select {
	case <-got:
		t.Fatalf("Next returned with empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	e := testEntry(g, "r1")
	m.Enqueue(e)
	select {
	case g := <-got:
		if g.ID != e.ID {
			t.Fatalf("woke with wrong entry: %+v", g)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next did not wake on enqueue")
	}
}

func TestNextHonorsEligibleTime(t *testing.T) {
	m := NewManager(Options{})
	g := id.NewGenerator()
	ctx := context.Background()

	e := testEntry(g, "r1")
	e.NotBeforeMs = nowMs() + 80
	m.Enqueue(e)

	start := time.Now()
	got, err := m.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.ID != e.ID {
		t.Fatalf("wrong entry: %+v", got)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("returned before eligible time: %v", elapsed)
	}
}

func TestNextReturnsOnShutdown(t *testing.T) {
	m := NewManager(Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := m.Next(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next did not return after cancellation")
	}
}

type stubSource struct {
	mu  sync.Mutex
	due []store.DueEntry
}

func (s *stubSource) ListDue(int64) ([]store.DueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.DueEntry(nil), s.due...), nil
}

func TestReconcileMergesWithoutDuplicates(t *testing.T) {
	m := NewManager(Options{})
	g := id.NewGenerator()

	a := g.Next()
	b := g.Next()
	src := &stubSource{due: []store.DueEntry{
		{ID: a, Recipient: "r1"},
		{ID: b, Recipient: "r2"},
	}}

	if err := m.Reconcile(src); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := m.Reconcile(src); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("repeat reconcile duplicated entries: len=%d", m.Len())
	}
}

func TestConcurrentDrainNoDuplicates(t *testing.T) {
	m := NewManager(Options{PerRecipientCap: 100})
	g := id.NewGenerator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 200
	ids := make(map[id.ID]bool, n)
	for i := 0; i < n; i++ {
		e := testEntry(g, "shared")
		ids[e.ID] = false
		m.Enqueue(e)
	}

	var mu sync.Mutex
	drained := 0
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := m.Next(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				if ids[e.ID] {
					t.Errorf("entry %s drained twice", e.ID)
				}
				ids[e.ID] = true
				drained++
				if drained == n {
					cancel()
				}
				mu.Unlock()
				m.Release(e.Recipient)
			}
		}()
	}
	wg.Wait()

	for mid, seen := range ids {
		if !seen {
			t.Fatalf("entry %s never drained", mid)
		}
	}
}
