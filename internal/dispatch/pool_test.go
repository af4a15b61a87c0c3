package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courierkit/courier/internal/backoff"
	"github.com/courierkit/courier/internal/notify"
	"github.com/courierkit/courier/internal/queue"
	pebblestore "github.com/courierkit/courier/internal/storage/pebble"
	"github.com/courierkit/courier/internal/store"
	"github.com/courierkit/courier/pkg/id"
)

// scriptedCarrier returns the scripted error for each call, counted from 1.
type scriptedCarrier struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) error
}

func (c *scriptedCarrier) Send(ctx context.Context, recipient string, payload []byte) error {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	return c.fn(call)
}

func (c *scriptedCarrier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	st    *store.Store
	q     *queue.Manager
	n     *notify.Notifier
	sched *Scheduler
	pool  *Pool
}

func newHarness(t *testing.T, carrier Carrier, popts PoolOptions, qopts queue.Options) *harness {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, store.Options{})
	q := queue.NewManager(qopts)
	n := notify.New(notify.Options{})
	sched := NewScheduler(st, q, n, SchedulerOptions{
		Policy:      backoff.Policy{Base: time.Millisecond, Max: 4 * time.Millisecond},
		MaxAttempts: popts.MaxAttempts,
	})
	h := &harness{st: st, q: q, n: n, sched: sched}
	h.pool = NewPool(q, st, carrier, sched, n, popts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.Run(ctx)
	go h.pool.Run(ctx)
	return h
}

func (h *harness) submit(t *testing.T, originator, recipient string) id.ID {
	t.Helper()
	mid, err := h.st.Create(context.Background(), originator, recipient, []byte("hello"))
	require.NoError(t, err)
	h.q.Enqueue(queue.Entry{ID: mid, Recipient: recipient})
	return mid
}

func (h *harness) waitFor(t *testing.T, mid id.ID, want store.State) store.Message {
	t.Helper()
	var msg store.Message
	require.Eventually(t, func() bool {
		var err error
		msg, err = h.st.Get(mid)
		return err == nil && msg.State == want
	}, 5*time.Second, 2*time.Millisecond, "message never reached %s", want)
	return msg
}

func TestPoolFirstAttemptSuccess(t *testing.T) {
	carrier := &scriptedCarrier{fn: func(int) error { return nil }}
	h := newHarness(t, carrier, PoolOptions{Workers: 2, MaxAttempts: 5, AttemptTimeout: time.Second}, queue.Options{})

	token, events := h.n.Subscribe("alice")
	defer h.n.Unsubscribe(token)

	mid := h.submit(t, "alice", "+15550001")
	msg := h.waitFor(t, mid, store.StateDelivered)

	require.Equal(t, 1, msg.Attempts)
	require.Equal(t, 1, carrier.callCount())
	require.Empty(t, msg.LastError)

	var delivered int
	deadline := time.After(time.Second)
	for delivered == 0 {
		select {
		case ev := <-events:
			if ev.State == store.StateDelivered {
				require.Equal(t, mid, ev.ID)
				delivered++
			}
		case <-deadline:
			t.Fatal("no delivered event")
		}
	}
}

func TestPoolRetriesThenSucceeds(t *testing.T) {
	carrier := &scriptedCarrier{fn: func(call int) error {
		if call <= 3 {
			return Retryable("carrier busy")
		}
		return nil
	}}
	h := newHarness(t, carrier, PoolOptions{Workers: 2, MaxAttempts: 5, AttemptTimeout: time.Second}, queue.Options{})

	mid := h.submit(t, "alice", "+15550002")
	msg := h.waitFor(t, mid, store.StateDelivered)

	require.Equal(t, 4, msg.Attempts)
	require.Equal(t, 4, carrier.callCount())
}

func TestPoolExhaustsRetries(t *testing.T) {
	carrier := &scriptedCarrier{fn: func(int) error { return Retryable("carrier down") }}
	h := newHarness(t, carrier, PoolOptions{Workers: 2, MaxAttempts: 3, AttemptTimeout: time.Second}, queue.Options{})

	mid := h.submit(t, "alice", "+15550003")
	msg := h.waitFor(t, mid, store.StateFailedTerminal)

	require.Equal(t, 3, msg.Attempts)
	require.Equal(t, 3, carrier.callCount())
	require.Contains(t, msg.LastError, "carrier down")

	// terminal states take no further attempts
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, carrier.callCount())
}

func TestPoolTerminalFailureStopsImmediately(t *testing.T) {
	carrier := &scriptedCarrier{fn: func(int) error { return Terminal("unknown subscriber") }}
	h := newHarness(t, carrier, PoolOptions{Workers: 2, MaxAttempts: 5, AttemptTimeout: time.Second}, queue.Options{})

	mid := h.submit(t, "alice", "+15550004")
	msg := h.waitFor(t, mid, store.StateFailedTerminal)

	require.Equal(t, 1, msg.Attempts)
	require.Equal(t, 1, carrier.callCount())
	require.Contains(t, msg.LastError, "unknown subscriber")
}

func TestPoolAttemptTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	carrier := CarrierFunc(func(ctx context.Context, recipient string, payload []byte) error {
		// ignores cancellation on purpose
		<-block
		return nil
	})
	h := newHarness(t, carrier, PoolOptions{Workers: 1, MaxAttempts: 1, AttemptTimeout: 20 * time.Millisecond}, queue.Options{})

	mid := h.submit(t, "alice", "+15550005")
	msg := h.waitFor(t, mid, store.StateFailedTerminal)

	require.Equal(t, 1, msg.Attempts)
	require.True(t, strings.Contains(msg.LastError, "timed out"), "got %q", msg.LastError)
}

func TestPoolDuplicateEnqueueSingleAttempt(t *testing.T) {
	carrier := &scriptedCarrier{fn: func(int) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}}
	h := newHarness(t, carrier, PoolOptions{Workers: 4, MaxAttempts: 5, AttemptTimeout: time.Second}, queue.Options{})

	mid := h.submit(t, "alice", "+15550006")
	// duplicate enqueues collapse in the queue; a late duplicate after
	// dequeue loses the inflight CAS instead
	h.q.Enqueue(queue.Entry{ID: mid, Recipient: "+15550006"})
	h.q.Enqueue(queue.Entry{ID: mid, Recipient: "+15550006"})

	msg := h.waitFor(t, mid, store.StateDelivered)
	require.Equal(t, 1, msg.Attempts)
	require.Equal(t, 1, carrier.callCount())
}

func TestPoolPerRecipientCap(t *testing.T) {
	var mu sync.Mutex
	inflight, peak := 0, 0
	carrier := CarrierFunc(func(ctx context.Context, recipient string, payload []byte) error {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return nil
	})
	h := newHarness(t, carrier,
		PoolOptions{Workers: 4, MaxAttempts: 5, AttemptTimeout: time.Second},
		queue.Options{PerRecipientCap: 1})

	var ids []id.ID
	for i := 0; i < 6; i++ {
		ids = append(ids, h.submit(t, "alice", "+15550007"))
	}
	for _, mid := range ids {
		h.waitFor(t, mid, store.StateDelivered)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, peak, "cap of one recipient slot was exceeded")
}

func TestPoolFanoutAcrossRecipients(t *testing.T) {
	carrier := &scriptedCarrier{fn: func(int) error { return nil }}
	h := newHarness(t, carrier, PoolOptions{Workers: 4, MaxAttempts: 5, AttemptTimeout: time.Second}, queue.Options{})

	recipients := []string{"+15550010", "+15550011", "+15550012", "+15550013"}
	var ids []id.ID
	for _, r := range recipients {
		ids = append(ids, h.submit(t, "alice", r))
	}
	for i, mid := range ids {
		msg := h.waitFor(t, mid, store.StateDelivered)
		require.Equal(t, recipients[i], msg.Recipient)
		require.Equal(t, 1, msg.Attempts)
	}
}
