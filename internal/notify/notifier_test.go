package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courierkit/courier/internal/store"
	"github.com/courierkit/courier/pkg/id"
)

func startNotifier(t *testing.T, opts Options) *Notifier {
	t.Helper()
	n := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.Run(ctx)
	return n
}

func TestFanoutByOriginator(t *testing.T) {
	n := startNotifier(t, Options{})
	g := id.NewGenerator()

	_, chA := n.Subscribe("app-a")
	_, chB := n.Subscribe("app-b")

	ev := StatusEvent{ID: g.Next(), Originator: "app-a", State: store.StateDelivered}
	n.Publish(ev)

	select {
	case got := <-chA:
		require.Equal(t, ev.ID, got.ID)
		require.Equal(t, store.StateDelivered, got.State)
		require.NotZero(t, got.TimestampMs)
	case <-time.After(time.Second):
		t.Fatal("subscriber A never received the event")
	}

	select {
	case got := <-chB:
		t.Fatalf("subscriber B received foreign event: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribersSameOriginator(t *testing.T) {
	n := startNotifier(t, Options{})
	g := id.NewGenerator()

	_, ch1 := n.Subscribe("app")
	_, ch2 := n.Subscribe("app")

	n.Publish(StatusEvent{ID: g.Next(), Originator: "app", State: store.StateFailedTerminal, Error: "gone"})

	for i, ch := range []<-chan StatusEvent{ch1, ch2} {
		select {
		case got := <-ch:
			require.Equal(t, "gone", got.Error)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d starved", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	var dropped atomic.Int64
	n := startNotifier(t, Options{
		SubscriberBuffer: 1,
		OnDropped:        func() { dropped.Add(1) },
	})
	g := id.NewGenerator()

	_, ch := n.Subscribe("app")
	_ = ch // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Publish(StatusEvent{ID: g.Next(), Originator: "app", State: store.StatePending})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	require.Eventually(t, func() bool { return dropped.Load() > 0 },
		2*time.Second, 10*time.Millisecond, "expected drops for a full subscriber buffer")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	n := startNotifier(t, Options{})

	token, ch := n.Subscribe("app")
	require.Equal(t, 1, n.Subscribers())

	n.Unsubscribe(token)
	require.Equal(t, 0, n.Subscribers())

	_, open := <-ch
	require.False(t, open, "channel should be closed after unsubscribe")

	// repeated unsubscribe is a no-op
	n.Unsubscribe(token)
}

func TestPublishAfterUnsubscribeIsSafe(t *testing.T) {
	n := startNotifier(t, Options{})
	g := id.NewGenerator()

	token, _ := n.Subscribe("app")
	n.Unsubscribe(token)
	n.Publish(StatusEvent{ID: g.Next(), Originator: "app", State: store.StateDelivered})
	// nothing to assert beyond absence of panic; give the dispatcher a beat
	time.Sleep(20 * time.Millisecond)
}
