package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	cfgpkg "github.com/courierkit/courier/internal/config"
	"github.com/courierkit/courier/internal/dispatch"
	pebblestore "github.com/courierkit/courier/internal/storage/pebble"
	"github.com/courierkit/courier/internal/store"
)

func testOptions(dir string) Options {
	cfg := cfgpkg.Default()
	cfg.Dispatch.BaseDelayMs = 1
	cfg.Dispatch.MaxDelayMs = 4
	cfg.Dispatch.ReconcileIntervalMs = 10
	return Options{
		DataDir: dir,
		Fsync:   pebblestore.FsyncModeNever,
		Config:  cfg,
		Carrier: dispatch.CarrierFunc(func(ctx context.Context, recipient string, payload []byte) error {
			return nil
		}),
	}
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(testOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestOpenRequiresCarrier(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.Carrier = nil
	if _, err := Open(opts); err == nil {
		t.Fatal("expected error without carrier endpoint")
	}
}

func TestSubmitDeliversEndToEnd(t *testing.T) {
	rt, err := Open(testOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	mid, err := rt.Service().Submit(ctx, "alice", "+15550400", []byte("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		msg, err := rt.Service().Status(ctx, mid)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if msg.State == store.StateDelivered {
			if msg.Attempts != 1 {
				t.Fatalf("attempts = %d, want 1", msg.Attempts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message stuck in %s", msg.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRecoveryRequeuesDueMessages(t *testing.T) {
	dir := t.TempDir()

	// first run accepts a message but never starts the pipeline
	opts := testOptions(dir)
	rt, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	mid, err := rt.Service().Submit(ctx, "alice", "+15550401", []byte("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// second run recovers it from the due index and delivers
	rt2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt2.Close()
	if err := rt2.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		msg, err := rt2.Service().Status(ctx, mid)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if msg.State == store.StateDelivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never recovered, state %s", msg.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRecoveryResolvesInterruptedAttempts(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	ctx := context.Background()

	rt, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mid, err := rt.Service().Submit(ctx, "alice", "+15550403", []byte("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// simulate an attempt interrupted by a crash
	ok, err := rt.Store().CompareAndSetState(ctx, mid, store.StatePending, store.StateInFlight, 1, "")
	if err != nil || !ok {
		t.Fatalf("inflight cas: ok=%v err=%v", ok, err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt2.Close()
	if err := rt2.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		msg, err := rt2.Service().Status(ctx, mid)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if msg.State == store.StateDelivered {
			if msg.Attempts != 2 {
				t.Fatalf("attempts = %d, want 2", msg.Attempts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message stuck in %s", msg.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRetryExhaustionEndToEnd(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.Config.Dispatch.MaxAttempts = 2
	opts.Carrier = dispatch.CarrierFunc(func(ctx context.Context, recipient string, payload []byte) error {
		return errors.New("gateway unreachable")
	})

	rt, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	mid, err := rt.Service().Submit(ctx, "alice", "+15550402", []byte("hello"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		msg, err := rt.Service().Status(ctx, mid)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if msg.State == store.StateFailedTerminal {
			if msg.Attempts != 2 {
				t.Fatalf("attempts = %d, want 2", msg.Attempts)
			}
			if len(msg.History) == 0 {
				t.Fatal("expected transition history")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message stuck in %s", msg.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
