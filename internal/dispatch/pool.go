package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/courierkit/courier/internal/notify"
	"github.com/courierkit/courier/internal/queue"
	"github.com/courierkit/courier/internal/store"
	logpkg "github.com/courierkit/courier/pkg/log"
)

// PoolOptions configures a worker pool.
type PoolOptions struct {
	// Workers bounds total concurrent outbound attempts.
	Workers int
	// AttemptTimeout bounds each carrier call. The timeout governs state
	// progress even when the carrier cannot be cancelled.
	AttemptTimeout time.Duration
	// MaxAttempts is the retry ceiling.
	MaxAttempts int
	Logger      logpkg.Logger

	// Metric hooks. All optional.
	OnAttempt   func(elapsed time.Duration)
	OnDelivered func()
	OnFailed    func(kind string)
	OnInFlight  func(delta int)
}

// Pool drains the queue with a bounded set of workers.
type Pool struct {
	q        *queue.Manager
	st       *store.Store
	carrier  Carrier
	sched    *Scheduler
	notifier *notify.Notifier
	logger   logpkg.Logger
	opts     PoolOptions
}

// NewPool creates a Pool.
func NewPool(q *queue.Manager, st *store.Store, carrier Carrier, sched *Scheduler, notifier *notify.Notifier, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel)).With(logpkg.Component("dispatch"))
	}
	return &Pool{
		q:        q,
		st:       st,
		carrier:  carrier,
		sched:    sched,
		notifier: notifier,
		logger:   opts.Logger,
		opts:     opts,
	}
}

// Run starts the workers and blocks until ctx is cancelled and all workers
// have drained. No new attempts start after cancellation; attempts already
// in flight run to completion or their own timeout.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	for {
		entry, err := p.q.Next(ctx)
		if err != nil {
			// shutdown: Next returns the cancellation error
			return
		}
		p.attempt(ctx, entry)
		p.q.Release(entry.Recipient)
	}
}

// attempt runs the delivery protocol for one queue entry.
func (p *Pool) attempt(ctx context.Context, entry queue.Entry) {
	msg, err := p.st.Get(entry.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error("load before attempt failed", logpkg.Str("id", entry.ID.String()), logpkg.Err(err))
		}
		return
	}
	if msg.State != store.StatePending && msg.State != store.StateFailedRetryable {
		// stale queue entry; the store already moved on
		return
	}

	ok, err := p.st.CompareAndSetState(ctx, msg.ID, msg.State, store.StateInFlight, 1, "")
	if err != nil {
		p.logger.Error("inflight transition failed", logpkg.Str("id", msg.ID.String()), logpkg.Err(err))
		return
	}
	if !ok {
		// lost the race; skip
		return
	}
	p.publish(msg, store.StateInFlight, "")
	if p.opts.OnInFlight != nil {
		p.opts.OnInFlight(1)
		defer p.opts.OnInFlight(-1)
	}

	// re-read for the attempt bookkeeping the CAS just wrote
	msg, err = p.st.Get(msg.ID)
	if err != nil {
		p.logger.Error("reload after inflight failed", logpkg.Str("id", entry.ID.String()), logpkg.Err(err))
		return
	}

	start := time.Now()
	sendErr := p.send(msg.Recipient, msg.Payload)
	if p.opts.OnAttempt != nil {
		p.opts.OnAttempt(time.Since(start))
	}

	switch {
	case sendErr == nil:
		p.resolve(ctx, msg, store.StateDelivered, "")
		if p.opts.OnDelivered != nil {
			p.opts.OnDelivered()
		}
	case IsTerminal(sendErr):
		p.resolve(ctx, msg, store.StateFailedTerminal, sendErr.Error())
		if p.opts.OnFailed != nil {
			p.opts.OnFailed("terminal")
		}
	case msg.Attempts >= p.opts.MaxAttempts:
		p.resolve(ctx, msg, store.StateFailedTerminal, sendErr.Error())
		if p.opts.OnFailed != nil {
			p.opts.OnFailed("exhausted")
		}
	default:
		if p.resolve(ctx, msg, store.StateFailedRetryable, sendErr.Error()) {
			updated, err := p.st.Get(msg.ID)
			if err == nil {
				p.sched.Reschedule(ctx, updated)
			}
		}
		if p.opts.OnFailed != nil {
			p.opts.OnFailed("retryable")
		}
	}
}

// send invokes the carrier under the attempt timeout. The carrier call runs
// in its own goroutine so the worker makes progress even if the call ignores
// cancellation; the orphaned call's result is discarded.
func (p *Pool) send(recipient string, payload []byte) error {
	// deliberately detached from the pool context: an attempt already
	// started resolves on its own timeout during shutdown
	cctx, cancel := context.WithTimeout(context.Background(), p.opts.AttemptTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- p.carrier.Send(cctx, recipient, payload)
	}()

	select {
	case err := <-result:
		return err
	case <-cctx.Done():
		return Retryable("attempt timed out after " + p.opts.AttemptTimeout.String())
	}
}

// resolve transitions an in-flight message to its outcome and notifies.
// Returns whether the CAS won.
func (p *Pool) resolve(ctx context.Context, msg store.Message, outcome store.State, note string) bool {
	ok, err := p.st.CompareAndSetState(ctx, msg.ID, store.StateInFlight, outcome, 0, note)
	if err != nil {
		p.logger.Error("resolve transition failed",
			logpkg.Str("id", msg.ID.String()),
			logpkg.Str("outcome", string(outcome)),
			logpkg.Err(err))
		return false
	}
	if !ok {
		return false
	}
	p.publish(msg, outcome, note)

	switch outcome {
	case store.StateDelivered:
		p.logger.Info("delivered",
			logpkg.Str("id", msg.ID.String()),
			logpkg.Str("recipient", msg.Recipient),
			logpkg.Int("attempts", msg.Attempts))
	case store.StateFailedTerminal:
		p.logger.Warn("terminally failed",
			logpkg.Str("id", msg.ID.String()),
			logpkg.Str("recipient", msg.Recipient),
			logpkg.Int("attempts", msg.Attempts),
			logpkg.Str("error", note))
	}
	return true
}

func (p *Pool) publish(msg store.Message, state store.State, note string) {
	p.notifier.Publish(notify.StatusEvent{
		ID:         msg.ID,
		Originator: msg.Originator,
		State:      state,
		Error:      note,
	})
}
