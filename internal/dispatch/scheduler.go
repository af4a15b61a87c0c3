package dispatch

import (
	"context"

	"github.com/courierkit/courier/internal/backoff"
	"github.com/courierkit/courier/internal/notify"
	"github.com/courierkit/courier/internal/queue"
	"github.com/courierkit/courier/internal/store"
	logpkg "github.com/courierkit/courier/pkg/log"
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Policy      backoff.Policy
	MaxAttempts int
	Logger      logpkg.Logger
	// OnRetry observes each re-enqueue. Optional.
	OnRetry func()
}

// Scheduler decides what happens to a failed-retryable message: re-enqueue
// after backoff, or terminal failure once attempts are exhausted. It holds no
// state beyond what is in the store.
type Scheduler struct {
	st       *store.Store
	q        *queue.Manager
	notifier *notify.Notifier
	logger   logpkg.Logger

	policy      backoff.Policy
	maxAttempts int
	onRetry     func()
}

// NewScheduler creates a Scheduler.
func NewScheduler(st *store.Store, q *queue.Manager, notifier *notify.Notifier, opts SchedulerOptions) *Scheduler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel)).With(logpkg.Component("scheduler"))
	}
	return &Scheduler{
		st:          st,
		q:           q,
		notifier:    notifier,
		logger:      logger,
		policy:      opts.Policy,
		maxAttempts: opts.MaxAttempts,
		onRetry:     opts.OnRetry,
	}
}

// Reschedule handles a message that just transitioned to failed_retryable.
// Below the ceiling it defers the eligible time by backoff and re-enqueues;
// at the ceiling it drives the message to failed_terminal. A losing CAS means
// someone else already moved the message on; that is fine.
func (s *Scheduler) Reschedule(ctx context.Context, msg store.Message) {
	if msg.Attempts >= s.maxAttempts {
		s.exhaust(ctx, msg)
		return
	}

	delay := s.policy.Delay(msg.Attempts)
	notBefore := msg.LastAttemptMs + delay.Milliseconds()

	ok, err := s.st.Defer(ctx, msg.ID, notBefore)
	if err != nil {
		s.logger.Error("defer failed", logpkg.Str("id", msg.ID.String()), logpkg.Err(err))
		return
	}
	if !ok {
		return
	}
	s.q.Enqueue(queue.Entry{ID: msg.ID, Recipient: msg.Recipient, NotBeforeMs: notBefore})
	if s.onRetry != nil {
		s.onRetry()
	}
	s.logger.Debug("retry scheduled",
		logpkg.Str("id", msg.ID.String()),
		logpkg.Int("attempts", msg.Attempts),
		logpkg.Dur("delay", delay))
}

func (s *Scheduler) exhaust(ctx context.Context, msg store.Message) {
	const note = "retry attempts exhausted"
	ok, err := s.st.CompareAndSetState(ctx, msg.ID, store.StateFailedRetryable, store.StateFailedTerminal, 0, note)
	if err != nil {
		s.logger.Error("exhaustion transition failed", logpkg.Str("id", msg.ID.String()), logpkg.Err(err))
		return
	}
	if !ok {
		return
	}
	s.notifier.Publish(notify.StatusEvent{
		ID:         msg.ID,
		Originator: msg.Originator,
		State:      store.StateFailedTerminal,
		Error:      note,
	})
	s.logger.Info("message terminally failed",
		logpkg.Str("id", msg.ID.String()),
		logpkg.Int("attempts", msg.Attempts))
}
