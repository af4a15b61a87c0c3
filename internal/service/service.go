package service

import (
	"context"

	"github.com/courierkit/courier/internal/queue"
	"github.com/courierkit/courier/internal/store"
	"github.com/courierkit/courier/pkg/id"
	logpkg "github.com/courierkit/courier/pkg/log"
)

// Stats is an operator-facing snapshot of the dispatch pipeline.
type Stats struct {
	QueueDepth int                 `json:"queueDepth"`
	States     map[store.State]int `json:"states"`
}

// Service accepts messages and answers queries.
type Service struct {
	st     *store.Store
	q      *queue.Manager
	logger logpkg.Logger

	// OnSubmitted observes accepted submissions. Optional.
	onSubmitted func()
}

// Options configures a Service.
type Options struct {
	Logger      logpkg.Logger
	OnSubmitted func()
}

// New creates a Service over the store and queue.
func New(st *store.Store, q *queue.Manager, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel)).With(logpkg.Component("service"))
	}
	return &Service{st: st, q: q, logger: logger, onSubmitted: opts.OnSubmitted}
}

// Submit validates and accepts a message for delivery, returning its ID.
// Input errors (store.ErrPayloadTooLarge, store.ErrInvalidRecipient) reject
// the submission without creating a record.
func (s *Service) Submit(ctx context.Context, originator, recipient string, payload []byte) (id.ID, error) {
	mid, err := s.st.Create(ctx, originator, recipient, payload)
	if err != nil {
		return id.Zero, err
	}
	s.q.Enqueue(queue.Entry{ID: mid, Recipient: recipient})
	if s.onSubmitted != nil {
		s.onSubmitted()
	}
	s.logger.Info("message accepted",
		logpkg.Str("id", mid.String()),
		logpkg.Str("originator", originator),
		logpkg.Str("recipient", recipient),
		logpkg.Int("bytes", len(payload)))
	return mid, nil
}

// Status returns the current record for a message, history included.
func (s *Service) Status(_ context.Context, mid id.ID) (store.Message, error) {
	return s.st.Get(mid)
}

// List returns up to limit messages in the given state, oldest first.
func (s *Service) List(_ context.Context, state store.State, limit int) ([]store.Message, error) {
	return s.st.ListByState(state, limit)
}

// Stats returns per-state counts and the live queue depth.
func (s *Service) Stats(_ context.Context) (Stats, error) {
	counts, err := s.st.CountByState()
	if err != nil {
		return Stats{}, err
	}
	return Stats{QueueDepth: s.q.Len(), States: counts}, nil
}
