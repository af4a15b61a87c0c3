package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/courierkit/courier/internal/storage/pebble"
	"github.com/courierkit/courier/pkg/id"
	logpkg "github.com/courierkit/courier/pkg/log"
)

// Input and lookup errors. Input errors are rejected synchronously and never
// create a store entry.
var (
	ErrNotFound         = errors.New("store: message not found")
	ErrPayloadTooLarge  = errors.New("store: payload exceeds size ceiling")
	ErrInvalidRecipient = errors.New("store: invalid recipient address")
)

// nowMs is the store clock. Overridable in tests.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// Options configures a Store.
type Options struct {
	// PayloadMaxBytes is the declared payload size ceiling.
	PayloadMaxBytes int
	// RecipientMaxLen bounds recipient address length.
	RecipientMaxLen int
	Logger          logpkg.Logger
}

// Store owns message records and their derived indexes over the Pebble DB.
type Store struct {
	db     *pebblestore.DB
	gen    *id.Generator
	logger logpkg.Logger

	payloadMax   int
	recipientMax int

	// mu serializes read-modify-write cycles; the exported API stays a pure
	// compare-and-set.
	mu sync.Mutex
}

// New creates a Store over an open DB.
func New(db *pebblestore.DB, opts Options) *Store {
	if opts.PayloadMaxBytes <= 0 {
		opts.PayloadMaxBytes = 64 << 10
	}
	if opts.RecipientMaxLen <= 0 {
		opts.RecipientMaxLen = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel)).With(logpkg.Component("store"))
	}
	return &Store{
		db:           db,
		gen:          id.NewGenerator(),
		logger:       logger,
		payloadMax:   opts.PayloadMaxBytes,
		recipientMax: opts.RecipientMaxLen,
	}
}

// Create validates input and persists a new Pending message. Each call
// creates a new message; deduplication is the ingest layer's concern.
func (s *Store) Create(ctx context.Context, originator, recipient string, payload []byte) (id.ID, error) {
	if len(payload) > s.payloadMax {
		return id.Zero, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), s.payloadMax)
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || len(recipient) > s.recipientMax {
		return id.Zero, ErrInvalidRecipient
	}

	mid := s.gen.Next()
	created := mid.TimeMs()
	msg := Message{
		ID:          mid,
		Originator:  originator,
		Recipient:   recipient,
		Payload:     payload,
		CreatedMs:   created,
		State:       StatePending,
		NotBeforeMs: created,
		History:     []Transition{{State: StatePending, AtMs: created}},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putMessage(b, &msg); err != nil {
		return id.Zero, err
	}
	if err := b.Set(dueKey(msg.NotBeforeMs, mid), nil, nil); err != nil {
		return id.Zero, err
	}
	if err := b.Set(stateKey(StatePending, mid), nil, nil); err != nil {
		return id.Zero, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return id.Zero, fmt.Errorf("store: commit create: %w", err)
	}
	return mid, nil
}

// Get loads a message record.
func (s *Store) Get(mid id.ID) (Message, error) {
	raw, err := s.db.Get(msgKey(mid))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("store: get: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("store: decode record: %w", err)
	}
	return msg, nil
}

// CompareAndSetState atomically transitions a message from expected to next,
// applying attemptDelta to the attempt counter. It returns false without
// mutation when the current state does not match expected, or when the
// transition is not legal for the state machine. note is recorded as the
// message's last error and in its history (empty for success paths).
//
// Due and state indexes move in the same batch as the record write.
func (s *Store) CompareAndSetState(ctx context.Context, mid id.ID, expected, next State, attemptDelta int, note string) (bool, error) {
	if !expected.Valid() || !next.Valid() {
		return false, fmt.Errorf("store: invalid state %q -> %q", expected, next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.Get(mid)
	if err != nil {
		return false, err
	}
	if msg.State != expected {
		return false, nil
	}
	if !canTransition(expected, next) {
		return false, nil
	}

	now := nowMs()
	prevState := msg.State
	prevNotBefore := msg.NotBeforeMs

	msg.State = next
	msg.Attempts += attemptDelta
	if attemptDelta > 0 {
		msg.LastAttemptMs = now
	}
	if note != "" {
		msg.LastError = note
	} else if next == StateDelivered {
		msg.LastError = ""
	}
	if dueIndexed(next) {
		// eligible immediately unless Defer moves it later
		msg.NotBeforeMs = now
	}
	msg.History = append(msg.History, Transition{State: next, AtMs: now, Error: note})

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putMessage(b, &msg); err != nil {
		return false, err
	}
	if err := b.Delete(stateKey(prevState, mid), nil); err != nil {
		return false, err
	}
	if err := b.Set(stateKey(next, mid), nil, nil); err != nil {
		return false, err
	}
	if dueIndexed(prevState) {
		if err := b.Delete(dueKey(prevNotBefore, mid), nil); err != nil {
			return false, err
		}
	}
	if dueIndexed(next) {
		if err := b.Set(dueKey(msg.NotBeforeMs, mid), nil, nil); err != nil {
			return false, err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return false, fmt.Errorf("store: commit transition: %w", err)
	}
	return true, nil
}

// Defer moves a retryable message's earliest-eligible time. Returns false
// without mutation when the message is not in failed_retryable.
func (s *Store) Defer(ctx context.Context, mid id.ID, notBeforeMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.Get(mid)
	if err != nil {
		return false, err
	}
	if msg.State != StateFailedRetryable {
		return false, nil
	}

	prev := msg.NotBeforeMs
	msg.NotBeforeMs = notBeforeMs

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putMessage(b, &msg); err != nil {
		return false, err
	}
	if err := b.Delete(dueKey(prev, mid), nil); err != nil {
		return false, err
	}
	if err := b.Set(dueKey(notBeforeMs, mid), nil, nil); err != nil {
		return false, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return false, fmt.Errorf("store: commit defer: %w", err)
	}
	return true, nil
}

// DueEntry is one eligible message from the due index.
type DueEntry struct {
	ID          id.ID
	Recipient   string
	NotBeforeMs int64
}

// ListDue returns messages eligible for a delivery attempt at nowMs: Pending,
// or failed_retryable whose eligible time has passed. Results come back in
// eligibility order. Used at startup and on reconcile ticks to rebuild the
// queue from durable truth.
func (s *Store) ListDue(nowMs int64) ([]DueEntry, error) {
	prefix := duePrefix()
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("store: due iter: %w", err)
	}
	defer it.Close()

	var out []DueEntry
	for ok := it.First(); ok; ok = it.Next() {
		ts, mid, okKey := parseDueKey(it.Key())
		if !okKey {
			continue
		}
		if ts > nowMs {
			break
		}
		msg, err := s.Get(mid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, DueEntry{ID: mid, Recipient: msg.Recipient, NotBeforeMs: ts})
	}
	return out, nil
}

// ListByState returns up to limit messages in the given state, creation order.
func (s *Store) ListByState(state State, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := statePrefix(state)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("store: state iter: %w", err)
	}
	defer it.Close()

	var out []Message
	for ok := it.First(); ok && len(out) < limit; ok = it.Next() {
		k := it.Key()
		if len(k) < 16 {
			continue
		}
		mid, err := id.FromBytes(k[len(k)-16:])
		if err != nil {
			continue
		}
		msg, err := s.Get(mid)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// CountByState scans the state indexes and returns per-state counts.
func (s *Store) CountByState() (map[State]int, error) {
	counts := make(map[State]int, 5)
	for _, state := range []State{StatePending, StateInFlight, StateDelivered, StateFailedRetryable, StateFailedTerminal} {
		prefix := statePrefix(state)
		it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
		if err != nil {
			return nil, fmt.Errorf("store: count iter: %w", err)
		}
		n := 0
		for ok := it.First(); ok; ok = it.Next() {
			n++
		}
		_ = it.Close()
		counts[state] = n
	}
	return counts, nil
}

func (s *Store) putMessage(b *pebble.Batch, msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: encode record: %w", err)
	}
	return b.Set(msgKey(msg.ID), raw, nil)
}
