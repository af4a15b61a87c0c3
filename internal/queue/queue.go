package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/courierkit/courier/internal/store"
	"github.com/courierkit/courier/pkg/id"
	logpkg "github.com/courierkit/courier/pkg/log"
)

// Entry is one queued message: identifier, recipient, earliest-eligible time.
type Entry struct {
	ID          id.ID
	Recipient   string
	NotBeforeMs int64
}

// DueSource yields messages eligible for a delivery attempt. Implemented by
// the message store.
type DueSource interface {
	ListDue(nowMs int64) ([]store.DueEntry, error)
}

// Options configures a Manager.
type Options struct {
	// PerRecipientCap bounds simultaneous in-flight attempts per recipient.
	PerRecipientCap int
	Logger          logpkg.Logger
	// OnDepthChange observes queue depth after every change. Optional.
	OnDepthChange func(depth int)
}

// Manager orders due messages and hands them to workers through Next.
// All state is internal and mutex-guarded; nothing escapes the
// enqueue/next/release contract.
type Manager struct {
	logger logpkg.Logger
	cap    int
	onDep  func(int)

	mu       sync.Mutex
	wake     chan struct{}
	entries  []Entry
	queued   map[id.ID]struct{}
	inflight map[string]int
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.PerRecipientCap <= 0 {
		opts.PerRecipientCap = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel)).With(logpkg.Component("queue"))
	}
	return &Manager{
		logger:   logger,
		cap:      opts.PerRecipientCap,
		onDep:    opts.OnDepthChange,
		wake:     make(chan struct{}),
		queued:   make(map[id.ID]struct{}),
		inflight: make(map[string]int),
	}
}

// nowMs is the queue clock. Overridable in tests.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// Enqueue adds an entry, keeping FIFO order by ID. Idempotent: an ID already
// queued is left untouched.
func (m *Manager) Enqueue(e Entry) {
	m.mu.Lock()
	if _, dup := m.queued[e.ID]; dup {
		m.mu.Unlock()
		return
	}
	m.queued[e.ID] = struct{}{}
	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].ID.Compare(e.ID) > 0
	})
	m.entries = append(m.entries, Entry{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = e
	depth := len(m.entries)
	m.signalLocked()
	m.mu.Unlock()

	if m.onDep != nil {
		m.onDep(depth)
	}
}

// Next blocks until an entry is eligible: due, and its recipient below the
// in-flight cap. It charges the recipient's in-flight slot; the caller must
// Release when the attempt resolves. On shutdown it returns ctx.Err().
func (m *Manager) Next(ctx context.Context) (Entry, error) {
	for {
		m.mu.Lock()
		now := nowMs()
		var earliest int64
		picked := -1
		for i, e := range m.entries {
			if e.NotBeforeMs > now {
				if earliest == 0 || e.NotBeforeMs < earliest {
					earliest = e.NotBeforeMs
				}
				continue
			}
			if m.inflight[e.Recipient] >= m.cap {
				continue
			}
			picked = i
			break
		}
		if picked >= 0 {
			e := m.entries[picked]
			m.entries = append(m.entries[:picked], m.entries[picked+1:]...)
			delete(m.queued, e.ID)
			m.inflight[e.Recipient]++
			depth := len(m.entries)
			m.mu.Unlock()
			if m.onDep != nil {
				m.onDep(depth)
			}
			return e, nil
		}

		ch := m.wake
		m.mu.Unlock()

		if earliest > 0 {
			wait := time.Duration(earliest-now) * time.Millisecond
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return Entry{}, ctx.Err()
			case <-ch:
				t.Stop()
			case <-t.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return Entry{}, ctx.Err()
			case <-ch:
			}
		}
	}
}

// Release returns a recipient's in-flight slot and wakes waiters.
func (m *Manager) Release(recipient string) {
	m.mu.Lock()
	if n := m.inflight[recipient]; n <= 1 {
		delete(m.inflight, recipient)
	} else {
		m.inflight[recipient] = n - 1
	}
	m.signalLocked()
	m.mu.Unlock()
}

// InFlight returns the current in-flight count for a recipient.
func (m *Manager) InFlight(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[recipient]
}

// Len returns the number of queued entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reconcile merges the store's due scan into the queue. Enqueue idempotence
// makes repeated scans safe.
func (m *Manager) Reconcile(src DueSource) error {
	due, err := src.ListDue(nowMs())
	if err != nil {
		return err
	}
	for _, d := range due {
		m.Enqueue(Entry{ID: d.ID, Recipient: d.Recipient, NotBeforeMs: d.NotBeforeMs})
	}
	return nil
}

// RunReconciler rescans the store every interval until ctx is cancelled.
func (m *Manager) RunReconciler(ctx context.Context, src DueSource, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reconcile(src); err != nil {
				m.logger.Warn("reconcile scan failed", logpkg.Err(err))
			}
		}
	}
}

// signalLocked wakes all Next waiters. Callers hold m.mu.
func (m *Manager) signalLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}
