package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courierkit/courier/internal/store"
	"github.com/courierkit/courier/pkg/id"
	logpkg "github.com/courierkit/courier/pkg/log"
)

// StatusEvent reports one state transition. Originator routes the event to
// its subscribers; the remaining fields are what external transports must
// preserve when serializing.
type StatusEvent struct {
	ID          id.ID       `json:"id"`
	Originator  string      `json:"originator"`
	State       store.State `json:"state"`
	TimestampMs int64       `json:"timestampMs"`
	Error       string      `json:"error,omitempty"`
}

// Options configures a Notifier.
type Options struct {
	// Buffer is the handoff channel depth between producers and the dispatcher.
	Buffer int
	// SubscriberBuffer is the per-subscriber channel depth.
	SubscriberBuffer int
	Logger           logpkg.Logger
	// OnDispatched and OnDropped observe fanout outcomes. Optional.
	OnDispatched func()
	OnDropped    func()
}

type subscriber struct {
	originator string
	ch         chan StatusEvent
}

// Notifier decouples status fanout from the delivery path.
type Notifier struct {
	logger  logpkg.Logger
	events  chan StatusEvent
	subBuf  int
	onSent  func()
	onDrop  func()

	mu   sync.Mutex
	subs map[uuid.UUID]*subscriber
	// byOriginator indexes subs for fanout
	byOriginator map[string]map[uuid.UUID]*subscriber
}

// New creates a Notifier. Run must be started for events to flow.
func New(opts Options) *Notifier {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel)).With(logpkg.Component("notify"))
	}
	return &Notifier{
		logger:       logger,
		events:       make(chan StatusEvent, opts.Buffer),
		subBuf:       opts.SubscriberBuffer,
		onSent:       opts.OnDispatched,
		onDrop:       opts.OnDropped,
		subs:         make(map[uuid.UUID]*subscriber),
		byOriginator: make(map[string]map[uuid.UUID]*subscriber),
	}
}

// Publish hands an event to the dispatcher without blocking the caller. If
// the handoff buffer is full the event is dropped; authoritative state lives
// in the store, never here.
func (n *Notifier) Publish(ev StatusEvent) {
	if ev.TimestampMs == 0 {
		ev.TimestampMs = time.Now().UnixMilli()
	}
	select {
	case n.events <- ev:
	default:
		if n.onDrop != nil {
			n.onDrop()
		}
		n.logger.Warn("event handoff full, dropping",
			logpkg.Str("id", ev.ID.String()), logpkg.Str("state", string(ev.State)))
	}
}

// Run drains the handoff channel and fans events out until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.events:
			n.fanout(ev)
		}
	}
}

// fanout sends under the lock; sends never block, and closing in Unsubscribe
// happens under the same lock, so no send can race a close.
func (n *Notifier) fanout(ev StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.byOriginator[ev.Originator] {
		select {
		case sub.ch <- ev:
			if n.onSent != nil {
				n.onSent()
			}
		default:
			// slow subscriber: drop rather than stall the dispatcher
			if n.onDrop != nil {
				n.onDrop()
			}
		}
	}
}

// Subscribe registers interest in one originator's messages and returns a
// cancellation token plus the event channel.
func (n *Notifier) Subscribe(originator string) (uuid.UUID, <-chan StatusEvent) {
	token := uuid.New()
	sub := &subscriber{originator: originator, ch: make(chan StatusEvent, n.subBuf)}

	n.mu.Lock()
	n.subs[token] = sub
	if n.byOriginator[originator] == nil {
		n.byOriginator[originator] = make(map[uuid.UUID]*subscriber)
	}
	n.byOriginator[originator][token] = sub
	n.mu.Unlock()

	return token, sub.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(token uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub, ok := n.subs[token]
	if !ok {
		return
	}
	delete(n.subs, token)
	delete(n.byOriginator[sub.originator], token)
	if len(n.byOriginator[sub.originator]) == 0 {
		delete(n.byOriginator, sub.originator)
	}
	close(sub.ch)
}

// Subscribers returns the number of active subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
