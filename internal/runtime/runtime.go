package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/courierkit/courier/internal/backoff"
	cfgpkg "github.com/courierkit/courier/internal/config"
	"github.com/courierkit/courier/internal/dispatch"
	"github.com/courierkit/courier/internal/metrics"
	"github.com/courierkit/courier/internal/notify"
	"github.com/courierkit/courier/internal/queue"
	"github.com/courierkit/courier/internal/service"
	pebblestore "github.com/courierkit/courier/internal/storage/pebble"
	"github.com/courierkit/courier/internal/store"
	logpkg "github.com/courierkit/courier/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        logpkg.Logger
	// Carrier overrides the built-in webhook carrier. Tests use this.
	Carrier dispatch.Carrier
}

// Runtime wires storage and the dispatch pipeline for a single-node instance:
// store, queue, workers, retry scheduler, and status fanout.
type Runtime struct {
	config  cfgpkg.Config
	logger  logpkg.Logger
	metrics *metrics.Metrics

	db       *pebblestore.DB
	store    *store.Store
	queue    *queue.Manager
	notifier *notify.Notifier
	sched    *dispatch.Scheduler
	pool     *dispatch.Pool
	svc      *service.Service

	startOnce sync.Once
	cancel    context.CancelFunc
	done      sync.WaitGroup
}

// Open initializes storage and wires the pipeline. Nothing runs until Start.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	m := metrics.New()

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       m.Storage(),
	})
	if err != nil {
		return nil, err
	}

	st := store.New(db, store.Options{
		PayloadMaxBytes: cfg.Limits.PayloadMaxBytes,
		RecipientMaxLen: cfg.Limits.RecipientMaxLen,
		Logger:          logger.With(logpkg.Component("store")),
	})

	q := queue.NewManager(queue.Options{
		PerRecipientCap: cfg.Dispatch.PerRecipientCap,
		Logger:          logger.With(logpkg.Component("queue")),
		OnDepthChange:   func(depth int) { m.QueueDepth.Set(float64(depth)) },
	})

	n := notify.New(notify.Options{
		Buffer:           cfg.Notify.Buffer,
		SubscriberBuffer: cfg.Notify.SubscriberBuffer,
		Logger:           logger.With(logpkg.Component("notify")),
		OnDispatched:     func() { m.Events.WithLabelValues("dispatched").Inc() },
		OnDropped:        func() { m.Events.WithLabelValues("dropped").Inc() },
	})

	carrier := opts.Carrier
	if carrier == nil {
		if cfg.Carrier.Endpoint == "" {
			_ = db.Close()
			return nil, errors.New("runtime: no carrier endpoint configured")
		}
		carrier = dispatch.NewWebhookCarrier(cfg.Carrier.Endpoint)
	}

	sched := dispatch.NewScheduler(st, q, n, dispatch.SchedulerOptions{
		Policy: backoff.Policy{
			Base:           cfg.Dispatch.BaseDelay(),
			Max:            cfg.Dispatch.MaxDelay(),
			JitterFraction: cfg.Dispatch.JitterFraction,
		},
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Logger:      logger.With(logpkg.Component("scheduler")),
		OnRetry:     func() { m.Retries.Inc() },
	})

	pool := dispatch.NewPool(q, st, carrier, sched, n, dispatch.PoolOptions{
		Workers:        cfg.Dispatch.Workers,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout(),
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		Logger:         logger.With(logpkg.Component("dispatch")),
		OnAttempt:      func(elapsed time.Duration) { m.AttemptDuration.Observe(elapsed.Seconds()) },
		OnDelivered:    func() { m.Delivered.Inc() },
		OnFailed:       func(kind string) { m.Failed.WithLabelValues(kind).Inc() },
		OnInFlight:     func(delta int) { m.InFlight.Add(float64(delta)) },
	})

	svc := service.New(st, q, service.Options{
		Logger:      logger.With(logpkg.Component("service")),
		OnSubmitted: func() { m.Submitted.Inc() },
	})

	return &Runtime{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		db:       db,
		store:    st,
		queue:    q,
		notifier: n,
		sched:    sched,
		pool:     pool,
		svc:      svc,
	}, nil
}

// Start launches the notifier, the worker pool, and the reconcile loop, and
// recovers queue state from the store's due index. Idempotent.
func (r *Runtime) Start(ctx context.Context) error {
	var err error
	r.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel

		// recovery: attempts interrupted by a previous process go back to
		// retryable, then everything due re-enters the queue
		if rerr := r.recoverInFlight(runCtx); rerr != nil {
			cancel()
			err = rerr
			return
		}
		if rerr := r.queue.Reconcile(r.store); rerr != nil {
			cancel()
			err = rerr
			return
		}

		r.done.Add(3)
		go func() {
			defer r.done.Done()
			r.notifier.Run(runCtx)
		}()
		go func() {
			defer r.done.Done()
			r.pool.Run(runCtx)
		}()
		go func() {
			defer r.done.Done()
			r.queue.RunReconciler(runCtx, r.store, r.config.Dispatch.ReconcileInterval())
		}()
		r.logger.Info("runtime started",
			logpkg.Int("workers", r.config.Dispatch.Workers),
			logpkg.Int("max_attempts", r.config.Dispatch.MaxAttempts))
	})
	return err
}

// recoverInFlight resolves messages a previous process left in flight: back
// to retryable if attempts remain, terminal otherwise. The CAS into a
// retryable state writes a fresh due entry, so the reconcile pass requeues
// them.
func (r *Runtime) recoverInFlight(ctx context.Context) error {
	const note = "interrupted by restart"
	for {
		stuck, err := r.store.ListByState(store.StateInFlight, 256)
		if err != nil {
			return err
		}
		if len(stuck) == 0 {
			return nil
		}
		for _, msg := range stuck {
			next := store.StateFailedRetryable
			if msg.Attempts >= r.config.Dispatch.MaxAttempts {
				next = store.StateFailedTerminal
			}
			if _, err := r.store.CompareAndSetState(ctx, msg.ID, store.StateInFlight, next, 0, note); err != nil {
				return err
			}
			r.logger.Warn("recovered interrupted attempt",
				logpkg.Str("id", msg.ID.String()),
				logpkg.Str("state", string(next)),
				logpkg.Int("attempts", msg.Attempts))
		}
	}
}

// Close stops the pipeline and closes storage. In-flight attempts resolve on
// their own timeouts before the workers exit.
func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
		r.done.Wait()
	}
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth verifies the storage layer answers.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Service returns the ingest boundary.
func (r *Runtime) Service() *service.Service { return r.svc }

// Notifier returns the status event fanout.
func (r *Runtime) Notifier() *notify.Notifier { return r.notifier }

// Metrics returns the metrics registry owner.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// Store exposes the underlying store (internal use only).
func (r *Runtime) Store() *store.Store { return r.store }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
