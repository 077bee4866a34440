package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/filter"
	"github.com/gyaneshwarpardhi/postback/internal/metrics"
	"github.com/gyaneshwarpardhi/postback/internal/payload"
	"github.com/gyaneshwarpardhi/postback/internal/publish"
	"github.com/gyaneshwarpardhi/postback/internal/status"
	"github.com/gyaneshwarpardhi/postback/internal/store"
)

// Skip reasons reported in Result.SkipReason.
const (
	SkipMissingTrader  = "missing_trader_id"
	SkipFilteredPrefix = "filtered:"
)

// Result is the outcome of ingesting one postback. It carries everything the
// transport needs to answer the caller.
type Result struct {
	Accepted   bool           `json:"accepted"`
	EventID    string         `json:"event_id,omitempty"`
	Kind       event.Kind     `json:"event,omitempty"`
	Registered bool           `json:"registered"`
	Deposited  bool           `json:"deposited"`
	Reconciled bool           `json:"reconciled"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Status     *status.Status `json:"status,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Filter          *filter.Filter
	Publisher       publish.Publisher
	Retry           status.RetryPolicy
	StoreTimeout    time.Duration
	ForwardWorkers  int
	ForwardQueue    int
	DeliveryTimeout time.Duration
}

// Engine runs the ingest pipeline: normalize, filter, classify, audit, reconcile,
// forward.
type Engine struct {
	store      store.Backend
	reconciler *status.Reconciler
	filter     atomic.Pointer[filter.Filter]
	publisher  publish.Publisher
	forward    *workerPool[*publish.Outcome]
	opts       Options

	now   func() time.Time
	newID func() string
}

// New creates an Engine over backend and starts the forwarding workers.
func New(ctx context.Context, backend store.Backend, opts Options) (*Engine, error) {
	rec, err := status.NewReconciler(backend, opts.Retry)
	if err != nil {
		return nil, err
	}
	if opts.Filter == nil {
		opts.Filter = filter.AllowAll()
	}
	if opts.Publisher == nil {
		opts.Publisher = publish.Noop{}
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.ForwardWorkers <= 0 {
		opts.ForwardWorkers = 4
	}
	if opts.ForwardQueue <= 0 {
		opts.ForwardQueue = 10000
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}

	e := &Engine{
		store:      backend,
		reconciler: rec,
		publisher:  opts.Publisher,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	e.filter.Store(opts.Filter)

	e.forward = newWorkerPool[*publish.Outcome](
		ctx,
		opts.ForwardWorkers,
		opts.ForwardQueue,
		e.deliver,
		func(o *publish.Outcome, err error) {
			metrics.ForwardResults.WithLabelValues("error").Inc()
			slog.Warn("forward outcome failed", "event_id", o.EventID, "trader_id", o.TraderID, "err", err)
		},
	)
	return e, nil
}

// SwapFilter atomically replaces the inbound filter (used on hot-reload).
func (e *Engine) SwapFilter(f *filter.Filter) {
	e.filter.Store(f)
}

// Ingest processes one raw postback.
//
// Filtered input and a missing trader id are not errors: the Result says what
// was skipped. An error is returned only when the store failed, in which case it
// satisfies status.Retryable and the caller may resend the postback.
func (e *Engine) Ingest(ctx context.Context, raw payload.Raw) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.ProcessingDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	n := payload.Normalize(raw)
	if d := e.filter.Load().Allow(n); !d.Allowed {
		metrics.PostbacksFiltered.WithLabelValues(d.Reason).Inc()
		slog.Debug("postback filtered", "reason", d.Reason, "rule", d.RuleID, "a", n.AffiliateID, "ac", n.CampaignID)
		return &Result{SkipReason: SkipFilteredPrefix + d.Reason}, nil
	}

	// Millisecond precision survives every backend unchanged.
	ev := event.Classify(n, e.now().Truncate(time.Millisecond))
	ev.ID = e.newID()
	metrics.PostbacksReceived.WithLabelValues(string(ev.Kind)).Inc()

	res := &Result{
		Accepted:   true,
		EventID:    ev.ID,
		Kind:       ev.Kind,
		Registered: ev.Registered,
		Deposited:  ev.Deposited,
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()

	if _, err := e.store.InsertAuditEvent(sctx, ev); err != nil {
		metrics.StoreErrors.WithLabelValues("audit").Inc()
		res.Accepted = false
		res.DurationMs = time.Since(start).Milliseconds()
		return res, fmt.Errorf("audit postback %s: %w", ev.ID, err)
	}

	st, err := e.reconciler.Reconcile(sctx, ev)
	switch {
	case errors.Is(err, status.ErrMissingTraderID):
		metrics.ReconcileSkipped.Inc()
		res.SkipReason = SkipMissingTrader
	case err != nil:
		metrics.StoreErrors.WithLabelValues("reconcile").Inc()
		res.DurationMs = time.Since(start).Milliseconds()
		return res, fmt.Errorf("reconcile postback %s: %w", ev.ID, err)
	default:
		res.Reconciled = true
		res.Status = st
	}

	e.enqueue(publish.NewOutcome(ev, st))
	res.DurationMs = time.Since(start).Milliseconds()
	slog.Debug("postback ingested",
		"event_id", ev.ID, "trader_id", ev.TraderID, "event", ev.Kind,
		"reconciled", res.Reconciled, "duration_ms", res.DurationMs)
	return res, nil
}

// Status returns the stored Status for traderID.
func (e *Engine) Status(ctx context.Context, traderID string) (*status.Status, error) {
	sctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
	defer cancel()
	return e.reconciler.Get(sctx, traderID)
}

// Replay re-applies every audited event of traderID, oldest first. Because the
// merge is idempotent this repairs a Status left behind by a failed upsert and
// is a no-op otherwise. It returns the resulting Status and the number of
// events applied.
func (e *Engine) Replay(ctx context.Context, traderID string) (*status.Status, int, error) {
	if traderID == "" {
		return nil, 0, status.ErrMissingTraderID
	}
	events, err := e.store.EventsByTrader(ctx, traderID)
	if err != nil {
		return nil, 0, fmt.Errorf("replay %s: %w", traderID, err)
	}
	if len(events) == 0 {
		return nil, 0, status.ErrNotFound
	}

	var st *status.Status
	for i, ev := range events {
		sctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
		st, err = e.reconciler.Reconcile(sctx, ev)
		cancel()
		if err != nil {
			return nil, i, fmt.Errorf("replay %s event %s: %w", traderID, ev.ID, err)
		}
	}
	slog.Info("trader replayed", "trader_id", traderID, "events", len(events))
	return st, len(events), nil
}

// QueueUtilization returns forwarding queue used / capacity (0-1).
func (e *Engine) QueueUtilization() float64 {
	if e.forward.QueueCap() == 0 {
		return 0
	}
	return float64(e.forward.QueueLen()) / float64(e.forward.QueueCap())
}

// Ping checks the store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// Shutdown drains the forwarding queue and closes the publisher.
func (e *Engine) Shutdown() {
	e.forward.Drain()
	e.publisher.Close()
}

func (e *Engine) enqueue(o *publish.Outcome) {
	if !e.forward.Submit(o) {
		metrics.ForwardResults.WithLabelValues("dropped").Inc()
		slog.Warn("forward queue full, outcome dropped", "event_id", o.EventID, "capacity", e.forward.QueueCap())
		return
	}
	metrics.ForwardQueueUtilization.Set(e.QueueUtilization())
}

func (e *Engine) deliver(ctx context.Context, o *publish.Outcome) error {
	dctx, cancel := context.WithTimeout(ctx, e.opts.DeliveryTimeout)
	defer cancel()
	if err := e.publisher.Publish(dctx, o); err != nil {
		return err
	}
	metrics.ForwardResults.WithLabelValues("ok").Inc()
	return nil
}
