package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/metrics"
)

// Store is the read side every backend provides.
type Store interface {
	// Get returns ErrNotFound when the trader has no Status.
	Get(ctx context.Context, traderID string) (*Status, error)
}

// CASStore is a backend offering optimistic concurrency on a per-trader version.
type CASStore interface {
	Store
	// Load returns the current Status and its version; (nil, 0, nil) when absent.
	Load(ctx context.Context, traderID string) (*Status, int64, error)
	// CompareAndSwap writes next if the stored version still equals version
	// (0 means "must not exist yet"). It returns ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, next *Status, version int64) error
}

// AtomicStore is a backend that applies Combine natively in a single operation.
type AtomicStore interface {
	Store
	MergeAtomic(ctx context.Context, contribution *Status) (*Status, error)
}

// RetryPolicy bounds the CAS loop.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when the config leaves the fields empty.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     8,
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     200 * time.Millisecond,
}

// Reconciler merges events into the persisted per-trader Status.
type Reconciler struct {
	store  Store
	cas    CASStore
	atomic AtomicStore
	policy RetryPolicy
}

// NewReconciler wraps s, which must implement CASStore or AtomicStore.
// AtomicStore wins when both are implemented.
func NewReconciler(s Store, policy RetryPolicy) (*Reconciler, error) {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = max(DefaultRetryPolicy.MaxInterval, policy.InitialInterval)
	}
	r := &Reconciler{store: s, policy: policy}
	if a, ok := s.(AtomicStore); ok {
		r.atomic = a
	} else if c, ok := s.(CASStore); ok {
		r.cas = c
	} else {
		return nil, fmt.Errorf("reconciler: store %T supports neither atomic merge nor compare-and-swap", s)
	}
	return r, nil
}

// Get returns the current Status for traderID.
func (r *Reconciler) Get(ctx context.Context, traderID string) (*Status, error) {
	if traderID == "" {
		return nil, ErrMissingTraderID
	}
	return r.store.Get(ctx, traderID)
}

// Reconcile merges ev into its trader's Status and returns the stored result.
// Applying the same event twice yields the same Status.
func (r *Reconciler) Reconcile(ctx context.Context, ev *event.Event) (*Status, error) {
	if !ev.HasTrader() {
		return nil, ErrMissingTraderID
	}
	if r.atomic != nil {
		return r.atomic.MergeAtomic(ctx, FromEvent(ev))
	}
	return r.casMerge(ctx, ev)
}

func (r *Reconciler) casMerge(ctx context.Context, ev *event.Event) (*Status, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	attempt := 0
	op := func() (*Status, error) {
		attempt++
		cur, version, err := r.cas.Load(ctx, ev.TraderID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		next := Merge(cur, ev)
		if err := r.cas.CompareAndSwap(ctx, next, version); err != nil {
			if errors.Is(err, ErrConflict) {
				metrics.ReconcileConflicts.Inc()
				slog.Debug("status conflict, retrying", "trader_id", ev.TraderID, "attempt", attempt)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return next, nil
	}

	st, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.policy.MaxAttempts),
	)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("trader %s after %d attempts: %w", ev.TraderID, attempt, ErrConflictExceededRetries)
		}
		return nil, err
	}
	return st, nil
}
