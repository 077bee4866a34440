package status_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/payload"
	"github.com/gyaneshwarpardhi/postback/internal/status"
	"github.com/gyaneshwarpardhi/postback/internal/store/memstore"
)

var fastPolicy = status.RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

// flakyStore injects conflicts or failures in front of a memstore.
type flakyStore struct {
	*memstore.Store
	conflicts atomic.Int32 // remaining CompareAndSwap calls that report ErrConflict
	loadErr   error
	loads     atomic.Int32
}

func (f *flakyStore) Load(ctx context.Context, id string) (*status.Status, int64, error) {
	f.loads.Add(1)
	if f.loadErr != nil {
		return nil, 0, f.loadErr
	}
	return f.Store.Load(ctx, id)
}

func (f *flakyStore) CompareAndSwap(ctx context.Context, next *status.Status, v int64) error {
	if f.conflicts.Add(-1) >= 0 {
		return status.ErrConflict
	}
	return f.Store.CompareAndSwap(ctx, next, v)
}

// atomicStore records contributions handed to MergeAtomic.
type atomicStore struct {
	mu   sync.Mutex
	cur  map[string]*status.Status
	seen []*status.Status
}

func (a *atomicStore) Get(_ context.Context, id string) (*status.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.cur[id]; ok {
		return st.Clone(), nil
	}
	return nil, status.ErrNotFound
}

func (a *atomicStore) MergeAtomic(_ context.Context, c *status.Status) (*status.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, c)
	a.cur[c.TraderID] = status.Combine(a.cur[c.TraderID], c)
	return a.cur[c.TraderID].Clone(), nil
}

type getOnly struct{}

func (getOnly) Get(context.Context, string) (*status.Status, error) { return nil, status.ErrNotFound }

func newReconciler(t *testing.T, s status.Store) *status.Reconciler {
	t.Helper()
	r, err := status.NewReconciler(s, fastPolicy)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func classifyAt(raw payload.Raw, at time.Time) *event.Event {
	return event.Classify(payload.Normalize(raw), at)
}

func TestReconcile_CreatesStatus(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	r := newReconciler(t, store)

	st, err := r.Reconcile(ctx, classifyAt(payload.Raw{"reg": "1", "conf": "false", "trader_id": "U1"}, base))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !st.Registered || st.Deposited {
		t.Errorf("status = %+v", st)
	}
	stored, err := r.Get(ctx, "U1")
	if err != nil || !status.Equal(stored, st) {
		t.Errorf("stored = %+v, err = %v", stored, err)
	}
}

func TestReconcile_MissingTraderSkips(t *testing.T) {
	store := memstore.New()
	r := newReconciler(t, store)

	_, err := r.Reconcile(context.Background(), classifyAt(payload.Raw{"ftd": "1"}, base))
	if !errors.Is(err, status.ErrMissingTraderID) {
		t.Fatalf("err = %v, want ErrMissingTraderID", err)
	}
	if _, err := r.Get(context.Background(), ""); !errors.Is(err, status.ErrMissingTraderID) {
		t.Errorf("Get(\"\") = %v", err)
	}
}

func TestReconcile_RetriesConflicts(t *testing.T) {
	fs := &flakyStore{Store: memstore.New()}
	fs.conflicts.Store(2)
	r := newReconciler(t, fs)

	st, err := r.Reconcile(context.Background(), classifyAt(payload.Raw{"dep": "1", "trader_id": "U3"}, base))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !st.Deposited {
		t.Error("deposited not set")
	}
	if got := fs.loads.Load(); got != 3 {
		t.Errorf("loads = %d, want 3", got)
	}
}

func TestReconcile_ConflictExceededRetries(t *testing.T) {
	fs := &flakyStore{Store: memstore.New()}
	fs.conflicts.Store(100)
	r := newReconciler(t, fs)

	_, err := r.Reconcile(context.Background(), classifyAt(payload.Raw{"dep": "1", "trader_id": "U3"}, base))
	if !errors.Is(err, status.ErrConflictExceededRetries) {
		t.Fatalf("err = %v, want ErrConflictExceededRetries", err)
	}
	if !status.Retryable(err) {
		t.Error("conflict exhaustion must be retryable")
	}
	if got := fs.loads.Load(); got != int32(fastPolicy.MaxAttempts) {
		t.Errorf("loads = %d, want %d", got, fastPolicy.MaxAttempts)
	}
}

func TestReconcile_StoreFailureIsNotRetried(t *testing.T) {
	fs := &flakyStore{
		Store:   memstore.New(),
		loadErr: fmt.Errorf("dial: %w", status.ErrStoreUnavailable),
	}
	r := newReconciler(t, fs)

	_, err := r.Reconcile(context.Background(), classifyAt(payload.Raw{"reg": "1", "trader_id": "U4"}, base))
	if !errors.Is(err, status.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if fs.loads.Load() != 1 {
		t.Errorf("loads = %d, want 1", fs.loads.Load())
	}
}

func TestReconcile_ConcurrentWritersNeverLoseFlags(t *testing.T) {
	store := memstore.New()
	r, err := status.NewReconciler(store, status.RetryPolicy{MaxAttempts: 50, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	events := []*event.Event{
		classifyAt(payload.Raw{"trader_id": "U2", "dep": true, "sumdep": 100}, base),
		classifyAt(payload.Raw{"trader_id": "U2", "ftd": true, "sumdep": 75}, base.Add(time.Millisecond)),
	}
	for i := 0; i < 10; i++ {
		events = append(events, classifyAt(payload.Raw{"trader_id": "U2", "reg": "1"}, base.Add(time.Duration(i+2)*time.Millisecond)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(events))
	for _, ev := range events {
		wg.Add(1)
		go func(ev *event.Event) {
			defer wg.Done()
			if _, err := r.Reconcile(context.Background(), ev); err != nil {
				errs <- err
			}
		}(ev)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Reconcile: %v", err)
	}

	st, err := store.Get(context.Background(), "U2")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Deposited || !st.Registered {
		t.Errorf("flags lost: %+v", st)
	}
	if st.FTDAt == nil || !st.FTDAt.Equal(events[1].ReceivedAt) {
		t.Errorf("ftd_at = %v", st.FTDAt)
	}
	if amt := st.LastDepositAmount.Decimal.String(); amt != "100" && amt != "75" {
		t.Errorf("last deposit amount = %s", amt)
	}
}

func TestReconcile_ReplayIsIdempotent(t *testing.T) {
	store := memstore.New()
	r := newReconciler(t, store)
	ev := classifyAt(payload.Raw{"trader_id": "U5", "ftd": "1", "sumdep": "20"}, base)

	first, err := r.Reconcile(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Reconcile(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Equal(first, second) {
		t.Errorf("replay changed status:\n%+v\n%+v", first, second)
	}
}

func TestReconcile_AtomicStore(t *testing.T) {
	as := &atomicStore{cur: map[string]*status.Status{}}
	r := newReconciler(t, as)

	_, _ = r.Reconcile(context.Background(), classifyAt(payload.Raw{"trader_id": "U6", "ftd": "1"}, base))
	st, err := r.Reconcile(context.Background(), classifyAt(payload.Raw{"trader_id": "U6", "reg": "1"}, base.Add(time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if len(as.seen) != 2 || as.seen[0].FTDAt == nil {
		t.Fatalf("contributions = %+v", as.seen)
	}
	if !st.Deposited || !st.Registered || st.LastEvent != event.KindReg {
		t.Errorf("status = %+v", st)
	}
}

func TestNewReconciler_RejectsReadOnlyStore(t *testing.T) {
	if _, err := status.NewReconciler(getOnly{}, fastPolicy); err == nil {
		t.Fatal("expected error for store without write capability")
	}
}
