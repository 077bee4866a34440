package status

import "errors"

var (
	// ErrMissingTraderID means the event carried no trader id. The event is still
	// audited; only reconciliation is skipped.
	ErrMissingTraderID = errors.New("missing trader id")

	// ErrNotFound is returned by Get when no Status exists for the trader.
	ErrNotFound = errors.New("status not found")

	// ErrStoreUnavailable marks transient backend failures. Callers should retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConflict is returned by CompareAndSwap when the record changed since Load.
	ErrConflict = errors.New("status version conflict")

	// ErrConflictExceededRetries means the CAS loop gave up under contention.
	// Re-running reconciliation with the same event is safe.
	ErrConflictExceededRetries = errors.New("status conflict retries exceeded")
)

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConflictExceededRetries)
}
