package domain

import "errors"

// Error kinds shared across the engine. Components wrap these with
// fmt.Errorf("...: %w", err) so callers can classify with errors.Is.
var (
	// ErrConfig marks invalid configuration discovered at startup. Fatal.
	ErrConfig = errors.New("invalid configuration")

	// ErrFeedStale marks a cycle skipped because no tick was fresh enough.
	ErrFeedStale = errors.New("price feed stale")

	// ErrInsufficientData marks a statistic that lacked samples. The caller
	// emits nothing and bumps a counter.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrValidation marks structurally invalid inputs or plans.
	ErrValidation = errors.New("validation failed")

	// ErrTransientExecution marks a retryable venue failure (timeout,
	// rate limit, open breaker).
	ErrTransientExecution = errors.New("transient execution failure")

	// ErrFatalExecution marks a step that failed after retries or whose
	// dependency failed.
	ErrFatalExecution = errors.New("fatal execution failure")

	// ErrCancelled marks upstream cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrBadTransition marks a status change outside the allowed DAG.
	ErrBadTransition = errors.New("status transition not allowed")
)

// Retryable reports whether err should be retried under the per-step
// retry policy.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientExecution)
}
