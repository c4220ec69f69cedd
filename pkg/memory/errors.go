package memory

import (
	"errors"
	"fmt"
)

// Sentinel errors for embedding backends and batch jobs.
var (
	// ErrRateLimited marks a backend throttling response. Retryable.
	ErrRateLimited = errors.New("rate limited by embedding backend")
	// ErrBackendUnavailable marks a transient backend outage (5xx, gateway). Retryable.
	ErrBackendUnavailable = errors.New("embedding backend unavailable")
	// ErrBatchTimeout marks a batch job that did not complete within its poll window.
	ErrBatchTimeout = errors.New("embedding batch timed out")
	// ErrBatchRejected marks a backend that advertises batch support but refused
	// the job. Disables batch mode immediately.
	ErrBatchRejected = errors.New("embedding batch rejected by backend")
	// ErrBatchDisabled marks the batch path as disabled for this process.
	ErrBatchDisabled = errors.New("embedding batch mode disabled")
)

// BackendError wraps an embedding backend failure with provider context.
// The manager treats any BackendError surfacing from a sync as the signal to
// switch to the configured fallback backend.
type BackendError struct {
	Provider string
	Op       string
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func newBackendError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Provider: provider, Op: op, Err: err}
}

// IsRetryableError reports whether an embedding call is worth retrying.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBackendUnavailable)
}
