package job

import "errors"

var (
	// ErrNotFound is returned when a job id resolves to nothing.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists is returned by Store.Create for a duplicate id.
	ErrAlreadyExists = errors.New("job already exists")

	// ErrForbidden is returned when an authenticated actor is not
	// authorized for the target job.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthenticated is returned for operations that require an
	// authenticated connection or a valid token.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTerminal is returned when mutating a job that already reached
	// a terminal status.
	ErrTerminal = errors.New("job is in a terminal status")

	// ErrCancelled is returned from a progress checkpoint when a
	// cancellation request arrived for the running job.
	ErrCancelled = errors.New("job cancelled")

	// ErrMaxAttempts is returned when a job exhausted its retry budget.
	ErrMaxAttempts = errors.New("max attempts exceeded")

	// ErrInvalidPayload marks a payload the handler cannot parse.
	// It is always a permanent failure.
	ErrInvalidPayload = errors.New("invalid job payload")
)

// TransientError wraps a failure that is worth retrying (provider
// timeouts, rate limits). Anything not wrapped in TransientError is
// treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so the worker pool releases the job for retry.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
