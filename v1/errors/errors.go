package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInterrupted reports a wait abandoned because the caller's context ended.
	ErrInterrupted = errors.New("interrupted")
	// ErrBackendUnavailable reports a coordination backend that could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrNotAcquired is returned by scoped helpers when a lock could not be obtained.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrClosed is returned by components used after shutdown.
	ErrClosed = errors.New("closed")
	// ErrRejected reports work an executor refused to run.
	ErrRejected = errors.New("rejected")
)
