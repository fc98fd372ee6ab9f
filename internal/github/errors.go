package github

import (
	"fmt"
	"time"
)

// ThrottledError signals that the upstream rate limit is exhausted. The
// caller must not poll the same endpoint again before RetryAfter elapses.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("github: rate limited, retry after %s", e.RetryAfter)
}

// TransientError covers transport failures, timeouts and upstream 5xx
// responses. Safe to retry with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("github: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError covers 4xx responses other than 304, 401 and 429. Not
// retried within the same poll.
type PermanentError struct {
	Code int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("github: permanent failure, status %d", e.Code)
}

// AuthError signals that the configured token was rejected.
type AuthError struct {
	Code int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("github: authorization rejected, status %d", e.Code)
}
