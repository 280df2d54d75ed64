package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ThrottleError means the backend asked us to slow down (HTTP 429, gRPC ResourceExhausted).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// TransientError is a failure the backend may not repeat: 5xx, connection reset, unavailable.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Retryable reports whether another backend should be tried after err.
// Timeouts, throttling and transient failures qualify; anything else is the task's fault
// or a permanent backend error.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var tErr *ThrottleError
	var trErr *TransientError
	return errors.Is(err, context.DeadlineExceeded) || errors.As(err, &tErr) || errors.As(err, &trErr)
}
