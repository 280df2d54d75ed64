package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind discriminates terminal outcomes across component boundaries.
type ErrorKind string

const (
	KindDefenseBlocked     ErrorKind = "defense_blocked"
	KindPolicyReject       ErrorKind = "policy_reject"
	KindBudgetExhausted    ErrorKind = "budget_exhausted"
	KindBackendTimeout     ErrorKind = "backend_timeout"
	KindBackendError       ErrorKind = "backend_error"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindTraceWriteFailure  ErrorKind = "trace_write_failure"
	KindCanceled           ErrorKind = "canceled"
)

// GatewayError carries the kind plus what the caller is allowed to see.
// Reason is safe to return to the caller; Err keeps the internal detail for the trace.
type GatewayError struct {
	Kind       ErrorKind
	Reason     string
	BackendID  string
	RetryAfter time.Duration
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Terminal reports whether the outcome is a rejection rather than a failure.
func (e *GatewayError) Terminal() bool {
	switch e.Kind {
	case KindDefenseBlocked, KindPolicyReject, KindBudgetExhausted:
		return true
	}
	return false
}

// KindOf returns the kind of a *GatewayError anywhere in err's chain, or "" otherwise.
func KindOf(err error) ErrorKind {
	var gErr *GatewayError
	if errors.As(err, &gErr) {
		return gErr.Kind
	}
	return ""
}

func ErrDefenseBlocked(ruleIDs []string) *GatewayError {
	return &GatewayError{
		Kind:   KindDefenseBlocked,
		Reason: "request rejected by content policy",
		Err:    fmt.Errorf("defense rules fired: %v", ruleIDs),
	}
}

func ErrPolicyReject(rationale []string) *GatewayError {
	return &GatewayError{
		Kind:   KindPolicyReject,
		Reason: "no backend is permitted to receive this task",
		Err:    fmt.Errorf("policy rationale: %v", rationale),
	}
}

func ErrBudgetExhausted(retryAfter time.Duration, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindBudgetExhausted,
		Reason:     "budget exhausted for all eligible backends",
		RetryAfter: retryAfter,
		Err:        cause,
	}
}
