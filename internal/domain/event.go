package domain

import (
	"context"
	"time"
)

type EventType string

const (
	EventBudgetWarning     EventType = "budget.warning"
	EventBudgetShutoff     EventType = "budget.shutoff"
	EventBudgetReset       EventType = "budget.reset"
	EventBudgetCapChanged  EventType = "budget.cap_changed"
	EventBreakerState      EventType = "router.breaker_state"
	EventTraceWriteFailure EventType = "trace.write_failure"
	EventRulesReloaded     EventType = "rules.reloaded"
	EventBackendHalted     EventType = "backend.halted"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical" // Operational alert: someone must look at it
)

// Event is an operational signal for dashboards and alerting. Consumers subscribe through
// an EventSink; the gateway never waits on them.
type Event struct {
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	BackendID string         `json:"backend_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	At        time.Time      `json:"at"`
}

type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}
