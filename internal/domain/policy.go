package domain

import "time"

// PolicyDecision is the gateway's ruling on whether and where a task may be dispatched.
// Created once per task by the policy engine and owned by the recorder afterwards.
type PolicyDecision struct {
	TaskID       string           `json:"task_id"`
	Level        SensitivityLevel `json:"level"`
	Defense      DefenseVerdict   `json:"defense"`
	Capability   string           `json:"capability,omitempty"`
	Allowed      []Backend        `json:"allowed"`
	Rationale    []string         `json:"rationale"` // Rule ids in the order they fired
	RulesVersion string           `json:"rules_version"`
	DecidedAt    time.Time        `json:"decided_at"`
}

// Rejected reports an empty allowed set: a definite reject, not a retryable failure.
func (d *PolicyDecision) Rejected() bool {
	return d == nil || len(d.Allowed) == 0
}

func (d *PolicyDecision) AllowedIDs() []string {
	ids := make([]string, 0, len(d.Allowed))
	for _, b := range d.Allowed {
		ids = append(ids, b.ID)
	}
	return ids
}
