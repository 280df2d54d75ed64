// Package policy decides which backends may legally receive a task.
//
// The engine is a pure function over a rule-table snapshot. It does not look at budget
// or backend liveness: a decision explains itself from the level, the defense verdict
// and the requested capability alone. Spend and health are downstream gates.
package policy

import (
	"slices"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

// Rationale rule ids emitted by the engine.
const (
	RuleDefenseBlocked      = "defense.blocked"
	RuleSuspiciousLocalOnly = "defense.suspicious.local_only"
	RuleSecretDeny          = "level.secret.deny"
	RuleNoEligibleBackend   = "policy.no_eligible_backend"
	RuleBackendHalted       = "backend.halted"
)

// LevelTiersRule returns the rationale id for the level -> tier mapping, e.g. "level.public.tiers".
func LevelTiersRule(level domain.SensitivityLevel) string {
	return "level." + strings.ToLower(level.String()) + ".tiers"
}

// CapabilityRule returns the rationale id for the capability filter.
func CapabilityRule(capability string) string {
	return "capability." + capability + ".filter"
}

// Input is everything the engine needs for one decision.
type Input struct {
	TaskID       string
	Level        domain.SensitivityLevel
	ClassRuleIDs []string // Classification rules that fired, reported first in the rationale
	Defense      domain.DefenseVerdict
	Capability   string
	Halted       map[string]bool // Backends stopped by an operator, on top of the table's disabled flag
}

type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: func() time.Time { return time.Now().UTC() }}
}

// Decide builds the immutable decision for one task. An empty allowed set is a definite
// reject.
func (e *Engine) Decide(set *rules.Set, in Input) domain.PolicyDecision {
	d := domain.PolicyDecision{
		TaskID:       in.TaskID,
		Level:        in.Level,
		Defense:      in.Defense,
		Capability:   in.Capability,
		RulesVersion: set.Label(),
		DecidedAt:    e.now(),
	}
	d.Rationale = append(d.Rationale, in.ClassRuleIDs...)

	if in.Defense.Blocked() {
		d.Rationale = append(d.Rationale, RuleDefenseBlocked)
		return d
	}

	tiers := set.TiersFor(in.Level)
	if in.Level >= domain.LevelSecret {
		d.Rationale = append(d.Rationale, RuleSecretDeny)
		return d
	}
	d.Rationale = append(d.Rationale, LevelTiersRule(in.Level))

	if in.Defense.Suspicious() {
		if slices.Contains(tiers, domain.TierLocalOnly) {
			tiers = []domain.TrustTier{domain.TierLocalOnly}
		} else {
			tiers = nil
		}
		d.Rationale = append(d.Rationale, RuleSuspiciousLocalOnly)
	}

	var allowed []domain.Backend
	halted := false
	for _, b := range set.Backends {
		if b.Disabled || !slices.Contains(tiers, b.Tier) {
			continue
		}
		if in.Halted[b.ID] {
			halted = true
			continue
		}
		allowed = append(allowed, b)
	}
	if halted {
		d.Rationale = append(d.Rationale, RuleBackendHalted)
	}

	if in.Capability != "" {
		allowed = slices.DeleteFunc(allowed, func(b domain.Backend) bool {
			return !b.HasCapability(in.Capability)
		})
		d.Rationale = append(d.Rationale, CapabilityRule(in.Capability))
	}

	if len(allowed) == 0 {
		d.Rationale = append(d.Rationale, RuleNoEligibleBackend)
		return d
	}
	d.Allowed = allowed
	return d
}
