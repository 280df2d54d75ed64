// Package classify assigns a sensitivity level to a task.
//
// Classification is a pure function of the task content and the rule set: no I/O, no
// backend calls. The effective level is the maximum over the table default, every
// declared field label and every rule that fires, so adding content can only raise
// the result and ambiguous content always resolves to the higher level.
package classify

import (
	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

// Result is the level plus the classification rule ids that produced it.
type Result struct {
	Level   domain.SensitivityLevel
	RuleIDs []string
}

type Classifier struct{}

func New() *Classifier { return &Classifier{} }

// Classify returns the task's effective sensitivity level.
func (c *Classifier) Classify(set *rules.Set, task domain.Task) domain.SensitivityLevel {
	return c.Explain(set, task).Level
}

// Explain classifies and reports which rules fired, in rule-table order.
// A rule is reported once even if several fields match it.
func (c *Classifier) Explain(set *rules.Set, task domain.Task) Result {
	res := Result{Level: set.DefaultLevel}

	for _, f := range task.Content() {
		if f.Label != nil && f.Label.Valid() {
			if *f.Label > res.Level {
				res.Level = *f.Label
			}
			if *f.Label > set.DefaultLevel {
				res.RuleIDs = appendOnce(res.RuleIDs, "cls.label."+f.Label.String())
			}
		}
	}

	for _, rule := range set.Classification {
		// A rule that cannot raise the level further still gets evaluated: the
		// rationale must list every reason the task is sensitive.
		for _, f := range task.Content() {
			if rule.Matches(f) {
				res.Level = domain.Max(res.Level, rule.Level)
				res.RuleIDs = appendOnce(res.RuleIDs, rule.ID)
				break
			}
		}
	}
	return res
}

func appendOnce(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
