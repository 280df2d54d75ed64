// Package defense inspects task content for prompt-injection attempts.
//
// Detectors are independent predicates run in a fixed order. The verdict is the highest
// severity among the detectors that fired; rule ids are reported in firing order so the
// trace explains the verdict. Severities come from the rule table, detectors themselves
// are code.
package defense

import (
	"strings"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

const (
	rulePrefix       = "defense."
	customRulePrefix = "defense.custom."
)

// detectFunc reports whether it fired and, optionally, a severity floor above the
// configured one (used when a hidden phrase is uncovered by decoding or normalization).
type detectFunc func(set *rules.Set, text string) (bool, domain.Verdict)

type detector struct {
	name string
	fn   detectFunc
}

var builtin = []detector{
	{rules.DetectorInstructionOverride, detectOverride},
	{rules.DetectorRoleReassignment, detectRole},
	{rules.DetectorEncodedPayload, detectEncoded},
	{rules.DetectorObfuscation, detectObfuscation},
	{rules.DetectorExcessiveRepetition, detectRepetition},
}

type Sanitizer struct{}

func New() *Sanitizer { return &Sanitizer{} }

// Inspect returns the defense verdict for a task under the given rule set.
func (s *Sanitizer) Inspect(set *rules.Set, task domain.Task) domain.DefenseVerdict {
	text := joinContent(task)
	out := domain.DefenseVerdict{Verdict: domain.VerdictClean}

	for _, d := range builtin {
		fired, floor := d.fn(set, text)
		if !fired {
			continue
		}
		sev := maxVerdict(set.Severity(d.name), floor)
		out.Verdict = maxVerdict(out.Verdict, sev)
		out.RuleIDs = append(out.RuleIDs, rulePrefix+d.name)
	}

	for _, p := range set.Defense.Patterns {
		if p.Re.MatchString(text) {
			out.Verdict = maxVerdict(out.Verdict, p.Severity)
			out.RuleIDs = append(out.RuleIDs, customRulePrefix+p.ID)
		}
	}
	return out
}

// joinContent flattens names and values; field names are attacker-controlled too.
func joinContent(task domain.Task) string {
	var b strings.Builder
	for _, f := range task.Content() {
		if f.Name != "" {
			b.WriteString(f.Name)
			b.WriteString(": ")
		}
		b.WriteString(f.Value)
		b.WriteString("\n")
	}
	return b.String()
}
