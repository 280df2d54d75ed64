package domain

import (
	"fmt"
	"strings"
)

// Verdict is the severity produced by the injection defense. Higher is worse.
type Verdict int

const (
	VerdictClean Verdict = iota
	VerdictSuspicious
	VerdictBlocked // Terminal: the task never reaches a backend
)

func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "CLEAN"
	case VerdictSuspicious:
		return "SUSPICIOUS"
	case VerdictBlocked:
		return "BLOCKED"
	default:
		return fmt.Sprintf("VERDICT(%d)", int(v))
	}
}

func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLEAN":
		return VerdictClean, nil
	case "SUSPICIOUS":
		return VerdictSuspicious, nil
	case "BLOCKED":
		return VerdictBlocked, nil
	}
	return VerdictClean, fmt.Errorf("unknown defense verdict %q", s)
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, err := ParseVerdict(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// DefenseVerdict is the sanitizer result: max severity over all detectors that fired,
// plus their rule ids in firing order.
type DefenseVerdict struct {
	Verdict Verdict  `json:"verdict"`
	RuleIDs []string `json:"rule_ids,omitempty"`
}

func (d DefenseVerdict) Blocked() bool    { return d.Verdict == VerdictBlocked }
func (d DefenseVerdict) Suspicious() bool { return d.Verdict == VerdictSuspicious }
