// Package rules holds the versioned rule table consumed by the classifier, the
// injection defense, the policy engine and the router. A table is parsed from YAML,
// compiled into an immutable Set and swapped atomically by Store.
package rules

import (
	"time"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

// Classification rule kinds.
const (
	KindKeyword = "keyword" // Case-insensitive whole-word match on field values
	KindPattern = "pattern" // Regular expression on field values
	KindField   = "field"   // Field name match (e.g. "password", "ssn")
)

// Built-in defense detector names. Severities are configured per detector.
const (
	DetectorInstructionOverride = "instruction_override"
	DetectorRoleReassignment    = "role_reassignment"
	DetectorEncodedPayload      = "encoded_payload"
	DetectorObfuscation         = "obfuscation"
	DetectorExcessiveRepetition = "excessive_repetition"
)

// Table is the rule file as written by policy authors.
type Table struct {
	Version        string              `yaml:"version"`
	Classification ClassificationTable `yaml:"classification"`
	Defense        DefenseTable        `yaml:"defense"`
	Policy         PolicyTable         `yaml:"policy"`
	Backends       []domain.Backend    `yaml:"backends"`
}

type ClassificationTable struct {
	DefaultLevel string      `yaml:"default_level"`
	Rules        []ClassRule `yaml:"rules"`
}

// ClassRule maps a keyword, pattern or field name to the minimum level it implies.
type ClassRule struct {
	ID    string `yaml:"id"`
	Kind  string `yaml:"kind"`
	Match string `yaml:"match"`
	Level string `yaml:"level"`
}

// DefenseTable configures detector severities and thresholds.
// An input of at least MinRepeatTokens tokens counts as stuffing when distinct tokens
// make up less than RepetitionRatio of it. MinEncodedLength is the shortest base64/hex
// run treated as a payload.
type DefenseTable struct {
	Severities       map[string]string `yaml:"severities"`
	RepetitionRatio  float64           `yaml:"repetition_ratio"`
	MinRepeatTokens  int               `yaml:"min_repeat_tokens"`
	MinEncodedLength int               `yaml:"min_encoded_length"`
	Patterns         []DefensePattern  `yaml:"patterns"`
}

type DefensePattern struct {
	ID       string `yaml:"id"`
	Match    string `yaml:"match"`
	Severity string `yaml:"severity"`
}

type PolicyTable struct {
	// Level name -> trust tiers a task of that level may be sent to.
	LevelTiers map[string][]string `yaml:"level_tiers"`
}

// DefaultTable returns the built-in table used when no rule file is present.
func DefaultTable() *Table {
	return &Table{
		Version: "builtin",
		Classification: ClassificationTable{
			DefaultLevel: "PUBLIC",
			Rules: []ClassRule{
				{ID: "cls.field.password", Kind: KindField, Match: "password", Level: "SECRET"},
				{ID: "cls.field.api_key", Kind: KindField, Match: "api_key", Level: "SECRET"},
				{ID: "cls.pattern.private_key", Kind: KindPattern, Match: `-----BEGIN [A-Z ]*PRIVATE KEY-----`, Level: "SECRET"},
				{ID: "cls.pattern.secret_token", Kind: KindPattern, Match: `\b(sk|pk|ghp|xox[bp])[-_][A-Za-z0-9]{16,}\b`, Level: "SECRET"},
				{ID: "cls.keyword.salary", Kind: KindKeyword, Match: "salary", Level: "CONFIDENTIAL"},
				{ID: "cls.keyword.customer_list", Kind: KindKeyword, Match: "customer list", Level: "CONFIDENTIAL"},
				{ID: "cls.pattern.email", Kind: KindPattern, Match: `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`, Level: "INTERNAL"},
				{ID: "cls.keyword.internal", Kind: KindKeyword, Match: "internal only", Level: "INTERNAL"},
			},
		},
		Defense: DefenseTable{
			Severities: map[string]string{
				DetectorInstructionOverride: "BLOCKED",
				DetectorRoleReassignment:    "SUSPICIOUS",
				DetectorEncodedPayload:      "SUSPICIOUS",
				DetectorObfuscation:         "SUSPICIOUS",
				DetectorExcessiveRepetition: "SUSPICIOUS",
			},
			RepetitionRatio:  0.4,
			MinRepeatTokens:  30,
			MinEncodedLength: 48,
		},
		Policy: PolicyTable{
			LevelTiers: map[string][]string{
				"PUBLIC":       {string(domain.TierLocalOnly), string(domain.TierRemoteAllowed)},
				"INTERNAL":     {string(domain.TierLocalOnly), string(domain.TierRemoteAllowed)},
				"CONFIDENTIAL": {string(domain.TierLocalOnly)},
				"SECRET":       {},
			},
		},
		Backends: []domain.Backend{
			{
				ID:           "local-offline",
				Tier:         domain.TierLocalOnly,
				CostPerUnit:  0,
				Capabilities: []string{"code", "summarize", "chat"},
				Kind:         domain.ExecutorMock,
				Timeout:      30 * time.Second,
			},
		},
	}
}
