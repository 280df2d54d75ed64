package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

// CompiledClassRule is a classification rule with its matcher prepared once per table.
type CompiledClassRule struct {
	ID    string
	Kind  string
	Level domain.SensitivityLevel
	field string
	re    *regexp.Regexp
}

// Matches reports whether the rule fires for a single field.
func (r CompiledClassRule) Matches(f domain.Field) bool {
	if r.Kind == KindField {
		return normalizeFieldName(f.Name) == r.field
	}
	return r.re.MatchString(f.Value)
}

type CompiledPattern struct {
	ID       string
	Severity domain.Verdict
	Re       *regexp.Regexp
}

type DefenseRules struct {
	Severities       map[string]domain.Verdict
	RepetitionRatio  float64
	MinRepeatTokens  int
	MinEncodedLength int
	Patterns         []CompiledPattern
}

// Set is an immutable, validated rule table. Never mutate a Set after Compile:
// concurrent pipelines read it without locks.
type Set struct {
	Version        string // Declared by the author
	Hash           string // sha256 of the source bytes
	LoadedAt       time.Time
	DefaultLevel   domain.SensitivityLevel
	Classification []CompiledClassRule
	Defense        DefenseRules
	LevelTiers     map[domain.SensitivityLevel][]domain.TrustTier
	Backends       []domain.Backend
}

// Label returns "<version>@<short hash>" for decisions and traces.
func (s *Set) Label() string {
	h := strings.TrimPrefix(s.Hash, "sha256:")
	if len(h) > 12 {
		h = h[:12]
	}
	return s.Version + "@" + h
}

func (s *Set) Backend(id string) (domain.Backend, bool) {
	for _, b := range s.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return domain.Backend{}, false
}

func (s *Set) TiersFor(level domain.SensitivityLevel) []domain.TrustTier {
	// SECRET never leaves the gateway, whatever the table says.
	if level >= domain.LevelSecret {
		return nil
	}
	return s.LevelTiers[level]
}

// Severity returns the configured verdict for a built-in detector. Unknown detectors
// default to SUSPICIOUS.
func (s *Set) Severity(detector string) domain.Verdict {
	if v, ok := s.Defense.Severities[detector]; ok {
		return v
	}
	return domain.VerdictSuspicious
}

// Compile validates a table and prepares every matcher. Any error rejects the whole table.
func Compile(t *Table, hash string) (*Set, error) {
	if t == nil {
		return nil, errors.New("rules: empty table")
	}
	var errs []error

	set := &Set{
		Version:    t.Version,
		Hash:       hash,
		LoadedAt:   time.Now().UTC(),
		LevelTiers: make(map[domain.SensitivityLevel][]domain.TrustTier),
	}
	if set.Version == "" {
		set.Version = "unversioned"
	}

	if t.Classification.DefaultLevel != "" {
		lvl, err := domain.ParseLevel(t.Classification.DefaultLevel)
		if err != nil {
			errs = append(errs, fmt.Errorf("classification.default_level: %w", err))
		}
		set.DefaultLevel = lvl
	}

	seen := make(map[string]bool)
	for i, r := range t.Classification.Rules {
		cr, err := compileClassRule(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("classification.rules[%d]: %w", i, err))
			continue
		}
		if seen[cr.ID] {
			errs = append(errs, fmt.Errorf("classification.rules[%d]: duplicate id %q", i, cr.ID))
			continue
		}
		seen[cr.ID] = true
		set.Classification = append(set.Classification, cr)
	}

	def, err := compileDefense(t.Defense)
	if err != nil {
		errs = append(errs, err)
	}
	set.Defense = def

	for name, tiers := range t.Policy.LevelTiers {
		lvl, err := domain.ParseLevel(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy.level_tiers: %w", err))
			continue
		}
		for _, raw := range tiers {
			tier, err := domain.ParseTier(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("policy.level_tiers[%s]: %w", name, err))
				continue
			}
			set.LevelTiers[lvl] = append(set.LevelTiers[lvl], tier)
		}
	}

	ids := make(map[string]bool)
	for i, b := range t.Backends {
		if b.ID == "" {
			errs = append(errs, fmt.Errorf("backends[%d]: id is required", i))
			continue
		}
		if ids[b.ID] {
			errs = append(errs, fmt.Errorf("backends[%d]: duplicate id %q", i, b.ID))
			continue
		}
		ids[b.ID] = true
		tier, err := domain.ParseTier(string(b.Tier))
		if err != nil {
			errs = append(errs, fmt.Errorf("backends[%s]: %w", b.ID, err))
			continue
		}
		b.Tier = tier
		if b.CostPerUnit < 0 || b.BudgetCap < 0 {
			errs = append(errs, fmt.Errorf("backends[%s]: cost and budget_cap must be >= 0", b.ID))
			continue
		}
		if b.Kind == "" {
			b.Kind = domain.ExecutorMock
		}
		switch b.Kind {
		case domain.ExecutorGRPC, domain.ExecutorHTTP:
			if b.Endpoint == "" {
				errs = append(errs, fmt.Errorf("backends[%s]: endpoint is required for %s executor", b.ID, b.Kind))
				continue
			}
		case domain.ExecutorMock:
		default:
			errs = append(errs, fmt.Errorf("backends[%s]: unknown executor kind %q", b.ID, b.Kind))
			continue
		}
		b.Capabilities = append([]string(nil), b.Capabilities...)
		set.Backends = append(set.Backends, b)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("rules: invalid table: %w", errors.Join(errs...))
	}
	return set, nil
}

func compileClassRule(r ClassRule) (CompiledClassRule, error) {
	if r.ID == "" {
		return CompiledClassRule{}, errors.New("id is required")
	}
	if strings.TrimSpace(r.Match) == "" {
		return CompiledClassRule{}, fmt.Errorf("rule %q: match is required", r.ID)
	}
	lvl, err := domain.ParseLevel(r.Level)
	if err != nil {
		return CompiledClassRule{}, fmt.Errorf("rule %q: %w", r.ID, err)
	}
	cr := CompiledClassRule{ID: r.ID, Kind: r.Kind, Level: lvl}

	switch r.Kind {
	case KindKeyword:
		words := strings.Fields(r.Match)
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		cr.re, err = regexp.Compile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`)
	case KindPattern:
		cr.re, err = regexp.Compile(r.Match)
	case KindField:
		cr.field = normalizeFieldName(r.Match)
	default:
		return CompiledClassRule{}, fmt.Errorf("rule %q: unknown kind %q", r.ID, r.Kind)
	}
	if err != nil {
		return CompiledClassRule{}, fmt.Errorf("rule %q: %w", r.ID, err)
	}
	return cr, nil
}

func compileDefense(t DefenseTable) (DefenseRules, error) {
	var errs []error
	d := DefenseRules{
		Severities:       make(map[string]domain.Verdict),
		RepetitionRatio:  t.RepetitionRatio,
		MinRepeatTokens:  t.MinRepeatTokens,
		MinEncodedLength: t.MinEncodedLength,
	}
	if d.RepetitionRatio <= 0 || d.RepetitionRatio > 1 {
		d.RepetitionRatio = 0.4
	}
	if d.MinRepeatTokens <= 0 {
		d.MinRepeatTokens = 30
	}
	if d.MinEncodedLength <= 0 {
		d.MinEncodedLength = 48
	}
	for name, raw := range t.Severities {
		v, err := domain.ParseVerdict(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("defense.severities[%s]: %w", name, err))
			continue
		}
		d.Severities[name] = v
	}
	for i, p := range t.Patterns {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("defense.patterns[%d]: id is required", i))
			continue
		}
		re, err := regexp.Compile(p.Match)
		if err != nil {
			errs = append(errs, fmt.Errorf("defense.patterns[%s]: %w", p.ID, err))
			continue
		}
		sev := domain.VerdictSuspicious
		if p.Severity != "" {
			if sev, err = domain.ParseVerdict(p.Severity); err != nil {
				errs = append(errs, fmt.Errorf("defense.patterns[%s]: %w", p.ID, err))
				continue
			}
		}
		d.Patterns = append(d.Patterns, CompiledPattern{ID: p.ID, Severity: sev, Re: re})
	}
	return d, errors.Join(errs...)
}

func normalizeFieldName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("-", "_", " ", "_").Replace(name)
}
