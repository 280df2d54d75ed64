package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

const table = `
classification:
  default_level: PUBLIC
  rules:
    - {id: cls.kw.roadmap, kind: keyword, match: roadmap, level: INTERNAL}
    - {id: cls.kw.salary, kind: keyword, match: salary, level: CONFIDENTIAL}
    - {id: cls.field.password, kind: field, match: password, level: SECRET}
    - {id: cls.re.key, kind: pattern, match: 'sk-[A-Za-z0-9]{16,}', level: SECRET}
`

func mustSet(t *testing.T) *rules.Set {
	t.Helper()
	set, err := rules.Parse([]byte(table))
	require.NoError(t, err)
	return set
}

func task(fields ...domain.Field) domain.Task {
	return domain.NewTask(fields, "competitor-research", "search")
}

func label(l domain.SensitivityLevel) *domain.SensitivityLevel { return &l }

func TestClassifyLevels(t *testing.T) {
	set := mustSet(t)
	c := New()

	tests := []struct {
		name   string
		fields []domain.Field
		want   domain.SensitivityLevel
	}{
		{"plain text", []domain.Field{{Value: "compare public pricing pages"}}, domain.LevelPublic},
		{"keyword", []domain.Field{{Value: "summarize the Roadmap"}}, domain.LevelInternal},
		{"field name", []domain.Field{{Name: "Password", Value: "hunter2"}}, domain.LevelSecret},
		{"pattern", []domain.Field{{Value: "token sk-abcdefghijklmnopqrstu"}}, domain.LevelSecret},
		{"declared label", []domain.Field{{Value: "hello", Label: label(domain.LevelConfidential)}}, domain.LevelConfidential},
		{"no content", nil, domain.LevelPublic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(set, task(tt.fields...)))
		})
	}
}

func TestSecretTaggedFieldWinsOverPublicText(t *testing.T) {
	set := mustSet(t)
	res := New().Explain(set, task(
		domain.Field{Name: "question", Value: "what is the weather in Paris"},
		domain.Field{Name: "context", Value: "attached notes", Label: label(domain.LevelSecret)},
	))
	assert.Equal(t, domain.LevelSecret, res.Level)
	assert.Equal(t, []string{"cls.label.SECRET"}, res.RuleIDs)
}

func TestAmbiguousContentResolvesUp(t *testing.T) {
	set := mustSet(t)
	// INTERNAL and SECRET rules both fire: the higher level wins.
	res := New().Explain(set, task(domain.Field{Value: "roadmap and key sk-0123456789abcdefXYZ"}))
	assert.Equal(t, domain.LevelSecret, res.Level)
	assert.Equal(t, []string{"cls.kw.roadmap", "cls.re.key"}, res.RuleIDs)
}

func TestClassificationIsMonotonic(t *testing.T) {
	set := mustSet(t)
	c := New()

	fields := []domain.Field{
		{Value: "public intro"},
		{Value: "roadmap"},
		{Value: "nothing special"},
		{Value: "salary bands"},
		{Value: "more filler"},
	}
	prev := domain.LevelPublic
	for i := 1; i <= len(fields); i++ {
		got := c.Classify(set, task(fields[:i]...))
		assert.GreaterOrEqual(t, got, prev, "adding field %d lowered the level", i)
		prev = got
	}
	assert.Equal(t, domain.LevelConfidential, prev)
}

func TestClassificationIsIdempotent(t *testing.T) {
	set := mustSet(t)
	c := New()
	tk := task(domain.Field{Value: "salary roadmap"}, domain.Field{Name: "password", Value: "x"})

	first := c.Explain(set, tk)
	second := c.Explain(set, tk)
	assert.Equal(t, first, second)
}

func TestDefaultLevelIsFloor(t *testing.T) {
	set, err := rules.Parse([]byte("classification:\n  default_level: INTERNAL\n"))
	require.NoError(t, err)
	got := New().Classify(set, task(domain.Field{Value: "anything", Label: label(domain.LevelPublic)}))
	assert.Equal(t, domain.LevelInternal, got)
}
