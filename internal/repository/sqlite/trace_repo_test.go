package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/audit"
	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

func openRepo(t *testing.T) *TraceRepo {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "traces", "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sample(taskID string, at time.Time) domain.Trace {
	return domain.Trace{
		ID:        "trace-" + taskID,
		TaskID:    taskID,
		RequestID: "req-1",
		Purpose:   "support",
		Decision: domain.PolicyDecision{
			TaskID:       taskID,
			Level:        domain.LevelConfidential,
			Defense:      domain.DefenseVerdict{Verdict: domain.VerdictSuspicious, RuleIDs: []string{"defense.role_reassignment"}},
			Allowed:      []domain.Backend{{ID: "local", Tier: domain.TierLocalOnly, Kind: domain.ExecutorMock}},
			Rationale:    []string{"level.confidential.tiers", "defense.suspicious.local_only"},
			RulesVersion: "v3@abc123",
			DecidedAt:    at,
		},
		BackendID:   "local",
		Outcome:     domain.OutcomeServed,
		Cost:        0.25,
		Attempts:    1,
		SubmittedAt: at,
		RecordedAt:  at,
		DurationMs:  42,
	}
}

func TestWriteGetRoundTrip(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 8, 30, 0, 123456789, time.UTC)
	want := sample("task-1", at)

	require.NoError(t, repo.WriteBatch(ctx, []domain.Trace{want}))

	got, err := repo.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, want.RecordedAt.Equal(got.RecordedAt))
	assert.True(t, want.Decision.DecidedAt.Equal(got.Decision.DecidedAt))
	got.Decision.DecidedAt = want.Decision.DecidedAt
	got.RecordedAt, got.SubmittedAt = want.RecordedAt, want.SubmittedAt
	assert.Equal(t, want, got)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, audit.ErrTraceNotFound)
}

func TestDuplicateRollsBackWholeBatch(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	at := time.Now().UTC()

	require.NoError(t, repo.WriteBatch(ctx, []domain.Trace{sample("a", at)}))

	dup := sample("a", at)
	dup.ID = "another"
	err := repo.WriteBatch(ctx, []domain.Trace{sample("b", at), dup})
	assert.ErrorIs(t, err, audit.ErrDuplicateTrace)

	_, err = repo.Get(ctx, "b")
	assert.ErrorIs(t, err, audit.ErrTraceNotFound)
}

func TestRange(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	var batch []domain.Trace
	for i, id := range []string{"a", "b", "c", "d"} {
		batch = append(batch, sample(id, base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, repo.WriteBatch(ctx, batch))

	got, err := repo.Range(ctx, domain.TimeRange{From: base.Add(time.Minute), To: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].TaskID)
	assert.Equal(t, "c", got[1].TaskID)

	got, err = repo.Range(ctx, domain.TimeRange{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestRecorderOnSQLite(t *testing.T) {
	repo := openRepo(t)
	rec := audit.NewRecorder(repo, audit.Config{FlushInterval: 10 * time.Millisecond}, zap.NewNop())
	rec.Start()
	ctx := context.Background()

	_, err := rec.Append(ctx, domain.Trace{TaskID: "sync", Outcome: domain.OutcomeRejected})
	require.NoError(t, err)
	rec.Log(domain.Trace{TaskID: "async", Outcome: domain.OutcomeCacheServed})
	rec.Stop()

	got, err := repo.Get(ctx, "async")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCacheServed, got.Outcome)

	_, err = rec.Append(ctx, domain.Trace{TaskID: "sync"})
	assert.ErrorIs(t, err, audit.ErrDuplicateTrace)
}
