package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/spaceai-gateway/internal/audit"
	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

const uniqueViolation = "23505"

const Schema = `
CREATE TABLE IF NOT EXISTS decision_traces (
	id           UUID PRIMARY KEY,
	task_id      TEXT NOT NULL UNIQUE,
	request_id   TEXT NOT NULL DEFAULT '',
	purpose      TEXT NOT NULL DEFAULT '',
	decision     JSONB NOT NULL,
	backend_id   TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	cost         DOUBLE PRECISION NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	submitted_at TIMESTAMPTZ NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS decision_traces_recorded_at ON decision_traces (recorded_at, id);
`

const (
	numTraceFields = 13
	rowsPerInsert  = 65535 / numTraceFields
)

const traceColumns = "id, task_id, request_id, purpose, decision, backend_id, outcome, error, cost, attempts, submitted_at, recorded_at, duration_ms"

// TraceRepo stores decision traces in PostgreSQL. Rows are never updated.
type TraceRepo struct {
	pool *pgxpool.Pool
}

func NewTraceRepo(ctx context.Context, connString string) (*TraceRepo, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &TraceRepo{pool: pool}, nil
}

func (r *TraceRepo) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (r *TraceRepo) Close() { r.pool.Close() }

// WriteBatch inserts the traces in one transaction: the batch lands or fails as a
// whole. Rows go out in statements of at most rowsPerInsert to stay under the
// 65535 bind parameter limit of the protocol.
func (r *TraceRepo) WriteBatch(ctx context.Context, traces []domain.Trace) error {
	if len(traces) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for start := 0; start < len(traces); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(traces))
		if err := insertTraces(ctx, tx, traces[start:end]); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit traces: %w", err)
	}
	return nil
}

func insertTraces(ctx context.Context, tx pgx.Tx, traces []domain.Trace) error {
	var placeholders strings.Builder
	vals := make([]any, 0, len(traces)*numTraceFields)

	for i, t := range traces {
		if i > 0 {
			placeholders.WriteString(",")
		}
		placeholders.WriteString("(")
		for f := 1; f <= numTraceFields; f++ {
			if f > 1 {
				placeholders.WriteString(", ")
			}
			fmt.Fprintf(&placeholders, "$%d", i*numTraceFields+f)
		}
		placeholders.WriteString(")")

		decision, err := json.Marshal(t.Decision)
		if err != nil {
			return fmt.Errorf("postgres: encode decision of %s: %w", t.TaskID, err)
		}
		vals = append(vals,
			t.ID, t.TaskID, t.RequestID, t.Purpose, decision, t.BackendID, string(t.Outcome),
			t.Error, t.Cost, t.Attempts, t.SubmittedAt, t.RecordedAt, t.DurationMs,
		)
	}

	query := "INSERT INTO decision_traces (" + traceColumns + ") VALUES " + placeholders.String()
	if _, err := tx.Exec(ctx, query, vals...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: %s: %w", pgErr.Detail, audit.ErrDuplicateTrace)
		}
		return fmt.Errorf("postgres: insert traces: %w", err)
	}
	return nil
}

func (r *TraceRepo) Get(ctx context.Context, taskID string) (domain.Trace, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+traceColumns+" FROM decision_traces WHERE task_id = $1", taskID)
	t, err := scanTrace(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Trace{}, fmt.Errorf("task %s: %w", taskID, audit.ErrTraceNotFound)
	}
	return t, err
}

func (r *TraceRepo) Range(ctx context.Context, tr domain.TimeRange) ([]domain.Trace, error) {
	limit := tr.Limit
	if limit <= 0 {
		limit = audit.DefaultRangeLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+traceColumns+` FROM decision_traces
		WHERE ($1::timestamptz IS NULL OR recorded_at >= $1)
		  AND ($2::timestamptz IS NULL OR recorded_at < $2)
		ORDER BY recorded_at, id
		LIMIT $3`, nullTime(tr.From), nullTime(tr.To), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: range traces: %w", err)
	}
	defer rows.Close()

	var out []domain.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrace(row pgx.Row) (domain.Trace, error) {
	var t domain.Trace
	var decision []byte
	var outcome string
	err := row.Scan(&t.ID, &t.TaskID, &t.RequestID, &t.Purpose, &decision, &t.BackendID, &outcome,
		&t.Error, &t.Cost, &t.Attempts, &t.SubmittedAt, &t.RecordedAt, &t.DurationMs)
	if err != nil {
		return domain.Trace{}, err
	}
	t.Outcome = domain.Outcome(outcome)
	if err := json.Unmarshal(decision, &t.Decision); err != nil {
		return domain.Trace{}, fmt.Errorf("postgres: decode decision of %s: %w", t.TaskID, err)
	}
	return t, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
