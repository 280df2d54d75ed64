// Package sqlite stores decision traces in a local SQLite file (pure Go driver).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xela07ax/spaceai-gateway/internal/audit"
	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS decision_traces (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL UNIQUE,
	request_id   TEXT NOT NULL DEFAULT '',
	purpose      TEXT NOT NULL DEFAULT '',
	decision     TEXT NOT NULL,
	backend_id   TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	cost         REAL NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	submitted_at INTEGER NOT NULL,
	recorded_at  INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS decision_traces_recorded_at ON decision_traces (recorded_at, id);
`

const traceColumns = "id, task_id, request_id, purpose, decision, backend_id, outcome, error, cost, attempts, submitted_at, recorded_at, duration_ms"

// TraceRepo keeps times as unix nanoseconds so range scans use the index.
type TraceRepo struct {
	db *sql.DB
}

func Open(path string) (*TraceRepo, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &TraceRepo{db: db}, nil
}

func (r *TraceRepo) Close() error { return r.db.Close() }

func (r *TraceRepo) WriteBatch(ctx context.Context, traces []domain.Trace) error {
	if len(traces) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", 13), ", ") + ")"
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO decision_traces ("+traceColumns+") VALUES "+placeholders)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range traces {
		decision, err := json.Marshal(t.Decision)
		if err != nil {
			return fmt.Errorf("sqlite: encode decision of %s: %w", t.TaskID, err)
		}
		_, err = stmt.ExecContext(ctx,
			t.ID, t.TaskID, t.RequestID, t.Purpose, string(decision), t.BackendID, string(t.Outcome),
			t.Error, t.Cost, t.Attempts, t.SubmittedAt.UnixNano(), t.RecordedAt.UnixNano(), t.DurationMs)
		if err != nil {
			var sqlErr *sqlite.Error
			if errors.As(err, &sqlErr) && sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
				return fmt.Errorf("sqlite: task %s: %w", t.TaskID, audit.ErrDuplicateTrace)
			}
			return fmt.Errorf("sqlite: insert trace %s: %w", t.TaskID, err)
		}
	}
	return tx.Commit()
}

func (r *TraceRepo) Get(ctx context.Context, taskID string) (domain.Trace, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+traceColumns+" FROM decision_traces WHERE task_id = ?", taskID)
	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trace{}, fmt.Errorf("task %s: %w", taskID, audit.ErrTraceNotFound)
	}
	return t, err
}

func (r *TraceRepo) Range(ctx context.Context, tr domain.TimeRange) ([]domain.Trace, error) {
	from, to := int64(math.MinInt64), int64(math.MaxInt64)
	if !tr.From.IsZero() {
		from = tr.From.UnixNano()
	}
	if !tr.To.IsZero() {
		to = tr.To.UnixNano()
	}
	limit := tr.Limit
	if limit <= 0 {
		limit = audit.DefaultRangeLimit
	}

	rows, err := r.db.QueryContext(ctx, "SELECT "+traceColumns+` FROM decision_traces
		WHERE recorded_at >= ? AND recorded_at < ?
		ORDER BY recorded_at, id
		LIMIT ?`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: range traces: %w", err)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (domain.Trace, error) {
	var t domain.Trace
	var decision, outcome string
	var submitted, recorded int64
	err := row.Scan(&t.ID, &t.TaskID, &t.RequestID, &t.Purpose, &decision, &t.BackendID, &outcome,
		&t.Error, &t.Cost, &t.Attempts, &submitted, &recorded, &t.DurationMs)
	if err != nil {
		return domain.Trace{}, err
	}
	t.Outcome = domain.Outcome(outcome)
	t.SubmittedAt = time.Unix(0, submitted).UTC()
	t.RecordedAt = time.Unix(0, recorded).UTC()
	if err := json.Unmarshal([]byte(decision), &t.Decision); err != nil {
		return domain.Trace{}, fmt.Errorf("sqlite: decode decision of %s: %w", t.TaskID, err)
	}
	return t, nil
}
