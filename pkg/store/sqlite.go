package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

// SQLite stores runs as JSON documents alongside the columns needed to list them.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; the orchestrator writes from many goroutines
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLite{db: db}
	if err = s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLite) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			phase TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			subject TEXT,
			detail TEXT,
			occurred_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_phase ON runs(phase)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_run ON audit_events(run_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *SQLite) CreateRun(ctx context.Context, run *sweeperv1.PipelineRun) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	query := `INSERT INTO runs (id, pipeline, phase, triggered_by, body, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, run.ID, run.Pipeline, string(run.Phase), run.TriggeredBy,
		string(body), run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrExists, run.ID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

func (s *SQLite) UpdateRun(ctx context.Context, run *sweeperv1.PipelineRun) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	query := `UPDATE runs SET phase = ?, body = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(run.Phase), string(body), run.UpdatedAt.UnixNano(), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(run.ID)
	}

	return nil
}

func (s *SQLite) GetRun(ctx context.Context, id string) (*sweeperv1.PipelineRun, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return decodeRun(body)
}

func (s *SQLite) ListRuns(ctx context.Context) ([]*sweeperv1.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM runs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []*sweeperv1.PipelineRun
	for rows.Next() {
		var body string
		if err = rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := decodeRun(body)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}

	return out, rows.Err()
}

func (s *SQLite) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}

	return nil
}

func (s *SQLite) RecordAudit(ctx context.Context, event sweeperv1.AuditEvent) error {
	query := `INSERT INTO audit_events (run_id, actor, action, subject, detail, occurred_at)
	          VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, event.RunID, event.Actor, string(event.Action), event.Subject,
		event.Detail, event.OccurredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}

	return nil
}

func (s *SQLite) ListAudit(ctx context.Context, runID string) ([]sweeperv1.AuditEvent, error) {
	query := `SELECT run_id, actor, action, subject, detail, occurred_at FROM audit_events`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []sweeperv1.AuditEvent
	for rows.Next() {
		var (
			e               sweeperv1.AuditEvent
			action          string
			subject, detail sql.NullString
			occurred        int64
		)
		if err = rows.Scan(&e.RunID, &e.Actor, &action, &subject, &detail, &occurred); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Action = sweeperv1.AuditAction(action)
		e.Subject = subject.String
		e.Detail = detail.String
		e.OccurredAt = time.Unix(0, occurred).UTC()

		out = append(out, e)
	}

	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func decodeRun(body string) (*sweeperv1.PipelineRun, error) {
	run := &sweeperv1.PipelineRun{}
	if err := json.Unmarshal([]byte(body), run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return run, nil
}
