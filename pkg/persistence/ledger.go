// Package persistence records runs and agent sessions in a SQLite ledger.
//
// The ledger is an audit trail for operators (status output, metrics). The
// orchestrator never reads it back to decide what to do next; the feature
// registry file stays the single source of truth.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"autocoder/pkg/logx"
)

// ErrRunNotFound is returned when a requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run status constants.
const (
	RunStatusActive        = "active"
	RunStatusShutdown      = "shutdown"       // paused by interrupt, resumable
	RunStatusCompleted     = "completed"      // all features passing
	RunStatusMaxIterations = "max_iterations" // stopped at the iteration cap
	RunStatusFailed        = "failed"         // aborted by an unrecoverable error
	RunStatusCrashed       = "crashed"        // found active at start-up
)

// Run modes.
const (
	ModeLoop    = "loop"
	ModeFeature = "feature"
)

// Session kinds.
const (
	SessionKindInitializer = "initializer"
	SessionKindCoding      = "coding"
	SessionKindFeature     = "feature"
)

const timeLayout = time.RFC3339Nano

// Run is one execution of the orchestrator or the feature runner.
type Run struct {
	ID            string     `json:"run_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Status        string     `json:"status"`
	Mode          string     `json:"mode"`
	MaxIterations int        `json:"max_iterations"`
}

// SessionRecord is one agent invocation.
//
//nolint:govet // logical grouping preferred
type SessionRecord struct {
	ID           string        `json:"session_id"`
	RunID        string        `json:"run_id"`
	Kind         string        `json:"kind"`
	FeatureID    string        `json:"feature_id,omitempty"`
	Outcome      string        `json:"outcome"`
	ExitCode     int           `json:"exit_code"`
	PromptTokens int           `json:"prompt_tokens"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// Ledger is a SQLite-backed run and session store.
type Ledger struct {
	db     *sql.DB
	path   string
	logger *logx.Logger
}

// Open opens (creating if needed) the ledger at path. ":memory:" opens a
// private in-memory database.
func Open(path string) (*Ledger, error) {
	logger := logx.NewLogger("persistence")

	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer; one connection also keeps :memory: stable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Ledger opened: %s", path)
	return &Ledger{db: db, path: path, logger: logger}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Path returns the database path.
func (l *Ledger) Path() string {
	return l.path
}

// StartRun records a new active run.
func (l *Ledger) StartRun(ctx context.Context, run Run) error {
	if run.Status == "" {
		run.Status = RunStatusActive
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, status, mode, max_iterations)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, formatTime(run.StartedAt), run.Status, run.Mode, run.MaxIterations)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// EndRun sets a run's final status and end time.
func (l *Ledger) EndRun(ctx context.Context, runID, status string) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ? WHERE run_id = ?
	`, status, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("failed to end run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordSession stores one agent session.
func (l *Ledger) RecordSession(ctx context.Context, rec SessionRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO agent_sessions
			(session_id, run_id, kind, feature_id, outcome, exit_code, prompt_tokens, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RunID, rec.Kind, rec.FeatureID, rec.Outcome, rec.ExitCode, rec.PromptTokens,
		formatTime(rec.StartedAt), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (l *Ledger) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, run_id, kind, feature_id, outcome, exit_code, prompt_tokens, started_at, duration_ms
		FROM agent_sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var startedAt string
		var durationMs int64
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Kind, &rec.FeatureID, &rec.Outcome,
			&rec.ExitCode, &rec.PromptTokens, &startedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return records, nil
}

// LatestRun returns the most recently started run.
func (l *Ledger) LatestRun(ctx context.Context) (*Run, error) {
	var run Run
	var startedAt string
	var endedAt sql.NullString
	err := l.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, ended_at, status, mode, max_iterations
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`).Scan(&run.ID, &startedAt, &endedAt, &run.Status, &run.Mode, &run.MaxIterations)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}

	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		run.EndedAt = &t
	}
	return &run, nil
}

// SessionCount returns the number of sessions recorded for a run.
func (l *Ledger) SessionCount(ctx context.Context, runID string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_sessions WHERE run_id = ?`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// MarkStaleRunsCrashed marks every run still active as crashed. It is called
// at start-up, before a new run begins, so a leftover active run can only be
// one whose process died without ending it.
func (l *Ledger) MarkStaleRunsCrashed(ctx context.Context) (int64, error) {
	result, err := l.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ? WHERE status = ?
	`, RunStatusCrashed, formatTime(time.Now()), RunStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		l.logger.Warn("Marked %d stale run(s) as crashed", n)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q in ledger: %w", s, err)
	}
	return t, nil
}
