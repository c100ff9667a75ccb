package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"kiln/internal/checkpoint"
	"kiln/internal/config"
	"kiln/internal/services"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("run not found")

// Run is one finished coordinator invocation.
type Run struct {
	ID              string                 `json:"id"`
	RunKey          string                 `json:"run_key"`
	Workflow        string                 `json:"workflow"`
	Mode            string                 `json:"mode"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at"`
	Total           int                    `json:"total"`
	Completed       int                    `json:"completed"`
	Failed          int                    `json:"failed"`
	QualityRejected int                    `json:"quality_rejected"`
	Pending         int                    `json:"pending"`
	RunError        string                 `json:"run_error,omitempty"`
	Units           []checkpoint.TaskState `json:"units,omitempty"`
}

// Elapsed returns the wall-clock duration of the run.
func (r Run) Elapsed() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store persists runs in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// timeLayout keeps a fixed-width fraction so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Open opens the history database configured for cfg.
func Open(cfg *config.Config) (*Store, error) {
	return OpenPath(cfg.HistoryPath())
}

// OpenPath opens or creates the history database at dbPath.
func OpenPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RecordRun stores a run and its unit states in one transaction. A missing ID
// is filled with a fresh UUID, which is returned.
func (s *Store) RecordRun(ctx context.Context, run Run) (string, error) {
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (
                id, run_key, workflow, mode, started_at, finished_at,
                total, completed, failed, quality_rejected, pending, run_error
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID,
			run.RunKey,
			run.Workflow,
			run.Mode,
			run.StartedAt.UTC().Format(timeLayout),
			run.FinishedAt.UTC().Format(timeLayout),
			run.Total,
			run.Completed,
			run.Failed,
			run.QualityRejected,
			run.Pending,
			nullableString(run.RunError),
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		for _, unit := range run.Units {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_units (
                    run_id, unit_id, status, stage, attempts, failure_kind,
                    last_error, quality_rejections, output
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run.ID,
				unit.UnitID,
				string(unit.Status),
				nullableString(unit.Stage),
				unit.Attempts,
				nullableString(string(unit.FailureKind)),
				nullableString(unit.LastError),
				unit.QualityRejections,
				nullableString(unit.Output),
			); err != nil {
				return fmt.Errorf("insert run unit %s: %w", unit.UnitID, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// ListRuns returns the most recent runs first, without unit detail. A
// non-empty runKey restricts the list to that key.
func (s *Store) ListRuns(ctx context.Context, runKey string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, run_key, workflow, mode, started_at, finished_at,
        total, completed, failed, quality_rejected, pending, run_error
        FROM runs`
	args := []any{}
	if runKey = strings.TrimSpace(runKey); runKey != "" {
		query += " WHERE run_key = ?"
		args = append(args, runKey)
	}
	query += " ORDER BY finished_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its units.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_key, workflow, mode, started_at, finished_at,
            total, completed, failed, quality_rejected, pending, run_error
        FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, status, stage, attempts, failure_kind, last_error, quality_rejections, output
        FROM run_units WHERE run_id = ? ORDER BY unit_id`, id)
	if err != nil {
		return Run{}, fmt.Errorf("list run units: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			unit                         checkpoint.TaskState
			status                       string
			stage, kind, lastErr, output sql.NullString
		)
		if err := rows.Scan(&unit.UnitID, &status, &stage, &unit.Attempts, &kind, &lastErr, &unit.QualityRejections, &output); err != nil {
			return Run{}, fmt.Errorf("scan run unit: %w", err)
		}
		parsed, err := checkpoint.ParseStatus(status)
		if err != nil {
			return Run{}, err
		}
		unit.Status = parsed
		unit.Stage = stage.String
		unit.FailureKind = services.Kind(kind.String)
		unit.LastError = lastErr.String
		unit.Output = output.String
		run.Units = append(run.Units, unit)
	}
	return run, rows.Err()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (Run, error) {
	var (
		run               Run
		started, finished string
		runErr            sql.NullString
	)
	if err := scanner.Scan(
		&run.ID, &run.RunKey, &run.Workflow, &run.Mode, &started, &finished,
		&run.Total, &run.Completed, &run.Failed, &run.QualityRejected, &run.Pending, &runErr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Run{}, fmt.Errorf("parse started_at: %w", err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return Run{}, fmt.Errorf("parse finished_at: %w", err)
	}
	run.RunError = runErr.String
	return run, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
