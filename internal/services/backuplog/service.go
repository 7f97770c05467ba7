// Package backuplog persists backup runs and the files transferred by each run.
package backuplog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fgeck/gopickup/internal/models"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaFS embed.FS

// ErrRunNotFound is returned when an update targets a run that does not exist.
var ErrRunNotFound = errors.New("backup run not found")

// Store defines the run log operations used by the schedule runner.
type Store interface {
	InsertRun(ctx context.Context, scheduleID string) (int64, error)
	FinishRun(ctx context.Context, runID int64, statusMessage string) error
	LastRun(ctx context.Context, scheduleID string) (*models.RunRecord, error)
	ActiveArchives(ctx context.Context, scheduleID string) ([]models.ArchiveDescriptor, error)
	MarkDeleted(ctx context.Context, runID int64) error
	InsertTransferredFile(ctx context.Context, runID int64, name string, size int64) error
	ListRuns(ctx context.Context, scheduleID string, limit int) ([]models.RunRecord, error)
	Files(ctx context.Context, runID int64) ([]models.TransferredFile, error)
	Close() error
}

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// New opens (and creates, if needed) the run log at dbPath.
func New(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	return NewWithClock(dbPath, logger, time.Now)
}

// NewWithClock opens the run log with a custom clock (for testing).
func NewWithClock(dbPath string, logger zerolog.Logger, now func() time.Time) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}

	if _, err := db.Exec(string(schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("execute schema: %w", err)
	}

	logger.Debug().Str("path", dbPath).Msg("run log opened")

	return &SQLiteStore{
		db:     db,
		logger: logger,
		now:    now,
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertRun records the start of a run and returns its ID.
func (s *SQLiteStore) InsertRun(ctx context.Context, scheduleID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO backup_runs (schedule_id, started_at) VALUES (?, ?)",
		scheduleID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}

	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	if runID == 0 {
		return 0, fmt.Errorf("insert run: no run id returned")
	}

	return runID, nil
}

// FinishRun closes a run with its final status message.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID int64, statusMessage string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE backup_runs SET finished_at = ?, status_message = ? WHERE run_id = ?",
		s.now().UTC(), statusMessage, runID)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", runID, err)
	}
	return expectOneRow(res, runID)
}

// MarkDeleted records that the run's archive has been removed.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, runID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE backup_runs SET deleted_at = ? WHERE run_id = ?",
		s.now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("mark run %d deleted: %w", runID, err)
	}
	return expectOneRow(res, runID)
}

func expectOneRow(res sql.Result, runID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("run %d: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("run %d: %w", runID, ErrRunNotFound)
	}
	return nil
}

const runColumns = `r.run_id, r.schedule_id, r.started_at, r.finished_at, r.status_message, r.deleted_at,
	(SELECT COUNT(*) FROM backup_run_files f WHERE f.run_id = r.run_id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (models.RunRecord, error) {
	var (
		rec      models.RunRecord
		finished sql.NullTime
		deleted  sql.NullTime
	)

	if err := row.Scan(&rec.RunID, &rec.ScheduleID, &rec.StartedAt, &finished, &rec.StatusMessage, &deleted, &rec.FileCount); err != nil {
		return rec, err
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	if deleted.Valid {
		t := deleted.Time
		rec.DeletedAt = &t
	}
	return rec, nil
}

// LastRun returns the most recent run of a schedule, or nil if it never ran.
func (s *SQLiteStore) LastRun(ctx context.Context, scheduleID string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM backup_runs r WHERE r.schedule_id = ? ORDER BY r.run_id DESC LIMIT 1",
		scheduleID)

	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last run of %s: %w", scheduleID, err)
	}
	return &rec, nil
}

// ActiveArchives returns the finished, not yet deleted runs of a schedule,
// newest first, with their age in whole days.
func (s *SQLiteStore) ActiveArchives(ctx context.Context, scheduleID string) ([]models.ArchiveDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at FROM backup_runs
		WHERE schedule_id = ? AND finished_at IS NOT NULL AND deleted_at IS NULL
		ORDER BY started_at DESC, run_id DESC`,
		scheduleID)
	if err != nil {
		return nil, fmt.Errorf("active archives of %s: %w", scheduleID, err)
	}
	defer func() { _ = rows.Close() }()

	now := s.now()
	var archives []models.ArchiveDescriptor
	for rows.Next() {
		var (
			runID   int64
			started time.Time
		)
		if err := rows.Scan(&runID, &started); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		archives = append(archives, models.ArchiveDescriptor{
			RunID:   runID,
			AgeDays: AgeDays(started, now),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active archives of %s: %w", scheduleID, err)
	}

	return archives, nil
}

// AgeDays returns the number of whole days between started and now.
func AgeDays(started, now time.Time) int {
	age := now.Sub(started)
	if age < 0 {
		return 0
	}
	return int(age / (24 * time.Hour))
}

// InsertTransferredFile records a file that is about to be transferred.
func (s *SQLiteStore) InsertTransferredFile(ctx context.Context, runID int64, name string, size int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO backup_run_files (run_id, name, size, created_at) VALUES (?, ?, ?, ?)",
		runID, name, size, s.now().UTC())
	if err != nil {
		return fmt.Errorf("insert file %s for run %d: %w", name, runID, err)
	}
	return nil
}

// ListRuns returns the latest runs, newest first. An empty scheduleID lists all schedules.
func (s *SQLiteStore) ListRuns(ctx context.Context, scheduleID string, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := "SELECT " + runColumns + " FROM backup_runs r"
	args := []any{}
	if scheduleID != "" {
		query += " WHERE r.schedule_id = ?"
		args = append(args, scheduleID)
	}
	query += " ORDER BY r.run_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []models.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// Files returns the files recorded for a run in insertion order.
func (s *SQLiteStore) Files(ctx context.Context, runID int64) ([]models.TransferredFile, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, name, size, created_at FROM backup_run_files WHERE run_id = ? ORDER BY file_id",
		runID)
	if err != nil {
		return nil, fmt.Errorf("files of run %d: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var files []models.TransferredFile
	for rows.Next() {
		var f models.TransferredFile
		if err := rows.Scan(&f.RunID, &f.Name, &f.Size, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
