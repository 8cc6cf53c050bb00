package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteDB stores dispatch history. Times are kept as epoch milliseconds.
type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("error creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db: db,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS dispatch_runs (
			id TEXT PRIMARY KEY,
			edit_date INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			parcels_at_risk INTEGER NOT NULL DEFAULT 0,
			streets_at_risk INTEGER NOT NULL DEFAULT 0,
			perimeter_acres REAL NOT NULL DEFAULT 0,
			notify_failures INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS recoveries (
			id TEXT PRIMARY KEY,
			at INTEGER NOT NULL,
			reason TEXT NOT NULL,
			baseline INTEGER NOT NULL,
			succeeded INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_dispatch_runs_started_at ON dispatch_runs(started_at);
		CREATE INDEX IF NOT EXISTS idx_dispatch_runs_status ON dispatch_runs(status);
		CREATE INDEX IF NOT EXISTS idx_recoveries_at ON recoveries(at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) AddRun(ctx context.Context, r *models.DispatchRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_runs (id, edit_date, started_at, finished_at, parcels_at_risk,
			streets_at_risk, perimeter_acres, notify_failures, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EditDate, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(), r.ParcelsAtRisk,
		r.StreetsAtRisk, r.PerimeterAcres, r.NotifyFailures, string(r.Status), r.Error,
	)
	if err != nil {
		return fmt.Errorf("error inserting dispatch run %s: %w", r.ID, err)
	}
	return nil
}

const runColumns = `id, edit_date, started_at, finished_at, parcels_at_risk,
	streets_at_risk, perimeter_acres, notify_failures, status, error`

func (s *SQLiteDB) ListRuns(ctx context.Context, opts Filter) ([]models.DispatchRun, error) {
	var (
		where []string
		args  []any
	)
	if opts.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, opts.Since.UnixMilli())
	}
	if opts.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*opts.Status))
	}

	query := "SELECT " + runColumns + " FROM dispatch_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, opts.limit(), opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing dispatch runs: %w", err)
	}
	defer rows.Close()

	runs := []models.DispatchRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLiteDB) LastRun(ctx context.Context) (*models.DispatchRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM dispatch_runs ORDER BY started_at DESC, id LIMIT 1")
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*models.DispatchRun, error) {
	var (
		r                 models.DispatchRun
		started, finished int64
		status            string
	)
	err := sc.Scan(&r.ID, &r.EditDate, &started, &finished, &r.ParcelsAtRisk,
		&r.StreetsAtRisk, &r.PerimeterAcres, &r.NotifyFailures, &status, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("error scanning dispatch run: %w", err)
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	r.FinishedAt = time.UnixMilli(finished).UTC()
	r.Status = models.RunStatus(status)
	return &r, nil
}

func (s *SQLiteDB) AddRecovery(ctx context.Context, r *models.Recovery) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO recoveries (id, at, reason, baseline, succeeded) VALUES (?, ?, ?, ?, ?)",
		r.ID, r.At.UnixMilli(), r.Reason, r.Baseline, r.Succeeded,
	)
	if err != nil {
		return fmt.Errorf("error inserting recovery %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteDB) ListRecoveries(ctx context.Context, opts Filter) ([]models.Recovery, error) {
	query := "SELECT id, at, reason, baseline, succeeded FROM recoveries"
	var args []any
	if opts.Since != nil {
		query += " WHERE at >= ?"
		args = append(args, opts.Since.UnixMilli())
	}
	query += " ORDER BY at DESC, id LIMIT ? OFFSET ?"
	args = append(args, opts.limit(), opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing recoveries: %w", err)
	}
	defer rows.Close()

	recs := []models.Recovery{}
	for rows.Next() {
		var (
			r  models.Recovery
			at int64
		)
		if err := rows.Scan(&r.ID, &at, &r.Reason, &r.Baseline, &r.Succeeded); err != nil {
			return nil, fmt.Errorf("error scanning recovery: %w", err)
		}
		r.At = time.UnixMilli(at).UTC()
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
