// Package store persists execution records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

// SQLiteStore is a core.Persistence backed by a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // serializes batch writes
}

// ClassStat aggregates records of one button class.
type ClassStat struct {
	ButtonClass     string    `json:"buttonClass"`
	Attempts        int       `json:"attempts"`
	Successes       int       `json:"successes"`
	SuccessRate     float64   `json:"successRate"`
	AvgDetectionMs  float64   `json:"avgDetectionMs"`
	AvgConfidence   float64   `json:"avgConfidence"`
	LastAttemptedAt time.Time `json:"lastAttemptedAt"`
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("store: opened %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_records (
		id TEXT PRIMARY KEY,
		project_name TEXT NOT NULL,
		button_class TEXT NOT NULL,
		success INTEGER NOT NULL,
		scenario TEXT,
		detection_time_ms INTEGER NOT NULL,
		x INTEGER,
		y INTEGER,
		confidence REAL,
		cached INTEGER DEFAULT 0,
		screenshot_path TEXT,
		device_id TEXT NOT NULL,
		error TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_project_class ON execution_records(project_name, button_class);
	CREATE INDEX IF NOT EXISTS idx_records_device ON execution_records(device_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveBatch writes records in one transaction. Rows are upserted by ID so a
// retried record is never duplicated. If the commit fails every record fails.
func (s *SQLiteStore) SaveBatch(ctx context.Context, records []core.ExecutionRecord) []error {
	errs := make([]error, len(records))
	if len(records) == 0 {
		return errs
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(err error) []error {
		wrapped := core.ErrPersistence.WithCause(err)
		for i := range errs {
			errs[i] = wrapped
		}
		return errs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO execution_records
			(id, project_name, button_class, success, scenario, detection_time_ms,
			 x, y, confidence, cached, screenshot_path, device_id, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fail(err)
	}
	defer stmt.Close()

	for i, r := range records {
		if r.ID == "" {
			errs[i] = core.ErrPersistence.WithMessage("record has no id")
			continue
		}
		var x, y sql.NullInt64
		if r.Coordinates != nil {
			x = sql.NullInt64{Int64: int64(r.Coordinates.X), Valid: true}
			y = sql.NullInt64{Int64: int64(r.Coordinates.Y), Valid: true}
		}
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.ProjectName, r.ButtonClass, r.Success, r.Scenario, r.DetectionTimeMs,
			x, y, r.Confidence, r.Cached, r.ScreenshotPath, r.DeviceID, r.Error, ts.UTC(),
		); err != nil {
			errs[i] = core.ErrPersistence.WithCause(err).WithDetails(map[string]interface{}{"id": r.ID})
		}
	}

	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	return errs
}

// Count returns the number of stored records for a project ("" for all).
func (s *SQLiteStore) Count(ctx context.Context, project string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_records WHERE (? = '' OR project_name = ?)`,
		project, project).Scan(&n)
	return n, err
}

// ClassStats returns per-class success statistics for a project ("" for all),
// ordered by success rate descending. Used to tune candidate order.
func (s *SQLiteStore) ClassStats(ctx context.Context, project string) ([]ClassStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT button_class,
		       COUNT(*),
		       SUM(success),
		       AVG(detection_time_ms),
		       COALESCE(AVG(CASE WHEN success = 1 THEN confidence END), 0),
		       MAX(timestamp)
		FROM execution_records
		WHERE (? = '' OR project_name = ?)
		GROUP BY button_class
		ORDER BY CAST(SUM(success) AS REAL) / COUNT(*) DESC, button_class ASC`,
		project, project)
	if err != nil {
		return nil, fmt.Errorf("query class stats: %w", err)
	}
	defer rows.Close()

	var stats []ClassStat
	for rows.Next() {
		var st ClassStat
		var last string
		if err := rows.Scan(&st.ButtonClass, &st.Attempts, &st.Successes,
			&st.AvgDetectionMs, &st.AvgConfidence, &last); err != nil {
			return nil, fmt.Errorf("scan class stats: %w", err)
		}
		if st.Attempts > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Attempts)
		}
		st.LastAttemptedAt = parseTimestamp(last)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// MAX() over a DATETIME column comes back as text.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
