package visitors

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for visitor and session counters,
// the server-side analog of the site's browser-local counters.
type Store struct {
	sqlDB *sql.DB
}

// Totals summarizes the counter state.
type Totals struct {
	Visitors int64 `json:"visitors"`
	Visits   int64 `json:"visits"`
}

const schema = `
CREATE TABLE IF NOT EXISTS visitors (
	id         TEXT PRIMARY KEY,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	visits     INTEGER NOT NULL DEFAULT 0
);`

// Open opens and prepares a visitor counter store. A path of ":memory:"
// yields an ephemeral store for tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("visitors: storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("visitors: open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("visitors: ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("visitors: create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// RecordVisit upserts a visitor row and reports whether the visitor is new.
func (s *Store) RecordVisit(ctx context.Context, visitorID string) (bool, error) {
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("visitors: storage is not configured")
	}
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return false, fmt.Errorf("visitors: visitor id is required")
	}

	now := time.Now().UTC().Unix()
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO visitors (id, first_seen, last_seen, visits)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen, visits = visits + 1`,
		visitorID, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("visitors: record visit: %w", err)
	}

	var visits int64
	row := s.sqlDB.QueryRowContext(ctx, `SELECT visits FROM visitors WHERE id = ?`, visitorID)
	if err := row.Scan(&visits); err != nil {
		return false, fmt.Errorf("visitors: read visit count: %w", err)
	}
	return visits == 1, nil
}

// Totals reports distinct visitors and the summed visit count.
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	if s == nil || s.sqlDB == nil {
		return Totals{}, fmt.Errorf("visitors: storage is not configured")
	}
	var t Totals
	row := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(visits), 0) FROM visitors`)
	if err := row.Scan(&t.Visitors, &t.Visits); err != nil {
		return Totals{}, fmt.Errorf("visitors: read totals: %w", err)
	}
	return t, nil
}
