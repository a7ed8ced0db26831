// Package historydb records a one-row-per-session summary log in SQLite,
// the one piece of state the daemon intentionally keeps across
// restarts: that a session happened, not what it saw.
package historydb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ardenmoss/bdg/internal/logging"
)

//go:embed schema.sql
var schemaFS embed.FS

// Outcome classifies how a session ended.
type Outcome string

const (
	OutcomeClean Outcome = "clean"
	OutcomeError Outcome = "error"
	OutcomeKilled Outcome = "killed"
)

// Row is one completed session's summary.
type Row struct {
	ID           string
	TargetURL    string
	TargetTitle  string
	StartedAt    time.Time
	EndedAt      time.Time
	DurationMS   int64
	NetworkCount int
	ConsoleCount int
	Outcome      Outcome
	Error        string
}

// DB wraps the session-history SQLite database.
type DB struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (creating if necessary) the history database at
// <sessionDir>/history.db and applies the schema.
func Open(sessionDir string, logger logging.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.NewStdoutLogger("historydb")
	}

	dbPath := filepath.Join(sessionDir, "history.db")
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("historydb: open %s: %w", dbPath, err)
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("historydb: read schema: %w", err)
	}
	if _, err := sqlDB.Exec(string(schema)); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("historydb: apply schema: %w", err)
	}

	return &DB{db: sqlDB, logger: logger}, nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Record inserts a completed session's summary row. If row.ID is empty, a
// new UUID is assigned.
func (d *DB) Record(ctx context.Context, row Row) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, target_url, target_title, started_at, ended_at, duration_ms,
			 network_count, console_count, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.TargetURL, row.TargetTitle,
		row.StartedAt.UTC().Format(time.RFC3339Nano),
		row.EndedAt.UTC().Format(time.RFC3339Nano),
		row.DurationMS, row.NetworkCount, row.ConsoleCount,
		string(row.Outcome), row.Error,
	)
	if err != nil {
		return fmt.Errorf("historydb: insert session row: %w", err)
	}
	return nil
}

// List returns the most recent sessions, newest first, limited to limit
// rows (0 means unlimited).
func (d *DB) List(ctx context.Context, limit int) ([]Row, error) {
	query := `SELECT id, target_url, target_title, started_at, ended_at, duration_ms,
		network_count, console_count, outcome, error
		FROM sessions ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("historydb: query sessions: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var startedAt, endedAt, outcome string
		if err := rows.Scan(&r.ID, &r.TargetURL, &r.TargetTitle, &startedAt, &endedAt,
			&r.DurationMS, &r.NetworkCount, &r.ConsoleCount, &outcome, &r.Error); err != nil {
			return nil, fmt.Errorf("historydb: scan session row: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		r.EndedAt, _ = time.Parse(time.RFC3339Nano, endedAt)
		r.Outcome = Outcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}
