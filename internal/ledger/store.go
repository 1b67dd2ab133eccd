// Package ledger persists a history of completed builds and deploys in
// SQLite, so "what was flashed to this board, when, from which build"
// survives coordinator restarts even though request records do not.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages ledger persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// BuildRecord is one completed build.
type BuildRecord struct {
	RequestID string
	Project   string
	Env       string
	Profile   string
	Artifact  string
	Compiled  int
	Skipped   int
	Elapsed   time.Duration
}

// Entry is one ledger row as read back.
type Entry struct {
	ID        int64     `json:"id"`
	Operation string    `json:"operation"`
	RequestID string    `json:"request_id"`
	Project   string    `json:"project"`
	Env       string    `json:"env"`
	Profile   string    `json:"profile"`
	Port      string    `json:"port"`
	Artifact  string    `json:"artifact"`
	Compiled  int       `json:"compiled"`
	Skipped   int       `json:"skipped"`
	ElapsedMS int64     `json:"elapsed_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Open creates or opens the ledger database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS firmware_ledger (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    operation  TEXT NOT NULL,
    request_id TEXT NOT NULL,
    project    TEXT NOT NULL,
    env        TEXT NOT NULL,
    profile    TEXT NOT NULL DEFAULT '',
    port       TEXT NOT NULL DEFAULT '',
    artifact   TEXT NOT NULL,
    compiled   INTEGER NOT NULL DEFAULT 0,
    skipped    INTEGER NOT NULL DEFAULT 0,
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_ledger_env ON firmware_ledger(env);
`)
	if err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// RecordBuild appends a build entry.
func (s *Store) RecordBuild(ctx context.Context, rec BuildRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO firmware_ledger (operation, request_id, project, env, profile, artifact, compiled, skipped, elapsed_ms)
VALUES ('build', ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Project, rec.Env, rec.Profile, rec.Artifact, rec.Compiled, rec.Skipped, rec.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("record build: %w", err)
	}
	return nil
}

// RecordDeploy appends a deploy entry.
func (s *Store) RecordDeploy(ctx context.Context, requestID, project, env, port, artifact string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO firmware_ledger (operation, request_id, project, env, port, artifact)
VALUES ('deploy', ?, ?, ?, ?, ?)`,
		requestID, project, env, port, artifact)
	if err != nil {
		return fmt.Errorf("record deploy: %w", err)
	}
	return nil
}

// Recent returns the newest entries, optionally filtered by env.
func (s *Store) Recent(ctx context.Context, env string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, operation, request_id, project, env, profile, port, artifact, compiled, skipped, elapsed_ms, created_at
FROM firmware_ledger`
	args := []any{}
	if env != "" {
		query += " WHERE env = ?"
		args = append(args, env)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Operation, &e.RequestID, &e.Project, &e.Env, &e.Profile, &e.Port,
			&e.Artifact, &e.Compiled, &e.Skipped, &e.ElapsedMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
