// Package sqlite persists the edit audit trail in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // database/sql driver

	"github.com/gosuda/tandem/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS edit_audit_log (
	id            TEXT PRIMARY KEY,
	edit_id       TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	action        TEXT NOT NULL,
	auto_accepted INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS edit_audit_log_session_idx ON edit_audit_log (session_id);
`

// AuditRepo stores audit entries in SQLite. Timestamps are kept as RFC 3339
// strings with nanoseconds so they sort lexically.
type AuditRepo struct {
	db *sql.DB
}

var _ domain.AuditRepository = (*AuditRepo)(nil)

// Open creates the database file and its parent directory if needed, and
// migrates the schema.
func Open(ctx context.Context, path string) (*AuditRepo, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite.Open: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: %w", err)
	}
	// One writer; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite.Open: migrate: %w", err)
	}

	return &AuditRepo{db: db}, nil
}

func (r *AuditRepo) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("sqlite.AuditRepo.Close: %w", err)
	}
	return nil
}

func (r *AuditRepo) Record(ctx context.Context, entry *domain.AuditEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO edit_audit_log (id, edit_id, session_id, file_path, action, auto_accepted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EditID, entry.SessionID, entry.FilePath,
		string(entry.Action), entry.AutoAccepted, entry.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite.AuditRepo.Record: %w", err)
	}
	return nil
}

// List returns every entry in insertion order.
func (r *AuditRepo) List(ctx context.Context) ([]*domain.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, edit_id, session_id, file_path, action, auto_accepted, created_at
		 FROM edit_audit_log
		 ORDER BY rowid ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite.AuditRepo.List: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			action  string
			created string
		)
		if err := rows.Scan(&e.ID, &e.EditID, &e.SessionID, &e.FilePath, &action, &e.AutoAccepted, &created); err != nil {
			return nil, fmt.Errorf("sqlite.AuditRepo.List: scan: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("sqlite.AuditRepo.List: parse created_at %q: %w", created, err)
		}
		e.Action = domain.AuditAction(action)
		e.Timestamp = ts
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite.AuditRepo.List: rows: %w", err)
	}
	return entries, nil
}

func (r *AuditRepo) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM edit_audit_log`); err != nil {
		return fmt.Errorf("sqlite.AuditRepo.Clear: %w", err)
	}
	return nil
}
