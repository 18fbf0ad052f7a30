// Package postgres persists the edit audit trail in PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tandem/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS edit_audit_log (
	id            TEXT PRIMARY KEY,
	edit_id       TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	action        TEXT NOT NULL,
	auto_accepted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS edit_audit_log_session_idx ON edit_audit_log (session_id);
`

type Store struct {
	pool  *pgxpool.Pool
	audit *AuditRepo
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return &Store{
		pool:  pool,
		audit: NewAuditRepo(pool),
	}, nil
}

// EnsureSchema creates the tables the store needs if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres.Store.EnsureSchema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Audit() domain.AuditRepository { return s.audit }
