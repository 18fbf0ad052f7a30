package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/tandem/internal/domain"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

var _ domain.AuditRepository = (*AuditRepo)(nil)

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Record(ctx context.Context, entry *domain.AuditEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO edit_audit_log (id, edit_id, session_id, file_path, action, auto_accepted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.EditID, entry.SessionID, entry.FilePath,
		string(entry.Action), entry.AutoAccepted, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("auditRepo.Record: %w", err)
	}

	return nil
}

// List returns every entry oldest first. ULID ids sort by creation time, so
// they break timestamp ties.
func (r *AuditRepo) List(ctx context.Context) ([]*domain.AuditEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, edit_id, session_id, file_path, action, auto_accepted, created_at
		 FROM edit_audit_log
		 ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("auditRepo.List: %w", err)
	}
	defer rows.Close()

	return scanAuditEntries(rows, "auditRepo.List")
}

func (r *AuditRepo) Clear(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM edit_audit_log`); err != nil {
		return fmt.Errorf("auditRepo.Clear: %w", err)
	}
	return nil
}

func scanAuditEntries(rows pgx.Rows, caller string) ([]*domain.AuditEntry, error) {
	var entries []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var action string

		if err := rows.Scan(
			&e.ID, &e.EditID, &e.SessionID, &e.FilePath,
			&action, &e.AutoAccepted, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		e.Action = domain.AuditAction(action)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return entries, nil
}
