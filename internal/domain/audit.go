package domain

import (
	"context"
	"time"
)

type AuditAction string

const (
	AuditActionAccepted     AuditAction = "accepted"
	AuditActionRejected     AuditAction = "rejected"
	AuditActionAutoAccepted AuditAction = "auto-accepted"
)

// AuditEntry records one edit resolution decision.
type AuditEntry struct {
	ID           string      `json:"id"`
	EditID       string      `json:"edit_id"`
	SessionID    string      `json:"session_id"`
	FilePath     string      `json:"file_path"`
	Action       AuditAction `json:"action"`
	Timestamp    time.Time   `json:"timestamp"`
	AutoAccepted bool        `json:"auto_accepted"`
}

// AuditRepository persists the audit trail. Entries are append-only;
// Clear is the only destructive operation.
type AuditRepository interface {
	Record(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context) ([]*AuditEntry, error)
	Clear(ctx context.Context) error
}
