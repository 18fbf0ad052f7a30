package v1

import (
	"context"

	"github.com/gosuda/tandem/internal/domain"
)

// SessionService abstracts session lifecycle operations for handler testing.
// *session.Registry satisfies this interface.
type SessionService interface {
	CreateSession(ctx context.Context, cfg domain.SessionConfig) (*domain.Session, error)
	SendPrompt(ctx context.Context, sessionID, prompt string) error
	SendInterrupt(ctx context.Context, sessionID string) error
	TerminateSession(ctx context.Context, sessionID string) error
	Get(sessionID string) (*domain.Session, error)
	List() []*domain.Session
}

// EditArbiter abstracts edit arbitration for handler testing.
// *arbiter.Arbiter satisfies this interface.
type EditArbiter interface {
	QueueEdit(ctx context.Context, edit domain.PendingEdit) error
	AcceptEdit(ctx context.Context, editID string) (domain.ApplyResult, error)
	ResolveConflict(ctx context.Context, editID, resolved string) (domain.ApplyResult, error)
	RejectEdit(ctx context.Context, editID string) error
	CheckEdit(ctx context.Context, editID string) (*domain.Conflict, error)
	AcceptAll(ctx context.Context, sessionID string) []domain.ApplyResult
	RejectAll(ctx context.Context, sessionID string) int
	ClearSession(sessionID string) int
	GetEditQueue(sessionID string) []domain.PendingEdit
	GetEdit(editID string) (domain.PendingEdit, error)
	GetPendingCount() int
	SetYoloMode(enabled bool)
	YoloMode() bool
	GetAuditLog() []domain.AuditEntry
	ClearAuditLog(ctx context.Context) error
}
