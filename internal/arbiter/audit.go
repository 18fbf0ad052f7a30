package arbiter

import (
	"context"
	"crypto/rand"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/domain"
)

// auditLog is the in-memory, append-only decision record. When a repository
// is configured every entry is written through to it; a failed write is
// logged and never undoes the decision.
type auditLog struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	repo    domain.AuditRepository
	entropy *ulid.MonotonicEntropy
}

func newAuditLog(repo domain.AuditRepository) *auditLog {
	return &auditLog{
		repo:    repo,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// load replaces the in-memory log with the repository's contents.
func (l *auditLog) load(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}

	stored, err := l.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("arbiter.auditLog.load: %w", err)
	}

	entries := make([]domain.AuditEntry, 0, len(stored))
	for _, e := range stored {
		entries = append(entries, *e)
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
	return nil
}

func (l *auditLog) record(ctx context.Context, edit domain.PendingEdit, action domain.AuditAction, at time.Time) domain.AuditEntry {
	l.mu.Lock()
	entry := domain.AuditEntry{
		ID:           ulid.MustNew(ulid.Timestamp(at), l.entropy).String(),
		EditID:       edit.ID,
		SessionID:    edit.SessionID,
		FilePath:     edit.FilePath,
		Action:       action,
		Timestamp:    at,
		AutoAccepted: action == domain.AuditActionAutoAccepted,
	}
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if l.repo != nil {
		if err := l.repo.Record(context.WithoutCancel(ctx), &entry); err != nil {
			log.Error().Err(err).Str("edit_id", edit.ID).Str("action", string(action)).Msg("arbiter.auditLog.record: persist failed")
		}
	}

	return entry
}

func (l *auditLog) list() []domain.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// clear empties the repository first so a failed clear leaves both copies intact.
func (l *auditLog) clear(ctx context.Context) error {
	if l.repo != nil {
		if err := l.repo.Clear(ctx); err != nil {
			return fmt.Errorf("arbiter.auditLog.clear: %w", err)
		}
	}

	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
	return nil
}
