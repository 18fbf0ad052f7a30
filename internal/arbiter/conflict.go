package arbiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gosuda/tandem/internal/domain"
)

// HashContent returns the hex sha256 the file boundary compares against.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CheckConflicts asks the boundary whether the edit's file still holds the
// content the edit was proposed against. It returns nil when it does. The
// check is advisory; AcceptEdit detects conflicts on its own.
func (a *Arbiter) CheckConflicts(ctx context.Context, edit domain.PendingEdit) (*domain.Conflict, error) {
	status, err := a.files.CheckFileModified(ctx, edit.FilePath, HashContent(edit.OriginalContent))
	if err != nil {
		return nil, fmt.Errorf("arbiter.Arbiter.CheckConflicts(%s): %w", edit.ID, err)
	}
	if !status.Modified {
		return nil, nil
	}

	return &domain.Conflict{
		EditID:          edit.ID,
		FilePath:        edit.FilePath,
		CurrentContent:  status.CurrentContent,
		BaseContent:     edit.OriginalContent,
		ProposedContent: edit.ProposedContent,
	}, nil
}

// CheckEdit runs CheckConflicts for a queued edit.
func (a *Arbiter) CheckEdit(ctx context.Context, editID string) (*domain.Conflict, error) {
	edit, err := a.GetEdit(editID)
	if err != nil {
		return nil, fmt.Errorf("arbiter.Arbiter.CheckEdit: %w", err)
	}
	return a.CheckConflicts(ctx, edit)
}
