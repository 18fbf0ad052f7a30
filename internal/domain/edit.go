package domain

import "time"

// ToolName is the file-editing tool that proposed an edit.
type ToolName string

const (
	ToolWrite     ToolName = "Write"
	ToolEdit      ToolName = "Edit"
	ToolMultiEdit ToolName = "MultiEdit"
)

// IsFileEdit reports whether the tool proposes file modifications.
func (t ToolName) IsFileEdit() bool {
	switch t {
	case ToolWrite, ToolEdit, ToolMultiEdit:
		return true
	default:
		return false
	}
}

// EditState tracks a pending edit through arbitration.
type EditState string

const (
	EditStateQueued       EditState = "queued"
	EditStateConflicted   EditState = "conflicted"
	EditStateAccepted     EditState = "accepted"
	EditStateRejected     EditState = "rejected"
	EditStateAutoAccepted EditState = "auto-accepted"
)

// Terminal reports whether no further transition is possible.
func (s EditState) Terminal() bool {
	return s == EditStateAccepted || s == EditStateRejected || s == EditStateAutoAccepted
}

// ValidTransition checks if an edit state transition is allowed.
// Conflicted loops back to queued, or resolves directly by accept/reject.
func (s EditState) ValidTransition(to EditState) bool {
	switch s {
	case EditStateQueued:
		return to == EditStateConflicted || to.Terminal()
	case EditStateConflicted:
		return to == EditStateQueued || to == EditStateAccepted || to == EditStateRejected
	default:
		return false
	}
}

// PendingEdit is a proposed file change awaiting accept or reject.
// ID is the tool invocation id assigned by the CLI.
type PendingEdit struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	ToolName        ToolName  `json:"tool_name"`
	FilePath        string    `json:"file_path"`
	OriginalContent string    `json:"original_content"`
	ProposedContent string    `json:"proposed_content"`
	Diff            string    `json:"diff"`
	Timestamp       time.Time `json:"timestamp"`
	State           EditState `json:"state,omitempty"`
}

// ApplyRequest is the single parameter contract for the apply boundary,
// shared by manual accept and auto-accept.
type ApplyRequest struct {
	Path            string `json:"path"`
	OriginalContent string `json:"original_content"`
	ProposedContent string `json:"proposed_content"`
}

// RequestFor builds the apply request for an edit.
func (e *PendingEdit) RequestFor() ApplyRequest {
	return ApplyRequest{
		Path:            e.FilePath,
		OriginalContent: e.OriginalContent,
		ProposedContent: e.ProposedContent,
	}
}

type ApplyOutcome string

const (
	ApplyOutcomeSuccess  ApplyOutcome = "success"
	ApplyOutcomeConflict ApplyOutcome = "conflict"
	ApplyOutcomeError    ApplyOutcome = "error"
)

// ApplyResult is returned as data for every apply attempt; conflicts and
// failures are expected outcomes, not errors.
type ApplyResult struct {
	Outcome         ApplyOutcome `json:"type"`
	EditID          string       `json:"edit_id,omitempty"`
	CurrentContent  string       `json:"current_content,omitempty"`
	BaseContent     string       `json:"base_content,omitempty"`
	ProposedContent string       `json:"proposed_content,omitempty"`
	Message         string       `json:"message,omitempty"`
}

func ApplySuccess() ApplyResult {
	return ApplyResult{Outcome: ApplyOutcomeSuccess}
}

func ApplyConflict(current, base, proposed string) ApplyResult {
	return ApplyResult{
		Outcome:         ApplyOutcomeConflict,
		CurrentContent:  current,
		BaseContent:     base,
		ProposedContent: proposed,
	}
}

func ApplyError(message string) ApplyResult {
	return ApplyResult{Outcome: ApplyOutcomeError, Message: message}
}

func (r ApplyResult) IsSuccess() bool  { return r.Outcome == ApplyOutcomeSuccess }
func (r ApplyResult) IsConflict() bool { return r.Outcome == ApplyOutcomeConflict }
func (r ApplyResult) IsError() bool    { return r.Outcome == ApplyOutcomeError }

// Conflict describes a file that changed on disk after an edit was proposed.
type Conflict struct {
	EditID          string `json:"edit_id"`
	FilePath        string `json:"file_path"`
	CurrentContent  string `json:"current_content"`
	BaseContent     string `json:"base_content"`
	ProposedContent string `json:"proposed_content"`
}

// FileStatus is the answer to a modification check against an expected hash.
type FileStatus struct {
	Modified       bool   `json:"modified"`
	CurrentContent string `json:"current_content,omitempty"`
}
