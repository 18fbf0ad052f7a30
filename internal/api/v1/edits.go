package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tandem/internal/domain"
	"github.com/gosuda/tandem/internal/extract"
)

type QueueEditInput struct {
	SessionID string `path:"id" minLength:"1" doc:"Session ID"`
	Body      struct {
		ID              string          `json:"id" minLength:"1" doc:"Edit ID, normally the tool invocation ID"`
		ToolName        domain.ToolName `json:"tool_name" enum:"Write,Edit,MultiEdit" doc:"Tool that proposed the edit"`
		FilePath        string          `json:"file_path" minLength:"1" doc:"Target file"`
		OriginalContent string          `json:"original_content,omitempty" doc:"Content the edit was proposed against; empty skips the conflict check"`
		ProposedContent string          `json:"proposed_content" doc:"Content to write"`
		Diff            string          `json:"diff,omitempty" doc:"Unified diff; computed when omitted"`
	}
}

type EditOutput struct {
	Body domain.PendingEdit
}

type EditQueueInput struct {
	SessionID string `path:"id" minLength:"1" doc:"Session ID"`
}

type EditQueueOutput struct {
	Body []domain.PendingEdit
}

type EditIDInput struct {
	ID string `path:"id" minLength:"1" doc:"Edit ID"`
}

type ApplyResultOutput struct {
	Body domain.ApplyResult
}

type ResolveConflictInput struct {
	ID   string `path:"id" minLength:"1" doc:"Edit ID"`
	Body struct {
		Content string `json:"content" doc:"Merged content to write in place of the proposed content"`
	}
}

type CheckEditOutput struct {
	Body struct {
		Modified bool             `json:"modified" doc:"Whether the file changed since the edit was proposed"`
		Conflict *domain.Conflict `json:"conflict,omitempty"`
	}
}

type AcceptAllOutput struct {
	Body struct {
		Results []domain.ApplyResult `json:"results" doc:"One result per attempted edit, in queue order"`
	}
}

type CountOutput struct {
	Body struct {
		Count int `json:"count"`
	}
}

type YoloOutput struct {
	Body struct {
		Enabled bool `json:"enabled"`
	}
}

type SetYoloInput struct {
	Body struct {
		Enabled bool `json:"enabled" doc:"Auto-accept every queued edit"`
	}
}

func RegisterEditRoutes(api huma.API, sessions SessionService, arb EditArbiter) {
	huma.Register(api, huma.Operation{
		OperationID: "list-session-edits",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/edits",
		Summary:     "List a session's pending edits in queue order",
		Tags:        []string{"Edits"},
	}, func(_ context.Context, input *EditQueueInput) (*EditQueueOutput, error) {
		edits := arb.GetEditQueue(input.SessionID)
		if edits == nil {
			edits = []domain.PendingEdit{}
		}
		return &EditQueueOutput{Body: edits}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "queue-edit",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/edits",
		Summary:       "Queue an edit for a session",
		Tags:          []string{"Edits"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *QueueEditInput) (*EditOutput, error) {
		if _, err := sessions.Get(input.SessionID); err != nil {
			return nil, problem(err, "session", "get session")
		}

		b := input.Body
		edit := domain.PendingEdit{
			ID:              b.ID,
			SessionID:       input.SessionID,
			ToolName:        b.ToolName,
			FilePath:        b.FilePath,
			OriginalContent: b.OriginalContent,
			ProposedContent: b.ProposedContent,
			Diff:            b.Diff,
		}
		if edit.Diff == "" {
			diff, err := extract.Diff(b.FilePath, b.OriginalContent, b.ProposedContent)
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to compute diff", err)
			}
			edit.Diff = diff
		}

		if err := arb.QueueEdit(ctx, edit); err != nil {
			return nil, problem(err, "session", "queue edit")
		}

		// In YOLO mode the edit may already be gone.
		if queued, err := arb.GetEdit(edit.ID); err == nil {
			edit = queued
		}
		return &EditOutput{Body: edit}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-all-edits",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/edits/accept-all",
		Summary:     "Accept a session's edits in order, stopping at the first conflict",
		Tags:        []string{"Edits"},
	}, func(ctx context.Context, input *EditQueueInput) (*AcceptAllOutput, error) {
		out := &AcceptAllOutput{}
		out.Body.Results = arb.AcceptAll(ctx, input.SessionID)
		if out.Body.Results == nil {
			out.Body.Results = []domain.ApplyResult{}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-all-edits",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/edits/reject-all",
		Summary:     "Reject every edit queued for a session",
		Tags:        []string{"Edits"},
	}, func(ctx context.Context, input *EditQueueInput) (*CountOutput, error) {
		out := &CountOutput{}
		out.Body.Count = arb.RejectAll(ctx, input.SessionID)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-session-edits",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}/edits",
		Summary:     "Drop a session's queued edits without resolving them",
		Tags:        []string{"Edits"},
	}, func(_ context.Context, input *EditQueueInput) (*CountOutput, error) {
		out := &CountOutput{}
		out.Body.Count = arb.ClearSession(input.SessionID)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-edit-count",
		Method:      http.MethodGet,
		Path:        "/edits/pending-count",
		Summary:     "Count queued edits across all sessions",
		Tags:        []string{"Edits"},
	}, func(_ context.Context, _ *struct{}) (*CountOutput, error) {
		out := &CountOutput{}
		out.Body.Count = arb.GetPendingCount()
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-edit",
		Method:      http.MethodGet,
		Path:        "/edits/{id}",
		Summary:     "Get a queued edit",
		Tags:        []string{"Edits"},
	}, func(_ context.Context, input *EditIDInput) (*EditOutput, error) {
		edit, err := arb.GetEdit(input.ID)
		if err != nil {
			return nil, problem(err, "edit", "get edit")
		}
		return &EditOutput{Body: edit}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-edit",
		Method:      http.MethodPost,
		Path:        "/edits/{id}/accept",
		Summary:     "Apply an edit",
		Description: "Conflicts and write failures are reported in the result; the edit stays queued.",
		Tags:        []string{"Edits"},
	}, func(ctx context.Context, input *EditIDInput) (*ApplyResultOutput, error) {
		res, err := arb.AcceptEdit(ctx, input.ID)
		if err != nil {
			return nil, problem(err, "edit", "accept edit")
		}
		return &ApplyResultOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-edit-conflict",
		Method:      http.MethodPost,
		Path:        "/edits/{id}/resolve",
		Summary:     "Apply merged content to a conflicted edit",
		Tags:        []string{"Edits"},
	}, func(ctx context.Context, input *ResolveConflictInput) (*ApplyResultOutput, error) {
		res, err := arb.ResolveConflict(ctx, input.ID, input.Body.Content)
		if err != nil {
			return nil, problem(err, "edit", "resolve conflict")
		}
		return &ApplyResultOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-edit",
		Method:      http.MethodPost,
		Path:        "/edits/{id}/reject",
		Summary:     "Reject an edit",
		Tags:        []string{"Edits"},
	}, func(ctx context.Context, input *EditIDInput) (*struct{}, error) {
		if err := arb.RejectEdit(ctx, input.ID); err != nil {
			return nil, problem(err, "edit", "reject edit")
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-edit",
		Method:      http.MethodPost,
		Path:        "/edits/{id}/check",
		Summary:     "Check whether an edit's file changed on disk",
		Tags:        []string{"Edits"},
	}, func(ctx context.Context, input *EditIDInput) (*CheckEditOutput, error) {
		conflict, err := arb.CheckEdit(ctx, input.ID)
		if err != nil {
			return nil, problem(err, "edit", "check edit")
		}

		out := &CheckEditOutput{}
		out.Body.Modified = conflict != nil
		out.Body.Conflict = conflict
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-yolo",
		Method:      http.MethodGet,
		Path:        "/yolo",
		Summary:     "Get the auto-accept policy",
		Tags:        []string{"Edits"},
	}, func(_ context.Context, _ *struct{}) (*YoloOutput, error) {
		out := &YoloOutput{}
		out.Body.Enabled = arb.YoloMode()
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-yolo",
		Method:      http.MethodPut,
		Path:        "/yolo",
		Summary:     "Set the auto-accept policy",
		Description: "Enabling auto-accepts every edit already queued.",
		Tags:        []string{"Edits"},
	}, func(_ context.Context, input *SetYoloInput) (*YoloOutput, error) {
		arb.SetYoloMode(input.Body.Enabled)

		out := &YoloOutput{}
		out.Body.Enabled = arb.YoloMode()
		return out, nil
	})
}
