package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/tandem/internal/domain"
)

type CreateSessionInput struct {
	Body struct {
		WorkingDir   string   `json:"working_dir" minLength:"1" doc:"Absolute path of an existing directory the assistant works in"`
		Model        string   `json:"model,omitempty" maxLength:"100" doc:"Model alias, defaults to sonnet"`
		AllowedTools []string `json:"allowed_tools,omitempty" doc:"Tools the assistant may use without asking"`
	}
}

type SessionOutput struct {
	Body *domain.Session
}

type ListSessionsInput struct{}

type ListSessionsOutput struct {
	Body []*domain.Session
}

type SessionIDInput struct {
	ID string `path:"id" minLength:"1" doc:"Session ID"`
}

type SendPromptInput struct {
	ID   string `path:"id" minLength:"1" doc:"Session ID"`
	Body struct {
		Prompt string `json:"prompt" minLength:"1" doc:"Prompt text for the next turn"`
	}
}

func RegisterSessionRoutes(api huma.API, sessions SessionService) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create a session",
		Description:   "Registers an idle session. No process is started until the first prompt.",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateSessionInput) (*SessionOutput, error) {
		s, err := sessions.CreateSession(ctx, domain.SessionConfig{
			WorkingDir:   input.Body.WorkingDir,
			Model:        input.Body.Model,
			AllowedTools: input.Body.AllowedTools,
		})
		if err != nil {
			return nil, problem(err, "session", "create session")
		}

		return &SessionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List live sessions",
		Tags:        []string{"Sessions"},
	}, func(_ context.Context, _ *ListSessionsInput) (*ListSessionsOutput, error) {
		list := sessions.List()
		if list == nil {
			list = []*domain.Session{}
		}
		return &ListSessionsOutput{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session by ID",
		Tags:        []string{"Sessions"},
	}, func(_ context.Context, input *SessionIDInput) (*SessionOutput, error) {
		s, err := sessions.Get(input.ID)
		if err != nil {
			return nil, problem(err, "session", "get session")
		}

		return &SessionOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "send-prompt",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/prompt",
		Summary:       "Start a turn",
		Description:   "Spawns the assistant for one turn. Output arrives on the session's websocket.",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *SendPromptInput) (*SessionOutput, error) {
		if err := sessions.SendPrompt(ctx, input.ID, input.Body.Prompt); err != nil {
			return nil, problem(err, "session", "send prompt")
		}

		return sessionSnapshot(sessions, input.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "interrupt-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/interrupt",
		Summary:     "Interrupt the running turn",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*SessionOutput, error) {
		if err := sessions.SendInterrupt(ctx, input.ID); err != nil {
			return nil, problem(err, "session", "interrupt session")
		}

		return sessionSnapshot(sessions, input.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}",
		Summary:     "Terminate a session",
		Description: "Unknown sessions are ignored.",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*struct{}, error) {
		if err := sessions.TerminateSession(ctx, input.ID); err != nil {
			return nil, problem(err, "session", "terminate session")
		}

		return nil, nil
	})
}

// sessionSnapshot re-reads a session after a command. The session may have
// been terminated in between.
func sessionSnapshot(sessions SessionService, id string) (*SessionOutput, error) {
	s, err := sessions.Get(id)
	if err != nil {
		return nil, problem(err, "session", "get session")
	}
	return &SessionOutput{Body: s}, nil
}
