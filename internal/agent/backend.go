package agent

import (
	"context"
	"errors"
	"slices"

	"github.com/gosuda/tandem/internal/stream"
)

var (
	// ErrInvalidTurn is returned by Spawn when a turn is missing a session id or prompt.
	ErrInvalidTurn = errors.New("agent: invalid turn") //nolint:gochecknoglobals // sentinel error
	// ErrDisposed is returned by Spawn after Dispose has been called.
	ErrDisposed = errors.New("agent: backend disposed") //nolint:gochecknoglobals // sentinel error
)

// Turn is a single prompt invocation of the CLI. Every turn runs in a fresh
// process; continuity across turns comes from ResumeToken.
type Turn struct {
	SessionID    string
	Seq          uint64 // command sequence the turn was issued under, stamped on every event
	Prompt       string
	ResumeToken  string
	WorkingDir   string
	Model        string
	AllowedTools []string
}

// Validate checks the fields every backend requires.
func (t Turn) Validate() error {
	if t.SessionID == "" || t.Prompt == "" {
		return ErrInvalidTurn
	}
	return nil
}

// Clone returns a copy that does not share the AllowedTools slice.
func (t Turn) Clone() Turn {
	t.AllowedTools = slices.Clone(t.AllowedTools)
	return t
}

// EventHandler receives every message a turn produces, in emission order.
type EventHandler func(ev stream.Event)

// Backend runs CLI turns and reports their output.
// Interrupt and Terminate are best-effort: an unknown session is not an error,
// and neither call waits for the process to exit.
type Backend interface {
	// Spawn starts the process for one turn and returns once it is running.
	// Output is delivered asynchronously to the registered EventHandler.
	Spawn(ctx context.Context, turn Turn) error

	// Interrupt cancels the in-flight turn of a session, if any.
	Interrupt(ctx context.Context, sessionID string) error

	// Terminate tears down every process belonging to the session.
	Terminate(ctx context.Context, sessionID string) error

	// OnEvent registers the handler for output events.
	OnEvent(handler EventHandler)

	// Dispose stops every running turn and releases resources.
	Dispose(ctx context.Context) error
}
