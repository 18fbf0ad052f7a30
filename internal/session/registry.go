// Package session tracks logical conversations with the CLI and drives their
// status from the event stream.
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/agent"
	"github.com/gosuda/tandem/internal/bus"
	"github.com/gosuda/tandem/internal/domain"
	"github.com/gosuda/tandem/internal/stream"
)

var (
	// ErrSessionBusy is returned when a prompt is sent while a turn is in flight.
	ErrSessionBusy = errors.New("session: turn already in flight") //nolint:gochecknoglobals // sentinel error
	// ErrInvalidWorkingDir is returned when a session's working directory does not exist.
	ErrInvalidWorkingDir = errors.New("session: invalid working directory") //nolint:gochecknoglobals // sentinel error
	// ErrSpawnFailed is returned when the executor could not start a turn.
	ErrSpawnFailed = errors.New("session: spawn failed") //nolint:gochecknoglobals // sentinel error
)

// CreateHook runs after a session has been registered.
type CreateHook func(ctx context.Context, s *domain.Session)

// TerminateHook runs after a session has been removed.
type TerminateHook func(ctx context.Context, sessionID string)

// Option configures a Registry.
type Option func(*Registry)

// WithCreateHook registers fn to run after every CreateSession. fn receives
// a snapshot.
func WithCreateHook(fn CreateHook) Option {
	return func(r *Registry) {
		r.createHooks = append(r.createHooks, fn)
	}
}

// WithTerminateHook registers fn to run after every TerminateSession.
func WithTerminateHook(fn TerminateHook) Option {
	return func(r *Registry) {
		r.terminateHooks = append(r.terminateHooks, fn)
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry owns every live session. Status transitions come from two places:
// the optimistic updates made by SendPrompt and SendInterrupt, and the events
// the backend emits. Each command bumps the session's seq; events from a turn
// issued under an older seq are still published but do not change status.
type Registry struct {
	backend        agent.Backend
	bus            *bus.Bus
	createHooks    []CreateHook
	terminateHooks []TerminateHook
	now            func() time.Time

	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

// NewRegistry creates a Registry and registers it as the backend's event handler.
func NewRegistry(backend agent.Backend, b *bus.Bus, opts ...Option) *Registry {
	r := &Registry{
		backend:  backend,
		bus:      b,
		now:      time.Now,
		sessions: make(map[string]*domain.Session),
	}
	for _, opt := range opts {
		opt(r)
	}

	backend.OnEvent(r.HandleEvent)
	return r
}

// CreateSession registers a new idle session. No process is started.
func (r *Registry) CreateSession(ctx context.Context, cfg domain.SessionConfig) (*domain.Session, error) {
	cfg = cfg.WithDefaults()

	dir, err := validateWorkingDir(cfg.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("session.Registry.CreateSession: %w", err)
	}

	s := &domain.Session{
		ID:           uuid.NewString(),
		WorkingDir:   dir,
		Model:        cfg.Model,
		AllowedTools: cfg.AllowedTools,
		Status:       domain.SessionStatusIdle,
		CreatedAt:    r.now(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	log.Info().Str("session_id", s.ID).Str("working_dir", dir).Str("model", s.Model).Msg("session.Registry.CreateSession: created")

	for _, hook := range r.createHooks {
		hook(ctx, s.Clone())
	}
	return s.Clone(), nil
}

// SendPrompt starts a turn for the session. The session is marked thinking
// before the executor is asked to spawn, and the stored resume token is
// passed along so the CLI continues the same conversation.
func (r *Registry) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("session.Registry.SendPrompt: empty prompt: %w", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session.Registry.SendPrompt(%s): %w", sessionID, domain.ErrNotFound)
	}
	if s.Status.Busy() {
		r.mu.Unlock()
		return fmt.Errorf("session.Registry.SendPrompt(%s): %w", sessionID, ErrSessionBusy)
	}

	s.Seq++
	s.Status = domain.SessionStatusThinking
	s.PromptCount++

	turn := agent.Turn{
		SessionID:    s.ID,
		Seq:          s.Seq,
		Prompt:       prompt,
		ResumeToken:  s.ResumeToken,
		WorkingDir:   s.WorkingDir,
		Model:        s.Model,
		AllowedTools: slices.Clone(s.AllowedTools),
	}
	r.mu.Unlock()

	if err := r.backend.Spawn(ctx, turn); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Uint64("seq", turn.Seq).Msg("session.Registry.SendPrompt: spawn failed")

		r.mu.Lock()
		if s, ok := r.sessions[sessionID]; ok && s.Seq == turn.Seq {
			s.Status = domain.SessionStatusError
		}
		r.mu.Unlock()

		r.bus.PublishError(bus.ErrorNotice{
			SessionID: sessionID,
			Message:   err.Error(),
			ErrorType: agent.ErrorTypeSpawn,
			Timestamp: r.now(),
		})
		return fmt.Errorf("session.Registry.SendPrompt(%s): %w: %w", sessionID, ErrSpawnFailed, err)
	}

	return nil
}

// SendInterrupt cancels the in-flight turn and resets the session to idle
// without waiting for the process to exit. Events still arriving from the
// cancelled turn no longer affect status.
func (r *Registry) SendInterrupt(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session.Registry.SendInterrupt(%s): %w", sessionID, domain.ErrNotFound)
	}
	s.Seq++
	s.Status = domain.SessionStatusIdle
	r.mu.Unlock()

	if err := r.backend.Interrupt(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("session.Registry.SendInterrupt: backend interrupt failed")
	}
	return nil
}

// TerminateSession removes the session unconditionally, closes its
// subscriptions and asks the backend to tear down its process. Unknown ids
// are ignored.
func (r *Registry) TerminateSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		s.Status = domain.SessionStatusTerminated
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	subscribers := r.bus.SubscriberCount(sessionID)
	r.bus.CloseSession(sessionID)

	if err := r.backend.Terminate(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("session.Registry.TerminateSession: backend terminate failed")
	}

	if ok {
		log.Info().Str("session_id", sessionID).Int("subscribers", subscribers).Msg("session.Registry.TerminateSession: terminated")
		for _, hook := range r.terminateHooks {
			hook(ctx, sessionID)
		}
	}
	return nil
}

// TerminateAll terminates every session.
func (r *Registry) TerminateAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.TerminateSession(ctx, id)
	}
}

// Get returns a snapshot of the session.
func (r *Registry) Get(sessionID string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session.Registry.Get(%s): %w", sessionID, domain.ErrNotFound)
	}
	return s.Clone(), nil
}

// List returns snapshots of every session, oldest first.
func (r *Registry) List() []*domain.Session {
	r.mu.RLock()
	out := make([]*domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *domain.Session) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IsAlive reports whether the session is registered.
func (r *Registry) IsAlive(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// HandleEvent applies an executor event to its session and publishes it on
// the bus. Facts carried by the event (resume token, cost) are always
// recorded; status changes only apply when the event belongs to the
// session's current seq.
func (r *Registry) HandleEvent(ev stream.Event) {
	var notice *bus.ErrorNotice

	r.mu.Lock()
	s, ok := r.sessions[ev.SessionID]
	if ok {
		current := ev.Seq >= s.Seq

		switch m := ev.Message.(type) {
		case *stream.System:
			if m.SessionID != "" {
				s.ResumeToken = m.SessionID
			}
		case *stream.Result:
			if m.CostUSD != nil {
				s.TotalCostUSD += *m.CostUSD
			}
			if current {
				s.Status = domain.SessionStatusIdle
			}
		case *stream.Exit:
			// A turn that ends without a result line still frees the session.
			if current && s.Status.Busy() {
				s.Status = domain.SessionStatusIdle
			}
		case *stream.Error:
			if current {
				s.Status = domain.SessionStatusError
			}
			notice = &bus.ErrorNotice{
				SessionID: ev.SessionID,
				Message:   m.Message,
				ErrorType: m.ErrorType,
				Timestamp: ev.Timestamp,
			}
		}

		if !current {
			log.Debug().Str("session_id", ev.SessionID).Uint64("event_seq", ev.Seq).Uint64("session_seq", s.Seq).Str("type", string(ev.Message.Kind())).Msg("session.Registry.HandleEvent: stale event")
		}
	}
	r.mu.Unlock()

	r.bus.Publish(ev)
	if notice != nil {
		r.bus.PublishError(*notice)
	}
}

func validateWorkingDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWorkingDir)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidWorkingDir, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidWorkingDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkingDir, abs)
	}
	return abs, nil
}
