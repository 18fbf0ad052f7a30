package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tandem/internal/agent"
	"github.com/gosuda/tandem/internal/bus"
	"github.com/gosuda/tandem/internal/domain"
	"github.com/gosuda/tandem/internal/session"
	"github.com/gosuda/tandem/internal/stream"
)

// --- mock backend ---

type mockBackend struct {
	mu         sync.Mutex
	handler    agent.EventHandler
	turns      []agent.Turn
	interrupts []string
	terminates []string

	spawnFn func(turn agent.Turn) error
}

func (m *mockBackend) Spawn(_ context.Context, turn agent.Turn) error {
	m.mu.Lock()
	m.turns = append(m.turns, turn)
	fn := m.spawnFn
	m.mu.Unlock()

	if fn != nil {
		return fn(turn)
	}
	return nil
}

func (m *mockBackend) Interrupt(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupts = append(m.interrupts, sessionID)
	return nil
}

func (m *mockBackend) Terminate(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminates = append(m.terminates, sessionID)
	return errors.New("container already gone")
}

func (m *mockBackend) OnEvent(handler agent.EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *mockBackend) Dispose(context.Context) error { return nil }

func (m *mockBackend) lastTurn(t *testing.T) agent.Turn {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.turns)
	return m.turns[len(m.turns)-1]
}

// emit feeds an event as if the executor produced it for the given turn.
func (m *mockBackend) emit(turn agent.Turn, msg stream.Message) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()

	h(stream.Event{SessionID: turn.SessionID, Seq: turn.Seq, Message: msg, Timestamp: time.Now()})
}

// --- helpers ---

func newRegistry(t *testing.T, opts ...session.Option) (*session.Registry, *mockBackend, *bus.Bus) {
	t.Helper()

	backend := &mockBackend{}
	b := bus.New(32)
	return session.NewRegistry(backend, b, opts...), backend, b
}

func create(t *testing.T, r *session.Registry) *domain.Session {
	t.Helper()

	s, err := r.CreateSession(context.Background(), domain.SessionConfig{WorkingDir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func status(t *testing.T, r *session.Registry, id string) domain.SessionStatus {
	t.Helper()

	s, err := r.Get(id)
	require.NoError(t, err)
	return s.Status
}

func cost(v float64) *float64 { return &v }

// --- tests ---

func TestRegistry_UnknownSession(t *testing.T) {
	t.Parallel()

	r, _, _ := newRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"", "missing", "00000000-0000-0000-0000-000000000000"} {
		assert.ErrorIs(t, r.SendPrompt(ctx, id, "hello"), domain.ErrNotFound)
		assert.ErrorIs(t, r.SendInterrupt(ctx, id), domain.ErrNotFound)

		_, err := r.Get(id)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
}

func TestRegistry_CreateSession(t *testing.T) {
	t.Parallel()

	t.Run("starts idle with no history", func(t *testing.T) {
		t.Parallel()

		r, backend, _ := newRegistry(t)
		s := create(t, r)

		assert.NotEmpty(t, s.ID)
		assert.Equal(t, domain.SessionStatusIdle, s.Status)
		assert.Zero(t, s.PromptCount)
		assert.Zero(t, s.TotalCostUSD)
		assert.Empty(t, s.ResumeToken)
		assert.Equal(t, domain.DefaultModel, s.Model)
		assert.True(t, r.IsAlive(s.ID))

		backend.mu.Lock()
		assert.Empty(t, backend.turns, "no process started on create")
		backend.mu.Unlock()
	})

	t.Run("always creates a fresh entry", func(t *testing.T) {
		t.Parallel()

		r, _, _ := newRegistry(t)
		dir := t.TempDir()

		a, err := r.CreateSession(context.Background(), domain.SessionConfig{WorkingDir: dir, Model: "opus"})
		require.NoError(t, err)
		b, err := r.CreateSession(context.Background(), domain.SessionConfig{WorkingDir: dir, Model: "opus"})
		require.NoError(t, err)

		assert.NotEqual(t, a.ID, b.ID)
		assert.Equal(t, "opus", a.Model)
		assert.Equal(t, 2, r.Count())
	})

	t.Run("working dir must exist", func(t *testing.T) {
		t.Parallel()

		r, _, _ := newRegistry(t)
		file := filepath.Join(t.TempDir(), "f.txt")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

		for _, dir := range []string{"", filepath.Join(t.TempDir(), "nope"), file} {
			_, err := r.CreateSession(context.Background(), domain.SessionConfig{WorkingDir: dir})
			assert.ErrorIs(t, err, session.ErrInvalidWorkingDir, "dir %q", dir)
		}
		assert.Zero(t, r.Count())
	})

	t.Run("create hooks see the new session", func(t *testing.T) {
		t.Parallel()

		var seen []*domain.Session
		r, _, _ := newRegistry(t, session.WithCreateHook(func(_ context.Context, s *domain.Session) {
			seen = append(seen, s)
		}))
		s := create(t, r)

		require.Len(t, seen, 1)
		assert.Equal(t, s.ID, seen[0].ID)
		assert.Equal(t, s.WorkingDir, seen[0].WorkingDir)

		_, err := r.CreateSession(context.Background(), domain.SessionConfig{})
		require.Error(t, err)
		assert.Len(t, seen, 1, "failed create runs no hooks")
	})
}

func TestRegistry_PromptLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("result returns to idle and records cost and resume token", func(t *testing.T) {
		t.Parallel()

		r, backend, _ := newRegistry(t)
		s := create(t, r)

		require.NoError(t, r.SendPrompt(context.Background(), s.ID, "write a.py"))
		assert.Equal(t, domain.SessionStatusThinking, status(t, r, s.ID))

		turn := backend.lastTurn(t)
		assert.Equal(t, "write a.py", turn.Prompt)
		assert.Empty(t, turn.ResumeToken)
		assert.Equal(t, s.WorkingDir, turn.WorkingDir)

		backend.emit(turn, &stream.System{Subtype: "init", SessionID: "cli-42"})
		backend.emit(turn, &stream.Result{CostUSD: cost(0.25)})

		got, err := r.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionStatusIdle, got.Status)
		assert.Equal(t, "cli-42", got.ResumeToken)
		assert.Equal(t, 1, got.PromptCount)
		assert.InDelta(t, 0.25, got.TotalCostUSD, 1e-9)

		require.NoError(t, r.SendPrompt(context.Background(), s.ID, "now add tests"))
		second := backend.lastTurn(t)
		assert.Equal(t, "cli-42", second.ResumeToken, "follow-up turn resumes the CLI conversation")
		assert.Greater(t, second.Seq, turn.Seq)

		backend.emit(second, &stream.Result{CostUSD: cost(0.5)})
		got, err = r.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.PromptCount)
		assert.InDelta(t, 0.75, got.TotalCostUSD, 1e-9)
	})

	t.Run("error event sets error and notifies", func(t *testing.T) {
		t.Parallel()

		r, backend, b := newRegistry(t)
		s := create(t, r)
		errs := b.OnError(s.ID)
		defer errs.Close()

		require.NoError(t, r.SendPrompt(context.Background(), s.ID, "hi"))
		backend.emit(backend.lastTurn(t), &stream.Error{Message: "overloaded", ErrorType: "overloaded_error"})

		assert.Equal(t, domain.SessionStatusError, status(t, r, s.ID))

		select {
		case n := <-errs.C():
			assert.Equal(t, s.ID, n.SessionID)
			assert.Equal(t, "overloaded", n.Message)
			assert.Equal(t, "overloaded_error", n.ErrorType)
		case <-time.After(time.Second):
			t.Fatal("no error notice")
		}

		// An errored session accepts the next prompt.
		require.NoError(t, r.SendPrompt(context.Background(), s.ID, "retry"))
	})

	t.Run("process exit without result frees the session", func(t *testing.T) {
		t.Parallel()

		r, backend, _ := newRegistry(t)
		s := create(t, r)

		require.NoError(t, r.SendPrompt(context.Background(), s.ID, "hi"))
		turn := backend.lastTurn(t)
		backend.emit(turn, &stream.System{SessionID: "cli-1"})
		backend.emit(turn, &stream.Exit{Code: 0})

		assert.Equal(t, domain.SessionStatusIdle, status(t, r, s.ID))
		require.NoError(t, r.SendPrompt(context.Background(), s.ID, "again"))

		// A stale exit does not end the new turn.
		backend.emit(turn, &stream.Exit{Code: 0})
		assert.Equal(t, domain.SessionStatusThinking, status(t, r, s.ID))
	})

	t.Run("exit after an error keeps the error", func(t *testing.T) {
		t.Parallel()

		r, backend, _ := newRegistry(t)
		s := create(t, r)

		require.NoError(t, r.SendPrompt(context.Background(), s.ID, "hi"))
		turn := backend.lastTurn(t)
		backend.emit(turn, &stream.Error{Message: "overloaded"})
		backend.emit(turn, &stream.Exit{Code: 0})

		assert.Equal(t, domain.SessionStatusError, status(t, r, s.ID))
	})

	t.Run("second prompt while thinking is rejected", func(t *testing.T) {
		t.Parallel()

		r, _, _ := newRegistry(t)
		s := create(t, r)

		require.NoError(t, r.SendPrompt(context.Background(), s.ID, "one"))
		assert.ErrorIs(t, r.SendPrompt(context.Background(), s.ID, "two"), session.ErrSessionBusy)

		got, err := r.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.PromptCount)
	})

	t.Run("empty prompt rejected", func(t *testing.T) {
		t.Parallel()

		r, _, _ := newRegistry(t)
		s := create(t, r)

		assert.ErrorIs(t, r.SendPrompt(context.Background(), s.ID, "  "), domain.ErrInvalidInput)
		assert.Equal(t, domain.SessionStatusIdle, status(t, r, s.ID))
	})

	t.Run("spawn failure marks error and notifies", func(t *testing.T) {
		t.Parallel()

		r, backend, b := newRegistry(t)
		backend.spawnFn = func(agent.Turn) error { return errors.New("exec: claude: not found") }
		s := create(t, r)
		errs := b.OnError(s.ID)
		defer errs.Close()

		err := r.SendPrompt(context.Background(), s.ID, "hi")
		require.ErrorIs(t, err, session.ErrSpawnFailed)
		assert.Equal(t, domain.SessionStatusError, status(t, r, s.ID))

		select {
		case n := <-errs.C():
			assert.Equal(t, agent.ErrorTypeSpawn, n.ErrorType)
			assert.Contains(t, n.Message, "not found")
		case <-time.After(time.Second):
			t.Fatal("no error notice")
		}
	})
}

func TestRegistry_InterruptDiscardsLateStatus(t *testing.T) {
	t.Parallel()

	r, backend, b := newRegistry(t)
	s := create(t, r)
	msgs := b.OnMessage(s.ID)
	defer msgs.Close()

	require.NoError(t, r.SendPrompt(context.Background(), s.ID, "long task"))
	interrupted := backend.lastTurn(t)

	require.NoError(t, r.SendInterrupt(context.Background(), s.ID))
	assert.Equal(t, domain.SessionStatusIdle, status(t, r, s.ID))
	assert.Equal(t, []string{s.ID}, backend.interrupts)

	// The cancelled turn's trailing error arrives after the interrupt.
	backend.emit(interrupted, &stream.Error{Message: "interrupted"})
	assert.Equal(t, domain.SessionStatusIdle, status(t, r, s.ID), "stale error must not override interrupt")

	// A new turn starts; a late result from the old turn must not end it.
	require.NoError(t, r.SendPrompt(context.Background(), s.ID, "short task"))
	current := backend.lastTurn(t)
	backend.emit(interrupted, &stream.Result{CostUSD: cost(0.1)})
	assert.Equal(t, domain.SessionStatusThinking, status(t, r, s.ID))

	backend.emit(current, &stream.Result{CostUSD: cost(0.2)})
	got, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusIdle, got.Status)
	assert.InDelta(t, 0.3, got.TotalCostUSD, 1e-9, "cost from stale turns is still recorded")

	// Stale events are still delivered to subscribers, in order.
	var seqs []uint64
	for range 3 {
		select {
		case ev := <-msgs.C():
			seqs = append(seqs, ev.Seq)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []uint64{interrupted.Seq, interrupted.Seq, current.Seq}, seqs)
}

func TestRegistry_OnMessageFiltersBySession(t *testing.T) {
	t.Parallel()

	r, backend, b := newRegistry(t)
	s1 := create(t, r)
	s2 := create(t, r)
	sub := b.OnMessage(s1.ID)
	defer sub.Close()

	require.NoError(t, r.SendPrompt(context.Background(), s1.ID, "a"))
	t1 := backend.lastTurn(t)
	require.NoError(t, r.SendPrompt(context.Background(), s2.ID, "b"))
	t2 := backend.lastTurn(t)

	backend.emit(t1, &stream.System{SessionID: "x"})
	backend.emit(t2, &stream.System{SessionID: "y"})
	backend.emit(t1, &stream.ToolUse{ID: "tu", Name: "Edit"})
	backend.emit(t2, &stream.Result{})
	backend.emit(t1, &stream.Result{})

	var kinds []stream.Kind
	for range 3 {
		select {
		case ev := <-sub.C():
			assert.Equal(t, s1.ID, ev.SessionID)
			kinds = append(kinds, ev.Message.Kind())
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, []stream.Kind{stream.KindSystem, stream.KindToolUse, stream.KindResult}, kinds)
}

func TestRegistry_TerminateSession(t *testing.T) {
	t.Parallel()

	t.Run("removes unconditionally and closes subscriptions", func(t *testing.T) {
		t.Parallel()

		var hooked []string
		r, backend, b := newRegistry(t, session.WithTerminateHook(func(_ context.Context, id string) {
			hooked = append(hooked, id)
		}))
		s := create(t, r)
		sub := b.OnMessage(s.ID)

		require.NoError(t, r.SendPrompt(context.Background(), s.ID, "hi"))
		require.NoError(t, r.TerminateSession(context.Background(), s.ID))

		assert.False(t, r.IsAlive(s.ID))
		assert.Zero(t, r.Count())
		assert.Equal(t, []string{s.ID}, backend.terminates, "teardown requested even though it fails")
		assert.Equal(t, []string{s.ID}, hooked)

		_, open := <-sub.C()
		assert.False(t, open)

		assert.ErrorIs(t, r.SendPrompt(context.Background(), s.ID, "again"), domain.ErrNotFound)
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		t.Parallel()

		called := false
		r, _, _ := newRegistry(t, session.WithTerminateHook(func(context.Context, string) { called = true }))

		require.NoError(t, r.TerminateSession(context.Background(), "ghost"))
		assert.False(t, called)
	})

	t.Run("events after termination are ignored", func(t *testing.T) {
		t.Parallel()

		r, backend, _ := newRegistry(t)
		s := create(t, r)
		require.NoError(t, r.SendPrompt(context.Background(), s.ID, "hi"))
		turn := backend.lastTurn(t)
		require.NoError(t, r.TerminateSession(context.Background(), s.ID))

		assert.NotPanics(t, func() { backend.emit(turn, &stream.Result{}) })
		assert.False(t, r.IsAlive(s.ID))
	})

	t.Run("terminate all", func(t *testing.T) {
		t.Parallel()

		r, backend, _ := newRegistry(t)
		create(t, r)
		create(t, r)
		create(t, r)

		r.TerminateAll(context.Background())

		assert.Zero(t, r.Count())
		assert.Len(t, backend.terminates, 3)
	})
}

func TestRegistry_ListOrder(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	r, _, _ := newRegistry(t, session.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	a := create(t, r)
	b := create(t, r)
	c := create(t, r)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{list[0].ID, list[1].ID, list[2].ID})

	// Snapshots are copies.
	list[0].Status = domain.SessionStatusError
	assert.Equal(t, domain.SessionStatusIdle, status(t, r, a.ID))
}
