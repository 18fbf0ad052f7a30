package backends_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tandem/internal/agent"
	"github.com/gosuda/tandem/internal/agent/backends"
	"github.com/gosuda/tandem/internal/stream"
)

// ---------------------------------------------------------------------------
// ClaudeTransport
// ---------------------------------------------------------------------------

func TestClaudeTransport_AgentName(t *testing.T) {
	t.Parallel()

	transport := &backends.ClaudeTransport{}
	assert.Equal(t, "claude", transport.AgentName())
}

func TestClaudeTransport_BuildArgs(t *testing.T) {
	t.Parallel()

	transport := &backends.ClaudeTransport{}

	t.Run("first turn has no resume flag", func(t *testing.T) {
		t.Parallel()

		args := transport.BuildArgs(agent.Turn{SessionID: "s1", Prompt: "fix the bug", Model: "sonnet"})

		assert.Equal(t, []string{
			"-p", "fix the bug",
			"--output-format", "stream-json",
			"--verbose",
			"--model", "sonnet",
		}, args)
	})

	t.Run("follow-up turn resumes with tools", func(t *testing.T) {
		t.Parallel()

		args := transport.BuildArgs(agent.Turn{
			SessionID:    "s1",
			Prompt:       "and the tests",
			ResumeToken:  "cli-abc",
			Model:        "opus",
			AllowedTools: []string{"Read", "Edit"},
		})

		assert.Equal(t, []string{
			"-p", "and the tests",
			"--output-format", "stream-json",
			"--verbose",
			"--resume", "cli-abc",
			"--model", "opus",
			"--allowedTools", "Read,Edit",
		}, args)
	})
}

func TestClaudeTransport_FilterOutput(t *testing.T) {
	t.Parallel()

	transport := &backends.ClaudeTransport{}

	tests := []struct {
		name     string
		input    string
		wantLine string
		wantKeep bool
	}{
		{name: "empty line", input: "", wantKeep: false},
		{name: "whitespace only", input: "   \t  ", wantKeep: false},
		{name: "json object kept", input: `{"type":"result"}`, wantLine: `{"type":"result"}`, wantKeep: true},
		{name: "surrounding whitespace trimmed", input: "  {\"type\":\"system\"}\r", wantLine: `{"type":"system"}`, wantKeep: true},
		{name: "plain text dropped", input: "Welcome to Claude", wantKeep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			line, keep := transport.FilterOutput(tt.input)
			assert.Equal(t, tt.wantKeep, keep)
			if tt.wantKeep {
				assert.Equal(t, tt.wantLine, line)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegister(t *testing.T) {
	t.Parallel()

	reg := agent.NewRegistry()
	backends.Register(reg)

	assert.Equal(t, []string{"docker", "local"}, reg.Available())

	local, err := reg.Create(backends.NameLocal, agent.Options{})
	require.NoError(t, err)
	assert.IsType(t, &backends.LocalBackend{}, local)

	_, err = reg.Create(backends.NameDocker, agent.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, backends.ErrNoRuntime)
}

// ---------------------------------------------------------------------------
// LocalBackend
// ---------------------------------------------------------------------------

type eventSink struct {
	ch chan stream.Event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan stream.Event, 32)}
}

func (s *eventSink) handle(ev stream.Event) { s.ch <- ev }

func (s *eventSink) next(t *testing.T) stream.Event {
	t.Helper()

	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return stream.Event{}
	}
}

func (s *eventSink) none(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case ev := <-s.ch:
		t.Fatalf("unexpected event %s", ev.Message.Kind())
	case <-time.After(wait):
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// The LocalBackend tests are not parallel: exec of a freshly written script
// can fail with ETXTBSY while another goroutine forks.

func TestLocalBackend_Turn(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}

	argsFile := filepath.Join(t.TempDir(), "args")
	script := writeScript(t, `printf '%s\n' "$@" > "$TANDEM_TEST_ARGS"
echo 'Welcome banner'
echo '{"type":"system","subtype":"init","session_id":"cli-7"}'
echo '{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"a.py","content":"x=2"}}'
echo '{"type":"result","total_cost_usd":0.02}'
`)

	b, err := backends.NewLocalBackend(agent.Options{
		Binary:      script,
		Environment: map[string]string{"TANDEM_TEST_ARGS": argsFile},
	})
	require.NoError(t, err)
	defer func() { _ = b.Dispose(context.Background()) }()

	sink := newEventSink()
	b.OnEvent(sink.handle)

	workDir := t.TempDir()
	err = b.Spawn(context.Background(), agent.Turn{
		SessionID:   "s1",
		Seq:         3,
		Prompt:      "write a.py",
		ResumeToken: "cli-prev",
		WorkingDir:  workDir,
		Model:       "sonnet",
	})
	require.NoError(t, err)

	kinds := make([]stream.Kind, 0, 4)
	for range 4 {
		ev := sink.next(t)
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, uint64(3), ev.Seq)
		kinds = append(kinds, ev.Message.Kind())
	}
	assert.Equal(t, []stream.Kind{stream.KindSystem, stream.KindToolUse, stream.KindResult, stream.KindExit}, kinds)
	sink.none(t, 50*time.Millisecond)

	require.Eventually(t, func() bool { return b.(*backends.LocalBackend).Active() == 0 }, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "-p\nwrite a.py\n--output-format\nstream-json\n--verbose\n--resume\ncli-prev\n--model\nsonnet\n", string(data))
}

func TestLocalBackend_ExitFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}

	script := writeScript(t, "echo 'invalid api key' >&2\nexit 3\n")

	b, err := backends.NewLocalBackend(agent.Options{Binary: script})
	require.NoError(t, err)
	defer func() { _ = b.Dispose(context.Background()) }()

	sink := newEventSink()
	b.OnEvent(sink.handle)

	require.NoError(t, b.Spawn(context.Background(), agent.Turn{SessionID: "s1", Seq: 1, Prompt: "hi", WorkingDir: t.TempDir()}))

	ev := sink.next(t)
	e, ok := ev.Message.(*stream.Error)
	require.True(t, ok)
	assert.Equal(t, agent.ErrorTypeExit, e.ErrorType)
	assert.Contains(t, e.Message, "invalid api key")
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestLocalBackend_ExitWithoutResult(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}

	script := writeScript(t, `echo '{"type":"system","session_id":"cli-1"}'
exit 0
`)

	b, err := backends.NewLocalBackend(agent.Options{Binary: script})
	require.NoError(t, err)
	defer func() { _ = b.Dispose(context.Background()) }()

	sink := newEventSink()
	b.OnEvent(sink.handle)

	require.NoError(t, b.Spawn(context.Background(), agent.Turn{SessionID: "s1", Seq: 4, Prompt: "hi", WorkingDir: t.TempDir()}))

	assert.Equal(t, stream.KindSystem, sink.next(t).Message.Kind())

	ev := sink.next(t)
	exit, ok := ev.Message.(*stream.Exit)
	require.True(t, ok, "got %s", ev.Message.Kind())
	assert.Zero(t, exit.Code)
	assert.Equal(t, uint64(4), ev.Seq)
	sink.none(t, 50*time.Millisecond)
}

func TestLocalBackend_Interrupt(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}

	script := writeScript(t, `echo '{"type":"system","session_id":"cli-1"}'
exec sleep 30
`)

	b, err := backends.NewLocalBackend(agent.Options{Binary: script})
	require.NoError(t, err)
	local := b.(*backends.LocalBackend)

	sink := newEventSink()
	b.OnEvent(sink.handle)

	require.NoError(t, b.Spawn(context.Background(), agent.Turn{SessionID: "s1", Seq: 1, Prompt: "hi", WorkingDir: t.TempDir()}))
	assert.Equal(t, stream.KindSystem, sink.next(t).Message.Kind())
	assert.Equal(t, 1, local.Active())

	require.NoError(t, b.Interrupt(context.Background(), "s1"))
	require.Eventually(t, func() bool { return local.Active() == 0 }, 10*time.Second, 10*time.Millisecond)

	// A cancelled turn is not an error.
	sink.none(t, 50*time.Millisecond)

	// Unknown sessions are ignored.
	require.NoError(t, b.Interrupt(context.Background(), "nope"))
	require.NoError(t, b.Terminate(context.Background(), "nope"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Dispose(ctx))
}

func TestLocalBackend_SpawnErrors(t *testing.T) {
	b, err := backends.NewLocalBackend(agent.Options{Binary: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)

	err = b.Spawn(context.Background(), agent.Turn{SessionID: "s1"})
	require.ErrorIs(t, err, agent.ErrInvalidTurn)

	err = b.Spawn(context.Background(), agent.Turn{SessionID: "s1", Prompt: "hi", WorkingDir: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, 0, b.(*backends.LocalBackend).Active())

	require.NoError(t, b.Dispose(context.Background()))
	err = b.Spawn(context.Background(), agent.Turn{SessionID: "s1", Prompt: "hi"})
	require.ErrorIs(t, err, agent.ErrDisposed)
}

// ---------------------------------------------------------------------------
// DockerBackend
// ---------------------------------------------------------------------------

type mockRuntime struct {
	mu      sync.Mutex
	created []agent.ContainerOptions
	stopped []string
	removed []string

	startFn func(id string) error
	logsFn  func(ctx context.Context, id string) (io.ReadCloser, error)
	waitFn  func(ctx context.Context, id string) (int64, error)
}

func (m *mockRuntime) CreateContainer(_ context.Context, opts agent.ContainerOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, opts)
	return agent.ContainerName(opts.SessionID, opts.Seq), nil
}

func (m *mockRuntime) StartContainer(_ context.Context, id string) error {
	if m.startFn != nil {
		return m.startFn(id)
	}
	return nil
}

func (m *mockRuntime) StopContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockRuntime) RemoveContainer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockRuntime) StreamLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	if m.logsFn != nil {
		return m.logsFn(ctx, id)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockRuntime) WaitContainer(ctx context.Context, id string) (int64, error) {
	if m.waitFn != nil {
		return m.waitFn(ctx, id)
	}
	return 0, nil
}

func (m *mockRuntime) snapshot() (created []agent.ContainerOptions, stopped, removed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agent.ContainerOptions(nil), m.created...), append([]string(nil), m.stopped...), append([]string(nil), m.removed...)
}

func TestDockerBackend_Turn(t *testing.T) {
	t.Parallel()

	rt := &mockRuntime{
		logsFn: func(context.Context, string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(
				`{"type":"system","session_id":"cli-d"}` + "\n" + `{"type":"result","cost_usd":0.1}` + "\n",
			)), nil
		},
	}

	b, err := backends.NewDockerBackend(agent.Options{Runtime: rt, Image: "claude:test", Environment: map[string]string{"ANTHROPIC_API_KEY": "k"}})
	require.NoError(t, err)

	sink := newEventSink()
	b.OnEvent(sink.handle)

	require.NoError(t, b.Spawn(context.Background(), agent.Turn{SessionID: "s1", Seq: 2, Prompt: "hi", WorkingDir: "/work/proj", Model: "sonnet"}))

	assert.Equal(t, stream.KindSystem, sink.next(t).Message.Kind())
	assert.Equal(t, stream.KindResult, sink.next(t).Message.Kind())
	assert.Equal(t, stream.KindExit, sink.next(t).Message.Kind())

	require.NoError(t, b.Dispose(context.Background()))
	sink.none(t, 20*time.Millisecond)

	created, _, removed := rt.snapshot()
	require.Len(t, created, 1)
	assert.Equal(t, "/work/proj", created[0].HostDir)
	assert.Equal(t, "claude:test", created[0].Image)
	assert.Equal(t, "k", created[0].Environment["ANTHROPIC_API_KEY"])
	assert.Equal(t, []string{"claude", "-p", "hi", "--output-format", "stream-json", "--verbose", "--model", "sonnet"}, created[0].Cmd)
	assert.Equal(t, []string{"tandem-s1-2"}, removed)
}

func TestDockerBackend_NonZeroExit(t *testing.T) {
	t.Parallel()

	rt := &mockRuntime{
		waitFn: func(context.Context, string) (int64, error) { return 1, nil },
	}

	b, err := backends.NewDockerBackend(agent.Options{Runtime: rt})
	require.NoError(t, err)

	sink := newEventSink()
	b.OnEvent(sink.handle)

	require.NoError(t, b.Spawn(context.Background(), agent.Turn{SessionID: "s1", Seq: 5, Prompt: "hi", WorkingDir: "/w"}))

	ev := sink.next(t)
	e, ok := ev.Message.(*stream.Error)
	require.True(t, ok)
	assert.Equal(t, agent.ErrorTypeExit, e.ErrorType)
	assert.Contains(t, e.Message, "status 1")
	assert.Equal(t, uint64(5), ev.Seq)

	require.NoError(t, b.Dispose(context.Background()))
}

func TestDockerBackend_ExitWithoutResult(t *testing.T) {
	t.Parallel()

	rt := &mockRuntime{
		logsFn: func(context.Context, string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(`{"type":"system","session_id":"cli-d"}` + "\n")), nil
		},
	}

	b, err := backends.NewDockerBackend(agent.Options{Runtime: rt})
	require.NoError(t, err)

	sink := newEventSink()
	b.OnEvent(sink.handle)

	require.NoError(t, b.Spawn(context.Background(), agent.Turn{SessionID: "s1", Seq: 6, Prompt: "hi", WorkingDir: "/w"}))

	assert.Equal(t, stream.KindSystem, sink.next(t).Message.Kind())
	ev := sink.next(t)
	assert.Equal(t, stream.KindExit, ev.Message.Kind())
	assert.Equal(t, uint64(6), ev.Seq)

	require.NoError(t, b.Dispose(context.Background()))
}

func TestDockerBackend_StartFailureRemovesContainer(t *testing.T) {
	t.Parallel()

	rt := &mockRuntime{
		startFn: func(string) error { return errors.New("image not found") },
	}

	b, err := backends.NewDockerBackend(agent.Options{Runtime: rt})
	require.NoError(t, err)

	err = b.Spawn(context.Background(), agent.Turn{SessionID: "s1", Seq: 1, Prompt: "hi", WorkingDir: "/w"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image not found")

	_, _, removed := rt.snapshot()
	assert.Equal(t, []string{"tandem-s1-1"}, removed)
}

func TestDockerBackend_Interrupt(t *testing.T) {
	t.Parallel()

	rt := &mockRuntime{
		logsFn: func(ctx context.Context, _ string) (io.ReadCloser, error) {
			pr, pw := io.Pipe()
			go func() {
				<-ctx.Done()
				_ = pw.Close()
			}()
			return pr, nil
		},
		waitFn: func(ctx context.Context, _ string) (int64, error) {
			<-ctx.Done()
			return -1, ctx.Err()
		},
	}

	b, err := backends.NewDockerBackend(agent.Options{Runtime: rt})
	require.NoError(t, err)

	sink := newEventSink()
	b.OnEvent(sink.handle)

	require.NoError(t, b.Spawn(context.Background(), agent.Turn{SessionID: "s1", Seq: 1, Prompt: "hi", WorkingDir: "/w"}))
	require.NoError(t, b.Interrupt(context.Background(), "s1"))

	require.Eventually(t, func() bool {
		_, stopped, removed := rt.snapshot()
		return len(stopped) == 1 && len(removed) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sink.none(t, 20*time.Millisecond)
	require.NoError(t, b.Dispose(context.Background()))
}
