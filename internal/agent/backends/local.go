package backends

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/agent"
)

const (
	// interruptGrace is how long a turn may take to exit after SIGINT before it is killed.
	interruptGrace = 5 * time.Second
	stderrTailSize = 4 * 1024
)

type localTurn struct {
	seq    uint64
	cancel context.CancelFunc
}

// LocalBackend runs one CLI process per turn on the host with os/exec.
type LocalBackend struct {
	dispatcher

	binary    string
	env       []string
	grace     time.Duration
	transport *ClaudeTransport

	mu       sync.Mutex
	turns    map[string]*localTurn
	disposed bool
	wg       sync.WaitGroup
}

var _ agent.Backend = (*LocalBackend)(nil)

func NewLocalBackend(opts agent.Options) (agent.Backend, error) {
	binary := opts.Binary
	if binary == "" {
		binary = claudeBinary
	}

	env := make([]string, 0, len(opts.Environment))
	for k, v := range opts.Environment {
		env = append(env, k+"="+v)
	}

	return &LocalBackend{
		binary:    binary,
		env:       env,
		grace:     interruptGrace,
		transport: &ClaudeTransport{},
		turns:     make(map[string]*localTurn),
	}, nil
}

// Spawn starts the CLI for one turn. A turn still running for the same
// session is cancelled first.
func (b *LocalBackend) Spawn(_ context.Context, turn agent.Turn) error {
	if err := turn.Validate(); err != nil {
		return fmt.Errorf("agent.LocalBackend.Spawn: %w", err)
	}
	turn = turn.Clone()

	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return fmt.Errorf("agent.LocalBackend.Spawn: %w", agent.ErrDisposed)
	}

	// The process outlives the request that spawned it.
	turnCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(turnCtx, b.binary, b.transport.BuildArgs(turn)...)
	cmd.Dir = turn.WorkingDir
	cmd.Env = append(os.Environ(), b.env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = b.grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("agent.LocalBackend.Spawn: %w", err)
	}
	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr

	lt := &localTurn{seq: turn.Seq, cancel: cancel}

	b.mu.Lock()
	prev := b.turns[turn.SessionID]
	b.turns[turn.SessionID] = lt
	b.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	if err := cmd.Start(); err != nil {
		b.release(turn.SessionID, lt)
		cancel()
		return fmt.Errorf("agent.LocalBackend.Spawn: %w", err)
	}

	log.Debug().Str("session_id", turn.SessionID).Uint64("seq", turn.Seq).Int("pid", cmd.Process.Pid).Msg("agent.LocalBackend.Spawn: turn started")

	b.wg.Add(1)
	go b.run(turnCtx, cmd, stdout, stderr, turn, lt)

	return nil
}

func (b *LocalBackend) run(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *tailBuffer, turn agent.Turn, lt *localTurn) {
	defer b.wg.Done()
	defer lt.cancel()
	defer b.release(turn.SessionID, lt)

	pumpErr := agent.Pump(ctx, stdout, b.transport, turn, b.emit)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		log.Debug().Str("session_id", turn.SessionID).Uint64("seq", turn.Seq).Msg("agent.LocalBackend: turn cancelled")
		return
	}

	if pumpErr != nil {
		log.Error().Err(pumpErr).Str("session_id", turn.SessionID).Msg("agent.LocalBackend: output stream failed")
		b.emit(agent.ErrorEvent(turn, agent.ErrorTypeStream, "output stream failed: %v", pumpErr))
		return
	}

	if waitErr != nil {
		log.Error().Err(waitErr).Str("session_id", turn.SessionID).Str("stderr", stderr.String()).Msg("agent.LocalBackend: process exited abnormally")
		b.emit(agent.ErrorEvent(turn, agent.ErrorTypeExit, "%s exited: %v: %s", b.binary, waitErr, stderr.String()))
		return
	}

	b.emit(agent.ExitEvent(turn, cmd.ProcessState.ExitCode()))
}

// Interrupt sends SIGINT to the session's running turn and returns without
// waiting for it to exit.
func (b *LocalBackend) Interrupt(_ context.Context, sessionID string) error {
	b.mu.Lock()
	lt := b.turns[sessionID]
	b.mu.Unlock()

	if lt != nil {
		log.Debug().Str("session_id", sessionID).Uint64("seq", lt.seq).Msg("agent.LocalBackend.Interrupt: cancelling turn")
		lt.cancel()
	}
	return nil
}

func (b *LocalBackend) Terminate(ctx context.Context, sessionID string) error {
	return b.Interrupt(ctx, sessionID)
}

// Active returns the number of turns currently running.
func (b *LocalBackend) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

func (b *LocalBackend) Dispose(ctx context.Context) error {
	b.mu.Lock()
	b.disposed = true
	for _, lt := range b.turns {
		lt.cancel()
	}
	b.mu.Unlock()

	return waitGroup(ctx, &b.wg, "agent.LocalBackend.Dispose")
}

func (b *LocalBackend) release(sessionID string, lt *localTurn) {
	b.mu.Lock()
	if b.turns[sessionID] == lt {
		delete(b.turns, sessionID)
	}
	b.mu.Unlock()
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup, caller string) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", caller, ctx.Err())
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
