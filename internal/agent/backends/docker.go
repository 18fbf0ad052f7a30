package backends

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/agent"
)

// ErrNoRuntime is returned when the docker backend is created without a container runtime.
var ErrNoRuntime = errors.New("agent: docker runtime not configured") //nolint:gochecknoglobals // sentinel error

type dockerTurn struct {
	seq         uint64
	containerID string
	cancel      context.CancelFunc
}

// DockerBackend runs each turn in a fresh container with the session's
// working directory bind-mounted.
type DockerBackend struct {
	dispatcher

	runtime   agent.ContainerRuntime
	image     string
	env       map[string]string
	transport *ClaudeTransport

	mu       sync.Mutex
	turns    map[string]*dockerTurn
	disposed bool
	wg       sync.WaitGroup
}

var _ agent.Backend = (*DockerBackend)(nil)

func NewDockerBackend(opts agent.Options) (agent.Backend, error) {
	if opts.Runtime == nil {
		return nil, fmt.Errorf("agent.NewDockerBackend: %w", ErrNoRuntime)
	}

	return &DockerBackend{
		runtime:   opts.Runtime,
		image:     opts.Image,
		env:       opts.Environment,
		transport: &ClaudeTransport{},
		turns:     make(map[string]*dockerTurn),
	}, nil
}

func (b *DockerBackend) Spawn(ctx context.Context, turn agent.Turn) error {
	if err := turn.Validate(); err != nil {
		return fmt.Errorf("agent.DockerBackend.Spawn: %w", err)
	}
	turn = turn.Clone()

	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return fmt.Errorf("agent.DockerBackend.Spawn: %w", agent.ErrDisposed)
	}

	cmd := append([]string{b.transport.AgentName()}, b.transport.BuildArgs(turn)...)

	containerID, err := b.runtime.CreateContainer(ctx, agent.ContainerOptions{
		SessionID:   turn.SessionID,
		Seq:         turn.Seq,
		Image:       b.image,
		HostDir:     turn.WorkingDir,
		Environment: b.env,
		Cmd:         cmd,
	})
	if err != nil {
		return fmt.Errorf("agent.DockerBackend.Spawn: %w", err)
	}

	if err := b.runtime.StartContainer(ctx, containerID); err != nil {
		if rmErr := b.runtime.RemoveContainer(context.WithoutCancel(ctx), containerID); rmErr != nil {
			log.Error().Err(rmErr).Str("container_id", containerID).Msg("agent.DockerBackend: failed to remove container after start failure")
		}
		return fmt.Errorf("agent.DockerBackend.Spawn: %w", err)
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	dt := &dockerTurn{seq: turn.Seq, containerID: containerID, cancel: cancel}

	b.mu.Lock()
	prev := b.turns[turn.SessionID]
	b.turns[turn.SessionID] = dt
	b.mu.Unlock()

	if prev != nil {
		b.stop(turn.SessionID, prev)
	}

	log.Debug().Str("session_id", turn.SessionID).Uint64("seq", turn.Seq).Str("container_id", containerID).Msg("agent.DockerBackend.Spawn: turn started")

	b.wg.Add(1)
	go b.run(turnCtx, turn, dt)

	return nil
}

func (b *DockerBackend) run(ctx context.Context, turn agent.Turn, dt *dockerTurn) {
	defer b.wg.Done()
	defer b.release(turn.SessionID, dt)
	defer b.remove(dt.containerID)
	defer dt.cancel()

	reader, err := b.runtime.StreamLogs(ctx, dt.containerID)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("session_id", turn.SessionID).Msg("agent.DockerBackend: failed to stream logs")
			b.emit(agent.ErrorEvent(turn, agent.ErrorTypeStream, "failed to stream logs: %v", err))
		}
		return
	}

	pumpErr := agent.Pump(ctx, reader, b.transport, turn, b.emit)
	_ = reader.Close()

	code, waitErr := b.runtime.WaitContainer(ctx, dt.containerID)

	if ctx.Err() != nil {
		log.Debug().Str("session_id", turn.SessionID).Uint64("seq", turn.Seq).Msg("agent.DockerBackend: turn cancelled")
		return
	}

	switch {
	case pumpErr != nil:
		log.Error().Err(pumpErr).Str("session_id", turn.SessionID).Msg("agent.DockerBackend: output stream failed")
		b.emit(agent.ErrorEvent(turn, agent.ErrorTypeStream, "output stream failed: %v", pumpErr))
	case waitErr != nil:
		log.Error().Err(waitErr).Str("session_id", turn.SessionID).Msg("agent.DockerBackend: wait failed")
		b.emit(agent.ErrorEvent(turn, agent.ErrorTypeExit, "container wait failed: %v", waitErr))
	case code != 0:
		log.Error().Int64("exit_code", code).Str("session_id", turn.SessionID).Msg("agent.DockerBackend: container exited abnormally")
		b.emit(agent.ErrorEvent(turn, agent.ErrorTypeExit, "%s exited with status %d", b.transport.AgentName(), code))
	default:
		b.emit(agent.ExitEvent(turn, 0))
	}
}

// Interrupt stops the session's running container in the background.
func (b *DockerBackend) Interrupt(_ context.Context, sessionID string) error {
	b.mu.Lock()
	dt := b.turns[sessionID]
	b.mu.Unlock()

	if dt != nil {
		b.stop(sessionID, dt)
	}
	return nil
}

func (b *DockerBackend) Terminate(ctx context.Context, sessionID string) error {
	return b.Interrupt(ctx, sessionID)
}

func (b *DockerBackend) Dispose(ctx context.Context) error {
	b.mu.Lock()
	b.disposed = true
	turns := maps.Clone(b.turns)
	b.mu.Unlock()

	for sid, dt := range turns {
		b.stop(sid, dt)
	}

	return waitGroup(ctx, &b.wg, "agent.DockerBackend.Dispose")
}

// stop cancels the turn's stream and stops its container without blocking the caller.
func (b *DockerBackend) stop(sessionID string, dt *dockerTurn) {
	log.Debug().Str("session_id", sessionID).Uint64("seq", dt.seq).Str("container_id", dt.containerID).Msg("agent.DockerBackend: stopping turn")
	dt.cancel()
	b.wg.Go(func() {
		if err := b.runtime.StopContainer(context.Background(), dt.containerID); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Str("container_id", dt.containerID).Msg("agent.DockerBackend: failed to stop container")
		}
	})
}

func (b *DockerBackend) remove(containerID string) {
	if err := b.runtime.RemoveContainer(context.Background(), containerID); err != nil {
		log.Error().Err(err).Str("container_id", containerID).Msg("agent.DockerBackend: failed to remove container")
	}
}

func (b *DockerBackend) release(sessionID string, dt *dockerTurn) {
	b.mu.Lock()
	if b.turns[sessionID] == dt {
		delete(b.turns, sessionID)
	}
	b.mu.Unlock()
}
