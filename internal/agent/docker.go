package agent

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"
)

const stopTimeoutSeconds = 10

// ContainerOptions configures the container for one turn.
type ContainerOptions struct {
	SessionID   string
	Seq         uint64
	Image       string
	HostDir     string // bind-mounted at the same path inside the container
	Environment map[string]string
	Cmd         []string
}

// ContainerRuntime is the subset of the Docker API used by the docker backend.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, opts ContainerOptions) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	// StreamLogs returns the demultiplexed stdout of the container.
	StreamLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
	WaitContainer(ctx context.Context, containerID string) (int64, error)
}

// DockerRuntime runs CLI turns in Docker containers.
type DockerRuntime struct {
	client       *client.Client
	imageDefault string
	limits       ResourceLimits
}

var _ ContainerRuntime = (*DockerRuntime)(nil)

func NewDockerRuntime(host, imageDefault, cpuLimit, memLimit string) (*DockerRuntime, error) {
	limits, err := ParseResourceLimits(cpuLimit, memLimit)
	if err != nil {
		return nil, fmt.Errorf("agent.NewDockerRuntime: %w", err)
	}

	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("agent.NewDockerRuntime: %w", err)
	}

	return &DockerRuntime{
		client:       c,
		imageDefault: imageDefault,
		limits:       limits,
	}, nil
}

// CreateContainer creates the container for one turn. The host working
// directory is bind-mounted at the same path so tool paths reported by the
// CLI are valid on the host.
func (d *DockerRuntime) CreateContainer(ctx context.Context, opts ContainerOptions) (string, error) {
	image := opts.Image
	if image == "" {
		image = d.imageDefault
	}

	cfg := &container.Config{
		Image:      image,
		Env:        containerEnv(opts),
		Cmd:        opts.Cmd,
		WorkingDir: opts.HostDir,
		Labels: map[string]string{
			"tandem.session": opts.SessionID,
			"tandem.seq":     strconv.FormatUint(opts.Seq, 10),
		},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   d.limits.MemoryBytes,
			NanoCPUs: d.limits.NanoCPUs,
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: opts.HostDir,
				Target: opts.HostDir,
			},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, ContainerName(opts.SessionID, opts.Seq))
	if err != nil {
		return "", fmt.Errorf("agent.DockerRuntime.CreateContainer: %w", err)
	}

	return resp.ID, nil
}

// StartContainer starts a created container.
func (d *DockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	err := d.client.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		return fmt.Errorf("agent.DockerRuntime.StartContainer: %w", err)
	}
	return nil
}

// StopContainer stops a running container, killing it after a grace period.
func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil {
		return fmt.Errorf("agent.DockerRuntime.StopContainer: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("agent.DockerRuntime.RemoveContainer: %w", err)
	}
	return nil
}

// StreamLogs follows the container's stdout. Docker multiplexes stdout and
// stderr for non-TTY containers; stderr is logged at debug level.
func (d *DockerRuntime) StreamLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	reader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("agent.DockerRuntime.StreamLogs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer reader.Close()
		stderr := &logWriter{containerID: containerID}
		_, copyErr := stdcopy.StdCopy(pw, stderr, reader)
		pw.CloseWithError(copyErr)
	}()

	return pr, nil
}

// WaitContainer waits for container to exit, returns exit code.
func (d *DockerRuntime) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	waitCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case result := <-waitCh:
		if result.Error != nil {
			return result.StatusCode, fmt.Errorf("agent.DockerRuntime.WaitContainer: %s", result.Error.Message)
		}
		return result.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("agent.DockerRuntime.WaitContainer: %w", err)
	case <-ctx.Done():
		return -1, fmt.Errorf("agent.DockerRuntime.WaitContainer: %w", ctx.Err())
	}
}

// Ping checks the daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("agent.DockerRuntime.Ping: %w", err)
	}
	return nil
}

// Close closes the Docker client.
func (d *DockerRuntime) Close() error {
	err := d.client.Close()
	if err != nil {
		return fmt.Errorf("agent.DockerRuntime.Close: %w", err)
	}
	return nil
}

// ContainerName is the deterministic name of the container for one turn.
func ContainerName(sessionID string, seq uint64) string {
	return "tandem-" + sessionID + "-" + strconv.FormatUint(seq, 10)
}

func containerEnv(opts ContainerOptions) []string {
	env := make([]string, 0, len(opts.Environment)+1)
	env = append(env, "TANDEM_SESSION_ID="+opts.SessionID)
	for k, v := range opts.Environment {
		env = append(env, k+"="+v)
	}
	return env
}

type logWriter struct {
	containerID string
}

func (w *logWriter) Write(p []byte) (int, error) {
	log.Debug().Str("container_id", w.containerID).Str("stderr", string(p)).Msg("agent.DockerRuntime: container stderr")
	return len(p), nil
}
