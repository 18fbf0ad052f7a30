// Package backends provides the executors that run the Claude CLI for a turn.
package backends

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/agent"
	"github.com/gosuda/tandem/internal/stream"
)

const claudeBinary = "claude"

// ClaudeTransport implements agent.TransportHandler for the Claude CLI in
// stream-json print mode.
type ClaudeTransport struct{}

var _ agent.TransportHandler = (*ClaudeTransport)(nil)

func (t *ClaudeTransport) AgentName() string { return claudeBinary }

// BuildArgs returns
// -p <prompt> --output-format stream-json --verbose [--resume <token>] [--model <m>] [--allowedTools a,b].
func (t *ClaudeTransport) BuildArgs(turn agent.Turn) []string {
	args := []string{
		"-p", turn.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if turn.ResumeToken != "" {
		args = append(args, "--resume", turn.ResumeToken)
	}
	if turn.Model != "" {
		args = append(args, "--model", turn.Model)
	}
	if len(turn.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(turn.AllowedTools, ","))
	}
	return args
}

func (t *ClaudeTransport) FilterOutput(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}

	// stream-json output is one object per line; anything else is CLI chatter.
	if trimmed[0] != '{' {
		log.Debug().Str("line", trimmed).Msg("agent.ClaudeTransport.FilterOutput: dropping non-JSON line")
		return "", false
	}

	return trimmed, true
}

// dispatcher holds the registered event handler.
type dispatcher struct {
	mu      sync.RWMutex
	handler agent.EventHandler
}

func (d *dispatcher) OnEvent(handler agent.EventHandler) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

func (d *dispatcher) emit(ev stream.Event) {
	d.mu.RLock()
	handler := d.handler
	d.mu.RUnlock()

	if handler != nil {
		handler(ev)
	}
}
