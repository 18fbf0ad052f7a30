package domain

import (
	"slices"
	"time"
)

// DefaultModel is used when a session is created without an explicit model.
const DefaultModel = "sonnet"

type SessionStatus string

const (
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusThinking   SessionStatus = "thinking"
	SessionStatusError      SessionStatus = "error"
	SessionStatusTerminated SessionStatus = "terminated"
)

// Busy reports whether a turn is in flight for the session.
func (s SessionStatus) Busy() bool {
	return s == SessionStatusThinking
}

// SessionConfig describes a logical conversation before any process is started.
type SessionConfig struct {
	WorkingDir   string   `json:"working_dir" yaml:"working_dir"`
	Model        string   `json:"model,omitempty" yaml:"model"`
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
}

// WithDefaults returns a copy with the model filled in.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	c.AllowedTools = slices.Clone(c.AllowedTools)
	return c
}

// Session is a logical multi-turn conversation with the coding assistant CLI.
// ResumeToken is the CLI's own session handle, captured after the first turn.
type Session struct {
	ID           string        `json:"id"`
	ResumeToken  string        `json:"resume_token,omitempty"`
	WorkingDir   string        `json:"working_dir"`
	Model        string        `json:"model"`
	AllowedTools []string      `json:"allowed_tools,omitempty"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	PromptCount  int           `json:"prompt_count"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	// Seq is bumped by every prompt and interrupt. Events carry the seq of the
	// turn that produced them.
	Seq uint64 `json:"seq"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	c := *s
	c.AllowedTools = slices.Clone(s.AllowedTools)
	return &c
}
