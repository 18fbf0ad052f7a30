// Package stream parses the coding assistant CLI's stream-json output into a
// closed set of message types before anything else in the process sees it.
package stream

import "encoding/json"

// Kind is the wire discriminator of a stream message.
type Kind string

const (
	KindSystem            Kind = "system"
	KindMessage           Kind = "message"
	KindToolUse           Kind = "tool_use"
	KindToolResult        Kind = "tool_result"
	KindResult            Kind = "result"
	KindError             Kind = "error"
	KindContentBlockStart Kind = "content_block_start"
	KindContentBlockDelta Kind = "content_block_delta"
	KindContentBlockStop  Kind = "content_block_stop"
	KindExit              Kind = "exit"
	KindUnknown           Kind = "unknown"
)

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	sealed()
}

// System carries CLI session metadata. SessionID is the resume handle.
type System struct {
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

// ContentBlock is one element of a chat message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ChatMessage is an assistant or user message made of content blocks.
type ChatMessage struct {
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	SessionID string         `json:"session_id,omitempty"`
}

// Text concatenates the text blocks of the message.
func (m *ChatMessage) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type ToolResult struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Result ends a turn.
type Result struct {
	Subtype    string   `json:"subtype,omitempty"`
	CostUSD    *float64 `json:"cost_usd,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	IsError    bool     `json:"is_error,omitempty"`
	Result     string   `json:"result,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

type Error struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type,omitempty"`
}

type ContentBlockStart struct {
	Index        int             `json:"index"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
}

type ContentBlockDelta struct {
	Index int             `json:"index"`
	Delta json.RawMessage `json:"delta,omitempty"`
}

type ContentBlockStop struct {
	Index int `json:"index"`
}

// Exit is emitted by the executor once a turn's process has ended cleanly.
// The CLI never prints it.
type Exit struct {
	Code int `json:"code"`
}

// Unknown preserves message types this package does not model.
type Unknown struct {
	Type string          `json:"type,omitempty"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

func (*System) Kind() Kind            { return KindSystem }
func (*ChatMessage) Kind() Kind       { return KindMessage }
func (*ToolUse) Kind() Kind           { return KindToolUse }
func (*ToolResult) Kind() Kind        { return KindToolResult }
func (*Result) Kind() Kind            { return KindResult }
func (*Error) Kind() Kind             { return KindError }
func (*ContentBlockStart) Kind() Kind { return KindContentBlockStart }
func (*ContentBlockDelta) Kind() Kind { return KindContentBlockDelta }
func (*ContentBlockStop) Kind() Kind  { return KindContentBlockStop }
func (*Exit) Kind() Kind              { return KindExit }
func (*Unknown) Kind() Kind           { return KindUnknown }

func (*System) sealed()            {}
func (*ChatMessage) sealed()       {}
func (*ToolUse) sealed()           {}
func (*ToolResult) sealed()        {}
func (*Result) sealed()            {}
func (*Error) sealed()             {}
func (*ContentBlockStart) sealed() {}
func (*ContentBlockDelta) sealed() {}
func (*ContentBlockStop) sealed()  {}
func (*Exit) sealed()              {}
func (*Unknown) sealed()           {}

// ToolUses returns the tool invocations carried by m, whether top-level or
// nested in a chat message's content blocks.
func ToolUses(m Message) []*ToolUse {
	switch v := m.(type) {
	case *ToolUse:
		return []*ToolUse{v}
	case *ChatMessage:
		var uses []*ToolUse
		for _, b := range v.Content {
			if b.Type == string(KindToolUse) {
				uses = append(uses, &ToolUse{ID: b.ID, Name: b.Name, Input: b.Input})
			}
		}
		return uses
	default:
		return nil
	}
}
