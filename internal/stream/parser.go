package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// ErrInvalidJSON is returned for lines that are not JSON at all.
var ErrInvalidJSON = errors.New("stream: invalid json") //nolint:gochecknoglobals // sentinel error

// Parser turns an NDJSON byte stream into messages, buffering partial lines
// across chunk boundaries. It is not safe for concurrent use.
type Parser struct {
	buf []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the buffer and returns every complete message.
// Malformed lines are logged and skipped.
func (p *Parser) Feed(chunk []byte) []Message {
	p.buf = append(p.buf, chunk...)

	var msgs []Message
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]

		msg, ok := p.parse(line)
		if ok {
			msgs = append(msgs, msg)
		}
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}

	return msgs
}

// Flush parses whatever remains in the buffer. Call at end of stream.
func (p *Parser) Flush() (Message, bool) {
	line := p.buf
	p.buf = nil
	return p.parse(line)
}

func (p *Parser) parse(line []byte) (Message, bool) {
	line = bytes.TrimSpace(bytes.TrimRight(line, "\r"))
	if len(line) == 0 {
		return nil, false
	}
	if !utf8.Valid(line) {
		log.Warn().Int("bytes", len(line)).Msg("stream.Parser: skipping line with invalid utf-8")
		return nil, false
	}

	msg, err := ParseLine(line)
	if err != nil {
		log.Warn().Err(err).Str("line", truncate(string(line), 200)).Msg("stream.Parser: skipping malformed line")
		return nil, false
	}
	return msg, true
}

// ParseLine decodes a single JSON object into its message type. Valid JSON
// whose shape does not match a known type decodes as *Unknown.
func ParseLine(line []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, fmt.Errorf("stream.ParseLine: %w: %w", ErrInvalidJSON, err)
	}

	msg, err := decode(Kind(envelope.Type), line)
	if err != nil {
		log.Debug().Err(err).Str("type", envelope.Type).Msg("stream.ParseLine: falling back to unknown")
		return &Unknown{Type: envelope.Type, Raw: json.RawMessage(bytes.Clone(line))}, nil
	}
	return msg, nil
}

func decode(kind Kind, line []byte) (Message, error) {
	switch kind {
	case KindSystem:
		var m System
		return &m, json.Unmarshal(line, &m)

	case KindMessage:
		var m ChatMessage
		return &m, json.Unmarshal(line, &m)

	case "assistant", "user":
		// {"type":"assistant","message":{"role":...,"content":[...]},"session_id":...}
		var wrapped struct {
			Message   ChatMessage `json:"message"`
			SessionID string      `json:"session_id"`
		}
		if err := json.Unmarshal(line, &wrapped); err != nil {
			return nil, err
		}
		m := wrapped.Message
		if m.Role == "" {
			m.Role = string(kind)
		}
		m.SessionID = wrapped.SessionID
		return &m, nil

	case KindToolUse:
		var m ToolUse
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		if m.ID == "" || m.Name == "" {
			return nil, errors.New("tool_use without id or name")
		}
		return &m, nil

	case KindToolResult:
		var m ToolResult
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, err
		}
		if m.ToolUseID == "" {
			return nil, errors.New("tool_result without tool_use_id")
		}
		return &m, nil

	case KindResult:
		var wire struct {
			Result
			TotalCostUSD *float64 `json:"total_cost_usd"`
		}
		if err := json.Unmarshal(line, &wire); err != nil {
			return nil, err
		}
		m := wire.Result
		if wire.TotalCostUSD != nil {
			m.CostUSD = wire.TotalCostUSD
		}
		return &m, nil

	case KindError:
		var wire struct {
			Error struct {
				Message   string `json:"message"`
				ErrorType string `json:"error_type"`
				Type      string `json:"type"`
			} `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(line, &wire); err != nil {
			return nil, err
		}
		m := Error{Message: wire.Error.Message, ErrorType: wire.Error.ErrorType}
		if m.Message == "" {
			m.Message = wire.Message
		}
		if m.ErrorType == "" {
			m.ErrorType = wire.Error.Type
		}
		return &m, nil

	case KindContentBlockStart:
		var m ContentBlockStart
		return &m, json.Unmarshal(line, &m)

	case KindContentBlockDelta:
		var m ContentBlockDelta
		return &m, json.Unmarshal(line, &m)

	case KindContentBlockStop:
		var m ContentBlockStop
		return &m, json.Unmarshal(line, &m)

	default:
		return &Unknown{Type: string(kind), Raw: json.RawMessage(bytes.Clone(line))}, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
