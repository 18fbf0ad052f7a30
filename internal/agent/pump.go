package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gosuda/tandem/internal/stream"
)

const (
	scanBufferSize = 256 * 1024
	maxLineSize    = 16 * 1024 * 1024
)

// Pump reads CLI output from r until EOF or ctx is done, passing each kept
// line through the transport filter and the stream parser. Every parsed
// message is stamped with the turn's session id and seq before emit is called.
// It returns the read error, if any; EOF is not an error.
func Pump(ctx context.Context, r io.Reader, transport TransportHandler, turn Turn, emit EventHandler) error {
	parser := stream.NewParser()

	send := func(msg stream.Message) {
		emit(stream.Event{
			SessionID: turn.SessionID,
			Seq:       turn.Seq,
			Message:   msg,
			Timestamp: time.Now(),
		})
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanBufferSize), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		filtered, keep := transport.FilterOutput(scanner.Text())
		if !keep {
			continue
		}

		for _, msg := range parser.Feed([]byte(filtered + "\n")) {
			send(msg)
		}
	}

	if msg, ok := parser.Flush(); ok {
		send(msg)
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("agent.Pump: %w", err)
	}
	return nil
}

// ErrorEvent builds the synthetic error event emitted when a turn fails
// outside of the CLI's own output, for example when the process cannot be
// started or exits abnormally.
func ErrorEvent(turn Turn, errorType, format string, args ...any) stream.Event {
	return stream.Event{
		SessionID: turn.SessionID,
		Seq:       turn.Seq,
		Message: &stream.Error{
			Message:   fmt.Sprintf(format, args...),
			ErrorType: errorType,
		},
		Timestamp: time.Now(),
	}
}

// ExitEvent builds the event that closes a turn whose process exited
// without an error.
func ExitEvent(turn Turn, code int) stream.Event {
	return stream.Event{
		SessionID: turn.SessionID,
		Seq:       turn.Seq,
		Message:   &stream.Exit{Code: code},
		Timestamp: time.Now(),
	}
}

// Error types used for synthetic error events.
const (
	ErrorTypeSpawn  = "spawn_failed"
	ErrorTypeExit   = "process_exit"
	ErrorTypeStream = "stream_failed"
)
