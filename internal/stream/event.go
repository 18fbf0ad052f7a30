package stream

import (
	"encoding/json"
	"time"
)

// Event is one message from the CLI tagged with the logical session it
// belongs to. Seq is the command sequence of the turn that produced it.
type Event struct {
	SessionID string
	Seq       uint64
	Message   Message
	Timestamp time.Time
}

func (e Event) MarshalJSON() ([]byte, error) {
	kind := KindUnknown
	if e.Message != nil {
		kind = e.Message.Kind()
	}
	return json.Marshal(struct {
		SessionID string    `json:"session_id"`
		Seq       uint64    `json:"seq"`
		Type      Kind      `json:"type"`
		Message   Message   `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	}{
		SessionID: e.SessionID,
		Seq:       e.Seq,
		Type:      kind,
		Message:   e.Message,
		Timestamp: e.Timestamp,
	})
}
