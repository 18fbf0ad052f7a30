// Package bus multiplexes CLI events to per-session subscribers.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/stream"
)

// DefaultBufferSize is the per-subscriber queue length used when none is given.
const DefaultBufferSize = 64

const (
	mirrorTimeout       = 5 * time.Second
	mirrorQueueSize     = 1024
	mirrorRetryInterval = 5 * time.Second
)

// ErrorNotice is a session-scoped error notification, delivered on a side
// channel separate from the message stream.
type ErrorNotice struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	ErrorType string    `json:"error_type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher abstracts the Redis pub/sub publish operation used to mirror the
// bus to other processes.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Pinger is implemented by publishers that can probe their server. A
// degraded mirror that is a Pinger is only retried once Ping succeeds.
type Pinger interface {
	Ping(ctx context.Context) error
}

type mirrorMsg struct {
	channel string
	payload []byte
}

// Bus fans a single stream of session-tagged events out to per-session
// subscribers. Events for one session are delivered in the order they are
// published; there is no ordering between sessions.
//
// Mirroring runs on its own goroutine behind a bounded queue, so a slow or
// dead mirror never delays local delivery. While the mirror is degraded its
// payloads are dropped and it is probed again every retry interval.
type Bus struct {
	events *topic[stream.Event]
	errors *topic[ErrorNotice]

	mirror      Publisher
	mirrorQueue chan mirrorMsg
	mirrorRetry time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
	mirrorDone  chan struct{}

	mu       sync.RWMutex
	degraded bool
	dropped  int
}

// Option configures a Bus.
type Option func(*Bus)

// WithMirror republishes every event and error notice to pub.
func WithMirror(pub Publisher) Option {
	return func(b *Bus) {
		b.mirror = pub
	}
}

// WithMirrorRetry sets how long a degraded mirror is skipped before it is
// tried again.
func WithMirrorRetry(d time.Duration) Option {
	return func(b *Bus) {
		b.mirrorRetry = d
	}
}

func New(bufSize int, opts ...Option) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	b := &Bus{
		events:      newTopic[stream.Event](bufSize),
		errors:      newTopic[ErrorNotice](bufSize),
		mirrorRetry: mirrorRetryInterval,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.mirror != nil {
		b.mirrorQueue = make(chan mirrorMsg, mirrorQueueSize)
		b.mirrorDone = make(chan struct{})
		go b.runMirror()
	}
	return b
}

// Publish delivers ev to the subscribers of ev.SessionID.
func (b *Bus) Publish(ev stream.Event) {
	b.events.publish(ev.SessionID, ev)
	b.mirrorPayload(EventChannel(ev.SessionID), ev)
}

// PublishError delivers an error notification on the error side channel.
func (b *Bus) PublishError(n ErrorNotice) {
	b.errors.publish(n.SessionID, n)
	b.mirrorPayload(ErrorChannel(n.SessionID), n)
}

// OnMessage subscribes to every event of a session.
func (b *Bus) OnMessage(sessionID string) *Subscription[stream.Event] {
	return b.events.subscribe(sessionID, nil)
}

// OnToolUse subscribes to events that carry at least one tool invocation.
func (b *Bus) OnToolUse(sessionID string) *Subscription[stream.Event] {
	return b.events.subscribe(sessionID, func(ev stream.Event) bool {
		return len(stream.ToolUses(ev.Message)) > 0
	})
}

// OnError subscribes to a session's error notifications.
func (b *Bus) OnError(sessionID string) *Subscription[ErrorNotice] {
	return b.errors.subscribe(sessionID, nil)
}

// SubscriberCount returns the number of open message subscriptions for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	return b.events.count(sessionID)
}

// CloseSession closes every subscription bound to sessionID.
func (b *Bus) CloseSession(sessionID string) {
	b.events.closeSession(sessionID)
	b.errors.closeSession(sessionID)
}

// Close closes all subscriptions and stops the mirror. Payloads still
// queued for the mirror are discarded.
func (b *Bus) Close() {
	b.events.closeAll()
	b.errors.closeAll()

	b.stopOnce.Do(func() { close(b.stop) })
	if b.mirrorDone != nil {
		<-b.mirrorDone
	}
}

// Degraded reports whether mirroring has failed since the last success.
func (b *Bus) Degraded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.degraded
}

// mirrorPayload queues v for the mirror without blocking. A full queue drops
// the payload.
func (b *Bus) mirrorPayload(channel string, v any) {
	if b.mirror == nil {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("bus.Bus: failed to encode mirror payload")
		return
	}

	select {
	case b.mirrorQueue <- mirrorMsg{channel: channel, payload: payload}:
	default:
		b.drop(channel, "mirror queue full")
	}
}

func (b *Bus) runMirror() {
	defer close(b.mirrorDone)

	var retryAt time.Time
	for {
		select {
		case <-b.stop:
			return
		case m := <-b.mirrorQueue:
			if b.Degraded() {
				if time.Now().Before(retryAt) || !b.probe() {
					retryAt = time.Now().Add(b.mirrorRetry)
					b.drop(m.channel, "mirror degraded")
					continue
				}
			}

			if err := b.publishMirror(m); err != nil {
				retryAt = time.Now().Add(b.mirrorRetry)
			}
		}
	}
}

// probe reports whether a degraded mirror should be tried again.
func (b *Bus) probe() bool {
	pinger, ok := b.mirror.(Pinger)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	return pinger.Ping(ctx) == nil
}

func (b *Bus) publishMirror(m mirrorMsg) error {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	err := b.mirror.Publish(ctx, m.channel, m.payload)

	b.mu.Lock()
	wasDegraded := b.degraded
	dropped := b.dropped
	b.degraded = err != nil
	if err == nil {
		b.dropped = 0
	}
	b.mu.Unlock()

	switch {
	case err != nil && !wasDegraded:
		log.Error().Err(err).Str("channel", m.channel).Msg("bus.Bus: mirror publish failed, remote delivery degraded")
	case err == nil && wasDegraded:
		log.Info().Str("channel", m.channel).Int("dropped", dropped).Msg("bus.Bus: mirror publish recovered")
	}
	return err
}

// drop counts a payload that never reached the mirror, logging the first of
// each run.
func (b *Bus) drop(channel, reason string) {
	b.mu.Lock()
	b.dropped++
	first := b.dropped == 1
	b.mu.Unlock()

	if first {
		log.Warn().Str("channel", channel).Str("reason", reason).Msg("bus.Bus: dropping mirror payloads")
	}
}

// EventChannel returns the pub/sub channel name for a session's events.
func EventChannel(sessionID string) string {
	return "session:" + sessionID
}

// ErrorChannel returns the pub/sub channel name for a session's error notices.
func ErrorChannel(sessionID string) string {
	return "session:" + sessionID + ":errors"
}
