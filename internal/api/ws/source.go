package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/bus"
)

const pipeBuffer = 16

// Source yields JSON payloads for one session. Payloads are delivered in
// publish order; the channel is closed when the session's stream ends or
// cleanup is called.
type Source interface {
	Events(ctx context.Context, sessionID string) (<-chan []byte, func(), error)
	Errors(ctx context.Context, sessionID string) (<-chan []byte, func(), error)
}

// BusSource streams from the in-process bus.
type BusSource struct {
	bus *bus.Bus
}

func NewBusSource(b *bus.Bus) *BusSource {
	return &BusSource{bus: b}
}

func (s *BusSource) Events(ctx context.Context, sessionID string) (<-chan []byte, func(), error) {
	out, cleanup := pipe(ctx, s.bus.OnMessage(sessionID))
	return out, cleanup, nil
}

func (s *BusSource) Errors(ctx context.Context, sessionID string) (<-chan []byte, func(), error) {
	out, cleanup := pipe(ctx, s.bus.OnError(sessionID))
	return out, cleanup, nil
}

// pipe encodes a subscription onto a byte channel. The subscription is
// closed when ctx ends so that a stalled reader never blocks the publisher.
func pipe[T any](ctx context.Context, sub *bus.Subscription[T]) (<-chan []byte, func()) {
	out := make(chan []byte, pipeBuffer)

	go func() {
		defer close(out)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-sub.C():
				if !ok {
					return
				}
				payload, err := json.Marshal(v)
				if err != nil {
					log.Error().Err(err).Str("session_id", sub.SessionID()).Msg("ws.pipe: failed to encode payload")
					continue
				}
				select {
				case out <- payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, sub.Close
}

// Subscriber is a pub/sub backend keyed by bus channel name.
// *redis.PubSub satisfies this interface.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// RemoteSource streams the bus mirror of another process.
type RemoteSource struct {
	sub Subscriber
}

func NewRemoteSource(sub Subscriber) *RemoteSource {
	return &RemoteSource{sub: sub}
}

func (s *RemoteSource) Events(ctx context.Context, sessionID string) (<-chan []byte, func(), error) {
	out, cleanup, err := s.sub.Subscribe(ctx, bus.EventChannel(sessionID))
	if err != nil {
		return nil, nil, fmt.Errorf("ws.RemoteSource.Events: %w", err)
	}
	return out, cleanup, nil
}

func (s *RemoteSource) Errors(ctx context.Context, sessionID string) (<-chan []byte, func(), error) {
	out, cleanup, err := s.sub.Subscribe(ctx, bus.ErrorChannel(sessionID))
	if err != nil {
		return nil, nil, fmt.Errorf("ws.RemoteSource.Errors: %w", err)
	}
	return out, cleanup, nil
}
