// Package redis mirrors bus traffic over Redis pub/sub so that event streams
// can be consumed by processes other than the one running the sessions.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const subscribeBuffer = 64

type PubSub struct {
	client *redis.Client
	prefix string
}

func New(ctx context.Context, addr, password string, db int, prefix string) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client. Every channel name is prefixed
// with prefix.
func NewWithClient(client *redis.Client, prefix string) *PubSub {
	return &PubSub{client: client, prefix: prefix}
}

// Channel returns the namespaced Redis channel for a bus channel name.
func (ps *PubSub) Channel(name string) string {
	return ps.prefix + name
}

func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

// Publish satisfies bus.Publisher.
func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, ps.Channel(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish(%s): %w", channel, err)
	}
	return nil
}

// Subscribe delivers payloads published on channel until ctx is done or
// cleanup is called. The returned channel is closed when delivery stops.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, ps.Channel(channel))

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe(%s): receive confirmation: %w", channel, err)
	}

	out := make(chan []byte, subscribeBuffer)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

// Ping reports whether the server is reachable.
func (ps *PubSub) Ping(ctx context.Context) error {
	if err := ps.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Ping: %w", err)
	}
	return nil
}
