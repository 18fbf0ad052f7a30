package redis_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tandem/internal/bus"
	redisstore "github.com/gosuda/tandem/internal/store/redis"
)

// unreachable returns a PubSub whose server refuses connections.
func unreachable(t *testing.T, prefix string) *redisstore.PubSub {
	t.Helper()

	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	ps := redisstore.NewWithClient(client, prefix)
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func TestPubSub_Channel(t *testing.T) {
	t.Parallel()

	t.Run("prefixed", func(t *testing.T) {
		t.Parallel()

		ps := unreachable(t, "tandem:")
		assert.Equal(t, "tandem:session:abc", ps.Channel(bus.EventChannel("abc")))
		assert.Equal(t, "tandem:session:abc:errors", ps.Channel(bus.ErrorChannel("abc")))
	})

	t.Run("no prefix", func(t *testing.T) {
		t.Parallel()

		ps := unreachable(t, "")
		assert.Equal(t, "session:abc", ps.Channel(bus.EventChannel("abc")))
	})

	t.Run("event and error channels never collide", func(t *testing.T) {
		t.Parallel()

		ps := unreachable(t, "x:")
		assert.NotEqual(t, ps.Channel(bus.EventChannel("s")), ps.Channel(bus.ErrorChannel("s")))
	})
}

func TestPubSub_Unreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ps := unreachable(t, "tandem:")

	err := ps.Publish(ctx, bus.EventChannel("s1"), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.PubSub.Publish(session:s1)")

	_, _, err = ps.Subscribe(ctx, bus.EventChannel("s1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.PubSub.Subscribe")

	require.Error(t, ps.Ping(ctx))
}

func TestNew_Unreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := redisstore.New(ctx, "127.0.0.1:1", "", 0, "tandem:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.New: ping")
}

func TestPubSub_MirrorsBus(t *testing.T) {
	t.Parallel()

	ps := unreachable(t, "tandem:")
	b := bus.New(4, bus.WithMirror(ps))
	t.Cleanup(b.Close)

	sub := b.OnError("s1")
	b.PublishError(bus.ErrorNotice{SessionID: "s1", Message: "boom"})

	n := <-sub.C()
	assert.Equal(t, "boom", n.Message, "local delivery survives a dead mirror")
	require.Eventually(t, b.Degraded, 5*time.Second, 10*time.Millisecond)
}

func TestPubSub_IsPinger(t *testing.T) {
	t.Parallel()

	var pub bus.Publisher = unreachable(t, "")
	_, ok := pub.(bus.Pinger)
	assert.True(t, ok, "degraded mirrors are probed with Ping")
}
