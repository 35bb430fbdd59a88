package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopAlwaysFirst(t *testing.T) {
	var g Guard = Noop{}
	for i := 0; i < 3; i++ {
		first, err := g.FirstSeen(context.Background(), "evt")
		require.NoError(t, err)
		assert.True(t, first)
	}
	assert.NoError(t, g.Close())
}

func TestRedisGuardDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	g := newRedisGuard(client, RedisConfig{})
	assert.Equal(t, 24*time.Hour, g.ttl)
	assert.Equal(t, "signals:seen:", g.prefix)
}

func TestRedisGuardSurfacesErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	g := newRedisGuard(client, RedisConfig{TTL: time.Minute})
	defer g.Close()
	_, err := g.FirstSeen(context.Background(), "evt")
	assert.Error(t, err)
}
