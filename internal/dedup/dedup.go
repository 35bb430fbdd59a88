package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard remembers event ids so a redelivered envelope is counted once.
type Guard interface {
	// FirstSeen claims id and reports whether this call was the first to see it.
	FirstSeen(ctx context.Context, id string) (bool, error)
	Close() error
}

type Noop struct{}

func (Noop) FirstSeen(context.Context, string) (bool, error) { return true, nil }
func (Noop) Close() error { return nil }

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisGuard(ctx context.Context, cfg RedisConfig) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		MaxRetries:   2,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisGuard(client, cfg), nil
}

func newRedisGuard(client *redis.Client, cfg RedisConfig) *RedisGuard {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "signals:seen:"
	}
	return &RedisGuard{client: client, ttl: cfg.TTL, prefix: cfg.Prefix}
}

func (g *RedisGuard) FirstSeen(ctx context.Context, id string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+id, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}
