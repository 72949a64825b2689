package cache

import (
	"context"
	"time"

	"github.com/kasuganosora/gridstash/cache/local"
	cacheredis "github.com/kasuganosora/gridstash/cache/redis"
)

// Cache is the shared state the server keeps outside the registry: login
// sessions (KV), the online peer set (Set) and per-inventory event history
// (List).
type Cache interface {
	// KV
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Set
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// List. Index 0 is the most recent push; negative indexes count from the
	// tail as in Redis.
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	// PushCapped prepends value and keeps at most max entries, atomically.
	PushCapped(ctx context.Context, key, value string, max int64) error
}

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// PubSub carries committed inventory events between the registry and the
// SSE streams. Slow subscribers lose messages rather than stall publishers.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
}

// CacheConfig selects and configures the backend.
type CacheConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	// Prefix namespaces every Redis key and channel so several deployments
	// can share one server.
	Prefix          string        `mapstructure:"prefix"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

func (cfg CacheConfig) redis() cacheredis.Config {
	return cacheredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.Prefix,
	}
}

func (cfg CacheConfig) bufSize() int {
	if cfg.LocalPubSubBuf <= 0 {
		return 256
	}
	return cfg.LocalPubSubBuf
}

// NewCache returns a Redis cache when RedisAddr is set and an in-process one
// otherwise.
func NewCache(cfg CacheConfig) (Cache, error) {
	if cfg.RedisAddr != "" {
		return cacheredis.NewCache(cfg.redis())
	}
	return local.NewCache(local.Config{GCInterval: cfg.LocalGCInterval})
}

// NewPubSub returns a Redis event bus when RedisAddr is set and an
// in-process one otherwise.
func NewPubSub(cfg CacheConfig) (PubSub, error) {
	if cfg.RedisAddr != "" {
		ps, err := cacheredis.NewPubSub(cfg.redis())
		if err != nil {
			return nil, err
		}
		return &bridge[*cacheredis.RedisMessage]{
			backend: ps,
			buf:     cfg.bufSize(),
			conv: func(m *cacheredis.RedisMessage) *Message {
				return &Message{Channel: m.Channel, Payload: m.Payload}
			},
		}, nil
	}
	return &bridge[*local.LocalMessage]{
		backend: local.NewPubSub(cfg.bufSize()),
		buf:     cfg.bufSize(),
		conv: func(m *local.LocalMessage) *Message {
			return &Message{Channel: m.Channel, Payload: m.Payload}
		},
	}, nil
}

type backend[M any] interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan M, func(), error)
}

// bridge converts a backend's message type to *Message.
type bridge[M any] struct {
	backend backend[M]
	conv    func(M) *Message
	buf     int
}

func (b *bridge[M]) Publish(ctx context.Context, channel, message string) error {
	return b.backend.Publish(ctx, channel, message)
}

func (b *bridge[M]) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	in, cancel, err := b.backend.Subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *Message, b.buf)
	go func() {
		defer close(out)
		for m := range in {
			select {
			case out <- b.conv(m):
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
	return out, cancel, nil
}
