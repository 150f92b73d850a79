package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the pipeline writes, so the accepted
// index can share a Valkey server with other tenants.
const DefaultPrefix = "btq:"

// connectTimeout bounds the reachability ping in NewValkeyStore.
const connectTimeout = 5 * time.Second

// ValkeyStore backs the accepted-job index with a Valkey (or any
// Redis-protocol) server. The dispatcher's SetNX claims rely on the server
// being the single arbiter across concurrent dispatches.
type ValkeyStore struct {
	client *redis.Client
	prefix string
}

// ValkeyConfig holds the connection settings. An empty Prefix selects
// DefaultPrefix.
type ValkeyConfig struct {
	Addr     string // host:port
	Password string
	DB       int
	Prefix   string
}

// NewValkeyStore connects and verifies the server is reachable.
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to valkey at %s: %w", cfg.Addr, err)
	}

	return &ValkeyStore{client: client, prefix: prefix}, nil
}

func (s *ValkeyStore) key(k string) string { return s.prefix + k }

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// SetNX is the duplicate-submission guard: exactly one caller per key
// observes true.
func (s *ValkeyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.key(key), value, ttl).Result()
}

func (s *ValkeyStore) Close() error {
	return s.client.Close()
}

var _ Store = (*ValkeyStore)(nil)
