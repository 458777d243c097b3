package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/notesmcp/notes-mcp-server/tokens"
)

// Config for the Redis-backed token store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: TOKEN_CACHE_REDIS_ADDR
	RedisAddr string `env:"TOKEN_CACHE_REDIS_ADDR,default=localhost:6379"`
	// Key under which the token is stored. ENV: TOKEN_CACHE_KEY
	Key string `env:"TOKEN_CACHE_KEY,default=notes-mcp:oauth:token"`
}

// Store is a tokens.Store backed by a Redis key.
type Store struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

var _ tokens.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.Key), nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient wraps an existing client.
func NewWithClient(cl *redis.Client, key string) *Store {
	if key == "" {
		key = "notes-mcp:oauth:token"
	}
	return &Store{client: cl, key: key, now: time.Now}
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Load(ctx context.Context) (tokens.CachedToken, bool, error) {
	b, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return tokens.CachedToken{}, false, nil
	}
	if err != nil {
		return tokens.CachedToken{}, false, fmt.Errorf("redis get: %w", err)
	}
	var tok tokens.CachedToken
	if err := json.Unmarshal(b, &tok); err != nil {
		return tokens.CachedToken{}, false, fmt.Errorf("decode cached token: %w", err)
	}
	return tok, true, nil
}

func (s *Store) Save(ctx context.Context, tok tokens.CachedToken) error {
	ttl := tok.Expiry.Sub(s.now())
	if ttl <= 0 {
		return s.Clear(ctx)
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode cached token: %w", err)
	}
	if err := s.client.Set(ctx, s.key, b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
