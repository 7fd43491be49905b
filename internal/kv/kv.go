// Package kv wraps the shared ephemeral store (Redis) used for cross-replica
// coordination: nonce reservation and the distributed rate-limit counter
// state. This is the only authoritative place for
// cross-replica state; everything else in the service is stateless.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store wraps a redis.Client with the small set of atomic operations the
// domain layer needs.
type Store struct {
	client *redis.Client
}

// Config configures the shared ephemeral store connection.
type Config struct {
	URL      string
	Password string
	DB       int
}

// New opens a connection to the shared ephemeral store.
func New(cfg Config) (*Store, error) {
	opts := &redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL == "" {
		return nil, errors.New("kv: url is required")
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kv: ping: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an already-constructed redis.Client, used by tests
// against miniredis or a real test instance.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// SetNX atomically reserves key with value "1" and the given TTL, returning
// true iff this call was the one that created the key (i.e. the reservation
// was not already held). This backs nonce reservation.
func (s *Store) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %s: %w", key, err)
	}
	return ok, nil
}

// IncrWithExpiry atomically increments a fixed-window counter and arms its
// expiry only when the window was just opened (count==1), so an existing
// window's remaining TTL is never extended by later calls. This is the
// counter primitive the distributed fixed-window limiter in
// internal/ratelimit is built from.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	script := redis.NewScript(`
		local count = redis.call("INCR", KEYS[1])
		if count == 1 then
			redis.call("PEXPIRE", KEYS[1], ARGV[1])
		end
		return count
	`)
	count, err := script.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("kv: incr %s: %w", key, err)
	}
	return count, nil
}

// Get returns the raw string value stored at key, or ("", false) if absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return val, true, nil
}

// Del removes a key.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: del %s: %w", key, err)
	}
	return nil
}
