// Package idempotency provides short-lived claims over webhook event ids so a
// redelivered event is processed at most once while the first delivery is
// still in flight. The store's insert-if-absent remains the durable guard.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "zapdesk:webhook:"

// Claimer grants a key to exactly one caller until it expires or is released.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Key builds the claim key for a provider event.
func Key(eventType, phone, providerID string) string {
	return keyPrefix + strings.ToLower(strings.TrimSpace(eventType)) + ":" +
		strings.TrimSpace(phone) + ":" + strings.TrimSpace(providerID)
}

// RedisClaimer claims with SET NX PX, so claims are shared across replicas.
type RedisClaimer struct {
	rdb *goredis.Client
	log *slog.Logger
}

// NewRedisClaimer connects and pings the server.
func NewRedisClaimer(ctx context.Context, log *slog.Logger, opts *goredis.Options) (*RedisClaimer, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts == nil || strings.TrimSpace(opts.Addr) == "" {
		return nil, fmt.Errorf("redis address required")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisClaimer{rdb: rdb, log: log.With(slog.String("service", "idempotency"))}, nil
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return ok, nil
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Ping reports whether the server is reachable.
func (c *RedisClaimer) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisClaimer) Close() error {
	return c.rdb.Close()
}

// LocalClaimer keeps claims in process memory. Expired entries are swept on
// every claim.
type LocalClaimer struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewLocalClaimer creates an empty claimer.
func NewLocalClaimer() *LocalClaimer {
	return &LocalClaimer{
		seen: make(map[string]time.Time),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (c *LocalClaimer) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return true, nil
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, expiresAt := range c.seen {
		if !expiresAt.After(now) {
			delete(c.seen, k)
		}
	}
	if _, ok := c.seen[key]; ok {
		return false, nil
	}
	c.seen[key] = now.Add(ttl)
	return true, nil
}

func (c *LocalClaimer) Release(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.seen, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of live claims.
func (c *LocalClaimer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
