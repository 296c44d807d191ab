// Package redis wraps the go-redis client with the small set of atomic
// operations the rest of the system relies on: conditional set (SET NX),
// owner-checked delete, and a sliding-window request counter. Everything
// here is a single round trip or a single script, never read-then-write.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb    *redis.Client
	config *Config
}

type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// deleteIfOwnerScript deletes a key only when it still holds the expected
// owner value. Returns 1 on delete, 0 when the key is absent or owned by
// someone else.
var deleteIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// extendIfOwnerScript refreshes a key's TTL only when it still holds the
// expected owner value. Returns 1 on extend, 0 when the key is absent or
// owned by someone else.
var extendIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// rateLimitScript implements a sliding-window counter that only records a
// request when it fits under the limit, so callers polling for budget do not
// consume budget while being denied.
// ARGV: windowStart, limit, nowScore, member, ttlMillis
var rateLimitScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "0", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
if count < tonumber(ARGV[2]) then
	redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
	redis.call("PEXPIRE", KEYS[1], ARGV[5])
	return {1, count}
end
return {0, count}
`)

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:    rdb,
		config: config,
	}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// GetGoRedisClient exposes the underlying go-redis client for libraries that
// need it directly (redsync pools).
func (c *Client) GetGoRedisClient() *redis.Client {
	return c.rdb
}

// SetIfAbsent atomically sets key to value with a TTL only if the key does
// not exist. Returns true when the key was set by this call.
func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return ok, nil
}

// GetValue returns the value at key and whether the key exists.
func (c *Client) GetValue(ctx context.Context, key string) (string, bool, error) {
	value, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, true, nil
}

// DeleteIfOwner deletes key only if its current value equals owner. Returns
// true when this call removed the key. A key acquired by a newer owner is
// left untouched.
func (c *Client) DeleteIfOwner(ctx context.Context, key, owner string) (bool, error) {
	deleted, err := deleteIfOwnerScript.Run(ctx, c.rdb, []string{key}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return deleted == 1, nil
}

// ExtendIfOwner resets key's TTL only if its current value equals owner.
// Returns true when the TTL was extended. A key that expired and was
// re-acquired by a newer owner is left untouched.
func (c *Client) ExtendIfOwner(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	extended, err := extendIfOwnerScript.Run(ctx, c.rdb, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend key %s: %w", key, err)
	}
	return extended == 1, nil
}

// CheckRateLimit counts a request against a sliding-window budget. Entries
// older than the window are dropped, and the request is recorded only when it
// fits under the limit. Returns whether the request was admitted and the
// count observed before it.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	now := time.Now()
	windowStart := now.Add(-window).UnixNano()

	// UnixNano member keeps concurrent entries distinct within the window
	result, err := rateLimitScript.Run(ctx, c.rdb, []string{key},
		windowStart, limit, now.UnixNano(), now.UnixNano(), (window * 2).Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to check rate limit: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit script result: %v", result)
	}

	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)

	return allowed == 1, int(count), nil
}
