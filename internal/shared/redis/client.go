package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("redis: key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// RateDecision is the outcome of one fixed-window rate check.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// CheckRateLimit counts one request against a per-token fixed window. The
// increment and the expiry are sent in one transaction.
func (c *Client) CheckRateLimit(ctx context.Context, tokenID int64, limit int, window time.Duration) (RateDecision, error) {
	if window < time.Second {
		window = time.Minute
	}
	key := fmt.Sprintf("ratelimit:%d:%d", tokenID, time.Now().Unix()/int64(window.Seconds()))

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit: %w", err)
	}

	count := int(incr.Val())
	if count > limit {
		ttl, err := c.client.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			ttl = window
		}
		return RateDecision{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}
	return RateDecision{Allowed: true, Remaining: limit - count}, nil
}
