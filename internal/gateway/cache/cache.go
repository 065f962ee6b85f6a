package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

// Store is the key/value backend; *redis.Client satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Entry is a cached OpenAI-format response.
type Entry struct {
	Body      json.RawMessage `json:"body"`
	Model     string          `json:"model"`
	ChannelID int64           `json:"channel_id"`
}

type Cache struct {
	store Store
}

// New creates a new cache instance
func New(store Store) *Cache {
	return &Cache{store: store}
}

// volatileFields do not change the completion an upstream returns.
var volatileFields = []string{"stream", "stream_options"}

// cacheKey hashes the request body as the upstream would see it. The body is
// decoded and re-encoded so key order and whitespace do not matter; every
// field apart from the streaming flags takes part.
func cacheKey(group string, raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	for _, f := range volatileFields {
		delete(body, f)
	}
	canonical, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(group))
	h.Write([]byte{0})
	h.Write(canonical)
	return "cache:exact:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Get retrieves a cached response. A miss returns (nil, nil).
func (c *Cache) Get(ctx context.Context, group string, raw []byte) (*Entry, error) {
	key, err := cacheKey(group, raw)
	if err != nil {
		return nil, err
	}

	val, err := c.store.Get(ctx, key)
	if errors.Is(err, redis.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached response: %w", err)
	}
	return &entry, nil
}

// Set stores a response in cache
func (c *Cache) Set(ctx context.Context, group string, raw []byte, entry Entry, ttl time.Duration) error {
	key, err := cacheKey(group, raw)
	if err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}
	return c.store.Set(ctx, key, string(data), ttl)
}
