package ai

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheEntries = 1024
	defaultCacheTTL     = 24 * time.Hour
)

// Translation is a cached poll translation.
type Translation struct {
	Question string   `json:"question"`
	Answers  []string `json:"answers"`
}

// TranslationCache stores translations keyed by poll revision and target language.
type TranslationCache interface {
	Get(ctx context.Context, key string) (Translation, bool, error)
	Set(ctx context.Context, key string, translation Translation) error
}

// LRUCache keeps translations in process memory.
type LRUCache struct {
	entries *expirable.LRU[string, Translation]
}

// NewLRUCache constructs an in-process cache bounded by size and ttl.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = defaultCacheEntries
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &LRUCache{entries: expirable.NewLRU[string, Translation](size, nil, ttl)}
}

func (c *LRUCache) Get(_ context.Context, key string) (Translation, bool, error) {
	translation, ok := c.entries.Get(key)
	return translation, ok, nil
}

func (c *LRUCache) Set(_ context.Context, key string, translation Translation) error {
	c.entries.Add(key, translation)
	return nil
}

// RedisCache shares translations between API instances.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache constructs a cache backed by the given client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Translation, bool, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Translation{}, false, nil
	}
	if err != nil {
		return Translation{}, false, err
	}
	var translation Translation
	if err := json.Unmarshal(payload, &translation); err != nil {
		return Translation{}, false, err
	}
	return translation, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, translation Translation) error {
	payload, err := json.Marshal(translation)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, c.ttl).Err()
}
