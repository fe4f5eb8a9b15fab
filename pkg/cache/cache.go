package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// MappingCache holds source-id to target-id pairs per entity type.
// Only positive entries are cached; a miss means "ask the mapping store".
type MappingCache interface {
	Get(ctx context.Context, model string, sourceIDs []int) (map[int]int, error)
	Put(ctx context.Context, model string, pairs map[int]int) error
	Invalidate(ctx context.Context, model string) error
	Close() error
}

// New builds the cache selected by kind: "memory", "redis" or "none"
func New(kind string, size int, ttl time.Duration, redisHost string, redisPort int) (MappingCache, error) {
	switch kind {
	case "", "memory":
		return NewMemoryCache(size, ttl), nil
	case "redis":
		return NewRedisCache(redisHost, redisPort, ttl)
	case "none":
		return NopCache{}, nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s", kind)
	}
}

// MemoryCache implements an in-memory LRU cache with TTL
type MemoryCache struct {
	cache *lru.LRU[string, int]
	mu    sync.RWMutex
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 100000
	}
	return &MemoryCache{
		cache: lru.NewLRU[string, int](size, nil, ttl),
	}
}

func memoryKey(model string, id int) string {
	return model + ":" + strconv.Itoa(id)
}

// Get returns the cached pairs for the given source ids
func (m *MemoryCache) Get(ctx context.Context, model string, sourceIDs []int) (map[int]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make(map[int]int)
	for _, id := range sourceIDs {
		if target, ok := m.cache.Get(memoryKey(model, id)); ok {
			hits[id] = target
		}
	}
	return hits, nil
}

// Put stores pairs in the cache
func (m *MemoryCache) Put(ctx context.Context, model string, pairs map[int]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for src, dst := range pairs {
		m.cache.Add(memoryKey(model, src), dst)
	}
	return nil
}

// Invalidate drops every entry of an entity type
func (m *MemoryCache) Invalidate(ctx context.Context, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := model + ":"
	for _, key := range m.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.cache.Remove(key)
		}
	}
	return nil
}

// Len returns the number of cached pairs
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.Len()
}

// Close purges the cache
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Purge()
	return nil
}

// RedisCache keeps one hash per entity type, shared between runs and hosts
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(host string, port int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
	}, nil
}

func redisKey(model string) string {
	return "xmigrate:map:" + model
}

// Get returns the cached pairs for the given source ids
func (r *RedisCache) Get(ctx context.Context, model string, sourceIDs []int) (map[int]int, error) {
	hits := make(map[int]int)
	if len(sourceIDs) == 0 {
		return hits, nil
	}

	fields := make([]string, len(sourceIDs))
	for i, id := range sourceIDs {
		fields[i] = strconv.Itoa(id)
	}

	vals, err := r.client.HMGet(ctx, redisKey(model), fields...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		target, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		hits[sourceIDs[i]] = target
	}
	return hits, nil
}

// Put stores pairs in the entity type's hash
func (r *RedisCache) Put(ctx context.Context, model string, pairs map[int]int) error {
	if len(pairs) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(pairs)*2)
	for src, dst := range pairs {
		values = append(values, strconv.Itoa(src), strconv.Itoa(dst))
	}

	key := redisKey(model)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, values...)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Invalidate drops the entity type's hash
func (r *RedisCache) Invalidate(ctx context.Context, model string) error {
	return r.client.Del(ctx, redisKey(model)).Err()
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// NopCache disables caching
type NopCache struct{}

func (NopCache) Get(ctx context.Context, model string, sourceIDs []int) (map[int]int, error) {
	return map[int]int{}, nil
}

func (NopCache) Put(ctx context.Context, model string, pairs map[int]int) error { return nil }

func (NopCache) Invalidate(ctx context.Context, model string) error { return nil }

func (NopCache) Close() error { return nil }
