package fencing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// EpochStore holds the last committed epoch per resource. Advance is a
// compare-and-advance: it only ever raises the stored value.
type EpochStore interface {
	Last(ctx context.Context, resourceKey string) (uint64, error)
	// Advance stores epoch if it is strictly greater than the current
	// value. It reports whether it did and the value now stored.
	Advance(ctx context.Context, resourceKey string, epoch uint64) (bool, uint64, error)
}

// MemoryStore is a process-local EpochStore.
type MemoryStore struct {
	mu     sync.Mutex
	epochs map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{epochs: make(map[string]uint64)}
}

func (m *MemoryStore) Last(_ context.Context, resourceKey string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochs[resourceKey], nil
}

func (m *MemoryStore) Advance(_ context.Context, resourceKey string, epoch uint64) (bool, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.epochs[resourceKey]
	if epoch <= cur {
		return false, cur, nil
	}
	m.epochs[resourceKey] = epoch
	return true, epoch, nil
}

// redisAdvanceScript raises the stored epoch atomically.
// KEYS[1] = epoch key (e.g. "fencing:dns/api")
// ARGV[1] = proposed epoch
var redisAdvanceScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local proposed = tonumber(ARGV[1])
if proposed > current then
    redis.call("SET", KEYS[1], ARGV[1])
    return {1, proposed}
end
return {0, current}
`)

// RedisStore shares last committed epochs between coordinator instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return NewRedisStoreFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "fencing:"}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Last(ctx context.Context, resourceKey string) (uint64, error) {
	v, err := s.client.Get(ctx, s.prefix+resourceKey).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis epoch read: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Advance(ctx context.Context, resourceKey string, epoch uint64) (bool, uint64, error) {
	res, err := redisAdvanceScript.Run(ctx, s.client, []string{s.prefix + resourceKey}, epoch).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis epoch advance: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("invalid response from lua script")
	}
	advanced, _ := results[0].(int64)
	current, _ := results[1].(int64)
	return advanced == 1, uint64(current), nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
