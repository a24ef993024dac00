// Package kv provides the Redis-backed bill cache and job locks.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"votesync/api/internal/openstates"
)

const defaultPrefix = "votesync:"

// releaseLockScript deletes a lock key only while it still holds the caller's token.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore holds the keys shared between votesync processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
	}
}

func (s *RedisStore) key(namespace, name string) string {
	return s.prefix + namespace + ":" + name
}

// AcquireLock takes name for owner when nobody holds it. The lock expires
// after ttl so a crashed holder cannot block later runs forever.
func (s *RedisStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key("lock", name), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock drops name if owner still holds it.
func (s *RedisStore) ReleaseLock(ctx context.Context, name, owner string) error {
	if err := releaseLockScript.Run(ctx, s.client, []string{s.key("lock", name)}, owner).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// BillVotesCache returns an openstates.Cache whose entries live for ttl.
func (s *RedisStore) BillVotesCache(ttl time.Duration) *BillVotesCache {
	if ttl <= 0 {
		ttl = openstates.DefaultCacheTTL
	}
	return &BillVotesCache{store: s, ttl: ttl}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// BillVotesCache shares per-bill fetch results across processes.
type BillVotesCache struct {
	store *RedisStore
	ttl   time.Duration
}

func (c *BillVotesCache) Get(ctx context.Context, key string) (openstates.BillVotes, bool, error) {
	raw, err := c.store.client.Get(ctx, c.store.key("bill-votes", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return openstates.BillVotes{}, false, nil
	}
	if err != nil {
		return openstates.BillVotes{}, false, fmt.Errorf("read bill votes cache: %w", err)
	}

	var value openstates.BillVotes
	if err := json.Unmarshal(raw, &value); err != nil {
		return openstates.BillVotes{}, false, fmt.Errorf("decode bill votes cache: %w", err)
	}
	return value, true, nil
}

func (c *BillVotesCache) Set(ctx context.Context, key string, value openstates.BillVotes) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode bill votes cache: %w", err)
	}
	if err := c.store.client.Set(ctx, c.store.key("bill-votes", key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write bill votes cache: %w", err)
	}
	return nil
}
