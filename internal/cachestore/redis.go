package cachestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goliatone/go-offline-sync/cache"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultRedisPrefix namespaces every key written by RedisStorage.
const DefaultRedisPrefix = "offline:cache:"

// Interface assertion to ensure RedisStorage implements cache.Storage
var _ cache.Storage = (*RedisStorage)(nil)

// RedisStorage keeps response generations in Redis: one set listing generation
// names and one hash per generation mapping request keys to msgpack encoded entries.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage creates a Redis backed storage. An empty prefix uses DefaultRedisPrefix.
func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) generationsKey() string {
	return s.prefix + "generations"
}

func (s *RedisStorage) generationKey(name string) string {
	return s.prefix + "gen:" + name
}

// Open returns the named generation, registering it when missing.
func (s *RedisStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	if name == "" {
		return nil, cache.ErrInvalidGeneration
	}
	if err := s.client.SAdd(ctx, s.generationsKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("cachestore: open generation %s: %w", name, err)
	}
	return &redisGeneration{storage: s, name: name}, nil
}

// Has reports whether the generation is registered.
func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.client.SIsMember(ctx, s.generationsKey(), name).Result()
}

// Names lists registered generations sorted by name.
func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.generationsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: list generations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the generation hash and its registration atomically.
func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.generationKey(name))
		removed = pipe.SRem(ctx, s.generationsKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cachestore: delete generation %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

type redisGeneration struct {
	storage *RedisStorage
	name    string
}

func (g *redisGeneration) Name() string {
	return g.name
}

func (g *redisGeneration) Match(ctx context.Context, key string) (*cache.Entry, error) {
	data, err := g.storage.client.HGet(ctx, g.storage.generationKey(g.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cachestore: match %s: %w", key, err)
	}

	var entry cache.Entry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("cachestore: decode %s: %w", key, err)
	}
	return &entry, nil
}

func (g *redisGeneration) Put(ctx context.Context, entry *cache.Entry) error {
	return g.PutAll(ctx, []*cache.Entry{entry})
}

func (g *redisGeneration) PutAll(ctx context.Context, entries []*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	values := make([]any, 0, len(entries)*2)
	for _, entry := range entries {
		stored := *entry
		if stored.StoredAt.IsZero() {
			stored.StoredAt = time.Now().UTC()
		}
		data, err := msgpack.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("cachestore: encode %s: %w", entry.Key, err)
		}
		values = append(values, entry.Key, data)
	}

	s := g.storage
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		member, err := tx.SIsMember(ctx, s.generationsKey(), g.name).Result()
		if err != nil {
			return err
		}
		if !member {
			return ErrGenerationDeleted
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.generationKey(g.name), values...)
			return nil
		})
		return err
	}, s.generationsKey())
}

func (g *redisGeneration) Keys(ctx context.Context) ([]string, error) {
	keys, err := g.storage.client.HKeys(ctx, g.storage.generationKey(g.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: keys %s: %w", g.name, err)
	}
	sort.Strings(keys)
	return keys, nil
}
