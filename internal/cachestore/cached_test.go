package cachestore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goliatone/go-offline-sync/cache"
)

// countingStorage wraps a Storage and counts Match calls reaching it.
type countingStorage struct {
	cache.Storage
	mu      sync.Mutex
	matches map[string]int
}

func (c *countingStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := c.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingGeneration{Generation: gen, owner: c}, nil
}

func (c *countingStorage) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matches[key]
}

type countingGeneration struct {
	cache.Generation
	owner *countingStorage
}

func (g *countingGeneration) Match(ctx context.Context, key string) (*cache.Entry, error) {
	g.owner.mu.Lock()
	g.owner.matches[key]++
	g.owner.mu.Unlock()
	return g.Generation.Match(ctx, key)
}

func newCachedStorage(t *testing.T) (*Cached, *countingStorage) {
	t.Helper()

	hot, err := cache.NewCacheService(cache.DefaultConfig())
	if err != nil {
		t.Fatalf("hot layer: %v", err)
	}
	base := &countingStorage{Storage: newSQLStorage(t), matches: map[string]int{}}
	return NewCached(base, hot, cache.NewDefaultKeySerializer()), base
}

func TestCached_Contract(t *testing.T) {
	runStorageContract(t, func(t *testing.T) cache.Storage {
		s, _ := newCachedStorage(t)
		return s
	})
}

func TestCached_MatchServedFromMemory(t *testing.T) {
	s, base := newCachedStorage(t)
	ctx := context.Background()
	gen, _ := s.Open(ctx, "static-v1")
	gen.Put(ctx, &cache.Entry{Key: "k", Status: 200, Body: []byte("v1")})

	for i := 0; i < 3; i++ {
		if _, err := gen.Match(ctx, "k"); err != nil {
			t.Fatalf("match failed: %v", err)
		}
	}

	if got := base.count("k"); got != 1 {
		t.Errorf("expected one durable lookup, got %d", got)
	}
}

func TestCached_PutInvalidates(t *testing.T) {
	s, _ := newCachedStorage(t)
	ctx := context.Background()
	gen, _ := s.Open(ctx, "data-v1")

	gen.Put(ctx, &cache.Entry{Key: "k", Status: 200, Body: []byte("old")})
	gen.Match(ctx, "k")
	gen.Put(ctx, &cache.Entry{Key: "k", Status: 200, Body: []byte("new")})

	got, err := gen.Match(ctx, "k")
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if string(got.Body) != "new" {
		t.Errorf("expected fresh body after put, got %q", got.Body)
	}
}

func TestCached_MissesAreNotRemembered(t *testing.T) {
	s, _ := newCachedStorage(t)
	ctx := context.Background()
	gen, _ := s.Open(ctx, "data-v1")

	if _, err := gen.Match(ctx, "k"); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	gen.Put(ctx, &cache.Entry{Key: "k", Status: 200})

	if _, err := gen.Match(ctx, "k"); err != nil {
		t.Errorf("expected hit after put, got %v", err)
	}
}

func TestCached_DeleteDropsHotEntries(t *testing.T) {
	s, _ := newCachedStorage(t)
	ctx := context.Background()
	gen, _ := s.Open(ctx, "static-v1")
	gen.Put(ctx, &cache.Entry{Key: "k", Status: 200})
	gen.Match(ctx, "k")

	if _, err := s.Delete(ctx, "static-v1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := gen.Match(ctx, "k"); !errors.Is(err, cache.ErrMiss) {
		t.Errorf("expected miss after generation delete, got %v", err)
	}
}
