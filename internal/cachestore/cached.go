package cachestore

import (
	"context"

	"github.com/goliatone/go-offline-sync/cache"
)

// Interface assertion to ensure Cached implements cache.Storage
var _ cache.Storage = (*Cached)(nil)

// Cached decorates a Storage with an in-memory hot layer for Match.
// Durable storage stays authoritative: writes go to the base storage first and then
// invalidate the affected hot keys.
type Cached struct {
	base cache.Storage
	hot  cache.CacheService
	keys cache.KeySerializer
}

// NewCached wraps base with the hot layer.
func NewCached(base cache.Storage, hot cache.CacheService, keys cache.KeySerializer) *Cached {
	return &Cached{base: base, hot: hot, keys: keys}
}

// Open returns a hot-layer aware view of the named generation.
func (c *Cached) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := c.base.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &cachedGeneration{base: gen, owner: c}, nil
}

// Has delegates to the base storage.
func (c *Cached) Has(ctx context.Context, name string) (bool, error) {
	return c.base.Has(ctx, name)
}

// Names delegates to the base storage.
func (c *Cached) Names(ctx context.Context) ([]string, error) {
	return c.base.Names(ctx)
}

// Delete removes the generation and drops every hot entry that belongs to it.
func (c *Cached) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := c.base.Delete(ctx, name)
	if err != nil {
		return deleted, err
	}
	_ = c.hot.DeleteByPrefix(ctx, name+cache.KeySeparator)
	return deleted, nil
}

type cachedGeneration struct {
	base  cache.Generation
	owner *Cached
}

func (g *cachedGeneration) Name() string {
	return g.base.Name()
}

func (g *cachedGeneration) hotKey(key string) string {
	return g.owner.keys.SerializeKey(g.base.Name(), key)
}

func (g *cachedGeneration) Match(ctx context.Context, key string) (*cache.Entry, error) {
	entry, err := cache.GetOrFetch(ctx, g.owner.hot, g.hotKey(key), func(ctx context.Context) (*cache.Entry, error) {
		return g.base.Match(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	// hashed hot keys can collide, never serve an entry recorded for another request
	if entry == nil || entry.Key != key {
		return g.base.Match(ctx, key)
	}
	return entry, nil
}

func (g *cachedGeneration) Put(ctx context.Context, entry *cache.Entry) error {
	if err := g.base.Put(ctx, entry); err != nil {
		return err
	}
	return g.owner.hot.Delete(ctx, g.hotKey(entry.Key))
}

func (g *cachedGeneration) PutAll(ctx context.Context, entries []*cache.Entry) error {
	if err := g.base.PutAll(ctx, entries); err != nil {
		return err
	}
	for _, entry := range entries {
		_ = g.owner.hot.Delete(ctx, g.hotKey(entry.Key))
	}
	return nil
}

func (g *cachedGeneration) Keys(ctx context.Context) ([]string, error) {
	return g.base.Keys(ctx)
}
