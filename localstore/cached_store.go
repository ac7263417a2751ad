package localstore

import (
	"context"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-offline-sync/cache"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/uptrace/bun"
)

// Interface assertion to ensure CachedStore implements Store
var _ Store = (*CachedStore)(nil)

// CachedStore decorates a Store with a read-through hot layer. Reads by id, whole
// collection and index are cached; List with arbitrary criteria always reaches the
// base store. Every successful write drops the cached reads it could affect.
type CachedStore struct {
	base          Store
	cache         cache.CacheService
	keySerializer cache.KeySerializer
	keyRegistry   *xsync.MapOf[string, struct{}]
}

// NewCachedStore wraps base with the hot layer.
func NewCachedStore(base Store, cacheService cache.CacheService, keySerializer cache.KeySerializer) *CachedStore {
	return &CachedStore{
		base:          base,
		cache:         cacheService,
		keySerializer: keySerializer,
		keyRegistry:   xsync.NewMapOf[string, struct{}](),
	}
}

func (c *CachedStore) Init(ctx context.Context, collections ...string) error {
	return c.base.Init(ctx, collections...)
}

func (c *CachedStore) Collections() []string {
	return c.base.Collections()
}

// Get returns a copy of the cached record, loading it from the base store on a miss.
func (c *CachedStore) Get(ctx context.Context, collection, id string) (*Record, error) {
	key := c.keySerializer.SerializeKey("Get", collection, id)
	c.trackKey(key)
	record, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (*Record, error) {
		return c.base.Get(ctx, collection, id)
	})
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

func (c *CachedStore) GetAll(ctx context.Context, collection string) ([]*Record, error) {
	key := c.keySerializer.SerializeKey("GetAll", collection)
	c.trackKey(key)
	records, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) ([]*Record, error) {
		return c.base.GetAll(ctx, collection)
	})
	if err != nil {
		return nil, err
	}
	return cloneAll(records), nil
}

func (c *CachedStore) QueryByIndex(ctx context.Context, collection, index, value string) ([]*Record, error) {
	key := c.keySerializer.SerializeKey("Query", collection, index, value)
	c.trackKey(key)
	records, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) ([]*Record, error) {
		return c.base.QueryByIndex(ctx, collection, index, value)
	})
	if err != nil {
		return nil, err
	}
	return cloneAll(records), nil
}

// List passes through: criteria are functions and have no stable cache key.
func (c *CachedStore) List(ctx context.Context, collection string, criteria ...repository.SelectCriteria) ([]*Record, error) {
	return c.base.List(ctx, collection, criteria...)
}

func (c *CachedStore) Put(ctx context.Context, record *Record) error {
	err := c.base.Put(ctx, record)
	if err == nil {
		c.invalidateRecord(ctx, record.Collection, record.ID)
	}
	return err
}

// PutTx writes inside the caller's transaction. Cached reads are dropped right away,
// a rolled back transaction only costs a reload.
func (c *CachedStore) PutTx(ctx context.Context, tx bun.IDB, record *Record) error {
	err := c.base.PutTx(ctx, tx, record)
	if err == nil {
		c.invalidateRecord(ctx, record.Collection, record.ID)
	}
	return err
}

// GetTx never uses the hot layer, the transaction may hold uncommitted writes.
func (c *CachedStore) GetTx(ctx context.Context, tx bun.IDB, collection, id string) (*Record, error) {
	return c.base.GetTx(ctx, tx, collection, id)
}

func (c *CachedStore) Delete(ctx context.Context, collection, id string) error {
	err := c.base.Delete(ctx, collection, id)
	if err == nil {
		c.invalidateRecord(ctx, collection, id)
	}
	return err
}

func (c *CachedStore) DeleteTx(ctx context.Context, tx bun.IDB, collection, id string) error {
	err := c.base.DeleteTx(ctx, tx, collection, id)
	if err == nil {
		c.invalidateRecord(ctx, collection, id)
	}
	return err
}

func (c *CachedStore) Clear(ctx context.Context, collection string) error {
	err := c.base.Clear(ctx, collection)
	if err == nil {
		c.invalidateCollection(ctx, collection)
	}
	return err
}

// Invalidate drops every cached read of a collection. Callers that commit writes
// through a transaction obtained elsewhere call it after commit.
func (c *CachedStore) Invalidate(ctx context.Context, collection string) {
	c.invalidateCollection(ctx, collection)
}

// trackKey registers a cache key in the key registry for later invalidation
func (c *CachedStore) trackKey(key string) {
	c.keyRegistry.Store(key, struct{}{})
}

// invalidateByPrefix removes all tracked keys that start with the given prefix
func (c *CachedStore) invalidateByPrefix(ctx context.Context, prefix string) {
	var keysToDelete []string
	c.keyRegistry.Range(func(key string, _ struct{}) bool {
		if strings.HasPrefix(key, prefix) {
			keysToDelete = append(keysToDelete, key)
		}
		return true
	})

	for _, key := range keysToDelete {
		_ = c.cache.Delete(ctx, key)
		c.keyRegistry.Delete(key)
	}
}

func (c *CachedStore) invalidateKey(ctx context.Context, key string) {
	_ = c.cache.Delete(ctx, key)
	c.keyRegistry.Delete(key)
}

// invalidateRecord drops the record itself and every collection wide read.
func (c *CachedStore) invalidateRecord(ctx context.Context, collection, id string) {
	c.invalidateKey(ctx, c.keySerializer.SerializeKey("Get", collection, id))
	c.invalidateKey(ctx, c.keySerializer.SerializeKey("GetAll", collection))
	c.invalidateByPrefix(ctx, c.keySerializer.SerializeKey("Query", collection)+cache.KeySeparator)
}

func (c *CachedStore) invalidateCollection(ctx context.Context, collection string) {
	c.invalidateByPrefix(ctx, c.keySerializer.SerializeKey("Get", collection)+cache.KeySeparator)
	c.invalidateKey(ctx, c.keySerializer.SerializeKey("GetAll", collection))
	c.invalidateByPrefix(ctx, c.keySerializer.SerializeKey("Query", collection)+cache.KeySeparator)
}

func cloneAll(records []*Record) []*Record {
	out := make([]*Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
