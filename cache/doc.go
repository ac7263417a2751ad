// Package cache defines the response cache contracts used by the interception proxy
// and the in-memory hot layer shared by the storage decorators.
//
// # Overview
//
// This package exports three groups of types:
//
//   - Entry, Storage and Generation: durable, named snapshots of HTTP responses
//   - CacheService and GetOrFetch: a read-through in-memory hot layer
//   - KeySerializer: builds stable hot layer keys from a namespace and arguments
//
// # Generations
//
// Responses are grouped in generations whose names carry a version string, for
// example "static-v3" and "data-v3". Entries inside a generation never expire; a
// new version builds a fresh generation and the old one is deleted as a whole when
// the new version activates:
//
//	gen, err := storage.Open(ctx, "static-v3")
//	err = gen.PutAll(ctx, shellEntries)
//	entry, err := gen.Match(ctx, "https://app.example.com/app.js")
//	if errors.Is(err, cache.ErrMiss) {
//		// genuine miss
//	}
//
// # Hot Layer
//
// The hot layer is a bounded in-memory cache in front of durable storage:
//
//	svc, err := cache.NewCacheService(cache.DefaultConfig())
//	rec, err := cache.GetOrFetch(ctx, svc, key, func(ctx context.Context) (*Record, error) {
//		return store.Get(ctx, "properties", "42")
//	})
//
// Hot layer entries may be evicted at any time, durable storage stays the source of
// truth. Writers must call Delete or DeleteByPrefix after mutating durable storage.
//
// # Key Serialization
//
// The default serializer joins the namespace and arguments with KeySeparator.
// Segments longer than 128 bytes are replaced by their xxhash digest, so callers
// that hash must verify the value they get back belongs to the requested key.
package cache
