// Package localstore keeps the durable local mirror of mutable entities.
//
// Records are grouped in collections ("properties", "favorites", ...) that must be
// registered with Init before use. Each record carries an opaque JSON payload and a
// sync state:
//
//	store := localstore.NewBunStore(db)
//	err := store.Init(ctx, "properties")
//	err = store.Put(ctx, &localstore.Record{
//		Collection: "properties",
//		ID:         "local_6f1c...",
//		Payload:    json.RawMessage(`{"title":"Loft"}`),
//		SyncState:  localstore.SyncStatePending,
//	})
//	pending, err := store.QueryByIndex(ctx, "properties", localstore.IndexSyncState, "pending")
//
// Concurrent writes to the same record resolve last writer wins at the storage layer.
// Callers that need ordering between two writes on the same id must await the first.
//
// CachedStore wraps any Store with the in-memory hot layer from package cache. Reads
// are served from memory; every successful write invalidates the affected keys so a
// read following a write always observes it.
package localstore
