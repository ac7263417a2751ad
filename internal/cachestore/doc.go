// Package cachestore implements cache.Storage backends for response generations:
// a SQLite backend built on bun, a Redis backend, and a hot layer decorator that
// keeps recently matched entries in memory.
package cachestore

import "errors"

// ErrGenerationDeleted is returned by Put/PutAll when the generation was deleted
// after it was opened. Writes never resurrect a purged generation.
var ErrGenerationDeleted = errors.New("cachestore: generation has been deleted")
