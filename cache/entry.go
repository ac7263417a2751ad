package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sentinel errors for generation storage.
var (
	// ErrMiss is returned by Generation.Match when no entry is stored for the key.
	ErrMiss = errors.New("cache: no entry for key")

	// ErrInvalidGeneration is returned when a generation name is empty.
	ErrInvalidGeneration = errors.New("cache: generation name is required")
)

// ImmutableCacheControl is the Cache-Control value asserted on cache-first responses.
const ImmutableCacheControl = "public, max-age=31536000, immutable"

// SourceHeader marks responses rebuilt from a stored entry instead of the network.
// Its value is SourceCache.
const (
	SourceHeader = "X-Offline-Source"
	SourceCache  = "cache"
)

// Entry is a stored response keyed by request. Entries never expire on their own,
// they disappear only when their generation is deleted.
type Entry struct {
	Key      string      `msgpack:"key"`
	Status   int         `msgpack:"status"`
	Header   http.Header `msgpack:"header"`
	Body     []byte      `msgpack:"body"`
	StoredAt time.Time   `msgpack:"stored_at"`
}

// Storage holds named cache generations.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Open creates the generation when it does not exist yet.
// - Delete reports whether a generation was removed; deleting a missing generation is not an error.
type Storage interface {
	Open(ctx context.Context, name string) (Generation, error)
	Has(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// Generation is a single named snapshot of cached responses.
type Generation interface {
	Name() string
	Match(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []*Entry) error
	Keys(ctx context.Context) ([]string, error)
}

// RequestKey returns the storage key for a request: its full URL.
func RequestKey(req *http.Request) string {
	return req.URL.String()
}

// NewEntry clones a live response into an Entry. The response body is consumed and
// replaced with an in-memory copy so the caller can still read it.
func NewEntry(key string, resp *http.Response) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = data
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return &Entry{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Response rebuilds an *http.Response from the stored entry. Every call returns an
// independent body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// FromCache reports whether resp was served from a stored entry.
func FromCache(resp *http.Response) bool {
	return resp != nil && resp.Header.Get(SourceHeader) == SourceCache
}

// WithImmutableLifetime returns a copy of the entry whose headers assert a one year,
// immutable cache lifetime.
func (e *Entry) WithImmutableLifetime() *Entry {
	clone := *e
	clone.Header = e.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	clone.Header.Set("Cache-Control", ImmutableCacheControl)
	return &clone
}
