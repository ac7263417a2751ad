package cachestore

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/goliatone/go-offline-sync/cache"
)

// runStorageContract exercises the behaviour every cache.Storage backend must share.
func runStorageContract(t *testing.T, newStorage func(t *testing.T) cache.Storage) {
	t.Run("open creates generation", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		if _, err := s.Open(ctx, "static-v1"); err != nil {
			t.Fatalf("open failed: %v", err)
		}
		ok, err := s.Has(ctx, "static-v1")
		if err != nil || !ok {
			t.Fatalf("expected generation to exist, got %v %v", ok, err)
		}
	})

	t.Run("empty name rejected", func(t *testing.T) {
		s := newStorage(t)
		if _, err := s.Open(context.Background(), ""); !errors.Is(err, cache.ErrInvalidGeneration) {
			t.Errorf("expected ErrInvalidGeneration, got %v", err)
		}
	})

	t.Run("put then match exact key", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		gen, _ := s.Open(ctx, "data-v1")

		entry := &cache.Entry{
			Key:    "https://app.example.com/api/properties",
			Status: 200,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   []byte(`[{"id":"1"}]`),
		}
		if err := gen.Put(ctx, entry); err != nil {
			t.Fatalf("put failed: %v", err)
		}

		got, err := gen.Match(ctx, entry.Key)
		if err != nil {
			t.Fatalf("match failed: %v", err)
		}
		if got.Status != 200 || string(got.Body) != `[{"id":"1"}]` {
			t.Errorf("unexpected entry %+v", got)
		}
		if got.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected header roundtrip, got %v", got.Header)
		}
		if got.StoredAt.IsZero() {
			t.Error("expected StoredAt to be set")
		}

		if _, err := gen.Match(ctx, entry.Key+"?page=2"); !errors.Is(err, cache.ErrMiss) {
			t.Errorf("expected ErrMiss for a different key, got %v", err)
		}
	})

	t.Run("put overwrites existing key", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		gen, _ := s.Open(ctx, "data-v1")

		gen.Put(ctx, &cache.Entry{Key: "k", Status: 200, Body: []byte("old")})
		gen.Put(ctx, &cache.Entry{Key: "k", Status: 200, Body: []byte("new")})

		got, err := gen.Match(ctx, "k")
		if err != nil {
			t.Fatalf("match failed: %v", err)
		}
		if string(got.Body) != "new" {
			t.Errorf("expected latest body, got %q", got.Body)
		}
	})

	t.Run("generations are isolated", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		static, _ := s.Open(ctx, "static-v1")
		data, _ := s.Open(ctx, "data-v1")

		static.Put(ctx, &cache.Entry{Key: "k", Status: 200})

		if _, err := data.Match(ctx, "k"); !errors.Is(err, cache.ErrMiss) {
			t.Errorf("expected ErrMiss in other generation, got %v", err)
		}
	})

	t.Run("put all and keys", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		gen, _ := s.Open(ctx, "static-v2")

		err := gen.PutAll(ctx, []*cache.Entry{
			{Key: "b", Status: 200},
			{Key: "a", Status: 200},
		})
		if err != nil {
			t.Fatalf("put all failed: %v", err)
		}

		keys, err := gen.Keys(ctx)
		if err != nil {
			t.Fatalf("keys failed: %v", err)
		}
		if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
			t.Errorf("expected [a b], got %v", keys)
		}
	})

	t.Run("delete purges generation", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		gen, _ := s.Open(ctx, "static-v1")
		gen.Put(ctx, &cache.Entry{Key: "k", Status: 200})
		s.Open(ctx, "static-v2")

		deleted, err := s.Delete(ctx, "static-v1")
		if err != nil || !deleted {
			t.Fatalf("expected delete, got %v %v", deleted, err)
		}

		names, _ := s.Names(ctx)
		if len(names) != 1 || names[0] != "static-v2" {
			t.Errorf("expected only static-v2, got %v", names)
		}

		if _, err := gen.Match(ctx, "k"); !errors.Is(err, cache.ErrMiss) {
			t.Errorf("expected entries to be purged, got %v", err)
		}

		deleted, err = s.Delete(ctx, "static-v1")
		if err != nil || deleted {
			t.Errorf("expected second delete to be a no-op, got %v %v", deleted, err)
		}
	})

	t.Run("writes never resurrect a deleted generation", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		gen, _ := s.Open(ctx, "data-v1")
		s.Delete(ctx, "data-v1")

		err := gen.Put(ctx, &cache.Entry{Key: "k", Status: 200})
		if !errors.Is(err, ErrGenerationDeleted) {
			t.Errorf("expected ErrGenerationDeleted, got %v", err)
		}
		if ok, _ := s.Has(ctx, "data-v1"); ok {
			t.Error("expected generation to stay deleted")
		}
	})
}
