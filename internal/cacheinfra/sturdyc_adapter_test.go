package cacheinfra

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Capacity != 10000 {
		t.Errorf("expected Capacity to be 10000, got %d", cfg.Capacity)
	}
	if cfg.NumShards != 256 {
		t.Errorf("expected NumShards to be 256, got %d", cfg.NumShards)
	}
	if cfg.TTL != 5*time.Minute {
		t.Errorf("expected TTL to be 5 minutes, got %v", cfg.TTL)
	}
	if cfg.EvictionPercentage != 10 {
		t.Errorf("expected EvictionPercentage to be 10, got %d", cfg.EvictionPercentage)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to be valid, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()

	tests := []struct {
		name     string
		mutate   func(*Config)
		errField string
	}{
		{name: "valid default config", mutate: func(*Config) {}},
		{name: "zero capacity", mutate: func(c *Config) { c.Capacity = 0 }, errField: "Capacity"},
		{name: "zero shards", mutate: func(c *Config) { c.NumShards = 0 }, errField: "NumShards"},
		{name: "zero ttl", mutate: func(c *Config) { c.TTL = 0 }, errField: "TTL"},
		{name: "eviction percentage too low", mutate: func(c *Config) { c.EvictionPercentage = 0 }, errField: "EvictionPercentage"},
		{name: "eviction percentage too high", mutate: func(c *Config) { c.EvictionPercentage = 101 }, errField: "EvictionPercentage"},
		{name: "negative eviction interval", mutate: func(c *Config) { c.EvictionInterval = -time.Second }, errField: "EvictionInterval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.errField == "" {
				if err != nil {
					t.Errorf("expected no validation error but got: %v", err)
				}
				return
			}

			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.errField {
				t.Errorf("expected error on field %q, got %q", tt.errField, cfgErr.Field)
			}
		})
	}
}

func TestConfig_ToSturdycOptions(t *testing.T) {
	cfg := DefaultConfig()
	if got := len(cfg.ToSturdycOptions()); got != 0 {
		t.Errorf("expected no options for default config, got %d", got)
	}

	cfg.EvictionInterval = time.Second
	if got := len(cfg.ToSturdycOptions()); got != 1 {
		t.Errorf("expected 1 option with eviction interval, got %d", got)
	}
}

func TestConfigError_Error(t *testing.T) {
	err := &ConfigError{Field: "TestField", Message: "test message"}

	expected := "config error in field TestField: test message"
	if err.Error() != expected {
		t.Errorf("expected error message %q, got %q", expected, err.Error())
	}
}

func TestNewSturdycService_InvalidConfig(t *testing.T) {
	service, err := NewSturdycService(Config{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	if service != nil {
		t.Error("expected service to be nil when error occurs")
	}
	if !strings.Contains(err.Error(), "Capacity") {
		t.Errorf("expected capacity error, got %v", err)
	}
}

func newTestService(t *testing.T) *sturdycService {
	t.Helper()

	service, err := NewSturdycService(Config{
		Capacity:           100,
		NumShards:          2,
		TTL:                time.Minute,
		EvictionPercentage: 10,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestSturdycService_GetOrFetch(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	t.Run("miss then hit", func(t *testing.T) {
		var calls atomic.Int32
		fetchFn := func(ctx context.Context) (any, error) {
			calls.Add(1)
			return "value", nil
		}

		for i := 0; i < 3; i++ {
			result, err := service.GetOrFetch(ctx, "hit-key", fetchFn)
			if err != nil {
				t.Fatalf("expected no error but got: %v", err)
			}
			if result != "value" {
				t.Errorf("expected result %q, got %v", "value", result)
			}
		}

		if calls.Load() != 1 {
			t.Errorf("expected fetch to run once, ran %d times", calls.Load())
		}
	})

	t.Run("errors are not cached", func(t *testing.T) {
		fetchErr := errors.New("fetch failed")
		var calls atomic.Int32
		fetchFn := func(ctx context.Context) (any, error) {
			calls.Add(1)
			return nil, fetchErr
		}

		for i := 0; i < 2; i++ {
			if _, err := service.GetOrFetch(ctx, "error-key", fetchFn); !errors.Is(err, fetchErr) {
				t.Errorf("expected fetch error, got %v", err)
			}
		}

		if calls.Load() != 2 {
			t.Errorf("expected fetch to run on every miss, ran %d times", calls.Load())
		}
	})

	t.Run("nil fetch function", func(t *testing.T) {
		if _, err := service.GetOrFetch(ctx, "nil-key", nil); !errors.Is(err, errNilFetch) {
			t.Errorf("expected errNilFetch, got %v", err)
		}
	})
}

func TestSturdycService_Delete(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetchFn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return calls.Load(), nil
	}

	service.GetOrFetch(ctx, "key", fetchFn)
	if err := service.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	result, _ := service.GetOrFetch(ctx, "key", fetchFn)

	if result != int32(2) {
		t.Errorf("expected refetch after delete, got %v", result)
	}
}

func TestSturdycService_DeleteByPrefix(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	keys := []string{"static-v1::a", "static-v1::b", "data-v1::a"}
	for _, key := range keys {
		k := key
		service.GetOrFetch(ctx, k, func(ctx context.Context) (any, error) { return k, nil })
	}

	if err := service.DeleteByPrefix(ctx, "static-v1::"); err != nil {
		t.Fatalf("delete by prefix failed: %v", err)
	}

	if service.Size() != 1 {
		t.Errorf("expected 1 remaining entry, got %d", service.Size())
	}
}
