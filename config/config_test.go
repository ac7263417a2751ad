package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-offline-sync/internal/cacheinfra"
)

func validEnv() map[string]string {
	return map[string]string{
		"OFFLINE_ORIGIN":       "https://app.example.com",
		"OFFLINE_API_BASE_URL": "https://api.example.com/rest/v1",
		"OFFLINE_COLLECTIONS":  "properties=properties,tenants=tenants",
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(validEnv())
	if err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	def := Default()
	if cfg.Version != def.Version || cfg.SyncTag != "sync-outbox" || cfg.OfflineShell != "/index.html" {
		t.Errorf("expected defaults to be kept, got %+v", cfg)
	}
	if cfg.ProbeInterval != 15*time.Second {
		t.Errorf("expected default probe interval, got %v", cfg.ProbeInterval)
	}
	if len(cfg.Collections) != 2 || cfg.Collections["tenants"] != "tenants" {
		t.Errorf("unexpected collections %v", cfg.Collections)
	}
	if len(cfg.CollectionNames()) != 2 {
		t.Errorf("expected 2 collection names, got %v", cfg.CollectionNames())
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	environ := validEnv()
	environ["OFFLINE_VERSION"] = "v7"
	environ["OFFLINE_MANIFEST"] = "/,/index.html,/assets/app.js"
	environ["OFFLINE_DATA_PATHS"] = "/api/"
	environ["OFFLINE_PROBE_INTERVAL"] = "30s"
	environ["OFFLINE_CACHE_CAPACITY"] = "50"
	environ["OFFLINE_REDIS_ADDR"] = "localhost:6379"

	cfg, err := LoadFrom(environ)
	if err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	if cfg.Version != "v7" {
		t.Errorf("expected version v7, got %s", cfg.Version)
	}
	if len(cfg.Manifest) != 3 || cfg.Manifest[2] != "/assets/app.js" {
		t.Errorf("unexpected manifest %v", cfg.Manifest)
	}
	if len(cfg.DataPaths) != 1 {
		t.Errorf("unexpected data paths %v", cfg.DataPaths)
	}
	if cfg.ProbeInterval != 30*time.Second {
		t.Errorf("expected 30s probe interval, got %v", cfg.ProbeInterval)
	}
	if cfg.HotCache().Capacity != 50 {
		t.Errorf("expected hot cache capacity 50, got %d", cfg.HotCache().Capacity)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected redis addr, got %q", cfg.RedisAddr)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]string)
		want   string
	}{
		{name: "missing origin", mutate: func(e map[string]string) { delete(e, "OFFLINE_ORIGIN") }, want: "Origin"},
		{name: "missing collections", mutate: func(e map[string]string) { delete(e, "OFFLINE_COLLECTIONS") }, want: "Collections"},
		{name: "bad api url", mutate: func(e map[string]string) { e["OFFLINE_API_BASE_URL"] = "://missing-scheme" }, want: "APIBaseURL"},
		{name: "same generation prefixes", mutate: func(e map[string]string) { e["OFFLINE_DATA_GENERATION_PREFIX"] = "static-" }, want: "DataPrefix"},
		{name: "probe interval too short", mutate: func(e map[string]string) { e["OFFLINE_PROBE_INTERVAL"] = "10ms" }, want: "ProbeInterval"},
		{name: "bad duration", mutate: func(e map[string]string) { e["OFFLINE_CACHE_TTL"] = "forever" }, want: "parse env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			environ := validEnv()
			tt.mutate(environ)

			_, err := LoadFrom(environ)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFrom_InvalidHotCache(t *testing.T) {
	environ := validEnv()
	environ["OFFLINE_CACHE_EVICTION_PERCENTAGE"] = "0"

	_, err := LoadFrom(environ)
	var cfgErr *cacheinfra.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected hot cache ConfigError, got %v", err)
	}
	if cfgErr.Field != "EvictionPercentage" {
		t.Errorf("expected EvictionPercentage error, got %s", cfgErr.Field)
	}
}

func TestEndpointsReturnsCopy(t *testing.T) {
	cfg := Default()
	cfg.Collections = map[string]string{"properties": "properties"}

	endpoints := cfg.Endpoints()
	endpoints["properties"] = "changed"

	if cfg.Collections["properties"] != "properties" {
		t.Error("expected Endpoints to return a copy")
	}
}
