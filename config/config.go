// Package config loads the offline sync settings from the environment.
//
// Every variable carries the OFFLINE_ prefix, for example OFFLINE_VERSION=v4 or
// OFFLINE_COLLECTIONS=properties=properties,tenants=tenants. Unset variables keep
// the values from Default.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/goliatone/go-offline-sync/cache"
)

// Prefix is prepended to every environment variable name.
const Prefix = "OFFLINE_"

// Config holds the settings for the proxy, the local store and the sync loop.
type Config struct {
	// Version names the cache generations. Change it whenever Manifest changes.
	Version      string `env:"VERSION"`
	StaticPrefix string `env:"STATIC_GENERATION_PREFIX"`
	DataPrefix   string `env:"DATA_GENERATION_PREFIX"`

	// Origin is the scheme and host the app shell is served from.
	Origin   string   `env:"ORIGIN"`
	Manifest []string `env:"MANIFEST" envSeparator:","`

	DataPaths        []string `env:"DATA_PATHS" envSeparator:","`
	StaticPaths      []string `env:"STATIC_PATHS" envSeparator:","`
	StaticExtensions []string `env:"STATIC_EXTENSIONS" envSeparator:","`
	BypassSegment    string   `env:"BYPASS_SEGMENT"`
	OfflineShell     string   `env:"OFFLINE_SHELL"`

	APIBaseURL string `env:"API_BASE_URL"`
	// Collections maps a local collection name to its remote endpoint.
	Collections map[string]string `env:"COLLECTIONS" envSeparator:"," envKeyValSeparator:"="`
	IDField     string            `env:"ID_FIELD"`

	StorePath string `env:"STORE_PATH"`
	SyncTag   string `env:"SYNC_TAG"`

	// ProbeURL enables the connectivity prober when set.
	ProbeURL      string        `env:"PROBE_URL"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL"`

	// RedisAddr selects the Redis cache storage instead of SQLite when set.
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisPrefix string `env:"REDIS_PREFIX"`

	CacheCapacity           int           `env:"CACHE_CAPACITY"`
	CacheShards             int           `env:"CACHE_SHARDS"`
	CacheTTL                time.Duration `env:"CACHE_TTL"`
	CacheEvictionPercentage int           `env:"CACHE_EVICTION_PERCENTAGE"`
}

// Default returns the configuration used when nothing is set in the environment.
func Default() Config {
	hot := cache.DefaultConfig()
	return Config{
		Version:                 "v1",
		StaticPrefix:            "static-",
		DataPrefix:              "data-",
		Manifest:                []string{"/", "/index.html"},
		DataPaths:               []string{"/api/", "/rest/v1/"},
		StaticPaths:             []string{"/assets/"},
		StaticExtensions:        []string{".js", ".css", ".png", ".jpg", ".jpeg", ".svg", ".webp", ".ico", ".woff", ".woff2"},
		BypassSegment:           "/functions/v1/",
		OfflineShell:            "/index.html",
		Collections:             map[string]string{},
		IDField:                 "id",
		StorePath:               "offline.db",
		SyncTag:                 "sync-outbox",
		ProbeInterval:           15 * time.Second,
		RedisPrefix:             "offline:cache:",
		CacheCapacity:           hot.Capacity,
		CacheShards:             hot.NumShards,
		CacheTTL:                hot.TTL,
		CacheEvictionPercentage: hot.EvictionPercentage,
	}
}

// Load reads the process environment on top of Default and validates the result.
func Load() (Config, error) {
	return load(env.Options{Prefix: Prefix})
}

// LoadFrom is Load over an explicit set of variables, keyed with the prefix.
func LoadFrom(environ map[string]string) (Config, error) {
	return load(env.Options{Prefix: Prefix, Environment: environ})
}

func load(opts env.Options) (Config, error) {
	cfg := Default()
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Version, validation.Required),
		validation.Field(&c.StaticPrefix, validation.Required),
		validation.Field(&c.DataPrefix, validation.Required, validation.NotIn(c.StaticPrefix)),
		validation.Field(&c.Origin, validation.Required, is.URL),
		validation.Field(&c.APIBaseURL, validation.Required, is.URL),
		validation.Field(&c.Collections, validation.Required),
		validation.Field(&c.IDField, validation.Required),
		validation.Field(&c.StorePath, validation.Required),
		validation.Field(&c.SyncTag, validation.Required),
		validation.Field(&c.ProbeURL, is.URL),
		validation.Field(&c.ProbeInterval, validation.Min(time.Second)),
	)
	if err != nil {
		return err
	}
	return c.HotCache().Validate()
}

// HotCache returns the in-memory hot layer settings.
func (c Config) HotCache() cache.Config {
	hot := cache.DefaultConfig()
	hot.Capacity = c.CacheCapacity
	hot.NumShards = c.CacheShards
	hot.TTL = c.CacheTTL
	hot.EvictionPercentage = c.CacheEvictionPercentage
	return hot
}

// Endpoints returns a copy of the collection to endpoint map.
func (c Config) Endpoints() map[string]string {
	out := make(map[string]string, len(c.Collections))
	for k, v := range c.Collections {
		out[k] = v
	}
	return out
}

// CollectionNames returns the configured collection names.
func (c Config) CollectionNames() []string {
	names := make([]string, 0, len(c.Collections))
	for name := range c.Collections {
		names = append(names, name)
	}
	return names
}
