// Package di wires the offline sync components together from a config.Config.
package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/goliatone/go-offline-sync/cache"
	"github.com/goliatone/go-offline-sync/config"
	"github.com/goliatone/go-offline-sync/connectivity"
	"github.com/goliatone/go-offline-sync/internal/cachestore"
	"github.com/goliatone/go-offline-sync/internal/sqlitedb"
	"github.com/goliatone/go-offline-sync/localstore"
	"github.com/goliatone/go-offline-sync/outbox"
	"github.com/goliatone/go-offline-sync/proxy"
	"github.com/goliatone/go-offline-sync/remote"
	"github.com/goliatone/go-offline-sync/syncer"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
)

// Container owns every component built from a config and their lifecycle.
type Container struct {
	cfg    config.Config
	logger *slog.Logger

	network      http.RoundTripper
	initialState connectivity.State

	db            *bun.DB
	redis         *redis.Client
	cacheService  cache.CacheService
	keySerializer cache.KeySerializer
	storage       cache.Storage
	store         *localstore.CachedStore
	queue         *outbox.BunQueue
	transport     *proxy.Transport
	httpClient    *http.Client
	api           *remote.Client
	reconciler    *syncer.Reconciler
	service       *syncer.Service
	monitor       *connectivity.Monitor
	prober        *connectivity.Prober
	worker        *proxy.Worker

	mu          sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	background  sync.WaitGroup
}

// Option configures a Container.
type Option func(*Container)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNetwork replaces the real network under the proxy transport.
func WithNetwork(rt http.RoundTripper) Option {
	return func(c *Container) {
		if rt != nil {
			c.network = rt
		}
	}
}

// WithInitialState sets the connectivity state before the first probe.
func WithInitialState(state connectivity.State) Option {
	return func(c *Container) {
		c.initialState = state
	}
}

// NewContainer opens the database, creates the schema and builds every component.
// Nothing runs in the background until Start.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("di: %w", err)
	}

	c := &Container{
		cfg:          cfg,
		logger:       slog.Default(),
		network:      http.DefaultTransport,
		initialState: connectivity.Online,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.build(ctx); err != nil {
		c.closeResources()
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context) error {
	db, err := sqlitedb.Open(ctx, c.cfg.StorePath)
	if err != nil {
		return err
	}
	c.db = db

	c.cacheService, err = cache.NewCacheService(c.cfg.HotCache())
	if err != nil {
		return fmt.Errorf("di: hot cache: %w", err)
	}
	c.keySerializer = cache.NewDefaultKeySerializer()

	if err := c.buildStorage(ctx); err != nil {
		return err
	}

	base := localstore.NewBunStore(db)
	c.store = localstore.NewCachedStore(base, c.cacheService, c.keySerializer)
	if err := c.store.Init(ctx, c.cfg.CollectionNames()...); err != nil {
		return fmt.Errorf("di: local store: %w", err)
	}

	c.queue = outbox.NewBunQueue(db)
	if err := c.queue.Init(ctx); err != nil {
		return fmt.Errorf("di: outbox: %w", err)
	}

	c.transport = proxy.NewTransport(c.network, proxy.Routes{
		DataPrefixes:     c.cfg.DataPaths,
		StaticPrefixes:   c.cfg.StaticPaths,
		StaticExtensions: c.cfg.StaticExtensions,
		BypassSegment:    c.cfg.BypassSegment,
		OfflineShell:     c.cfg.OfflineShell,
	}, proxy.WithTransportLogger(c.logger))
	c.httpClient = &http.Client{Transport: c.transport}

	c.api = remote.NewClient(c.cfg.APIBaseURL,
		remote.WithHTTPClient(c.httpClient),
		remote.WithIDField(c.cfg.IDField),
	)

	c.monitor = connectivity.NewMonitor(c.initialState, connectivity.WithLogger(c.logger))
	if c.cfg.ProbeURL != "" {
		c.prober = connectivity.NewProber(c.monitor, c.cfg.ProbeURL, c.cfg.ProbeInterval,
			connectivity.WithProbeClient(&http.Client{Transport: c.network}),
			connectivity.WithProbeLogger(c.logger),
		)
	}

	c.reconciler = syncer.NewReconciler(db, c.store, c.queue, c.api,
		syncer.WithLogger(c.logger),
		syncer.WithIDField(c.cfg.IDField),
	)
	c.service = syncer.NewService(db, c.store, c.queue, c.reconciler, c.api, c.monitor, c.cfg.Endpoints(),
		syncer.WithServiceLogger(c.logger),
		syncer.WithPayloadIDField(c.cfg.IDField),
	)

	c.worker = proxy.NewWorker(proxy.WorkerConfig{
		Version:      c.cfg.Version,
		StaticPrefix: c.cfg.StaticPrefix,
		DataPrefix:   c.cfg.DataPrefix,
		Origin:       c.cfg.Origin,
		Manifest:     c.cfg.Manifest,
		SyncTag:      c.cfg.SyncTag,
	}, c.storage, c.transport, c.network, proxy.DrainFunc(c.drain), proxy.WithWorkerLogger(c.logger))

	return nil
}

func (c *Container) buildStorage(ctx context.Context) error {
	var base cache.Storage
	if c.cfg.RedisAddr != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: c.cfg.RedisAddr})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("di: redis %s: %w", c.cfg.RedisAddr, err)
		}
		base = cachestore.NewRedisStorage(c.redis, c.cfg.RedisPrefix)
	} else {
		sql := cachestore.NewSQLStorage(c.db)
		if err := sql.Init(ctx); err != nil {
			return fmt.Errorf("di: cache storage: %w", err)
		}
		base = sql
	}
	c.storage = cachestore.NewCached(base, c.cacheService, c.keySerializer)
	return nil
}

func (c *Container) drain(ctx context.Context) error {
	report, err := c.reconciler.Drain(ctx)
	if err != nil {
		return err
	}
	if failed := report.Count(syncer.OutcomeFailed); failed > 0 {
		c.logger.Info("drain left actions queued", "failed", failed)
	}
	return nil
}

// Start installs and activates the cache version, begins watching connectivity
// and starts the prober when one is configured. An install failure is returned
// but leaves the container usable: requests pass through uncached.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("di: container already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.unsubscribe = c.monitor.Subscribe(func(from, to connectivity.State) {
		if from == connectivity.Offline && to == connectivity.Online {
			c.onReconnect(runCtx)
		}
	})
	c.mu.Unlock()

	if c.prober != nil {
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			c.prober.Run(runCtx)
		}()
	}

	if err := c.worker.Start(ctx); err != nil {
		c.logger.Error("cache version did not activate", "version", c.cfg.Version, "error", err)
		return err
	}
	return nil
}

func (c *Container) onReconnect(ctx context.Context) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if err := c.drain(ctx); err != nil {
			c.logger.Warn("drain after reconnect failed", "error", err)
		}
	}()
	if !c.worker.Sync(c.cfg.SyncTag) {
		c.logger.Debug("background sync already pending")
	}
}

// Close stops background work and releases the database and Redis client.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	if c.worker != nil {
		c.worker.Stop()
	}
	c.background.Wait()
	if c.monitor != nil {
		c.monitor.Close()
	}
	return c.closeResources()
}

func (c *Container) closeResources() error {
	var errs []error
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	return errors.Join(errs...)
}

// Config returns the configuration the container was built from.
func (c *Container) Config() config.Config {
	return c.cfg
}

// Service returns the optimistic write and read API.
func (c *Container) Service() *syncer.Service {
	return c.service
}

// Reconciler returns the outbox reconciler.
func (c *Container) Reconciler() *syncer.Reconciler {
	return c.reconciler
}

// Monitor returns the connectivity monitor. Hosts without a prober feed it directly.
func (c *Container) Monitor() *connectivity.Monitor {
	return c.monitor
}

// Worker returns the cache lifecycle worker.
func (c *Container) Worker() *proxy.Worker {
	return c.worker
}

// HTTPClient returns a client whose requests go through the caching proxy.
func (c *Container) HTTPClient() *http.Client {
	return c.httpClient
}

// Transport returns the caching proxy transport.
func (c *Container) Transport() *proxy.Transport {
	return c.transport
}

// Store returns the cached local record store.
func (c *Container) Store() localstore.Store {
	return c.store
}

// Queue returns the outbox queue.
func (c *Container) Queue() outbox.Queue {
	return c.queue
}

// Storage returns the cache generation storage.
func (c *Container) Storage() cache.Storage {
	return c.storage
}

// CacheService returns the shared in-memory hot layer.
func (c *Container) CacheService() cache.CacheService {
	return c.cacheService
}

// KeySerializer returns the shared hot layer key serializer.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}
