package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-offline-sync/cache"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned by Start on a worker that was stopped.
var ErrStopped = errors.New("proxy: worker stopped")

// State is a worker lifecycle state.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return "redundant"
}

// Drainer runs an outbox drain.
type Drainer interface {
	Drain(ctx context.Context) error
}

// DrainFunc adapts a function to Drainer.
type DrainFunc func(ctx context.Context) error

func (f DrainFunc) Drain(ctx context.Context) error {
	return f(ctx)
}

// SyncMessage asks the worker to drain the outbox. Tag must match the worker's
// configured sync tag.
type SyncMessage struct {
	Tag string
}

// WorkerConfig names the cache version and its install manifest.
type WorkerConfig struct {
	// Version must change whenever the manifest changes.
	Version      string
	StaticPrefix string
	DataPrefix   string
	// Origin is the scheme and host the manifest paths are fetched from.
	Origin   string
	Manifest []string
	SyncTag  string
	// MailboxSize bounds pending messages; extra sync messages are coalesced.
	MailboxSize int
	// InstallConcurrency bounds parallel manifest fetches.
	InstallConcurrency int
}

// StaticGeneration returns the name of the static generation for this version.
func (c WorkerConfig) StaticGeneration() string {
	return c.StaticPrefix + c.Version
}

// DataGeneration returns the name of the data generation for this version.
func (c WorkerConfig) DataGeneration() string {
	return c.DataPrefix + c.Version
}

// Worker drives the install, activate and active lifecycle and handles background
// messages on its own goroutine.
type Worker struct {
	cfg       WorkerConfig
	storage   cache.Storage
	transport *Transport
	network   http.RoundTripper
	drainer   Drainer

	state       atomic.Int32
	listeners   *xsync.MapOf[uint64, func(from, to State)]
	nextID      atomic.Uint64
	transitions sync.Mutex

	mailbox  chan any
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once

	logger *slog.Logger
	tracer trace.Tracer
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the structured logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker creates a worker. network is used to fetch the manifest; it must not be
// the Transport itself.
func NewWorker(cfg WorkerConfig, storage cache.Storage, transport *Transport, network http.RoundTripper, drainer Drainer, opts ...WorkerOption) *Worker {
	if cfg.StaticPrefix == "" {
		cfg.StaticPrefix = "static-"
	}
	if cfg.DataPrefix == "" {
		cfg.DataPrefix = "data-"
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 16
	}
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = 8
	}
	if network == nil {
		network = http.DefaultTransport
	}

	w := &Worker{
		cfg:       cfg,
		storage:   storage,
		transport: transport,
		network:   network,
		drainer:   drainer,
		listeners: xsync.NewMapOf[uint64, func(from, to State)](),
		mailbox:   make(chan any, cfg.MailboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    slog.Default(),
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Subscribe registers fn for state changes. The returned function unsubscribes.
func (w *Worker) Subscribe(fn func(from, to State)) (cancel func()) {
	id := w.nextID.Add(1)
	w.listeners.Store(id, fn)
	return func() { w.listeners.Delete(id) }
}

func (w *Worker) setState(next State) {
	w.transitions.Lock()
	defer w.transitions.Unlock()

	prev := State(w.state.Swap(int32(next)))
	if prev == next {
		return
	}
	w.logger.Info("worker state changed", "version", w.cfg.Version, "from", prev.String(), "to", next.String())
	w.listeners.Range(func(_ uint64, fn func(from, to State)) bool {
		fn(prev, next)
		return true
	})
}

// Start installs and activates the configured version, then starts the mailbox
// loop. When install fails the worker becomes redundant and the transport keeps
// serving whatever it served before.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("proxy: worker already started")
	}
	select {
	case <-w.quit:
		return ErrStopped
	default:
	}

	if err := w.Install(ctx); err != nil {
		return err
	}
	if err := w.Activate(ctx); err != nil {
		w.setState(StateRedundant)
		return err
	}

	w.running.Store(true)
	go w.run(context.WithoutCancel(ctx))
	return nil
}

// Install fetches the manifest in parallel and stores it into the static generation
// with a single atomic write. A generation that is already installed is kept as is.
// A failed install removes the generation again, so a half built one is never left
// behind.
func (w *Worker) Install(ctx context.Context) (err error) {
	w.setState(StateInstalling)
	name := w.cfg.StaticGeneration()

	ctx, span := w.tracer.Start(ctx, "proxy.install", trace.WithAttributes(
		attribute.String("cache.generation", name),
		attribute.Int("cache.manifest_size", len(w.cfg.Manifest)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "install failed")
			w.setState(StateRedundant)
		}
		span.End()
	}()

	existed, err := w.storage.Has(ctx, name)
	if err != nil {
		return fmt.Errorf("proxy: install %s: %w", name, err)
	}
	if existed {
		if _, err := w.storage.Open(ctx, w.cfg.DataGeneration()); err != nil {
			return fmt.Errorf("proxy: install %s: %w", name, err)
		}
		w.logger.Info("cache version already installed", "version", w.cfg.Version)
		return nil
	}

	entries, err := w.fetchManifest(ctx)
	if err != nil {
		return fmt.Errorf("proxy: install %s: %w", name, err)
	}

	gen, err := w.storage.Open(ctx, name)
	if err == nil {
		err = gen.PutAll(ctx, entries)
	}
	if err == nil {
		_, err = w.storage.Open(ctx, w.cfg.DataGeneration())
	}
	if err != nil {
		if _, delErr := w.storage.Delete(ctx, name); delErr != nil {
			w.logger.Error("failed to remove partial generation", "generation", name, "error", delErr)
		}
		return fmt.Errorf("proxy: install %s: %w", name, err)
	}

	w.logger.Info("installed cache version", "version", w.cfg.Version, "entries", len(entries))
	return nil
}

func (w *Worker) fetchManifest(ctx context.Context) ([]*cache.Entry, error) {
	origin := strings.TrimRight(w.cfg.Origin, "/")
	entries := make([]*cache.Entry, len(w.cfg.Manifest))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.InstallConcurrency)
	for i, p := range w.cfg.Manifest {
		g.Go(func() error {
			entry, err := w.fetch(ctx, origin+"/"+strings.TrimLeft(p, "/"))
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (w *Worker) fetch(ctx context.Context, target string) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.network.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}
	return cache.NewEntry(cache.RequestKey(req), resp)
}

// Activate deletes every generation the current version does not name and claims
// the transport.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	staticName, dataName := w.cfg.StaticGeneration(), w.cfg.DataGeneration()

	ctx, span := w.tracer.Start(ctx, "proxy.activate")
	defer span.End()

	names, err := w.storage.Names(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("proxy: activate: %w", err)
	}
	for _, name := range names {
		if name == staticName || name == dataName {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			span.RecordError(err)
			return fmt.Errorf("proxy: activate: delete %s: %w", name, err)
		}
		w.logger.Info("deleted stale cache generation", "generation", name)
	}

	static, err := w.storage.Open(ctx, staticName)
	if err != nil {
		return fmt.Errorf("proxy: activate: %w", err)
	}
	data, err := w.storage.Open(ctx, dataName)
	if err != nil {
		return fmt.Errorf("proxy: activate: %w", err)
	}
	w.transport.Claim(static, data)

	w.setState(StateActive)
	return nil
}

// Post delivers a message to the mailbox without blocking. It reports false when the
// mailbox is full or the worker is stopped.
func (w *Worker) Post(msg any) bool {
	select {
	case <-w.quit:
		return false
	default:
	}
	select {
	case w.mailbox <- msg:
		return true
	default:
		return false
	}
}

// Sync posts a background sync message. A full mailbox already holds pending
// syncs, so the message is dropped.
func (w *Worker) Sync(tag string) bool {
	return w.Post(SyncMessage{Tag: tag})
}

// Stop ends the mailbox loop and marks the worker redundant.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		if w.running.Load() {
			<-w.done
		}
		w.setState(StateRedundant)
	})
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case msg := <-w.mailbox:
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg any) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker message handler panicked", "message", fmt.Sprintf("%T", msg), "panic", r)
		}
	}()

	switch m := msg.(type) {
	case SyncMessage:
		if m.Tag != w.cfg.SyncTag {
			w.logger.Debug("ignoring sync message", "tag", m.Tag)
			return
		}
		if w.drainer == nil {
			return
		}
		// no retry here: the next connectivity restore or explicit sync tries again
		if err := w.drainer.Drain(ctx); err != nil {
			w.logger.Warn("background sync failed", "tag", m.Tag, "error", err)
		}
	default:
		w.logger.Debug("ignoring unknown message", "type", fmt.Sprintf("%T", msg))
	}
}
