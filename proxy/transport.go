package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync/atomic"

	"github.com/goliatone/go-offline-sync/cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Strategy is how a request is handled.
type Strategy int

const (
	StrategyPassthrough Strategy = iota
	StrategyNetworkFirst
	StrategyCacheFirst
	StrategyNavigation
)

func (s Strategy) String() string {
	switch s {
	case StrategyNetworkFirst:
		return "network_first"
	case StrategyCacheFirst:
		return "cache_first"
	case StrategyNavigation:
		return "navigation"
	}
	return "passthrough"
}

// Routes drives request classification.
type Routes struct {
	// DataPrefixes are path prefixes served network-first, for example "/api/".
	DataPrefixes []string
	// StaticPrefixes are path prefixes served cache-first, for example "/assets/".
	StaticPrefixes []string
	// StaticExtensions are file extensions served cache-first, for example ".js".
	StaticExtensions []string
	// BypassSegment marks paths that are never intercepted, for example "/functions/v1/".
	BypassSegment string
	// OfflineShell is the path of the document served when a navigation fails.
	OfflineShell string
}

// generations is the pair a Transport serves from. It is swapped as a whole.
type generations struct {
	static cache.Generation
	data   cache.Generation
}

// Transport is an http.RoundTripper applying the caching strategies. Until a
// Worker claims it, every request passes through.
type Transport struct {
	next    http.RoundTripper
	routes  Routes
	gens    atomic.Pointer[generations]
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the structured logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport wraps next, the real network.
func NewTransport(next http.RoundTripper, routes Routes, opts ...TransportOption) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	t := &Transport{
		next:    next,
		routes:  routes,
		logger:  slog.Default(),
		tracer:  otel.Tracer(instrumentationName),
		metrics: defaultMetrics(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Claim makes the transport serve from the given generations. Requests already in
// flight finish against the pair they started with.
func (t *Transport) Claim(static, data cache.Generation) {
	t.gens.Store(&generations{static: static, data: data})
}

// Claimed returns the names of the generations being served, empty before Claim.
func (t *Transport) Claimed() (static, data string) {
	g := t.gens.Load()
	if g == nil {
		return "", ""
	}
	return g.static.Name(), g.data.Name()
}

// Classify returns the strategy for req.
func (t *Transport) Classify(req *http.Request) Strategy {
	if req.URL == nil || (req.URL.Scheme != "http" && req.URL.Scheme != "https") {
		return StrategyPassthrough
	}
	p := req.URL.Path
	if t.routes.BypassSegment != "" && strings.Contains(p, t.routes.BypassSegment) {
		return StrategyPassthrough
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return StrategyPassthrough
	}
	if hasAnyPrefix(p, t.routes.DataPrefixes) {
		return StrategyNetworkFirst
	}
	if hasAnyPrefix(p, t.routes.StaticPrefixes) || t.hasStaticExtension(p) {
		return StrategyCacheFirst
	}
	if isNavigation(req) {
		return StrategyNavigation
	}
	return StrategyPassthrough
}

func (t *Transport) hasStaticExtension(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range t.routes.StaticExtensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	gens := t.gens.Load()
	strategy := t.Classify(req)
	if gens == nil || strategy == StrategyPassthrough {
		return t.next.RoundTrip(req)
	}

	ctx, span := t.tracer.Start(req.Context(), "proxy."+strategy.String(),
		trace.WithAttributes(attribute.String("url.full", req.URL.String())),
	)
	defer span.End()

	var (
		resp   *http.Response
		result string
		err    error
	)
	switch strategy {
	case StrategyNetworkFirst:
		resp, result, err = t.networkFirst(ctx, req, gens.data)
	case StrategyCacheFirst:
		resp, result, err = t.cacheFirst(ctx, req, gens.static)
	case StrategyNavigation:
		resp, result, err = t.navigate(ctx, req, gens.static)
	}

	span.SetAttributes(attribute.String("proxy.result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	t.metrics.record(ctx, strategy, result)
	return resp, err
}

// networkFirst stores every 200 under the full URL and falls back to the stored
// response only when no response was received at all.
func (t *Transport) networkFirst(ctx context.Context, req *http.Request, data cache.Generation) (*http.Response, string, error) {
	key := cache.RequestKey(req)

	resp, err := t.next.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusOK {
		entry, readErr := cache.NewEntry(key, resp)
		if readErr == nil {
			t.store(ctx, data, entry)
			return resp, "network", nil
		}
		err = readErr
	} else if err == nil {
		return resp, "network", nil
	}

	entry, matchErr := data.Match(ctx, key)
	if matchErr != nil {
		if !errors.Is(matchErr, cache.ErrMiss) {
			t.logger.Warn("cache lookup failed", "generation", data.Name(), "key", key, "error", matchErr)
		}
		return nil, "miss", err
	}
	t.logger.Debug("serving cached response", "generation", data.Name(), "key", key, "cause", err)
	return fromCache(entry.Response(req)), "fallback", nil
}

// cacheFirst serves the stored response with an immutable lifetime, or fetches and
// stores it. A miss that also fails on the network is an error, never another entry.
func (t *Transport) cacheFirst(ctx context.Context, req *http.Request, static cache.Generation) (*http.Response, string, error) {
	key := cache.RequestKey(req)

	entry, err := static.Match(ctx, key)
	if err == nil {
		return fromCache(entry.WithImmutableLifetime().Response(req)), "hit", nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		t.logger.Warn("cache lookup failed", "generation", static.Name(), "key", key, "error", err)
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, "miss", err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, "network", nil
	}

	entry, err = cache.NewEntry(key, resp)
	if err != nil {
		return nil, "miss", err
	}
	entry = entry.WithImmutableLifetime()
	t.store(ctx, static, entry)
	resp.Header.Set("Cache-Control", cache.ImmutableCacheControl)
	return resp, "network", nil
}

// navigate tries the network and falls back to the offline shell of the request origin.
func (t *Transport) navigate(ctx context.Context, req *http.Request, static cache.Generation) (*http.Response, string, error) {
	resp, err := t.next.RoundTrip(req)
	if err == nil {
		return resp, "network", nil
	}
	if t.routes.OfflineShell == "" {
		return nil, "miss", err
	}

	shellKey := req.URL.Scheme + "://" + req.URL.Host + t.routes.OfflineShell
	entry, matchErr := static.Match(ctx, shellKey)
	if matchErr != nil {
		return nil, "miss", err
	}
	return fromCache(entry.Response(req)), "fallback", nil
}

func fromCache(resp *http.Response) *http.Response {
	resp.Header.Set(cache.SourceHeader, cache.SourceCache)
	return resp
}

// store writes an entry; failures are logged and the live response is still served.
func (t *Transport) store(ctx context.Context, gen cache.Generation, entry *cache.Entry) {
	if err := gen.Put(ctx, entry); err != nil {
		t.logger.Warn("cache write failed", "generation", gen.Name(), "key", entry.Key, "error", err)
	}
}
