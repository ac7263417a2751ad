package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// DefaultProbeInterval is used when a Prober is created without an interval.
const DefaultProbeInterval = 15 * time.Second

// Prober checks reachability of a URL on an interval and feeds a Monitor.
// Any HTTP answer counts as online; only a transport failure means offline.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeClient sets the HTTP client used for probes.
func WithProbeClient(c *http.Client) ProberOption {
	return func(p *Prober) {
		if c != nil {
			p.client = c
		}
	}
}

// WithProbeLogger sets the structured logger.
func WithProbeLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProber creates a prober for url.
func NewProber(monitor *Monitor, url string, interval time.Duration, opts ...ProberOption) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	p := &Prober{
		monitor:  monitor,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe runs a single check and updates the monitor. It returns the observed state.
func (p *Prober) Probe(ctx context.Context) State {
	state := Offline
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, doErr := p.client.Do(req)
		if doErr == nil {
			resp.Body.Close()
			state = Online
		} else {
			p.logger.Debug("probe failed", "url", p.url, "error", doErr)
		}
	}
	if ctx.Err() != nil {
		return p.monitor.State()
	}
	p.monitor.Set(state)
	return state
}

// Run probes immediately and then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
