// Package connectivity holds the process wide online/offline state.
//
// A Monitor is a single observable cell: Set publishes to subscribers only when the
// state actually changes. A Prober is the one place that polls the network and feeds
// the Monitor; everything else subscribes.
package connectivity

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// State is the connectivity state.
type State int32

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Listener is called on every transition, from the goroutine that called Set.
type Listener func(from, to State)

// Monitor tracks the connectivity state and notifies listeners on transitions.
type Monitor struct {
	state     atomic.Int32
	mu        sync.Mutex
	listeners *xsync.MapOf[uint64, Listener]
	nextID    atomic.Uint64
	closed    atomic.Bool
	logger    *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor creates a monitor starting in the given state.
func NewMonitor(initial State, opts ...Option) *Monitor {
	m := &Monitor{
		listeners: xsync.NewMapOf[uint64, Listener](),
		logger:    slog.Default(),
	}
	m.state.Store(int32(initial))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Online reports whether the current state is Online.
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// Set records a new state and notifies listeners when it differs from the current
// one. It reports whether a transition happened. Set after Close is ignored.
func (m *Monitor) Set(next State) bool {
	if m.closed.Load() {
		return false
	}

	// serializes transitions so listeners observe them in order
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := State(m.state.Swap(int32(next)))
	if prev == next {
		return false
	}

	m.logger.Info("connectivity changed", "from", prev.String(), "to", next.String())
	m.listeners.Range(func(_ uint64, fn Listener) bool {
		m.notify(fn, prev, next)
		return true
	})
	return true
}

func (m *Monitor) notify(fn Listener, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity listener panicked", "panic", r)
		}
	}()
	fn(from, to)
}

// Subscribe registers fn for transitions. The returned function unsubscribes.
func (m *Monitor) Subscribe(fn Listener) (cancel func()) {
	id := m.nextID.Add(1)
	m.listeners.Store(id, fn)
	return func() {
		m.listeners.Delete(id)
	}
}

// Close drops every listener and stops accepting transitions.
func (m *Monitor) Close() {
	m.closed.Store(true)
	m.listeners.Clear()
}
