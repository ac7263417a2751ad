package testsupport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
)

// ErrOffline is the transport error returned by Network while it is switched off.
var ErrOffline = errors.New("testsupport: network is offline")

// Network is an in-process http.RoundTripper that serves requests from a handler
// and can be switched offline to simulate connectivity loss.
type Network struct {
	handler http.Handler
	offline atomic.Bool

	mu       sync.Mutex
	requests []string
}

// NewNetwork creates a Network serving requests from handler.
func NewNetwork(handler http.Handler) *Network {
	return &Network{handler: handler}
}

// SetOffline switches the network on or off.
func (n *Network) SetOffline(offline bool) {
	n.offline.Store(offline)
}

// RoundTrip implements http.RoundTripper.
func (n *Network) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.requests = append(n.requests, req.Method+" "+req.URL.String())
	n.mu.Unlock()

	if n.offline.Load() {
		return nil, &url.Error{Op: req.Method, URL: req.URL.String(), Err: ErrOffline}
	}

	rec := httptest.NewRecorder()
	n.handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// Requests returns the "METHOD URL" lines seen so far, including offline attempts.
func (n *Network) Requests() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.requests...)
}

// Count returns how many requests were made for the given "METHOD URL" line.
func (n *Network) Count(line string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	count := 0
	for _, r := range n.requests {
		if r == line {
			count++
		}
	}
	return count
}

// Reset forgets recorded requests.
func (n *Network) Reset() {
	n.mu.Lock()
	n.requests = nil
	n.mu.Unlock()
}
