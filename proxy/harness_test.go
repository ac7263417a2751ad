package proxy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/goliatone/go-offline-sync/cache"
	"github.com/goliatone/go-offline-sync/internal/cachestore"
	"github.com/goliatone/go-offline-sync/pkg/testsupport"
)

const origin = "https://app.example.com"

var testRoutes = Routes{
	DataPrefixes:     []string{"/api/"},
	StaticPrefixes:   []string{"/assets/"},
	StaticExtensions: []string{".js", ".css"},
	BypassSegment:    "/functions/v1/",
	OfflineShell:     "/index.html",
}

// originServer serves a fixed set of paths and counts hits per path.
type originServer struct {
	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
}

func newOriginServer(bodies map[string]string) *originServer {
	return &originServer{bodies: bodies, hits: map[string]int{}}
}

func (o *originServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	body, ok := o.bodies[r.URL.Path]
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, body)
}

func (o *originServer) set(path, body string) {
	o.mu.Lock()
	o.bodies[path] = body
	o.mu.Unlock()
}

func (o *originServer) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func newStorage(t *testing.T) cache.Storage {
	t.Helper()

	s := cachestore.NewSQLStorage(testsupport.OpenDB(t))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	return s
}

func newRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()

	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(data)
}

func workerConfig(version string, manifest ...string) WorkerConfig {
	return WorkerConfig{
		Version:  version,
		Origin:   origin,
		Manifest: manifest,
		SyncTag:  "sync-outbox",
	}
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
