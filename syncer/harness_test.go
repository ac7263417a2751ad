package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/goliatone/go-offline-sync/localstore"
	"github.com/goliatone/go-offline-sync/outbox"
	"github.com/goliatone/go-offline-sync/pkg/testsupport"
	"github.com/goliatone/go-offline-sync/remote"
	"github.com/tidwall/sjson"
	"github.com/uptrace/bun"
)

// fakeAPI is an in-memory remote API that records every call.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []string
	nextID  int
	records map[string]json.RawMessage
	lastPut json.RawMessage
	fail    func(call string) error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 42, records: map[string]json.RawMessage{}}
}

func (f *fakeAPI) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.fail != nil {
		return f.fail(call)
	}
	return nil
}

func (f *fakeAPI) setFail(fn func(call string) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakeAPI) getCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) lastPutBody() json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPut
}

func (f *fakeAPI) clearCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakeAPI) Create(ctx context.Context, endpoint string, payload json.RawMessage) (remote.Record, error) {
	if err := f.record("POST " + endpoint + " " + string(payload)); err != nil {
		return remote.Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := strconv.Itoa(f.nextID)
	f.nextID++
	body, _ := sjson.SetBytes(payload, "id", id)
	body, _ = sjson.SetBytes(body, "server", true)
	f.records[id] = body
	return remote.Record{ID: id, Payload: body}, nil
}

func (f *fakeAPI) Update(ctx context.Context, endpoint, id string, payload json.RawMessage) (remote.Record, error) {
	if err := f.record("PUT " + endpoint + "/" + id); err != nil {
		return remote.Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPut = payload
	if _, ok := f.records[id]; !ok {
		return remote.Record{}, &remote.StatusError{Method: http.MethodPut, StatusCode: http.StatusNotFound}
	}
	body, _ := sjson.SetBytes(payload, "id", id)
	body, _ = sjson.SetBytes(body, "server", true)
	f.records[id] = body
	return remote.Record{ID: id, Payload: body}, nil
}

func (f *fakeAPI) Delete(ctx context.Context, endpoint, id string) error {
	if err := f.record("DELETE " + endpoint + "/" + id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return &remote.StatusError{Method: http.MethodDelete, StatusCode: http.StatusNotFound}
	}
	delete(f.records, id)
	return nil
}

func (f *fakeAPI) List(ctx context.Context, endpoint string) ([]remote.Record, error) {
	if err := f.record("GET " + endpoint); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.Record
	for id, body := range f.records {
		out = append(out, remote.Record{ID: id, Payload: body})
	}
	return out, nil
}

// switchConn is a Connectivity that tests flip by hand.
type switchConn struct {
	online atomic.Bool
}

func (c *switchConn) Online() bool { return c.online.Load() }

type harness struct {
	db    *bun.DB
	store *localstore.BunStore
	queue *outbox.BunQueue
	api   *fakeAPI
	conn  *switchConn
	rec   *Reconciler
	svc   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db := testsupport.OpenDB(t)
	store := localstore.NewBunStore(db)
	if err := store.Init(ctx, "properties"); err != nil {
		t.Fatalf("store init: %v", err)
	}
	queue := outbox.NewBunQueue(db)
	if err := queue.Init(ctx); err != nil {
		t.Fatalf("queue init: %v", err)
	}

	api := newFakeAPI()
	conn := &switchConn{}
	rec := NewReconciler(db, store, queue, api)
	svc := NewService(db, store, queue, rec, api, conn, map[string]string{"properties": "/properties"})

	return &harness{db: db, store: store, queue: queue, api: api, conn: conn, rec: rec, svc: svc}
}

func (h *harness) queued(t *testing.T) []*outbox.Action {
	t.Helper()
	actions, err := h.queue.List(context.Background())
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	return actions
}

func (h *harness) all(t *testing.T) []*localstore.Record {
	t.Helper()
	records, err := h.store.GetAll(context.Background(), "properties")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	return records
}

// seed stores a synced record known to both sides.
func (h *harness) seed(t *testing.T, id, payload string) {
	t.Helper()
	ctx := context.Background()
	err := h.store.Put(ctx, &localstore.Record{
		Collection: "properties",
		ID:         id,
		Payload:    json.RawMessage(payload),
		SyncState:  localstore.SyncStateSynced,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.api.mu.Lock()
	h.api.records[id] = json.RawMessage(payload)
	h.api.mu.Unlock()
}
