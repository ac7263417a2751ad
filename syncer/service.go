package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goliatone/go-offline-sync/localstore"
	"github.com/goliatone/go-offline-sync/outbox"
	"github.com/goliatone/go-offline-sync/remote"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/uptrace/bun"
)

// ErrInvalidPayload is returned when a write payload is not a JSON object.
var ErrInvalidPayload = errors.New("syncer: payload must be a JSON object")

// Connectivity reports the current online state.
type Connectivity interface {
	Online() bool
}

// Service is the write and read API over the local store. Writes are applied
// locally first and queued; when online the outbox is drained right away.
type Service struct {
	db         *bun.DB
	store      localstore.Store
	queue      outbox.Queue
	reconciler *Reconciler
	api        remote.API
	conn       Connectivity
	endpoints  map[string]string
	idField    string
	logger     *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the structured logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPayloadIDField sets the gjson path of the id inside payloads. Default "id".
func WithPayloadIDField(path string) ServiceOption {
	return func(s *Service) {
		if path != "" {
			s.idField = path
		}
	}
}

// NewService creates the write API. endpoints maps collection names to remote
// endpoints, for example "properties" to "/properties".
func NewService(db *bun.DB, store localstore.Store, queue outbox.Queue, reconciler *Reconciler, api remote.API, conn Connectivity, endpoints map[string]string, opts ...ServiceOption) *Service {
	s := &Service{
		db:         db,
		store:      store,
		queue:      queue,
		reconciler: reconciler,
		api:        api,
		conn:       conn,
		endpoints:  endpoints,
		idField:    "id",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) endpoint(collection string) (string, error) {
	endpoint, ok := s.endpoints[collection]
	if !ok {
		return "", fmt.Errorf("%w: %s", localstore.ErrUnknownCollection, collection)
	}
	return endpoint, nil
}

// Create stores a new record under a provisional id and queues its CREATE. Online,
// the returned record is the reconciled one keyed by the server id. Offline, or when
// the replay failed with a retryable error, it is the pending local record.
func (s *Service) Create(ctx context.Context, collection string, payload json.RawMessage) (*localstore.Record, error) {
	endpoint, err := s.endpoint(collection)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, ErrInvalidPayload
	}

	id := localstore.NewProvisionalID()
	withID, err := sjson.SetBytes(payload, s.idField, id)
	if err != nil {
		return nil, fmt.Errorf("syncer: set provisional id: %w", err)
	}

	record := &localstore.Record{
		Collection:  collection,
		ID:          id,
		Payload:     withID,
		LastUpdated: time.Now().UTC(),
		SyncState:   localstore.SyncStatePending,
	}
	action := outbox.NewAction(outbox.KindCreate, collection, id, endpoint, withID)

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.store.PutTx(ctx, tx, record); err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, action)
	})
	if err != nil {
		return nil, fmt.Errorf("syncer: create %s: %w", collection, err)
	}

	return s.settle(ctx, action, record, nil)
}

// Update replaces the payload of an existing record and queues its UPDATE.
func (s *Service) Update(ctx context.Context, collection, id string, payload json.RawMessage) (*localstore.Record, error) {
	endpoint, err := s.endpoint(collection)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, ErrInvalidPayload
	}

	var snapshot *localstore.Record
	record := &localstore.Record{
		Collection:  collection,
		ID:          id,
		Payload:     payload,
		LastUpdated: time.Now().UTC(),
		SyncState:   localstore.SyncStatePending,
	}
	action := outbox.NewAction(outbox.KindUpdate, collection, id, endpoint, payload)

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.store.GetTx(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		snapshot = current.Clone()
		if err := s.store.PutTx(ctx, tx, record); err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, action)
	})
	if err != nil {
		return nil, fmt.Errorf("syncer: update %s/%s: %w", collection, id, err)
	}

	return s.settle(ctx, action, record, snapshot)
}

// Delete removes a record locally and queues its DELETE.
func (s *Service) Delete(ctx context.Context, collection, id string) error {
	endpoint, err := s.endpoint(collection)
	if err != nil {
		return err
	}

	var snapshot *localstore.Record
	action := outbox.NewAction(outbox.KindDelete, collection, id, endpoint, nil)

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.store.GetTx(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		snapshot = current.Clone()
		if err := s.store.DeleteTx(ctx, tx, collection, id); err != nil {
			return err
		}
		return s.queue.EnqueueTx(ctx, tx, action)
	})
	if err != nil {
		return fmt.Errorf("syncer: delete %s/%s: %w", collection, id, err)
	}

	_, err = s.settle(ctx, action, nil, snapshot)
	return err
}

// settle drains when online and turns the outcome of the caller's own action into
// the write result. Only a permanent rejection is surfaced: the local write is rolled
// back and the action removed.
func (s *Service) settle(ctx context.Context, action *outbox.Action, pending, snapshot *localstore.Record) (*localstore.Record, error) {
	if s.conn != nil && !s.conn.Online() {
		return pending, nil
	}

	result, ok, err := s.drainFor(ctx, action.ID)
	if err != nil {
		s.logger.Warn("drain after write failed", "action_id", action.ID, "error", err)
		return pending, nil
	}
	if !ok {
		return pending, nil
	}

	switch result.Outcome {
	case OutcomeApplied:
		if action.Kind == outbox.KindDelete {
			return nil, nil
		}
		rec, err := s.store.Get(ctx, action.Collection, result.RecordID)
		if errors.Is(err, localstore.ErrNotFound) {
			return nil, nil
		}
		return rec, err

	case OutcomeDeadLettered:
		if err := s.rollback(ctx, action, snapshot); err != nil {
			s.logger.Error("rollback failed", "action_id", action.ID, "error", err)
			return nil, errors.Join(result.Err, err)
		}
		return nil, result.Err
	}

	return pending, nil
}

// drainFor drains and looks up the action. An action enqueued just after an
// in-flight drain finished its last pass is picked up by one more drain.
func (s *Service) drainFor(ctx context.Context, actionID string) (ActionResult, bool, error) {
	for i := 0; i < 2; i++ {
		report, err := s.reconciler.Drain(ctx)
		if err != nil {
			return ActionResult{}, false, err
		}
		if result, ok := report.Outcome(actionID); ok {
			return result, true, nil
		}
	}
	return ActionResult{}, false, nil
}

func (s *Service) rollback(ctx context.Context, action *outbox.Action, snapshot *localstore.Record) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.queue.RemoveTx(ctx, tx, action.ID); err != nil {
			return err
		}
		if snapshot != nil {
			return s.store.PutTx(ctx, tx, snapshot)
		}
		return s.store.DeleteTx(ctx, tx, action.Collection, action.RecordID)
	})
}

// Get reads a record from the local store.
func (s *Service) Get(ctx context.Context, collection, id string) (*localstore.Record, error) {
	return s.store.Get(ctx, collection, id)
}

// List refreshes the collection from the remote API when it can and returns the
// local view. Remote records replace synced local copies; records with queued
// actions keep their local state and local records missing remotely are kept.
// Offline, or when the list came from the offline response cache, nothing is
// merged: a cached list can predate confirmed local writes.
func (s *Service) List(ctx context.Context, collection string) ([]*localstore.Record, error) {
	endpoint, err := s.endpoint(collection)
	if err != nil {
		return nil, err
	}

	if s.conn == nil || s.conn.Online() {
		remoteRecords, err := s.api.List(ctx, endpoint)
		if err != nil {
			s.logger.Debug("remote list unavailable, serving local view", "collection", collection, "error", err)
		} else if err := s.merge(ctx, collection, remoteRecords); err != nil {
			return nil, err
		}
	}

	return s.store.GetAll(ctx, collection)
}

func (s *Service) merge(ctx context.Context, collection string, records []remote.Record) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, rec := range records {
			n, err := s.queue.CountForRecordTx(ctx, tx, collection, rec.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			err = s.store.PutTx(ctx, tx, &localstore.Record{
				Collection:  collection,
				ID:          rec.ID,
				Payload:     rec.Payload,
				LastUpdated: time.Now().UTC(),
				SyncState:   localstore.SyncStateSynced,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Pending returns the queued actions in replay order.
func (s *Service) Pending(ctx context.Context) ([]*outbox.Action, error) {
	return s.queue.List(ctx)
}

// DeadLetters returns actions rejected permanently.
func (s *Service) DeadLetters(ctx context.Context) ([]*outbox.Action, error) {
	return s.queue.DeadLetters(ctx)
}

// Discard drops an action after operator review. Discarding the CREATE of a record
// that never reached the server also drops that record and its other actions.
func (s *Service) Discard(ctx context.Context, actionID string) error {
	action, err := s.queue.Get(ctx, actionID)
	if err != nil {
		return err
	}
	if err := s.queue.Discard(ctx, actionID); err != nil {
		return err
	}
	if action.Kind != outbox.KindCreate || !localstore.IsProvisional(action.RecordID) {
		return nil
	}

	related, err := s.relatedActions(ctx, action)
	if err != nil {
		return err
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, a := range related {
			if err := s.queue.RemoveTx(ctx, tx, a.ID); err != nil {
				return err
			}
		}
		return s.store.DeleteTx(ctx, tx, action.Collection, action.RecordID)
	})
}

func (s *Service) relatedActions(ctx context.Context, action *outbox.Action) ([]*outbox.Action, error) {
	queued, err := s.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	dead, err := s.queue.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}

	var related []*outbox.Action
	for _, a := range append(queued, dead...) {
		if a.RecordKey() == action.RecordKey() {
			related = append(related, a)
		}
	}
	return related, nil
}

// Sync drains the outbox on demand, for example from a "retry now" control.
func (s *Service) Sync(ctx context.Context) (*Report, error) {
	return s.reconciler.Drain(ctx)
}
