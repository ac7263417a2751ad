package syncer

import (
	"context"
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
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// ErrNoServerID is recorded on UPDATE and DELETE actions whose record was never
// created on the server. They are dead lettered without a remote call.
var ErrNoServerID = errors.New("syncer: record has no server id")

// ErrMergeFailed is recorded on a CREATE the server accepted but whose result could
// not be written locally. Replaying it would create a duplicate, so it is dead
// lettered and the error names the server id.
var ErrMergeFailed = errors.New("syncer: create confirmed but local merge failed")

// Reconciler drains the outbox against the remote API and merges the results into
// the local store.
type Reconciler struct {
	db           *bun.DB
	store        localstore.Store
	queue        outbox.Queue
	api          remote.API
	idField      string
	nonRetryable func(error) bool
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *metrics
	flight       singleflight.Group
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithNonRetryable sets the policy deciding which replay failures are permanent.
// Permanent failures are dead lettered instead of staying queued.
func WithNonRetryable(fn func(error) bool) ReconcilerOption {
	return func(r *Reconciler) {
		if fn != nil {
			r.nonRetryable = fn
		}
	}
}

// WithIDField sets the gjson path of the id inside record payloads. Default "id".
func WithIDField(path string) ReconcilerOption {
	return func(r *Reconciler) {
		if path != "" {
			r.idField = path
		}
	}
}

// NewReconciler creates a reconciler. db must be the database that backs store and
// queue so a merge commits in one transaction.
func NewReconciler(db *bun.DB, store localstore.Store, queue outbox.Queue, api remote.API, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		db:           db,
		store:        store,
		queue:        queue,
		api:          api,
		idField:      "id",
		nonRetryable: remote.IsValidation,
		logger:       slog.Default(),
		tracer:       otel.Tracer(instrumentationName),
		metrics:      defaultMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Drain replays queued actions in FIFO order. Concurrent calls share one drain.
// A failing action is recorded and the drain moves on; later actions on the same
// record are skipped so they never run ahead of it. Actions enqueued while the drain
// runs are picked up by an extra pass. A drain is not interrupted by cancellation
// of the caller's context.
func (r *Reconciler) Drain(ctx context.Context) (*Report, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, _ := r.flight.Do("drain", func() (any, error) {
		return r.drain(ctx)
	})
	report, _ := v.(*Report)
	return report, err
}

func (r *Reconciler) drain(ctx context.Context) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "syncer.drain")
	defer span.End()
	r.metrics.drains.Add(ctx, 1)

	report := &Report{}
	blocked := map[string]bool{}

	deadLetters, err := r.queue.DeadLetters(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list dead letters")
		return report, fmt.Errorf("syncer: list dead letters: %w", err)
	}
	for _, a := range deadLetters {
		blocked[a.RecordKey()] = true
	}

	seen := map[string]bool{}
	for {
		actions, err := r.queue.List(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list actions")
			return report, fmt.Errorf("syncer: list outbox: %w", err)
		}

		var fresh []*outbox.Action
		for _, a := range actions {
			if !seen[a.ID] {
				fresh = append(fresh, a)
			}
		}
		if len(fresh) == 0 {
			break
		}
		report.Passes++

		for _, listed := range fresh {
			seen[listed.ID] = true

			// an earlier CREATE in this pass may have re-pointed it, or it was removed
			a, err := r.queue.Get(ctx, listed.ID)
			if errors.Is(err, outbox.ErrNotFound) {
				continue
			}
			if err != nil {
				return report, fmt.Errorf("syncer: reload action %s: %w", listed.ID, err)
			}
			if a.DeadLetter() {
				continue
			}

			if blocked[a.RecordKey()] {
				r.record(ctx, report, a, OutcomeSkipped, nil)
				continue
			}

			if err := r.apply(ctx, a); err != nil {
				blocked[a.RecordKey()] = true
				r.fail(ctx, report, a, err)
				continue
			}
			r.record(ctx, report, a, OutcomeApplied, nil)
		}
	}

	if err := r.settlePending(ctx); err != nil {
		span.RecordError(err)
		return report, err
	}

	span.SetAttributes(
		attribute.Int("drain.passes", report.Passes),
		attribute.Int("drain.applied", report.Count(OutcomeApplied)),
		attribute.Int("drain.failed", report.Count(OutcomeFailed)+report.Count(OutcomeDeadLettered)),
	)
	return report, nil
}

func (r *Reconciler) record(ctx context.Context, report *Report, a *outbox.Action, outcome Outcome, err error) {
	report.add(a, outcome, err)
	r.metrics.recordOutcome(ctx, string(a.Kind), outcome)
}

func (r *Reconciler) fail(ctx context.Context, report *Report, a *outbox.Action, cause error) {
	deadLetter := permanent(cause) || r.nonRetryable(cause)
	if err := r.queue.MarkAttempt(ctx, a.ID, cause, deadLetter); err != nil {
		r.logger.Error("mark attempt failed", "action_id", a.ID, "error", err)
	}

	outcome := OutcomeFailed
	if deadLetter {
		outcome = OutcomeDeadLettered
	}
	r.logger.Warn("replay failed",
		"action_id", a.ID,
		"kind", a.Kind,
		"collection", a.Collection,
		"record_id", a.RecordID,
		"attempt", a.Attempts+1,
		"dead_letter", deadLetter,
		"error", cause,
	)
	r.record(ctx, report, a, outcome, cause)
}

// permanent reports failures that replaying can never fix.
func permanent(err error) bool {
	return errors.Is(err, ErrNoServerID) ||
		errors.Is(err, ErrMergeFailed) ||
		errors.Is(err, remote.ErrMissingID)
}

func (r *Reconciler) apply(ctx context.Context, a *outbox.Action) error {
	switch a.Kind {
	case outbox.KindCreate:
		return r.applyCreate(ctx, a)
	case outbox.KindUpdate:
		return r.applyUpdate(ctx, a)
	case outbox.KindDelete:
		return r.applyDelete(ctx, a)
	}
	return fmt.Errorf("syncer: unknown action kind %q", a.Kind)
}

// applyCreate posts the payload without the provisional id, then swaps the
// provisional record for the server record and re-points later actions.
func (r *Reconciler) applyCreate(ctx context.Context, a *outbox.Action) error {
	payload := a.Payload
	if stripped, err := sjson.DeleteBytes(payload, r.idField); err == nil {
		payload = stripped
	}

	created, err := r.api.Create(ctx, a.Endpoint, payload)
	if err != nil {
		return err
	}
	provisional := a.RecordID

	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		local, err := r.store.GetTx(ctx, tx, a.Collection, provisional)
		if err != nil && !errors.Is(err, localstore.ErrNotFound) {
			return err
		}
		if err := r.store.DeleteTx(ctx, tx, a.Collection, provisional); err != nil {
			return err
		}
		if _, err := r.queue.RewriteRecordIDTx(ctx, tx, a.Collection, provisional, created.ID); err != nil {
			return err
		}
		if err := r.queue.RemoveTx(ctx, tx, a.ID); err != nil {
			return err
		}
		if local == nil {
			// deleted locally before the create was confirmed; its DELETE follows
			return nil
		}

		remaining, err := r.queue.CountForRecordTx(ctx, tx, a.Collection, created.ID)
		if err != nil {
			return err
		}

		next := &localstore.Record{
			Collection: a.Collection,
			ID:         created.ID,
			Payload:    created.Payload,
			SyncState:  localstore.SyncStateSynced,
		}
		if remaining > 0 {
			next.Payload = r.withServerID(local.Payload, created)
			next.SyncState = localstore.SyncStatePending
		}
		return r.store.PutTx(ctx, tx, next)
	})
	if err != nil {
		r.logger.Error("create confirmed remotely but local merge failed",
			"action_id", a.ID, "server_id", created.ID, "error", err)
		return fmt.Errorf("%w: action %s server id %s: %v", ErrMergeFailed, a.ID, created.ID, err)
	}

	a.RecordID = created.ID
	return nil
}

func (r *Reconciler) applyUpdate(ctx context.Context, a *outbox.Action) error {
	if localstore.IsProvisional(a.RecordID) {
		return ErrNoServerID
	}

	updated, err := r.api.Update(ctx, a.Endpoint, a.RecordID, r.withRecordID(a.Payload, a.RecordID))
	if err != nil {
		return err
	}

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := r.queue.RemoveTx(ctx, tx, a.ID); err != nil {
			return err
		}
		local, err := r.store.GetTx(ctx, tx, a.Collection, a.RecordID)
		if errors.Is(err, localstore.ErrNotFound) {
			// deleted locally meanwhile, never resurrect it
			return nil
		}
		if err != nil {
			return err
		}

		remaining, err := r.queue.CountForRecordTx(ctx, tx, a.Collection, a.RecordID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			// newer local edits are still queued, keep them
			return nil
		}

		local.SyncState = localstore.SyncStateSynced
		if len(updated.Payload) > 0 {
			local.Payload = updated.Payload
		}
		local.LastUpdated = time.Now().UTC()
		return r.store.PutTx(ctx, tx, local)
	})
}

// applyDelete treats a 404 as confirmation: the record is already gone remotely.
func (r *Reconciler) applyDelete(ctx context.Context, a *outbox.Action) error {
	if localstore.IsProvisional(a.RecordID) {
		return ErrNoServerID
	}

	if err := r.api.Delete(ctx, a.Endpoint, a.RecordID); err != nil && !remote.IsNotFound(err) {
		return err
	}

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := r.queue.RemoveTx(ctx, tx, a.ID); err != nil {
			return err
		}
		return r.store.DeleteTx(ctx, tx, a.Collection, a.RecordID)
	})
}

// settlePending marks synced every pending record no action references anymore.
func (r *Reconciler) settlePending(ctx context.Context) error {
	for _, collection := range r.store.Collections() {
		pending, err := r.store.QueryByIndex(ctx, collection, localstore.IndexSyncState, string(localstore.SyncStatePending))
		if err != nil {
			return fmt.Errorf("syncer: list pending %s: %w", collection, err)
		}

		for _, rec := range pending {
			err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
				n, err := r.queue.CountForRecordTx(ctx, tx, rec.Collection, rec.ID)
				if err != nil || n > 0 {
					return err
				}
				current, err := r.store.GetTx(ctx, tx, rec.Collection, rec.ID)
				if err != nil {
					return err
				}
				current.SyncState = localstore.SyncStateSynced
				return r.store.PutTx(ctx, tx, current)
			})
			if err != nil && !errors.Is(err, localstore.ErrNotFound) {
				return fmt.Errorf("syncer: settle %s/%s: %w", rec.Collection, rec.ID, err)
			}
		}
	}
	return nil
}

// withRecordID rewrites a provisional id left in an update payload to the server id
// the action was re-pointed to.
func (r *Reconciler) withRecordID(payload []byte, id string) []byte {
	current := gjson.GetBytes(payload, r.idField)
	if !current.Exists() || !localstore.IsProvisional(current.String()) {
		return payload
	}
	updated, err := sjson.SetBytes(payload, r.idField, id)
	if err != nil {
		return payload
	}
	return updated
}

// withServerID replaces the provisional id inside a local payload with the server id.
func (r *Reconciler) withServerID(payload []byte, created remote.Record) []byte {
	raw := gjson.GetBytes(created.Payload, r.idField).Raw
	if raw == "" {
		raw = fmt.Sprintf("%q", created.ID)
	}
	updated, err := sjson.SetRawBytes(payload, r.idField, []byte(raw))
	if err != nil {
		return payload
	}
	return updated
}
