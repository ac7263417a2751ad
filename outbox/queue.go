package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/uptrace/bun"
)

// Queue is the durable, FIFO mutation outbox.
//
// Contract:
// - List returns queued actions in enqueue order; dead letters are excluded.
// - Remove of a missing action is a no-op so replay stays idempotent.
// - Tx variants run on the caller's transaction.
type Queue interface {
	Init(ctx context.Context) error

	Enqueue(ctx context.Context, action *Action) error
	EnqueueTx(ctx context.Context, tx bun.IDB, action *Action) error
	List(ctx context.Context) ([]*Action, error)
	Get(ctx context.Context, id string) (*Action, error)
	GetTx(ctx context.Context, tx bun.IDB, id string) (*Action, error)
	Remove(ctx context.Context, id string) error
	RemoveTx(ctx context.Context, tx bun.IDB, id string) error
	MarkAttempt(ctx context.Context, id string, cause error, deadLetter bool) error
	RewriteRecordIDTx(ctx context.Context, tx bun.IDB, collection, from, to string) (int, error)
	CountForRecord(ctx context.Context, collection, recordID string) (int, error)
	CountForRecordTx(ctx context.Context, tx bun.IDB, collection, recordID string) (int, error)
	Len(ctx context.Context) (int, error)
	DeadLetters(ctx context.Context) ([]*Action, error)
	Discard(ctx context.Context, id string) error
}

// Interface assertion to ensure BunQueue implements Queue
var _ Queue = (*BunQueue)(nil)

const recordIndexName = "outbox_actions_record_idx"

// BunQueue stores actions in the outbox_actions table.
type BunQueue struct {
	db    *bun.DB
	ready atomic.Bool
}

// NewBunQueue creates a queue on top of db. Call Init before use.
func NewBunQueue(db *bun.DB) *BunQueue {
	return &BunQueue{db: db}
}

// Init creates the outbox schema.
func (q *BunQueue) Init(ctx context.Context) error {
	if _, err := q.db.NewCreateTable().Model((*Action)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("outbox: create table: %w", err)
	}
	_, err := q.db.NewCreateIndex().
		Model((*Action)(nil)).
		Index(recordIndexName).
		Column("collection", "record_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("outbox: create index: %w", err)
	}
	q.ready.Store(true)
	return nil
}

func (q *BunQueue) check() error {
	if !q.ready.Load() {
		return ErrNotInitialized
	}
	return nil
}

// Enqueue validates and appends an action.
func (q *BunQueue) Enqueue(ctx context.Context, action *Action) error {
	return q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return q.EnqueueTx(ctx, tx, action)
	})
}

// EnqueueTx appends an action inside the caller's transaction. The sequence number
// is assigned from the current maximum so FIFO order follows commit order.
func (q *BunQueue) EnqueueTx(ctx context.Context, tx bun.IDB, action *Action) error {
	if err := q.check(); err != nil {
		return err
	}
	if action.Status == "" {
		action.Status = StatusQueued
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	if err := action.Validate(); err != nil {
		return fmt.Errorf("outbox: invalid action: %w", err)
	}

	var last int64
	err := tx.NewSelect().
		Model((*Action)(nil)).
		ColumnExpr("COALESCE(MAX(seq), 0)").
		Scan(ctx, &last)
	if err != nil {
		return fmt.Errorf("outbox: next sequence: %w", err)
	}
	action.Seq = last + 1

	if _, err := tx.NewInsert().Model(action).Exec(ctx); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", action.ID, err)
	}
	return nil
}

// List returns queued actions in enqueue order.
func (q *BunQueue) List(ctx context.Context) ([]*Action, error) {
	return q.listByStatus(ctx, StatusQueued)
}

// DeadLetters returns actions rejected permanently, oldest first.
func (q *BunQueue) DeadLetters(ctx context.Context) ([]*Action, error) {
	return q.listByStatus(ctx, StatusFailed)
}

func (q *BunQueue) listByStatus(ctx context.Context, status Status) ([]*Action, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	var actions []*Action
	err := q.db.NewSelect().
		Model(&actions).
		Where("status = ?", status).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: list %s: %w", status, err)
	}
	return actions, nil
}

// Get returns a single action or ErrNotFound.
func (q *BunQueue) Get(ctx context.Context, id string) (*Action, error) {
	return q.GetTx(ctx, q.db, id)
}

// GetTx returns a single action inside the caller's transaction.
func (q *BunQueue) GetTx(ctx context.Context, tx bun.IDB, id string) (*Action, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	action := new(Action)
	err := tx.NewSelect().Model(action).Where("action_id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: get %s: %w", id, err)
	}
	return action, nil
}

// Remove deletes an action. Removing a missing action is not an error.
func (q *BunQueue) Remove(ctx context.Context, id string) error {
	return q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return q.RemoveTx(ctx, tx, id)
	})
}

// RemoveTx deletes an action inside the caller's transaction.
func (q *BunQueue) RemoveTx(ctx context.Context, tx bun.IDB, id string) error {
	if err := q.check(); err != nil {
		return err
	}
	if _, err := tx.NewDelete().Model((*Action)(nil)).Where("action_id = ?", id).Exec(ctx); err != nil {
		return fmt.Errorf("outbox: remove %s: %w", id, err)
	}
	return nil
}

// MarkAttempt records a failed replay. A dead letter is never replayed again.
func (q *BunQueue) MarkAttempt(ctx context.Context, id string, cause error, deadLetter bool) error {
	if err := q.check(); err != nil {
		return err
	}

	status := StatusQueued
	if deadLetter {
		status = StatusFailed
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	_, err := q.db.NewUpdate().
		Model((*Action)(nil)).
		Set("attempts = attempts + 1").
		Set("last_error = ?", message).
		Set("last_attempt_at = ?", time.Now().UTC()).
		Set("status = ?", status).
		Where("action_id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("outbox: mark attempt %s: %w", id, err)
	}
	return nil
}

// RewriteRecordIDTx re-points every action referencing from to to, returning how
// many actions were changed. Used when a provisional id is replaced by a server id.
func (q *BunQueue) RewriteRecordIDTx(ctx context.Context, tx bun.IDB, collection, from, to string) (int, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	res, err := tx.NewUpdate().
		Model((*Action)(nil)).
		Set("record_id = ?", to).
		Where("collection = ?", collection).
		Where("record_id = ?", from).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: rewrite %s/%s: %w", collection, from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountForRecord counts the actions, queued or dead, that reference a record.
func (q *BunQueue) CountForRecord(ctx context.Context, collection, recordID string) (int, error) {
	return q.CountForRecordTx(ctx, q.db, collection, recordID)
}

// CountForRecordTx counts referencing actions inside the caller's transaction.
func (q *BunQueue) CountForRecordTx(ctx context.Context, tx bun.IDB, collection, recordID string) (int, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	n, err := tx.NewSelect().
		Model((*Action)(nil)).
		Where("collection = ?", collection).
		Where("record_id = ?", recordID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: count %s/%s: %w", collection, recordID, err)
	}
	return n, nil
}

// Len returns the number of queued actions.
func (q *BunQueue) Len(ctx context.Context) (int, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	n, err := q.db.NewSelect().
		Model((*Action)(nil)).
		Where("status = ?", StatusQueued).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: len: %w", err)
	}
	return n, nil
}

// Discard drops an action, typically a dead letter after operator review.
func (q *BunQueue) Discard(ctx context.Context, id string) error {
	if err := q.check(); err != nil {
		return err
	}
	res, err := q.db.NewDelete().Model((*Action)(nil)).Where("action_id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("outbox: discard %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
