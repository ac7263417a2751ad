package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/uptrace/bun"
)

// Interface assertion to ensure BunStore implements Store
var _ Store = (*BunStore)(nil)

const syncStateIndexName = "local_records_sync_state_idx"

// BunStore persists records in the local_records table through bun.
type BunStore struct {
	db          *bun.DB
	collections *xsync.MapOf[string, struct{}]
	ready       atomic.Bool
}

// NewBunStore creates a store on top of db. Call Init before use.
func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{
		db:          db,
		collections: xsync.NewMapOf[string, struct{}](),
	}
}

// Init creates the schema and registers collections. It may be called again to
// register more collections.
func (s *BunStore) Init(ctx context.Context, collections ...string) error {
	if _, err := s.db.NewCreateTable().Model((*Record)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("localstore: create table: %w", err)
	}
	_, err := s.db.NewCreateIndex().
		Model((*Record)(nil)).
		Index(syncStateIndexName).
		Column("collection", "sync_state").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("localstore: create index: %w", err)
	}

	for _, name := range collections {
		if name == "" {
			return fmt.Errorf("%w: empty name", ErrUnknownCollection)
		}
		s.collections.Store(name, struct{}{})
	}
	s.ready.Store(true)
	return nil
}

// Collections returns the registered collection names in sorted order.
func (s *BunStore) Collections() []string {
	names := make([]string, 0, s.collections.Size())
	s.collections.Range(func(name string, _ struct{}) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

func (s *BunStore) check(collection string) error {
	if !s.ready.Load() {
		return ErrNotInitialized
	}
	if _, ok := s.collections.Load(collection); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return nil
}

// Put inserts or replaces a record.
func (s *BunStore) Put(ctx context.Context, record *Record) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return s.PutTx(ctx, tx, record)
	})
}

// PutTx inserts or replaces a record inside the caller's transaction. A zero
// LastUpdated is set to now and an empty SyncState defaults to synced.
func (s *BunStore) PutTx(ctx context.Context, tx bun.IDB, record *Record) error {
	if record == nil || record.Collection == "" || record.ID == "" {
		return ErrInvalidRecord
	}
	if err := s.check(record.Collection); err != nil {
		return err
	}
	if record.LastUpdated.IsZero() {
		record.LastUpdated = time.Now().UTC()
	}
	if record.SyncState == "" {
		record.SyncState = SyncStateSynced
	}

	_, err := tx.NewInsert().
		Model(record).
		On("CONFLICT (collection, id) DO UPDATE").
		Set("payload = EXCLUDED.payload").
		Set("last_updated = EXCLUDED.last_updated").
		Set("sync_state = EXCLUDED.sync_state").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("localstore: put %s/%s: %w", record.Collection, record.ID, err)
	}
	return nil
}

// Get returns a single record or ErrNotFound.
func (s *BunStore) Get(ctx context.Context, collection, id string) (*Record, error) {
	var record *Record
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		record, err = s.GetTx(ctx, tx, collection, id)
		return err
	})
	return record, err
}

// GetTx returns a single record inside the caller's transaction.
func (s *BunStore) GetTx(ctx context.Context, tx bun.IDB, collection, id string) (*Record, error) {
	if err := s.check(collection); err != nil {
		return nil, err
	}

	record := new(Record)
	err := tx.NewSelect().
		Model(record).
		Where("collection = ?", collection).
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: get %s/%s: %w", collection, id, err)
	}
	return record, nil
}

// GetAll returns every record of a collection ordered by id.
func (s *BunStore) GetAll(ctx context.Context, collection string) ([]*Record, error) {
	return s.List(ctx, collection)
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *BunStore) Delete(ctx context.Context, collection, id string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return s.DeleteTx(ctx, tx, collection, id)
	})
}

// DeleteTx removes a record inside the caller's transaction.
func (s *BunStore) DeleteTx(ctx context.Context, tx bun.IDB, collection, id string) error {
	if err := s.check(collection); err != nil {
		return err
	}
	_, err := tx.NewDelete().
		Model((*Record)(nil)).
		Where("collection = ?", collection).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("localstore: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Clear removes every record of a collection.
func (s *BunStore) Clear(ctx context.Context, collection string) error {
	if err := s.check(collection); err != nil {
		return err
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*Record)(nil)).
			Where("collection = ?", collection).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("localstore: clear %s: %w", collection, err)
		}
		return nil
	})
}

// QueryByIndex returns the records of a collection whose indexed field equals value.
func (s *BunStore) QueryByIndex(ctx context.Context, collection, index, value string) ([]*Record, error) {
	var column string
	switch index {
	case IndexID:
		column = "id"
	case IndexSyncState:
		column = "sync_state"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, index)
	}

	return s.List(ctx, collection, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("? = ?", bun.Ident(column), value).Order("id ASC")
	})
}

// List returns the records of a collection filtered by criteria. Without criteria
// records are ordered by id.
func (s *BunStore) List(ctx context.Context, collection string, criteria ...repository.SelectCriteria) ([]*Record, error) {
	if err := s.check(collection); err != nil {
		return nil, err
	}

	var records []*Record
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewSelect().Model(&records).Where("collection = ?", collection)
		if len(criteria) == 0 {
			q = q.Order("id ASC")
		}
		for _, c := range criteria {
			q = c(q)
		}
		return q.Scan(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: list %s: %w", collection, err)
	}
	return records, nil
}
