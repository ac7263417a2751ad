package localstore

import (
	"context"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// Store is the persistent local record store.
//
// Contract:
// - Every operation runs in a single transaction scoped to one collection.
// - Operations before Init return ErrNotInitialized.
// - Operations on collections not registered at Init return ErrUnknownCollection.
// - Tx variants run on the caller's transaction so record writes can commit together
// with outbox actions.
type Store interface {
	Init(ctx context.Context, collections ...string) error
	Collections() []string

	Put(ctx context.Context, record *Record) error
	Get(ctx context.Context, collection, id string) (*Record, error)
	GetAll(ctx context.Context, collection string) ([]*Record, error)
	Delete(ctx context.Context, collection, id string) error
	Clear(ctx context.Context, collection string) error
	QueryByIndex(ctx context.Context, collection, index, value string) ([]*Record, error)
	List(ctx context.Context, collection string, criteria ...repository.SelectCriteria) ([]*Record, error)

	PutTx(ctx context.Context, tx bun.IDB, record *Record) error
	GetTx(ctx context.Context, tx bun.IDB, collection, id string) (*Record, error)
	DeleteTx(ctx context.Context, tx bun.IDB, collection, id string) error
}
