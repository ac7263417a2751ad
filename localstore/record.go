package localstore

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotInitialized    = errors.New("localstore: store not initialized")
	ErrUnknownCollection = errors.New("localstore: unknown collection")
	ErrUnknownIndex      = errors.New("localstore: unknown index")
	ErrNotFound          = errors.New("localstore: record not found")
	ErrInvalidRecord     = errors.New("localstore: record requires collection and id")
)

// SyncState tells whether a record matches the remote state.
type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStatePending SyncState = "pending"
)

// Index names accepted by QueryByIndex.
const (
	IndexID        = "id"
	IndexSyncState = "syncState"
)

// ProvisionalPrefix marks ids generated locally for records the server has not seen yet.
const ProvisionalPrefix = "local_"

// NewProvisionalID returns a fresh provisional id. Server ids never carry the prefix.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether id was generated locally.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Record is a locally stored entity. Payload is opaque to this package.
type Record struct {
	bun.BaseModel `bun:"table:local_records"`

	Collection  string          `bun:"collection,pk" json:"collection"`
	ID          string          `bun:"id,pk" json:"id"`
	Payload     json.RawMessage `bun:"payload,type:blob" json:"payload"`
	LastUpdated time.Time       `bun:"last_updated,notnull" json:"last_updated"`
	SyncState   SyncState       `bun:"sync_state,notnull" json:"sync_state"`
}

// Pending reports whether the record still waits for remote confirmation.
func (r *Record) Pending() bool {
	return r.SyncState == SyncStatePending
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &clone
}
