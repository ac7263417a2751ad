package outbox

import (
	"encoding/json"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Sentinel errors returned by Queue implementations.
var (
	ErrNotInitialized = errors.New("outbox: queue not initialized")
	ErrNotFound       = errors.New("outbox: action not found")
)

// Kind is the mutation an action replays.
type Kind string

const (
	KindCreate Kind = "CREATE"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// Status tells whether an action is still eligible for replay.
type Status string

const (
	// StatusQueued actions are replayed by every drain.
	StatusQueued Status = "queued"
	// StatusFailed actions were rejected permanently. They are kept for inspection,
	// never replayed, and block later actions on the same record.
	StatusFailed Status = "failed"
)

// Action is a durable record of an accepted local mutation.
type Action struct {
	bun.BaseModel `bun:"table:outbox_actions"`

	Seq           int64           `bun:"seq,pk" json:"seq"`
	ID            string          `bun:"action_id,unique,notnull" json:"action_id"`
	Kind          Kind            `bun:"kind,notnull" json:"kind"`
	Collection    string          `bun:"collection,notnull" json:"collection"`
	RecordID      string          `bun:"record_id,notnull" json:"record_id"`
	Endpoint      string          `bun:"endpoint,notnull" json:"endpoint"`
	Payload       json.RawMessage `bun:"payload,type:blob" json:"payload,omitempty"`
	CreatedAt     time.Time       `bun:"created_at,notnull" json:"created_at"`
	Attempts      int             `bun:"attempts,notnull,default:0" json:"attempts"`
	LastError     string          `bun:"last_error" json:"last_error,omitempty"`
	LastAttemptAt *time.Time      `bun:"last_attempt_at" json:"last_attempt_at,omitempty"`
	Status        Status          `bun:"status,notnull" json:"status"`
}

// NewAction builds a queued action with a fresh id.
func NewAction(kind Kind, collection, recordID, endpoint string, payload json.RawMessage) *Action {
	return &Action{
		ID:         uuid.NewString(),
		Kind:       kind,
		Collection: collection,
		RecordID:   recordID,
		Endpoint:   endpoint,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		Status:     StatusQueued,
	}
}

// Validate checks the action before it is enqueued.
func (a *Action) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.ID, validation.Required),
		validation.Field(&a.Kind, validation.Required, validation.In(KindCreate, KindUpdate, KindDelete)),
		validation.Field(&a.Collection, validation.Required),
		validation.Field(&a.RecordID, validation.Required),
		validation.Field(&a.Endpoint, validation.Required),
		validation.Field(&a.Payload, validation.When(a.Kind != KindDelete, validation.Required)),
		validation.Field(&a.Status, validation.In(StatusQueued, StatusFailed)),
	)
}

// RecordKey identifies the local record an action references.
func (a *Action) RecordKey() string {
	return a.Collection + "/" + a.RecordID
}

// DeadLetter reports whether the action was rejected permanently.
func (a *Action) DeadLetter() bool {
	return a.Status == StatusFailed
}
