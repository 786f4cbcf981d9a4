package repository

import (
	"context"
	"time"

	"github.com/acme/lead-call-queue/internal/domain"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
)

var (
	// ErrNotFound indicates the record was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a compare-and-set precondition did not hold.
	ErrConflict = apperrors.ErrConflict
)

// Table names a collection in the record store.
type Table string

const (
	TableLeads   Table = "Leads"
	TableCalls   Table = "Calls"
	TableQueue   Table = "Queue"
	TableClients Table = "Clients"
)

// Fields is the schema-less field bag exchanged with the record store.
// Nothing outside this package should read it; see mapping.go.
type Fields map[string]any

// Record is a stored field bag with its identity and timestamps.
type Record struct {
	ID        string
	Fields    Fields
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Filter selects records by field equality. All conditions must hold.
type Filter struct {
	Equals map[string]any
	In     map[string][]string
}

// RecordStore is the generic CRUD substrate behind queue items, calls, clients and leads.
type RecordStore interface {
	GetRecords(ctx context.Context, table Table, filter Filter) ([]Record, error)
	GetRecord(ctx context.Context, table Table, id string) (*Record, error)
	CreateRecord(ctx context.Context, table Table, fields Fields) (*Record, error)
	// UpdateRecord merges fields into the stored record.
	UpdateRecord(ctx context.Context, table Table, id string, fields Fields) (*Record, error)
	// CompareAndUpdate merges fields only if the stored value of field equals expected.
	// It returns ErrConflict when the precondition fails and ErrNotFound when the record is missing.
	CompareAndUpdate(ctx context.Context, table Table, id, field string, expected any, fields Fields) (*Record, error)
	DeleteRecord(ctx context.Context, table Table, id string) error
}

// AttemptLog is an append-only audit of dial attempts.
type AttemptLog interface {
	Append(ctx context.Context, attempt domain.CallAttempt) error
}
