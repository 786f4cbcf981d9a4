package repository

import (
	"context"
	"fmt"

	"github.com/acme/lead-call-queue/internal/domain"
)

// CallRepository persists calls in the Calls table.
type CallRepository struct {
	store RecordStore
}

// NewCallRepository constructs a repository over the record store.
func NewCallRepository(store RecordStore) *CallRepository {
	return &CallRepository{store: store}
}

// Create inserts a call record.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	rec, err := r.store.CreateRecord(ctx, TableCalls, callToFields(call))
	if err != nil {
		return fmt.Errorf("calls: create: %w", err)
	}
	call.ID = rec.ID
	call.CreatedAt = rec.CreatedAt
	call.UpdatedAt = rec.UpdatedAt
	return nil
}

// Get fetches a call by id.
func (r *CallRepository) Get(ctx context.Context, id string) (*domain.Call, error) {
	rec, err := r.store.GetRecord(ctx, TableCalls, id)
	if err != nil {
		return nil, fmt.Errorf("calls: get %s: %w", id, err)
	}
	call := callFromRecord(*rec)
	return &call, nil
}

// FindByProviderCallID locates the call placed under the provider's call id.
func (r *CallRepository) FindByProviderCallID(ctx context.Context, providerCallID string) (*domain.Call, error) {
	recs, err := r.store.GetRecords(ctx, TableCalls, Filter{Equals: map[string]any{fieldCallID: providerCallID}})
	if err != nil {
		return nil, fmt.Errorf("calls: find by provider id: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("calls: provider call %s: %w", providerCallID, ErrNotFound)
	}
	call := callFromRecord(recs[0])
	return &call, nil
}

// ListByQueueItem returns every call placed for a queue item.
func (r *CallRepository) ListByQueueItem(ctx context.Context, queueItemID string) ([]domain.Call, error) {
	recs, err := r.store.GetRecords(ctx, TableCalls, Filter{Equals: map[string]any{fieldQueueItemID: queueItemID}})
	if err != nil {
		return nil, fmt.Errorf("calls: list by queue item: %w", err)
	}
	calls := make([]domain.Call, 0, len(recs))
	for _, rec := range recs {
		calls = append(calls, callFromRecord(rec))
	}
	return calls, nil
}

// Save writes the call if its stored status still equals expected.
func (r *CallRepository) Save(ctx context.Context, call *domain.Call, expected domain.CallStatus) error {
	rec, err := r.store.CompareAndUpdate(ctx, TableCalls, call.ID, fieldStatus, string(expected), callToFields(call))
	if err != nil {
		return fmt.Errorf("calls: save %s: %w", call.ID, err)
	}
	call.UpdatedAt = rec.UpdatedAt
	return nil
}
