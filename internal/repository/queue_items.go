package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/acme/lead-call-queue/internal/domain"
)

// QueueItemRepository persists queue items in the Queue table.
type QueueItemRepository struct {
	store RecordStore
}

// NewQueueItemRepository constructs a repository over the record store.
func NewQueueItemRepository(store RecordStore) *QueueItemRepository {
	return &QueueItemRepository{store: store}
}

// Create inserts the item and fills in its identity and timestamps.
func (r *QueueItemRepository) Create(ctx context.Context, item *domain.QueueItem) error {
	rec, err := r.store.CreateRecord(ctx, TableQueue, queueItemToFields(item))
	if err != nil {
		return fmt.Errorf("queue items: create: %w", err)
	}
	item.ID = rec.ID
	item.CreatedAt = rec.CreatedAt
	item.UpdatedAt = rec.UpdatedAt
	return nil
}

// Get fetches an item by id.
func (r *QueueItemRepository) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	rec, err := r.store.GetRecord(ctx, TableQueue, id)
	if err != nil {
		return nil, fmt.Errorf("queue items: get %s: %w", id, err)
	}
	item := queueItemFromRecord(*rec)
	return &item, nil
}

// ListByClient returns a client's items, optionally restricted to the given statuses.
// Items are returned in creation order.
func (r *QueueItemRepository) ListByClient(ctx context.Context, clientID string, statuses ...domain.ItemStatus) ([]domain.QueueItem, error) {
	filter := Filter{Equals: map[string]any{fieldClientID: clientID}}
	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, s := range statuses {
			values = append(values, string(s))
		}
		filter.In = map[string][]string{fieldStatus: values}
	}
	return r.list(ctx, filter)
}

// ListByLead returns every item recorded for a (client, lead) pair.
func (r *QueueItemRepository) ListByLead(ctx context.Context, clientID, leadID string) ([]domain.QueueItem, error) {
	return r.list(ctx, Filter{Equals: map[string]any{fieldClientID: clientID, fieldLeadID: leadID}})
}

// ListByStatus returns items of any client in the given status.
func (r *QueueItemRepository) ListByStatus(ctx context.Context, status domain.ItemStatus) ([]domain.QueueItem, error) {
	return r.list(ctx, Filter{Equals: map[string]any{fieldStatus: string(status)}})
}

// Save writes the item if its stored status still equals expected.
func (r *QueueItemRepository) Save(ctx context.Context, item *domain.QueueItem, expected domain.ItemStatus) error {
	rec, err := r.store.CompareAndUpdate(ctx, TableQueue, item.ID, fieldStatus, string(expected), queueItemToFields(item))
	if err != nil {
		return fmt.Errorf("queue items: save %s: %w", item.ID, err)
	}
	item.UpdatedAt = rec.UpdatedAt
	return nil
}

// Delete removes an item. Only used to retract an insert that lost a uniqueness race.
func (r *QueueItemRepository) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteRecord(ctx, TableQueue, id); err != nil {
		return fmt.Errorf("queue items: delete %s: %w", id, err)
	}
	return nil
}

func (r *QueueItemRepository) list(ctx context.Context, filter Filter) ([]domain.QueueItem, error) {
	recs, err := r.store.GetRecords(ctx, TableQueue, filter)
	if err != nil {
		return nil, fmt.Errorf("queue items: list: %w", err)
	}
	items := make([]domain.QueueItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, queueItemFromRecord(rec))
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}
