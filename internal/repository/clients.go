package repository

import (
	"context"
	"fmt"

	"github.com/acme/lead-call-queue/internal/domain"
)

// ClientRepository reads client configuration from the Clients table.
type ClientRepository struct {
	store RecordStore
}

// NewClientRepository constructs a repository over the record store.
func NewClientRepository(store RecordStore) *ClientRepository {
	return &ClientRepository{store: store}
}

// Create inserts a client.
func (r *ClientRepository) Create(ctx context.Context, client *domain.Client) error {
	rec, err := r.store.CreateRecord(ctx, TableClients, clientToFields(client))
	if err != nil {
		return fmt.Errorf("clients: create: %w", err)
	}
	client.ID = rec.ID
	client.CreatedAt = rec.CreatedAt
	client.UpdatedAt = rec.UpdatedAt
	return nil
}

// Get fetches a client by id.
func (r *ClientRepository) Get(ctx context.Context, id string) (*domain.Client, error) {
	rec, err := r.store.GetRecord(ctx, TableClients, id)
	if err != nil {
		return nil, fmt.Errorf("clients: get %s: %w", id, err)
	}
	client := clientFromRecord(*rec)
	return &client, nil
}

// ListActive returns clients whose queues should be processed.
func (r *ClientRepository) ListActive(ctx context.Context) ([]domain.Client, error) {
	recs, err := r.store.GetRecords(ctx, TableClients, Filter{Equals: map[string]any{fieldActive: true}})
	if err != nil {
		return nil, fmt.Errorf("clients: list active: %w", err)
	}
	clients := make([]domain.Client, 0, len(recs))
	for _, rec := range recs {
		clients = append(clients, clientFromRecord(rec))
	}
	return clients, nil
}
