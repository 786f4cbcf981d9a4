package repository

import (
	"context"
	"fmt"

	"github.com/acme/lead-call-queue/internal/domain"
)

// LeadRepository reads and updates leads in the Leads table.
type LeadRepository struct {
	store RecordStore
}

// NewLeadRepository constructs a repository over the record store.
func NewLeadRepository(store RecordStore) *LeadRepository {
	return &LeadRepository{store: store}
}

// Create inserts a lead.
func (r *LeadRepository) Create(ctx context.Context, lead *domain.Lead) error {
	rec, err := r.store.CreateRecord(ctx, TableLeads, leadToFields(lead))
	if err != nil {
		return fmt.Errorf("leads: create: %w", err)
	}
	lead.ID = rec.ID
	lead.UpdatedAt = rec.UpdatedAt
	return nil
}

// Get fetches a lead by id.
func (r *LeadRepository) Get(ctx context.Context, id string) (*domain.Lead, error) {
	rec, err := r.store.GetRecord(ctx, TableLeads, id)
	if err != nil {
		return nil, fmt.Errorf("leads: get %s: %w", id, err)
	}
	lead := leadFromRecord(*rec)
	return &lead, nil
}

// Update overwrites the lead's tracked fields.
func (r *LeadRepository) Update(ctx context.Context, lead *domain.Lead) error {
	rec, err := r.store.UpdateRecord(ctx, TableLeads, lead.ID, leadToFields(lead))
	if err != nil {
		return fmt.Errorf("leads: update %s: %w", lead.ID, err)
	}
	lead.UpdatedAt = rec.UpdatedAt
	return nil
}
