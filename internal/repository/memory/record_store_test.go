package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/acme/lead-call-queue/internal/repository"
)

func TestRecordStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewRecordStore()

	rec, err := store.CreateRecord(ctx, repository.TableQueue, repository.Fields{"status": "pending", "clientId": "c1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("expected generated id")
	}

	got, err := store.GetRecord(ctx, repository.TableQueue, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Fields["clientId"] != "c1" {
		t.Fatalf("unexpected fields: %v", got.Fields)
	}

	got.Fields["clientId"] = "mutated"
	again, _ := store.GetRecord(ctx, repository.TableQueue, rec.ID)
	if again.Fields["clientId"] != "c1" {
		t.Fatalf("store leaked internal map to caller")
	}

	updated, err := store.UpdateRecord(ctx, repository.TableQueue, rec.ID, repository.Fields{"notes": "hi"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Fields["notes"] != "hi" || updated.Fields["status"] != "pending" {
		t.Fatalf("update should merge fields, got %v", updated.Fields)
	}

	if err := store.DeleteRecord(ctx, repository.TableQueue, rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetRecord(ctx, repository.TableQueue, rec.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestRecordStoreCompareAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewRecordStore()
	rec, _ := store.CreateRecord(ctx, repository.TableQueue, repository.Fields{"status": "pending"})

	if _, err := store.CompareAndUpdate(ctx, repository.TableQueue, rec.ID, "status", "scheduled", repository.Fields{"status": "in_progress"}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.CompareAndUpdate(ctx, repository.TableQueue, rec.ID, "status", "pending", repository.Fields{"status": "in_progress"}); err != nil {
		t.Fatalf("expected swap to succeed: %v", err)
	}
	if _, err := store.CompareAndUpdate(ctx, repository.TableQueue, rec.ID, "status", "pending", repository.Fields{"status": "cancelled"}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("second swap from stale status should conflict, got %v", err)
	}
	if _, err := store.CompareAndUpdate(ctx, repository.TableQueue, "missing", "status", "pending", nil); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordStoreFilters(t *testing.T) {
	ctx := context.Background()
	store := NewRecordStore()
	for _, f := range []repository.Fields{
		{"clientId": "a", "status": "pending", "active": true},
		{"clientId": "a", "status": "completed", "active": false},
		{"clientId": "b", "status": "scheduled", "active": true},
		{"clientId": "a", "status": "scheduled", "active": true},
	} {
		if _, err := store.CreateRecord(ctx, repository.TableQueue, f); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	recs, err := store.GetRecords(ctx, repository.TableQueue, repository.Filter{
		Equals: map[string]any{"clientId": "a"},
		In:     map[string][]string{"status": {"pending", "scheduled"}},
	})
	if err != nil {
		t.Fatalf("get records: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Fields["status"] != "pending" || recs[1].Fields["status"] != "scheduled" {
		t.Fatalf("expected insertion order, got %v then %v", recs[0].Fields["status"], recs[1].Fields["status"])
	}

	active, _ := store.GetRecords(ctx, repository.TableQueue, repository.Filter{Equals: map[string]any{"active": true}})
	if len(active) != 3 {
		t.Fatalf("expected 3 active records, got %d", len(active))
	}

	other, _ := store.GetRecords(ctx, repository.TableCalls, repository.Filter{})
	if len(other) != 0 {
		t.Fatalf("tables should be isolated, got %d", len(other))
	}
}
