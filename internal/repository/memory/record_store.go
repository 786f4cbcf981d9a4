// Package memory provides an in-process RecordStore used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-call-queue/internal/repository"
)

type entry struct {
	seq    uint64
	record repository.Record
}

// RecordStore keeps records in maps keyed by table and id.
type RecordStore struct {
	mu     sync.RWMutex
	tables map[repository.Table]map[string]*entry
	seq    uint64
	now    func() time.Time
}

// NewRecordStore returns an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		tables: make(map[repository.Table]map[string]*entry),
		now:    time.Now,
	}
}

// WithClock overrides the timestamp source.
func (s *RecordStore) WithClock(now func() time.Time) *RecordStore {
	s.now = now
	return s
}

// GetRecords returns every record in table matching filter, oldest first.
func (s *RecordStore) GetRecords(ctx context.Context, table repository.Table, filter repository.Filter) ([]repository.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*entry
	for _, e := range s.tables[table] {
		if matches(e.record.Fields, filter) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]repository.Record, 0, len(matched))
	for _, e := range matched {
		out = append(out, cloneRecord(e.record))
	}
	return out, nil
}

// GetRecord fetches a single record.
func (s *RecordStore) GetRecord(ctx context.Context, table repository.Table, id string) (*repository.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tables[table][id]
	if !ok {
		return nil, fmt.Errorf("memory: %s/%s: %w", table, id, repository.ErrNotFound)
	}
	rec := cloneRecord(e.record)
	return &rec, nil
}

// CreateRecord stores fields under a fresh id.
func (s *RecordStore) CreateRecord(ctx context.Context, table repository.Table, fields repository.Fields) (*repository.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.seq++
	rec := repository.Record{
		ID:        uuid.NewString(),
		Fields:    cloneFields(fields),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]*entry)
	}
	s.tables[table][rec.ID] = &entry{seq: s.seq, record: rec}

	out := cloneRecord(rec)
	return &out, nil
}

// UpdateRecord merges fields into an existing record.
func (s *RecordStore) UpdateRecord(ctx context.Context, table repository.Table, id string, fields repository.Fields) (*repository.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tables[table][id]
	if !ok {
		return nil, fmt.Errorf("memory: %s/%s: %w", table, id, repository.ErrNotFound)
	}
	return s.merge(e, fields), nil
}

// CompareAndUpdate merges fields when the stored value of field equals expected.
func (s *RecordStore) CompareAndUpdate(ctx context.Context, table repository.Table, id, field string, expected any, fields repository.Fields) (*repository.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tables[table][id]
	if !ok {
		return nil, fmt.Errorf("memory: %s/%s: %w", table, id, repository.ErrNotFound)
	}
	if !equal(e.record.Fields[field], expected) {
		return nil, fmt.Errorf("memory: %s/%s: %s is %v, expected %v: %w",
			table, id, field, e.record.Fields[field], expected, repository.ErrConflict)
	}
	return s.merge(e, fields), nil
}

// DeleteRecord removes a record.
func (s *RecordStore) DeleteRecord(ctx context.Context, table repository.Table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[table][id]; !ok {
		return fmt.Errorf("memory: %s/%s: %w", table, id, repository.ErrNotFound)
	}
	delete(s.tables[table], id)
	return nil
}

func (s *RecordStore) merge(e *entry, fields repository.Fields) *repository.Record {
	for k, v := range cloneFields(fields) {
		e.record.Fields[k] = v
	}
	e.record.UpdatedAt = s.now().UTC()
	out := cloneRecord(e.record)
	return &out
}

func matches(fields repository.Fields, filter repository.Filter) bool {
	for k, want := range filter.Equals {
		if !equal(fields[k], want) {
			return false
		}
	}
	for k, options := range filter.In {
		got := fmt.Sprint(fields[k])
		found := false
		for _, o := range options {
			if got == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func cloneRecord(r repository.Record) repository.Record {
	r.Fields = cloneFields(r.Fields)
	return r
}

func cloneFields(f repository.Fields) repository.Fields {
	out := make(repository.Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	}
	return v
}
