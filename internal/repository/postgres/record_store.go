package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-call-queue/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	table_name TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	fields     JSONB       NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (table_name, id)
);
CREATE INDEX IF NOT EXISTS records_client_status_idx
	ON records (table_name, (fields->>'clientId'), (fields->>'status'));
CREATE INDEX IF NOT EXISTS records_call_id_idx
	ON records (table_name, (fields->>'callId'));
`

// RecordStore keeps every table's records as JSONB documents in a single Postgres table.
type RecordStore struct {
	db *sqlx.DB
}

// NewRecordStore constructs the store.
func NewRecordStore(db *sqlx.DB) *RecordStore {
	return &RecordStore{db: db}
}

// EnsureSchema creates the records table and its indexes if absent.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, stmt := range strings.Split(schema, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("records: ensure schema: %w", err)
			}
		}
		return nil
	})
}

type recordRow struct {
	ID        string    `db:"id"`
	Fields    string    `db:"fields"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r recordRow) toModel() (repository.Record, error) {
	fields := repository.Fields{}
	dec := json.NewDecoder(bytes.NewReader([]byte(r.Fields)))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return repository.Record{}, fmt.Errorf("records: decode fields of %s: %w", r.ID, err)
	}
	return repository.Record{
		ID:        r.ID,
		Fields:    fields,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}, nil
}

const selectColumns = `id, fields::text AS fields, created_at, updated_at`

// GetRecords returns the records in table matching filter, oldest first.
func (s *RecordStore) GetRecords(ctx context.Context, table repository.Table, filter repository.Filter) ([]repository.Record, error) {
	var (
		clauses = []string{"table_name = $1"}
		args    = []any{string(table)}
	)
	for k, v := range filter.Equals {
		args = append(args, k, fmt.Sprint(v))
		clauses = append(clauses, fmt.Sprintf("fields->>($%d::text) = $%d", len(args)-1, len(args)))
	}
	for k, values := range filter.In {
		args = append(args, k, values)
		clauses = append(clauses, fmt.Sprintf("fields->>($%d::text) = ANY($%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + selectColumns + ` FROM records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("records: select %s: %w", table, err)
	}

	out := make([]repository.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetRecord fetches a single record.
func (s *RecordStore) GetRecord(ctx context.Context, table repository.Table, id string) (*repository.Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM records WHERE table_name = $1 AND id = $2`, string(table), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("records: %s/%s: %w", table, id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("records: get %s/%s: %w", table, id, err)
	}
	rec, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecord inserts fields under a new id.
func (s *RecordStore) CreateRecord(ctx context.Context, table repository.Table, fields repository.Fields) (*repository.Record, error) {
	payload, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var row recordRow
	err = s.db.GetContext(ctx, &row, `INSERT INTO records (table_name, id, fields, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $4)
		RETURNING `+selectColumns, string(table), uuid.NewString(), payload, now)
	if err != nil {
		return nil, fmt.Errorf("records: insert %s: %w", table, err)
	}
	rec, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateRecord merges fields into the stored document.
func (s *RecordStore) UpdateRecord(ctx context.Context, table repository.Table, id string, fields repository.Fields) (*repository.Record, error) {
	payload, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}

	var row recordRow
	err = s.db.GetContext(ctx, &row, `UPDATE records SET fields = fields || $3::jsonb, updated_at = $4
		WHERE table_name = $1 AND id = $2
		RETURNING `+selectColumns, string(table), id, payload, time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("records: %s/%s: %w", table, id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("records: update %s/%s: %w", table, id, err)
	}
	rec, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CompareAndUpdate merges fields only while the stored value of field equals expected.
func (s *RecordStore) CompareAndUpdate(ctx context.Context, table repository.Table, id, field string, expected any, fields repository.Fields) (*repository.Record, error) {
	payload, err := encodeFields(fields)
	if err != nil {
		return nil, err
	}

	var row recordRow
	err = s.db.GetContext(ctx, &row, `UPDATE records SET fields = fields || $3::jsonb, updated_at = $4
		WHERE table_name = $1 AND id = $2 AND fields->>($5::text) = $6
		RETURNING `+selectColumns, string(table), id, payload, time.Now().UTC(), field, fmt.Sprint(expected))
	if err == nil {
		rec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		return &rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("records: compare and update %s/%s: %w", table, id, err)
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM records WHERE table_name = $1 AND id = $2)`, string(table), id); err != nil {
		return nil, fmt.Errorf("records: check %s/%s: %w", table, id, err)
	}
	if !exists {
		return nil, fmt.Errorf("records: %s/%s: %w", table, id, repository.ErrNotFound)
	}
	return nil, fmt.Errorf("records: %s/%s: %s no longer %v: %w", table, id, field, expected, repository.ErrConflict)
}

// DeleteRecord removes a record.
func (s *RecordStore) DeleteRecord(ctx context.Context, table repository.Table, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE table_name = $1 AND id = $2`, string(table), id)
	if err != nil {
		return fmt.Errorf("records: delete %s/%s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("records: delete %s/%s rows affected: %w", table, id, err)
	}
	if n == 0 {
		return fmt.Errorf("records: %s/%s: %w", table, id, repository.ErrNotFound)
	}
	return nil
}

func encodeFields(fields repository.Fields) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("records: marshal fields: %w", err)
	}
	return string(payload), nil
}
