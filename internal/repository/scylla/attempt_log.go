package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/lead-call-queue/internal/domain"
)

const attemptsTable = `CREATE TABLE IF NOT EXISTS call_attempts_by_item (
	queue_item_id text,
	created_at timestamp,
	attempt int,
	client_id text,
	lead_id text,
	provider_call_id text,
	status text,
	error text,
	PRIMARY KEY ((queue_item_id), created_at, attempt)
) WITH CLUSTERING ORDER BY (created_at DESC, attempt DESC)`

// AttemptLog appends dial attempts to Scylla, partitioned by queue item.
type AttemptLog struct {
	session *gocql.Session
}

// NewAttemptLog creates a new attempt log.
func NewAttemptLog(session *gocql.Session) *AttemptLog {
	return &AttemptLog{session: session}
}

// EnsureSchema creates the attempts table in the session keyspace.
func (l *AttemptLog) EnsureSchema(ctx context.Context) error {
	if err := l.session.Query(attemptsTable).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt log: create table: %w", err)
	}
	return nil
}

// Append records one attempt.
func (l *AttemptLog) Append(ctx context.Context, attempt domain.CallAttempt) error {
	createdAt := attempt.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if err := l.session.Query(`INSERT INTO call_attempts_by_item (queue_item_id, created_at, attempt, client_id, lead_id, provider_call_id, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.QueueItemID, createdAt, attempt.Attempt, attempt.ClientID, attempt.LeadID,
		attempt.ProviderCallID, attempt.Status, attempt.Error,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt log: append: %w", err)
	}
	return nil
}

// ListByQueueItem returns the newest attempts for a queue item first.
func (l *AttemptLog) ListByQueueItem(ctx context.Context, queueItemID string, limit int) ([]domain.CallAttempt, error) {
	if limit <= 0 {
		limit = 50
	}

	iter := l.session.Query(`SELECT created_at, attempt, client_id, lead_id, provider_call_id, status, error
		FROM call_attempts_by_item WHERE queue_item_id = ? LIMIT ?`, queueItemID, limit).WithContext(ctx).Iter()

	var (
		attempts  []domain.CallAttempt
		createdAt time.Time
		number    int
		clientID  string
		leadID    string
		callID    string
		status    string
		errText   string
	)
	for iter.Scan(&createdAt, &number, &clientID, &leadID, &callID, &status, &errText) {
		attempts = append(attempts, domain.CallAttempt{
			QueueItemID:    queueItemID,
			ClientID:       clientID,
			LeadID:         leadID,
			Attempt:        number,
			ProviderCallID: callID,
			Status:         status,
			Error:          errText,
			CreatedAt:      createdAt,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt log: iter close: %w", err)
	}
	return attempts, nil
}
