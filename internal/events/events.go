// Package events publishes queue and call lifecycle changes for downstream consumers.
package events

import (
	"context"
	"time"
)

// Type names a lifecycle change.
type Type string

const (
	TypeItemEnqueued    Type = "queue_item.enqueued"
	TypeItemDispatched  Type = "queue_item.dispatched"
	TypeItemCompleted   Type = "queue_item.completed"
	TypeItemRetry       Type = "queue_item.retry_scheduled"
	TypeItemFailed      Type = "queue_item.failed"
	TypeItemCancelled   Type = "queue_item.cancelled"
	TypeItemRescheduled Type = "queue_item.rescheduled"
	TypeCallUpdated     Type = "call.updated"
)

// Event is the message written to the events topic.
type Event struct {
	Type           Type      `json:"type"`
	ClientID       string    `json:"client_id"`
	LeadID         string    `json:"lead_id,omitempty"`
	QueueItemID    string    `json:"queue_item_id,omitempty"`
	CallID         string    `json:"call_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Outcome        string    `json:"outcome,omitempty"`
	RetryCount     int       `json:"retry_count,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ScheduledAt    time.Time `json:"scheduled_at,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher emits events. Callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
