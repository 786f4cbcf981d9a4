package domain

import (
	"time"
)

// ItemType classifies what a queue item asks the operator or dialer to do.
type ItemType string

const (
	ItemTypeCall     ItemType = "call"
	ItemTypeFollowUp ItemType = "follow_up"
	ItemTypeMeeting  ItemType = "meeting"
	ItemTypeTask     ItemType = "task"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeCall, ItemTypeFollowUp, ItemTypeMeeting, ItemTypeTask:
		return true
	}
	return false
}

// Priority is the dispatch ordering tier of a queue item.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists every priority from most to least important.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Rank orders priorities; lower ranks are dispatched first. Unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// ItemStatus enumerates the lifecycle states of a queue item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusScheduled  ItemStatus = "scheduled"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusCancelled  ItemStatus = "cancelled"
)

// Waiting reports whether the item is queued but not yet dispatched.
// Scheduled is the pending variant with a future ScheduledAt.
func (s ItemStatus) Waiting() bool {
	return s == ItemStatusPending || s == ItemStatusScheduled
}

// Active reports whether the item blocks another item for the same lead.
func (s ItemStatus) Active() bool {
	return s.Waiting() || s == ItemStatusInProgress
}

// Terminal reports whether no further transitions are allowed.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed || s == ItemStatusCancelled
}

// DefaultMaxRetries applies when an item is enqueued without an explicit retry ceiling.
const DefaultMaxRetries = 3

// QueueItem is one scheduled dial attempt (or operator task) for a lead.
type QueueItem struct {
	ID          string
	ClientID    string
	LeadID      string
	Type        ItemType
	Priority    Priority
	Status      ItemStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	RetryCount  int
	MaxRetries  int
	AssignedTo  string
	Notes       string
	Tags        []string
	CallID      string
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueueStats aggregates queue metrics for a client.
type QueueStats struct {
	Total        int
	ByStatus     map[ItemStatus]int
	ByPriority   map[Priority]int
	AverageWait  time.Duration
	OverdueCount int
}
