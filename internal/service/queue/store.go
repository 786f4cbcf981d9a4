package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/lead-call-queue/internal/domain"
	"github.com/acme/lead-call-queue/internal/events"
	"github.com/acme/lead-call-queue/internal/policy"
	"github.com/acme/lead-call-queue/internal/repository"
	"github.com/acme/lead-call-queue/internal/service/common"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
	"github.com/acme/lead-call-queue/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	overdueAfter     = 15 * time.Minute
	pairLockStripes  = 64
)

// ErrStaleCall is returned when a call outcome arrives for an attempt the item has moved past.
var ErrStaleCall = fmt.Errorf("%w: call is not the item's current attempt", apperrors.ErrInvalidState)

// DuplicateError reports that the lead already has an active queue item.
type DuplicateError struct {
	ClientID   string
	LeadID     string
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("lead %s of client %s already has active queue item %s", e.LeadID, e.ClientID, e.ExistingID)
}

// Unwrap lets callers match duplicates with errors.Is(err, apperrors.ErrConflict).
func (e *DuplicateError) Unwrap() error { return apperrors.ErrConflict }

// Options tunes the store.
type Options struct {
	// RetryDelays is used for clients that do not configure their own schedule.
	RetryDelays []time.Duration
	// MaxRetries applies when an enqueue request does not set one.
	MaxRetries int
	Clock      func() time.Time
}

// Store owns every queue item state transition.
type Store struct {
	items     *repository.QueueItemRepository
	clients   *repository.ClientRepository
	publisher events.Publisher
	log       *logger.Logger

	retryDelays []time.Duration
	maxRetries  int
	now         func() time.Time

	pairLocks [pairLockStripes]sync.Mutex
}

// NewStore constructs a queue store.
func NewStore(
	items *repository.QueueItemRepository,
	clients *repository.ClientRepository,
	publisher events.Publisher,
	log *logger.Logger,
	opts Options,
) *Store {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = domain.DefaultMaxRetries
	}
	return &Store{
		items:       items,
		clients:     clients,
		publisher:   publisher,
		log:         log.Named("queue"),
		retryDelays: opts.RetryDelays,
		maxRetries:  opts.MaxRetries,
		now:         opts.Clock,
	}
}

// EnqueueInput captures a request to queue a lead.
type EnqueueInput struct {
	ClientID    string
	LeadID      string
	Type        domain.ItemType
	Priority    domain.Priority
	ScheduledAt *time.Time
	MaxRetries  *int
	AssignedTo  string
	Notes       string
	Tags        []string
}

// Enqueue validates and stores a new item. A lead may hold at most one active item;
// a second request yields a *DuplicateError.
func (s *Store) Enqueue(ctx context.Context, in EnqueueInput) (*domain.QueueItem, error) {
	item, err := s.buildItem(in)
	if err != nil {
		return nil, err
	}

	mu := s.pairLock(item.ClientID, item.LeadID)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := s.activeForLead(ctx, item.ClientID, item.LeadID); err != nil {
		return nil, err
	} else if len(existing) > 0 {
		return nil, &DuplicateError{ClientID: item.ClientID, LeadID: item.LeadID, ExistingID: existing[0].ID}
	}

	if err := s.items.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("queue store: enqueue: %w", err)
	}

	// Another process may have inserted concurrently; the oldest active item wins.
	active, err := s.activeForLead(ctx, item.ClientID, item.LeadID)
	if err != nil {
		return nil, err
	}
	if winner := oldest(active); winner != nil && winner.ID != item.ID {
		if err := s.items.Delete(ctx, item.ID); err != nil {
			s.log.Warn("retract duplicate insert", zap.String("queue_item_id", item.ID), zap.Error(err))
		}
		return nil, &DuplicateError{ClientID: item.ClientID, LeadID: item.LeadID, ExistingID: winner.ID}
	}

	s.publish(ctx, events.TypeItemEnqueued, item, "", "")
	return item, nil
}

func (s *Store) buildItem(in EnqueueInput) (*domain.QueueItem, error) {
	if strings.TrimSpace(in.ClientID) == "" {
		return nil, fmt.Errorf("%w: clientId is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(in.LeadID) == "" {
		return nil, fmt.Errorf("%w: leadId is required", apperrors.ErrValidation)
	}
	if in.Type == "" {
		in.Type = domain.ItemTypeCall
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: invalid type %q", apperrors.ErrValidation, in.Type)
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	if !in.Priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %q", apperrors.ErrValidation, in.Priority)
	}
	maxRetries := s.maxRetries
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: maxRetries must not be negative", apperrors.ErrValidation)
		}
		maxRetries = *in.MaxRetries
	}

	now := s.now().UTC()
	item := &domain.QueueItem{
		ClientID:    in.ClientID,
		LeadID:      in.LeadID,
		Type:        in.Type,
		Priority:    in.Priority,
		Status:      domain.ItemStatusPending,
		ScheduledAt: now,
		MaxRetries:  maxRetries,
		AssignedTo:  in.AssignedTo,
		Notes:       in.Notes,
		Tags:        in.Tags,
	}
	if in.ScheduledAt != nil && !in.ScheduledAt.IsZero() {
		item.ScheduledAt = in.ScheduledAt.UTC()
		if item.ScheduledAt.After(now) {
			item.Status = domain.ItemStatusScheduled
		}
	}
	return item, nil
}

func (s *Store) pairLock(clientID, leadID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(leadID))
	return &s.pairLocks[h.Sum32()%pairLockStripes]
}

func (s *Store) activeForLead(ctx context.Context, clientID, leadID string) ([]domain.QueueItem, error) {
	items, err := s.items.ListByLead(ctx, clientID, leadID)
	if err != nil {
		return nil, fmt.Errorf("queue store: check duplicates: %w", err)
	}
	active := items[:0]
	for _, it := range items {
		if it.Status.Active() {
			active = append(active, it)
		}
	}
	return active, nil
}

func oldest(items []domain.QueueItem) *domain.QueueItem {
	var best *domain.QueueItem
	for i := range items {
		it := &items[i]
		if best == nil || it.CreatedAt.Before(best.CreatedAt) ||
			(it.CreatedAt.Equal(best.CreatedAt) && it.ID < best.ID) {
			best = it
		}
	}
	return best
}

// Get returns a single item.
func (s *Store) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	item, err := s.items.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("queue store: %w", err)
	}
	return item, nil
}

// ListEligible returns the client's waiting items due at now, urgent first, then oldest scheduledAt.
func (s *Store) ListEligible(ctx context.Context, clientID string, now time.Time) ([]domain.QueueItem, error) {
	items, err := s.items.ListByClient(ctx, clientID, domain.ItemStatusPending, domain.ItemStatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("queue store: list eligible: %w", err)
	}
	eligible := items[:0]
	for _, it := range items {
		if !it.ScheduledAt.After(now) {
			eligible = append(eligible, it)
		}
	}
	SortByDispatchOrder(eligible)
	return eligible, nil
}

// SortByDispatchOrder orders items by priority rank, then scheduledAt, then creation time.
func SortByDispatchOrder(items []domain.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// CountInProgress returns how many of the client's items are currently dispatched.
func (s *Store) CountInProgress(ctx context.Context, clientID string) (int, error) {
	items, err := s.items.ListByClient(ctx, clientID, domain.ItemStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("queue store: count in progress: %w", err)
	}
	return len(items), nil
}

// MarkInProgress claims a waiting item for dispatch.
func (s *Store) MarkInProgress(ctx context.Context, id string) (*domain.QueueItem, error) {
	return s.transition(ctx, id, events.TypeItemDispatched, "", func(item *domain.QueueItem, now time.Time) error {
		if !item.Status.Waiting() {
			return invalidState(item, domain.ItemStatusInProgress)
		}
		item.Status = domain.ItemStatusInProgress
		item.StartedAt = &now
		item.LastError = ""
		item.CallID = ""
		return nil
	})
}

// AttachCall records the provider call id on a dispatched item.
func (s *Store) AttachCall(ctx context.Context, id, providerCallID string) (*domain.QueueItem, error) {
	item, err := s.items.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("queue store: attach call: %w", err)
	}
	if item.Status != domain.ItemStatusInProgress {
		return nil, invalidState(item, domain.ItemStatusInProgress)
	}
	item.CallID = providerCallID
	if err := s.items.Save(ctx, item, domain.ItemStatusInProgress); err != nil {
		return nil, fmt.Errorf("queue store: attach call: %w", err)
	}
	return item, nil
}

// MarkCompleted finishes a dispatched item.
func (s *Store) MarkCompleted(ctx context.Context, id string) (*domain.QueueItem, error) {
	return s.markCompleted(ctx, id, "")
}

// CompleteCall finishes the item only while providerCallID is its current attempt.
// An outcome for an earlier attempt returns ErrStaleCall and leaves the item untouched.
func (s *Store) CompleteCall(ctx context.Context, id, providerCallID string) (*domain.QueueItem, error) {
	return s.markCompleted(ctx, id, providerCallID)
}

func (s *Store) markCompleted(ctx context.Context, id, providerCallID string) (*domain.QueueItem, error) {
	return s.transition(ctx, id, events.TypeItemCompleted, "", func(item *domain.QueueItem, now time.Time) error {
		if item.Status != domain.ItemStatusInProgress {
			return invalidState(item, domain.ItemStatusCompleted)
		}
		if err := checkCall(item, providerCallID); err != nil {
			return err
		}
		item.Status = domain.ItemStatusCompleted
		item.CompletedAt = &now
		return nil
	})
}

// MarkFailed records a failed attempt. With retry set and retries remaining the item
// returns to pending after the back-off; otherwise it is terminally failed.
func (s *Store) MarkFailed(ctx context.Context, id string, retry bool, reason string) (*domain.QueueItem, error) {
	return s.markFailed(ctx, id, "", retry, reason)
}

// FailCall is MarkFailed for the outcome of a specific provider call. It applies only
// to an in-progress item whose current attempt is providerCallID.
func (s *Store) FailCall(ctx context.Context, id, providerCallID string, retry bool, reason string) (*domain.QueueItem, error) {
	return s.markFailed(ctx, id, providerCallID, retry, reason)
}

func (s *Store) markFailed(ctx context.Context, id, providerCallID string, retry bool, reason string) (*domain.QueueItem, error) {
	item, err := s.items.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("queue store: mark failed: %w", err)
	}
	if !item.Status.Active() {
		return nil, invalidState(item, domain.ItemStatusFailed)
	}
	if providerCallID != "" {
		if item.Status != domain.ItemStatusInProgress {
			return nil, invalidState(item, domain.ItemStatusFailed)
		}
		if err := checkCall(item, providerCallID); err != nil {
			return nil, err
		}
	}

	from := item.Status
	now := s.now().UTC()
	item.LastError = reason
	item.StartedAt = nil

	eventType := events.TypeItemFailed
	if retry && item.RetryCount < item.MaxRetries {
		item.RetryCount++
		item.Status = domain.ItemStatusPending
		item.ScheduledAt = s.retryAt(ctx, item, now)
		eventType = events.TypeItemRetry
	} else {
		item.Status = domain.ItemStatusFailed
		item.CompletedAt = &now
	}

	if err := s.items.Save(ctx, item, from); err != nil {
		return nil, fmt.Errorf("queue store: mark failed: %w", err)
	}
	s.publish(ctx, eventType, item, from, reason)
	return item, nil
}

// checkCall rejects an outcome for a call other than the item's current attempt.
// An empty providerCallID skips the check.
func checkCall(item *domain.QueueItem, providerCallID string) error {
	if providerCallID == "" || item.CallID == providerCallID {
		return nil
	}
	return fmt.Errorf("%w: queue item %s is on call %q, not %q", ErrStaleCall, item.ID, item.CallID, providerCallID)
}

// retryAt applies the client's back-off and moves the result into the next dialing window.
func (s *Store) retryAt(ctx context.Context, item *domain.QueueItem, now time.Time) time.Time {
	delays := s.retryDelays
	var schedule *domain.ClientScheduleConfig
	if s.clients != nil {
		client, err := s.clients.Get(ctx, item.ClientID)
		switch {
		case err == nil:
			schedule = &client.Schedule
			if len(client.Schedule.RetryDelays) > 0 {
				delays = client.Schedule.RetryDelays
			}
		case !errors.Is(err, repository.ErrNotFound):
			s.log.Warn("load client for retry delay", zap.String("client_id", item.ClientID), zap.Error(err))
		}
	}

	at := now.Add(policy.RetryDelay(item.RetryCount-1, delays))
	if schedule != nil && !policy.IsDialingPermitted(at, *schedule) {
		if next := policy.NextPermittedInstant(at, *schedule); !next.IsZero() {
			at = next
		}
	}
	return at.UTC()
}

// Reschedule moves a waiting item to a later time without consuming a retry.
func (s *Store) Reschedule(ctx context.Context, id string, at time.Time, reason string) (*domain.QueueItem, error) {
	return s.transition(ctx, id, events.TypeItemRescheduled, reason, func(item *domain.QueueItem, now time.Time) error {
		if !item.Status.Waiting() {
			return invalidState(item, domain.ItemStatusScheduled)
		}
		item.ScheduledAt = at.UTC()
		item.LastError = reason
		if at.After(now) {
			item.Status = domain.ItemStatusScheduled
		}
		return nil
	})
}

// Cancel withdraws a waiting item.
func (s *Store) Cancel(ctx context.Context, id string) (*domain.QueueItem, error) {
	return s.transition(ctx, id, events.TypeItemCancelled, "", func(item *domain.QueueItem, now time.Time) error {
		if !item.Status.Waiting() {
			return invalidState(item, domain.ItemStatusCancelled)
		}
		item.Status = domain.ItemStatusCancelled
		item.CompletedAt = &now
		return nil
	})
}

func (s *Store) transition(
	ctx context.Context,
	id string,
	eventType events.Type,
	reason string,
	mutate func(item *domain.QueueItem, now time.Time) error,
) (*domain.QueueItem, error) {
	item, err := s.items.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("queue store: %w", err)
	}
	from := item.Status
	if err := mutate(item, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.items.Save(ctx, item, from); err != nil {
		return nil, fmt.Errorf("queue store: %s -> %s: %w", from, item.Status, err)
	}
	s.publish(ctx, eventType, item, from, reason)
	return item, nil
}

func invalidState(item *domain.QueueItem, to domain.ItemStatus) error {
	return fmt.Errorf("%w: queue item %s is %s, cannot move to %s", apperrors.ErrInvalidState, item.ID, item.Status, to)
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Statuses   []domain.ItemStatus
	Priorities []domain.Priority
	From       *time.Time
	To         *time.Time
	Search     string
	Limit      int
	PageToken  string
}

// ListResult is one page of items.
type ListResult struct {
	Items         []domain.QueueItem
	Total         int
	NextPageToken string
}

// List returns a page of the client's items ordered by scheduledAt.
func (s *Store) List(ctx context.Context, clientID string, filter ListFilter) (*ListResult, error) {
	offset, err := common.DecodePageToken(filter.PageToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	for _, st := range filter.Statuses {
		if !validStatus(st) {
			return nil, fmt.Errorf("%w: invalid status %q", apperrors.ErrValidation, st)
		}
	}
	for _, p := range filter.Priorities {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: invalid priority %q", apperrors.ErrValidation, p)
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	items, err := s.items.ListByClient(ctx, clientID, filter.Statuses...)
	if err != nil {
		return nil, fmt.Errorf("queue store: list: %w", err)
	}

	matched := make([]domain.QueueItem, 0, len(items))
	for _, it := range items {
		if matchesFilter(it, filter) {
			matched = append(matched, it)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].ScheduledAt.Equal(matched[j].ScheduledAt) {
			return matched[i].ScheduledAt.Before(matched[j].ScheduledAt)
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	result := &ListResult{Total: len(matched)}
	if offset >= len(matched) {
		result.Items = []domain.QueueItem{}
		return result, nil
	}
	end := offset + limit
	if end < len(matched) {
		result.NextPageToken = common.EncodePageToken(end)
	} else {
		end = len(matched)
	}
	result.Items = matched[offset:end]
	return result, nil
}

func validStatus(st domain.ItemStatus) bool {
	return st.Waiting() || st == domain.ItemStatusInProgress || st.Terminal()
}

func matchesFilter(it domain.QueueItem, f ListFilter) bool {
	if len(f.Priorities) > 0 {
		found := false
		for _, p := range f.Priorities {
			if it.Priority == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && it.ScheduledAt.Before(*f.From) {
		return false
	}
	if f.To != nil && it.ScheduledAt.After(*f.To) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		haystack := []string{it.LeadID, it.Notes, it.AssignedTo}
		haystack = append(haystack, it.Tags...)
		found := false
		for _, h := range haystack {
			if strings.Contains(strings.ToLower(h), q) {
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

// Stats aggregates the client's queue.
func (s *Store) Stats(ctx context.Context, clientID string) (*domain.QueueStats, error) {
	items, err := s.items.ListByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("queue store: stats: %w", err)
	}

	now := s.now().UTC()
	stats := &domain.QueueStats{
		Total:      len(items),
		ByStatus:   make(map[domain.ItemStatus]int),
		ByPriority: make(map[domain.Priority]int),
	}
	for _, p := range domain.Priorities {
		stats.ByPriority[p] = 0
	}

	var (
		waitTotal time.Duration
		waitCount int
	)
	for _, it := range items {
		stats.ByStatus[it.Status]++
		if it.Status.Waiting() {
			stats.ByPriority[it.Priority]++
			if now.Sub(it.ScheduledAt) > overdueAfter {
				stats.OverdueCount++
			}
		}
		if it.StartedAt != nil && it.StartedAt.After(it.CreatedAt) {
			waitTotal += it.StartedAt.Sub(it.CreatedAt)
			waitCount++
		}
	}
	if waitCount > 0 {
		stats.AverageWait = waitTotal / time.Duration(waitCount)
	}
	return stats, nil
}

// BatchResult reports the outcome of one entry of a batch schedule.
type BatchResult struct {
	LeadID string
	Item   *domain.QueueItem
	Err    error
}

// ScheduleBatch enqueues several leads for a client. Entries without a scheduledAt are
// spaced interval apart starting now. Failures are reported per entry.
func (s *Store) ScheduleBatch(ctx context.Context, clientID string, inputs []EnqueueInput, interval time.Duration) ([]BatchResult, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", apperrors.ErrValidation)
	}
	if interval < 0 {
		return nil, fmt.Errorf("%w: interval must not be negative", apperrors.ErrValidation)
	}

	start := s.now().UTC()
	results := make([]BatchResult, 0, len(inputs))
	slot := 0
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		in.ClientID = clientID
		if in.ScheduledAt == nil {
			at := start.Add(time.Duration(slot) * interval)
			in.ScheduledAt = &at
			slot++
		}
		item, err := s.Enqueue(ctx, in)
		results = append(results, BatchResult{LeadID: in.LeadID, Item: item, Err: err})
	}
	return results, nil
}

// RecoverStale returns items stuck in_progress for longer than olderThan to the retry path.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	items, err := s.items.ListByStatus(ctx, domain.ItemStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("queue store: recover stale: %w", err)
	}

	cutoff := s.now().UTC().Add(-olderThan)
	recovered := 0
	for _, it := range items {
		if it.StartedAt == nil || it.StartedAt.After(cutoff) {
			continue
		}
		if _, err := s.MarkFailed(ctx, it.ID, true, "dispatch timed out without a call outcome"); err != nil {
			if errors.Is(err, apperrors.ErrConflict) || errors.Is(err, apperrors.ErrInvalidState) {
				continue
			}
			s.log.Warn("recover stale item", zap.String("queue_item_id", it.ID), zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (s *Store) publish(ctx context.Context, eventType events.Type, item *domain.QueueItem, from domain.ItemStatus, reason string) {
	event := events.Event{
		Type:           eventType,
		ClientID:       item.ClientID,
		LeadID:         item.LeadID,
		QueueItemID:    item.ID,
		CallID:         item.CallID,
		Status:         string(item.Status),
		PreviousStatus: string(from),
		RetryCount:     item.RetryCount,
		Reason:         reason,
		ScheduledAt:    item.ScheduledAt,
		OccurredAt:     s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.WithContext(ctx).Warn("publish queue event",
			zap.String("event", string(eventType)),
			zap.String("queue_item_id", item.ID),
			zap.Error(err),
		)
	}
}
