// Package outcome applies provider call events to calls, queue items and leads.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/lead-call-queue/internal/domain"
	"github.com/acme/lead-call-queue/internal/events"
	"github.com/acme/lead-call-queue/internal/metrics"
	"github.com/acme/lead-call-queue/internal/repository"
	"github.com/acme/lead-call-queue/internal/service/queue"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
	"github.com/acme/lead-call-queue/pkg/logger"
)

var tracer = otel.Tracer("github.com/acme/lead-call-queue/internal/service/outcome")

const maxLeadScore = 100

// Mapper turns webhook events into state changes. Applying the same terminal event twice is a no-op.
type Mapper struct {
	calls     *repository.CallRepository
	leads     *repository.LeadRepository
	queue     *queue.Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() time.Time
}

// NewMapper constructs the mapper.
func NewMapper(
	calls *repository.CallRepository,
	leads *repository.LeadRepository,
	store *queue.Store,
	publisher events.Publisher,
	m *metrics.Metrics,
	log *logger.Logger,
	clock func() time.Time,
) *Mapper {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Mapper{
		calls:     calls,
		leads:     leads,
		queue:     store,
		publisher: publisher,
		metrics:   m,
		log:       log.Named("outcome"),
		now:       clock,
	}
}

// Apply routes the event to its handler.
func (m *Mapper) Apply(ctx context.Context, ev Event) error {
	ctx, span := tracer.Start(ctx, "outcome.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("call.provider_id", ev.ProviderCallID()),
		attribute.String("event.kind", ev.Kind()),
	)

	var err error
	switch e := ev.(type) {
	case Answered:
		err = m.answered(ctx, e)
	case Ended:
		err = m.ended(ctx, e)
	case Failed:
		err = m.failed(ctx, e)
	case Unknown:
		m.log.WithContext(ctx).Info("ignoring provider event",
			zap.String("event_type", e.Type), zap.String("provider_call_id", e.CallID))
		m.metrics.WebhookEvent(ev.Kind(), "ignored")
		return nil
	default:
		err = fmt.Errorf("outcome: unhandled event %T", ev)
	}

	result := "applied"
	if err != nil {
		result = "error"
		span.RecordError(err)
	}
	m.metrics.WebhookEvent(ev.Kind(), result)
	return err
}

func (m *Mapper) answered(ctx context.Context, e Answered) error {
	call, err := m.calls.FindByProviderCallID(ctx, e.CallID)
	if err != nil {
		return fmt.Errorf("outcome: answered: %w", err)
	}
	if call.Status.Terminal() || call.Status == domain.CallStatusAnswered {
		return nil
	}

	prev := call.Status
	at := m.at(e.At)
	call.Status = domain.CallStatusAnswered
	call.StartedAt = &at
	if err := m.calls.Save(ctx, call, prev); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return nil
		}
		return fmt.Errorf("outcome: answered: %w", err)
	}
	m.publishCall(ctx, call)
	return nil
}

func (m *Mapper) ended(ctx context.Context, e Ended) error {
	call, applied, err := m.finish(ctx, e.CallID, func(call *domain.Call) {
		call.Status = domain.CallStatusCompleted
		call.Outcome = e.Outcome
		call.Duration = e.Duration
		call.RecordingURL = e.RecordingURL
		call.Transcript = e.Transcript
		at := m.at(e.At)
		call.EndedAt = &at
	})
	if err != nil || !applied {
		return err
	}

	switch {
	case e.Outcome == domain.CallOutcomeSuccessful:
		_, err = m.queue.CompleteCall(ctx, call.QueueItemID, call.ProviderCallID)
	case e.Outcome.Retryable():
		_, err = m.queue.FailCall(ctx, call.QueueItemID, call.ProviderCallID, true, string(e.Outcome))
	default:
		_, err = m.queue.FailCall(ctx, call.QueueItemID, call.ProviderCallID, false, string(e.Outcome))
	}
	m.settleItem(ctx, call, err)
	m.leadFeedback(ctx, call)
	return nil
}

func (m *Mapper) failed(ctx context.Context, e Failed) error {
	call, applied, err := m.finish(ctx, e.CallID, func(call *domain.Call) {
		call.Status = domain.CallStatusFailed
		call.Outcome = domain.CallOutcomeFailed
		at := m.at(e.At)
		call.EndedAt = &at
	})
	if err != nil || !applied {
		return err
	}

	_, err = m.queue.FailCall(ctx, call.QueueItemID, call.ProviderCallID, true, e.Reason)
	m.settleItem(ctx, call, err)
	m.leadFeedback(ctx, call)
	return nil
}

// finish moves a call into a terminal state once. applied is false when the call was already terminal.
func (m *Mapper) finish(ctx context.Context, providerCallID string, mutate func(*domain.Call)) (*domain.Call, bool, error) {
	call, err := m.calls.FindByProviderCallID(ctx, providerCallID)
	if err != nil {
		return nil, false, fmt.Errorf("outcome: %w", err)
	}
	if call.Status.Terminal() {
		return call, false, nil
	}

	prev := call.Status
	mutate(call)
	if err := m.calls.Save(ctx, call, prev); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Lost a race with a concurrent delivery. Whoever won did the follow-up work.
			fresh, getErr := m.calls.Get(ctx, call.ID)
			if getErr == nil && fresh.Status.Terminal() {
				return fresh, false, nil
			}
		}
		return nil, false, fmt.Errorf("outcome: save call: %w", err)
	}
	m.publishCall(ctx, call)
	return call, true, nil
}

func (m *Mapper) settleItem(ctx context.Context, call *domain.Call, err error) {
	if err == nil || call.QueueItemID == "" {
		return
	}
	level := m.log.WithContext(ctx).Warn
	if errors.Is(err, apperrors.ErrInvalidState) || errors.Is(err, apperrors.ErrConflict) {
		// The item already moved on, typically through stale recovery.
		level = m.log.WithContext(ctx).Info
	}
	level("queue item not updated from call outcome",
		zap.String("queue_item_id", call.QueueItemID),
		zap.String("call_id", call.ID),
		zap.Error(err),
	)
}

func (m *Mapper) leadFeedback(ctx context.Context, call *domain.Call) {
	if call.LeadID == "" || m.leads == nil {
		return
	}
	lead, err := m.leads.Get(ctx, call.LeadID)
	if err != nil {
		m.log.WithContext(ctx).Warn("load lead for feedback", zap.String("lead_id", call.LeadID), zap.Error(err))
		return
	}

	ApplyLeadFeedback(lead, call.Outcome, m.now().UTC())
	if err := m.leads.Update(ctx, lead); err != nil {
		m.log.WithContext(ctx).Warn("update lead feedback", zap.String("lead_id", lead.ID), zap.Error(err))
	}
}

// ApplyLeadFeedback adjusts a lead's status and score after a call outcome.
func ApplyLeadFeedback(lead *domain.Lead, outcome domain.CallOutcome, now time.Time) {
	lead.LastCalledAt = &now
	if lead.Status == domain.LeadStatusDoNotContact {
		return
	}

	switch outcome {
	case domain.CallOutcomeSuccessful:
		lead.Status = domain.LeadStatusContacted
		lead.Score += 20
	case domain.CallOutcomeVoicemail:
		if lead.Status == domain.LeadStatusNew {
			lead.Status = domain.LeadStatusContacted
		}
		lead.Score += 2
	case domain.CallOutcomeNoAnswer, domain.CallOutcomeBusy:
		if lead.Status == domain.LeadStatusNew {
			lead.Status = domain.LeadStatusUnreachable
		}
		lead.Score -= 5
	case domain.CallOutcomeWrongNumber:
		lead.Status = domain.LeadStatusInvalid
		lead.Score = 0
	}

	if lead.Score > maxLeadScore {
		lead.Score = maxLeadScore
	}
	if lead.Score < 0 {
		lead.Score = 0
	}
}

func (m *Mapper) publishCall(ctx context.Context, call *domain.Call) {
	event := events.Event{
		Type:        events.TypeCallUpdated,
		ClientID:    call.ClientID,
		LeadID:      call.LeadID,
		QueueItemID: call.QueueItemID,
		CallID:      call.ProviderCallID,
		Status:      string(call.Status),
		Outcome:     string(call.Outcome),
		OccurredAt:  m.now().UTC(),
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.log.WithContext(ctx).Warn("publish call event", zap.String("call_id", call.ID), zap.Error(err))
	}
}

func (m *Mapper) at(t time.Time) time.Time {
	if t.IsZero() {
		return m.now().UTC()
	}
	return t.UTC()
}
