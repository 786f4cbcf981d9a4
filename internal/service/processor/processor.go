// Package processor dispatches a client's eligible queue items to the voice provider.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-call-queue/internal/domain"
	"github.com/acme/lead-call-queue/internal/metrics"
	"github.com/acme/lead-call-queue/internal/policy"
	"github.com/acme/lead-call-queue/internal/repository"
	"github.com/acme/lead-call-queue/internal/service/concurrency"
	"github.com/acme/lead-call-queue/internal/service/queue"
	"github.com/acme/lead-call-queue/internal/telephony"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
	"github.com/acme/lead-call-queue/pkg/logger"
)

// ErrClientBusy is returned when another run already holds the client's lock.
var ErrClientBusy = fmt.Errorf("%w: client queue is already being processed", apperrors.ErrBusy)

// bookkeepingTimeout bounds state writes that must land even after the run's context ended.
const bookkeepingTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/acme/lead-call-queue/internal/service/processor")

// Result summarises one processing run. Processed is Successful plus Failed.
type Result struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Dependencies groups what the processor needs.
type Dependencies struct {
	Clients  *repository.ClientRepository
	Leads    *repository.LeadRepository
	Calls    *repository.CallRepository
	Queue    *queue.Store
	Provider telephony.Provider
	Locker   concurrency.Locker
	Attempts repository.AttemptLog
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
	Clock    func() time.Time
	// RunTimeout bounds one ProcessClient run. Keep it below the lock TTL so the lock
	// cannot expire while the run still holds it. Zero means unbounded.
	RunTimeout time.Duration
}

// Processor runs the dispatch loop for one client at a time.
type Processor struct {
	clients  *repository.ClientRepository
	leads    *repository.LeadRepository
	calls    *repository.CallRepository
	queue    *queue.Store
	provider telephony.Provider
	locker   concurrency.Locker
	attempts repository.AttemptLog
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time
	timeout  time.Duration
}

// New constructs a processor. A nil Locker falls back to an in-process one.
func New(deps Dependencies) *Processor {
	if deps.Locker == nil {
		deps.Locker = concurrency.NewLocalLocker()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Processor{
		clients:  deps.Clients,
		leads:    deps.Leads,
		calls:    deps.Calls,
		queue:    deps.Queue,
		provider: deps.Provider,
		locker:   deps.Locker,
		attempts: deps.Attempts,
		metrics:  deps.Metrics,
		log:      deps.Logger.Named("processor"),
		now:      deps.Clock,
		timeout:  deps.RunTimeout,
	}
}

// ProcessClient dispatches up to the client's free concurrency slots. Outside the
// client's dialing windows it does nothing and returns a zero Result.
func (p *Processor) ProcessClient(ctx context.Context, clientID string) (Result, error) {
	ctx, span := tracer.Start(ctx, "processor.process_client", trace.WithAttributes(
		attribute.String("client.id", clientID),
	))
	defer span.End()

	var res Result
	unlock, ok, err := p.locker.TryLock(ctx, clientID)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("processor: lock client %s: %w", clientID, err)
	}
	if !ok {
		return res, ErrClientBusy
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			p.log.Warn("release client lock", zap.String("client_id", clientID), zap.Error(err))
		}
	}()

	runCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	res, err = p.run(runCtx, clientID)
	span.SetAttributes(
		attribute.Int("result.successful", res.Successful),
		attribute.Int("result.failed", res.Failed),
		attribute.Int("result.skipped", res.Skipped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (p *Processor) run(ctx context.Context, clientID string) (Result, error) {
	var res Result
	log := p.log.WithContext(ctx).With(zap.String("client_id", clientID))

	client, err := p.clients.Get(ctx, clientID)
	if err != nil {
		return res, fmt.Errorf("processor: load client: %w", err)
	}
	now := p.now()
	if !policy.IsDialingPermitted(now, client.Schedule) {
		log.Debug("outside dialing window")
		return res, nil
	}

	inProgress, err := p.queue.CountInProgress(ctx, clientID)
	if err != nil {
		return res, fmt.Errorf("processor: %w", err)
	}
	available := client.Schedule.MaxConcurrent - inProgress
	if available <= 0 {
		log.Debug("no free concurrency slots", zap.Int("in_progress", inProgress))
		return res, nil
	}

	eligible, err := p.queue.ListEligible(ctx, clientID, now)
	if err != nil {
		return res, fmt.Errorf("processor: %w", err)
	}
	if len(eligible) > available {
		eligible = eligible[:available]
	}

	for i, candidate := range eligible {
		if i > 0 {
			err := sleep(ctx, client.Schedule.DelayBetweenCalls)
			if err == nil {
				err = ctx.Err()
			}
			if err != nil {
				if !errors.Is(err, context.DeadlineExceeded) {
					res.Processed = res.Successful + res.Failed
					return res, err
				}
				log.Info("run budget exhausted", zap.Int("remaining", len(eligible)-i))
				break
			}
			// The window may close while pacing.
			if !policy.IsDialingPermitted(p.now(), client.Schedule) {
				log.Info("dialing window closed mid-run", zap.Int("remaining", len(eligible)-i))
				break
			}
		}

		switch p.dispatch(ctx, client, candidate.ID) {
		case outcomeDispatched:
			res.Successful++
		case outcomeFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}
	res.Processed = res.Successful + res.Failed

	log.Info("client processed",
		zap.Int("successful", res.Successful),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

type dispatchOutcome int

const (
	outcomeSkipped dispatchOutcome = iota
	outcomeDispatched
	outcomeFailed
)

func (o dispatchOutcome) String() string {
	switch o {
	case outcomeDispatched:
		return "dispatched"
	case outcomeFailed:
		return "failed"
	}
	return "skipped"
}

func (p *Processor) dispatch(ctx context.Context, client *domain.Client, itemID string) dispatchOutcome {
	ctx, span := tracer.Start(ctx, "processor.dispatch", trace.WithAttributes(
		attribute.String("queue_item.id", itemID),
	))
	defer span.End()

	result := p.dispatchItem(ctx, client, itemID)
	span.SetAttributes(attribute.String("dispatch.result", result.String()))
	p.metrics.Dispatch(result.String())
	return result
}

func (p *Processor) dispatchItem(ctx context.Context, client *domain.Client, itemID string) dispatchOutcome {
	log := p.log.WithContext(ctx).With(zap.String("client_id", client.ID), zap.String("queue_item_id", itemID))

	// Re-read so a cancellation that landed after listing wins.
	item, err := p.queue.Get(ctx, itemID)
	if err != nil {
		log.Warn("reload queue item", zap.Error(err))
		return outcomeSkipped
	}
	if !item.Status.Waiting() {
		return outcomeSkipped
	}

	lead, err := p.leads.Get(ctx, item.LeadID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		log.Warn("load lead", zap.String("lead_id", item.LeadID), zap.Error(err))
		return outcomeSkipped
	}
	now := p.now().UTC()

	if reason := undialable(lead, client.Schedule); reason != "" {
		return p.abandon(ctx, item, reason)
	}
	if until, cooling := cooldownUntil(lead, client.Schedule, now); cooling {
		if _, err := p.queue.Reschedule(ctx, item.ID, until, "lead cooldown"); err != nil {
			log.Warn("reschedule for cooldown", zap.Error(err))
		}
		return outcomeSkipped
	}

	item, err = p.queue.MarkInProgress(ctx, item.ID)
	if err != nil {
		// Lost the item to a concurrent cancel or another dispatcher.
		log.Info("claim queue item", zap.Error(err))
		return outcomeSkipped
	}

	attempt := domain.CallAttempt{
		QueueItemID: item.ID,
		ClientID:    item.ClientID,
		LeadID:      item.LeadID,
		Attempt:     item.RetryCount + 1,
		CreatedAt:   now,
	}

	providerCallID, err := p.provider.CreateCall(ctx, telephony.CallRequest{
		AgentID:    client.AgentID,
		FromNumber: client.FromNumber,
		ToNumber:   lead.Phone,
		Metadata: map[string]string{
			"client_id":     item.ClientID,
			"lead_id":       item.LeadID,
			"queue_item_id": item.ID,
		},
	})
	if err != nil {
		log.Warn("provider create call", zap.Error(err))
		// The provider error may be the run's own deadline; the retry must still be recorded.
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
		_, markErr := p.queue.MarkFailed(markCtx, item.ID, true, err.Error())
		cancel()
		if markErr != nil {
			log.Error("mark failed after provider error", zap.Error(markErr))
		}
		attempt.Status = string(domain.CallStatusFailed)
		attempt.Error = err.Error()
		p.recordAttempt(ctx, attempt)
		return outcomeFailed
	}

	if _, err := p.queue.AttachCall(ctx, item.ID, providerCallID); err != nil {
		log.Warn("attach provider call id", zap.String("provider_call_id", providerCallID), zap.Error(err))
	}
	call := &domain.Call{
		ClientID:       item.ClientID,
		LeadID:         item.LeadID,
		QueueItemID:    item.ID,
		AgentID:        client.AgentID,
		ProviderCallID: providerCallID,
		PhoneNumber:    lead.Phone,
		Status:         domain.CallStatusInitiated,
		ScheduledAt:    item.ScheduledAt,
	}
	if err := p.calls.Create(ctx, call); err != nil {
		log.Error("persist call", zap.String("provider_call_id", providerCallID), zap.Error(err))
	}

	lead.CallAttempts++
	lead.LastCalledAt = &now
	if err := p.leads.Update(ctx, lead); err != nil {
		log.Warn("update lead attempts", zap.String("lead_id", lead.ID), zap.Error(err))
	}

	attempt.ProviderCallID = providerCallID
	attempt.Status = string(domain.CallStatusInitiated)
	p.recordAttempt(ctx, attempt)
	return outcomeDispatched
}

// abandon claims the item and fails it without a retry.
func (p *Processor) abandon(ctx context.Context, item *domain.QueueItem, reason string) dispatchOutcome {
	log := p.log.WithContext(ctx).With(zap.String("queue_item_id", item.ID))
	if _, err := p.queue.MarkInProgress(ctx, item.ID); err != nil {
		log.Info("claim queue item", zap.Error(err))
		return outcomeSkipped
	}
	if _, err := p.queue.MarkFailed(ctx, item.ID, false, reason); err != nil {
		log.Error("fail undialable item", zap.String("reason", reason), zap.Error(err))
	}
	return outcomeFailed
}

func (p *Processor) recordAttempt(ctx context.Context, attempt domain.CallAttempt) {
	if p.attempts == nil {
		return
	}
	if err := p.attempts.Append(ctx, attempt); err != nil {
		p.log.WithContext(ctx).Warn("append attempt log", zap.String("queue_item_id", attempt.QueueItemID), zap.Error(err))
	}
}

// undialable returns a non-empty reason when the lead must never be dialed for this item.
func undialable(lead *domain.Lead, schedule domain.ClientScheduleConfig) string {
	switch {
	case lead == nil:
		return "lead not found"
	case lead.Status == domain.LeadStatusDoNotContact:
		return "lead is do-not-contact"
	case lead.Phone == "":
		return "lead has no phone number"
	case schedule.MaxAttempts > 0 && lead.CallAttempts >= schedule.MaxAttempts:
		return fmt.Sprintf("lead reached max attempts (%d)", schedule.MaxAttempts)
	}
	return ""
}

func cooldownUntil(lead *domain.Lead, schedule domain.ClientScheduleConfig, now time.Time) (time.Time, bool) {
	if schedule.CallCooldownHours <= 0 || lead.LastCalledAt == nil {
		return time.Time{}, false
	}
	until := lead.LastCalledAt.Add(time.Duration(schedule.CallCooldownHours) * time.Hour)
	if !until.After(now) {
		return time.Time{}, false
	}
	if next := policy.NextPermittedInstant(until, schedule); !next.IsZero() {
		until = next
	}
	return until, true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
