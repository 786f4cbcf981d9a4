package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/acme/lead-call-queue/internal/domain"
	"github.com/acme/lead-call-queue/internal/repository"
	"github.com/acme/lead-call-queue/internal/repository/memory"
	"github.com/acme/lead-call-queue/internal/service/concurrency"
	"github.com/acme/lead-call-queue/internal/service/queue"
	"github.com/acme/lead-call-queue/internal/telephony"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
	"github.com/acme/lead-call-queue/pkg/logger"
)

// Monday 2024-01-08 15:00 UTC is 10:00 in New York.
var monday10NY = time.Date(2024, 1, 8, 15, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu       sync.Mutex
	err      error
	hang     bool
	onCall   func(n int)
	requests []telephony.CallRequest
	times    []time.Time
}

func (p *fakeProvider) CreateCall(ctx context.Context, req telephony.CallRequest) (string, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.times = append(p.times, time.Now())
	n := len(p.requests)
	onCall, hang, err := p.onCall, p.hang, p.err
	p.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("prov-%d", n), nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type recordingAttempts struct {
	mu       sync.Mutex
	attempts []domain.CallAttempt
}

func (r *recordingAttempts) Append(_ context.Context, a domain.CallAttempt) error {
	r.mu.Lock()
	r.attempts = append(r.attempts, a)
	r.mu.Unlock()
	return nil
}

type harness struct {
	processor *Processor
	deps      Dependencies
	store     *queue.Store
	clients   *repository.ClientRepository
	leads     *repository.LeadRepository
	calls     *repository.CallRepository
	provider  *fakeProvider
	attempts  *recordingAttempts
	locker    *concurrency.LocalLocker
	now       time.Time
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	h := &harness{now: now, provider: &fakeProvider{}, attempts: &recordingAttempts{}, locker: concurrency.NewLocalLocker()}
	clock := func() time.Time { return h.now }

	records := memory.NewRecordStore().WithClock(clock)
	h.clients = repository.NewClientRepository(records)
	h.leads = repository.NewLeadRepository(records)
	h.calls = repository.NewCallRepository(records)
	items := repository.NewQueueItemRepository(records)
	h.store = queue.NewStore(items, h.clients, nil, logger.NewNop(), queue.Options{Clock: clock})

	h.deps = Dependencies{
		Clients:  h.clients,
		Leads:    h.leads,
		Calls:    h.calls,
		Queue:    h.store,
		Provider: h.provider,
		Locker:   h.locker,
		Attempts: h.attempts,
		Logger:   logger.NewNop(),
		Clock:    clock,
	}
	h.processor = New(h.deps)
	return h
}

func (h *harness) withRunTimeout(d time.Duration) {
	h.deps.RunTimeout = d
	h.processor = New(h.deps)
}

func businessHours() domain.ClientScheduleConfig {
	return domain.ClientScheduleConfig{
		Timezone:      "America/New_York",
		ActiveDays:    []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
		TimeWindows:   []domain.TimeWindow{{Start: "09:00", End: "17:00"}},
		MaxConcurrent: 2,
	}
}

func (h *harness) addClient(t *testing.T, schedule domain.ClientScheduleConfig) string {
	t.Helper()
	c := &domain.Client{Name: "Acme", AgentID: "agent-1", FromNumber: "+15550000", Active: true, Schedule: schedule}
	if err := h.clients.Create(context.Background(), c); err != nil {
		t.Fatalf("create client: %v", err)
	}
	return c.ID
}

func (h *harness) enqueue(t *testing.T, clientID string, lead *domain.Lead) *domain.QueueItem {
	t.Helper()
	ctx := context.Background()
	lead.ClientID = clientID
	if lead.Phone == "" {
		lead.Phone = "+15550100"
	}
	if lead.Status == "" {
		lead.Status = domain.LeadStatusNew
	}
	if err := h.leads.Create(ctx, lead); err != nil {
		t.Fatalf("create lead: %v", err)
	}
	item, err := h.store.Enqueue(ctx, queue.EnqueueInput{ClientID: clientID, LeadID: lead.ID})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item
}

func (h *harness) item(t *testing.T, id string) *domain.QueueItem {
	t.Helper()
	item, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	return item
}

func TestProcessClientRespectsMaxConcurrent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	clientID := h.addClient(t, businessHours())
	for i := 0; i < 5; i++ {
		h.enqueue(t, clientID, &domain.Lead{Name: fmt.Sprintf("lead-%d", i)})
	}

	res, err := h.processor.ProcessClient(ctx, clientID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 2 || res.Successful != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.provider.count() != 2 {
		t.Fatalf("provider called %d times, want 2", h.provider.count())
	}
	inProgress, err := h.store.CountInProgress(ctx, clientID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if inProgress != 2 {
		t.Fatalf("in progress = %d, want 2", inProgress)
	}

	// Slots are full until a call resolves.
	res, err = h.processor.ProcessClient(ctx, clientID)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if res.Processed != 0 || h.provider.count() != 2 {
		t.Fatalf("expected no dispatch with full slots, got %+v", res)
	}
}

func TestProcessClientRecordsCallAndLeadAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	clientID := h.addClient(t, businessHours())
	lead := &domain.Lead{Name: "Jane", Phone: "+15550123"}
	queued := h.enqueue(t, clientID, lead)

	if _, err := h.processor.ProcessClient(ctx, clientID); err != nil {
		t.Fatalf("process: %v", err)
	}

	item := h.item(t, queued.ID)
	if item.Status != domain.ItemStatusInProgress || item.CallID != "prov-1" || item.StartedAt == nil {
		t.Fatalf("unexpected item: %+v", item)
	}
	calls, err := h.calls.ListByQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != domain.CallStatusInitiated || calls[0].PhoneNumber != "+15550123" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	req := h.provider.requests[0]
	if req.AgentID != "agent-1" || req.FromNumber != "+15550000" || req.Metadata["queue_item_id"] != item.ID {
		t.Fatalf("unexpected provider request: %+v", req)
	}
	got, err := h.leads.Get(ctx, lead.ID)
	if err != nil {
		t.Fatalf("get lead: %v", err)
	}
	if got.CallAttempts != 1 || got.LastCalledAt == nil {
		t.Fatalf("lead attempt not recorded: %+v", got)
	}
	if len(h.attempts.attempts) != 1 || h.attempts.attempts[0].Attempt != 1 || h.attempts.attempts[0].ProviderCallID != "prov-1" {
		t.Fatalf("unexpected attempt log: %+v", h.attempts.attempts)
	}
}

func TestProcessClientProviderErrorRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	h.provider.err = errors.New("timeout")
	clientID := h.addClient(t, businessHours())
	queued := h.enqueue(t, clientID, &domain.Lead{Name: "Jane"})

	res, err := h.processor.ProcessClient(ctx, clientID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 1 || res.Failed != 1 || res.Successful != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	item := h.item(t, queued.ID)
	if item.Status != domain.ItemStatusPending || item.RetryCount != 1 {
		t.Fatalf("item should be pending with one retry: %+v", item)
	}
	if !item.ScheduledAt.Equal(monday10NY.Add(5 * time.Minute)) {
		t.Fatalf("scheduledAt = %v, want %v", item.ScheduledAt, monday10NY.Add(5*time.Minute))
	}
	if item.LastError != "timeout" {
		t.Fatalf("lastError = %q", item.LastError)
	}
	if len(h.attempts.attempts) != 1 || h.attempts.attempts[0].Error != "timeout" {
		t.Fatalf("failed attempt not logged: %+v", h.attempts.attempts)
	}
}

func TestProcessClientPacesDispatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	schedule := businessHours()
	schedule.MaxConcurrent = 3
	schedule.DelayBetweenCalls = 30 * time.Millisecond
	clientID := h.addClient(t, schedule)
	for i := 0; i < 3; i++ {
		h.enqueue(t, clientID, &domain.Lead{Name: fmt.Sprintf("lead-%d", i)})
	}

	res, err := h.processor.ProcessClient(ctx, clientID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Successful != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for i := 1; i < len(h.provider.times); i++ {
		if gap := h.provider.times[i].Sub(h.provider.times[i-1]); gap < schedule.DelayBetweenCalls {
			t.Fatalf("calls %d and %d only %s apart, want at least %s", i-1, i, gap, schedule.DelayBetweenCalls)
		}
	}
}

func TestProcessClientStopsWhenWindowClosesWhilePacing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	schedule := businessHours()
	schedule.MaxConcurrent = 3
	schedule.DelayBetweenCalls = time.Millisecond
	clientID := h.addClient(t, schedule)
	var queued []*domain.QueueItem
	for i := 0; i < 3; i++ {
		queued = append(queued, h.enqueue(t, clientID, &domain.Lead{Name: fmt.Sprintf("lead-%d", i)}))
	}

	// 17:00 New York: the window closes right after the first call is placed.
	h.provider.onCall = func(int) { h.now = time.Date(2024, 1, 8, 22, 0, 0, 0, time.UTC) }

	res, err := h.processor.ProcessClient(ctx, clientID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Successful != 1 || res.Processed != 1 || h.provider.count() != 1 {
		t.Fatalf("only the first item should dispatch: %+v calls=%d", res, h.provider.count())
	}
	pending := 0
	for _, q := range queued {
		if h.item(t, q.ID).Status == domain.ItemStatusPending {
			pending++
		}
	}
	if pending != 2 {
		t.Fatalf("pending = %d, want 2", pending)
	}
}

func TestProcessClientRunTimeoutBoundsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	h.withRunTimeout(50 * time.Millisecond)
	schedule := businessHours()
	schedule.MaxConcurrent = 3
	schedule.DelayBetweenCalls = time.Second
	clientID := h.addClient(t, schedule)
	for i := 0; i < 3; i++ {
		h.enqueue(t, clientID, &domain.Lead{Name: fmt.Sprintf("lead-%d", i)})
	}

	start := time.Now()
	res, err := h.processor.ProcessClient(ctx, clientID)
	if err != nil {
		t.Fatalf("an exhausted run budget is not an error: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= schedule.DelayBetweenCalls {
		t.Fatalf("run took %s, should stop at the budget", elapsed)
	}
	if res.Successful != 1 || h.provider.count() != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	unlock, ok, err := h.locker.TryLock(ctx, clientID)
	if err != nil || !ok {
		t.Fatalf("lock should be released after the run: ok=%v err=%v", ok, err)
	}
	_ = unlock(ctx)
}

func TestProcessClientRecordsRetryAfterRunDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	h.withRunTimeout(30 * time.Millisecond)
	h.provider.hang = true
	clientID := h.addClient(t, businessHours())
	queued := h.enqueue(t, clientID, &domain.Lead{Name: "Jane"})

	res, err := h.processor.ProcessClient(ctx, clientID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	item := h.item(t, queued.ID)
	if item.Status != domain.ItemStatusPending || item.RetryCount != 1 {
		t.Fatalf("retry must be recorded despite the expired run context: %+v", item)
	}
}

func TestProcessClientSkipsCancelledItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	clientID := h.addClient(t, businessHours())
	cancelled := h.enqueue(t, clientID, &domain.Lead{Name: "A"})
	kept := h.enqueue(t, clientID, &domain.Lead{Name: "B"})
	if _, err := h.store.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res, err := h.processor.ProcessClient(ctx, clientID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Successful != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.item(t, cancelled.ID).Status != domain.ItemStatusCancelled {
		t.Fatalf("cancelled item was dispatched")
	}
	if h.item(t, kept.ID).Status != domain.ItemStatusInProgress {
		t.Fatalf("remaining item not dispatched")
	}
}

func TestProcessClientOutsideWindow(t *testing.T) {
	saturday := time.Date(2024, 1, 13, 15, 0, 0, 0, time.UTC)
	h := newHarness(t, saturday)
	clientID := h.addClient(t, businessHours())
	queued := h.enqueue(t, clientID, &domain.Lead{Name: "Jane"})

	res, err := h.processor.ProcessClient(context.Background(), clientID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res != (Result{}) || h.provider.count() != 0 {
		t.Fatalf("expected no work outside window, got %+v", res)
	}
	if h.item(t, queued.ID).Status != domain.ItemStatusPending {
		t.Fatalf("item should stay pending")
	}
}

func TestProcessClientBusy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	clientID := h.addClient(t, businessHours())
	h.enqueue(t, clientID, &domain.Lead{Name: "Jane"})

	unlock, ok, err := h.locker.TryLock(ctx, clientID)
	if err != nil || !ok {
		t.Fatalf("take lock: ok=%v err=%v", ok, err)
	}

	_, err = h.processor.ProcessClient(ctx, clientID)
	if !errors.Is(err, ErrClientBusy) || !errors.Is(err, apperrors.ErrBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if h.provider.count() != 0 {
		t.Fatalf("busy client must not dispatch")
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if res, err := h.processor.ProcessClient(ctx, clientID); err != nil || res.Successful != 1 {
		t.Fatalf("after unlock: res=%+v err=%v", res, err)
	}
}

func TestProcessClientLeadCooldownReschedules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	schedule := businessHours()
	schedule.CallCooldownHours = 4
	clientID := h.addClient(t, schedule)

	lastCalled := monday10NY.Add(-time.Hour)
	queued := h.enqueue(t, clientID, &domain.Lead{Name: "Jane", LastCalledAt: &lastCalled})

	res, err := h.processor.ProcessClient(ctx, clientID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Skipped != 1 || res.Processed != 0 || h.provider.count() != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	item := h.item(t, queued.ID)
	if item.Status != domain.ItemStatusScheduled || item.RetryCount != 0 {
		t.Fatalf("item should be rescheduled without a retry: %+v", item)
	}
	if want := monday10NY.Add(3 * time.Hour); !item.ScheduledAt.Equal(want) {
		t.Fatalf("scheduledAt = %v, want %v", item.ScheduledAt, want)
	}
}

func TestProcessClientLeadMaxAttemptsFailsItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, monday10NY)
	schedule := businessHours()
	schedule.MaxAttempts = 3
	clientID := h.addClient(t, schedule)
	queued := h.enqueue(t, clientID, &domain.Lead{Name: "Jane", CallAttempts: 3})

	res, err := h.processor.ProcessClient(ctx, clientID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Failed != 1 || h.provider.count() != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	item := h.item(t, queued.ID)
	if item.Status != domain.ItemStatusFailed || item.RetryCount != 0 {
		t.Fatalf("item should fail permanently: %+v", item)
	}
}

func TestProcessClientUnknownClient(t *testing.T) {
	h := newHarness(t, monday10NY)
	if _, err := h.processor.ProcessClient(context.Background(), "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
