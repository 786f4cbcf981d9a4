package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-call-queue/internal/config"
	"github.com/acme/lead-call-queue/internal/domain"
	"github.com/acme/lead-call-queue/internal/metrics"
	"github.com/acme/lead-call-queue/internal/service/processor"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
	"github.com/acme/lead-call-queue/pkg/logger"
)

// ClientLister yields the clients whose queues should be processed.
type ClientLister interface {
	ListActive(ctx context.Context) ([]domain.Client, error)
}

// ClientProcessor processes one client's queue.
type ClientProcessor interface {
	ProcessClient(ctx context.Context, clientID string) (processor.Result, error)
}

// StaleRecoverer returns abandoned in-progress items to the retry path.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Scheduler periodically processes every active client's queue.
type Scheduler struct {
	cfg       config.SchedulerConfig
	clients   ClientLister
	processor ClientProcessor
	recoverer StaleRecoverer
	metrics   *metrics.Metrics
	log       *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a scheduler. recoverer may be nil.
func New(
	cfg config.SchedulerConfig,
	clients ClientLister,
	proc ClientProcessor,
	recoverer StaleRecoverer,
	m *metrics.Metrics,
	log *logger.Logger,
) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	return &Scheduler{
		cfg:       cfg,
		clients:   clients,
		processor: proc,
		recoverer: recoverer,
		metrics:   m,
		log:       log.Named("scheduler"),
	}
}

// Start launches the loop in the background. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		if err := s.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("scheduler stopped", zap.Error(err))
		}
	}()
}

// Stop cancels the loop and waits for the in-flight tick to finish. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started",
		zap.Duration("interval", s.cfg.TickInterval),
		zap.Int("workers", s.cfg.WorkerCount),
	)
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one processing cycle over all active clients. A failing client never
// stops the others.
func (s *Scheduler) Tick(ctx context.Context) error {
	started := time.Now()
	defer func() { s.metrics.ObserveTick(time.Since(started)) }()

	tracer := otel.Tracer("github.com/acme/lead-call-queue/internal/scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	s.recoverStale(ctx)

	clients, err := s.clients.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduler: list active clients: %w", err)
	}
	span.SetAttributes(attribute.Int("client.count", len(clients)))
	if len(clients) == 0 {
		return nil
	}

	jobs := make(chan domain.Client)
	var wg sync.WaitGroup
	workers := s.cfg.WorkerCount
	if workers > len(clients) {
		workers = len(clients)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for client := range jobs {
				s.processClient(ctx, tracer, client)
			}
		}()
	}

feed:
	for _, client := range clients {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- client:
		}
	}
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) processClient(ctx context.Context, tracer trace.Tracer, client domain.Client) {
	defer s.metrics.TrackClient()()
	log := s.log.WithContext(ctx).With(zap.String("client_id", client.ID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("client processing panicked", zap.Any("panic", r))
			s.metrics.ProcessRun("periodic", "error")
		}
	}()

	cctx, span := tracer.Start(ctx, "scheduler.client", trace.WithAttributes(
		attribute.String("client.id", client.ID),
	))
	defer span.End()

	if s.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, s.cfg.ProcessTimeout)
		defer cancel()
	}

	res, err := s.processor.ProcessClient(cctx, client.ID)
	switch {
	case errors.Is(err, apperrors.ErrBusy):
		log.Info("client already processing, skipped")
		s.metrics.ProcessRun("periodic", "busy")
	case err != nil:
		span.RecordError(err)
		log.Error("process client", zap.Error(err))
		s.metrics.ProcessRun("periodic", "error")
	default:
		span.SetAttributes(attribute.Int("result.processed", res.Processed))
		s.metrics.ProcessRun("periodic", "ok")
	}
}

func (s *Scheduler) recoverStale(ctx context.Context) {
	if s.recoverer == nil || s.cfg.StaleAfter <= 0 {
		return
	}
	n, err := s.recoverer.RecoverStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.log.WithContext(ctx).Warn("recover stale items", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.WithContext(ctx).Info("recovered stale items", zap.Int("count", n))
	}
	s.metrics.Recovered(n)
}
