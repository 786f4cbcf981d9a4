package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/lead-call-queue/internal/domain"
	"github.com/acme/lead-call-queue/internal/metrics"
	"github.com/acme/lead-call-queue/internal/repository"
	"github.com/acme/lead-call-queue/internal/service/outcome"
	"github.com/acme/lead-call-queue/internal/service/processor"
	"github.com/acme/lead-call-queue/internal/service/queue"
	"github.com/acme/lead-call-queue/pkg/logger"
)

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// AttemptReader lists the dial audit trail of a queue item.
type AttemptReader interface {
	ListByQueueItem(ctx context.Context, queueItemID string, limit int) ([]domain.CallAttempt, error)
}

// Dependencies groups what the handlers call into.
type Dependencies struct {
	Queue     *queue.Store
	Processor *processor.Processor
	Outcomes  *outcome.Mapper
	Calls     *repository.CallRepository
	Attempts  AttemptReader
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
	Health    map[string]HealthCheck
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	queue     *queue.Store
	processor *processor.Processor
	outcomes  *outcome.Mapper
	calls     *repository.CallRepository
	attempts  AttemptReader
	metrics   *metrics.Metrics
	log       *logger.Logger
	health    map[string]HealthCheck
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Dependencies) *HandlerSet {
	return &HandlerSet{
		queue:     deps.Queue,
		processor: deps.Processor,
		outcomes:  deps.Outcomes,
		calls:     deps.Calls,
		attempts:  deps.Attempts,
		metrics:   deps.Metrics,
		log:       deps.Logger.Named("http"),
		health:    deps.Health,
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.healthz)

	v1 := app.Group("/api/v1")

	clients := v1.Group("/clients/:clientId/queue")
	clients.Post("/", h.enqueue)
	clients.Get("/", h.listQueue)
	clients.Post("/process", h.processQueue)
	clients.Get("/stats", h.queueStats)
	clients.Post("/schedule-batch", h.scheduleBatch)

	items := v1.Group("/queue")
	items.Get("/:id", h.getItem)
	items.Delete("/:id", h.cancelItem)
	items.Get("/:id/calls", h.listItemCalls)
	items.Get("/:id/attempts", h.listItemAttempts)

	v1.Post("/webhook/retell", h.retellWebhook)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("path", ctx.Path()),
			zap.Error(err),
		)
	}

	return ctx.Status(code).JSON(fiber.Map{"error": message})
}

func (h *HandlerSet) healthz(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}
	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
