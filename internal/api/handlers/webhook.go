package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/lead-call-queue/internal/service/outcome"
)

// retellWebhook acknowledges every delivery, including ones it could not apply.
func (h *HandlerSet) retellWebhook(ctx *fiber.Ctx) error {
	log := h.log.WithContext(ctx.UserContext())

	ev, err := outcome.ParseEvent(ctx.Body())
	if err != nil {
		log.Warn("rejecting malformed webhook", zap.Error(err))
		h.metrics.WebhookEvent("malformed", "error")
		return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": true})
	}

	if err := h.outcomes.Apply(ctx.UserContext(), ev); err != nil {
		log.Warn("webhook not applied",
			zap.String("event", ev.Kind()),
			zap.String("provider_call_id", ev.ProviderCallID()),
			zap.Error(err),
		)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": true})
}
