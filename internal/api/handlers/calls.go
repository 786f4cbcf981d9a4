package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/lead-call-queue/internal/domain"
)

type callResponse struct {
	ID              string             `json:"id"`
	QueueItemID     string             `json:"queueItemId"`
	LeadID          string             `json:"leadId"`
	ProviderCallID  string             `json:"providerCallId"`
	PhoneNumber     string             `json:"phoneNumber"`
	Status          domain.CallStatus  `json:"status"`
	Outcome         domain.CallOutcome `json:"outcome,omitempty"`
	DurationSeconds float64            `json:"durationSeconds"`
	RecordingURL    string             `json:"recordingUrl,omitempty"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	EndedAt         *time.Time         `json:"endedAt,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
}

type listCallsResponse struct {
	Calls []callResponse `json:"calls"`
}

func (h *HandlerSet) listItemCalls(ctx *fiber.Ctx) error {
	id := ctx.Params("id")
	if _, err := h.queue.Get(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}

	calls, err := h.calls.ListByQueueItem(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	resp := listCallsResponse{Calls: make([]callResponse, 0, len(calls))}
	for i := range calls {
		resp.Calls = append(resp.Calls, toCallResponse(&calls[i]))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

type attemptResponse struct {
	Attempt        int       `json:"attempt"`
	ProviderCallID string    `json:"providerCallId,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
}

func (h *HandlerSet) listItemAttempts(ctx *fiber.Ctx) error {
	if h.attempts == nil {
		return fiber.NewError(http.StatusNotImplemented, "attempt log disabled")
	}

	id := ctx.Params("id")
	if _, err := h.queue.Get(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}

	limit, _ := strconv.Atoi(ctx.Query("limit"))
	attempts, err := h.attempts.ListByQueueItem(ctx.UserContext(), id, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{Attempts: make([]attemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			Attempt:        a.Attempt,
			ProviderCallID: a.ProviderCallID,
			Status:         a.Status,
			Error:          a.Error,
			CreatedAt:      a.CreatedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCallResponse(call *domain.Call) callResponse {
	return callResponse{
		ID:              call.ID,
		QueueItemID:     call.QueueItemID,
		LeadID:          call.LeadID,
		ProviderCallID:  call.ProviderCallID,
		PhoneNumber:     call.PhoneNumber,
		Status:          call.Status,
		Outcome:         call.Outcome,
		DurationSeconds: call.Duration.Seconds(),
		RecordingURL:    call.RecordingURL,
		StartedAt:       call.StartedAt,
		EndedAt:         call.EndedAt,
		CreatedAt:       call.CreatedAt,
	}
}
