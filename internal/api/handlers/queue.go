package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/lead-call-queue/internal/domain"
	"github.com/acme/lead-call-queue/internal/service/queue"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
)

type enqueueRequest struct {
	LeadID      string     `json:"leadId"`
	Type        string     `json:"type"`
	Priority    string     `json:"priority"`
	ScheduledAt *time.Time `json:"scheduledAt"`
	MaxRetries  *int       `json:"maxRetries"`
	AssignedTo  string     `json:"assignedTo"`
	Notes       string     `json:"notes"`
	Tags        []string   `json:"tags"`
}

func (r enqueueRequest) toInput(clientID string) queue.EnqueueInput {
	return queue.EnqueueInput{
		ClientID:    clientID,
		LeadID:      r.LeadID,
		Type:        domain.ItemType(r.Type),
		Priority:    domain.Priority(r.Priority),
		ScheduledAt: r.ScheduledAt,
		MaxRetries:  r.MaxRetries,
		AssignedTo:  r.AssignedTo,
		Notes:       r.Notes,
		Tags:        r.Tags,
	}
}

type scheduleBatchRequest struct {
	Items []enqueueRequest `json:"items"`
	// Interval spaces entries without a scheduledAt, as a Go duration string ("2m").
	Interval string `json:"interval"`
}

type itemResponse struct {
	ID          string            `json:"id"`
	ClientID    string            `json:"clientId"`
	LeadID      string            `json:"leadId"`
	Type        domain.ItemType   `json:"type"`
	Priority    domain.Priority   `json:"priority"`
	Status      domain.ItemStatus `json:"status"`
	ScheduledAt time.Time         `json:"scheduledAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
	AssignedTo  string            `json:"assignedTo,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	CallID      string            `json:"callId,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type listQueueResponse struct {
	Items         []itemResponse `json:"items"`
	Total         int            `json:"total"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type statsResponse struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"byStatus"`
	PriorityBreakdown  map[string]int `json:"priorityBreakdown"`
	AverageWaitSeconds float64        `json:"averageWaitSeconds"`
	Overdue            int            `json:"overdue"`
}

type batchEntryResponse struct {
	LeadID string        `json:"leadId"`
	Status string        `json:"status"`
	Item   *itemResponse `json:"item,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type batchResponse struct {
	Created  int                  `json:"created"`
	Rejected int                  `json:"rejected"`
	Results  []batchEntryResponse `json:"results"`
}

func (h *HandlerSet) enqueue(ctx *fiber.Ctx) error {
	var req enqueueRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	item, err := h.queue.Enqueue(ctx.UserContext(), req.toInput(ctx.Params("clientId")))
	if err != nil {
		var dup *queue.DuplicateError
		if errors.As(err, &dup) {
			return ctx.Status(http.StatusConflict).JSON(fiber.Map{
				"error":      dup.Error(),
				"existingId": dup.ExistingID,
			})
		}
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toItemResponse(item))
}

func (h *HandlerSet) listQueue(ctx *fiber.Ctx) error {
	filter, err := parseListFilter(ctx)
	if err != nil {
		return translateError(err)
	}

	result, err := h.queue.List(ctx.UserContext(), ctx.Params("clientId"), filter)
	if err != nil {
		return translateError(err)
	}

	resp := listQueueResponse{
		Items:         make([]itemResponse, 0, len(result.Items)),
		Total:         result.Total,
		NextPageToken: result.NextPageToken,
	}
	for i := range result.Items {
		resp.Items = append(resp.Items, toItemResponse(&result.Items[i]))
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) processQueue(ctx *fiber.Ctx) error {
	res, err := h.processor.ProcessClient(ctx.UserContext(), ctx.Params("clientId"))
	switch {
	case errors.Is(err, apperrors.ErrBusy):
		h.metrics.ProcessRun("manual", "busy")
	case err != nil:
		h.metrics.ProcessRun("manual", "error")
	default:
		h.metrics.ProcessRun("manual", "ok")
	}
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(res)
}

func (h *HandlerSet) queueStats(ctx *fiber.Ctx) error {
	stats, err := h.queue.Stats(ctx.UserContext(), ctx.Params("clientId"))
	if err != nil {
		return translateError(err)
	}

	resp := statsResponse{
		Total:              stats.Total,
		ByStatus:           make(map[string]int, len(stats.ByStatus)),
		PriorityBreakdown:  make(map[string]int, len(stats.ByPriority)),
		AverageWaitSeconds: stats.AverageWait.Seconds(),
		Overdue:            stats.OverdueCount,
	}
	for status, n := range stats.ByStatus {
		resp.ByStatus[string(status)] = n
	}
	for priority, n := range stats.ByPriority {
		resp.PriorityBreakdown[string(priority)] = n
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) scheduleBatch(ctx *fiber.Ctx) error {
	var req scheduleBatchRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	var interval time.Duration
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid interval")
		}
		interval = d
	}

	clientID := ctx.Params("clientId")
	inputs := make([]queue.EnqueueInput, 0, len(req.Items))
	for _, it := range req.Items {
		inputs = append(inputs, it.toInput(clientID))
	}

	results, err := h.queue.ScheduleBatch(ctx.UserContext(), clientID, inputs, interval)
	if err != nil {
		return translateError(err)
	}

	resp := batchResponse{Results: make([]batchEntryResponse, 0, len(results))}
	for _, r := range results {
		entry := batchEntryResponse{LeadID: r.LeadID}
		if r.Err != nil {
			entry.Status = "rejected"
			entry.Error = r.Err.Error()
			resp.Rejected++
		} else {
			item := toItemResponse(r.Item)
			entry.Status = "created"
			entry.Item = &item
			resp.Created++
		}
		resp.Results = append(resp.Results, entry)
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getItem(ctx *fiber.Ctx) error {
	item, err := h.queue.Get(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toItemResponse(item))
}

func (h *HandlerSet) cancelItem(ctx *fiber.Ctx) error {
	item, err := h.queue.Cancel(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toItemResponse(item))
}

func parseListFilter(ctx *fiber.Ctx) (queue.ListFilter, error) {
	filter := queue.ListFilter{
		Search:    ctx.Query("search"),
		PageToken: ctx.Query("page_token"),
	}
	for _, s := range splitList(ctx.Query("status")) {
		filter.Statuses = append(filter.Statuses, domain.ItemStatus(s))
	}
	for _, p := range splitList(ctx.Query("priority")) {
		filter.Priorities = append(filter.Priorities, domain.Priority(p))
	}
	if v := ctx.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("%w: invalid limit %q", apperrors.ErrValidation, v)
		}
		filter.Limit = limit
	}

	var err error
	if filter.From, err = parseTimeParam(ctx, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseTimeParam(ctx, "to"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTimeParam(ctx *fiber.Ctx, key string) (*time.Time, error) {
	v := ctx.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339", apperrors.ErrValidation, key)
	}
	return &t, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toItemResponse(item *domain.QueueItem) itemResponse {
	return itemResponse{
		ID:          item.ID,
		ClientID:    item.ClientID,
		LeadID:      item.LeadID,
		Type:        item.Type,
		Priority:    item.Priority,
		Status:      item.Status,
		ScheduledAt: item.ScheduledAt,
		StartedAt:   item.StartedAt,
		CompletedAt: item.CompletedAt,
		RetryCount:  item.RetryCount,
		MaxRetries:  item.MaxRetries,
		AssignedTo:  item.AssignedTo,
		Notes:       item.Notes,
		Tags:        item.Tags,
		CallID:      item.CallID,
		LastError:   item.LastError,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}
}
