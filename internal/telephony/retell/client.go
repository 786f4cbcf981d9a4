// Package retell places outbound calls through the Retell voice-agent API.
package retell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sony/gobreaker"

	"github.com/acme/lead-call-queue/internal/config"
	"github.com/acme/lead-call-queue/internal/telephony"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
)

const createCallPath = "/v2/create-phone-call"

// Client is a telephony.Provider backed by Retell.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewClient constructs a Retell client guarded by a circuit breaker.
func NewClient(cfg config.RetellConfig) *Client {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "retell",
		MaxRequests: 1,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Rejections are the caller's fault and say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, telephony.ErrRejected)
		},
	})

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		cb:      cb,
	}
}

type createCallRequest struct {
	FromNumber      string            `json:"from_number"`
	ToNumber        string            `json:"to_number"`
	OverrideAgentID string            `json:"override_agent_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type createCallResponse struct {
	CallID     string `json:"call_id"`
	CallStatus string `json:"call_status"`
}

// CreateCall asks Retell to dial req.ToNumber and returns the provider call id.
func (c *Client) CreateCall(ctx context.Context, req telephony.CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.createCall(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("retell: %w: %v", apperrors.ErrUnavailable, err)
		}
		return "", err
	}
	return res.(string), nil
}

func (c *Client) createCall(ctx context.Context, req telephony.CallRequest) (string, error) {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return "", context.DeadlineExceeded
	}

	agent := fiber.AcquireAgent()
	httpReq := agent.Request()
	httpReq.Header.SetMethod(fiber.MethodPost)
	httpReq.SetRequestURI(c.baseURL + createCallPath)
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return "", fmt.Errorf("retell: build request: %w", err)
	}

	agent.Set(fiber.HeaderAuthorization, "Bearer "+c.apiKey)
	agent.JSON(createCallRequest{
		FromNumber:      req.FromNumber,
		ToNumber:        req.ToNumber,
		OverrideAgentID: req.AgentID,
		Metadata:        req.Metadata,
	})
	agent.Timeout(timeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return "", fmt.Errorf("retell: create call: %w", errors.Join(errs...))
	}

	switch {
	case code >= 200 && code < 300:
	case code == fiber.StatusBadRequest || code == fiber.StatusNotFound || code == fiber.StatusUnprocessableEntity:
		return "", fmt.Errorf("retell: %w: status %d: %s", telephony.ErrRejected, code, truncate(body))
	default:
		return "", fmt.Errorf("retell: create call: status %d: %s", code, truncate(body))
	}

	var out createCallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("retell: decode response: %w", err)
	}
	if out.CallID == "" {
		return "", fmt.Errorf("retell: response missing call_id")
	}
	return out.CallID, nil
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
