package telephony

import (
	"context"
	"errors"
)

// ErrRejected marks a provider refusal that retrying will not fix, such as an invalid number.
var ErrRejected = errors.New("telephony: call rejected")

// CallRequest describes an outbound call to place.
type CallRequest struct {
	AgentID    string
	FromNumber string
	ToNumber   string
	Metadata   map[string]string
}

// Provider abstracts the voice-call integration. CreateCall returns the provider's call id;
// progress and outcome arrive later by webhook.
type Provider interface {
	CreateCall(ctx context.Context, req CallRequest) (string, error)
}
