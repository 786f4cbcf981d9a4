package mock

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/acme/lead-call-queue/internal/telephony"
)

func TestProviderAlwaysSucceeds(t *testing.T) {
	p := NewProvider(1, 0)
	id, err := p.CreateCall(context.Background(), telephony.CallRequest{ToNumber: "+15550100"})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if !strings.HasPrefix(id, "mock-") {
		t.Fatalf("unexpected call id %q", id)
	}
}

func TestProviderRejectsMissingNumber(t *testing.T) {
	p := NewProvider(1, 0)
	if _, err := p.CreateCall(context.Background(), telephony.CallRequest{}); !errors.Is(err, telephony.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestProviderAlwaysFails(t *testing.T) {
	p := NewProvider(-1, 0)
	if _, err := p.CreateCall(context.Background(), telephony.CallRequest{ToNumber: "+15550100"}); err == nil {
		t.Fatalf("expected simulated failure")
	}
}
