package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-call-queue/internal/telephony"
)

// Provider simulates the voice-call provider for local runs.
type Provider struct {
	mu          sync.Mutex
	successRate float64
	maxLatency  time.Duration
	rng         *rand.Rand
}

// NewProvider constructs a mock provider.
func NewProvider(successRate float64, maxLatency time.Duration) *Provider {
	seed := time.Now().UnixNano()
	return &Provider{
		successRate: successRate,
		maxLatency:  maxLatency,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// CreateCall simulates placing a call.
func (p *Provider) CreateCall(ctx context.Context, req telephony.CallRequest) (string, error) {
	if req.ToNumber == "" {
		return "", fmt.Errorf("mock provider: %w: missing destination number", telephony.ErrRejected)
	}

	p.mu.Lock()
	latency := time.Duration(0)
	if p.maxLatency > 0 {
		latency = time.Duration(p.rng.Int63n(int64(p.maxLatency)))
	}
	ok := p.rng.Float64() <= p.successRate
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(latency):
	}

	if !ok {
		return "", fmt.Errorf("mock provider: simulated failure")
	}
	return "mock-" + uuid.NewString(), nil
}
