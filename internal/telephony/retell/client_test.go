package retell

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acme/lead-call-queue/internal/config"
	"github.com/acme/lead-call-queue/internal/telephony"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
)

func newTestClient(url string) *Client {
	return NewClient(config.RetellConfig{
		BaseURL:         url,
		APIKey:          "secret",
		RequestTimeout:  2 * time.Second,
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	})
}

func TestCreateCall(t *testing.T) {
	var got createCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != createCallPath || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"call_id":"call_abc","call_status":"registered"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(srv.URL).CreateCall(context.Background(), telephony.CallRequest{
		AgentID:    "agent-1",
		FromNumber: "+15550001",
		ToNumber:   "+15550100",
		Metadata:   map[string]string{"queue_item_id": "q1"},
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if id != "call_abc" {
		t.Fatalf("call id = %q", id)
	}
	if got.ToNumber != "+15550100" || got.OverrideAgentID != "agent-1" || got.Metadata["queue_item_id"] != "q1" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestCreateCallRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid to_number"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 4; i++ {
		if _, err := c.CreateCall(context.Background(), telephony.CallRequest{ToNumber: "bad"}); !errors.Is(err, telephony.ErrRejected) {
			t.Fatalf("attempt %d: expected rejection, got %v", i, err)
		}
	}
}

func TestCreateCallBreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 2; i++ {
		if _, err := c.CreateCall(context.Background(), telephony.CallRequest{ToNumber: "+15550100"}); err == nil {
			t.Fatalf("expected server error")
		}
	}

	_, err := c.CreateCall(context.Background(), telephony.CallRequest{ToNumber: "+15550100"})
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("open breaker should not reach the provider, hits = %d", n)
	}
}

func TestCreateCallHonoursCancelledContext(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.CreateCall(ctx, telephony.CallRequest{ToNumber: "+15550100"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
