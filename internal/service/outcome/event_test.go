package outcome

import (
	"errors"
	"testing"
	"time"

	"github.com/acme/lead-call-queue/internal/domain"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
)

func TestParseEvent(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"started", `{"event":"call_started","call":{"call_id":"c1","start_timestamp":1704726000000}}`, "answered"},
		{"event_type alias", `{"event_type":"call_answered","call":{"call_id":"c1"}}`, "answered"},
		{"ended", `{"event":"call_ended","call":{"call_id":"c1","disconnection_reason":"user_hangup"}}`, "ended"},
		{"ended with error status", `{"event":"call_ended","call":{"call_id":"c1","call_status":"error"}}`, "failed"},
		{"failed", `{"event":"call_failed","call":{"call_id":"c1"}}`, "failed"},
		{"analyzed", `{"event":"call_analyzed","call":{"call_id":"c1"}}`, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tc.body))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ev.Kind() != tc.want {
				t.Fatalf("kind = %s, want %s", ev.Kind(), tc.want)
			}
			if ev.ProviderCallID() != "c1" {
				t.Fatalf("call id = %q", ev.ProviderCallID())
			}
		})
	}
}

func TestParseEndedDetails(t *testing.T) {
	body := `{"event":"call_ended","call":{"call_id":"c1","duration_ms":95000,"recording_url":"https://r/1.wav",
		"transcript":"hello","disconnection_reason":"voicemail_reached","end_timestamp":1704726095000}}`
	ev, err := ParseEvent([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ended, ok := ev.(Ended)
	if !ok {
		t.Fatalf("expected Ended, got %T", ev)
	}
	if ended.Outcome != domain.CallOutcomeVoicemail || ended.Duration != 95*time.Second {
		t.Fatalf("unexpected event: %+v", ended)
	}
	if ended.RecordingURL != "https://r/1.wav" || ended.Transcript != "hello" {
		t.Fatalf("unexpected artifacts: %+v", ended)
	}
	if !ended.At.Equal(time.UnixMilli(1704726095000)) {
		t.Fatalf("ended at = %v", ended.At)
	}
}

func TestParseEventRejectsMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `{"event":"call_ended","call":{}}`} {
		if _, err := ParseEvent([]byte(body)); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("expected validation error for %q, got %v", body, err)
		}
	}
}

func TestOutcomeFromDisconnection(t *testing.T) {
	cases := map[string]domain.CallOutcome{
		"dial_no_answer":           domain.CallOutcomeNoAnswer,
		"voicemail_reached":        domain.CallOutcomeVoicemail,
		"dial_busy":                domain.CallOutcomeBusy,
		"invalid_destination":      domain.CallOutcomeWrongNumber,
		"dial_failed":              domain.CallOutcomeFailed,
		"error_llm_websocket_open": domain.CallOutcomeFailed,
		"user_hangup":              domain.CallOutcomeSuccessful,
		"":                         domain.CallOutcomeSuccessful,
	}
	for reason, want := range cases {
		if got := OutcomeFromDisconnection(reason); got != want {
			t.Errorf("%q -> %s, want %s", reason, got, want)
		}
	}
}
