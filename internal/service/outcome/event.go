package outcome

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/acme/lead-call-queue/internal/domain"
	apperrors "github.com/acme/lead-call-queue/pkg/errors"
)

// Event is a provider webhook event. The set of implementations is closed:
// Answered, Ended, Failed and Unknown.
type Event interface {
	ProviderCallID() string
	Kind() string
	sealed()
}

// Answered reports the callee picked up.
type Answered struct {
	CallID string
	At     time.Time
}

// Ended reports the call finished, with whatever the provider knows about it.
type Ended struct {
	CallID              string
	Outcome             domain.CallOutcome
	DisconnectionReason string
	Duration            time.Duration
	RecordingURL        string
	Transcript          string
	At                  time.Time
}

// Failed reports the provider could not connect the call.
type Failed struct {
	CallID string
	Reason string
	At     time.Time
}

// Unknown carries any event type this service does not act on.
type Unknown struct {
	CallID string
	Type   string
}

func (e Answered) ProviderCallID() string { return e.CallID }
func (e Ended) ProviderCallID() string    { return e.CallID }
func (e Failed) ProviderCallID() string   { return e.CallID }
func (e Unknown) ProviderCallID() string  { return e.CallID }

func (Answered) Kind() string { return "answered" }
func (Ended) Kind() string    { return "ended" }
func (Failed) Kind() string   { return "failed" }
func (Unknown) Kind() string  { return "unknown" }

func (Answered) sealed() {}
func (Ended) sealed()    {}
func (Failed) sealed()   {}
func (Unknown) sealed()  {}

type webhookPayload struct {
	Event     string      `json:"event"`
	EventType string      `json:"event_type"`
	Call      webhookCall `json:"call"`
}

type webhookCall struct {
	CallID              string   `json:"call_id"`
	CallStatus          string   `json:"call_status"`
	StartTimestamp      int64    `json:"start_timestamp"`
	EndTimestamp        int64    `json:"end_timestamp"`
	DurationMs          *int64   `json:"duration_ms"`
	Duration            *float64 `json:"duration"`
	RecordingURL        string   `json:"recording_url"`
	Transcript          string   `json:"transcript"`
	DisconnectionReason string   `json:"disconnection_reason"`
}

// ParseEvent decodes a Retell webhook body.
func ParseEvent(body []byte) (Event, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: webhook body: %v", apperrors.ErrValidation, err)
	}
	kind := p.Event
	if kind == "" {
		kind = p.EventType
	}
	c := p.Call
	if c.CallID == "" {
		return nil, fmt.Errorf("%w: webhook missing call.call_id", apperrors.ErrValidation)
	}

	switch strings.ToLower(kind) {
	case "call_started", "call_answered", "answered":
		return Answered{CallID: c.CallID, At: millis(c.StartTimestamp)}, nil
	case "call_ended", "ended":
		if c.CallStatus == "error" {
			return Failed{CallID: c.CallID, Reason: reasonOr(c.DisconnectionReason, "provider error"), At: millis(c.EndTimestamp)}, nil
		}
		return Ended{
			CallID:              c.CallID,
			Outcome:             OutcomeFromDisconnection(c.DisconnectionReason),
			DisconnectionReason: c.DisconnectionReason,
			Duration:            c.duration(),
			RecordingURL:        c.RecordingURL,
			Transcript:          c.Transcript,
			At:                  millis(c.EndTimestamp),
		}, nil
	case "call_failed", "failed":
		return Failed{CallID: c.CallID, Reason: reasonOr(c.DisconnectionReason, "call failed"), At: millis(c.EndTimestamp)}, nil
	default:
		return Unknown{CallID: c.CallID, Type: kind}, nil
	}
}

// OutcomeFromDisconnection maps a Retell disconnection reason to a call outcome.
func OutcomeFromDisconnection(reason string) domain.CallOutcome {
	switch r := strings.ToLower(reason); {
	case r == "dial_no_answer":
		return domain.CallOutcomeNoAnswer
	case r == "voicemail_reached":
		return domain.CallOutcomeVoicemail
	case r == "dial_busy":
		return domain.CallOutcomeBusy
	case r == "invalid_destination":
		return domain.CallOutcomeWrongNumber
	case r == "dial_failed", strings.HasPrefix(r, "error"):
		return domain.CallOutcomeFailed
	default:
		return domain.CallOutcomeSuccessful
	}
}

func (c webhookCall) duration() time.Duration {
	switch {
	case c.DurationMs != nil:
		return time.Duration(*c.DurationMs) * time.Millisecond
	case c.Duration != nil:
		return time.Duration(*c.Duration * float64(time.Second))
	case c.StartTimestamp > 0 && c.EndTimestamp > c.StartTimestamp:
		return time.Duration(c.EndTimestamp-c.StartTimestamp) * time.Millisecond
	}
	return 0
}

func millis(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ts).UTC()
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
