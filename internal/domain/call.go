package domain

import "time"

// CallStatus enumerates lifecycle stages for an individual call.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
	CallStatusNoAnswer  CallStatus = "no-answer"
)

// Terminal reports whether the call has resolved.
func (s CallStatus) Terminal() bool {
	return s == CallStatusCompleted || s == CallStatusFailed || s == CallStatusNoAnswer
}

// CallOutcome is the business result of a resolved call.
type CallOutcome string

const (
	CallOutcomeSuccessful  CallOutcome = "successful"
	CallOutcomeNoAnswer    CallOutcome = "no-answer"
	CallOutcomeVoicemail   CallOutcome = "voicemail"
	CallOutcomeBusy        CallOutcome = "busy"
	CallOutcomeWrongNumber CallOutcome = "wrong-number"
	CallOutcomeFailed      CallOutcome = "failed"
)

// Retryable reports whether another attempt on the same lead may succeed.
func (o CallOutcome) Retryable() bool {
	switch o {
	case CallOutcomeNoAnswer, CallOutcomeVoicemail, CallOutcomeBusy, CallOutcomeFailed:
		return true
	}
	return false
}

// Call is a single outbound call placed through the voice provider.
type Call struct {
	ID             string
	ClientID       string
	LeadID         string
	QueueItemID    string
	AgentID        string
	ProviderCallID string
	PhoneNumber    string
	Status         CallStatus
	Outcome        CallOutcome
	Duration       time.Duration
	RecordingURL   string
	Transcript     string
	ScheduledAt    time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CallAttempt captures individual dial attempts for the audit trail.
type CallAttempt struct {
	QueueItemID    string
	ClientID       string
	LeadID         string
	Attempt        int
	ProviderCallID string
	Status         string
	Error          string
	CreatedAt      time.Time
}
