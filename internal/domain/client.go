package domain

import "time"

// TimeWindow is a wall-clock dialing interval expressed as HH:mm in the client's time zone.
type TimeWindow struct {
	Start string
	End   string
}

// ClientScheduleConfig captures a client's compliance and pacing settings.
type ClientScheduleConfig struct {
	Timezone          string
	ActiveDays        []string
	TimeWindows       []TimeWindow
	MaxConcurrent     int
	DelayBetweenCalls time.Duration
	MaxAttempts       int
	CallCooldownHours int
	// RetryDelays is the back-off schedule applied to failed dial attempts.
	RetryDelays []time.Duration
}

// Client is a tenant whose leads are being called.
type Client struct {
	ID         string
	Name       string
	AgentID    string
	FromNumber string
	Active     bool
	Schedule   ClientScheduleConfig
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
