// Package policy decides when a client's leads may be dialed.
//
// Every function here is pure. Missing or malformed schedule data is treated
// as "not permitted" so that nothing is dialed outside a compliance window.
package policy

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/acme/lead-call-queue/internal/domain"
)

// DefaultRetryDelays is used when a client has no back-off schedule configured.
var DefaultRetryDelays = []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour}

// maxScanDays bounds the forward search of NextPermittedInstant to one full week plus today.
const maxScanDays = 8

type window struct {
	start int // minute of day, inclusive
	end   int // minute of day, exclusive
}

// IsDialingPermitted reports whether now falls on an active day and inside at least one time window,
// both evaluated in the client's time zone.
func IsDialingPermitted(now time.Time, cfg domain.ClientScheduleConfig) bool {
	loc, ok := location(cfg.Timezone)
	if !ok {
		return false
	}
	days := activeDays(cfg.ActiveDays)
	windows := parseWindows(cfg.TimeWindows)

	local := now.In(loc)
	if !days[local.Weekday()] {
		return false
	}

	minuteOfDay := local.Hour()*60 + local.Minute()
	for _, w := range windows {
		if minuteOfDay >= w.start && minuteOfDay < w.end {
			return true
		}
	}
	return false
}

// IsDialingPermittedFor evaluates the window check for an item of the given priority.
// Urgent items jump the queue ordering but receive no business-hours exemption.
func IsDialingPermittedFor(now time.Time, cfg domain.ClientScheduleConfig, _ domain.Priority) bool {
	return IsDialingPermitted(now, cfg)
}

// NextPermittedInstant returns now when dialing is permitted, otherwise the start of the next
// time window on an active day. The zero time is returned when the schedule has no reachable window.
func NextPermittedInstant(now time.Time, cfg domain.ClientScheduleConfig) time.Time {
	if IsDialingPermitted(now, cfg) {
		return now
	}

	loc, ok := location(cfg.Timezone)
	if !ok {
		return time.Time{}
	}
	days := activeDays(cfg.ActiveDays)
	windows := parseWindows(cfg.TimeWindows)
	if len(days) == 0 || len(windows) == 0 {
		return time.Time{}
	}

	local := now.In(loc)
	for offset := 0; offset < maxScanDays; offset++ {
		day := time.Date(local.Year(), local.Month(), local.Day()+offset, 0, 0, 0, 0, loc)
		if !days[day.Weekday()] {
			continue
		}
		for _, w := range windows {
			candidate := time.Date(day.Year(), day.Month(), day.Day(), w.start/60, w.start%60, 0, 0, loc)
			if candidate.After(now) {
				return candidate
			}
		}
	}
	return time.Time{}
}

// RetryDelay returns the back-off for the given retry count. The schedule saturates at its last entry.
func RetryDelay(retryCount int, schedule []time.Duration) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultRetryDelays
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(schedule) {
		retryCount = len(schedule) - 1
	}
	return schedule[retryCount]
}

// ParseClock converts an HH:mm string to minutes after midnight.
func ParseClock(value string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 24 {
		return 0, false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	total := hour*60 + minute
	if total > 24*60 {
		return 0, false
	}
	return total, true
}

// ParseWeekday accepts abbreviations ("Mon") and full names ("monday"), case-insensitively.
func ParseWeekday(value string) (time.Weekday, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	if len(v) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, true
		}
	}
	return 0, false
}

func location(name string) (*time.Location, bool) {
	if strings.TrimSpace(name) == "" {
		return nil, false
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	return loc, true
}

func activeDays(values []string) map[time.Weekday]bool {
	days := make(map[time.Weekday]bool, len(values))
	for _, v := range values {
		if d, ok := ParseWeekday(v); ok {
			days[d] = true
		}
	}
	return days
}

// parseWindows drops malformed and empty windows, returning the rest ordered by start.
func parseWindows(values []domain.TimeWindow) []window {
	windows := make([]window, 0, len(values))
	for _, v := range values {
		start, ok := ParseClock(v.Start)
		if !ok {
			continue
		}
		end, ok := ParseClock(v.End)
		if !ok || end <= start {
			continue
		}
		windows = append(windows, window{start: start, end: end})
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].start < windows[j].start })
	return windows
}
