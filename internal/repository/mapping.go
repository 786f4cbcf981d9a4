package repository

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/acme/lead-call-queue/internal/domain"
)

// Field names shared by the typed repositories and the record store filters.
const (
	fieldClientID          = "clientId"
	fieldLeadID            = "leadId"
	fieldStatus            = "status"
	fieldType              = "type"
	fieldPriority          = "priority"
	fieldScheduledAt       = "scheduledAt"
	fieldStartedAt         = "startedAt"
	fieldCompletedAt       = "completedAt"
	fieldRetryCount        = "retryCount"
	fieldMaxRetries        = "maxRetries"
	fieldAssignedTo        = "assignedTo"
	fieldNotes             = "notes"
	fieldTags              = "tags"
	fieldCallID            = "callId"
	fieldLastError         = "lastError"
	fieldQueueItemID       = "queueItemId"
	fieldAgentID           = "agentId"
	fieldPhoneNumber       = "phoneNumber"
	fieldOutcome           = "outcome"
	fieldDuration          = "duration"
	fieldRecordingURL      = "recordingUrl"
	fieldTranscript        = "transcript"
	fieldEndedAt           = "endedAt"
	fieldName              = "name"
	fieldFromNumber        = "fromNumber"
	fieldActive            = "active"
	fieldTimezone          = "timezone"
	fieldActiveDays        = "activeDays"
	fieldTimeWindows       = "timeWindows"
	fieldMaxConcurrent     = "maxConcurrent"
	fieldDelayBetweenCalls = "delayBetweenCalls"
	fieldMaxAttempts       = "maxAttempts"
	fieldCallCooldownHours = "callCooldownHours"
	fieldRetryDelays       = "retryDelays"
	fieldPhone             = "phone"
	fieldScore             = "score"
	fieldCallAttempts      = "callAttempts"
	fieldLastCalledAt      = "lastCalledAt"
)

// Queue items.

func queueItemToFields(item *domain.QueueItem) Fields {
	return Fields{
		fieldClientID:    item.ClientID,
		fieldLeadID:      item.LeadID,
		fieldType:        string(item.Type),
		fieldPriority:    string(item.Priority),
		fieldStatus:      string(item.Status),
		fieldScheduledAt: formatTime(item.ScheduledAt),
		fieldStartedAt:   formatTimePtr(item.StartedAt),
		fieldCompletedAt: formatTimePtr(item.CompletedAt),
		fieldRetryCount:  item.RetryCount,
		fieldMaxRetries:  item.MaxRetries,
		fieldAssignedTo:  item.AssignedTo,
		fieldNotes:       item.Notes,
		fieldTags:        append([]string(nil), item.Tags...),
		fieldCallID:      item.CallID,
		fieldLastError:   item.LastError,
	}
}

func queueItemFromRecord(rec Record) domain.QueueItem {
	f := rec.Fields
	item := domain.QueueItem{
		ID:          rec.ID,
		ClientID:    fieldString(f, fieldClientID),
		LeadID:      fieldString(f, fieldLeadID),
		Type:        domain.ItemType(fieldString(f, fieldType)),
		Priority:    domain.Priority(fieldString(f, fieldPriority)),
		Status:      domain.ItemStatus(fieldString(f, fieldStatus)),
		ScheduledAt: fieldTime(f, fieldScheduledAt),
		StartedAt:   fieldTimePtr(f, fieldStartedAt),
		CompletedAt: fieldTimePtr(f, fieldCompletedAt),
		RetryCount:  fieldInt(f, fieldRetryCount),
		MaxRetries:  fieldInt(f, fieldMaxRetries),
		AssignedTo:  fieldString(f, fieldAssignedTo),
		Notes:       fieldString(f, fieldNotes),
		Tags:        fieldStrings(f, fieldTags),
		CallID:      fieldString(f, fieldCallID),
		LastError:   fieldString(f, fieldLastError),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if item.Type == "" {
		item.Type = domain.ItemTypeCall
	}
	if item.Priority == "" {
		item.Priority = domain.PriorityNormal
	}
	if _, present := f[fieldMaxRetries]; !present {
		item.MaxRetries = domain.DefaultMaxRetries
	}
	return item
}

// Calls.

func callToFields(call *domain.Call) Fields {
	return Fields{
		fieldClientID:     call.ClientID,
		fieldLeadID:       call.LeadID,
		fieldQueueItemID:  call.QueueItemID,
		fieldAgentID:      call.AgentID,
		fieldCallID:       call.ProviderCallID,
		fieldPhoneNumber:  call.PhoneNumber,
		fieldStatus:       string(call.Status),
		fieldOutcome:      string(call.Outcome),
		fieldDuration:     int64(call.Duration / time.Second),
		fieldRecordingURL: call.RecordingURL,
		fieldTranscript:   call.Transcript,
		fieldScheduledAt:  formatTime(call.ScheduledAt),
		fieldStartedAt:    formatTimePtr(call.StartedAt),
		fieldEndedAt:      formatTimePtr(call.EndedAt),
	}
}

func callFromRecord(rec Record) domain.Call {
	f := rec.Fields
	return domain.Call{
		ID:             rec.ID,
		ClientID:       fieldString(f, fieldClientID),
		LeadID:         fieldString(f, fieldLeadID),
		QueueItemID:    fieldString(f, fieldQueueItemID),
		AgentID:        fieldString(f, fieldAgentID),
		ProviderCallID: fieldString(f, fieldCallID),
		PhoneNumber:    fieldString(f, fieldPhoneNumber),
		Status:         domain.CallStatus(fieldString(f, fieldStatus)),
		Outcome:        domain.CallOutcome(fieldString(f, fieldOutcome)),
		Duration:       time.Duration(fieldInt(f, fieldDuration)) * time.Second,
		RecordingURL:   fieldString(f, fieldRecordingURL),
		Transcript:     fieldString(f, fieldTranscript),
		ScheduledAt:    fieldTime(f, fieldScheduledAt),
		StartedAt:      fieldTimePtr(f, fieldStartedAt),
		EndedAt:        fieldTimePtr(f, fieldEndedAt),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// Clients.

func clientToFields(client *domain.Client) Fields {
	windows := make([]any, 0, len(client.Schedule.TimeWindows))
	for _, w := range client.Schedule.TimeWindows {
		windows = append(windows, map[string]any{"start": w.Start, "end": w.End})
	}
	delays := make([]any, 0, len(client.Schedule.RetryDelays))
	for _, d := range client.Schedule.RetryDelays {
		delays = append(delays, d.Milliseconds())
	}
	return Fields{
		fieldName:              client.Name,
		fieldAgentID:           client.AgentID,
		fieldFromNumber:        client.FromNumber,
		fieldActive:            client.Active,
		fieldTimezone:          client.Schedule.Timezone,
		fieldActiveDays:        append([]string(nil), client.Schedule.ActiveDays...),
		fieldTimeWindows:       windows,
		fieldMaxConcurrent:     client.Schedule.MaxConcurrent,
		fieldDelayBetweenCalls: client.Schedule.DelayBetweenCalls.Milliseconds(),
		fieldMaxAttempts:       client.Schedule.MaxAttempts,
		fieldCallCooldownHours: client.Schedule.CallCooldownHours,
		fieldRetryDelays:       delays,
	}
}

func clientFromRecord(rec Record) domain.Client {
	f := rec.Fields
	client := domain.Client{
		ID:         rec.ID,
		Name:       fieldString(f, fieldName),
		AgentID:    fieldString(f, fieldAgentID),
		FromNumber: fieldString(f, fieldFromNumber),
		Active:     fieldBool(f, fieldActive),
		Schedule: domain.ClientScheduleConfig{
			Timezone:          fieldString(f, fieldTimezone),
			ActiveDays:        fieldStrings(f, fieldActiveDays),
			MaxConcurrent:     fieldInt(f, fieldMaxConcurrent),
			DelayBetweenCalls: time.Duration(fieldInt(f, fieldDelayBetweenCalls)) * time.Millisecond,
			MaxAttempts:       fieldInt(f, fieldMaxAttempts),
			CallCooldownHours: fieldInt(f, fieldCallCooldownHours),
		},
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}

	if raw, ok := f[fieldTimeWindows].([]any); ok {
		for _, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			client.Schedule.TimeWindows = append(client.Schedule.TimeWindows, domain.TimeWindow{
				Start: fieldString(m, "start"),
				End:   fieldString(m, "end"),
			})
		}
	}
	if raw, ok := f[fieldRetryDelays].([]any); ok {
		for _, entry := range raw {
			if ms, ok := toInt64(entry); ok && ms > 0 {
				client.Schedule.RetryDelays = append(client.Schedule.RetryDelays, time.Duration(ms)*time.Millisecond)
			}
		}
	}
	return client
}

// Leads.

func leadToFields(lead *domain.Lead) Fields {
	return Fields{
		fieldClientID:     lead.ClientID,
		fieldName:         lead.Name,
		fieldPhone:        lead.Phone,
		fieldStatus:       string(lead.Status),
		fieldScore:        lead.Score,
		fieldCallAttempts: lead.CallAttempts,
		fieldLastCalledAt: formatTimePtr(lead.LastCalledAt),
	}
}

func leadFromRecord(rec Record) domain.Lead {
	f := rec.Fields
	return domain.Lead{
		ID:           rec.ID,
		ClientID:     fieldString(f, fieldClientID),
		Name:         fieldString(f, fieldName),
		Phone:        fieldString(f, fieldPhone),
		Status:       domain.LeadStatus(fieldString(f, fieldStatus)),
		Score:        fieldInt(f, fieldScore),
		CallAttempts: fieldInt(f, fieldCallAttempts),
		LastCalledAt: fieldTimePtr(f, fieldLastCalledAt),
		UpdatedAt:    rec.UpdatedAt,
	}
}

// Field accessors tolerate the representations produced by both the in-memory store
// (native Go values) and JSON-backed stores (float64, json.Number, RFC 3339 strings).

func fieldString(f map[string]any, key string) string {
	switch v := f[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func fieldInt(f map[string]any, key string) int {
	n, _ := toInt64(f[key])
	return int(n)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(math.Round(n)), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(math.Round(f)), true
		}
		return i, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func fieldBool(f map[string]any, key string) bool {
	switch v := f[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func fieldStrings(f map[string]any, key string) []string {
	switch v := f[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

func fieldTime(f map[string]any, key string) time.Time {
	switch v := f[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		if v == "" {
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t.UTC()
	}
	return time.Time{}
}

func fieldTimePtr(f map[string]any, key string) *time.Time {
	t := fieldTime(f, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
