package domain

import "time"

// LeadStatus tracks where a lead sits in the sales pipeline.
type LeadStatus string

const (
	LeadStatusNew          LeadStatus = "new"
	LeadStatusContacted    LeadStatus = "contacted"
	LeadStatusUnreachable  LeadStatus = "unreachable"
	LeadStatusInvalid      LeadStatus = "invalid"
	LeadStatusDoNotContact LeadStatus = "do_not_contact"
)

// Lead is a person the client wants to reach.
type Lead struct {
	ID           string
	ClientID     string
	Name         string
	Phone        string
	Status       LeadStatus
	Score        int
	CallAttempts int
	LastCalledAt *time.Time
	UpdatedAt    time.Time
}
