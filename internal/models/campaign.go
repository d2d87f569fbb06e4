package models

import (
	"fmt"
	"time"
)

// CampaignStatus represents valid campaign statuses
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// PauseReason records which gate moved a campaign out of running
type PauseReason string

const (
	PauseReasonQuotaExhausted      PauseReason = "quota_exhausted"
	PauseReasonErrorRateHigh       PauseReason = "error_rate_high"
	PauseReasonConsecutiveFailures PauseReason = "consecutive_failures"
	PauseReasonOperator            PauseReason = "operator"
	PauseReasonLoopError           PauseReason = "loop_error"
)

// DefaultSendingRate is used when a campaign has no positive rate configured
const DefaultSendingRate = 20

// Campaign represents a bulk-send job
type Campaign struct {
	ID                    string         `json:"id" db:"id"`
	TenantID              string         `json:"tenant_id" db:"tenant_id"`
	Name                  string         `json:"name" db:"name"`
	MessageTemplate       string         `json:"message_template" db:"message_template"`
	SegmentID             *string        `json:"segment_id,omitempty" db:"segment_id"`
	InstanceID            *string        `json:"instance_id,omitempty" db:"instance_id"`
	SendingRatePerMinute  int            `json:"sending_rate_per_minute" db:"sending_rate_per_minute"`
	BusinessHoursOnly     bool           `json:"business_hours_only" db:"business_hours_only"`
	BusinessHoursStart    string         `json:"business_hours_start" db:"business_hours_start"`
	BusinessHoursEnd      string         `json:"business_hours_end" db:"business_hours_end"`
	BusinessHoursTimezone string         `json:"business_hours_timezone" db:"business_hours_timezone"`
	Status                CampaignStatus `json:"status" db:"status"`
	PauseReason           *PauseReason   `json:"pause_reason,omitempty" db:"pause_reason"`
	SentCount             int            `json:"sent_count" db:"sent_count"`
	FailedCount           int            `json:"failed_count" db:"failed_count"`
	TotalContacts         int            `json:"total_contacts" db:"total_contacts"`
	StartedAt             *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt             time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at" db:"updated_at"`
}

// CampaignStats represents ledger statistics for a campaign
type CampaignStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// CampaignProgress is the pollable view of a running or finished campaign
type CampaignProgress struct {
	Campaign
	Ledger CampaignStats `json:"ledger"`
}

// transitions lists the allowed next states for each status
var transitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusDraft:   {CampaignStatusRunning},
	CampaignStatusRunning: {CampaignStatusPaused, CampaignStatusCompleted},
	CampaignStatusPaused:  {CampaignStatusRunning},
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s CampaignStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusRunning, CampaignStatusPaused, CampaignStatusCompleted:
		return true
	}
	return false
}

// CanStart checks if the campaign can be started (ledger seeded)
func (c *Campaign) CanStart() bool {
	return c.Status == CampaignStatusDraft
}

// CanResume checks if the campaign can be resumed without reseeding.
// Resuming a running campaign is accepted and leaves the status unchanged.
func (c *Campaign) CanResume() bool {
	return c.Status == CampaignStatusPaused || c.Status == CampaignStatusRunning
}

// SendInterval returns the delay enforced between two sends.
// The floor keeps the loop at or below one message per second.
func (c *Campaign) SendInterval(floor time.Duration) time.Duration {
	rate := c.SendingRatePerMinute
	if rate <= 0 {
		rate = DefaultSendingRate
	}
	interval := time.Minute / time.Duration(rate)
	if interval < floor {
		return floor
	}
	return interval
}

// ErrorRateExceeded is the coarse circuit breaker on campaign counters:
// more than 10 sends and failures above 10% of sends.
func (c *Campaign) ErrorRateExceeded() bool {
	if c.SentCount <= 10 {
		return false
	}
	return float64(c.FailedCount)/float64(c.SentCount) > 0.10
}

// BusinessHours returns the campaign's sending window
func (c *Campaign) BusinessHours() (*BusinessHours, error) {
	return ParseBusinessHours(c.BusinessHoursStart, c.BusinessHoursEnd, c.BusinessHoursTimezone)
}

// Validate checks if the campaign fields are valid for delivery
func (c *Campaign) Validate() error {
	if c.MessageTemplate == "" {
		return fmt.Errorf("message template is required")
	}
	if c.SendingRatePerMinute < 0 {
		return fmt.Errorf("sending rate must not be negative")
	}
	if c.BusinessHoursOnly {
		if _, err := c.BusinessHours(); err != nil {
			return fmt.Errorf("invalid business hours: %w", err)
		}
	}
	return nil
}
