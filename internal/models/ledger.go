package models

import "time"

// LedgerStatus represents a campaign contact's delivery status
type LedgerStatus string

const (
	LedgerStatusPending LedgerStatus = "pending"
	LedgerStatusSent    LedgerStatus = "sent"
	LedgerStatusFailed  LedgerStatus = "failed"
)

// LedgerEntry is one (campaign, contact) delivery row
type LedgerEntry struct {
	ID           int64        `json:"id" db:"id"`
	CampaignID   string       `json:"campaign_id" db:"campaign_id"`
	ContactID    string       `json:"contact_id" db:"contact_id"`
	Status       LedgerStatus `json:"status" db:"status"`
	SentAt       *time.Time   `json:"sent_at,omitempty" db:"sent_at"`
	ErrorMessage *string      `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// PendingDelivery is a claimed pending entry with its contact
type PendingDelivery struct {
	Entry   LedgerEntry
	Contact Contact
}

// IsTerminal reports whether the entry has left pending
func (e *LedgerEntry) IsTerminal() bool {
	return e.Status == LedgerStatusSent || e.Status == LedgerStatusFailed
}
