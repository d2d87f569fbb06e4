package models

import (
	"strings"
	"time"
)

// ChannelInstance is a tenant's connected messaging account
type ChannelInstance struct {
	ID                string     `json:"id" db:"id"`
	TenantID          string     `json:"tenant_id" db:"tenant_id"`
	InstanceName      string     `json:"instance_name" db:"instance_name"`
	Status            string     `json:"status" db:"status"`
	APIURL            *string    `json:"-" db:"api_url"`
	APIKey            *string    `json:"-" db:"api_key"`
	MessagesSentToday int        `json:"messages_sent_today" db:"messages_sent_today"`
	DailyMessageLimit int        `json:"daily_message_limit" db:"daily_message_limit"`
	LastResetDate     *time.Time `json:"last_reset_date,omitempty" db:"last_reset_date"`
	DeliveryRate      float64    `json:"delivery_rate" db:"delivery_rate"`
}

// IsConnected reports whether the connectivity state is an open/connected variant
func (i *ChannelInstance) IsConnected() bool {
	switch strings.ToLower(strings.TrimSpace(i.Status)) {
	case "open", "connected":
		return true
	}
	return false
}

// NeedsReset reports whether the daily counter belongs to a day other than today
func (i *ChannelInstance) NeedsReset(today time.Time) bool {
	if i.LastResetDate == nil {
		return true
	}
	y1, m1, d1 := i.LastResetDate.Date()
	y2, m2, d2 := today.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// QuotaRemaining returns daily_message_limit - messages_sent_today
func (i *ChannelInstance) QuotaRemaining() int {
	return i.DailyMessageLimit - i.MessagesSentToday
}
