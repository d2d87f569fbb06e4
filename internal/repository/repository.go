package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"engagecrm/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a conditional status update matched no row
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CampaignRepository defines campaign data access operations
type CampaignRepository interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	ListByStatus(ctx context.Context, status models.CampaignStatus) ([]*models.Campaign, error)
	Transition(ctx context.Context, id string, from []models.CampaignStatus, to models.CampaignStatus, reason *models.PauseReason) error
}

// SegmentRepository defines segment data access operations
type SegmentRepository interface {
	GetByID(ctx context.Context, tenantID, id string) (*models.Segment, error)
}

// ContactRepository defines contact data access operations
type ContactRepository interface {
	GetByID(ctx context.Context, tenantID, id string) (*models.Contact, error)
	FindByFilters(ctx context.Context, tenantID string, filters []models.Filter) ([]*models.Contact, error)
}

// BlocklistRepository defines blocked number lookups
type BlocklistRepository interface {
	ListPhones(ctx context.Context, tenantID string) ([]string, error)
}

// LedgerRepository defines campaign contact ledger operations
type LedgerRepository interface {
	Seed(ctx context.Context, campaignID string, contactIDs []string, startedAt time.Time) (int, error)
	NextPending(ctx context.Context, campaignID string) (*models.PendingDelivery, error)
	MarkSent(ctx context.Context, entryID int64, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, entryID int64, errorMessage string) (bool, error)
	Stats(ctx context.Context, campaignID string) (*models.CampaignStats, error)
}

// InstanceRepository defines channel instance data access operations
type InstanceRepository interface {
	GetByID(ctx context.Context, id string) (*models.ChannelInstance, error)
	GetForTenant(ctx context.Context, tenantID string) (*models.ChannelInstance, error)
	UpdateStatus(ctx context.Context, id, status string) error
	ResetDailyCounter(ctx context.Context, id string, today time.Time) (bool, error)
	IncrementSent(ctx context.Context, id string) error
	UpdateDeliveryRate(ctx context.Context, id string, rate float64) error
}

// DB is a wrapper around *sql.DB to allow passing in transaction
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
