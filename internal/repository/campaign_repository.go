package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"engagecrm/internal/models"
)

const campaignColumns = `
	id, tenant_id, name, message_template, segment_id, instance_id,
	sending_rate_per_minute, business_hours_only,
	COALESCE(business_hours_start::text, ''), COALESCE(business_hours_end::text, ''),
	COALESCE(business_hours_timezone, ''),
	status, pause_reason, sent_count, failed_count, total_contacts,
	started_at, completed_at, created_at, updated_at`

type campaignRepository struct {
	db DB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db DB) CampaignRepository {
	return &campaignRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	campaign := &models.Campaign{}
	err := row.Scan(
		&campaign.ID,
		&campaign.TenantID,
		&campaign.Name,
		&campaign.MessageTemplate,
		&campaign.SegmentID,
		&campaign.InstanceID,
		&campaign.SendingRatePerMinute,
		&campaign.BusinessHoursOnly,
		&campaign.BusinessHoursStart,
		&campaign.BusinessHoursEnd,
		&campaign.BusinessHoursTimezone,
		&campaign.Status,
		&campaign.PauseReason,
		&campaign.SentCount,
		&campaign.FailedCount,
		&campaign.TotalContacts,
		&campaign.StartedAt,
		&campaign.CompletedAt,
		&campaign.CreatedAt,
		&campaign.UpdatedAt,
	)
	return campaign, err
}

// GetByID retrieves a campaign by ID
func (r *campaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	campaign, err := scanCampaign(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return campaign, nil
}

// ListByStatus retrieves all campaigns in a status, oldest start first
func (r *campaignRepository) ListByStatus(ctx context.Context, status models.CampaignStatus) ([]*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = $1
		ORDER BY started_at ASC NULLS LAST, id ASC`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate campaigns: %w", err)
	}

	return campaigns, nil
}

// Transition moves a campaign to a new status if its current status is one of from.
// Moving to completed stamps completed_at; pause_reason is set on pause and cleared otherwise.
func (r *campaignRepository) Transition(ctx context.Context, id string, from []models.CampaignStatus, to models.CampaignStatus, reason *models.PauseReason) error {
	for _, f := range from {
		if f != to && !models.CanTransition(f, to) {
			return fmt.Errorf("%s -> %s: %w", f, to, ErrInvalidTransition)
		}
	}

	var pauseReason *string
	if to == models.CampaignStatusPaused && reason != nil {
		s := string(*reason)
		pauseReason = &s
	}

	fromValues := make([]string, len(from))
	for i, f := range from {
		fromValues[i] = string(f)
	}

	query := `
		UPDATE campaigns
		SET status = $2,
			pause_reason = $3,
			completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`

	result, err := r.db.ExecContext(ctx, query, id, string(to), pauseReason, pq.Array(fromValues))
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("campaign %s to %s: %w", id, to, ErrInvalidTransition)
	}

	return nil
}
