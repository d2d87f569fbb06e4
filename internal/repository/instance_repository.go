package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"engagecrm/internal/models"
)

const instanceColumns = `
	id, tenant_id, instance_name, status, api_url, api_key,
	messages_sent_today, daily_message_limit, last_reset_date, delivery_rate`

type instanceRepository struct {
	db DB
}

// NewInstanceRepository creates a new channel instance repository
func NewInstanceRepository(db DB) InstanceRepository {
	return &instanceRepository{db: db}
}

func scanInstance(row rowScanner) (*models.ChannelInstance, error) {
	instance := &models.ChannelInstance{}
	err := row.Scan(
		&instance.ID,
		&instance.TenantID,
		&instance.InstanceName,
		&instance.Status,
		&instance.APIURL,
		&instance.APIKey,
		&instance.MessagesSentToday,
		&instance.DailyMessageLimit,
		&instance.LastResetDate,
		&instance.DeliveryRate,
	)
	return instance, err
}

// GetByID retrieves an instance by ID
func (r *instanceRepository) GetByID(ctx context.Context, id string) (*models.ChannelInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM whatsapp_instances WHERE id = $1`

	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	return instance, nil
}

// GetForTenant returns the tenant's preferred instance: connected ones first, newest first
func (r *instanceRepository) GetForTenant(ctx context.Context, tenantID string) (*models.ChannelInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM whatsapp_instances
		WHERE tenant_id = $1
		ORDER BY (LOWER(status) IN ('open', 'connected')) DESC, created_at DESC
		LIMIT 1`

	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance for tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant instance: %w", err)
	}

	return instance, nil
}

// UpdateStatus stores the latest connectivity state reported by the provider
func (r *instanceRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE whatsapp_instances SET status = $2, updated_at = NOW() WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, status); err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}

	return nil
}

// ResetDailyCounter zeroes messages_sent_today unless it was already reset for today.
// Returns true if this call performed the reset.
func (r *instanceRepository) ResetDailyCounter(ctx context.Context, id string, today time.Time) (bool, error) {
	day := today.Format("2006-01-02")
	query := `
		UPDATE whatsapp_instances
		SET messages_sent_today = 0, last_reset_date = $2::date, updated_at = NOW()
		WHERE id = $1 AND last_reset_date IS DISTINCT FROM $2::date
	`

	result, err := r.db.ExecContext(ctx, query, id, day)
	if err != nil {
		return false, fmt.Errorf("failed to reset daily counter: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// IncrementSent adds one to the instance's daily counter
func (r *instanceRepository) IncrementSent(ctx context.Context, id string) error {
	query := `
		UPDATE whatsapp_instances
		SET messages_sent_today = messages_sent_today + 1, updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to increment sent counter: %w", err)
	}

	return nil
}

// UpdateDeliveryRate stores the success percentage
func (r *instanceRepository) UpdateDeliveryRate(ctx context.Context, id string, rate float64) error {
	query := `UPDATE whatsapp_instances SET delivery_rate = $2, updated_at = NOW() WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, rate); err != nil {
		return fmt.Errorf("failed to update delivery rate: %w", err)
	}

	return nil
}
