package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"engagecrm/internal/models"
)

type ledgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository creates a new campaign contact ledger repository
func NewLedgerRepository(db *sql.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

// Seed inserts one pending entry per contact, in order, and moves the campaign
// from draft to running in the same transaction. Returns ErrInvalidTransition
// if the campaign was no longer a draft.
func (r *ledgerRepository) Seed(ctx context.Context, campaignID string, contactIDs []string, startedAt time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO campaign_contacts (campaign_id, contact_id, status)
		SELECT $1, c.id, 'pending'
		FROM unnest($2::uuid[]) WITH ORDINALITY AS c(id, ord)
		ORDER BY c.ord
		ON CONFLICT (campaign_id, contact_id) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, insert, campaignID, pq.Array(contactIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to seed campaign contacts: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	update := `
		UPDATE campaigns
		SET status = 'running',
			total_contacts = $2,
			started_at = $3,
			pause_reason = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`
	result, err = tx.ExecContext(ctx, update, campaignID, len(contactIDs), startedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to start campaign: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, fmt.Errorf("campaign %s is not a draft: %w", campaignID, ErrInvalidTransition)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return int(inserted), nil
}

// NextPending returns the oldest pending entry with its contact, or nil when none remain
func (r *ledgerRepository) NextPending(ctx context.Context, campaignID string) (*models.PendingDelivery, error) {
	query := `
		SELECT
			cc.id, cc.campaign_id, cc.contact_id, cc.status, cc.sent_at, cc.error_message, cc.created_at,
			ct.id, ct.tenant_id, ct.name, ct.phone, ct.email, ct.company_name, ct.cpf, ct.cnpj,
			ct.address_street, ct.address_number, ct.address_complement, ct.address_neighborhood,
			ct.address_city, ct.address_state, ct.address_zip, ct.custom_fields, ct.deleted_at, ct.created_at
		FROM campaign_contacts cc
		JOIN contacts ct ON ct.id = cc.contact_id
		WHERE cc.campaign_id = $1 AND cc.status = 'pending'
		ORDER BY cc.id ASC
		LIMIT 1
	`

	pending := &models.PendingDelivery{}
	var customFields []byte
	err := r.db.QueryRowContext(ctx, query, campaignID).Scan(
		&pending.Entry.ID,
		&pending.Entry.CampaignID,
		&pending.Entry.ContactID,
		&pending.Entry.Status,
		&pending.Entry.SentAt,
		&pending.Entry.ErrorMessage,
		&pending.Entry.CreatedAt,
		&pending.Contact.ID,
		&pending.Contact.TenantID,
		&pending.Contact.Name,
		&pending.Contact.Phone,
		&pending.Contact.Email,
		&pending.Contact.CompanyName,
		&pending.Contact.CPF,
		&pending.Contact.CNPJ,
		&pending.Contact.AddressStreet,
		&pending.Contact.AddressNumber,
		&pending.Contact.AddressComplement,
		&pending.Contact.AddressNeighborhood,
		&pending.Contact.AddressCity,
		&pending.Contact.AddressState,
		&pending.Contact.AddressZip,
		&customFields,
		&pending.Contact.DeletedAt,
		&pending.Contact.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next pending entry: %w", err)
	}

	pending.Contact.CustomFields, err = decodeCustomFields(customFields)
	if err != nil {
		return nil, err
	}

	return pending, nil
}

// MarkSent moves a pending entry to sent and bumps the campaign's sent_count
// in one statement. Returns false if the entry had already left pending.
func (r *ledgerRepository) MarkSent(ctx context.Context, entryID int64, at time.Time) (bool, error) {
	query := `
		WITH updated AS (
			UPDATE campaign_contacts
			SET status = 'sent', sent_at = $2, error_message = NULL
			WHERE id = $1 AND status = 'pending'
			RETURNING campaign_id
		)
		UPDATE campaigns
		SET sent_count = sent_count + 1, updated_at = NOW()
		WHERE id IN (SELECT campaign_id FROM updated)
	`

	return r.execTerminal(ctx, query, entryID, at)
}

// MarkFailed moves a pending entry to failed and bumps the campaign's failed_count
func (r *ledgerRepository) MarkFailed(ctx context.Context, entryID int64, errorMessage string) (bool, error) {
	query := `
		WITH updated AS (
			UPDATE campaign_contacts
			SET status = 'failed', error_message = $2
			WHERE id = $1 AND status = 'pending'
			RETURNING campaign_id
		)
		UPDATE campaigns
		SET failed_count = failed_count + 1, updated_at = NOW()
		WHERE id IN (SELECT campaign_id FROM updated)
	`

	return r.execTerminal(ctx, query, entryID, errorMessage)
}

func (r *ledgerRepository) execTerminal(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to record delivery outcome: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// Stats returns ledger counts by status for a campaign
func (r *ledgerRepository) Stats(ctx context.Context, campaignID string) (*models.CampaignStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM campaign_contacts
		WHERE campaign_id = $1
	`

	stats := &models.CampaignStats{}
	err := r.db.QueryRowContext(ctx, query, campaignID).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Sent,
		&stats.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign stats: %w", err)
	}

	return stats, nil
}
