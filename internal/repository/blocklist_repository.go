package repository

import (
	"context"
	"fmt"
)

type blocklistRepository struct {
	db DB
}

// NewBlocklistRepository creates a new blocklist repository
func NewBlocklistRepository(db DB) BlocklistRepository {
	return &blocklistRepository{db: db}
}

// ListPhones returns every blocked phone of a tenant as stored
func (r *blocklistRepository) ListPhones(ctx context.Context, tenantID string) ([]string, error) {
	query := `SELECT phone FROM blocked_numbers WHERE tenant_id = $1`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked numbers: %w", err)
	}
	defer rows.Close()

	phones := []string{}
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, fmt.Errorf("failed to scan blocked number: %w", err)
		}
		phones = append(phones, phone)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blocked numbers: %w", err)
	}

	return phones, nil
}
