package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"engagecrm/internal/models"
)

type segmentRepository struct {
	db DB
}

// NewSegmentRepository creates a new segment repository
func NewSegmentRepository(db DB) SegmentRepository {
	return &segmentRepository{db: db}
}

// GetByID retrieves a tenant's segment with its decoded filters
func (r *segmentRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Segment, error) {
	query := `
		SELECT id, tenant_id, name, filters, created_at
		FROM segments
		WHERE id = $1 AND tenant_id = $2
	`

	segment := &models.Segment{}
	var filters []byte
	err := r.db.QueryRowContext(ctx, query, id, tenantID).Scan(
		&segment.ID,
		&segment.TenantID,
		&segment.Name,
		&filters,
		&segment.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("segment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}

	segment.Filters = []models.Filter{}
	if len(filters) > 0 && string(filters) != "null" {
		if err := json.Unmarshal(filters, &segment.Filters); err != nil {
			return nil, fmt.Errorf("failed to decode segment filters: %w", err)
		}
	}

	return segment, nil
}
