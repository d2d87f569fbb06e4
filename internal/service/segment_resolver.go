package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"engagecrm/internal/models"
	"engagecrm/internal/phone"
	"engagecrm/internal/repository"
)

// ResolvedContact is one recipient chosen at campaign start
type ResolvedContact struct {
	ContactID string
	Phone     string
}

// SegmentResolver turns a segment into a deduplicated, blocklist-filtered recipient list
type SegmentResolver struct {
	segments   repository.SegmentRepository
	contacts   repository.ContactRepository
	blocklist  repository.BlocklistRepository
	normalizer *phone.Normalizer
	logger     *zap.Logger
}

// NewSegmentResolver creates a new segment resolver
func NewSegmentResolver(
	segments repository.SegmentRepository,
	contacts repository.ContactRepository,
	blocklist repository.BlocklistRepository,
	normalizer *phone.Normalizer,
	logger *zap.Logger,
) *SegmentResolver {
	return &SegmentResolver{
		segments:   segments,
		contacts:   contacts,
		blocklist:  blocklist,
		normalizer: normalizer,
		logger:     logger.With(zap.String("component", "segment_resolver")),
	}
}

// Resolve returns the recipients of a tenant's segment in result order.
// A nil segment or a segment without filters resolves to nothing.
func (r *SegmentResolver) Resolve(ctx context.Context, tenantID string, segmentID *string) ([]ResolvedContact, error) {
	if segmentID == nil || *segmentID == "" {
		return []ResolvedContact{}, nil
	}

	segment, err := r.segments.GetByID(ctx, tenantID, *segmentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Resource: "Segment", ID: *segmentID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load segment: %w", err)
	}

	if err := segment.Validate(); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("segment %s: %v", segment.ID, err)}
	}
	if len(segment.Filters) == 0 {
		r.logger.Info("Segment has no filters, resolving to no recipients",
			zap.String("segment_id", segment.ID),
		)
		return []ResolvedContact{}, nil
	}

	matched, err := r.contacts.FindByFilters(ctx, tenantID, segment.Filters)
	if err != nil {
		return nil, fmt.Errorf("failed to query segment contacts: %w", err)
	}

	blocked, err := loadBlockedSet(ctx, r.blocklist, r.normalizer, tenantID)
	if err != nil {
		return nil, err
	}

	return r.filter(matched, blocked, segment.ID), nil
}

// loadBlockedSet returns the tenant blocklist keyed by normalized phone
func loadBlockedSet(ctx context.Context, blocklist repository.BlocklistRepository, normalizer *phone.Normalizer, tenantID string) (map[string]struct{}, error) {
	phones, err := blocklist.ListPhones(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocklist: %w", err)
	}

	set := make(map[string]struct{}, len(phones))
	for _, p := range phones {
		if normalized := normalizer.Normalize(p); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set, nil
}

// filter applies first-seen-wins dedup and blocklist exclusion on normalized phones
func (r *SegmentResolver) filter(matched []*models.Contact, blocked map[string]struct{}, segmentID string) []ResolvedContact {
	seen := make(map[string]struct{}, len(matched))
	resolved := make([]ResolvedContact, 0, len(matched))
	var duplicates, excluded, unusable int

	for _, contact := range matched {
		normalized := r.normalizer.Normalize(contact.Phone)
		if normalized == "" {
			unusable++
			continue
		}
		if _, ok := seen[normalized]; ok {
			duplicates++
			continue
		}
		seen[normalized] = struct{}{}

		if _, ok := blocked[normalized]; ok {
			excluded++
			continue
		}
		resolved = append(resolved, ResolvedContact{ContactID: contact.ID, Phone: normalized})
	}

	r.logger.Info("Segment resolved",
		zap.String("segment_id", segmentID),
		zap.Int("matched", len(matched)),
		zap.Int("recipients", len(resolved)),
		zap.Int("duplicates", duplicates),
		zap.Int("blocked", excluded),
		zap.Int("without_phone", unusable),
	)

	return resolved
}
