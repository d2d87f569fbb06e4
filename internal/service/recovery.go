package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"engagecrm/internal/models"
	"engagecrm/internal/queue"
	"engagecrm/internal/repository"
)

// RequeueRunning publishes a resume job for every campaign left running,
// e.g. after a worker restart. Leases keep the re-requested loops single.
func RequeueRunning(ctx context.Context, campaigns repository.CampaignRepository, publisher JobPublisher, clock Clock, logger *zap.Logger) (int, error) {
	running, err := campaigns.ListByStatus(ctx, models.CampaignStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running campaigns: %w", err)
	}

	requeued := 0
	for _, campaign := range running {
		job := queue.DeliveryJob{
			CampaignID:  campaign.ID,
			Resume:      true,
			RequestedAt: clock.Now().UTC(),
		}
		if err := publisher.PublishDelivery(ctx, job); err != nil {
			logger.Error("Failed to requeue running campaign",
				zap.String("campaign_id", campaign.ID),
				zap.Error(err),
			)
			continue
		}
		requeued++
	}

	if len(running) > 0 {
		logger.Info("Requeued running campaigns",
			zap.Int("running", len(running)),
			zap.Int("requeued", requeued),
		)
	}
	return requeued, nil
}
