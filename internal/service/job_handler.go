package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"engagecrm/internal/queue"
)

// Launcher starts a delivery loop for a campaign
type Launcher interface {
	Launch(ctx context.Context, campaignID string) error
}

// NewDeliveryJobHandler turns queued delivery jobs into supervised loops.
// A job whose campaign is already being delivered is discarded.
func NewDeliveryJobHandler(launcher Launcher, logger *zap.Logger) queue.JobHandler {
	logger = logger.With(zap.String("component", "job_handler"))

	return func(ctx context.Context, job *queue.DeliveryJob) error {
		if job.CampaignID == "" {
			return fmt.Errorf("job without campaign id: %w", queue.ErrDiscard)
		}

		err := launcher.Launch(ctx, job.CampaignID)
		switch {
		case err == nil:
			logger.Info("Delivery job accepted",
				zap.String("campaign_id", job.CampaignID),
				zap.Bool("resume", job.Resume),
			)
			return nil
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrLeaseNotObtained):
			return fmt.Errorf("campaign %s: %v: %w", job.CampaignID, err, queue.ErrDiscard)
		default:
			return fmt.Errorf("failed to launch campaign %s: %w", job.CampaignID, err)
		}
	}
}
