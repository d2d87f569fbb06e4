package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"engagecrm/internal/models"
	"engagecrm/internal/phone"
	"engagecrm/internal/repository"
)

// LoopOutcome describes why a delivery loop invocation ended
type LoopOutcome string

const (
	// OutcomeCompleted means the ledger was exhausted and the campaign completed
	OutcomeCompleted LoopOutcome = "completed"
	// OutcomePaused means a policy gate paused the campaign
	OutcomePaused LoopOutcome = "paused"
	// OutcomeStopped means the campaign left running outside the loop
	OutcomeStopped LoopOutcome = "stopped"
	// OutcomeCancelled means the invocation context was cancelled
	OutcomeCancelled LoopOutcome = "cancelled"
	// OutcomeLeaseLost means another owner took the campaign lease
	OutcomeLeaseLost LoopOutcome = "lease_lost"
	// OutcomeInterrupted means the lease could not be confirmed; the campaign
	// is still running and should be picked up again
	OutcomeInterrupted LoopOutcome = "interrupted"
)

// Ledger failure reasons
const (
	ReasonBlocked = "blocked"
)

// LoopResult summarizes one invocation
type LoopResult struct {
	Outcome     LoopOutcome
	PauseReason *models.PauseReason
	Sent        int
	Failed      int
	Skipped     int
	Waits       int
}

// Heartbeat is called at the top of every iteration; an error ends the loop
type Heartbeat func(ctx context.Context) error

// LoopConfig tunes the delivery policy
type LoopConfig struct {
	MinSendInterval       time.Duration
	BusinessHoursPoll     time.Duration
	MaxMessageLength      int
	MaxConsecutiveFailure int
	Gateway               GatewayConfig
}

// DefaultLoopConfig returns the production policy constants
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MinSendInterval:       time.Second,
		BusinessHoursPoll:     time.Minute,
		MaxMessageLength:      1000,
		MaxConsecutiveFailure: 5,
		Gateway:               GatewayConfig{QuotaLocation: time.UTC},
	}
}

// DeliveryLoop sends a campaign's pending ledger entries one at a time
type DeliveryLoop struct {
	campaigns  repository.CampaignRepository
	ledger     repository.LedgerRepository
	blocklist  repository.BlocklistRepository
	instances  repository.InstanceRepository
	sender     MessageSender
	templates  *TemplateService
	normalizer *phone.Normalizer
	clock      Clock
	cfg        LoopConfig
	logger     *zap.Logger
}

// NewDeliveryLoop creates a new delivery loop
func NewDeliveryLoop(
	campaigns repository.CampaignRepository,
	ledger repository.LedgerRepository,
	blocklist repository.BlocklistRepository,
	instances repository.InstanceRepository,
	sender MessageSender,
	templates *TemplateService,
	normalizer *phone.Normalizer,
	clock Clock,
	cfg LoopConfig,
	logger *zap.Logger,
) *DeliveryLoop {
	defaults := DefaultLoopConfig()
	if cfg.MinSendInterval <= 0 {
		cfg.MinSendInterval = defaults.MinSendInterval
	}
	if cfg.BusinessHoursPoll <= 0 {
		cfg.BusinessHoursPoll = defaults.BusinessHoursPoll
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaults.MaxMessageLength
	}
	if cfg.MaxConsecutiveFailure <= 0 {
		cfg.MaxConsecutiveFailure = defaults.MaxConsecutiveFailure
	}

	return &DeliveryLoop{
		campaigns:  campaigns,
		ledger:     ledger,
		blocklist:  blocklist,
		instances:  instances,
		sender:     sender,
		templates:  templates,
		normalizer: normalizer,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "delivery_loop")),
	}
}

// Run processes the campaign until it completes, a gate pauses it, it leaves
// running, or ctx is cancelled. A send already in flight always finishes and
// is recorded before cancellation is observed.
//
// A returned error means a gate read, claim or ledger write failed; the
// caller decides how to park the campaign.
func (l *DeliveryLoop) Run(ctx context.Context, campaignID string, beat Heartbeat) (*LoopResult, error) {
	log := l.logger.With(zap.String("campaign_id", campaignID))
	result := &LoopResult{}

	var (
		gateway     *ChannelGateway
		sentOnce    bool
		rested      bool
		consecutive int
	)

	for {
		if ctx.Err() != nil {
			result.Outcome = OutcomeCancelled
			return result, nil
		}

		if beat != nil {
			if err := beat(ctx); err != nil {
				switch {
				case ctx.Err() != nil:
					result.Outcome = OutcomeCancelled
				case errors.Is(err, ErrLeaseLost):
					log.Warn("Lost campaign lease, stopping", zap.Error(err))
					result.Outcome = OutcomeLeaseLost
				default:
					log.Warn("Could not confirm campaign lease, stopping", zap.Error(err))
					result.Outcome = OutcomeInterrupted
				}
				return result, nil
			}
		}

		// liveness
		campaign, err := l.campaigns.GetByID(ctx, campaignID)
		if err != nil {
			return result, fmt.Errorf("liveness check: %w", err)
		}
		if campaign.Status != models.CampaignStatusRunning {
			log.Info("Campaign is no longer running", zap.String("status", string(campaign.Status)))
			result.Outcome = OutcomeStopped
			return result, nil
		}

		// quota
		if gateway == nil {
			instance, err := LoadInstance(ctx, l.instances, campaign)
			if err != nil {
				return result, fmt.Errorf("load instance: %w", err)
			}
			gateway = NewChannelGateway(instance, l.instances, l.sender, l.clock, l.cfg.Gateway)
		} else if err := gateway.Reload(ctx); err != nil {
			return result, fmt.Errorf("quota check: %w", err)
		}
		if err := gateway.EnsureFreshQuotaWindow(ctx); err != nil {
			return result, fmt.Errorf("quota reset: %w", err)
		}
		if gateway.DailyQuotaRemaining() <= 0 {
			log.Info("Daily quota exhausted",
				zap.String("instance_id", gateway.Instance().ID),
				zap.Int("daily_limit", gateway.Instance().DailyMessageLimit),
			)
			return l.pause(ctx, campaignID, models.PauseReasonQuotaExhausted, result)
		}

		// business hours
		if campaign.BusinessHoursOnly {
			window, err := campaign.BusinessHours()
			if err != nil {
				return result, fmt.Errorf("business hours: %w", err)
			}
			if !window.Contains(l.clock.Now()) {
				result.Waits++
				log.Debug("Outside business hours, waiting", zap.Duration("poll", l.cfg.BusinessHoursPoll))
				if err := l.clock.Sleep(ctx, l.cfg.BusinessHoursPoll); err != nil {
					result.Outcome = OutcomeCancelled
					return result, nil
				}
				continue
			}
		}

		// error rate
		if campaign.ErrorRateExceeded() {
			log.Warn("Error rate above threshold",
				zap.Int("sent_count", campaign.SentCount),
				zap.Int("failed_count", campaign.FailedCount),
			)
			return l.pause(ctx, campaignID, models.PauseReasonErrorRateHigh, result)
		}

		// claim
		pending, err := l.ledger.NextPending(ctx, campaignID)
		if err != nil {
			return result, fmt.Errorf("claim: %w", err)
		}
		if pending == nil {
			return l.complete(ctx, campaignID, result, log)
		}

		// rate limit; the gates run again after the wait
		if sentOnce && !rested {
			if err := l.clock.Sleep(ctx, campaign.SendInterval(l.cfg.MinSendInterval)); err != nil {
				result.Outcome = OutcomeCancelled
				return result, nil
			}
			rested = true
			continue
		}
		rested = false

		sent, err := l.deliver(ctx, campaign, gateway, pending, result, log)
		if err != nil {
			return result, err
		}
		if !sent.attempted {
			continue
		}
		sentOnce = true

		if sent.ok {
			consecutive = 0
		} else {
			consecutive++
		}
		if consecutive >= l.cfg.MaxConsecutiveFailure {
			log.Warn("Consecutive send failures, pausing", zap.Int("failures", consecutive))
			return l.pause(ctx, campaignID, models.PauseReasonConsecutiveFailures, result)
		}
	}
}

type attempt struct {
	attempted bool
	ok        bool
}

// deliver handles one claimed entry: per-recipient checks, render, send, record
func (l *DeliveryLoop) deliver(
	ctx context.Context,
	campaign *models.Campaign,
	gateway *ChannelGateway,
	pending *models.PendingDelivery,
	result *LoopResult,
	log *zap.Logger,
) (attempt, error) {
	entry := pending.Entry
	contact := pending.Contact
	number := l.normalizer.Normalize(contact.Phone)

	// entries may be stored in any format, so both sides are compared normalized
	blocked, err := loadBlockedSet(ctx, l.blocklist, l.normalizer, campaign.TenantID)
	if err != nil {
		return attempt{}, fmt.Errorf("blocklist check: %w", err)
	}
	if _, ok := blocked[number]; ok && number != "" {
		result.Skipped++
		return attempt{}, l.fail(ctx, entry.ID, ReasonBlocked, result)
	}

	text, err := l.templates.Render(campaign.MessageTemplate, &contact)
	if err != nil {
		result.Skipped++
		return attempt{}, l.fail(ctx, entry.ID, fmt.Sprintf("render error: %v", err), result)
	}
	if length := MessageLength(text); length > l.cfg.MaxMessageLength {
		result.Skipped++
		reason := fmt.Sprintf("message too long (%d characters, max %d)", length, l.cfg.MaxMessageLength)
		return attempt{}, l.fail(ctx, entry.ID, reason, result)
	}
	if number == "" {
		result.Skipped++
		return attempt{}, l.fail(ctx, entry.ID, "invalid phone number", result)
	}

	// the send and its bookkeeping finish even if ctx is cancelled meanwhile
	sendCtx := context.WithoutCancel(ctx)

	res, err := gateway.Send(sendCtx, number, text)
	if err != nil {
		res = &SendResult{Detail: fmt.Sprintf("send error: %v", err)}
	}

	if res.OK {
		if _, err := l.ledger.MarkSent(sendCtx, entry.ID, l.clock.Now()); err != nil {
			return attempt{}, fmt.Errorf("record sent: %w", err)
		}
		result.Sent++
		if err := gateway.RecordSent(sendCtx); err != nil {
			log.Warn("Failed to increment daily counter", zap.Error(err))
		}
	} else {
		log.Info("Send failed",
			zap.Int64("entry_id", entry.ID),
			zap.String("detail", res.Detail),
		)
		if err := l.fail(sendCtx, entry.ID, res.Detail, result); err != nil {
			return attempt{}, err
		}
	}

	if err := gateway.UpdateDeliveryRate(sendCtx, result.Sent, result.Failed); err != nil {
		log.Warn("Failed to update delivery rate", zap.Error(err))
	}

	return attempt{attempted: true, ok: res.OK}, nil
}

func (l *DeliveryLoop) fail(ctx context.Context, entryID int64, reason string, result *LoopResult) error {
	changed, err := l.ledger.MarkFailed(ctx, entryID, reason)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if changed {
		result.Failed++
	}
	return nil
}

func (l *DeliveryLoop) pause(ctx context.Context, campaignID string, reason models.PauseReason, result *LoopResult) (*LoopResult, error) {
	err := l.campaigns.Transition(ctx, campaignID,
		[]models.CampaignStatus{models.CampaignStatusRunning}, models.CampaignStatusPaused, &reason)
	if errors.Is(err, repository.ErrInvalidTransition) {
		result.Outcome = OutcomeStopped
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("pause: %w", err)
	}

	l.logger.Info("Campaign paused",
		zap.String("campaign_id", campaignID),
		zap.String("reason", string(reason)),
	)
	result.Outcome = OutcomePaused
	result.PauseReason = &reason
	return result, nil
}

func (l *DeliveryLoop) complete(ctx context.Context, campaignID string, result *LoopResult, log *zap.Logger) (*LoopResult, error) {
	err := l.campaigns.Transition(ctx, campaignID,
		[]models.CampaignStatus{models.CampaignStatusRunning}, models.CampaignStatusCompleted, nil)
	if errors.Is(err, repository.ErrInvalidTransition) {
		result.Outcome = OutcomeStopped
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("complete: %w", err)
	}

	log.Info("Campaign completed",
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
	)
	result.Outcome = OutcomeCompleted
	return result, nil
}
