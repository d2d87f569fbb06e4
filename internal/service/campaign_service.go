package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"engagecrm/internal/models"
	"engagecrm/internal/queue"
	"engagecrm/internal/repository"
)

// JobPublisher enqueues delivery loop invocations
type JobPublisher interface {
	PublishDelivery(ctx context.Context, job queue.DeliveryJob) error
}

// TriggerRequest is the body of a send-campaign call
type TriggerRequest struct {
	CampaignID string `json:"campaignId" validate:"required,uuid"`
	Resume     bool   `json:"resume"`
}

// TriggerResult is returned once a delivery loop has been requested
type TriggerResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	TotalContacts int    `json:"totalContacts"`
}

// PreviewResult is a rendered message for one contact
type PreviewResult struct {
	CampaignID          string   `json:"campaign_id"`
	ContactID           string   `json:"contact_id"`
	Message             string   `json:"message"`
	Length              int      `json:"length"`
	MaxLength           int      `json:"max_length"`
	FitsLimit           bool     `json:"fits_limit"`
	UnknownPlaceholders []string `json:"unknown_placeholders"`
}

// CampaignService handles campaign start, resume and inspection
type CampaignService struct {
	campaignRepo repository.CampaignRepository
	ledgerRepo   repository.LedgerRepository
	instanceRepo repository.InstanceRepository
	contactRepo  repository.ContactRepository
	resolver     *SegmentResolver
	templateSvc  *TemplateService
	sender       MessageSender
	publisher    JobPublisher
	clock        Clock
	cfg          LoopConfig
	logger       *zap.Logger
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	campaignRepo repository.CampaignRepository,
	ledgerRepo repository.LedgerRepository,
	instanceRepo repository.InstanceRepository,
	contactRepo repository.ContactRepository,
	resolver *SegmentResolver,
	templateSvc *TemplateService,
	sender MessageSender,
	publisher JobPublisher,
	clock Clock,
	cfg LoopConfig,
	logger *zap.Logger,
) *CampaignService {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultLoopConfig().MaxMessageLength
	}
	return &CampaignService{
		campaignRepo: campaignRepo,
		ledgerRepo:   ledgerRepo,
		instanceRepo: instanceRepo,
		contactRepo:  contactRepo,
		resolver:     resolver,
		templateSvc:  templateSvc,
		sender:       sender,
		publisher:    publisher,
		clock:        clock,
		cfg:          cfg,
		logger:       logger.With(zap.String("component", "campaign_service")),
	}
}

// Trigger starts or resumes a campaign depending on req.Resume
func (s *CampaignService) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	if req.Resume {
		return s.Resume(ctx, req.CampaignID)
	}
	return s.Start(ctx, req.CampaignID)
}

// Start resolves the segment, seeds the ledger, moves the campaign to running
// and enqueues its delivery loop
func (s *CampaignService) Start(ctx context.Context, campaignID string) (*TriggerResult, error) {
	campaign, err := s.getCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if !campaign.CanStart() {
		return nil, &BusinessLogicError{
			Message: fmt.Sprintf("campaign is %s; only draft campaigns can be started (use resume for paused campaigns)", campaign.Status),
		}
	}
	if err := campaign.Validate(); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	if err := s.templateSvc.ValidateTemplate(campaign.MessageTemplate); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid template: %v", err)}
	}

	if err := s.checkChannel(ctx, campaign); err != nil {
		return nil, err
	}

	recipients, err := s.resolver.Resolve(ctx, campaign.TenantID, campaign.SegmentID)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, &NoRecipientsError{CampaignID: campaign.ID}
	}

	contactIDs := make([]string, len(recipients))
	for i, r := range recipients {
		contactIDs[i] = r.ContactID
	}

	if _, err := s.ledgerRepo.Seed(ctx, campaign.ID, contactIDs, s.clock.Now()); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return nil, &ConflictError{Resource: "campaign", Message: "campaign was started concurrently"}
		}
		return nil, fmt.Errorf("failed to seed campaign: %w", err)
	}

	s.logger.Info("Campaign started",
		zap.String("campaign_id", campaign.ID),
		zap.String("tenant_id", campaign.TenantID),
		zap.Int("total_contacts", len(contactIDs)),
	)

	if err := s.enqueue(ctx, campaign.ID, false); err != nil {
		return nil, err
	}

	return &TriggerResult{
		Success:       true,
		Message:       fmt.Sprintf("Campaign started for %d contacts", len(contactIDs)),
		TotalContacts: len(contactIDs),
	}, nil
}

// Resume moves a paused campaign back to running without touching the ledger.
// Resuming a running campaign only re-requests its loop; the lease keeps it single.
func (s *CampaignService) Resume(ctx context.Context, campaignID string) (*TriggerResult, error) {
	campaign, err := s.getCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if !campaign.CanResume() {
		return nil, &BusinessLogicError{
			Message: fmt.Sprintf("campaign is %s; only paused or running campaigns can be resumed", campaign.Status),
		}
	}

	if err := s.checkChannel(ctx, campaign); err != nil {
		return nil, err
	}

	if campaign.Status == models.CampaignStatusPaused {
		err := s.campaignRepo.Transition(ctx, campaign.ID,
			[]models.CampaignStatus{models.CampaignStatusPaused}, models.CampaignStatusRunning, nil)
		if err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
			return nil, fmt.Errorf("failed to resume campaign: %w", err)
		}
		if err != nil {
			current, getErr := s.getCampaign(ctx, campaign.ID)
			if getErr != nil {
				return nil, getErr
			}
			if current.Status != models.CampaignStatusRunning {
				return nil, &ConflictError{Resource: "campaign", Message: fmt.Sprintf("campaign moved to %s", current.Status)}
			}
		}
	}

	s.logger.Info("Campaign resumed",
		zap.String("campaign_id", campaign.ID),
		zap.String("previous_status", string(campaign.Status)),
	)

	if err := s.enqueue(ctx, campaign.ID, true); err != nil {
		return nil, err
	}

	return &TriggerResult{
		Success:       true,
		Message:       "Campaign resumed",
		TotalContacts: campaign.TotalContacts,
	}, nil
}

// Pause is the operator pause; the loop stops at its next liveness check
func (s *CampaignService) Pause(ctx context.Context, campaignID string) (*models.Campaign, error) {
	campaign, err := s.getCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	reason := models.PauseReasonOperator
	err = s.campaignRepo.Transition(ctx, campaign.ID,
		[]models.CampaignStatus{models.CampaignStatusRunning}, models.CampaignStatusPaused, &reason)
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil, &BusinessLogicError{Message: fmt.Sprintf("campaign is %s; only running campaigns can be paused", campaign.Status)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pause campaign: %w", err)
	}

	s.logger.Info("Campaign paused by operator", zap.String("campaign_id", campaign.ID))
	return s.getCampaign(ctx, campaign.ID)
}

// Progress returns the campaign counters together with ledger totals
func (s *CampaignService) Progress(ctx context.Context, campaignID string) (*models.CampaignProgress, error) {
	campaign, err := s.getCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	stats, err := s.ledgerRepo.Stats(ctx, campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign progress: %w", err)
	}

	return &models.CampaignProgress{Campaign: *campaign, Ledger: *stats}, nil
}

// Preview renders the campaign template for one contact without sending
func (s *CampaignService) Preview(ctx context.Context, campaignID, contactID string) (*PreviewResult, error) {
	campaign, err := s.getCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	contact, err := s.contactRepo.GetByID(ctx, campaign.TenantID, contactID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Resource: "Contact", ID: contactID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}

	rendered, err := s.templateSvc.Render(campaign.MessageTemplate, contact)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("failed to render template: %v", err)}
	}

	length := MessageLength(rendered)
	return &PreviewResult{
		CampaignID:          campaign.ID,
		ContactID:           contact.ID,
		Message:             rendered,
		Length:              length,
		MaxLength:           s.cfg.MaxMessageLength,
		FitsLimit:           length <= s.cfg.MaxMessageLength,
		UnknownPlaceholders: s.templateSvc.UnknownPlaceholders(campaign.MessageTemplate, contact),
	}, nil
}

func (s *CampaignService) getCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, campaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Resource: "Campaign", ID: campaignID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return campaign, nil
}

// checkChannel rejects campaigns whose channel cannot deliver
func (s *CampaignService) checkChannel(ctx context.Context, campaign *models.Campaign) error {
	instance, err := LoadInstance(ctx, s.instanceRepo, campaign)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return err
		}
		return fmt.Errorf("failed to load channel instance: %w", err)
	}

	gateway := NewChannelGateway(instance, s.instanceRepo, s.sender, s.clock, s.cfg.Gateway)
	if err := gateway.Endpoint().Validate(); err != nil {
		return &ConfigurationError{Message: err.Error()}
	}

	if err := gateway.RefreshConnectionState(ctx); err != nil {
		s.logger.Warn("Could not refresh channel state, using stored state",
			zap.String("instance_id", instance.ID),
			zap.Error(err),
		)
	}
	if !gateway.IsConnected() {
		return &ConfigurationError{
			Message: fmt.Sprintf("channel instance %s is not connected (state %q)", instance.InstanceName, gateway.Instance().Status),
		}
	}
	return nil
}

func (s *CampaignService) enqueue(ctx context.Context, campaignID string, resume bool) error {
	job := queue.DeliveryJob{
		CampaignID:  campaignID,
		Resume:      resume,
		RequestedAt: s.clock.Now().UTC(),
	}
	if err := s.publisher.PublishDelivery(ctx, job); err != nil {
		s.logger.Error("Failed to enqueue delivery job; worker recovery will pick the campaign up",
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to enqueue delivery job: %w", err)
	}
	return nil
}
