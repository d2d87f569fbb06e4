package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"engagecrm/internal/models"
	"engagecrm/internal/repository"
)

// MessageSender is the provider surface the gateway needs
type MessageSender interface {
	SendText(ctx context.Context, endpoint ProviderEndpoint, number, text string) (*SendResult, error)
	ConnectionState(ctx context.Context, endpoint ProviderEndpoint) (string, error)
}

// GatewayConfig carries the defaults used when an instance has no own credentials
type GatewayConfig struct {
	DefaultAPIURL string
	DefaultAPIKey string
	QuotaLocation *time.Location
}

// ChannelGateway wraps one tenant messaging account
type ChannelGateway struct {
	instances repository.InstanceRepository
	sender    MessageSender
	clock     Clock
	cfg       GatewayConfig

	instance *models.ChannelInstance
}

// NewChannelGateway creates a gateway over a loaded instance
func NewChannelGateway(
	instance *models.ChannelInstance,
	instances repository.InstanceRepository,
	sender MessageSender,
	clock Clock,
	cfg GatewayConfig,
) *ChannelGateway {
	if cfg.QuotaLocation == nil {
		cfg.QuotaLocation = time.UTC
	}
	return &ChannelGateway{
		instances: instances,
		sender:    sender,
		clock:     clock,
		cfg:       cfg,
		instance:  instance,
	}
}

// LoadInstance finds the campaign's channel instance: the pinned one if set,
// otherwise the tenant's preferred instance
func LoadInstance(ctx context.Context, instances repository.InstanceRepository, campaign *models.Campaign) (*models.ChannelInstance, error) {
	var (
		instance *models.ChannelInstance
		err      error
	)
	if campaign.InstanceID != nil && *campaign.InstanceID != "" {
		instance, err = instances.GetByID(ctx, *campaign.InstanceID)
	} else {
		instance, err = instances.GetForTenant(ctx, campaign.TenantID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ConfigurationError{Message: "no channel instance found for campaign"}
	}
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// Instance returns the last loaded snapshot
func (g *ChannelGateway) Instance() *models.ChannelInstance {
	return g.instance
}

// Reload re-reads the instance row
func (g *ChannelGateway) Reload(ctx context.Context) error {
	instance, err := g.instances.GetByID(ctx, g.instance.ID)
	if err != nil {
		return fmt.Errorf("failed to reload instance: %w", err)
	}
	g.instance = instance
	return nil
}

// Endpoint returns the provider address for this instance
func (g *ChannelGateway) Endpoint() ProviderEndpoint {
	endpoint := ProviderEndpoint{
		BaseURL:      g.cfg.DefaultAPIURL,
		APIKey:       g.cfg.DefaultAPIKey,
		InstanceName: g.instance.InstanceName,
	}
	if g.instance.APIURL != nil && *g.instance.APIURL != "" {
		endpoint.BaseURL = *g.instance.APIURL
	}
	if g.instance.APIKey != nil && *g.instance.APIKey != "" {
		endpoint.APIKey = *g.instance.APIKey
	}
	return endpoint
}

// IsConnected reports the persisted connectivity state
func (g *ChannelGateway) IsConnected() bool {
	return g.instance.IsConnected()
}

// RefreshConnectionState asks the provider for the live state and persists it
func (g *ChannelGateway) RefreshConnectionState(ctx context.Context) error {
	state, err := g.sender.ConnectionState(ctx, g.Endpoint())
	if err != nil {
		return err
	}
	if state == "" || state == g.instance.Status {
		return nil
	}
	if err := g.instances.UpdateStatus(ctx, g.instance.ID, state); err != nil {
		return err
	}
	g.instance.Status = state
	return nil
}

// EnsureFreshQuotaWindow zeroes the daily counter once per quota day
func (g *ChannelGateway) EnsureFreshQuotaWindow(ctx context.Context) error {
	today := g.clock.Now().In(g.cfg.QuotaLocation)
	if !g.instance.NeedsReset(today) {
		return nil
	}

	if _, err := g.instances.ResetDailyCounter(ctx, g.instance.ID, today); err != nil {
		return err
	}
	return g.Reload(ctx)
}

// DailyQuotaRemaining returns the sends left today. Call EnsureFreshQuotaWindow first.
func (g *ChannelGateway) DailyQuotaRemaining() int {
	return g.instance.QuotaRemaining()
}

// Send calls the provider once, without retry
func (g *ChannelGateway) Send(ctx context.Context, number, text string) (*SendResult, error) {
	return g.sender.SendText(ctx, g.Endpoint(), number, text)
}

// RecordSent increments the daily counter after a successful send
func (g *ChannelGateway) RecordSent(ctx context.Context) error {
	if err := g.instances.IncrementSent(ctx, g.instance.ID); err != nil {
		return err
	}
	g.instance.MessagesSentToday++
	return nil
}

// UpdateDeliveryRate stores the success percentage of sent vs failed sends
func (g *ChannelGateway) UpdateDeliveryRate(ctx context.Context, sentCount, failureCount int) error {
	rate := DeliveryRate(sentCount, failureCount)
	if err := g.instances.UpdateDeliveryRate(ctx, g.instance.ID, rate); err != nil {
		return err
	}
	g.instance.DeliveryRate = rate
	return nil
}

// DeliveryRate returns sent / (sent + failed) as a percentage with two decimals
func DeliveryRate(sentCount, failureCount int) float64 {
	total := sentCount + failureCount
	if total <= 0 {
		return 0
	}
	return math.Round(float64(sentCount)/float64(total)*100*100) / 100
}
