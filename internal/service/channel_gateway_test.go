package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagecrm/internal/models"
)

func newTestGateway(store *memStore, sender *fakeSender, clock Clock, cfg GatewayConfig) *ChannelGateway {
	instance := store.instance(testInstance)
	return NewChannelGateway(&instance, fakeInstances{store}, sender, clock, cfg)
}

func gatewayStore(instance models.ChannelInstance) *memStore {
	store := newMemStore()
	instance.ID = testInstance
	if instance.InstanceName == "" {
		instance.InstanceName = "main"
	}
	store.addInstance(&instance)
	return store
}

func TestChannelGateway_Endpoint(t *testing.T) {
	defaults := newTestGateway(gatewayStore(models.ChannelInstance{}), &fakeSender{}, newFakeClock(loopStart), testGatewayConfig())
	assert.Equal(t, ProviderEndpoint{BaseURL: "https://evo.example", APIKey: "key", InstanceName: "main"}, defaults.Endpoint())

	own := newTestGateway(gatewayStore(models.ChannelInstance{
		APIURL: strPtr("https://tenant.example"),
		APIKey: strPtr("tenant-key"),
	}), &fakeSender{}, newFakeClock(loopStart), testGatewayConfig())
	assert.Equal(t, ProviderEndpoint{BaseURL: "https://tenant.example", APIKey: "tenant-key", InstanceName: "main"}, own.Endpoint())

	blank := newTestGateway(gatewayStore(models.ChannelInstance{APIURL: strPtr(""), APIKey: strPtr("")}),
		&fakeSender{}, newFakeClock(loopStart), testGatewayConfig())
	assert.Equal(t, "https://evo.example", blank.Endpoint().BaseURL)
}

func TestChannelGateway_QuotaWindow(t *testing.T) {
	yesterday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	store := gatewayStore(models.ChannelInstance{
		Status:            "open",
		DailyMessageLimit: 10,
		MessagesSentToday: 10,
		LastResetDate:     &yesterday,
	})
	clock := newFakeClock(loopStart)
	gateway := newTestGateway(store, &fakeSender{}, clock, testGatewayConfig())

	assert.Equal(t, 0, gateway.DailyQuotaRemaining())

	require.NoError(t, gateway.EnsureFreshQuotaWindow(context.Background()))
	assert.Equal(t, 10, gateway.DailyQuotaRemaining())

	require.NoError(t, gateway.RecordSent(context.Background()))
	require.NoError(t, gateway.EnsureFreshQuotaWindow(context.Background()))
	assert.Equal(t, 9, gateway.DailyQuotaRemaining())
	assert.Equal(t, 1, store.instance(testInstance).MessagesSentToday)
}

func TestChannelGateway_QuotaDayFollowsConfiguredTimezone(t *testing.T) {
	saoPaulo, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	// 01:00 UTC on the 10th is still the 9th in São Paulo
	lastReset := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	store := gatewayStore(models.ChannelInstance{DailyMessageLimit: 5, MessagesSentToday: 5, LastResetDate: &lastReset})
	clock := newFakeClock(time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC))
	cfg := testGatewayConfig()
	cfg.QuotaLocation = saoPaulo

	gateway := newTestGateway(store, &fakeSender{}, clock, cfg)
	require.NoError(t, gateway.EnsureFreshQuotaWindow(context.Background()))
	assert.Equal(t, 0, gateway.DailyQuotaRemaining())

	clock.Advance(3 * time.Hour)
	require.NoError(t, gateway.EnsureFreshQuotaWindow(context.Background()))
	assert.Equal(t, 5, gateway.DailyQuotaRemaining())
}

func TestChannelGateway_RefreshConnectionState(t *testing.T) {
	store := gatewayStore(models.ChannelInstance{Status: "open"})
	sender := &fakeSender{state: "close"}
	gateway := newTestGateway(store, sender, newFakeClock(loopStart), testGatewayConfig())

	require.NoError(t, gateway.RefreshConnectionState(context.Background()))
	assert.False(t, gateway.IsConnected())
	assert.Equal(t, "close", store.instance(testInstance).Status)

	sender.state = ""
	require.NoError(t, gateway.RefreshConnectionState(context.Background()))
	assert.Equal(t, "close", gateway.Instance().Status)

	sender.stateErr = errBoom
	assert.ErrorIs(t, gateway.RefreshConnectionState(context.Background()), errBoom)
}

func TestChannelGateway_UpdateDeliveryRate(t *testing.T) {
	store := gatewayStore(models.ChannelInstance{})
	gateway := newTestGateway(store, &fakeSender{}, newFakeClock(loopStart), testGatewayConfig())

	require.NoError(t, gateway.UpdateDeliveryRate(context.Background(), 1, 2))
	assert.Equal(t, 33.33, gateway.Instance().DeliveryRate)
	assert.Equal(t, 33.33, store.instance(testInstance).DeliveryRate)
}

func TestLoadInstance(t *testing.T) {
	store := newMemStore()
	store.addInstance(&models.ChannelInstance{ID: "a", InstanceName: "old", Status: "close"})
	store.addInstance(&models.ChannelInstance{ID: "b", InstanceName: "new", Status: "open"})
	instances := fakeInstances{store}

	preferred, err := LoadInstance(context.Background(), instances, &models.Campaign{TenantID: testTenant})
	require.NoError(t, err)
	assert.Equal(t, "b", preferred.ID, "a connected instance wins")

	pinned, err := LoadInstance(context.Background(), instances, &models.Campaign{TenantID: testTenant, InstanceID: strPtr("a")})
	require.NoError(t, err)
	assert.Equal(t, "a", pinned.ID)

	_, err = LoadInstance(context.Background(), instances, &models.Campaign{TenantID: "other"})
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = LoadInstance(context.Background(), instances, &models.Campaign{TenantID: testTenant, InstanceID: strPtr("zzz")})
	assert.ErrorAs(t, err, &cfgErr)
}
