package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagecrm/internal/models"
)

const (
	testCampaign = "camp-1"
	testInstance = "inst-1"
)

var loopStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type loopFixture struct {
	store  *memStore
	clock  *fakeClock
	sender *fakeSender
}

func contactPhone(i int) string {
	return fmt.Sprintf("+55119876543%02d", i)
}

func normalizedPhone(i int) string {
	return fmt.Sprintf("55119876543%02d", i)
}

// newLoopFixture builds a running campaign with n seeded contacts on a connected instance
func newLoopFixture(t *testing.T, n int) *loopFixture {
	t.Helper()

	names := []string{"Ana Souza", "Bruno Lima", "Carla Dias", "Diego Rocha", "Elisa Prado", "Felipe Nunes", "Gabriela Reis"}

	store := newMemStore()
	store.addInstance(&models.ChannelInstance{
		ID:                testInstance,
		InstanceName:      "main",
		Status:            "open",
		DailyMessageLimit: 100,
	})
	store.addCampaign(&models.Campaign{
		ID:                   testCampaign,
		Name:                 "Promo",
		MessageTemplate:      "Olá {{primeiro_nome}}!",
		SendingRatePerMinute: 20,
		Status:               models.CampaignStatusRunning,
	})

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("k%d", i)
		store.addContact(ids[i], contactPhone(i), names[i%len(names)])
	}
	store.seedDirect(testCampaign, ids...)

	return &loopFixture{
		store:  store,
		clock:  newFakeClock(loopStart),
		sender: &fakeSender{},
	}
}

func (f *loopFixture) loop(cfg LoopConfig) *DeliveryLoop {
	return newTestLoop(f.store, f.sender, f.clock, cfg)
}

func (f *loopFixture) assertConserved(t *testing.T) {
	t.Helper()
	c := f.store.campaign(testCampaign)
	pending := f.store.countStatus(testCampaign, models.LedgerStatusPending)
	assert.Equal(t, c.TotalContacts, c.SentCount+c.FailedCount+pending)
	assert.Equal(t, c.SentCount, f.store.countStatus(testCampaign, models.LedgerStatusSent))
	assert.Equal(t, c.FailedCount, f.store.countStatus(testCampaign, models.LedgerStatusFailed))
}

func TestDeliveryLoop_SendsEveryContactAndCompletes(t *testing.T) {
	f := newLoopFixture(t, 3)

	result, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 3, result.Sent)
	assert.Equal(t, 0, result.Failed)

	campaign := f.store.campaign(testCampaign)
	assert.Equal(t, models.CampaignStatusCompleted, campaign.Status)
	assert.Equal(t, 3, campaign.SentCount)
	assert.NotNil(t, campaign.CompletedAt)

	sent := f.sender.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "Olá Ana!", sent[0].Text)
	assert.Equal(t, "Olá Bruno!", sent[1].Text)
	assert.Equal(t, normalizedPhone(0), sent[0].Number)
	assert.Equal(t, "https://evo.example", sent[0].Endpoint.BaseURL)
	assert.Equal(t, "main", sent[0].Endpoint.InstanceName)

	instance := f.store.instance(testInstance)
	assert.Equal(t, 3, instance.MessagesSentToday)
	assert.Equal(t, 100.0, instance.DeliveryRate)

	for _, entry := range f.store.ledger(testCampaign) {
		assert.Equal(t, models.LedgerStatusSent, entry.Status)
		assert.NotNil(t, entry.SentAt)
	}
	f.assertConserved(t)
}

func TestDeliveryLoop_WaitsSendIntervalBetweenSends(t *testing.T) {
	f := newLoopFixture(t, 3)

	_, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	// 20/min is one send every 3s; no wait before the first send or after the last
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, f.clock.Sleeps())
}

func TestDeliveryLoop_RechecksGatesAfterRateWait(t *testing.T) {
	f := newLoopFixture(t, 3)
	f.clock.onSleep = func(time.Duration) {
		f.store.setStatus(testCampaign, models.CampaignStatusPaused)
	}

	result, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeStopped, result.Outcome)
	assert.Len(t, f.sender.Sent(), 1)
	assert.Equal(t, 2, f.store.countStatus(testCampaign, models.LedgerStatusPending))
}

func TestDeliveryLoop_RateIsFlooredAtOnePerSecond(t *testing.T) {
	f := newLoopFixture(t, 2)
	f.store.campaigns[testCampaign].SendingRatePerMinute = 600

	_, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	for _, d := range f.clock.Sleeps() {
		assert.Equal(t, time.Second, d)
	}
}

func TestDeliveryLoop_PausesWhenDailyQuotaIsExhausted(t *testing.T) {
	f := newLoopFixture(t, 5)
	f.store.instances[0].DailyMessageLimit = 2
	loop := f.loop(LoopConfig{})

	result, err := loop.Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomePaused, result.Outcome)
	require.NotNil(t, result.PauseReason)
	assert.Equal(t, models.PauseReasonQuotaExhausted, *result.PauseReason)
	assert.Equal(t, 2, result.Sent)

	campaign := f.store.campaign(testCampaign)
	assert.Equal(t, models.CampaignStatusPaused, campaign.Status)
	assert.Equal(t, models.PauseReasonQuotaExhausted, *campaign.PauseReason)
	assert.Equal(t, 3, f.store.countStatus(testCampaign, models.LedgerStatusPending))

	// next day, after a resume, the counter starts over
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, fakeCampaigns{f.store}.Transition(context.Background(), testCampaign,
		[]models.CampaignStatus{models.CampaignStatusPaused}, models.CampaignStatusRunning, nil))

	result, err = loop.Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, result.Outcome)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 2, f.store.instance(testInstance).MessagesSentToday)
	assert.Equal(t, 4, f.store.countStatus(testCampaign, models.LedgerStatusSent))
	assert.Len(t, f.sender.Sent(), 4)
	f.assertConserved(t)
}

func TestDeliveryLoop_FailsOversizedMessageWithoutSending(t *testing.T) {
	f := newLoopFixture(t, 2)
	f.store.campaigns[testCampaign].MessageTemplate = "Olá {{primeiro_nome}}! {{custom.promo}}"
	f.store.contacts[0].CustomFields["promo"] = strings.Repeat("x", 40)
	f.store.contacts[1].CustomFields["promo"] = "ok"

	result, err := f.loop(LoopConfig{MaxMessageLength: 20}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 1, result.Skipped)

	entries := f.store.ledger(testCampaign)
	assert.Equal(t, models.LedgerStatusFailed, entries[0].Status)
	assert.Equal(t, "message too long (49 characters, max 20)", *entries[0].ErrorMessage)
	assert.Equal(t, models.LedgerStatusSent, entries[1].Status)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Olá Bruno! ok", sent[0].Text)

	// the skipped entry does not consume a send interval
	assert.Empty(t, f.clock.Sleeps())
	f.assertConserved(t)
}

func TestDeliveryLoop_WaitsForBusinessHours(t *testing.T) {
	f := newLoopFixture(t, 1)
	c := f.store.campaigns[testCampaign]
	c.BusinessHoursOnly = true
	c.BusinessHoursStart = "09:00"
	c.BusinessHoursEnd = "18:00"
	c.BusinessHoursTimezone = "UTC"
	f.clock = newFakeClock(time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC))

	result, err := f.loop(LoopConfig{BusinessHoursPoll: 30 * time.Minute}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 4, result.Waits)
	require.Len(t, f.sender.Sent(), 1)

	entry := f.store.ledger(testCampaign)[0]
	require.NotNil(t, entry.SentAt)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), *entry.SentAt)
}

func TestDeliveryLoop_NeverSendsOutsideBusinessHours(t *testing.T) {
	f := newLoopFixture(t, 1)
	c := f.store.campaigns[testCampaign]
	c.BusinessHoursOnly = true
	c.BusinessHoursStart = "09:00"
	c.BusinessHoursEnd = "18:00"
	f.clock = newFakeClock(time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waits := 0
	f.clock.onSleep = func(time.Duration) {
		waits++
		if waits == 3 {
			cancel()
		}
	}

	result, err := f.loop(LoopConfig{}).Run(ctx, testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Empty(t, f.sender.Sent())
	assert.Equal(t, models.CampaignStatusRunning, f.store.campaign(testCampaign).Status)
}

func TestDeliveryLoop_PausesAfterConsecutiveFailures(t *testing.T) {
	f := newLoopFixture(t, 7)
	f.sender.respond = func(n int, number, text string) (*SendResult, error) {
		if n == 3 {
			return &SendResult{OK: true, StatusCode: 201}, nil
		}
		return &SendResult{StatusCode: 500, Detail: "provider returned 500: down"}, nil
	}

	result, err := f.loop(LoopConfig{MaxConsecutiveFailure: 3}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomePaused, result.Outcome)
	assert.Equal(t, models.PauseReasonConsecutiveFailures, *result.PauseReason)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 5, result.Failed)
	assert.Equal(t, 1, f.store.countStatus(testCampaign, models.LedgerStatusPending))

	entries := f.store.ledger(testCampaign)
	assert.Equal(t, "provider returned 500: down", *entries[0].ErrorMessage)
	assert.Equal(t, 16.67, f.store.instance(testInstance).DeliveryRate)
	f.assertConserved(t)
}

func TestDeliveryLoop_PausesOnHighErrorRate(t *testing.T) {
	f := newLoopFixture(t, 2)
	c := f.store.campaigns[testCampaign]
	c.SentCount = 20
	c.FailedCount = 3
	c.TotalContacts += 23

	result, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomePaused, result.Outcome)
	assert.Equal(t, models.PauseReasonErrorRateHigh, *result.PauseReason)
	assert.Empty(t, f.sender.Sent())
}

func TestDeliveryLoop_SkipsNumbersBlockedAfterSeeding(t *testing.T) {
	f := newLoopFixture(t, 3)
	f.store.block(testTenant, contactPhone(0))
	f.store.block(testTenant, normalizedPhone(2))

	result, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, normalizedPhone(1), sent[0].Number)

	entries := f.store.ledger(testCampaign)
	assert.Equal(t, ReasonBlocked, *entries[0].ErrorMessage)
	assert.Equal(t, ReasonBlocked, *entries[2].ErrorMessage)
	f.assertConserved(t)
}

func TestDeliveryLoop_MatchesBlocklistEntriesInAnyFormat(t *testing.T) {
	f := newLoopFixture(t, 3)
	f.store.block(testTenant, "+55 11 98765-4300")
	f.store.block(testTenant, "(11) 98765-4301")

	result, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 2, result.Skipped)
	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, normalizedPhone(2), sent[0].Number)

	entries := f.store.ledger(testCampaign)
	assert.Equal(t, ReasonBlocked, *entries[0].ErrorMessage)
	assert.Equal(t, ReasonBlocked, *entries[1].ErrorMessage)
	f.assertConserved(t)
}

func TestDeliveryLoop_ReturnsBlocklistErrors(t *testing.T) {
	f := newLoopFixture(t, 1)
	f.store.errs["Blocklist.ListPhones"] = errBoom

	_, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, f.sender.Sent())
	assert.Equal(t, 1, f.store.countStatus(testCampaign, models.LedgerStatusPending))
}

func TestDeliveryLoop_StopsWhenCampaignLeavesRunning(t *testing.T) {
	f := newLoopFixture(t, 3)
	f.sender.respond = func(n int, number, text string) (*SendResult, error) {
		if n == 1 {
			f.store.setStatus(testCampaign, models.CampaignStatusPaused)
		}
		return &SendResult{OK: true}, nil
	}

	result, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeStopped, result.Outcome)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 2, f.store.countStatus(testCampaign, models.LedgerStatusPending))
}

func TestDeliveryLoop_InFlightSendFinishesOnCancel(t *testing.T) {
	f := newLoopFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.sender.respond = func(n int, number, text string) (*SendResult, error) {
		if n == 1 {
			cancel()
		}
		return &SendResult{OK: true}, nil
	}

	loop := f.loop(LoopConfig{})
	result, err := loop.Run(ctx, testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, models.LedgerStatusSent, f.store.ledger(testCampaign)[0].Status)
	assert.Equal(t, 1, f.store.campaign(testCampaign).SentCount)

	// a later invocation picks up where this one stopped without resending
	f.sender.respond = nil
	result, err = loop.Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 2, result.Sent)

	numbers := map[string]int{}
	for _, m := range f.sender.Sent() {
		numbers[m.Number]++
	}
	assert.Len(t, numbers, 3)
	for number, count := range numbers {
		assert.Equal(t, 1, count, number)
	}
	f.assertConserved(t)
}

func TestDeliveryLoop_StopsWhenLeaseCannotBeKept(t *testing.T) {
	tests := []struct {
		name    string
		beatErr error
		want    LoopOutcome
	}{
		{"lost to another owner", ErrLeaseLost, OutcomeLeaseLost},
		{"redis unreachable", errBoom, OutcomeInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLoopFixture(t, 2)

			beat := func(ctx context.Context) error { return tt.beatErr }
			result, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, beat)
			require.NoError(t, err)

			assert.Equal(t, tt.want, result.Outcome)
			assert.Empty(t, f.sender.Sent())
			assert.Equal(t, models.CampaignStatusRunning, f.store.campaign(testCampaign).Status)
		})
	}
}

func TestDeliveryLoop_HeartbeatCancelledIsCancellation(t *testing.T) {
	f := newLoopFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	beat := func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}
	result, err := f.loop(LoopConfig{}).Run(ctx, testCampaign, beat)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Empty(t, f.sender.Sent())
}

func TestDeliveryLoop_RecordsTransportErrorAsFailure(t *testing.T) {
	f := newLoopFixture(t, 1)
	f.sender.respond = func(int, string, string) (*SendResult, error) {
		return nil, errBoom
	}

	result, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	entry := f.store.ledger(testCampaign)[0]
	assert.Equal(t, models.LedgerStatusFailed, entry.Status)
	assert.Equal(t, "send error: boom", *entry.ErrorMessage)
}

func TestDeliveryLoop_FailsContactWithoutUsablePhone(t *testing.T) {
	f := newLoopFixture(t, 1)
	f.store.contacts[0].Phone = "n/a"

	_, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	entry := f.store.ledger(testCampaign)[0]
	assert.Equal(t, "invalid phone number", *entry.ErrorMessage)
	assert.Empty(t, f.sender.Sent())
}

func TestDeliveryLoop_LeavesUnknownPlaceholdersLiteral(t *testing.T) {
	f := newLoopFixture(t, 1)
	f.store.campaigns[testCampaign].MessageTemplate = "Oi {{nome}}, código {{coupon}}"

	_, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.NoError(t, err)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Oi Ana Souza, código {{coupon}}", sent[0].Text)
}

func TestDeliveryLoop_ReturnsClaimErrors(t *testing.T) {
	f := newLoopFixture(t, 1)
	f.store.errs["Ledger.NextPending"] = errBoom

	_, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
}

func TestDeliveryLoop_MissingInstanceIsAConfigurationError(t *testing.T) {
	f := newLoopFixture(t, 1)
	f.store.instances = nil

	_, err := f.loop(LoopConfig{}).Run(context.Background(), testCampaign, nil)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDeliveryRate(t *testing.T) {
	assert.Equal(t, 0.0, DeliveryRate(0, 0))
	assert.Equal(t, 100.0, DeliveryRate(5, 0))
	assert.Equal(t, 66.67, DeliveryRate(2, 1))
}
