package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"engagecrm/internal/models"
	"engagecrm/internal/phone"
	"engagecrm/internal/queue"
	"engagecrm/internal/repository"
)

const testTenant = "11111111-1111-1111-1111-111111111111"

// memStore is an in-memory stand-in for the database behind every repository.
// Conditional updates follow the same rules as the SQL they replace.
type memStore struct {
	mu sync.Mutex

	campaigns map[string]*models.Campaign
	segments  map[string]*models.Segment
	contacts  []*models.Contact
	blocked   map[string][]string
	instances []*models.ChannelInstance
	entries   []*models.LedgerEntry
	nextEntry int64

	// errs forces a method to fail, keyed by "Repo.Method"
	errs map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: make(map[string]*models.Campaign),
		segments:  make(map[string]*models.Segment),
		blocked:   make(map[string][]string),
		errs:      make(map[string]error),
	}
}

func (s *memStore) fail(method string) error {
	return s.errs[method]
}

func (s *memStore) addCampaign(c *models.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.TenantID == "" {
		c.TenantID = testTenant
	}
	s.campaigns[c.ID] = c
}

func (s *memStore) addContact(id, phoneNumber string, name string) *models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &models.Contact{
		ID:           id,
		TenantID:     testTenant,
		Phone:        phoneNumber,
		CustomFields: map[string]string{},
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, len(s.contacts), 0, time.UTC),
	}
	if name != "" {
		c.Name = &name
	}
	s.contacts = append(s.contacts, c)
	return c
}

func (s *memStore) addInstance(i *models.ChannelInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i.TenantID == "" {
		i.TenantID = testTenant
	}
	s.instances = append(s.instances, i)
}

func (s *memStore) block(tenantID, phoneNumber string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[tenantID] = append(s.blocked[tenantID], phoneNumber)
}

func (s *memStore) campaign(id string) models.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *memStore) setStatus(id string, status models.CampaignStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[id].Status = status
}

func (s *memStore) instance(id string) models.ChannelInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.instances {
		if i.ID == id {
			return *i
		}
	}
	panic("unknown instance " + id)
}

func (s *memStore) ledger(campaignID string) []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.CampaignID == campaignID {
			out = append(out, *e)
		}
	}
	return out
}

func (s *memStore) countStatus(campaignID string, status models.LedgerStatus) int {
	n := 0
	for _, e := range s.ledger(campaignID) {
		if e.Status == status {
			n++
		}
	}
	return n
}

// seedDirect writes pending entries without the draft check, for loop tests
func (s *memStore) seedDirect(campaignID string, contactIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range contactIDs {
		s.nextEntry++
		s.entries = append(s.entries, &models.LedgerEntry{
			ID:         s.nextEntry,
			CampaignID: campaignID,
			ContactID:  id,
			Status:     models.LedgerStatusPending,
		})
	}
	s.campaigns[campaignID].TotalContacts += len(contactIDs)
}

func (s *memStore) contactByID(id string) *models.Contact {
	for _, c := range s.contacts {
		if c.ID == id {
			return c
		}
	}
	return nil
}

type fakeCampaigns struct{ *memStore }

func (f fakeCampaigns) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Campaigns.GetByID"); err != nil {
		return nil, err
	}
	c, ok := f.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (f fakeCampaigns) ListByStatus(ctx context.Context, status models.CampaignStatus) ([]*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.Campaign{}
	for _, c := range f.campaigns {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f fakeCampaigns) Transition(ctx context.Context, id string, from []models.CampaignStatus, to models.CampaignStatus, reason *models.PauseReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Campaigns.Transition"); err != nil {
		return err
	}
	c, ok := f.campaigns[id]
	if !ok {
		return repository.ErrInvalidTransition
	}
	matched := false
	for _, s := range from {
		if c.Status == s {
			matched = true
		}
	}
	if !matched {
		return repository.ErrInvalidTransition
	}

	c.Status = to
	c.PauseReason = nil
	if to == models.CampaignStatusPaused && reason != nil {
		r := *reason
		c.PauseReason = &r
	}
	if to == models.CampaignStatusCompleted {
		now := time.Now()
		c.CompletedAt = &now
	}
	return nil
}

type fakeLedger struct{ *memStore }

func (f fakeLedger) Seed(ctx context.Context, campaignID string, contactIDs []string, startedAt time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Ledger.Seed"); err != nil {
		return 0, err
	}
	c := f.campaigns[campaignID]
	if c.Status != models.CampaignStatusDraft {
		return 0, repository.ErrInvalidTransition
	}
	for _, id := range contactIDs {
		f.nextEntry++
		f.entries = append(f.entries, &models.LedgerEntry{
			ID: f.nextEntry, CampaignID: campaignID, ContactID: id, Status: models.LedgerStatusPending,
		})
	}
	c.Status = models.CampaignStatusRunning
	c.TotalContacts = len(contactIDs)
	c.StartedAt = &startedAt
	c.PauseReason = nil
	return len(contactIDs), nil
}

func (f fakeLedger) NextPending(ctx context.Context, campaignID string) (*models.PendingDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Ledger.NextPending"); err != nil {
		return nil, err
	}
	for _, e := range f.entries {
		if e.CampaignID == campaignID && e.Status == models.LedgerStatusPending {
			contact := f.contactByID(e.ContactID)
			return &models.PendingDelivery{Entry: *e, Contact: *contact}, nil
		}
	}
	return nil, nil
}

func (f fakeLedger) mark(entryID int64, status models.LedgerStatus, msg *string, at *time.Time) bool {
	for _, e := range f.entries {
		if e.ID != entryID || e.Status != models.LedgerStatusPending {
			continue
		}
		e.Status = status
		e.ErrorMessage = msg
		e.SentAt = at
		c := f.campaigns[e.CampaignID]
		if status == models.LedgerStatusSent {
			c.SentCount++
		} else {
			c.FailedCount++
		}
		return true
	}
	return false
}

func (f fakeLedger) MarkSent(ctx context.Context, entryID int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Ledger.MarkSent"); err != nil {
		return false, err
	}
	return f.mark(entryID, models.LedgerStatusSent, nil, &at), nil
}

func (f fakeLedger) MarkFailed(ctx context.Context, entryID int64, errorMessage string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Ledger.MarkFailed"); err != nil {
		return false, err
	}
	return f.mark(entryID, models.LedgerStatusFailed, &errorMessage, nil), nil
}

func (f fakeLedger) Stats(ctx context.Context, campaignID string) (*models.CampaignStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &models.CampaignStats{}
	for _, e := range f.entries {
		if e.CampaignID != campaignID {
			continue
		}
		stats.Total++
		switch e.Status {
		case models.LedgerStatusPending:
			stats.Pending++
		case models.LedgerStatusSent:
			stats.Sent++
		case models.LedgerStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

type fakeBlocklist struct{ *memStore }

func (f fakeBlocklist) ListPhones(ctx context.Context, tenantID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Blocklist.ListPhones"); err != nil {
		return nil, err
	}
	return append([]string{}, f.blocked[tenantID]...), nil
}

type fakeInstances struct{ *memStore }

func (f fakeInstances) find(id string) *models.ChannelInstance {
	for _, i := range f.instances {
		if i.ID == id {
			return i
		}
	}
	return nil
}

func (f fakeInstances) GetByID(ctx context.Context, id string) (*models.ChannelInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	if i == nil {
		return nil, fmt.Errorf("instance %s: %w", id, repository.ErrNotFound)
	}
	cp := *i
	return &cp, nil
}

func (f fakeInstances) GetForTenant(ctx context.Context, tenantID string) (*models.ChannelInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var fallback *models.ChannelInstance
	for _, i := range f.instances {
		if i.TenantID != tenantID {
			continue
		}
		if i.IsConnected() {
			cp := *i
			return &cp, nil
		}
		if fallback == nil {
			fallback = i
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("instance for tenant %s: %w", tenantID, repository.ErrNotFound)
	}
	cp := *fallback
	return &cp, nil
}

func (f fakeInstances) UpdateStatus(ctx context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.find(id).Status = status
	return nil
}

func (f fakeInstances) ResetDailyCounter(ctx context.Context, id string, today time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	if i.LastResetDate != nil && i.LastResetDate.Equal(day) {
		return false, nil
	}
	i.MessagesSentToday = 0
	i.LastResetDate = &day
	return true, nil
}

func (f fakeInstances) IncrementSent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.find(id).MessagesSentToday++
	return nil
}

func (f fakeInstances) UpdateDeliveryRate(ctx context.Context, id string, rate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.find(id).DeliveryRate = rate
	return nil
}

type fakeSegments struct{ *memStore }

func (f fakeSegments) GetByID(ctx context.Context, tenantID, id string) (*models.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.segments[id]
	if !ok || s.TenantID != tenantID {
		return nil, fmt.Errorf("segment %s: %w", id, repository.ErrNotFound)
	}
	cp := *s
	cp.Filters = append([]models.Filter{}, s.Filters...)
	return &cp, nil
}

// fakeContacts returns every live contact of the tenant in creation order;
// filter compilation is covered by the repository tests
type fakeContacts struct{ *memStore }

func (f fakeContacts) GetByID(ctx context.Context, tenantID, id string) (*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.contactByID(id)
	if c == nil || c.TenantID != tenantID || c.DeletedAt != nil {
		return nil, fmt.Errorf("contact %s: %w", id, repository.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (f fakeContacts) FindByFilters(ctx context.Context, tenantID string, filters []models.Filter) ([]*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.Contact{}
	if len(filters) == 0 {
		return out, nil
	}
	for _, c := range f.contacts {
		if c.TenantID == tenantID && c.DeletedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeClock advances virtual time on Sleep
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration)
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration{}, c.sleeps...)
}

type sentMessage struct {
	Endpoint ProviderEndpoint
	Number   string
	Text     string
}

// fakeSender records sends; respond decides each outcome
type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	respond  func(n int, number, text string) (*SendResult, error)
	state    string
	stateErr error
}

func (s *fakeSender) SendText(ctx context.Context, endpoint ProviderEndpoint, number, text string) (*SendResult, error) {
	s.mu.Lock()
	s.sent = append(s.sent, sentMessage{Endpoint: endpoint, Number: number, Text: text})
	n := len(s.sent)
	respond := s.respond
	s.mu.Unlock()

	if respond != nil {
		return respond(n, number, text)
	}
	return &SendResult{OK: true, StatusCode: 201}, nil
}

func (s *fakeSender) ConnectionState(ctx context.Context, endpoint ProviderEndpoint) (string, error) {
	if s.stateErr != nil {
		return "", s.stateErr
	}
	return s.state, nil
}

func (s *fakeSender) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage{}, s.sent...)
}

func alwaysFail(detail string) func(int, string, string) (*SendResult, error) {
	return func(int, string, string) (*SendResult, error) {
		return &SendResult{OK: false, StatusCode: 500, Detail: detail}, nil
	}
}

// fakePublisher records published jobs
type fakePublisher struct {
	mu   sync.Mutex
	jobs []queue.DeliveryJob
	err  error
}

func (p *fakePublisher) PublishDelivery(ctx context.Context, job queue.DeliveryJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *fakePublisher) Jobs() []queue.DeliveryJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.DeliveryJob{}, p.jobs...)
}

var errBoom = errors.New("boom")

func testGatewayConfig() GatewayConfig {
	return GatewayConfig{
		DefaultAPIURL: "https://evo.example",
		DefaultAPIKey: "key",
		QuotaLocation: time.UTC,
	}
}

func newTestLoop(store *memStore, sender MessageSender, clock Clock, cfg LoopConfig) *DeliveryLoop {
	if cfg.Gateway.DefaultAPIURL == "" {
		cfg.Gateway = testGatewayConfig()
	}
	return NewDeliveryLoop(
		fakeCampaigns{store},
		fakeLedger{store},
		fakeBlocklist{store},
		fakeInstances{store},
		sender,
		NewTemplateService(),
		phone.NewNormalizer("BR"),
		clock,
		cfg,
		zap.NewNop(),
	)
}
