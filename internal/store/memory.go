package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waddleai/waddleai/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. It backs tests and
// zero-configuration development runs; nothing survives a restart.
type MemoryStore struct {
	mu sync.RWMutex

	orgs  map[string]models.Organization
	users map[string]models.User
	keys  map[string]models.APIKey
	links map[string]models.ConnectionLink
	mcfgs map[string]models.ModelConfig
	rates []models.ConversionRate

	usage  []models.UsageRecord
	caches map[cacheKey]models.UsageCache
	events []models.SecurityEvent
}

type cacheKey struct {
	apiKeyID    string
	period      models.QuotaPeriod
	periodStart time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:   make(map[string]models.Organization),
		users:  make(map[string]models.User),
		keys:   make(map[string]models.APIKey),
		links:  make(map[string]models.ConnectionLink),
		mcfgs:  make(map[string]models.ModelConfig),
		caches: make(map[cacheKey]models.UsageCache),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// ── Organizations ───────────────────────────────────────────

func (s *MemoryStore) GetOrganization(_ context.Context, id string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "organization", Key: id}
	}
	return &org, nil
}

func (s *MemoryStore) GetOrganizationByName(_ context.Context, name string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, org := range s.orgs {
		if org.Name == name {
			o := org
			return &o, nil
		}
	}
	return nil, &ErrNotFound{Entity: "organization", Key: name}
}

func (s *MemoryStore) CreateOrganization(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	s.orgs[org.ID] = *org
	return nil
}

func (s *MemoryStore) UpdateOrganization(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		return &ErrNotFound{Entity: "organization", Key: org.ID}
	}
	s.orgs[org.ID] = *org
	return nil
}

func (s *MemoryStore) ListOrganizations(_ context.Context) ([]models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		out = append(out, org)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ── Users ───────────────────────────────────────────────────

func (s *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	return &u, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			uu := u
			return &uu, nil
		}
	}
	return nil, &ErrNotFound{Entity: "user", Key: username}
}

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return &ErrNotFound{Entity: "user", Key: user.ID}
	}
	s.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context, orgID string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.User
	for _, u := range s.users {
		if orgID == "" || u.OrganizationID == orgID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// ── API Keys ────────────────────────────────────────────────

func (s *MemoryStore) GetAPIKey(_ context.Context, id string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "api key", Key: id}
	}
	return &k, nil
}

func (s *MemoryStore) GetAPIKeyByKeyID(_ context.Context, keyID string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyID == keyID {
			kk := k
			return &kk, nil
		}
	}
	return nil, &ErrNotFound{Entity: "api key", Key: keyID}
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	s.keys[key.ID] = *key
	return nil
}

func (s *MemoryStore) UpdateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return &ErrNotFound{Entity: "api key", Key: key.ID}
	}
	s.keys[key.ID] = *key
	return nil
}

func (s *MemoryStore) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return &ErrNotFound{Entity: "api key", Key: id}
	}
	k.LastUsed = &at
	s.keys[id] = k
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, userID string) ([]models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.APIKey
	for _, k := range s.keys {
		if userID == "" || k.UserID == userID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ── Connection Links ────────────────────────────────────────

func (s *MemoryStore) ListLinks(_ context.Context) ([]models.ConnectionLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConnectionLink, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetLink(_ context.Context, name string) (*models.ConnectionLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[name]
	if !ok {
		return nil, &ErrNotFound{Entity: "connection link", Key: name}
	}
	return &l, nil
}

func (s *MemoryStore) CreateLink(_ context.Context, link *models.ConnectionLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.Name] = *link
	return nil
}

func (s *MemoryStore) UpdateLink(_ context.Context, link *models.ConnectionLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.Name]; !ok {
		return &ErrNotFound{Entity: "connection link", Key: link.Name}
	}
	s.links[link.Name] = *link
	return nil
}

func (s *MemoryStore) GetModelConfig(_ context.Context, model string) (*models.ModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.mcfgs[model]
	if !ok {
		return nil, &ErrNotFound{Entity: "model config", Key: model}
	}
	return &mc, nil
}

func (s *MemoryStore) UpsertModelConfig(_ context.Context, mc *models.ModelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcfgs[mc.Model] = *mc
	return nil
}

// ── Conversion Rates ────────────────────────────────────────

func (s *MemoryStore) LatestRate(_ context.Context, provider models.ProviderKind, model string) (*models.ConversionRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.ConversionRate
	for i := range s.rates {
		r := &s.rates[i]
		if !r.Enabled || r.Provider != provider || r.Model != model {
			continue
		}
		if best == nil || r.EffectiveDate.After(best.EffectiveDate) {
			best = r
		}
	}
	if best == nil {
		return nil, &ErrNotFound{Entity: "conversion rate", Key: string(provider) + ":" + model}
	}
	rr := *best
	return &rr, nil
}

func (s *MemoryStore) CreateRate(_ context.Context, rate *models.ConversionRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate.EffectiveDate.IsZero() {
		rate.EffectiveDate = time.Now().UTC()
	}
	s.rates = append(s.rates, *rate)
	return nil
}

func (s *MemoryStore) ListRates(_ context.Context) ([]models.ConversionRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversionRate, len(s.rates))
	copy(out, s.rates)
	return out, nil
}

// ── Usage ───────────────────────────────────────────────────

func (s *MemoryStore) RecordUsage(_ context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.Day = DayStart(rec.Day)
	s.usage = append(s.usage, *rec)

	// The ledger append and both cache increments happen under the same
	// lock, so concurrent accounts never lose an increment.
	s.bumpCache(rec, models.PeriodDaily, DayStart(now), now)
	s.bumpCache(rec, models.PeriodMonthly, MonthStart(now), now)
	return nil
}

func (s *MemoryStore) bumpCache(rec *models.UsageRecord, period models.QuotaPeriod, start, now time.Time) {
	ck := cacheKey{apiKeyID: rec.APIKeyID, period: period, periodStart: start}
	c, ok := s.caches[ck]
	if !ok {
		c = models.UsageCache{
			APIKeyID:       rec.APIKeyID,
			OrganizationID: rec.OrganizationID,
			Period:         period,
			PeriodStart:    start,
		}
	}
	c.TokensUsed += rec.WaddleAITokens
	c.RequestsMade += rec.RequestCount
	c.LastUpdated = now
	s.caches[ck] = c
}

func (s *MemoryStore) GetUsageCache(_ context.Context, apiKeyID string, period models.QuotaPeriod, periodStart time.Time) (*models.UsageCache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ck := cacheKey{apiKeyID: apiKeyID, period: period, periodStart: periodStart.UTC()}
	if c, ok := s.caches[ck]; ok {
		return &c, nil
	}
	return &models.UsageCache{
		APIKeyID:    apiKeyID,
		Period:      period,
		PeriodStart: periodStart.UTC(),
	}, nil
}

func (s *MemoryStore) PruneUsage(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before = before.UTC()
	kept := s.usage[:0]
	var removed int64
	for _, rec := range s.usage {
		if rec.Day.Before(before) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.usage = kept
	return removed, nil
}

func (s *MemoryStore) ListUsage(_ context.Context, apiKeyID string, since time.Time) ([]models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.UsageRecord
	for _, rec := range s.usage {
		if rec.APIKeyID == apiKeyID && !rec.Day.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ── Security Events ─────────────────────────────────────────

func (s *MemoryStore) AppendSecurityEvent(_ context.Context, ev *models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) CountSecurityEvents(_ context.Context, filter SecurityEventFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, ev := range s.events {
		if matchEvent(&ev, filter) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListSecurityEvents(_ context.Context, filter SecurityEventFilter) ([]models.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SecurityEvent
	for _, ev := range s.events {
		if matchEvent(&ev, filter) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) PruneSecurityEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before = before.UTC()
	kept := s.events[:0]
	var removed int64
	for _, ev := range s.events {
		if ev.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return removed, nil
}

// matchEvent applies every set filter field (intersection semantics).
func matchEvent(ev *models.SecurityEvent, f SecurityEventFilter) bool {
	if !f.Since.IsZero() && !ev.Timestamp.After(f.Since) {
		return false
	}
	if f.APIKeyID != "" && ev.APIKeyID != f.APIKeyID {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.IP != "" && !strings.EqualFold(ev.IPAddress, f.IP) {
		return false
	}
	return true
}
