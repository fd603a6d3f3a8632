package tokens

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/pkg/errdefs"
	"github.com/waddleai/waddleai/pkg/models"
)

func newAccountant(t *testing.T) (*Accountant, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewAccountant(s, zerolog.Nop()), s
}

func addRate(t *testing.T, s store.Store, provider models.ProviderKind, model string, in, out, cost float64) {
	t.Helper()
	err := s.CreateRate(context.Background(), &models.ConversionRate{
		Provider:      provider,
		Model:         model,
		InputRate:     in,
		OutputRate:    out,
		BaseCostPerTk: cost,
		EffectiveDate: time.Now().UTC(),
		Enabled:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(strings.Repeat("a", 40)); got != 10 {
		t.Errorf("estimate(40 chars) = %d, want 10", got)
	}
	if got := EstimateTokens("abc"); got != 1 {
		t.Errorf("estimate(3 chars) = %d, want 1", got)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("estimate(empty) = %d, want 0", got)
	}
}

func TestConvertWithRate(t *testing.T) {
	a, s := newAccountant(t)
	ctx := context.Background()
	addRate(t, s, models.ProviderOpenAI, "gpt-4", 10, 20, 0.002)

	cases := []struct {
		in, out, want int64
	}{
		{100, 40, 12},  // ceil(100/10)=10, ceil(40/20)=2
		{5, 5, 2},      // both round up to 1 minimum... ceil(5/10)=1, ceil(5/20)=1
		{1, 0, 1},      // output side contributes 0 when raw is 0
		{0, 0, 0},      // nothing consumed
		{0, 100, 5},    // input side contributes 0
		{1000, 1, 101}, // ceil(1000/10)=100, ceil(1/20)=1
	}
	for _, tc := range cases {
		got, rate := a.Convert(ctx, models.ProviderOpenAI, "gpt-4", tc.in, tc.out)
		if got != tc.want {
			t.Errorf("Convert(%d, %d) = %d, want %d", tc.in, tc.out, got, tc.want)
		}
		if rate == nil {
			t.Error("expected rate to be returned")
		}
	}
}

func TestConvertUnknownPairFallback(t *testing.T) {
	a, _ := newAccountant(t)
	ctx := context.Background()

	// max(1, (in + 2*out)/10)
	if got, rate := a.Convert(ctx, models.ProviderOpenAI, "mystery", 100, 50); got != 20 || rate != nil {
		t.Errorf("fallback = %d (rate %v), want 20 with nil rate", got, rate)
	}
	if got, _ := a.Convert(ctx, models.ProviderOpenAI, "mystery", 1, 1); got != 1 {
		t.Errorf("fallback floor = %d, want 1", got)
	}
}

func TestCost(t *testing.T) {
	rate := &models.ConversionRate{BaseCostPerTk: 0.002}
	if got := Cost(100, rate); got != 0.2 {
		t.Errorf("cost with rate = %v, want 0.2", got)
	}
	if got := Cost(100, nil); got != 0.1 {
		t.Errorf("default cost = %v, want 0.1", got)
	}
}

func TestCheckQuotaAdmission(t *testing.T) {
	a, s := newAccountant(t)
	ctx := context.Background()

	org := &models.Organization{TokenQuotaDaily: 100, TokenQuotaMonthly: 1000}
	key := &models.APIKey{ID: "k1", OrganizationID: "o1"}

	// Burn 99 of the 100 daily tokens.
	err := s.RecordUsage(ctx, &models.UsageRecord{
		APIKeyID: "k1", OrganizationID: "o1", Day: time.Now().UTC(),
		WaddleAITokens: 99, RequestCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// An estimated 5 tokens would land at 104 > 100: reject.
	info, err := a.CheckQuota(ctx, key, org, 5)
	if !errdefs.IsKind(err, errdefs.QuotaExceeded) {
		t.Fatalf("expected quota_exceeded, got %v", err)
	}
	if info.Daily.Used != 99 || info.Daily.Remaining != 1 || info.Daily.OK {
		t.Errorf("daily quota info = %+v", info.Daily)
	}

	// One more token exactly fits.
	if _, err := a.CheckQuota(ctx, key, org, 1); err != nil {
		t.Errorf("estimate 1 should fit exactly: %v", err)
	}
}

func TestCheckQuotaKeyOverride(t *testing.T) {
	a, s := newAccountant(t)
	ctx := context.Background()

	org := &models.Organization{TokenQuotaDaily: 1000, TokenQuotaMonthly: 10000}
	key := &models.APIKey{ID: "k1", OrganizationID: "o1", TokenQuotaDaily: 10}

	err := s.RecordUsage(ctx, &models.UsageRecord{
		APIKeyID: "k1", OrganizationID: "o1", Day: time.Now().UTC(),
		WaddleAITokens: 10, RequestCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Key override of 10 wins over the generous org limit.
	if _, err := a.CheckQuota(ctx, key, org, 1); !errdefs.IsKind(err, errdefs.QuotaExceeded) {
		t.Errorf("key override should reject, got %v", err)
	}

	// Zero override inherits from the org.
	key.TokenQuotaDaily = 0
	if _, err := a.CheckQuota(ctx, key, org, 1); err != nil {
		t.Errorf("org limit should admit: %v", err)
	}
}

func TestCheckQuotaUnlimited(t *testing.T) {
	a, _ := newAccountant(t)
	org := &models.Organization{} // zero limits = unlimited
	key := &models.APIKey{ID: "k1"}
	info, err := a.CheckQuota(context.Background(), key, org, 1_000_000)
	if err != nil {
		t.Fatalf("unlimited org should admit: %v", err)
	}
	if !info.Daily.OK || !info.Monthly.OK {
		t.Errorf("info = %+v", info)
	}
}

func TestAccountWithReportedCounts(t *testing.T) {
	a, s := newAccountant(t)
	ctx := context.Background()
	addRate(t, s, models.ProviderOpenAI, "gpt-4", 10, 10, 0.001)

	rec, err := a.Account(ctx, AccountParams{
		APIKeyID:       "k1",
		UserID:         "u1",
		OrganizationID: "o1",
		Provider:       models.ProviderOpenAI,
		Model:          "gpt-4",
		InputTokens:    10,
		OutputTokens:   10,
		PromptText:     strings.Repeat("x", 4000), // ignored: reported counts win
		Success:        true,
	})
	if err != nil {
		t.Fatal(err)
	}
	// ceil(10/10) + ceil(10/10) = 2
	if rec.WaddleAITokens != 2 {
		t.Errorf("waddleai = %d, want 2", rec.WaddleAITokens)
	}
	if rec.TokensInput != 10 || rec.TokensOutput != 10 {
		t.Errorf("raw counts = %d/%d, want 10/10", rec.TokensInput, rec.TokensOutput)
	}
	if counts, ok := rec.Breakdown["openai_gpt_4"]; !ok || counts.Input != 10 {
		t.Errorf("breakdown = %+v", rec.Breakdown)
	}

	// The ledger write must have landed in the caches.
	daily, err := s.GetUsageCache(ctx, "k1", models.PeriodDaily, store.DayStart(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if daily.TokensUsed != 2 || daily.RequestsMade != 1 {
		t.Errorf("daily cache = %+v", daily)
	}
}

func TestAccountEstimatesWhenUnreported(t *testing.T) {
	a, s := newAccountant(t)
	ctx := context.Background()
	addRate(t, s, models.ProviderOllama, "llama2", 50, 50, 0)

	rec, err := a.Account(ctx, AccountParams{
		APIKeyID:   "k1",
		Provider:   models.ProviderOllama,
		Model:      "llama2",
		PromptText: strings.Repeat("p", 400), // 100 tokens estimated
		OutputText: strings.Repeat("o", 200), // 50 tokens estimated
		Success:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.TokensInput != 100 || rec.TokensOutput != 50 {
		t.Errorf("estimated counts = %d/%d, want 100/50", rec.TokensInput, rec.TokensOutput)
	}
	// ceil(100/50) + ceil(50/50) = 3
	if rec.WaddleAITokens != 3 {
		t.Errorf("waddleai = %d, want 3", rec.WaddleAITokens)
	}
}

func TestGetUsageStats(t *testing.T) {
	a, s := newAccountant(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := s.RecordUsage(ctx, &models.UsageRecord{
			APIKeyID: "k1", Day: time.Now().UTC(),
			WaddleAITokens: 30, TokensInput: 100, TokensOutput: 50, RequestCount: 1,
			Breakdown: models.TokenBreakdown{"openai_gpt_4": {Input: 100, Output: 50}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	stats, err := a.GetUsageStats(ctx, "k1", 30)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalWaddleAITokens != 60 || stats.TotalRequests != 2 {
		t.Errorf("totals = %d tokens / %d requests, want 60/2", stats.TotalWaddleAITokens, stats.TotalRequests)
	}
	if stats.Breakdown["openai_gpt_4"].Input != 200 {
		t.Errorf("breakdown = %+v", stats.Breakdown)
	}
	if len(stats.DailyUsage) != 1 {
		t.Errorf("daily usage = %+v", stats.DailyUsage)
	}
	if stats.AverageDaily != 2 {
		t.Errorf("average daily = %d, want 2", stats.AverageDaily)
	}
}
