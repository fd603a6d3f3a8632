// Package tokens implements the dual-denomination accounting system: raw
// LLM token estimation, conversion to normalized WaddleAI tokens via
// effective-dated rates, quota admission checks, and ledger recording.
package tokens

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/pkg/errdefs"
	"github.com/waddleai/waddleai/pkg/models"
)

// defaultCostPerToken applies when no conversion rate carries a base cost.
const defaultCostPerToken = 0.001

// Accountant converts, admits and records token usage.
type Accountant struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewAccountant(s store.Store, log zerolog.Logger) *Accountant {
	return &Accountant{
		store: s,
		log:   log.With().Str("component", "tokens").Logger(),
		now:   time.Now,
	}
}

// EstimateTokens approximates the raw token count of text. Four characters
// per token, rounded up so non-empty text never estimates to zero; good
// enough for admission checks, never for billing when the upstream reported
// real counts.
func EstimateTokens(text string) int64 {
	return int64((len(text) + 3) / 4)
}

// Convert turns raw input/output counts into WaddleAI tokens using the
// newest enabled rate for the pair:
//
//	waddleai = ceil(in/input_rate) + ceil(out/output_rate)
//
// with each term floored at 1 while its raw side is positive. Unknown pairs
// fall back to max(1, (in + 2*out)/10).
func (a *Accountant) Convert(ctx context.Context, provider models.ProviderKind, model string, inTokens, outTokens int64) (int64, *models.ConversionRate) {
	rate, err := a.store.LatestRate(ctx, provider, model)
	if err != nil {
		if !store.IsNotFound(err) {
			a.log.Error().Err(err).Msg("rate lookup failed, using default conversion")
		} else {
			a.log.Warn().Str("provider", string(provider)).Str("model", model).Msg("no conversion rate, using default")
		}
		v := (inTokens + 2*outTokens) / 10
		if v < 1 {
			v = 1
		}
		return v, nil
	}
	return convertSide(inTokens, rate.InputRate) + convertSide(outTokens, rate.OutputRate), rate
}

func convertSide(raw int64, rate float64) int64 {
	if raw <= 0 || rate <= 0 {
		return 0
	}
	v := int64(math.Ceil(float64(raw) / rate))
	if v < 1 {
		v = 1
	}
	return v
}

// Cost prices normalized tokens in USD using the rate's base cost, or the
// default when the pair had no rate.
func Cost(waddleai int64, rate *models.ConversionRate) float64 {
	per := defaultCostPerToken
	if rate != nil && rate.BaseCostPerTk > 0 {
		per = rate.BaseCostPerTk
	}
	return float64(waddleai) * per
}

// ── Quota admission ─────────────────────────────────────────

// PeriodQuota describes one accounting window of a quota check.
type PeriodQuota struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	OK        bool  `json:"ok"`
}

// QuotaInfo is the full result of a quota check.
type QuotaInfo struct {
	Daily   PeriodQuota `json:"daily"`
	Monthly PeriodQuota `json:"monthly"`
}

// CheckQuota admits or rejects a request that would consume an estimated
// number of WaddleAI tokens. Key-level overrides take precedence over the
// organization limits; a zero limit means unlimited. Admission requires
// used + estimate to fit under both windows.
func (a *Accountant) CheckQuota(ctx context.Context, key *models.APIKey, org *models.Organization, estimate int64) (*QuotaInfo, error) {
	dailyLimit := key.TokenQuotaDaily
	if dailyLimit == 0 {
		dailyLimit = org.TokenQuotaDaily
	}
	monthlyLimit := key.TokenQuotaMonthly
	if monthlyLimit == 0 {
		monthlyLimit = org.TokenQuotaMonthly
	}

	now := a.now().UTC()
	daily, err := a.store.GetUsageCache(ctx, key.ID, models.PeriodDaily, store.DayStart(now))
	if err != nil {
		return nil, errdefs.Internalf(err, "read daily usage")
	}
	monthly, err := a.store.GetUsageCache(ctx, key.ID, models.PeriodMonthly, store.MonthStart(now))
	if err != nil {
		return nil, errdefs.Internalf(err, "read monthly usage")
	}

	info := &QuotaInfo{
		Daily:   periodQuota(daily.TokensUsed, dailyLimit, estimate),
		Monthly: periodQuota(monthly.TokensUsed, monthlyLimit, estimate),
	}
	if !info.Daily.OK {
		return info, errdefs.New(errdefs.QuotaExceeded, "daily token quota exceeded")
	}
	if !info.Monthly.OK {
		return info, errdefs.New(errdefs.QuotaExceeded, "monthly token quota exceeded")
	}
	return info, nil
}

func periodQuota(used, limit, estimate int64) PeriodQuota {
	q := PeriodQuota{Used: used, Limit: limit}
	if limit <= 0 {
		q.OK = true
		q.Remaining = math.MaxInt64
		return q
	}
	q.Remaining = limit - used
	if q.Remaining < 0 {
		q.Remaining = 0
	}
	q.OK = used+estimate <= limit
	return q
}

// ── Recording ───────────────────────────────────────────────

// AccountParams describes one completed upstream exchange to be billed.
type AccountParams struct {
	APIKeyID       string
	UserID         string
	OrganizationID string
	Provider       models.ProviderKind
	Model          string

	// Reported upstream counts. Used when positive; otherwise the prompt
	// and completion texts are estimated locally.
	InputTokens  int64
	OutputTokens int64
	PromptText   string
	OutputText   string

	Success bool
}

// Account converts and records usage for one exchange, returning the
// written ledger row. Reported counts win over local estimates.
func (a *Accountant) Account(ctx context.Context, p AccountParams) (*models.UsageRecord, error) {
	inTokens := p.InputTokens
	if inTokens <= 0 {
		inTokens = EstimateTokens(p.PromptText)
	}
	outTokens := p.OutputTokens
	if outTokens <= 0 {
		outTokens = EstimateTokens(p.OutputText)
	}

	waddleai, rate := a.Convert(ctx, p.Provider, p.Model, inTokens, outTokens)

	rec := &models.UsageRecord{
		APIKeyID:       p.APIKeyID,
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		Day:            a.now().UTC(),
		WaddleAITokens: waddleai,
		TokensInput:    inTokens,
		TokensOutput:   outTokens,
		Breakdown: models.TokenBreakdown{
			breakdownKey(p.Provider, p.Model): {Input: inTokens, Output: outTokens},
		},
		RequestCount: 1,
		Provider:     p.Provider,
		Model:        p.Model,
		Success:      p.Success,
		CostEstimate: Cost(waddleai, rate),
	}
	if err := a.store.RecordUsage(ctx, rec); err != nil {
		return nil, errdefs.Internalf(err, "record usage")
	}

	a.log.Debug().
		Str("api_key_id", p.APIKeyID).
		Int64("waddleai", waddleai).
		Int64("input", inTokens).
		Int64("output", outTokens).
		Str("model", p.Model).
		Msg("usage recorded")
	return rec, nil
}

// breakdownKey matches the ledger breakdown naming: "provider_model" with
// dashes folded to underscores.
func breakdownKey(provider models.ProviderKind, model string) string {
	return string(provider) + "_" + strings.ReplaceAll(model, "-", "_")
}

// ── Usage statistics ────────────────────────────────────────

// UsageStats aggregates ledger rows for one key over a trailing window.
type UsageStats struct {
	TotalWaddleAITokens int64                      `json:"total_waddleai_tokens"`
	TotalInputTokens    int64                      `json:"total_llm_input_tokens"`
	TotalOutputTokens   int64                      `json:"total_llm_output_tokens"`
	TotalRequests       int64                      `json:"total_requests"`
	Breakdown           models.TokenBreakdown      `json:"llm_breakdown"`
	DailyUsage          map[string]PeriodUsageLine `json:"daily_usage"`
	AverageDaily        int64                      `json:"average_daily"`
}

// PeriodUsageLine is one calendar day of aggregated usage.
type PeriodUsageLine struct {
	WaddleAITokens int64 `json:"waddleai_tokens"`
	InputTokens    int64 `json:"llm_input"`
	OutputTokens   int64 `json:"llm_output"`
	Requests       int64 `json:"requests"`
}

// GetUsageStats aggregates the trailing N days of ledger rows for a key.
func (a *Accountant) GetUsageStats(ctx context.Context, apiKeyID string, days int) (*UsageStats, error) {
	if days <= 0 {
		days = 30
	}
	since := store.DayStart(a.now().UTC().AddDate(0, 0, -days))
	recs, err := a.store.ListUsage(ctx, apiKeyID, since)
	if err != nil {
		return nil, errdefs.Internalf(err, "list usage")
	}

	stats := &UsageStats{
		Breakdown:  make(models.TokenBreakdown),
		DailyUsage: make(map[string]PeriodUsageLine),
	}
	for _, rec := range recs {
		stats.TotalWaddleAITokens += rec.WaddleAITokens
		stats.TotalInputTokens += rec.TokensInput
		stats.TotalOutputTokens += rec.TokensOutput
		stats.TotalRequests += rec.RequestCount

		day := rec.Day.Format("2006-01-02")
		line := stats.DailyUsage[day]
		line.WaddleAITokens += rec.WaddleAITokens
		line.InputTokens += rec.TokensInput
		line.OutputTokens += rec.TokensOutput
		line.Requests += rec.RequestCount
		stats.DailyUsage[day] = line

		for key, counts := range rec.Breakdown {
			agg := stats.Breakdown[key]
			agg.Input += counts.Input
			agg.Output += counts.Output
			stats.Breakdown[key] = agg
		}
	}
	if len(recs) > 0 {
		stats.AverageDaily = stats.TotalWaddleAITokens / int64(days)
	}
	return stats, nil
}
