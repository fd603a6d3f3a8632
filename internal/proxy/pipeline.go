// Package proxy wires the chat-completion pipeline: validate, rate-limit,
// scan, admit, route, account, respond. Each stage either passes the
// request forward or terminates it with a classified error.
package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/waddleai/waddleai/internal/metrics"
	"github.com/waddleai/waddleai/internal/rbac"
	"github.com/waddleai/waddleai/internal/routing"
	"github.com/waddleai/waddleai/internal/security"
	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/internal/tokens"
	"github.com/waddleai/waddleai/pkg/errdefs"
	"github.com/waddleai/waddleai/pkg/models"
)

// Pipeline executes chat-completion requests end to end.
type Pipeline struct {
	store      store.Store
	scanner    *security.Scanner
	accountant *tokens.Accountant
	router     *routing.Router
	metrics    *metrics.Metrics
	log        zerolog.Logger

	now func() time.Time
}

func NewPipeline(s store.Store, sc *security.Scanner, acc *tokens.Accountant, r *routing.Router, m *metrics.Metrics, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:      s,
		scanner:    sc,
		accountant: acc,
		router:     r,
		metrics:    m,
		log:        log.With().Str("component", "proxy").Logger(),
		now:        time.Now,
	}
}

// ── Wire types ──────────────────────────────────────────────

// ChatChoice is one completion in the OpenAI-compatible response.
type ChatChoice struct {
	Index        int                `json:"index"`
	Message      models.ChatMessage `json:"message"`
	FinishReason string             `json:"finish_reason"`
}

// ChatUsage extends the OpenAI usage block with the normalized count.
type ChatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	WaddleAITokens   int64 `json:"waddleai_tokens"`
}

// ChatResponse is the OpenAI-compatible response body.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// ── Pipeline ────────────────────────────────────────────────

// ChatCompletion runs one request through the full pipeline. Callers must
// have authenticated with an API key; session tokens cannot consume quota.
func (p *Pipeline) ChatCompletion(ctx context.Context, uc rbac.UserContext, req *models.ChatRequest, clientIP string) (*ChatResponse, error) {
	if req.Model == "" {
		return nil, errdefs.New(errdefs.MalformedRequest, "model is required")
	}
	if len(req.Messages) == 0 {
		return nil, errdefs.New(errdefs.MalformedRequest, "messages must not be empty")
	}
	if uc.APIKeyID == "" {
		return nil, errdefs.New(errdefs.AuthenticationFailed, "chat completions require an api key")
	}

	meta := security.RequestMeta{
		UserID:         uc.UserID,
		APIKeyID:       uc.APIKeyID,
		OrganizationID: uc.OrganizationID,
		IPAddress:      clientIP,
	}

	under, err := p.scanner.CheckRateLimit(ctx, meta)
	if err != nil {
		return nil, errdefs.Internalf(err, "threat rate limit check")
	}
	if !under {
		p.metrics.RateLimitExceeded.WithLabelValues("chat_completions", "security").Inc()
		return nil, errdefs.New(errdefs.QuotaExceeded, "too many security violations, try again later")
	}

	scan := p.scanner.Scan(ctx, req.PromptText(), meta)
	for _, threat := range scan.Threats {
		p.metrics.SecurityEventsTotal.WithLabelValues(
			string(threat.Type), string(threat.Severity), string(threat.Action)).Inc()
	}
	if scan.Blocked {
		return nil, errdefs.Newf(errdefs.SecurityRejected,
			"request blocked due to security threat: %s", scan.Threats[0].Description)
	}

	// Sanitize-action threats rewrite the forwarded messages; the caller's
	// original text never reaches the upstream.
	upstream := *req
	upstream.Messages = security.SanitizeMessages(req.Messages, scan.Threats)

	key, err := p.store.GetAPIKey(ctx, uc.APIKeyID)
	if err != nil {
		return nil, errdefs.Internalf(err, "load api key")
	}
	org, err := p.store.GetOrganization(ctx, key.OrganizationID)
	if err != nil {
		return nil, errdefs.Internalf(err, "load organization")
	}

	// The serving provider is unknown before routing, so admission prices
	// the input estimate at the fallback conversion.
	estimate, _ := p.accountant.Convert(ctx, "", req.Model, tokens.EstimateTokens(upstream.PromptText()), 0)
	quota, err := p.accountant.CheckQuota(ctx, key, org, estimate)
	if quota != nil {
		p.observeQuota(uc.OrganizationID, quota)
	}
	if err != nil {
		if errdefs.IsKind(err, errdefs.QuotaExceeded) {
			p.metrics.RateLimitExceeded.WithLabelValues("chat_completions", "quota").Inc()
		}
		return nil, err
	}

	upCtx, cancelUp := upstreamContext(ctx)
	defer cancelUp()
	result, err := p.router.Route(upCtx, &upstream, "")
	if err != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues("unknown", req.Model, "error").Inc()
		return nil, err
	}

	rec, accErr := p.accountant.Account(ctx, tokens.AccountParams{
		APIKeyID:       uc.APIKeyID,
		UserID:         uc.UserID,
		OrganizationID: uc.OrganizationID,
		Provider:       result.Usage.Provider,
		Model:          req.Model,
		InputTokens:    result.Usage.InputTokens,
		OutputTokens:   result.Usage.OutputTokens,
		PromptText:     upstream.PromptText(),
		OutputText:     result.Content,
		Success:        true,
	})

	var waddleai int64
	switch {
	case accErr != nil:
		// The upstream already answered; an accounting failure must not
		// turn the response into an error. The gap is logged for repair.
		p.log.Error().Err(accErr).
			Str("api_key_id", uc.APIKeyID).
			Str("model", req.Model).
			Msg("usage recording failed after successful completion")
		waddleai, _ = p.accountant.Convert(ctx, result.Usage.Provider, req.Model,
			result.Usage.InputTokens, result.Usage.OutputTokens)
	default:
		waddleai = rec.WaddleAITokens
	}

	p.metrics.ObserveLLMRequest(string(result.Usage.Provider), req.Model, "success",
		result.Usage.InputTokens, result.Usage.OutputTokens)
	p.metrics.NormalizedTokensTotal.WithLabelValues(uc.OrganizationID, string(result.Usage.Provider)).Add(float64(waddleai))

	finish := result.FinishReason
	if finish == "" {
		finish = "stop"
	}
	epoch := p.now().Unix()
	return &ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", epoch),
		Object:  "chat.completion",
		Created: epoch,
		Model:   req.Model,
		Choices: []ChatChoice{{
			Message:      models.ChatMessage{Role: "assistant", Content: result.Content},
			FinishReason: finish,
		}},
		Usage: ChatUsage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
			WaddleAITokens:   waddleai,
		},
	}, nil
}

// upstreamDeadlineMargin is held back from the caller's deadline so the
// accounting and response stages still run after a deadline-bounded
// upstream call.
const upstreamDeadlineMargin = 2 * time.Second

// upstreamContext carves the upstream call's deadline out of the caller's,
// keeping a margin for the stages after it. Deadlines too short to carve
// pass through unchanged.
func upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return ctx, func() {}
	}
	if time.Until(deadline) <= 2*upstreamDeadlineMargin {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline.Add(-upstreamDeadlineMargin))
}

// observeQuota exports daily and monthly consumption percentages for
// bounded quotas.
func (p *Pipeline) observeQuota(orgID string, q *tokens.QuotaInfo) {
	if q.Daily.Limit > 0 {
		p.metrics.TokenQuotaUsage.WithLabelValues(orgID, string(models.PeriodDaily)).
			Set(float64(q.Daily.Used) / float64(q.Daily.Limit) * 100)
	}
	if q.Monthly.Limit > 0 {
		p.metrics.TokenQuotaUsage.WithLabelValues(orgID, string(models.PeriodMonthly)).
			Set(float64(q.Monthly.Used) / float64(q.Monthly.Limit) * 100)
	}
}
