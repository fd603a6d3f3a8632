// Package models defines the shared domain types for the WaddleAI gateway:
// tenancy (organizations, users, API keys), provider links, token conversion
// rates, the usage ledger, and the in-memory provider health statistics.
package models

import (
	"encoding/json"
	"time"
)

// ── Roles ────────────────────────────────────────────────────

// Role is the access level of a user. Roles are a closed set; permission
// checks are table lookups, not inheritance.
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleResourceManager Role = "resource_manager"
	RoleReporter        Role = "reporter"
	RoleUser            Role = "user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleResourceManager, RoleReporter, RoleUser:
		return true
	}
	return false
}

// ── Organization ─────────────────────────────────────────────

// Organization is the billing and isolation unit. Organizations are
// soft-disabled, never deleted, so usage and security history stays intact.
type Organization struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	TokenQuotaDaily   int64     `json:"token_quota_daily"`
	TokenQuotaMonthly int64     `json:"token_quota_monthly"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"created_at"`
}

// ── User ─────────────────────────────────────────────────────

// User is a human or service principal belonging to exactly one organization.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
	OrganizationID string `json:"organization_id"`
	// ManagedOrgs lists additional organizations a resource manager or
	// reporter may operate on. Empty for admin and plain users.
	ManagedOrgs []string  `json:"managed_orgs,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── API Key ──────────────────────────────────────────────────

// APIKey is a long-lived opaque credential bound to a user.
//
// The plaintext has the form "wa-<key_id>-<secret>" and is shown exactly
// once at creation. KeyID identifies the record without revealing the
// secret; Hash is a bcrypt hash of the full plaintext. Keys are disabled
// rather than deleted so ledger and security rows keep a valid reference.
type APIKey struct {
	ID             string `json:"id"`
	KeyID          string `json:"key_id"`
	Hash           string `json:"-"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`

	// Quota overrides. Zero means "inherit from the organization".
	TokenQuotaDaily   int64 `json:"token_quota_daily,omitempty"`
	TokenQuotaMonthly int64 `json:"token_quota_monthly,omitempty"`

	RateLimitRPM int        `json:"rate_limit_rpm,omitempty"`
	Enabled      bool       `json:"enabled"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// ── Provider Links ───────────────────────────────────────────

// ProviderKind identifies the wire protocol an upstream backend speaks.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderOllama    ProviderKind = "ollama"
)

// ConnectionLink is a configured route to one upstream LLM backend.
// Several links may advertise the same model; the router treats all
// enabled links advertising a model as that model's candidate set.
type ConnectionLink struct {
	Name     string       `json:"name"`
	Provider ProviderKind `json:"provider"`
	Endpoint string       `json:"endpoint_url"`
	APIKey   string       `json:"-"`
	// ModelList is the set of models this link serves. An empty list means
	// the link accepts any model.
	ModelList []string          `json:"model_list,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	Enabled   bool              `json:"enabled"`
}

// ServesModel reports whether the link advertises the given model.
func (l *ConnectionLink) ServesModel(model string) bool {
	if len(l.ModelList) == 0 {
		return true
	}
	for _, m := range l.ModelList {
		if m == model {
			return true
		}
	}
	return false
}

// ModelConfig carries per-model routing hints.
type ModelConfig struct {
	Model              string   `json:"model"`
	PreferredProviders []string `json:"preferred_providers,omitempty"`
	ContextLength      int      `json:"context_length,omitempty"`
}

// ── Token Conversion ─────────────────────────────────────────

// ConversionRate maps raw LLM tokens for one (provider, model) pair to
// WaddleAI tokens. Rates are effective-dated; only the newest enabled row
// per pair applies.
//
//	waddleai = ceil(raw_in / InputRate) + ceil(raw_out / OutputRate)
//
// with each term floored at 1 when its raw side is positive.
type ConversionRate struct {
	Provider      ProviderKind `json:"provider"`
	Model         string       `json:"model"`
	InputRate     float64      `json:"input_rate"`
	OutputRate    float64      `json:"output_rate"`
	BaseCostPerTk float64      `json:"base_cost_per_waddleai_token"`
	EffectiveDate time.Time    `json:"effective_date"`
	Enabled       bool         `json:"enabled"`
}

// ── Usage Ledger ─────────────────────────────────────────────

// TokenCounts is a raw input/output pair inside a breakdown.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// TokenBreakdown maps "provider_model" to raw input/output counts.
type TokenBreakdown map[string]TokenCounts

// UsageRecord is one immutable ledger entry per accepted request.
// The sum over a (key, day) partition is the authoritative daily usage.
type UsageRecord struct {
	ID             string         `json:"id"`
	APIKeyID       string         `json:"api_key_id"`
	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id"`
	Day            time.Time      `json:"day"` // UTC calendar date, truncated
	WaddleAITokens int64          `json:"waddleai_tokens"`
	TokensInput    int64          `json:"tokens_input"`
	TokensOutput   int64          `json:"tokens_output"`
	Breakdown      TokenBreakdown `json:"llm_tokens,omitempty"`
	RequestCount   int64          `json:"request_count"`
	Provider       ProviderKind   `json:"provider"`
	Model          string         `json:"model"`
	Success        bool           `json:"success"`
	CostEstimate   float64        `json:"cost_estimate_usd"`
	CreatedAt      time.Time      `json:"created_at"`
}

// QuotaPeriod names a quota accounting window.
type QuotaPeriod string

const (
	PeriodDaily   QuotaPeriod = "daily"
	PeriodMonthly QuotaPeriod = "monthly"
)

// UsageCache is the materialized per-(key, period) counter used for O(1)
// admission checks. It is derived from UsageRecord rows and must equal
// their sum once the pipeline has quiesced.
type UsageCache struct {
	APIKeyID       string      `json:"api_key_id"`
	OrganizationID string      `json:"organization_id"`
	Period         QuotaPeriod `json:"period"`
	PeriodStart    time.Time   `json:"period_start"`
	TokensUsed     int64       `json:"waddleai_tokens_used"`
	RequestsMade   int64       `json:"requests_made"`
	LastUpdated    time.Time   `json:"last_updated"`
}

// ── Security ─────────────────────────────────────────────────

// ThreatType classifies a detected prompt threat.
type ThreatType string

const (
	ThreatPromptInjection      ThreatType = "prompt_injection"
	ThreatJailbreak            ThreatType = "jailbreak"
	ThreatDataExtraction       ThreatType = "data_extraction"
	ThreatSystemPromptLeak     ThreatType = "system_prompt_leak"
	ThreatCredentialHarvesting ThreatType = "credential_harvesting"
)

// Severity is the threat severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityAction is what the policy does about a detected threat.
type SecurityAction string

const (
	ActionLog      SecurityAction = "log"
	ActionSanitize SecurityAction = "sanitize"
	ActionBlock    SecurityAction = "block"
)

// SecurityEvent is one append-only detection log row.
type SecurityEvent struct {
	ID             string     `json:"id"`
	Timestamp      time.Time  `json:"timestamp"`
	APIKeyID       string     `json:"api_key_id,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	RequestHash    string     `json:"request_hash"`
	ThreatType     ThreatType `json:"threat_type"`
	Severity       Severity   `json:"severity"`
	Blocked        bool       `json:"blocked"`
	PromptSample   string     `json:"prompt_sample,omitempty"`
	DetectionRules string     `json:"detection_rules,omitempty"`
	IPAddress      string     `json:"ip_address,omitempty"`
}

// ── Provider Health ──────────────────────────────────────────

// ProviderStats is the in-memory health record per connection link.
// It is never persisted; a restart starts every link fresh.
type ProviderStats struct {
	TotalRequests       int64      `json:"total_requests"`
	SuccessfulRequests  int64      `json:"successful_requests"`
	FailedRequests      int64      `json:"failed_requests"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	InFlight            int64      `json:"in_flight"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

// ── Chat Wire Types ──────────────────────────────────────────

// ChatMessage is a single turn in the OpenAI-compatible wire format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound request body. Known fields are typed; Extra
// holds unknown fields which are forwarded to the upstream verbatim.
type ChatRequest struct {
	Model       string         `json:"model"`
	Messages    []ChatMessage  `json:"messages"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Extra       map[string]any `json:"-"`
}

// UnmarshalJSON decodes the typed fields and collects every unknown field
// into Extra for verbatim upstream passthrough.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type known ChatRequest
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = ChatRequest(k)
	delete(raw, "model")
	delete(raw, "messages")
	delete(raw, "max_tokens")
	delete(raw, "temperature")
	if len(raw) == 0 {
		return nil
	}
	r.Extra = make(map[string]any, len(raw))
	for key, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		r.Extra[key] = val
	}
	return nil
}

// PromptText joins all message contents for scanning and estimation.
func (r *ChatRequest) PromptText() string {
	var b []byte
	for _, m := range r.Messages {
		if m.Content == "" {
			continue
		}
		if len(b) > 0 {
			b = append(b, '\n')
		}
		b = append(b, m.Content...)
	}
	return string(b)
}

// TokenUsage is the raw usage reported by (or estimated for) an upstream call.
type TokenUsage struct {
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	TotalTokens  int64        `json:"total_tokens"`
	Model        string       `json:"model,omitempty"`
	Provider     ProviderKind `json:"provider,omitempty"`
	Link         string       `json:"link,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	// Reported is true when the counts came from the upstream response
	// rather than the local estimator.
	Reported bool `json:"-"`
}

// ModelDescriptor is one entry of the /v1/models listing.
type ModelDescriptor struct {
	ID            string       `json:"id"`
	Object        string       `json:"object"`
	Created       int64        `json:"created"`
	OwnedBy       string       `json:"owned_by"`
	Provider      ProviderKind `json:"provider"`
	ContextLength int          `json:"context_length,omitempty"`
}

// ── Routing ──────────────────────────────────────────────────

// RoutingStrategy selects how the router picks among candidate links.
type RoutingStrategy string

const (
	RoutingRoundRobin       RoutingStrategy = "round_robin"
	RoutingCostOptimized    RoutingStrategy = "cost_optimized"
	RoutingLatencyOptimized RoutingStrategy = "latency_optimized"
	RoutingLoadBalanced     RoutingStrategy = "load_balanced"
	RoutingFailover         RoutingStrategy = "failover"
	RoutingRandom           RoutingStrategy = "random"
)

// Valid reports whether s is a known strategy.
func (s RoutingStrategy) Valid() bool {
	switch s {
	case RoutingRoundRobin, RoutingCostOptimized, RoutingLatencyOptimized,
		RoutingLoadBalanced, RoutingFailover, RoutingRandom:
		return true
	}
	return false
}
