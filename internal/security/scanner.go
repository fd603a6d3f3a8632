// Package security implements prompt threat scanning: pattern-based
// detection of injection, jailbreak, extraction, leak and credential
// threats, policy-driven block/sanitize/log decisions, an append-only
// event log, and a per-principal threat rate limit.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/pkg/models"
)

// pattern couples a compiled regex with its evidentiary weight. A strong
// pattern is decisive on its own; weak patterns are phrases that also occur
// in benign prompts (markdown headings, template braces, "hypothetically
// speaking") and only count toward the policy's corroboration threshold.
type pattern struct {
	re     *regexp.Regexp
	strong bool
}

// threatPatterns maps each threat type to its detection patterns. All
// patterns match case-insensitively with "." spanning newlines.
var threatPatterns = map[models.ThreatType][]pattern{
	models.ThreatPromptInjection: compileStrong(
		`ignore\s+(?:previous|all|above|prior)\s+(?:instructions?|prompts?|rules?|directions?)`,
		`forget\s+(?:previous|all|above|prior)\s+(?:instructions?|prompts?|rules?|directions?)`,
		`system\s*:\s*(?:you\s+are\s+now|new\s+instructions?)`,
		`</\s*(?:instruction|prompt|system)\s*>.*<\s*(?:instruction|prompt|system)\s*>`,
		`---\s*end\s+of\s+(?:prompt|instructions?|system)\s*---`,
		`new\s+(?:instructions?|prompt|system|role)\s*:`,
		`override\s+(?:previous|all|system)\s+(?:instructions?|rules?)`,
		`disregard\s+(?:previous|all|system)\s+(?:instructions?|rules?)`,
		`replace\s+(?:previous|all|system)\s+(?:instructions?|rules?)`,
		`instead\s+of\s+following\s+(?:instructions?|rules?)`,
	),
	models.ThreatJailbreak: join(
		compileStrong(
			`pretend\s+(?:you\s+are|to\s+be)\s+(?:a\s+)?(?:different|another|\w+)`,
			`roleplay\s+(?:as|being)\s+(?:a\s+)?(?:\w+)`,
			`act\s+(?:as\s+if|like)\s+you\s+(?:are|were)\s+(?:a\s+)?(?:\w+)`,
			`bypass\s+(?:your|the)\s+(?:safety|guidelines|restrictions|limitations)`,
			`break\s+(?:your|the)\s+(?:rules|guidelines|restrictions)`,
			`violate\s+(?:your|the)\s+(?:rules|guidelines|restrictions)`,
			`go\s+against\s+(?:your|the)\s+(?:programming|instructions)`,
			`you\s+(?:can|are able to|should)\s+(?:do|say|ignore)\s+anything`,
			`there\s+are\s+no\s+(?:rules|restrictions|limitations)`,
		),
		compileWeak(
			`simulate\s+(?:a|being)\s+(?:\w+)`,
			`hypothetically\s+speaking`,
			`in\s+a\s+(?:fictional|hypothetical)\s+scenario`,
		),
	),
	models.ThreatDataExtraction: compileStrong(
		`(?:show|tell|give|reveal)\s+me\s+(?:your|the)\s+(?:system\s+)?(?:prompt|instructions?)`,
		`what\s+(?:are\s+)?your\s+(?:initial\s+)?(?:instructions?|directives?|prompt)`,
		`reveal\s+(?:your\s+)?(?:system\s+)?(?:prompt|instructions?|directives?)`,
		`display\s+(?:your\s+)?(?:system\s+)?(?:prompt|instructions?|directives?)`,
		`print\s+(?:your\s+)?(?:system\s+)?(?:prompt|instructions?|directives?)`,
		`output\s+(?:your\s+)?(?:system\s+)?(?:prompt|instructions?|directives?)`,
		`what\s+(?:is|was)\s+your\s+(?:original\s+)?(?:prompt|instructions?)`,
		`copy\s+and\s+paste\s+your\s+(?:prompt|instructions?)`,
	),
	models.ThreatSystemPromptLeak: join(
		compileStrong(
			`<\|(?:im_start|im_end)\|>`,
			`<\|system\|>`,
			`<\|user\|>`,
			`<\|assistant\|>`,
			`\[INST\].*\[/INST\]`,
		),
		compileWeak(
			`###\s+(?:System|Instruction|Human|Assistant)`,
			`<s>.*</s>`,
			`\{\{.*\}\}`,
		),
	),
	models.ThreatCredentialHarvesting: join(
		compileStrong(
			`(?:api\s+key|api_key|apikey)\s*[:=]\s*["']?[\w\-]{20,}`,
			`(?:password|passwd|pwd)\s*[:=]\s*["']?\w{6,}`,
			`(?:token|access_token|auth_token)\s*[:=]\s*["']?[\w\-]{20,}`,
			`(?:secret|client_secret|api_secret)\s*[:=]\s*["']?[\w\-]{20,}`,
			`sk-[a-zA-Z0-9]{20,}`,
			`xoxb-[a-zA-Z0-9\-]{10,}`,
		),
		compileWeak(
			`(?:username|user|login)\s*[:=]\s*["']?\w{3,}`,
		),
	),
}

// scanOrder fixes the order threat kinds are evaluated in, so the decisive
// threat on a blocked request is deterministic.
var scanOrder = []models.ThreatType{
	models.ThreatPromptInjection,
	models.ThreatDataExtraction,
	models.ThreatCredentialHarvesting,
	models.ThreatSystemPromptLeak,
	models.ThreatJailbreak,
}

func compileStrong(exprs ...string) []pattern { return compile(true, exprs) }
func compileWeak(exprs ...string) []pattern   { return compile(false, exprs) }

func compile(strong bool, exprs []string) []pattern {
	out := make([]pattern, len(exprs))
	for i, e := range exprs {
		out[i] = pattern{re: regexp.MustCompile(`(?is)` + e), strong: strong}
	}
	return out
}

func join(sets ...[]pattern) []pattern {
	var out []pattern
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

// sanitizePlaceholders is what a sanitized match is replaced with, per type.
var sanitizePlaceholders = map[models.ThreatType]string{
	models.ThreatPromptInjection:      "[REDACTED: Instruction override attempt]",
	models.ThreatJailbreak:            "[REDACTED: Roleplay attempt]",
	models.ThreatDataExtraction:       "[REDACTED: System information request]",
	models.ThreatSystemPromptLeak:     "[REDACTED: System token]",
	models.ThreatCredentialHarvesting: "[REDACTED: Credential]",
}

// baseSeverity is the starting severity per threat type before match-count
// escalation.
var baseSeverity = map[models.ThreatType]models.Severity{
	models.ThreatPromptInjection:      models.SeverityHigh,
	models.ThreatJailbreak:            models.SeverityMedium,
	models.ThreatDataExtraction:       models.SeverityHigh,
	models.ThreatSystemPromptLeak:     models.SeverityCritical,
	models.ThreatCredentialHarvesting: models.SeverityCritical,
}

// ── Policies ────────────────────────────────────────────────

// Policy is a named scanning configuration.
type Policy struct {
	Name string
	// MaxPromptLength rejects over-long prompts outright.
	MaxPromptLength int
	// PatternThreshold is the minimum match count per threat type before
	// weak-pattern matches count as a detection. A single strong-pattern
	// match is always a detection.
	PatternThreshold int
	// Actions maps each threat type to its response.
	Actions map[models.ThreatType]models.SecurityAction
	// RateLimitThreshold is the max logged threats per principal per hour.
	RateLimitThreshold int64
}

var policies = map[string]Policy{
	"strict": {
		Name:             "strict",
		MaxPromptLength:  10000,
		PatternThreshold: 1,
		Actions: map[models.ThreatType]models.SecurityAction{
			models.ThreatPromptInjection:      models.ActionBlock,
			models.ThreatJailbreak:            models.ActionBlock,
			models.ThreatDataExtraction:       models.ActionBlock,
			models.ThreatSystemPromptLeak:     models.ActionBlock,
			models.ThreatCredentialHarvesting: models.ActionBlock,
		},
		RateLimitThreshold: 10,
	},
	"balanced": {
		Name:             "balanced",
		MaxPromptLength:  50000,
		PatternThreshold: 2,
		Actions: map[models.ThreatType]models.SecurityAction{
			models.ThreatPromptInjection:      models.ActionBlock,
			models.ThreatJailbreak:            models.ActionSanitize,
			models.ThreatDataExtraction:       models.ActionBlock,
			models.ThreatSystemPromptLeak:     models.ActionSanitize,
			models.ThreatCredentialHarvesting: models.ActionBlock,
		},
		RateLimitThreshold: 20,
	},
	"permissive": {
		Name:             "permissive",
		MaxPromptLength:  100000,
		PatternThreshold: 3,
		Actions: map[models.ThreatType]models.SecurityAction{
			models.ThreatPromptInjection:      models.ActionSanitize,
			models.ThreatJailbreak:            models.ActionLog,
			models.ThreatDataExtraction:       models.ActionSanitize,
			models.ThreatSystemPromptLeak:     models.ActionLog,
			models.ThreatCredentialHarvesting: models.ActionBlock,
		},
		RateLimitThreshold: 50,
	},
}

// PolicyByName returns the named policy, falling back to balanced.
func PolicyByName(name string) Policy {
	if p, ok := policies[name]; ok {
		return p
	}
	return policies["balanced"]
}

// ── Scanner ─────────────────────────────────────────────────

// Threat is one detection produced by a scan.
type Threat struct {
	Type            models.ThreatType     `json:"threat_type"`
	Severity        models.Severity       `json:"severity"`
	Confidence      float64               `json:"confidence"`
	MatchedPatterns []string              `json:"matched_patterns"`
	Description     string                `json:"description"`
	Action          models.SecurityAction `json:"action"`
}

// RequestMeta identifies the principal behind a scanned prompt.
type RequestMeta struct {
	UserID         string
	APIKeyID       string
	OrganizationID string
	IPAddress      string
}

// Scanner runs prompts through the detection patterns and logs every
// detection to the security store.
type Scanner struct {
	store  store.SecurityStore
	policy Policy
	log    zerolog.Logger
	now    func() time.Time
}

func NewScanner(s store.SecurityStore, policyName string, log zerolog.Logger) *Scanner {
	return &Scanner{
		store:  s,
		policy: PolicyByName(policyName),
		log:    log.With().Str("component", "security").Logger(),
		now:    time.Now,
	}
}

// Policy returns the active policy.
func (sc *Scanner) Policy() Policy { return sc.policy }

// ScanResult is the outcome of scanning one prompt.
type ScanResult struct {
	Threats []Threat
	// Sanitized is the prompt after redactions. Equal to the input when no
	// sanitize action applied.
	Sanitized string
	// Blocked is true when any detected threat's action is block.
	Blocked bool
}

// Scan checks prompt against the active policy, logs every detection, and
// returns the decisions. Scanning never fails open on storage errors: a
// failed event write is logged and the decision stands.
func (sc *Scanner) Scan(ctx context.Context, prompt string, meta RequestMeta) ScanResult {
	res := ScanResult{Sanitized: prompt}

	if len(prompt) > sc.policy.MaxPromptLength {
		threat := Threat{
			Type:            models.ThreatPromptInjection,
			Severity:        models.SeverityMedium,
			Confidence:      1.0,
			MatchedPatterns: []string{"prompt_too_long"},
			Description:     fmt.Sprintf("prompt exceeds maximum length of %d characters", sc.policy.MaxPromptLength),
			Action:          models.ActionBlock,
		}
		res.Threats = append(res.Threats, threat)
		res.Blocked = true
		sc.logThreat(ctx, threat, prompt, meta)
		return res
	}

	for _, threatType := range scanOrder {
		patterns := threatPatterns[threatType]
		var matches []string
		strongHit := false
		for _, p := range patterns {
			found := p.re.FindAllString(prompt, -1)
			if p.strong && len(found) > 0 {
				strongHit = true
			}
			matches = append(matches, found...)
		}
		if !strongHit && len(matches) < sc.policy.PatternThreshold {
			continue
		}

		confidence := float64(len(matches)) / 5.0
		if strongHit && confidence < 0.8 {
			confidence = 0.8
		}
		if confidence > 1.0 {
			confidence = 1.0
		}
		sample := matches
		if len(sample) > 5 {
			sample = sample[:5]
		}
		action := sc.policy.Actions[threatType]
		threat := Threat{
			Type:            threatType,
			Severity:        escalate(baseSeverity[threatType], len(matches)),
			Confidence:      confidence,
			MatchedPatterns: sample,
			Description:     fmt.Sprintf("detected %s patterns: %d matches", threatType, len(matches)),
			Action:          action,
		}
		res.Threats = append(res.Threats, threat)

		switch action {
		case models.ActionBlock:
			// The request dies here; remaining kinds are not evaluated,
			// so the event log names the threat that made the decision.
			res.Blocked = true
		case models.ActionSanitize:
			for _, p := range patterns {
				res.Sanitized = p.re.ReplaceAllString(res.Sanitized, sanitizePlaceholders[threatType])
			}
		}
		if res.Blocked {
			break
		}
	}

	for _, threat := range res.Threats {
		sc.logThreat(ctx, threat, prompt, meta)
	}
	return res
}

// SanitizeMessages applies the redactions of every sanitize-action threat
// to each message body, returning a new slice. Messages are never dropped,
// only redacted, so the conversation shape the caller sent survives.
func SanitizeMessages(msgs []models.ChatMessage, threats []Threat) []models.ChatMessage {
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	for _, threat := range threats {
		if threat.Action != models.ActionSanitize {
			continue
		}
		placeholder := sanitizePlaceholders[threat.Type]
		for i := range out {
			for _, p := range threatPatterns[threat.Type] {
				out[i].Content = p.re.ReplaceAllString(out[i].Content, placeholder)
			}
		}
	}
	return out
}

// escalate bumps severity one step when the match count reaches 5.
func escalate(base models.Severity, matchCount int) models.Severity {
	if matchCount < 5 {
		return base
	}
	switch base {
	case models.SeverityLow:
		return models.SeverityMedium
	case models.SeverityMedium:
		return models.SeverityHigh
	case models.SeverityHigh:
		return models.SeverityCritical
	}
	return base
}

func (sc *Scanner) logThreat(ctx context.Context, threat Threat, prompt string, meta RequestMeta) {
	sample := prompt
	if len(sample) > 1000 {
		sample = sample[:1000]
	}
	rules, _ := json.Marshal(map[string]any{
		"patterns":   threat.MatchedPatterns,
		"confidence": threat.Confidence,
		"policy":     sc.policy.Name,
	})

	ev := &models.SecurityEvent{
		Timestamp:      sc.now().UTC(),
		APIKeyID:       meta.APIKeyID,
		UserID:         meta.UserID,
		OrganizationID: meta.OrganizationID,
		RequestHash:    requestHash(prompt, sc.now()),
		ThreatType:     threat.Type,
		Severity:       threat.Severity,
		Blocked:        threat.Action == models.ActionBlock,
		PromptSample:   sample,
		DetectionRules: string(rules),
		IPAddress:      meta.IPAddress,
	}
	if err := sc.store.AppendSecurityEvent(ctx, ev); err != nil {
		sc.log.Error().Err(err).Msg("append security event failed")
	}

	sc.log.Warn().
		Str("threat", string(threat.Type)).
		Str("severity", string(threat.Severity)).
		Float64("confidence", threat.Confidence).
		Str("user_id", meta.UserID).
		Str("api_key_id", meta.APIKeyID).
		Str("ip", meta.IPAddress).
		Msg("security threat detected")
}

func requestHash(prompt string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", prompt, at.UnixNano())))
	return hex.EncodeToString(sum[:16])
}

// CheckRateLimit reports whether the principal is still under the hourly
// threat budget. Every provided identifier must match the logged events
// (intersection), so shared identifiers cannot starve unrelated callers.
func (sc *Scanner) CheckRateLimit(ctx context.Context, meta RequestMeta) (bool, error) {
	if meta.APIKeyID == "" && meta.UserID == "" && meta.IPAddress == "" {
		return true, nil
	}
	filter := store.SecurityEventFilter{
		Since:    sc.now().UTC().Add(-time.Hour),
		APIKeyID: meta.APIKeyID,
		UserID:   meta.UserID,
		IP:       meta.IPAddress,
	}
	n, err := sc.store.CountSecurityEvents(ctx, filter)
	if err != nil {
		return false, err
	}
	return n < sc.policy.RateLimitThreshold, nil
}

// ── Statistics ──────────────────────────────────────────────

// Stats summarizes security events over a time window.
type Stats struct {
	TotalThreats      int64                      `json:"total_threats"`
	BlockedRequests   int64                      `json:"blocked_requests"`
	ThreatTypes       map[models.ThreatType]int64 `json:"threat_types"`
	SeverityBreakdown map[models.Severity]int64   `json:"severity_breakdown"`
	TopIPs            map[string]int64           `json:"top_ips"`
	TopUsers          map[string]int64           `json:"top_users"`
}

// GetStats aggregates events newer than the window.
func (sc *Scanner) GetStats(ctx context.Context, window time.Duration) (*Stats, error) {
	events, err := sc.store.ListSecurityEvents(ctx, store.SecurityEventFilter{
		Since: sc.now().UTC().Add(-window),
	})
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		ThreatTypes:       make(map[models.ThreatType]int64),
		SeverityBreakdown: make(map[models.Severity]int64),
		TopIPs:            make(map[string]int64),
		TopUsers:          make(map[string]int64),
	}
	for _, ev := range events {
		stats.TotalThreats++
		if ev.Blocked {
			stats.BlockedRequests++
		}
		stats.ThreatTypes[ev.ThreatType]++
		stats.SeverityBreakdown[ev.Severity]++
		if ev.IPAddress != "" {
			stats.TopIPs[ev.IPAddress]++
		}
		if ev.UserID != "" {
			stats.TopUsers[ev.UserID]++
		}
	}
	return stats, nil
}
