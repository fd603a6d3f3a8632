// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the gateway records. A single instance is
// created at startup and threaded through the pipeline.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	LLMRequestsTotal      *prometheus.CounterVec
	LLMTokensTotal        *prometheus.CounterVec
	NormalizedTokensTotal *prometheus.CounterVec

	SecurityEventsTotal *prometheus.CounterVec
	AuthAttemptsTotal   *prometheus.CounterVec
	RateLimitExceeded   *prometheus.CounterVec

	ProviderHealth  *prometheus.GaugeVec
	TokenQuotaUsage *prometheus.GaugeVec
}

// New registers the gateway metric families on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "waddleai_requests_total",
			Help: "Total number of requests",
		}, []string{"endpoint", "method", "status_code"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waddleai_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),

		LLMRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "waddleai_llm_requests_total",
			Help: "Total LLM requests by provider and model",
		}, []string{"provider", "model", "status"}),

		LLMTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "waddleai_llm_tokens_total",
			Help: "Total LLM tokens processed",
		}, []string{"provider", "model", "token_type"}),

		NormalizedTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "waddleai_normalized_tokens_total",
			Help: "Total WaddleAI normalized tokens",
		}, []string{"organization", "provider"}),

		SecurityEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "waddleai_security_events_total",
			Help: "Total security events detected",
		}, []string{"event_type", "severity", "action"}),

		AuthAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "waddleai_auth_attempts_total",
			Help: "Total authentication attempts",
		}, []string{"auth_type", "status"}),

		RateLimitExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "waddleai_rate_limit_exceeded_total",
			Help: "Rate limit exceeded events",
		}, []string{"endpoint", "limit_type"}),

		ProviderHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "waddleai_provider_health",
			Help: "Provider health status (1=healthy, 0=unhealthy)",
		}, []string{"provider", "endpoint"}),

		TokenQuotaUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "waddleai_token_quota_usage",
			Help: "Token quota usage percentage",
		}, []string{"organization", "period"}),
	}
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(endpoint, method string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(endpoint, method).Observe(elapsed.Seconds())
}

// ObserveLLMRequest records one upstream exchange with its token counts.
func (m *Metrics) ObserveLLMRequest(provider, model, status string, inTokens, outTokens int64) {
	m.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	if inTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(provider, model, "input").Add(float64(inTokens))
	}
	if outTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(provider, model, "output").Add(float64(outTokens))
	}
}
