// Package routing selects an upstream connection link for each chat
// request and drives failover. Link health is tracked in memory only; a
// restart gives every link a clean slate.
package routing

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/waddleai/waddleai/internal/providers"
	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/pkg/errdefs"
	"github.com/waddleai/waddleai/pkg/models"
)

const (
	// unhealthyAfter is the consecutive-failure count that removes a link
	// from the candidate set.
	unhealthyAfter = 3
	// failureCooloff keeps a link excluded after a failure until a newer
	// success or the window passes.
	failureCooloff = 5 * time.Minute
	// defaultAcquireWait bounds how long a saturated router queues a
	// request for an in-flight slot before failing fast.
	defaultAcquireWait = 2 * time.Second
)

// Router picks links, dispatches upstream calls, and tracks per-link
// health statistics.
type Router struct {
	registry *providers.Registry
	store    store.Store
	log      zerolog.Logger

	// inflight caps concurrent upstream calls across the process.
	inflight    *semaphore.Weighted
	acquireWait time.Duration

	mu       sync.Mutex
	stats    map[string]*models.ProviderStats
	rr       map[string]uint64
	strategy models.RoutingStrategy

	now  func() time.Time
	pick func(n int) int
}

func NewRouter(reg *providers.Registry, s store.Store, defaultStrategy models.RoutingStrategy, maxInFlight int64, log zerolog.Logger) *Router {
	if !defaultStrategy.Valid() {
		defaultStrategy = models.RoutingLoadBalanced
	}
	if maxInFlight <= 0 {
		maxInFlight = 100
	}
	return &Router{
		registry: reg,
		store:    s,
		log:      log.With().Str("component", "routing").Logger(),
		inflight:    semaphore.NewWeighted(maxInFlight),
		acquireWait: defaultAcquireWait,
		stats:    make(map[string]*models.ProviderStats),
		rr:       make(map[string]uint64),
		strategy: defaultStrategy,
		now:      time.Now,
		pick:     rand.Intn,
	}
}

// Strategy returns the current default strategy.
func (r *Router) Strategy() models.RoutingStrategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

// SetStrategy changes the default strategy for subsequent requests.
func (r *Router) SetStrategy(s models.RoutingStrategy) error {
	if !s.Valid() {
		return errdefs.Newf(errdefs.MalformedRequest, "unknown routing strategy %q", s)
	}
	r.mu.Lock()
	r.strategy = s
	r.mu.Unlock()
	r.log.Info().Str("strategy", string(s)).Msg("routing strategy changed")
	return nil
}

// ── Candidate selection ─────────────────────────────────────

// healthyLocked reports whether a link is currently routable.
func (r *Router) healthyLocked(name string, now time.Time) bool {
	st, ok := r.stats[name]
	if !ok {
		return true
	}
	if st.ConsecutiveFailures >= unhealthyAfter {
		return false
	}
	if st.LastFailure != nil &&
		(st.LastSuccess == nil || st.LastFailure.After(*st.LastSuccess)) &&
		now.Sub(*st.LastFailure) < failureCooloff {
		return false
	}
	return true
}

// candidates returns the healthy connectors serving a model, ordered by
// link name.
func (r *Router) candidates(model string) []providers.Connector {
	all := r.registry.ForModel(model)
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]providers.Connector, 0, len(all))
	for _, c := range all {
		if r.healthyLocked(c.Name(), now) {
			out = append(out, c)
		}
	}
	return out
}

// plan orders the candidates for one request: the strategy's primary pick
// first, then the remaining candidates in name order as failover targets.
// No link appears twice.
func (r *Router) plan(model string, cands []providers.Connector, strategy models.RoutingStrategy) []providers.Connector {
	if len(cands) <= 1 {
		return cands
	}
	primary := r.selectPrimary(model, cands, strategy)
	ordered := make([]providers.Connector, 0, len(cands))
	ordered = append(ordered, cands[primary])
	for i, c := range cands {
		if i != primary {
			ordered = append(ordered, c)
		}
	}
	return ordered
}

func (r *Router) selectPrimary(model string, cands []providers.Connector, strategy models.RoutingStrategy) int {
	switch strategy {
	case models.RoutingRoundRobin:
		r.mu.Lock()
		idx := int(r.rr[model] % uint64(len(cands)))
		r.rr[model]++
		r.mu.Unlock()
		return idx

	case models.RoutingCostOptimized:
		return r.cheapest(model, cands)

	case models.RoutingLatencyOptimized:
		r.mu.Lock()
		defer r.mu.Unlock()
		best, bestLatency := 0, math.Inf(1)
		for i, c := range cands {
			latency := 0.0
			if st, ok := r.stats[c.Name()]; ok {
				latency = st.AvgLatencyMs
			}
			if latency < bestLatency {
				best, bestLatency = i, latency
			}
		}
		return best

	case models.RoutingLoadBalanced:
		r.mu.Lock()
		defer r.mu.Unlock()
		best, bestScore := 0, int64(math.MaxInt64)
		for i, c := range cands {
			var score int64
			if st, ok := r.stats[c.Name()]; ok {
				score = st.InFlight + int64(st.ConsecutiveFailures)*10
			}
			if score < bestScore {
				best, bestScore = i, score
			}
		}
		return best

	case models.RoutingFailover:
		return r.preferred(model, cands)

	case models.RoutingRandom:
		return r.pick(len(cands))
	}
	return 0
}

// cheapest picks the candidate whose conversion rate carries the lowest
// base cost; unknown pairs price at the default.
func (r *Router) cheapest(model string, cands []providers.Connector) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	best, bestCost := 0, math.Inf(1)
	for i, c := range cands {
		cost := 0.001
		if rate, err := r.store.LatestRate(ctx, c.Kind(), model); err == nil && rate.BaseCostPerTk > 0 {
			cost = rate.BaseCostPerTk
		}
		if cost < bestCost {
			best, bestCost = i, cost
		}
	}
	return best
}

// preferred honors the model's preferred-provider list: entries match link
// names first, then provider kinds.
func (r *Router) preferred(model string, cands []providers.Connector) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mc, err := r.store.GetModelConfig(ctx, model)
	if err != nil || len(mc.PreferredProviders) == 0 {
		return 0
	}
	for _, pref := range mc.PreferredProviders {
		for i, c := range cands {
			if c.Name() == pref || string(c.Kind()) == pref {
				return i
			}
		}
	}
	return 0
}

// ── Dispatch ────────────────────────────────────────────────

// Route dispatches a chat request, failing over through the remaining
// healthy candidates when a link errors. The returned usage names the link
// that actually answered.
func (r *Router) Route(ctx context.Context, req *models.ChatRequest, strategy models.RoutingStrategy) (*providers.ChatResult, error) {
	if !strategy.Valid() {
		strategy = r.Strategy()
	}

	// At saturation, queue briefly for a slot; a request that cannot get
	// one inside the wait fails fast.
	acqCtx, cancel := context.WithTimeout(ctx, r.acquireWait)
	err := r.inflight.Acquire(acqCtx, 1)
	cancel()
	if err != nil {
		return nil, errdefs.New(errdefs.Overloaded, "too many concurrent requests")
	}
	defer r.inflight.Release(1)

	cands := r.candidates(req.Model)
	if len(cands) == 0 {
		return nil, errdefs.Newf(errdefs.AllProvidersFailed, "no available providers for model %s", req.Model)
	}

	var lastErr error
	for _, c := range r.plan(req.Model, cands, strategy) {
		r.markDispatch(c.Name())
		start := r.now()
		result, err := c.Chat(ctx, req)
		latency := float64(r.now().Sub(start).Milliseconds())

		if err != nil {
			r.recordFailure(c.Name())
			r.log.Warn().Str("link", c.Name()).Str("model", req.Model).Err(err).Msg("provider call failed, trying next")
			lastErr = err
			continue
		}

		r.recordSuccess(c.Name(), latency)
		r.log.Info().
			Str("link", c.Name()).
			Str("model", req.Model).
			Str("strategy", string(strategy)).
			Float64("latency_ms", latency).
			Msg("request routed")
		return result, nil
	}
	return nil, errdefs.Wrap(errdefs.AllProvidersFailed, "all providers failed", lastErr)
}

// ── Health statistics ───────────────────────────────────────

func (r *Router) statLocked(name string) *models.ProviderStats {
	st, ok := r.stats[name]
	if !ok {
		st = &models.ProviderStats{}
		r.stats[name] = st
	}
	return st
}

func (r *Router) markDispatch(name string) {
	r.mu.Lock()
	r.statLocked(name).InFlight++
	r.mu.Unlock()
}

func (r *Router) recordSuccess(name string, latencyMs float64) {
	now := r.now().UTC()
	r.mu.Lock()
	st := r.statLocked(name)
	st.InFlight--
	st.TotalRequests++
	st.SuccessfulRequests++
	st.ConsecutiveFailures = 0
	st.LastSuccess = &now
	if st.AvgLatencyMs == 0 {
		st.AvgLatencyMs = latencyMs
	} else {
		st.AvgLatencyMs = st.AvgLatencyMs*0.9 + latencyMs*0.1
	}
	r.mu.Unlock()
}

func (r *Router) recordFailure(name string) {
	now := r.now().UTC()
	r.mu.Lock()
	st := r.statLocked(name)
	st.InFlight--
	st.TotalRequests++
	st.FailedRequests++
	st.ConsecutiveFailures++
	st.LastFailure = &now
	r.mu.Unlock()
}

// Stats returns a copy of the per-link statistics.
func (r *Router) Stats() map[string]models.ProviderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.ProviderStats, len(r.stats))
	for name, st := range r.stats {
		out[name] = *st
	}
	return out
}

// ── Health monitoring ───────────────────────────────────────

// CheckHealth probes every connector once and folds the results into the
// link statistics: a passing probe clears the failure streak, a failing
// one extends it.
func (r *Router) CheckHealth(ctx context.Context) {
	results := r.registry.HealthCheckAll(ctx)
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, err := range results {
		st := r.statLocked(name)
		if err == nil {
			st.ConsecutiveFailures = 0
			st.LastSuccess = &now
		} else {
			st.ConsecutiveFailures++
			st.LastFailure = &now
			r.log.Warn().Str("link", name).Err(err).Msg("health probe failed")
		}
	}
}

// RunHealthMonitor probes all links on the interval until ctx is done.
func (r *Router) RunHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = failureCooloff
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}
