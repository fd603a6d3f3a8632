package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/waddleai/waddleai/internal/providers"
	"github.com/waddleai/waddleai/internal/store"
	"github.com/waddleai/waddleai/pkg/errdefs"
	"github.com/waddleai/waddleai/pkg/models"
)

// upstream is a scriptable fake OpenAI-compatible backend.
type upstream struct {
	srv   *httptest.Server
	fail  atomic.Bool
	calls atomic.Int64
	block chan struct{}
}

func newUpstream(t *testing.T, content string) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		if u.block != nil {
			<-u.block
		}
		if u.fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1",
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 10, "total_tokens": 20},
		})
	}))
	t.Cleanup(u.srv.Close)
	return u
}

// newRouter wires a router over links pointing at the given upstreams.
// Link names are assigned a, b, c... in argument order.
func newRouter(t *testing.T, maxInFlight int64, ups ...*upstream) (*Router, *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	names := []string{"a", "b", "c", "d"}
	for i, u := range ups {
		err := s.CreateLink(ctx, &models.ConnectionLink{
			Name:     names[i],
			Provider: models.ProviderOpenAI,
			Endpoint: u.srv.URL,
			Enabled:  true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	reg := providers.NewRegistry(s, zerolog.Nop())
	if err := reg.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	return NewRouter(reg, s, models.RoutingLoadBalanced, maxInFlight, zerolog.Nop()), s
}

func req(model string) *models.ChatRequest {
	return &models.ChatRequest{
		Model:    model,
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}
}

func TestRouteHappyPath(t *testing.T) {
	u := newUpstream(t, "hello")
	r, _ := newRouter(t, 10, u)

	res, err := r.Route(context.Background(), req("gpt-4"), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hello" || res.Usage.Link != "a" {
		t.Errorf("result = %+v", res)
	}

	st := r.Stats()["a"]
	if st.TotalRequests != 1 || st.SuccessfulRequests != 1 || st.InFlight != 0 {
		t.Errorf("stats = %+v", st)
	}
	if st.LastSuccess == nil {
		t.Error("last success not recorded")
	}
}

func TestFailoverToNextLink(t *testing.T) {
	bad, good := newUpstream(t, ""), newUpstream(t, "from-b")
	bad.fail.Store(true)
	r, _ := newRouter(t, 10, bad, good)

	res, err := r.Route(context.Background(), req("gpt-4"), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "from-b" || res.Usage.Link != "b" {
		t.Errorf("result = %+v", res)
	}

	stats := r.Stats()
	if stats["a"].FailedRequests != 1 || stats["a"].ConsecutiveFailures != 1 {
		t.Errorf("failed link stats = %+v", stats["a"])
	}
	if stats["b"].SuccessfulRequests != 1 {
		t.Errorf("winning link stats = %+v", stats["b"])
	}
}

func TestAllProvidersFailed(t *testing.T) {
	a, b := newUpstream(t, ""), newUpstream(t, "")
	a.fail.Store(true)
	b.fail.Store(true)
	r, _ := newRouter(t, 10, a, b)

	_, err := r.Route(context.Background(), req("gpt-4"), "")
	if !errdefs.IsKind(err, errdefs.AllProvidersFailed) {
		t.Fatalf("expected all_providers_failed, got %v", err)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 {
		t.Errorf("each link should be tried exactly once: a=%d b=%d", a.calls.Load(), b.calls.Load())
	}
}

func TestNoCandidatesForModel(t *testing.T) {
	r, s := newRouter(t, 10)
	_ = s // no links at all
	_, err := r.Route(context.Background(), req("gpt-4"), "")
	if !errdefs.IsKind(err, errdefs.AllProvidersFailed) {
		t.Fatalf("expected all_providers_failed, got %v", err)
	}
}

func TestUnhealthyLinkExcluded(t *testing.T) {
	a, b := newUpstream(t, ""), newUpstream(t, "ok")
	a.fail.Store(true)
	r, _ := newRouter(t, 10, a, b)
	ctx := context.Background()

	// Three failed requests push link a past the failure threshold.
	for i := 0; i < 3; i++ {
		if _, err := r.Route(ctx, req("gpt-4"), ""); err != nil {
			t.Fatal(err)
		}
	}
	if r.Stats()["a"].ConsecutiveFailures != 3 {
		t.Fatalf("stats = %+v", r.Stats()["a"])
	}

	before := a.calls.Load()
	if _, err := r.Route(ctx, req("gpt-4"), ""); err != nil {
		t.Fatal(err)
	}
	if a.calls.Load() != before {
		t.Error("unhealthy link should not be tried")
	}
}

func TestFailureCooloffExpires(t *testing.T) {
	a, b := newUpstream(t, "from-a"), newUpstream(t, "from-b")
	a.fail.Store(true)
	r, _ := newRouter(t, 10, a, b)
	ctx := context.Background()

	if _, err := r.Route(ctx, req("gpt-4"), ""); err != nil {
		t.Fatal(err)
	}
	// One failure with no newer success keeps a out of the pool...
	if got := len(r.candidates("gpt-4")); got != 1 {
		t.Fatalf("candidates during cooloff = %d, want 1", got)
	}

	// ...until the cooloff window passes.
	base := time.Now()
	r.now = func() time.Time { return base.Add(6 * time.Minute) }
	if got := len(r.candidates("gpt-4")); got != 2 {
		t.Fatalf("candidates after cooloff = %d, want 2", got)
	}
}

func TestRoundRobinRotatesPerModel(t *testing.T) {
	a, b := newUpstream(t, "x"), newUpstream(t, "x")
	r, _ := newRouter(t, 10, a, b)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := r.Route(ctx, req("gpt-4"), models.RoutingRoundRobin); err != nil {
			t.Fatal(err)
		}
	}
	if a.calls.Load() != 2 || b.calls.Load() != 2 {
		t.Errorf("round robin split = a:%d b:%d, want 2/2", a.calls.Load(), b.calls.Load())
	}
}

func TestCostOptimizedPicksCheapest(t *testing.T) {
	a, b := newUpstream(t, "x"), newUpstream(t, "x")
	r, s := newRouter(t, 10, a, b)
	ctx := context.Background()

	// Both links are openai-kind; the rate applies to both, so seed a
	// cheaper anthropic link instead.
	cheap := newUpstream(t, "cheap")
	err := s.CreateLink(ctx, &models.ConnectionLink{
		Name: "z-cheap", Provider: models.ProviderAnthropic, Endpoint: cheap.srv.URL, Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, rate := range []models.ConversionRate{
		{Provider: models.ProviderOpenAI, Model: "gpt-4", InputRate: 10, OutputRate: 10, BaseCostPerTk: 0.01, Enabled: true},
		{Provider: models.ProviderAnthropic, Model: "gpt-4", InputRate: 10, OutputRate: 10, BaseCostPerTk: 0.0001, Enabled: true},
	} {
		rr := rate
		if err := s.CreateRate(ctx, &rr); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.registry.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	cands := r.candidates("gpt-4")
	if len(cands) != 3 {
		t.Fatalf("candidates = %d", len(cands))
	}
	idx := r.selectPrimary("gpt-4", cands, models.RoutingCostOptimized)
	if cands[idx].Name() != "z-cheap" {
		t.Errorf("cost optimized picked %s, want z-cheap", cands[idx].Name())
	}
}

func TestFailoverStrategyHonorsPreferredProviders(t *testing.T) {
	a, b := newUpstream(t, "x"), newUpstream(t, "x")
	r, s := newRouter(t, 10, a, b)
	ctx := context.Background()

	err := s.UpsertModelConfig(ctx, &models.ModelConfig{
		Model:              "gpt-4",
		PreferredProviders: []string{"b"},
	})
	if err != nil {
		t.Fatal(err)
	}

	cands := r.candidates("gpt-4")
	idx := r.selectPrimary("gpt-4", cands, models.RoutingFailover)
	if cands[idx].Name() != "b" {
		t.Errorf("failover picked %s, want preferred link b", cands[idx].Name())
	}
}

func TestLoadBalancedAvoidsFailingLink(t *testing.T) {
	a, b := newUpstream(t, "x"), newUpstream(t, "x")
	r, _ := newRouter(t, 10, a, b)

	// One failure on a gives it score 10; b stays at 0.
	r.recordFailure("a")
	// Reset streak timing so a is not excluded by cooloff for this check.
	r.mu.Lock()
	r.stats["a"].LastFailure = nil
	r.mu.Unlock()

	cands := r.candidates("gpt-4")
	if len(cands) != 2 {
		t.Fatalf("candidates = %d", len(cands))
	}
	idx := r.selectPrimary("gpt-4", cands, models.RoutingLoadBalanced)
	if cands[idx].Name() != "b" {
		t.Errorf("load balanced picked %s, want b", cands[idx].Name())
	}
}

func TestLatencyEMA(t *testing.T) {
	r, _ := newRouter(t, 10)
	r.recordSuccess("a", 100)
	if got := r.Stats()["a"].AvgLatencyMs; got != 100 {
		t.Fatalf("first observation = %v, want 100", got)
	}
	r.recordSuccess("a", 200)
	// 100*0.9 + 200*0.1 = 110
	if got := r.Stats()["a"].AvgLatencyMs; got != 110 {
		t.Errorf("ema = %v, want 110", got)
	}
}

func TestOverloadedWhenInFlightCapReached(t *testing.T) {
	slow := newUpstream(t, "slow")
	slow.block = make(chan struct{})
	r, _ := newRouter(t, 1, slow)
	r.acquireWait = 20 * time.Millisecond
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Route(ctx, req("gpt-4"), "")
		done <- err
	}()

	// Wait for the first request to occupy the only slot.
	for slow.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err := r.Route(ctx, req("gpt-4"), "")
	if !errdefs.IsKind(err, errdefs.Overloaded) {
		t.Errorf("expected overloaded, got %v", err)
	}

	close(slow.block)
	if err := <-done; err != nil {
		t.Fatalf("blocked request should finish: %v", err)
	}
}

func TestSaturatedRouterQueuesForFreedSlot(t *testing.T) {
	slow := newUpstream(t, "ok")
	slow.block = make(chan struct{})
	r, _ := newRouter(t, 1, slow)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Route(ctx, req("gpt-4"), "")
		done <- err
	}()
	for slow.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// Free the only slot while the second request is queued; it must run
	// rather than fail fast.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(slow.block)
	}()
	if _, err := r.Route(ctx, req("gpt-4"), ""); err != nil {
		t.Fatalf("queued request should run once the slot frees: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestSetStrategy(t *testing.T) {
	r, _ := newRouter(t, 10)
	if err := r.SetStrategy(models.RoutingRandom); err != nil {
		t.Fatal(err)
	}
	if r.Strategy() != models.RoutingRandom {
		t.Errorf("strategy = %s", r.Strategy())
	}
	if err := r.SetStrategy("bogus"); !errdefs.IsKind(err, errdefs.MalformedRequest) {
		t.Errorf("expected malformed_request, got %v", err)
	}
}

func TestCheckHealthUpdatesStats(t *testing.T) {
	u := newUpstream(t, "x")
	r, _ := newRouter(t, 10, u)

	u.fail.Store(true)
	r.CheckHealth(context.Background())
	if r.Stats()["a"].ConsecutiveFailures != 1 {
		t.Errorf("stats after failed probe = %+v", r.Stats()["a"])
	}

	// A passing probe clears the streak.
	u.fail.Store(false)
	r.CheckHealth(context.Background())
	st := r.Stats()["a"]
	if st.ConsecutiveFailures != 0 || st.LastSuccess == nil {
		t.Errorf("stats after passing probe = %+v", st)
	}
}
