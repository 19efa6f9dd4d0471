package governor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/blackboard"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/embedding"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/ledger"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/limiter"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/provider"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/semcache"
	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/models"
)

type fakeInvoker struct {
	mu     sync.Mutex
	calls  int
	models []string
	err    error
}

func (f *fakeInvoker) Invoke(_ context.Context, model, prompt string) (provider.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.models = append(f.models, model)
	if f.err != nil {
		return provider.Completion{}, f.err
	}
	return provider.Completion{
		Text:         "answer: " + prompt,
		Model:        model,
		Provider:     models.ProviderForModel(model),
		TokensInput:  1000,
		TokensOutput: 500,
		LatencyMs:    42,
	}, nil
}

type countingEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	switch text {
	case "what is go":
		return []float32{1, 0}, nil
	case "weather tomorrow":
		return []float32{0, 1}, nil
	}
	return nil, errors.New("no vector for " + text)
}

type recordingObserver struct {
	mu      sync.Mutex
	samples map[string][]float64
}

func (o *recordingObserver) Observe(feature string, v float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.samples == nil {
		o.samples = make(map[string][]float64)
	}
	o.samples[feature] = append(o.samples[feature], v)
}

type fixture struct {
	pipeline *Pipeline
	limiter  *limiter.Limiter
	cache    *semcache.Cache
	embedder *countingEmbedder
	ledger   *ledger.Ledger
	board    *blackboard.Blackboard
	invoker  *fakeInvoker
	observer *recordingObserver
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	f := &fixture{
		limiter:  limiter.New(map[string]limiter.Profile{"/chat": {Capacity: capacity, RefillRate: 0.001}}),
		embedder: &countingEmbedder{},
		ledger:   ledger.New(ledger.DefaultConfig()),
		board:    blackboard.New(),
		invoker:  &fakeInvoker{},
		observer: &recordingObserver{},
	}
	f.cache = semcache.New(semcache.Config{SimilarityThreshold: 0.95, MaxSize: 10, Dimension: 2}, f.embedder)
	p, err := New(Deps{
		Limiter:    f.limiter,
		Cache:      f.cache,
		Router:     router.NewRouter(router.StrategyCostOptimized, models.DefaultPricing()),
		Invoker:    f.invoker,
		Ledger:     f.ledger,
		Blackboard: f.board,
		Drift:      f.observer,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.pipeline = p
	return f
}

func TestNew_RequiresCoreDependencies(t *testing.T) {
	full := Deps{
		Limiter: limiter.New(nil),
		Invoker: &fakeInvoker{},
		Ledger:  ledger.New(ledger.DefaultConfig()),
	}
	if _, err := New(full); err != nil {
		t.Fatalf("minimal deps: unexpected error %v", err)
	}

	tests := []struct {
		name string
		mod  func(d *Deps)
	}{
		{"no limiter", func(d *Deps) { d.Limiter = nil }},
		{"no invoker", func(d *Deps) { d.Invoker = nil }},
		{"no ledger", func(d *Deps) { d.Ledger = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := full
			tt.mod(&d)
			if _, err := New(d); !errors.Is(err, ErrMissingDependency) {
				t.Errorf("expected ErrMissingDependency, got %v", err)
			}
		})
	}
}

func TestExecute_EmptyPrompt(t *testing.T) {
	f := newFixture(t, 5)
	if _, err := f.pipeline.Execute(context.Background(), Query{ClientID: "c", Route: "/chat", Prompt: "  "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if f.ledger.Len() != 0 {
		t.Error("empty prompt must not be costed")
	}
}

func TestExecute_InvokesAndAccounts(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.pipeline.Execute(ctx, Query{ClientID: "c", Route: "/chat", Endpoint: "/api/chat", Prompt: "what is go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeInvoked {
		t.Fatalf("expected invoked, got %s", res.Outcome)
	}
	if res.Response != "answer: what is go" {
		t.Errorf("unexpected response %q", res.Response)
	}
	if res.Routing == nil || res.Routing.Model != res.Model {
		t.Fatalf("routing result missing or inconsistent: %+v", res.Routing)
	}
	want := f.ledger.EstimateCost(res.Model, 1000, 500)
	if res.CostUSD != want {
		t.Errorf("cost = %f, want %f", res.CostUSD, want)
	}
	if res.LatencyMs != 42 {
		t.Errorf("latency = %d, want provider-reported 42", res.LatencyMs)
	}

	recs := f.ledger.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Endpoint != "/api/chat" || recs[0].Cached || recs[0].Model != res.Model {
		t.Errorf("unexpected record %+v", recs[0])
	}
	if recs[0].Complexity != res.Complexity {
		t.Errorf("record complexity %s, result %s", recs[0].Complexity, res.Complexity)
	}

	if got := f.cache.Stats(ctx).Size; got != 1 {
		t.Errorf("cache size = %d, want 1", got)
	}
	if f.embedder.calls != 1 {
		t.Errorf("embedder called %d times, want 1 (lookup vector reused for add)", f.embedder.calls)
	}

	decisions := f.board.Messages(blackboard.Filter{Type: blackboard.TypeDecision})
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	d := decisions[0]
	if d.Agent != blackboard.RoleRouter || d.Content.Metadata.Model != res.Model || d.Content.Metadata.DecisionID != res.DecisionID {
		t.Errorf("unexpected decision %+v", d)
	}
	if d.Content.Metadata.Route != "/chat" {
		t.Errorf("decision route = %q", d.Content.Metadata.Route)
	}

	for _, feature := range []string{FeatureLatencyMs, FeatureCostUSD, FeatureTokensOutput, FeatureCacheSimilarity} {
		if len(f.observer.samples[feature]) != 1 {
			t.Errorf("feature %s: %d samples, want 1", feature, len(f.observer.samples[feature]))
		}
	}
	if got := f.observer.samples[FeatureTokensOutput][0]; got != 500 {
		t.Errorf("tokens_output sample = %f, want 500", got)
	}
}

func TestExecute_CacheHitRecordsZeroCost(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	q := Query{ClientID: "c", Route: "/chat", Prompt: "what is go"}

	first, err := f.pipeline.Execute(ctx, q)
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	second, err := f.pipeline.Execute(ctx, q)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}

	if second.Outcome != OutcomeCacheHit {
		t.Fatalf("expected cache_hit, got %s", second.Outcome)
	}
	if second.Response != first.Response || second.Model != first.Model {
		t.Errorf("cached response mismatch: %+v vs %+v", second, first)
	}
	if second.Similarity != 1 {
		t.Errorf("similarity = %f, want 1", second.Similarity)
	}
	if second.CostSaved != first.CostUSD {
		t.Errorf("cost saved = %f, want %f", second.CostSaved, first.CostUSD)
	}
	if f.invoker.calls != 1 {
		t.Errorf("invoker called %d times, want 1", f.invoker.calls)
	}

	recs := f.ledger.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if !recs[1].Cached || recs[1].Cost != 0 {
		t.Errorf("cached record should cost 0: %+v", recs[1])
	}
	if n := len(f.board.Messages(blackboard.Filter{Type: blackboard.TypeDecision})); n != 1 {
		t.Errorf("cache hit must not record a routing decision, got %d decisions", n)
	}
}

func TestExecute_DeniedQueryHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	if _, err := f.pipeline.Execute(ctx, Query{ClientID: "c", Route: "/chat", Prompt: "what is go"}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	before := f.ledger.FinOpsSummary().TotalCostToday
	records := f.ledger.Len()
	embeds := f.embedder.calls

	res, err := f.pipeline.Execute(ctx, Query{ClientID: "c", Route: "/chat", Prompt: "weather tomorrow"})
	if err != nil {
		t.Fatalf("denied Execute returned error: %v", err)
	}
	if res.Outcome != OutcomeDenied {
		t.Fatalf("expected denied, got %s", res.Outcome)
	}
	if res.RetryAfterMs <= 0 {
		t.Errorf("expected positive retry hint, got %d", res.RetryAfterMs)
	}
	if f.ledger.Len() != records {
		t.Errorf("denied query created a cost record")
	}
	if f.embedder.calls != embeds {
		t.Errorf("denied query performed a cache lookup")
	}
	if f.invoker.calls != 1 {
		t.Errorf("denied query invoked a model")
	}
	if after := f.ledger.FinOpsSummary().TotalCostToday; after != before {
		t.Errorf("total_cost_today changed from %f to %f", before, after)
	}
}

func TestExecute_InvokeFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.invoker.err = errors.New("upstream 503")
	ctx := context.Background()

	_, err := f.pipeline.Execute(ctx, Query{ClientID: "c", Route: "/chat", Prompt: "what is go"})
	if err == nil {
		t.Fatal("expected error")
	}
	if f.ledger.Len() != 0 {
		t.Errorf("failed call must not be costed")
	}
	if got := f.cache.Stats(ctx).Size; got != 0 {
		t.Errorf("failed call must not be cached, size %d", got)
	}
	if n := f.board.Len(); n != 0 {
		t.Errorf("failed call must not record a decision, got %d messages", n)
	}
	s, err := f.board.AgentState(blackboard.RoleRouter)
	if err != nil {
		t.Fatalf("AgentState: %v", err)
	}
	if s.Status != blackboard.AgentError {
		t.Errorf("router agent status = %s, want %s", s.Status, blackboard.AgentError)
	}

	f.invoker.err = nil
	if _, err := f.pipeline.Execute(ctx, Query{ClientID: "c", Route: "/chat", Prompt: "what is go"}); err != nil {
		t.Fatalf("Execute after recovery: %v", err)
	}
	if s, _ := f.board.AgentState(blackboard.RoleRouter); s.Status != blackboard.AgentActive {
		t.Errorf("router agent status after success = %s, want %s", s.Status, blackboard.AgentActive)
	}
}

func TestExecute_PinnedModel(t *testing.T) {
	f := newFixture(t, 5)
	res, err := f.pipeline.Execute(context.Background(), Query{ClientID: "c", Route: "/chat", Prompt: "what is go", Model: "claude-sonnet-4.5"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Model != "claude-sonnet-4.5" || f.invoker.models[0] != "claude-sonnet-4.5" {
		t.Errorf("pinned model not honored: result %s, invoked %v", res.Model, f.invoker.models)
	}
	if res.Provider != models.ProviderAnthropic {
		t.Errorf("provider = %s", res.Provider)
	}
}

func TestExecute_MinimalDepsUseDefaultModel(t *testing.T) {
	inv := &fakeInvoker{}
	led := ledger.New(ledger.DefaultConfig())
	p, err := New(Deps{Limiter: limiter.New(nil), Invoker: inv, Ledger: led})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Execute(context.Background(), Query{ClientID: "c", Route: "/x", Prompt: "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Model != models.DefaultModel {
		t.Errorf("model = %s, want %s", res.Model, models.DefaultModel)
	}
	if recs := led.Records(); len(recs) != 1 || recs[0].Endpoint != "/x" {
		t.Errorf("expected one record attributed to the route, got %+v", recs)
	}
}

func TestExecute_ConfiguredDefaultModel(t *testing.T) {
	inv := &fakeInvoker{}
	p, err := New(Deps{Limiter: limiter.New(nil), Invoker: inv, Ledger: ledger.New(ledger.DefaultConfig())},
		WithDefaultModel("gemini-2.5-flash"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Execute(context.Background(), Query{ClientID: "c", Route: "/x", Prompt: "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Model != "gemini-2.5-flash" || inv.models[0] != "gemini-2.5-flash" {
		t.Errorf("model = %s (invoked %v), want gemini-2.5-flash", res.Model, inv.models)
	}
}

func TestExecute_EmbeddingFailureFallsThrough(t *testing.T) {
	inv := &fakeInvoker{}
	failing := embedding.Func(func(context.Context, string) ([]float32, error) {
		return nil, errors.New("embedding endpoint down")
	})
	p, err := New(Deps{
		Limiter: limiter.New(nil),
		Cache:   semcache.New(semcache.Config{Dimension: 2}, failing),
		Invoker: inv,
		Ledger:  ledger.New(ledger.DefaultConfig()),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Execute(context.Background(), Query{ClientID: "c", Route: "/chat", Prompt: "anything"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeInvoked || inv.calls != 1 {
		t.Errorf("expected fall-through to the model, got %s with %d calls", res.Outcome, inv.calls)
	}
}

func TestExecute_NoEmbeddingSkipsCacheAdd(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	res, err := f.pipeline.Execute(ctx, Query{ClientID: "c", Route: "/chat", Prompt: "no vector for this prompt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeInvoked {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeInvoked)
	}
	f.embedder.mu.Lock()
	calls := f.embedder.calls
	f.embedder.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected a single embedding attempt, got %d", calls)
	}
	if got := f.cache.Stats(ctx).Size; got != 0 {
		t.Errorf("entry cached without an embedding, size %d", got)
	}
}
