// Package governor runs one query through admission, the semantic cache,
// routing, the model call and cost accounting, exiting as early as possible.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/blackboard"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/ledger"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/limiter"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/provider"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/semcache"
	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/models"
)

var (
	// ErrEmptyPrompt is returned for a query without prompt text.
	ErrEmptyPrompt = errors.New("governor: empty prompt")
	// ErrMissingDependency is returned by New when a required component is nil.
	ErrMissingDependency = errors.New("governor: missing dependency")
)

// Drift feature names observed for every invoked query.
const (
	FeatureLatencyMs       = "latency_ms"
	FeatureCostUSD         = "cost_usd"
	FeatureTokensOutput    = "tokens_output"
	FeatureCacheSimilarity = "cache_similarity"
)

// Outcome is how a query left the pipeline.
type Outcome string

const (
	OutcomeDenied   Outcome = "denied"
	OutcomeCacheHit Outcome = "cache_hit"
	OutcomeInvoked  Outcome = "invoked"
)

// Admitter decides whether a client may spend one request on a route.
type Admitter interface {
	TryConsume(clientID, route string) limiter.Decision
}

// ResponseCache serves and stores responses by query similarity.
type ResponseCache interface {
	Lookup(ctx context.Context, query string) (semcache.LookupResult, error)
	Add(ctx context.Context, e semcache.Entry) error
}

// ModelRouter picks a model for a prompt and learns from call outcomes.
type ModelRouter interface {
	Route(req router.RouteRequest) router.RouteResult
	Classify(prompt string) models.Complexity
	UpdateMetrics(model string, latencyMs int64, success bool)
}

// CostTracker records the cost of a call.
type CostTracker interface {
	TrackCost(ev ledger.Event) float64
}

// DecisionRecorder keeps routing decisions for later feedback and tracks the
// router agent's health.
type DecisionRecorder interface {
	RecordDecision(d blackboard.Decision) (string, error)
	SetAgentStatus(role blackboard.AgentRole, s blackboard.AgentStatus) error
}

// Observer collects samples for drift detection.
type Observer interface {
	Observe(feature string, value float64)
}

// Deps are the components a Pipeline drives. Limiter, Invoker and Ledger are
// required; the rest are skipped when nil.
type Deps struct {
	Limiter    Admitter
	Cache      ResponseCache
	Router     ModelRouter
	Invoker    provider.Invoker
	Ledger     CostTracker
	Blackboard DecisionRecorder
	Drift      Observer
}

// Query is one inbound request.
type Query struct {
	ClientID string `json:"client_id"`
	Route    string `json:"route"`
	UserID   *int64 `json:"user_id,omitempty"`
	// Endpoint attributes cost to a feature. Defaults to Route.
	Endpoint string `json:"endpoint,omitempty"`
	Prompt   string `json:"prompt"`
	// Model pins the model; empty lets the router choose.
	Model        string  `json:"model,omitempty"`
	MaxBudgetUSD float64 `json:"max_budget_usd,omitempty"`
}

// Result is the pipeline's answer for one query.
type Result struct {
	RequestID    string              `json:"request_id"`
	Outcome      Outcome             `json:"outcome"`
	Response     string              `json:"response,omitempty"`
	Model        string              `json:"model,omitempty"`
	Provider     models.LLMProvider  `json:"provider,omitempty"`
	Complexity   models.Complexity   `json:"complexity,omitempty"`
	CostUSD      float64             `json:"cost_usd"`
	CostSaved    float64             `json:"cost_saved,omitempty"`
	Similarity   float64             `json:"similarity,omitempty"`
	TokensInput  int                 `json:"tokens_input,omitempty"`
	TokensOutput int                 `json:"tokens_output,omitempty"`
	LatencyMs    int64               `json:"latency_ms,omitempty"`
	Remaining    float64             `json:"remaining"`
	RetryAfterMs int64               `json:"retry_after_ms,omitempty"`
	DecisionID   string              `json:"decision_id,omitempty"`
	Routing      *router.RouteResult `json:"routing,omitempty"`
}

// Pipeline executes queries. It is safe for concurrent use.
type Pipeline struct {
	deps         Deps
	logger       *slog.Logger
	now          func() time.Time
	defaultModel string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrDiscard(l) }
}

// WithClock overrides the time source used to measure latency.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithDefaultModel sets the model used when neither the query nor the router picks one.
func WithDefaultModel(model string) Option {
	return func(p *Pipeline) {
		if model != "" {
			p.defaultModel = model
		}
	}
}

// New creates a Pipeline.
func New(d Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case d.Limiter == nil:
		return nil, fmt.Errorf("%w: limiter", ErrMissingDependency)
	case d.Invoker == nil:
		return nil, fmt.Errorf("%w: invoker", ErrMissingDependency)
	case d.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrMissingDependency)
	}
	p := &Pipeline{deps: d, logger: logging.Discard(), now: time.Now, defaultModel: models.DefaultModel}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Execute runs q. A denial is a normal result, not an error. A failed model
// call returns the error and records no cost.
func (p *Pipeline) Execute(ctx context.Context, q Query) (Result, error) {
	if strings.TrimSpace(q.Prompt) == "" {
		return Result{}, ErrEmptyPrompt
	}
	if q.Endpoint == "" {
		q.Endpoint = q.Route
	}
	reqID := uuid.NewString()
	log := p.logger.With("request_id", reqID, "client_id", q.ClientID, "route", q.Route)

	// 1. Admission.
	dec := p.deps.Limiter.TryConsume(q.ClientID, q.Route)
	if !dec.Allowed {
		log.Info("query denied by rate limiter", "retry_after_ms", dec.RetryAfterMs)
		return Result{
			RequestID:    reqID,
			Outcome:      OutcomeDenied,
			Remaining:    dec.Remaining,
			RetryAfterMs: dec.RetryAfterMs,
		}, nil
	}

	// 2. Semantic cache.
	var lookup semcache.LookupResult
	if p.deps.Cache != nil {
		res, err := p.deps.Cache.Lookup(ctx, q.Prompt)
		if err != nil && !errors.Is(err, semcache.ErrNoEmbedder) {
			log.Warn("cache lookup failed, treating as miss", "error", err)
		}
		lookup = res
		if err == nil && res.Hit {
			return p.serveCached(q, reqID, dec, res), nil
		}
	}

	// 3. Routing.
	route := router.RouteResult{
		Model:      q.Model,
		Provider:   models.ProviderForModel(q.Model),
		Complexity: models.ComplexityMedium,
		Confidence: 1,
	}
	if p.deps.Router != nil {
		route = p.deps.Router.Route(router.RouteRequest{
			Model:        q.Model,
			Prompt:       q.Prompt,
			MaxBudgetUSD: q.MaxBudgetUSD,
		})
	}
	if route.Model == "" {
		route.Model = p.defaultModel
		route.Provider = models.ProviderForModel(route.Model)
	}

	// 4. Model call.
	start := p.now()
	comp, err := p.deps.Invoker.Invoke(ctx, route.Model, q.Prompt)
	latency := p.now().Sub(start).Milliseconds()
	if comp.LatencyMs > 0 {
		latency = comp.LatencyMs
	}
	if p.deps.Router != nil {
		p.deps.Router.UpdateMetrics(route.Model, latency, err == nil)
	}
	if err != nil {
		log.Error("model call failed", "model", route.Model, "error", err)
		if p.deps.Blackboard != nil {
			if serr := p.deps.Blackboard.SetAgentStatus(blackboard.RoleRouter, blackboard.AgentError); serr != nil {
				log.Warn("marking router agent failed", "error", serr)
			}
		}
		return Result{}, fmt.Errorf("invoking %s: %w", route.Model, err)
	}

	// 5. Cost.
	cost := p.deps.Ledger.TrackCost(ledger.Event{
		UserID:       q.UserID,
		Endpoint:     q.Endpoint,
		Model:        route.Model,
		TokensInput:  comp.TokensInput,
		TokensOutput: comp.TokensOutput,
		Complexity:   route.Complexity,
	})

	// 6. Cache the response. Without a lookup embedding the embedder is
	// unavailable, so the entry is not stored.
	if p.deps.Cache != nil && len(lookup.Embedding) > 0 {
		err := p.deps.Cache.Add(ctx, semcache.Entry{
			QueryText: q.Prompt,
			Embedding: lookup.Embedding,
			Response:  comp.Text,
			Model:     route.Model,
			Cost:      cost,
			Metadata:  map[string]string{"route": q.Route, "endpoint": q.Endpoint},
		})
		if err != nil && !errors.Is(err, semcache.ErrNoEmbedder) {
			log.Warn("cache add failed", "error", err)
		}
	}

	// 7. Routing decision.
	var decisionID string
	if p.deps.Blackboard != nil {
		c := cost
		id, err := p.deps.Blackboard.RecordDecision(blackboard.Decision{
			Agent:      blackboard.RoleRouter,
			Text:       fmt.Sprintf("routed %s query to %s: %s", route.Complexity, route.Model, route.Reason),
			Model:      route.Model,
			Confidence: route.Confidence,
			Route:      q.Route,
			Complexity: string(route.Complexity),
			Feature:    q.Endpoint,
			CostUSD:    &c,
		})
		if err != nil {
			log.Warn("recording routing decision failed", "error", err)
		}
		decisionID = id
	}

	// 8. Drift samples.
	if p.deps.Drift != nil {
		p.deps.Drift.Observe(FeatureLatencyMs, float64(latency))
		p.deps.Drift.Observe(FeatureCostUSD, cost)
		p.deps.Drift.Observe(FeatureTokensOutput, float64(comp.TokensOutput))
		if len(lookup.Embedding) > 0 {
			p.deps.Drift.Observe(FeatureCacheSimilarity, lookup.Similarity)
		}
	}

	log.Info("query served",
		"model", route.Model,
		"complexity", route.Complexity,
		"cost_usd", cost,
		"latency_ms", latency,
	)

	prov := comp.Provider
	if prov == "" {
		prov = route.Provider
	}
	return Result{
		RequestID:    reqID,
		Outcome:      OutcomeInvoked,
		Response:     comp.Text,
		Model:        route.Model,
		Provider:     prov,
		Complexity:   route.Complexity,
		CostUSD:      cost,
		Similarity:   lookup.Similarity,
		TokensInput:  comp.TokensInput,
		TokensOutput: comp.TokensOutput,
		LatencyMs:    latency,
		Remaining:    dec.Remaining,
		DecisionID:   decisionID,
		Routing:      &route,
	}, nil
}

func (p *Pipeline) serveCached(q Query, reqID string, dec limiter.Decision, res semcache.LookupResult) Result {
	complexity := models.ComplexityMedium
	if p.deps.Router != nil {
		complexity = p.deps.Router.Classify(q.Prompt)
	}
	p.deps.Ledger.TrackCost(ledger.Event{
		UserID:     q.UserID,
		Endpoint:   q.Endpoint,
		Model:      res.Model,
		Complexity: complexity,
		Cached:     true,
	})
	if p.deps.Drift != nil {
		p.deps.Drift.Observe(FeatureCacheSimilarity, res.Similarity)
	}
	p.logger.Info("query served from cache",
		"request_id", reqID,
		"similarity", res.Similarity,
		"cost_saved", res.CostSaved,
	)
	return Result{
		RequestID:  reqID,
		Outcome:    OutcomeCacheHit,
		Response:   res.Response,
		Model:      res.Model,
		Provider:   models.ProviderForModel(res.Model),
		Complexity: complexity,
		CostSaved:  res.CostSaved,
		Similarity: res.Similarity,
		Remaining:  dec.Remaining,
	}
}
