// Package router classifies query complexity and picks the model that should
// answer it.
//
// Simple queries go to economy models (gemini-2.5-flash, gpt-4o-mini) while
// complex ones are sent to premium models. Prices come from the same table
// the cost ledger uses, so routing and cost accounting never disagree.
package router

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/models"
)

// RoutingStrategy defines how requests should be routed across models.
type RoutingStrategy string

const (
	// StrategyCostOptimized routes to the cheapest model that meets the tier threshold.
	StrategyCostOptimized RoutingStrategy = "cost_optimized"

	// StrategyQualityFirst routes to the highest quality model within budget.
	StrategyQualityFirst RoutingStrategy = "quality_first"

	// StrategyLatencyOptimized routes to the fastest responding model.
	StrategyLatencyOptimized RoutingStrategy = "latency_optimized"

	// StrategyAdaptive uses a scoring function to dynamically select the best model.
	StrategyAdaptive RoutingStrategy = "adaptive"
)

// Valid reports whether s is a known strategy.
func (s RoutingStrategy) Valid() bool {
	switch s {
	case StrategyCostOptimized, StrategyQualityFirst, StrategyLatencyOptimized, StrategyAdaptive:
		return true
	}
	return false
}

// ModelTier represents the capability tier of an LLM model.
type ModelTier string

const (
	TierEconomy  ModelTier = "economy"
	TierStandard ModelTier = "standard"
	TierPremium  ModelTier = "premium"
)

// ModelInfo describes a model available for routing.
type ModelInfo struct {
	Provider     models.LLMProvider `json:"provider"`
	Model        string             `json:"model"`
	Tier         ModelTier          `json:"tier"`
	QualityScore float64            `json:"quality_score"` // 0.0-1.0
	AvgLatencyMs int64              `json:"avg_latency_ms"`
	InputPer1K   float64            `json:"input_per_1k"`
	OutputPer1K  float64            `json:"output_per_1k"`
}

// RouteRequest contains the information needed to make a routing decision.
type RouteRequest struct {
	Model           string    // pinned model, empty for auto-routing
	Prompt          string    // text used for complexity analysis
	HasSystemPrompt bool      // structured tasks usually carry one
	MaxBudgetUSD    float64   // per-request ceiling, 0 for none
	PreferredTier   ModelTier // forces auto-routing within at least this tier
}

// RouteResult contains the routing decision.
type RouteResult struct {
	Model            string             `json:"model"`
	Provider         models.LLMProvider `json:"provider"`
	Tier             ModelTier          `json:"tier"`
	Complexity       models.Complexity  `json:"complexity"`
	Confidence       float64            `json:"confidence"`
	EstimatedCostUSD float64            `json:"estimated_cost_usd"`
	WasRerouted      bool               `json:"was_rerouted"`
	Reason           string             `json:"reason"`
}

// QualityMetrics tracks runtime quality data for a model.
type QualityMetrics struct {
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	ErrorRate    float64 `json:"error_rate"`
	RequestCount int64   `json:"request_count"`
}

// profile is the static routing data for a known model.
type profile struct {
	tier      ModelTier
	quality   float64
	latencyMs int64
}

var modelProfiles = map[string]profile{
	"gemini-2.5-flash":  {TierEconomy, 0.70, 350},
	"gpt-4o-mini":       {TierEconomy, 0.68, 400},
	"gpt-4o":            {TierStandard, 0.85, 800},
	"gemini-2.5-pro":    {TierStandard, 0.86, 900},
	"claude-sonnet-4.5": {TierPremium, 0.92, 900},
}

// Router manages model selection. It is safe for concurrent use.
type Router struct {
	strategy RoutingStrategy

	mu       sync.RWMutex
	registry map[string]ModelInfo // keyed by model name
	metrics  map[string]*QualityMetrics
}

// NewRouter creates a Router whose registry is priced from pricing.
// Models without a routing profile are registered as standard tier.
func NewRouter(strategy RoutingStrategy, pricing models.PricingTable) *Router {
	if !strategy.Valid() {
		strategy = StrategyCostOptimized
	}
	if len(pricing) == 0 {
		pricing = models.DefaultPricing()
	}
	return &Router{
		strategy: strategy,
		registry: buildRegistry(pricing),
		metrics:  make(map[string]*QualityMetrics),
	}
}

func buildRegistry(pricing models.PricingTable) map[string]ModelInfo {
	registry := make(map[string]ModelInfo, len(pricing))
	for name, p := range pricing {
		prof, ok := modelProfiles[name]
		if !ok {
			prof = profile{tier: TierStandard, quality: 0.75, latencyMs: 1000}
		}
		provider := p.Provider
		if provider == "" {
			provider = models.ProviderForModel(name)
		}
		registry[name] = ModelInfo{
			Provider:     provider,
			Model:        name,
			Tier:         prof.tier,
			QualityScore: prof.quality,
			AvgLatencyMs: prof.latencyMs,
			InputPer1K:   p.InputPer1K,
			OutputPer1K:  p.OutputPer1K,
		}
	}
	return registry
}

// Strategy returns the configured strategy.
func (r *Router) Strategy() RoutingStrategy {
	return r.strategy
}

// SetPricing rebuilds the registry from a new price table.
func (r *Router) SetPricing(pricing models.PricingTable) {
	if len(pricing) == 0 {
		return
	}
	reg := buildRegistry(pricing)
	r.mu.Lock()
	r.registry = reg
	r.mu.Unlock()
}

// Classify returns the complexity level of prompt.
func (r *Router) Classify(prompt string) models.Complexity {
	c, _ := classify(RouteRequest{Prompt: prompt})
	return c
}

// Route determines the model for a request.
func (r *Router) Route(req RouteRequest) RouteResult {
	complexity, confidence := classify(req)

	r.mu.RLock()
	defer r.mu.RUnlock()

	// A pinned model is honored as-is.
	if req.Model != "" && req.PreferredTier == "" {
		info, ok := r.registry[req.Model]
		if !ok {
			info = ModelInfo{Provider: models.ProviderForModel(req.Model), Model: req.Model, Tier: TierStandard}
		}
		return RouteResult{
			Model:            req.Model,
			Provider:         info.Provider,
			Tier:             info.Tier,
			Complexity:       complexity,
			Confidence:       1,
			EstimatedCostUSD: estimateCost(info, req.Prompt),
			Reason:           "using explicitly requested model",
		}
	}

	minTier := complexityToMinTier(complexity)
	if req.PreferredTier != "" && tierRank(req.PreferredTier) > tierRank(minTier) {
		minTier = req.PreferredTier
	}

	candidates := r.candidatesLocked(minTier)
	if len(candidates) == 0 {
		model := req.Model
		if model == "" {
			model = models.DefaultModel
		}
		return RouteResult{
			Model:      model,
			Provider:   models.ProviderForModel(model),
			Tier:       minTier,
			Complexity: complexity,
			Confidence: confidence,
			Reason:     "no suitable candidates found, using default model",
		}
	}

	var selected ModelInfo
	var reason string
	switch r.strategy {
	case StrategyQualityFirst:
		selected, reason = selectQualityFirst(candidates, req.MaxBudgetUSD)
	case StrategyLatencyOptimized:
		selected, reason = selectLatencyOptimized(candidates)
	case StrategyAdaptive:
		selected, reason = r.selectAdaptiveLocked(candidates, complexity)
	default:
		selected, reason = selectCostOptimized(candidates)
	}

	return RouteResult{
		Model:            selected.Model,
		Provider:         selected.Provider,
		Tier:             selected.Tier,
		Complexity:       complexity,
		Confidence:       confidence,
		EstimatedCostUSD: estimateCost(selected, req.Prompt),
		WasRerouted:      req.Model != "" && req.Model != selected.Model,
		Reason:           reason,
	}
}

// classify scores a request on heuristics and returns its complexity and how
// far the score sits from the nearest band boundary, mapped to [0.5, 0.95].
func classify(req RouteRequest) (models.Complexity, float64) {
	score := 0

	tokenEstimate := estimateTokenCount(req.Prompt)
	switch {
	case tokenEstimate > 4000:
		score += 3
	case tokenEstimate > 1000:
		score += 2
	default:
		score++
	}

	if req.HasSystemPrompt {
		score++
	}

	lower := strings.ToLower(req.Prompt)
	complexIndicators := []string{
		"analyze", "compare", "evaluate", "synthesize", "critique",
		"write code", "implement", "debug", "refactor", "architect",
		"translate", "summarize the following", "explain in detail",
		"step by step", "reasoning", "proof", "mathematical",
	}
	for _, indicator := range complexIndicators {
		if strings.Contains(lower, indicator) {
			score++
			break
		}
	}

	simpleIndicators := []string{
		"hello", "thanks", "what is", "define", "list", "name",
	}
	for _, indicator := range simpleIndicators {
		if strings.Contains(lower, indicator) && tokenEstimate < 200 {
			score--
			break
		}
	}

	var level models.Complexity
	var distance float64
	switch {
	case score <= 2:
		level = models.ComplexityLow
		distance = 2.5 - float64(score)
	case score <= 4:
		level = models.ComplexityMedium
		distance = math.Min(float64(score)-2.5, 4.5-float64(score))
	default:
		level = models.ComplexityHigh
		distance = float64(score) - 4.5
	}
	return level, math.Min(0.95, 0.5+0.15*distance)
}

// estimateTokenCount uses the ~4 characters per token heuristic for English.
func estimateTokenCount(text string) int {
	return len(text) / 4
}

func estimateCost(m ModelInfo, prompt string) float64 {
	return float64(estimateTokenCount(prompt)) / 1000 * m.InputPer1K
}

// complexityToMinTier maps complexity to the minimum model tier needed.
func complexityToMinTier(c models.Complexity) ModelTier {
	switch c {
	case models.ComplexityLow:
		return TierEconomy
	case models.ComplexityHigh:
		return TierPremium
	default:
		return TierStandard
	}
}

// tierRank returns a numeric rank for tier comparison.
func tierRank(tier ModelTier) int {
	switch tier {
	case TierEconomy:
		return 1
	case TierStandard:
		return 2
	case TierPremium:
		return 3
	default:
		return 0
	}
}

// candidatesLocked returns registry models at or above minTier, sorted by name.
func (r *Router) candidatesLocked(minTier ModelTier) []ModelInfo {
	minRank := tierRank(minTier)
	var out []ModelInfo
	for _, info := range r.registry {
		if tierRank(info.Tier) >= minRank {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// selectCostOptimized picks the cheapest candidate.
func selectCostOptimized(candidates []ModelInfo) (ModelInfo, string) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].InputPer1K+candidates[i].OutputPer1K < candidates[j].InputPer1K+candidates[j].OutputPer1K
	})
	return candidates[0], "cost_optimized: selected cheapest model meeting tier threshold"
}

// selectQualityFirst picks the highest quality candidate that fits within budget.
func selectQualityFirst(candidates []ModelInfo, maxBudget float64) (ModelInfo, string) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].QualityScore > candidates[j].QualityScore
	})

	if maxBudget > 0 {
		for _, c := range candidates {
			// Rough budget check: assume 10k tokens each way.
			if 10*(c.InputPer1K+c.OutputPer1K) <= maxBudget {
				return c, "quality_first: selected highest quality model within budget"
			}
		}
	}
	return candidates[0], "quality_first: selected highest quality model"
}

// selectLatencyOptimized picks the model with the lowest average latency.
func selectLatencyOptimized(candidates []ModelInfo) (ModelInfo, string) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].AvgLatencyMs < candidates[j].AvgLatencyMs
	})
	return candidates[0], "latency_optimized: selected fastest responding model"
}

// selectAdaptiveLocked balances cost, quality and latency with weights that
// depend on complexity, penalizing models with runtime errors.
func (r *Router) selectAdaptiveLocked(candidates []ModelInfo, complexity models.Complexity) (ModelInfo, string) {
	var costWeight, qualityWeight, latencyWeight float64
	switch complexity {
	case models.ComplexityLow:
		costWeight, qualityWeight, latencyWeight = 0.6, 0.1, 0.3
	case models.ComplexityHigh:
		costWeight, qualityWeight, latencyWeight = 0.1, 0.7, 0.2
	default:
		costWeight, qualityWeight, latencyWeight = 0.3, 0.4, 0.3
	}

	minCost, maxCost := math.MaxFloat64, 0.0
	minLatency, maxLatency := math.MaxFloat64, 0.0
	for _, c := range candidates {
		cost := c.InputPer1K + c.OutputPer1K
		minCost, maxCost = math.Min(minCost, cost), math.Max(maxCost, cost)
		lat := r.latencyLocked(c)
		minLatency, maxLatency = math.Min(minLatency, lat), math.Max(maxLatency, lat)
	}
	costRange := maxCost - minCost
	if costRange == 0 {
		costRange = 1
	}
	latencyRange := maxLatency - minLatency
	if latencyRange == 0 {
		latencyRange = 1
	}

	bestScore := -1.0
	bestIdx := 0
	for i, c := range candidates {
		normalizedCost := 1 - ((c.InputPer1K+c.OutputPer1K)-minCost)/costRange
		normalizedLatency := 1 - (r.latencyLocked(c)-minLatency)/latencyRange
		score := costWeight*normalizedCost + qualityWeight*c.QualityScore + latencyWeight*normalizedLatency

		if m, ok := r.metrics[c.Model]; ok {
			score *= 1 - m.ErrorRate
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return candidates[bestIdx], "adaptive: selected model via weighted scoring (cost/quality/latency)"
}

// latencyLocked prefers observed latency over the static profile.
func (r *Router) latencyLocked(c ModelInfo) float64 {
	if m, ok := r.metrics[c.Model]; ok && m.RequestCount > 0 {
		return m.AvgLatencyMs
	}
	return float64(c.AvgLatencyMs)
}

// UpdateMetrics folds one call outcome into the runtime metrics for model.
func (r *Router) UpdateMetrics(model string, latencyMs int64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.metrics[model]
	if !ok {
		m = &QualityMetrics{}
		r.metrics[model] = m
	}
	m.RequestCount++

	// Exponential moving average for latency.
	const alpha = 0.1
	if m.RequestCount == 1 {
		m.AvgLatencyMs = float64(latencyMs)
	} else {
		m.AvgLatencyMs = alpha*float64(latencyMs) + (1-alpha)*m.AvgLatencyMs
	}

	n := float64(m.RequestCount)
	if success {
		m.SuccessRate = (m.SuccessRate*(n-1) + 1) / n
	} else {
		m.SuccessRate = m.SuccessRate * (n - 1) / n
	}
	m.ErrorRate = 1 - m.SuccessRate
}

// Metrics returns a copy of the runtime metrics for model.
func (r *Router) Metrics(model string) (QualityMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[model]
	if !ok {
		return QualityMetrics{}, false
	}
	return *m, true
}

// Registry returns a copy of the model registry.
func (r *Router) Registry() map[string]ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ModelInfo, len(r.registry))
	for k, v := range r.registry {
		out[k] = v
	}
	return out
}
