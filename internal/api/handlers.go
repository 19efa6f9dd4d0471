// Package api implements the governor's JSON HTTP API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/blackboard"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/drift"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/governor"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/ledger"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/limiter"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/semcache"
	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/models"
)

const (
	version      = "0.1.0"
	maxBodyBytes = 1 << 20
	queryRoute   = "/v1/query"
)

// PricingStore persists operator price overrides.
type PricingStore interface {
	UpsertPricing(ctx context.Context, p models.ModelPricing) error
}

// SpendReader reads the shared daily spend counter.
type SpendReader interface {
	GetDailySpend(ctx context.Context, day time.Time) (float64, error)
}

// Deps are the components the handlers expose.
type Deps struct {
	Pipeline   *governor.Pipeline
	Limiter    *limiter.Limiter
	Cache      *semcache.Cache
	Ledger     *ledger.Ledger
	Drift      *drift.Monitor
	Blackboard *blackboard.Blackboard
	Router     *router.Router
	Pricing    PricingStore
	Spend      SpendReader
	// Backends reports optional dependencies on /health, e.g. "postgres": true.
	Backends map[string]bool
	Logger   *slog.Logger
}

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	d      Deps
	logger *slog.Logger

	// pricingMu serializes read-modify-write of the price table.
	pricingMu sync.Mutex
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{d: d, logger: logging.OrDiscard(d.Logger)}
}

// Guards are the middleware chains placed in front of each route group.
type Guards struct {
	Query      []gin.HandlerFunc
	Management []gin.HandlerFunc
}

// Register mounts every route on r. /health is always open.
func (h *Handlers) Register(r *gin.Engine, g Guards) {
	r.GET("/health", h.HealthCheck)
	r.POST(queryRoute, append(append([]gin.HandlerFunc(nil), g.Query...), h.Query)...)

	v1 := r.Group("/api/v1")
	v1.Use(g.Management...)
	{
		v1.POST("/admission", h.Admission)

		v1.POST("/cache/lookup", h.CacheLookup)
		v1.POST("/cache/entries", h.CacheAdd)
		v1.GET("/cache/stats", h.CacheStats)
		v1.DELETE("/cache", h.CacheClear)

		v1.POST("/costs", h.TrackCost)
		v1.GET("/costs/summary", h.CostSummary)
		v1.GET("/costs/alerts", h.CostAlerts)
		v1.GET("/costs/forecast", h.CostForecast)
		v1.GET("/costs/insights", h.CostInsights)
		v1.GET("/costs/users/:user_id", h.UserCosts)
		v1.GET("/costs/features", h.FeatureCosts)

		v1.GET("/pricing", h.ListPricing)
		v1.PUT("/pricing/:model", h.UpdatePricing)

		v1.PUT("/drift/baselines/:feature", h.SetBaseline)
		v1.POST("/drift/:feature/check", h.CheckDrift)
		v1.GET("/drift/reports", h.DriftReports)

		v1.POST("/blackboard/messages", h.PostMessage)
		v1.GET("/blackboard/messages", h.ListMessages)
		v1.PATCH("/blackboard/messages/:id", h.UpdateMessageStatus)
		v1.GET("/blackboard/threads/:id", h.Thread)
		v1.GET("/blackboard/agents", h.Agents)
		v1.POST("/blackboard/decisions", h.RecordDecision)
		v1.POST("/blackboard/feedback", h.RecordFeedback)
	}
}

// HealthCheck returns the service health status.
func (h *Handlers) HealthCheck(c *gin.Context) {
	backends := make(map[string]string, len(h.d.Backends))
	for name, up := range h.d.Backends {
		if up {
			backends[name] = "connected"
		} else {
			backends[name] = "disabled"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"service":  "governor",
		"version":  version,
		"backends": backends,
	})
}

// bindJSON decodes a bounded JSON body into v and writes the error response itself.
func bindJSON(c *gin.Context, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	if err := c.ShouldBindJSON(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// Query runs one prompt through the governance pipeline.
func (h *Handlers) Query(c *gin.Context) {
	if h.d.Pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline unavailable"})
		return
	}
	var q governor.Query
	if !bindJSON(c, &q) {
		return
	}
	// Only an authenticated caller may name the client it spends tokens for.
	if q.ClientID == "" || !middleware.Authenticated(c) {
		q.ClientID = middleware.ClientID(c)
	}
	if q.Route == "" {
		q.Route = queryRoute
	}

	res, err := h.d.Pipeline.Execute(c.Request.Context(), q)
	switch {
	case errors.Is(err, governor.ErrEmptyPrompt):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Warn("query failed", "client_id", q.ClientID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream model call failed: " + err.Error()})
		return
	}

	middleware.SetRateLimitHeaders(c, limiter.Decision{
		Allowed:      res.Outcome != governor.OutcomeDenied,
		Remaining:    res.Remaining,
		RetryAfterMs: res.RetryAfterMs,
	})
	if res.Outcome == governor.OutcomeDenied {
		c.JSON(http.StatusTooManyRequests, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type admissionRequest struct {
	ClientID string `json:"client_id" binding:"required"`
	Route    string `json:"route" binding:"required"`
}

// Admission consumes one token for (client_id, route) and reports the decision.
func (h *Handlers) Admission(c *gin.Context) {
	var req admissionRequest
	if !bindJSON(c, &req) {
		return
	}
	d := h.d.Limiter.TryConsume(req.ClientID, req.Route)
	middleware.SetRateLimitHeaders(c, d)
	c.JSON(http.StatusOK, d)
}

type lookupRequest struct {
	Query string `json:"query" binding:"required"`
}

// CacheLookup checks the semantic cache without calling a model.
func (h *Handlers) CacheLookup(c *gin.Context) {
	var req lookupRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.d.Cache.Lookup(c.Request.Context(), req.Query)
	switch {
	case errors.Is(err, semcache.ErrNoEmbedder):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "embedding provider not configured"})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

type cacheEntryRequest struct {
	QueryText string            `json:"query_text" binding:"required"`
	Embedding []float32         `json:"embedding"`
	Response  string            `json:"response" binding:"required"`
	Model     string            `json:"model"`
	Cost      float64           `json:"cost"`
	Metadata  map[string]string `json:"metadata"`
}

// CacheAdd stores a response in the semantic cache.
func (h *Handlers) CacheAdd(c *gin.Context) {
	var req cacheEntryRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Cost < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cost must be non-negative"})
		return
	}
	err := h.d.Cache.Add(c.Request.Context(), semcache.Entry{
		QueryText: req.QueryText,
		Embedding: req.Embedding,
		Response:  req.Response,
		Model:     req.Model,
		Cost:      req.Cost,
		Metadata:  req.Metadata,
	})
	switch {
	case errors.Is(err, semcache.ErrDimensionMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, semcache.ErrNoEmbedder):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "embedding provider not configured"})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "cached"})
}

// CacheStats reports hit rate, savings and size.
func (h *Handlers) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Cache.Stats(c.Request.Context()))
}

// CacheClear drops every cached entry.
func (h *Handlers) CacheClear(c *gin.Context) {
	if err := h.d.Cache.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListPricing returns the active pricing table.
func (h *Handlers) ListPricing(c *gin.Context) {
	table := h.d.Ledger.Pricing()
	c.JSON(http.StatusOK, gin.H{"count": len(table), "data": table})
}

type pricingRequest struct {
	Provider    string  `json:"provider"`
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// UpdatePricing overrides the price of one model for the ledger and router,
// then persists it when a store is configured.
func (h *Handlers) UpdatePricing(c *gin.Context) {
	model := strings.TrimSpace(c.Param("model"))
	var req pricingRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.InputPer1K < 0 || req.OutputPer1K < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prices must be non-negative"})
		return
	}
	p := models.ModelPricing{
		Provider:    models.LLMProvider(req.Provider),
		Model:       model,
		InputPer1K:  req.InputPer1K,
		OutputPer1K: req.OutputPer1K,
		UpdatedAt:   time.Now().UTC(),
	}
	if p.Provider == "" {
		p.Provider = models.ProviderForModel(model)
	}

	h.pricingMu.Lock()
	table := h.d.Ledger.Pricing()
	table[model] = p
	h.d.Ledger.SetPricing(table)
	if h.d.Router != nil {
		h.d.Router.SetPricing(table)
	}
	h.pricingMu.Unlock()

	persisted := false
	if h.d.Pricing != nil {
		if err := h.d.Pricing.UpsertPricing(c.Request.Context(), p); err != nil {
			h.logger.Warn("persisting price override failed", "model", model, "error", err)
		} else {
			persisted = true
		}
	}
	c.JSON(http.StatusOK, gin.H{"pricing": p, "persisted": persisted})
}
