package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/ledger"
)

// TrackCost records one model invocation and returns its cost.
func (h *Handlers) TrackCost(c *gin.Context) {
	var ev ledger.Event
	if !bindJSON(c, &ev) {
		return
	}
	if ev.Model == "" || ev.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model and endpoint are required"})
		return
	}
	cost := h.d.Ledger.TrackCost(ev)
	c.JSON(http.StatusCreated, gin.H{"cost": cost, "cached": ev.Cached})
}

type costSummary struct {
	ledger.Summary
	// MirroredSpendToday is the shared Redis counter for today, which spans
	// replicas and restarts. Absent when no counter store is configured.
	MirroredSpendToday *float64 `json:"mirrored_spend_today,omitempty"`
}

// CostSummary returns the FinOps summary.
func (h *Handlers) CostSummary(c *gin.Context) {
	out := costSummary{Summary: h.d.Ledger.FinOpsSummary()}
	if h.d.Spend != nil {
		spent, err := h.d.Spend.GetDailySpend(c.Request.Context(), time.Now())
		if err != nil {
			h.logger.Warn("reading mirrored daily spend failed", "error", err)
		} else {
			out.MirroredSpendToday = &spent
		}
	}
	c.JSON(http.StatusOK, out)
}

// CostAlerts returns active budget alerts.
func (h *Handlers) CostAlerts(c *gin.Context) {
	alerts := h.d.Ledger.BudgetAlerts()
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "data": alerts})
}

// CostForecast returns the spend forecast.
func (h *Handlers) CostForecast(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Ledger.CostForecast())
}

// CostInsights returns spend spikes, model switch recommendations and budget warnings.
func (h *Handlers) CostInsights(c *gin.Context) {
	insights := h.d.Ledger.Insights()
	c.JSON(http.StatusOK, gin.H{"count": len(insights), "data": insights})
}

// daysParam reads ?days=, 0 meaning the ledger default.
func daysParam(c *gin.Context) (int, bool) {
	raw := c.Query("days")
	if raw == "" {
		return 0, true
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 || days > 366 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be an integer between 1 and 366"})
		return 0, false
	}
	return days, true
}

// UserCosts attributes spend to one user.
func (h *Handlers) UserCosts(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be an integer"})
		return
	}
	days, ok := daysParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.d.Ledger.UserCostAttribution(userID, days))
}

// FeatureCosts attributes spend to one endpoint.
func (h *Handlers) FeatureCosts(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint query parameter is required"})
		return
	}
	days, ok := daysParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.d.Ledger.FeatureCostAttribution(endpoint, days))
}
