package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/drift"
)

type baselineRequest struct {
	Samples []float64 `json:"samples" binding:"required"`
}

// SetBaseline replaces the reference distribution of a feature.
func (h *Handlers) SetBaseline(c *gin.Context) {
	feature := c.Param("feature")
	var req baselineRequest
	if !bindJSON(c, &req) {
		return
	}
	size, err := h.d.Drift.SetBaseline(feature, req.Samples)
	if err != nil {
		if errors.Is(err, drift.ErrEmptyBaseline) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"feature": feature, "baseline_size": size})
}

type checkRequest struct {
	Current []float64 `json:"current"`
}

// CheckDrift compares the given samples, or the feature's rolling window when
// none are given, against its baseline.
func (h *Handlers) CheckDrift(c *gin.Context) {
	feature := c.Param("feature")
	if !h.d.Drift.HasBaseline(feature) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no baseline for feature " + feature})
		return
	}
	var req checkRequest
	if c.Request.ContentLength != 0 {
		if !bindJSON(c, &req) {
			return
		}
	}

	var report *drift.Report
	if len(req.Current) > 0 {
		report = h.d.Drift.CheckDrift(feature, req.Current)
	} else {
		report = h.d.Drift.CheckCurrent(feature)
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no baseline for feature " + feature})
		return
	}
	c.JSON(http.StatusOK, report)
}

// DriftReports returns the latest report per feature.
func (h *Handlers) DriftReports(c *gin.Context) {
	reports := h.d.Drift.Reports()
	c.JSON(http.StatusOK, gin.H{"count": len(reports), "data": reports})
}
