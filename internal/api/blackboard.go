package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/blackboard"
)

// boardError maps blackboard errors onto HTTP statuses.
func boardError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, blackboard.ErrMessageNotFound), errors.Is(err, blackboard.ErrDecisionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, blackboard.ErrUnknownAgent),
		errors.Is(err, blackboard.ErrInvalidMetadata),
		errors.Is(err, blackboard.ErrInvalidType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type postMessageRequest struct {
	Type     blackboard.MessageType `json:"type" binding:"required"`
	Agent    blackboard.AgentRole   `json:"agent" binding:"required"`
	Text     string                 `json:"text"`
	Metadata blackboard.Metadata    `json:"metadata"`
	ParentID string                 `json:"parent_id"`
}

// PostMessage appends a message to the blackboard.
func (h *Handlers) PostMessage(c *gin.Context) {
	var req postMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := h.d.Blackboard.PostMessage(req.Type, req.Agent, blackboard.Content{
		Text:     req.Text,
		Metadata: req.Metadata,
	}, req.ParentID)
	if err != nil {
		boardError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListMessages filters messages by type, agent, status, parent_id, since (RFC3339) and limit.
func (h *Handlers) ListMessages(c *gin.Context) {
	f := blackboard.Filter{
		Type:     blackboard.MessageType(c.Query("type")),
		Agent:    blackboard.AgentRole(c.Query("agent")),
		Status:   blackboard.Status(c.Query("status")),
		ParentID: c.Query("parent_id"),
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'since' date format, use RFC3339"})
			return
		}
		f.Since = since
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			limit = 100
		}
		f.Limit = limit
	}
	msgs := h.d.Blackboard.Messages(f)
	c.JSON(http.StatusOK, gin.H{"count": len(msgs), "data": msgs})
}

type statusRequest struct {
	Status blackboard.Status `json:"status" binding:"required"`
}

// UpdateMessageStatus sets the processing status of a message.
func (h *Handlers) UpdateMessageStatus(c *gin.Context) {
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.d.Blackboard.UpdateStatus(c.Param("id"), req.Status); err != nil {
		boardError(c, err)
		return
	}
	msg, err := h.d.Blackboard.Message(c.Param("id"))
	if err != nil {
		boardError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Thread returns a message and its descendants.
func (h *Handlers) Thread(c *gin.Context) {
	msgs, err := h.d.Blackboard.Thread(c.Param("id"))
	if err != nil {
		boardError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(msgs), "data": msgs})
}

// Agents returns every agent's state.
func (h *Handlers) Agents(c *gin.Context) {
	states := h.d.Blackboard.AgentStates()
	c.JSON(http.StatusOK, gin.H{"count": len(states), "data": states})
}

// RecordDecision posts a decision and returns its id.
func (h *Handlers) RecordDecision(c *gin.Context) {
	var d blackboard.Decision
	if !bindJSON(c, &d) {
		return
	}
	id, err := h.d.Blackboard.RecordDecision(d)
	if err != nil {
		boardError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"decision_id": id})
}

// RecordFeedback threads feedback under a decision.
func (h *Handlers) RecordFeedback(c *gin.Context) {
	var fb blackboard.Feedback
	if !bindJSON(c, &fb) {
		return
	}
	if fb.DecisionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision_id is required"})
		return
	}
	msg, err := h.d.Blackboard.RecordFeedback(fb)
	if err != nil {
		boardError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
