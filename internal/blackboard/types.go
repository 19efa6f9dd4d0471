package blackboard

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownAgent is returned for a role outside the known set.
	ErrUnknownAgent = errors.New("blackboard: unknown agent role")
	// ErrMessageNotFound is returned when a message id does not exist or was cleaned up.
	ErrMessageNotFound = errors.New("blackboard: message not found")
	// ErrDecisionNotFound is returned when feedback references an unknown decision.
	ErrDecisionNotFound = errors.New("blackboard: decision not found")
	// ErrInvalidMetadata is returned when a message's metadata does not fit its type.
	ErrInvalidMetadata = errors.New("blackboard: invalid metadata")
	// ErrInvalidType is returned for an unknown message type or status.
	ErrInvalidType = errors.New("blackboard: invalid message type")
)

// MessageType classifies a message.
type MessageType string

const (
	TypeQuery       MessageType = "query"
	TypeDecision    MessageType = "decision"
	TypeFeedback    MessageType = "feedback"
	TypeAlert       MessageType = "alert"
	TypeObservation MessageType = "observation"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeQuery, TypeDecision, TypeFeedback, TypeAlert, TypeObservation:
		return true
	}
	return false
}

// AgentRole names a cooperating agent.
type AgentRole string

const (
	RoleRouter         AgentRole = "router"
	RoleCacheManager   AgentRole = "cache_manager"
	RoleCostController AgentRole = "cost_controller"
	RoleDriftWatcher   AgentRole = "drift_watcher"
	RoleCoordinator    AgentRole = "coordinator"
)

// KnownRoles lists the agents created at start.
var KnownRoles = []AgentRole{
	RoleCacheManager,
	RoleCoordinator,
	RoleCostController,
	RoleDriftWatcher,
	RoleRouter,
}

// Status is the processing state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// AgentStatus is the liveness of an agent.
type AgentStatus string

const (
	AgentIdle   AgentStatus = "idle"
	AgentActive AgentStatus = "active"
	AgentError  AgentStatus = "error"
)

// Metadata is the closed set of keys a message may carry.
type Metadata struct {
	DecisionID string   `json:"decision_id,omitempty"`
	Model      string   `json:"model,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Success    *bool    `json:"success,omitempty"`
	Feature    string   `json:"feature,omitempty"`
	CostUSD    *float64 `json:"cost_usd,omitempty"`
	Similarity *float64 `json:"similarity,omitempty"`
	Route      string   `json:"route,omitempty"`
	Complexity string   `json:"complexity,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Confidence != nil {
		v := *m.Confidence
		out.Confidence = &v
	}
	if m.Success != nil {
		v := *m.Success
		out.Success = &v
	}
	if m.CostUSD != nil {
		v := *m.CostUSD
		out.CostUSD = &v
	}
	if m.Similarity != nil {
		v := *m.Similarity
		out.Similarity = &v
	}
	return out
}

// validate checks metadata against the rules of message type t.
func (m Metadata) validate(t MessageType) error {
	if m.Confidence != nil && (*m.Confidence < 0 || *m.Confidence > 1) {
		return fmt.Errorf("%w: confidence %f outside [0, 1]", ErrInvalidMetadata, *m.Confidence)
	}
	if m.Similarity != nil && (*m.Similarity < -1 || *m.Similarity > 1) {
		return fmt.Errorf("%w: similarity %f outside [-1, 1]", ErrInvalidMetadata, *m.Similarity)
	}
	if m.CostUSD != nil && *m.CostUSD < 0 {
		return fmt.Errorf("%w: negative cost_usd", ErrInvalidMetadata)
	}

	switch t {
	case TypeDecision:
		if m.DecisionID == "" {
			return fmt.Errorf("%w: decision requires decision_id", ErrInvalidMetadata)
		}
		if m.Confidence == nil {
			return fmt.Errorf("%w: decision requires confidence", ErrInvalidMetadata)
		}
	case TypeFeedback:
		if m.DecisionID == "" {
			return fmt.Errorf("%w: feedback requires decision_id", ErrInvalidMetadata)
		}
		if m.Success == nil {
			return fmt.Errorf("%w: feedback requires success", ErrInvalidMetadata)
		}
	}
	return nil
}

// Content is a message body.
type Content struct {
	Text     string   `json:"text,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// Message is one blackboard entry.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Agent     AgentRole   `json:"agent"`
	Timestamp time.Time   `json:"timestamp"`
	Content   Content     `json:"content"`
	ParentID  string      `json:"parent_id,omitempty"`
	Status    Status      `json:"status"`
}

// LearningData aggregates feedback on an agent's decisions.
type LearningData struct {
	SuccessfulDecisions int     `json:"successful_decisions"`
	FailedDecisions     int     `json:"failed_decisions"`
	AverageConfidence   float64 `json:"average_confidence"`
}

// AgentState is the live state of one agent.
type AgentState struct {
	Role              AgentRole    `json:"role"`
	Status            AgentStatus  `json:"status"`
	MessagesProcessed int          `json:"messages_processed"`
	LastActive        time.Time    `json:"last_active"`
	LearningData      LearningData `json:"learning_data"`
}

// Decision is a choice an agent wants feedback on.
type Decision struct {
	Agent      AgentRole `json:"agent"`
	Text       string    `json:"text"`
	Model      string    `json:"model,omitempty"`
	Confidence float64   `json:"confidence"`
	Route      string    `json:"route,omitempty"`
	Complexity string    `json:"complexity,omitempty"`
	Feature    string    `json:"feature,omitempty"`
	CostUSD    *float64  `json:"cost_usd,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"`
}

// Feedback reports the outcome of a recorded decision.
type Feedback struct {
	DecisionID string `json:"decision_id"`
	Success    bool   `json:"success"`
	// Agent posting the feedback. Defaults to the coordinator.
	Agent AgentRole `json:"agent,omitempty"`
	Text  string    `json:"text,omitempty"`
}

// Filter selects messages. Zero fields match everything.
type Filter struct {
	Type     MessageType
	Agent    AgentRole
	Status   Status
	ParentID string
	Since    time.Time
	// Limit keeps only the most recent matches when positive.
	Limit int
}

func (f Filter) match(m *Message) bool {
	switch {
	case f.Type != "" && m.Type != f.Type:
		return false
	case f.Agent != "" && m.Agent != f.Agent:
		return false
	case f.Status != "" && m.Status != f.Status:
		return false
	case f.ParentID != "" && m.ParentID != f.ParentID:
		return false
	case !f.Since.IsZero() && m.Timestamp.Before(f.Since):
		return false
	}
	return true
}
