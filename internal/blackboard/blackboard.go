// Package blackboard is a shared, append-only message log that cooperating
// agents use to publish decisions, observations and alerts, and to feed
// decision outcomes back into per-agent learning statistics.
package blackboard

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
)

// Listener is notified of every posted message.
type Listener func(Message)

type agent struct {
	mu    sync.Mutex
	state AgentState
}

type subscription struct {
	id int
	fn Listener
}

const cleanupBatch = 256

// Blackboard holds the message log and agent states. It is safe for concurrent use.
type Blackboard struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	messages  []*Message
	byID      map[string]*Message
	decisions map[string]*Message

	// agents is populated once in New and never resized.
	agents map[AgentRole]*agent

	subMu  sync.RWMutex
	subs   []subscription
	nextID int
}

// Option configures a Blackboard.
type Option func(*Blackboard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Blackboard) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Blackboard) { b.logger = logging.OrDiscard(l) }
}

// New creates a Blackboard with one idle agent per known role.
func New(opts ...Option) *Blackboard {
	b := &Blackboard{
		logger:    logging.Discard(),
		now:       time.Now,
		byID:      make(map[string]*Message),
		decisions: make(map[string]*Message),
		agents:    make(map[AgentRole]*agent, len(KnownRoles)),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, role := range KnownRoles {
		b.agents[role] = &agent{state: AgentState{Role: role, Status: AgentIdle}}
	}
	return b
}

// PostMessage appends a message, marks the posting agent active and notifies
// subscribers before returning.
func (b *Blackboard) PostMessage(t MessageType, role AgentRole, content Content, parentID string) (Message, error) {
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	ag, ok := b.agents[role]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownAgent, role)
	}
	if err := content.Metadata.validate(t); err != nil {
		return Message{}, err
	}

	msg := &Message{
		ID:       uuid.NewString(),
		Type:     t,
		Agent:    role,
		Content:  Content{Text: content.Text, Metadata: content.Metadata.clone()},
		ParentID: parentID,
		Status:   StatusPending,
	}

	// Stamped under the lock so the log stays in timestamp order.
	b.mu.Lock()
	now := b.now()
	msg.Timestamp = now
	if parentID != "" {
		if _, ok := b.byID[parentID]; !ok {
			b.mu.Unlock()
			return Message{}, fmt.Errorf("parent %s: %w", parentID, ErrMessageNotFound)
		}
	}
	if t == TypeDecision {
		if _, dup := b.decisions[msg.Content.Metadata.DecisionID]; dup {
			b.mu.Unlock()
			return Message{}, fmt.Errorf("%w: duplicate decision_id %s", ErrInvalidMetadata, msg.Content.Metadata.DecisionID)
		}
		b.decisions[msg.Content.Metadata.DecisionID] = msg
	}
	b.messages = append(b.messages, msg)
	b.byID[msg.ID] = msg
	out := copyMessage(msg)
	b.mu.Unlock()

	ag.mu.Lock()
	ag.state.MessagesProcessed++
	ag.state.Status = AgentActive
	ag.state.LastActive = now
	ag.mu.Unlock()

	b.notify(out)
	return out, nil
}

// notify calls every listener in subscription order. A panicking listener is
// logged and skipped.
func (b *Blackboard) notify(msg Message) {
	b.subMu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.subMu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("blackboard listener panicked", "subscription", s.id, "message_id", msg.ID, "panic", r)
				}
			}()
			s.fn(copyMessage(&msg))
		}()
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Blackboard) Subscribe(fn Listener) (unsubscribe func()) {
	b.subMu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subMu.Lock()
			defer b.subMu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Message returns the message with id.
func (b *Blackboard) Message(id string) (Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.byID[id]
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrMessageNotFound)
	}
	return copyMessage(m), nil
}

// Messages returns matching messages in insertion order.
func (b *Blackboard) Messages(f Filter) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Message
	for _, m := range b.messages {
		if f.match(m) {
			out = append(out, copyMessage(m))
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Thread returns the whole conversation id belongs to: its root and every
// descendant, in insertion order.
func (b *Blackboard) Thread(id string) ([]Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrMessageNotFound)
	}
	root := m
	for root.ParentID != "" {
		parent, ok := b.byID[root.ParentID]
		if !ok {
			break
		}
		root = parent
	}

	members := map[string]bool{root.ID: true}
	var out []Message
	for _, msg := range b.messages {
		if msg.ID == root.ID || (msg.ParentID != "" && members[msg.ParentID]) {
			members[msg.ID] = true
			out = append(out, copyMessage(msg))
		}
	}
	return out, nil
}

// UpdateStatus sets the processing status of a message.
func (b *Blackboard) UpdateStatus(id string, s Status) error {
	if !s.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidType, s)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrMessageNotFound)
	}
	m.Status = s
	return nil
}

// RecordDecision posts a decision message under a fresh decision id and returns the id.
func (b *Blackboard) RecordDecision(d Decision) (string, error) {
	conf := d.Confidence
	decisionID := uuid.NewString()
	md := Metadata{
		DecisionID: decisionID,
		Model:      d.Model,
		Confidence: &conf,
		Feature:    d.Feature,
		CostUSD:    d.CostUSD,
		Route:      d.Route,
		Complexity: d.Complexity,
	}
	if _, err := b.PostMessage(TypeDecision, d.Agent, Content{Text: d.Text, Metadata: md}, d.ParentID); err != nil {
		return "", fmt.Errorf("recording decision: %w", err)
	}
	return decisionID, nil
}

// RecordFeedback threads a feedback message under the referenced decision and
// updates the deciding agent's learning data.
func (b *Blackboard) RecordFeedback(fb Feedback) (Message, error) {
	b.mu.RLock()
	decision, ok := b.decisions[fb.DecisionID]
	var decisionMsgID string
	var decider AgentRole
	if ok {
		decisionMsgID, decider = decision.ID, decision.Agent
	}
	b.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("decision %s: %w", fb.DecisionID, ErrDecisionNotFound)
	}

	poster := fb.Agent
	if poster == "" {
		poster = RoleCoordinator
	}
	success := fb.Success
	text := fb.Text
	if text == "" {
		outcome := "failed"
		if success {
			outcome = "succeeded"
		}
		text = fmt.Sprintf("decision %s %s", fb.DecisionID, outcome)
	}
	msg, err := b.PostMessage(TypeFeedback, poster, Content{
		Text:     text,
		Metadata: Metadata{DecisionID: fb.DecisionID, Success: &success},
	}, decisionMsgID)
	if err != nil {
		return Message{}, fmt.Errorf("recording feedback: %w", err)
	}

	ag := b.agents[decider]
	ag.mu.Lock()
	ld := &ag.state.LearningData
	if success {
		ld.SuccessfulDecisions++
	} else {
		ld.FailedDecisions++
	}
	ld.AverageConfidence = float64(ld.SuccessfulDecisions) / float64(ld.SuccessfulDecisions+ld.FailedDecisions)
	ag.mu.Unlock()

	return msg, nil
}

// AgentState returns the state of one agent.
func (b *Blackboard) AgentState(role AgentRole) (AgentState, error) {
	ag, ok := b.agents[role]
	if !ok {
		return AgentState{}, fmt.Errorf("%w: %q", ErrUnknownAgent, role)
	}
	ag.mu.Lock()
	defer ag.mu.Unlock()
	return ag.state, nil
}

// AgentStates returns every agent's state ordered by role.
func (b *Blackboard) AgentStates() []AgentState {
	out := make([]AgentState, 0, len(b.agents))
	for _, ag := range b.agents {
		ag.mu.Lock()
		out = append(out, ag.state)
		ag.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// SetAgentStatus overrides the liveness of an agent.
func (b *Blackboard) SetAgentStatus(role AgentRole, s AgentStatus) error {
	ag, ok := b.agents[role]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, role)
	}
	ag.mu.Lock()
	ag.state.Status = s
	ag.mu.Unlock()
	return nil
}

// MarkIdle flips active agents that have not posted within after back to idle
// and returns how many changed.
func (b *Blackboard) MarkIdle(after time.Duration) int {
	cutoff := b.now().Add(-after)
	n := 0
	for _, ag := range b.agents {
		ag.mu.Lock()
		if ag.state.Status == AgentActive && ag.state.LastActive.Before(cutoff) {
			ag.state.Status = AgentIdle
			n++
		}
		ag.mu.Unlock()
	}
	return n
}

// Cleanup drops messages older than retention and returns how many were
// removed. Agent statistics are kept. Expired messages sit at the front of the
// log and are removed cleanupBatch at a time.
func (b *Blackboard) Cleanup(retention time.Duration) int {
	cutoff := b.now().Add(-retention)
	removed := 0
	for {
		n := b.dropExpired(cutoff, cleanupBatch)
		removed += n
		if n < cleanupBatch {
			break
		}
	}
	if removed > 0 {
		b.logger.Info("blackboard cleanup", "removed", removed, "remaining", b.Len())
	}
	return removed
}

// dropExpired removes up to limit messages older than cutoff from the front of the log.
func (b *Blackboard) dropExpired(cutoff time.Time, limit int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(b.messages) && n < limit && b.messages[n].Timestamp.Before(cutoff) {
		m := b.messages[n]
		delete(b.byID, m.ID)
		if m.Type == TypeDecision {
			delete(b.decisions, m.Content.Metadata.DecisionID)
		}
		b.messages[n] = nil
		n++
	}
	b.messages = b.messages[n:]
	return n
}

// Len returns the number of retained messages.
func (b *Blackboard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

func copyMessage(m *Message) Message {
	out := *m
	out.Content.Metadata = m.Content.Metadata.clone()
	return out
}
