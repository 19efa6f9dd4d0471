// Package ledger records the cost of every model invocation and derives
// attribution, forecasts, budget alerts and optimisation insights from the
// retained records.
//
// Records are append-only. Aggregations only consider records inside the
// retention window, and Prune drops older records in the background.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/models"
)

const (
	sinkTimeout = 5 * time.Second
	pruneBatch  = 512
)

// Event describes one model invocation to be costed.
type Event struct {
	UserID       *int64            `json:"user_id,omitempty"`
	Endpoint     string            `json:"endpoint"`
	Model        string            `json:"model"`
	TokensInput  int               `json:"tokens_input"`
	TokensOutput int               `json:"tokens_output"`
	Complexity   models.Complexity `json:"complexity"`
	Cached       bool              `json:"cached"`
	// Timestamp defaults to the ledger clock when zero.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Record is a costed event. Seq is assigned in insertion order.
type Record struct {
	Seq          uint64            `json:"seq"`
	Timestamp    time.Time         `json:"timestamp"`
	UserID       *int64            `json:"user_id,omitempty"`
	Endpoint     string            `json:"endpoint"`
	Model        string            `json:"model"`
	TokensInput  int               `json:"tokens_input"`
	TokensOutput int               `json:"tokens_output"`
	Cost         float64           `json:"cost"`
	Complexity   models.Complexity `json:"complexity"`
	Cached       bool              `json:"cached"`
}

// Sink receives every new record. Sinks run on their own goroutine.
type Sink interface {
	RecordCost(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

// RecordCost calls f.
func (f SinkFunc) RecordCost(ctx context.Context, r Record) error {
	return f(ctx, r)
}

// Config holds budget and retention settings.
type Config struct {
	DailyBudget   float64
	MonthlyBudget float64
	RetentionDays int
	// DefaultModel prices models missing from the pricing table.
	DefaultModel string
}

// DefaultConfig returns the stock budgets: $100/day, $3000/month, 30 days retention.
func DefaultConfig() Config {
	return Config{
		DailyBudget:   100,
		MonthlyBudget: 3000,
		RetentionDays: 30,
		DefaultModel:  models.DefaultModel,
	}
}

// Ledger is the cost ledger. It is safe for concurrent use.
type Ledger struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	records []Record
	seq     uint64
	pricing models.PricingTable

	// records[holeLo:holeHi] is stale while Prune compacts the log.
	pruneMu        sync.Mutex
	holeLo, holeHi int

	sinks []Sink
	wg    sync.WaitGroup
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logging.OrDiscard(lg) }
}

// WithPricing replaces the built-in price table.
func WithPricing(t models.PricingTable) Option {
	return func(l *Ledger) {
		if len(t) > 0 {
			l.pricing = t.Clone()
		}
	}
}

// WithSink registers a sink for new records.
func WithSink(s Sink) Option {
	return func(l *Ledger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// New creates a Ledger. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Ledger {
	def := DefaultConfig()
	if cfg.DailyBudget <= 0 {
		cfg.DailyBudget = def.DailyBudget
	}
	if cfg.MonthlyBudget <= 0 {
		cfg.MonthlyBudget = def.MonthlyBudget
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = def.DefaultModel
	}
	l := &Ledger{
		cfg:     cfg,
		logger:  logging.Discard(),
		now:     time.Now,
		pricing: models.DefaultPricing(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the ledger settings.
func (l *Ledger) Config() Config {
	return l.cfg
}

// SetPricing replaces the price table. Existing records keep their cost.
func (l *Ledger) SetPricing(t models.PricingTable) {
	if len(t) == 0 {
		return
	}
	l.mu.Lock()
	l.pricing = t.Clone()
	l.mu.Unlock()
}

// Pricing returns a copy of the current price table.
func (l *Ledger) Pricing() models.PricingTable {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pricing.Clone()
}

// priceLocked resolves the price for model, falling back to the configured default model.
func (l *Ledger) priceLocked(model string) models.ModelPricing {
	if p, ok := l.pricing[model]; ok {
		return p
	}
	if p, ok := l.pricing[l.cfg.DefaultModel]; ok {
		return p
	}
	p, _ := l.pricing.Lookup(model)
	return p
}

// EstimateCost prices a token count without recording anything.
func (l *Ledger) EstimateCost(model string, tokensIn, tokensOut int) float64 {
	l.mu.RLock()
	p := l.priceLocked(model)
	l.mu.RUnlock()
	return computeCost(p, tokensIn, tokensOut)
}

func computeCost(p models.ModelPricing, tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1000*p.InputPer1K + float64(tokensOut)/1000*p.OutputPer1K
}

// TrackCost records ev and returns its cost. Cached events cost nothing.
func (l *Ledger) TrackCost(ev Event) float64 {
	if ev.TokensInput < 0 {
		ev.TokensInput = 0
	}
	if ev.TokensOutput < 0 {
		ev.TokensOutput = 0
	}
	if !ev.Complexity.Valid() {
		ev.Complexity = models.ComplexityMedium
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	l.mu.Lock()
	var cost float64
	if !ev.Cached {
		cost = computeCost(l.priceLocked(ev.Model), ev.TokensInput, ev.TokensOutput)
	}
	l.seq++
	rec := Record{
		Seq:          l.seq,
		Timestamp:    ts,
		UserID:       copyUserID(ev.UserID),
		Endpoint:     ev.Endpoint,
		Model:        ev.Model,
		TokensInput:  ev.TokensInput,
		TokensOutput: ev.TokensOutput,
		Cost:         cost,
		Complexity:   ev.Complexity,
		Cached:       ev.Cached,
	}
	l.records = append(l.records, rec)
	l.mu.Unlock()

	l.dispatch(rec)
	return cost
}

func (l *Ledger) dispatch(rec Record) {
	for _, s := range l.sinks {
		l.wg.Add(1)
		go func(s Sink) {
			defer l.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			defer cancel()
			if err := s.RecordCost(ctx, rec); err != nil {
				l.logger.Warn("cost sink failed", "seq", rec.Seq, "error", err)
			}
		}(s)
	}
}

// Flush waits for in-flight sink deliveries.
func (l *Ledger) Flush() {
	l.wg.Wait()
}

// Prune drops records older than the retention window and returns how many were removed.
// The log is compacted in place, pruneBatch records per critical section.
func (l *Ledger) Prune() int {
	l.pruneMu.Lock()
	defer l.pruneMu.Unlock()

	cutoff := l.retentionCutoff(l.now())
	removed := 0
	for {
		n, done := l.compactBatch(cutoff)
		removed += n
		if done {
			return removed
		}
	}
}

// compactBatch moves the next pruneBatch records past the hole, dropping
// expired ones, and closes the hole once the end of the log is reached.
func (l *Ledger) compactBatch(cutoff time.Time) (removed int, done bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	end := min(l.holeHi+pruneBatch, len(l.records))
	for i := l.holeHi; i < end; i++ {
		r := l.records[i]
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		l.records[l.holeLo] = r
		l.holeLo++
	}
	l.holeHi = end
	if end < len(l.records) {
		return removed, false
	}
	clear(l.records[l.holeLo:])
	l.records = l.records[:l.holeLo]
	l.holeLo, l.holeHi = 0, 0
	return removed, true
}

// liveLocked returns the stored records outside the compaction hole, in
// insertion order. Callers hold l.mu.
func (l *Ledger) liveLocked() [2][]Record {
	return [2][]Record{l.records[:l.holeLo], l.records[l.holeHi:]}
}

// Records returns a copy of the retained records in insertion order.
func (l *Ledger) Records() []Record {
	cutoff := l.retentionCutoff(l.now())

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, len(l.records))
	for _, part := range l.liveLocked() {
		for _, r := range part {
			if !r.Timestamp.Before(cutoff) {
				out = append(out, r)
			}
		}
	}
	return out
}

// Len returns the number of stored records, including any awaiting Prune.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records) - (l.holeHi - l.holeLo)
}

func (l *Ledger) retentionCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -l.cfg.RetentionDays)
}

// since returns retained records at or after t.
func (l *Ledger) since(t time.Time) []Record {
	cutoff := l.retentionCutoff(l.now())
	if t.Before(cutoff) {
		t = cutoff
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, part := range l.liveLocked() {
		for _, r := range part {
			if !r.Timestamp.Before(t) {
				out = append(out, r)
			}
		}
	}
	return out
}

func copyUserID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

func sumCost(records []Record) float64 {
	var total float64
	for _, r := range records {
		total += r.Cost
	}
	return total
}

func percentage(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return part / total * 100
}
