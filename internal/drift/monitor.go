// Package drift detects distribution shift in numeric model metrics by
// comparing live samples against a fixed baseline with a two-sample KS test
// and the Population Stability Index.
package drift

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
)

// ErrEmptyBaseline is returned when a baseline has no usable samples.
var ErrEmptyBaseline = errors.New("drift: baseline has no finite samples")

// Interpretation buckets a PSI value.
type Interpretation string

const (
	NoChange          Interpretation = "no_change"
	SmallChange       Interpretation = "small_change"
	SignificantChange Interpretation = "significant_change"
)

// AlertLevel grades a drift report.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

const (
	psiSmall       = 0.1
	psiSignificant = 0.2
)

// Report is the result of one drift check.
type Report struct {
	FeatureName        string         `json:"feature_name"`
	KSStatistic        float64        `json:"ks_statistic"`
	KSPValue           float64        `json:"ks_p_value"`
	KSSignificant      bool           `json:"ks_significant"`
	PSIValue           float64        `json:"psi_value"`
	PSIInterpretation  Interpretation `json:"psi_interpretation"`
	AlertLevel         AlertLevel     `json:"alert_level"`
	Recommendation     string         `json:"recommendation"`
	BaselineSize       int            `json:"baseline_size"`
	CurrentSize        int            `json:"current_size"`
	OutOfRangeFraction float64        `json:"out_of_range_fraction"`
	CheckedAt          time.Time      `json:"checked_at"`
}

// Config holds detector settings.
type Config struct {
	BinCount   int
	KSAlpha    float64
	WindowSize int
}

// DefaultConfig returns 10 PSI bins, alpha 0.05 and a 1000-sample window.
func DefaultConfig() Config {
	return Config{BinCount: 10, KSAlpha: 0.05, WindowSize: 1000}
}

type feature struct {
	mu       sync.Mutex
	baseline []float64
	window   []float64
	next     int
	full     bool
	last     *Report
}

// snapshot returns the rolling window in arrival order.
func (f *feature) snapshot() []float64 {
	if !f.full {
		return append([]float64(nil), f.window[:f.next]...)
	}
	out := make([]float64, 0, len(f.window))
	out = append(out, f.window[f.next:]...)
	return append(out, f.window[:f.next]...)
}

// Monitor tracks baselines and rolling windows per feature.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	features map[string]*feature
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logging.OrDiscard(l) }
}

// New creates a Monitor. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.BinCount <= 0 {
		cfg.BinCount = def.BinCount
	}
	if cfg.KSAlpha <= 0 || cfg.KSAlpha >= 1 {
		cfg.KSAlpha = def.KSAlpha
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	m := &Monitor{
		cfg:      cfg,
		logger:   logging.Discard(),
		now:      time.Now,
		features: make(map[string]*feature),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) get(name string) *feature {
	m.mu.RLock()
	f := m.features[name]
	m.mu.RUnlock()
	return f
}

func (m *Monitor) getOrCreate(name string) *feature {
	if f := m.get(name); f != nil {
		return f
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.features[name]; ok {
		return f
	}
	f := &feature{window: make([]float64, m.cfg.WindowSize)}
	m.features[name] = f
	return f
}

// SetBaseline stores a copy of samples as the reference distribution for name,
// replacing any previous baseline. Non-finite values are dropped; the returned
// size counts the samples kept.
func (m *Monitor) SetBaseline(name string, samples []float64) (int, error) {
	clean := finiteSorted(samples)
	if len(clean) == 0 {
		return 0, fmt.Errorf("setting baseline for %q: %w", name, ErrEmptyBaseline)
	}
	f := m.getOrCreate(name)
	f.mu.Lock()
	f.baseline = clean
	f.mu.Unlock()

	m.logger.Info("drift baseline set", "feature", name, "samples", len(clean))
	return len(clean), nil
}

// HasBaseline reports whether name has a baseline.
func (m *Monitor) HasBaseline(name string) bool {
	f := m.get(name)
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.baseline) > 0
}

// Observe appends value to the rolling window of name, overwriting the oldest
// value once the window is full.
func (m *Monitor) Observe(name string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	f := m.getOrCreate(name)
	f.mu.Lock()
	f.window[f.next] = value
	f.next++
	if f.next == len(f.window) {
		f.next = 0
		f.full = true
	}
	f.mu.Unlock()
}

// CheckDrift compares current against the baseline of name. It returns nil
// when no baseline exists.
func (m *Monitor) CheckDrift(name string, current []float64) *Report {
	f := m.get(name)
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.baseline) == 0 {
		return nil
	}
	r := m.evaluate(name, f.baseline, current)
	f.last = &r
	return &r
}

// CheckCurrent compares the rolling window of name against its baseline.
func (m *Monitor) CheckCurrent(name string) *Report {
	f := m.get(name)
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.baseline) == 0 {
		return nil
	}
	r := m.evaluate(name, f.baseline, f.snapshot())
	f.last = &r
	return &r
}

// CheckAll checks every feature that has a baseline and at least one
// observation, ordered by feature name.
func (m *Monitor) CheckAll() []Report {
	var out []Report
	for _, name := range m.Features() {
		f := m.get(name)
		f.mu.Lock()
		if len(f.baseline) > 0 && (f.next > 0 || f.full) {
			r := m.evaluate(name, f.baseline, f.snapshot())
			f.last = &r
			out = append(out, r)
		}
		f.mu.Unlock()
	}
	return out
}

// Reports returns the latest report per feature, ordered by feature name.
func (m *Monitor) Reports() []Report {
	var out []Report
	for _, name := range m.Features() {
		f := m.get(name)
		f.mu.Lock()
		if f.last != nil {
			out = append(out, *f.last)
		}
		f.mu.Unlock()
	}
	return out
}

// Features lists known feature names in order.
func (m *Monitor) Features() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.features))
	for name := range m.features {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Monitor) evaluate(name string, baseline, current []float64) Report {
	cur := finiteSorted(current)
	r := Report{
		FeatureName:       name,
		BaselineSize:      len(baseline),
		CurrentSize:       len(cur),
		PSIInterpretation: NoChange,
		AlertLevel:        AlertNone,
		KSPValue:          1,
		CheckedAt:         m.now(),
	}
	if len(cur) == 0 {
		r.Recommendation = "No current samples to compare against the baseline."
		return r
	}

	ks := KolmogorovSmirnovTest(baseline, cur, m.cfg.KSAlpha)
	psi := CalculatePSI(baseline, cur, m.cfg.BinCount)

	r.KSStatistic = ks.Statistic
	r.KSPValue = ks.PValue
	r.KSSignificant = ks.Significant
	r.PSIValue = psi.Value
	r.OutOfRangeFraction = psi.OutOfRangeFraction
	r.PSIInterpretation = interpret(psi.Value)
	r.AlertLevel = alertLevel(ks.Significant, psi.Value)
	r.Recommendation = recommend(name, r)

	if r.AlertLevel != AlertNone {
		m.logger.Warn("drift detected",
			"feature", name,
			"alert_level", r.AlertLevel,
			"ks_statistic", r.KSStatistic,
			"psi", r.PSIValue,
		)
	}
	return r
}

func interpret(psi float64) Interpretation {
	switch {
	case psi < psiSmall:
		return NoChange
	case psi < psiSignificant:
		return SmallChange
	}
	return SignificantChange
}

func alertLevel(ksSignificant bool, psi float64) AlertLevel {
	switch {
	case ksSignificant || psi >= psiSignificant:
		return AlertCritical
	case psi >= psiSmall:
		return AlertWarning
	}
	return AlertNone
}

func recommend(name string, r Report) string {
	var msg string
	switch r.AlertLevel {
	case AlertCritical:
		msg = fmt.Sprintf("Significant drift in %s. Review recent model, prompt or traffic changes before re-baselining.", name)
	case AlertWarning:
		msg = fmt.Sprintf("Moderate drift in %s. Keep monitoring and compare against the next window.", name)
	default:
		msg = "No significant drift detected."
	}
	if r.OutOfRangeFraction > 0 {
		msg += fmt.Sprintf(" %.1f%% of current values fall outside the baseline range.", r.OutOfRangeFraction*100)
	}
	return msg
}
