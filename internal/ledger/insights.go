package ledger

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// InsightType categorizes the kind of insight generated.
type InsightType string

const (
	InsightCostSpike     InsightType = "cost_spike"
	InsightModelSwitch   InsightType = "model_switch"
	InsightBudgetWarning InsightType = "budget_warning"
)

// Severity indicates the urgency of an insight.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	spikeLookbackDays = 14
	spikeWindowDays   = 7
	spikeFactor       = 2.0
	criticalSpike     = 5.0
	maxSpikeInsights  = 20

	switchWindowDays = 7
	// Models with less spend than this over the switch window are not worth a recommendation.
	minSwitchSpend = 1.0
)

// cheaperAlternatives maps a model to the next cheaper model of similar capability.
var cheaperAlternatives = map[string]string{
	"claude-sonnet-4.5": "gpt-4o",
	"gpt-4o":            "gpt-4o-mini",
	"gemini-2.5-pro":    "gemini-2.5-flash",
}

// Insight is an actionable recommendation or alert.
type Insight struct {
	ID              string      `json:"id"`
	Type            InsightType `json:"type"`
	Severity        Severity    `json:"severity"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	EstimatedSaving float64     `json:"estimated_saving"`
	AffectedEntity  string      `json:"affected_entity"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Insights returns cost spikes, model switch recommendations and budget
// warnings derived from the retained records.
func (l *Ledger) Insights() []Insight {
	now := l.now()
	out := l.detectSpikes(now)
	out = append(out, l.recommendModelSwitches(now)...)

	for _, a := range l.alertsAt(now, l.forecastAt(now)) {
		sev := SeverityWarning
		if a.AlertType != AlertWarning {
			sev = SeverityCritical
		}
		out = append(out, Insight{
			ID:       fmt.Sprintf("budget-%s-%s", a.TimePeriod, now.Format("2006-01-02")),
			Type:     InsightBudgetWarning,
			Severity: sev,
			Title:    fmt.Sprintf("%s budget %s", a.TimePeriod, a.AlertType),
			Description: fmt.Sprintf(
				"Spend of $%.2f is %.1f%% of the $%.2f %s budget.",
				a.CurrentSpend, a.PercentageUsed, a.BudgetLimit, a.TimePeriod,
			),
			AffectedEntity: a.TimePeriod,
			CreatedAt:      now,
		})
	}
	return out
}

// detectSpikes flags endpoint-days whose cost exceeds twice the mean of the
// preceding seven days that had spend.
func (l *Ledger) detectSpikes(now time.Time) []Insight {
	loc := now.Location()
	byEndpoint := make(map[string]map[string]float64)
	for _, r := range l.since(startOfDay(now).AddDate(0, 0, -spikeLookbackDays)) {
		day := r.Timestamp.In(loc).Format("2006-01-02")
		if byEndpoint[r.Endpoint] == nil {
			byEndpoint[r.Endpoint] = make(map[string]float64)
		}
		byEndpoint[r.Endpoint][day] += r.Cost
	}

	type spike struct {
		endpoint string
		day      time.Time
		cost     float64
		avg      float64
	}
	var spikes []spike
	for endpoint, days := range byEndpoint {
		keys := make([]string, 0, len(days))
		for d := range days {
			keys = append(keys, d)
		}
		sort.Strings(keys)

		for i, key := range keys {
			day, err := time.ParseInLocation("2006-01-02", key, loc)
			if err != nil {
				continue
			}
			windowStart := day.AddDate(0, 0, -spikeWindowDays)
			var sum float64
			var n int
			for _, prev := range keys[:i] {
				pd, err := time.ParseInLocation("2006-01-02", prev, loc)
				if err != nil || pd.Before(windowStart) {
					continue
				}
				sum += days[prev]
				n++
			}
			if n == 0 {
				continue
			}
			avg := sum / float64(n)
			if avg > 0 && days[key] > avg*spikeFactor {
				spikes = append(spikes, spike{endpoint: endpoint, day: day, cost: days[key], avg: avg})
			}
		}
	}

	sort.Slice(spikes, func(i, j int) bool {
		if !spikes[i].day.Equal(spikes[j].day) {
			return spikes[i].day.After(spikes[j].day)
		}
		return spikes[i].endpoint < spikes[j].endpoint
	})
	if len(spikes) > maxSpikeInsights {
		spikes = spikes[:maxSpikeInsights]
	}

	insights := make([]Insight, 0, len(spikes))
	for _, s := range spikes {
		multiple := s.cost / s.avg
		severity := SeverityWarning
		if multiple >= criticalSpike {
			severity = SeverityCritical
		}
		insights = append(insights, Insight{
			ID:       fmt.Sprintf("spike-%s-%s", s.endpoint, s.day.Format("2006-01-02")),
			Type:     InsightCostSpike,
			Severity: severity,
			Title:    fmt.Sprintf("Cost spike detected for %s", s.endpoint),
			Description: fmt.Sprintf(
				"On %s, %s spent $%.4f, which is %.1fx the 7-day rolling average of $%.4f.",
				s.day.Format("Jan 2"), s.endpoint, s.cost, multiple, s.avg,
			),
			EstimatedSaving: s.cost - s.avg,
			AffectedEntity:  s.endpoint,
			CreatedAt:       now,
		})
	}
	return insights
}

// recommendModelSwitches prices last week's traffic on each premium model at
// its cheaper alternative.
func (l *Ledger) recommendModelSwitches(now time.Time) []Insight {
	type usage struct {
		requests  int
		cost      float64
		tokensIn  int
		tokensOut int
	}
	byModel := make(map[string]*usage)
	for _, r := range l.since(now.AddDate(0, 0, -switchWindowDays)) {
		if r.Cached {
			continue
		}
		u := byModel[r.Model]
		if u == nil {
			u = &usage{}
			byModel[r.Model] = u
		}
		u.requests++
		u.cost += r.Cost
		u.tokensIn += r.TokensInput
		u.tokensOut += r.TokensOutput
	}

	modelNames := make([]string, 0, len(byModel))
	for m := range byModel {
		modelNames = append(modelNames, m)
	}
	sort.Slice(modelNames, func(i, j int) bool {
		return byModel[modelNames[i]].cost > byModel[modelNames[j]].cost
	})

	var insights []Insight
	for _, model := range modelNames {
		u := byModel[model]
		cheaper, ok := cheaperAlternatives[model]
		if !ok || u.cost <= minSwitchSpend {
			continue
		}
		alt := l.EstimateCost(cheaper, u.tokensIn, u.tokensOut)
		saving := u.cost - alt
		if saving <= 0 {
			continue
		}
		avgInput := float64(u.tokensIn) / float64(u.requests)
		insights = append(insights, Insight{
			ID:       fmt.Sprintf("switch-%s", model),
			Type:     InsightModelSwitch,
			Severity: SeverityInfo,
			Title:    fmt.Sprintf("Consider switching %s to %s", model, cheaper),
			Description: fmt.Sprintf(
				"You spent $%.2f on %s (%d requests, avg %.0f input tokens). "+
					"Switching to %s for simpler queries could save ~$%.2f/week.",
				u.cost, model, u.requests, avgInput, cheaper, saving,
			),
			EstimatedSaving: math.Round(saving*100) / 100,
			AffectedEntity:  model,
			CreatedAt:       now,
		})
	}
	return insights
}
