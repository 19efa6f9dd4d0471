package ledger

import (
	"sort"
	"time"
)

// Trend is the direction of recent daily spend.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// AlertType grades a budget alert.
type AlertType string

const (
	AlertWarning  AlertType = "warning"
	AlertCritical AlertType = "critical"
	AlertExceeded AlertType = "exceeded"
)

const (
	PeriodDaily            = "daily"
	PeriodMonthlyProjected = "monthly (projected)"

	forecastWindowDays = 7
	trendSampleDays    = 3
	topDriverLimit     = 5
)

// ConfidenceInterval brackets the monthly projection.
type ConfidenceInterval struct {
	Low  float64 `json:"low"`
	Mid  float64 `json:"mid"`
	High float64 `json:"high"`
}

// Forecast projects spend from the trailing week.
type Forecast struct {
	CurrentDailyRate     float64            `json:"current_daily_rate"`
	AverageDailyCost     float64            `json:"average_daily_cost"`
	ProjectedMonthlyCost float64            `json:"projected_monthly_cost"`
	ProjectedAnnualCost  float64            `json:"projected_annual_cost"`
	ConfidenceInterval   ConfidenceInterval `json:"confidence_interval"`
	Trend                Trend              `json:"trend"`
}

// CostDriver is a model's share of spend in an alert period.
type CostDriver struct {
	Category   string  `json:"category"`
	Amount     float64 `json:"amount"`
	Percentage float64 `json:"percentage"`
}

// BudgetAlert reports spend approaching or over a budget.
type BudgetAlert struct {
	AlertType      AlertType    `json:"alert_type"`
	CurrentSpend   float64      `json:"current_spend"`
	BudgetLimit    float64      `json:"budget_limit"`
	PercentageUsed float64      `json:"percentage_used"`
	TimePeriod     string       `json:"time_period"`
	TopCostDrivers []CostDriver `json:"top_cost_drivers"`
}

// ModelCost is a model's share of month-to-date spend.
type ModelCost struct {
	Model      string  `json:"model"`
	Cost       float64 `json:"cost"`
	Percentage float64 `json:"percentage"`
}

// FeatureCost is an endpoint's share of month-to-date spend.
type FeatureCost struct {
	Feature    string  `json:"feature"`
	Cost       float64 `json:"cost"`
	Percentage float64 `json:"percentage"`
}

// Summary is the FinOps overview.
type Summary struct {
	TotalCostToday     float64       `json:"total_cost_today"`
	TotalCostThisMonth float64       `json:"total_cost_this_month"`
	QueriesToday       int           `json:"queries_today"`
	CachedQueriesToday int           `json:"cached_queries_today"`
	QueriesThisMonth   int           `json:"queries_this_month"`
	CostByModel        []ModelCost   `json:"cost_by_model"`
	CostByUser         []UserShare   `json:"cost_by_user"`
	CostByFeature      []FeatureCost `json:"cost_by_feature"`
	Forecast           Forecast      `json:"forecast"`
	Alerts             []BudgetAlert `json:"alerts"`
	GeneratedAt        time.Time     `json:"generated_at"`
}

// CostForecast projects monthly and annual spend from the mean daily cost of
// the days with records in the trailing seven days.
func (l *Ledger) CostForecast() Forecast {
	now := l.now()
	return l.forecastAt(now)
}

func (l *Ledger) forecastAt(now time.Time) Forecast {
	today := sumCost(l.since(startOfDay(now)))

	daily := dailyTotals(l.since(now.AddDate(0, 0, -forecastWindowDays)), now.Location())
	var avg float64
	if len(daily) > 0 {
		var total float64
		for _, c := range daily {
			total += c
		}
		avg = total / float64(len(daily))
	}

	monthly := avg * 30
	return Forecast{
		CurrentDailyRate:     today,
		AverageDailyCost:     avg,
		ProjectedMonthlyCost: monthly,
		ProjectedAnnualCost:  avg * 365,
		ConfidenceInterval: ConfidenceInterval{
			Low:  monthly * 0.8,
			Mid:  monthly,
			High: monthly * 1.2,
		},
		Trend: trendOf(daily),
	}
}

// dailyTotals sums cost per calendar day, ordered oldest first.
func dailyTotals(records []Record, loc *time.Location) []float64 {
	byDay := make(map[string]float64)
	for _, r := range records {
		byDay[r.Timestamp.In(loc).Format("2006-01-02")] += r.Cost
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	out := make([]float64, len(days))
	for i, d := range days {
		out[i] = byDay[d]
	}
	return out
}

// trendOf compares the mean of the latest three days against the earliest three.
func trendOf(daily []float64) Trend {
	if len(daily) < 2 {
		return TrendStable
	}
	n := trendSampleDays
	if len(daily) < n {
		n = len(daily)
	}
	first := mean(daily[:n])
	last := mean(daily[len(daily)-n:])

	switch {
	case last > first*1.1:
		return TrendIncreasing
	case last < first*0.9:
		return TrendDecreasing
	}
	return TrendStable
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// BudgetAlerts checks today's spend against the daily budget and the monthly
// projection against the monthly budget.
func (l *Ledger) BudgetAlerts() []BudgetAlert {
	return l.alertsAt(l.now(), l.forecastAt(l.now()))
}

func (l *Ledger) alertsAt(now time.Time, fc Forecast) []BudgetAlert {
	var alerts []BudgetAlert

	dayStart := startOfDay(now)
	todayCost := sumCost(l.since(dayStart))
	if pct := percentage(todayCost, l.cfg.DailyBudget); pct >= 75 {
		kind := AlertWarning
		switch {
		case pct >= 100:
			kind = AlertExceeded
		case pct >= 90:
			kind = AlertCritical
		}
		alerts = append(alerts, BudgetAlert{
			AlertType:      kind,
			CurrentSpend:   todayCost,
			BudgetLimit:    l.cfg.DailyBudget,
			PercentageUsed: pct,
			TimePeriod:     PeriodDaily,
			TopCostDrivers: l.topCostDrivers(dayStart),
		})
	}

	if pct := percentage(fc.ProjectedMonthlyCost, l.cfg.MonthlyBudget); pct >= 90 {
		kind := AlertWarning
		if pct >= 100 {
			kind = AlertCritical
		}
		alerts = append(alerts, BudgetAlert{
			AlertType:      kind,
			CurrentSpend:   fc.ProjectedMonthlyCost,
			BudgetLimit:    l.cfg.MonthlyBudget,
			PercentageUsed: pct,
			TimePeriod:     PeriodMonthlyProjected,
			TopCostDrivers: l.topCostDrivers(startOfMonth(now)),
		})
	}
	return alerts
}

func (l *Ledger) topCostDrivers(from time.Time) []CostDriver {
	records := l.since(from)
	total := sumCost(records)
	byModel := make(map[string]float64)
	for _, r := range records {
		byModel[r.Model] += r.Cost
	}

	drivers := make([]CostDriver, 0, len(byModel))
	for m, c := range byModel {
		drivers = append(drivers, CostDriver{Category: m, Amount: c, Percentage: percentage(c, total)})
	}
	sort.Slice(drivers, func(i, j int) bool {
		if drivers[i].Amount != drivers[j].Amount {
			return drivers[i].Amount > drivers[j].Amount
		}
		return drivers[i].Category < drivers[j].Category
	})
	if len(drivers) > topDriverLimit {
		drivers = drivers[:topDriverLimit]
	}
	return drivers
}

// FinOpsSummary gathers today's and month-to-date spend, breakdowns, the
// forecast and active alerts.
func (l *Ledger) FinOpsSummary() Summary {
	now := l.now()
	dayStart := startOfDay(now)
	month := l.since(startOfMonth(now))

	s := Summary{GeneratedAt: now}
	for _, r := range month {
		s.TotalCostThisMonth += r.Cost
		s.QueriesThisMonth++
		if r.Timestamp.Before(dayStart) {
			continue
		}
		s.TotalCostToday += r.Cost
		s.QueriesToday++
		if r.Cached {
			s.CachedQueriesToday++
		}
	}

	byModel := make(map[string]float64)
	byFeature := make(map[string]float64)
	for _, r := range month {
		byModel[r.Model] += r.Cost
		byFeature[r.Endpoint] += r.Cost
	}
	for m, c := range byModel {
		s.CostByModel = append(s.CostByModel, ModelCost{Model: m, Cost: c, Percentage: percentage(c, s.TotalCostThisMonth)})
	}
	sort.Slice(s.CostByModel, func(i, j int) bool {
		if s.CostByModel[i].Cost != s.CostByModel[j].Cost {
			return s.CostByModel[i].Cost > s.CostByModel[j].Cost
		}
		return s.CostByModel[i].Model < s.CostByModel[j].Model
	})
	for f, c := range byFeature {
		s.CostByFeature = append(s.CostByFeature, FeatureCost{Feature: f, Cost: c, Percentage: percentage(c, s.TotalCostThisMonth)})
	}
	sort.Slice(s.CostByFeature, func(i, j int) bool {
		if s.CostByFeature[i].Cost != s.CostByFeature[j].Cost {
			return s.CostByFeature[i].Cost > s.CostByFeature[j].Cost
		}
		return s.CostByFeature[i].Feature < s.CostByFeature[j].Feature
	})
	s.CostByUser = topUsers(month, s.TotalCostThisMonth, topUserLimit)

	s.Forecast = l.forecastAt(now)
	s.Alerts = l.alertsAt(now, s.Forecast)
	return s
}
