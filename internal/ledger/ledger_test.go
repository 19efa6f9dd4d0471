package ledger

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/models"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func userID(id int64) *int64 { return &id }

// dollarLedger prices "unit-model" at exactly $1 per 1K input tokens.
func dollarLedger(opts ...Option) *Ledger {
	pricing := models.PricingTable{
		"unit-model": {Provider: models.ProviderOpenAI, Model: "unit-model", InputPer1K: 1.0},
	}
	base := []Option{WithClock(func() time.Time { return testNow }), WithPricing(pricing)}
	return New(Config{DefaultModel: "unit-model"}, append(base, opts...)...)
}

func TestTrackCostComputesCost(t *testing.T) {
	l := New(DefaultConfig(), WithClock(func() time.Time { return testNow }))

	tests := []struct {
		name  string
		event Event
		want  float64
	}{
		{"gpt-4o", Event{Model: "gpt-4o", TokensInput: 1000, TokensOutput: 1000}, 0.0125},
		{"claude", Event{Model: "claude-sonnet-4.5", TokensInput: 2000, TokensOutput: 500}, 0.0135},
		{"unknown model priced as gpt-4o", Event{Model: "mystery-1", TokensInput: 1000, TokensOutput: 1000}, 0.0125},
		{"cached is free", Event{Model: "gpt-4o", TokensInput: 1000, TokensOutput: 1000, Cached: true}, 0},
		{"negative tokens clamp", Event{Model: "gpt-4o", TokensInput: -5, TokensOutput: 1000}, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.TrackCost(tt.event)
			if !approx(got, tt.want) {
				t.Errorf("TrackCost() = %f, want %f", got, tt.want)
			}
		})
	}

	if got := l.Len(); got != len(tests) {
		t.Errorf("expected %d records, got %d", len(tests), got)
	}
}

func TestTrackCostIsDeterministic(t *testing.T) {
	l := New(DefaultConfig(), WithClock(func() time.Time { return testNow }))
	ev := Event{Model: "gemini-2.5-pro", TokensInput: 1234, TokensOutput: 567}
	first := l.TrackCost(ev)
	second := l.TrackCost(ev)
	if first != second {
		t.Errorf("same event costed differently: %f vs %f", first, second)
	}
}

func TestRecordsAreOrderedAndDefaulted(t *testing.T) {
	l := dollarLedger()
	l.TrackCost(Event{Model: "unit-model", TokensInput: 1000, Complexity: "bogus"})
	l.TrackCost(Event{Model: "unit-model", TokensInput: 1000, Complexity: models.ComplexityHigh})

	recs := l.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Seq != 1 || recs[1].Seq != 2 {
		t.Errorf("unexpected sequence numbers %d, %d", recs[0].Seq, recs[1].Seq)
	}
	if recs[0].Complexity != models.ComplexityMedium {
		t.Errorf("expected invalid complexity to default to medium, got %q", recs[0].Complexity)
	}
	if !recs[0].Timestamp.Equal(testNow) {
		t.Errorf("expected ledger clock timestamp, got %v", recs[0].Timestamp)
	}
}

func TestDailyBudgetAlertBoundaries(t *testing.T) {
	tests := []struct {
		tokens int
		want   AlertType
	}{
		{74000, ""},
		{75000, AlertWarning},
		{89000, AlertWarning},
		{90000, AlertCritical},
		{99000, AlertCritical},
		{100000, AlertExceeded},
		{150000, AlertExceeded},
	}

	for _, tt := range tests {
		l := dollarLedger()
		l.TrackCost(Event{Endpoint: "/chat", Model: "unit-model", TokensInput: tt.tokens})

		var daily *BudgetAlert
		for _, a := range l.BudgetAlerts() {
			if a.TimePeriod == PeriodDaily {
				a := a
				daily = &a
			}
		}

		if tt.want == "" {
			if daily != nil {
				t.Errorf("tokens=%d: expected no daily alert, got %s", tt.tokens, daily.AlertType)
			}
			continue
		}
		if daily == nil {
			t.Errorf("tokens=%d: expected %s daily alert, got none", tt.tokens, tt.want)
			continue
		}
		if daily.AlertType != tt.want {
			t.Errorf("tokens=%d: expected %s, got %s", tt.tokens, tt.want, daily.AlertType)
		}
		if daily.BudgetLimit != 100 {
			t.Errorf("expected budget limit 100, got %f", daily.BudgetLimit)
		}
		if len(daily.TopCostDrivers) != 1 || daily.TopCostDrivers[0].Category != "unit-model" {
			t.Errorf("unexpected cost drivers %+v", daily.TopCostDrivers)
		}
	}
}

func TestMonthlyProjectionAlerts(t *testing.T) {
	tests := []struct {
		dailyTokens int
		want        AlertType
	}{
		{80000, ""},             // $2400 projected, 80%
		{90000, AlertWarning},   // $2700 projected, 90%
		{100000, AlertCritical}, // $3000 projected, 100%
	}
	for _, tt := range tests {
		l := dollarLedger()
		l.TrackCost(Event{Model: "unit-model", TokensInput: tt.dailyTokens})

		var got AlertType
		for _, a := range l.BudgetAlerts() {
			if a.TimePeriod == PeriodMonthlyProjected {
				got = a.AlertType
			}
		}
		if got != tt.want {
			t.Errorf("daily tokens %d: expected monthly alert %q, got %q", tt.dailyTokens, tt.want, got)
		}
	}
}

func TestCostForecast(t *testing.T) {
	l := dollarLedger()
	for i, tokens := range []int{10000, 20000, 30000} {
		ts := testNow.AddDate(0, 0, i-2)
		l.TrackCost(Event{Model: "unit-model", TokensInput: tokens, Timestamp: ts})
	}

	fc := l.CostForecast()
	if !approx(fc.CurrentDailyRate, 30) {
		t.Errorf("expected current daily rate 30, got %f", fc.CurrentDailyRate)
	}
	if !approx(fc.AverageDailyCost, 20) {
		t.Errorf("expected average daily cost 20, got %f", fc.AverageDailyCost)
	}
	if !approx(fc.ProjectedMonthlyCost, 600) {
		t.Errorf("expected projected monthly 600, got %f", fc.ProjectedMonthlyCost)
	}
	if !approx(fc.ProjectedAnnualCost, 7300) {
		t.Errorf("expected projected annual 7300, got %f", fc.ProjectedAnnualCost)
	}
	ci := fc.ConfidenceInterval
	if !approx(ci.Low, 480) || !approx(ci.Mid, 600) || !approx(ci.High, 720) {
		t.Errorf("unexpected confidence interval %+v", ci)
	}
	if fc.Trend != TrendStable {
		t.Errorf("expected stable trend with three days, got %s", fc.Trend)
	}
}

func TestForecastIgnoresRecordsOutsideWeek(t *testing.T) {
	l := dollarLedger()
	l.TrackCost(Event{Model: "unit-model", TokensInput: 500000, Timestamp: testNow.AddDate(0, 0, -10)})
	l.TrackCost(Event{Model: "unit-model", TokensInput: 10000})

	if got := l.CostForecast().AverageDailyCost; !approx(got, 10) {
		t.Errorf("expected average 10 from the last week only, got %f", got)
	}
}

func TestForecastTrend(t *testing.T) {
	tests := []struct {
		name  string
		costs []int
		want  Trend
	}{
		{"increasing", []int{1000, 1000, 1000, 5000, 5000, 5000}, TrendIncreasing},
		{"decreasing", []int{5000, 5000, 5000, 1000, 1000, 1000}, TrendDecreasing},
		{"within ten percent", []int{1000, 1000, 1000, 1050, 1050, 1050}, TrendStable},
		{"empty", nil, TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := dollarLedger()
			for i, tokens := range tt.costs {
				ts := testNow.AddDate(0, 0, i-len(tt.costs)+1)
				l.TrackCost(Event{Model: "unit-model", TokensInput: tokens, Timestamp: ts})
			}
			if got := l.CostForecast().Trend; got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestUserCostAttribution(t *testing.T) {
	l := dollarLedger()
	l.TrackCost(Event{UserID: userID(7), Endpoint: "/chat", Model: "unit-model", TokensInput: 2000})
	l.TrackCost(Event{UserID: userID(7), Endpoint: "/chat", Model: "gpt-4o", TokensInput: 1000, Cached: true})
	l.TrackCost(Event{UserID: userID(7), Endpoint: "/chat", Model: "unit-model", TokensInput: 1000})
	l.TrackCost(Event{UserID: userID(8), Endpoint: "/chat", Model: "unit-model", TokensInput: 5000})
	l.TrackCost(Event{UserID: userID(7), Model: "unit-model", TokensInput: 9000, Timestamp: testNow.AddDate(0, 0, -10)})

	got := l.UserCostAttribution(7, 7)
	if got.QueryCount != 3 {
		t.Errorf("expected 3 queries in window, got %d", got.QueryCount)
	}
	if !approx(got.TotalCost, 3) {
		t.Errorf("expected total 3, got %f", got.TotalCost)
	}
	if !approx(got.AverageCostPerQuery, 1) {
		t.Errorf("expected average 1, got %f", got.AverageCostPerQuery)
	}
	if mu := got.ModelBreakdown["unit-model"]; mu.Count != 2 || !approx(mu.Cost, 3) {
		t.Errorf("unexpected unit-model breakdown %+v", mu)
	}
	if mu := got.ModelBreakdown["gpt-4o"]; mu.Count != 1 || mu.Cost != 0 {
		t.Errorf("unexpected gpt-4o breakdown %+v", mu)
	}

	if all := l.UserCostAttribution(7, 0); all.QueryCount != 4 {
		t.Errorf("expected default 30-day window to include 4 queries, got %d", all.QueryCount)
	}
}

func TestFeatureCostAttribution(t *testing.T) {
	l := dollarLedger()
	for id := int64(1); id <= 12; id++ {
		l.TrackCost(Event{UserID: userID(id), Endpoint: "/api/v1/chat", Model: "unit-model", TokensInput: int(id) * 1000})
	}
	l.TrackCost(Event{Endpoint: "/api/v1/chat", Model: "unit-model", TokensInput: 1000})
	l.TrackCost(Event{UserID: userID(1), Endpoint: "/api/v1/search", Model: "unit-model", TokensInput: 1000})

	got := l.FeatureCostAttribution("/api/v1/chat", 30)
	if got.FeatureName != "chat" {
		t.Errorf("expected feature name chat, got %q", got.FeatureName)
	}
	if got.QueryCount != 13 {
		t.Errorf("expected 13 queries, got %d", got.QueryCount)
	}
	if !approx(got.TotalCost, 79) {
		t.Errorf("expected total 79, got %f", got.TotalCost)
	}
	if len(got.TopUsers) != 10 {
		t.Fatalf("expected top 10 users, got %d", len(got.TopUsers))
	}
	if got.TopUsers[0].UserID != 12 || !approx(got.TopUsers[0].Cost, 12) {
		t.Errorf("expected user 12 first, got %+v", got.TopUsers[0])
	}
	if !approx(got.TopUsers[0].Percentage, 12.0/79*100) {
		t.Errorf("unexpected percentage %f", got.TopUsers[0].Percentage)
	}
	for i := 1; i < len(got.TopUsers); i++ {
		if got.TopUsers[i].Cost > got.TopUsers[i-1].Cost {
			t.Errorf("top users not sorted at %d", i)
		}
	}
}

func TestFeatureName(t *testing.T) {
	tests := map[string]string{
		"/api/v1/chat":  "chat",
		"/api/v1/chat/": "chat",
		"search":        "search",
		"/":             "/",
		"":              "",
	}
	for in, want := range tests {
		if got := featureName(in); got != want {
			t.Errorf("featureName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPruneDropsExpiredRecords(t *testing.T) {
	l := dollarLedger()
	l.TrackCost(Event{Model: "unit-model", TokensInput: 1000, Timestamp: testNow.AddDate(0, 0, -31)})
	l.TrackCost(Event{Model: "unit-model", TokensInput: 1000, Timestamp: testNow.AddDate(0, 0, -29)})
	l.TrackCost(Event{Model: "unit-model", TokensInput: 1000})

	if got := len(l.Records()); got != 2 {
		t.Errorf("expected expired record hidden from Records, got %d", got)
	}
	if removed := l.Prune(); removed != 1 {
		t.Errorf("expected 1 pruned record, got %d", removed)
	}
	if l.Len() != 2 {
		t.Errorf("expected 2 records after prune, got %d", l.Len())
	}
	if removed := l.Prune(); removed != 0 {
		t.Errorf("expected second prune to be a no-op, got %d", removed)
	}
}

func TestPruneRunsAlongsideTrackCost(t *testing.T) {
	l := dollarLedger()
	const expired, fresh, writers, perWriter = 3 * pruneBatch, 2 * pruneBatch, 4, 200
	for i := 0; i < expired+fresh; i++ {
		ts := testNow
		if i%5 < 3 {
			ts = testNow.AddDate(0, 0, -40)
		}
		l.TrackCost(Event{Model: "unit-model", TokensInput: 1000, Timestamp: ts})
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.TrackCost(Event{Model: "unit-model", TokensInput: 1000})
			}
		}()
	}
	removed := l.Prune()
	wg.Wait()
	removed += l.Prune()

	if removed != expired {
		t.Errorf("expected %d pruned records, got %d", expired, removed)
	}
	want := fresh + writers*perWriter
	if l.Len() != want {
		t.Errorf("expected %d records after prune, got %d", want, l.Len())
	}
	recs := l.Records()
	if len(recs) != want {
		t.Fatalf("expected %d visible records, got %d", want, len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq <= recs[i-1].Seq {
			t.Fatalf("records out of insertion order at %d: seq %d after %d", i, recs[i].Seq, recs[i-1].Seq)
		}
	}
}

func TestSinkReceivesRecords(t *testing.T) {
	got := make(chan Record, 1)
	sink := SinkFunc(func(_ context.Context, r Record) error {
		got <- r
		return nil
	})
	l := dollarLedger(WithSink(sink))
	l.TrackCost(Event{Endpoint: "/chat", Model: "unit-model", TokensInput: 3000})
	l.Flush()

	select {
	case r := <-got:
		if !approx(r.Cost, 3) || r.Endpoint != "/chat" {
			t.Errorf("unexpected record %+v", r)
		}
	default:
		t.Fatal("sink was not called")
	}
}

func TestFinOpsSummary(t *testing.T) {
	l := dollarLedger()
	l.TrackCost(Event{UserID: userID(1), Endpoint: "/chat", Model: "unit-model", TokensInput: 5000})
	l.TrackCost(Event{UserID: userID(2), Endpoint: "/search", Model: "unit-model", TokensInput: 2000, Timestamp: testNow.AddDate(0, 0, -3)})
	l.TrackCost(Event{UserID: userID(1), Endpoint: "/chat", Model: "gpt-4o", TokensInput: 1000, Cached: true})
	// Last month, inside retention.
	l.TrackCost(Event{UserID: userID(3), Endpoint: "/chat", Model: "unit-model", TokensInput: 9000, Timestamp: testNow.AddDate(0, 0, -20)})

	s := l.FinOpsSummary()
	if !approx(s.TotalCostToday, 5) {
		t.Errorf("expected today 5, got %f", s.TotalCostToday)
	}
	if !approx(s.TotalCostThisMonth, 7) {
		t.Errorf("expected month 7, got %f", s.TotalCostThisMonth)
	}
	if s.QueriesToday != 2 || s.CachedQueriesToday != 1 || s.QueriesThisMonth != 3 {
		t.Errorf("unexpected counts today=%d cached=%d month=%d", s.QueriesToday, s.CachedQueriesToday, s.QueriesThisMonth)
	}
	if len(s.CostByModel) != 2 || s.CostByModel[0].Model != "unit-model" {
		t.Errorf("unexpected cost by model %+v", s.CostByModel)
	}
	if len(s.CostByFeature) != 2 || s.CostByFeature[0].Feature != "/chat" || !approx(s.CostByFeature[0].Percentage, 5.0/7*100) {
		t.Errorf("unexpected cost by feature %+v", s.CostByFeature)
	}
	if len(s.CostByUser) != 2 || s.CostByUser[0].UserID != 1 {
		t.Errorf("unexpected cost by user %+v", s.CostByUser)
	}
	if len(s.Alerts) != 0 {
		t.Errorf("expected no alerts, got %+v", s.Alerts)
	}
}

func TestInsightsDetectsSpike(t *testing.T) {
	tests := []struct {
		todayTokens int
		want        Severity
	}{
		{1500, ""},
		{3000, SeverityWarning},
		{6000, SeverityCritical},
	}
	for _, tt := range tests {
		l := dollarLedger()
		for d := 7; d >= 1; d-- {
			l.TrackCost(Event{Endpoint: "/chat", Model: "unit-model", TokensInput: 1000, Timestamp: testNow.AddDate(0, 0, -d)})
		}
		l.TrackCost(Event{Endpoint: "/chat", Model: "unit-model", TokensInput: tt.todayTokens})

		var spikes []Insight
		for _, in := range l.Insights() {
			if in.Type == InsightCostSpike {
				spikes = append(spikes, in)
			}
		}
		if tt.want == "" {
			if len(spikes) != 0 {
				t.Errorf("today=%d: expected no spike, got %+v", tt.todayTokens, spikes)
			}
			continue
		}
		if len(spikes) != 1 {
			t.Fatalf("today=%d: expected 1 spike, got %d", tt.todayTokens, len(spikes))
		}
		if spikes[0].Severity != tt.want {
			t.Errorf("today=%d: expected severity %s, got %s", tt.todayTokens, tt.want, spikes[0].Severity)
		}
		if spikes[0].AffectedEntity != "/chat" {
			t.Errorf("unexpected affected entity %q", spikes[0].AffectedEntity)
		}
	}
}

func TestInsightsRecommendsCheaperModel(t *testing.T) {
	l := New(DefaultConfig(), WithClock(func() time.Time { return testNow }))
	for i := 0; i < 5; i++ {
		l.TrackCost(Event{Endpoint: "/chat", Model: "claude-sonnet-4.5", TokensInput: 100000, TokensOutput: 10000})
	}
	// Below the spend floor.
	l.TrackCost(Event{Endpoint: "/chat", Model: "gemini-2.5-pro", TokensInput: 1000, TokensOutput: 1000})

	var switches []Insight
	for _, in := range l.Insights() {
		if in.Type == InsightModelSwitch {
			switches = append(switches, in)
		}
	}
	if len(switches) != 1 {
		t.Fatalf("expected 1 switch recommendation, got %d", len(switches))
	}
	if switches[0].AffectedEntity != "claude-sonnet-4.5" {
		t.Errorf("unexpected model %q", switches[0].AffectedEntity)
	}
	// 5 * (0.45 - 0.35)
	if !approx(switches[0].EstimatedSaving, 0.5) {
		t.Errorf("expected saving 0.5, got %f", switches[0].EstimatedSaving)
	}
}
