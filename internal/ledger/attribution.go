package ledger

import (
	"sort"
	"strings"
	"time"
)

const (
	defaultAttributionDays = 30
	topUserLimit           = 10
)

// ModelUsage aggregates calls and cost for one model.
type ModelUsage struct {
	Count int     `json:"count"`
	Cost  float64 `json:"cost"`
}

// TimePeriod is a closed time range.
type TimePeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// UserAttribution is the spend of one user over a window.
type UserAttribution struct {
	UserID              int64                 `json:"user_id"`
	TotalCost           float64               `json:"total_cost"`
	QueryCount          int                   `json:"query_count"`
	AverageCostPerQuery float64               `json:"average_cost_per_query"`
	ModelBreakdown      map[string]ModelUsage `json:"model_breakdown"`
	TimePeriod          TimePeriod            `json:"time_period"`
}

// UserShare is one user's part of a total.
type UserShare struct {
	UserID     int64   `json:"user_id"`
	Cost       float64 `json:"cost"`
	Percentage float64 `json:"percentage"`
}

// FeatureAttribution is the spend of one endpoint over a window.
type FeatureAttribution struct {
	FeatureName string      `json:"feature_name"`
	Endpoint    string      `json:"endpoint"`
	TotalCost   float64     `json:"total_cost"`
	QueryCount  int         `json:"query_count"`
	TopUsers    []UserShare `json:"top_users"`
}

// UserCostAttribution sums the spend of userID over the last days (30 when days <= 0).
func (l *Ledger) UserCostAttribution(userID int64, days int) UserAttribution {
	if days <= 0 {
		days = defaultAttributionDays
	}
	now := l.now()
	start := now.AddDate(0, 0, -days)

	out := UserAttribution{
		UserID:         userID,
		ModelBreakdown: make(map[string]ModelUsage),
		TimePeriod:     TimePeriod{Start: start, End: now},
	}
	for _, r := range l.since(start) {
		if r.UserID == nil || *r.UserID != userID {
			continue
		}
		out.TotalCost += r.Cost
		out.QueryCount++
		mu := out.ModelBreakdown[r.Model]
		mu.Count++
		mu.Cost += r.Cost
		out.ModelBreakdown[r.Model] = mu
	}
	if out.QueryCount > 0 {
		out.AverageCostPerQuery = out.TotalCost / float64(out.QueryCount)
	}
	return out
}

// FeatureCostAttribution sums the spend on endpoint over the last days and
// lists its ten most expensive users.
func (l *Ledger) FeatureCostAttribution(endpoint string, days int) FeatureAttribution {
	if days <= 0 {
		days = defaultAttributionDays
	}
	start := l.now().AddDate(0, 0, -days)

	out := FeatureAttribution{
		FeatureName: featureName(endpoint),
		Endpoint:    endpoint,
	}
	var matched []Record
	for _, r := range l.since(start) {
		if r.Endpoint != endpoint {
			continue
		}
		matched = append(matched, r)
		out.TotalCost += r.Cost
		out.QueryCount++
	}
	out.TopUsers = topUsers(matched, out.TotalCost, topUserLimit)
	return out
}

// featureName is the last non-empty path segment of endpoint.
func featureName(endpoint string) string {
	trimmed := strings.TrimRight(endpoint, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if trimmed == "" {
		return endpoint
	}
	return trimmed
}

func topUsers(records []Record, total float64, limit int) []UserShare {
	costs := make(map[int64]float64)
	for _, r := range records {
		if r.UserID == nil {
			continue
		}
		costs[*r.UserID] += r.Cost
	}

	shares := make([]UserShare, 0, len(costs))
	for id, c := range costs {
		shares = append(shares, UserShare{UserID: id, Cost: c, Percentage: percentage(c, total)})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Cost != shares[j].Cost {
			return shares[i].Cost > shares[j].Cost
		}
		return shares[i].UserID < shares[j].UserID
	})
	if len(shares) > limit {
		shares = shares[:limit]
	}
	return shares
}
