package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/blackboard"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/drift"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
)

// Sweeper drops idle limiter state.
type Sweeper interface {
	Sweep() int
}

// Pruner drops cost records past retention.
type Pruner interface {
	Prune() int
}

// BoardCleaner expires blackboard messages and idles quiet agents.
type BoardCleaner interface {
	Cleanup(retention time.Duration) int
	MarkIdle(after time.Duration) int
}

// DriftChecker evaluates every monitored feature.
type DriftChecker interface {
	CheckAll() []drift.Report
}

// AlertPoster publishes drift alerts.
type AlertPoster interface {
	PostMessage(t blackboard.MessageType, role blackboard.AgentRole, content blackboard.Content, parentID string) (blackboard.Message, error)
}

// LimiterSweep removes full token buckets.
func LimiterSweep(l Sweeper, every time.Duration, logger *slog.Logger) Job {
	logger = logging.OrDiscard(logger)
	return Job{
		Name:     "limiter_sweep",
		Interval: every,
		Run: func(context.Context) error {
			if n := l.Sweep(); n > 0 {
				logger.Debug("swept idle buckets", "count", n)
			}
			return nil
		},
	}
}

// LedgerPrune drops in-memory cost records past retention, then runs any
// mirror pruners with the same cutoff.
func LedgerPrune(l Pruner, retentionDays int, every time.Duration, logger *slog.Logger, mirrors ...func(ctx context.Context, cutoff time.Time) (int64, error)) Job {
	logger = logging.OrDiscard(logger)
	return Job{
		Name:     "ledger_prune",
		Interval: every,
		Run: func(ctx context.Context) error {
			if n := l.Prune(); n > 0 {
				logger.Info("pruned cost records", "count", n)
			}
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			for _, prune := range mirrors {
				n, err := prune(ctx, cutoff)
				if err != nil {
					return fmt.Errorf("pruning mirrored cost records: %w", err)
				}
				if n > 0 {
					logger.Info("pruned mirrored cost records", "count", n)
				}
			}
			return nil
		},
	}
}

// BlackboardCleanup expires old messages and marks quiet agents idle.
func BlackboardCleanup(b BoardCleaner, retention, idleAfter, every time.Duration) Job {
	return Job{
		Name:     "blackboard_cleanup",
		Interval: every,
		Run: func(context.Context) error {
			b.Cleanup(retention)
			if idleAfter > 0 {
				b.MarkIdle(idleAfter)
			}
			return nil
		},
	}
}

// DriftSweep checks every feature and posts an alert for each report above
// AlertNone as the drift watcher.
func DriftSweep(m DriftChecker, board AlertPoster, every time.Duration, logger *slog.Logger) Job {
	logger = logging.OrDiscard(logger)
	return Job{
		Name:     "drift_sweep",
		Interval: every,
		Run: func(context.Context) error {
			for _, r := range m.CheckAll() {
				if r.AlertLevel == drift.AlertNone {
					continue
				}
				logger.Warn("drift detected",
					"feature", r.FeatureName,
					"level", r.AlertLevel,
					"psi", r.PSIValue,
					"ks_p_value", r.KSPValue,
				)
				if board == nil {
					continue
				}
				_, err := board.PostMessage(blackboard.TypeAlert, blackboard.RoleDriftWatcher, blackboard.Content{
					Text: fmt.Sprintf("[%s] %s", r.AlertLevel, r.Recommendation),
					Metadata: blackboard.Metadata{
						Feature:    r.FeatureName,
						Confidence: confidenceFromPValue(r.KSPValue),
					},
				}, "")
				if err != nil {
					return fmt.Errorf("posting drift alert for %s: %w", r.FeatureName, err)
				}
			}
			return nil
		},
	}
}

// confidenceFromPValue maps a KS p-value to a confidence in [0, 1].
func confidenceFromPValue(p float64) *float64 {
	c := 1 - p
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return &c
}
