// Package maintenance runs periodic housekeeping for the governance layer:
// limiter bucket GC, ledger retention, blackboard cleanup and drift sweeps.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
)

const defaultJobTimeout = 30 * time.Second

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker until the context ends.
type Scheduler struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	jobs    []Job
	started bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.OrDiscard(l) }
}

// WithJobTimeout bounds a single job run.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates an empty Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{logger: logging.Discard(), timeout: defaultJobTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Jobs with a non-positive interval are disabled.
func (s *Scheduler) Add(j Job) error {
	if j.Run == nil {
		return fmt.Errorf("job %q has no run function", j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %q added after start", j.Name)
	}
	if j.Interval <= 0 {
		s.logger.Info("maintenance job disabled", "job", j.Name)
		return nil
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Start launches one goroutine per job. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for _, j := range jobs {
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			ticker := time.NewTicker(j.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runOnce(ctx, j)
				}
			}
		}(j)
	}
	s.logger.Info("maintenance started", "jobs", len(jobs))
}

// Wait blocks until every job goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runOnce(parent context.Context, j Job) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		s.logger.Warn("maintenance job failed", "job", j.Name, "error", err)
		return
	}
	s.logger.Debug("maintenance job done", "job", j.Name, "duration_ms", time.Since(start).Milliseconds())
}
