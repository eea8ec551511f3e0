// Package scheduler retries persisted failed cleanups on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/pkg/schema"
)

// DefaultSchedule retries every fifteen minutes.
const DefaultSchedule = "*/15 * * * *"

// RetryRunner is satisfied by *cleanup.Retrier.
type RetryRunner interface {
	RetryAll(ctx context.Context) ([]*cleanup.RetryOutcome, error)
}

// Status is a snapshot of the scheduler.
type Status struct {
	Schedule   string    `json:"schedule"`
	Running    bool      `json:"running"`
	LastRunAt  time.Time `json:"last_run_at,omitzero"`
	LastStatus string    `json:"last_status,omitempty"`
	NextRunAt  time.Time `json:"next_run_at,omitzero"`
}

// RetryScheduler runs RetryAll at each cron activation. At most one pass runs at
// a time; an activation that finds a pass in flight is skipped.
type RetryScheduler struct {
	runner   RetryRunner
	parser   cron.Parser
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   bool
	lastRun    time.Time
	lastStatus string
	nextRun    time.Time
}

// NewRetryScheduler parses spec (five-field cron or a descriptor such as
// "@hourly" / "@every 10m"). An empty spec means DefaultSchedule.
func NewRetryScheduler(spec string, runner RetryRunner, logger *slog.Logger) (*RetryScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	s := &RetryScheduler{
		runner: runner,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		spec:   spec,
		logger: logger.With(slog.String("component", "retry-scheduler")),
		now:    time.Now,
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse retry schedule %q: %v", spec, err).WithCause(err)
	}
	s.schedule = sched
	return s, nil
}

// Start launches the background loop. The first pass runs immediately.
func (s *RetryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "retry scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("retry scheduler started", slog.String("schedule", s.spec))
	return nil
}

func (s *RetryScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.tick(ctx)
	for {
		next := s.schedule.Next(s.now())
		s.setNext(next)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *RetryScheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !schema.IsCode(err, schema.ErrCodeConflict) {
		s.logger.Error("retry pass failed", slog.String("error", err.Error()))
	}
}

// RunOnce runs one retry pass now. It returns a CONFLICT error without
// running when a pass is already in flight.
func (s *RetryScheduler) RunOnce(ctx context.Context) ([]*cleanup.RetryOutcome, error) {
	if !s.tryAcquire() {
		s.logger.Debug("retry pass already running; skipping")
		return nil, schema.NewError(schema.ErrCodeConflict, "retry pass already running")
	}
	started := s.now()
	outcomes, err := s.runner.RetryAll(ctx)
	status := summarize(outcomes, err)
	s.release(started, status)

	if err != nil {
		return outcomes, err
	}
	for _, o := range outcomes {
		if o.Error != "" {
			s.logger.Warn("retry failed",
				slog.String("session_id", o.SessionID),
				slog.String("error", o.Error),
			)
		}
	}
	s.logger.Info("retry pass finished",
		slog.Int("records", len(outcomes)),
		slog.String("status", status),
	)
	return outcomes, nil
}

func summarize(outcomes []*cleanup.RetryOutcome, err error) string {
	if err != nil {
		return "error"
	}
	resolved, remaining := 0, 0
	for _, o := range outcomes {
		if o.Resolved {
			resolved++
		} else {
			remaining++
		}
	}
	return fmt.Sprintf("resolved %d, pending %d", resolved, remaining)
}

func (s *RetryScheduler) tryAcquire() bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *RetryScheduler) release(at time.Time, status string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight = false
	s.lastRun = at
	s.lastStatus = status
}

func (s *RetryScheduler) setNext(t time.Time) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.nextRun = t
}

// Status reports the last and next run.
func (s *RetryScheduler) Status() Status {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return Status{
		Schedule:   s.spec,
		Running:    s.inflight,
		LastRunAt:  s.lastRun,
		LastStatus: s.lastStatus,
		NextRunAt:  s.nextRun,
	}
}

// CalculateNextRun returns the activation after from.
func (s *RetryScheduler) CalculateNextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (s *RetryScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("retry scheduler stopped")
	return nil
}
