// Package scheduler runs periodic maintenance against the orchestrator.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/rendis/playbook/pkg/schema"
)

// DefaultSchedule sweeps approval timeouts every 30 seconds.
const DefaultSchedule = "@every 30s"

// Target is the orchestrator surface the sweeper drives.
type Target interface {
	CheckExpirations(ctx context.Context, now time.Time) ([]*schema.ApprovalRequest, error)
	Recover(ctx context.Context) ([]string, error)
}

// Sweeper expires overdue approval requests on a cron schedule and re-drives
// interrupted executions when it starts.
type Sweeper struct {
	target   Target
	schedule cron.Schedule
	clock    clockwork.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sweeping atomic.Bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock sets the clock used for scheduling and expiry checks.
func WithClock(c clockwork.Clock) Option {
	return func(s *Sweeper) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// ParseSchedule accepts standard five-field cron, an optional leading
// seconds field, and descriptors such as "@every 1m" or "@hourly".
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return sched, nil
}

// NewSweeper creates a Sweeper. An empty spec uses DefaultSchedule.
func NewSweeper(target Target, spec string, opts ...Option) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	s := &Sweeper{
		target:   target,
		schedule: sched,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start recovers interrupted executions, then sweeps on schedule until ctx is
// done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if ids, err := s.target.Recover(loopCtx); err != nil {
		s.logger.ErrorContext(ctx, "recover executions", slog.Any("error", err))
	} else if len(ids) > 0 {
		s.logger.InfoContext(ctx, "recovered executions", slog.Int("count", len(ids)))
	}

	go s.loop(loopCtx)
	s.logger.InfoContext(ctx, "sweeper started")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	for {
		now := s.clock.Now()
		timer := s.clock.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweep approvals", slog.Any("error", err))
			}
		}
	}
}

// Sweep runs one expiry pass and returns the requests it resolved. A sweep
// already in progress makes this call a no-op.
func (s *Sweeper) Sweep(ctx context.Context) ([]*schema.ApprovalRequest, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer s.sweeping.Store(false)

	resolved, err := s.target.CheckExpirations(ctx, s.clock.Now())
	if len(resolved) > 0 {
		s.logger.InfoContext(ctx, "expired approval requests", slog.Int("count", len(resolved)))
	}
	return resolved, err
}

// Stop halts the loop and waits for an in-progress sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("sweeper stopped")
}
