package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hoaxwatch/internal/config"
	"hoaxwatch/internal/domain"
)

// ErrStopped is returned for triggers that arrive after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Runner defines the interface for pipeline runs.
type Runner interface {
	Run(ctx context.Context, trigger string) (*domain.RunStats, error)
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

const (
	TriggerStartup = "startup"
	TriggerDaily   = "daily"
	TriggerManual  = "manual"
)

type Config struct {
	// Time is the daily trigger as HH:MM in Location.
	Time       string
	Location   *time.Location
	RunOnStart bool
	RunTimeout time.Duration
}

// Stats counts executed and dropped runs since the scheduler was created.
type Stats struct {
	Runs    int
	Dropped int
	Last    *domain.RunStats
}

// Scheduler owns the single run slot: at most one run is active at a time and
// triggers arriving while it is taken are dropped, never queued.
type Scheduler struct {
	runner     Runner
	hour       int
	minute     int
	location   *time.Location
	runOnStart bool
	runTimeout time.Duration
	logger     *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stats   Stats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(runner Runner, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	hour, minute, err := config.ParseClock(cfg.Time)
	if err != nil {
		return nil, fmt.Errorf("parse schedule time: %w", err)
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	return &Scheduler{
		runner:     runner,
		hour:       hour,
		minute:     minute,
		location:   loc,
		runOnStart: cfg.RunOnStart,
		runTimeout: cfg.RunTimeout,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		after:      time.After,
		stopCh:     make(chan struct{}),
	}, nil
}

// NextRun returns the first hour:minute in loc strictly after now.
func NextRun(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return next
}

// Start blocks until ctx is done or Stop is called. A run in flight at that
// point is cancelled and awaited before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	s.logger.Info("scheduler started",
		"time", fmt.Sprintf("%02d:%02d", s.hour, s.minute),
		"timezone", s.location.String(),
		"run_on_start", s.runOnStart,
	)

	if s.runOnStart {
		_ = s.Trigger(runCtx, TriggerStartup)
	}

	var lastFired time.Time
	for {
		next := NextRun(s.now(), s.hour, s.minute, s.location)
		if !lastFired.IsZero() && !next.After(lastFired) {
			// wall clock stepped back past the trigger that already fired
			next = NextRun(lastFired, s.hour, s.minute, s.location)
		}
		s.logger.Info("next run scheduled", "at", next)

		select {
		case <-ctx.Done():
			s.markStopped()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.after(next.Sub(s.now())):
			lastFired = next
			_ = s.Trigger(runCtx, TriggerDaily)
		}
	}
}

// Stop moves the scheduler to its terminal state. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.markStopped()
		close(s.stopCh)
	})
}

// Trigger starts a run in the background. It returns ErrRunInProgress when
// the slot is taken, in which case the trigger is dropped.
func (s *Scheduler) Trigger(ctx context.Context, trigger string) error {
	if err := s.acquire(trigger); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.execute(ctx, trigger)
	}()
	return nil
}

// RunOnce runs synchronously in the caller's goroutine.
func (s *Scheduler) RunOnce(ctx context.Context) (*domain.RunStats, error) {
	if err := s.acquire(TriggerManual); err != nil {
		return nil, err
	}
	return s.execute(ctx, TriggerManual)
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.running:
		return StateRunning
	case s.stopped:
		return StateStopped
	default:
		return StateIdle
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) acquire(trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		s.stats.Dropped++
		s.logger.Warn("trigger dropped",
			"trigger", trigger,
			"reason", domain.ErrRunInProgress,
			"dropped_total", s.stats.Dropped,
		)
		return domain.ErrRunInProgress
	}
	s.running = true
	return nil
}

// execute runs one job in the acquired slot. The slot is released on every
// exit path; a panicking runner is reported as a failed run.
func (s *Scheduler) execute(ctx context.Context, trigger string) (stats *domain.RunStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
		}
		if err != nil {
			s.logger.Error("run failed", "trigger", trigger, "error", err)
		}

		s.mu.Lock()
		s.running = false
		s.stats.Runs++
		s.stats.Last = stats
		s.mu.Unlock()
	}()

	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	return s.runner.Run(ctx, trigger)
}

func (s *Scheduler) markStopped() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
