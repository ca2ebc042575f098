package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"hoaxwatch/internal/domain"
)

type fakeRunner struct {
	mu       sync.Mutex
	triggers []string
	active   int
	maxSeen  int
	release  chan struct{}
	started  chan string
	err      error
	panics   any
	deadline bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan string, 16)}
}

func (f *fakeRunner) Run(ctx context.Context, trigger string) (*domain.RunStats, error) {
	if f.panics != nil {
		f.started <- trigger
		panic(f.panics)
	}

	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	_, f.deadline = ctx.Deadline()
	release := f.release
	f.mu.Unlock()

	f.started <- trigger

	state := domain.RunCompleted
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			state = domain.RunCancelled
		}
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if f.err != nil {
		state = domain.RunFailed
	}
	return &domain.RunStats{Trigger: trigger, State: state}, f.err
}

func (f *fakeRunner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggers...)
}

type SchedulerTestSuite struct {
	suite.Suite
	runner *fakeRunner
	logger *slog.Logger
	ticks  chan time.Time
	now    time.Time
}

func (s *SchedulerTestSuite) SetupTest() {
	s.runner = newFakeRunner()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.ticks = make(chan time.Time)
	s.now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) newScheduler(cfg Config) *Scheduler {
	if cfg.Time == "" {
		cfg.Time = "02:00"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	sched, err := New(s.runner, cfg, s.logger)
	s.Require().NoError(err)
	sched.now = func() time.Time { return s.now }
	sched.after = func(time.Duration) <-chan time.Time { return s.ticks }
	return sched
}

func (s *SchedulerTestSuite) waitStarted(want string) {
	select {
	case got := <-s.runner.started:
		s.Equal(want, got)
	case <-time.After(2 * time.Second):
		s.FailNow("run did not start", want)
	}
}

func (s *SchedulerTestSuite) TestNew_InvalidTime() {
	_, err := New(s.runner, Config{Time: "25:61"}, s.logger)
	s.Error(err)
}

func (s *SchedulerTestSuite) TestRunOnce_RecordsStats() {
	sched := s.newScheduler(Config{RunTimeout: time.Hour})

	stats, err := sched.RunOnce(context.Background())

	s.Require().NoError(err)
	s.Equal(domain.RunCompleted, stats.State)
	s.waitStarted(TriggerManual)
	s.True(s.runner.deadline)
	s.Equal(1, sched.Stats().Runs)
	s.Same(stats, sched.Stats().Last)
	s.Equal(StateIdle, sched.State())
}

func (s *SchedulerTestSuite) TestRunOnce_FailureReturnsToIdle() {
	s.runner.err = errors.New("model not loaded")
	sched := s.newScheduler(Config{})

	stats, err := sched.RunOnce(context.Background())

	s.Error(err)
	s.Equal(domain.RunFailed, stats.State)
	s.Equal(StateIdle, sched.State())

	_, err = sched.RunOnce(context.Background())
	s.Error(err)
	s.Equal(2, sched.Stats().Runs)
}

func (s *SchedulerTestSuite) TestRunOnce_PanicReleasesSlot() {
	s.runner.panics = "nil map write"
	sched := s.newScheduler(Config{})

	stats, err := sched.RunOnce(context.Background())

	s.Nil(stats)
	s.ErrorContains(err, "run panicked: nil map write")
	s.Equal(StateIdle, sched.State())
	s.Equal(1, sched.Stats().Runs)

	s.runner.panics = nil
	stats, err = sched.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(domain.RunCompleted, stats.State)
}

func (s *SchedulerTestSuite) TestTrigger_PanicReleasesSlot() {
	s.runner.panics = "boom"
	sched := s.newScheduler(Config{})

	s.Require().NoError(sched.Trigger(context.Background(), TriggerDaily))
	s.waitStarted(TriggerDaily)
	s.Eventually(func() bool { return sched.Stats().Runs == 1 }, 2*time.Second, 10*time.Millisecond)
	s.Equal(StateIdle, sched.State())
	s.NoError(sched.Trigger(context.Background(), TriggerManual))
}

func (s *SchedulerTestSuite) TestStart_ClockStepBackDoesNotRefire() {
	var (
		mu  sync.Mutex
		now = time.Date(2024, 3, 2, 1, 0, 0, 0, time.UTC)
	)
	waits := make(chan time.Duration, 4)

	sched := s.newScheduler(Config{RunOnStart: false})
	sched.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sched.after = func(d time.Duration) <-chan time.Time {
		waits <- d
		return s.ticks
	}

	done := make(chan error, 1)
	go func() { done <- sched.Start(context.Background()) }()

	s.Equal(time.Hour, <-waits)

	// the 02:00 trigger fires, then the wall clock is stepped back to 01:30
	mu.Lock()
	now = time.Date(2024, 3, 2, 1, 30, 0, 0, time.UTC)
	mu.Unlock()
	s.ticks <- now
	s.waitStarted(TriggerDaily)

	s.Equal(24*time.Hour+30*time.Minute, <-waits, "next trigger is tomorrow, not 02:00 again")

	sched.Stop()
	s.Require().NoError(<-done)
	s.Equal([]string{TriggerDaily}, s.runner.calls())
}

func (s *SchedulerTestSuite) TestTrigger_DropsWhileRunning() {
	s.runner.release = make(chan struct{})
	sched := s.newScheduler(Config{})
	ctx := context.Background()

	s.Require().NoError(sched.Trigger(ctx, TriggerDaily))
	s.waitStarted(TriggerDaily)
	s.Equal(StateRunning, sched.State())

	err := sched.Trigger(ctx, TriggerDaily)
	s.ErrorIs(err, domain.ErrRunInProgress)
	_, err = sched.RunOnce(ctx)
	s.ErrorIs(err, domain.ErrRunInProgress)

	close(s.runner.release)
	s.Eventually(func() bool { return sched.State() == StateIdle }, 2*time.Second, 10*time.Millisecond)

	stats := sched.Stats()
	s.Equal(1, stats.Runs)
	s.Equal(2, stats.Dropped)
	s.Equal(1, s.runner.maxSeen)
	s.Equal([]string{TriggerDaily}, s.runner.calls())
}

func (s *SchedulerTestSuite) TestStart_RunsOnStartThenDaily() {
	sched := s.newScheduler(Config{RunOnStart: true})

	done := make(chan error, 1)
	go func() { done <- sched.Start(context.Background()) }()

	s.waitStarted(TriggerStartup)
	s.Eventually(func() bool { return sched.Stats().Runs == 1 }, 2*time.Second, 10*time.Millisecond)

	s.ticks <- s.now
	s.waitStarted(TriggerDaily)
	s.Eventually(func() bool { return sched.Stats().Runs == 2 }, 2*time.Second, 10*time.Millisecond)

	sched.Stop()
	s.Require().NoError(<-done)
	s.Equal(StateStopped, sched.State())
	s.Equal([]string{TriggerStartup, TriggerDaily}, s.runner.calls())

	s.ErrorIs(sched.Trigger(context.Background(), TriggerManual), ErrStopped)
	sched.Stop()
}

func (s *SchedulerTestSuite) TestStart_SkipsImmediateRunWhenDisabled() {
	sched := s.newScheduler(Config{RunOnStart: false})

	done := make(chan error, 1)
	go func() { done <- sched.Start(context.Background()) }()

	s.ticks <- s.now
	s.waitStarted(TriggerDaily)

	sched.Stop()
	s.Require().NoError(<-done)
	s.Equal([]string{TriggerDaily}, s.runner.calls())
}

func (s *SchedulerTestSuite) TestStart_CancelStopsActiveRun() {
	s.runner.release = make(chan struct{})
	sched := s.newScheduler(Config{RunOnStart: true})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()
	s.waitStarted(TriggerStartup)

	cancel()

	s.ErrorIs(<-done, context.Canceled)
	s.Equal(StateStopped, sched.State())
	s.Equal(1, sched.Stats().Runs)
	s.Equal(domain.RunCancelled, sched.Stats().Last.State)
}

func (s *SchedulerTestSuite) TestStart_DropsTickDuringLongRun() {
	s.runner.release = make(chan struct{})
	sched := s.newScheduler(Config{RunOnStart: true})

	done := make(chan error, 1)
	go func() { done <- sched.Start(context.Background()) }()
	s.waitStarted(TriggerStartup)

	s.ticks <- s.now
	s.Eventually(func() bool { return sched.Stats().Dropped == 1 }, 2*time.Second, 10*time.Millisecond)

	close(s.runner.release)
	s.Eventually(func() bool { return sched.Stats().Runs == 1 }, 2*time.Second, 10*time.Millisecond)

	sched.Stop()
	s.Require().NoError(<-done)
	s.Equal(1, s.runner.maxSeen)
}

func TestNextRun(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		loc  *time.Location
		want time.Time
	}{
		{
			name: "later today",
			now:  time.Date(2024, 3, 1, 1, 30, 0, 0, time.UTC),
			loc:  time.UTC,
			want: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at trigger moves to tomorrow",
			now:  time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			want: time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "already passed",
			now:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			want: time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "month rollover",
			now:  time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			want: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "local timezone",
			// 20:00 UTC is 03:00 the next day in Jakarta.
			now:  time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC),
			loc:  jakarta,
			want: time.Date(2024, 3, 3, 2, 0, 0, 0, jakarta),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(tt.now, 2, 0, tt.loc)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
			assert.True(t, got.After(tt.now))
		})
	}
}
