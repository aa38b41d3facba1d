package gateflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	DefaultScheduleInterval = 15 * time.Second
	// DefaultScheduleHistory is how many handled ticks Runs keeps.
	DefaultScheduleHistory = 256
)

// Starter creates executions. Engine implements it.
type Starter interface {
	Start(ctx context.Context, definitionID string, inputOverrides map[string]any) (string, error)
	GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
}

type OverlapPolicy string

const (
	// OverlapAllowAll starts a new execution on every tick.
	OverlapAllowAll OverlapPolicy = "allow_all"
	// OverlapSkip skips a tick while the previous execution is still running.
	OverlapSkip OverlapPolicy = "skip"
)

// Schedule describes what a new instance looks like and how often one is created.
type Schedule struct {
	Name         string
	DefinitionID string
	Interval     time.Duration
	Overlap      OverlapPolicy
	Note         string
	// Input builds the input overrides for the instance started at the given time.
	Input func(at time.Time) map[string]any
}

// DescriptionInput is the input builder used by the shipped sample workflow.
func DescriptionInput(at time.Time) map[string]any {
	return map[string]any{
		"description": fmt.Sprintf("Scheduled task run at %s", at.UTC().Format(time.RFC3339)),
	}
}

type ScheduleRun struct {
	Schedule    string    `json:"schedule"`
	ExecutionID string    `json:"execution_id,omitempty"`
	At          time.Time `json:"at"`
	Skipped     bool      `json:"skipped,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSchedulerHistory bounds the number of runs kept for Runs.
func WithSchedulerHistory(size int) SchedulerOption {
	return func(s *Scheduler) {
		if size > 0 {
			s.history = size
		}
	}
}

// WithSchedulerTicker replaces time.NewTicker, mostly for tests.
func WithSchedulerTicker(newTicker func(d time.Duration) (<-chan time.Time, func())) SchedulerOption {
	return func(s *Scheduler) {
		s.newTicker = newTicker
	}
}

// Scheduler drives schedules from tickers. It only starts executions; everything
// after that is the engine's business.
type Scheduler struct {
	starter   Starter
	clock     func() time.Time
	logger    *slog.Logger
	newTicker func(d time.Duration) (<-chan time.Time, func())

	mu        sync.Mutex
	schedules []Schedule
	last      map[string]string
	runs      []ScheduleRun
	history   int
}

func NewScheduler(starter Starter, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		starter: starter,
		clock:   time.Now,
		logger:  slog.Default(),
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			ticker := time.NewTicker(d)

			return ticker.C, ticker.Stop
		},
		last:    make(map[string]string),
		history: DefaultScheduleHistory,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Scheduler) Add(schedule Schedule) error {
	if schedule.DefinitionID == "" {
		return errors.New("schedule needs a definition id")
	}
	if schedule.Name == "" {
		schedule.Name = schedule.DefinitionID
	}
	if schedule.Interval <= 0 {
		schedule.Interval = DefaultScheduleInterval
	}
	if schedule.Overlap == "" {
		schedule.Overlap = OverlapAllowAll
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.schedules {
		if existing.Name == schedule.Name {
			return fmt.Errorf("schedule %q already added", schedule.Name)
		}
	}
	s.schedules = append(s.schedules, schedule)

	return nil
}

// Run fires every schedule on its interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	schedules := append([]Schedule(nil), s.schedules...)
	s.mu.Unlock()

	if len(schedules) == 0 {
		return errors.New("no schedules")
	}

	var wg sync.WaitGroup
	for _, schedule := range schedules {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, schedule)
		}()
	}
	wg.Wait()

	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, schedule Schedule) {
	ticks, stop := s.newTicker(schedule.Interval)
	defer stop()

	s.logger.Info("[gateflow] schedule started",
		"schedule", schedule.Name, "definition_id", schedule.DefinitionID, "interval", schedule.Interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("[gateflow] schedule stopped", "schedule", schedule.Name)

			return
		case <-ticks:
			_, _ = s.Fire(ctx, schedule)
		}
	}
}

// Fire starts one instance of the schedule now, honouring its overlap policy.
func (s *Scheduler) Fire(ctx context.Context, schedule Schedule) (ScheduleRun, error) {
	at := s.clock()
	run := ScheduleRun{Schedule: schedule.Name, At: at}

	if schedule.Overlap == OverlapSkip && s.previousRunning(ctx, schedule.Name) {
		run.Skipped = true
		s.record(run)
		s.logger.Info("[gateflow] schedule tick skipped, previous execution still running", "schedule", schedule.Name)

		return run, nil
	}

	var input map[string]any
	if schedule.Input != nil {
		input = schedule.Input(at)
	}

	executionID, err := s.starter.Start(ctx, schedule.DefinitionID, input)
	if err != nil {
		run.Error = err.Error()
		s.record(run)
		s.logger.Error("[gateflow] scheduled start failed", "schedule", schedule.Name, "error", err)

		return run, err
	}

	run.ExecutionID = executionID
	s.mu.Lock()
	s.last[schedule.Name] = executionID
	s.mu.Unlock()
	s.record(run)
	s.logger.Info("[gateflow] scheduled execution started", "schedule", schedule.Name, "execution_id", executionID)

	return run, nil
}

func (s *Scheduler) previousRunning(ctx context.Context, name string) bool {
	s.mu.Lock()
	executionID := s.last[name]
	s.mu.Unlock()

	if executionID == "" {
		return false
	}

	execution, err := s.starter.GetExecution(ctx, executionID)
	if err != nil {
		return false
	}

	return !execution.IsTerminal()
}

func (s *Scheduler) record(run ScheduleRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, run)
	if over := len(s.runs) - s.history; over > 0 {
		s.runs = slices.Delete(s.runs, 0, over)
	}
}

// Runs returns the most recent handled ticks, oldest first.
func (s *Scheduler) Runs() []ScheduleRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]ScheduleRun(nil), s.runs...)
}
