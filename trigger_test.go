package gateflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(starter Starter, opts ...SchedulerOption) *Scheduler {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]SchedulerOption{
		WithSchedulerClock(func() time.Time { return at }),
		WithSchedulerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	return NewScheduler(starter, opts...)
}

func TestSchedulerAdd(t *testing.T) {
	s := newTestScheduler(NewMockIEngine(t))

	require.Error(t, s.Add(Schedule{}))
	require.NoError(t, s.Add(Schedule{DefinitionID: "sample"}))
	require.Error(t, s.Add(Schedule{DefinitionID: "other", Name: "sample"}), "names are unique")

	s.mu.Lock()
	added := s.schedules[0]
	s.mu.Unlock()

	assert.Equal(t, "sample", added.Name)
	assert.Equal(t, DefaultScheduleInterval, added.Interval)
	assert.Equal(t, OverlapAllowAll, added.Overlap)
}

func TestSchedulerFire(t *testing.T) {
	ctx := context.Background()

	t.Run("starts with generated input", func(t *testing.T) {
		engine := NewMockIEngine(t)
		engine.On("Start", mock.Anything, "sample", map[string]any{
			"description": "Scheduled task run at 2025-03-01T12:00:00Z",
		}).Return("sample-1", nil).Once()

		s := newTestScheduler(engine)
		run, err := s.Fire(ctx, Schedule{Name: "every", DefinitionID: "sample", Input: DescriptionInput})

		require.NoError(t, err)
		assert.Equal(t, "sample-1", run.ExecutionID)
		assert.False(t, run.Skipped)
		assert.Equal(t, []ScheduleRun{run}, s.Runs())
	})

	t.Run("history keeps the latest runs", func(t *testing.T) {
		engine := NewMockIEngine(t)
		engine.On("Start", mock.Anything, "sample", mock.Anything).Return("sample-1", nil).Once()
		engine.On("Start", mock.Anything, "sample", mock.Anything).Return("sample-2", nil).Once()
		engine.On("Start", mock.Anything, "sample", mock.Anything).Return("sample-3", nil).Once()

		s := newTestScheduler(engine, WithSchedulerHistory(2))
		for i := 0; i < 3; i++ {
			_, err := s.Fire(ctx, Schedule{Name: "every", DefinitionID: "sample"})
			require.NoError(t, err)
		}

		runs := s.Runs()
		require.Len(t, runs, 2)
		assert.Equal(t, "sample-2", runs[0].ExecutionID)
		assert.Equal(t, "sample-3", runs[1].ExecutionID)
	})

	t.Run("start error is recorded", func(t *testing.T) {
		engine := NewMockIEngine(t)
		engine.On("Start", mock.Anything, "missing", mock.Anything).
			Return("", ErrEntityNotFound).Once()

		s := newTestScheduler(engine)
		run, err := s.Fire(ctx, Schedule{Name: "broken", DefinitionID: "missing"})

		require.ErrorIs(t, err, ErrEntityNotFound)
		assert.Equal(t, ErrEntityNotFound.Error(), run.Error)
		assert.Len(t, s.Runs(), 1)
	})

	t.Run("skip while previous is running", func(t *testing.T) {
		engine := NewMockIEngine(t)
		engine.On("Start", mock.Anything, "sample", mock.Anything).Return("sample-1", nil).Once()
		engine.On("GetExecution", mock.Anything, "sample-1").
			Return(&WorkflowExecution{ID: "sample-1", Status: StatusRunning}, nil).Once()
		engine.On("GetExecution", mock.Anything, "sample-1").
			Return(&WorkflowExecution{ID: "sample-1", Status: StatusCompleted}, nil).Once()
		engine.On("Start", mock.Anything, "sample", mock.Anything).Return("sample-2", nil).Once()

		s := newTestScheduler(engine)
		schedule := Schedule{Name: "nightly", DefinitionID: "sample", Overlap: OverlapSkip}

		first, err := s.Fire(ctx, schedule)
		require.NoError(t, err)
		second, err := s.Fire(ctx, schedule)
		require.NoError(t, err)
		third, err := s.Fire(ctx, schedule)
		require.NoError(t, err)

		assert.Equal(t, "sample-1", first.ExecutionID)
		assert.True(t, second.Skipped)
		assert.Empty(t, second.ExecutionID)
		assert.Equal(t, "sample-2", third.ExecutionID)
		assert.Len(t, s.Runs(), 3)
	})

	t.Run("lookup error does not block the schedule", func(t *testing.T) {
		engine := NewMockIEngine(t)
		engine.On("Start", mock.Anything, "sample", mock.Anything).Return("sample-1", nil).Once()
		engine.On("GetExecution", mock.Anything, "sample-1").Return(nil, errors.New("gone")).Once()
		engine.On("Start", mock.Anything, "sample", mock.Anything).Return("sample-2", nil).Once()

		s := newTestScheduler(engine)
		schedule := Schedule{Name: "nightly", DefinitionID: "sample", Overlap: OverlapSkip}

		_, err := s.Fire(ctx, schedule)
		require.NoError(t, err)
		run, err := s.Fire(ctx, schedule)
		require.NoError(t, err)
		assert.Equal(t, "sample-2", run.ExecutionID)
	})
}

func TestSchedulerRun(t *testing.T) {
	t.Run("no schedules", func(t *testing.T) {
		s := newTestScheduler(NewMockIEngine(t))
		require.Error(t, s.Run(context.Background()))
	})

	t.Run("fires on every tick", func(t *testing.T) {
		ticks := make(chan time.Time)
		stopped := make(chan struct{})

		engine := NewMockIEngine(t)
		engine.On("Start", mock.Anything, "sample", mock.Anything).Return("sample-1", nil).Twice()

		s := newTestScheduler(engine, WithSchedulerTicker(func(d time.Duration) (<-chan time.Time, func()) {
			assert.Equal(t, time.Minute, d)

			return ticks, func() { close(stopped) }
		}))
		require.NoError(t, s.Add(Schedule{DefinitionID: "sample", Interval: time.Minute}))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()

		ticks <- time.Now()
		ticks <- time.Now()
		require.Eventually(t, func() bool { return len(s.Runs()) == 2 }, time.Second, 5*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("scheduler did not stop")
		}
		<-stopped
	})
}
