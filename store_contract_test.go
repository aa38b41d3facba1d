package gateflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contractEvent(executionID string, seq int64, eventType EventType, stepID, payload string) Event {
	event := Event{
		ExecutionID: executionID,
		Seq:         seq,
		Type:        eventType,
		StepID:      stepID,
		CreatedAt:   time.Date(2025, 3, 1, 12, 0, int(seq), 123456000, time.UTC),
	}
	if payload != "" {
		event.Payload = json.RawMessage(payload)
	}

	return event
}

// runStoreContract checks the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("append and load", func(t *testing.T) {
		store := newStore(t)

		require.NoError(t, store.Append(ctx,
			contractEvent("x-1", 1, EventExecutionStarted, "", `{"input":{"a":1}}`),
			contractEvent("x-1", 2, EventStepReady, "a", `{"input":{}}`),
		))
		require.NoError(t, store.Append(ctx, contractEvent("x-1", 3, EventExecutionCompleted, "", "")))

		events, err := store.Load(ctx, "x-1")
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, event := range events {
			assert.Equal(t, int64(i+1), event.Seq)
			assert.Equal(t, "x-1", event.ExecutionID)
		}
		assert.Equal(t, EventStepReady, events[1].Type)
		assert.Equal(t, "a", events[1].StepID)
		assert.JSONEq(t, `{"input":{"a":1}}`, string(events[0].Payload))
		assert.Empty(t, events[2].Payload)
		assert.WithinDuration(t, contractEvent("x-1", 2, EventStepReady, "", "").CreatedAt, events[1].CreatedAt, 0)
	})

	t.Run("unknown execution", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("sequence conflicts", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Append(ctx, contractEvent("x-1", 1, EventExecutionStarted, "", `{}`)))

		assert.ErrorIs(t, store.Append(ctx, contractEvent("x-1", 1, EventStepReady, "a", `{}`)), ErrSequenceConflict)
		assert.ErrorIs(t, store.Append(ctx, contractEvent("x-1", 3, EventStepReady, "a", `{}`)), ErrSequenceConflict)
		assert.ErrorIs(t, store.Append(ctx, contractEvent("x-2", 2, EventStepReady, "a", `{}`)), ErrSequenceConflict)

		events, err := store.Load(ctx, "x-1")
		require.NoError(t, err)
		assert.Len(t, events, 1, "rejected appends leave no trace")
	})

	t.Run("concurrent writers", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Append(ctx, contractEvent("x-1", 1, EventExecutionStarted, "", `{}`)))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if store.Append(ctx, contractEvent("x-1", 2, EventStepReady, "a", `{}`)) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("executions in start order", func(t *testing.T) {
		store := newStore(t)
		for i := 3; i > 0; i-- {
			require.NoError(t, store.Append(ctx, contractEvent(fmt.Sprintf("x-%d", i), 1, EventExecutionStarted, "", `{}`)))
		}
		require.NoError(t, store.Append(ctx, contractEvent("x-2", 2, EventStepReady, "a", `{}`)))

		ids, err := store.ListExecutions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"x-3", "x-2", "x-1"}, ids)
	})

	t.Run("definitions", func(t *testing.T) {
		store := newStore(t)

		first := approvalDefinition()
		first.CreatedAt = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		second := definitionOf(&StepDefinition{ID: "a", Activity: "x"})
		second.ID = "another"
		second.CreatedAt = first.CreatedAt

		require.NoError(t, store.SaveDefinition(ctx, first))
		require.NoError(t, store.SaveDefinition(ctx, second))

		first.Version = 3
		require.NoError(t, store.SaveDefinition(ctx, first), "saving again replaces")

		defs, err := store.LoadDefinitions(ctx)
		require.NoError(t, err)
		require.Len(t, defs, 2)
		assert.Equal(t, "another", defs[0].ID)
		assert.Equal(t, "review", defs[1].ID)
		assert.Equal(t, 3, defs[1].Version)
		require.Len(t, defs[1].Steps, 3)
		assert.True(t, defs[1].Steps[1].RequiresApproval)
		assert.Equal(t, []string{"approve"}, defs[1].Steps[2].DependsOn)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		store, err := NewSQLiteInMemoryStore()
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		return store
	})
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		server := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		return NewRedisStore(client, "")
	})

	t.Run("prefix isolates stores", func(t *testing.T) {
		ctx := context.Background()
		server := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		left := NewRedisStore(client, "left")
		right := NewRedisStore(client, "right")
		require.NoError(t, left.Append(ctx, contractEvent("x-1", 1, EventExecutionStarted, "", `{}`)))

		_, err := right.Load(ctx, "x-1")
		assert.ErrorIs(t, err, ErrEntityNotFound)
		assert.True(t, server.Exists("left:execution:x-1:events"))

		ids, err := right.ListExecutions(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestEngineOnDurableStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store {
			store, err := NewSQLiteInMemoryStore()
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })

			return store
		},
		"redis": func(t *testing.T) Store {
			server := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: server.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			return NewRedisStore(client, "test")
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			engine := newTestEngine(t, WithEngineStore(store))
			engine.RegisterActivity(echoActivity("check_policy"))
			engine.RegisterActivity(echoActivity("request_approval"))
			engine.RegisterActivity(echoActivity("execute_agent_task"))
			require.NoError(t, engine.RegisterDefinition(ctx, approvalDefinition()))

			id, err := engine.Start(ctx, "review", map[string]any{"description": "durable"})
			require.NoError(t, err)
			request := waitForApproval(t, engine, id)
			require.NoError(t, engine.SubmitSignal(ctx, id, request.Token, SignalApprove, nil))

			live := waitFor(t, engine, id)
			require.Equal(t, StatusCompleted, live.Status)

			events, err := store.Load(ctx, id)
			require.NoError(t, err)
			replayed, err := Replay(events)
			require.NoError(t, err)

			assert.Equal(t, live.Status, replayed.Status)
			assert.Equal(t, live.LastSeq, replayed.LastSeq)
			for stepID, step := range live.Steps {
				assert.Equal(t, step.State, replayed.Steps[stepID].State, stepID)
				assert.Equal(t, step.Attempts, replayed.Steps[stepID].Attempts, stepID)
			}
		})
	}
}
