//go:build integration

package gateflow

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts one PostgreSQL container for the calling test.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("gateflow"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	var pool *pgxpool.Pool
	for i := 0; i < 5; i++ {
		pool, err = pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
		}
		if err == nil {
			break
		}
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	require.NoError(t, RunMigrations(ctx, pool), "migrations are idempotent")

	return pool
}

func TestPostgresStore(t *testing.T) {
	pool := setupPostgres(t)

	runStoreContract(t, func(t *testing.T) Store {
		_, err := pool.Exec(context.Background(),
			`TRUNCATE gateflow.execution_events, gateflow.workflow_definitions`)
		require.NoError(t, err)

		return NewStore(pool)
	})

	t.Run("append joins a caller transaction", func(t *testing.T) {
		ctx := context.Background()
		store := NewStore(pool)

		tx, err := pool.Begin(ctx)
		require.NoError(t, err)

		txCtx := WithTx(ctx, tx)
		require.NoError(t, store.Append(txCtx, contractEvent("tx-1", 1, EventExecutionStarted, "", `{}`)))
		require.NoError(t, tx.Rollback(ctx))

		_, err = store.Load(ctx, "tx-1")
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("engine round trip", func(t *testing.T) {
		ctx := context.Background()
		store := NewStore(pool)

		engine := newTestEngine(t, WithEngineStore(store))
		engine.RegisterActivity(echoActivity("check_policy"))
		engine.RegisterActivity(echoActivity("request_approval"))
		engine.RegisterActivity(echoActivity("execute_agent_task"))
		require.NoError(t, engine.RegisterDefinition(ctx, approvalDefinition()))

		id, err := engine.Start(ctx, "review", nil)
		require.NoError(t, err)
		request := waitForApproval(t, engine, id)
		engine.Shutdown()

		recovered := newTestEngine(t, WithEngineStore(store))
		recovered.RegisterActivity(echoActivity("check_policy"))
		recovered.RegisterActivity(echoActivity("request_approval"))
		recovered.RegisterActivity(echoActivity("execute_agent_task"))
		require.NoError(t, recovered.RestoreDefinitions(ctx))
		require.NoError(t, recovered.Recover(ctx))

		require.NoError(t, recovered.SubmitSignal(ctx, id, request.Token, SignalApprove, nil))
		assert.Equal(t, StatusCompleted, waitFor(t, recovered, id).Status)
	})
}
