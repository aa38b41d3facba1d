package gateflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*StoreImpl)(nil)

const pgUniqueViolation = "23505"

// StoreImpl is the Postgres-backed store. Calls join a transaction carried by the
// context (see WithTx); otherwise Append opens its own.
type StoreImpl struct {
	pool *pgxpool.Pool
	db   Tx
}

func NewStore(pool *pgxpool.Pool) *StoreImpl {
	return &StoreImpl{pool: pool, db: pool}
}

func (store *StoreImpl) Append(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	if tx := TxFromContext(ctx); tx != nil {
		return store.appendEvents(ctx, tx, events)
	}

	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := store.appendEvents(ctx, tx, events); err != nil {
		_ = tx.Rollback(ctx)

		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}

	return nil
}

func (store *StoreImpl) appendEvents(ctx context.Context, executor Tx, events []Event) error {
	last := make(map[string]int64, 1)
	for _, event := range events {
		prev, ok := last[event.ExecutionID]
		if !ok {
			const query = `
SELECT COALESCE(MAX(seq), 0)
FROM gateflow.execution_events
WHERE execution_id = $1`
			if err := executor.QueryRow(ctx, query, event.ExecutionID).Scan(&prev); err != nil {
				return fmt.Errorf("read last seq: %w", err)
			}
		}
		if event.Seq != prev+1 {
			return fmt.Errorf("%w: execution %s expected seq %d, got %d",
				ErrSequenceConflict, event.ExecutionID, prev+1, event.Seq)
		}

		const query = `
INSERT INTO gateflow.execution_events (execution_id, seq, event_type, step_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

		var payload any
		if len(event.Payload) > 0 {
			payload = string(event.Payload)
		}
		_, err := executor.Exec(ctx, query,
			event.ExecutionID, event.Seq, string(event.Type), event.StepID, payload, event.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("%w: %s", ErrSequenceConflict, pgErr.Message)
			}

			return fmt.Errorf("insert event: %w", err)
		}
		last[event.ExecutionID] = event.Seq
	}

	return nil
}

func (store *StoreImpl) Load(ctx context.Context, executionID string) ([]Event, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT execution_id, seq, event_type, step_id, payload::text, created_at
FROM gateflow.execution_events
WHERE execution_id = $1
ORDER BY seq`

	rows, err := executor.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event     Event
			eventType string
			payload   *string
		)
		if err := rows.Scan(&event.ExecutionID, &event.Seq, &eventType, &event.StepID, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Type = EventType(eventType)
		if payload != nil {
			event.Payload = json.RawMessage(*payload)
		}
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEntityNotFound
	}

	return events, nil
}

func (store *StoreImpl) ListExecutions(ctx context.Context) ([]string, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT execution_id
FROM gateflow.execution_events
WHERE seq = 1
ORDER BY id`

	rows, err := executor.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (store *StoreImpl) SaveDefinition(ctx context.Context, def *WorkflowDefinition) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO gateflow.workflow_definitions (id, version, definition, created_at, updated_at)
VALUES ($1, $2, $3, NOW(), NOW())
ON CONFLICT (id) DO UPDATE
SET version = EXCLUDED.version, definition = EXCLUDED.definition, updated_at = NOW()`

	definitionJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	if _, err := executor.Exec(ctx, query, def.ID, def.Version, definitionJSON); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}

	return nil
}

func (store *StoreImpl) LoadDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	executor := store.getExecutor(ctx)

	const query = `SELECT definition FROM gateflow.workflow_definitions ORDER BY id`

	rows, err := executor.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var def WorkflowDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, &def)
	}

	return defs, rows.Err()
}

func (store *StoreImpl) getExecutor(ctx context.Context) Tx {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return store.db
}
