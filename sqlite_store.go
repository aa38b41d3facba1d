package gateflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps the event log in a SQLite database. Timestamps are stored as unix
// nanoseconds so replayed events carry exactly the recorded instants.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serialize appends for SQLite
}

// NewSQLiteInMemoryStore creates an in-memory SQLite database and initializes schema.
func NewSQLiteInMemoryStore() (*SQLiteStore, error) {
	return NewSQLiteStore(":memory:")
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	_, _ = db.Exec("PRAGMA journal_mode=WAL;")
	_, _ = db.Exec("PRAGMA busy_timeout=5000;")
	// single connection keeps :memory: consistent and avoids locks
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunSQLiteMigrations(context.Background(), db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	last := make(map[string]int64, 1)
	for _, event := range events {
		prev, ok := last[event.ExecutionID]
		if !ok {
			const q = `SELECT COALESCE(MAX(seq), 0) FROM execution_events WHERE execution_id = ?`
			if err := tx.QueryRowContext(ctx, q, event.ExecutionID).Scan(&prev); err != nil {
				return fmt.Errorf("read last seq: %w", err)
			}
		}
		if event.Seq != prev+1 {
			return fmt.Errorf("%w: execution %s expected seq %d, got %d",
				ErrSequenceConflict, event.ExecutionID, prev+1, event.Seq)
		}

		const q = `INSERT INTO execution_events (execution_id, seq, event_type, step_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, q,
			event.ExecutionID, event.Seq, string(event.Type), event.StepID,
			[]byte(event.Payload), event.CreatedAt.UnixNano(),
		); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: %v", ErrSequenceConflict, err)
			}

			return fmt.Errorf("insert event: %w", err)
		}
		last[event.ExecutionID] = event.Seq
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	tx = nil

	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, executionID string) ([]Event, error) {
	const q = `SELECT execution_id, seq, event_type, step_id, payload, created_at
		FROM execution_events WHERE execution_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, q, executionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event     Event
			eventType string
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&event.ExecutionID, &event.Seq, &eventType, &event.StepID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Type = EventType(eventType)
		if len(payload) > 0 {
			event.Payload = json.RawMessage(payload)
		}
		event.CreatedAt = time.Unix(0, createdAt).UTC()
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

func (s *SQLiteStore) ListExecutions(ctx context.Context) ([]string, error) {
	const q = `SELECT execution_id FROM execution_events WHERE seq = 1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
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

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *WorkflowDefinition) error {
	definitionJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	now := time.Now().UnixNano()
	const q = `INSERT INTO workflow_definitions (id, version, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, definition = excluded.definition,
			updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, def.ID, def.Version, string(definitionJSON), now, now); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}

	return nil
}

func (s *SQLiteStore) LoadDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflow_definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var def WorkflowDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, &def)
	}

	return defs, rows.Err()
}
