package gateflow

import (
	"context"
)

// EventLog is the durable, append-only history of executions. Implementations must
// keep events of one execution in Seq order and reject duplicate or skipped sequence
// numbers with ErrSequenceConflict.
type EventLog interface {
	Append(ctx context.Context, events ...Event) error
	Load(ctx context.Context, executionID string) ([]Event, error)
	ListExecutions(ctx context.Context) ([]string, error)
}

type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *WorkflowDefinition) error
	LoadDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)
}

type Store interface {
	EventLog
	DefinitionStore
}
