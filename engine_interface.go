package gateflow

import (
	"context"
	"encoding/json"
)

type IEngine interface {
	RegisterDefinition(ctx context.Context, def *WorkflowDefinition) error
	Definition(id string) (*WorkflowDefinition, error)
	Definitions() []*WorkflowDefinition
	Graph(definitionID string) (*Graph, error)
	Start(ctx context.Context, definitionID string, inputOverrides map[string]any) (string, error)
	GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	ListExecutions(ctx context.Context) ([]*WorkflowExecution, error)
	Events(ctx context.Context, executionID string) ([]Event, error)
	PendingApprovals(ctx context.Context, executionID string) ([]ApprovalRequest, error)
	SubmitSignal(
		ctx context.Context,
		executionID string,
		token string,
		kind SignalKind,
		payload json.RawMessage,
	) error
	Terminate(ctx context.Context, executionID, reason string) error
}
