package gateflow

import (
	"context"
)

type Monitor interface {
	GetSummaryStats(ctx context.Context) (*SummaryStats, error)
	GetWorkflowStats(ctx context.Context) ([]WorkflowStats, error)
	GetActiveExecutions(ctx context.Context) ([]ActiveExecution, error)
}

// ExecutionLister is the read side the monitor aggregates over.
type ExecutionLister interface {
	ListExecutions(ctx context.Context) ([]*WorkflowExecution, error)
}
