package api

import (
	"context"

	"github.com/rom8726/gateflow"
)

// APIService shapes engine state into API responses.
type APIService struct {
	engine gateflow.IEngine
}

func NewAPIService(engine gateflow.IEngine) *APIService {
	return &APIService{
		engine: engine,
	}
}

func (a *APIService) GetExecutions(ctx context.Context, definitionID string) ([]ExecutionSummary, error) {
	executions, err := a.engine.ListExecutions(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]ExecutionSummary, 0, len(executions))
	for _, execution := range executions {
		if definitionID != "" && execution.DefinitionID != definitionID {
			continue
		}
		result = append(result, summarize(execution))
	}

	return result, nil
}

func (a *APIService) GetExecution(ctx context.Context, executionID string) (*ExecutionDetails, error) {
	execution, err := a.engine.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	waits, err := a.engine.PendingApprovals(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return &ExecutionDetails{
		ExecutionSummary: summarize(execution),
		Input:            execution.Input,
		Steps:            execution.OrderedSteps(),
		Waits:            waits,
	}, nil
}

func (a *APIService) GetExecutionSteps(ctx context.Context, executionID string) ([]*gateflow.StepExecution, error) {
	execution, err := a.engine.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return execution.OrderedSteps(), nil
}

func (a *APIService) GetGraph(definitionID string) (*GraphResponse, error) {
	graph, err := a.engine.Graph(definitionID)
	if err != nil {
		return nil, err
	}

	rendered, err := gateflow.NewVisualizer().RenderGraph(graph.Definition())
	if err != nil {
		return nil, err
	}

	return &GraphResponse{
		DefinitionID: definitionID,
		Order:        graph.Order(),
		Levels:       graph.Levels(),
		Rendered:     rendered,
	}, nil
}

func summarize(execution *gateflow.WorkflowExecution) ExecutionSummary {
	return ExecutionSummary{
		ID:                execution.ID,
		DefinitionID:      execution.DefinitionID,
		DefinitionVersion: execution.DefinitionVersion,
		Status:            execution.Status,
		Outcome:           execution.Outcome(),
		FailedStep:        execution.FailedStep,
		Reason:            execution.Reason,
		Error:             execution.Error,
		CreatedAt:         execution.CreatedAt,
		UpdatedAt:         execution.UpdatedAt,
		CompletedAt:       execution.CompletedAt,
	}
}
