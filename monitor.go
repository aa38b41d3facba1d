package gateflow

import (
	"context"
	"sort"
	"time"
)

var _ Monitor = (*ExecutionMonitor)(nil)

// ExecutionMonitor derives statistics from execution state. It holds no counters of
// its own, so the numbers agree with whatever the event log replays to.
type ExecutionMonitor struct {
	executions ExecutionLister
	clock      func() time.Time
}

func NewMonitor(executions ExecutionLister) *ExecutionMonitor {
	return &ExecutionMonitor{executions: executions, clock: time.Now}
}

type WorkflowStats struct {
	DefinitionID        string        `json:"definition_id"`
	Version             int           `json:"version"`
	TotalExecutions     int           `json:"total_executions"`
	CompletedExecutions int           `json:"completed_executions"`
	FailedExecutions    int           `json:"failed_executions"`
	RunningExecutions   int           `json:"running_executions"`
	AverageDuration     time.Duration `json:"average_duration"`
}

type ActiveExecution struct {
	ExecutionID      string          `json:"execution_id"`
	DefinitionID     string          `json:"definition_id"`
	Status           ExecutionStatus `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	Duration         time.Duration   `json:"duration"`
	TotalSteps       int             `json:"total_steps"`
	SucceededSteps   int             `json:"succeeded_steps"`
	FailedSteps      int             `json:"failed_steps"`
	RunningSteps     int             `json:"running_steps"`
	WaitingApprovals int             `json:"waiting_approvals"`
}

func (m *ExecutionMonitor) GetSummaryStats(ctx context.Context) (*SummaryStats, error) {
	executions, err := m.executions.ListExecutions(ctx)
	if err != nil {
		return nil, err
	}

	stats := &SummaryStats{TotalExecutions: len(executions)}
	for _, execution := range executions {
		switch execution.Status {
		case StatusRunning:
			stats.RunningExecutions++
		case StatusCompleted:
			stats.CompletedExecutions++
		case StatusFailed:
			stats.FailedExecutions++
		case StatusTerminated:
			stats.TerminatedExecutions++
		}
		for _, step := range execution.Steps {
			if step.State == StepStateWaitingApproval {
				stats.WaitingApprovals++
			}
		}
	}

	return stats, nil
}

func (m *ExecutionMonitor) GetWorkflowStats(ctx context.Context) ([]WorkflowStats, error) {
	executions, err := m.executions.ListExecutions(ctx)
	if err != nil {
		return nil, err
	}

	type accumulator struct {
		stats    WorkflowStats
		total    time.Duration
		finished int
	}

	byDefinition := make(map[string]*accumulator)
	for _, execution := range executions {
		acc, ok := byDefinition[execution.DefinitionID]
		if !ok {
			acc = &accumulator{stats: WorkflowStats{DefinitionID: execution.DefinitionID}}
			byDefinition[execution.DefinitionID] = acc
		}
		if execution.DefinitionVersion > acc.stats.Version {
			acc.stats.Version = execution.DefinitionVersion
		}

		acc.stats.TotalExecutions++
		switch execution.Status {
		case StatusRunning:
			acc.stats.RunningExecutions++
		case StatusCompleted:
			acc.stats.CompletedExecutions++
		case StatusFailed, StatusTerminated:
			acc.stats.FailedExecutions++
		}
		if execution.CompletedAt != nil {
			acc.total += execution.CompletedAt.Sub(execution.CreatedAt)
			acc.finished++
		}
	}

	stats := make([]WorkflowStats, 0, len(byDefinition))
	for _, acc := range byDefinition {
		if acc.finished > 0 {
			acc.stats.AverageDuration = acc.total / time.Duration(acc.finished)
		}
		stats = append(stats, acc.stats)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].DefinitionID < stats[j].DefinitionID })

	return stats, nil
}

func (m *ExecutionMonitor) GetActiveExecutions(ctx context.Context) ([]ActiveExecution, error) {
	executions, err := m.executions.ListExecutions(ctx)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	var active []ActiveExecution
	for _, execution := range executions {
		if execution.IsTerminal() {
			continue
		}

		item := ActiveExecution{
			ExecutionID:  execution.ID,
			DefinitionID: execution.DefinitionID,
			Status:       execution.Status,
			CreatedAt:    execution.CreatedAt,
			Duration:     now.Sub(execution.CreatedAt),
			TotalSteps:   len(execution.Steps),
		}
		for _, step := range execution.Steps {
			switch step.State {
			case StepStateSucceeded:
				item.SucceededSteps++
			case StepStateFailed:
				item.FailedSteps++
			case StepStateRunning:
				item.RunningSteps++
			case StepStateWaitingApproval:
				item.WaitingApprovals++
			}
		}
		active = append(active, item)
	}

	return active, nil
}
