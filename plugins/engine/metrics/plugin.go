package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rom8726/gateflow"
)

var _ gateflow.Plugin = (*MetricsPlugin)(nil)

// MetricsPlugin feeds lifecycle hooks into a collector. Durations come from the
// recorded event timestamps, so they match what replay reports.
type MetricsPlugin struct {
	gateflow.BasePlugin

	collector     MetricsCollector
	approvalSince map[string]time.Time
	mu            sync.Mutex
}

func New(collector MetricsCollector) *MetricsPlugin {
	return &MetricsPlugin{
		BasePlugin:    gateflow.NewBasePlugin("metrics", gateflow.PriorityHigh),
		collector:     collector,
		approvalSince: make(map[string]time.Time),
	}
}

func (p *MetricsPlugin) OnExecutionStart(_ context.Context, execution *gateflow.WorkflowExecution) error {
	if p.collector != nil {
		p.collector.RecordExecutionStarted(execution.DefinitionID)
	}

	return nil
}

func (p *MetricsPlugin) OnExecutionComplete(_ context.Context, execution *gateflow.WorkflowExecution) error {
	p.finished(execution)

	return nil
}

func (p *MetricsPlugin) OnExecutionFailed(_ context.Context, execution *gateflow.WorkflowExecution) error {
	p.finished(execution)

	return nil
}

func (p *MetricsPlugin) finished(execution *gateflow.WorkflowExecution) {
	p.mu.Lock()
	for _, step := range execution.Steps {
		delete(p.approvalSince, step.ID)
	}
	p.mu.Unlock()

	if p.collector == nil {
		return
	}

	var duration time.Duration
	if execution.CompletedAt != nil {
		duration = execution.CompletedAt.Sub(execution.CreatedAt)
	}
	p.collector.RecordExecutionFinished(execution.DefinitionID, execution.Outcome(), duration)
}

func (p *MetricsPlugin) OnStepStart(
	_ context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
) error {
	if p.collector != nil {
		p.collector.RecordStepStarted(execution.DefinitionID, step.StepID, step.Activity)
	}

	return nil
}

func (p *MetricsPlugin) OnStepComplete(
	_ context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
) error {
	if p.collector != nil {
		p.collector.RecordStepCompleted(execution.DefinitionID, step.StepID, step.Activity, stepDuration(step))
	}

	return nil
}

func (p *MetricsPlugin) OnStepFailed(
	_ context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	_ error,
) error {
	if p.collector != nil {
		reason := step.Reason
		if reason == "" && step.Policy != nil && step.Policy.Verdict == gateflow.PolicyDeny {
			reason = gateflow.ReasonPolicyDenied
		}
		p.collector.RecordStepFailed(execution.DefinitionID, step.StepID, step.Activity, reason, stepDuration(step))
	}

	return nil
}

func (p *MetricsPlugin) OnStepRetry(
	_ context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	_ error,
) error {
	if p.collector != nil {
		p.collector.RecordStepRetry(execution.DefinitionID, step.StepID, step.Activity)
	}

	return nil
}

func (p *MetricsPlugin) OnApprovalRequested(
	_ context.Context,
	execution *gateflow.WorkflowExecution,
	request gateflow.ApprovalRequest,
) error {
	p.mu.Lock()
	p.approvalSince[request.Token] = request.RequestedAt
	p.mu.Unlock()

	if p.collector != nil {
		p.collector.RecordApprovalRequested(execution.DefinitionID, request.StepID)
	}

	return nil
}

func (p *MetricsPlugin) OnApprovalResolved(
	_ context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	kind gateflow.SignalKind,
) error {
	p.mu.Lock()
	since, ok := p.approvalSince[step.CorrelationToken]
	delete(p.approvalSince, step.CorrelationToken)
	p.mu.Unlock()

	if p.collector == nil {
		return nil
	}

	var wait time.Duration
	if ok {
		wait = step.UpdatedAt.Sub(since)
	}
	p.collector.RecordApprovalResolved(execution.DefinitionID, step.StepID, string(kind), wait)

	return nil
}

func stepDuration(step *gateflow.StepExecution) time.Duration {
	if step.StartedAt == nil || step.CompletedAt == nil {
		return 0
	}

	return step.CompletedAt.Sub(*step.StartedAt)
}
