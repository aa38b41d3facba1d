package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rom8726/gateflow"
)

var _ gateflow.Plugin = (*AuditPlugin)(nil)

type AuditLogEntry struct {
	Timestamp    time.Time       `json:"timestamp"`
	EventType    string          `json:"event_type"`
	ExecutionID  string          `json:"execution_id"`
	DefinitionID string          `json:"definition_id"`
	StepID       string          `json:"step_id,omitempty"`
	Activity     string          `json:"activity,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Error        string          `json:"error,omitempty"`
	Actor        string          `json:"actor,omitempty"`
	Duration     *time.Duration  `json:"duration,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

type Writer interface {
	Write(ctx context.Context, entry *AuditLogEntry) error
}

type AuditPlugin struct {
	gateflow.BasePlugin

	writer Writer
}

func New(writer Writer) *AuditPlugin {
	return &AuditPlugin{
		BasePlugin: gateflow.NewBasePlugin("audit", gateflow.PriorityNormal),
		writer:     writer,
	}
}

func (p *AuditPlugin) OnExecutionStart(ctx context.Context, execution *gateflow.WorkflowExecution) error {
	entry := AuditLogEntry{
		Timestamp:    execution.CreatedAt,
		EventType:    "execution_start",
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		Status:       string(execution.Status),
		Metadata:     execution.Input,
	}

	return p.logEvent(ctx, &entry)
}

func (p *AuditPlugin) OnExecutionComplete(ctx context.Context, execution *gateflow.WorkflowExecution) error {
	entry := AuditLogEntry{
		Timestamp:    execution.UpdatedAt,
		EventType:    "execution_complete",
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		Status:       execution.Outcome(),
		Duration:     executionDuration(execution),
	}

	return p.logEvent(ctx, &entry)
}

func (p *AuditPlugin) OnExecutionFailed(ctx context.Context, execution *gateflow.WorkflowExecution) error {
	entry := AuditLogEntry{
		Timestamp:    execution.UpdatedAt,
		EventType:    "execution_failed",
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		StepID:       execution.FailedStep,
		Status:       string(execution.Status),
		Reason:       execution.Reason,
		Error:        execution.Error,
		Duration:     executionDuration(execution),
	}
	if execution.Status == gateflow.StatusTerminated {
		entry.EventType = "execution_terminated"
	}

	return p.logEvent(ctx, &entry)
}

func (p *AuditPlugin) OnStepStart(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
) error {
	entry := stepEntry("step_start", execution, step)
	entry.Metadata = step.Input

	return p.logEvent(ctx, &entry)
}

func (p *AuditPlugin) OnStepComplete(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
) error {
	entry := stepEntry("step_complete", execution, step)
	entry.Metadata = step.Output
	if step.StartedAt != nil && step.CompletedAt != nil {
		d := step.CompletedAt.Sub(*step.StartedAt)
		entry.Duration = &d
	}

	return p.logEvent(ctx, &entry)
}

func (p *AuditPlugin) OnStepFailed(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	err error,
) error {
	entry := stepEntry("step_failed", execution, step)
	entry.Reason = step.Reason
	entry.Error = step.Error
	if entry.Error == "" && err != nil {
		entry.Error = err.Error()
	}
	if step.Policy != nil && step.Policy.Verdict == gateflow.PolicyDeny {
		entry.EventType = "policy_denied"
		entry.Reason = gateflow.ReasonPolicyDenied
		entry.Error = step.Policy.Reason
	}
	entry.Metadata = step.Input

	return p.logEvent(ctx, &entry)
}

func (p *AuditPlugin) OnStepRetry(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	err error,
) error {
	entry := stepEntry("step_retry", execution, step)
	if err != nil {
		entry.Error = err.Error()
	}

	return p.logEvent(ctx, &entry)
}

func (p *AuditPlugin) OnApprovalRequested(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	request gateflow.ApprovalRequest,
) error {
	entry := AuditLogEntry{
		Timestamp:    request.RequestedAt,
		EventType:    "approval_requested",
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		StepID:       request.StepID,
		Activity:     request.Activity,
		Status:       string(gateflow.StepStateWaitingApproval),
		Metadata:     request.Input,
	}

	return p.logEvent(ctx, &entry)
}

func (p *AuditPlugin) OnApprovalResolved(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	kind gateflow.SignalKind,
) error {
	entry := stepEntry("approval_"+string(kind), execution, step)
	entry.Actor = decidedBy(step.SignalPayload)
	entry.Metadata = step.SignalPayload

	return p.logEvent(ctx, &entry)
}

func (p *AuditPlugin) logEvent(ctx context.Context, entry *AuditLogEntry) error {
	return p.writer.Write(ctx, entry)
}

func stepEntry(eventType string, execution *gateflow.WorkflowExecution, step *gateflow.StepExecution) AuditLogEntry {
	return AuditLogEntry{
		Timestamp:    step.UpdatedAt,
		EventType:    eventType,
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		StepID:       step.StepID,
		Activity:     step.Activity,
		Attempt:      step.Attempts,
		Status:       string(step.State),
	}
}

func executionDuration(execution *gateflow.WorkflowExecution) *time.Duration {
	if execution.CompletedAt == nil {
		return nil
	}
	d := execution.CompletedAt.Sub(execution.CreatedAt)

	return &d
}

// decidedBy reads the approver from a signal payload shaped like {"decided_by": "..."}.
func decidedBy(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}

	var body struct {
		DecidedBy string `json:"decided_by"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}

	return body.DecidedBy
}
