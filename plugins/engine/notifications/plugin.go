package notifications

import (
	"context"

	"github.com/rom8726/gateflow"
)

var _ gateflow.Plugin = (*NotificationsPlugin)(nil)

type NotificationType string

const (
	NotificationTypeExecutionStarted   NotificationType = "execution_started"
	NotificationTypeExecutionCompleted NotificationType = "execution_completed"
	NotificationTypeExecutionFailed    NotificationType = "execution_failed"
	NotificationTypeStepFailed         NotificationType = "step_failed"
	NotificationTypeApprovalRequested  NotificationType = "approval_requested"
	NotificationTypeApprovalResolved   NotificationType = "approval_resolved"
)

type Notification struct {
	Type         NotificationType `json:"type"`
	ExecutionID  string           `json:"execution_id"`
	DefinitionID string           `json:"definition_id"`
	StepID       string           `json:"step_id,omitempty"`
	Token        string           `json:"token,omitempty"`
	Status       string           `json:"status"`
	Error        string           `json:"error,omitempty"`
}

type NotificationChannel interface {
	Send(ctx context.Context, notification Notification) error
}

type NotificationsPlugin struct {
	gateflow.BasePlugin

	channel NotificationChannel
	only    map[NotificationType]bool
}

type Option func(*NotificationsPlugin)

// WithTypes limits delivery to the given notification types.
func WithTypes(types ...NotificationType) Option {
	return func(p *NotificationsPlugin) {
		p.only = make(map[NotificationType]bool, len(types))
		for _, typ := range types {
			p.only[typ] = true
		}
	}
}

func New(channel NotificationChannel, opts ...Option) *NotificationsPlugin {
	p := &NotificationsPlugin{
		BasePlugin: gateflow.NewBasePlugin("notifications", gateflow.PriorityNormal),
		channel:    channel,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *NotificationsPlugin) send(ctx context.Context, notification Notification) error {
	if p.channel == nil {
		return nil
	}
	if p.only != nil && !p.only[notification.Type] {
		return nil
	}

	return p.channel.Send(ctx, notification)
}

func (p *NotificationsPlugin) OnExecutionStart(ctx context.Context, execution *gateflow.WorkflowExecution) error {
	return p.send(ctx, Notification{
		Type:         NotificationTypeExecutionStarted,
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		Status:       string(execution.Status),
	})
}

func (p *NotificationsPlugin) OnExecutionComplete(ctx context.Context, execution *gateflow.WorkflowExecution) error {
	return p.send(ctx, Notification{
		Type:         NotificationTypeExecutionCompleted,
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		Status:       execution.Outcome(),
	})
}

func (p *NotificationsPlugin) OnExecutionFailed(ctx context.Context, execution *gateflow.WorkflowExecution) error {
	errorMsg := execution.Error
	if errorMsg == "" {
		errorMsg = execution.Reason
	}

	return p.send(ctx, Notification{
		Type:         NotificationTypeExecutionFailed,
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		StepID:       execution.FailedStep,
		Status:       string(execution.Status),
		Error:        errorMsg,
	})
}

func (p *NotificationsPlugin) OnStepFailed(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	err error,
) error {
	errorMsg := step.Error
	if errorMsg == "" && err != nil {
		errorMsg = err.Error()
	}

	return p.send(ctx, Notification{
		Type:         NotificationTypeStepFailed,
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		StepID:       step.StepID,
		Status:       string(step.State),
		Error:        errorMsg,
	})
}

func (p *NotificationsPlugin) OnApprovalRequested(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	request gateflow.ApprovalRequest,
) error {
	return p.send(ctx, Notification{
		Type:         NotificationTypeApprovalRequested,
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		StepID:       request.StepID,
		Token:        request.Token,
		Status:       string(gateflow.StepStateWaitingApproval),
	})
}

func (p *NotificationsPlugin) OnApprovalResolved(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	kind gateflow.SignalKind,
) error {
	return p.send(ctx, Notification{
		Type:         NotificationTypeApprovalResolved,
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		StepID:       step.StepID,
		Token:        step.CorrelationToken,
		Status:       string(kind),
	})
}
