package gateflow

import (
	"encoding/json"
	"time"
)

type ExecutionStatus string

const (
	StatusRunning    ExecutionStatus = "running"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusTerminated ExecutionStatus = "terminated"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

type StepState string

const (
	StepStatePending         StepState = "pending"
	StepStateReady           StepState = "ready"
	StepStateAwaitingPolicy  StepState = "awaiting_policy"
	StepStateWaitingApproval StepState = "waiting_approval"
	StepStateRunning         StepState = "running"
	StepStateSucceeded       StepState = "succeeded"
	StepStateFailed          StepState = "failed"
	StepStateSkipped         StepState = "skipped"
)

func (s StepState) IsTerminal() bool {
	return s == StepStateSucceeded || s == StepStateFailed || s == StepStateSkipped
}

// Reasons recorded on failed and skipped steps.
const (
	ReasonPolicyDenied           = "policy_denied"
	ReasonBindingUnresolved      = "binding_unresolved"
	ReasonActivityFailure        = "activity_failure"
	ReasonRejectedByApprover     = "rejected_by_approver"
	ReasonDependencyNotSatisfied = "dependency_not_satisfied"
	ReasonExecutionAborted       = "execution_aborted"
	ReasonTerminated             = "terminated"
)

type RetryStrategy string

const (
	RetryStrategyFixed       RetryStrategy = "fixed"       // Fixed delay between retries
	RetryStrategyExponential RetryStrategy = "exponential" // Exponential backoff: delay = base * 2^attempt
	RetryStrategyLinear      RetryStrategy = "linear"      // Linear backoff: delay = base * attempt
)

type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts,omitempty" yaml:"maxAttempts"`
	BackoffSeconds    float64       `json:"backoffSeconds,omitempty" yaml:"backoffSeconds"`
	Strategy          RetryStrategy `json:"strategy,omitempty" yaml:"strategy"`
	MaxBackoffSeconds float64       `json:"maxBackoffSeconds,omitempty" yaml:"maxBackoffSeconds"`
	Jitter            *float64      `json:"jitter,omitempty" yaml:"jitter"`
}

type WorkflowDefinition struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Version      int               `json:"version"`
	Description  string            `json:"description,omitempty"`
	Input        map[string]any    `json:"input,omitempty"`
	FailOnReject bool              `json:"failOnReject,omitempty"`
	Steps        []*StepDefinition `json:"steps"`
	CreatedAt    time.Time         `json:"created_at"`
}

func (d *WorkflowDefinition) Step(id string) (*StepDefinition, bool) {
	for _, step := range d.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

type StepDefinition struct {
	ID               string         `json:"id" yaml:"-"`
	Activity         string         `json:"activity" yaml:"activity"`
	Description      string         `json:"description,omitempty" yaml:"description"`
	DependsOn        []string       `json:"dependsOn,omitempty" yaml:"dependsOn"`
	Input            map[string]any `json:"input,omitempty" yaml:"input"`
	RequiresApproval bool           `json:"requiresApproval,omitempty" yaml:"requiresApproval"`
	Retry            *RetryPolicy   `json:"retry,omitempty" yaml:"retry"`
	Critical         *bool          `json:"critical,omitempty" yaml:"critical"`
	Optional         bool           `json:"optional,omitempty" yaml:"optional"`
	TimeoutSeconds   float64        `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds"`
	TimeoutFatal     bool           `json:"timeoutFatal,omitempty" yaml:"timeoutFatal"`
}

// IsCritical reports whether a failure of the step fails the whole execution.
// Steps are critical unless marked optional or critical: false.
func (s *StepDefinition) IsCritical() bool {
	if s.Optional {
		return false
	}
	if s.Critical != nil {
		return *s.Critical
	}

	return true
}

func (s *StepDefinition) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

type WorkflowExecution struct {
	ID                string                    `json:"id"`
	DefinitionID      string                    `json:"definition_id"`
	DefinitionVersion int                       `json:"definition_version"`
	Definition        *WorkflowDefinition       `json:"definition,omitempty"`
	Status            ExecutionStatus           `json:"status"`
	Input             json.RawMessage           `json:"input,omitempty"`
	Steps             map[string]*StepExecution `json:"steps"`
	StepOrder         []string                  `json:"step_order"`
	FailedStep        string                    `json:"failed_step,omitempty"`
	Reason            string                    `json:"reason,omitempty"`
	Error             string                    `json:"error,omitempty"`
	LastSeq           int64                     `json:"last_seq"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
	CompletedAt       *time.Time                `json:"completed_at,omitempty"`
}

func (x *WorkflowExecution) IsTerminal() bool {
	return x.Status.IsTerminal()
}

func (x *WorkflowExecution) Step(stepID string) (*StepExecution, bool) {
	step, ok := x.Steps[stepID]

	return step, ok
}

// CompletedWithSkipped reports a completed execution that left some steps skipped,
// for example after a rejected approval.
func (x *WorkflowExecution) CompletedWithSkipped() bool {
	if x.Status != StatusCompleted {
		return false
	}
	for _, step := range x.Steps {
		if step.State == StepStateSkipped {
			return true
		}
	}

	return false
}

// Outcome is the status reported to operators.
func (x *WorkflowExecution) Outcome() string {
	if x.CompletedWithSkipped() {
		return "completed_with_skipped"
	}

	return string(x.Status)
}

// OrderedSteps returns step executions in definition order.
func (x *WorkflowExecution) OrderedSteps() []*StepExecution {
	steps := make([]*StepExecution, 0, len(x.StepOrder))
	for _, id := range x.StepOrder {
		if step, ok := x.Steps[id]; ok {
			steps = append(steps, step)
		}
	}

	return steps
}

// Clone returns a copy safe to hand out while the engine keeps mutating the original.
func (x *WorkflowExecution) Clone() *WorkflowExecution {
	clone := *x
	clone.Steps = make(map[string]*StepExecution, len(x.Steps))
	for id, step := range x.Steps {
		clone.Steps[id] = step.clone()
	}
	clone.StepOrder = append([]string(nil), x.StepOrder...)
	if x.CompletedAt != nil {
		completedAt := *x.CompletedAt
		clone.CompletedAt = &completedAt
	}

	return &clone
}

type StepExecution struct {
	ID               string          `json:"id"`
	ExecutionID      string          `json:"execution_id"`
	StepID           string          `json:"step_id"`
	Activity         string          `json:"activity"`
	State            StepState       `json:"state"`
	Attempts         int             `json:"attempts"`
	Input            json.RawMessage `json:"input,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Error            string          `json:"error,omitempty"`
	Policy           *PolicyDecision `json:"policy,omitempty"`
	CorrelationToken string          `json:"correlation_token,omitempty"`
	Approved         bool            `json:"approved,omitempty"`
	SignalPayload    json.RawMessage `json:"signal_payload,omitempty"`
	RetryAt          *time.Time      `json:"retry_at,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (s *StepExecution) clone() *StepExecution {
	clone := *s
	if s.Policy != nil {
		policy := *s.Policy
		clone.Policy = &policy
	}
	clone.RetryAt = cloneTime(s.RetryAt)
	clone.StartedAt = cloneTime(s.StartedAt)
	clone.CompletedAt = cloneTime(s.CompletedAt)

	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t

	return &v
}

func stepExecutionID(executionID, stepID string) string {
	return executionID + "/" + stepID
}

type ApprovalRequest struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Activity    string          `json:"activity"`
	Token       string          `json:"token"`
	Input       json.RawMessage `json:"input,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

type SummaryStats struct {
	TotalExecutions      int `json:"total_executions"`
	RunningExecutions    int `json:"running_executions"`
	CompletedExecutions  int `json:"completed_executions"`
	FailedExecutions     int `json:"failed_executions"`
	TerminatedExecutions int `json:"terminated_executions"`
	WaitingApprovals     int `json:"waiting_approvals"`
}
