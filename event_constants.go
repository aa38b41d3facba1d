package gateflow

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	// Execution events
	EventExecutionStarted    EventType = "execution_started"
	EventExecutionCompleted  EventType = "execution_completed"
	EventExecutionFailed     EventType = "execution_failed"
	EventExecutionTerminated EventType = "execution_terminated"

	// Step events
	EventStepReady          EventType = "step_ready"
	EventPolicyRequested    EventType = "policy_requested"
	EventPolicyDecided      EventType = "policy_decided"
	EventApprovalRequested  EventType = "approval_requested"
	EventStepApproved       EventType = "step_approved"
	EventStepRejected       EventType = "step_rejected"
	EventStepStarted        EventType = "step_started"
	EventStepSucceeded      EventType = "step_succeeded"
	EventStepRetryScheduled EventType = "step_retry_scheduled"
	EventStepFailed         EventType = "step_failed"
	EventStepSkipped        EventType = "step_skipped"
)

// Event is one entry of an execution's append-only history. Seq is gap-free and
// starts at 1 for every execution.
type Event struct {
	ExecutionID string          `json:"execution_id"`
	Seq         int64           `json:"seq"`
	Type        EventType       `json:"type"`
	StepID      string          `json:"step_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ExecutionStartedPayload struct {
	Definition *WorkflowDefinition `json:"definition"`
	Input      json.RawMessage     `json:"input,omitempty"`
}

type ExecutionFailedPayload struct {
	StepID string `json:"step_id,omitempty"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

type ExecutionTerminatedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type StepReadyPayload struct {
	Input json.RawMessage `json:"input"`
}

type PolicyDecidedPayload struct {
	Verdict PolicyVerdict `json:"verdict"`
	Reason  string        `json:"reason,omitempty"`
}

type ApprovalRequestedPayload struct {
	Token string `json:"token"`
}

type SignalPayload struct {
	Token   string          `json:"token"`
	Attempt int             `json:"attempt,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type StepStartedPayload struct {
	Attempt int `json:"attempt"`
}

type StepSucceededPayload struct {
	Attempt int             `json:"attempt"`
	Output  json.RawMessage `json:"output"`
}

type StepRetryScheduledPayload struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	DelayMS int64     `json:"delay_ms"`
	RetryAt time.Time `json:"retry_at"`
}

type StepFailedPayload struct {
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason"`
	Error   string `json:"error,omitempty"`
	Class   string `json:"class,omitempty"`
}

type StepSkippedPayload struct {
	Reason string `json:"reason"`
}
