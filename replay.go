package gateflow

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

var stepTransitions = map[StepState][]StepState{
	StepStatePending:         {StepStateReady, StepStateFailed, StepStateSkipped},
	StepStateReady:           {StepStateAwaitingPolicy, StepStateSkipped},
	StepStateAwaitingPolicy:  {StepStateWaitingApproval, StepStateRunning, StepStateFailed, StepStateSkipped},
	StepStateWaitingApproval: {StepStateRunning, StepStateSkipped},
	StepStateRunning:         {StepStateSucceeded, StepStateReady, StepStateFailed, StepStateSkipped},
}

func CanTransition(from, to StepState) bool {
	return slices.Contains(stepTransitions[from], to)
}

// Replay folds events from empty state. Apply is the only way an execution changes,
// so replaying a recorded history yields the state the engine held live.
func Replay(events []Event) (*WorkflowExecution, error) {
	if len(events) == 0 {
		return nil, ErrEntityNotFound
	}

	execution := &WorkflowExecution{}
	for _, event := range events {
		if err := execution.Apply(event); err != nil {
			return nil, err
		}
	}

	return execution, nil
}

// Apply advances the execution by one event. It depends only on the current state
// and the event, never on clocks or external services.
func (x *WorkflowExecution) Apply(event Event) error {
	if event.Type == EventExecutionStarted {
		if x.LastSeq != 0 || event.Seq != 1 {
			return fmt.Errorf("%w: %s at seq %d", ErrEventOutOfOrder, event.Type, event.Seq)
		}

		return x.applyStarted(event)
	}

	if x.LastSeq == 0 {
		return fmt.Errorf("%w: %s before %s", ErrEventOutOfOrder, event.Type, EventExecutionStarted)
	}
	if event.ExecutionID != x.ID {
		return fmt.Errorf("%w: event of %q applied to %q", ErrEventOutOfOrder, event.ExecutionID, x.ID)
	}
	if event.Seq != x.LastSeq+1 {
		return fmt.Errorf("%w: expected seq %d, got %d", ErrEventOutOfOrder, x.LastSeq+1, event.Seq)
	}
	if x.IsTerminal() {
		return fmt.Errorf("%w: execution %s is %s", ErrInvalidTransition, x.ID, x.Status)
	}

	var err error
	switch event.Type {
	case EventStepReady:
		err = x.applyStepReady(event)
	case EventPolicyRequested:
		err = x.applyPolicyRequested(event)
	case EventPolicyDecided:
		err = x.applyPolicyDecided(event)
	case EventApprovalRequested:
		err = x.applyApprovalRequested(event)
	case EventStepApproved:
		err = x.applyStepApproved(event)
	case EventStepRejected:
		err = x.applyStepRejected(event)
	case EventStepStarted:
		err = x.applyStepStarted(event)
	case EventStepSucceeded:
		err = x.applyStepSucceeded(event)
	case EventStepRetryScheduled:
		err = x.applyStepRetryScheduled(event)
	case EventStepFailed:
		err = x.applyStepFailed(event)
	case EventStepSkipped:
		err = x.applyStepSkipped(event)
	case EventExecutionCompleted:
		err = x.applyExecutionCompleted(event)
	case EventExecutionFailed:
		err = x.applyExecutionFailed(event)
	case EventExecutionTerminated:
		err = x.applyExecutionTerminated(event)
	default:
		err = fmt.Errorf("unknown event type %q", event.Type)
	}
	if err != nil {
		return fmt.Errorf("apply %s #%d: %w", event.Type, event.Seq, err)
	}

	x.LastSeq = event.Seq
	x.UpdatedAt = event.CreatedAt

	return nil
}

func (x *WorkflowExecution) applyStarted(event Event) error {
	var payload ExecutionStartedPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}
	if payload.Definition == nil {
		return fmt.Errorf("apply %s: missing definition", event.Type)
	}

	def := payload.Definition
	x.ID = event.ExecutionID
	x.DefinitionID = def.ID
	x.DefinitionVersion = def.Version
	x.Definition = def
	x.Status = StatusRunning
	x.Input = payload.Input
	x.Steps = make(map[string]*StepExecution, len(def.Steps))
	x.StepOrder = make([]string, 0, len(def.Steps))
	for _, step := range def.Steps {
		x.Steps[step.ID] = &StepExecution{
			ID:          stepExecutionID(event.ExecutionID, step.ID),
			ExecutionID: event.ExecutionID,
			StepID:      step.ID,
			Activity:    step.Activity,
			State:       StepStatePending,
			UpdatedAt:   event.CreatedAt,
		}
		x.StepOrder = append(x.StepOrder, step.ID)
	}
	x.CreatedAt = event.CreatedAt
	x.UpdatedAt = event.CreatedAt
	x.LastSeq = event.Seq

	return nil
}

func (x *WorkflowExecution) applyStepReady(event Event) error {
	var payload StepReadyPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	step, err := x.transition(event, StepStateReady)
	if err != nil {
		return err
	}
	step.Input = payload.Input

	return nil
}

func (x *WorkflowExecution) applyPolicyRequested(event Event) error {
	step, err := x.transition(event, StepStateAwaitingPolicy)
	if err != nil {
		return err
	}
	step.Policy = nil
	step.RetryAt = nil

	return nil
}

func (x *WorkflowExecution) applyPolicyDecided(event Event) error {
	var payload PolicyDecidedPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	step, err := x.stepFor(event)
	if err != nil {
		return err
	}
	if step.State != StepStateAwaitingPolicy || step.Policy != nil {
		return fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, step.StepID, step.State)
	}

	step.Policy = &PolicyDecision{StepID: step.StepID, Verdict: payload.Verdict, Reason: payload.Reason}
	if payload.Verdict == PolicyAllow {
		step.UpdatedAt = event.CreatedAt

		return nil
	}

	if _, err := x.transition(event, StepStateFailed); err != nil {
		return err
	}
	step.Reason = ReasonPolicyDenied
	step.Error = payload.Reason
	step.CompletedAt = timePtr(event.CreatedAt)

	return nil
}

func (x *WorkflowExecution) applyApprovalRequested(event Event) error {
	var payload ApprovalRequestedPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	if err := x.requireAllowed(event); err != nil {
		return err
	}
	step, err := x.transition(event, StepStateWaitingApproval)
	if err != nil {
		return err
	}
	step.CorrelationToken = payload.Token

	return nil
}

func (x *WorkflowExecution) applyStepApproved(event Event) error {
	var payload SignalPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	if err := x.requireToken(event, payload.Token); err != nil {
		return err
	}
	step, err := x.transition(event, StepStateRunning)
	if err != nil {
		return err
	}
	step.Approved = true
	step.SignalPayload = payload.Payload
	step.Attempts = payload.Attempt
	step.StartedAt = timePtr(event.CreatedAt)

	return nil
}

func (x *WorkflowExecution) applyStepRejected(event Event) error {
	var payload SignalPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	if err := x.requireToken(event, payload.Token); err != nil {
		return err
	}
	step, err := x.transition(event, StepStateSkipped)
	if err != nil {
		return err
	}
	step.Reason = ReasonRejectedByApprover
	step.SignalPayload = payload.Payload
	step.CompletedAt = timePtr(event.CreatedAt)

	return nil
}

func (x *WorkflowExecution) applyStepStarted(event Event) error {
	var payload StepStartedPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	if err := x.requireAllowed(event); err != nil {
		return err
	}
	current, err := x.stepFor(event)
	if err != nil {
		return err
	}
	if payload.Attempt != current.Attempts+1 {
		return fmt.Errorf("%w: step %s attempt %d after %d", ErrInvalidTransition, current.StepID, payload.Attempt, current.Attempts)
	}

	step, err := x.transition(event, StepStateRunning)
	if err != nil {
		return err
	}
	step.Attempts = payload.Attempt
	step.StartedAt = timePtr(event.CreatedAt)

	return nil
}

func (x *WorkflowExecution) applyStepSucceeded(event Event) error {
	var payload StepSucceededPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	if err := x.requireAttempt(event, payload.Attempt); err != nil {
		return err
	}
	step, err := x.transition(event, StepStateSucceeded)
	if err != nil {
		return err
	}
	step.Output = payload.Output
	step.Error = ""
	step.CompletedAt = timePtr(event.CreatedAt)

	return nil
}

func (x *WorkflowExecution) applyStepRetryScheduled(event Event) error {
	var payload StepRetryScheduledPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	if err := x.requireAttempt(event, payload.Attempt); err != nil {
		return err
	}
	step, err := x.transition(event, StepStateReady)
	if err != nil {
		return err
	}
	step.Error = payload.Error
	step.RetryAt = timePtr(payload.RetryAt)

	return nil
}

func (x *WorkflowExecution) applyStepFailed(event Event) error {
	var payload StepFailedPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	step, err := x.transition(event, StepStateFailed)
	if err != nil {
		return err
	}
	step.Reason = payload.Reason
	step.Error = payload.Error
	step.CompletedAt = timePtr(event.CreatedAt)

	return nil
}

func (x *WorkflowExecution) applyStepSkipped(event Event) error {
	var payload StepSkippedPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	step, err := x.transition(event, StepStateSkipped)
	if err != nil {
		return err
	}
	step.Reason = payload.Reason
	step.CompletedAt = timePtr(event.CreatedAt)

	return nil
}

func (x *WorkflowExecution) applyExecutionCompleted(event Event) error {
	for _, step := range x.Steps {
		if !step.State.IsTerminal() {
			return fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, step.StepID, step.State)
		}
	}

	x.Status = StatusCompleted
	x.CompletedAt = timePtr(event.CreatedAt)

	return nil
}

func (x *WorkflowExecution) applyExecutionFailed(event Event) error {
	var payload ExecutionFailedPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	x.Status = StatusFailed
	x.FailedStep = payload.StepID
	x.Reason = payload.Reason
	x.Error = payload.Error
	x.CompletedAt = timePtr(event.CreatedAt)
	x.skipRemaining(ReasonExecutionAborted, event.CreatedAt)

	return nil
}

func (x *WorkflowExecution) applyExecutionTerminated(event Event) error {
	var payload ExecutionTerminatedPayload
	if err := decodePayload(event, &payload); err != nil {
		return err
	}

	x.Status = StatusTerminated
	x.Reason = ReasonTerminated
	x.Error = payload.Reason
	x.CompletedAt = timePtr(event.CreatedAt)
	x.skipRemaining(ReasonTerminated, event.CreatedAt)

	return nil
}

func (x *WorkflowExecution) skipRemaining(reason string, at time.Time) {
	for _, id := range x.StepOrder {
		step := x.Steps[id]
		if step.State.IsTerminal() {
			continue
		}
		step.State = StepStateSkipped
		step.Reason = reason
		step.RetryAt = nil
		step.CompletedAt = timePtr(at)
		step.UpdatedAt = at
	}
}

func (x *WorkflowExecution) stepFor(event Event) (*StepExecution, error) {
	step, ok := x.Steps[event.StepID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown step %q", ErrInvalidTransition, event.StepID)
	}

	return step, nil
}

func (x *WorkflowExecution) transition(event Event, to StepState) (*StepExecution, error) {
	step, err := x.stepFor(event)
	if err != nil {
		return nil, err
	}
	if !CanTransition(step.State, to) {
		return nil, fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, step.StepID, step.State, to)
	}

	step.State = to
	step.UpdatedAt = event.CreatedAt

	return step, nil
}

func (x *WorkflowExecution) requireAllowed(event Event) error {
	step, err := x.stepFor(event)
	if err != nil {
		return err
	}
	if step.Policy == nil || step.Policy.Verdict != PolicyAllow {
		return fmt.Errorf("%w: step %s has no allow decision", ErrInvalidTransition, step.StepID)
	}

	return nil
}

func (x *WorkflowExecution) requireToken(event Event, token string) error {
	step, err := x.stepFor(event)
	if err != nil {
		return err
	}
	if step.CorrelationToken != token {
		return fmt.Errorf("%w: step %s token mismatch", ErrInvalidTransition, step.StepID)
	}

	return nil
}

func (x *WorkflowExecution) requireAttempt(event Event, attempt int) error {
	step, err := x.stepFor(event)
	if err != nil {
		return err
	}
	if step.Attempts != attempt {
		return fmt.Errorf("%w: step %s attempt %d, result for %d", ErrInvalidTransition, step.StepID, step.Attempts, attempt)
	}

	return nil
}

func decodePayload(event Event, dst any) error {
	if len(event.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(event.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.Type, err)
	}

	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
