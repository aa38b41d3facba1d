package gateflow

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrEntityNotFound      = errors.New("entity not found")
	ErrDefinitionInvalid   = errors.New("definition invalid")
	ErrBindingUnresolved   = errors.New("binding unresolved")
	ErrPolicyDenied        = errors.New("policy denied")
	ErrNoMatchingWait      = errors.New("no matching wait")
	ErrAlreadyResolved     = errors.New("already resolved")
	ErrExecutionTerminated = errors.New("execution is terminated")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrEventOutOfOrder     = errors.New("event out of order")
	ErrSequenceConflict    = errors.New("event sequence conflict")
	ErrActivityNotFound    = errors.New("activity not found")
	ErrTokenInUse          = errors.New("correlation token already waiting")
	ErrEngineStopped       = errors.New("engine stopped")
)

// Validation rules reported by DefinitionError.
const (
	RuleEmptyDefinition    = "empty_definition"
	RuleMissingStepID      = "missing_step_id"
	RuleDuplicateStep      = "duplicate_step"
	RuleInvalidRetry       = "invalid_retry"
	RuleUnknownDependency  = "unknown_dependency"
	RuleCycle              = "cycle"
	RuleInvalidBinding     = "invalid_binding"
	RuleBindingNotUpstream = "binding_not_upstream"
	RuleUnknownActivity    = "unknown_activity"
)

type DefinitionError struct {
	DefinitionID string
	StepID       string
	Rule         string
	Detail       string
}

func (e *DefinitionError) Error() string {
	msg := fmt.Sprintf("definition %q invalid: %s", e.DefinitionID, e.Rule)
	if e.StepID != "" {
		msg = fmt.Sprintf("definition %q invalid: step %q: %s", e.DefinitionID, e.StepID, e.Rule)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	return msg
}

func (e *DefinitionError) Unwrap() error { return ErrDefinitionInvalid }

type BindingError struct {
	StepID     string
	Expression string
	Detail     string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("step %q: binding %s unresolved: %s", e.StepID, e.Expression, e.Detail)
}

func (e *BindingError) Unwrap() error { return ErrBindingUnresolved }

// ActivityError wraps a failure returned by an activity. Fatal errors bypass retries.
type ActivityError struct {
	Activity string
	Fatal    bool
	Err      error
}

func (e *ActivityError) Error() string {
	if e.Activity == "" {
		return e.Err.Error()
	}

	return fmt.Sprintf("activity %q: %v", e.Activity, e.Err)
}

func (e *ActivityError) Unwrap() error { return e.Err }

// NonRetryable marks err as a fatal activity failure.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}

	return &ActivityError{Fatal: true, Err: err}
}

type ErrorClass int

const (
	ErrorRecoverable ErrorClass = iota
	ErrorFatal
)

func (c ErrorClass) String() string {
	if c == ErrorFatal {
		return "fatal"
	}

	return "recoverable"
}

// ClassifyError splits failures into transient ones and contract violations.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorRecoverable
	}
	if errors.Is(err, ErrBindingUnresolved) || errors.Is(err, ErrDefinitionInvalid) ||
		errors.Is(err, ErrActivityNotFound) || errors.Is(err, context.Canceled) {
		return ErrorFatal
	}

	var activityErr *ActivityError
	if errors.As(err, &activityErr) && activityErr.Fatal {
		return ErrorFatal
	}

	return ErrorRecoverable
}
