package gateflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

type SignalKind string

const (
	SignalApprove SignalKind = "approve"
	SignalReject  SignalKind = "reject"
)

func ParseSignalKind(s string) (SignalKind, error) {
	switch SignalKind(strings.ToLower(strings.TrimSpace(s))) {
	case SignalApprove:
		return SignalApprove, nil
	case SignalReject:
		return SignalReject, nil
	default:
		return "", fmt.Errorf("unknown signal kind %q (want approve or reject)", s)
	}
}

// Signal is an external approve/reject event. ExecutionID is optional; when set it
// must match the execution owning the token.
type Signal struct {
	ExecutionID string          `json:"execution_id,omitempty"`
	Token       string          `json:"token"`
	Kind        SignalKind      `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ApprovalWait is one parked step waiting for a signal.
type ApprovalWait struct {
	Token       string `json:"token"`
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Resolved    bool   `json:"resolved"`
	Closed      bool   `json:"closed"`
}

func ApprovalToken(executionID, stepID string) string {
	return fmt.Sprintf("approval-%s-%s", executionID, stepID)
}

// SignalRouter maps correlation tokens to waiting steps. The first signal for a token
// claims it; later ones get ErrAlreadyResolved.
type SignalRouter struct {
	mu          sync.Mutex
	waits       map[string]*ApprovalWait
	byExecution map[string][]string
}

func NewSignalRouter() *SignalRouter {
	return &SignalRouter{
		waits:       make(map[string]*ApprovalWait),
		byExecution: make(map[string][]string),
	}
}

func (r *SignalRouter) Register(executionID, stepID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.waits[token]; ok {
		if existing.ExecutionID == executionID && existing.StepID == stepID {
			existing.Resolved = false
			existing.Closed = false

			return nil
		}
		if !existing.Resolved && !existing.Closed {
			return fmt.Errorf("%w: %s", ErrTokenInUse, token)
		}
	}

	r.waits[token] = &ApprovalWait{Token: token, ExecutionID: executionID, StepID: stepID}
	r.byExecution[executionID] = append(r.byExecution[executionID], token)

	return nil
}

// Route claims the wait for sig.Token. The caller delivers the signal to the owning
// execution and calls Release if delivery fails.
func (r *SignalRouter) Route(sig Signal) (ApprovalWait, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wait, ok := r.waits[sig.Token]
	if !ok || (sig.ExecutionID != "" && wait.ExecutionID != sig.ExecutionID) {
		return ApprovalWait{}, fmt.Errorf("%w: token %q", ErrNoMatchingWait, sig.Token)
	}
	if wait.Resolved {
		return *wait, fmt.Errorf("%w: token %q", ErrAlreadyResolved, sig.Token)
	}
	if wait.Closed {
		return *wait, fmt.Errorf("%w: %s", ErrExecutionTerminated, wait.ExecutionID)
	}

	wait.Resolved = true

	return *wait, nil
}

func (r *SignalRouter) Release(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wait, ok := r.waits[token]; ok && !wait.Closed {
		wait.Resolved = false
	}
}

// CloseExecution rejects every future signal aimed at the execution's tokens.
func (r *SignalRouter) CloseExecution(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, token := range r.byExecution[executionID] {
		if wait, ok := r.waits[token]; ok && wait.ExecutionID == executionID {
			wait.Closed = true
		}
	}
}

// Forget drops every token of a finished execution. Signals for them are no longer
// answered by the router.
func (r *SignalRouter) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, token := range r.byExecution[executionID] {
		if wait, ok := r.waits[token]; ok && wait.ExecutionID == executionID {
			delete(r.waits, token)
		}
	}
	delete(r.byExecution, executionID)
}

// Len reports how many tokens the router currently tracks.
func (r *SignalRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.waits)
}

// Pending lists unresolved waits of an execution in registration order.
func (r *SignalRouter) Pending(executionID string) []ApprovalWait {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []ApprovalWait
	for _, token := range r.byExecution[executionID] {
		wait, ok := r.waits[token]
		if ok && wait.ExecutionID == executionID && !wait.Resolved && !wait.Closed {
			pending = append(pending, *wait)
		}
	}

	return pending
}

func (r *SignalRouter) Lookup(token string) (ApprovalWait, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wait, ok := r.waits[token]
	if !ok {
		return ApprovalWait{}, false
	}

	return *wait, true
}
