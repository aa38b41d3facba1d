package gateflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

type stepResultMsg struct {
	stepID  string
	attempt int
	output  json.RawMessage
	err     error
}

type signalMsg struct {
	stepID  string
	token   string
	kind    SignalKind
	payload json.RawMessage
	reply   chan<- error
}

type terminateMsg struct {
	reason string
	reply  chan<- error
}

type wakeMsg struct {
	stepID string
}

// appendError marks a failed write to the event log. State is unchanged, so the
// triggering message can be processed again later.
type appendError struct {
	err error
}

func (e *appendError) Error() string { return "append event: " + e.err.Error() }
func (e *appendError) Unwrap() error { return e.err }

// executionActor owns one execution. Only its goroutine records events; readers get
// the last applied state through snapshot. Applied states are never mutated, each
// event produces a fresh copy.
type executionActor struct {
	id     string
	engine *Engine
	graph  *Graph

	mu        sync.RWMutex
	execution *WorkflowExecution

	mailbox chan any
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	timers  map[string]*time.Timer
}

func newExecutionActor(engine *Engine, execution *WorkflowExecution) (*executionActor, error) {
	graph, err := BuildGraph(execution.Definition, nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(engine.ctx)

	return &executionActor{
		id:        execution.ID,
		engine:    engine,
		graph:     graph,
		execution: execution,
		mailbox:   make(chan any, engine.mailboxSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[string]*time.Timer),
	}, nil
}

func (a *executionActor) start() {
	a.engine.wg.Add(1)
	go a.run()
}

func (a *executionActor) snapshot() *WorkflowExecution {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.execution.Clone()
}

func (a *executionActor) send(ctx context.Context, msg any) error {
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.done:
		return fmt.Errorf("%w: %s", ErrExecutionTerminated, a.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver is used by timers and workers; it gives up once the actor has exited.
func (a *executionActor) deliver(msg any) {
	select {
	case a.mailbox <- msg:
	case <-a.done:
	}
}

func (a *executionActor) run() {
	defer a.engine.wg.Done()
	defer close(a.done)

	a.resume()
	a.process(wakeMsg{})

	for !a.execution.IsTerminal() {
		select {
		case msg := <-a.mailbox:
			a.process(msg)
		case <-a.engine.ctx.Done():
			a.stopTimers()
			a.cancel()

			return
		}
	}

	a.finish()
}

// resume restores the in-memory side effects of a replayed execution.
func (a *executionActor) resume() {
	a.restoreTokens()

	for _, step := range a.execution.OrderedSteps() {
		if step.State != StepStateRunning {
			continue
		}
		def, ok := a.graph.Step(step.StepID)
		if !ok {
			continue
		}
		a.engine.logger.Info("[gateflow] re-dispatching running step",
			"execution_id", a.execution.ID, "step_id", step.StepID, "attempt", step.Attempts)
		a.dispatch(def, step.Attempts, step.Input)
	}
}

func (a *executionActor) restoreTokens() {
	router := a.engine.router
	for _, step := range a.execution.OrderedSteps() {
		if step.CorrelationToken == "" {
			continue
		}
		if err := router.Register(a.execution.ID, step.StepID, step.CorrelationToken); err != nil {
			a.engine.logger.Warn("[gateflow] approval token not restored",
				"execution_id", a.execution.ID, "step_id", step.StepID, "error", err)

			continue
		}
		if step.State != StepStateWaitingApproval {
			_, _ = router.Route(Signal{Token: step.CorrelationToken})
		}
	}
}

func (a *executionActor) process(msg any) {
	switch m := msg.(type) {
	case wakeMsg:
		delete(a.timers, m.stepID)
	case stepResultMsg:
		if err := a.handleResult(m); err != nil {
			a.failedToRecord(msg, err)

			return
		}
	case signalMsg:
		err := a.handleSignal(m)
		m.reply <- err
		if err != nil {
			return
		}
	case terminateMsg:
		err := a.handleTerminate(m)
		m.reply <- err
		if err != nil {
			return
		}
	}

	if a.execution.IsTerminal() {
		return
	}
	if err := a.advance(); err != nil {
		a.failedToRecord(wakeMsg{}, err)
	}
}

func (a *executionActor) failedToRecord(msg any, err error) {
	var appendErr *appendError
	if !errors.As(err, &appendErr) {
		a.engine.logger.Error("[gateflow] execution state error",
			"execution_id", a.execution.ID, "error", err)

		return
	}

	a.engine.logger.Error("[gateflow] event append failed, retrying",
		"execution_id", a.execution.ID, "retry_in", a.engine.appendRetryInterval, "error", err)
	time.AfterFunc(a.engine.appendRetryInterval, func() { a.deliver(msg) })
}

// record appends one event and then applies it. Nothing changes when either fails.
func (a *executionActor) record(eventType EventType, stepID string, payload any) error {
	event, err := a.engine.newEvent(a.execution.ID, a.execution.LastSeq+1, eventType, stepID, payload)
	if err != nil {
		return err
	}

	next := a.execution.Clone()
	if err := next.Apply(event); err != nil {
		return err
	}
	if err := a.engine.store.Append(a.engine.ctx, event); err != nil {
		return &appendError{err: err}
	}

	a.mu.Lock()
	a.execution = next
	a.mu.Unlock()

	return nil
}

func (a *executionActor) step(stepID string) *StepExecution {
	return a.execution.Steps[stepID]
}

// advance moves every step as far as the current state allows.
func (a *executionActor) advance() error {
	for progressed := true; progressed; {
		progressed = false
		for _, stepID := range a.graph.Order() {
			if a.execution.IsTerminal() {
				return nil
			}

			def, _ := a.graph.Step(stepID)
			var (
				changed bool
				err     error
			)
			switch a.step(stepID).State {
			case StepStatePending:
				changed, err = a.evaluatePending(def)
			case StepStateReady:
				changed, err = a.admit(def)
			case StepStateAwaitingPolicy:
				changed, err = true, a.decide(def)
			}
			if err != nil {
				return err
			}
			progressed = progressed || changed
		}
	}

	if a.execution.IsTerminal() {
		return nil
	}
	for _, step := range a.execution.Steps {
		if !step.State.IsTerminal() {
			return nil
		}
	}

	return a.record(EventExecutionCompleted, "", nil)
}

func (a *executionActor) evaluatePending(def *StepDefinition) (bool, error) {
	satisfied := true
	for _, dep := range a.graph.Dependencies(def.ID) {
		switch a.step(dep).State {
		case StepStateSucceeded:
		case StepStateFailed, StepStateSkipped:
			return true, a.record(EventStepSkipped, def.ID, StepSkippedPayload{Reason: ReasonDependencyNotSatisfied})
		default:
			satisfied = false
		}
	}
	if !satisfied {
		return false, nil
	}

	outputs := make(map[string]json.RawMessage)
	for id, step := range a.execution.Steps {
		if step.State == StepStateSucceeded && a.graph.IsAncestor(id, def.ID) {
			outputs[id] = step.Output
		}
	}

	input, err := ResolveInput(def, outputs, a.execution.Input)
	if err != nil {
		a.engine.logger.Warn("[gateflow] step input unresolved",
			"execution_id", a.execution.ID, "step_id", def.ID, "error", err)

		return true, a.failStep(def, 0, ReasonBindingUnresolved, err)
	}

	return true, a.record(EventStepReady, def.ID, StepReadyPayload{Input: input})
}

// admit sends a ready step through the policy gate once its retry delay has passed.
func (a *executionActor) admit(def *StepDefinition) (bool, error) {
	step := a.step(def.ID)
	if step.RetryAt != nil {
		if now := a.engine.now(); now.Before(*step.RetryAt) {
			a.armTimer(def.ID, step.RetryAt.Sub(now))

			return false, nil
		}
	}

	if err := a.record(EventPolicyRequested, def.ID, nil); err != nil {
		return false, err
	}

	return true, a.decide(def)
}

func (a *executionActor) decide(def *StepDefinition) error {
	if a.step(def.ID).Policy == nil {
		decision := a.engine.policy.Decide(a.ctx, def, a.step(def.ID).Input)
		verdict := decision.Verdict
		if verdict != PolicyAllow {
			verdict = PolicyDeny
		}

		if err := a.record(EventPolicyDecided, def.ID, PolicyDecidedPayload{
			Verdict: verdict,
			Reason:  decision.Reason,
		}); err != nil {
			return err
		}

		if verdict == PolicyDeny {
			a.engine.logger.Warn("[gateflow] step denied by policy",
				"execution_id", a.execution.ID, "step_id", def.ID, "reason", decision.Reason)
			a.engine.pluginManager.ExecuteStepFailed(a.engine.ctx, a.execution, a.step(def.ID),
				fmt.Errorf("%w: %s", ErrPolicyDenied, decision.Reason))

			return a.record(EventExecutionFailed, "", ExecutionFailedPayload{
				StepID: def.ID,
				Reason: ReasonPolicyDenied,
				Error:  decision.Reason,
			})
		}
	}

	step := a.step(def.ID)
	if def.RequiresApproval && !step.Approved {
		token := ApprovalToken(a.execution.ID, def.ID)
		if err := a.record(EventApprovalRequested, def.ID, ApprovalRequestedPayload{Token: token}); err != nil {
			return err
		}
		if err := a.engine.router.Register(a.execution.ID, def.ID, token); err != nil {
			a.engine.logger.Error("[gateflow] approval wait not registered",
				"execution_id", a.execution.ID, "step_id", def.ID, "error", err)
		}

		step = a.step(def.ID)
		a.engine.logger.Info("[gateflow] waiting for approval",
			"execution_id", a.execution.ID, "step_id", def.ID, "token", token)
		a.engine.pluginManager.ExecuteApprovalRequested(a.engine.ctx, a.execution, ApprovalRequest{
			ExecutionID: a.execution.ID,
			StepID:      def.ID,
			Activity:    def.Activity,
			Token:       token,
			Input:       step.Input,
			RequestedAt: step.UpdatedAt,
		})

		return nil
	}

	attempt := step.Attempts + 1
	if err := a.record(EventStepStarted, def.ID, StepStartedPayload{Attempt: attempt}); err != nil {
		return err
	}
	a.started(def, attempt)

	return nil
}

func (a *executionActor) started(def *StepDefinition, attempt int) {
	step := a.step(def.ID)
	a.engine.logger.Debug("[gateflow] step started",
		"execution_id", a.execution.ID, "step_id", def.ID, "attempt", attempt)
	a.engine.pluginManager.ExecuteStepStart(a.engine.ctx, a.execution, step)
	a.dispatch(def, attempt, step.Input)
}

func (a *executionActor) dispatch(def *StepDefinition, attempt int, input json.RawMessage) {
	stepID := def.ID
	activity, err := a.engine.activities.Get(def.Activity)
	if err != nil {
		go a.deliver(stepResultMsg{stepID: stepID, attempt: attempt, err: NonRetryable(err)})

		return
	}

	a.engine.pool.Submit(activityJob{
		ctx:          a.ctx,
		executionID:  a.execution.ID,
		stepID:       stepID,
		attempt:      attempt,
		activity:     activity,
		input:        input,
		timeout:      def.Timeout(),
		timeoutFatal: def.TimeoutFatal,
		done: func(output json.RawMessage, err error) {
			a.deliver(stepResultMsg{stepID: stepID, attempt: attempt, output: output, err: err})
		},
	})
}

func (a *executionActor) handleResult(m stepResultMsg) error {
	step := a.step(m.stepID)
	if step == nil || step.State != StepStateRunning || step.Attempts != m.attempt {
		a.engine.logger.Debug("[gateflow] ignoring stale step result",
			"execution_id", a.execution.ID, "step_id", m.stepID, "attempt", m.attempt)

		return nil
	}
	def, _ := a.graph.Step(m.stepID)

	if m.err == nil {
		if err := a.record(EventStepSucceeded, m.stepID, StepSucceededPayload{
			Attempt: m.attempt,
			Output:  m.output,
		}); err != nil {
			return err
		}
		a.engine.pluginManager.ExecuteStepComplete(a.engine.ctx, a.execution, a.step(m.stepID))

		return nil
	}

	decision := a.engine.retry.OnFailure(step, a.engine.retry.Effective(def), m.err)
	if decision.Retry {
		retryAt := a.engine.now().Add(decision.Delay)
		if err := a.record(EventStepRetryScheduled, m.stepID, StepRetryScheduledPayload{
			Attempt: m.attempt,
			Error:   m.err.Error(),
			DelayMS: decision.Delay.Milliseconds(),
			RetryAt: retryAt,
		}); err != nil {
			return err
		}
		a.engine.logger.Warn("[gateflow] step attempt failed, retry scheduled",
			"execution_id", a.execution.ID, "step_id", m.stepID, "attempt", m.attempt,
			"delay", decision.Delay, "error", m.err)
		a.engine.pluginManager.ExecuteStepRetry(a.engine.ctx, a.execution, a.step(m.stepID), m.err)

		return nil
	}

	reason := ReasonActivityFailure
	if errors.Is(m.err, ErrBindingUnresolved) {
		reason = ReasonBindingUnresolved
	}
	a.engine.logger.Error("[gateflow] step failed",
		"execution_id", a.execution.ID, "step_id", m.stepID, "attempt", m.attempt,
		"class", decision.Class.String(), "error", m.err)

	return a.failStep(def, m.attempt, reason, m.err)
}

// failStep records the step failure; a critical step takes the execution with it.
func (a *executionActor) failStep(def *StepDefinition, attempt int, reason string, cause error) error {
	if err := a.record(EventStepFailed, def.ID, StepFailedPayload{
		Attempt: attempt,
		Reason:  reason,
		Error:   cause.Error(),
		Class:   ClassifyError(cause).String(),
	}); err != nil {
		return err
	}
	a.engine.pluginManager.ExecuteStepFailed(a.engine.ctx, a.execution, a.step(def.ID), cause)

	if !def.IsCritical() {
		return nil
	}

	return a.record(EventExecutionFailed, "", ExecutionFailedPayload{
		StepID: def.ID,
		Reason: reason,
		Error:  cause.Error(),
	})
}

func (a *executionActor) handleSignal(m signalMsg) error {
	if a.execution.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrExecutionTerminated, a.execution.ID)
	}

	step := a.step(m.stepID)
	if step == nil || step.CorrelationToken != m.token {
		return fmt.Errorf("%w: token %q", ErrNoMatchingWait, m.token)
	}
	if step.State != StepStateWaitingApproval {
		return fmt.Errorf("%w: token %q", ErrAlreadyResolved, m.token)
	}
	def, _ := a.graph.Step(m.stepID)

	if m.kind == SignalApprove {
		attempt := step.Attempts + 1
		if err := a.record(EventStepApproved, m.stepID, SignalPayload{
			Token:   m.token,
			Attempt: attempt,
			Payload: m.payload,
		}); err != nil {
			return err
		}
		a.engine.logger.Info("[gateflow] step approved", "execution_id", a.execution.ID, "step_id", m.stepID)
		a.engine.pluginManager.ExecuteApprovalResolved(a.engine.ctx, a.execution, a.step(m.stepID), m.kind)
		a.started(def, attempt)

		return nil
	}

	if err := a.record(EventStepRejected, m.stepID, SignalPayload{
		Token:   m.token,
		Payload: m.payload,
	}); err != nil {
		return err
	}
	a.engine.logger.Info("[gateflow] step rejected", "execution_id", a.execution.ID, "step_id", m.stepID)
	a.engine.pluginManager.ExecuteApprovalResolved(a.engine.ctx, a.execution, a.step(m.stepID), m.kind)

	if a.execution.Definition.FailOnReject && def.IsCritical() {
		return a.record(EventExecutionFailed, "", ExecutionFailedPayload{
			StepID: m.stepID,
			Reason: ReasonRejectedByApprover,
		})
	}

	return nil
}

func (a *executionActor) handleTerminate(m terminateMsg) error {
	if a.execution.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrExecutionTerminated, a.execution.ID)
	}

	if err := a.record(EventExecutionTerminated, "", ExecutionTerminatedPayload{Reason: m.reason}); err != nil {
		return err
	}
	a.engine.logger.Info("[gateflow] execution terminated", "execution_id", a.execution.ID, "reason", m.reason)

	return nil
}

func (a *executionActor) armTimer(stepID string, delay time.Duration) {
	if _, ok := a.timers[stepID]; ok {
		return
	}

	a.timers[stepID] = time.AfterFunc(delay, func() {
		a.deliver(wakeMsg{stepID: stepID})
	})
}

func (a *executionActor) stopTimers() {
	for id, timer := range a.timers {
		timer.Stop()
		delete(a.timers, id)
	}
}

func (a *executionActor) finish() {
	a.stopTimers()
	a.cancel()
	a.engine.router.CloseExecution(a.execution.ID)

	execution := a.execution
	a.engine.logger.Info("[gateflow] execution finished",
		"execution_id", execution.ID, "status", execution.Status, "outcome", execution.Outcome())

	if execution.Status == StatusCompleted {
		a.engine.pluginManager.ExecuteExecutionComplete(a.engine.ctx, execution)
	} else {
		a.engine.pluginManager.ExecuteExecutionFailed(a.engine.ctx, execution)
	}

	a.engine.release(a)
}
