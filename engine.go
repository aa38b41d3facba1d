package gateflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var _ IEngine = (*Engine)(nil)

const (
	defaultWorkers             = 8
	defaultMailboxSize         = 64
	defaultAppendRetryInterval = time.Second
	defaultRecoveryConcurrency = 8
)

// Engine drives workflow executions. Every execution is owned by a single actor
// goroutine; state changes only by appending an event and applying it.
type Engine struct {
	store         Store
	activities    *ActivityRegistry
	policy        PolicyGate
	retry         *RetryManager
	router        *SignalRouter
	pool          *WorkerPool
	pluginManager *PluginManager
	logger        *slog.Logger
	clock         func() time.Time

	workers             int
	mailboxSize         int
	appendRetryInterval time.Duration
	recoveryConcurrency int

	mu          sync.RWMutex
	definitions map[string]*WorkflowDefinition
	actors      map[string]*executionActor

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func NewEngine(opts ...EngineOption) *Engine {
	engine := &Engine{
		store:               NewMemoryStore(),
		activities:          NewActivityRegistry(),
		policy:              AllowAllGate{},
		retry:               NewRetryManager(DefaultRetryPolicy),
		router:              NewSignalRouter(),
		pluginManager:       NewPluginManager(),
		logger:              slog.Default(),
		clock:               time.Now,
		workers:             defaultWorkers,
		mailboxSize:         defaultMailboxSize,
		appendRetryInterval: defaultAppendRetryInterval,
		recoveryConcurrency: defaultRecoveryConcurrency,
		definitions:         make(map[string]*WorkflowDefinition),
		actors:              make(map[string]*executionActor),
	}

	for _, opt := range opts {
		opt(engine)
	}

	engine.pluginManager.setLogger(engine.logger)
	engine.ctx, engine.cancel = context.WithCancel(context.Background())
	engine.pool = NewWorkerPool(engine.workers, engine.logger)
	engine.pool.Start(engine.ctx)

	return engine
}

func (engine *Engine) RegisterActivity(activity Activity) {
	engine.activities.Register(activity)
}

func (engine *Engine) Activities() *ActivityRegistry {
	return engine.activities
}

func (engine *Engine) PluginManager() *PluginManager {
	return engine.pluginManager
}

// RegisterDefinition validates def against the registered activities and stores it.
// Registering an id again replaces the previous definition for new executions.
func (engine *Engine) RegisterDefinition(ctx context.Context, def *WorkflowDefinition) error {
	if def == nil {
		return &DefinitionError{Rule: RuleEmptyDefinition}
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = engine.now()
	}

	if _, err := BuildGraph(def, engine.activities); err != nil {
		return err
	}

	if err := engine.store.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}

	engine.mu.Lock()
	engine.definitions[def.ID] = def
	engine.mu.Unlock()

	engine.logger.Info("[gateflow] definition registered",
		"definition_id", def.ID, "version", def.Version, "steps", len(def.Steps))

	return nil
}

// RegisterDefinitionFile loads a YAML or JSON definition and registers it.
func (engine *Engine) RegisterDefinitionFile(ctx context.Context, path string) (*WorkflowDefinition, error) {
	def, err := LoadDefinitionFile(path)
	if err != nil {
		return nil, err
	}
	if err := engine.RegisterDefinition(ctx, def); err != nil {
		return nil, err
	}

	return def, nil
}

// RestoreDefinitions registers every definition found in the store. Definitions that
// no longer validate are logged and skipped.
func (engine *Engine) RestoreDefinitions(ctx context.Context) error {
	defs, err := engine.store.LoadDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}

	for _, def := range defs {
		if _, err := BuildGraph(def, engine.activities); err != nil {
			engine.logger.Warn("[gateflow] skipping stored definition", "definition_id", def.ID, "error", err)

			continue
		}

		engine.mu.Lock()
		engine.definitions[def.ID] = def
		engine.mu.Unlock()
	}

	return nil
}

func (engine *Engine) Definition(id string) (*WorkflowDefinition, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	def, ok := engine.definitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: definition %s", ErrEntityNotFound, id)
	}

	return def, nil
}

func (engine *Engine) Definitions() []*WorkflowDefinition {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	defs := make([]*WorkflowDefinition, 0, len(engine.definitions))
	for _, def := range engine.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	return defs
}

func (engine *Engine) Graph(definitionID string) (*Graph, error) {
	def, err := engine.Definition(definitionID)
	if err != nil {
		return nil, err
	}

	return BuildGraph(def, nil)
}

// Start creates an execution of the definition. inputOverrides are merged over the
// definition's input block.
func (engine *Engine) Start(ctx context.Context, definitionID string, inputOverrides map[string]any) (string, error) {
	if engine.ctx.Err() != nil {
		return "", ErrEngineStopped
	}

	def, err := engine.Definition(definitionID)
	if err != nil {
		return "", err
	}

	input := make(map[string]any, len(def.Input)+len(inputOverrides))
	maps.Copy(input, def.Input)
	maps.Copy(input, inputOverrides)
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}

	executionID := fmt.Sprintf("%s-%s", definitionID, uuid.NewString())
	event, err := engine.newEvent(executionID, 1, EventExecutionStarted, "", ExecutionStartedPayload{
		Definition: def,
		Input:      inputJSON,
	})
	if err != nil {
		return "", err
	}

	execution := &WorkflowExecution{}
	if err := execution.Apply(event); err != nil {
		return "", err
	}
	actor, err := newExecutionActor(engine, execution)
	if err != nil {
		return "", err
	}

	if err := engine.store.Append(ctx, event); err != nil {
		return "", fmt.Errorf("append start event: %w", err)
	}

	engine.mu.Lock()
	engine.actors[executionID] = actor
	engine.mu.Unlock()

	engine.logger.Info("[gateflow] execution started",
		"execution_id", executionID, "definition_id", definitionID)
	engine.pluginManager.ExecuteExecutionStart(engine.ctx, execution)

	actor.start()

	return executionID, nil
}

// SubmitSignal delivers an approve or reject decision for the step parked under token.
// The first signal for a token wins; repeats get ErrAlreadyResolved.
func (engine *Engine) SubmitSignal(
	ctx context.Context,
	executionID string,
	token string,
	kind SignalKind,
	payload json.RawMessage,
) error {
	if kind != SignalApprove && kind != SignalReject {
		return fmt.Errorf("unknown signal kind %q", kind)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return errors.New("signal payload is not valid JSON")
	}

	wait, err := engine.router.Route(Signal{ExecutionID: executionID, Token: token, Kind: kind, Payload: payload})
	if err != nil {
		if errors.Is(err, ErrNoMatchingWait) && executionID != "" {
			return engine.settledSignal(ctx, executionID, token)
		}

		return err
	}

	actor := engine.actor(wait.ExecutionID)
	if actor == nil {
		engine.router.Release(token)

		return engine.settledSignal(ctx, wait.ExecutionID, token)
	}

	reply := make(chan error, 1)
	msg := signalMsg{stepID: wait.StepID, token: token, kind: kind, payload: payload, reply: reply}
	if err := actor.send(ctx, msg); err != nil {
		engine.router.Release(token)

		return err
	}

	select {
	case err := <-reply:
		if err != nil && !errors.Is(err, ErrAlreadyResolved) && !errors.Is(err, ErrExecutionTerminated) {
			engine.router.Release(token)
		}

		return err
	case <-actor.done:
		select {
		case err := <-reply:
			return err
		default:
		}

		return fmt.Errorf("%w: %s", ErrExecutionTerminated, wait.ExecutionID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settledSignal answers a signal the router no longer tracks from the execution's
// recorded state: a token that already took a decision is AlreadyResolved, a token of
// a finished execution is ExecutionTerminated.
func (engine *Engine) settledSignal(ctx context.Context, executionID, token string) error {
	execution, err := engine.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return fmt.Errorf("%w: token %q", ErrNoMatchingWait, token)
		}

		return err
	}

	for _, step := range execution.Steps {
		if step.CorrelationToken != token {
			continue
		}
		if step.Approved || step.Reason == ReasonRejectedByApprover {
			return fmt.Errorf("%w: token %q", ErrAlreadyResolved, token)
		}
		if execution.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrExecutionTerminated, executionID)
		}
	}

	return fmt.Errorf("%w: token %q", ErrNoMatchingWait, token)
}

// Terminate stops a running execution. Pending waits are closed and in-flight
// activities see their context cancelled.
func (engine *Engine) Terminate(ctx context.Context, executionID, reason string) error {
	actor := engine.actor(executionID)
	if actor == nil {
		if _, err := engine.GetExecution(ctx, executionID); err != nil {
			return err
		}

		return fmt.Errorf("%w: %s", ErrExecutionTerminated, executionID)
	}
	if actor.snapshot().IsTerminal() {
		return fmt.Errorf("%w: %s", ErrExecutionTerminated, executionID)
	}

	reply := make(chan error, 1)
	if err := actor.send(ctx, terminateMsg{reason: reason, reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-actor.done:
		// the reply is sent before the actor exits
		select {
		case err := <-reply:
			return err
		default:
		}

		return fmt.Errorf("%w: %s", ErrExecutionTerminated, executionID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetExecution returns the current state of an execution, from the live actor when the
// execution is active in this process and by replaying the log otherwise.
func (engine *Engine) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	if actor := engine.actor(executionID); actor != nil {
		return actor.snapshot(), nil
	}

	events, err := engine.store.Load(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: execution %s", ErrEntityNotFound, executionID)
		}

		return nil, err
	}

	return Replay(events)
}

func (engine *Engine) ListExecutions(ctx context.Context) ([]*WorkflowExecution, error) {
	ids, err := engine.store.ListExecutions(ctx)
	if err != nil {
		return nil, err
	}

	executions := make([]*WorkflowExecution, 0, len(ids))
	for _, id := range ids {
		execution, err := engine.GetExecution(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("execution %s: %w", id, err)
		}
		executions = append(executions, execution)
	}

	return executions, nil
}

// Events returns the recorded history of an execution in sequence order.
func (engine *Engine) Events(ctx context.Context, executionID string) ([]Event, error) {
	events, err := engine.store.Load(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return nil, fmt.Errorf("%w: execution %s", ErrEntityNotFound, executionID)
		}

		return nil, err
	}

	return events, nil
}

// PendingApprovals lists the steps of an execution parked on an approval signal.
func (engine *Engine) PendingApprovals(ctx context.Context, executionID string) ([]ApprovalRequest, error) {
	execution, err := engine.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return pendingApprovals(execution), nil
}

func pendingApprovals(execution *WorkflowExecution) []ApprovalRequest {
	var requests []ApprovalRequest
	for _, step := range execution.OrderedSteps() {
		if step.State != StepStateWaitingApproval {
			continue
		}
		requests = append(requests, ApprovalRequest{
			ExecutionID: execution.ID,
			StepID:      step.StepID,
			Activity:    step.Activity,
			Token:       step.CorrelationToken,
			Input:       step.Input,
			RequestedAt: step.UpdatedAt,
		})
	}

	return requests
}

// Wait blocks until the execution reaches a terminal status or ctx is done.
func (engine *Engine) Wait(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	actor := engine.actor(executionID)
	if actor == nil {
		return engine.GetExecution(ctx, executionID)
	}

	select {
	case <-actor.done:
		return actor.snapshot(), nil
	default:
	}

	select {
	case <-actor.done:
		return actor.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recover replays every logged execution and resumes the ones that have not finished.
// Running steps are dispatched again with their recorded attempt number, approval
// waits are re-registered and retry timers re-armed.
func (engine *Engine) Recover(ctx context.Context) error {
	ids, err := engine.store.ListExecutions(ctx)
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}

	var resumed, finished int
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(engine.recoveryConcurrency)
	for _, id := range ids {
		if engine.actor(id) != nil {
			continue
		}

		group.Go(func() error {
			events, err := engine.store.Load(groupCtx, id)
			if err != nil {
				return fmt.Errorf("load %s: %w", id, err)
			}
			execution, err := Replay(events)
			if err != nil {
				return fmt.Errorf("replay %s: %w", id, err)
			}
			if execution.IsTerminal() {
				mu.Lock()
				finished++
				mu.Unlock()

				return nil
			}

			actor, err := newExecutionActor(engine, execution)
			if err != nil {
				return fmt.Errorf("rebuild %s: %w", id, err)
			}

			engine.mu.Lock()
			if _, exists := engine.actors[id]; exists {
				engine.mu.Unlock()

				return nil
			}
			engine.actors[id] = actor
			engine.mu.Unlock()

			mu.Lock()
			resumed++
			mu.Unlock()

			actor.start()

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	engine.logger.Info("[gateflow] recovery completed", "resumed", resumed, "finished", finished)

	return nil
}

// Shutdown stops dispatching, cancels in-flight activities and waits for every
// execution actor to exit. Recorded history is untouched; Recover resumes it.
func (engine *Engine) Shutdown() {
	engine.shutdownOnce.Do(func() {
		engine.cancel()
		engine.pool.Stop()
		engine.wg.Wait()
		engine.logger.Info("[gateflow] engine stopped")
	})
}

// release forgets a finished execution. Later reads replay it from the store.
func (engine *Engine) release(actor *executionActor) {
	engine.mu.Lock()
	if engine.actors[actor.id] == actor {
		delete(engine.actors, actor.id)
	}
	engine.mu.Unlock()

	engine.router.Forget(actor.id)
}

func (engine *Engine) actor(executionID string) *executionActor {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	return engine.actors[executionID]
}

func (engine *Engine) now() time.Time {
	return engine.clock().UTC().Truncate(time.Microsecond)
}

func (engine *Engine) newEvent(executionID string, seq int64, eventType EventType, stepID string, payload any) (Event, error) {
	event := Event{
		ExecutionID: executionID,
		Seq:         seq,
		Type:        eventType,
		StepID:      stepID,
		CreatedAt:   engine.now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		event.Payload = data
	}

	return event, nil
}
