package gateflow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

type PluginPriority int

const (
	PriorityLow    PluginPriority = 0
	PriorityNormal PluginPriority = 50
	PriorityHigh   PluginPriority = 100
)

// Plugin observes execution lifecycle. Hooks run after the corresponding event is
// durably recorded; their errors are logged and never change execution state.
type Plugin interface {
	// Name returns unique plugin identifier
	Name() string

	// Priority determines execution order (higher = earlier)
	Priority() PluginPriority

	// Lifecycle hooks
	OnExecutionStart(ctx context.Context, execution *WorkflowExecution) error
	OnExecutionComplete(ctx context.Context, execution *WorkflowExecution) error
	// OnExecutionFailed also fires for terminated executions.
	OnExecutionFailed(ctx context.Context, execution *WorkflowExecution) error
	OnStepStart(ctx context.Context, execution *WorkflowExecution, step *StepExecution) error
	OnStepComplete(ctx context.Context, execution *WorkflowExecution, step *StepExecution) error
	OnStepFailed(ctx context.Context, execution *WorkflowExecution, step *StepExecution, err error) error
	OnStepRetry(ctx context.Context, execution *WorkflowExecution, step *StepExecution, err error) error
	OnApprovalRequested(ctx context.Context, execution *WorkflowExecution, request ApprovalRequest) error
	OnApprovalResolved(ctx context.Context, execution *WorkflowExecution, step *StepExecution, kind SignalKind) error
}

// BasePlugin provides default no-op implementations
type BasePlugin struct {
	name     string
	priority PluginPriority
}

func NewBasePlugin(name string, priority PluginPriority) BasePlugin {
	return BasePlugin{name: name, priority: priority}
}

func (p BasePlugin) Name() string             { return p.name }
func (p BasePlugin) Priority() PluginPriority { return p.priority }
func (p BasePlugin) OnExecutionStart(context.Context, *WorkflowExecution) error {
	return nil
}
func (p BasePlugin) OnExecutionComplete(context.Context, *WorkflowExecution) error {
	return nil
}
func (p BasePlugin) OnExecutionFailed(context.Context, *WorkflowExecution) error {
	return nil
}
func (p BasePlugin) OnStepStart(context.Context, *WorkflowExecution, *StepExecution) error {
	return nil
}
func (p BasePlugin) OnStepComplete(context.Context, *WorkflowExecution, *StepExecution) error {
	return nil
}
func (p BasePlugin) OnStepFailed(context.Context, *WorkflowExecution, *StepExecution, error) error {
	return nil
}
func (p BasePlugin) OnStepRetry(context.Context, *WorkflowExecution, *StepExecution, error) error {
	return nil
}
func (p BasePlugin) OnApprovalRequested(context.Context, *WorkflowExecution, ApprovalRequest) error {
	return nil
}
func (p BasePlugin) OnApprovalResolved(context.Context, *WorkflowExecution, *StepExecution, SignalKind) error {
	return nil
}

// PluginManager manages plugin lifecycle
type PluginManager struct {
	plugins []Plugin
	logger  *slog.Logger
	mu      sync.RWMutex
}

func NewPluginManager() *PluginManager {
	return &PluginManager{
		plugins: make([]Plugin, 0),
		logger:  slog.Default(),
	}
}

func (pm *PluginManager) Register(plugin Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.plugins = append(pm.plugins, plugin)

	sort.SliceStable(pm.plugins, func(i, j int) bool {
		return pm.plugins[i].Priority() > pm.plugins[j].Priority()
	})
}

func (pm *PluginManager) Plugins() []Plugin {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return append([]Plugin(nil), pm.plugins...)
}

func (pm *PluginManager) setLogger(logger *slog.Logger) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.logger = logger
}

func (pm *PluginManager) each(hook string, fn func(Plugin) error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, plugin := range pm.plugins {
		if err := fn(plugin); err != nil {
			pm.logger.Error("[gateflow] plugin error", "hook", hook, "plugin", plugin.Name(), "error", err)
		}
	}
}

func (pm *PluginManager) ExecuteExecutionStart(ctx context.Context, execution *WorkflowExecution) {
	pm.each("execution_start", func(p Plugin) error { return p.OnExecutionStart(ctx, execution) })
}

func (pm *PluginManager) ExecuteExecutionComplete(ctx context.Context, execution *WorkflowExecution) {
	pm.each("execution_complete", func(p Plugin) error { return p.OnExecutionComplete(ctx, execution) })
}

func (pm *PluginManager) ExecuteExecutionFailed(ctx context.Context, execution *WorkflowExecution) {
	pm.each("execution_failed", func(p Plugin) error { return p.OnExecutionFailed(ctx, execution) })
}

func (pm *PluginManager) ExecuteStepStart(ctx context.Context, execution *WorkflowExecution, step *StepExecution) {
	pm.each("step_start", func(p Plugin) error { return p.OnStepStart(ctx, execution, step) })
}

func (pm *PluginManager) ExecuteStepComplete(ctx context.Context, execution *WorkflowExecution, step *StepExecution) {
	pm.each("step_complete", func(p Plugin) error { return p.OnStepComplete(ctx, execution, step) })
}

func (pm *PluginManager) ExecuteStepFailed(
	ctx context.Context,
	execution *WorkflowExecution,
	step *StepExecution,
	err error,
) {
	pm.each("step_failed", func(p Plugin) error { return p.OnStepFailed(ctx, execution, step, err) })
}

func (pm *PluginManager) ExecuteApprovalRequested(
	ctx context.Context,
	execution *WorkflowExecution,
	request ApprovalRequest,
) {
	pm.each("approval_requested", func(p Plugin) error { return p.OnApprovalRequested(ctx, execution, request) })
}

func (pm *PluginManager) ExecuteStepRetry(
	ctx context.Context,
	execution *WorkflowExecution,
	step *StepExecution,
	err error,
) {
	pm.each("step_retry", func(p Plugin) error { return p.OnStepRetry(ctx, execution, step, err) })
}

func (pm *PluginManager) ExecuteApprovalResolved(
	ctx context.Context,
	execution *WorkflowExecution,
	step *StepExecution,
	kind SignalKind,
) {
	pm.each("approval_resolved", func(p Plugin) error { return p.OnApprovalResolved(ctx, execution, step, kind) })
}
