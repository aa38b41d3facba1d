// Package activities holds the built-in activity catalog used by the shipped
// workflows. The activities simulate calls to outside services; none of them
// reach the network.
package activities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rom8726/gateflow"
)

const (
	CheckPolicy                = "check_policy"
	RequestHumanApproval       = "request_human_approval"
	ExecuteAgentTask           = "execute_agent_task"
	CleanupTask                = "cleanup_task"
	GenerateReport             = "generate_report"
	SendNotification           = "send_notification"
	InitializeWorkflow         = "initialize_workflow"
	ValidateInput              = "validate_input"
	CheckPermissions           = "check_permissions"
	VerifyResources            = "verify_resources"
	RequestApproval            = "request_approval"
	ExtractData                = "extract_data"
	TransformData              = "transform_data"
	LoadData                   = "load_data"
	SendStartNotification      = "send_start_notification"
	MonitorProgress            = "monitor_progress"
	LogMetrics                 = "log_metrics"
	SendProgressUpdate         = "send_progress_update"
	RunQualityChecks           = "run_quality_checks"
	GenerateQualityReport      = "generate_quality_report"
	CleanupResources           = "cleanup_resources"
	GenerateFinalReport        = "generate_final_report"
	SendCompletionNotification = "send_completion_notification"
)

// ForbiddenKeyword makes check_policy deny a description.
const ForbiddenKeyword = "forbidden"

var ErrPolicyDenied = errors.New("task denied by policy")

type Option func(*Catalog)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// WithLatency makes every activity sleep for d before returning.
func WithLatency(d time.Duration) Option {
	return func(c *Catalog) {
		c.latency = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		c.now = now
	}
}

type Catalog struct {
	logger  *slog.Logger
	latency time.Duration
	now     func() time.Time
}

func New(opts ...Option) *Catalog {
	c := &Catalog{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ActivityRegistrar is satisfied by *gateflow.ActivityRegistry.
type ActivityRegistrar interface {
	Register(activity gateflow.Activity)
}

// RegisterAll registers the whole catalog on the engine.
func RegisterAll(engine *gateflow.Engine, opts ...Option) {
	New(opts...).RegisterTo(engine.Activities())
}

func (c *Catalog) RegisterTo(registrar ActivityRegistrar) {
	for _, activity := range c.Activities() {
		registrar.Register(activity)
	}
}

func (c *Catalog) Activities() []gateflow.Activity {
	return []gateflow.Activity{
		c.activity(CheckPolicy, c.checkPolicy),
		c.activity(RequestHumanApproval, c.requestApproval),
		c.activity(RequestApproval, c.requestApproval),
		c.activity(ExecuteAgentTask, c.executeAgentTask),
		c.activity(CleanupTask, c.cleanup),
		c.activity(CleanupResources, c.cleanup),
		c.activity(GenerateReport, c.generateReport),
		c.activity(GenerateFinalReport, c.generateReport),
		c.activity(GenerateQualityReport, c.generateReport),
		c.activity(SendNotification, c.notify(SendNotification)),
		c.activity(SendStartNotification, c.notify(SendStartNotification)),
		c.activity(SendProgressUpdate, c.notify(SendProgressUpdate)),
		c.activity(SendCompletionNotification, c.notify(SendCompletionNotification)),
		c.activity(InitializeWorkflow, c.initializeWorkflow),
		c.activity(ValidateInput, c.validateInput),
		c.activity(CheckPermissions, c.checkPermissions),
		c.activity(VerifyResources, c.verifyResources),
		c.activity(ExtractData, c.extractData),
		c.activity(TransformData, c.transformData),
		c.activity(LoadData, c.loadData),
		c.activity(MonitorProgress, c.monitorProgress),
		c.activity(LogMetrics, c.logMetrics),
		c.activity(RunQualityChecks, c.runQualityChecks),
	}
}

type handler func(ctx context.Context, actCtx gateflow.ActivityContext, data map[string]any) (map[string]any, error)

// activity wraps h with the shared latency and a transient-failure hook: an input
// field fail_attempts: n makes the first n attempts fail with a recoverable error.
func (c *Catalog) activity(name string, h handler) gateflow.Activity {
	return gateflow.NewJSONActivity(name, func(
		ctx context.Context,
		actCtx gateflow.ActivityContext,
		data map[string]any,
	) (map[string]any, error) {
		if err := c.sleep(ctx); err != nil {
			return nil, err
		}

		if n := intField(data, "fail_attempts", 0); actCtx.Attempt() <= n {
			c.logger.Warn("[gateflow] simulated transient failure",
				"activity", name, "execution_id", actCtx.ExecutionID(), "attempt", actCtx.Attempt())

			return nil, fmt.Errorf("%s: simulated transient failure on attempt %d", name, actCtx.Attempt())
		}

		return h(ctx, actCtx, data)
	})
}

func (c *Catalog) sleep(ctx context.Context) error {
	if c.latency <= 0 {
		return nil
	}

	timer := time.NewTimer(c.latency)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Catalog) checkPolicy(
	_ context.Context,
	actCtx gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	task := description(data)
	c.logger.Info("[gateflow] checking policy", "execution_id", actCtx.ExecutionID(), "description", task)

	if strings.Contains(strings.ToLower(task), ForbiddenKeyword) {
		c.logger.Warn("[gateflow] policy check denied", "execution_id", actCtx.ExecutionID())

		return nil, gateflow.NonRetryable(fmt.Errorf("%w: %q", ErrPolicyDenied, task))
	}

	return map[string]any{"decision": "approve", "description": task}, nil
}

func (c *Catalog) requestApproval(
	_ context.Context,
	actCtx gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	taskID := "approval-task-" + actCtx.ExecutionID()
	c.logger.Info("[gateflow] human approval recorded",
		"execution_id", actCtx.ExecutionID(), "task_id", taskID, "description", description(data))

	return map[string]any{"approval_task_id": taskID}, nil
}

func (c *Catalog) executeAgentTask(
	_ context.Context,
	actCtx gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	task := description(data)
	c.logger.Info("[gateflow] executing agent task",
		"execution_id", actCtx.ExecutionID(), "attempt", actCtx.Attempt(), "description", task)

	return map[string]any{
		"result":          "SUCCESS",
		"description":     task,
		"attempt":         actCtx.Attempt(),
		"idempotency_key": actCtx.IdempotencyKey(),
	}, nil
}

func (c *Catalog) cleanup(
	_ context.Context,
	actCtx gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	c.logger.Info("[gateflow] cleaning up", "execution_id", actCtx.ExecutionID(), "step_id", actCtx.StepID())

	return map[string]any{"cleaned": true, "description": description(data)}, nil
}

func (c *Catalog) generateReport(
	_ context.Context,
	actCtx gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	title := stringField(data, "title")
	if title == "" {
		title = actCtx.StepID()
	}

	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}

	return map[string]any{
		"report":       fmt.Sprintf("%s for execution %s", title, actCtx.ExecutionID()),
		"fields":       len(keys),
		"generated_at": c.now().UTC().Format(time.RFC3339),
	}, nil
}

func (c *Catalog) notify(name string) handler {
	return func(_ context.Context, actCtx gateflow.ActivityContext, data map[string]any) (map[string]any, error) {
		channel := stringField(data, "channel")
		if channel == "" {
			channel = "log"
		}
		message := stringField(data, "message")
		c.logger.Info("[gateflow] notification sent",
			"activity", name, "execution_id", actCtx.ExecutionID(), "channel", channel, "message", message)

		return map[string]any{"sent": true, "channel": channel, "message": message}, nil
	}
}

func (c *Catalog) initializeWorkflow(
	_ context.Context,
	actCtx gateflow.ActivityContext,
	_ map[string]any,
) (map[string]any, error) {
	return map[string]any{
		"execution_id":   actCtx.ExecutionID(),
		"initialized_at": c.now().UTC().Format(time.RFC3339),
	}, nil
}

// validateInput fails fatally when a field named in "required" is missing.
func (c *Catalog) validateInput(
	_ context.Context,
	_ gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	required, _ := data["required"].([]any)
	var missing []string
	for _, raw := range required {
		field, ok := raw.(string)
		if !ok {
			continue
		}
		if value, ok := data[field]; !ok || value == nil || value == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, gateflow.NonRetryable(fmt.Errorf("missing required input: %s", strings.Join(missing, ", ")))
	}

	return map[string]any{"valid": true, "checked": len(required)}, nil
}

func (c *Catalog) checkPermissions(
	_ context.Context,
	_ gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	user := stringField(data, "user")
	if user == "" {
		user = "system"
	}

	return map[string]any{"granted": true, "user": user}, nil
}

func (c *Catalog) verifyResources(
	_ context.Context,
	_ gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	return map[string]any{"available": true, "resources": data["resources"]}, nil
}

func (c *Catalog) extractData(
	_ context.Context,
	_ gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	source := stringField(data, "source")
	if source == "" {
		source = "default"
	}
	count := intField(data, "count", 3)

	records := make([]any, 0, count)
	for i := 1; i <= count; i++ {
		records = append(records, map[string]any{"id": i, "source": source, "value": fmt.Sprintf("%s-%d", source, i)})
	}

	return map[string]any{"records": records, "count": count, "source": source}, nil
}

func (c *Catalog) transformData(
	_ context.Context,
	_ gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	records, ok := data["records"].([]any)
	if !ok {
		return nil, gateflow.NonRetryable(errors.New("transform_data needs a records list"))
	}

	transformed := make([]any, 0, len(records))
	for _, raw := range records {
		record, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out := make(map[string]any, len(record)+1)
		for key, value := range record {
			if s, ok := value.(string); ok {
				value = strings.ToUpper(s)
			}
			out[key] = value
		}
		out["transformed"] = true
		transformed = append(transformed, out)
	}

	return map[string]any{"records": transformed, "count": len(transformed)}, nil
}

func (c *Catalog) loadData(
	_ context.Context,
	actCtx gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	destination := stringField(data, "destination")
	if destination == "" {
		destination = "warehouse"
	}
	count := intField(data, "count", 0)
	if records, ok := data["records"].([]any); ok {
		count = len(records)
	}
	c.logger.Info("[gateflow] data loaded",
		"execution_id", actCtx.ExecutionID(), "destination", destination, "records", count)

	return map[string]any{"loaded": count, "destination": destination}, nil
}

func (c *Catalog) monitorProgress(
	_ context.Context,
	_ gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	return map[string]any{"progress": 100, "stage": stringField(data, "stage")}, nil
}

func (c *Catalog) logMetrics(
	_ context.Context,
	actCtx gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	attrs := make([]any, 0, 2*len(data)+2)
	attrs = append(attrs, "execution_id", actCtx.ExecutionID())
	for key, value := range data {
		attrs = append(attrs, key, value)
	}
	c.logger.Info("[gateflow] metrics", attrs...)

	return map[string]any{"logged": len(data)}, nil
}

// runQualityChecks passes when the record count reaches min_records (default 1).
func (c *Catalog) runQualityChecks(
	_ context.Context,
	_ gateflow.ActivityContext,
	data map[string]any,
) (map[string]any, error) {
	count := intField(data, "count", 0)
	if records, ok := data["records"].([]any); ok {
		count = len(records)
	}
	minRecords := intField(data, "min_records", 1)

	return map[string]any{
		"passed":  count >= minRecords,
		"records": count,
	}, nil
}

// description reads the task description, falling back to the first positional
// argument of a legacy activity list entry.
func description(data map[string]any) string {
	if value := stringField(data, "description"); value != "" {
		return value
	}
	if args, ok := data["args"].([]any); ok && len(args) > 0 {
		if value, ok := args[0].(string); ok {
			return value
		}
	}

	return ""
}

func stringField(data map[string]any, key string) string {
	switch value := data[key].(type) {
	case string:
		return value
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}

func intField(data map[string]any, key string, def int) int {
	switch value := data[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	default:
		return def
	}
}
