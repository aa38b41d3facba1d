package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rom8726/gateflow"
)

var _ gateflow.Plugin = (*TelemetryPlugin)(nil)

type spanEntry struct {
	span      trace.Span
	createdAt time.Time
	approval  bool
}

type executionCtxEntry struct {
	ctx       context.Context
	createdAt time.Time
}

// TelemetryPlugin opens one span per execution with child spans per step
// attempt and per approval wait.
type TelemetryPlugin struct {
	gateflow.BasePlugin

	tracer        trace.Tracer
	mu            sync.RWMutex
	spans         map[string]*spanEntry
	executionCtxs map[string]*executionCtxEntry
	defaultTTL    time.Duration
	approvalTTL   time.Duration
	now           func() time.Time
}

type TelemetryOption func(*TelemetryPlugin)

func WithDefaultTTL(ttl time.Duration) TelemetryOption {
	return func(p *TelemetryPlugin) {
		p.defaultTTL = ttl
	}
}

// WithApprovalTTL bounds how long an approval wait span stays open.
func WithApprovalTTL(ttl time.Duration) TelemetryOption {
	return func(p *TelemetryPlugin) {
		p.approvalTTL = ttl
	}
}

func New(tracer trace.Tracer, opts ...TelemetryOption) *TelemetryPlugin {
	if tracer == nil {
		tracer = otel.Tracer("gateflow")
	}

	plugin := &TelemetryPlugin{
		BasePlugin:    gateflow.NewBasePlugin("telemetry", gateflow.PriorityHigh),
		tracer:        tracer,
		spans:         make(map[string]*spanEntry),
		executionCtxs: make(map[string]*executionCtxEntry),
		defaultTTL:    1 * time.Hour,
		approvalTTL:   24 * time.Hour,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(plugin)
	}

	return plugin
}

func executionKey(executionID string) string { return "execution:" + executionID }
func stepKey(step *gateflow.StepExecution) string {
	return "step:" + step.ExecutionID + "/" + step.StepID
}
func approvalKey(token string) string { return "approval:" + token }

func (p *TelemetryPlugin) OnExecutionStart(ctx context.Context, execution *gateflow.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	spanName := fmt.Sprintf("execution.%s", execution.DefinitionID)
	executionCtx, span := p.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))

	span.SetAttributes(
		attribute.String("execution.id", execution.ID),
		attribute.String("execution.definition_id", execution.DefinitionID),
		attribute.Int("execution.definition_version", execution.DefinitionVersion),
		attribute.String("execution.status", string(execution.Status)),
	)

	now := p.now()
	p.spans[executionKey(execution.ID)] = &spanEntry{span: span, createdAt: now}
	p.executionCtxs[execution.ID] = &executionCtxEntry{ctx: executionCtx, createdAt: now}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnExecutionComplete(_ context.Context, execution *gateflow.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.spans[executionKey(execution.ID)]; ok {
		entry.span.SetAttributes(
			attribute.String("execution.status", string(execution.Status)),
			attribute.String("execution.outcome", execution.Outcome()),
		)
		entry.span.SetStatus(codes.Ok, "execution completed")
		entry.span.End()
		delete(p.spans, executionKey(execution.ID))
	}
	delete(p.executionCtxs, execution.ID)

	return nil
}

func (p *TelemetryPlugin) OnExecutionFailed(_ context.Context, execution *gateflow.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.spans[executionKey(execution.ID)]; ok {
		entry.span.SetAttributes(
			attribute.String("execution.status", string(execution.Status)),
			attribute.String("execution.reason", execution.Reason),
		)
		if execution.FailedStep != "" {
			entry.span.SetAttributes(attribute.String("execution.failed_step", execution.FailedStep))
		}
		if execution.Error != "" {
			entry.span.SetAttributes(attribute.String("execution.error", execution.Error))
		}
		entry.span.SetStatus(codes.Error, "execution "+string(execution.Status))
		entry.span.End()
		delete(p.spans, executionKey(execution.ID))
	}
	delete(p.executionCtxs, execution.ID)

	return nil
}

func (p *TelemetryPlugin) parentCtx(ctx context.Context, executionID string) context.Context {
	if entry, ok := p.executionCtxs[executionID]; ok {
		return entry.ctx
	}

	return ctx
}

func (p *TelemetryPlugin) OnStepStart(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	spanName := fmt.Sprintf("step.%s", step.StepID)
	_, span := p.tracer.Start(p.parentCtx(ctx, execution.ID), spanName, trace.WithSpanKind(trace.SpanKindInternal))

	attrs := []attribute.KeyValue{
		attribute.String("step.id", step.StepID),
		attribute.String("step.activity", step.Activity),
		attribute.Int("step.attempt", step.Attempts),
		attribute.Bool("step.approved", step.Approved),
		attribute.String("execution.id", execution.ID),
		attribute.String("execution.definition_id", execution.DefinitionID),
	}
	if step.Policy != nil {
		attrs = append(attrs, attribute.String("step.policy_verdict", string(step.Policy.Verdict)))
	}
	span.SetAttributes(attrs...)

	p.spans[stepKey(step)] = &spanEntry{span: span, createdAt: p.now()}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnStepComplete(
	_ context.Context,
	_ *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.spans[stepKey(step)]; ok {
		entry.span.SetAttributes(attribute.String("step.state", string(step.State)))
		entry.span.SetStatus(codes.Ok, "step succeeded")
		entry.span.End()
		delete(p.spans, stepKey(step))
	}

	return nil
}

func (p *TelemetryPlugin) OnStepRetry(
	_ context.Context,
	_ *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	err error,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.spans[stepKey(step)]; ok {
		attrs := []attribute.KeyValue{attribute.Int("step.attempt", step.Attempts)}
		if step.RetryAt != nil {
			attrs = append(attrs, attribute.String("step.retry_at", step.RetryAt.Format(time.RFC3339Nano)))
		}
		entry.span.SetAttributes(attrs...)
		if err != nil {
			entry.span.RecordError(err)
		}
		entry.span.SetStatus(codes.Error, "attempt failed, retry scheduled")
		entry.span.End()
		delete(p.spans, stepKey(step))
	}

	return nil
}

func (p *TelemetryPlugin) OnStepFailed(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	err error,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.spans[stepKey(step)]
	if !ok {
		// Denied by policy or failed binding: the step never started an attempt.
		_, span := p.tracer.Start(p.parentCtx(ctx, execution.ID), fmt.Sprintf("step.%s", step.StepID),
			trace.WithSpanKind(trace.SpanKindInternal))
		span.SetAttributes(
			attribute.String("step.id", step.StepID),
			attribute.String("step.activity", step.Activity),
			attribute.String("execution.id", execution.ID),
		)
		entry = &spanEntry{span: span}
	}

	entry.span.SetAttributes(
		attribute.String("step.state", string(step.State)),
		attribute.Int("step.attempt", step.Attempts),
	)
	if step.Reason != "" {
		entry.span.SetAttributes(attribute.String("step.reason", step.Reason))
	}
	if step.Error != "" {
		entry.span.SetAttributes(attribute.String("step.error", step.Error))
	}
	if err != nil {
		entry.span.RecordError(err)
	}
	entry.span.SetStatus(codes.Error, "step failed")
	entry.span.End()
	delete(p.spans, stepKey(step))

	return nil
}

func (p *TelemetryPlugin) OnApprovalRequested(
	ctx context.Context,
	execution *gateflow.WorkflowExecution,
	request gateflow.ApprovalRequest,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	spanName := fmt.Sprintf("approval.%s", request.StepID)
	_, span := p.tracer.Start(p.parentCtx(ctx, execution.ID), spanName, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("approval.token", request.Token),
		attribute.String("step.id", request.StepID),
		attribute.String("step.activity", request.Activity),
		attribute.String("execution.id", execution.ID),
	)

	p.spans[approvalKey(request.Token)] = &spanEntry{span: span, createdAt: p.now(), approval: true}

	p.cleanupExpired()

	return nil
}

func (p *TelemetryPlugin) OnApprovalResolved(
	_ context.Context,
	_ *gateflow.WorkflowExecution,
	step *gateflow.StepExecution,
	kind gateflow.SignalKind,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := approvalKey(step.CorrelationToken)
	if entry, ok := p.spans[key]; ok {
		entry.span.SetAttributes(attribute.String("approval.decision", string(kind)))
		entry.span.SetStatus(codes.Ok, "approval "+string(kind))
		entry.span.End()
		delete(p.spans, key)
	}

	return nil
}

func (p *TelemetryPlugin) cleanupExpired() {
	now := p.now()

	for key, entry := range p.spans {
		ttl := p.defaultTTL
		if entry.approval {
			ttl = p.approvalTTL
		}

		if now.Sub(entry.createdAt) > ttl {
			entry.span.SetStatus(codes.Error, "span expired due to TTL")
			entry.span.End()
			delete(p.spans, key)
		}
	}

	for executionID, entry := range p.executionCtxs {
		if now.Sub(entry.createdAt) > p.defaultTTL {
			delete(p.executionCtxs, executionID)
		}
	}
}
