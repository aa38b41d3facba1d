package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rom8726/gateflow"
)

func newTestPlugin(t *testing.T, opts ...TelemetryOption) (*TelemetryPlugin, *tracetest.InMemoryExporter) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return New(tp.Tracer("test"), opts...), exporter
}

func findSpan(t *testing.T, spans tracetest.SpanStubs, name string) tracetest.SpanStub {
	t.Helper()

	for _, span := range spans {
		if span.Name == name {
			return span
		}
	}
	t.Fatalf("span %q not exported", name)

	return tracetest.SpanStub{}
}

func hasAttr(span tracetest.SpanStub, kv attribute.KeyValue) bool {
	for _, attr := range span.Attributes {
		if attr == kv {
			return true
		}
	}

	return false
}

func testExecution(id string) *gateflow.WorkflowExecution {
	return &gateflow.WorkflowExecution{
		ID:                id,
		DefinitionID:      "deploy",
		DefinitionVersion: 1,
		Status:            gateflow.StatusRunning,
		Steps:             map[string]*gateflow.StepExecution{},
	}
}

func TestTelemetryPlugin_New(t *testing.T) {
	tracer := otel.Tracer("test")
	plugin := New(tracer)

	if plugin == nil {
		t.Fatal("New() returned nil")
	}
	if plugin.Name() != "telemetry" {
		t.Errorf("Name() = %q, want %q", plugin.Name(), "telemetry")
	}
	if plugin.Priority() != gateflow.PriorityHigh {
		t.Errorf("Priority() = %v, want %v", plugin.Priority(), gateflow.PriorityHigh)
	}
	if plugin.defaultTTL != 1*time.Hour {
		t.Errorf("defaultTTL = %v, want %v", plugin.defaultTTL, 1*time.Hour)
	}
	if plugin.approvalTTL != 24*time.Hour {
		t.Errorf("approvalTTL = %v, want %v", plugin.approvalTTL, 24*time.Hour)
	}
}

func TestTelemetryPlugin_NewWithOptions(t *testing.T) {
	plugin := New(otel.Tracer("test"), WithDefaultTTL(2*time.Hour), WithApprovalTTL(48*time.Hour))

	if plugin.defaultTTL != 2*time.Hour {
		t.Errorf("defaultTTL = %v, want %v", plugin.defaultTTL, 2*time.Hour)
	}
	if plugin.approvalTTL != 48*time.Hour {
		t.Errorf("approvalTTL = %v, want %v", plugin.approvalTTL, 48*time.Hour)
	}
}

func TestTelemetryPlugin_NewWithNilTracer(t *testing.T) {
	plugin := New(nil)

	if plugin.tracer == nil {
		t.Fatal("tracer should not be nil when nil is passed")
	}
}

func TestTelemetryPlugin_ExecutionLifecycle(t *testing.T) {
	plugin, exporter := newTestPlugin(t)
	ctx := context.Background()

	execution := testExecution("deploy-1")
	step := &gateflow.StepExecution{
		ExecutionID: "deploy-1",
		StepID:      "build",
		Activity:    "make",
		State:       gateflow.StepStateRunning,
		Attempts:    1,
	}

	if err := plugin.OnExecutionStart(ctx, execution); err != nil {
		t.Fatalf("OnExecutionStart() error = %v", err)
	}
	if err := plugin.OnStepStart(ctx, execution, step); err != nil {
		t.Fatalf("OnStepStart() error = %v", err)
	}

	step.State = gateflow.StepStateSucceeded
	if err := plugin.OnStepComplete(ctx, execution, step); err != nil {
		t.Fatalf("OnStepComplete() error = %v", err)
	}

	execution.Status = gateflow.StatusCompleted
	if err := plugin.OnExecutionComplete(ctx, execution); err != nil {
		t.Fatalf("OnExecutionComplete() error = %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("exported %d spans, want 2", len(spans))
	}

	root := findSpan(t, spans, "execution.deploy")
	child := findSpan(t, spans, "step.build")

	if child.Parent.SpanID() != root.SpanContext.SpanID() {
		t.Error("step span should be a child of the execution span")
	}
	if root.Status.Code != codes.Ok || child.Status.Code != codes.Ok {
		t.Errorf("statuses = %v/%v, want Ok", root.Status.Code, child.Status.Code)
	}
	if !hasAttr(root, attribute.String("execution.outcome", "completed")) {
		t.Error("execution span missing outcome attribute")
	}

	plugin.mu.RLock()
	defer plugin.mu.RUnlock()
	if len(plugin.spans) != 0 || len(plugin.executionCtxs) != 0 {
		t.Errorf("plugin kept %d spans and %d contexts after completion", len(plugin.spans), len(plugin.executionCtxs))
	}
}

func TestTelemetryPlugin_RetryThenFailure(t *testing.T) {
	plugin, exporter := newTestPlugin(t)
	ctx := context.Background()

	execution := testExecution("deploy-2")
	step := &gateflow.StepExecution{ExecutionID: "deploy-2", StepID: "ship", Activity: "upload", Attempts: 1}

	_ = plugin.OnExecutionStart(ctx, execution)
	_ = plugin.OnStepStart(ctx, execution, step)
	_ = plugin.OnStepRetry(ctx, execution, step, errors.New("connection reset"))

	step.Attempts = 2
	_ = plugin.OnStepStart(ctx, execution, step)
	step.State = gateflow.StepStateFailed
	step.Reason = gateflow.ReasonActivityFailure
	step.Error = "connection reset"
	_ = plugin.OnStepFailed(ctx, execution, step, errors.New("connection reset"))

	execution.Status = gateflow.StatusFailed
	execution.FailedStep = "ship"
	execution.Reason = gateflow.ReasonActivityFailure
	_ = plugin.OnExecutionFailed(ctx, execution)

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("exported %d spans, want 3", len(spans))
	}

	stepSpans := 0
	for _, span := range spans {
		if span.Name == "step.ship" {
			stepSpans++
			if span.Status.Code != codes.Error {
				t.Errorf("step span status = %v, want Error", span.Status.Code)
			}
			if len(span.Events) == 0 {
				t.Error("step span should record the error event")
			}
		}
	}
	if stepSpans != 2 {
		t.Errorf("step spans = %d, want one per attempt", stepSpans)
	}

	root := findSpan(t, spans, "execution.deploy")
	if root.Status.Code != codes.Error {
		t.Errorf("execution span status = %v, want Error", root.Status.Code)
	}
	if !hasAttr(root, attribute.String("execution.failed_step", "ship")) {
		t.Error("execution span missing failed step attribute")
	}
}

func TestTelemetryPlugin_StepFailedWithoutStart(t *testing.T) {
	plugin, exporter := newTestPlugin(t)
	ctx := context.Background()

	execution := testExecution("deploy-3")
	step := &gateflow.StepExecution{
		ExecutionID: "deploy-3",
		StepID:      "ship",
		Activity:    "upload",
		Policy:      &gateflow.PolicyDecision{Verdict: gateflow.PolicyDeny, Reason: "freeze"},
	}

	_ = plugin.OnExecutionStart(ctx, execution)
	if err := plugin.OnStepFailed(ctx, execution, step, errors.New("denied")); err != nil {
		t.Fatalf("OnStepFailed() error = %v", err)
	}

	span := findSpan(t, exporter.GetSpans(), "step.ship")
	if span.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status.Code)
	}
}

func TestTelemetryPlugin_ApprovalSpan(t *testing.T) {
	plugin, exporter := newTestPlugin(t)
	ctx := context.Background()

	execution := testExecution("deploy-4")
	token := gateflow.ApprovalToken("deploy-4", "approve")

	_ = plugin.OnExecutionStart(ctx, execution)
	_ = plugin.OnApprovalRequested(ctx, execution, gateflow.ApprovalRequest{
		ExecutionID: "deploy-4",
		StepID:      "approve",
		Activity:    "notify",
		Token:       token,
	})

	if len(exporter.GetSpans()) != 0 {
		t.Fatal("approval span should stay open while waiting")
	}

	step := &gateflow.StepExecution{ExecutionID: "deploy-4", StepID: "approve", CorrelationToken: token}
	_ = plugin.OnApprovalResolved(ctx, execution, step, gateflow.SignalApprove)

	span := findSpan(t, exporter.GetSpans(), "approval.approve")
	if !hasAttr(span, attribute.String("approval.decision", "approve")) {
		t.Error("approval span missing decision attribute")
	}
}

func TestTelemetryPlugin_TTLCleanup(t *testing.T) {
	plugin, exporter := newTestPlugin(t, WithDefaultTTL(time.Minute), WithApprovalTTL(time.Hour))
	ctx := context.Background()

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	plugin.now = func() time.Time { return now }

	execution := testExecution("deploy-5")
	_ = plugin.OnExecutionStart(ctx, execution)
	_ = plugin.OnStepStart(ctx, execution, &gateflow.StepExecution{ExecutionID: "deploy-5", StepID: "build"})
	_ = plugin.OnApprovalRequested(ctx, execution, gateflow.ApprovalRequest{StepID: "approve", Token: "tok"})

	now = now.Add(2 * time.Minute)
	_ = plugin.OnExecutionStart(ctx, testExecution("deploy-6"))

	plugin.mu.RLock()
	if _, ok := plugin.spans["execution:deploy-5"]; ok {
		t.Error("expired execution span should be cleaned up")
	}
	if _, ok := plugin.spans["step:deploy-5/build"]; ok {
		t.Error("expired step span should be cleaned up")
	}
	if _, ok := plugin.executionCtxs["deploy-5"]; ok {
		t.Error("expired execution context should be cleaned up")
	}
	if _, ok := plugin.spans["approval:tok"]; !ok {
		t.Error("approval span should outlive the default TTL")
	}
	plugin.mu.RUnlock()

	for _, span := range exporter.GetSpans() {
		if span.Status.Description != "span expired due to TTL" {
			t.Errorf("span %q ended with %q", span.Name, span.Status.Description)
		}
	}
}

func TestTelemetryPlugin_CompleteWithoutStart(t *testing.T) {
	plugin, exporter := newTestPlugin(t)

	if err := plugin.OnExecutionComplete(context.Background(), testExecution("ghost")); err != nil {
		t.Fatalf("OnExecutionComplete() error = %v", err)
	}
	if err := plugin.OnStepComplete(context.Background(), testExecution("ghost"), &gateflow.StepExecution{StepID: "a"}); err != nil {
		t.Fatalf("OnStepComplete() error = %v", err)
	}
	if len(exporter.GetSpans()) != 0 {
		t.Error("no spans expected")
	}
}
