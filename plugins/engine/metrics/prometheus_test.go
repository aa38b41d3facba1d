package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCollector_ExecutionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	defID := "deploy"

	c.RecordExecutionStarted(defID)
	c.RecordExecutionFinished(defID, "completed", 150*time.Millisecond)
	c.RecordExecutionFinished(defID, "failed", 20*time.Millisecond)

	if got := testutil.ToFloat64(c.executionStarted.WithLabelValues(defID)); got != 1 {
		t.Fatalf("executionStarted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.executionFinished.WithLabelValues(defID, "completed")); got != 1 {
		t.Fatalf("executionFinished(completed) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.executionFinished.WithLabelValues(defID, "failed")); got != 1 {
		t.Fatalf("executionFinished(failed) = %v, want 1", got)
	}

	// Using testutil.CollectAndCount ensures the metric is registered and non-empty
	if n := testutil.CollectAndCount(c.executionDuration); n != 2 {
		t.Fatalf("executionDuration series = %d, want 2", n)
	}
}

func TestPrometheusCollector_StepMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	defID := "deploy"
	step := "build"
	activity := "make"

	c.RecordStepStarted(defID, step, activity)
	c.RecordStepRetry(defID, step, activity)
	c.RecordStepCompleted(defID, step, activity, 20*time.Millisecond)
	c.RecordStepFailed(defID, step, activity, "activity_failure", 30*time.Millisecond)

	if got := testutil.ToFloat64(c.stepStarted.WithLabelValues(defID, step, activity)); got != 1 {
		t.Fatalf("stepStarted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.stepRetries.WithLabelValues(defID, step, activity)); got != 1 {
		t.Fatalf("stepRetries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.stepCompleted.WithLabelValues(defID, step, activity)); got != 1 {
		t.Fatalf("stepCompleted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.stepFailed.WithLabelValues(defID, step, activity, "activity_failure")); got != 1 {
		t.Fatalf("stepFailed = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.stepDuration); n == 0 {
		t.Fatalf("stepDuration has no observations")
	}
}

func TestPrometheusCollector_ApprovalMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordApprovalRequested("deploy", "approve")
	c.RecordApprovalResolved("deploy", "approve", "approve", time.Minute)

	if got := testutil.ToFloat64(c.approvalsRequested.WithLabelValues("deploy", "approve")); got != 1 {
		t.Fatalf("approvalsRequested = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.approvalsResolved.WithLabelValues("deploy", "approve", "approve")); got != 1 {
		t.Fatalf("approvalsResolved = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.approvalWait); n != 1 {
		t.Fatalf("approvalWait series = %d, want 1", n)
	}
}
