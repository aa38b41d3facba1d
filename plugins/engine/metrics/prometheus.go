package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	executionStarted  *prometheus.CounterVec
	executionFinished *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	stepStarted   *prometheus.CounterVec
	stepCompleted *prometheus.CounterVec
	stepFailed    *prometheus.CounterVec
	stepRetries   *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	approvalsRequested *prometheus.CounterVec
	approvalsResolved  *prometheus.CounterVec
	approvalWait       *prometheus.HistogramVec
}

func NewPrometheusCollector(registry prometheus.Registerer) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &PrometheusCollector{
		executionStarted: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateflow_execution_started_total",
				Help: "Total number of executions started",
			},
			[]string{"definition_id"},
		),
		executionFinished: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateflow_execution_finished_total",
				Help: "Total number of executions that reached a terminal status",
			},
			[]string{"definition_id", "outcome"},
		),
		executionDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateflow_execution_duration_seconds",
				Help:    "Duration of executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"definition_id", "outcome"},
		),
		stepStarted: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateflow_step_started_total",
				Help: "Total number of step attempts started",
			},
			[]string{"definition_id", "step_id", "activity"},
		),
		stepCompleted: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateflow_step_completed_total",
				Help: "Total number of steps that succeeded",
			},
			[]string{"definition_id", "step_id", "activity"},
		),
		stepFailed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateflow_step_failed_total",
				Help: "Total number of steps that failed",
			},
			[]string{"definition_id", "step_id", "activity", "reason"},
		),
		stepRetries: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateflow_step_retries_total",
				Help: "Total number of step retries scheduled",
			},
			[]string{"definition_id", "step_id", "activity"},
		),
		stepDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateflow_step_duration_seconds",
				Help:    "Duration of the final step attempt in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"definition_id", "step_id", "activity"},
		),
		approvalsRequested: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateflow_approval_requested_total",
				Help: "Total number of approvals requested",
			},
			[]string{"definition_id", "step_id"},
		),
		approvalsResolved: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateflow_approval_resolved_total",
				Help: "Total number of approvals resolved",
			},
			[]string{"definition_id", "step_id", "decision"},
		),
		approvalWait: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateflow_approval_wait_seconds",
				Help:    "Time a step waited for its approval signal",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"definition_id", "step_id"},
		),
	}
}

func (c *PrometheusCollector) RecordExecutionStarted(definitionID string) {
	c.executionStarted.WithLabelValues(definitionID).Inc()
}

func (c *PrometheusCollector) RecordExecutionFinished(definitionID string, outcome string, duration time.Duration) {
	c.executionFinished.WithLabelValues(definitionID, outcome).Inc()
	c.executionDuration.WithLabelValues(definitionID, outcome).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordStepStarted(definitionID string, stepID string, activity string) {
	c.stepStarted.WithLabelValues(definitionID, stepID, activity).Inc()
}

func (c *PrometheusCollector) RecordStepCompleted(
	definitionID string,
	stepID string,
	activity string,
	duration time.Duration,
) {
	c.stepCompleted.WithLabelValues(definitionID, stepID, activity).Inc()
	c.stepDuration.WithLabelValues(definitionID, stepID, activity).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordStepFailed(
	definitionID string,
	stepID string,
	activity string,
	reason string,
	duration time.Duration,
) {
	c.stepFailed.WithLabelValues(definitionID, stepID, activity, reason).Inc()
	if duration > 0 {
		c.stepDuration.WithLabelValues(definitionID, stepID, activity).Observe(duration.Seconds())
	}
}

func (c *PrometheusCollector) RecordStepRetry(definitionID string, stepID string, activity string) {
	c.stepRetries.WithLabelValues(definitionID, stepID, activity).Inc()
}

func (c *PrometheusCollector) RecordApprovalRequested(definitionID string, stepID string) {
	c.approvalsRequested.WithLabelValues(definitionID, stepID).Inc()
}

func (c *PrometheusCollector) RecordApprovalResolved(
	definitionID string,
	stepID string,
	decision string,
	wait time.Duration,
) {
	c.approvalsResolved.WithLabelValues(definitionID, stepID, decision).Inc()
	c.approvalWait.WithLabelValues(definitionID, stepID).Observe(wait.Seconds())
}
