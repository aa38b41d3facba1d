package metrics

import (
	"time"
)

type MetricsCollector interface {
	RecordExecutionStarted(definitionID string)
	RecordExecutionFinished(definitionID string, outcome string, duration time.Duration)
	RecordStepStarted(definitionID string, stepID string, activity string)
	RecordStepCompleted(definitionID string, stepID string, activity string, duration time.Duration)
	RecordStepFailed(definitionID string, stepID string, activity string, reason string, duration time.Duration)
	RecordStepRetry(definitionID string, stepID string, activity string)
	RecordApprovalRequested(definitionID string, stepID string)
	RecordApprovalResolved(definitionID string, stepID string, decision string, wait time.Duration)
}
