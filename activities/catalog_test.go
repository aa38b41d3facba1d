package activities

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rom8726/gateflow"
)

type fakeActivityContext struct {
	executionID string
	stepID      string
	attempt     int
}

func (c fakeActivityContext) ExecutionID() string { return c.executionID }
func (c fakeActivityContext) StepID() string { return c.stepID }
func (c fakeActivityContext) Attempt() int { return c.attempt }
func (c fakeActivityContext) IdempotencyKey() string { return c.executionID + ":" + c.stepID }
func (c fakeActivityContext) GetInput(string) (any, bool) { return nil, false }

func run(t *testing.T, name string, attempt int, input string) (map[string]any, error) {
	t.Helper()

	registry := gateflow.NewActivityRegistry()
	New(WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })).RegisterTo(registry)

	activity, err := registry.Get(name)
	require.NoError(t, err)

	out, err := activity.Execute(context.Background(),
		fakeActivityContext{executionID: "exec-1", stepID: "step", attempt: attempt}, json.RawMessage(input))
	if err != nil {
		return nil, err
	}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))

	return decoded, nil
}

func TestCatalog_RegistersEveryActivity(t *testing.T) {
	registry := gateflow.NewActivityRegistry()
	New().RegisterTo(registry)

	for _, name := range []string{
		CheckPolicy, RequestHumanApproval, ExecuteAgentTask, CleanupTask, GenerateReport,
		SendNotification, InitializeWorkflow, ValidateInput, CheckPermissions, VerifyResources,
		RequestApproval, ExtractData, TransformData, LoadData, SendStartNotification,
		MonitorProgress, LogMetrics, SendProgressUpdate, RunQualityChecks, GenerateQualityReport,
		CleanupResources, GenerateFinalReport, SendCompletionNotification,
	} {
		assert.True(t, registry.Has(name), name)
	}
	assert.Len(t, registry.Names(), 23)
}

func TestCheckPolicy(t *testing.T) {
	out, err := run(t, CheckPolicy, 1, `{"description":"deploy the docs"}`)
	require.NoError(t, err)
	assert.Equal(t, "approve", out["decision"])

	_, err = run(t, CheckPolicy, 1, `{"description":"a FORBIDDEN task"}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPolicyDenied)
	assert.Equal(t, gateflow.ErrorFatal, gateflow.ClassifyError(err))
}

func TestFailAttempts(t *testing.T) {
	for attempt := 1; attempt <= 2; attempt++ {
		_, err := run(t, ExecuteAgentTask, attempt, `{"description":"x","fail_attempts":2}`)
		require.Error(t, err)
		assert.Equal(t, gateflow.ErrorRecoverable, gateflow.ClassifyError(err))
	}

	out, err := run(t, ExecuteAgentTask, 3, `{"description":"x","fail_attempts":2}`)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", out["result"])
	assert.InDelta(t, 3, out["attempt"], 0)
	assert.Equal(t, "exec-1:step", out["idempotency_key"])
}

func TestRequestApproval(t *testing.T) {
	out, err := run(t, RequestHumanApproval, 1, `{"description":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, "approval-task-exec-1", out["approval_task_id"])
}

func TestDataPipeline(t *testing.T) {
	extracted, err := run(t, ExtractData, 1, `{"source":"orders","count":2}`)
	require.NoError(t, err)
	assert.InDelta(t, 2, extracted["count"], 0)

	records, err := json.Marshal(map[string]any{"records": extracted["records"]})
	require.NoError(t, err)

	transformed, err := run(t, TransformData, 1, string(records))
	require.NoError(t, err)
	require.Len(t, transformed["records"], 2)
	first := transformed["records"].([]any)[0].(map[string]any)
	assert.Equal(t, "ORDERS-1", first["value"])
	assert.Equal(t, true, first["transformed"])

	transformedRecords, err := json.Marshal(map[string]any{"records": transformed["records"], "destination": "dw"})
	require.NoError(t, err)

	loaded, err := run(t, LoadData, 1, string(transformedRecords))
	require.NoError(t, err)
	assert.InDelta(t, 2, loaded["loaded"], 0)
	assert.Equal(t, "dw", loaded["destination"])

	checks, err := run(t, RunQualityChecks, 1, `{"count":0,"min_records":1}`)
	require.NoError(t, err)
	assert.Equal(t, false, checks["passed"])
}

func TestTransformDataNeedsRecords(t *testing.T) {
	_, err := run(t, TransformData, 1, `{}`)
	require.Error(t, err)
	assert.Equal(t, gateflow.ErrorFatal, gateflow.ClassifyError(err))
}

func TestValidateInput(t *testing.T) {
	out, err := run(t, ValidateInput, 1, `{"required":["name"],"name":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, true, out["valid"])

	_, err = run(t, ValidateInput, 1, `{"required":["name","owner"],"name":"x"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner")
	assert.Equal(t, gateflow.ErrorFatal, gateflow.ClassifyError(err))
}

func TestGenerateReportUsesClock(t *testing.T) {
	out, err := run(t, GenerateFinalReport, 1, `{"title":"Final"}`)
	require.NoError(t, err)
	assert.Equal(t, "Final for execution exec-1", out["report"])
	assert.Equal(t, "2026-03-01T12:00:00Z", out["generated_at"])
}

func TestLatencyHonoursContext(t *testing.T) {
	registry := gateflow.NewActivityRegistry()
	New(WithLatency(time.Hour)).RegisterTo(registry)

	activity, err := registry.Get(CleanupTask)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = activity.Execute(ctx, fakeActivityContext{executionID: "exec-1", stepID: "cleanup", attempt: 1}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
