package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rom8726/gateflow"
)

type memoryWriter struct {
	entries []*AuditLogEntry
}

func (w *memoryWriter) Write(_ context.Context, entry *AuditLogEntry) error {
	w.entries = append(w.entries, entry)

	return nil
}

func testExecution() *gateflow.WorkflowExecution {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	return &gateflow.WorkflowExecution{
		ID:           "release-1",
		DefinitionID: "release",
		Status:       gateflow.StatusRunning,
		Input:        json.RawMessage(`{"version":"1.2.3"}`),
		CreatedAt:    created,
		UpdatedAt:    created,
		Steps:        map[string]*gateflow.StepExecution{},
	}
}

func TestAuditPlugin_ExecutionEntries(t *testing.T) {
	w := &memoryWriter{}
	p := New(w)
	ctx := context.Background()

	execution := testExecution()
	require.NoError(t, p.OnExecutionStart(ctx, execution))

	completed := execution.CreatedAt.Add(time.Minute)
	execution.Status = gateflow.StatusTerminated
	execution.Reason = gateflow.ReasonTerminated
	execution.UpdatedAt = completed
	execution.CompletedAt = &completed
	require.NoError(t, p.OnExecutionFailed(ctx, execution))

	require.Len(t, w.entries, 2)
	assert.Equal(t, "execution_start", w.entries[0].EventType)
	assert.JSONEq(t, `{"version":"1.2.3"}`, string(w.entries[0].Metadata))
	assert.Equal(t, execution.CreatedAt, w.entries[0].Timestamp)

	assert.Equal(t, "execution_terminated", w.entries[1].EventType)
	assert.Equal(t, "terminated", w.entries[1].Status)
	require.NotNil(t, w.entries[1].Duration)
	assert.Equal(t, time.Minute, *w.entries[1].Duration)
}

func TestAuditPlugin_PolicyDenied(t *testing.T) {
	w := &memoryWriter{}
	p := New(w)

	step := &gateflow.StepExecution{
		StepID:   "deploy",
		Activity: "kubectl",
		State:    gateflow.StepStateAwaitingPolicy,
		Policy:   &gateflow.PolicyDecision{Verdict: gateflow.PolicyDeny, Reason: "change freeze"},
	}

	require.NoError(t, p.OnStepFailed(context.Background(), testExecution(), step, errors.New("denied")))

	require.Len(t, w.entries, 1)
	assert.Equal(t, "policy_denied", w.entries[0].EventType)
	assert.Equal(t, gateflow.ReasonPolicyDenied, w.entries[0].Reason)
	assert.Equal(t, "change freeze", w.entries[0].Error)
}

func TestAuditPlugin_ApprovalActor(t *testing.T) {
	w := &memoryWriter{}
	p := New(w)

	step := &gateflow.StepExecution{
		StepID:        "approve",
		State:         gateflow.StepStateSkipped,
		SignalPayload: json.RawMessage(`{"decided_by":"alice","comment":"not today"}`),
	}

	require.NoError(t, p.OnApprovalResolved(context.Background(), testExecution(), step, gateflow.SignalReject))

	require.Len(t, w.entries, 1)
	assert.Equal(t, "approval_reject", w.entries[0].EventType)
	assert.Equal(t, "alice", w.entries[0].Actor)
	assert.Equal(t, "skipped", w.entries[0].Status)
}

func TestAuditPlugin_StepRetryAndComplete(t *testing.T) {
	w := &memoryWriter{}
	p := New(w)

	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	completed := started.Add(2 * time.Second)
	step := &gateflow.StepExecution{
		StepID:      "build",
		Activity:    "make",
		Attempts:    2,
		State:       gateflow.StepStateSucceeded,
		Output:      json.RawMessage(`{"artifact":"a.tgz"}`),
		StartedAt:   &started,
		CompletedAt: &completed,
	}

	require.NoError(t, p.OnStepRetry(context.Background(), testExecution(), step, errors.New("flaky")))
	require.NoError(t, p.OnStepComplete(context.Background(), testExecution(), step))

	require.Len(t, w.entries, 2)
	assert.Equal(t, "step_retry", w.entries[0].EventType)
	assert.Equal(t, "flaky", w.entries[0].Error)
	assert.Equal(t, 2, w.entries[1].Attempt)
	require.NotNil(t, w.entries[1].Duration)
	assert.Equal(t, 2*time.Second, *w.entries[1].Duration)
}

func TestSlogWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	w := NewSlogWriter(logger)

	err := w.Write(context.Background(), &AuditLogEntry{
		EventType:   "step_failed",
		ExecutionID: "release-1",
		StepID:      "deploy",
		Status:      "failed",
		Error:       "boom",
	})
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "[gateflow] audit", record["msg"])
	assert.Equal(t, "step_failed", record["event_type"])
	assert.Equal(t, "deploy", record["step_id"])
	assert.Equal(t, "boom", record["error"])
}

func TestRedisStreamWriter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	w := NewRedisStreamWriter(client, "", 0)
	p := New(w)
	ctx := context.Background()

	execution := testExecution()
	require.NoError(t, p.OnExecutionStart(ctx, execution))
	require.NoError(t, p.OnApprovalRequested(ctx, execution, gateflow.ApprovalRequest{
		ExecutionID: execution.ID,
		StepID:      "approve",
		Token:       gateflow.ApprovalToken(execution.ID, "approve"),
	}))

	entries, err := w.Read(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "execution_start", entries[0].EventType)
	assert.Equal(t, "approval_requested", entries[1].EventType)
	assert.Equal(t, "approve", entries[1].StepID)
	assert.Equal(t, "release-1", entries[1].ExecutionID)
}
