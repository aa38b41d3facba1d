package failures

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rom8726/gateflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func failedExecution(id string, failedAt time.Time) *gateflow.WorkflowExecution {
	return &gateflow.WorkflowExecution{
		ID:           id,
		DefinitionID: "deploy",
		Status:       gateflow.StatusFailed,
		StepOrder:    []string{"build", "ship"},
		Steps: map[string]*gateflow.StepExecution{
			"build": {StepID: "build", Activity: "make", State: gateflow.StepStateSucceeded},
			"ship": {
				StepID:      "ship",
				Activity:    "upload",
				State:       gateflow.StepStateFailed,
				Attempts:    3,
				Input:       json.RawMessage(`{"a":1}`),
				Error:       "boom",
				Reason:      gateflow.ReasonActivityFailure,
				CompletedAt: &failedAt,
			},
		},
	}
}

func TestHandleList_Success_DefaultPagination(t *testing.T) {
	mockEngine := gateflow.NewMockIEngine(t)

	older := time.Now().Add(-2 * time.Hour).UTC()
	newer := time.Now().Add(-time.Hour).UTC()
	executions := []*gateflow.WorkflowExecution{
		failedExecution("deploy-1", older),
		failedExecution("deploy-2", newer),
		{ID: "deploy-3", Status: gateflow.StatusCompleted, Steps: map[string]*gateflow.StepExecution{}},
	}

	mockEngine.On("ListExecutions", mock.Anything).Return(executions, nil)

	req := httptest.NewRequest("GET", "/api/failures", nil)
	req = req.WithContext(context.Background())
	w := httptest.NewRecorder()

	handler := HandleList(mockEngine)
	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 20, resp.PageSize)
	require.Len(t, resp.Items, 2)

	item := resp.Items[0]
	assert.Equal(t, "deploy-2", item.ExecutionID)
	assert.Equal(t, "ship", item.StepID)
	assert.Equal(t, "upload", item.Activity)
	assert.Equal(t, 3, item.Attempts)
	assert.Equal(t, "boom", item.Error)
	assert.Equal(t, gateflow.ReasonActivityFailure, item.Reason)
	assert.Equal(t, "failed", item.ExecutionStatus)
	assert.Equal(t, newer.Format(time.RFC3339Nano), item.FailedAt)
}

func TestHandleList_CustomPagination(t *testing.T) {
	mockEngine := gateflow.NewMockIEngine(t)

	now := time.Now().UTC()
	executions := []*gateflow.WorkflowExecution{
		failedExecution("deploy-1", now.Add(-3*time.Minute)),
		failedExecution("deploy-2", now.Add(-2*time.Minute)),
		failedExecution("deploy-3", now.Add(-time.Minute)),
	}
	mockEngine.On("ListExecutions", mock.Anything).Return(executions, nil)

	req := httptest.NewRequest("GET", "/api/failures?page=2&page_size=2", nil)
	w := httptest.NewRecorder()

	handler := HandleList(mockEngine)
	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Page)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "deploy-1", resp.Items[0].ExecutionID)
}

func TestHandleList_Error(t *testing.T) {
	mockEngine := gateflow.NewMockIEngine(t)

	mockEngine.On("ListExecutions", mock.Anything).Return(nil, errors.New("db down"))

	req := httptest.NewRequest("GET", "/api/failures", nil)
	w := httptest.NewRecorder()

	handler := HandleList(mockEngine)
	handler(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleGet_Success(t *testing.T) {
	mockEngine := gateflow.NewMockIEngine(t)

	mockEngine.On("GetExecution", mock.Anything, "deploy-1").
		Return(failedExecution("deploy-1", time.Now().UTC()), nil)

	req := httptest.NewRequest("GET", "/api/failures/deploy-1", nil)
	req.SetPathValue("execution_id", "deploy-1")
	w := httptest.NewRecorder()

	handler := HandleGet(mockEngine)
	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var items []FailureResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "ship", items[0].StepID)
}

func TestHandleGet_NotFound(t *testing.T) {
	mockEngine := gateflow.NewMockIEngine(t)

	mockEngine.On("GetExecution", mock.Anything, "missing").
		Return(nil, gateflow.ErrEntityNotFound)

	req := httptest.NewRequest("GET", "/api/failures/missing", nil)
	req.SetPathValue("execution_id", "missing")
	w := httptest.NewRecorder()

	handler := HandleGet(mockEngine)
	handler(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGet_InternalError(t *testing.T) {
	mockEngine := gateflow.NewMockIEngine(t)

	mockEngine.On("GetExecution", mock.Anything, "deploy-1").
		Return(nil, errors.New("db down"))

	req := httptest.NewRequest("GET", "/api/failures/deploy-1", nil)
	req.SetPathValue("execution_id", "deploy-1")
	w := httptest.NewRecorder()

	handler := HandleGet(mockEngine)
	handler(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
