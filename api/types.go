package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rom8726/gateflow"
)

type Plugin interface {
	Name() string
	Description() string
	RegisterRoutes(mux *http.ServeMux)
}

type StartExecutionRequest struct {
	DefinitionID string         `json:"definition_id"`
	Input        map[string]any `json:"input,omitempty"`
}

type StartExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
}

type ExecutionSummary struct {
	ID                string                   `json:"id"`
	DefinitionID      string                   `json:"definition_id"`
	DefinitionVersion int                      `json:"definition_version"`
	Status            gateflow.ExecutionStatus `json:"status"`
	Outcome           string                   `json:"outcome"`
	FailedStep        string                   `json:"failed_step,omitempty"`
	Reason            string                   `json:"reason,omitempty"`
	Error             string                   `json:"error,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
	CompletedAt       *time.Time               `json:"completed_at,omitempty"`
}

type ExecutionDetails struct {
	ExecutionSummary
	Input json.RawMessage            `json:"input,omitempty"`
	Steps []*gateflow.StepExecution  `json:"steps"`
	Waits []gateflow.ApprovalRequest `json:"pending_approvals,omitempty"`
}

type GraphResponse struct {
	DefinitionID string     `json:"definition_id"`
	Order        []string   `json:"order"`
	Levels       [][]string `json:"levels"`
	Rendered     string     `json:"rendered"`
}
