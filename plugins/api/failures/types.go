package failures

import (
	"encoding/json"
)

type ListResponse struct {
	Items    []FailureResponse `json:"items"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Total    int               `json:"total"`
}

// FailureResponse is one failed step of an execution.
type FailureResponse struct {
	ExecutionID     string          `json:"execution_id"`
	DefinitionID    string          `json:"definition_id"`
	ExecutionStatus string          `json:"execution_status"`
	StepID          string          `json:"step_id"`
	Activity        string          `json:"activity"`
	Attempts        int             `json:"attempts"`
	Input           json.RawMessage `json:"input,omitempty"`
	Error           string          `json:"error,omitempty"`
	Reason          string          `json:"reason"`
	FailedAt        string          `json:"failed_at"`
}
