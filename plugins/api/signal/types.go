package signal

import (
	"encoding/json"
	"net/http"
)

type ExtractUserFn func(req *http.Request) (string, error)

// SignalRequest names the wait either by token or by step id. With neither, the
// execution must have exactly one pending approval.
type SignalRequest struct {
	Kind    string          `json:"kind"`
	Token   string          `json:"token,omitempty"`
	StepID  string          `json:"step_id,omitempty"`
	Comment string          `json:"comment,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type decisionPayload struct {
	DecidedBy string `json:"decided_by,omitempty"`
	Comment   string `json:"comment,omitempty"`
}
