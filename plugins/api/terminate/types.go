package terminate

import (
	"net/http"
)

type ExtractUserFn func(req *http.Request) (string, error)

type TerminateRequest struct {
	Reason string `json:"reason"`
}
