package terminate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rom8726/gateflow"
	"github.com/rom8726/gateflow/api"
)

var _ api.Plugin = (*Plugin)(nil)

type Plugin struct {
	engine        gateflow.IEngine
	extractUserFn ExtractUserFn
}

func New(engine gateflow.IEngine, extractUserFn ExtractUserFn) *Plugin {
	return &Plugin{
		engine:        engine,
		extractUserFn: extractUserFn,
	}
}

func (p *Plugin) Name() string { return "terminate" }

func (p *Plugin) Description() string { return "Terminate a running execution" }

func (p *Plugin) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(
		"POST /api/executions/{execution_id}/terminate",
		HandleTerminate(p.engine, p.extractUserFn),
	)
}

func HandleTerminate(
	engine gateflow.IEngine,
	extractUserFn ExtractUserFn,
) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		executionID := r.PathValue("execution_id")
		if executionID == "" {
			api.WriteErrorResponse(w, errors.New("execution id is required"), http.StatusBadRequest)

			return
		}

		user, err := extractUserFn(r)
		if err != nil {
			if errors.Is(err, gateflow.ErrEntityNotFound) {
				api.WriteErrorResponse(w, err, http.StatusNotFound)

				return
			}

			api.WriteErrorResponse(w, err, http.StatusInternalServerError)

			return
		}

		var req TerminateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteErrorResponse(w, err, http.StatusBadRequest)

			return
		}

		if req.Reason == "" {
			api.WriteErrorResponse(w, errors.New("reason is required"), http.StatusBadRequest)

			return
		}

		reason := req.Reason
		if user != "" {
			reason = fmt.Sprintf("%s (by %s)", req.Reason, user)
		}

		if err := engine.Terminate(ctx, executionID, reason); err != nil {
			api.WriteErrorResponse(w, err, api.StatusForError(err))

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
