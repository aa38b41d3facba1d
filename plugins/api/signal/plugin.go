package signal

import (
	"context"
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

func (p *Plugin) Name() string { return "signal" }

func (p *Plugin) Description() string { return "Approve or reject a step waiting for approval" }

func (p *Plugin) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(
		"POST /api/executions/{execution_id}/signal",
		HandleSignal(p.engine, p.extractUserFn, ""),
	)

	mux.HandleFunc(
		"POST /api/executions/{execution_id}/approve",
		HandleSignal(p.engine, p.extractUserFn, gateflow.SignalApprove),
	)

	mux.HandleFunc(
		"POST /api/executions/{execution_id}/reject",
		HandleSignal(p.engine, p.extractUserFn, gateflow.SignalReject),
	)
}

// HandleSignal routes a signal to the execution. A fixed kind overrides the body's.
func HandleSignal(
	engine gateflow.IEngine,
	extractUserFn ExtractUserFn,
	kind gateflow.SignalKind,
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

		var req SignalRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				api.WriteErrorResponse(w, err, http.StatusBadRequest)

				return
			}
		}

		if kind == "" {
			kind, err = gateflow.ParseSignalKind(req.Kind)
			if err != nil {
				api.WriteErrorResponse(w, err, http.StatusBadRequest)

				return
			}
		}

		token, err := resolveToken(ctx, engine, executionID, req)
		if err != nil {
			status := api.StatusForError(err)
			if status == http.StatusInternalServerError && !errors.Is(err, errStore) {
				status = http.StatusBadRequest
			}
			api.WriteErrorResponse(w, err, status)

			return
		}

		payload := req.Payload
		if len(payload) == 0 {
			payload, _ = json.Marshal(decisionPayload{DecidedBy: user, Comment: req.Comment})
		}

		if err := engine.SubmitSignal(ctx, executionID, token, kind, payload); err != nil {
			api.WriteErrorResponse(w, err, api.StatusForError(err))

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

var errStore = errors.New("load pending approvals")

func resolveToken(
	ctx context.Context,
	engine gateflow.IEngine,
	executionID string,
	req SignalRequest,
) (string, error) {
	if req.Token != "" {
		return req.Token, nil
	}
	if req.StepID != "" {
		return gateflow.ApprovalToken(executionID, req.StepID), nil
	}

	pending, err := engine.PendingApprovals(ctx, executionID)
	if err != nil {
		if errors.Is(err, gateflow.ErrEntityNotFound) {
			return "", err
		}

		return "", fmt.Errorf("%w: %w", errStore, err)
	}

	switch len(pending) {
	case 0:
		return "", fmt.Errorf("%w: execution %s has no pending approval", gateflow.ErrNoMatchingWait, executionID)
	case 1:
		return pending[0].Token, nil
	default:
		return "", fmt.Errorf("execution %s has %d pending approvals, name the step or token", executionID, len(pending))
	}
}
