package failures

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/rom8726/gateflow"
	"github.com/rom8726/gateflow/api"
)

var _ api.Plugin = (*Plugin)(nil)

type Plugin struct {
	engine gateflow.IEngine
}

func New(engine gateflow.IEngine) *Plugin {
	return &Plugin{engine: engine}
}

func (p *Plugin) Name() string        { return "failures" }
func (p *Plugin) Description() string { return "Failed steps across executions" }

func (p *Plugin) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/failures", HandleList(p.engine))
	mux.HandleFunc("GET /api/failures/{execution_id}", HandleGet(p.engine))
}

func HandleList(engine gateflow.IEngine) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// pagination: default page=1, page_size=20
		page := 1
		pageSize := 20
		if v := r.URL.Query().Get("page"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				page = n
			}
		}
		if v := r.URL.Query().Get("page_size"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				pageSize = n
			}
		}

		executions, err := engine.ListExecutions(ctx)
		if err != nil {
			api.WriteErrorResponse(w, err, http.StatusInternalServerError)
			return
		}

		var items []FailureResponse
		for _, execution := range executions {
			items = append(items, failedSteps(execution)...)
		}
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].FailedAt > items[j].FailedAt
		})

		resp := ListResponse{
			Items:    make([]FailureResponse, 0, pageSize),
			Page:     page,
			PageSize: pageSize,
			Total:    len(items),
		}
		offset := (page - 1) * pageSize
		if offset < len(items) {
			end := min(offset+pageSize, len(items))
			resp.Items = append(resp.Items, items[offset:end]...)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func HandleGet(engine gateflow.IEngine) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		executionID := r.PathValue("execution_id")
		if executionID == "" {
			api.WriteErrorResponse(w, errors.New("execution id is required"), http.StatusBadRequest)
			return
		}

		execution, err := engine.GetExecution(ctx, executionID)
		if err != nil {
			if errors.Is(err, gateflow.ErrEntityNotFound) {
				api.WriteErrorResponse(w, err, http.StatusNotFound)
				return
			}
			api.WriteErrorResponse(w, err, http.StatusInternalServerError)
			return
		}

		items := failedSteps(execution)
		if items == nil {
			items = []FailureResponse{}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(items)
	}
}

func failedSteps(execution *gateflow.WorkflowExecution) []FailureResponse {
	var items []FailureResponse
	for _, step := range execution.OrderedSteps() {
		if step.State != gateflow.StepStateFailed {
			continue
		}

		failedAt := step.UpdatedAt
		if step.CompletedAt != nil {
			failedAt = *step.CompletedAt
		}

		items = append(items, FailureResponse{
			ExecutionID:     execution.ID,
			DefinitionID:    execution.DefinitionID,
			ExecutionStatus: execution.Outcome(),
			StepID:          step.StepID,
			Activity:        step.Activity,
			Attempts:        step.Attempts,
			Input:           step.Input,
			Error:           step.Error,
			Reason:          step.Reason,
			FailedAt:        failedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	return items
}
