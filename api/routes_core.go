package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rom8726/gateflow"
)

const maxDefinitionSize = 1 << 20

func RegisterCoreRoutes(mux *http.ServeMux, engine gateflow.IEngine, monitor gateflow.Monitor) {
	service := NewAPIService(engine)

	// Workflow definitions
	mux.HandleFunc("GET /api/definitions", HandleGetDefinitions(engine))
	mux.HandleFunc("POST /api/definitions", HandleRegisterDefinition(engine))
	mux.HandleFunc("GET /api/definitions/{id}", HandleGetDefinition(engine))
	mux.HandleFunc("GET /api/definitions/{id}/graph", HandleGetDefinitionGraph(service))
	mux.HandleFunc("GET /api/definitions/{id}/executions", HandleGetDefinitionExecutions(engine, service))

	// Executions
	mux.HandleFunc("POST /api/executions", HandleStartExecution(engine))
	mux.HandleFunc("GET /api/executions", HandleGetExecutions(service))
	mux.HandleFunc("GET /api/executions/active", HandleGetActiveExecutions(monitor))
	mux.HandleFunc("GET /api/executions/{id}", HandleGetExecution(service))
	mux.HandleFunc("GET /api/executions/{id}/steps", HandleGetExecutionSteps(service))
	mux.HandleFunc("GET /api/executions/{id}/events", HandleGetExecutionEvents(engine))
	mux.HandleFunc("GET /api/executions/{id}/approvals", HandleGetPendingApprovals(engine))

	// Statistics
	mux.HandleFunc("GET /api/stats", HandleGetSummaryStats(monitor))
	mux.HandleFunc("GET /api/stats/workflows", HandleGetWorkflowStats(monitor))
}

func HandleGetDefinitions(engine gateflow.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, engine.Definitions())
	}
}

func HandleGetDefinition(engine gateflow.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := engine.Definition(r.PathValue("id"))
		if err != nil {
			WriteErrorResponse(w, err, StatusForError(err))

			return
		}

		writeJSON(w, http.StatusOK, def)
	}
}

// HandleRegisterDefinition accepts a YAML or JSON definition document.
func HandleRegisterDefinition(engine gateflow.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDefinitionSize))
		if err != nil {
			WriteErrorResponse(w, err, http.StatusBadRequest)

			return
		}

		def, err := gateflow.ParseDefinitionYAML(data)
		if err != nil {
			WriteErrorResponse(w, err, http.StatusBadRequest)

			return
		}
		if def.ID == "" {
			WriteErrorResponse(w, errors.New("definition id is required"), http.StatusBadRequest)

			return
		}

		if err := engine.RegisterDefinition(r.Context(), def); err != nil {
			WriteErrorResponse(w, err, StatusForError(err))

			return
		}

		writeJSON(w, http.StatusCreated, def)
	}
}

func HandleGetDefinitionGraph(service *APIService) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		graph, err := service.GetGraph(r.PathValue("id"))
		if err != nil {
			WriteErrorResponse(w, err, StatusForError(err))

			return
		}

		writeJSON(w, http.StatusOK, graph)
	}
}

func HandleGetDefinitionExecutions(
	engine gateflow.IEngine,
	service *APIService,
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		definitionID := r.PathValue("id")

		// First check if definition exists
		if _, err := engine.Definition(definitionID); err != nil {
			WriteErrorResponse(w, err, StatusForError(err))

			return
		}

		executions, err := service.GetExecutions(r.Context(), definitionID)
		if err != nil {
			WriteErrorResponse(w, fmt.Errorf("fetch executions: %w", err), http.StatusInternalServerError)

			return
		}

		writeJSON(w, http.StatusOK, executions)
	}
}

func HandleStartExecution(engine gateflow.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartExecutionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteErrorResponse(w, err, http.StatusBadRequest)

			return
		}
		if req.DefinitionID == "" {
			WriteErrorResponse(w, errors.New("definition_id is required"), http.StatusBadRequest)

			return
		}

		executionID, err := engine.Start(r.Context(), req.DefinitionID, req.Input)
		if err != nil {
			WriteErrorResponse(w, err, StatusForError(err))

			return
		}

		writeJSON(w, http.StatusCreated, StartExecutionResponse{ExecutionID: executionID})
	}
}

func HandleGetExecutions(service *APIService) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		executions, err := service.GetExecutions(r.Context(), r.URL.Query().Get("definition"))
		if err != nil {
			WriteErrorResponse(w, fmt.Errorf("fetch executions: %w", err), http.StatusInternalServerError)

			return
		}

		writeJSON(w, http.StatusOK, executions)
	}
}

func HandleGetExecution(service *APIService) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		execution, err := service.GetExecution(r.Context(), r.PathValue("id"))
		if err != nil {
			WriteErrorResponse(w, err, StatusForError(err))

			return
		}

		writeJSON(w, http.StatusOK, execution)
	}
}

func HandleGetExecutionSteps(service *APIService) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		steps, err := service.GetExecutionSteps(r.Context(), r.PathValue("id"))
		if err != nil {
			WriteErrorResponse(w, err, StatusForError(err))

			return
		}

		writeJSON(w, http.StatusOK, steps)
	}
}

func HandleGetExecutionEvents(engine gateflow.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := engine.Events(r.Context(), r.PathValue("id"))
		if err != nil {
			WriteErrorResponse(w, err, StatusForError(err))

			return
		}

		writeJSON(w, http.StatusOK, events)
	}
}

func HandleGetPendingApprovals(engine gateflow.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		approvals, err := engine.PendingApprovals(r.Context(), r.PathValue("id"))
		if err != nil {
			WriteErrorResponse(w, err, StatusForError(err))

			return
		}
		if approvals == nil {
			approvals = []gateflow.ApprovalRequest{}
		}

		writeJSON(w, http.StatusOK, approvals)
	}
}

func HandleGetActiveExecutions(monitor gateflow.Monitor) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		active, err := monitor.GetActiveExecutions(r.Context())
		if err != nil {
			WriteErrorResponse(w, fmt.Errorf("fetch active executions: %w", err), http.StatusInternalServerError)

			return
		}

		writeJSON(w, http.StatusOK, active)
	}
}

func HandleGetSummaryStats(monitor gateflow.Monitor) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := monitor.GetSummaryStats(r.Context())
		if err != nil {
			WriteErrorResponse(w, fmt.Errorf("fetch summary stats: %w", err), http.StatusInternalServerError)

			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

func HandleGetWorkflowStats(monitor gateflow.Monitor) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := monitor.GetWorkflowStats(r.Context())
		if err != nil {
			WriteErrorResponse(w, fmt.Errorf("fetch workflow stats: %w", err), http.StatusInternalServerError)

			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}
