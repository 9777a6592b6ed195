package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gomr/coordinator/internal/coordinator/service"
	"github.com/gomr/coordinator/internal/shared/logging"
)

// API is the HTTP intake layer in front of a service.JobRegistry: it
// turns job submissions into localrun.JobSpec values and job queries
// into JobRegistry reads, and owns no job state of its own.
type API struct {
	registry *service.JobRegistry
}

func NewAPI(registry *service.JobRegistry) *API {
	return &API{registry: registry}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", a.submitJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("POST /api/jobs/{id}/kill", a.killJob)
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := validateSubmitJobRequest(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	jobID, err := a.registry.Submit(r.Context(), req.ToJobSpec())
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, "submission failed", err.Error())
		return
	}

	a.respondJSON(w, http.StatusCreated, SubmitJobResponse{
		JobID:  jobID,
		Status: "RUNNING",
		Links:  Links{Self: fmt.Sprintf("/api/jobs/%s", jobID)},
	})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	view, ok := a.registry.Status(jobID)
	if !ok {
		a.respondError(w, http.StatusNotFound, "job not found", "")
		return
	}
	a.respondJSON(w, http.StatusOK, ToJobResponse(view))
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	views := a.registry.List()
	summaries := make([]JobSummary, 0, len(views))
	for _, view := range views {
		summaries = append(summaries, ToJobSummary(view))
	}
	a.respondJSON(w, http.StatusOK, ListJobsResponse{Jobs: summaries})
}

func (a *API) killJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	var req KillJobRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if !a.registry.Kill(jobID, req.Reason) {
		a.respondError(w, http.StatusNotFound, "job not found or already terminated", "")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func validateSubmitJobRequest(req *SubmitJobRequest) error {
	if req.JobName == "" {
		return fmt.Errorf("job_name is required")
	}
	if len(req.Input) == 0 {
		return fmt.Errorf("at least one input path is required")
	}
	if req.NumReducers <= 0 {
		return fmt.Errorf("num_reducers must be greater than 0")
	}
	return nil
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, errMsg string, message string) {
	a.respondJSON(w, statusCode, ErrorResponse{Error: errMsg, Message: message, Code: statusCode})
}

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// NewServer wires a service.JobRegistry behind the intake API and the
// teacher's recovery/logging middleware chain.
func NewServer(addr string, registry *service.JobRegistry, logger logging.Logger) *http.Server {
	api := NewAPI(registry)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := ChainMiddleware(
		mux,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
	)

	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}
