package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethpandaops/evaloor/pkg/metastore"
	"github.com/ethpandaops/evaloor/pkg/runs"
	"github.com/go-chi/chi/v5"
)

// Stable error codes so clients can distinguish every failure kind
// even when two kinds share an HTTP status.
const (
	codeValidation          = "validation_error"
	codeDependencyNotFound  = "dependency_not_found"
	codeNotFound            = "not_found"
	codeIllegalTransition   = "illegal_transition"
	codeConcurrencyConflict = "concurrency_conflict"
	codeTransient           = "transient_store_failure"
	codeUnauthorized        = "unauthorized"
	codeRateLimited         = "rate_limited"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields []runs.FieldError `json:"fields,omitempty"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeServiceError maps the core error taxonomy to HTTP responses.
func (s *server) writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *runs.ValidationError
	if errors.As(err, &validationErr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  validationErr.Error(),
			Code:   codeValidation,
			Fields: validationErr.Fields,
		})

		return
	}

	switch {
	case errors.Is(err, runs.ErrDependencyNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: err.Error(),
			Code:  codeDependencyNotFound,
		})
	case errors.Is(err, runs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: err.Error(),
			Code:  codeNotFound,
		})
	case errors.Is(err, runs.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: err.Error(),
			Code:  codeIllegalTransition,
		})
	case errors.Is(err, runs.ErrConcurrencyConflict):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: err.Error(),
			Code:  codeConcurrencyConflict,
		})
	case runs.IsTransient(err):
		s.log.WithError(err).Warn("Transient store failure")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error: "temporarily unavailable, retry with backoff",
			Code:  codeTransient,
		})
	default:
		s.log.WithError(err).Error("Unhandled service error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: "internal error",
			Code:  codeTransient,
		})
	}
}

// runResponse is the wire shape of an evaluation run.
type runResponse struct {
	EvalRunID   string     `json:"evalRunId"`
	AgentID     string     `json:"agentId"`
	DatasetID   string     `json:"datasetId"`
	ConfigID    string     `json:"metricsConfigurationId"`
	Name        string     `json:"name,omitempty"`
	EvalType    string     `json:"evaluationType,omitempty"`
	Environment string     `json:"environment,omitempty"`
	SchemaName  string     `json:"agentSchemaName,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	ModifiedAt  time.Time  `json:"lastUpdated"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Version     string     `json:"version"`
}

func toRunResponse(run *metastore.EvaluationRun) runResponse {
	return runResponse{
		EvalRunID:   run.RunID,
		AgentID:     run.AgentID,
		DatasetID:   run.DatasetID,
		ConfigID:    run.ConfigID,
		Name:        run.Name,
		EvalType:    run.EvalType,
		Environment: run.Environment,
		SchemaName:  run.SchemaName,
		Status:      run.Status,
		CreatedAt:   run.CreatedAt,
		ModifiedAt:  run.ModifiedAt,
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		Version:     run.Version,
	}
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCacheStats returns cache hit/miss statistics.
func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.runs.CacheStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// --- Run lifecycle handlers ---

type createRunRequest struct {
	DatasetID   string `json:"datasetId"`
	ConfigID    string `json:"metricsConfigurationId"`
	EvalType    string `json:"evaluationType"`
	Environment string `json:"environment"`
	SchemaName  string `json:"agentSchemaName"`
	Name        string `json:"name"`
}

func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var body createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid request body",
			Code:  codeValidation,
		})

		return
	}

	run, err := s.runs.CreateRun(r.Context(), runs.CreateRunRequest{
		TenantID:    identity.TenantID,
		DatasetID:   body.DatasetID,
		ConfigID:    body.ConfigID,
		EvalType:    body.EvalType,
		Environment: body.Environment,
		SchemaName:  body.SchemaName,
		Name:        body.Name,
	})
	if err != nil {
		s.writeServiceError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, toRunResponse(run))
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	run, err := s.runs.GetRun(
		r.Context(), identity.TenantID, chi.URLParam(r, "runID"),
	)
	if err != nil {
		s.writeServiceError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	start, err := parseTimeParam(r, "start")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid start time, expected RFC3339",
			Code:  codeValidation,
		})

		return
	}

	end, err := parseTimeParam(r, "end")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid end time, expected RFC3339",
			Code:  codeValidation,
		})

		return
	}

	list, err := s.runs.ListRuns(r.Context(), identity.TenantID, start, end)
	if err != nil {
		s.writeServiceError(w, err)

		return
	}

	resp := make([]runResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toRunResponse(&list[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (s *server) handleTransitionStatus(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var body transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid request body",
			Code:  codeValidation,
		})

		return
	}

	run, err := s.runs.TransitionStatus(
		r.Context(), identity.TenantID, chi.URLParam(r, "runID"), body.Status,
	)
	if err != nil {
		s.writeServiceError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// --- Artifact handlers ---

func (s *server) handleSaveEnrichedDataset(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "reading request body",
			Code:  codeValidation,
		})

		return
	}

	if err := s.runs.SaveEnrichedDataset(
		r.Context(), identity.TenantID, chi.URLParam(r, "runID"), payload,
	); err != nil {
		s.writeServiceError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetEnrichedDataset(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	data, err := s.runs.GetEnrichedDataset(
		r.Context(), identity.TenantID, chi.URLParam(r, "runID"),
	)
	if err != nil {
		s.writeServiceError(w, err)

		return
	}

	writeRawJSON(w, data)
}

func (s *server) handleSaveResult(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "reading request body",
			Code:  codeValidation,
		})

		return
	}

	if err := s.runs.SaveResult(
		r.Context(), identity.TenantID,
		chi.URLParam(r, "runID"), chi.URLParam(r, "fileName"), payload,
	); err != nil {
		s.writeServiceError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	data, err := s.runs.GetResult(
		r.Context(), identity.TenantID,
		chi.URLParam(r, "runID"), chi.URLParam(r, "fileName"),
	)
	if err != nil {
		s.writeServiceError(w, err)

		return
	}

	writeRawJSON(w, data)
}

func (s *server) handleListResults(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	names, err := s.runs.ListResults(
		r.Context(), identity.TenantID, chi.URLParam(r, "runID"),
	)
	if err != nil {
		s.writeServiceError(w, err)

		return
	}

	if names == nil {
		names = []string{}
	}

	writeJSON(w, http.StatusOK, names)
}

// --- Referenced entity handlers ---

func (s *server) handleRegisterDataset(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "reading request body",
			Code:  codeValidation,
		})

		return
	}

	if err := s.runs.RegisterDataset(
		r.Context(), identity.TenantID, chi.URLParam(r, "datasetID"),
		r.URL.Query().Get("name"), content,
	); err != nil {
		s.writeServiceError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	data, err := s.runs.GetDataset(
		r.Context(), identity.TenantID, chi.URLParam(r, "datasetID"),
	)
	if err != nil {
		s.writeServiceError(w, err)

		return
	}

	writeRawJSON(w, data)
}

func (s *server) handleRegisterConfiguration(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	content, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "reading request body",
			Code:  codeValidation,
		})

		return
	}

	if err := s.runs.RegisterConfiguration(
		r.Context(), identity.TenantID, chi.URLParam(r, "configID"),
		r.URL.Query().Get("name"), content,
	); err != nil {
		s.writeServiceError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	data, err := s.runs.GetConfiguration(
		r.Context(), identity.TenantID, chi.URLParam(r, "configID"),
	)
	if err != nil {
		s.writeServiceError(w, err)

		return
	}

	writeRawJSON(w, data)
}

// writeRawJSON writes an already-serialized JSON payload unchanged so
// artifact round-trips stay byte-for-byte.
func writeRawJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}

	return &t, nil
}
