package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/tac-pipeline/internal/platform/httpserver"
	"github.com/animus-labs/tac-pipeline/internal/repo"
	"github.com/animus-labs/tac-pipeline/internal/service/runs"
)

type runService interface {
	Submit(ctx context.Context, req runs.Request) (repo.PipelineRunRecord, error)
	Plan(ctx context.Context, req runs.Request) (runs.Plan, error)
	Get(ctx context.Context, runID string) (runs.RunView, error)
	List(ctx context.Context, filter repo.RunFilter) ([]repo.PipelineRunRecord, error)
}

type runsAPI struct {
	logger *slog.Logger
	svc    runService
}

func newRunsAPI(logger *slog.Logger, svc runService) *runsAPI {
	return &runsAPI{logger: logger, svc: svc}
}

func (api *runsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", api.handleSubmit)
	mux.HandleFunc("POST /plans", api.handlePlan)
	mux.HandleFunc("GET /runs", api.handleList)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGet)
}

type runPayload struct {
	ID         string            `json:"id"`
	Pipeline   string            `json:"pipeline"`
	Kind       string            `json:"kind"`
	Params     map[string]string `json:"params"`
	RootKey    string            `json:"root_key"`
	Executor   string            `json:"executor"`
	Status     string            `json:"status"`
	Submitted  int               `json:"submitted"`
	Skipped    int               `json:"skipped"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

type executionPayload struct {
	TaskKey    string     `json:"task_key"`
	Kind       string     `json:"kind"`
	Attempt    int        `json:"attempt"`
	JobName    string     `json:"job_name"`
	OutputURI  string     `json:"output_uri,omitempty"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (api *runsAPI) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req runs.Request
	if err := decodeJSON(w, r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	run, err := api.svc.Submit(r.Context(), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/runs/"+run.ID)
	httpserver.WriteJSON(w, http.StatusAccepted, toRunPayload(run))
}

func (api *runsAPI) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req runs.Request
	if err := decodeJSON(w, r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", "")
		return
	}
	plan, err := api.svc.Plan(r.Context(), req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, plan)
}

func (api *runsAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := api.svc.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httpserver.WriteError(w, r, http.StatusNotFound, "not_found", "")
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	executions := make([]executionPayload, 0, len(view.Executions))
	for _, rec := range view.Executions {
		executions = append(executions, executionPayload{
			TaskKey:    rec.TaskKey,
			Kind:       rec.Kind,
			Attempt:    rec.Attempt,
			JobName:    rec.JobName,
			OutputURI:  rec.OutputURI,
			Status:     string(rec.Status),
			Reason:     rec.Reason,
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"run":        toRunPayload(view.Run),
		"executions": executions,
	})
}

func (api *runsAPI) handleList(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{Status: repo.RunStatus(strings.TrimSpace(r.URL.Query().Get("status")))}
	switch filter.Status {
	case "", repo.RunQueued, repo.RunRunning, repo.RunSucceeded, repo.RunFailed:
	default:
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_status", "")
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", "")
			return
		}
		filter.Limit = limit
	}
	records, err := api.svc.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]runPayload, 0, len(records))
	for _, rec := range records {
		out = append(out, toRunPayload(rec))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *runsAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if runs.IsClientError(err) {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	api.logger.Error("request failed", "path", r.URL.Path, "error", err)
	httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
}

func toRunPayload(rec repo.PipelineRunRecord) runPayload {
	return runPayload{
		ID:         rec.ID,
		Pipeline:   rec.Pipeline,
		Kind:       rec.Kind,
		Params:     rec.Params,
		RootKey:    rec.RootKey,
		Executor:   rec.Executor,
		Status:     string(rec.Status),
		Submitted:  rec.Submitted,
		Skipped:    rec.Skipped,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return errors.New("multiple JSON values")
	}
	return nil
}
