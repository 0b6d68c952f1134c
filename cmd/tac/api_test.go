package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/tac-pipeline/internal/domain"
	"github.com/animus-labs/tac-pipeline/internal/repo"
	"github.com/animus-labs/tac-pipeline/internal/service/runs"
)

type stubRuns struct {
	submitted []runs.Request
	submitErr error
	runs      map[string]runs.RunView
	filter    repo.RunFilter
}

func (s *stubRuns) Submit(_ context.Context, req runs.Request) (repo.PipelineRunRecord, error) {
	if s.submitErr != nil {
		return repo.PipelineRunRecord{}, s.submitErr
	}
	s.submitted = append(s.submitted, req)
	return repo.PipelineRunRecord{ID: "run-1", Kind: req.Kind, Params: req.Params, Status: repo.RunQueued, CreatedAt: time.Now()}, nil
}

func (s *stubRuns) Plan(_ context.Context, req runs.Request) (runs.Plan, error) {
	if s.submitErr != nil {
		return runs.Plan{}, s.submitErr
	}
	return runs.Plan{Root: req.Kind + "()", Jobs: 1}, nil
}

func (s *stubRuns) Get(_ context.Context, id string) (runs.RunView, error) {
	view, ok := s.runs[id]
	if !ok {
		return runs.RunView{}, repo.ErrNotFound
	}
	return view, nil
}

func (s *stubRuns) List(_ context.Context, filter repo.RunFilter) ([]repo.PipelineRunRecord, error) {
	s.filter = filter
	out := []repo.PipelineRunRecord{}
	for _, v := range s.runs {
		out = append(out, v.Run)
	}
	return out, nil
}

func newTestMux(svc runService) *http.ServeMux {
	mux := http.NewServeMux()
	newRunsAPI(slog.New(slog.NewTextHandler(io.Discard, nil)), svc).register(mux)
	return mux
}

func TestSubmitRunAccepted(t *testing.T) {
	svc := &stubRuns{}
	mux := newTestMux(svc)

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"kind":"make_predictions","params":{"date":"2024-03-10"}}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != "/runs/run-1" {
		t.Fatalf("Location=%q", got)
	}
	var body runPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ID != "run-1" || body.Status != "queued" {
		t.Fatalf("body=%+v", body)
	}
	if len(svc.submitted) != 1 || svc.submitted[0].Params["date"] != "2024-03-10" {
		t.Fatalf("submitted=%+v", svc.submitted)
	}
}

func TestSubmitRunRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code string
	}{
		{name: "unknown field", body: `{"kind":"predict","extra":1}`, code: "invalid_json"},
		{name: "two documents", body: `{"kind":"predict"}{}`, code: "invalid_json"},
		{name: "invalid params", body: `{"kind":"predict"}`, err: fmt.Errorf("%w: missing model_name", domain.ErrInvalidParams), code: "invalid_request"},
		{name: "unknown kind", body: `{"kind":"nope"}`, err: fmt.Errorf("%w: nope", domain.ErrUnknownKind), code: "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newTestMux(&stubRuns{submitErr: tc.err})
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status=%d, want 400", rec.Code)
			}
			var body map[string]any
			_ = json.Unmarshal(rec.Body.Bytes(), &body)
			if body["error"] != tc.code {
				t.Fatalf("error=%v, want %s", body["error"], tc.code)
			}
		})
	}
}

func TestSubmitRunInternalError(t *testing.T) {
	mux := newTestMux(&stubRuns{submitErr: fmt.Errorf("%w: timeout", domain.ErrStoreUnavailable)})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{"kind":"predict"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "timeout") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestGetRun(t *testing.T) {
	finished := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	svc := &stubRuns{runs: map[string]runs.RunView{
		"run-1": {
			Run: repo.PipelineRunRecord{ID: "run-1", Status: repo.RunSucceeded, Submitted: 1},
			Executions: []repo.TaskExecutionRecord{
				{TaskKey: "predict(date=2024-03-10,model_name=A)", Kind: "predict", Attempt: 1, JobName: "predict-abc-1", Status: repo.ExecutionSucceeded, FinishedAt: &finished},
			},
		},
	}}
	mux := newTestMux(svc)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body struct {
		Run        runPayload         `json:"run"`
		Executions []executionPayload `json:"executions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Run.Status != "succeeded" || len(body.Executions) != 1 || body.Executions[0].JobName != "predict-abc-1" {
		t.Fatalf("body=%+v", body)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestListRunsValidatesQuery(t *testing.T) {
	svc := &stubRuns{runs: map[string]runs.RunView{"run-1": {Run: repo.PipelineRunRecord{ID: "run-1"}}}}
	mux := newTestMux(svc)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?status=failed&limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if svc.filter.Status != repo.RunFailed || svc.filter.Limit != 5 {
		t.Fatalf("filter=%+v", svc.filter)
	}

	for _, q := range []string{"status=done", "limit=0", "limit=x"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d, want 400", q, rec.Code)
		}
	}
}

func TestPlanEndpoint(t *testing.T) {
	mux := newTestMux(&stubRuns{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/plans", strings.NewReader(`{"kind":"predict","params":{"date":"2024-03-10","model_name":"A"}}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var plan runs.Plan
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if plan.Jobs != 1 {
		t.Fatalf("Jobs=%d, want 1", plan.Jobs)
	}
}
