package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"codegrade/internal/grading/model"
	"codegrade/internal/grading/producer"
	appErr "codegrade/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type stubEnqueuer struct {
	got model.CreateGradingJobRequest
	err error
}

func (s *stubEnqueuer) Enqueue(ctx context.Context, req model.CreateGradingJobRequest) (producer.Receipt, error) {
	s.got = req
	if s.err != nil {
		return producer.Receipt{}, s.err
	}
	return producer.Receipt{SubmissionID: req.SubmissionID, MessageID: "m-1", Topic: producer.DefaultTopic}, nil
}

type stubProgress struct {
	progress model.Progress
	err      error
}

func (s *stubProgress) Get(ctx context.Context, submissionID int64) (model.Progress, error) {
	if s.err != nil {
		return model.Progress{}, s.err
	}
	p := s.progress
	p.SubmissionID = submissionID
	return p, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	TraceID string          `json:"trace_id"`
}

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestRouter(enq JobEnqueuer, progress ProgressReader, checks map[string]HealthCheck) *gin.Engine {
	return NewRouter(NewGradingController(enq, progress), NewHealthController(checks, 0), prometheus.NewRegistry())
}

func serve(router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

const jobBody = `{"submission_id":5,"task_id":1,"account_id":2,"language":"python","code":"print(1)",
"tests":[{"id":1,"input":null,"expected_output":"1","is_public":true}],
"limits":{"time_limit_ms":1000,"memory_limit_mb":64}}`

func TestCreateJobAccepted(t *testing.T) {
	t.Parallel()
	enq := &stubEnqueuer{}
	router := newTestRouter(enq, &stubProgress{}, nil)

	rec, env := serve(router, http.MethodPost, "/internal/v1/grading-jobs", jobBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.TraceID == "" || rec.Header().Get("X-Trace-Id") != env.TraceID {
		t.Fatalf("expected trace id in body and header")
	}
	if enq.got.SubmissionID != 5 || len(enq.got.Tests) != 1 || enq.got.Tests[0].Input != nil {
		t.Fatalf("unexpected request %+v", enq.got)
	}
}

func TestCreateJobUnknownLanguage(t *testing.T) {
	t.Parallel()
	enq := &stubEnqueuer{err: appErr.New(appErr.LanguageNotSupported)}
	router := newTestRouter(enq, &stubProgress{}, nil)

	rec, env := serve(router, http.MethodPost, "/internal/v1/grading-jobs", jobBody)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env.Code != int(appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported code, got %d", env.Code)
	}
}

func TestCreateJobBadBody(t *testing.T) {
	t.Parallel()
	router := newTestRouter(&stubEnqueuer{}, &stubProgress{}, nil)
	rec, _ := serve(router, http.MethodPost, "/internal/v1/grading-jobs", "{")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetProgress(t *testing.T) {
	t.Parallel()
	router := newTestRouter(&stubEnqueuer{}, &stubProgress{progress: model.Progress{Stage: model.StageRunningTests, TestsTotal: 3}}, nil)

	rec, env := serve(router, http.MethodGet, "/internal/v1/submissions/9/progress", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var progress model.Progress
	if err := json.Unmarshal(env.Data, &progress); err != nil {
		t.Fatalf("decode progress failed: %v", err)
	}
	if progress.SubmissionID != 9 || progress.Stage != model.StageRunningTests {
		t.Fatalf("unexpected progress %+v", progress)
	}

	rec, _ = serve(router, http.MethodGet, "/internal/v1/submissions/abc/progress", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
}

func TestGetProgressMissing(t *testing.T) {
	t.Parallel()
	router := newTestRouter(&stubEnqueuer{}, &stubProgress{err: appErr.New(appErr.NotFound)}, nil)
	rec, _ := serve(router, http.MethodGet, "/internal/v1/submissions/9/progress", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	checks := map[string]HealthCheck{
		"database": func(ctx context.Context) error { return nil },
		"queue":    func(ctx context.Context) error { return errors.New("connection refused") },
	}
	router := newTestRouter(&stubEnqueuer{}, &stubProgress{}, checks)

	rec, _ := serve(router, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var report healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report failed: %v", err)
	}
	if report.Checks["database"] != "ok" || report.Checks["queue"] != "connection refused" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	router := newTestRouter(&stubEnqueuer{}, &stubProgress{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
