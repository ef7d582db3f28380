package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darwin/pkg/lifecycle"
	"darwin/pkg/metrics"
	"darwin/pkg/persistence"
	"darwin/pkg/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	runs   []pipeline.Mode
	report *pipeline.Report
	block  chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, mode pipeline.Mode) (*pipeline.Report, error) {
	f.runs = append(f.runs, mode)
	if f.block != nil {
		<-f.block
	}
	if f.report != nil {
		return f.report, nil
	}
	return &pipeline.Report{Mode: mode}, nil
}

func (f *fakeRunner) DryRun(mode pipeline.Mode) (*pipeline.Report, error) {
	stages, err := pipeline.Plan(mode)
	if err != nil {
		return nil, err
	}
	report := &pipeline.Report{Mode: mode, DryRun: true}
	for _, s := range stages {
		report.Stages = append(report.Stages, pipeline.StageResult{Stage: s, Status: pipeline.StagePlanned})
	}
	return report, nil
}

type fixture struct {
	controller *lifecycle.Controller
	runner     *fakeRunner
	server     *Server
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tick := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	controller := lifecycle.NewController(store, lifecycle.Options{}).WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
	runner := &fakeRunner{}
	registry := prometheus.NewRegistry()
	server := NewServer(controller, Options{
		APIKey:   apiKey,
		Runner:   runner,
		Gatherer: registry,
		Recorder: metrics.NewPrometheusRecorder(registry),
	})
	return &fixture{controller: controller, runner: runner, server: server}
}

func (f *fixture) seedIssue(t *testing.T, page string) *persistence.Issue {
	t.Helper()
	ctx := context.Background()
	signal := &persistence.Signal{
		Type:       persistence.SignalDropOff,
		Severity:   persistence.SeverityHigh,
		Title:      "Drop-off on " + page,
		MetricName: "drop_off_rate",
		Page:       page,
	}
	_, err := f.controller.RecordSignal(ctx, signal)
	require.NoError(t, err)
	issue, err := f.controller.RecordDiagnosis(ctx, signal.ID, &persistence.Issue{
		Title:    "Form loses input on " + page,
		Priority: persistence.PriorityHigh,
		Severity: persistence.SeverityHigh,
		Page:     page,
	})
	require.NoError(t, err)
	return issue
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	}
	return rec, decoded
}

func TestHealthIsOpen(t *testing.T) {
	f := newFixture(t, "secret")
	rec, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, _ = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t, "secret")

	rec, _ := f.do(t, http.MethodGet, "/api/signals", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	rec, _ = f.do(t, http.MethodGet, "/api/signals", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/signals", "", "Authorization", "Basic secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/api/signals", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0, body["count"], 0)
}

func TestApproveIssue(t *testing.T) {
	f := newFixture(t, "")
	issue := f.seedIssue(t, "/checkout")

	rec, body := f.do(t, http.MethodPost, "/api/ux-issues/"+issue.ID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "diagnosed", body["previous_status"])
	assert.Equal(t, "approved", body["new_status"])

	// approved is not a reviewable status
	rec, body = f.do(t, http.MethodPost, "/api/ux-issues/"+issue.ID+"/approve", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "cannot move from approved to approved")

	rec, _ = f.do(t, http.MethodPost, "/api/ux-issues/missing/approve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRejectAlwaysSucceeds(t *testing.T) {
	f := newFixture(t, "")
	issue := f.seedIssue(t, "/signup")

	rec, body := f.do(t, http.MethodPost, "/api/ux-issues/"+issue.ID+"/reject", `{"reason":"not a bug"}`)
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "rejected", body["new_status"])
	assert.Equal(t, "not a bug", body["reason"])

	rec, body = f.do(t, http.MethodPost, "/api/ux-issues/"+issue.ID+"/reject", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rejected", body["previous_status"])
	assert.Empty(t, body["reason"])

	// re-approval after rejection
	rec, _ = f.do(t, http.MethodPost, "/api/ux-issues/"+issue.ID+"/approve", `{"approver":"dana"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/ux-issues/missing/reject", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListsAndFilters(t *testing.T) {
	f := newFixture(t, "")
	first := f.seedIssue(t, "/checkout")
	f.seedIssue(t, "/signup")
	_, err := f.controller.Approve(context.Background(), first.ID, "test")
	require.NoError(t, err)

	_, body := f.do(t, http.MethodGet, "/api/ux-issues", "")
	assert.InDelta(t, 2, body["count"], 0)

	_, body = f.do(t, http.MethodGet, "/api/ux-issues?status=approved", "")
	assert.InDelta(t, 1, body["count"], 0)

	_, body = f.do(t, http.MethodGet, "/api/ux-issues/pending-review", "")
	assert.InDelta(t, 1, body["count"], 0)

	_, body = f.do(t, http.MethodGet, "/api/signals?processed=true&severity=high", "")
	assert.InDelta(t, 2, body["count"], 0)

	rec, _ := f.do(t, http.MethodGet, "/api/signals?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/signals?severity=extreme", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/ux-issues/"+first.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, body["id"])

	_, body = f.do(t, http.MethodGet, "/api/pull-requests", "")
	assert.InDelta(t, 0, body["count"], 0)

	_, body = f.do(t, http.MethodGet, "/api/tasks", "")
	assert.InDelta(t, 0, body["count"], 0)

	rec, body = f.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pending, ok := body["pending_actions"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 1, pending["issues_pending_review"], 0)

	_, body = f.do(t, http.MethodGet, "/api/stats/agent-logs", "")
	assert.NotNil(t, body["logs"])
}

func TestDismissSignal(t *testing.T) {
	f := newFixture(t, "")
	signal := &persistence.Signal{
		Type:       persistence.SignalSlowLoad,
		Severity:   persistence.SeverityLow,
		Title:      "Slow search",
		MetricName: "p95_load_seconds",
		Page:       "/search",
	}
	_, err := f.controller.RecordSignal(context.Background(), signal)
	require.NoError(t, err)

	rec, _ := f.do(t, http.MethodPost, "/api/signals/"+signal.ID+"/dismiss", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, body := f.do(t, http.MethodGet, "/api/signals/"+signal.ID, "")
	assert.Equal(t, "dismissed", body["status"])
	assert.Equal(t, true, body["processed"])

	rec, _ = f.do(t, http.MethodPost, "/api/signals/"+signal.ID+"/dismiss", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunPipeline(t *testing.T) {
	f := newFixture(t, "")

	rec, body := f.do(t, http.MethodPost, "/api/darwin/run", `{"mode":"review"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = f.do(t, http.MethodPost, "/api/darwin/run", `{"mode":"turbo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/darwin/run", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/api/darwin/run", `{"mode":"analyze","dry_run":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["dry_run"])
	assert.Equal(t, "dry run: would run detect, diagnose in analyze mode", body["message"])
	assert.Empty(t, f.runner.runs)

	f.runner.report = &pipeline.Report{Mode: pipeline.ModeEngineer, Stages: []pipeline.StageResult{
		{Stage: pipeline.StageRemediate, Status: pipeline.StageCompleted},
	}}
	rec, body = f.do(t, http.MethodPost, "/api/darwin/run", `{"mode":"engineer"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "1 of 1 stages completed", body["message"])
	assert.Equal(t, []pipeline.Mode{pipeline.ModeEngineer}, f.runner.runs)
}

func TestRunIsSerialized(t *testing.T) {
	f := newFixture(t, "")
	f.runner.block = make(chan struct{})

	done := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/darwin/run", strings.NewReader(`{"mode":"analyze"}`))
		req.Header.Set("Content-Type", "application/json")
		f.server.Handler().ServeHTTP(rec, req)
		done <- rec.Code
	}()

	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/darwin/status", "")
		return body["running"] == true
	}, 2*time.Second, 10*time.Millisecond)

	rec, _ := f.do(t, http.MethodPost, "/api/darwin/run", `{"mode":"analyze"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(f.runner.block)
	assert.Equal(t, http.StatusOK, <-done)
}
