package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darwin/pkg/persistence"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.ObserveStage("detect", StatusSuccess, 2*time.Second)
	rec.ObserveStage("detect", StatusSuccess, time.Second)
	rec.ObserveStage("remediate", StatusError, time.Second)
	rec.AddSignals("posthog", 3, 1)
	rec.ObserveDiagnosis("gemini", StatusSuccess, 4*time.Second)
	rec.IncPublish("github", StatusSuccess)
	rec.IncReviewDecision("approve")

	assert.InDelta(t, 2, testutil.ToFloat64(rec.stagesTotal.WithLabelValues("detect", StatusSuccess)), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.stagesTotal.WithLabelValues("remediate", StatusError)), 1e-9)
	assert.InDelta(t, 3, testutil.ToFloat64(rec.signalsTotal.WithLabelValues("posthog", "recorded")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.signalsTotal.WithLabelValues("posthog", "suppressed")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.publishTotal.WithLabelValues("github", StatusSuccess)), 1e-9)

	server := httptest.NewServer(Handler(reg))
	defer server.Close()
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `darwin_review_decisions_total{decision="approve"} 1`)
	assert.Contains(t, string(body), "darwin_stage_duration_seconds_bucket")
}

func TestNopRecorder(t *testing.T) {
	rec := Nop()
	rec.ObserveStage("detect", StatusSuccess, time.Second)
	rec.AddSignals("x", 1, 1)
	rec.ObserveDiagnosis("x", StatusError, time.Second)
	rec.IncPublish("x", StatusError)
	rec.IncReviewDecision("reject")
}

// fakePrometheus answers instant queries by matching a substring of the PromQL.
func fakePrometheus(t *testing.T, answers map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.Form.Get("query")
		w.Header().Set("Content-Type", "application/json")
		for fragment, result := range answers {
			if strings.Contains(query, fragment) {
				_, _ = io.WriteString(w, `{"status":"success","data":{"resultType":"vector","result":`+result+`}}`)
				return
			}
		}
		_, _ = io.WriteString(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	}))
}

func TestQueryServiceDetect(t *testing.T) {
	server := fakePrometheus(t, map[string]string{
		"http_requests_total": `[
			{"metric":{"page":"/checkout"},"value":[1741000000,"0.3"]},
			{"metric":{"page":"/home"},"value":[1741000000,"0.001"]}
		]`,
		"page_load_seconds_bucket": `[
			{"metric":{"page":"/search"},"value":[1741000000,"5.5"]}
		]`,
	})
	defer server.Close()

	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	svc, err := NewQueryService(server.URL)
	require.NoError(t, err)
	signals, err := svc.WithClock(func() time.Time { return now }).Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 2)

	errors := signals[0]
	assert.Equal(t, persistence.SignalErrorSpike, errors.Type)
	assert.Equal(t, persistence.SeverityCritical, errors.Severity)
	assert.Equal(t, "/checkout", errors.Page)
	assert.Equal(t, "Server errors on /checkout", errors.Title)
	assert.InDelta(t, 0.3, errors.MetricValue, 1e-9)
	assert.Equal(t, time.Unix(1741000000, 0).UTC(), errors.LastSeen)

	slow := signals[1]
	assert.Equal(t, persistence.SignalSlowLoad, slow.Type)
	assert.Equal(t, persistence.SeverityHigh, slow.Severity)
	assert.Equal(t, "/search", slow.Page)
}

func TestQueryServiceCustomRuleWithUsers(t *testing.T) {
	server := fakePrometheus(t, map[string]string{
		"dead_clicks_total": `[{"metric":{"route":"/cart","target":"button.apply"},"value":[1741000000,"0.6"]}]`,
		"active_users":      `[{"metric":{"route":"/cart"},"value":[1741000000,"64"]}]`,
	})
	defer server.Close()

	svc, err := NewQueryService(server.URL)
	require.NoError(t, err)
	svc.WithRules([]Rule{{
		Name:         "dead_clicks",
		Query:        `sum by (route, target) (rate(dead_clicks_total[1h]))`,
		UsersQuery:   `sum by (route) (active_users)`,
		Metric:       "drop_off_rate",
		Type:         persistence.SignalDeadClick,
		Title:        "Dead clicks on %s",
		PageLabel:    "route",
		ElementLabel: "target",
	}})

	signals, err := svc.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "button.apply", signals[0].Element)
	assert.Equal(t, 64, signals[0].AffectedUsers)
	assert.InDelta(t, 0.8, signals[0].Confidence, 1e-9)
}

func TestQueryServiceFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"status":"error","errorType":"bad_data","error":"parse error"}`)
	}))
	defer server.Close()

	svc, err := NewQueryService(server.URL)
	require.NoError(t, err)
	_, err = svc.Detect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule error_spike")
}
