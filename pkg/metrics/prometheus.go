package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	stagesTotal       *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	signalsTotal      *prometheus.CounterVec
	diagnosesTotal    *prometheus.CounterVec
	diagnosisDuration *prometheus.HistogramVec
	publishTotal      *prometheus.CounterVec
	reviewTotal       *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder whose collectors are registered with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		stagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darwin_stage_runs_total",
				Help: "Pipeline stage runs by stage and outcome",
			},
			[]string{"stage", "status"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "darwin_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		signalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darwin_signals_total",
				Help: "Detected signals by detector, recorded or suppressed as duplicates",
			},
			[]string{"detector", "result"},
		),
		diagnosesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darwin_diagnoses_total",
				Help: "Diagnosis calls by provider and outcome",
			},
			[]string{"provider", "status"},
		),
		diagnosisDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "darwin_diagnosis_duration_seconds",
				Help:    "Duration of diagnosis calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
			},
			[]string{"provider"},
		),
		publishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darwin_publish_total",
				Help: "Fix publish attempts by forge and outcome",
			},
			[]string{"forge", "status"},
		),
		reviewTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darwin_review_decisions_total",
				Help: "Human review decisions",
			},
			[]string{"decision"},
		),
	}
}

// ObserveStage records one pipeline stage run.
func (p *PrometheusRecorder) ObserveStage(stage, status string, duration time.Duration) {
	p.stagesTotal.WithLabelValues(stage, status).Inc()
	p.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// AddSignals counts detected signals.
func (p *PrometheusRecorder) AddSignals(detector string, recorded, suppressed int) {
	p.signalsTotal.WithLabelValues(detector, "recorded").Add(float64(recorded))
	p.signalsTotal.WithLabelValues(detector, "suppressed").Add(float64(suppressed))
}

// ObserveDiagnosis records one diagnosis call.
func (p *PrometheusRecorder) ObserveDiagnosis(provider, status string, duration time.Duration) {
	p.diagnosesTotal.WithLabelValues(provider, status).Inc()
	p.diagnosisDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// IncPublish counts one attempt to publish a fix.
func (p *PrometheusRecorder) IncPublish(forge, status string) {
	p.publishTotal.WithLabelValues(forge, status).Inc()
}

// IncReviewDecision counts one human review decision.
func (p *PrometheusRecorder) IncReviewDecision(decision string) {
	p.reviewTotal.WithLabelValues(decision).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
