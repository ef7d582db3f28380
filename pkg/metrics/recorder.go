package metrics

import (
	"time"
)

// Stage and publish outcomes used as label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Recorder defines the interface for recording pipeline metrics.
type Recorder interface {
	// ObserveStage records one pipeline stage run.
	ObserveStage(stage, status string, duration time.Duration)

	// AddSignals counts detected signals, split into recorded and suppressed duplicates.
	AddSignals(detector string, recorded, suppressed int)

	// ObserveDiagnosis records one diagnosis call.
	ObserveDiagnosis(provider, status string, duration time.Duration)

	// IncPublish counts one attempt to publish a fix.
	IncPublish(forge, status string)

	// IncReviewDecision counts one human review decision.
	IncReviewDecision(decision string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveStage does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveStage(_, _ string, _ time.Duration) {}

// AddSignals does nothing in the no-op recorder.
func (n *NoopRecorder) AddSignals(_ string, _, _ int) {}

// ObserveDiagnosis does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveDiagnosis(_, _ string, _ time.Duration) {}

// IncPublish does nothing in the no-op recorder.
func (n *NoopRecorder) IncPublish(_, _ string) {}

// IncReviewDecision does nothing in the no-op recorder.
func (n *NoopRecorder) IncReviewDecision(_ string) {}
