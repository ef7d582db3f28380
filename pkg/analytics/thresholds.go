package analytics

import (
	"darwin/pkg/persistence"
)

// Metric names carried on signals.
const (
	MetricRageClicks   = "rage_click_count"
	MetricDropOffRate  = "drop_off_rate"
	MetricErrorRate    = "error_rate"
	MetricP95LoadTimeS = "p95_load_seconds"
)

// Thresholds maps each severity to the lowest metric value that earns it.
type Thresholds map[persistence.Severity]float64

//nolint:gochecknoglobals // Intentional package-level table of severity cut-offs
var severityThresholds = map[string]Thresholds{
	MetricRageClicks: {
		persistence.SeverityCritical: 50,
		persistence.SeverityHigh:     20,
		persistence.SeverityMedium:   10,
		persistence.SeverityLow:      5,
	},
	MetricDropOffRate: {
		persistence.SeverityCritical: 0.5,
		persistence.SeverityHigh:     0.3,
		persistence.SeverityMedium:   0.2,
		persistence.SeverityLow:      0.1,
	},
	MetricErrorRate: {
		persistence.SeverityCritical: 0.25,
		persistence.SeverityHigh:     0.10,
		persistence.SeverityMedium:   0.05,
		persistence.SeverityLow:      0.01,
	},
	MetricP95LoadTimeS: {
		persistence.SeverityCritical: 8,
		persistence.SeverityHigh:     5,
		persistence.SeverityMedium:   3,
		persistence.SeverityLow:      2,
	},
}

// SeverityThresholds returns the cut-offs for metric, or nil if the metric is unknown.
func SeverityThresholds(metric string) Thresholds {
	return severityThresholds[metric]
}

// ClassifySeverity returns the highest severity whose threshold value reaches, together with
// that threshold. ok is false below the low threshold or for an unknown metric.
func ClassifySeverity(metric string, value float64) (severity persistence.Severity, threshold float64, ok bool) {
	cutoffs, known := severityThresholds[metric]
	if !known {
		return "", 0, false
	}
	for _, s := range persistence.ValidSeverities() {
		if limit, set := cutoffs[s]; set && value >= limit {
			return s, limit, true
		}
	}
	return "", 0, false
}

// Confidence grades how much evidence backs a signal by the number of affected users.
func Confidence(affectedUsers int) float64 {
	switch {
	case affectedUsers >= 50:
		return 0.8
	case affectedUsers >= 10:
		return 0.6
	default:
		return 0.4
	}
}
