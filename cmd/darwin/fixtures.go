package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"darwin/pkg/analytics"
	"darwin/pkg/persistence"
)

// signalFile is the YAML layout read by "signals import".
//
//	signals:
//	  - type: rage_click
//	    title: Rage clicks on checkout button
//	    metric_name: rage_click_count
//	    metric_value: 34
//	    page: /checkout
//	    element: Pay now
//	    affected_users: 80
type signalFile struct {
	Signals []signalFixture `yaml:"signals"`
}

//nolint:govet // Logical field grouping preferred over memory optimization
type signalFixture struct {
	Type          string   `yaml:"type"`
	Severity      string   `yaml:"severity"`
	Title         string   `yaml:"title"`
	Description   string   `yaml:"description"`
	MetricName    string   `yaml:"metric_name"`
	MetricValue   float64  `yaml:"metric_value"`
	Threshold     *float64 `yaml:"threshold"`
	Confidence    float64  `yaml:"confidence"`
	Page          string   `yaml:"page"`
	Element       string   `yaml:"element"`
	AffectedUsers int      `yaml:"affected_users"`
	SessionCount  int      `yaml:"session_count"`
	RecordingIDs  []string `yaml:"recording_ids"`
}

// loadSignalFile reads signals from path. A fixture without a severity is graded by the
// metric thresholds; one without a confidence is graded by its affected users.
func loadSignalFile(path string, now time.Time) ([]*persistence.Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signal file: %w", err)
	}
	var file signalFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%s: invalid YAML: %w", path, err)
	}

	signals := make([]*persistence.Signal, 0, len(file.Signals))
	for i, f := range file.Signals {
		s, err := f.signal(now)
		if err != nil {
			return nil, fmt.Errorf("%s: signal %d: %w", path, i+1, err)
		}
		signals = append(signals, s)
	}
	return signals, nil
}

func (f *signalFixture) signal(now time.Time) (*persistence.Signal, error) {
	s := &persistence.Signal{
		Type:          persistence.SignalType(f.Type),
		Severity:      persistence.Severity(f.Severity),
		Title:         f.Title,
		Description:   f.Description,
		MetricName:    f.MetricName,
		MetricValue:   f.MetricValue,
		Threshold:     f.Threshold,
		Confidence:    f.Confidence,
		Page:          f.Page,
		Element:       f.Element,
		AffectedUsers: f.AffectedUsers,
		SessionCount:  f.SessionCount,
		RecordingIDs:  f.RecordingIDs,
		FirstSeen:     now,
		LastSeen:      now,
	}

	if s.Severity == "" {
		severity, threshold, ok := analytics.ClassifySeverity(f.MetricName, f.MetricValue)
		if !ok {
			return nil, fmt.Errorf("no severity given and %s=%v is below every threshold", f.MetricName, f.MetricValue)
		}
		s.Severity = severity
		if s.Threshold == nil {
			s.Threshold = &threshold
		}
	}
	if s.Confidence == 0 {
		s.Confidence = analytics.Confidence(f.AffectedUsers)
	}
	return s, nil
}
