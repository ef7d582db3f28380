package reasoning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"darwin/pkg/persistence"
)

// ErrUnparseable is returned when a model reply holds no usable diagnosis.
var ErrUnparseable = errors.New("model reply is not a diagnosis")

// diagnosisReply is the JSON object the diagnosis prompt asks for.
//
//nolint:govet // mirrors the prompt's field order
type diagnosisReply struct {
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	RootCause      string            `json:"root_cause"`
	UserImpact     string            `json:"user_impact"`
	BusinessImpact string            `json:"business_impact"`
	Priority       string            `json:"priority"`
	Severity       string            `json:"severity"`
	Confidence     float64           `json:"confidence"`
	Component      string            `json:"component"`
	FilePath       string            `json:"file_path"`
	LineRange      string            `json:"line_range"`
	Fixes          persistence.Fixes `json:"recommended_fix"`
}

// ParseDiagnosis extracts an issue from a model reply for signal. The reply may wrap the JSON
// object in prose or a code fence. Unknown priority or severity values fall back to the
// signal's severity; confidences are clamped to [0, 1].
func ParseDiagnosis(reply string, signal *persistence.Signal) (*persistence.Issue, error) {
	object, err := extractObject(reply)
	if err != nil {
		return nil, err
	}

	var r diagnosisReply
	if err := json.Unmarshal([]byte(object), &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnparseable, err)
	}
	if strings.TrimSpace(r.Title) == "" {
		return nil, fmt.Errorf("%w: missing title", ErrUnparseable)
	}

	severity := persistence.Severity(strings.ToLower(r.Severity))
	if !persistence.Contains(persistence.ValidSeverities(), severity) {
		severity = signal.Severity
	}
	priority := persistence.Priority(strings.ToLower(r.Priority))
	if !persistence.Contains(persistence.ValidPriorities(), priority) {
		priority = priorityFor(severity)
	}

	fixes := make(persistence.Fixes, 0, len(r.Fixes))
	for _, fix := range r.Fixes {
		fix.Confidence = clamp(fix.Confidence)
		if fix.FilePath == "" {
			fix.FilePath = r.FilePath
		}
		if fix.EstimatedEffort != "" && !isEffort(fix.EstimatedEffort) {
			fix.EstimatedEffort = ""
		}
		fixes = append(fixes, fix)
	}

	filePath := r.FilePath
	if filePath == "" && len(fixes) > 0 {
		filePath = fixes[0].FilePath
	}

	return &persistence.Issue{
		Title:            r.Title,
		Description:      r.Description,
		RootCause:        r.RootCause,
		UserImpact:       r.UserImpact,
		BusinessImpact:   r.BusinessImpact,
		Priority:         priority,
		Severity:         severity,
		Confidence:       clamp(r.Confidence),
		Component:        r.Component,
		FilePath:         filePath,
		LineRange:        r.LineRange,
		Page:             signal.Page,
		AffectedUsers:    signal.AffectedUsers,
		RecommendedFixes: fixes,
	}, nil
}

// extractObject returns the outermost JSON object in s.
func extractObject(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: no JSON object found", ErrUnparseable)
	}
	return s[start : end+1], nil
}

func priorityFor(severity persistence.Severity) persistence.Priority {
	switch severity {
	case persistence.SeverityCritical:
		return persistence.PriorityUrgent
	case persistence.SeverityHigh:
		return persistence.PriorityHigh
	case persistence.SeverityLow:
		return persistence.PriorityLow
	default:
		return persistence.PriorityMedium
	}
}

func isEffort(s string) bool {
	return s == "small" || s == "medium" || s == "large"
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}
