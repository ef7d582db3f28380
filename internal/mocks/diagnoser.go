package mocks

import (
	"context"
	"sync"

	"darwin/pkg/persistence"
)

// MockDiagnoser implements pipeline.Diagnoser for testing.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockDiagnoser struct {
	// DiagnoseFunc is called when Diagnose is invoked. Override to customize behavior.
	DiagnoseFunc func(ctx context.Context, signal *persistence.Signal) (*persistence.Issue, error)

	// DiagnoseCalls tracks the signal IDs passed to Diagnose.
	DiagnoseCalls []string

	mu sync.Mutex
}

// NewMockDiagnoser creates a diagnoser whose default proposes one issue per signal, with a
// fix that replaces original by suggested in path.
func NewMockDiagnoser(path, original, suggested string) *MockDiagnoser {
	m := &MockDiagnoser{}
	m.DiagnoseFunc = func(_ context.Context, signal *persistence.Signal) (*persistence.Issue, error) {
		return &persistence.Issue{
			Title:         "Fix " + signal.Title,
			Description:   signal.Description,
			Priority:      persistence.PriorityHigh,
			Severity:      signal.Severity,
			Page:          signal.Page,
			FilePath:      path,
			RootCause:     "mock root cause",
			Confidence:    0.8,
			AffectedUsers: signal.AffectedUsers,
			RecommendedFixes: persistence.Fixes{{
				Title:         "Mock fix for " + signal.Page,
				FilePath:      path,
				OriginalCode:  original,
				SuggestedCode: suggested,
				Confidence:    0.8,
			}},
		}, nil
	}
	return m
}

// Name implements pipeline.Diagnoser.
func (m *MockDiagnoser) Name() string {
	return "mock"
}

// Diagnose implements pipeline.Diagnoser.
func (m *MockDiagnoser) Diagnose(ctx context.Context, signal *persistence.Signal) (*persistence.Issue, error) {
	m.mu.Lock()
	m.DiagnoseCalls = append(m.DiagnoseCalls, signal.ID)
	fn := m.DiagnoseFunc
	m.mu.Unlock()
	return fn(ctx, signal)
}
