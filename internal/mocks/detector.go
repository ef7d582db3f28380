package mocks

import (
	"context"
	"sync"

	"darwin/pkg/persistence"
)

// MockDetector implements pipeline.Detector for testing.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockDetector struct {
	// DetectFunc is called when Detect is invoked. Override to customize behavior.
	DetectFunc func(ctx context.Context) ([]*persistence.Signal, error)

	// DetectCalls counts calls to Detect.
	DetectCalls int

	name string
	mu   sync.Mutex
}

// NewMockDetector creates a detector named name that returns copies of signals on every call.
func NewMockDetector(name string, signals ...*persistence.Signal) *MockDetector {
	m := &MockDetector{name: name}
	m.DetectFunc = func(_ context.Context) ([]*persistence.Signal, error) {
		out := make([]*persistence.Signal, len(signals))
		for i, s := range signals {
			copied := *s
			out[i] = &copied
		}
		return out, nil
	}
	return m
}

// Name implements pipeline.Detector.
func (m *MockDetector) Name() string {
	return m.name
}

// Detect implements pipeline.Detector.
func (m *MockDetector) Detect(ctx context.Context) ([]*persistence.Signal, error) {
	m.mu.Lock()
	m.DetectCalls++
	fn := m.DetectFunc
	m.mu.Unlock()
	return fn(ctx)
}
