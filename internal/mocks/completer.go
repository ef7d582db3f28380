package mocks

import (
	"context"
	"sync"
)

// CompleteCall records the parameters of a Complete call.
type CompleteCall struct {
	System string
	Prompt string
}

// MockCompleter implements reasoning.Completer for testing.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockCompleter struct {
	// CompleteFunc is called when Complete is invoked. Override to customize behavior.
	CompleteFunc func(ctx context.Context, system, prompt string) (string, error)

	// CompleteCalls tracks all calls to Complete for verification.
	CompleteCalls []CompleteCall

	modelName string
	mu        sync.Mutex
}

// NewMockCompleter creates a completer that answers every prompt with reply.
func NewMockCompleter(reply string) *MockCompleter {
	m := &MockCompleter{modelName: "mock/model"}
	m.CompleteFunc = func(_ context.Context, _, _ string) (string, error) {
		return reply, nil
	}
	return m
}

// Complete implements reasoning.Completer.
func (m *MockCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, CompleteCall{System: system, Prompt: prompt})
	fn := m.CompleteFunc
	m.mu.Unlock()
	return fn(ctx, system, prompt)
}

// Name implements reasoning.Completer.
func (m *MockCompleter) Name() string {
	return m.modelName
}
