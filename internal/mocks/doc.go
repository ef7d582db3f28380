// Package mocks provides shared mock implementations for testing.
//
// Each mock exposes a Func field per method that tests can override, and records its calls.
//
// # Usage
//
//	import "darwin/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    forge := mocks.NewMockForgeClient(map[string]string{"src/app.js": "..."})
//	    forge.CreatePRFunc = func(ctx context.Context, opts forge.PRCreateOptions) (*forge.PullRequest, error) {
//	        return nil, errors.New("boom")
//	    }
//	    // Use forge in test...
//	}
//
// # Available Mocks
//
//   - MockForgeClient: Mock for forge.Client, backed by an in-memory repository
//   - MockDetector: Mock for pipeline.Detector
//   - MockDiagnoser: Mock for pipeline.Diagnoser
//   - MockCompleter: Mock for reasoning.Completer
package mocks
