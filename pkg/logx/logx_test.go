package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

// setupTestLogger captures log output in a buffer.
func setupTestLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(nil)
		SetDebug(false)
		SetDebugDomains(nil)
	})
	return &buf
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("lifecycle")
	if logger.Component() != "lifecycle" {
		t.Errorf("Expected component 'lifecycle', got '%s'", logger.Component())
	}
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger(t)

	NewLogger("forge").Info("Created PR #%d", 7)
	output := buf.String()

	if !strings.Contains(output, "[forge]") {
		t.Errorf("Expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO: Created PR #7") {
		t.Errorf("Expected level and message in output, got: %s", output)
	}
	if !strings.Contains(output, "T") || !strings.Contains(output, "Z]") {
		t.Errorf("Expected ISO timestamp in output, got: %s", output)
	}
}

func TestDebugGating(t *testing.T) {
	buf := setupTestLogger(t)
	logger := NewLogger("pipeline")

	SetDebug(false)
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("Debug output should be suppressed, got: %s", buf.String())
	}

	SetDebug(true)
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "DEBUG: shown") {
		t.Errorf("Expected debug line, got: %s", buf.String())
	}
}

func TestDomainDebugFiltering(t *testing.T) {
	buf := setupTestLogger(t)
	SetDebug(true)
	SetDebugDomains([]string{"forge"})

	ctx := WithComponent(context.Background(), "publisher")
	Debug(ctx, "lifecycle", "filtered out")
	Debug(ctx, "forge", "kept %s", "line")

	output := buf.String()
	if strings.Contains(output, "filtered out") {
		t.Errorf("lifecycle domain should be filtered, got: %s", output)
	}
	if !strings.Contains(output, "[publisher] DEBUG: [forge] kept line") {
		t.Errorf("Expected forge debug line tagged with component, got: %s", output)
	}
}

func TestDebugDomainsFromEnvironment(t *testing.T) {
	t.Setenv("DEBUG", "")
	t.Setenv("DARWIN_DEBUG", "true")
	t.Setenv("DEBUG_DOMAINS", "forge, analytics")

	s := newSinkFromEnv()
	if !s.debugFor("analytics") {
		t.Error("Expected analytics debug to be enabled")
	}
	if s.debugFor("lifecycle") {
		t.Error("Expected lifecycle debug to be filtered")
	}
}

func TestWrapAndErrorf(t *testing.T) {
	buf := setupTestLogger(t)

	if Wrap(nil, "noop") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}

	base := errors.New("locked")
	err := Wrap(base, "open store")
	if !errors.Is(err, base) || err.Error() != "open store: locked" {
		t.Errorf("unexpected wrapped error %v", err)
	}
	if !strings.Contains(buf.String(), "[darwin] ERROR: open store: locked") {
		t.Errorf("Expected logged error, got: %s", buf.String())
	}
}
