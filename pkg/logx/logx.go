// Package logx writes leveled log lines tagged with the component that produced them.
//
//	[2025-03-01T09:00:00.000Z] [forge] INFO: Created PR #7
//
// Debug lines are off unless DEBUG or DARWIN_DEBUG is set (or SetDebug is called).
// DEBUG_DOMAINS=forge,pipeline narrows the package-level Debug to those domains.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// sink is the process-wide output and debug switch.
type sink struct {
	mu      sync.RWMutex
	out     io.Writer
	debug   bool
	domains map[string]bool // nil means every domain
}

//nolint:gochecknoglobals // process-wide logging configuration
var global = newSinkFromEnv()

func newSinkFromEnv() *sink {
	s := &sink{}
	for _, name := range []string{"DEBUG", "DARWIN_DEBUG"} {
		if v := os.Getenv(name); v == "1" || strings.EqualFold(v, "true") {
			s.debug = true
		}
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		s.domains = domainSet(strings.Split(domains, ","))
	}
	return s
}

func domainSet(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[strings.TrimSpace(d)] = true
	}
	return set
}

func (s *sink) debugFor(domain string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.debug {
		return false
	}
	return s.domains == nil || domain == "" || s.domains[domain]
}

func (s *sink) emit(component string, level Level, message string) {
	line := fmt.Sprintf("[%s] [%s] %s: %s\n", time.Now().UTC().Format(timestampLayout), component, level, message)

	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.out
	if w == nil {
		w = os.Stderr
	}
	_, _ = io.WriteString(w, line)
}

// SetOutput redirects all log output. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.out = w
}

// SetDebug turns debug lines on or off.
func SetDebug(enabled bool) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.debug = enabled
}

// SetDebugDomains limits Debug to the named domains. An empty list allows all of them.
func SetDebugDomains(domains []string) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.domains = domainSet(domains)
}

// Logger tags every line with one component name.
type Logger struct {
	component string
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) Component() string { return l.component }

func (l *Logger) Debug(format string, args ...any) {
	if global.debugFor("") {
		global.emit(l.component, LevelDebug, fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Info(format string, args ...any) {
	global.emit(l.component, LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	global.emit(l.component, LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	global.emit(l.component, LevelError, fmt.Sprintf(format, args...))
}

type componentKey struct{}

// WithComponent tags ctx so that Debug lines carry the component name.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey{}, component)
}

// Debug logs a domain-scoped debug line for whichever component ctx carries.
//
//	logx.Debug(ctx, "forge", "PUT %s on %s", path, branch)
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !global.debugFor(domain) {
		return
	}
	component := "darwin"
	if ctx != nil {
		if name, ok := ctx.Value(componentKey{}).(string); ok && name != "" {
			component = name
		}
	}
	global.emit(component, LevelDebug, "["+domain+"] "+fmt.Sprintf(format, args...))
}

//nolint:gochecknoglobals
var defaultLogger = NewLogger("darwin")

// Errorf logs the formatted error at ERROR and returns it.
//
//	return logx.Errorf("unlock secrets: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%v", err)
	return err
}

// Wrap is Errorf("%s: %w", msg, err) that passes a nil err through.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Errorf("%s: %w", msg, err)
}
