package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"darwin/pkg/forge"
	"darwin/pkg/logx"
	"darwin/pkg/metrics"
	"darwin/pkg/persistence"
	"darwin/pkg/templates"
)

// maxExcerptBytes bounds the source excerpt sent with a prompt.
const maxExcerptBytes = 24 * 1024

// SourceReader reads a file from the target repository. forge.Client satisfies it.
type SourceReader interface {
	GetFile(ctx context.Context, path, ref string) (*forge.FileContent, error)
}

// DiagnoserOptions configures where the diagnoser looks for page source.
type DiagnoserOptions struct {
	// PageFiles maps a page path such as /checkout to the repository file rendering it.
	PageFiles map[string]string
	// Ref is the branch source is read from.
	Ref string
}

// Diagnoser turns one signal into a proposed issue.
type Diagnoser struct {
	completer Completer
	source    SourceReader
	renderer  *templates.Renderer
	recorder  metrics.Recorder
	logger    *logx.Logger
	opts      DiagnoserOptions
}

// NewDiagnoser creates a diagnoser. source may be nil, in which case prompts carry no excerpt.
func NewDiagnoser(completer Completer, source SourceReader, opts DiagnoserOptions) (*Diagnoser, error) {
	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("failed to load diagnosis templates: %w", err)
	}
	if opts.Ref == "" {
		opts.Ref = "main"
	}
	return &Diagnoser{
		completer: completer,
		source:    source,
		renderer:  renderer,
		recorder:  metrics.Nop(),
		logger:    logx.NewLogger("diagnoser"),
		opts:      opts,
	}, nil
}

// WithRecorder sets the metrics recorder.
func (d *Diagnoser) WithRecorder(r metrics.Recorder) *Diagnoser {
	d.recorder = r
	return d
}

// Name identifies the model behind the diagnoser.
func (d *Diagnoser) Name() string {
	return d.completer.Name()
}

// Diagnose asks the model about signal and parses its reply. The returned issue has no ID,
// signal link or status; the lifecycle controller assigns those when it is recorded.
func (d *Diagnoser) Diagnose(ctx context.Context, signal *persistence.Signal) (*persistence.Issue, error) {
	data := &templates.TemplateData{Signal: signal}
	if path, excerpt := d.readSource(ctx, signal.Page); excerpt != "" {
		data.SourcePath = path
		data.SourceExcerpt = excerpt
	}

	system, err := d.renderer.Render(templates.DiagnosisSystemTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render system prompt: %w", err)
	}
	prompt, err := d.renderer.Render(templates.DiagnosisPromptTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render diagnosis prompt: %w", err)
	}

	start := time.Now()
	reply, err := d.completer.Complete(ctx, system, prompt)
	if err != nil {
		d.recorder.ObserveDiagnosis(d.completer.Name(), metrics.StatusError, time.Since(start))
		return nil, fmt.Errorf("diagnosis of signal %s failed: %w", signal.ID, err)
	}

	issue, err := ParseDiagnosis(reply, signal)
	if err != nil {
		d.recorder.ObserveDiagnosis(d.completer.Name(), metrics.StatusError, time.Since(start))
		logx.Debug(ctx, "reasoning", "unparseable reply for signal %s: %q", signal.ID, truncate(reply, 500))
		return nil, fmt.Errorf("signal %s: %w", signal.ID, err)
	}
	d.recorder.ObserveDiagnosis(d.completer.Name(), metrics.StatusSuccess, time.Since(start))

	if issue.FilePath == "" && data.SourcePath != "" {
		issue.FilePath = data.SourcePath
	}
	d.logger.Info("Diagnosed signal %s as %q (%s, %d fix(es))", signal.ID, issue.Title, issue.Severity, len(issue.RecommendedFixes))
	return issue, nil
}

// readSource returns the mapped file for page, or empty strings when there is none.
// Read failures are logged and otherwise ignored.
func (d *Diagnoser) readSource(ctx context.Context, page string) (string, string) {
	if d.source == nil {
		return "", ""
	}
	path, ok := d.opts.PageFiles[page]
	if !ok {
		return "", ""
	}
	file, err := d.source.GetFile(ctx, path, d.opts.Ref)
	if err != nil {
		if !errors.Is(err, forge.ErrFileNotFound) {
			d.logger.Warn("Could not read %s for page %s: %v", path, page, err)
		}
		return "", ""
	}
	return path, truncate(file.Content, maxExcerptBytes)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], "\n")
	if cut <= 0 {
		cut = n
	}
	return s[:cut]
}
