// Package templates renders the markdown and prompt templates shipped with Darwin.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"darwin/pkg/persistence"
)

//go:embed *.tpl.md
var templateFS embed.FS

// Name is the file name of an embedded template.
type Name string

const (
	// PRBodyTemplate is the pull request description for a published fix.
	PRBodyTemplate Name = "pr_body.tpl.md"
	// DiagnosisSystemTemplate is the system prompt for a diagnosis collaborator.
	DiagnosisSystemTemplate Name = "diagnosis_system.tpl.md"
	// DiagnosisPromptTemplate describes one signal to a diagnosis collaborator.
	DiagnosisPromptTemplate Name = "diagnosis_prompt.tpl.md"
)

// TemplateData is the dot value of every template. Fields a template does not use may be nil.
type TemplateData struct {
	Signal *persistence.Signal
	Issue  *persistence.Issue
	Fix    *persistence.RecommendedFix
	// Diff is a unified diff of the fix, when one has been rendered.
	Diff string
	// SourceExcerpt is the live file content shown to a diagnoser, when available.
	SourceExcerpt string
	SourcePath    string
}

var funcs = template.FuncMap{
	"upper": strings.ToUpper,
	"percent": func(v float64) string {
		return fmt.Sprintf("%.0f%%", v*100)
	},
	"orDefault": func(fallback, v string) string {
		if strings.TrimSpace(v) == "" {
			return fallback
		}
		return v
	},
}

// Renderer executes the embedded templates. It is safe for concurrent use.
type Renderer struct {
	set *template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	set, err := template.New("darwin").Funcs(funcs).ParseFS(templateFS, "*.tpl.md")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return &Renderer{set: set}, nil
}

// MustNewRenderer is NewRenderer for package initialization; embedded templates are fixed at build time.
func MustNewRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Renderer) Render(name Name, data *TemplateData) (string, error) {
	tmpl := r.set.Lookup(string(name))
	if tmpl == nil {
		return "", fmt.Errorf("template %s not found", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// Names lists the embedded templates in sorted order.
func (r *Renderer) Names() []Name {
	var names []Name
	for _, t := range r.set.Templates() {
		if strings.HasSuffix(t.Name(), ".tpl.md") {
			names = append(names, Name(t.Name()))
		}
	}
	slices.Sort(names)
	return names
}
