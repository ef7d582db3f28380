package remediation

import (
	"darwin/pkg/persistence"
	"darwin/pkg/templates"
)

//nolint:gochecknoglobals // embedded templates are parsed once
var renderer = templates.MustNewRenderer()

// RenderPRBody renders the pull request description for fix on issue. diff may be empty.
func RenderPRBody(issue *persistence.Issue, fix *persistence.RecommendedFix, diff string) (string, error) {
	return renderer.Render(templates.PRBodyTemplate, &templates.TemplateData{
		Issue: issue,
		Fix:   fix,
		Diff:  diff,
	})
}

// PRTitle is the pull request title for fix on issue.
func PRTitle(issue *persistence.Issue, fix *persistence.RecommendedFix) string {
	if fix.Title != "" {
		return fix.Title
	}
	return issue.Title
}
