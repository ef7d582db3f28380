package review

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"darwin/pkg/patch"
	"darwin/pkg/persistence"
)

// Card styles. lipgloss drops colors when the output is not a terminal.
//
//nolint:gochecknoglobals // style palette
var (
	colorAccent = lipgloss.Color("#20B9B4")
	colorMuted  = lipgloss.Color("#5C7A84")
	colorAdd    = lipgloss.Color("#2CD7C7")
	colorRemove = lipgloss.Color("#E74C3C")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	labelStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	addStyle    = lipgloss.NewStyle().Foreground(colorAdd)
	removeStyle = lipgloss.NewStyle().Foreground(colorRemove)
	cardStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorAccent).Padding(0, 1)

	severityTint = map[persistence.Severity]lipgloss.Color{
		persistence.SeverityCritical: lipgloss.Color("196"),
		persistence.SeverityHigh:     lipgloss.Color("214"),
		persistence.SeverityMedium:   lipgloss.Color("226"),
		persistence.SeverityLow:      lipgloss.Color("42"),
	}
)

// RenderCard formats an issue and its primary fix for a reviewer.
func RenderCard(issue *persistence.Issue, position, total int) string {
	var b strings.Builder

	severity := lipgloss.NewStyle().Bold(true).Foreground(severityTint[issue.Severity]).
		Render(strings.ToUpper(string(issue.Severity)))
	fmt.Fprintf(&b, "%s  %s\n", titleStyle.Render(fmt.Sprintf("[%d/%d] %s", position, total, issue.Title)), severity)
	fmt.Fprintf(&b, "%s\n", mutedStyle.Render(fmt.Sprintf("issue %s  priority %s  confidence %.0f%%", issue.ID, issue.Priority, issue.Confidence*100)))

	field(&b, "Page", issue.Page)
	field(&b, "Root cause", issue.RootCause)
	field(&b, "User impact", issue.UserImpact)
	field(&b, "Business impact", issue.BusinessImpact)
	if issue.RejectionReason != "" {
		field(&b, "Previously rejected", issue.RejectionReason)
	}

	fix, ok := issue.RecommendedFixes.Primary()
	if !ok {
		b.WriteString("\n" + removeStyle.Render("No recommended fix attached.") + "\n")
		return cardStyle.Render(strings.TrimRight(b.String(), "\n"))
	}

	b.WriteString("\n")
	field(&b, "Fix", fix.Title)
	field(&b, "File", fix.FilePath)
	if fix.EstimatedEffort != "" {
		field(&b, "Effort", fix.EstimatedEffort)
	}
	if len(issue.RecommendedFixes) > 1 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("(%d more fixes not shown)", len(issue.RecommendedFixes)-1)) + "\n")
	}

	start := 1
	if fix.LineStart != nil {
		start = *fix.LineStart
	}
	unified, err := patch.UnifiedDiff(fix.FilePath, start, fix.OriginalCode, fix.SuggestedCode)
	if err != nil {
		b.WriteString(removeStyle.Render(err.Error()) + "\n")
	} else {
		b.WriteString("\n" + colorize(unified))
	}

	return cardStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func field(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s %s\n", labelStyle.Render(label+":"), value)
}

func colorize(unified string) string {
	var b strings.Builder
	for _, line := range strings.SplitAfter(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
			b.WriteString(mutedStyle.Render(strings.TrimSuffix(line, "\n")))
		case strings.HasPrefix(line, "+"):
			b.WriteString(addStyle.Render(strings.TrimSuffix(line, "\n")))
		case strings.HasPrefix(line, "-"):
			b.WriteString(removeStyle.Render(strings.TrimSuffix(line, "\n")))
		default:
			b.WriteString(strings.TrimSuffix(line, "\n"))
		}
		if strings.HasSuffix(line, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
