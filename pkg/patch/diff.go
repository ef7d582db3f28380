package patch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// UnifiedDiff renders the replacement of original by suggested as a single-hunk unified diff
// of path. startLine is the 1-based line where original begins; values below 1 are treated as 1.
func UnifiedDiff(path string, startLine int, original, suggested string) (string, error) {
	if startLine < 1 {
		startLine = 1
	}
	oldLines := splitLines(Normalize(original))
	newLines := splitLines(Normalize(suggested))

	var body bytes.Buffer
	for _, l := range oldLines {
		body.WriteString("-" + l + "\n")
	}
	for _, l := range newLines {
		body.WriteString("+" + l + "\n")
	}

	fd := &diff.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
		Hunks: []*diff.Hunk{{
			OrigStartLine: int32(startLine), //nolint:gosec // line numbers fit in int32
			OrigLines:     int32(len(oldLines)),
			NewStartLine:  int32(startLine), //nolint:gosec // line numbers fit in int32
			NewLines:      int32(len(newLines)),
			Body:          body.Bytes(),
		}},
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", fmt.Errorf("failed to render diff for %s: %w", path, err)
	}
	return string(out), nil
}

// DiffStats counts added and removed lines in a unified diff produced by UnifiedDiff.
func DiffStats(unified string) (added, removed int, err error) {
	fd, err := diff.ParseFileDiff([]byte(unified))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse diff: %w", err)
	}
	stat := fd.Stat()
	return int(stat.Added + stat.Changed), int(stat.Deleted + stat.Changed), nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
