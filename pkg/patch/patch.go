// Package patch applies find-and-replace fix instructions to source text.
//
// Apply first looks for an exact occurrence of the original snippet and replaces the first one.
// Failing that, it slides a line window over the file and accepts a window whose lines equal the
// snippet's lines once trailing whitespace and a uniform leading indent are removed. The matched
// window is replaced by the suggested lines, each re-indented to the window's base indentation.
// Anything else is a NoMatchError and the input is returned untouched.
package patch

import (
	"errors"
	"fmt"
	"strings"
)

// Method reports how the original snippet was located.
type Method string

const (
	MethodExact Method = "exact"
	MethodFuzzy Method = "fuzzy"
)

var (
	// ErrNoMatch is the sentinel wrapped by every NoMatchError.
	ErrNoMatch = errors.New("original code not found in file")

	// ErrEmptyOriginal is returned when the original snippet has no content to search for.
	ErrEmptyOriginal = errors.New("original code snippet is empty")
)

// NoMatchError reports that the original snippet could not be located.
type NoMatchError struct {
	// Snippet is the first non-blank line of the original snippet.
	Snippet string
	// Lines is the number of lines the fuzzy search looked for.
	Lines int
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("%s: could not locate %d-line snippet starting %q", ErrNoMatch.Error(), e.Lines, e.Snippet)
}

func (e *NoMatchError) Unwrap() error {
	return ErrNoMatch
}

// Result describes a successful application.
type Result struct {
	Text          string
	Method        Method
	StartLine     int // 1-based line of the first replaced line in the input
	LinesReplaced int
}

// Apply returns fileText with originalSnippet replaced by suggestedSnippet.
func Apply(fileText, originalSnippet, suggestedSnippet string) (string, error) {
	res, err := ApplyDetailed(fileText, originalSnippet, suggestedSnippet)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// ApplyDetailed is Apply with match metadata.
func ApplyDetailed(fileText, originalSnippet, suggestedSnippet string) (*Result, error) {
	file := lineEndings(fileText)
	original := Normalize(originalSnippet)
	suggested := Normalize(suggestedSnippet)

	if strings.TrimSpace(original) == "" {
		return nil, ErrEmptyOriginal
	}

	// A single-line snippet may carry a literal \n that is part of the code.
	if raw := lineEndings(originalSnippet); raw != original {
		if res := applyExact(file, raw, lineEndings(suggestedSnippet)); res != nil {
			return res, nil
		}
	}
	if res := applyExact(file, original, suggested); res != nil {
		return res, nil
	}

	return applyFuzzy(file, original, suggested)
}

func applyExact(file, original, suggested string) *Result {
	idx := strings.Index(file, original)
	if idx < 0 {
		return nil
	}
	return &Result{
		Text:          file[:idx] + suggested + file[idx+len(original):],
		Method:        MethodExact,
		StartLine:     strings.Count(file[:idx], "\n") + 1,
		LinesReplaced: strings.Count(strings.TrimRight(original, "\n"), "\n") + 1,
	}
}

func lineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// Normalize converts CRLF line endings to LF. Text that carries escaped newline sequences
// instead of real line breaks is unescaped, so snippets that were serialized twice still match.
func Normalize(s string) string {
	s = lineEndings(s)
	if !strings.Contains(s, "\n") && strings.Contains(s, `\n`) {
		s = strings.ReplaceAll(s, `\r\n`, "\n")
		s = strings.ReplaceAll(s, `\n`, "\n")
	}
	return s
}

func applyFuzzy(file, original, suggested string) (*Result, error) {
	fileLines := strings.Split(file, "\n")
	origLines := trimBlankEdges(strings.Split(original, "\n"))
	want := canonical(origLines)

	n := len(origLines)
	for start := 0; start+n <= len(fileLines); start++ {
		window := fileLines[start : start+n]
		if !equalLines(canonical(window), want) {
			continue
		}

		indent := leadingWhitespace(window[0])
		replacement := reindent(suggested, indent)

		out := make([]string, 0, len(fileLines)-n+len(replacement))
		out = append(out, fileLines[:start]...)
		out = append(out, replacement...)
		out = append(out, fileLines[start+n:]...)

		return &Result{
			Text:          strings.Join(out, "\n"),
			Method:        MethodFuzzy,
			StartLine:     start + 1,
			LinesReplaced: n,
		}, nil
	}

	return nil, &NoMatchError{Snippet: strings.TrimSpace(origLines[0]), Lines: n}
}

// canonical strips trailing whitespace and the block's common leading indent.
func canonical(lines []string) []string {
	out := make([]string, len(lines))
	common := -1
	for i, line := range lines {
		out[i] = strings.TrimRight(line, " \t")
		if out[i] == "" {
			continue
		}
		if w := len(leadingWhitespace(out[i])); common < 0 || w < common {
			common = w
		}
	}
	if common <= 0 {
		return out
	}
	for i, line := range out {
		if line != "" {
			out[i] = line[common:]
		}
	}
	return out
}

// reindent flattens every non-blank suggested line onto indent; blank lines become empty.
func reindent(suggested, indent string) []string {
	trimmed := strings.Trim(suggested, "\n")
	if strings.TrimSpace(trimmed) == "" {
		return nil
	}
	lines := strings.Split(trimmed, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		content := strings.TrimLeft(line, " \t")
		if strings.TrimSpace(content) == "" {
			out[i] = ""
			continue
		}
		out[i] = indent + strings.TrimRight(content, " \t")
	}
	return out
}

func trimBlankEdges(lines []string) []string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[start:end]
}

func leadingWhitespace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
