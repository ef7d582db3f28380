package patch

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyExactReplacesFirstOccurrenceOnly(t *testing.T) {
	file := "a();\nfoo();\nb();\nfoo();\n"

	got, err := Apply(file, "foo();", "bar();")
	require.NoError(t, err)
	assert.Equal(t, "a();\nbar();\nb();\nfoo();\n", got)
}

func TestApplyExactIsNotReappliable(t *testing.T) {
	file := "const limit = 10;\nrender(limit);\n"

	once, err := Apply(file, "const limit = 10;", "const limit = 25;")
	require.NoError(t, err)
	assert.Equal(t, "const limit = 25;\nrender(limit);\n", once)

	_, err = Apply(once, "const limit = 10;", "const limit = 25;")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatch))
}

func TestApplyWhitespaceTolerantReindents(t *testing.T) {
	file := strings.Join([]string{"  foo();", "  bar();"}, "\n")
	original := strings.Join([]string{"foo();", "bar();"}, "\n")
	suggested := strings.Join([]string{"foo();", "baz();"}, "\n")

	got, err := Apply(file, original, suggested)
	require.NoError(t, err)

	want := []string{"  foo();", "  baz();"}
	if diff := cmp.Diff(want, strings.Split(got, "\n")); diff != "" {
		t.Errorf("reindented lines mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyToleratesTrailingWhitespace(t *testing.T) {
	file := "function submit() {\n    if (busy) {   \n        return;\t\n    }\n}\n"
	original := "if (busy) {\n    return;\n}"
	suggested := "if (busy || disabled) {\n    return;\n}"

	res, err := ApplyDetailed(file, original, suggested)
	require.NoError(t, err)
	assert.Equal(t, MethodFuzzy, res.Method)
	assert.Equal(t, 2, res.StartLine)
	assert.Equal(t, 3, res.LinesReplaced)

	// Every replacement line takes the window's base indent.
	want := []string{
		"function submit() {",
		"    if (busy || disabled) {",
		"    return;",
		"    }",
		"}",
		"",
	}
	if diff := cmp.Diff(want, strings.Split(res.Text, "\n")); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyRequiresSameRelativeIndentation(t *testing.T) {
	file := "if (a) {\n  go();\n}\n"

	_, err := Apply(file, "if (a) {\ngo();\n}", "if (b) {\ngo();\n}")
	require.Error(t, err)

	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.Equal(t, "if (a) {", noMatch.Snippet)
	assert.Equal(t, 3, noMatch.Lines)
}

func TestApplyNoMatch(t *testing.T) {
	input := "const x = 1;"

	got, err := Apply(input, "const y = 2;", "const y = 3;")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMatch))
	assert.Empty(t, got)
	assert.Equal(t, "const x = 1;", input)
}

func TestApplyBlankSuggestedLinesAreEmpty(t *testing.T) {
	file := "\tstart();\n\tfinish();\n"

	got, err := Apply(file, "  start();\n  finish();", "start();\n   \nfinish();")
	require.NoError(t, err)
	assert.Equal(t, "\tstart();\n\n\tfinish();\n", got)
}

func TestApplyNormalizesLineEndings(t *testing.T) {
	file := "one\r\ntwo\r\nthree\r\n"

	got, err := Apply(file, "two\r\n", "2\n")
	require.NoError(t, err)
	assert.Equal(t, "one\n2\nthree\n", got)
}

func TestApplyUnescapesSerializedSnippets(t *testing.T) {
	file := "<button>\n  Save\n</button>\n"

	got, err := Apply(file, `<button>\n  Save\n</button>`, `<button type="submit">\n  Save\n</button>`)
	require.NoError(t, err)
	assert.Equal(t, "<button type=\"submit\">\n  Save\n</button>\n", got)
}

func TestApplyKeepsEscapesInMultilineText(t *testing.T) {
	file := "fmt.Printf(\"done\\n\")\nreturn nil\n"

	got, err := Apply(file, "return nil", "return err")
	require.NoError(t, err)
	assert.Equal(t, "fmt.Printf(\"done\\n\")\nreturn err\n", got)
}

func TestApplyMatchesLiteralEscapeInSingleLineSnippet(t *testing.T) {
	file := "func greet() {\n\tfmt.Println(\"a\\nb\")\n}\n"

	res, err := ApplyDetailed(file, `fmt.Println("a\nb")`, `fmt.Println("a\nc")`)
	require.NoError(t, err)
	assert.Equal(t, MethodExact, res.Method)
	assert.Equal(t, 2, res.StartLine)
	assert.Equal(t, "func greet() {\n\tfmt.Println(\"a\\nc\")\n}\n", res.Text)
}

func TestApplyLeavesSingleLineFileEscaped(t *testing.T) {
	file := `log("x\ny")`

	got, err := Apply(file, `log("x\ny")`, `log("x\nz")`)
	require.NoError(t, err)
	assert.Equal(t, `log("x\nz")`, got)
}

func TestApplyEmptyOriginal(t *testing.T) {
	_, err := Apply("anything", "  \n", "x")
	assert.ErrorIs(t, err, ErrEmptyOriginal)
}

func TestApplyDeletesWindowWhenSuggestedEmpty(t *testing.T) {
	file := "keep\n  debug();\n  trace();\nkeep too\n"

	got, err := Apply(file, "debug();\ntrace();", "")
	require.NoError(t, err)
	assert.Equal(t, "keep\nkeep too\n", got)
}
