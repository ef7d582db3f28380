package review

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"darwin/pkg/persistence"
)

// TerminalPrompter reads decisions line by line.
type TerminalPrompter struct {
	scanner *bufio.Scanner
	out     io.Writer
}

// NewTerminalPrompter creates a prompter reading from in and writing prompts to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{scanner: bufio.NewScanner(in), out: out}
}

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec // fd fits in int
}

// Decide prints card and asks for approve, reject or quit. End of input counts as quit.
func (p *TerminalPrompter) Decide(ctx context.Context, _ *persistence.Issue, card string) (Decision, error) {
	fmt.Fprintln(p.out, card)

	for {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		fmt.Fprint(p.out, "Approve this fix? [y]es / [n]o / [q]uit: ")
		answer, ok, err := p.readLine()
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			fmt.Fprintln(p.out)
			return Decision{Verdict: VerdictQuit}, nil
		}

		switch strings.ToLower(answer) {
		case "y", "yes":
			return Decision{Verdict: VerdictApprove}, nil
		case "n", "no":
			fmt.Fprint(p.out, "Reason (optional): ")
			reason, _, err := p.readLine()
			if err != nil {
				return Decision{}, err
			}
			return Decision{Verdict: VerdictReject, Reason: reason}, nil
		case "q", "quit":
			return Decision{Verdict: VerdictQuit}, nil
		default:
			fmt.Fprintln(p.out, "Please answer y, n or q.")
		}
	}
}

func (p *TerminalPrompter) readLine() (string, bool, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", false, fmt.Errorf("failed to read input: %w", err)
		}
		return "", false, nil
	}
	return strings.TrimSpace(p.scanner.Text()), true, nil
}
