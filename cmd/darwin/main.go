// Darwin watches product analytics for user friction, diagnoses it, and proposes fixes as
// pull requests once a human approves them.
//
// Usage:
//
//	darwin run [--mode full|analyze|engineer|review|demo] [--dry-run]
//	darwin review
//	darwin signals list|import <file.yaml>|dismiss <id>
//	darwin issues list|approve <id>|reject <id>
//	darwin prs
//	darwin stats
//	darwin serve
//	darwin mcp
//	darwin secrets set|list|delete
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"darwin/pkg/logx"
	"darwin/pkg/version"

	// forge providers register themselves
	_ "darwin/pkg/forge/gitea"
	_ "darwin/pkg/forge/github"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath      string
	projectDir      string
	trace           bool
	allowUnapproved bool
	debug           bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "darwin",
		Short: "Detect user friction and turn approved fixes into pull requests",
		Long: `Darwin reads friction signals from product analytics, asks a model to diagnose
each one, holds every proposed fix for human review, and opens a pull request
for approved fixes.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.debug {
				logx.SetDebug(true)
			}
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "path to darwin.yaml (default: search the working directory)")
	f.StringVar(&opts.projectDir, "project-dir", ".", "directory holding .darwin/secrets.json.enc")
	f.BoolVar(&opts.trace, "trace", false, "print pipeline spans to stderr")
	f.BoolVar(&opts.allowUnapproved, "allow-unapproved", false, "let remediation publish fixes that were never reviewed")
	f.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newReviewCommand(opts))
	cmd.AddCommand(newSignalsCommand(opts))
	cmd.AddCommand(newIssuesCommand(opts))
	cmd.AddCommand(newPRsCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMCPCommand(opts))
	cmd.AddCommand(newSecretsCommand(opts))

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
