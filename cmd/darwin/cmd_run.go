package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"darwin/pkg/pipeline"
	"darwin/pkg/review"
)

type runFlags struct {
	mode          string
	dryRun        bool
	diagnoseLimit int
	remediate     bool
	json          bool
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Long: `Run the pipeline once in the configured mode, or the one given with --mode.

Modes:
  full      detect, diagnose, remediate
  analyze   detect, diagnose
  engineer  remediate the most urgent approved issue
  review    walk through issues pending review (interactive)
  demo      seed a demo signal, then diagnose it

A stage whose settings are missing fails on its own; the other stages still run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, rootOpts, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.mode, "mode", "", "pipeline mode (default from DARWIN_MODE, else full)")
	f.BoolVar(&flags.dryRun, "dry-run", false, "print the stages that would run and exit")
	f.IntVar(&flags.diagnoseLimit, "diagnose-limit", 10, "maximum signals diagnosed per run")
	f.BoolVar(&flags.remediate, "remediate", false, "in review mode, publish the first approved issue")
	f.BoolVar(&flags.json, "json", false, "print the run report as JSON")
	return cmd
}

func runPipeline(cmd *cobra.Command, rootOpts *rootOptions, flags *runFlags) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	name := flags.mode
	if name == "" {
		name = a.cfg.Mode
	}
	mode, err := pipeline.ParseMode(name)
	if err != nil {
		return err
	}

	opts := driverOptions{diagnoseLimit: flags.diagnoseLimit, remediateAfterReview: flags.remediate}
	if mode.Interactive() && review.IsInteractive() {
		opts.reviewer = a.newGate(cmd.InOrStdin(), cmd.OutOrStdout(), "cli", 0)
	}
	driver := a.newDriver(opts)

	var report *pipeline.Report
	if flags.dryRun {
		report, err = driver.DryRun(mode)
	} else {
		report, err = driver.Run(ctx, mode)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(out, report)

	// A partial run is still a run; only a run where nothing completed is an error.
	if !report.DryRun && len(report.Stages) > 0 && report.Completed() == 0 {
		return report.Err()
	}
	return nil
}

func printReport(w io.Writer, report *pipeline.Report) {
	fmt.Fprintf(w, "Mode: %s\n", report.Mode)
	for i := range report.Stages {
		s := &report.Stages[i]
		line := fmt.Sprintf("  %-10s %-10s", s.Stage, s.Status)
		if s.Duration > 0 {
			line += fmt.Sprintf(" %-8s", s.Duration.Round(time.Millisecond))
		}
		if s.Detail != "" {
			line += " " + s.Detail
		}
		if s.Error != "" {
			line += " error: " + s.Error
		}
		fmt.Fprintln(w, line)
	}
	if report.ChangeRequest != nil {
		fmt.Fprintf(w, "Pull request: %s\n", report.ChangeRequest.URL)
	}
	for _, skipped := range report.SkippedIssues {
		fmt.Fprintf(w, "Skipped issue %s: %s\n", skipped.IssueID, skipped.Reason)
	}
	fmt.Fprintln(w, report.Summary())
}

func newReviewCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		approver  string
		limit     int
		remediate bool
	)

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Approve or reject diagnosed issues one at a time",
		Long: `Present every issue pending review with its proposed change, and record an
approve, reject or quit answer for each. Answers are read line by line, so a
script can pipe them in.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runReview(ctx, cmd, rootOpts, approver, limit, remediate)
		},
	}

	f := cmd.Flags()
	f.StringVar(&approver, "approver", "cli", "name recorded on approvals")
	f.IntVar(&limit, "limit", 0, "maximum issues to present (0 for all)")
	f.BoolVar(&remediate, "remediate", false, "publish the first approved issue after the session")
	return cmd
}

func runReview(ctx context.Context, cmd *cobra.Command, rootOpts *rootOptions, approver string, limit int, remediate bool) error {
	a, err := openApp(ctx, rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	gate := a.newGate(cmd.InOrStdin(), cmd.OutOrStdout(), approver, limit)
	driver := a.newDriver(driverOptions{reviewer: gate, remediateAfterReview: remediate})

	report, err := driver.Run(ctx, pipeline.ModeReview)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d approved, %d rejected\n", report.IssuesApproved, report.IssuesRejected)
	if report.ChangeRequest != nil {
		fmt.Fprintf(out, "Pull request: %s\n", report.ChangeRequest.URL)
	}
	if !report.Success() {
		fmt.Fprintln(out, report.Summary())
		return report.Err()
	}
	return nil
}
