package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"darwin/pkg/persistence"
	"darwin/pkg/review"
)

func newSignalsCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signals",
		Short: "List, import or dismiss friction signals",
	}
	cmd.AddCommand(newSignalsListCommand(rootOpts))
	cmd.AddCommand(newSignalsImportCommand(rootOpts))
	cmd.AddCommand(newSignalsDismissCommand(rootOpts))
	return cmd
}

func newSignalsListCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		status   string
		severity string
		page     string
		pending  bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := &persistence.SignalFilter{Limit: limit}
			if status != "" {
				s := persistence.SignalStatus(status)
				filter.Status = &s
			}
			if severity != "" {
				s := persistence.Severity(severity)
				filter.Severity = &s
			}
			if page != "" {
				filter.Page = &page
			}
			if pending {
				unprocessed := false
				filter.Processed = &unprocessed
			}
			signals, err := a.controller.ListSignals(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(signals) == 0 {
				fmt.Fprintln(out, "No signals")
				return nil
			}
			tw := newTable(out, "ID", "TYPE", "SEVERITY", "STATUS", "PAGE", "TITLE")
			for _, s := range signals {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Type, s.Severity, s.Status, s.Page, s.Title)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "only signals with this status")
	f.StringVar(&severity, "severity", "", "only signals with this severity")
	f.StringVar(&page, "page", "", "only signals on this page")
	f.BoolVar(&pending, "pending", false, "only signals not yet diagnosed")
	f.IntVar(&limit, "limit", 50, "maximum results")
	return cmd
}

func newSignalsImportCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Record signals from a YAML file",
		Long: `Record signals from a YAML file with a top-level "signals" list. Signals that
duplicate an open signal of the same type, page and element are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			signals, err := loadSignalFile(args[0], time.Now().UTC())
			if err != nil {
				return err
			}
			recorded, suppressed := 0, 0
			for _, s := range signals {
				ok, err := a.controller.RecordSignal(cmd.Context(), s)
				if err != nil {
					return fmt.Errorf("signal %q: %w", s.Title, err)
				}
				if ok {
					recorded++
				} else {
					suppressed++
				}
			}
			a.recorder.AddSignals("import", recorded, suppressed)
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d signal(s), %d suppressed as duplicates\n", recorded, suppressed)
			return nil
		},
	}
}

func newSignalsDismissCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss a signal that needs no diagnosis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.controller.DismissSignal(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dismissed signal %s\n", args[0])
			return nil
		},
	}
}

func newIssuesCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List, show, approve or reject diagnosed issues",
	}
	cmd.AddCommand(newIssuesListCommand(rootOpts))
	cmd.AddCommand(newIssuesShowCommand(rootOpts))
	cmd.AddCommand(newIssuesApproveCommand(rootOpts))
	cmd.AddCommand(newIssuesRejectCommand(rootOpts))
	return cmd
}

func newIssuesListCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		status string
		triage bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := &persistence.IssueFilter{Limit: limit, Triage: triage}
			if status != "" {
				s := persistence.IssueStatus(status)
				filter.Status = &s
			}
			issues, err := a.controller.ListIssues(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(issues) == 0 {
				fmt.Fprintln(out, "No issues")
				return nil
			}
			tw := newTable(out, "ID", "PRIORITY", "SEVERITY", "STATUS", "PAGE", "TITLE")
			for _, i := range issues {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", i.ID, i.Priority, i.Severity, i.Status, i.Page, i.Title)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "only issues with this status, e.g. diagnosed")
	f.BoolVar(&triage, "triage", false, "order by priority, then age, instead of newest first")
	f.IntVar(&limit, "limit", 50, "maximum results")
	return cmd
}

func newIssuesShowCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue and its proposed change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			issue, err := a.controller.GetIssue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), review.RenderCard(issue, 1, 1))
			return nil
		},
	}
}

func newIssuesApproveCommand(rootOpts *rootOptions) *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve an issue for remediation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			issue, err := a.controller.Approve(cmd.Context(), args[0], approver)
			if err != nil {
				return err
			}
			a.recorder.IncReviewDecision("approve")
			a.controller.LogActivity(cmd.Context(), "cli", "info", issue.ID, "Approved by %s", approver)
			fmt.Fprintf(cmd.OutOrStdout(), "Approved issue %s: %s\n", issue.ID, issue.Title)
			if issue.TaskID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s queued\n", issue.TaskID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&approver, "approver", "cli", "name recorded on the approval")
	return cmd
}

func newIssuesRejectCommand(rootOpts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			issue, err := a.controller.Reject(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			a.recorder.IncReviewDecision("reject")
			a.controller.LogActivity(cmd.Context(), "cli", "info", issue.ID, "Rejected: %s", reason)
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected issue %s: %s\n", issue.ID, issue.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the fix is rejected")
	return cmd
}

func newPRsCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		issueID string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "prs",
		Short: "List pull requests opened by Darwin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := &persistence.ChangeRequestFilter{Limit: limit}
			if issueID != "" {
				filter.IssueID = &issueID
			}
			prs, err := a.controller.ListChangeRequests(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(prs) == 0 {
				fmt.Fprintln(out, "No pull requests")
				return nil
			}
			tw := newTable(out, "NUMBER", "STATUS", "ISSUE", "FILE", "URL")
			for _, pr := range prs {
				fmt.Fprintf(tw, "#%d\t%s\t%s\t%s\t%s\n", pr.Number, pr.Status, pr.IssueID, pr.FilePath, pr.URL)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&issueID, "issue", "", "only pull requests for this issue")
	f.IntVar(&limit, "limit", 50, "maximum results")
	return cmd
}

func newStatsCommand(rootOpts *rootOptions) *cobra.Command {
	var logs int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show record counts and pending work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.controller.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printCounts(out, "Totals", stats.Totals)
			printCounts(out, "Signals by severity", stats.SignalsBySeverity)
			printCounts(out, "Signals by type", stats.SignalsByType)
			printCounts(out, "Issues by status", stats.IssuesByStatus)
			printCounts(out, "Pull requests by status", stats.ChangeRequestsByStatus)
			fmt.Fprintln(out, "Pending:")
			fmt.Fprintf(out, "  signals to diagnose      %d\n", stats.Pending.UnprocessedSignals)
			fmt.Fprintf(out, "  issues to review         %d\n", stats.Pending.IssuesPendingReview)
			fmt.Fprintf(out, "  approved, awaiting PR    %d\n", stats.Pending.IssuesApprovedNoPR)
			fmt.Fprintf(out, "  tasks pending            %d\n", stats.Pending.TasksPending)

			if logs <= 0 {
				return nil
			}
			entries, err := a.controller.ListAgentLogs(cmd.Context(), logs)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Recent activity:")
			for _, e := range entries {
				fmt.Fprintf(out, "  %s [%s] %s: %s\n", e.CreatedAt.Format(time.RFC3339), e.Agent, strings.ToUpper(e.Level), e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&logs, "logs", 0, "also show this many recent activity entries")
	return cmd
}

func printCounts(w io.Writer, heading string, counts map[string]int) {
	fmt.Fprintf(w, "%s:\n", heading)
	if len(counts) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-24s %d\n", k, counts[k])
	}
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}
