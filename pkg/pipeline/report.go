package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"darwin/pkg/persistence"
)

// StageStatus is the outcome of one stage.
type StageStatus string

// Stage outcomes.
const (
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StagePlanned   StageStatus = "planned"
)

// StageResult records one stage of a run.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type StageResult struct {
	Stage    Stage         `json:"stage"`
	Status   StageStatus   `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`

	err error
}

// Err returns the stage failure, if any.
func (s *StageResult) Err() error {
	return s.err
}

// Report is the result of one pipeline run. A failed stage does not stop the run; the
// report lists every stage that was attempted.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Report struct {
	Mode    Mode          `json:"mode"`
	DryRun  bool          `json:"dry_run"`
	Stages  []StageResult `json:"stages"`
	Started time.Time     `json:"started_at"`
	Ended   time.Time     `json:"ended_at"`

	SignalsRecorded   int `json:"signals_recorded"`
	SignalsSuppressed int `json:"signals_suppressed"`
	SignalsSeeded     int `json:"signals_seeded"`
	IssuesDiagnosed   int `json:"issues_diagnosed"`
	IssuesApproved    int `json:"issues_approved"`
	IssuesRejected    int `json:"issues_rejected"`
	// SkippedIssues lists issues remediation passed over, with the reason.
	SkippedIssues []SkippedIssue             `json:"skipped_issues,omitempty"`
	ChangeRequest *persistence.ChangeRequest `json:"change_request,omitempty"`
}

// Completed counts stages that finished without error.
func (r *Report) Completed() int {
	n := 0
	for i := range r.Stages {
		if r.Stages[i].Status == StageCompleted {
			n++
		}
	}
	return n
}

// Success reports whether every attempted stage completed.
func (r *Report) Success() bool {
	for i := range r.Stages {
		if r.Stages[i].Status == StageFailed {
			return false
		}
	}
	return true
}

// Summary reads like "2 of 3 stages completed", followed by the failed stages.
func (r *Report) Summary() string {
	if r.DryRun {
		names := make([]string, len(r.Stages))
		for i := range r.Stages {
			names[i] = string(r.Stages[i].Stage)
		}
		return fmt.Sprintf("dry run: would run %s in %s mode", strings.Join(names, ", "), r.Mode)
	}

	summary := fmt.Sprintf("%d of %d stages completed", r.Completed(), len(r.Stages))
	var failed []string
	for i := range r.Stages {
		if r.Stages[i].Status == StageFailed {
			failed = append(failed, string(r.Stages[i].Stage))
		}
	}
	if len(failed) > 0 {
		summary += " (failed: " + strings.Join(failed, ", ") + ")"
	}
	return summary
}

// Err joins the errors of every failed stage, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for i := range r.Stages {
		if r.Stages[i].err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Stages[i].Stage, r.Stages[i].err))
		}
	}
	return errors.Join(errs...)
}

// SkippedIssue is an issue a remediation pass did not publish.
type SkippedIssue struct {
	IssueID string `json:"issue_id"`
	Reason  string `json:"reason"`
}
