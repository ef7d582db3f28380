// Package pipeline sequences detection, diagnosis, review and remediation. Stages run one
// after another; a failed stage is logged and reported, and the run continues with the next.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"darwin/pkg/lifecycle"
	"darwin/pkg/logx"
	"darwin/pkg/metrics"
	"darwin/pkg/persistence"
	"darwin/pkg/remediation"
	"darwin/pkg/review"
)

// Mode selects which stages a run executes.
type Mode string

// Pipeline modes.
const (
	ModeFull     Mode = "full"
	ModeAnalyze  Mode = "analyze"
	ModeEngineer Mode = "engineer"
	ModeReview   Mode = "review"
	ModeDemo     Mode = "demo"
)

// Stage names one step of a run.
type Stage string

// Pipeline stages.
const (
	StageSeed      Stage = "seed"
	StageDetect    Stage = "detect"
	StageDiagnose  Stage = "diagnose"
	StageReview    Stage = "review"
	StageRemediate Stage = "remediate"
)

// ErrUnknownMode is returned for a mode name that is not recognized.
var ErrUnknownMode = errors.New("unknown pipeline mode")

// ErrStageUnavailable is the failure of a stage whose collaborator was not configured.
var ErrStageUnavailable = errors.New("stage not configured")

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFull, ModeAnalyze, ModeEngineer, ModeReview, ModeDemo:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Modes lists every mode.
func Modes() []Mode {
	return []Mode{ModeFull, ModeAnalyze, ModeEngineer, ModeReview, ModeDemo}
}

// Interactive reports whether the mode needs a human at a terminal.
func (m Mode) Interactive() bool {
	return m == ModeReview
}

// Detector finds friction and returns new signals.
type Detector interface {
	Name() string
	Detect(ctx context.Context) ([]*persistence.Signal, error)
}

// Diagnoser proposes an issue for one signal.
type Diagnoser interface {
	Name() string
	Diagnose(ctx context.Context, signal *persistence.Signal) (*persistence.Issue, error)
}

// Reviewer runs the human approval checkpoint. review.Gate satisfies it.
type Reviewer interface {
	Run(ctx context.Context) (*review.Result, error)
}

// Remediator publishes fixes. remediation.Engineer satisfies it.
type Remediator interface {
	Remediate(ctx context.Context) (*remediation.Outcome, error)
	RemediateIssue(ctx context.Context, issueID string) (*remediation.Outcome, error)
}

// Options configure a Driver.
type Options struct {
	// DiagnoseLimit caps how many unprocessed signals one run diagnoses. Defaults to 10.
	DiagnoseLimit int
	// Timeout bounds a whole run. Zero means no bound beyond the caller's context.
	Timeout time.Duration
	// RemediateAfterReview publishes the first issue approved in review mode.
	RemediateAfterReview bool
	// ForgeName labels publish metrics.
	ForgeName string
}

// Driver runs pipeline stages against one lifecycle controller.
type Driver struct {
	controller  *lifecycle.Controller
	detectors   []Detector
	diagnoser   Diagnoser
	reviewer    Reviewer
	remediator  Remediator
	unavailable map[Stage]error
	recorder    metrics.Recorder
	tracer      trace.Tracer
	logger      *logx.Logger
	now         func() time.Time
	opts        Options
}

// NewDriver creates a driver with no collaborators. Stages whose collaborator is missing fail
// when they run.
func NewDriver(controller *lifecycle.Controller, opts Options) *Driver {
	if opts.DiagnoseLimit <= 0 {
		opts.DiagnoseLimit = 10
	}
	if opts.ForgeName == "" {
		opts.ForgeName = "github"
	}
	return &Driver{
		controller:  controller,
		unavailable: make(map[Stage]error),
		recorder:    metrics.Nop(),
		tracer:      otel.Tracer("darwin/pipeline"),
		logger:      logx.NewLogger("pipeline"),
		now:         time.Now,
		opts:        opts,
	}
}

// WithDetectors adds signal sources.
func (d *Driver) WithDetectors(detectors ...Detector) *Driver {
	d.detectors = append(d.detectors, detectors...)
	return d
}

// WithDiagnoser sets the diagnosis collaborator.
func (d *Driver) WithDiagnoser(diagnoser Diagnoser) *Driver {
	d.diagnoser = diagnoser
	return d
}

// WithReviewer sets the review gate.
func (d *Driver) WithReviewer(reviewer Reviewer) *Driver {
	d.reviewer = reviewer
	return d
}

// WithRemediator sets the remediation collaborator.
func (d *Driver) WithRemediator(remediator Remediator) *Driver {
	d.remediator = remediator
	return d
}

// Unavailable records why a stage cannot run, typically a missing setting. The reason is
// reported only if the stage is attempted.
func (d *Driver) Unavailable(stage Stage, reason error) *Driver {
	d.unavailable[stage] = reason
	return d
}

// WithRecorder sets the metrics recorder.
func (d *Driver) WithRecorder(r metrics.Recorder) *Driver {
	d.recorder = r
	return d
}

// WithTracerProvider sets the provider stage spans are created from.
func (d *Driver) WithTracerProvider(tp trace.TracerProvider) *Driver {
	d.tracer = tp.Tracer("darwin/pipeline")
	return d
}

// WithClock sets the time source used for demo signals and report timestamps.
func (d *Driver) WithClock(now func() time.Time) *Driver {
	d.now = now
	return d
}

// Plan returns the stages mode runs, in order.
func Plan(mode Mode) ([]Stage, error) {
	switch mode {
	case ModeFull:
		return []Stage{StageDetect, StageDiagnose, StageRemediate}, nil
	case ModeAnalyze:
		return []Stage{StageDetect, StageDiagnose}, nil
	case ModeEngineer:
		return []Stage{StageRemediate}, nil
	case ModeReview:
		return []Stage{StageReview}, nil
	case ModeDemo:
		return []Stage{StageSeed, StageDiagnose}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// DryRun reports the stages mode would run without running them. Stages that could not run
// are reported as failed with the reason.
func (d *Driver) DryRun(mode Mode) (*Report, error) {
	stages, err := Plan(mode)
	if err != nil {
		return nil, err
	}
	now := d.now()
	report := &Report{Mode: mode, DryRun: true, Started: now, Ended: now}
	for _, stage := range stages {
		result := StageResult{Stage: stage, Status: StagePlanned}
		if err := d.available(stage); err != nil {
			result.Status = StageFailed
			result.Error = err.Error()
			result.err = err
		}
		report.Stages = append(report.Stages, result)
	}
	return report, nil
}

// Run executes every stage of mode. The returned error is non-nil only when the run could
// not start; stage failures are in the report.
func (d *Driver) Run(ctx context.Context, mode Mode) (*Report, error) {
	stages, err := Plan(mode)
	if err != nil {
		return nil, err
	}
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	ctx, span := d.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("darwin.mode", string(mode)),
		attribute.Int("darwin.stage_count", len(stages)),
	))
	defer span.End()

	report := &Report{Mode: mode, Started: d.now()}
	d.logger.Info("Starting %s run: %v", mode, stages)
	d.controller.LogActivity(ctx, "pipeline", "info", "", "Started %s run", mode)

	var approved []*persistence.Issue
	for _, stage := range stages {
		result := d.runStage(ctx, stage, report, &approved)
		report.Stages = append(report.Stages, result)

		if stage == StageReview && d.opts.RemediateAfterReview && len(approved) > 0 {
			report.Stages = append(report.Stages, d.runStage(ctx, StageRemediate, report, &approved))
		}
	}
	report.Ended = d.now()

	if report.Success() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, report.Summary())
	}
	d.logger.Info("Finished %s run: %s", mode, report.Summary())
	d.controller.LogActivity(ctx, "pipeline", levelFor(report.Success()), "", "Finished %s run: %s", mode, report.Summary())
	return report, nil
}

func (d *Driver) runStage(ctx context.Context, stage Stage, report *Report, approved *[]*persistence.Issue) StageResult {
	ctx, span := d.tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	start := time.Now()
	var (
		detail string
		err    error
	)
	if err = d.available(stage); err == nil {
		switch stage {
		case StageSeed:
			detail, err = d.seed(ctx, report)
		case StageDetect:
			detail, err = d.detect(ctx, report)
		case StageDiagnose:
			detail, err = d.diagnose(ctx, report)
		case StageReview:
			detail, err = d.review(ctx, report, approved)
		case StageRemediate:
			detail, err = d.remediate(ctx, report, *approved)
		}
	}
	elapsed := time.Since(start)

	result := StageResult{Stage: stage, Status: StageCompleted, Detail: detail, Duration: elapsed}
	status := metrics.StatusSuccess
	if err != nil {
		result.Status = StageFailed
		result.Error = err.Error()
		result.err = err
		status = metrics.StatusError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("Stage %s failed: %v", stage, err)
		d.controller.LogActivity(ctx, "pipeline", "error", "", "Stage %s failed: %v", stage, err)
	} else {
		span.SetStatus(codes.Ok, "")
		d.logger.Info("Stage %s completed: %s", stage, detail)
	}
	span.SetAttributes(attribute.String("darwin.stage_detail", detail))
	d.recorder.ObserveStage(string(stage), status, elapsed)
	return result
}

// available returns why stage cannot run, or nil.
func (d *Driver) available(stage Stage) error {
	if reason, ok := d.unavailable[stage]; ok {
		return fmt.Errorf("%w: %w", ErrStageUnavailable, reason)
	}
	missing := false
	switch stage {
	case StageDetect:
		missing = len(d.detectors) == 0
	case StageDiagnose:
		missing = d.diagnoser == nil
	case StageReview:
		missing = d.reviewer == nil
	case StageRemediate:
		missing = d.remediator == nil
	case StageSeed:
	}
	if missing {
		return fmt.Errorf("%w: no %s collaborator", ErrStageUnavailable, stage)
	}
	return nil
}

func (d *Driver) detect(ctx context.Context, report *Report) (string, error) {
	var errs []error
	for _, detector := range d.detectors {
		signals, err := detector.Detect(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("detector %s: %w", detector.Name(), err))
			continue
		}

		recorded, suppressed := 0, 0
		for _, signal := range signals {
			ok, err := d.controller.RecordSignal(ctx, signal)
			if err != nil {
				errs = append(errs, fmt.Errorf("detector %s: signal %q: %w", detector.Name(), signal.Title, err))
				continue
			}
			if ok {
				recorded++
			} else {
				suppressed++
			}
		}
		d.recorder.AddSignals(detector.Name(), recorded, suppressed)
		report.SignalsRecorded += recorded
		report.SignalsSuppressed += suppressed
		d.controller.LogActivity(ctx, "watcher", "info", "", "%s found %d signal(s), %d new", detector.Name(), len(signals), recorded)
	}

	detail := fmt.Sprintf("%d new signal(s), %d already open", report.SignalsRecorded, report.SignalsSuppressed)
	return detail, errors.Join(errs...)
}

func (d *Driver) diagnose(ctx context.Context, report *Report) (string, error) {
	signals, err := d.controller.UnprocessedSignals(ctx, d.opts.DiagnoseLimit)
	if err != nil {
		return "", fmt.Errorf("failed to list unprocessed signals: %w", err)
	}

	var errs []error
	for _, signal := range signals {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		issue, err := d.diagnoser.Diagnose(ctx, signal)
		if err != nil {
			d.controller.LogActivity(ctx, "analyst", "error", signal.ID, "Diagnosis failed: %v", err)
			errs = append(errs, err)
			continue
		}
		recorded, err := d.controller.RecordDiagnosis(ctx, signal.ID, issue)
		if err != nil {
			d.controller.LogActivity(ctx, "analyst", "error", signal.ID, "Could not record diagnosis: %v", err)
			errs = append(errs, err)
			continue
		}
		report.IssuesDiagnosed++
		d.controller.LogActivity(ctx, "analyst", "info", recorded.ID, "Diagnosed signal %s: %s", signal.ID, recorded.Title)
	}

	detail := fmt.Sprintf("%d of %d signal(s) diagnosed", report.IssuesDiagnosed, len(signals))
	return detail, errors.Join(errs...)
}

func (d *Driver) review(ctx context.Context, report *Report, approved *[]*persistence.Issue) (string, error) {
	result, err := d.reviewer.Run(ctx)
	if result != nil {
		*approved = result.Approved
		report.IssuesApproved = len(result.Approved)
		report.IssuesRejected = len(result.Rejected)
		for _, issue := range result.Approved {
			d.recorder.IncReviewDecision("approve")
			d.controller.LogActivity(ctx, "reviewer", "info", issue.ID, "Approved")
		}
		for _, id := range result.Rejected {
			d.recorder.IncReviewDecision("reject")
			d.controller.LogActivity(ctx, "reviewer", "info", id, "Rejected")
		}
	}
	if err != nil {
		return "", err
	}
	if result == nil {
		return "no issues reviewed", nil
	}
	return fmt.Sprintf("%d approved, %d rejected, %d remaining",
		len(result.Approved), len(result.Rejected), result.Remaining), nil
}

func (d *Driver) remediate(ctx context.Context, report *Report, approved []*persistence.Issue) (string, error) {
	ctx, span := d.tracer.Start(ctx, "forge.publish", trace.WithAttributes(
		attribute.String("darwin.forge", d.opts.ForgeName),
	))
	defer span.End()

	var (
		outcome *remediation.Outcome
		err     error
	)
	if len(approved) > 0 {
		outcome, err = d.remediator.RemediateIssue(ctx, approved[0].ID)
	} else {
		outcome, err = d.remediator.Remediate(ctx)
	}
	if outcome != nil {
		for _, s := range outcome.Skipped {
			report.SkippedIssues = append(report.SkippedIssues, SkippedIssue{IssueID: s.IssueID, Reason: "malformed fix: " + s.Reason})
		}
		for _, s := range outcome.Unpatched {
			report.SkippedIssues = append(report.SkippedIssues, SkippedIssue{IssueID: s.IssueID, Reason: s.Err.Error()})
		}
		for _, s := range outcome.Duplicates {
			report.SkippedIssues = append(report.SkippedIssues, SkippedIssue{IssueID: s.IssueID, Reason: "already published as " + s.URL})
		}
	}
	if err != nil {
		d.recorder.IncPublish(d.opts.ForgeName, metrics.StatusError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if !outcome.Published() {
		d.recorder.IncPublish(d.opts.ForgeName, metrics.StatusSkipped)
		return fmt.Sprintf("nothing to publish, %d issue(s) skipped", len(report.SkippedIssues)), nil
	}

	d.recorder.IncPublish(d.opts.ForgeName, metrics.StatusSuccess)
	report.ChangeRequest = outcome.ChangeRequest
	span.SetAttributes(
		attribute.String("darwin.issue_id", outcome.Issue.ID),
		attribute.Int("darwin.pr_number", outcome.ChangeRequest.Number),
	)
	return fmt.Sprintf("opened PR #%d for issue %s", outcome.ChangeRequest.Number, outcome.Issue.ID), nil
}

func levelFor(ok bool) string {
	if ok {
		return "info"
	}
	return "warning"
}
