package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"darwin/pkg/analytics"
	"darwin/pkg/config"
	"darwin/pkg/forge"
	"darwin/pkg/lifecycle"
	"darwin/pkg/logx"
	"darwin/pkg/metrics"
	"darwin/pkg/persistence"
	"darwin/pkg/persistence/mongostore"
	"darwin/pkg/pipeline"
	"darwin/pkg/reasoning"
	"darwin/pkg/remediation"
	"darwin/pkg/review"
)

// app holds what every command needs: configuration, the store and the lifecycle controller.
type app struct {
	cfg        *config.Config
	opts       *rootOptions
	store      persistence.Store
	controller *lifecycle.Controller
	registry   *prometheus.Registry
	recorder   metrics.Recorder
	logger     *logx.Logger

	stopTracing func(context.Context) error
}

// openApp loads configuration, unlocks the secrets file when present and opens the store.
// Only the store is required here; every other collaborator is checked when its stage runs.
func openApp(ctx context.Context, opts *rootOptions) (*app, error) {
	logger := logx.NewLogger("darwin")

	if config.SecretsFileExists(opts.projectDir) {
		password, err := readPassword("Secrets password: ")
		if err != nil {
			logger.Warn("Secrets file not unlocked (%v); using environment only", err)
		} else if err := config.LoadSecretsFile(opts.projectDir, password); err != nil {
			return nil, logx.Errorf("failed to unlock secrets: %w", err)
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.allowUnapproved {
		cfg.AllowUnapproved = true
	}
	if cfg.Debug {
		logx.SetDebug(true)
	}
	if err := cfg.RequireStore(); err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, logx.Wrap(err, "open store")
	}

	registry := prometheus.NewRegistry()
	a := &app{
		cfg:   cfg,
		opts:  opts,
		store: store,
		controller: lifecycle.NewController(store, lifecycle.Options{
			AllowUnapproved: cfg.AllowUnapproved,
			TaskQueue:       cfg.TaskQueue,
		}),
		registry: registry,
		recorder: metrics.NewPrometheusRecorder(registry),
		logger:   logger,
	}
	if cfg.AllowUnapproved {
		logger.Warn("Unapproved remediation is enabled; diagnosed issues may be published without review")
	}

	if opts.trace {
		stop, err := pipeline.InstallStdoutTracing(os.Stderr)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.stopTracing = stop
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (persistence.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreMongoDB:
		return mongostore.Open(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
	default:
		store, err := persistence.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func (a *app) Close() {
	if a.stopTracing != nil {
		if err := a.stopTracing(context.Background()); err != nil {
			a.logger.Warn("Failed to flush traces: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store: %v", err)
	}
}

// driverOptions select the optional pieces of a pipeline driver.
type driverOptions struct {
	// reviewer is wired as the review stage when set.
	reviewer             pipeline.Reviewer
	diagnoseLimit        int
	remediateAfterReview bool
}

// newDriver wires every collaborator whose settings are present. A collaborator that cannot
// be built marks its stage unavailable, so the stages that can run still do.
func (a *app) newDriver(opts driverOptions) *pipeline.Driver {
	d := pipeline.NewDriver(a.controller, pipeline.Options{
		DiagnoseLimit:        opts.diagnoseLimit,
		Timeout:              a.cfg.PipelineTimeout,
		RemediateAfterReview: opts.remediateAfterReview,
		ForgeName:            a.cfg.Forge.Provider,
	}).WithRecorder(a.recorder)

	if detector, err := a.detector(); err != nil {
		d.Unavailable(pipeline.StageDetect, err)
	} else {
		d.WithDetectors(detector)
	}

	client, forgeErr := a.forgeClient()
	if forgeErr != nil {
		d.Unavailable(pipeline.StageRemediate, forgeErr)
	} else {
		publisher := forge.NewPublisher(client)
		d.WithRemediator(remediation.NewEngineer(a.controller, publisher, remediation.Options{
			BaseBranch: a.cfg.Forge.BaseBranch,
		}))
	}

	if diagnoser, err := a.diagnoser(client); err != nil {
		d.Unavailable(pipeline.StageDiagnose, err)
	} else {
		d.WithDiagnoser(diagnoser)
	}

	if opts.reviewer != nil {
		d.WithReviewer(opts.reviewer)
	} else {
		d.Unavailable(pipeline.StageReview, errors.New("review needs an interactive terminal; use darwin review"))
	}
	return d
}

func (a *app) detector() (pipeline.Detector, error) {
	if err := a.cfg.RequireAnalytics(); err != nil {
		return nil, err
	}
	if a.cfg.Analytics.Source == config.AnalyticsPrometheus {
		return metrics.NewQueryService(a.cfg.Prometheus.URL)
	}
	client := analytics.NewClient(a.cfg.Analytics.Host, a.cfg.Analytics.ProjectID, a.cfg.Analytics.APIKey).
		WithTimeout(a.cfg.APITimeout)
	return analytics.NewWatcher(client, a.cfg.Analytics.LookbackDays), nil
}

func (a *app) forgeClient() (forge.Client, error) {
	if err := a.cfg.RequireForge(); err != nil {
		return nil, err
	}
	return forge.NewClient(forge.Settings{
		Provider: forge.Provider(a.cfg.Forge.Provider),
		BaseURL:  a.cfg.Forge.URL,
		Token:    a.cfg.Forge.Token,
		Owner:    a.cfg.Forge.Owner,
		Repo:     a.cfg.Forge.Repo,
		Timeout:  a.cfg.APITimeout,
	})
}

// diagnoser builds the reasoning collaborator. client may be nil, in which case prompts carry
// no source excerpt.
func (a *app) diagnoser(client forge.Client) (pipeline.Diagnoser, error) {
	if err := a.cfg.RequireReasoning(); err != nil {
		return nil, err
	}

	var completer reasoning.Completer
	switch a.cfg.Reasoning.Provider {
	case config.ReasoningClaude:
		completer = reasoning.NewClaudeCompleter(a.cfg.Reasoning.AnthropicAPIKey, a.cfg.Reasoning.AnthropicModel)
	default:
		completer = reasoning.NewGeminiCompleter(a.cfg.Reasoning.GeminiAPIKey, a.cfg.Reasoning.GeminiModel)
	}

	var source reasoning.SourceReader
	if client != nil {
		source = client
	}
	diagnoser, err := reasoning.NewDiagnoser(completer, source, reasoning.DiagnoserOptions{
		PageFiles: a.cfg.Reasoning.PageFiles,
		Ref:       a.cfg.Forge.BaseBranch,
	})
	if err != nil {
		return nil, err
	}
	return diagnoser.WithRecorder(a.recorder), nil
}

// newGate creates a review gate reading decisions from in.
func (a *app) newGate(in io.Reader, out io.Writer, approver string, limit int) *review.Gate {
	return review.NewGate(a.controller, review.NewTerminalPrompter(in, out)).
		WithApprover(approver).
		WithLimit(limit)
}

// readPassword takes the secrets password from DARWIN_PASSWORD, or prompts on the terminal.
func readPassword(prompt string) (string, error) {
	if password := os.Getenv("DARWIN_PASSWORD"); password != "" {
		return password, nil
	}
	fd := int(os.Stdin.Fd()) //nolint:gosec // fd fits in int
	if !term.IsTerminal(fd) {
		return "", errors.New("DARWIN_PASSWORD is not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(password) == 0 {
		return "", errors.New("empty password")
	}
	return string(password), nil
}
