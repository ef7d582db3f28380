// Package config loads Darwin's settings from an optional YAML file and the environment.
// Credentials are checked per stage, so a run that never touches the forge does not need
// forge credentials.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Pipeline modes.
const (
	ModeFull     = "full"
	ModeAnalyze  = "analyze"
	ModeEngineer = "engineer"
	ModeReview   = "review"
	ModeDemo     = "demo"
)

// Store drivers.
const (
	StoreSQLite  = "sqlite"
	StoreMongoDB = "mongodb"
)

// Reasoning providers.
const (
	ReasoningGemini = "gemini"
	ReasoningClaude = "claude"
)

// Analytics sources.
const (
	AnalyticsPostHog    = "posthog"
	AnalyticsPrometheus = "prometheus"
)

// Config is the complete runtime configuration.
//
// Every leaf field carries an env tag naming the variable that overrides it. Fields tagged
// secret also consult the decrypted secrets file before the environment.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Config struct {
	Mode            string        `yaml:"mode" env:"DARWIN_MODE" validate:"oneof=full analyze engineer review demo"`
	Debug           bool          `yaml:"debug" env:"DARWIN_DEBUG"`
	APIKey          string        `yaml:"api_key" env:"DARWIN_API_KEY" secret:"true"`
	Listen          string        `yaml:"listen" env:"DARWIN_LISTEN" validate:"required"`
	AllowUnapproved bool          `yaml:"allow_unapproved_remediation" env:"DARWIN_ALLOW_UNAPPROVED_REMEDIATION"`
	TaskQueue       bool          `yaml:"task_queue" env:"DARWIN_TASK_QUEUE"`
	APITimeout      time.Duration `yaml:"api_timeout" env:"DARWIN_API_TIMEOUT" validate:"gt=0"`
	PipelineTimeout time.Duration `yaml:"pipeline_timeout" env:"DARWIN_PIPELINE_TIMEOUT" validate:"gt=0"`

	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Forge      ForgeConfig      `yaml:"forge"`
	Reasoning  ReasoningConfig  `yaml:"reasoning"`
	Store      StoreConfig      `yaml:"store"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// AnalyticsConfig selects and authenticates the friction source.
type AnalyticsConfig struct {
	Source       string `yaml:"source" env:"ANALYTICS_SOURCE" validate:"oneof=posthog prometheus"`
	APIKey       string `yaml:"api_key" env:"POSTHOG_API_KEY" secret:"true"`
	Host         string `yaml:"host" env:"POSTHOG_HOST"`
	ProjectID    string `yaml:"project_id" env:"POSTHOG_PROJECT_ID"`
	LookbackDays int    `yaml:"lookback_days" env:"DARWIN_LOOKBACK_DAYS" validate:"gte=1"`
}

// ForgeConfig addresses the repository host and target repository.
type ForgeConfig struct {
	Provider   string `yaml:"provider" env:"FORGE_PROVIDER" validate:"oneof=github gitea"`
	URL        string `yaml:"url" env:"FORGE_URL"`
	Token      string `yaml:"token" env:"GITHUB_TOKEN" secret:"true"`
	Owner      string `yaml:"owner" env:"GITHUB_OWNER"`
	Repo       string `yaml:"repo" env:"GITHUB_REPO"`
	BaseBranch string `yaml:"base_branch" env:"GITHUB_BASE_BRANCH"`
}

// ReasoningConfig selects the diagnosis collaborator.
type ReasoningConfig struct {
	Provider        string `yaml:"provider" env:"REASONING_PROVIDER" validate:"oneof=gemini claude"`
	GeminiAPIKey    string `yaml:"gemini_api_key" env:"GEMINI_API_KEY" secret:"true"`
	GeminiModel     string `yaml:"gemini_model" env:"GEMINI_MODEL"`
	AnthropicAPIKey string `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY" secret:"true"`
	AnthropicModel  string `yaml:"anthropic_model" env:"ANTHROPIC_MODEL"`
	// PageFiles maps a page path to the repository file that renders it. Diagnosis
	// prompts include that file when a signal's page is listed.
	PageFiles map[string]string `yaml:"page_files"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver        string `yaml:"driver" env:"STORE_DRIVER" validate:"oneof=sqlite mongodb"`
	SQLitePath    string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	MongoURI      string `yaml:"mongodb_uri" env:"MONGODB_URI" secret:"true"`
	MongoDatabase string `yaml:"mongodb_database" env:"MONGODB_DATABASE"`
}

// PrometheusConfig points at a Prometheus server used as an alternate friction source.
type PrometheusConfig struct {
	URL string `yaml:"url" env:"PROMETHEUS_URL"`
}

// Defaults returns a configuration with every default applied and no credentials.
func Defaults() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.Mode, ModeFull)
	setDefault(&cfg.Listen, ":8000")
	if cfg.APITimeout == 0 {
		cfg.APITimeout = 30 * time.Second
	}
	if cfg.PipelineTimeout == 0 {
		cfg.PipelineTimeout = 5 * time.Minute
	}

	setDefault(&cfg.Analytics.Source, AnalyticsPostHog)
	setDefault(&cfg.Analytics.Host, "https://us.posthog.com")
	if cfg.Analytics.LookbackDays == 0 {
		cfg.Analytics.LookbackDays = 7
	}

	setDefault(&cfg.Forge.Provider, "github")
	if cfg.Forge.Provider == "github" {
		setDefault(&cfg.Forge.URL, "https://api.github.com")
	}
	setDefault(&cfg.Forge.BaseBranch, "main")

	setDefault(&cfg.Reasoning.Provider, ReasoningGemini)
	setDefault(&cfg.Reasoning.GeminiModel, "gemini-2.0-flash")
	setDefault(&cfg.Reasoning.AnthropicModel, "claude-sonnet-4-5")

	setDefault(&cfg.Store.Driver, StoreSQLite)
	setDefault(&cfg.Store.SQLitePath, "darwin.db")
	setDefault(&cfg.Store.MongoDatabase, "darwin")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

//nolint:gochecknoglobals // validator caches struct metadata
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks enumerated settings and bounds. Credentials are not checked here.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
