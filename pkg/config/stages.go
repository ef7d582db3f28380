package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingSetting is wrapped by every MissingSettingError.
var ErrMissingSetting = errors.New("missing required setting")

// MissingSettingError names the settings a stage needs but does not have.
type MissingSettingError struct {
	Stage string
	Names []string
}

func (e *MissingSettingError) Error() string {
	return fmt.Sprintf("%s stage: %s: %s", e.Stage, ErrMissingSetting.Error(), strings.Join(e.Names, ", "))
}

func (e *MissingSettingError) Unwrap() error {
	return ErrMissingSetting
}

type requirement struct {
	name  string
	value string
}

func require(stage string, reqs ...requirement) error {
	var missing []string
	for _, r := range reqs {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSettingError{Stage: stage, Names: missing}
}

// RequireForge checks the repository host settings remediation needs.
func (c *Config) RequireForge() error {
	reqs := []requirement{
		{"GITHUB_TOKEN", c.Forge.Token},
		{"GITHUB_OWNER", c.Forge.Owner},
		{"GITHUB_REPO", c.Forge.Repo},
	}
	if c.Forge.Provider != "github" {
		reqs = append(reqs, requirement{"FORGE_URL", c.Forge.URL})
	}
	return require("forge", reqs...)
}

// RequireStore checks the settings for the selected record store.
func (c *Config) RequireStore() error {
	if c.Store.Driver == StoreMongoDB {
		return require("store",
			requirement{"MONGODB_URI", c.Store.MongoURI},
			requirement{"MONGODB_DATABASE", c.Store.MongoDatabase},
		)
	}
	return require("store", requirement{"SQLITE_PATH", c.Store.SQLitePath})
}

// RequireAnalytics checks the settings for the selected friction source.
func (c *Config) RequireAnalytics() error {
	if c.Analytics.Source == AnalyticsPrometheus {
		return require("analytics", requirement{"PROMETHEUS_URL", c.Prometheus.URL})
	}
	return require("analytics",
		requirement{"POSTHOG_API_KEY", c.Analytics.APIKey},
		requirement{"POSTHOG_PROJECT_ID", c.Analytics.ProjectID},
	)
}

// RequireReasoning checks the credentials of the selected diagnosis provider.
func (c *Config) RequireReasoning() error {
	if c.Reasoning.Provider == ReasoningClaude {
		return require("reasoning", requirement{"ANTHROPIC_API_KEY", c.Reasoning.AnthropicAPIKey})
	}
	return require("reasoning", requirement{"GEMINI_API_KEY", c.Reasoning.GeminiAPIKey})
}
