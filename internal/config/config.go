// Package config loads the mech configuration file.
package config

import (
	"time"

	"github.com/rand/mech/internal/budget"
	"github.com/rand/mech/internal/mech"
	"github.com/rand/mech/internal/pipeline"
	"github.com/rand/mech/internal/provider"
	"github.com/rand/mech/internal/resilience"
	"github.com/rand/mech/internal/running"
	"github.com/rand/mech/internal/tools"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "mech.yaml"

// Config is the complete mech configuration.
type Config struct {
	Log        LogConfig                       `yaml:"log" json:"log"`
	Providers  []provider.BackendConfig        `yaml:"providers" json:"providers"`
	Models     ModelsConfig                    `yaml:"models" json:"models"`
	Mech       MechConfig                      `yaml:"mech" json:"mech"`
	Pipeline   PipelineConfig                  `yaml:"pipeline" json:"pipeline"`
	Budget     BudgetConfig                    `yaml:"budget" json:"budget"`
	Quota      map[string]budget.ProviderQuota `yaml:"quota,omitempty" json:"quota,omitempty"`
	MCPServers []tools.MCPServerConfig         `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
	Shell      ShellConfig                     `yaml:"shell" json:"shell"`
	Telemetry  TelemetryConfig                 `yaml:"telemetry" json:"telemetry"`
}

// LogConfig configures the CLI log handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// File redirects logs to a rotating file. Empty logs to stderr.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	MaxSizeMB  int `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty" jsonschema:"default=10"`
	MaxBackups int `yaml:"max_backups,omitempty" json:"max_backups,omitempty" jsonschema:"default=3"`
	MaxAgeDays int `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty" jsonschema:"default=28"`
}

// ModelsConfig configures the model catalog.
type ModelsConfig struct {
	// Embedded seeds the catalog with the bundled model list.
	Embedded bool `yaml:"embedded" json:"embedded" jsonschema:"default=true"`

	// Entries add to or override embedded models by id.
	Entries []budget.ModelEntry `yaml:"entries,omitempty" json:"entries,omitempty"`
}

// MechConfig configures the MECH loop.
type MechConfig struct {
	// Models is the rotation set. Empty means every catalog entry a
	// configured provider can serve.
	Models []string `yaml:"models,omitempty" json:"models,omitempty"`

	// MetaModels are the models meta-cognition picks from. Empty means
	// the rotation set.
	MetaModels []string `yaml:"meta_models,omitempty" json:"meta_models,omitempty"`

	Scores map[string]int `yaml:"scores,omitempty" json:"scores,omitempty"`

	// DisabledModels are ids or doublestar patterns.
	DisabledModels []string `yaml:"disabled_models,omitempty" json:"disabled_models,omitempty"`

	MetaFrequency int `yaml:"meta_frequency" json:"meta_frequency" jsonschema:"enum=5,enum=10,enum=20,enum=40,default=5"`

	// ThoughtDelay is in seconds.
	ThoughtDelay int `yaml:"thought_delay" json:"thought_delay" jsonschema:"enum=0,enum=2,enum=4,enum=8,enum=16,enum=32,enum=64,enum=128,default=0"`

	RepeatPenalty          float64 `yaml:"repeat_penalty" json:"repeat_penalty" jsonschema:"minimum=0,maximum=1,default=0.5"`
	MaxRounds              int     `yaml:"max_rounds,omitempty" json:"max_rounds,omitempty"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures" json:"max_consecutive_failures" jsonschema:"default=5"`
	HistoryWindow          int     `yaml:"history_window" json:"history_window" jsonschema:"default=20"`

	// CommandFile, when set, is tailed for injected thoughts.
	CommandFile string `yaml:"command_file,omitempty" json:"command_file,omitempty"`

	Breaker resilience.Config `yaml:"breaker" json:"breaker"`

	// Instructions override the default agent's system prompt.
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`

	// MetaPrompt overrides the meta-cognition system prompt.
	MetaPrompt string `yaml:"meta_prompt,omitempty" json:"meta_prompt,omitempty"`
}

// PipelineConfig configures requests.
type PipelineConfig struct {
	MaxToolRounds int                    `yaml:"max_tool_rounds" json:"max_tool_rounds" jsonschema:"default=3"`
	Retry         pipeline.Retry         `yaml:"retry" json:"retry"`
	Settings      provider.ModelSettings `yaml:"settings" json:"settings"`

	ToolTimeout    time.Duration `yaml:"tool_timeout" json:"tool_timeout" jsonschema:"default=30s"`
	Parallel       bool          `yaml:"parallel" json:"parallel"`
	MaxConcurrency int           `yaml:"max_concurrency" json:"max_concurrency" jsonschema:"default=5"`
	StopOnError    bool          `yaml:"stop_on_error" json:"stop_on_error"`

	// WaitTimeout bounds wait_for_running_tool.
	WaitTimeout time.Duration `yaml:"wait_timeout" json:"wait_timeout" jsonschema:"default=5m"`
}

// BudgetConfig configures cost limits.
type BudgetConfig struct {
	Limits      budget.Limits            `yaml:"limits" json:"limits"`
	Enforcement budget.EnforcementConfig `yaml:"enforcement" json:"enforcement"`
}

// ShellConfig configures the built-in shell tool.
type ShellConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Background runs commands as running tools.
	Background bool `yaml:"background" json:"background"`

	tools.ShellConfig `yaml:",inline"`
}

// TelemetryConfig configures message sinks.
type TelemetryConfig struct {
	// EventLog writes every message as a JSON line to this file.
	EventLog string `yaml:"event_log,omitempty" json:"event_log,omitempty"`

	// PostHogKey enables the PostHog sink.
	PostHogKey      string `yaml:"posthog_key,omitempty" json:"posthog_key,omitempty"`
	PostHogEndpoint string `yaml:"posthog_endpoint,omitempty" json:"posthog_endpoint,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Providers: []provider.BackendConfig{
			{Name: provider.KindAnthropic, Kind: provider.KindAnthropic},
			{Name: provider.KindOpenAI, Kind: provider.KindOpenAI},
			{Name: provider.KindOpenRouter, Kind: provider.KindOpenRouter},
		},
		Models: ModelsConfig{Embedded: true},
		Mech: MechConfig{
			MetaFrequency:          mech.DefaultMetaFrequency,
			RepeatPenalty:          mech.DefaultRepeatPenalty,
			MaxConsecutiveFailures: mech.DefaultMaxConsecutiveFailures,
			HistoryWindow:          mech.DefaultHistoryWindow,
		},
		Pipeline: PipelineConfig{
			MaxToolRounds:  pipeline.DefaultMaxToolRounds,
			ToolTimeout:    tools.DefaultTimeout,
			MaxConcurrency: tools.DefaultMaxConcurrency,
			WaitTimeout:    running.DefaultWaitTimeout,
		},
		Budget: BudgetConfig{
			Limits:      budget.DefaultLimits(),
			Enforcement: budget.DefaultEnforcementConfig(),
		},
	}
}
