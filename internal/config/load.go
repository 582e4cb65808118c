package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rand/mech/internal/budget"
	"github.com/rand/mech/internal/mech"
	"github.com/rand/mech/internal/provider"
)

// keyEnv maps backend names and kinds to the environment variable holding
// their API key. Names win over kinds so an openai_compat backend named
// "xai" finds XAI_API_KEY.
var keyEnv = map[string]string{
	provider.KindAnthropic:  "ANTHROPIC_API_KEY",
	provider.KindOpenAI:     "OPENAI_API_KEY",
	provider.KindOpenRouter: "OPENROUTER_API_KEY",
	"xai":                   "XAI_API_KEY",
	"deepseek":              "DEEPSEEK_API_KEY",
}

// Load reads the config file at path, after loading .env files from the
// working directory and the config file's directory. ${VAR} references in
// the file are expanded. An empty path reads DefaultPath if it exists and
// falls back to Default otherwise.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := loadDotEnv(".env", filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		cfg := Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a config document over Default, expands environment
// references, applies API key fallbacks and validates the result.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range slices.Compact(paths) {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey == "" {
			if env, ok := keyEnv[p.Name]; ok {
				p.APIKey = os.Getenv(env)
			} else if env, ok := keyEnv[p.Kind]; ok {
				p.APIKey = os.Getenv(env)
			}
		}
		if p.Kind == provider.KindOllama && p.BaseURL == "" {
			p.BaseURL = os.Getenv("OLLAMA_HOST")
		}
	}
}

var (
	backendKinds = []string{
		provider.KindAnthropic, provider.KindOpenAI, provider.KindOpenRouter,
		provider.KindOpenAICompat, provider.KindOllama,
	}
	enforcementActions = []budget.EnforcementAction{budget.ActionLog, budget.ActionNotify, budget.ActionBlock}
	logLevels          = []string{"debug", "info", "warn", "error"}
)

// Validate reports every invalid field, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !slices.Contains(logLevels, c.Log.Level) {
		fail("log.level: %q is not one of %v", c.Log.Level, logLevels)
	}

	providers := make(map[string]bool)
	for i, p := range c.Providers {
		if !slices.Contains(backendKinds, p.Kind) {
			fail("providers[%d]: unknown kind %q", i, p.Kind)
		}
		if p.Kind == provider.KindOpenAICompat && p.BaseURL == "" {
			fail("providers[%d]: %s requires base_url", i, p.Kind)
		}
		name := p.Name
		if name == "" {
			name = p.Kind
		}
		if providers[name] {
			fail("providers[%d]: duplicate name %q", i, name)
		}
		providers[name] = true
		providers[p.Kind] = true
	}

	for i, m := range c.Models.Entries {
		if m.ID == "" {
			fail("models.entries[%d]: id is required", i)
		}
		if !providers[m.Provider] {
			fail("models.entries[%d]: %s names unconfigured provider %q", i, m.ID, m.Provider)
		}
	}

	if !slices.Contains(mech.MetaFrequencies, c.Mech.MetaFrequency) {
		fail("mech.meta_frequency: %w: %d (allowed %v)", mech.ErrInvalidFrequency, c.Mech.MetaFrequency, mech.MetaFrequencies)
	}
	if !slices.Contains(mech.ThoughtDelays, c.Mech.ThoughtDelay) {
		fail("mech.thought_delay: %w: %d (allowed %v)", mech.ErrInvalidDelay, c.Mech.ThoughtDelay, mech.ThoughtDelays)
	}
	for model, score := range c.Mech.Scores {
		if score < mech.MinScore || score > mech.MaxScore {
			fail("mech.scores[%s]: %w: %d", model, mech.ErrInvalidScore, score)
		}
	}
	for _, pattern := range c.Mech.DisabledModels {
		if !doublestar.ValidatePattern(pattern) {
			fail("mech.disabled_models: invalid pattern %q", pattern)
		}
	}
	if c.Mech.RepeatPenalty < 0 || c.Mech.RepeatPenalty > 1 {
		fail("mech.repeat_penalty: %v is outside [0, 1]", c.Mech.RepeatPenalty)
	}

	if c.Pipeline.Retry.Max < 0 {
		fail("pipeline.retry.max: must not be negative")
	}

	lim := c.Budget.Limits
	for name, v := range map[string]float64{
		"cost_warning_threshold":  lim.CostWarningThreshold,
		"token_warning_threshold": lim.TokenWarningThreshold,
	} {
		if v < 0 || v > 1 {
			fail("budget.limits.%s: %v is outside [0, 1]", name, v)
		}
	}
	for name, a := range map[string]budget.EnforcementAction{
		"on_warning": c.Budget.Enforcement.OnWarning,
		"on_block":   c.Budget.Enforcement.OnBlock,
	} {
		if !slices.Contains(enforcementActions, a) {
			fail("budget.enforcement.%s: unknown action %q", name, a)
		}
	}

	for i, s := range c.MCPServers {
		if s.Name == "" || s.Command == "" {
			fail("mcp_servers[%d]: name and command are required", i)
		}
	}

	return errors.Join(errs...)
}

// Redacted returns a copy with secrets shortened for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Providers = slices.Clone(c.Providers)
	for i := range out.Providers {
		out.Providers[i].APIKey = redact(out.Providers[i].APIKey)
	}
	out.Telemetry.PostHogKey = redact(c.Telemetry.PostHogKey)
	return &out
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}

// Schema returns the JSON schema of the config file.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	return json.MarshalIndent(r.Reflect(&Config{}), "", "  ")
}
