package provider

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/openrouter"
)

// Backend kinds understood by Build.
const (
	KindAnthropic    = "anthropic"
	KindOpenAI       = "openai"
	KindOpenRouter   = "openrouter"
	KindOpenAICompat = "openai_compat"
	KindOllama       = "ollama"
)

// BackendConfig describes one configured backend.
type BackendConfig struct {
	Name    string   `yaml:"name" json:"name"`
	Kind    string   `yaml:"kind" json:"kind"`
	APIKey  string   `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL string   `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Models  []string `yaml:"models,omitempty" json:"models,omitempty"`

	// Prefixes override the kind's default routing prefixes.
	Prefixes []string `yaml:"prefixes,omitempty" json:"prefixes,omitempty"`
}

// DefaultPrefixes are the routing prefixes registered per backend kind
// when a BackendConfig names none.
var DefaultPrefixes = map[string][]string{
	KindAnthropic: {"claude-"},
	KindOpenAI:    {"gpt-", "o1", "o3", "o4", "chatgpt-"},
	KindOllama:    {OllamaPrefix},
}

var defaultKeyEnv = map[string]string{
	KindAnthropic:  "ANTHROPIC_API_KEY",
	KindOpenAI:     "OPENAI_API_KEY",
	KindOpenRouter: "OPENROUTER_API_KEY",
}

// Build creates a registry from backend configs. Backends without an API
// key (other than ollama) are skipped with a warning. Models listed in a
// config are registered as exact keys; OpenRouter additionally claims any
// "vendor/model" id through its SupportsModel predicate.
func Build(backends []BackendConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry(logger)

	for _, cfg := range backends {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv(defaultKeyEnv[cfg.Kind])
		}
		if apiKey == "" && cfg.Kind != KindOllama {
			logger.Warn("backend has no api key, skipping", "backend", cfg.Name, "kind", cfg.Kind)
			continue
		}

		p, err := newBackend(cfg, apiKey)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
		}

		for _, m := range cfg.Models {
			reg.RegisterModel(m, p)
		}
		prefixes := cfg.Prefixes
		if prefixes == nil {
			prefixes = DefaultPrefixes[cfg.Kind]
		}
		for _, pre := range prefixes {
			reg.RegisterPrefix(pre, p)
		}
		if _, ok := p.(ModelSupporter); ok {
			if err := reg.Register(p); err != nil {
				return nil, err
			}
		}
		logger.Debug("backend registered", "backend", p.Name(), "models", len(cfg.Models), "prefixes", prefixes)
	}
	return reg, nil
}

func newBackend(cfg BackendConfig, apiKey string) (Provider, error) {
	name := cfg.Name
	if name == "" {
		name = cfg.Kind
	}
	switch cfg.Kind {
	case KindAnthropic:
		opts := []anthropic.Option{anthropic.WithAPIKey(apiKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		fp, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic provider: %w", err)
		}
		return NewFantasy(name, fp, cfg.Models...), nil
	case KindOpenRouter:
		fp, err := openrouter.New(openrouter.WithAPIKey(apiKey))
		if err != nil {
			return nil, fmt.Errorf("create openrouter provider: %w", err)
		}
		return &routedFantasy{Fantasy: NewFantasy(name, fp, cfg.Models...)}, nil
	case KindOpenAI, KindOpenAICompat:
		if cfg.Kind == KindOpenAICompat && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai_compat backend requires base_url")
		}
		return NewOpenAICompat(name, cfg.BaseURL, apiKey, cfg.Models...), nil
	case KindOllama:
		return NewOllama(cfg.BaseURL, cfg.Models...)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// routedFantasy accepts OpenRouter style "vendor/model" ids.
type routedFantasy struct {
	*Fantasy
}

func (r *routedFantasy) SupportsModel(model string) bool {
	i := strings.IndexByte(model, '/')
	return i > 0 && i < len(model)-1
}
