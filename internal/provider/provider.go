// Package provider resolves model identifiers to streaming LLM backends
// and adapts vendor SDKs to the provider-neutral event stream.
package provider

import (
	"context"
	"slices"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/stream"
	"github.com/rand/mech/internal/tools"
)

// ModelSettings tune one request.
type ModelSettings struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   int64    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// ToolChoice is "auto", "none" or "required". Empty leaves the
	// provider default.
	ToolChoice string `json:"tool_choice,omitempty" yaml:"tool_choice,omitempty"`

	// MaxToolRounds overrides the pipeline's round budget when set.
	MaxToolRounds int `json:"max_tool_rounds,omitempty" yaml:"max_tool_rounds,omitempty"`
}

// Params is the per-request parameter bag handed to a provider.
type Params struct {
	Tools    []tools.Definition
	Settings ModelSettings
	AgentID  string
}

// Provider opens a response stream for a model.
type Provider interface {
	Name() string
	Stream(ctx context.Context, model string, history []conversation.Entry, params Params) (stream.Stream, error)
}

// ModelSupporter is implemented by providers that can answer whether they
// serve a model.
type ModelSupporter interface {
	SupportsModel(model string) bool
}

// ModelLister is implemented by providers that know their model list.
type ModelLister interface {
	SupportedModels() []string
}

// StreamFunc is the signature of Provider.Stream.
type StreamFunc func(ctx context.Context, model string, history []conversation.Entry, params Params) (stream.Stream, error)

// Func is a Provider backed by a function. With a non-empty model list it
// also acts as a ModelSupporter and ModelLister. It is mostly used for
// scripted test doubles.
type Func struct {
	ProviderName string
	Models       []string
	Fn           StreamFunc
}

func (f *Func) Name() string { return f.ProviderName }

func (f *Func) Stream(ctx context.Context, model string, history []conversation.Entry, params Params) (stream.Stream, error) {
	return f.Fn(ctx, model, history, params)
}

func (f *Func) SupportsModel(model string) bool { return slices.Contains(f.Models, model) }

func (f *Func) SupportedModels() []string { return slices.Clone(f.Models) }
