package provider

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/stream"
)

func fakeProvider(name string, models ...string) *Func {
	return &Func{
		ProviderName: name,
		Models:       models,
		Fn: func(ctx context.Context, model string, history []conversation.Entry, params Params) (stream.Stream, error) {
			return stream.FromSlice(stream.StreamEnd{Stamp: stream.Now(), FinishReason: "stop"}), nil
		},
	}
}

func TestRegistry_ResolveExactBeatsPrefix(t *testing.T) {
	reg := NewRegistry(nil)
	openai := fakeProvider("openai")
	special := fakeProvider("special")

	reg.RegisterPrefix("gpt-", openai)
	reg.RegisterModel("gpt-special", special)

	p, err := reg.Resolve("gpt-special")
	require.NoError(t, err)
	assert.Equal(t, "special", p.Name())

	p, err = reg.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestRegistry_PrefixRegistrationOrder(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterPrefix("o3-mini", fakeProvider("mini"))
	reg.RegisterPrefix("o3", fakeProvider("o3"))

	p, err := reg.Resolve("o3-mini-high")
	require.NoError(t, err)
	assert.Equal(t, "mini", p.Name())

	p, err = reg.Resolve("o3-pro")
	require.NoError(t, err)
	assert.Equal(t, "o3", p.Name())
}

func TestRegistry_RegisterPrefixReplacesInPlace(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterPrefix("gpt-", fakeProvider("first"))
	reg.RegisterPrefix("g", fakeProvider("catchall"))
	reg.RegisterPrefix("gpt-", fakeProvider("second"))

	p, err := reg.Resolve("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "second", p.Name())
}

func TestRegistry_ProbeFallback(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(fakeProvider("local", "llama3")))

	p, err := reg.Resolve("llama3")
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())
}

type bareProvider struct{}

func (bareProvider) Name() string { return "bare" }

func (bareProvider) Stream(context.Context, string, []conversation.Entry, Params) (stream.Stream, error) {
	return nil, nil
}

func TestRegistry_RegisterRequiresSupporter(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Error(t, reg.Register(bareProvider{}))
}

func TestRegistry_UnknownModel(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterModel("claude-sonnet-4", fakeProvider("anthropic"))

	_, err := reg.Resolve("claude-sonet-4")
	require.ErrorIs(t, err, ErrNoProvider)
	assert.Contains(t, err.Error(), `did you mean "claude-sonnet-4"`)

	_, err = reg.Resolve("zzz")
	require.ErrorIs(t, err, ErrNoProvider)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestRegistry_Has(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterPrefix("claude-", fakeProvider("anthropic"))
	require.NoError(t, reg.Register(fakeProvider("local", "llama3")))

	assert.True(t, reg.Has("claude-sonnet-4"))
	assert.True(t, reg.Has("llama3"))
	assert.False(t, reg.Has("gpt-4o"))
}

func TestRegistry_Models(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RegisterModel("b-model", fakeProvider("x"))
	reg.RegisterPrefix("a", fakeProvider("y", "a-1", "a-2"))
	require.NoError(t, reg.Register(fakeProvider("z", "b-model", "c-1")))

	assert.Equal(t, []string{"a-1", "a-2", "b-model", "c-1"}, reg.Models())
}

func TestRegistry_ResolveDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := NewRegistry(nil)
		n := rapid.IntRange(1, 6).Draw(t, "prefixes")
		for i := range n {
			prefix := rapid.StringMatching(`[a-c]{1,3}`).Draw(t, fmt.Sprintf("prefix%d", i))
			reg.RegisterPrefix(prefix, fakeProvider(fmt.Sprintf("p%d", i)))
		}
		model := rapid.StringMatching(`[a-c]{1,5}`).Draw(t, "model")

		first, err1 := reg.Resolve(model)
		second, err2 := reg.Resolve(model)
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("resolution flipped between calls: %v vs %v", err1, err2)
		}
		if err1 == nil && first.Name() != second.Name() {
			t.Fatalf("resolved %s then %s", first.Name(), second.Name())
		}
	})
}

func TestBuild(t *testing.T) {
	reg, err := Build([]BackendConfig{
		{Name: "local", Kind: KindOllama, Models: []string{"llama3.1"}},
		{Name: "xai", Kind: KindOpenAICompat, APIKey: "k", BaseURL: "https://api.x.ai/v1", Models: []string{"grok-4"}, Prefixes: []string{"grok"}},
	}, nil)
	require.NoError(t, err)

	p, err := reg.Resolve("grok-3")
	require.NoError(t, err)
	assert.Equal(t, "xai", p.Name())

	p, err = reg.Resolve("ollama/qwen3")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())

	p, err = reg.Resolve("llama3.1")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build([]BackendConfig{{Name: "x", Kind: "carrier-pigeon", APIKey: "k"}}, nil)
	assert.ErrorContains(t, err, "unknown backend kind")

	_, err = Build([]BackendConfig{{Name: "x", Kind: KindOpenAICompat, APIKey: "k"}}, nil)
	assert.ErrorContains(t, err, "base_url")
}

func TestBuild_SkipsBackendWithoutKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	reg, err := Build([]BackendConfig{{Name: "openai", Kind: KindOpenAI}}, nil)
	require.NoError(t, err)

	_, err = reg.Resolve("gpt-4o")
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestRoutedFantasy_SupportsModel(t *testing.T) {
	r := &routedFantasy{}
	assert.True(t, r.SupportsModel("anthropic/claude-sonnet-4"))
	assert.False(t, r.SupportsModel("claude-sonnet-4"))
	assert.False(t, r.SupportsModel("/x"))
	assert.False(t, r.SupportsModel("x/"))
}
