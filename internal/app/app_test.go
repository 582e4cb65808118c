package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/mech/internal/budget"
	"github.com/rand/mech/internal/config"
	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/mech"
	"github.com/rand/mech/internal/observability"
	"github.com/rand/mech/internal/pipeline"
	"github.com/rand/mech/internal/provider"
	"github.com/rand/mech/internal/stream"
)

type scripted struct {
	mu     sync.Mutex
	calls  int
	models []string
	reply  func(call int, history []conversation.Entry) stream.Stream
}

func (s *scripted) registry(models ...string) *provider.Registry {
	reg := provider.NewRegistry(nil)
	if err := reg.Register(&provider.Func{
		ProviderName: "scripted",
		Models:       models,
		Fn: func(_ context.Context, model string, history []conversation.Entry, _ provider.Params) (stream.Stream, error) {
			s.mu.Lock()
			call := s.calls
			s.calls++
			s.models = append(s.models, model)
			s.mu.Unlock()
			return s.reply(call, history), nil
		},
	}); err != nil {
		panic(err)
	}
	return reg
}

func usageEnd(reason string) stream.StreamEnd {
	return stream.StreamEnd{
		Stamp:        stream.Now(),
		FinishReason: reason,
		Usage:        &stream.Usage{InputTokens: 100_000, OutputTokens: 10_000},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Providers = nil
	cfg.Models = config.ModelsConfig{Entries: []budget.ModelEntry{
		{ID: "alpha", Provider: "scripted", Score: 80, Pricing: budget.Pricing{Input: budget.Flat(1), Output: budget.Flat(2)}},
		{ID: "beta", Provider: "scripted", Pricing: budget.Pricing{Input: budget.Flat(1), Output: budget.Flat(2)}},
		{ID: "gamma", Provider: "elsewhere"},
	}}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, s *scripted) (*App, *observability.MemorySink) {
	t.Helper()
	sink := observability.NewMemorySink()
	a, err := New(context.Background(), cfg, Options{
		Sinks:     []observability.Sink{sink},
		Providers: s.registry("alpha", "beta"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, sink
}

func TestNew_RotationDefaultsToServableModels(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), &scripted{})

	assert.Equal(t, []string{"alpha", "beta"}, a.State.Models())
	assert.Equal(t, 80, a.State.Score("alpha"), "catalog score seeds the state")
	assert.Equal(t, mech.DefaultScore, a.State.Score("beta"))
}

func TestNew_ConfiguredOverrides(t *testing.T) {
	cfg := testConfig()
	cfg.Mech.Scores = map[string]int{"alpha": 10}
	cfg.Mech.DisabledModels = []string{"b*"}

	a, _ := newTestApp(t, cfg, &scripted{})
	assert.Equal(t, 10, a.State.Score("alpha"))
	assert.True(t, a.State.IsDisabled("beta"))
}

func TestRunTask(t *testing.T) {
	// Round one answers in text; round two calls task_complete and then
	// acknowledges the tool result.
	s := &scripted{reply: func(call int, _ []conversation.Entry) stream.Stream {
		if call == 1 {
			return stream.FromSlice(
				stream.ToolDone{Stamp: stream.Now(), CallID: "c1", Name: mech.TaskCompleteToolName, Arguments: `{"summary":"all done"}`},
				usageEnd("tool_calls"),
			)
		}
		return stream.FromSlice(
			stream.MessageDelta{Stamp: stream.Now(), MessageID: "m", Delta: "working"},
			usageEnd("stop"),
		)
	}}
	a, sink := newTestApp(t, testConfig(), s)

	host := mech.NewSession(sink)
	res, err := a.RunTask(context.Background(), "do the thing", RunOptions{Host: host})
	require.NoError(t, err)

	assert.Equal(t, mech.OutcomeComplete, res.Outcome)
	assert.Equal(t, "all done", res.Summary)
	assert.Equal(t, 2, res.Rounds)

	assert.Equal(t, int64(3), res.Requests)

	state := a.Budget.State()
	assert.Equal(t, int64(3), state.Requests)
	assert.InDelta(t, 3*(0.1+0.02), state.TotalCost, 1e-9)
	assert.Len(t, sink.OfType(observability.TypeCostUpdate), 3)
	assert.NotEmpty(t, sink.OfType(observability.TypeMechStatus))

	entry, ok := host.History().At(0)
	require.True(t, ok)
	first, ok := entry.(conversation.Message)
	require.True(t, ok)
	assert.Equal(t, conversation.RoleSystem, first.Role)
	assert.Equal(t, defaultInstructions, first.Content)
}

func TestRunTask_BudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.Limits = budget.Limits{MaxRequests: 1}

	s := &scripted{reply: func(int, []conversation.Entry) stream.Stream {
		return stream.FromSlice(
			stream.MessageDelta{Stamp: stream.Now(), MessageID: "m", Delta: "still going"},
			usageEnd("stop"),
		)
	}}
	a, _ := newTestApp(t, cfg, s)

	res, err := a.RunTask(context.Background(), "task", RunOptions{MaxRounds: 10})
	require.NoError(t, err)
	assert.Equal(t, mech.OutcomeComplete, res.Outcome)
	assert.Equal(t, 1, s.calls)
}

func TestRunTask_CommandFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg := testConfig()
	cfg.Mech.CommandFile = path

	var seen []string
	s := &scripted{}
	s.reply = func(call int, history []conversation.Entry) stream.Stream {
		for _, e := range history {
			if m, ok := e.(conversation.Message); ok && m.Role == conversation.RoleDeveloper {
				seen = append(seen, m.Content)
			}
		}
		if len(seen) > 0 {
			return stream.FromSlice(
				stream.ToolDone{Stamp: stream.Now(), CallID: "c", Name: mech.TaskCompleteToolName, Arguments: `{"summary":"heard"}`},
				usageEnd("tool_calls"),
			)
		}
		if call == 0 {
			go func() {
				time.Sleep(200 * time.Millisecond)
				f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
				if err == nil {
					f.WriteString("check the logs\n")
					f.Close()
				}
			}()
		}
		time.Sleep(50 * time.Millisecond)
		return stream.FromSlice(
			stream.MessageDelta{Stamp: stream.Now(), MessageID: "m", Delta: "waiting"},
			usageEnd("stop"),
		)
	}
	a, _ := newTestApp(t, cfg, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := a.RunTask(ctx, "task", RunOptions{MaxRounds: 200})
	require.NoError(t, err)
	assert.Equal(t, "heard", res.Summary)
	assert.Contains(t, seen, "Injected thought: check the logs")
}

func TestAsk(t *testing.T) {
	s := &scripted{reply: func(int, []conversation.Entry) stream.Stream {
		return stream.FromSlice(
			stream.MessageDelta{Stamp: stream.Now(), MessageID: "m", Delta: "pong"},
			usageEnd("stop"),
		)
	}}
	a, _ := newTestApp(t, testConfig(), s)

	res, err := a.Ask(context.Background(), "beta", "ping")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDone, res.Status)
	assert.Equal(t, "pong", res.Response)
	assert.Equal(t, []string{"beta"}, s.models)

	_, err = a.Ask(context.Background(), "beta", "")
	assert.Error(t, err)

	res, err = a.Ask(context.Background(), "gamma", "ping")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, provider.ErrNoProvider)
}

func TestModelRows(t *testing.T) {
	a, _ := newTestApp(t, testConfig(), &scripted{})

	rows := a.ModelRows(false)
	require.Len(t, rows, 3)
	assert.Equal(t, ModelRow{
		ID: "alpha", Provider: "scripted", Backend: "scripted",
		InputPrice: 1, OutputPrice: 2, Rotation: true, Score: 80,
	}, rows[0])
	assert.Empty(t, rows[2].Backend)
	assert.False(t, rows[2].Rotation)

	assert.Len(t, a.ModelRows(true), 2)
}

func TestNew_EventLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	cfg := testConfig()
	cfg.Telemetry.EventLog = path

	a, err := New(context.Background(), cfg, Options{Providers: (&scripted{}).registry("alpha")})
	require.NoError(t, err)

	require.NoError(t, a.Sink.Send(context.Background(), observability.NewMessage(observability.TypeSystem, "hello", nil)))
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello"`)
}
