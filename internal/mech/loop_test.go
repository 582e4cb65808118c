package mech

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/observability"
	"github.com/rand/mech/internal/pipeline"
	"github.com/rand/mech/internal/provider"
	"github.com/rand/mech/internal/resilience"
	"github.com/rand/mech/internal/running"
	"github.com/rand/mech/internal/stream"
)

// fakeModels serves every model in models through reply, which sees the
// zero-based call index.
type fakeModels struct {
	mu        sync.Mutex
	calls     int
	picked    []string
	histories [][]conversation.Entry
	params    []provider.Params
	reply     func(call int) (stream.Stream, error)
}

func (f *fakeModels) pipeline(models ...string) *pipeline.Pipeline {
	reg := provider.NewRegistry(nil)
	if err := reg.Register(&provider.Func{
		ProviderName: "fake",
		Models:       models,
		Fn: func(ctx context.Context, model string, history []conversation.Entry, params provider.Params) (stream.Stream, error) {
			f.mu.Lock()
			call := f.calls
			f.calls++
			f.picked = append(f.picked, model)
			f.histories = append(f.histories, history)
			f.params = append(f.params, params)
			f.mu.Unlock()
			return f.reply(call)
		},
	}); err != nil {
		panic(err)
	}
	return pipeline.New(reg)
}

func (f *fakeModels) Picked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.picked)
}

func text(s string) (stream.Stream, error) {
	return stream.FromSlice(
		stream.MessageDelta{Stamp: stream.Now(), MessageID: "m", Delta: s},
		stream.StreamEnd{Stamp: stream.Now(), FinishReason: "stop", Usage: &stream.Usage{InputTokens: 10, OutputTokens: 2}},
	), nil
}

func call(name, args string) (stream.Stream, error) {
	return stream.FromSlice(
		stream.ToolDone{Stamp: stream.Now(), CallID: "call_" + name, Name: name, Arguments: args},
		stream.StreamEnd{Stamp: stream.Now(), FinishReason: "tool_calls"},
	), nil
}

// messages renders the message entries as "role: content".
func messages(entries []conversation.Entry) []string {
	var out []string
	for _, e := range entries {
		if m, ok := e.(conversation.Message); ok {
			out = append(out, string(m.Role)+": "+m.Content)
		}
	}
	return out
}

type metaRecorder struct {
	mu     sync.Mutex
	inputs []MetaInput
	fn     func(MetaInput) error
}

func (m *metaRecorder) RunMeta(_ context.Context, in MetaInput) error {
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(in)
	}
	return nil
}

type requesterFunc func(ctx context.Context, model string, conv *conversation.Conversation, params pipeline.Params) *pipeline.Result

func (f requesterFunc) Request(ctx context.Context, model string, conv *conversation.Conversation, params pipeline.Params) *pipeline.Result {
	return f(ctx, model, conv, params)
}

type budgetFunc func() error

func (f budgetFunc) Exhausted() error { return f() }

func newTestLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()
	if cfg.State == nil {
		cfg.State = newTestState(t, StateConfig{Models: []string{"a", "b"}})
	}
	if cfg.Host == nil {
		cfg.Host = NewSession(nil)
	}
	if cfg.Rotator == nil {
		cfg.Rotator = NewRotator(cfg.State, RotatorConfig{Rand: seeded(9), Breakers: cfg.Breakers})
	}
	cfg.Agent.Instructions = "You are a test agent."
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Host: NewSession(nil)})
	assert.Error(t, err)

	_, err = New(Config{Host: NewSession(nil), Requester: requesterFunc(nil)})
	assert.Error(t, err)
}

func TestLoop_TaskComplete(t *testing.T) {
	f := &fakeModels{reply: func(n int) (stream.Stream, error) {
		switch n {
		case 0:
			return text("working on it")
		case 1:
			return call(TaskCompleteToolName, `{"summary":"all done"}`)
		default:
			return text("finished")
		}
	}}
	host := NewSession(nil)
	l := newTestLoop(t, Config{Host: host, Requester: f.pipeline("a", "b")})

	res := l.Run(context.Background(), "write the report")

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, "all done", res.Summary)
	assert.NoError(t, res.Err)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, int64(3), res.Requests)

	msgs := messages(host.History().Entries())
	require.GreaterOrEqual(t, len(msgs), 2)
	assert.Equal(t, "system: You are a test agent.", msgs[0])
	assert.Equal(t, "user: write the report", msgs[1])
	assert.Contains(t, msgs, "user: "+continuePrompt)
}

func TestLoop_FatalErrorTool(t *testing.T) {
	f := &fakeModels{reply: func(n int) (stream.Stream, error) {
		if n == 0 {
			return call(FatalErrorToolName, `{"reason":"no credentials for the deploy target"}`)
		}
		return text("stopping")
	}}
	l := newTestLoop(t, Config{Requester: f.pipeline("a", "b")})

	res := l.Run(context.Background(), "deploy")

	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.Equal(t, "no credentials for the deploy target", res.Summary)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "no credentials")
}

func TestLoop_MetaEveryFiveRequests(t *testing.T) {
	f := &fakeModels{reply: func(int) (stream.Stream, error) { return text("thinking") }}
	meta := &metaRecorder{}
	l := newTestLoop(t, Config{Requester: f.pipeline("a", "b"), Meta: meta, MaxRounds: 12})

	res := l.Run(context.Background(), "explore")

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 12, res.Rounds)
	assert.Equal(t, int64(12), res.Requests)
	assert.Equal(t, 2, res.MetaRuns)
	require.Len(t, meta.inputs, 2)
	assert.Equal(t, int64(5), meta.inputs[0].State.Requests)
	assert.Equal(t, int64(10), meta.inputs[1].State.Requests)
	for _, in := range meta.inputs {
		assert.LessOrEqual(t, len(in.History), DefaultHistoryWindow)
	}
}

func TestLoop_MetaChangesApplyFromNextRound(t *testing.T) {
	f := &fakeModels{reply: func(int) (stream.Stream, error) { return text("ok") }}
	state := newTestState(t, StateConfig{Models: []string{"a", "b"}})
	meta := &metaRecorder{fn: func(MetaInput) error { return state.DisableModel("a") }}
	l := newTestLoop(t, Config{State: state, Requester: f.pipeline("a", "b"), Meta: meta, MaxRounds: 15})

	res := l.Run(context.Background(), "go")
	require.Equal(t, 15, res.Rounds)

	picked := f.Picked()
	for i, m := range picked[5:] {
		assert.Equal(t, "b", m, "pick %d after the model was disabled", i+6)
	}
}

func TestLoop_MetaFailureIsNotFatal(t *testing.T) {
	f := &fakeModels{reply: func(int) (stream.Stream, error) { return text("ok") }}
	sink := observability.NewMemorySink()
	meta := &metaRecorder{fn: func(MetaInput) error { return errors.New("meta model unavailable") }}
	l := newTestLoop(t, Config{Host: NewSession(sink), Requester: f.pipeline("a", "b"), Meta: meta, MaxRounds: 5})

	res := l.Run(context.Background(), "go")

	assert.Equal(t, OutcomeComplete, res.Outcome)
	msgs := sink.OfType(observability.TypeMetaCognition)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "meta model unavailable")
}

func TestLoop_UnservedModelIsFatal(t *testing.T) {
	f := &fakeModels{reply: func(int) (stream.Stream, error) { return text("ok") }}
	state := newTestState(t, StateConfig{Models: []string{"missing"}})
	l := newTestLoop(t, Config{State: state, Requester: f.pipeline("a")})

	res := l.Run(context.Background(), "go")

	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.ErrorIs(t, res.Err, provider.ErrNoProvider)
	assert.Equal(t, 1, res.Rounds)
}

func TestLoop_ConsecutiveFailures(t *testing.T) {
	f := &fakeModels{reply: func(int) (stream.Stream, error) { return nil, errors.New("overloaded") }}
	breakers := resilience.NewSet(resilience.Config{FailureThreshold: 2})
	state := newTestState(t, StateConfig{Models: []string{"a"}})
	l := newTestLoop(t, Config{
		State:                  state,
		Requester:              f.pipeline("a"),
		Breakers:               breakers,
		MaxConsecutiveFailures: 3,
	})

	res := l.Run(context.Background(), "go")

	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.Equal(t, 3, res.Rounds)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "overloaded")
	assert.Equal(t, resilience.StateOpen, breakers.States()["a"])
}

func TestLoop_FailureCounterResets(t *testing.T) {
	f := &fakeModels{reply: func(n int) (stream.Stream, error) {
		if n%2 == 0 {
			return nil, errors.New("flaky")
		}
		return text("ok")
	}}
	l := newTestLoop(t, Config{Requester: f.pipeline("a", "b"), MaxConsecutiveFailures: 2, MaxRounds: 8})

	res := l.Run(context.Background(), "go")
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 8, res.Rounds)
}

func TestLoop_BudgetExhausted(t *testing.T) {
	f := &fakeModels{reply: func(int) (stream.Stream, error) { return text("ok") }}
	var checks int
	budget := budgetFunc(func() error {
		checks++
		if checks > 2 {
			return errors.New("cost limit exceeded: $1.00 >= $1.00")
		}
		return nil
	})
	l := newTestLoop(t, Config{Requester: f.pipeline("a", "b"), Budget: budget})

	res := l.Run(context.Background(), "go")

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 2, res.Rounds)
	assert.Contains(t, res.Summary, "cost limit exceeded")
}

func TestLoop_InjectsThoughts(t *testing.T) {
	f := &fakeModels{reply: func(int) (stream.Stream, error) { return text("ok") }}
	state := newTestState(t, StateConfig{Models: []string{"a"}})
	state.InjectThought("prefer small diffs")
	l := newTestLoop(t, Config{State: state, Requester: f.pipeline("a"), MaxRounds: 1})

	l.Run(context.Background(), "refactor")

	require.NotEmpty(t, f.histories)
	assert.Contains(t, messages(f.histories[0]), "developer: Injected thought: prefer small diffs")
	assert.Empty(t, state.DrainThoughts())
}

func TestLoop_OffersControlAndRunningTools(t *testing.T) {
	f := &fakeModels{reply: func(int) (stream.Stream, error) { return text("ok") }}
	tracker := running.NewTracker(running.Config{})
	l := newTestLoop(t, Config{Requester: f.pipeline("a", "b"), Tracker: tracker, MaxRounds: 1})

	l.Run(context.Background(), "go")

	require.NotEmpty(t, f.params)
	var names []string
	for _, d := range f.params[0].Tools {
		names = append(names, d.Name)
	}
	assert.Subset(t, names, []string{
		TaskCompleteToolName, FatalErrorToolName,
		running.WaitToolName, running.TerminateToolName, running.ListToolName,
	})
}

func TestLoop_PanicIsFatal(t *testing.T) {
	req := requesterFunc(func(context.Context, string, *conversation.Conversation, pipeline.Params) *pipeline.Result {
		panic("provider exploded")
	})
	sink := observability.NewMemorySink()
	l := newTestLoop(t, Config{Host: NewSession(sink), Requester: req})

	res := l.Run(context.Background(), "go")

	assert.Equal(t, OutcomeFatal, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "provider exploded")

	status := sink.OfType(observability.TypeMechStatus)
	require.NotEmpty(t, status)
	assert.Equal(t, string(OutcomeFatal), status[len(status)-1].Fields["outcome"])
}

func TestLoop_StopsWhenCancelledOrClosed(t *testing.T) {
	f := &fakeModels{reply: func(int) (stream.Stream, error) { return text("ok") }}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newTestLoop(t, Config{Requester: f.pipeline("a")}).Run(ctx, "go")
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, "cancelled", res.Summary)
	assert.Zero(t, res.Rounds)

	sink := observability.NewMemorySink()
	require.NoError(t, sink.Close())
	res = newTestLoop(t, Config{Host: NewSession(sink), Requester: f.pipeline("a")}).Run(context.Background(), "go")
	assert.Equal(t, "host closed", res.Summary)
}

func TestLoop_RoundStatusMessages(t *testing.T) {
	f := &fakeModels{reply: func(int) (stream.Stream, error) { return text("ok") }}
	sink := observability.NewMemorySink()
	l := newTestLoop(t, Config{Host: NewSession(sink), Requester: f.pipeline("a", "b"), MaxRounds: 3})

	l.Run(context.Background(), "go")

	status := sink.OfType(observability.TypeMechStatus)
	require.Len(t, status, 4)
	for i, msg := range status[:3] {
		assert.Equal(t, i+1, msg.Fields["round"])
		assert.True(t, strings.HasPrefix(msg.Content, fmt.Sprintf("round %d on ", i+1)))
	}
	assert.Equal(t, "round limit (3) reached", status[3].Fields["summary"])
}
