package tools

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rand/mech/internal/conversation"
)

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func addTool() Tool {
	return NewTyped("add", "Add two numbers.", func(_ context.Context, args addArgs) (any, error) {
		return args.A + args.B, nil
	})
}

func TestExecuteAdd(t *testing.T) {
	reg := NewRegistry(addTool())
	exec := NewExecutor(ExecutorConfig{})

	results := exec.Execute(context.Background(), []conversation.ToolCall{
		conversation.NewToolCall("c1", "add", `{"a":2,"b":3}`),
	}, reg, Options{})

	require.Len(t, results, 1)
	r := results[0]
	require.NoError(t, r.Err)
	assert.Equal(t, "c1", r.CallID)
	assert.Equal(t, "5", r.Output)
	assert.Equal(t, "completed", r.Status())
	assert.Equal(t, conversation.FunctionCallOutput{CallID: "c1", Name: "add", Output: "5"}, r.Entry)
}

func TestExecuteErrorsBecomeResults(t *testing.T) {
	reg := NewRegistry(addTool(), New("boom", "", Schema{}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("kaput")
	}), New("panics", "", Schema{}, func(context.Context, map[string]any) (any, error) {
		panic("oh no")
	}))
	exec := NewExecutor(ExecutorConfig{})

	results := exec.Execute(context.Background(), []conversation.ToolCall{
		conversation.NewToolCall("c1", "missing", `{}`),
		conversation.NewToolCall("c2", "add", `{"a":`),
		conversation.NewToolCall("c3", "boom", `{}`),
		conversation.NewToolCall("c4", "panics", `{}`),
		conversation.NewToolCall("", "add", `{}`),
	}, reg, Options{})

	require.Len(t, results, 5)
	assert.ErrorIs(t, results[0].Err, ErrToolNotFound)

	var verr *conversation.ValidationError
	require.ErrorAs(t, results[1].Err, &verr)
	assert.Equal(t, "function.arguments", verr.Field)

	assert.EqualError(t, results[2].Err, "kaput")
	assert.Equal(t, "Error: kaput", results[2].Entry.Output)
	assert.Contains(t, results[3].Err.Error(), "panicked")
	require.ErrorAs(t, results[4].Err, &verr)
	assert.Equal(t, "id", verr.Field)

	for _, r := range results {
		assert.Equal(t, "failed", r.Status())
	}
}

func TestExecuteTimeoutDoesNotCancelTool(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan error, 1)
	reg := NewRegistry(New("slow", "", Schema{}, func(ctx context.Context, _ map[string]any) (any, error) {
		<-release
		finished <- ctx.Err()
		return "late", nil
	}))

	results := NewExecutor(ExecutorConfig{}).Execute(context.Background(), []conversation.ToolCall{
		conversation.NewToolCall("c1", "slow", `{}`),
	}, reg, Options{Timeout: 20 * time.Millisecond})

	require.Len(t, results, 1)
	assert.True(t, results[0].TimedOut)
	assert.ErrorIs(t, results[0].Err, ErrTimeout)
	assert.Equal(t, "timed_out", results[0].Status())

	close(release)
	select {
	case err := <-finished:
		assert.NoError(t, err, "the timed out tool keeps an uncancelled context")
	case <-time.After(time.Second):
		t.Fatal("tool never finished")
	}
}

func TestExecuteToolTimeoutOverridesOptions(t *testing.T) {
	slow := New("slow", "", Schema{}, func(ctx context.Context, _ map[string]any) (any, error) {
		time.Sleep(80 * time.Millisecond)
		return "finished", nil
	})
	slow.Timeout = time.Second
	reg := NewRegistry(slow)

	results := NewExecutor(ExecutorConfig{}).Execute(context.Background(), []conversation.ToolCall{
		conversation.NewToolCall("c1", "slow", `{}`),
	}, reg, Options{Timeout: 20 * time.Millisecond})

	require.Len(t, results, 1)
	assert.False(t, results[0].TimedOut)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "finished", results[0].Output)
}

func TestExecuteParallelBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	reg := NewRegistry(New("work", "", Schema{}, func(_ context.Context, args map[string]any) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		inFlight.Add(-1)
		return args["i"], nil
	}))

	calls := make([]conversation.ToolCall, 12)
	for i := range calls {
		calls[i] = conversation.NewToolCall(fmt.Sprintf("c%d", i), "work", fmt.Sprintf(`{"i":%d}`, i))
	}

	results := NewExecutor(ExecutorConfig{}).Execute(context.Background(), calls, reg, Options{Parallel: true, MaxConcurrency: 3})

	require.Len(t, results, len(calls))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, calls[i].ID, r.CallID)
		assert.Equal(t, fmt.Sprint(i), r.Output)
	}
}

func TestExecuteStopOnError(t *testing.T) {
	var ran atomic.Int32
	reg := NewRegistry(
		New("fail", "", Schema{}, func(context.Context, map[string]any) (any, error) {
			ran.Add(1)
			return nil, errors.New("nope")
		}),
		New("ok", "", Schema{}, func(context.Context, map[string]any) (any, error) {
			ran.Add(1)
			return "fine", nil
		}),
	)
	calls := []conversation.ToolCall{
		conversation.NewToolCall("c1", "ok", `{}`),
		conversation.NewToolCall("c2", "fail", `{}`),
		conversation.NewToolCall("c3", "ok", `{}`),
		conversation.NewToolCall("c4", "ok", `{}`),
	}

	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			ran.Store(0)
			results := NewExecutor(ExecutorConfig{}).Execute(context.Background(), calls, reg,
				Options{Parallel: parallel, MaxConcurrency: 1, StopOnError: true})

			require.Len(t, results, 4)
			assert.Equal(t, "fine", results[0].Output)
			assert.Equal(t, "failed", results[1].Status())
			assert.True(t, results[2].Skipped)
			assert.True(t, results[3].Skipped)
			assert.Equal(t, "c4", results[3].Entry.CallID)
			assert.Equal(t, int32(2), ran.Load())
		})
	}
}

func TestExecuteContinuesByDefault(t *testing.T) {
	reg := NewRegistry(addTool())
	results := NewExecutor(ExecutorConfig{}).Execute(context.Background(), []conversation.ToolCall{
		conversation.NewToolCall("c1", "missing", `{}`),
		conversation.NewToolCall("c2", "add", `{"a":1,"b":1}`),
	}, reg, Options{})

	require.Len(t, results, 2)
	assert.Equal(t, "2", results[1].Output)
}

func TestExecuteObserver(t *testing.T) {
	var seen []string
	exec := NewExecutor(ExecutorConfig{OnResult: func(r Result) { seen = append(seen, r.CallID) }})
	exec.Execute(context.Background(), []conversation.ToolCall{
		conversation.NewToolCall("c1", "add", `{"a":1,"b":1}`),
	}, NewRegistry(addTool()), Options{})
	assert.Equal(t, []string{"c1"}, seen)
}

// Property: every call yields exactly one result carrying its id.
func TestProperty_OneResultPerCall(t *testing.T) {
	reg := NewRegistry(addTool())
	exec := NewExecutor(ExecutorConfig{})

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		calls := make([]conversation.ToolCall, n)
		for i := range calls {
			name := rapid.SampledFrom([]string{"add", "missing"}).Draw(t, "name")
			args := rapid.SampledFrom([]string{`{"a":1,"b":2}`, `{bad`, ``}).Draw(t, "args")
			calls[i] = conversation.NewToolCall(fmt.Sprintf("id-%d", i), name, args)
		}
		opts := Options{
			Parallel:       rapid.Bool().Draw(t, "parallel"),
			MaxConcurrency: rapid.IntRange(1, 6).Draw(t, "max"),
			StopOnError:    rapid.Bool().Draw(t, "stop"),
		}

		results := exec.Execute(context.Background(), calls, reg, opts)
		assert.Len(t, results, n)
		for i, r := range results {
			assert.Equal(t, calls[i].ID, r.CallID)
			assert.Equal(t, calls[i].ID, r.Entry.CallID)
		}
	})
}
