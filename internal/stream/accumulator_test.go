package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/mech/internal/conversation"
)

func TestAccumulateText(t *testing.T) {
	conv := conversation.New(conversation.User("hi"))

	s := FromSlice(
		MessageStart{Stamp: Now(), MessageID: "m1"},
		MessageDelta{Stamp: Now(), MessageID: "m1", Delta: "Hel"},
		MessageDelta{Stamp: Now(), MessageID: "m1", Delta: "lo"},
		StreamEnd{Stamp: Now(), FinishReason: "stop", Usage: &Usage{InputTokens: 10, OutputTokens: 2}},
	)

	res, err := Accumulate(context.Background(), s, conv, WithModel("gpt-4o"))
	require.NoError(t, err)

	assert.Equal(t, "Hello", res.Text())
	assert.Empty(t, res.ToolCalls)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, Usage{Model: "gpt-4o", InputTokens: 10, OutputTokens: 2}, res.Usage)

	assert.Equal(t, 1, conv.Len(), "input conversation must not change")
	assert.Equal(t, 2, res.Conversation.Len())
}

func TestAccumulateCompleteIsAuthoritative(t *testing.T) {
	s := FromSlice(
		MessageDelta{Stamp: Now(), MessageID: "m1", Delta: "partial"},
		MessageComplete{Stamp: Now(), MessageID: "m1", Content: "full text"},
		MessageComplete{Stamp: Now(), MessageID: "m2", Content: "second"},
		StreamEnd{Stamp: Now()},
	)

	res, err := Accumulate(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, "full text", res.Text())
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "duplicate message_complete")
	assert.Len(t, res.Conversation.MessagesByRole(conversation.RoleAssistant), 1)
}

func TestAccumulateEmptyCompleteKeepsStreamedText(t *testing.T) {
	tests := []struct {
		name     string
		complete MessageComplete
		want     string
	}{
		{name: "same id", complete: MessageComplete{MessageID: "m1"}, want: "hello world"},
		{name: "missing id", complete: MessageComplete{}, want: "hello world"},
		{name: "other id", complete: MessageComplete{MessageID: "m9"}, want: "hello world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.complete.Stamp = Now()
			s := FromSlice(
				MessageDelta{Stamp: Now(), MessageID: "m1", Delta: "hello "},
				MessageDelta{Stamp: Now(), MessageID: "m1", Delta: "world"},
				tt.complete,
				StreamEnd{Stamp: Now()},
			)

			res, err := Accumulate(context.Background(), s, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Text())
			assert.Empty(t, res.Errors)
		})
	}
}

func TestAccumulateBuffersToolDeltas(t *testing.T) {
	s := FromSlice(
		ToolStart{Stamp: Now(), CallID: "c1", Name: "add"},
		ToolStart{Stamp: Now(), CallID: "c2", Name: "echo"},
		ToolDelta{Stamp: Now(), CallID: "c1", Delta: `{"a":2,`},
		ToolDelta{Stamp: Now(), CallID: "c2", Delta: `{"s":"x"}`},
		ToolDelta{Stamp: Now(), CallID: "c1", Delta: `"b":3}`},
		ToolDone{Stamp: Now(), CallID: "c2"},
		ToolDone{Stamp: Now(), CallID: "c1"},
		StreamEnd{Stamp: Now(), FinishReason: "tool_calls"},
	)

	res, err := Accumulate(context.Background(), s, conversation.New())
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, conversation.NewToolCall("c1", "add", `{"a":2,"b":3}`), res.ToolCalls[0])
	assert.Equal(t, conversation.NewToolCall("c2", "echo", `{"s":"x"}`), res.ToolCalls[1])

	// Tool-only turns do not get an empty assistant message.
	assert.Nil(t, res.Message)
	assert.Len(t, res.Conversation.ToolCalls(), 2)
	assert.False(t, res.Conversation.Resolved())
}

func TestAccumulateIncompleteToolCallIsDropped(t *testing.T) {
	s := FromSlice(
		ToolStart{Stamp: Now(), CallID: "c1", Name: "add"},
		ToolDelta{Stamp: Now(), CallID: "c1", Delta: `{"a":`},
		ToolDelta{Stamp: Now(), CallID: "ghost", Delta: `x`},
		StreamEnd{Stamp: Now()},
	)

	res, err := Accumulate(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Empty(t, res.ToolCalls)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "unknown call ghost")
	assert.Contains(t, res.Errors[1], "never completed")

	// Empty rounds still yield one assistant turn.
	require.NotNil(t, res.Message)
	assert.Equal(t, "", res.Message.Content)
}

func TestAccumulateWholeToolCallInDone(t *testing.T) {
	s := FromSlice(
		ToolDone{Stamp: Now(), CallID: "c1", Name: "add", Arguments: `{"a":1,"b":1}`},
		StreamEnd{Stamp: Now()},
	)
	res, err := Accumulate(context.Background(), s, nil)
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, `{"a":1,"b":1}`, res.ToolCalls[0].Function.Arguments)
}

func TestAccumulateThinking(t *testing.T) {
	s := FromSlice(
		ThinkingDelta{Stamp: Now(), Delta: "step 1. "},
		ThinkingDelta{Stamp: Now(), Delta: "step 2."},
		ThinkingComplete{Stamp: Now(), Signature: "sig"},
		MessageDelta{Stamp: Now(), MessageID: "m", Delta: "answer"},
		StreamEnd{Stamp: Now()},
	)
	res, err := Accumulate(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Equal(t, "step 1. step 2.", res.Thinking)

	first, ok := res.Conversation.At(0)
	require.True(t, ok)
	th, ok := first.(conversation.Thinking)
	require.True(t, ok)
	assert.Equal(t, "sig", th.Signature)
}

func TestAccumulateErrorEventsAreNonFatal(t *testing.T) {
	var seen []Kind
	s := FromSlice(
		MessageDelta{Stamp: Now(), MessageID: "m", Delta: "ok"},
		Error{Stamp: Now(), Message: "rate limited", Code: "429"},
		StreamEnd{Stamp: Now()},
		MessageDelta{Stamp: Now(), MessageID: "m", Delta: "late"},
	)
	res, err := Accumulate(context.Background(), s, nil, WithObserver(func(e Event) { seen = append(seen, e.Kind()) }))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text())
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "rate limited")
	assert.Contains(t, res.Errors[1], "after stream_end")
	assert.Equal(t, []Kind{KindMessageDelta, KindError, KindStreamEnd, KindMessageDelta}, seen)
}

func TestAccumulateMissingStreamEnd(t *testing.T) {
	res, err := Accumulate(context.Background(), FromSlice(MessageDelta{Stamp: Now(), Delta: "x"}), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"stream closed without stream_end"}, res.Errors)
}

func TestAccumulateTransportFailure(t *testing.T) {
	boom := errors.New("connection reset")
	conv := conversation.New(conversation.User("hi"))

	res, err := Accumulate(context.Background(), Failing(boom, MessageDelta{Stamp: Now(), Delta: "par"}), conv)
	require.ErrorIs(t, err, boom)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Conversation.Len())
}

func TestAccumulateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Accumulate(ctx, FromSlice(MessageDelta{Stamp: Now(), Delta: "x"}), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 1}.Add(Usage{Model: "m", InputTokens: 2, OutputTokens: 3, CachedTokens: 1})
	assert.Equal(t, Usage{Model: "m", InputTokens: 3, OutputTokens: 3, CachedTokens: 1}, u)
	assert.True(t, Usage{}.IsZero())
}
