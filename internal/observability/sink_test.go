package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()

	require.NoError(t, s.Send(ctx, NewMessage(TypeSystem, "hello", nil)))
	require.NoError(t, s.Send(ctx, NewMessage(TypeCostUpdate, "", map[string]any{"cost": 0.1})))
	assert.Len(t, s.Messages(), 2)
	assert.Len(t, s.OfType(TypeCostUpdate), 1)

	require.NoError(t, s.Close())
	assert.True(t, s.IsClosed())
	assert.ErrorIs(t, s.Send(ctx, NewMessage(TypeSystem, "late", nil)), ErrSinkClosed)
}

func TestLogSink_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(WithWriter(&buf), WithDefaultFields(map[string]any{"session": "s1"}))

	require.NoError(t, s.Send(context.Background(), NewMessage(TypeToolStatus, "done", map[string]any{"tool": "x"})))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var got Message
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, TypeToolStatus, got.Type)
	assert.Equal(t, "s1", got.Fields["session"])
	assert.Equal(t, "x", got.Fields["tool"])
}

func TestLogSink_TypesAndBuffer(t *testing.T) {
	ctx := context.Background()
	s := NewLogSink(WithWriter(nil), WithTypes(TypeSystem), WithBuffer(4))

	for range 5 {
		require.NoError(t, s.Send(ctx, NewMessage(TypeSystem, "x", nil)))
	}
	require.NoError(t, s.Send(ctx, NewMessage(TypeStreamEvent, "dropped", nil)))

	assert.Len(t, s.Recent(0), 2)
	assert.Len(t, s.Recent(1), 1)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(ctx, NewMessage(TypeSystem, "x", nil)), ErrSinkClosed)
}

type failingSink struct{ closed bool }

func (f *failingSink) Send(context.Context, Message) error { return errors.New("down") }
func (f *failingSink) IsClosed() bool                      { return f.closed }

func TestFanoutSink(t *testing.T) {
	ctx := context.Background()
	a := NewMemorySink()
	b := &failingSink{}
	f := NewFanoutSink(a, nil, b)

	err := f.Send(ctx, NewMessage(TypeSystem, "x", nil))
	assert.ErrorContains(t, err, "down")
	assert.Len(t, a.Messages(), 1)
	assert.False(t, f.IsClosed())

	require.NoError(t, a.Close())
	b.closed = true
	assert.True(t, f.IsClosed())
	assert.NoError(t, f.Send(ctx, NewMessage(TypeSystem, "x", nil)))
}

func TestEmit(t *testing.T) {
	s := NewMemorySink()
	Emit(context.Background(), s, nil, Message{Type: TypeSystem})
	Emit(context.Background(), nil, nil, Message{Type: TypeSystem})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Timestamp.IsZero())

	require.NoError(t, s.Close())
	Emit(context.Background(), s, nil, Message{Type: TypeSystem})
}

func TestEventProperties(t *testing.T) {
	props := eventProperties(Message{Agent: "a1", Fields: map[string]any{"cost": 1.5}})
	assert.Equal(t, "a1", props["agent"])
	assert.Equal(t, 1.5, props["cost"])
}
