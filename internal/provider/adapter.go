package provider

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/stream"
)

// LegacyStream is a stream of raw legacy event objects.
type LegacyStream = iter.Seq2[[]byte, error]

// LegacyBackend is a provider speaking the flat legacy shapes: messages as
// {"role","text","created_at"} objects and events as one object type with
// every field optional.
type LegacyBackend interface {
	StreamLegacy(ctx context.Context, model string, messages [][]byte, params Params) (LegacyStream, error)
}

// Adapter exposes a LegacyBackend as a Provider. It only maps fields; the
// pipeline never sees a legacy shape.
type Adapter struct {
	name    string
	backend LegacyBackend
}

// NewAdapter wraps backend under the given provider name.
func NewAdapter(name string, backend LegacyBackend) *Adapter {
	return &Adapter{name: name, backend: backend}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) SupportsModel(model string) bool {
	if s, ok := a.backend.(ModelSupporter); ok {
		return s.SupportsModel(model)
	}
	return false
}

func (a *Adapter) Stream(ctx context.Context, model string, history []conversation.Entry, params Params) (stream.Stream, error) {
	messages := make([][]byte, 0, len(history))
	for _, e := range history {
		raw, err := EncodeLegacyEntry(e)
		if err != nil {
			return nil, err
		}
		messages = append(messages, raw)
	}

	legacy, err := a.backend.StreamLegacy(ctx, model, messages, params)
	if err != nil {
		return nil, err
	}

	return func(yield func(stream.Event, error) bool) {
		for raw, err := range legacy {
			if err != nil {
				yield(nil, err)
				return
			}
			events, err := DecodeLegacyEvent(raw)
			if err != nil {
				events = []stream.Event{stream.Error{Stamp: stream.Now(), Message: err.Error(), Code: "legacy_decode"}}
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}, nil
}

// legacyTime reads a timestamp stored either as Unix milliseconds or as
// an RFC 3339 string.
func legacyTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int())
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.String()); err == nil {
			return t
		}
	}
	return time.Time{}
}

// DecodeLegacyEntry maps one legacy history object to an entry. Role,
// content and timestamp are carried over unchanged.
func DecodeLegacyEntry(raw []byte) (conversation.Entry, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("legacy entry is not valid JSON")
	}
	obj := gjson.ParseBytes(raw)

	switch obj.Get("type").String() {
	case "", "message":
		role := conversation.Role(obj.Get("role").String())
		if !role.Valid() {
			return nil, fmt.Errorf("legacy message has unknown role %q", role)
		}
		content := obj.Get("text")
		if !content.Exists() {
			content = obj.Get("content")
		}
		return conversation.Message{
			Role:      role,
			Content:   content.String(),
			Name:      obj.Get("name").String(),
			Timestamp: legacyTime(obj.Get("created_at")),
		}, nil
	case "function_call":
		return conversation.FunctionCall{
			CallID:    obj.Get("call_id").String(),
			Name:      obj.Get("name").String(),
			Arguments: obj.Get("arguments").String(),
			Status:    conversation.CallStatus(obj.Get("status").String()),
		}, nil
	case "function_call_output":
		return conversation.FunctionCallOutput{
			CallID: obj.Get("call_id").String(),
			Name:   obj.Get("name").String(),
			Output: obj.Get("output").String(),
		}, nil
	case "thinking":
		return conversation.Thinking{
			Content:   obj.Get("thinking").String(),
			Signature: obj.Get("signature").String(),
			ID:        obj.Get("thinking_id").String(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown legacy entry type %q", obj.Get("type").String())
	}
}

// EncodeLegacyEntry is the inverse of DecodeLegacyEntry.
func EncodeLegacyEntry(e conversation.Entry) ([]byte, error) {
	var (
		out = []byte(`{}`)
		err error
	)
	set := func(path string, v any) {
		if err == nil {
			out, err = sjson.SetBytes(out, path, v)
		}
	}

	switch x := e.(type) {
	case conversation.Message:
		set("type", "message")
		set("role", string(x.Role))
		set("text", x.Content)
		if x.Name != "" {
			set("name", x.Name)
		}
		if !x.Timestamp.IsZero() {
			set("created_at", x.Timestamp.Format(time.RFC3339Nano))
		}
	case conversation.FunctionCall:
		set("type", "function_call")
		set("call_id", x.CallID)
		set("name", x.Name)
		set("arguments", x.Arguments)
		if x.Status != "" {
			set("status", string(x.Status))
		}
	case conversation.FunctionCallOutput:
		set("type", "function_call_output")
		set("call_id", x.CallID)
		set("name", x.Name)
		set("output", x.Output)
	case conversation.Thinking:
		set("type", "thinking")
		set("thinking", x.Content)
		if x.Signature != "" {
			set("signature", x.Signature)
		}
		if x.ID != "" {
			set("thinking_id", x.ID)
		}
	default:
		return nil, fmt.Errorf("cannot encode entry type %q", e.Type())
	}
	return out, err
}

// DecodeLegacyEvent maps one flat legacy event to zero or more typed
// events. Legacy tool events may carry several calls at once.
func DecodeLegacyEvent(raw []byte) ([]stream.Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("legacy event is not valid JSON")
	}
	obj := gjson.ParseBytes(raw)

	stamp := stream.Stamp{At: legacyTime(obj.Get("timestamp"))}
	if stamp.At.IsZero() {
		stamp = stream.Now()
	}
	msgID := obj.Get("message_id").String()

	toolEvents := func(kind stream.Kind) []stream.Event {
		var evs []stream.Event
		obj.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			id := call.Get("id").String()
			name := call.Get("function.name").String()
			args := call.Get("function.arguments").String()
			switch kind {
			case stream.KindToolStart:
				evs = append(evs, stream.ToolStart{Stamp: stamp, CallID: id, Name: name, Arguments: args})
			case stream.KindToolDelta:
				evs = append(evs, stream.ToolDelta{Stamp: stamp, CallID: id, Delta: args})
			default:
				evs = append(evs, stream.ToolDone{Stamp: stamp, CallID: id, Name: name, Arguments: args})
			}
			return true
		})
		return evs
	}

	switch typ := obj.Get("type").String(); typ {
	case "message_start":
		return []stream.Event{stream.MessageStart{Stamp: stamp, MessageID: msgID}}, nil
	case "message_delta":
		return []stream.Event{stream.MessageDelta{Stamp: stamp, MessageID: msgID, Delta: obj.Get("content").String()}}, nil
	case "message_complete":
		return []stream.Event{stream.MessageComplete{Stamp: stamp, MessageID: msgID, Content: obj.Get("content").String()}}, nil
	case "tool_start", "tool_call_start":
		return toolEvents(stream.KindToolStart), nil
	case "tool_delta", "tool_call_delta":
		return toolEvents(stream.KindToolDelta), nil
	case "tool_done", "tool_call_done", "tool_call_complete":
		return toolEvents(stream.KindToolDone), nil
	case "thinking_delta":
		return []stream.Event{stream.ThinkingDelta{Stamp: stamp, ID: obj.Get("thinking_id").String(), Delta: obj.Get("content").String()}}, nil
	case "thinking_complete":
		return []stream.Event{stream.ThinkingComplete{
			Stamp:     stamp,
			ID:        obj.Get("thinking_id").String(),
			Content:   obj.Get("content").String(),
			Signature: obj.Get("signature").String(),
		}}, nil
	case "error":
		msg := obj.Get("error").String()
		if msg == "" {
			msg = obj.Get("content").String()
		}
		return []stream.Event{stream.Error{Stamp: stamp, Message: msg, Code: obj.Get("code").String()}}, nil
	case "stream_end":
		end := stream.StreamEnd{Stamp: stamp, FinishReason: obj.Get("finish_reason").String()}
		if u := obj.Get("usage"); u.Exists() {
			usage := legacyUsage(u)
			end.Usage = &usage
		}
		return []stream.Event{end}, nil
	case "cost_update":
		return []stream.Event{stream.CostUpdate{Stamp: stamp, Usage: legacyUsage(obj.Get("usage"))}}, nil
	case "":
		return nil, fmt.Errorf("legacy event has no type")
	default:
		data, _ := obj.Value().(map[string]any)
		return []stream.Event{stream.Metadata{Stamp: stamp, Data: data}}, nil
	}
}

func legacyUsage(u gjson.Result) stream.Usage {
	return stream.Usage{
		Model:        u.Get("model").String(),
		InputTokens:  u.Get("input_tokens").Int(),
		OutputTokens: u.Get("output_tokens").Int(),
		CachedTokens: u.Get("cached_tokens").Int(),
		ImageCount:   int(u.Get("image_count").Int()),
	}
}
