package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rand/mech/internal/conversation"
)

// Result is the terminal summary of one accumulated stream.
type Result struct {
	// Conversation is a fresh snapshot: the input plus this round's entries.
	Conversation *conversation.Conversation

	// Message is the assistant turn appended this round, if any.
	Message *conversation.Message

	// ToolCalls are the calls whose arguments completed, in start order.
	ToolCalls []conversation.ToolCall

	Thinking     string
	Errors       []string
	Usage        Usage
	FinishReason string
}

// Text returns the assistant text of the round.
func (r *Result) Text() string {
	if r == nil || r.Message == nil {
		return ""
	}
	return r.Message.Content
}

// Option configures Accumulate.
type Option func(*accumulator)

// WithObserver registers fn to see every event as it is consumed.
func WithObserver(fn func(Event)) Option {
	return func(a *accumulator) { a.observe = fn }
}

// WithModel stamps usage with the model that produced the stream.
func WithModel(model string) Option {
	return func(a *accumulator) { a.usage.Model = model }
}

type pendingCall struct {
	id       string
	name     string
	args     strings.Builder
	finished bool
	final    string
}

type accumulator struct {
	observe func(Event)

	textOrder []string
	text      map[string]*strings.Builder
	hasFinal  bool
	final     string

	thinking     strings.Builder
	thinkingDone bool
	thinkingSig  string
	thinkingID   string

	callOrder []string
	calls     map[string]*pendingCall

	ended  bool
	finish string
	usage  Usage
	errors []string
}

// Accumulate consumes s and folds it into a copy of conv. The input
// conversation is never modified.
//
// Mid-stream Error events and malformed fragments are collected in
// Result.Errors. A transport failure (an error yielded by the stream, or
// ctx ending) is returned as err together with a Result whose Conversation
// is the untouched copy of conv.
func Accumulate(ctx context.Context, s Stream, conv *conversation.Conversation, opts ...Option) (*Result, error) {
	a := &accumulator{
		text:  make(map[string]*strings.Builder),
		calls: make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(a)
	}

	base := conversation.New()
	if conv != nil {
		base = conv.Clone()
	}

	for ev, err := range s {
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return &Result{Conversation: base, Errors: a.errors, Usage: a.usage}, fmt.Errorf("stream: %w", err)
		}
		if ev == nil {
			continue
		}
		if a.observe != nil {
			a.observe(ev)
		}
		a.handle(ev)
	}
	if err := ctx.Err(); err != nil {
		return &Result{Conversation: base, Errors: a.errors, Usage: a.usage}, fmt.Errorf("stream: %w", err)
	}

	return a.finalize(base), nil
}

func (a *accumulator) errorf(format string, args ...any) {
	a.errors = append(a.errors, fmt.Sprintf(format, args...))
}

func (a *accumulator) handle(ev Event) {
	if a.ended {
		a.errorf("%s event after stream_end ignored", ev.Kind())
		return
	}

	switch e := ev.(type) {
	case MessageStart:
		a.buffer(e.MessageID)
	case MessageDelta:
		a.buffer(e.MessageID).WriteString(e.Delta)
	case MessageComplete:
		if a.hasFinal {
			a.errorf("duplicate message_complete for %q ignored", e.MessageID)
			return
		}
		a.hasFinal = true
		switch b, ok := a.text[e.MessageID]; {
		case e.Content != "":
			a.final = e.Content
		case ok && b.Len() > 0:
			a.final = b.String()
		default:
			// An id that matches no deltas, such as a legacy event without
			// message_id, completes everything streamed so far.
			a.final = a.allText()
		}

	case ToolStart:
		if e.CallID == "" {
			a.errorf("tool_start for %q without call id", e.Name)
			return
		}
		if _, ok := a.calls[e.CallID]; ok {
			a.errorf("duplicate tool_start for call %s ignored", e.CallID)
			return
		}
		pc := &pendingCall{id: e.CallID, name: e.Name}
		pc.args.WriteString(e.Arguments)
		a.calls[e.CallID] = pc
		a.callOrder = append(a.callOrder, e.CallID)
	case ToolDelta:
		pc, ok := a.calls[e.CallID]
		if !ok {
			a.errorf("tool_delta for unknown call %s", e.CallID)
			return
		}
		if pc.finished {
			a.errorf("tool_delta for finished call %s ignored", e.CallID)
			return
		}
		pc.args.WriteString(e.Delta)
	case ToolDone:
		pc, ok := a.calls[e.CallID]
		if !ok {
			// Providers that deliver whole calls may skip tool_start.
			pc = &pendingCall{id: e.CallID, name: e.Name}
			a.calls[e.CallID] = pc
			a.callOrder = append(a.callOrder, e.CallID)
		}
		if e.Name != "" {
			pc.name = e.Name
		}
		pc.finished = true
		pc.final = pc.args.String()
		if e.Arguments != "" {
			pc.final = e.Arguments
		}

	case ThinkingDelta:
		if a.thinkingID == "" {
			a.thinkingID = e.ID
		}
		if !a.thinkingDone {
			a.thinking.WriteString(e.Delta)
		}
	case ThinkingComplete:
		a.thinkingDone = true
		if e.Content != "" {
			a.thinking.Reset()
			a.thinking.WriteString(e.Content)
		}
		a.thinkingSig = e.Signature
		if e.ID != "" {
			a.thinkingID = e.ID
		}

	case Error:
		if e.Code != "" {
			a.errorf("provider error (%s): %s", e.Code, e.Message)
		} else {
			a.errorf("provider error: %s", e.Message)
		}
	case StreamEnd:
		a.ended = true
		a.finish = e.FinishReason
		if e.Usage != nil {
			a.usage = a.usage.Add(*e.Usage)
		}
	case CostUpdate:
		a.usage = a.usage.Add(e.Usage)
	case Metadata:
	default:
		a.errorf("unknown event kind %q", ev.Kind())
	}
}

func (a *accumulator) buffer(id string) *strings.Builder {
	b, ok := a.text[id]
	if !ok {
		b = &strings.Builder{}
		a.text[id] = b
		a.textOrder = append(a.textOrder, id)
	}
	return b
}

func (a *accumulator) allText() string {
	var sb strings.Builder
	for _, id := range a.textOrder {
		sb.WriteString(a.text[id].String())
	}
	return sb.String()
}

func (a *accumulator) finalize(conv *conversation.Conversation) *Result {
	if !a.ended {
		a.errorf("stream closed without stream_end")
	}

	res := &Result{
		Conversation: conv,
		FinishReason: a.finish,
		Usage:        a.usage,
	}

	if a.thinking.Len() > 0 {
		res.Thinking = a.thinking.String()
		conv.Push(conversation.Thinking{Content: res.Thinking, Signature: a.thinkingSig, ID: a.thinkingID})
	}

	for _, id := range a.callOrder {
		pc := a.calls[id]
		if !pc.finished {
			a.errorf("tool call %s (%s) never completed; dropped", pc.id, pc.name)
			continue
		}
		res.ToolCalls = append(res.ToolCalls, conversation.NewToolCall(pc.id, pc.name, pc.final))
	}

	text := a.final
	if !a.hasFinal {
		text = a.allText()
	}
	if text != "" || len(res.ToolCalls) == 0 {
		msg := conversation.Message{Role: conversation.RoleAssistant, Content: text, Timestamp: time.Now()}
		conv.Push(msg)
		res.Message = &msg
	}
	for _, tc := range res.ToolCalls {
		conv.Push(tc.Entry())
	}

	res.Errors = a.errors
	return res
}
