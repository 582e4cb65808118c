// Package stream defines the provider-neutral streaming event union and the
// accumulator that folds one response stream into conversation entries.
package stream

import (
	"iter"
	"time"
)

// Kind names an Event variant.
type Kind string

const (
	KindMessageStart     Kind = "message_start"
	KindMessageDelta     Kind = "message_delta"
	KindMessageComplete  Kind = "message_complete"
	KindToolStart        Kind = "tool_start"
	KindToolDelta        Kind = "tool_delta"
	KindToolDone         Kind = "tool_done"
	KindThinkingDelta    Kind = "thinking_delta"
	KindThinkingComplete Kind = "thinking_complete"
	KindError            Kind = "error"
	KindStreamEnd        Kind = "stream_end"
	KindCostUpdate       Kind = "cost_update"
	KindMetadata         Kind = "metadata"
)

// Event is one element of a provider response stream. Each variant carries
// only the fields meaningful for its kind.
type Event interface {
	Kind() Kind
	Time() time.Time
}

// Stream is an ordered provider response. A non-nil error ends the stream
// with a transport failure; Error events are in-band and non-fatal.
type Stream = iter.Seq2[Event, error]

// Stamp is embedded by every variant to carry the emission time.
type Stamp struct {
	At time.Time `json:"timestamp"`
}

func (s Stamp) Time() time.Time { return s.At }

// Now returns a Stamp for the current instant.
func Now() Stamp { return Stamp{At: time.Now()} }

// Usage reports token consumption for one provider response.
type Usage struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CachedTokens int64  `json:"cached_tokens"`
	ImageCount   int    `json:"image_count,omitempty"`
}

// Add returns the field-wise sum of u and o. The model of u wins when set.
func (u Usage) Add(o Usage) Usage {
	if u.Model == "" {
		u.Model = o.Model
	}
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CachedTokens += o.CachedTokens
	u.ImageCount += o.ImageCount
	return u
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CachedTokens == 0 && u.ImageCount == 0
}

type MessageStart struct {
	Stamp
	MessageID string `json:"message_id"`
}

type MessageDelta struct {
	Stamp
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

// MessageComplete closes a message. A non-empty Content is the
// authoritative full text for MessageID.
type MessageComplete struct {
	Stamp
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// ToolStart opens a tool call. Some providers deliver complete Arguments
// here; others stream them through ToolDelta.
type ToolStart struct {
	Stamp
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

type ToolDelta struct {
	Stamp
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`
}

// ToolDone finalizes a tool call. Non-empty Arguments replace whatever was
// buffered from deltas.
type ToolDone struct {
	Stamp
	CallID    string `json:"call_id"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ThinkingDelta struct {
	Stamp
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta"`
}

type ThinkingComplete struct {
	Stamp
	ID        string `json:"id,omitempty"`
	Content   string `json:"content"`
	Signature string `json:"signature,omitempty"`
}

// Error is an in-band provider error. It never aborts accumulation.
type Error struct {
	Stamp
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type StreamEnd struct {
	Stamp
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

type CostUpdate struct {
	Stamp
	Usage Usage `json:"usage"`
}

type Metadata struct {
	Stamp
	Data map[string]any `json:"data"`
}

func (MessageStart) Kind() Kind     { return KindMessageStart }
func (MessageDelta) Kind() Kind     { return KindMessageDelta }
func (MessageComplete) Kind() Kind  { return KindMessageComplete }
func (ToolStart) Kind() Kind        { return KindToolStart }
func (ToolDelta) Kind() Kind        { return KindToolDelta }
func (ToolDone) Kind() Kind         { return KindToolDone }
func (ThinkingDelta) Kind() Kind    { return KindThinkingDelta }
func (ThinkingComplete) Kind() Kind { return KindThinkingComplete }
func (Error) Kind() Kind            { return KindError }
func (StreamEnd) Kind() Kind        { return KindStreamEnd }
func (CostUpdate) Kind() Kind       { return KindCostUpdate }
func (Metadata) Kind() Kind         { return KindMetadata }

// FromSlice turns a fixed list of events into a Stream. Useful for
// scripted providers.
func FromSlice(events ...Event) Stream {
	return func(yield func(Event, error) bool) {
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Failing returns a Stream that yields events and then err.
func Failing(err error, events ...Event) Stream {
	return func(yield func(Event, error) bool) {
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
		yield(nil, err)
	}
}
