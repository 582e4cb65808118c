// Package observability provides the message sink the orchestration core
// reports through, plus metrics for requests, tools and rotation.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("sink closed")

// MessageType classifies a sink message.
type MessageType string

const (
	TypeSystem        MessageType = "system"
	TypeStreamEvent   MessageType = "stream_event"
	TypeToolStatus    MessageType = "tool_status"
	TypeMetaCognition MessageType = "meta_cognition"
	TypeCostUpdate    MessageType = "cost_update"
	TypeMechStatus    MessageType = "mech_status"
)

// Message is one fire-and-forget notification.
type Message struct {
	Type      MessageType    `json:"type"`
	Agent     string         `json:"agent,omitempty"`
	Content   string         `json:"content,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage stamps a message with the current time.
func NewMessage(typ MessageType, content string, fields map[string]any) Message {
	return Message{Type: typ, Content: content, Fields: fields, Timestamp: time.Now()}
}

// Sink receives messages. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	IsClosed() bool
}

// Emit sends msg if sink is non-nil. Send failures are logged at debug
// and otherwise ignored.
func Emit(ctx context.Context, sink Sink, logger *slog.Logger, msg Message) {
	if sink == nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := sink.Send(ctx, msg); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Debug("sink send failed", "type", msg.Type, "error", err)
	}
}

// Discard drops every message and is never closed.
var Discard Sink = discard{}

type discard struct{}

func (discard) Send(context.Context, Message) error { return nil }
func (discard) IsClosed() bool                      { return false }

// MemorySink keeps every message in memory.
type MemorySink struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *MemorySink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the sink closed.
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Messages returns a copy of everything received.
func (s *MemorySink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// OfType returns the received messages of one type.
func (s *MemorySink) OfType(typ MessageType) []Message {
	var out []Message
	for _, m := range s.Messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// FanoutSink forwards to several sinks. It reports closed only once every
// target is closed, and Send returns the joined errors of the targets.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink drops nil targets.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	f := &FanoutSink{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *FanoutSink) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range f.sinks {
		if s.IsClosed() {
			continue
		}
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *FanoutSink) IsClosed() bool {
	for _, s := range f.sinks {
		if !s.IsClosed() {
			return false
		}
	}
	return len(f.sinks) > 0
}
