package observability

import (
	"context"
	"encoding/json"
	"io"
	"maps"
	"os"
	"sync"
)

// LogSink writes each message as one JSON line and keeps a bounded buffer
// of recent messages.
type LogSink struct {
	mu        sync.Mutex
	writer    io.Writer
	fields    map[string]any
	types     map[MessageType]bool
	buffer    []Message
	maxBuffer int
	closed    bool
}

// LogOption configures a LogSink.
type LogOption func(*LogSink)

// WithWriter sets the output writer. A nil writer only buffers.
func WithWriter(w io.Writer) LogOption {
	return func(s *LogSink) {
		s.writer = w
	}
}

// WithDefaultFields adds fields to every message that does not already set
// them.
func WithDefaultFields(fields map[string]any) LogOption {
	return func(s *LogSink) {
		s.fields = fields
	}
}

// WithTypes restricts the sink to the given message types.
func WithTypes(types ...MessageType) LogOption {
	return func(s *LogSink) {
		s.types = make(map[MessageType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
}

// WithBuffer keeps the last size messages for Recent.
func WithBuffer(size int) LogOption {
	return func(s *LogSink) {
		s.maxBuffer = size
		s.buffer = make([]Message, 0, size)
	}
}

// NewLogSink creates a sink writing to stderr by default.
func NewLogSink(opts ...LogOption) *LogSink {
	s := &LogSink{writer: os.Stderr}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LogSink) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if s.types != nil && !s.types[msg.Type] {
		return nil
	}
	msg.Fields = s.mergeFields(msg.Fields)

	if s.buffer != nil {
		s.buffer = append(s.buffer, msg)
		if len(s.buffer) > s.maxBuffer {
			s.buffer = s.buffer[len(s.buffer)-s.maxBuffer/2:]
		}
	}

	if s.writer == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.writer.Write(append(data, '\n'))
	return err
}

func (s *LogSink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the sink. It closes the writer when it is an io.Closer other
// than stdout or stderr.
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.writer.(io.Closer); ok && s.writer != os.Stderr && s.writer != os.Stdout {
		return c.Close()
	}
	return nil
}

// Recent returns up to n buffered messages, oldest first.
func (s *LogSink) Recent(n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buffer == nil {
		return nil
	}
	if n <= 0 || n > len(s.buffer) {
		n = len(s.buffer)
	}
	out := make([]Message, n)
	copy(out, s.buffer[len(s.buffer)-n:])
	return out
}

func (s *LogSink) mergeFields(fields map[string]any) map[string]any {
	if len(s.fields) == 0 {
		return fields
	}
	merged := maps.Clone(s.fields)
	maps.Copy(merged, fields)
	return merged
}
