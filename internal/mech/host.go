package mech

import (
	"context"
	"slices"
	"sync"

	"github.com/rand/mech/internal/conversation"
	"github.com/rand/mech/internal/observability"
	"github.com/rand/mech/internal/pipeline"
	"github.com/rand/mech/internal/provider"
	"github.com/rand/mech/internal/tools"
)

// Agent is the worker the loop drives each round.
type Agent struct {
	ID           string
	Instructions string
	Tools        *tools.Registry
	Settings     provider.ModelSettings
	Exec         tools.Options
}

// Host is the environment a loop runs in: a message channel and the
// shared conversation.
type Host interface {
	observability.Sink

	// History returns a copy of the conversation.
	History() *conversation.Conversation
	Append(entries ...conversation.Entry)
}

// ProjectLister is implemented by hosts that track active projects.
type ProjectLister interface {
	Projects() []string
}

// MemoryRecaller is implemented by hosts with long-term memory.
type MemoryRecaller interface {
	Recall(ctx context.Context, query string) (string, error)
}

// Requester runs one agent request; *pipeline.Pipeline implements it.
type Requester interface {
	Request(ctx context.Context, model string, conv *conversation.Conversation, params pipeline.Params) *pipeline.Result
}

// Session is an in-memory Host.
type Session struct {
	sink observability.Sink

	mu       sync.Mutex
	conv     *conversation.Conversation
	projects []string
}

var (
	_ Host          = (*Session)(nil)
	_ ProjectLister = (*Session)(nil)
)

// NewSession creates a Session sending messages to sink, which may be nil.
func NewSession(sink observability.Sink, entries ...conversation.Entry) *Session {
	if sink == nil {
		sink = observability.Discard
	}
	return &Session{sink: sink, conv: conversation.New(entries...)}
}

func (s *Session) Send(ctx context.Context, msg observability.Message) error {
	return s.sink.Send(ctx, msg)
}

func (s *Session) IsClosed() bool { return s.sink.IsClosed() }

func (s *Session) History() *conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Clone()
}

func (s *Session) Append(entries ...conversation.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv.Push(entries...)
}

// SetProjects replaces the active project list.
func (s *Session) SetProjects(projects ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = slices.Clone(projects)
}

func (s *Session) Projects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.projects)
}
