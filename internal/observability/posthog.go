package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
)

const telemetryAppID = "mech"

// PostHogConfig configures PostHogSink.
type PostHogConfig struct {
	APIKey   string
	Endpoint string

	// Types limits forwarded messages. Empty forwards cost_update,
	// meta_cognition and mech_status only; stream events are never worth
	// the traffic.
	Types []MessageType

	Logger *slog.Logger
}

// PostHogSink forwards messages as PostHog events keyed by a protected
// machine id. Message content is not forwarded, only type, agent and
// fields.
type PostHogSink struct {
	client     posthog.Client
	distinctID string
	types      map[MessageType]bool
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewPostHogSink creates the sink.
func NewPostHogSink(cfg PostHogConfig) (*PostHogSink, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("posthog api key required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := posthog.NewWithConfig(cfg.APIKey, posthog.Config{Endpoint: cfg.Endpoint})
	if err != nil {
		return nil, fmt.Errorf("create posthog client: %w", err)
	}

	id, err := machineid.ProtectedID(telemetryAppID)
	if err != nil {
		cfg.Logger.Debug("machine id unavailable, using anonymous id", "error", err)
		id = "anonymous"
	}

	types := cfg.Types
	if len(types) == 0 {
		types = []MessageType{TypeCostUpdate, TypeMetaCognition, TypeMechStatus}
	}
	s := &PostHogSink{
		client:     client,
		distinctID: id,
		types:      make(map[MessageType]bool, len(types)),
		logger:     cfg.Logger,
	}
	for _, t := range types {
		s.types[t] = true
	}
	return s, nil
}

func (s *PostHogSink) Send(_ context.Context, msg Message) error {
	if s.IsClosed() {
		return ErrSinkClosed
	}
	if !s.types[msg.Type] {
		return nil
	}
	return s.client.Enqueue(posthog.Capture{
		DistinctId: s.distinctID,
		Event:      "mech." + string(msg.Type),
		Timestamp:  msg.Timestamp,
		Properties: eventProperties(msg),
	})
}

func eventProperties(msg Message) posthog.Properties {
	props := posthog.NewProperties()
	if msg.Agent != "" {
		props.Set("agent", msg.Agent)
	}
	for k, v := range msg.Fields {
		props.Set(k, v)
	}
	return props
}

func (s *PostHogSink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close flushes queued events.
func (s *PostHogSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.client.Close()
}
