// Package running tracks tools that keep working after the call that
// started them has returned, and offers agents tools to wait for,
// terminate and list them.
package running

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"

	"github.com/rand/mech/internal/observability"
)

// ErrDuplicateID is returned by Add for an id that is already running.
var ErrDuplicateID = errors.New("running tool id already in use")

// Status is the lifecycle state of a tracked tool.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Info is a snapshot of a tracked tool.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Agent     string    `json:"agent,omitempty"`
	Args      string    `json:"args,omitempty"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Duration is the run time so far, or the total once ended.
func (i Info) Duration() time.Duration {
	if i.EndedAt.IsZero() {
		return time.Since(i.StartedAt)
	}
	return i.EndedAt.Sub(i.StartedAt)
}

type entry struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures a Tracker.
type Config struct {
	Sink    observability.Sink
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// PreviewWidth bounds the output preview in notifications. Default 200.
	PreviewWidth int
}

// Tracker is the registry of running tools.
//
// Complete and Fail remove the entry once the notification is sent, so
// callers that need the final output must take it from the notification
// or from Wait. Terminate keeps the entry, with status terminated, so a
// stopped tool stays inspectable through Get and List.
type Tracker struct {
	mu    sync.Mutex
	tools map[string]*entry

	sink    observability.Sink
	logger  *slog.Logger
	metrics *observability.Metrics
	preview int
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PreviewWidth <= 0 {
		cfg.PreviewWidth = 200
	}
	return &Tracker{
		tools:   make(map[string]*entry),
		sink:    cfg.Sink,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		preview: cfg.PreviewWidth,
	}
}

// Add registers a running tool and returns the context the tool must run
// under; Terminate cancels it. An empty id is replaced by a new UUID.
func (t *Tracker) Add(ctx context.Context, id, name, agent, args string) (context.Context, string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	t.mu.Lock()
	if e, ok := t.tools[id]; ok && e.info.Status == StatusRunning {
		t.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.tools[id] = &entry{
		info: Info{
			ID:        id,
			Name:      name,
			Agent:     agent,
			Args:      args,
			Status:    StatusRunning,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	n := t.countRunningLocked()
	t.mu.Unlock()

	t.metrics.SetRunningTools(n)
	t.logger.Debug("running tool added", "id", id, "tool", name, "agent", agent)
	return runCtx, id, nil
}

// Complete marks a running tool completed and removes it. It returns
// false if the tool is unknown or no longer running.
func (t *Tracker) Complete(id, output string) bool {
	return t.finish(id, StatusCompleted, output, nil)
}

// Fail marks a running tool failed and removes it.
func (t *Tracker) Fail(id string, err error) bool {
	if err == nil {
		err = errors.New("unknown error")
	}
	return t.finish(id, StatusFailed, "", err)
}

// Terminate stops a running tool. Only running tools can be terminated;
// the entry is kept with status terminated.
func (t *Tracker) Terminate(id string) bool {
	t.mu.Lock()
	e, ok := t.tools[id]
	if !ok || e.info.Status != StatusRunning {
		t.mu.Unlock()
		return false
	}
	e.cancel()
	e.info.Status = StatusTerminated
	e.info.EndedAt = time.Now()
	close(e.done)
	info := e.info
	n := t.countRunningLocked()
	t.mu.Unlock()

	t.metrics.SetRunningTools(n)
	t.notify(info, fmt.Sprintf("Tool %s (%s) was terminated after %s", info.Name, info.ID, roundDuration(info.Duration())))
	return true
}

func (t *Tracker) finish(id string, status Status, output string, err error) bool {
	t.mu.Lock()
	e, ok := t.tools[id]
	if !ok || e.info.Status != StatusRunning {
		t.mu.Unlock()
		return false
	}
	e.info.Status = status
	e.info.EndedAt = time.Now()
	e.info.Output = output
	if err != nil {
		e.info.Error = err.Error()
	}
	e.cancel()
	close(e.done)
	info := e.info
	t.mu.Unlock()

	var msg string
	if status == StatusCompleted {
		msg = fmt.Sprintf("Tool %s (%s) completed in %s", info.Name, info.ID, roundDuration(info.Duration()))
		if output != "" {
			msg += ": " + t.truncate(output)
		}
	} else {
		msg = fmt.Sprintf("Tool %s (%s) failed after %s: %s", info.Name, info.ID, roundDuration(info.Duration()), info.Error)
	}
	t.notify(info, msg)

	t.mu.Lock()
	if t.tools[id] == e {
		delete(t.tools, id)
	}
	n := t.countRunningLocked()
	t.mu.Unlock()
	t.metrics.SetRunningTools(n)
	return true
}

// Get returns a snapshot of a tracked tool.
func (t *Tracker) Get(id string) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tools[id]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// List returns every tracked tool, oldest first.
func (t *Tracker) List() []Info {
	t.mu.Lock()
	out := make([]Info, 0, len(t.tools))
	for _, e := range t.tools {
		out = append(out, e.info)
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Info) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Running returns the tools still running.
func (t *Tracker) Running() []Info {
	return slices.DeleteFunc(t.List(), func(i Info) bool { return i.Status != StatusRunning })
}

// Summary renders the running tools one per line, for prompts.
func (t *Tracker) Summary() string {
	running := t.Running()
	if len(running) == 0 {
		return "No tools are running."
	}
	var b strings.Builder
	for _, i := range running {
		fmt.Fprintf(&b, "- %s (%s) running for %s", i.Name, i.ID, roundDuration(i.Duration()))
		if i.Agent != "" {
			fmt.Fprintf(&b, ", started by %s", i.Agent)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (t *Tracker) countRunningLocked() int {
	n := 0
	for _, e := range t.tools {
		if e.info.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (t *Tracker) notify(info Info, content string) {
	t.logger.Info("running tool finished", "id", info.ID, "tool", info.Name, "status", info.Status)
	observability.Emit(context.Background(), t.sink, t.logger, observability.Message{
		Type:    observability.TypeToolStatus,
		Agent:   info.Agent,
		Content: content,
		Fields: map[string]any{
			"id":          info.ID,
			"tool":        info.Name,
			"status":      string(info.Status),
			"duration_ms": info.Duration().Milliseconds(),
		},
	})
}

func (t *Tracker) truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return ansi.Truncate(s, t.preview, "…")
}

func roundDuration(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(100 * time.Millisecond)
}
