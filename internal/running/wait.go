package running

import (
	"context"
	"fmt"
	"time"

	"github.com/rand/mech/internal/observability"
)

// WaitStatus is the outcome of Wait.
type WaitStatus string

const (
	WaitCompleted  WaitStatus = "completed"
	WaitFailed     WaitStatus = "failed"
	WaitTerminated WaitStatus = "terminated"
	WaitAborted    WaitStatus = "aborted"
	WaitTimedOut   WaitStatus = "timed_out"
	WaitNotFound   WaitStatus = "not_found"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultHeartbeat    = 30 * time.Second
	DefaultWaitTimeout  = 5 * time.Minute

	// MaxWaitTimeout caps a single wait_for_running_tool call.
	MaxWaitTimeout = 30 * time.Minute

	// waitToolGrace is added to MaxWaitTimeout for the wait tool's own
	// executor timeout, so a wait always reports its own result.
	waitToolGrace = 10 * time.Second
)

// WaitOptions tune Wait. Zero values use the defaults.
type WaitOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
	Heartbeat    time.Duration
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultWaitTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	return o
}

// WaitResult summarizes a wait.
type WaitResult struct {
	ID     string
	Name   string
	Status WaitStatus
	Output string
	Error  string
	Waited time.Duration
}

// String renders the result as the text returned to a model.
func (r WaitResult) String() string {
	switch r.Status {
	case WaitNotFound:
		return fmt.Sprintf("No running tool with id %s.", r.ID)
	case WaitCompleted:
		s := fmt.Sprintf("Tool %s (%s) completed.", r.Name, r.ID)
		if r.Output != "" {
			s += "\nOutput:\n" + r.Output
		}
		return s
	case WaitFailed:
		return fmt.Sprintf("Tool %s (%s) failed: %s", r.Name, r.ID, r.Error)
	case WaitTerminated:
		return fmt.Sprintf("Tool %s (%s) was terminated.", r.Name, r.ID)
	case WaitAborted:
		return fmt.Sprintf("Stopped waiting for %s (%s): wait aborted. The tool may still be running.", r.Name, r.ID)
	case WaitTimedOut:
		return fmt.Sprintf("Tool %s (%s) still running after waiting %s. It has not been stopped.", r.Name, r.ID, roundDuration(r.Waited))
	default:
		return fmt.Sprintf("Tool %s (%s): %s", r.Name, r.ID, r.Status)
	}
}

// Wait blocks until the tool leaves the running state, ctx ends, or the
// timeout elapses. Status is checked every PollInterval; a heartbeat
// notification is sent every Heartbeat; exactly one "wait complete"
// notification is sent when Wait returns. An unknown id returns
// immediately with WaitNotFound.
func (t *Tracker) Wait(ctx context.Context, id string, opts WaitOptions) (res WaitResult) {
	opts = opts.withDefaults()
	start := time.Now()

	t.mu.Lock()
	e, ok := t.tools[id]
	t.mu.Unlock()

	res = WaitResult{ID: id}
	defer func() {
		res.Waited = time.Since(start)
		t.notifyWait(res)
	}()

	if !ok {
		res.Status = WaitNotFound
		return res
	}

	timeout := time.NewTimer(opts.Timeout)
	defer timeout.Stop()
	poll := time.NewTicker(opts.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		if info, done := t.snapshot(e); done {
			res.fill(info)
			return res
		}

		select {
		case <-ctx.Done():
			res.Name = t.nameOf(e)
			res.Status = WaitAborted
			return res
		case <-timeout.C:
			res.Name = t.nameOf(e)
			res.Status = WaitTimedOut
			return res
		case <-heartbeat.C:
			observability.Emit(ctx, t.sink, t.logger, observability.Message{
				Type:    observability.TypeToolStatus,
				Content: fmt.Sprintf("Still waiting for %s (%s), %s elapsed", t.nameOf(e), id, roundDuration(time.Since(start))),
				Fields:  map[string]any{"id": id, "status": "waiting"},
			})
		case <-poll.C:
		case <-e.done:
		}
	}
}

func (t *Tracker) snapshot(e *entry) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.info, e.info.Status != StatusRunning
}

func (t *Tracker) nameOf(e *entry) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.info.Name
}

func (r *WaitResult) fill(info Info) {
	r.Name = info.Name
	r.Output = info.Output
	r.Error = info.Error
	switch info.Status {
	case StatusCompleted:
		r.Status = WaitCompleted
	case StatusFailed:
		r.Status = WaitFailed
	case StatusTerminated:
		r.Status = WaitTerminated
	}
}

func (t *Tracker) notifyWait(res WaitResult) {
	observability.Emit(context.Background(), t.sink, t.logger, observability.Message{
		Type:    observability.TypeToolStatus,
		Content: "Wait complete: " + t.truncate(res.String()),
		Fields: map[string]any{
			"id":        res.ID,
			"status":    "wait_complete",
			"result":    string(res.Status),
			"waited_ms": res.Waited.Milliseconds(),
		},
	})
}
