package mech

import (
	"context"
	"sync"
	"time"
)

// Interrupt is a one-shot signal that ends a single thought delay early.
type Interrupt struct {
	once sync.Once
	ch   chan struct{}
}

// NewInterrupt creates an unfired Interrupt.
func NewInterrupt() *Interrupt {
	return &Interrupt{ch: make(chan struct{})}
}

// Fire signals the interrupt. Later calls are no-ops.
func (i *Interrupt) Fire() {
	i.once.Do(func() { close(i.ch) })
}

// Done is closed once the interrupt fires.
func (i *Interrupt) Done() <-chan struct{} {
	return i.ch
}

// Fired reports whether the interrupt has fired.
func (i *Interrupt) Fired() bool {
	select {
	case <-i.ch:
		return true
	default:
		return false
	}
}

// DelayOutcome describes how a thought delay ended.
type DelayOutcome string

const (
	DelayElapsed     DelayOutcome = "elapsed"
	DelayInterrupted DelayOutcome = "interrupted"
	DelayCancelled   DelayOutcome = "cancelled"
	DelaySkipped     DelayOutcome = "skipped"
)

// Delayer paces MECH rounds by the state's thought delay. Each Wait owns
// its own Interrupt, so an interrupt aimed at one wait can never end a
// later one.
type Delayer struct {
	state *State

	mu      sync.Mutex
	current *Interrupt

	// after is swapped in tests.
	after func(time.Duration) <-chan time.Time
}

// NewDelayer creates a Delayer reading the delay from state.
func NewDelayer(state *State) *Delayer {
	return &Delayer{state: state, after: time.After}
}

// Wait pauses for the current thought delay. The delay is read once on
// entry; changes made during the wait apply to the next one. A nil
// interrupt gets a fresh one that Interrupt can fire.
func (d *Delayer) Wait(ctx context.Context, interrupt *Interrupt) DelayOutcome {
	delay := d.state.ThoughtDelay()
	if delay <= 0 {
		return DelaySkipped
	}
	if interrupt == nil {
		interrupt = NewInterrupt()
	}
	if interrupt.Fired() {
		return DelayInterrupted
	}

	d.mu.Lock()
	d.current = interrupt
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.current == interrupt {
			d.current = nil
		}
		d.mu.Unlock()
	}()

	select {
	case <-d.after(delay):
		return DelayElapsed
	case <-interrupt.Done():
		return DelayInterrupted
	case <-ctx.Done():
		return DelayCancelled
	}
}

// Interrupt ends the wait in progress, if any, and reports whether there
// was one.
func (d *Delayer) Interrupt() bool {
	d.mu.Lock()
	cur := d.current
	d.mu.Unlock()
	if cur == nil {
		return false
	}
	cur.Fire()
	return true
}

// Waiting reports whether a wait is in progress.
func (d *Delayer) Waiting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}
