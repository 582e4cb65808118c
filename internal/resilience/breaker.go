// Package resilience provides per-model circuit breakers. Rotation skips
// models whose breaker is open.
package resilience

import (
	"errors"
	"maps"
	"sync"
	"time"
)

// State is a breaker state.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota

	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen lets one probe call through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrProbeInFlight is returned when a half-open breaker is already
	// probing.
	ErrProbeInFlight = errors.New("circuit breaker half-open: probe in progress")
)

// Config configures a breaker.
type Config struct {
	// FailureThreshold consecutive failures open the breaker. Default 5.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout before an open breaker lets a probe through.
	// Default 30s.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// SuccessThreshold consecutive probe successes close the breaker.
	// Default 1.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`

	// OnStateChange runs after a transition, outside the breaker's lock.
	OnStateChange func(name string, from, to State) `yaml:"-" json:"-"`

	// Now is the clock; tests replace it.
	Now func() time.Time `yaml:"-" json:"-"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type transition struct{ from, to State }

// Breaker is one circuit breaker.
type Breaker struct {
	name   string
	config Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	probeInFlight bool

	calls, rejections, totalFailures int64
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, config Config) *Breaker {
	return &Breaker{name: name, config: config.withDefaults()}
}

// State returns the current state, moving open to half-open once the
// recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	t := b.refresh()
	s := b.state
	b.mu.Unlock()
	b.notify(t)
	return s
}

// Available reports whether a call would be admitted, without reserving
// the half-open probe slot.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	t := b.refresh()
	ok := b.state == StateClosed || (b.state == StateHalfOpen && !b.probeInFlight)
	b.mu.Unlock()
	b.notify(t)
	return ok
}

// Allow admits a call or returns ErrCircuitOpen / ErrProbeInFlight. An
// admitted call must be followed by Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	t := b.refresh()
	var err error
	switch b.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.probeInFlight {
			err = ErrProbeInFlight
		} else {
			b.probeInFlight = true
		}
	}
	if err != nil {
		b.rejections++
	} else {
		b.calls++
	}
	b.mu.Unlock()
	b.notify(t)
	return err
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	var t *transition
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			t = b.transitionTo(StateClosed)
		}
	}
	b.mu.Unlock()
	b.notify(t)
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.totalFailures++
	b.lastFailure = b.config.Now()
	var t *transition
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			t = b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		t = b.transitionTo(StateOpen)
	}
	b.mu.Unlock()
	b.notify(t)
}

// Record calls Success for a nil err and Failure otherwise.
func (b *Breaker) Record(err error) {
	if err != nil {
		b.Failure()
		return
	}
	b.Success()
}

// Do runs fn if admitted and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.transitionTo(StateClosed)
	b.probeInFlight = false
	b.mu.Unlock()
	b.notify(t)
}

// Stats is a breaker snapshot.
type Stats struct {
	State      State
	Failures   int
	Calls      int64
	Rejections int64
	Total      int64
}

// Stats returns a snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:      b.state,
		Failures:   b.failures,
		Calls:      b.calls,
		Rejections: b.rejections,
		Total:      b.totalFailures,
	}
}

// refresh must be called with the lock held.
func (b *Breaker) refresh() *transition {
	if b.state == StateOpen && b.config.Now().Sub(b.lastFailure) >= b.config.RecoveryTimeout {
		return b.transitionTo(StateHalfOpen)
	}
	return nil
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(s State) *transition {
	if b.state == s {
		return nil
	}
	t := &transition{from: b.state, to: s}
	b.state = s
	b.failures = 0
	b.successes = 0
	return t
}

func (b *Breaker) notify(t *transition) {
	if t != nil && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, t.from, t.to)
	}
}

// Set holds one breaker per model, created on first use.
type Set struct {
	config Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates an empty set sharing config.
func NewSet(config Config) *Set {
	return &Set{config: config, breakers: make(map[string]*Breaker)}
}

// Get returns the model's breaker, creating it if needed.
func (s *Set) Get(model string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[model]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[model]; ok {
		return b
	}
	b = NewBreaker(model, s.config)
	s.breakers[model] = b
	return b
}

// Available reports whether model's breaker would admit a call. A nil set
// admits everything.
func (s *Set) Available(model string) bool {
	if s == nil {
		return true
	}
	s.mu.RLock()
	b, ok := s.breakers[model]
	s.mu.RUnlock()
	return !ok || b.Available()
}

// Record records a call outcome for model.
func (s *Set) Record(model string, err error) {
	if s == nil {
		return
	}
	s.Get(model).Record(err)
}

// States returns the state of every known breaker.
func (s *Set) States() map[string]State {
	s.mu.RLock()
	breakers := maps.Clone(s.breakers)
	s.mu.RUnlock()

	out := make(map[string]State, len(breakers))
	for name, b := range breakers {
		out[name] = b.State()
	}
	return out
}

// ResetAll closes every breaker.
func (s *Set) ResetAll() {
	s.mu.RLock()
	breakers := maps.Clone(s.breakers)
	s.mu.RUnlock()
	for _, b := range breakers {
		b.Reset()
	}
}
