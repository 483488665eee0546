// Package breaker implements a per-path circuit breaker.
//
// Each execution path owns one Breaker. Consecutive backend failures trip it
// open; while open every call fails fast with ErrOpen. After a recovery
// timeout the breaker admits a bounded number of probe calls (half-open) and
// closes again once enough of them succeed.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Call without invoking the function when the
// breaker is open.
var ErrOpen = errors.New("breaker: open")

// State is the breaker's position in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker behavior. Zero fields fall back to defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting
	// probe calls.
	RecoveryTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive probe successes
	// required to close the breaker again.
	HalfOpenSuccesses int

	// HalfOpenMaxCalls bounds concurrent in-flight probes while half-open.
	// Calls beyond the bound fail fast with ErrOpen.
	HalfOpenMaxCalls int

	// ShouldTrip reports whether an error counts as a backend failure.
	// Errors it rejects (caller cancellation, local resource exhaustion)
	// pass through without moving the failure counter. Nil counts all
	// errors.
	ShouldTrip func(error) bool

	// OnTransition, when set, is called synchronously under the breaker
	// lock on every state change.
	OnTransition func(from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 1
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Counts is a snapshot of breaker statistics.
type Counts struct {
	State               State
	ConsecutiveFailures int
	Trips               uint64
	Rejected            uint64
}

// Breaker is a circuit breaker safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time // injectable for tests

	mu             sync.Mutex
	state          State
	failures       int // consecutive failures while closed
	probeSuccesses int // consecutive probe successes while half-open
	probeInFlight  int
	openedAt       time.Time
	trips          uint64
	rejected       uint64
}

// New creates a closed Breaker. name labels log records and transitions.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger.With("breaker", name),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Call runs fn under the breaker. It returns ErrOpen without invoking fn
// when the breaker is open, or when half-open and probe capacity is taken.
// fn's error is returned unchanged; whether it moves the breaker is decided
// by Config.ShouldTrip.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current state, transitioning open to half-open if the
// recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Snapshot returns current counters for metrics.
func (b *Breaker) Snapshot() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return Counts{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Trips:               b.trips,
		Rejected:            b.rejected,
	}
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probeInFlight >= b.cfg.HalfOpenMaxCalls {
			b.rejected++
			return ErrOpen
		}
		b.probeInFlight++
		return nil
	default: // StateOpen
		b.rejected++
		return ErrOpen
	}
}

func (b *Breaker) record(err error) {
	countable := err != nil && (b.cfg.ShouldTrip == nil || b.cfg.ShouldTrip(err))

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if err == nil || !countable {
			if err == nil {
				b.failures = 0
			}
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight--
		if countable {
			b.transition(StateOpen)
			return
		}
		if err != nil {
			// Non-countable error: the probe told us nothing about the
			// backend. Leave the success counter alone.
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenSuccesses {
			b.transition(StateClosed)
		}
	case StateOpen:
		// A call admitted before the trip finished after it. Nothing to do.
	}
}

// maybeHalfOpen moves open to half-open once the recovery timeout elapses.
// Caller must hold b.mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.transition(StateHalfOpen)
	}
}

// transition changes state and resets per-state counters. Caller must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.trips++
		b.failures = 0
		b.probeSuccesses = 0
		b.probeInFlight = 0
	case StateHalfOpen:
		b.probeSuccesses = 0
		b.probeInFlight = 0
	case StateClosed:
		b.failures = 0
		b.probeSuccesses = 0
		b.probeInFlight = 0
	}

	b.logger.Info("circuit breaker state change",
		"from", from.String(),
		"to", to.String(),
	)
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(from, to)
	}
}
