// Package breaker implements the process-wide circuit breaker that gates
// module composition.
//
// One [CircuitBreaker] is shared by every in-flight request. Transitions are
// serialized by a mutex, so the first failure that crosses the threshold
// opens the circuit for all callers at once. The breaker is exposed through
// the [Breaker] interface so callers can substitute a fake in tests.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is recorded on an [Outcome] when a call was short-circuited.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrUnhealthy is the failure reported when a health check fails without a
// more specific cause.
var ErrUnhealthy = errors.New("health check failed")

// State represents the state of the circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultErrorThresholdPercentage = 1
	defaultResetTimeout             = 10 * time.Second
	defaultRollingWindow            = 10 * time.Second
	defaultRollingBuckets           = 10
)

// Config configures circuit breaker behavior.
type Config struct {
	// ErrorThresholdPercentage opens the circuit once the failure rate in the
	// rolling window exceeds it. Zero means the default (1).
	ErrorThresholdPercentage float64

	// ResetTimeout is how long the circuit stays open before a trial call is
	// allowed. Zero means the default (10s).
	ResetTimeout time.Duration

	// RollingWindow is the span of time failure statistics cover.
	// Zero means the default (10s).
	RollingWindow time.Duration

	// RollingBuckets is the number of buckets the window is divided into.
	// Zero means the default (10).
	RollingBuckets int

	// OnStateChange is called synchronously, outside the breaker lock, after
	// every transition.
	OnStateChange func(from, to State)

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the fail-fast defaults used for module composition.
func DefaultConfig() Config {
	return Config{
		ErrorThresholdPercentage: defaultErrorThresholdPercentage,
		ResetTimeout:             defaultResetTimeout,
		RollingWindow:            defaultRollingWindow,
		RollingBuckets:           defaultRollingBuckets,
	}
}

// Outcome describes what happened to a single [Breaker.Invoke] call.
type Outcome struct {
	// Fallback is true when the function was not run, or ran and failed.
	// Callers render what is available instead.
	Fallback bool

	// ShortCircuited is true when the function was not run at all.
	ShortCircuited bool

	// State is the circuit state after the call.
	State State

	// Err is the function's error, a recovered panic, or ErrCircuitOpen.
	Err error
}

// Breaker is the contract the composer depends on.
type Breaker interface {
	// Invoke runs fn unless the circuit is open. It never panics and never
	// returns fn's failure as anything other than a fallback outcome.
	Invoke(ctx context.Context, fn func(context.Context) error) Outcome

	// ReportHealth feeds a health-check result into the breaker.
	// A non-nil error opens the circuit.
	ReportHealth(err error)

	// State returns the current circuit state.
	State() State
}

// CircuitBreaker is the default [Breaker] implementation.
//
// All methods are safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	config Config
	state  State
	window *rollingWindow

	openedAt      time.Time
	trialInFlight bool
	lastError     error
}

// New creates a [CircuitBreaker] in the closed state. Zero fields in config
// take their defaults.
func New(config Config) *CircuitBreaker {
	if config.ErrorThresholdPercentage <= 0 {
		config.ErrorThresholdPercentage = defaultErrorThresholdPercentage
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaultResetTimeout
	}
	if config.RollingWindow <= 0 {
		config.RollingWindow = defaultRollingWindow
	}
	if config.RollingBuckets <= 0 {
		config.RollingBuckets = defaultRollingBuckets
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		config: config,
		state:  Closed,
		window: newRollingWindow(config.RollingWindow, config.RollingBuckets),
	}
}

// Invoke runs fn through the circuit.
//
// Closed: fn runs and its result is recorded. Open: fn is skipped until the
// reset timeout has elapsed. Half-open: exactly one caller runs fn as a trial;
// everyone else gets the fallback until the trial settles.
func (cb *CircuitBreaker) Invoke(ctx context.Context, fn func(context.Context) error) Outcome {
	trial, allowed := cb.acquire()
	if !allowed {
		return Outcome{Fallback: true, ShortCircuited: true, State: cb.State(), Err: ErrCircuitOpen}
	}

	err := runSafe(ctx, fn)

	var changes []transition
	cb.mu.Lock()
	if err != nil {
		changes = cb.recordFailureLocked(err, trial)
	} else {
		changes = cb.recordSuccessLocked(trial)
	}
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changes)

	return Outcome{Fallback: err != nil, State: state, Err: err}
}

// ReportHealth records the result of a health check. A failed check opens
// the circuit regardless of the rolling failure rate.
func (cb *CircuitBreaker) ReportHealth(err error) {
	if err == nil {
		return
	}

	cb.mu.Lock()
	cb.lastError = err
	var changes []transition
	if cb.state != Open {
		changes = append(changes, cb.transitionLocked(Open))
	} else {
		// keep it open for a full reset period from the latest failed check
		cb.openedAt = cb.config.Now()
	}
	cb.mu.Unlock()

	cb.notify(changes)
}

// State returns the current circuit state, promoting an expired open circuit
// to half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	changes := cb.promoteLocked()
	state := cb.state
	cb.mu.Unlock()

	cb.notify(changes)
	return state
}

// LastError returns the last recorded failure.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastError
}

// Stats returns the successes and failures currently in the rolling window.
func (cb *CircuitBreaker) Stats() (successes, failures int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.window.totals(cb.config.Now())
}

// acquire decides whether a call may run. trial is true when the call is the
// single half-open trial call.
func (cb *CircuitBreaker) acquire() (trial, allowed bool) {
	cb.mu.Lock()
	changes := cb.promoteLocked()

	switch cb.state {
	case Closed:
		allowed = true
	case HalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			trial, allowed = true, true
		}
	}
	cb.mu.Unlock()

	cb.notify(changes)
	return trial, allowed
}

// promoteLocked moves an open circuit to half-open once the reset timeout
// has elapsed.
func (cb *CircuitBreaker) promoteLocked() []transition {
	if cb.state == Open && cb.config.Now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
		return []transition{cb.transitionLocked(HalfOpen)}
	}
	return nil
}

func (cb *CircuitBreaker) recordSuccessLocked(trial bool) []transition {
	now := cb.config.Now()
	if trial {
		cb.trialInFlight = false
		if cb.state == HalfOpen {
			return []transition{cb.transitionLocked(Closed)}
		}
		return nil
	}
	if cb.state == Closed {
		cb.window.record(now, true)
	}
	return nil
}

func (cb *CircuitBreaker) recordFailureLocked(err error, trial bool) []transition {
	cb.lastError = err
	now := cb.config.Now()

	if trial {
		cb.trialInFlight = false
		if cb.state == HalfOpen {
			return []transition{cb.transitionLocked(Open)}
		}
		return nil
	}

	if cb.state != Closed {
		return nil
	}

	cb.window.record(now, false)
	successes, failures := cb.window.totals(now)
	total := successes + failures
	if total > 0 && float64(failures)*100/float64(total) > cb.config.ErrorThresholdPercentage {
		return []transition{cb.transitionLocked(Open)}
	}
	return nil
}

type transition struct {
	from, to State
}

func (cb *CircuitBreaker) transitionLocked(to State) transition {
	from := cb.state
	cb.state = to

	switch to {
	case Closed:
		cb.window.reset()
		cb.trialInFlight = false
	case Open:
		cb.openedAt = cb.config.Now()
		cb.trialInFlight = false
	case HalfOpen:
		cb.trialInFlight = false
	}

	return transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.config.OnStateChange(c.from, c.to)
	}
}

// runSafe calls fn, converting a panic into an error.
func runSafe(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("composition panic: %v", r)
		}
	}()
	return fn(ctx)
}
