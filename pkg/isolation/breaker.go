// Package isolation keeps failures in one dependency from spreading: a
// circuit breaker and a bulkhead per dependency, plus retry with
// deterministic backoff for the fail-fast errors they produce.
package isolation

import (
	"fmt"
	"sync"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

// BreakerConfig holds the breaker thresholds.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// DefaultBreakerConfig returns maxFailures=5, resetTimeout=10s, halfOpenMax=1.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, ResetTimeout: 10 * time.Second, HalfOpenMax: 1}
}

// TransitionFunc observes breaker state changes. It runs after the
// breaker's lock is released.
type TransitionFunc func(from contracts.CircuitPosition, to contracts.CircuitState)

// CircuitBreaker is the Closed -> Open -> HalfOpen -> Closed state machine
// for one dependency. Every read-modify-write happens under its mutex.
type CircuitBreaker struct {
	mu             sync.Mutex
	id             string
	cfg            BreakerConfig
	state          contracts.CircuitPosition
	failures       int
	lastFailure    time.Time
	openedAt       time.Time
	trialCount     int
	trialSuccesses int
	clock          func() time.Time
	onTransition   TransitionFunc
}

func NewCircuitBreaker(id string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &CircuitBreaker{
		id:    id,
		cfg:   cfg,
		state: contracts.CircuitClosed,
		clock: time.Now,
	}
}

// WithClock overrides the time source.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// OnTransition sets the transition observer.
func (cb *CircuitBreaker) OnTransition(fn TransitionFunc) *CircuitBreaker {
	cb.onTransition = fn
	return cb
}

// Allow admits a call or returns ErrCircuitOpen. In HalfOpen at most
// HalfOpenMax trial calls are admitted.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	if cb.state == contracts.CircuitOpen && cb.clock().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.state = contracts.CircuitHalfOpen
		cb.trialCount = 0
		cb.trialSuccesses = 0
	}
	var err error
	switch cb.state {
	case contracts.CircuitOpen:
		err = fmt.Errorf("%w: %s", contracts.ErrCircuitOpen, cb.id)
	case contracts.CircuitHalfOpen:
		if cb.trialCount >= cb.cfg.HalfOpenMax {
			err = fmt.Errorf("%w: %s trial in progress", contracts.ErrCircuitOpen, cb.id)
		} else {
			cb.trialCount++
		}
	}
	cb.unlockAndNotify(from)
	return err
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case contracts.CircuitClosed:
		cb.failures = 0
	case contracts.CircuitHalfOpen:
		cb.trialSuccesses++
		if cb.trialSuccesses >= cb.cfg.HalfOpenMax {
			cb.state = contracts.CircuitClosed
			cb.failures = 0
			cb.trialCount = 0
			cb.trialSuccesses = 0
		}
	}
	cb.unlockAndNotify(from)
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	from := cb.state
	now := cb.clock()
	cb.lastFailure = now
	switch cb.state {
	case contracts.CircuitClosed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.state = contracts.CircuitOpen
			cb.openedAt = now
		}
	case contracts.CircuitHalfOpen:
		cb.failures++
		cb.state = contracts.CircuitOpen
		cb.openedAt = now
		cb.trialCount = 0
		cb.trialSuccesses = 0
	}
	cb.unlockAndNotify(from)
}

// release returns an admitted trial slot without recording an outcome,
// e.g. when the caller gave up.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == contracts.CircuitHalfOpen && cb.trialCount > 0 {
		cb.trialCount--
	}
}

func (cb *CircuitBreaker) unlockAndNotify(from contracts.CircuitPosition) {
	snap := cb.snapshotLocked()
	fn := cb.onTransition
	cb.mu.Unlock()
	if fn != nil && from != snap.State {
		fn(from, snap)
	}
}

// State returns a snapshot. An Open breaker whose timeout elapsed still
// reports Open until the next Allow.
func (cb *CircuitBreaker) State() contracts.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

func (cb *CircuitBreaker) snapshotLocked() contracts.CircuitState {
	return contracts.CircuitState{
		DependencyID:        cb.id,
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		LastFailureAt:       cb.lastFailure,
		TrialCount:          cb.trialCount,
	}
}
