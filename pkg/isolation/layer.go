package isolation

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

const domainPrefix = "domain:"

// Config sizes every dependency's breaker and bulkhead.
type Config struct {
	Breaker       BreakerConfig
	MaxConcurrent int
	QueueDepth    int
	// Guardrails mark a health signal as a failure of its domain.
	Guardrails []contracts.Guardrail
}

type dependency struct {
	breaker  *CircuitBreaker
	bulkhead *Bulkhead
}

// Layer owns one breaker and bulkhead per dependency and the per-domain
// health map. Domain health changes only through breaker transitions.
type Layer struct {
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	deps      map[string]*dependency
	health    map[contracts.DomainID]contracts.CircuitPosition
	observers []TransitionFunc
}

func NewLayer(cfg Config) *Layer {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Layer{
		cfg:    cfg,
		clock:  time.Now,
		logger: slog.Default().With("component", "isolation"),
		deps:   make(map[string]*dependency),
		health: make(map[contracts.DomainID]contracts.CircuitPosition),
	}
}

// WithClock overrides the time source of breakers created afterwards.
func (l *Layer) WithClock(clock func() time.Time) *Layer {
	l.clock = clock
	return l
}

// OnTransition registers an observer for every breaker's transitions.
func (l *Layer) OnTransition(fn TransitionFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// DomainDependency names the dependency that represents a whole domain.
func DomainDependency(d contracts.DomainID) string {
	return domainPrefix + string(d)
}

// TrackDomain registers d as healthy.
func (l *Layer) TrackDomain(d contracts.DomainID) {
	l.get(DomainDependency(d))
}

func (l *Layer) get(id string) *dependency {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dep, ok := l.deps[id]; ok {
		return dep
	}
	dep := &dependency{
		breaker:  NewCircuitBreaker(id, l.cfg.Breaker).WithClock(l.clock),
		bulkhead: NewBulkhead(id, l.cfg.MaxConcurrent, l.cfg.QueueDepth),
	}
	dep.breaker.OnTransition(func(from contracts.CircuitPosition, to contracts.CircuitState) {
		l.transition(from, to)
	})
	l.deps[id] = dep
	if d, ok := strings.CutPrefix(id, domainPrefix); ok {
		l.health[contracts.DomainID(d)] = contracts.CircuitClosed
	}
	return dep
}

func (l *Layer) transition(from contracts.CircuitPosition, to contracts.CircuitState) {
	l.mu.Lock()
	if d, ok := strings.CutPrefix(to.DependencyID, domainPrefix); ok {
		l.health[contracts.DomainID(d)] = to.State
	}
	observers := l.observers
	l.mu.Unlock()

	level := slog.LevelInfo
	if to.State == contracts.CircuitOpen {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "circuit transition",
		"dependency", to.DependencyID, "from", from, "to", to.State, "failures", to.ConsecutiveFailures)
	for _, fn := range observers {
		fn(from, to)
	}
}

// Do runs fn against dependency id: bulkhead first, then breaker. Errors
// that are the caller's own rejections (local or not found) or caller
// cancellation do not count against the dependency.
func (l *Layer) Do(ctx context.Context, id string, fn func(context.Context) error) error {
	dep := l.get(id)

	release, err := dep.bulkhead.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := dep.breaker.Allow(); err != nil {
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		dep.breaker.Success()
	case errors.Is(err, context.Canceled):
		dep.breaker.release()
	case !countsAsFailure(err):
		dep.breaker.Success()
	default:
		dep.breaker.Failure()
	}
	return err
}

func countsAsFailure(err error) bool {
	switch contracts.ClassOf(err) {
	case contracts.ClassLocalRejection, contracts.ClassNotFound:
		return false
	}
	return true
}

// ObserveSignal counts a guardrail breach as a failure of the signal's
// domain. It returns the breached guardrail, if any.
func (l *Layer) ObserveSignal(sig contracts.HealthSignal) (contracts.Guardrail, bool) {
	for _, g := range l.cfg.Guardrails {
		if g.Signal == sig.Name && g.Breached(sig.Value) {
			if sig.Domain != "" {
				l.get(DomainDependency(sig.Domain)).breaker.Failure()
			}
			return g, true
		}
	}
	return contracts.Guardrail{}, false
}

// DomainHealth returns a copy of the per-domain breaker positions.
func (l *Layer) DomainHealth() map[contracts.DomainID]contracts.CircuitPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.health)
}

// Healthy reports whether d's breaker is Closed. Untracked domains are
// healthy.
func (l *Layer) Healthy(d contracts.DomainID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.health[d]
	return !ok || pos == contracts.CircuitClosed
}

// States snapshots every breaker, sorted by dependency id.
func (l *Layer) States() []contracts.CircuitState {
	l.mu.Lock()
	deps := make([]*dependency, 0, len(l.deps))
	for _, d := range l.deps {
		deps = append(deps, d)
	}
	l.mu.Unlock()

	out := make([]contracts.CircuitState, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.breaker.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DependencyID < out[j].DependencyID })
	return out
}
