// Package execution applies committed changes in stages: a canary slice
// observed for a validation window, then the remaining domains at a
// bounded velocity. Any guardrail breach reverts every touched domain to
// the last known-good value.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/isolation"
)

// Stage names written to the ledger.
const (
	StageCanary     = "canary"
	StageValidation = "validation"
	StageExpand     = "expand"
)

// Applier writes a value for a resource into one domain.
type Applier interface {
	Apply(ctx context.Context, domain contracts.DomainID, resourceKey, value string, token contracts.FencingToken) error
}

// SignalSource returns the newest health sample.
type SignalSource interface {
	Latest(domain contracts.DomainID, name string) (contracts.HealthSignal, bool)
}

// Config holds the rollout shape.
type Config struct {
	Domains          []contracts.DomainID
	CanarySize       int
	ValidationWindow time.Duration
	PollInterval     time.Duration
	// Velocity is domains advanced per second after the canary.
	Velocity   float64
	Guardrails []contracts.Guardrail
}

// DefaultConfig returns canary 1, window 30s, poll 1s, velocity 1/s.
func DefaultConfig(domains []contracts.DomainID) Config {
	return Config{
		Domains:          domains,
		CanarySize:       1,
		ValidationWindow: 30 * time.Second,
		PollInterval:     time.Second,
		Velocity:         1,
	}
}

// Rollout is one committed change to apply.
type Rollout struct {
	ProposalID  string
	ResourceKey string
	Value       string
	Token       contracts.FencingToken
}

// StageRecord is the payload of a stage entry.
type StageRecord struct {
	ProposalID  string               `json:"proposal_id"`
	ResourceKey string               `json:"resource_key"`
	Stage       string               `json:"stage"`
	Domains     []contracts.DomainID `json:"domains"`
	Epoch       uint64               `json:"epoch"`
}

// RollbackRecord is the payload of a rollback entry.
type RollbackRecord struct {
	ProposalID    string                  `json:"proposal_id"`
	ResourceKey   string                  `json:"resource_key"`
	RestoredValue string                  `json:"restored_value"`
	Domains       []contracts.DomainID    `json:"domains"`
	Reason        string                  `json:"reason"`
	Signal        *contracts.HealthSignal `json:"signal,omitempty"`
	FailedDomains []contracts.DomainID    `json:"failed_domains,omitempty"`
}

// CompletionRecord is the payload of a rollout_complete entry. Its value
// becomes the resource's last known-good value.
type CompletionRecord struct {
	ProposalID  string               `json:"proposal_id"`
	ResourceKey string               `json:"resource_key"`
	Value       string               `json:"value"`
	Domains     []contracts.DomainID `json:"domains"`
	Epoch       uint64               `json:"epoch"`
}

// Result summarizes a rollout.
type Result struct {
	Applied    []contracts.DomainID
	RolledBack bool
	Restored   string
}

// breach describes why a rollout stopped.
type breach struct {
	signal    *contracts.HealthSignal
	guardrail contracts.Guardrail
	applyErr  error
	domain    contracts.DomainID
}

// Engine runs rollouts.
type Engine struct {
	cfg       Config
	applier   Applier
	signals   SignalSource
	isolation *isolation.Layer
	ledger    *audit.Ledger
	clock     func() time.Time
	logger    *slog.Logger

	mu        sync.RWMutex
	knownGood map[string]string
}

func NewEngine(cfg Config, applier Applier, signals SignalSource, layer *isolation.Layer, ledger *audit.Ledger) *Engine {
	if cfg.CanarySize < 0 {
		cfg.CanarySize = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Velocity <= 0 {
		cfg.Velocity = 1
	}
	cfg.Domains = slices.Clone(cfg.Domains)
	slices.Sort(cfg.Domains)
	return &Engine{
		cfg:       cfg,
		applier:   applier,
		signals:   signals,
		isolation: layer,
		ledger:    ledger,
		clock:     time.Now,
		logger:    slog.Default().With("component", "execution"),
		knownGood: make(map[string]string),
	}
}

// WithClock overrides the time source used to ignore stale signals.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// LastKnownGood returns the value of the latest completed rollout for
// resourceKey; "" means the resource had no value.
func (e *Engine) LastKnownGood(resourceKey string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.knownGood[resourceKey]
}

// Rebuild restores last known-good values from rollout_complete entries.
func (e *Engine) Rebuild(ctx context.Context) error {
	for entry, err := range e.ledger.ReadFrom(ctx, 1) {
		if err != nil {
			return fmt.Errorf("execution rebuild: %w", err)
		}
		if entry.Kind != audit.KindRolloutComplete {
			continue
		}
		var c CompletionRecord
		if err := entry.Decode(&c); err != nil {
			return err
		}
		e.mu.Lock()
		e.knownGood[c.ResourceKey] = c.Value
		e.mu.Unlock()
	}
	return nil
}

// Execute applies r. A guardrail breach returns an error wrapping
// ErrGuardrailViolation after the rollback finished; a ledger failure
// returns ErrLedgerUnavailable and stops without rolling back.
func (e *Engine) Execute(ctx context.Context, r Rollout) (*Result, error) {
	started := e.clock()
	canarySize := min(e.cfg.CanarySize, len(e.cfg.Domains))
	canary := e.cfg.Domains[:canarySize]
	rest := e.cfg.Domains[canarySize:]
	res := &Result{}

	if len(canary) > 0 {
		if err := e.stage(ctx, r, StageCanary, canary); err != nil {
			return res, err
		}
		if b := e.applyAll(ctx, r, canary, res); b != nil {
			return e.rollback(ctx, r, res, b)
		}
		if err := e.stage(ctx, r, StageValidation, canary); err != nil {
			return res, err
		}
		if b := e.watch(ctx, res.Applied, started); b != nil {
			return e.rollback(ctx, r, res, b)
		}
	}

	limiter := rate.NewLimiter(rate.Limit(e.cfg.Velocity), 1)
	for _, d := range rest {
		if err := limiter.Wait(ctx); err != nil {
			return e.rollback(ctx, r, res, &breach{applyErr: err, domain: d})
		}
		if err := e.stage(ctx, r, StageExpand, []contracts.DomainID{d}); err != nil {
			return res, err
		}
		if b := e.applyAll(ctx, r, []contracts.DomainID{d}, res); b != nil {
			return e.rollback(ctx, r, res, b)
		}
		if b := e.check(res.Applied, started); b != nil {
			return e.rollback(ctx, r, res, b)
		}
	}

	_, err := e.ledger.Append(ctx, audit.KindRolloutComplete, r.ResourceKey, CompletionRecord{
		ProposalID:  r.ProposalID,
		ResourceKey: r.ResourceKey,
		Value:       r.Value,
		Domains:     res.Applied,
		Epoch:       r.Token.Epoch,
	})
	if err != nil {
		return res, err
	}
	e.mu.Lock()
	e.knownGood[r.ResourceKey] = r.Value
	e.mu.Unlock()
	e.logger.InfoContext(ctx, "rollout complete",
		"proposal", r.ProposalID, "resource", r.ResourceKey, "domains", len(res.Applied))
	return res, nil
}

func (e *Engine) stage(ctx context.Context, r Rollout, stage string, domains []contracts.DomainID) error {
	_, err := e.ledger.Append(ctx, audit.KindStage, r.ResourceKey, StageRecord{
		ProposalID:  r.ProposalID,
		ResourceKey: r.ResourceKey,
		Stage:       stage,
		Domains:     domains,
		Epoch:       r.Token.Epoch,
	})
	return err
}

// applyAll applies through the isolation layer so a failing domain trips
// its own breaker only.
func (e *Engine) applyAll(ctx context.Context, r Rollout, domains []contracts.DomainID, res *Result) *breach {
	for _, d := range domains {
		err := e.isolation.Do(ctx, isolation.DomainDependency(d), func(ctx context.Context) error {
			return e.applier.Apply(ctx, d, r.ResourceKey, r.Value, r.Token)
		})
		if err != nil {
			return &breach{applyErr: err, domain: d}
		}
		res.Applied = append(res.Applied, d)
	}
	return nil
}

// watch polls guardrails over the validation window.
func (e *Engine) watch(ctx context.Context, domains []contracts.DomainID, since time.Time) *breach {
	deadline := time.NewTimer(e.cfg.ValidationWindow)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if b := e.check(domains, since); b != nil {
			return b
		}
		select {
		case <-ctx.Done():
			return &breach{applyErr: ctx.Err()}
		case <-deadline.C:
			return e.check(domains, since)
		case <-ticker.C:
		}
	}
}

// check looks for a guardrail breach among samples taken since the
// rollout started. Missing samples are not breaches.
func (e *Engine) check(domains []contracts.DomainID, since time.Time) *breach {
	for _, d := range domains {
		for _, g := range e.cfg.Guardrails {
			sig, ok := e.signals.Latest(d, g.Signal)
			if !ok || sig.Timestamp.Before(since) {
				continue
			}
			if g.Breached(sig.Value) {
				return &breach{signal: &sig, guardrail: g, domain: d}
			}
		}
	}
	return nil
}

// rollback restores the last known-good value on every applied domain,
// newest first. The applier is called directly: an open breaker must not
// keep a domain on a bad value.
func (e *Engine) rollback(ctx context.Context, r Rollout, res *Result, b *breach) (*Result, error) {
	restore := e.LastKnownGood(r.ResourceKey)
	rec := RollbackRecord{
		ProposalID:    r.ProposalID,
		ResourceKey:   r.ResourceKey,
		RestoredValue: restore,
		Domains:       slices.Clone(res.Applied),
		Signal:        b.signal,
	}

	var cause error
	if b.signal != nil {
		rec.Reason = fmt.Sprintf("signal %s=%v on %s breached guardrail", b.signal.Name, b.signal.Value, b.domain)
		cause = fmt.Errorf("%w: %s", contracts.ErrGuardrailViolation, rec.Reason)
	} else {
		rec.Reason = fmt.Sprintf("apply on %s failed: %v", b.domain, b.applyErr)
		if b.domain == "" {
			rec.Reason = fmt.Sprintf("rollout interrupted: %v", b.applyErr)
		}
		cause = fmt.Errorf("rollout of %s rolled back: %w", r.ProposalID, b.applyErr)
	}

	// Rollback outlives the caller's cancellation.
	rbCtx := context.WithoutCancel(ctx)
	for i := len(res.Applied) - 1; i >= 0; i-- {
		d := res.Applied[i]
		if err := e.applier.Apply(rbCtx, d, r.ResourceKey, restore, r.Token); err != nil {
			rec.FailedDomains = append(rec.FailedDomains, d)
			e.logger.ErrorContext(ctx, "rollback apply failed", "domain", d, "resource", r.ResourceKey, "error", err)
		}
	}
	res.RolledBack = true
	res.Restored = restore

	e.logger.ErrorContext(ctx, "rollout rolled back",
		"proposal", r.ProposalID, "resource", r.ResourceKey, "reason", rec.Reason)
	if _, err := e.ledger.Append(rbCtx, audit.KindRollback, r.ResourceKey, rec); err != nil {
		return res, errors.Join(cause, err)
	}
	return res, cause
}
