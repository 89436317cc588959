// Package failover decides which coordinator instance is authoritative.
// Authority is an epoch recorded as an epoch_transition entry in the audit
// ledger; a shadow may claim the next epoch only after the primary stops
// heart-beating, the shadow has replayed the ledger to its head, and the
// promotion policy is satisfied.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

// PromotionRequest asks the receiving instance to become primary.
type PromotionRequest struct {
	Candidate string   `json:"candidate_domain"`
	Approvals []string `json:"approvals"`
	Severity  int      `json:"severity"`
	Reason    string   `json:"reason"`
	// ObservedHead, when non-zero, is the ledger head the operator saw.
	// Promotion is refused if the candidate's head differs.
	ObservedHead uint64 `json:"observed_head,omitempty"`
}

const maxBootstrapTries = 3

// Config configures a failover Coordinator.
type Config struct {
	Self     string
	Domain   contracts.DomainID
	Deadline time.Duration
	Policy   Policy
}

// Coordinator tracks epochs from the ledger and runs promotions.
type Coordinator struct {
	cfg       Config
	ledger    *audit.Ledger
	approvers *Approvers
	guard     *EpochGuard
	monitor   *Monitor
	clock     func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
	history  []contracts.EpochTransition

	lmu       sync.RWMutex
	listeners []func(contracts.EpochTransition)
}

// New creates a failover coordinator. Nothing is read from the ledger
// until Refresh or Bootstrap is called.
func New(cfg Config, ledger *audit.Ledger, approvers *Approvers) *Coordinator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 15 * time.Second
	}
	if approvers == nil {
		approvers = NewApprovers()
	}
	return &Coordinator{
		cfg:       cfg,
		ledger:    ledger,
		approvers: approvers,
		guard:     NewEpochGuard(cfg.Self),
		monitor:   NewMonitor(cfg.Deadline, time.Now),
		clock:     time.Now,
		logger:    slog.Default().With("component", "failover", "self", cfg.Self),
		lastHash:  audit.GenesisHash,
	}
}

// WithClock sets the clock used for heartbeat deadlines and approval expiry.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	c.monitor = NewMonitor(c.cfg.Deadline, clock)
	return c
}

// OnTransition registers fn for every epoch transition observed.
func (c *Coordinator) OnTransition(fn func(contracts.EpochTransition)) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Coordinator) Guard() *EpochGuard { return c.guard }

func (c *Coordinator) Approvers() *Approvers { return c.approvers }

// Heartbeat records a heartbeat from the primary. A heartbeat carrying a
// newer epoch than the guard knows about triggers a Refresh. A heartbeat
// from a different coordinator at the current epoch means two instances
// claimed the same epoch; the epoch is contested and all writes stop.
func (c *Coordinator) Heartbeat(ctx context.Context, hb Heartbeat) error {
	if cur, holder := c.guard.Current(); hb.Epoch == cur && hb.Coordinator != holder && c.guard.Contest(cur, hb.Coordinator) {
		c.logger.ErrorContext(ctx, "epoch claimed by two coordinators, refusing writes",
			"epoch", cur, "holder", holder, "claimant", hb.Coordinator)
		return fmt.Errorf("%w: epoch %d claimed by %q and %q", contracts.ErrStaleEpoch, cur, holder, hb.Coordinator)
	}
	if err := c.monitor.Beat(hb); err != nil {
		return err
	}
	if cur, _ := c.guard.Current(); hb.Epoch > cur {
		return c.Refresh(ctx)
	}
	return nil
}

// Monitor exposes the primary liveness tracker.
func (c *Coordinator) Monitor() *Monitor { return c.monitor }

// Refresh replays ledger entries appended since the last call, checking
// sequence continuity and hash links and applying epoch transitions.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.Lock()
	observed, err := c.replayLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notify(observed)
	return nil
}

func (c *Coordinator) replayLocked(ctx context.Context) ([]contracts.EpochTransition, error) {
	var observed []contracts.EpochTransition
	for e, err := range c.ledger.ReadFrom(ctx, c.lastSeq+1) {
		if err != nil {
			return observed, err
		}
		if e.Sequence != c.lastSeq+1 || e.PreviousHash != c.lastHash {
			return observed, fmt.Errorf("%w: replay expected sequence %d after %s, found %d",
				audit.ErrChainBroken, c.lastSeq+1, c.lastHash, e.Sequence)
		}
		if e.Kind == audit.KindEpochTransition {
			var t contracts.EpochTransition
			if err := e.Decode(&t); err != nil {
				return observed, err
			}
			if c.guard.Observe(t.Epoch, t.Coordinator) {
				c.history = append(c.history, t)
				observed = append(observed, t)
			}
		}
		c.lastSeq = e.Sequence
		c.lastHash = e.EntryHash
	}
	return observed, nil
}

func (c *Coordinator) notify(ts []contracts.EpochTransition) {
	if len(ts) == 0 {
		return
	}
	c.lmu.RLock()
	listeners := c.listeners
	c.lmu.RUnlock()
	for _, t := range ts {
		c.monitor.raise(t.Epoch)
		c.logger.Info("epoch transition observed", "epoch", t.Epoch, "coordinator", t.Coordinator)
		for _, fn := range listeners {
			fn(t)
		}
	}
}

// Bootstrap replays the ledger and, if no epoch has ever been claimed,
// claims epoch 1 for this instance. An instance that already holds the
// current epoch resumes it. Otherwise, including when another instance
// claims epoch 1 first, the instance starts as a shadow.
func (c *Coordinator) Bootstrap(ctx context.Context) (contracts.EpochTransition, error) {
	c.mu.Lock()
	observed, err := c.replayLocked(ctx)
	for attempt := 1; err == nil; attempt++ {
		if epoch, _ := c.guard.Current(); epoch != 0 {
			break
		}
		if attempt > maxBootstrapTries {
			err = fmt.Errorf("%w: ledger kept moving during bootstrap", contracts.ErrPromotionDenied)
			break
		}
		var t contracts.EpochTransition
		t, err = c.claimLocked(ctx, 1, nil, "bootstrap")
		if err == nil {
			observed = append(observed, t)
			break
		}
		if !errors.Is(err, audit.ErrSequenceMismatch) {
			break
		}
		c.logger.InfoContext(ctx, "another instance bootstrapped first, replaying")
		var more []contracts.EpochTransition
		more, err = c.replayLocked(ctx)
		observed = append(observed, more...)
	}
	var t contracts.EpochTransition
	if len(c.history) > 0 {
		t = c.history[len(c.history)-1]
	}
	c.mu.Unlock()
	c.notify(observed)
	if err != nil {
		return contracts.EpochTransition{}, err
	}
	return t, nil
}

// Promote runs a promotion request against this instance.
func (c *Coordinator) Promote(ctx context.Context, req PromotionRequest) (contracts.EpochTransition, error) {
	if req.Candidate != c.cfg.Self {
		return contracts.EpochTransition{}, fmt.Errorf("%w: request names %q, this instance is %q",
			contracts.ErrPromotionDenied, req.Candidate, c.cfg.Self)
	}
	if c.guard.Active() {
		return contracts.EpochTransition{}, fmt.Errorf("%w: already primary", contracts.ErrPromotionDenied)
	}
	if !c.monitor.Unresponsive() {
		return contracts.EpochTransition{}, fmt.Errorf("%w: primary is still heart-beating", contracts.ErrPromotionDenied)
	}

	c.mu.Lock()
	observed, err := c.replayLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		c.notify(observed)
		return contracts.EpochTransition{}, fmt.Errorf("%w: reconciliation failed: %w", contracts.ErrPromotionDenied, err)
	}
	if req.ObservedHead != 0 && req.ObservedHead != c.lastSeq {
		c.mu.Unlock()
		c.notify(observed)
		return contracts.EpochTransition{}, fmt.Errorf("%w: candidate head is %d, request observed %d",
			contracts.ErrPromotionDenied, c.lastSeq, req.ObservedHead)
	}
	current, _ := c.guard.Current()
	target := current + 1
	approvedBy, err := c.cfg.Policy.Evaluate(c.approvers, req, target, c.clock())
	if err != nil {
		c.mu.Unlock()
		c.notify(observed)
		return contracts.EpochTransition{}, err
	}
	t, err := c.claimLocked(ctx, target, approvedBy, req.Reason)
	if err == nil {
		observed = append(observed, t)
	}
	c.mu.Unlock()
	c.notify(observed)
	if err != nil {
		return contracts.EpochTransition{}, err
	}
	c.logger.Warn("promoted to primary", "epoch", t.Epoch, "approvers", approvedBy)
	return t, nil
}

// claimLocked appends the transition conditioned on the replayed head, so
// two candidates racing for the same epoch cannot both win.
func (c *Coordinator) claimLocked(ctx context.Context, epoch uint64, approvers []string, reason string) (contracts.EpochTransition, error) {
	t := contracts.EpochTransition{
		Epoch:         epoch,
		PreviousEpoch: epoch - 1,
		Coordinator:   c.cfg.Self,
		Domain:        c.cfg.Domain,
		Approvers:     approvers,
		Reason:        reason,
		At:            c.clock().UTC(),
	}
	e, err := c.ledger.Append(ctx, audit.KindEpochTransition, fmt.Sprintf("epoch:%d", epoch), t,
		audit.ExpectSequence(c.lastSeq))
	if err != nil {
		if errors.Is(err, audit.ErrSequenceMismatch) {
			return t, fmt.Errorf("%w: ledger advanced during promotion: %w", contracts.ErrPromotionDenied, err)
		}
		return t, err
	}
	c.lastSeq = e.Sequence
	c.lastHash = e.EntryHash
	c.guard.Observe(epoch, c.cfg.Self)
	c.history = append(c.history, t)
	return t, nil
}

// History returns every epoch transition observed so far.
func (c *Coordinator) History() []contracts.EpochTransition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]contracts.EpochTransition, len(c.history))
	copy(out, c.history)
	return out
}
