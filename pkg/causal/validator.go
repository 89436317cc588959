// Package causal decides whether a proposal is causally consistent with
// what has already committed, and assigns Lamport and vector clocks at
// commit time.
//
// Proposals are kept in an arena indexed by id; dependency edges are id
// references, so the graph serializes straight to the ledger and cannot
// form pointer cycles.
package causal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

type node struct {
	issuer contracts.DomainID
	deps   []string
	record *contracts.CausalRecord // nil until committed
}

// Assignment is the speculative causal position of an accepted proposal.
// It is recomputed when the proposal actually commits.
type Assignment struct {
	LamportClock uint64                `json:"lamport_clock"`
	VectorClock  contracts.VectorClock `json:"vector_clock"`
}

// Validator holds the dependency arena.
type Validator struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	lamport uint64
	clock   func() time.Time
	logger  *slog.Logger
}

func NewValidator() *Validator {
	return &Validator{
		nodes:  make(map[string]*node),
		clock:  time.Now,
		logger: slog.Default().With("component", "causal"),
	}
}

// WithClock overrides the commit timestamp source.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Observe records a proposal's edges without validating it. Used for
// replay and for proposals learned from peers. Existing nodes are kept.
func (v *Validator) Observe(p contracts.Proposal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.nodes[p.ID]; ok {
		return
	}
	v.nodes[p.ID] = &node{issuer: p.IssuingDomain, deps: p.DeclaredDependencies}
}

// Forget drops an uncommitted proposal from the arena.
func (v *Validator) Forget(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n, ok := v.nodes[id]; ok && n.record == nil {
		delete(v.nodes, id)
	}
}

// Validate checks p against the arena. It returns ErrCycleDetected if p's
// dependency closure reaches p again and ErrCausalityViolation if any
// declared dependency has not committed. Nothing is mutated.
func (v *Validator) Validate(p contracts.Proposal) (*Assignment, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if path := v.findCycle(p); path != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrCycleDetected, path)
	}
	lamport, vc, err := v.position(p)
	if err != nil {
		return nil, err
	}
	return &Assignment{LamportClock: lamport, VectorClock: vc}, nil
}

// findCycle runs a depth-first search with a recursion set over p's
// dependency closure, using p's own edges in place of any stored ones.
// Returns the cycle path or nil.
func (v *Validator) findCycle(p contracts.Proposal) []string {
	edges := func(id string) []string {
		if id == p.ID {
			return p.DeclaredDependencies
		}
		if n, ok := v.nodes[id]; ok {
			return n.deps
		}
		return nil
	}

	onStack := make(map[string]bool)
	done := make(map[string]bool)
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		if onStack[id] {
			for i, s := range stack {
				if s == id {
					return append(append([]string(nil), stack[i:]...), id)
				}
			}
		}
		if done[id] {
			return nil
		}
		onStack[id] = true
		stack = append(stack, id)
		for _, dep := range edges(id) {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		onStack[id] = false
		done[id] = true
		return nil
	}
	return visit(p.ID)
}

// position computes the Lamport value and vector clock p would receive.
// Caller holds the lock.
func (v *Validator) position(p contracts.Proposal) (uint64, contracts.VectorClock, error) {
	lamport := v.lamport
	vc := make(contracts.VectorClock)
	for _, dep := range p.DeclaredDependencies {
		n, ok := v.nodes[dep]
		if !ok {
			return 0, nil, fmt.Errorf("%w: unknown dependency %s", contracts.ErrCausalityViolation, dep)
		}
		if n.record == nil {
			return 0, nil, fmt.Errorf("%w: dependency %s has not committed", contracts.ErrCausalityViolation, dep)
		}
		lamport = max(lamport, n.record.LamportClock)
		vc.Merge(n.record.VectorClock)
	}
	vc.Increment(p.IssuingDomain)
	return lamport + 1, vc, nil
}

// Commit assigns p its final causal position and records it. Call only
// after quorum; the returned record is what goes into the ledger.
func (v *Validator) Commit(p contracts.Proposal) (contracts.CausalRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if n, ok := v.nodes[p.ID]; ok && n.record != nil {
		return contracts.CausalRecord{}, fmt.Errorf("causal: proposal %s already committed", p.ID)
	}
	if path := v.findCycle(p); path != nil {
		return contracts.CausalRecord{}, fmt.Errorf("%w: %v", contracts.ErrCycleDetected, path)
	}
	lamport, vc, err := v.position(p)
	if err != nil {
		return contracts.CausalRecord{}, err
	}

	rec := contracts.CausalRecord{
		ProposalID:   p.ID,
		ResourceKey:  p.ResourceKey,
		Dependencies: p.DeclaredDependencies,
		LamportClock: lamport,
		VectorClock:  vc,
		CommittedAt:  v.clock().UTC(),
	}
	v.apply(p, rec)
	return rec, nil
}

// apply installs a committed record. Caller holds the lock.
func (v *Validator) apply(p contracts.Proposal, rec contracts.CausalRecord) {
	n, ok := v.nodes[p.ID]
	if !ok {
		n = &node{issuer: p.IssuingDomain, deps: p.DeclaredDependencies}
		v.nodes[p.ID] = n
	}
	r := rec
	r.VectorClock = rec.VectorClock.Clone()
	n.record = &r
	v.lamport = max(v.lamport, rec.LamportClock)
}

// Record returns the committed record for id.
func (v *Validator) Record(id string) (contracts.CausalRecord, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.nodes[id]
	if !ok || n.record == nil {
		return contracts.CausalRecord{}, false
	}
	r := *n.record
	r.VectorClock = r.VectorClock.Clone()
	return r, true
}

// Lamport returns the highest Lamport value committed so far.
func (v *Validator) Lamport() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lamport
}

// Rebuild replays proposal and commit entries from the ledger into the
// arena.
func (v *Validator) Rebuild(ctx context.Context, ledger *audit.Ledger) error {
	count := 0
	for e, err := range ledger.ReadFrom(ctx, 1) {
		if err != nil {
			return fmt.Errorf("causal rebuild: %w", err)
		}
		switch e.Kind {
		case audit.KindProposal:
			var p contracts.Proposal
			if err := e.Decode(&p); err != nil {
				return err
			}
			v.Observe(p)
		case audit.KindCommit:
			var c contracts.CommitRecord
			if err := e.Decode(&c); err != nil {
				return err
			}
			v.mu.Lock()
			v.apply(c.Proposal, c.Causal)
			v.mu.Unlock()
			count++
		}
	}
	v.logger.InfoContext(ctx, "causal arena rebuilt", "commits", count, "lamport", v.Lamport())
	return nil
}

// Verify checks every committed record: dependencies committed, vector
// clock dominating each dependency's, Lamport value strictly greater, and
// no cycle among committed proposals.
func (v *Validator) Verify() error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	for id, n := range v.nodes {
		if n.record == nil {
			continue
		}
		for _, dep := range n.deps {
			d, ok := v.nodes[dep]
			if !ok || d.record == nil {
				return fmt.Errorf("%w: %s committed before dependency %s", contracts.ErrCausalityViolation, id, dep)
			}
			if !n.record.VectorClock.Dominates(d.record.VectorClock) {
				return fmt.Errorf("%w: %s vector clock does not dominate %s", contracts.ErrCausalityViolation, id, dep)
			}
			if n.record.LamportClock <= d.record.LamportClock {
				return fmt.Errorf("%w: %s lamport %d not after %s lamport %d",
					contracts.ErrCausalityViolation, id, n.record.LamportClock, dep, d.record.LamportClock)
			}
		}
		if path := v.findCycle(contracts.Proposal{ID: id, DeclaredDependencies: n.deps}); path != nil {
			return fmt.Errorf("%w: %v", contracts.ErrCycleDetected, path)
		}
	}
	return nil
}
