// Package quorum runs one vote round per proposal and decides Committed,
// Rejected, TimedOut or Cancelled. Only one proposal per resource key is in
// Voting at a time; different keys vote fully in parallel.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

var (
	ErrUnknownDomain = errors.New("domain is not a voting member")
	ErrCancelled     = errors.New("proposal cancelled by its issuer")
)

// ConflictPolicy decides what happens to a proposal whose resource key is
// already in Voting.
type ConflictPolicy string

const (
	ConflictReject ConflictPolicy = "reject"
	ConflictWait   ConflictPolicy = "wait"
)

// Config configures the coordinator.
type Config struct {
	Domains        []contracts.DomainID
	Threshold      int
	Tiers          []Tier
	VoteTimeout    time.Duration
	ConflictPolicy ConflictPolicy
	// IssuerApproves counts the issuing domain's approval when the round
	// opens.
	IssuerApproves bool
	// Retain bounds how many decided rounds are kept for status queries.
	Retain int
}

// Broadcaster delivers a proposal to the voting domains. Delivery is best
// effort; a domain that never hears of a proposal simply never votes.
type Broadcaster interface {
	Broadcast(ctx context.Context, p contracts.Proposal, domains []contracts.DomainID)
}

// Tally is the state of a round after a vote.
type Tally struct {
	State      contracts.ProposalState `json:"state"`
	Threshold  int                     `json:"threshold"`
	Approvals  int                     `json:"approvals"`
	Rejections int                     `json:"rejections"`
	// Counted is false when the vote arrived after the decision.
	Counted bool `json:"counted"`
}

// Round is one proposal's vote.
type Round struct {
	proposal  contracts.Proposal
	tier      string
	threshold int

	mu       sync.Mutex
	state    contracts.ProposalState
	votes    map[contracts.DomainID]contracts.Vote
	decision *contracts.QuorumDecision
	timer    *time.Timer
	done     chan struct{}
}

// Proposal returns the proposal under vote.
func (r *Round) Proposal() contracts.Proposal { return r.proposal }

// Threshold returns the approvals needed and the tier that set it.
func (r *Round) Threshold() (string, int) { return r.tier, r.threshold }

// Done is closed once the round is decided.
func (r *Round) Done() <-chan struct{} { return r.done }

// State returns the lifecycle state.
func (r *Round) State() contracts.ProposalState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Decision returns the decision, or nil while undecided.
func (r *Round) Decision() *contracts.QuorumDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decision == nil {
		return nil
	}
	d := *r.decision
	return &d
}

// Votes returns the current votes sorted by domain.
func (r *Round) Votes() []contracts.Vote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contracts.Vote, 0, len(r.votes))
	for _, v := range r.votes {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b contracts.Vote) int {
		switch {
		case a.Domain < b.Domain:
			return -1
		case a.Domain > b.Domain:
			return 1
		}
		return 0
	})
	return out
}

// Coordinator owns all rounds.
type Coordinator struct {
	cfg         Config
	tiers       *TierClassifier
	broadcaster Broadcaster
	clock       func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	active  map[string]*Round // resource key -> round in Voting
	rounds  map[string]*Round // proposal id -> round
	decided []string
}

// New validates cfg and builds a coordinator. broadcaster may be nil.
func New(cfg Config, broadcaster Broadcaster) (*Coordinator, error) {
	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("quorum: no voting domains")
	}
	if cfg.Threshold < 1 || cfg.Threshold > len(cfg.Domains) {
		return nil, fmt.Errorf("quorum: threshold %d outside 1..%d", cfg.Threshold, len(cfg.Domains))
	}
	if cfg.VoteTimeout <= 0 {
		cfg.VoteTimeout = 5 * time.Second
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = ConflictReject
	}
	if cfg.Retain <= 0 {
		cfg.Retain = 10000
	}
	tiers, err := NewTierClassifier(cfg.Tiers, cfg.Threshold, len(cfg.Domains))
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:         cfg,
		tiers:       tiers,
		broadcaster: broadcaster,
		clock:       time.Now,
		logger:      slog.Default().With("component", "quorum"),
		active:      make(map[string]*Round),
		rounds:      make(map[string]*Round),
	}, nil
}

// WithClock overrides the timestamp source.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Domains returns the voting members.
func (c *Coordinator) Domains() []contracts.DomainID {
	return slices.Clone(c.cfg.Domains)
}

func (c *Coordinator) isMember(d contracts.DomainID) bool {
	return slices.Contains(c.cfg.Domains, d)
}

// Open registers p and moves it to Voting. With ConflictReject a busy
// resource key fails with ErrConflictingProposal; with ConflictWait Open
// blocks in Proposed until the key frees, p is cancelled or ctx ends.
func (c *Coordinator) Open(ctx context.Context, p contracts.Proposal) (*Round, error) {
	tier, threshold := c.tiers.Threshold(p)
	r := &Round{
		proposal:  p,
		tier:      tier,
		threshold: threshold,
		state:     contracts.StateProposed,
		votes:     make(map[contracts.DomainID]contracts.Vote),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if _, dup := c.rounds[p.ID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("quorum: proposal %s already open", p.ID)
	}
	c.rounds[p.ID] = r
	c.mu.Unlock()

	for {
		c.mu.Lock()
		busy, taken := c.active[p.ResourceKey]
		if !taken {
			if r.State() != contracts.StateProposed {
				// Cancelled while waiting.
				c.mu.Unlock()
				return r, nil
			}
			c.active[p.ResourceKey] = r
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		if c.cfg.ConflictPolicy == ConflictReject {
			c.drop(p.ID)
			return nil, fmt.Errorf("%w: %s is voting on %s", contracts.ErrConflictingProposal, busy.proposal.ID, p.ResourceKey)
		}
		select {
		case <-busy.done:
		case <-r.done:
			return r, nil
		case <-ctx.Done():
			c.drop(p.ID)
			return nil, ctx.Err()
		}
	}

	c.startVoting(r)
	return r, nil
}

func (c *Coordinator) drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rounds, id)
}

// startVoting is a no-op for a round cancelled after it took the key.
func (c *Coordinator) startVoting(r *Round) {
	r.mu.Lock()
	if r.decision != nil {
		r.mu.Unlock()
		return
	}
	r.state = contracts.StateVoting
	r.timer = time.AfterFunc(c.cfg.VoteTimeout, func() { c.expire(r) })
	if c.cfg.IssuerApproves && c.isMember(r.proposal.IssuingDomain) {
		r.votes[r.proposal.IssuingDomain] = contracts.Vote{
			ProposalID: r.proposal.ID,
			Domain:     r.proposal.IssuingDomain,
			Approve:    true,
			CastAt:     c.clock().UTC(),
		}
	}
	outcome, decided := c.evaluateLocked(r)
	r.mu.Unlock()

	c.logger.Info("voting opened",
		"proposal", r.proposal.ID, "resource", r.proposal.ResourceKey, "tier", r.tier, "threshold", r.threshold)
	if decided {
		c.finish(r, outcome)
		return
	}

	if c.broadcaster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.VoteTimeout)
		go func() {
			defer cancel()
			c.broadcaster.Broadcast(ctx, r.proposal, c.Domains())
		}()
	}
}

// evaluateLocked decides as soon as the threshold is reached, or as soon as
// it can no longer be reached. Caller holds r.mu.
func (c *Coordinator) evaluateLocked(r *Round) (contracts.Outcome, bool) {
	approvals, rejections := r.countLocked()
	if approvals >= r.threshold {
		return contracts.OutcomeCommitted, true
	}
	outstanding := len(c.cfg.Domains) - approvals - rejections
	if approvals+outstanding < r.threshold {
		return contracts.OutcomeRejected, true
	}
	return "", false
}

func (r *Round) countLocked() (approvals, rejections int) {
	for _, v := range r.votes {
		if v.Approve {
			approvals++
		} else {
			rejections++
		}
	}
	return approvals, rejections
}

// Cast records v. A repeated vote from the same domain replaces the
// earlier one, so resubmission never double counts. Votes after the
// decision are ignored.
func (c *Coordinator) Cast(v contracts.Vote) (Tally, error) {
	if !c.isMember(v.Domain) {
		return Tally{}, fmt.Errorf("%w: %s", ErrUnknownDomain, v.Domain)
	}
	r, err := c.Round(v.ProposalID)
	if err != nil {
		return Tally{}, err
	}
	if v.CastAt.IsZero() {
		v.CastAt = c.clock().UTC()
	}

	r.mu.Lock()
	if r.state != contracts.StateVoting {
		t := c.tallyLocked(r, false)
		r.mu.Unlock()
		return t, nil
	}
	r.votes[v.Domain] = v
	outcome, decided := c.evaluateLocked(r)
	r.mu.Unlock()

	if decided {
		c.finish(r, outcome)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return c.tallyLocked(r, true), nil
}

func (c *Coordinator) tallyLocked(r *Round, counted bool) Tally {
	a, rej := r.countLocked()
	return Tally{State: r.state, Threshold: r.threshold, Approvals: a, Rejections: rej, Counted: counted}
}

func (c *Coordinator) expire(r *Round) {
	c.finish(r, contracts.OutcomeTimedOut)
}

// finish decides r once; later calls are no-ops. The resource key is
// released before waiters are woken.
func (c *Coordinator) finish(r *Round, outcome contracts.Outcome) bool {
	r.mu.Lock()
	if r.decision != nil {
		r.mu.Unlock()
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	d := contracts.QuorumDecision{
		ProposalID:  r.proposal.ID,
		ResourceKey: r.proposal.ResourceKey,
		Outcome:     outcome,
		Threshold:   r.threshold,
		DecidedAt:   c.clock().UTC(),
	}
	for _, v := range r.votes {
		if v.Approve {
			d.ApprovingDomains = append(d.ApprovingDomains, v.Domain)
		} else {
			d.RejectingDomains = append(d.RejectingDomains, v.Domain)
		}
	}
	slices.Sort(d.ApprovingDomains)
	slices.Sort(d.RejectingDomains)
	r.decision = &d
	r.state = outcome.State()
	r.mu.Unlock()

	c.mu.Lock()
	if c.active[r.proposal.ResourceKey] == r {
		delete(c.active, r.proposal.ResourceKey)
	}
	c.decided = append(c.decided, r.proposal.ID)
	for len(c.decided) > c.cfg.Retain {
		delete(c.rounds, c.decided[0])
		c.decided = c.decided[1:]
	}
	c.mu.Unlock()

	close(r.done)
	c.logger.Info("quorum decided",
		"proposal", d.ProposalID, "outcome", d.Outcome, "approvals", len(d.ApprovingDomains), "threshold", d.Threshold)
	return true
}

// Await blocks until the round is decided or ctx ends. Only a commit
// returns a nil error; other outcomes map to their taxonomy errors.
func (c *Coordinator) Await(ctx context.Context, id string) (contracts.QuorumDecision, error) {
	r, err := c.Round(id)
	if err != nil {
		return contracts.QuorumDecision{}, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return contracts.QuorumDecision{}, ctx.Err()
	}
	d := *r.Decision()
	return d, OutcomeError(d.Outcome)
}

// OutcomeError maps a non-commit outcome to its error.
func OutcomeError(o contracts.Outcome) error {
	switch o {
	case contracts.OutcomeCommitted:
		return nil
	case contracts.OutcomeRejected:
		return contracts.ErrQuorumRejected
	case contracts.OutcomeTimedOut:
		return contracts.ErrQuorumTimeout
	default:
		return ErrCancelled
	}
}

// Cancel withdraws a proposal on behalf of its issuing domain. Only
// Proposed and Voting proposals can be cancelled.
func (c *Coordinator) Cancel(id string, domain contracts.DomainID) error {
	r, err := c.Round(id)
	if err != nil {
		return err
	}
	if r.proposal.IssuingDomain != domain {
		return fmt.Errorf("%w: only %s may cancel %s", contracts.ErrNotCancellable, r.proposal.IssuingDomain, id)
	}
	if st := r.State(); !st.Cancellable() {
		return fmt.Errorf("%w: proposal is %s", contracts.ErrNotCancellable, st)
	}
	if !c.finish(r, contracts.OutcomeCancelled) {
		return fmt.Errorf("%w: proposal decided concurrently", contracts.ErrNotCancellable)
	}
	return nil
}

// Round returns the round for id.
func (c *Coordinator) Round(id string) (*Round, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rounds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrProposalNotFound, id)
	}
	return r, nil
}

// Active reports the proposal currently voting on resourceKey.
func (c *Coordinator) Active(resourceKey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.active[resourceKey]
	if !ok {
		return "", false
	}
	return r.proposal.ID, true
}

// Close decides every open round as TimedOut.
func (c *Coordinator) Close() {
	c.mu.Lock()
	open := make([]*Round, 0)
	for _, r := range c.rounds {
		open = append(open, r)
	}
	c.mu.Unlock()
	for _, r := range open {
		c.finish(r, contracts.OutcomeTimedOut)
	}
}
