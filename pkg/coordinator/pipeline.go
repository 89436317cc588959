// Package coordinator runs the commit pipeline: causal validation, fencing,
// quorum, staged execution and the audit trail that ties them together.
// A Pipeline accepts writes only while its instance holds the current
// failover epoch, and halts for good if the ledger stops accepting appends.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/causal"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/execution"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/failover"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/fencing"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/isolation"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/observability"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/quorum"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/signals"
)

// ErrNotHolder rejects a write from a domain that does not hold the current
// failover epoch.
var ErrNotHolder = errors.New("sender does not hold the current epoch")

// Components are the collaborators a Pipeline drives. Telemetry may be nil.
type Components struct {
	Domain    contracts.DomainID
	Ledger    *audit.Ledger
	Validator *causal.Validator
	Fencing   *fencing.Authority
	Quorum    *quorum.Coordinator
	Engine    *execution.Engine
	Isolation *isolation.Layer
	Failover  *failover.Coordinator
	Signals   *signals.Feed
	Telemetry *observability.Provider
}

// SubmitRequest is a proposal as submitted by a client.
type SubmitRequest struct {
	ResourceKey  string   `json:"resource_key"`
	DesiredValue string   `json:"desired_value"`
	Dependencies []string `json:"dependencies,omitempty"`
	Criticality  string   `json:"criticality,omitempty"`
}

// SubmitResult reports the validator outcome. Accepted proposals are
// voting when Submit returns.
type SubmitResult struct {
	ProposalID string                  `json:"proposal_id"`
	Accepted   bool                    `json:"accepted"`
	Reason     string                  `json:"reason,omitempty"`
	Code       contracts.Code          `json:"code,omitempty"`
	State      contracts.ProposalState `json:"state"`
	Tier       string                  `json:"tier,omitempty"`
	Threshold  int                     `json:"threshold,omitempty"`
	Assignment *causal.Assignment      `json:"assignment,omitempty"`
}

// Pipeline is one coordinator instance.
type Pipeline struct {
	Components
	clock  func() time.Time
	logger *slog.Logger
	gate   *keyGate
	track  *tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	halted  atomic.Bool
	haltErr atomic.Value
}

func New(c Components) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	if c.Telemetry == nil {
		c.Telemetry, _ = observability.New(ctx, &observability.Config{Enabled: false})
	}
	return &Pipeline{
		Components: c,
		clock:      time.Now,
		logger:     slog.Default().With("component", "coordinator", "domain", c.Domain),
		gate:       newKeyGate(),
		track:      newTracker(10000),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// WithClock overrides the time source for proposals and votes.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// Start claims or resumes the failover epoch and rebuilds component state
// from the ledger.
func (p *Pipeline) Start(ctx context.Context) (contracts.EpochTransition, error) {
	t, err := p.Failover.Bootstrap(ctx)
	if err != nil {
		return t, p.fail(err)
	}
	if err := p.rebuild(ctx); err != nil {
		return t, p.fail(err)
	}
	p.logger.InfoContext(ctx, "coordinator started", "epoch", t.Epoch, "holder", t.Coordinator, "active", p.Failover.Guard().Active())
	return t, nil
}

func (p *Pipeline) rebuild(ctx context.Context) error {
	if err := p.Validator.Rebuild(ctx, p.Ledger); err != nil {
		return err
	}
	if err := p.Fencing.Rebuild(ctx, p.Ledger); err != nil {
		return err
	}
	return p.Engine.Rebuild(ctx)
}

// Close stops background work and waits for in-flight settles.
func (p *Pipeline) Close() {
	p.cancel()
	p.Quorum.Close()
	p.wg.Wait()
}

// Halted returns the error that halted the pipeline, or nil.
func (p *Pipeline) Halted() error {
	if !p.halted.Load() {
		return nil
	}
	err, _ := p.haltErr.Load().(error)
	return err
}

// writable gates every operation that appends.
func (p *Pipeline) writable() error {
	if err := p.Halted(); err != nil {
		return err
	}
	return p.Failover.Guard().Check()
}

// fail halts the pipeline if err is a ledger failure and returns err.
func (p *Pipeline) fail(err error) error {
	if err == nil || !errors.Is(err, contracts.ErrLedgerUnavailable) {
		return err
	}
	if p.halted.CompareAndSwap(false, true) {
		p.haltErr.Store(err)
		p.logger.Error("ledger unavailable, coordinator halted", "error", err)
		// Best effort: the ledger just failed, this usually fails too.
		_, _ = p.Ledger.Append(context.WithoutCancel(p.ctx), audit.KindCoordinatorHalt, string(p.Domain), HaltRecord{Reason: err.Error()})
		p.cancel()
	}
	return err
}

// reject appends a rejection for a proposal and returns cause.
func (p *Pipeline) reject(ctx context.Context, prop contracts.Proposal, stage string, cause error) error {
	_, err := p.Ledger.Append(ctx, audit.KindRejection, prop.ResourceKey, RejectionRecord{
		ProposalID:  prop.ID,
		ResourceKey: prop.ResourceKey,
		Stage:       stage,
		Code:        contracts.CodeOf(cause),
		Reason:      cause.Error(),
	})
	if err != nil {
		return p.fail(err)
	}
	p.logger.InfoContext(ctx, "proposal rejected", "proposal", prop.ID, "stage", stage, "code", contracts.CodeOf(cause))
	return cause
}

// Submit validates a proposal and opens its quorum round. Causal and
// conflict rejections return the result with Accepted unset alongside the
// taxonomy error.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	ctx, done := p.Telemetry.TrackOperation(ctx, "submit", attribute.String("domain", string(p.Domain)))
	defer func() { done(err) }()

	// A client hang-up must not cut a proposal's ledger records short.
	wctx := context.WithoutCancel(ctx)
	if err := p.writable(); err != nil {
		return nil, err
	}
	prop, err := contracts.NewProposal(req.ResourceKey, req.DesiredValue, p.Domain, req.Dependencies, p.clock())
	if err != nil {
		return nil, err
	}
	prop.Criticality = req.Criticality
	res = &SubmitResult{ProposalID: prop.ID, State: contracts.StateProposed}

	if _, err := p.Ledger.Append(wctx, audit.KindProposal, prop.ResourceKey, prop); err != nil {
		return nil, p.fail(err)
	}

	assignment, verr := p.Validator.Validate(prop)
	if verr != nil {
		res.State = contracts.StateRejected
		res.Reason, res.Code = verr.Error(), contracts.CodeOf(verr)
		p.track.rejected(prop, verr)
		return res, p.reject(wctx, prop, stageValidate, verr)
	}
	p.Validator.Observe(prop)
	res.Accepted = true
	res.Assignment = assignment
	if _, err := p.Ledger.Append(wctx, audit.KindValidation, prop.ResourceKey, ValidationRecord{ProposalID: prop.ID, Assignment: *assignment}); err != nil {
		p.Validator.Forget(prop.ID)
		return nil, p.fail(err)
	}

	round, qerr := p.Quorum.Open(ctx, prop)
	if qerr != nil {
		p.Validator.Forget(prop.ID)
		res.Accepted = false
		res.State = contracts.StateRejected
		res.Reason, res.Code = qerr.Error(), contracts.CodeOf(qerr)
		p.track.rejected(prop, qerr)
		if contracts.CodeOf(qerr) == "" {
			return res, qerr
		}
		return res, p.reject(wctx, prop, stageQuorum, qerr)
	}
	res.Tier, res.Threshold = round.Threshold()
	res.State = round.State()
	p.track.opened(prop)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.settle(prop, round)
	}()
	p.logger.InfoContext(ctx, "proposal voting", "proposal", prop.ID, "resource", prop.ResourceKey, "tier", res.Tier, "threshold", res.Threshold)
	return res, nil
}

// settle issues the fencing token, waits for the decision and, on commit,
// records the commit and runs the rollout.
func (p *Pipeline) settle(prop contracts.Proposal, round *quorum.Round) {
	ctx := p.ctx
	release, err := p.gate.enter(ctx, prop.ResourceKey)
	if err != nil {
		p.Validator.Forget(prop.ID)
		return
	}
	defer release()

	token, err := p.Fencing.Issue(ctx, prop.ResourceKey, p.Domain)
	if err != nil {
		p.logger.ErrorContext(ctx, "token issue failed", "proposal", prop.ID, "error", err)
		p.track.failed(prop.ID, err, contracts.StateRejected)
		_ = p.Quorum.Cancel(prop.ID, prop.IssuingDomain)
		p.Validator.Forget(prop.ID)
		return
	}
	p.track.tokened(prop.ID, token)
	if _, err := p.Ledger.Append(ctx, audit.KindToken, prop.ResourceKey, TokenRecord{ProposalID: prop.ID, Token: token}); err != nil {
		_ = p.fail(err)
		return
	}

	decideCtx, decided := p.Telemetry.TrackOperation(ctx, "decide", attribute.String("resource_key", prop.ResourceKey))
	decision, qerr := p.Quorum.Await(decideCtx, prop.ID)
	decided(qerr)
	if errors.Is(qerr, context.Canceled) {
		p.Validator.Forget(prop.ID)
		return
	}
	p.Telemetry.RecordDecision(ctx, decision)
	if _, err := p.Ledger.Append(ctx, audit.KindDecision, prop.ResourceKey, decision); err != nil {
		_ = p.fail(err)
		return
	}
	if qerr != nil {
		p.Validator.Forget(prop.ID)
		p.track.failed(prop.ID, qerr, decision.Outcome.State())
		p.logger.InfoContext(ctx, "proposal not committed", "proposal", prop.ID, "outcome", decision.Outcome)
		return
	}

	rec, err := p.commit(ctx, prop, token, decision)
	if err != nil {
		p.track.failed(prop.ID, err, contracts.StateRejected)
		return
	}
	p.track.committed(prop.ID, rec)
	p.execute(ctx, prop, token)
}

func (p *Pipeline) commit(ctx context.Context, prop contracts.Proposal, token contracts.FencingToken, decision contracts.QuorumDecision) (contracts.CausalRecord, error) {
	if err := p.writable(); err != nil {
		p.logger.ErrorContext(ctx, "dropping decided proposal", "proposal", prop.ID, "error", err)
		p.Validator.Forget(prop.ID)
		return contracts.CausalRecord{}, err
	}
	if _, err := p.Validator.Validate(prop); err != nil {
		p.Validator.Forget(prop.ID)
		return contracts.CausalRecord{}, p.reject(ctx, prop, stageCommit, err)
	}
	if err := p.Fencing.Check(ctx, token, prop.ResourceKey); err != nil {
		p.Validator.Forget(prop.ID)
		return contracts.CausalRecord{}, p.reject(ctx, prop, stageCommit, err)
	}
	if err := p.Fencing.Commit(ctx, token); err != nil {
		p.Validator.Forget(prop.ID)
		return contracts.CausalRecord{}, p.reject(ctx, prop, stageCommit, err)
	}
	rec, err := p.Validator.Commit(prop)
	if err != nil {
		return contracts.CausalRecord{}, p.reject(ctx, prop, stageCommit, err)
	}
	_, err = p.Ledger.Append(ctx, audit.KindCommit, prop.ResourceKey, contracts.CommitRecord{
		Proposal: prop,
		Causal:   rec,
		Token:    token,
		Decision: decision,
	})
	if err != nil {
		return rec, p.fail(err)
	}
	p.logger.InfoContext(ctx, "proposal committed", "proposal", prop.ID, "epoch", token.Epoch, "lamport", rec.LamportClock)
	return rec, nil
}

func (p *Pipeline) execute(ctx context.Context, prop contracts.Proposal, token contracts.FencingToken) {
	ctx, done := p.Telemetry.TrackOperation(ctx, "rollout", attribute.String("resource_key", prop.ResourceKey))
	p.track.rolling(prop.ID)
	res, err := p.Engine.Execute(ctx, execution.Rollout{
		ProposalID:  prop.ID,
		ResourceKey: prop.ResourceKey,
		Value:       prop.DesiredValue,
		Token:       token,
	})
	done(err)
	p.track.rolledOut(prop.ID, res, err)
	if res != nil && res.RolledBack {
		p.Telemetry.RecordRollback(ctx, prop.ResourceKey, string(contracts.CodeOf(err)))
	}
	switch {
	case err == nil:
	case errors.Is(err, contracts.ErrGuardrailViolation):
		p.logger.ErrorContext(ctx, "guardrail violation", "proposal", prop.ID, "resource", prop.ResourceKey, "error", err)
	default:
		p.logger.WarnContext(ctx, "rollout failed", "proposal", prop.ID, "error", p.fail(err))
	}
}

// Vote records a peer domain's vote. Votes for unknown or decided
// proposals are reported through the tally, not as errors.
func (p *Pipeline) Vote(ctx context.Context, v contracts.Vote) (tally quorum.Tally, err error) {
	ctx, done := p.Telemetry.TrackOperation(ctx, "vote", attribute.String("voter", string(v.Domain)))
	defer func() { done(err) }()

	wctx := context.WithoutCancel(ctx)
	if err := p.writable(); err != nil {
		return quorum.Tally{}, err
	}
	if v.CastAt.IsZero() {
		v.CastAt = p.clock().UTC()
	}
	round, err := p.Quorum.Round(v.ProposalID)
	if err != nil {
		return quorum.Tally{}, err
	}
	tally, err = p.Quorum.Cast(v)
	if err != nil {
		return tally, err
	}
	if _, err := p.Ledger.Append(wctx, audit.KindVote, round.Proposal().ResourceKey, VoteRecord{Vote: v, Tally: tally}); err != nil {
		return tally, p.fail(err)
	}
	return tally, nil
}

// Cancel withdraws a Proposed or Voting proposal on behalf of its issuer.
func (p *Pipeline) Cancel(ctx context.Context, id string, domain contracts.DomainID) error {
	if err := p.writable(); err != nil {
		return err
	}
	round, err := p.Quorum.Round(id)
	if err != nil {
		return err
	}
	if err := p.Quorum.Cancel(id, domain); err != nil {
		return err
	}
	p.Validator.Forget(id)
	if _, err := p.Ledger.Append(context.WithoutCancel(ctx), audit.KindCancellation, round.Proposal().ResourceKey, CancellationRecord{ProposalID: id, Domain: domain}); err != nil {
		return p.fail(err)
	}
	return nil
}

// Consider is how this domain votes on a proposal broadcast by a peer. It
// approves unless this domain is unhealthy or the proposal closes a cycle
// in the dependency graph known here.
func (p *Pipeline) Consider(prop contracts.Proposal) contracts.Vote {
	v := contracts.Vote{ProposalID: prop.ID, Domain: p.Domain, Approve: true, CastAt: p.clock().UTC()}
	if !p.Isolation.Healthy(p.Domain) {
		v.Approve = false
		return v
	}
	if _, err := p.Validator.Validate(prop); errors.Is(err, contracts.ErrCycleDetected) {
		v.Approve = false
	}
	return v
}

// Status returns what is known about a proposal.
func (p *Pipeline) Status(id string) (Status, error) {
	st, tracked := p.track.get(id)
	round, err := p.Quorum.Round(id)
	if err != nil {
		if !tracked {
			return Status{}, err
		}
		return st, nil
	}
	prop := round.Proposal()
	st.ProposalID = prop.ID
	st.ResourceKey = prop.ResourceKey
	st.Tier, st.Threshold = round.Threshold()
	st.Votes = round.Votes()
	st.Decision = round.Decision()
	// A round can commit and still be refused at the commit stage.
	if rs := round.State(); rs != contracts.StateCommitted || st.State != contracts.StateRejected {
		st.State = rs
	}
	return st, nil
}

// Promote asks this instance to become primary and rebuilds its state
// from the ledger once it is.
func (p *Pipeline) Promote(ctx context.Context, req failover.PromotionRequest) (t contracts.EpochTransition, err error) {
	ctx, done := p.Telemetry.TrackOperation(ctx, "promote", attribute.String("candidate", req.Candidate))
	defer func() { done(err) }()

	if err := p.Halted(); err != nil {
		return t, err
	}
	t, err = p.Failover.Promote(ctx, req)
	if err != nil {
		p.logger.WarnContext(ctx, "promotion denied", "error", err)
		return t, p.fail(err)
	}
	if err := p.rebuild(ctx); err != nil {
		return t, p.fail(err)
	}
	return t, nil
}

// Heartbeat records a heartbeat from the primary.
func (p *Pipeline) Heartbeat(ctx context.Context, hb failover.Heartbeat) error {
	return p.Failover.Heartbeat(ctx, hb)
}

// ReadAudit streams ledger entries from seq.
func (p *Pipeline) ReadAudit(ctx context.Context, seq uint64) iter.Seq2[*audit.Entry, error] {
	return p.Ledger.ReadFrom(ctx, seq)
}

// IngestSignal feeds a health sample to the execution guardrails and the
// isolation layer. It reports whether the sample breached a guardrail.
func (p *Pipeline) IngestSignal(sig contracts.HealthSignal) (bool, error) {
	if _, err := p.Signals.Publish(sig); err != nil {
		return false, err
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = p.clock()
	}
	g, breached := p.Isolation.ObserveSignal(sig)
	if breached {
		p.logger.Warn("health signal breached guardrail", "domain", sig.Domain, "signal", sig.Name, "value", sig.Value, "guardrail", g.Signal)
	}
	return breached, nil
}

// RunHeartbeats sends a heartbeat every interval while this instance is
// primary.
func (p *Pipeline) RunHeartbeats(ctx context.Context, interval time.Duration, send func(context.Context, failover.Heartbeat)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.writable() != nil {
				continue
			}
			epoch, holder := p.Failover.Guard().Current()
			send(ctx, failover.Heartbeat{Coordinator: holder, Epoch: epoch, At: p.clock().UTC()})
		}
	}
}

// RunRefresh replays new ledger entries every interval so that epoch
// transitions written by other instances are observed.
func (p *Pipeline) RunRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.Failover.Refresh(ctx); err != nil {
				p.logger.WarnContext(ctx, "ledger refresh failed", "error", err)
				_ = p.fail(err)
			}
		}
	}
}

// AuthorizeApply checks that an apply sent by from may land here: the
// token must be from's own and from must hold the current epoch. A holder
// this instance has not seen yet is looked up in the ledger once.
func (p *Pipeline) AuthorizeApply(ctx context.Context, from contracts.DomainID, token contracts.FencingToken) error {
	if token.IssuingDomain != from {
		return fmt.Errorf("%w: token issued by %q presented by %q", ErrNotHolder, token.IssuingDomain, from)
	}
	epoch, holder := p.Failover.Guard().Current()
	if holder == string(from) {
		return nil
	}
	if err := p.Failover.Refresh(ctx); err != nil {
		p.logger.WarnContext(ctx, "ledger refresh for apply sender failed", "from", from, "error", err)
	} else {
		epoch, holder = p.Failover.Guard().Current()
	}
	if holder != string(from) {
		p.logger.WarnContext(ctx, "apply from non-holder refused", "from", from, "epoch", epoch, "holder", holder)
		return fmt.Errorf("%w: %q, epoch %d is held by %q", ErrNotHolder, from, epoch, holder)
	}
	return nil
}

// Epoch returns the current epoch, its holder and whether this instance
// is primary. A contested epoch has no primary.
func (p *Pipeline) Epoch() (uint64, string, bool) {
	epoch, holder := p.Failover.Guard().Current()
	return epoch, holder, p.Failover.Guard().Active()
}
