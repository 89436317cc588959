package quorum

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

var threeDomains = []contracts.DomainID{"A", "B", "C"}

func newCoordinator(t *testing.T, mutate func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{Domains: threeDomains, Threshold: 2, VoteTimeout: time.Minute}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func proposal(id, key string, issuer contracts.DomainID) contracts.Proposal {
	return contracts.Proposal{ID: id, ResourceKey: key, IssuingDomain: issuer}
}

func vote(id string, d contracts.DomainID, approve bool) contracts.Vote {
	return contracts.Vote{ProposalID: id, Domain: d, Approve: approve}
}

func TestQuorum_TwoOfThreeCommitsOnSecondApproval(t *testing.T) {
	c := newCoordinator(t, nil)
	ctx := context.Background()
	r, err := c.Open(ctx, proposal("p1", "dns/api", "A"))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateVoting, r.State())

	tally, err := c.Cast(vote("p1", "A", true))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateVoting, tally.State)

	tally, err = c.Cast(vote("p1", "B", true))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCommitted, tally.State)

	// C's late rejection does not change anything.
	tally, err = c.Cast(vote("p1", "C", false))
	require.NoError(t, err)
	assert.False(t, tally.Counted)
	assert.Equal(t, contracts.StateCommitted, tally.State)

	d, err := c.Await(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeCommitted, d.Outcome)
	assert.Equal(t, []contracts.DomainID{"A", "B"}, d.ApprovingDomains)
	assert.Empty(t, d.RejectingDomains)
}

func TestQuorum_RejectionBeforeApprovalsStillCommits(t *testing.T) {
	c := newCoordinator(t, nil)
	_, err := c.Open(context.Background(), proposal("p1", "k", "A"))
	require.NoError(t, err)

	_, _ = c.Cast(vote("p1", "C", false))
	_, _ = c.Cast(vote("p1", "A", true))
	tally, err := c.Cast(vote("p1", "B", true))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCommitted, tally.State)
}

func TestQuorum_SingleVoteTimesOut(t *testing.T) {
	c := newCoordinator(t, func(cfg *Config) { cfg.VoteTimeout = 30 * time.Millisecond })
	ctx := context.Background()
	_, err := c.Open(ctx, proposal("p1", "k", "A"))
	require.NoError(t, err)
	_, err = c.Cast(vote("p1", "A", true))
	require.NoError(t, err)

	d, err := c.Await(ctx, "p1")
	assert.ErrorIs(t, err, contracts.ErrQuorumTimeout)
	assert.Equal(t, contracts.OutcomeTimedOut, d.Outcome)

	_, ok := c.Active("k")
	assert.False(t, ok, "slot released")
}

func TestQuorum_IdempotentVotes(t *testing.T) {
	c := newCoordinator(t, nil)
	_, err := c.Open(context.Background(), proposal("p1", "k", "A"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tally, err := c.Cast(vote("p1", "A", true))
		require.NoError(t, err)
		assert.Equal(t, 1, tally.Approvals)
		assert.Equal(t, contracts.StateVoting, tally.State)
	}
}

func TestQuorum_VoteOverwrite(t *testing.T) {
	c := newCoordinator(t, func(cfg *Config) { cfg.Threshold = 3 })
	_, err := c.Open(context.Background(), proposal("p1", "k", "A"))
	require.NoError(t, err)

	_, _ = c.Cast(vote("p1", "A", true))
	tally, _ := c.Cast(vote("p1", "B", true))
	assert.Equal(t, 2, tally.Approvals)
	// B changes its mind: 3-of-3 is now unreachable.
	tally, _ = c.Cast(vote("p1", "B", false))
	assert.Equal(t, contracts.StateRejected, tally.State)

	_, err = c.Await(context.Background(), "p1")
	assert.ErrorIs(t, err, contracts.ErrQuorumRejected)
}

func TestQuorum_EarlyRejection(t *testing.T) {
	c := newCoordinator(t, nil)
	_, err := c.Open(context.Background(), proposal("p1", "k", "A"))
	require.NoError(t, err)
	tally, _ := c.Cast(vote("p1", "B", false))
	assert.Equal(t, contracts.StateVoting, tally.State)
	tally, _ = c.Cast(vote("p1", "C", false))
	assert.Equal(t, contracts.StateRejected, tally.State)
}

func TestQuorum_UnknownDomainAndProposal(t *testing.T) {
	c := newCoordinator(t, nil)
	_, err := c.Cast(vote("nope", "A", true))
	assert.ErrorIs(t, err, contracts.ErrProposalNotFound)

	_, err = c.Open(context.Background(), proposal("p1", "k", "A"))
	require.NoError(t, err)
	_, err = c.Cast(vote("p1", "Z", true))
	assert.ErrorIs(t, err, ErrUnknownDomain)
}

func TestQuorum_ConflictReject(t *testing.T) {
	c := newCoordinator(t, nil)
	ctx := context.Background()
	_, err := c.Open(ctx, proposal("p1", "k", "A"))
	require.NoError(t, err)

	_, err = c.Open(ctx, proposal("p2", "k", "B"))
	assert.ErrorIs(t, err, contracts.ErrConflictingProposal)
	_, err = c.Round("p2")
	assert.ErrorIs(t, err, contracts.ErrProposalNotFound)

	// Different keys proceed in parallel.
	_, err = c.Open(ctx, proposal("p3", "other", "B"))
	assert.NoError(t, err)
}

func TestQuorum_ConflictWait(t *testing.T) {
	c := newCoordinator(t, func(cfg *Config) { cfg.ConflictPolicy = ConflictWait })
	ctx := context.Background()
	_, err := c.Open(ctx, proposal("p1", "k", "A"))
	require.NoError(t, err)

	opened := make(chan *Round, 1)
	go func() {
		r, err := c.Open(ctx, proposal("p2", "k", "B"))
		assert.NoError(t, err)
		opened <- r
	}()

	require.Eventually(t, func() bool {
		r, err := c.Round("p2")
		return err == nil && r.State() == contracts.StateProposed
	}, time.Second, time.Millisecond)

	_, _ = c.Cast(vote("p1", "A", true))
	_, _ = c.Cast(vote("p1", "B", true))

	select {
	case r := <-opened:
		assert.Equal(t, contracts.StateVoting, r.State())
		id, _ := c.Active("k")
		assert.Equal(t, "p2", id)
	case <-time.After(time.Second):
		t.Fatal("waiting proposal never opened")
	}
}

func TestQuorum_ConflictWaitHonoursContext(t *testing.T) {
	c := newCoordinator(t, func(cfg *Config) { cfg.ConflictPolicy = ConflictWait })
	_, err := c.Open(context.Background(), proposal("p1", "k", "A"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Open(ctx, proposal("p2", "k", "B"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQuorum_Cancel(t *testing.T) {
	c := newCoordinator(t, nil)
	ctx := context.Background()
	_, err := c.Open(ctx, proposal("p1", "k", "A"))
	require.NoError(t, err)

	assert.ErrorIs(t, c.Cancel("p1", "B"), contracts.ErrNotCancellable, "only the issuer")
	require.NoError(t, c.Cancel("p1", "A"))

	_, err = c.Await(ctx, "p1")
	assert.ErrorIs(t, err, ErrCancelled)
	_, ok := c.Active("k")
	assert.False(t, ok)

	assert.ErrorIs(t, c.Cancel("p1", "A"), contracts.ErrNotCancellable)
}

func TestQuorum_CancelBeforeVotingStartsStaysCancelled(t *testing.T) {
	c := newCoordinator(t, func(cfg *Config) { cfg.IssuerApproves = true })
	r := &Round{
		proposal:  proposal("p1", "k", "A"),
		threshold: 2,
		state:     contracts.StateProposed,
		votes:     make(map[contracts.DomainID]contracts.Vote),
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	c.rounds["p1"] = r
	c.active["k"] = r
	c.mu.Unlock()

	require.NoError(t, c.Cancel("p1", "A"))
	c.startVoting(r)

	assert.Equal(t, contracts.StateCancelled, r.State())
	assert.Empty(t, r.Votes())
	r.mu.Lock()
	assert.Nil(t, r.timer)
	r.mu.Unlock()
	_, ok := c.Active("k")
	assert.False(t, ok)
}

func TestQuorum_CancelAfterCommit(t *testing.T) {
	c := newCoordinator(t, nil)
	_, err := c.Open(context.Background(), proposal("p1", "k", "A"))
	require.NoError(t, err)
	_, _ = c.Cast(vote("p1", "A", true))
	_, _ = c.Cast(vote("p1", "B", true))
	assert.ErrorIs(t, c.Cancel("p1", "A"), contracts.ErrNotCancellable)
}

func TestQuorum_IssuerApproves(t *testing.T) {
	c := newCoordinator(t, func(cfg *Config) { cfg.IssuerApproves = true })
	_, err := c.Open(context.Background(), proposal("p1", "k", "A"))
	require.NoError(t, err)
	tally, err := c.Cast(vote("p1", "C", true))
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCommitted, tally.State)
}

func TestQuorum_TierThreshold(t *testing.T) {
	c := newCoordinator(t, func(cfg *Config) {
		cfg.Tiers = []Tier{{Name: "critical", Expression: `proposal.criticality == "SIL4"`, Threshold: 3}}
	})
	p := proposal("p1", "k", "A")
	p.Criticality = "SIL4"
	r, err := c.Open(context.Background(), p)
	require.NoError(t, err)
	tier, threshold := r.Threshold()
	assert.Equal(t, "critical", tier)
	assert.Equal(t, 3, threshold)

	_, _ = c.Cast(vote("p1", "A", true))
	tally, _ := c.Cast(vote("p1", "B", true))
	assert.Equal(t, contracts.StateVoting, tally.State)
}

func TestNew_RejectsImpossibleThreshold(t *testing.T) {
	_, err := New(Config{Domains: threeDomains, Threshold: 4}, nil)
	assert.Error(t, err)
	_, err = New(Config{Domains: threeDomains, Threshold: 2, Tiers: []Tier{{Name: "x", Expression: "true", Threshold: 9}}}, nil)
	assert.Error(t, err)
	_, err = New(Config{Domains: threeDomains, Threshold: 2, Tiers: []Tier{{Name: "x", Expression: "proposal.", Threshold: 2}}}, nil)
	assert.Error(t, err)
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []string
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, p contracts.Proposal, _ []contracts.DomainID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, p.ID)
}

func TestQuorum_BroadcastsOnVoting(t *testing.T) {
	b := &recordingBroadcaster{}
	c, err := New(Config{Domains: threeDomains, Threshold: 2, VoteTimeout: time.Minute}, b)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Open(context.Background(), proposal("p1", "k", "A"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.sent) == 1
	}, time.Second, time.Millisecond)
}
