package causal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/crypto"
)

func prop(id string, issuer contracts.DomainID, deps ...string) contracts.Proposal {
	return contracts.Proposal{ID: id, ResourceKey: "dns/api", IssuingDomain: issuer, DeclaredDependencies: deps}
}

func TestValidate_SelfDependencyIsCycle(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(prop("a", "d1", "a"))
	assert.ErrorIs(t, err, contracts.ErrCycleDetected)
}

func TestValidate_UnknownDependency(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate(prop("a", "d1", "ghost"))
	assert.ErrorIs(t, err, contracts.ErrCausalityViolation)
}

func TestValidate_UncommittedDependency(t *testing.T) {
	v := NewValidator()
	v.Observe(prop("a", "d1"))
	_, err := v.Validate(prop("b", "d2", "a"))
	assert.ErrorIs(t, err, contracts.ErrCausalityViolation)

	_, err = v.Commit(prop("a", "d1"))
	require.NoError(t, err)
	_, err = v.Validate(prop("b", "d2", "a"))
	assert.NoError(t, err)
}

func TestValidate_CycleThroughObservedPeers(t *testing.T) {
	v := NewValidator()
	v.Observe(prop("b", "d2", "a"))
	v.Observe(prop("c", "d3", "b"))

	_, err := v.Validate(prop("a", "d1", "c"))
	assert.ErrorIs(t, err, contracts.ErrCycleDetected)
}

func TestValidate_IsSpeculative(t *testing.T) {
	v := NewValidator()
	a, err := v.Validate(prop("a", "d1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.LamportClock)
	assert.Equal(t, uint64(0), v.Lamport())
	_, ok := v.Record("a")
	assert.False(t, ok)
}

func TestCommit_ClocksDominateDependencies(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v := NewValidator().WithClock(func() time.Time { return at })

	ra, err := v.Commit(prop("a", "d1"))
	require.NoError(t, err)
	rb, err := v.Commit(prop("b", "d2"))
	require.NoError(t, err)
	rc, err := v.Commit(prop("c", "d3", "a", "b"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), ra.LamportClock)
	assert.Equal(t, uint64(2), rb.LamportClock)
	assert.Equal(t, uint64(3), rc.LamportClock)
	assert.True(t, rc.VectorClock.Dominates(ra.VectorClock))
	assert.True(t, rc.VectorClock.Dominates(rb.VectorClock))
	assert.Equal(t, contracts.VectorClock{"d1": 1, "d2": 1, "d3": 1}, rc.VectorClock)
	assert.Equal(t, at, rc.CommittedAt)
	require.NoError(t, v.Verify())

	_, err = v.Commit(prop("a", "d1"))
	assert.Error(t, err, "double commit")
}

func TestForget_KeepsCommitted(t *testing.T) {
	v := NewValidator()
	_, err := v.Commit(prop("a", "d1"))
	require.NoError(t, err)
	v.Observe(prop("b", "d1", "a"))

	v.Forget("a")
	v.Forget("b")
	_, ok := v.Record("a")
	assert.True(t, ok)
	_, err = v.Validate(prop("c", "d1", "b"))
	assert.ErrorIs(t, err, contracts.ErrCausalityViolation)
}

func TestRebuild_FromLedger(t *testing.T) {
	ctx := context.Background()
	signer, err := crypto.NewEd25519Signer("k")
	require.NoError(t, err)
	ledger := audit.New(audit.NewMemoryBackend(), signer)

	src := NewValidator()
	pa := prop("a", "d1")
	pb := prop("b", "d2", "a")
	for _, p := range []contracts.Proposal{pa, pb} {
		_, err := ledger.Append(ctx, audit.KindProposal, p.ResourceKey, p)
		require.NoError(t, err)
		rec, err := src.Commit(p)
		require.NoError(t, err)
		_, err = ledger.Append(ctx, audit.KindCommit, p.ResourceKey, contracts.CommitRecord{Proposal: p, Causal: rec})
		require.NoError(t, err)
	}
	pending := prop("c", "d3", "b")
	_, err = ledger.Append(ctx, audit.KindProposal, pending.ResourceKey, pending)
	require.NoError(t, err)

	v := NewValidator()
	require.NoError(t, v.Rebuild(ctx, ledger))
	assert.Equal(t, uint64(2), v.Lamport())
	rb, ok := v.Record("b")
	require.True(t, ok)
	assert.Equal(t, contracts.VectorClock{"d1": 1, "d2": 1}, rb.VectorClock)
	require.NoError(t, v.Verify())

	// c was replayed but never committed.
	_, err = v.Validate(prop("d", "d1", "c"))
	assert.ErrorIs(t, err, contracts.ErrCausalityViolation)
}
