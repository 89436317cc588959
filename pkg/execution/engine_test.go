package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/crypto"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/isolation"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/signals"
)

type call struct {
	domain contracts.DomainID
	value  string
}

type recordingApplier struct {
	mu      sync.Mutex
	calls   []call
	failOn  contracts.DomainID
	onApply func(contracts.DomainID, string)
}

func (a *recordingApplier) Apply(_ context.Context, d contracts.DomainID, _ string, value string, _ contracts.FencingToken) error {
	a.mu.Lock()
	a.calls = append(a.calls, call{d, value})
	hook := a.onApply
	a.mu.Unlock()
	if hook != nil {
		hook(d, value)
	}
	if d == a.failOn && value != "old" {
		return errors.New("endpoint refused write")
	}
	return nil
}

func (a *recordingApplier) snapshot() []call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]call(nil), a.calls...)
}

func testConfig() Config {
	maxErr := 0.05
	return Config{
		Domains:          []contracts.DomainID{"d3", "d1", "d2"},
		CanarySize:       1,
		ValidationWindow: 30 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		Velocity:         1000,
		Guardrails:       []contracts.Guardrail{{Signal: "error_rate", Max: &maxErr}},
	}
}

type harness struct {
	engine  *Engine
	applier *recordingApplier
	feed    *signals.Feed
	ledger  *audit.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("k")
	require.NoError(t, err)
	h := &harness{
		applier: &recordingApplier{},
		feed:    signals.NewFeed(),
		ledger:  audit.New(audit.NewMemoryBackend(), signer),
	}
	layer := isolation.NewLayer(isolation.Config{Breaker: isolation.DefaultBreakerConfig()})
	h.engine = NewEngine(testConfig(), h.applier, h.feed, layer, h.ledger)
	return h
}

func (h *harness) kinds(t *testing.T) []audit.Kind {
	var out []audit.Kind
	for e, err := range h.ledger.ReadFrom(context.Background(), 1) {
		require.NoError(t, err)
		out = append(out, e.Kind)
	}
	return out
}

func rollout(value string) Rollout {
	return Rollout{ProposalID: "p1", ResourceKey: "dns/api", Value: value, Token: contracts.FencingToken{ResourceKey: "dns/api", Epoch: 1}}
}

func TestEngine_CanaryThenExpand(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.Execute(context.Background(), rollout("new"))
	require.NoError(t, err)

	assert.Equal(t, []contracts.DomainID{"d1", "d2", "d3"}, res.Applied, "deterministic order")
	assert.False(t, res.RolledBack)
	assert.Equal(t, "new", h.engine.LastKnownGood("dns/api"))
	assert.Equal(t, []audit.Kind{
		audit.KindStage, audit.KindStage, audit.KindStage, audit.KindStage, audit.KindRolloutComplete,
	}, h.kinds(t))
}

func TestEngine_CanaryBreachRollsBack(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Execute(context.Background(), rollout("old"))
	require.NoError(t, err)

	h.applier.onApply = func(d contracts.DomainID, v string) {
		if v == "bad" {
			_, _ = h.feed.Publish(contracts.HealthSignal{Name: "error_rate", Value: 0.4, Domain: d, Timestamp: time.Now()})
		}
	}
	res, err := h.engine.Execute(context.Background(), rollout("bad"))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrGuardrailViolation)
	assert.Equal(t, contracts.ClassHighSeverity, contracts.ClassOf(err))
	assert.True(t, res.RolledBack)
	assert.Equal(t, "old", res.Restored)
	assert.Equal(t, []contracts.DomainID{"d1"}, res.Applied, "never expanded past canary")

	calls := h.applier.snapshot()
	assert.Equal(t, call{"d1", "old"}, calls[len(calls)-1])
	assert.Equal(t, "old", h.engine.LastKnownGood("dns/api"))

	kinds := h.kinds(t)
	assert.Equal(t, audit.KindRollback, kinds[len(kinds)-1])
}

func TestEngine_ExpansionBreachRollsBackAllTouched(t *testing.T) {
	h := newHarness(t)
	h.applier.onApply = func(d contracts.DomainID, v string) {
		if d == "d2" && v == "bad" {
			_, _ = h.feed.Publish(contracts.HealthSignal{Name: "error_rate", Value: 0.9, Domain: d, Timestamp: time.Now()})
		}
	}
	res, err := h.engine.Execute(context.Background(), rollout("bad"))
	assert.ErrorIs(t, err, contracts.ErrGuardrailViolation)
	assert.Equal(t, []contracts.DomainID{"d1", "d2"}, res.Applied)

	calls := h.applier.snapshot()
	require.GreaterOrEqual(t, len(calls), 2)
	// Newest first, to the empty value (no earlier completed rollout).
	assert.Equal(t, []call{{"d2", ""}, {"d1", ""}}, calls[len(calls)-2:])
}

func TestEngine_StaleSignalsIgnored(t *testing.T) {
	h := newHarness(t)
	_, _ = h.feed.Publish(contracts.HealthSignal{Name: "error_rate", Value: 0.9, Domain: "d1", Timestamp: time.Now().Add(-time.Hour)})

	res, err := h.engine.Execute(context.Background(), rollout("new"))
	require.NoError(t, err)
	assert.False(t, res.RolledBack)
}

func TestEngine_ApplyFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.applier.failOn = "d2"

	res, err := h.engine.Execute(context.Background(), rollout("new"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, contracts.ErrGuardrailViolation))
	assert.True(t, res.RolledBack)
	assert.Equal(t, []contracts.DomainID{"d1"}, res.Applied)
}

func TestEngine_Rebuild(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Execute(context.Background(), rollout("v1"))
	require.NoError(t, err)

	fresh := NewEngine(testConfig(), h.applier, h.feed, isolation.NewLayer(isolation.Config{}), h.ledger)
	require.NoError(t, fresh.Rebuild(context.Background()))
	assert.Equal(t, "v1", fresh.LastKnownGood("dns/api"))
}
