package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/crypto"
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *MemoryBackend) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("test")
	require.NoError(t, err)
	backend := NewMemoryBackend()
	return New(backend, signer, opts...), backend
}

func (m *MemoryBackend) tamper(seq uint64, fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.entries[seq-1])
}

func TestLedger_AppendChains(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	e1, err := l.Append(ctx, KindProposal, "dns/api", map[string]string{"id": "p1"})
	require.NoError(t, err)
	e2, err := l.Append(ctx, KindVote, "p1", map[string]any{"approve": true})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, GenesisHash, e1.PreviousHash)
	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
	assert.NotEmpty(t, e2.Signature)
	assert.Equal(t, "test", e2.SignerKeyID)

	seq, hash, err := l.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, e2.EntryHash, hash)

	n, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestLedger_PayloadIsCanonical(t *testing.T) {
	l, _ := newTestLedger(t)
	e, err := l.Append(context.Background(), KindAnnotation, "x", map[string]any{"b": 1, "a": "<tag>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<tag>","b":1}`, string(e.Payload))
}

func TestLedger_ExpectSequence(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Append(ctx, KindProposal, "k", nil)
	require.NoError(t, err)

	e, err := l.Append(ctx, KindEpochTransition, "coordinator", nil, ExpectSequence(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)

	_, err = l.Append(ctx, KindEpochTransition, "coordinator", nil, ExpectSequence(1))
	assert.ErrorIs(t, err, ErrSequenceMismatch)
	assert.False(t, errors.Is(err, contracts.ErrLedgerUnavailable))
}

func TestLedger_BackendFailureIsLedgerUnavailable(t *testing.T) {
	l, backend := newTestLedger(t)
	backend.SetFailure(errors.New("disk gone"))

	_, err := l.Append(context.Background(), KindProposal, "k", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrLedgerUnavailable)
	assert.True(t, contracts.IsFatal(err))
}

func TestLedger_ReadFromIsFiniteAndRestartable(t *testing.T) {
	l, _ := newTestLedger(t, WithPageSize(2))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, KindVote, "p", map[string]int{"i": i})
		require.NoError(t, err)
	}

	var seen []uint64
	for e, err := range l.ReadFrom(ctx, 2) {
		require.NoError(t, err)
		seen = append(seen, e.Sequence)
		if e.Sequence == 3 {
			// Appends during iteration are not visited.
			_, err := l.Append(ctx, KindVote, "p", nil)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []uint64{2, 3, 4, 5}, seen)

	seen = seen[:0]
	for e, err := range l.ReadFrom(ctx, 0) {
		require.NoError(t, err)
		seen = append(seen, e.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, seen)
}

func TestLedger_VerifyChainDetectsTampering(t *testing.T) {
	l, backend := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, KindVote, "p", map[string]int{"i": i})
		require.NoError(t, err)
	}

	backend.tamper(2, func(e *Entry) { e.Payload = []byte(`{"i":9}`) })
	_, err := l.VerifyChain(ctx)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestLedger_VerifyChainRejectsUnknownSigner(t *testing.T) {
	backend := NewMemoryBackend()
	a, _ := crypto.NewEd25519Signer("a")
	b, _ := crypto.NewEd25519Signer("b")
	ctx := context.Background()

	_, err := New(backend, a).Append(ctx, KindVote, "p", nil)
	require.NoError(t, err)

	_, err = New(backend, b).VerifyChain(ctx)
	assert.ErrorIs(t, err, ErrChainBroken)
	assert.ErrorIs(t, err, crypto.ErrUnknownKey)

	ks := crypto.NewKeySet()
	ks.AddSigner(a)
	n, err := New(backend, b, WithKeySet(ks)).VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestLedger_HandlersMayAppend(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []Kind
	l.Subscribe(func(e *Entry) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
		if e.Kind == KindDecision {
			_, err := l.Append(ctx, KindAnnotation, e.Subject, nil)
			assert.NoError(t, err)
		}
	})

	_, err := l.Append(ctx, KindDecision, "p1", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{KindDecision, KindAnnotation}, kinds)
}

func TestLedger_ConcurrentAppendsAreGapFree(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, KindVote, "p", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)
}

func TestLedger_WithClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l, _ := newTestLedger(t, WithClock(func() time.Time { return fixed }))
	e, err := l.Append(context.Background(), KindVote, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, fixed, e.Timestamp)

	var decoded map[string]any
	require.NoError(t, e.Decode(&decoded))
	assert.Nil(t, decoded)
}
