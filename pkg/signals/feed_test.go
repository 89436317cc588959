package signals

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

func TestFeed_KeepsNewest(t *testing.T) {
	f := NewFeed()
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	var got []float64
	f.Subscribe(func(s contracts.HealthSignal) { got = append(got, s.Value) })

	ok, err := f.Publish(contracts.HealthSignal{Name: "error_rate", Value: 0.1, Domain: "d1", Timestamp: t0})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Publish(contracts.HealthSignal{Name: "error_rate", Value: 0.9, Domain: "d1", Timestamp: t0.Add(-time.Second)})
	require.NoError(t, err)
	assert.False(t, ok, "older sample dropped")

	sig, found := f.Latest("d1", "error_rate")
	require.True(t, found)
	assert.Equal(t, 0.1, sig.Value)
	assert.Equal(t, []float64{0.1}, got)

	_, found = f.Latest("d2", "error_rate")
	assert.False(t, found)
}

func TestFeed_Validation(t *testing.T) {
	f := NewFeed()
	_, err := f.Publish(contracts.HealthSignal{Name: "", Domain: "d1"})
	assert.ErrorIs(t, err, ErrInvalidSignal)
	_, err = f.Publish(contracts.HealthSignal{Name: "x", Domain: "d1", Value: math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidSignal)
}

func TestFeed_DefaultsTimestampAndSnapshot(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f := NewFeed().WithClock(func() time.Time { return now })
	_, err := f.Publish(contracts.HealthSignal{Name: "b", Domain: "d2", Value: 1})
	require.NoError(t, err)
	_, err = f.Publish(contracts.HealthSignal{Name: "a", Domain: "d1", Value: 2})
	require.NoError(t, err)

	snap := f.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, contracts.DomainID("d1"), snap[0].Domain)
	assert.Equal(t, now, snap[1].Timestamp)
}
