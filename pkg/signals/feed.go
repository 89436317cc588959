// Package signals is the intake for externally computed health signals.
// It keeps the latest sample per domain and signal name and fans new
// samples out to subscribers.
package signals

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

var ErrInvalidSignal = errors.New("invalid health signal")

type key struct {
	domain contracts.DomainID
	name   string
}

// Subscriber receives every accepted sample.
type Subscriber func(contracts.HealthSignal)

// Feed holds the latest samples.
type Feed struct {
	clock func() time.Time

	mu          sync.RWMutex
	latest      map[key]contracts.HealthSignal
	subscribers []Subscriber
}

func NewFeed() *Feed {
	return &Feed{clock: time.Now, latest: make(map[key]contracts.HealthSignal)}
}

// WithClock overrides the time used for samples without a timestamp.
func (f *Feed) WithClock(clock func() time.Time) *Feed {
	f.clock = clock
	return f
}

// Subscribe registers s for future samples.
func (f *Feed) Subscribe(s Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, s)
}

// Publish accepts a sample. Samples older than the stored one for the same
// key are dropped and reported as not accepted.
func (f *Feed) Publish(sig contracts.HealthSignal) (bool, error) {
	if sig.Name == "" || sig.Domain == "" {
		return false, fmt.Errorf("%w: name and domain are required", ErrInvalidSignal)
	}
	if math.IsNaN(sig.Value) || math.IsInf(sig.Value, 0) {
		return false, fmt.Errorf("%w: value must be finite", ErrInvalidSignal)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = f.clock()
	}
	sig.Timestamp = sig.Timestamp.UTC()

	k := key{domain: sig.Domain, name: sig.Name}
	f.mu.Lock()
	if cur, ok := f.latest[k]; ok && sig.Timestamp.Before(cur.Timestamp) {
		f.mu.Unlock()
		return false, nil
	}
	f.latest[k] = sig
	subs := f.subscribers
	f.mu.Unlock()

	for _, s := range subs {
		s(sig)
	}
	return true, nil
}

// Latest returns the newest sample for domain and name.
func (f *Feed) Latest(domain contracts.DomainID, name string) (contracts.HealthSignal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sig, ok := f.latest[key{domain: domain, name: name}]
	return sig, ok
}

// Snapshot returns all latest samples ordered by domain then name.
func (f *Feed) Snapshot() []contracts.HealthSignal {
	f.mu.RLock()
	out := make([]contracts.HealthSignal, 0, len(f.latest))
	for _, s := range f.latest {
		out = append(out, s)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Name < out[j].Name
	})
	return out
}
