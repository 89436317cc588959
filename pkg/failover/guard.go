package failover

import (
	"fmt"
	"sync"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

// EpochGuard is this instance's view of the current epoch. The epoch only
// ever increases; once a greater epoch held by someone else is observed
// the instance is stale for the rest of its life at that epoch.
type EpochGuard struct {
	self string

	mu      sync.RWMutex
	current uint64
	holder  string
	// contender is a second coordinator heard claiming the current epoch.
	contender string
}

func NewEpochGuard(self string) *EpochGuard {
	return &EpochGuard{self: self}
}

// Observe raises the epoch. Lower or equal epochs are ignored.
func (g *EpochGuard) Observe(epoch uint64, holder string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if epoch <= g.current {
		return false
	}
	g.current = epoch
	g.holder = holder
	g.contender = ""
	return true
}

// Contest records that other also claims epoch. Until a greater epoch is
// observed nobody may write under it, this instance included.
func (g *EpochGuard) Contest(epoch uint64, other string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if epoch != g.current || epoch == 0 || other == g.holder {
		return false
	}
	g.contender = other
	return true
}

// Check returns ErrStaleEpoch unless this instance holds the current epoch.
func (g *EpochGuard) Check() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.contender != "" {
		return fmt.Errorf("%w: epoch %d is claimed by both %q and %q",
			contracts.ErrStaleEpoch, g.current, g.holder, g.contender)
	}
	if g.holder != g.self || g.current == 0 {
		return fmt.Errorf("%w: epoch %d is held by %q", contracts.ErrStaleEpoch, g.current, g.holder)
	}
	return nil
}

// Current returns the epoch and its holder.
func (g *EpochGuard) Current() (uint64, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current, g.holder
}

// Active reports whether this instance holds the current epoch.
func (g *EpochGuard) Active() bool {
	return g.Check() == nil
}
