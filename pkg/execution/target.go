package execution

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

// Slot is the value a domain holds for one resource.
type Slot struct {
	Value string `json:"value"`
	Epoch uint64 `json:"epoch"`
}

// StateTarget is an in-process authoritative store, one map per domain.
// Writes carrying a token older than the slot's epoch are refused, so a
// deposed writer cannot overwrite a newer value even if it reaches the
// store. A rollback reuses its rollout's token and is accepted.
type StateTarget struct {
	mu    sync.RWMutex
	slots map[contracts.DomainID]map[string]Slot
}

func NewStateTarget() *StateTarget {
	return &StateTarget{slots: make(map[contracts.DomainID]map[string]Slot)}
}

// Apply implements Applier. An empty value removes the resource.
func (t *StateTarget) Apply(ctx context.Context, domain contracts.DomainID, key, value string, token contracts.FencingToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.slots[domain]
	if !ok {
		m = make(map[string]Slot)
		t.slots[domain] = m
	}
	if cur, ok := m[key]; ok && token.Epoch < cur.Epoch {
		return fmt.Errorf("%w: %s on %s holds epoch %d, write carries %d",
			contracts.ErrStaleFencingToken, key, domain, cur.Epoch, token.Epoch)
	}
	if value == "" {
		m[key] = Slot{Epoch: token.Epoch}
		return nil
	}
	m[key] = Slot{Value: value, Epoch: token.Epoch}
	return nil
}

// Get returns the slot for key on domain.
func (t *StateTarget) Get(domain contracts.DomainID, key string) (Slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.slots[domain][key]
	return s, ok
}

// Resource returns key's slot on every domain that has one.
func (t *StateTarget) Resource(key string) map[contracts.DomainID]Slot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[contracts.DomainID]Slot)
	for d, m := range t.slots {
		if s, ok := m[key]; ok {
			out[d] = s
		}
	}
	return out
}

// Domain returns a copy of every slot held by domain.
func (t *StateTarget) Domain(d contracts.DomainID) map[string]Slot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.slots[d])
}
