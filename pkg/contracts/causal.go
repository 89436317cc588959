package contracts

import (
	"maps"
	"sort"
	"time"
)

// VectorClock maps a domain to the count of causally relevant commits it
// has issued. The zero value is an empty clock.
type VectorClock map[DomainID]uint64

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	maps.Copy(out, vc)
	return out
}

// Merge raises every component of vc to at least the value in other.
func (vc VectorClock) Merge(other VectorClock) {
	for d, ts := range other {
		if vc[d] < ts {
			vc[d] = ts
		}
	}
}

// Increment bumps the component for domain d.
func (vc VectorClock) Increment(d DomainID) {
	vc[d]++
}

// Dominates reports whether vc >= other component-wise and vc != other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	strict := false
	for d, ts := range other {
		if vc[d] < ts {
			return false
		}
		if vc[d] > ts {
			strict = true
		}
	}
	for d, ts := range vc {
		if _, ok := other[d]; !ok && ts > 0 {
			strict = true
		}
	}
	return strict
}

// Domains returns the clock's domains in sorted order.
func (vc VectorClock) Domains() []DomainID {
	out := make([]DomainID, 0, len(vc))
	for d := range vc {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CausalRecord is appended to the ledger when a proposal commits. Never mutated.
type CausalRecord struct {
	ProposalID   string      `json:"proposal_id"`
	ResourceKey  string      `json:"resource_key"`
	Dependencies []string    `json:"dependencies,omitempty"`
	LamportClock uint64      `json:"lamport_clock"`
	VectorClock  VectorClock `json:"vector_clock"`
	CommittedAt  time.Time   `json:"committed_at"`
}
