// Package contracts defines the data model shared by every stage of the
// commit pipeline: proposals, causal records, fencing tokens, votes,
// quorum decisions, circuit state, epoch transitions and health signals.
//
// Values in this package are plain data. They carry JSON tags because every
// one of them is eventually written to the audit ledger.
package contracts

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// DomainID names an independent failure boundary (one availability zone,
// one voting agent).
type DomainID string

// Proposal is a request to change the authoritative value of a resource.
// Immutable once created.
type Proposal struct {
	ID                   string    `json:"id"`
	ResourceKey          string    `json:"resource_key"`
	DesiredValue         string    `json:"desired_value"`
	IssuingDomain        DomainID  `json:"issuing_domain"`
	DeclaredDependencies []string  `json:"declared_dependencies,omitempty"`
	Criticality          string    `json:"criticality,omitempty"`
	SubmittedAt          time.Time `json:"submitted_at"`
}

// NewProposal builds a proposal with a fresh id. The resource key is
// normalized and the dependency set is deduplicated and sorted so that two
// proposals declaring the same set serialize identically.
func NewProposal(resourceKey, desiredValue string, issuer DomainID, deps []string, submittedAt time.Time) (Proposal, error) {
	key, err := NormalizeResourceKey(resourceKey)
	if err != nil {
		return Proposal{}, err
	}
	if issuer == "" {
		return Proposal{}, fmt.Errorf("proposal: issuing domain is required")
	}
	return Proposal{
		ID:                   uuid.NewString(),
		ResourceKey:          key,
		DesiredValue:         desiredValue,
		IssuingDomain:        issuer,
		DeclaredDependencies: dedupe(deps),
		SubmittedAt:          submittedAt.UTC(),
	}, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ProposalState is the lifecycle position of a proposal inside the quorum
// coordinator.
type ProposalState string

const (
	StateProposed  ProposalState = "PROPOSED"
	StateVoting    ProposalState = "VOTING"
	StateCommitted ProposalState = "COMMITTED"
	StateRejected  ProposalState = "REJECTED"
	StateTimedOut  ProposalState = "TIMED_OUT"
	StateCancelled ProposalState = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s ProposalState) Terminal() bool {
	switch s {
	case StateCommitted, StateRejected, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Cancellable reports whether the issuing domain may still withdraw the
// proposal. Committed changes are only undone by a compensating proposal.
func (s ProposalState) Cancellable() bool {
	return s == StateProposed || s == StateVoting
}
