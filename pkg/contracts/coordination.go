package contracts

import "time"

// FencingToken authorizes one write to one resource. A token is valid only
// while its epoch exceeds the resource's last committed epoch.
type FencingToken struct {
	ResourceKey   string    `json:"resource_key"`
	Epoch         uint64    `json:"epoch"`
	IssuedAt      time.Time `json:"issued_at"`
	IssuingDomain DomainID  `json:"issuing_domain"`
}

// Vote is one domain's position on one proposal. A later vote from the same
// domain replaces the earlier one.
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	Domain     DomainID  `json:"domain"`
	Approve    bool      `json:"approve"`
	CastAt     time.Time `json:"cast_at"`
}

// Outcome is the terminal result of a quorum round.
type Outcome string

const (
	OutcomeCommitted Outcome = "COMMITTED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeTimedOut  Outcome = "TIMED_OUT"
	OutcomeCancelled Outcome = "CANCELLED"
)

// State maps an outcome onto the proposal lifecycle.
func (o Outcome) State() ProposalState {
	switch o {
	case OutcomeCommitted:
		return StateCommitted
	case OutcomeRejected:
		return StateRejected
	case OutcomeTimedOut:
		return StateTimedOut
	default:
		return StateCancelled
	}
}

// QuorumDecision records how a round ended.
type QuorumDecision struct {
	ProposalID       string     `json:"proposal_id"`
	ResourceKey      string     `json:"resource_key"`
	Outcome          Outcome    `json:"outcome"`
	Threshold        int        `json:"threshold"`
	ApprovingDomains []DomainID `json:"approving_domains"`
	RejectingDomains []DomainID `json:"rejecting_domains,omitempty"`
	DecidedAt        time.Time  `json:"decided_at"`
}

// CircuitPosition is a circuit breaker state.
type CircuitPosition string

const (
	CircuitClosed   CircuitPosition = "CLOSED"
	CircuitOpen     CircuitPosition = "OPEN"
	CircuitHalfOpen CircuitPosition = "HALF_OPEN"
)

// CircuitState is a point-in-time snapshot of one breaker.
type CircuitState struct {
	DependencyID        string          `json:"dependency_id"`
	State               CircuitPosition `json:"state"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastFailureAt       time.Time       `json:"last_failure_at,omitempty"`
	TrialCount          int             `json:"trial_count"`
}

// EpochTransition is the ledger payload that makes a coordinator
// authoritative. Epochs only grow.
type EpochTransition struct {
	Epoch         uint64    `json:"epoch"`
	PreviousEpoch uint64    `json:"previous_epoch"`
	Coordinator   string    `json:"coordinator"`
	Domain        DomainID  `json:"domain"`
	Approvers     []string  `json:"approvers,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// HealthSignal is one sample of a named invariant metric. The core does not
// compute these; it only consumes them.
type HealthSignal struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Domain    DomainID  `json:"domain"`
}

// CommitRecord is the ledger payload written when a proposal commits. It
// carries everything replay needs: the causal position, the fencing epoch
// that became the resource's last committed epoch, and the vote outcome.
type CommitRecord struct {
	Proposal Proposal       `json:"proposal"`
	Causal   CausalRecord   `json:"causal"`
	Token    FencingToken   `json:"token"`
	Decision QuorumDecision `json:"decision"`
}

// Guardrail bounds one named health signal. A nil bound is open.
type Guardrail struct {
	Signal string   `json:"signal" yaml:"signal"`
	Min    *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max    *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// Breached reports whether v lies outside the bounds.
func (g Guardrail) Breached(v float64) bool {
	return (g.Min != nil && v < *g.Min) || (g.Max != nil && v > *g.Max)
}
