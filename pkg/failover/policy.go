package failover

import (
	"fmt"
	"slices"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

// Mode selects who must approve a promotion.
type Mode string

const (
	// ModeHuman requires RequiredApprovals distinct operator approvals.
	ModeHuman Mode = "human"
	// ModeQuorum requires RequiredApprovals distinct voting-domain approvals.
	ModeQuorum Mode = "quorum"
	// ModeSeverity requires operator approvals only when the request's
	// severity reaches SeverityThreshold.
	ModeSeverity Mode = "severity"
)

// Policy is the configurable promotion rule.
type Policy struct {
	Mode              Mode
	RequiredApprovals int
	SeverityThreshold int
	// Domains are the voting domains accepted as approvers in ModeQuorum.
	Domains []contracts.DomainID
}

// required returns how many approvals req needs.
func (p Policy) required(req PromotionRequest) int {
	if p.Mode == ModeSeverity && req.Severity < p.SeverityThreshold {
		return 0
	}
	return max(p.RequiredApprovals, 1)
}

// Evaluate verifies req's approvals for the target epoch and returns the
// distinct approvers. Invalid tokens are skipped, not fatal; the count of
// valid distinct approvals decides.
func (p Policy) Evaluate(approvers *Approvers, req PromotionRequest, epoch uint64, now time.Time) ([]string, error) {
	need := p.required(req)
	seen := make(map[string]bool)
	var rejected []error
	for _, tok := range req.Approvals {
		id, err := approvers.Verify(tok, req.Candidate, epoch, now)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		if p.Mode == ModeQuorum && !slices.Contains(p.Domains, contracts.DomainID(id)) {
			rejected = append(rejected, fmt.Errorf("%w: %s is not a voting domain", ErrInvalidApproval, id))
			continue
		}
		seen[id] = true
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	if len(out) < need {
		if len(rejected) > 0 {
			return out, fmt.Errorf("%w: %d of %d approvals valid (first rejection: %w)",
				contracts.ErrPromotionDenied, len(out), need, rejected[0])
		}
		return out, fmt.Errorf("%w: %d of %d approvals", contracts.ErrPromotionDenied, len(out), need)
	}
	return out, nil
}
