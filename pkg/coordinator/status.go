package coordinator

import (
	"slices"
	"sync"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/execution"
)

// Rollout progress values.
const (
	RolloutPending    = "pending"
	RolloutRunning    = "running"
	RolloutComplete   = "complete"
	RolloutRolledBack = "rolled_back"
	RolloutFailed     = "failed"
)

// RolloutStatus describes the execution of a committed proposal.
type RolloutStatus struct {
	Phase    string               `json:"phase"`
	Applied  []contracts.DomainID `json:"applied,omitempty"`
	Restored *string              `json:"restored,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Status is the pipeline's view of one proposal.
type Status struct {
	ProposalID  string                    `json:"proposal_id"`
	ResourceKey string                    `json:"resource_key"`
	State       contracts.ProposalState   `json:"state"`
	Tier        string                    `json:"tier,omitempty"`
	Threshold   int                       `json:"threshold,omitempty"`
	Votes       []contracts.Vote          `json:"votes,omitempty"`
	Decision    *contracts.QuorumDecision `json:"decision,omitempty"`
	Token       *contracts.FencingToken   `json:"token,omitempty"`
	Causal      *contracts.CausalRecord   `json:"causal,omitempty"`
	Rollout     *RolloutStatus            `json:"rollout,omitempty"`
	Code        contracts.Code            `json:"code,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

// tracker keeps pipeline-side status for the most recent proposals.
type tracker struct {
	retain int

	mu    sync.Mutex
	byID  map[string]*Status
	order []string
}

func newTracker(retain int) *tracker {
	return &tracker{retain: retain, byID: make(map[string]*Status)}
}

func (t *tracker) put(prop contracts.Proposal, st *Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st.ProposalID = prop.ID
	st.ResourceKey = prop.ResourceKey
	t.byID[prop.ID] = st
	t.order = append(t.order, prop.ID)
	if over := len(t.order) - t.retain; over > 0 {
		for _, id := range t.order[:over] {
			delete(t.byID, id)
		}
		t.order = slices.Delete(t.order, 0, over)
	}
}

func (t *tracker) update(id string, fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.byID[id]; ok {
		fn(st)
	}
}

func (t *tracker) get(id string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byID[id]
	if !ok {
		return Status{}, false
	}
	out := *st
	if st.Rollout != nil {
		r := *st.Rollout
		r.Applied = slices.Clone(st.Rollout.Applied)
		out.Rollout = &r
	}
	return out, true
}

func (t *tracker) rejected(prop contracts.Proposal, err error) {
	t.put(prop, &Status{State: contracts.StateRejected, Code: contracts.CodeOf(err), Error: err.Error()})
}

func (t *tracker) opened(prop contracts.Proposal) {
	t.put(prop, &Status{State: contracts.StateVoting})
}

func (t *tracker) tokened(id string, token contracts.FencingToken) {
	t.update(id, func(st *Status) { st.Token = &token })
}

func (t *tracker) failed(id string, err error, state contracts.ProposalState) {
	t.update(id, func(st *Status) {
		st.State = state
		st.Code = contracts.CodeOf(err)
		st.Error = err.Error()
	})
}

func (t *tracker) committed(id string, rec contracts.CausalRecord) {
	t.update(id, func(st *Status) {
		st.State = contracts.StateCommitted
		st.Causal = &rec
		st.Rollout = &RolloutStatus{Phase: RolloutPending}
	})
}

func (t *tracker) rolling(id string) {
	t.update(id, func(st *Status) { st.Rollout = &RolloutStatus{Phase: RolloutRunning} })
}

func (t *tracker) rolledOut(id string, res *execution.Result, err error) {
	t.update(id, func(st *Status) {
		r := &RolloutStatus{Phase: RolloutComplete}
		if res != nil {
			r.Applied = slices.Clone(res.Applied)
			if res.RolledBack {
				r.Phase = RolloutRolledBack
				restored := res.Restored
				r.Restored = &restored
			}
		}
		if err != nil {
			r.Error = err.Error()
			if r.Phase == RolloutComplete {
				r.Phase = RolloutFailed
			}
		}
		st.Rollout = r
	})
}
