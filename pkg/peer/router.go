package peer

import (
	"context"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/execution"
)

// Router is the execution applier for a multi-domain deployment: writes
// for this domain go to the local target, the rest to the owning peer.
type Router struct {
	self   contracts.DomainID
	local  execution.Applier
	remote *Client
}

func NewRouter(self contracts.DomainID, local execution.Applier, remote *Client) *Router {
	return &Router{self: self, local: local, remote: remote}
}

func (r *Router) Apply(ctx context.Context, d contracts.DomainID, resourceKey, value string, token contracts.FencingToken) error {
	if d == r.self {
		return r.local.Apply(ctx, d, resourceKey, value, token)
	}
	return r.remote.Apply(ctx, d, resourceKey, value, token)
}
