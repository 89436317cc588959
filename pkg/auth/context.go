package auth

import (
	"context"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

type peerKey struct{}

// WithPeer records the authenticated sending domain.
func WithPeer(ctx context.Context, d contracts.DomainID) context.Context {
	return context.WithValue(ctx, peerKey{}, d)
}

// PeerFrom returns the authenticated sending domain, if any.
func PeerFrom(ctx context.Context) (contracts.DomainID, bool) {
	d, ok := ctx.Value(peerKey{}).(contracts.DomainID)
	return d, ok && d != ""
}
