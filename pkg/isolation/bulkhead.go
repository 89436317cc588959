package isolation

import (
	"context"
	"fmt"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

// Bulkhead bounds concurrent calls to one dependency. Up to queueDepth
// callers may wait for a slot; anyone beyond that fails with
// ErrBulkheadFull immediately.
type Bulkhead struct {
	id    string
	slots chan struct{}
	queue chan struct{}
}

func NewBulkhead(id string, maxConcurrent, queueDepth int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Bulkhead{
		id:    id,
		slots: make(chan struct{}, maxConcurrent),
		queue: make(chan struct{}, queueDepth),
	}
}

// Acquire takes a slot. The returned release must be called exactly once.
func (b *Bulkhead) Acquire(ctx context.Context) (func(), error) {
	release := func() { <-b.slots }

	select {
	case b.slots <- struct{}{}:
		return release, nil
	default:
	}

	select {
	case b.queue <- struct{}{}:
	default:
		return nil, fmt.Errorf("%w: %s", contracts.ErrBulkheadFull, b.id)
	}
	defer func() { <-b.queue }()

	select {
	case b.slots <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight returns the number of held slots.
func (b *Bulkhead) InFlight() int { return len(b.slots) }

// Queued returns the number of waiting callers.
func (b *Bulkhead) Queued() int { return len(b.queue) }
