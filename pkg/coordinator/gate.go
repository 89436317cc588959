package coordinator

import (
	"context"
	"sync"
)

// keyGate serializes the settle phase (token, commit, rollout) per
// resource key. Tokens for a key are only issued once the previous
// proposal on that key has settled.
type keyGate struct {
	mu   sync.Mutex
	busy map[string]chan struct{}
}

func newKeyGate() *keyGate {
	return &keyGate{busy: make(map[string]chan struct{})}
}

func (g *keyGate) enter(ctx context.Context, key string) (func(), error) {
	for {
		g.mu.Lock()
		ch, taken := g.busy[key]
		if !taken {
			done := make(chan struct{})
			g.busy[key] = done
			g.mu.Unlock()
			return func() {
				g.mu.Lock()
				delete(g.busy, key)
				g.mu.Unlock()
				close(done)
			}, nil
		}
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
