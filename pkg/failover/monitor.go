package failover

import (
	"fmt"
	"sync"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

// Heartbeat is sent by the active coordinator.
type Heartbeat struct {
	Coordinator string    `json:"coordinator"`
	Epoch       uint64    `json:"epoch"`
	At          time.Time `json:"at"`
}

// Monitor tracks the primary's liveness against a health-check deadline.
type Monitor struct {
	deadline time.Duration
	clock    func() time.Time

	mu       sync.Mutex
	primary  string
	epoch    uint64
	lastBeat time.Time
}

// NewMonitor starts with the deadline running from now, so a shadow that
// never hears from a primary eventually considers it unresponsive.
func NewMonitor(deadline time.Duration, clock func() time.Time) *Monitor {
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{deadline: deadline, clock: clock, lastBeat: clock()}
}

// Beat records a heartbeat. Heartbeats from an epoch older than the newest
// seen are rejected with ErrStaleEpoch.
func (m *Monitor) Beat(hb Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hb.Epoch < m.epoch {
		return fmt.Errorf("%w: heartbeat epoch %d, current %d", contracts.ErrStaleEpoch, hb.Epoch, m.epoch)
	}
	m.primary = hb.Coordinator
	m.epoch = hb.Epoch
	m.lastBeat = m.clock()
	return nil
}

// raise lifts the minimum accepted heartbeat epoch without counting as a
// heartbeat.
func (m *Monitor) raise(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch = max(m.epoch, epoch)
}

// Unresponsive reports whether the deadline passed without a heartbeat.
func (m *Monitor) Unresponsive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock().Sub(m.lastBeat) > m.deadline
}

// Primary returns the last heartbeat sender, its epoch and when it beat.
func (m *Monitor) Primary() (string, uint64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary, m.epoch, m.lastBeat
}
