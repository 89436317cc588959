package audit

import (
	"context"
	"errors"
	"sync"
)

// ErrSequenceConflict is returned by a Backend when the sequence number of an
// inserted entry is already taken, i.e. another writer appended first.
var ErrSequenceConflict = errors.New("sequence number already taken")

// Backend is durable entry storage. Implementations must reject an insert
// whose sequence already exists with ErrSequenceConflict; the ledger relies
// on that to stay gap-free with several writers.
type Backend interface {
	// Head returns the last sequence and its entry hash, or 0 and
	// GenesisHash when empty.
	Head(ctx context.Context) (uint64, string, error)
	Insert(ctx context.Context, e *Entry) error
	// Range returns at most limit entries with from <= sequence <= to in
	// ascending order.
	Range(ctx context.Context, from, to uint64, limit int) ([]*Entry, error)
}

// MemoryBackend keeps entries in a slice. Used in tests and by shadows that
// replay a remote ledger.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries []*Entry

	// failWith, when set, makes every call fail. Tests use it to simulate
	// storage loss.
	failWith error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// SetFailure makes subsequent calls return err; nil restores service.
func (m *MemoryBackend) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemoryBackend) Head(_ context.Context) (uint64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return 0, "", m.failWith
	}
	if len(m.entries) == 0 {
		return 0, GenesisHash, nil
	}
	last := m.entries[len(m.entries)-1]
	return last.Sequence, last.EntryHash, nil
}

func (m *MemoryBackend) Insert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if e.Sequence != uint64(len(m.entries))+1 {
		return ErrSequenceConflict
	}
	m.entries = append(m.entries, e.clone())
	return nil
}

func (m *MemoryBackend) Range(_ context.Context, from, to uint64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	if from == 0 {
		from = 1
	}
	out := make([]*Entry, 0)
	for seq := from; seq <= to && seq <= uint64(len(m.entries)); seq++ {
		out = append(out, m.entries[seq-1].clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

