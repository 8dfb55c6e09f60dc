package auditchain

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSequenceExists is returned when a store already
// holds an entry with the same sequence.
var ErrSequenceExists = errors.New("auditchain: sequence already stored")

// Store persists entries. Iterate visits entries in
// ascending sequence order and stops at the first error
// returned by fn.
type Store interface {
	Append(e Entry) error
	Iterate(fn func(Entry) error) error
	Last() (Entry, bool, error)
	Len() (int, error)
	Close() error
}

// MemoryStore keeps entries in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.entries); n > 0 && m.entries[n-1].Sequence >= e.Sequence {
		return fmt.Errorf("%w: %d", ErrSequenceExists, e.Sequence)
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) Iterate(fn func(Entry) error) error {
	m.mu.RLock()
	snapshot := make([]Entry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.RUnlock()

	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) Last() (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return Entry{}, false, nil
	}
	return m.entries[len(m.entries)-1], true, nil
}

func (m *MemoryStore) Len() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryStore) Close() error { return nil }
