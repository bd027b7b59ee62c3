package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// MemoryStore is an in-memory EntryStore and AnchorLog for tests and
// single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []contracts.ChainEntry
	anchors []contracts.AnchorRecord
}

// NewMemoryStore builds an empty in-memory chain store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, entry contracts.ChainEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if want := int64(len(m.entries)) + 1; entry.Position != want {
		return fmt.Errorf("position %d conflicts, next is %d", entry.Position, want)
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStore) Head(_ context.Context) (*contracts.ChainEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	head := m.entries[len(m.entries)-1]
	return &head, nil
}

func (m *MemoryStore) Get(_ context.Context, position int64) (*contracts.ChainEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if position < 1 || position > int64(len(m.entries)) {
		return nil, nil
	}
	entry := m.entries[position-1]
	return &entry, nil
}

func (m *MemoryStore) Range(_ context.Context, from, to int64) ([]contracts.ChainEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from < 1 {
		from = 1
	}
	if to > int64(len(m.entries)) {
		to = int64(len(m.entries))
	}
	if from > to {
		return nil, nil
	}
	out := make([]contracts.ChainEntry, to-from+1)
	copy(out, m.entries[from-1:to])
	return out, nil
}

func (m *MemoryStore) Len(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

// SaveAnchor upserts an anchor record by ID, keeping start-position order.
func (m *MemoryStore) SaveAnchor(_ context.Context, record contracts.AnchorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.anchors {
		if m.anchors[i].ID == record.ID {
			m.anchors[i] = record
			return nil
		}
	}
	m.anchors = append(m.anchors, record)
	sort.Slice(m.anchors, func(i, j int) bool {
		return m.anchors[i].StartPosition < m.anchors[j].StartPosition
	})
	return nil
}

// LoadAnchors returns all anchor records in start-position order.
func (m *MemoryStore) LoadAnchors(_ context.Context) ([]contracts.AnchorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]contracts.AnchorRecord(nil), m.anchors...), nil
}

// Tamper overwrites a stored entry in place. Test hook for integrity
// verification; a real store never exposes this.
func (m *MemoryStore) Tamper(position int64, mutate func(*contracts.ChainEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if position >= 1 && position <= int64(len(m.entries)) {
		mutate(&m.entries[position-1])
	}
}
