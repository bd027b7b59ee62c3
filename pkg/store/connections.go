// Package store persists tenant connections and caches their resolved
// configuration. The connection table's unique index on the external-id
// hash is what makes every issued external id globally unique.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

var (
	// ErrConnectionNotFound marks a missing connection id.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrDuplicateHash marks an external-id hash already claimed.
	ErrDuplicateHash = errors.New("external id hash is already reserved")
)

// ConnectionStore persists tenant connections.
type ConnectionStore interface {
	Create(ctx context.Context, conn *contracts.Connection) error
	Get(ctx context.Context, id string) (*contracts.Connection, error)
	GetByTenant(ctx context.Context, tenantID string) ([]contracts.Connection, error)
	UpdateMode(ctx context.Context, id string, mode contracts.ExecutionMode) error
	UpdateStatus(ctx context.Context, id string, status contracts.ConnectionStatus) error
	UpdateExternalID(ctx context.Context, id, hash, encrypted string) error
}

// MemoryConnectionStore is an in-memory ConnectionStore that doubles as
// the external-id hash index.
type MemoryConnectionStore struct {
	mu     sync.RWMutex
	byID   map[string]*contracts.Connection
	hashes map[string]string // hash -> tenant id
	clock  func() time.Time
}

// NewMemoryConnectionStore builds an empty store.
func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{
		byID:   make(map[string]*contracts.Connection),
		hashes: make(map[string]string),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryConnectionStore) WithClock(clock func() time.Time) *MemoryConnectionStore {
	s.clock = clock
	return s
}

// Create persists a connection. A hash reservation already held by the
// same tenant (the guard reserves before the connection row exists) is
// honored, not treated as a collision.
func (s *MemoryConnectionStore) Create(_ context.Context, conn *contracts.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.ExternalIDHash != "" {
		if owner, taken := s.hashes[conn.ExternalIDHash]; taken && owner != conn.TenantID {
			return ErrDuplicateHash
		}
		s.hashes[conn.ExternalIDHash] = conn.TenantID
	}
	now := s.clock().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	cp := *conn
	s.byID[conn.ID] = &cp
	return nil
}

func (s *MemoryConnectionStore) Get(_ context.Context, id string) (*contracts.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.byID[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	cp := *conn
	return &cp, nil
}

func (s *MemoryConnectionStore) GetByTenant(_ context.Context, tenantID string) ([]contracts.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Connection
	for _, conn := range s.byID {
		if conn.TenantID == tenantID {
			out = append(out, *conn)
		}
	}
	return out, nil
}

func (s *MemoryConnectionStore) UpdateMode(_ context.Context, id string, mode contracts.ExecutionMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.byID[id]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.Mode = mode
	conn.UpdatedAt = s.clock().UTC()
	return nil
}

func (s *MemoryConnectionStore) UpdateStatus(_ context.Context, id string, status contracts.ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.byID[id]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.Status = status
	conn.UpdatedAt = s.clock().UTC()
	return nil
}

// UpdateExternalID swaps the connection's credential after a rotation.
// The prior hash stays in the index so a retired id can never be reused.
func (s *MemoryConnectionStore) UpdateExternalID(_ context.Context, id, hash, encrypted string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.byID[id]
	if !ok {
		return ErrConnectionNotFound
	}
	if owner, taken := s.hashes[hash]; taken && owner != conn.TenantID {
		return ErrDuplicateHash
	}
	s.hashes[hash] = conn.TenantID
	conn.ExternalIDHash = hash
	conn.EncryptedExternalID = encrypted
	conn.UpdatedAt = s.clock().UTC()
	return nil
}

// Exists implements the external-id hash index.
func (s *MemoryConnectionStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hashes[hash]
	return ok, nil
}

// Reserve implements the external-id hash index. Duplicate reservations
// fail regardless of tenant.
func (s *MemoryConnectionStore) Reserve(_ context.Context, hash, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.hashes[hash]; taken {
		return ErrDuplicateHash
	}
	s.hashes[hash] = tenantID
	return nil
}

// Owner implements the external-id hash index.
func (s *MemoryConnectionStore) Owner(_ context.Context, hash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hashes[hash], nil
}
