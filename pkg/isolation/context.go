// Package isolation establishes an exclusive execution context per tenant
// request and scans text for cross-tenant data leakage.
//
// Every tenant-scoped operation must run inside a TenantContext. Absence is
// a fatal condition, never a silent default: the guard refuses to guess
// which tenant an operation belongs to.
package isolation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoTenantContext is returned when a tenant-scoped operation runs
// outside an established context. Always fatal.
var ErrNoTenantContext = errors.New("no tenant context established for this request")

type ctxKey struct{}

// TenantContext is the exclusive per-request execution context. It is
// created at request entry and torn down on every exit path; sensitive
// values placed in it must not outlive the request.
type TenantContext struct {
	RequestID   string
	TenantID    string
	UserID      string
	WorkspaceID string
	// OwnAccounts lists cloud account IDs belonging to this tenant, so the
	// scanner can tell the tenant's own identifiers from foreign ones.
	OwnAccounts []string
	EnteredAt   time.Time

	mu      sync.Mutex
	secrets map[string]string
	closed  bool
}

// Manager creates and tears down tenant contexts.
type Manager struct {
	clock func() time.Time
}

// NewManager creates a context manager.
func NewManager() *Manager {
	return &Manager{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// DeriveTenantID computes the stable tenant identifier for a user+workspace
// pair. The derivation is one-way so raw identifiers never become keys.
func DeriveTenantID(userID, workspaceID string) string {
	sum := sha256.Sum256([]byte(userID + ":" + workspaceID))
	return "tn-" + hex.EncodeToString(sum[:16])
}

// Enter establishes a fresh exclusive context for one unit of work and
// attaches it to ctx. The caller must defer Exit on all paths.
func (m *Manager) Enter(ctx context.Context, userID, workspaceID string, ownAccounts []string) (context.Context, *TenantContext) {
	tc := &TenantContext{
		RequestID:   uuid.New().String(),
		TenantID:    DeriveTenantID(userID, workspaceID),
		UserID:      userID,
		WorkspaceID: workspaceID,
		OwnAccounts: ownAccounts,
		EnteredAt:   m.clock(),
		secrets:     make(map[string]string),
	}
	return context.WithValue(ctx, ctxKey{}, tc), tc
}

// Exit tears the context down, zeroing any held secrets. Safe to call more
// than once.
func (m *Manager) Exit(tc *TenantContext) {
	if tc == nil {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for k := range tc.secrets {
		tc.secrets[k] = ""
		delete(tc.secrets, k)
	}
	tc.closed = true
}

// FromContext retrieves the tenant context or fails with ErrNoTenantContext.
func FromContext(ctx context.Context) (*TenantContext, error) {
	tc, ok := ctx.Value(ctxKey{}).(*TenantContext)
	if !ok || tc == nil {
		return nil, ErrNoTenantContext
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil, ErrNoTenantContext
	}
	return tc, nil
}

// PutSecret stores a request-scoped secret (e.g. a decrypted external ID).
// Fails once the context is torn down.
func (tc *TenantContext) PutSecret(key, value string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return ErrNoTenantContext
	}
	tc.secrets[key] = value
	return nil
}

// Secret retrieves a request-scoped secret.
func (tc *TenantContext) Secret(key string) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return "", false
	}
	v, ok := tc.secrets[key]
	return v, ok
}
