// Package externalid issues and verifies the per-tenant external identifier
// used at cross-account role assumption time. A unique, unguessable external
// ID per tenant is what prevents the confused-deputy attack: a caller cannot
// trick the platform into assuming a role it was not explicitly paired with.
package externalid

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
	"github.com/cloudwarden/cloudwarden/pkg/secrets"
)

// MaxAttempts bounds hash-collision regeneration before giving up.
const MaxAttempts = 5

// hashPrefixLen is how much of a hash may appear in audit details.
// The plaintext ID never appears anywhere outside the encrypted column.
const hashPrefixLen = 12

var (
	// ErrGenerationExhausted is returned after MaxAttempts collisions.
	// Fatal for the request; safe to retry later.
	ErrGenerationExhausted = errors.New("external id generation exhausted retry budget")

	// ErrRateLimited is returned when a tenant exceeds its generation budget.
	ErrRateLimited = errors.New("external id generation rate limited")
)

// HashIndex is the unique-hash lookup the guard generates against.
type HashIndex interface {
	// Exists reports whether the hash is already reserved by any tenant.
	Exists(ctx context.Context, hash string) (bool, error)
	// Reserve claims the hash for a tenant. Must fail on duplicates.
	Reserve(ctx context.Context, hash, tenantID string) error
	// Owner returns the tenant holding the hash, or "" when unclaimed.
	Owner(ctx context.Context, hash string) (string, error)
}

// Recorder receives audit events emitted by the guard.
type Recorder interface {
	Record(ctx context.Context, tenantID, actor, action, resource string, outcome contracts.Outcome, details map[string]any) error
}

// Guard issues, verifies and rotates external IDs.
type Guard struct {
	index  HashIndex
	cipher *secrets.Cipher
	audit  Recorder

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	clock    func() time.Time
}

// NewGuard creates a Guard. cipher encrypts the plaintext ID at rest.
func NewGuard(index HashIndex, cipher *secrets.Cipher, audit Recorder) *Guard {
	return &Guard{
		index:    index,
		cipher:   cipher,
		audit:    audit,
		limiters: make(map[string]*rate.Limiter),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// Generated is the outcome of a successful generation or rotation.
type Generated struct {
	// ID is the plaintext external ID. It must not be persisted outside
	// the encrypted connection column and must not outlive the request.
	ID        string
	Hash      string
	Encrypted string
}

// GenerateUnique produces a globally-unique external ID for the tenant.
// On a hash collision it regenerates, up to MaxAttempts, then fails with
// ErrGenerationExhausted. Every outcome is audit-logged with only the hash
// prefix.
func (g *Guard) GenerateUnique(ctx context.Context, tenantID string, env contracts.Environment) (*Generated, error) {
	if !g.limiter(tenantID).Allow() {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrRateLimited)
	}

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		id, err := newID(env)
		if err != nil {
			return nil, fmt.Errorf("generate external id: %w", err)
		}
		hash := HashID(id)

		exists, err := g.index.Exists(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("hash index lookup: %w", err)
		}
		if exists {
			continue
		}
		// Reserve races with concurrent generators; a duplicate-key
		// failure here counts as a collision and we regenerate.
		if err := g.index.Reserve(ctx, hash, tenantID); err != nil {
			continue
		}

		encrypted, err := g.cipher.Encrypt(id)
		if err != nil {
			return nil, fmt.Errorf("encrypt external id: %w", err)
		}

		g.record(ctx, tenantID, "external_id.generate", hash, contracts.OutcomeSuccess, map[string]any{
			"attempt": attempt,
		})
		return &Generated{ID: id, Hash: hash, Encrypted: encrypted}, nil
	}

	g.record(ctx, tenantID, "external_id.generate", "", contracts.OutcomeFailure, map[string]any{
		"attempts": MaxAttempts,
	})
	return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrGenerationExhausted)
}

// VerifyOwnership reports whether the hash belongs to the tenant.
func (g *Guard) VerifyOwnership(ctx context.Context, hash, tenantID string) (bool, error) {
	owner, err := g.index.Owner(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("hash index owner lookup: %w", err)
	}
	return owner != "" && owner == tenantID, nil
}

// Rotate issues a fresh ID for an existing connection. The prior hash is
// retained only inside the audit trail and is never reused.
func (g *Guard) Rotate(ctx context.Context, conn *contracts.Connection) (*Generated, error) {
	priorPrefix := hashPrefix(conn.ExternalIDHash)

	gen, err := g.GenerateUnique(ctx, conn.TenantID, conn.Environment)
	if err != nil {
		return nil, err
	}

	conn.ExternalIDHash = gen.Hash
	conn.EncryptedExternalID = gen.Encrypted
	conn.UpdatedAt = g.clock()

	g.record(ctx, conn.TenantID, "external_id.rotate", gen.Hash, contracts.OutcomeSuccess, map[string]any{
		"prior_hash_prefix": priorPrefix,
	})
	return gen, nil
}

// HashID computes the indexed SHA-256 of an external ID.
func HashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// ValidateChecksum reports whether an ID's embedded checksum is intact.
func ValidateChecksum(id string) bool {
	if len(id) < 9 {
		return false
	}
	body, check := id[:len(id)-9], id[len(id)-8:]
	if id[len(id)-9] != '-' {
		return false
	}
	return checksum(body) == check
}

func newID(env contracts.Environment) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	body := fmt.Sprintf("cw-%s-%s", envMarker(env), hex.EncodeToString(raw))
	return body + "-" + checksum(body), nil
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:4])
}

func envMarker(env contracts.Environment) string {
	switch env {
	case contracts.EnvProduction:
		return "p"
	case contracts.EnvStaging:
		return "s"
	default:
		return "d"
	}
}

func hashPrefix(hash string) string {
	if len(hash) <= hashPrefixLen {
		return hash
	}
	return hash[:hashPrefixLen]
}

func (g *Guard) limiter(tenantID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[tenantID]
	if !ok {
		// 10 generations per minute per tenant is generous for normal
		// onboarding and rotation traffic.
		l = rate.NewLimiter(rate.Every(6*time.Second), 10)
		g.limiters[tenantID] = l
	}
	return l
}

func (g *Guard) record(ctx context.Context, tenantID, action, hash string, outcome contracts.Outcome, details map[string]any) {
	if g.audit == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	if hash != "" {
		details["hash_prefix"] = hashPrefix(hash)
	}
	// Audit failures must not mask the primary outcome here; the chain
	// store surfaces its own integrity errors.
	_ = g.audit.Record(ctx, tenantID, "external-id-guard", action, "connection", outcome, details)
}
