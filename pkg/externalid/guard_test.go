package externalid

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
	"github.com/cloudwarden/cloudwarden/pkg/secrets"
)

type fakeIndex struct {
	mu sync.Mutex
	// collideFirst forces the first N uniqueness probes to report a hit.
	collideFirst int
	probes       int
	owners       map[string]string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{owners: make(map[string]string)}
}

func (f *fakeIndex) Exists(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probes <= f.collideFirst {
		return true, nil
	}
	_, ok := f.owners[hash]
	return ok, nil
}

func (f *fakeIndex) Reserve(_ context.Context, hash, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.owners[hash]; ok {
		return errors.New("duplicate hash")
	}
	f.owners[hash] = tenantID
	return nil
}

func (f *fakeIndex) Owner(_ context.Context, hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[hash], nil
}

type recordedEvent struct {
	tenantID string
	action   string
	outcome  contracts.Outcome
	details  map[string]any
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeRecorder) Record(_ context.Context, tenantID, _, action, _ string, outcome contracts.Outcome, details map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{tenantID: tenantID, action: action, outcome: outcome, details: details})
	return nil
}

func newGuard(t *testing.T, index *fakeIndex, rec *fakeRecorder) *Guard {
	t.Helper()
	cipher, err := secrets.NewCipher(make([]byte, 32))
	require.NoError(t, err)
	return NewGuard(index, cipher, rec)
}

func TestGenerateUnique(t *testing.T) {
	index := newFakeIndex()
	rec := &fakeRecorder{}
	g := newGuard(t, index, rec)

	gen, err := g.GenerateUnique(context.Background(), "tenant-1", contracts.EnvProduction)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gen.ID, "cw-p-"))
	assert.True(t, ValidateChecksum(gen.ID))
	assert.Equal(t, HashID(gen.ID), gen.Hash)
	assert.NotEmpty(t, gen.Encrypted)
	assert.NotContains(t, gen.Encrypted, gen.ID)

	owner, err := index.Owner(context.Background(), gen.Hash)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", owner)
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	index := newFakeIndex()
	index.collideFirst = 3
	g := newGuard(t, index, &fakeRecorder{})

	gen, err := g.GenerateUnique(context.Background(), "tenant-1", contracts.EnvDevelopment)
	require.NoError(t, err)
	assert.True(t, ValidateChecksum(gen.ID))
	// 3 collisions + 1 success.
	assert.Equal(t, 4, index.probes)
}

func TestGenerateExhausted(t *testing.T) {
	index := newFakeIndex()
	index.collideFirst = MaxAttempts
	rec := &fakeRecorder{}
	g := newGuard(t, index, rec)

	_, err := g.GenerateUnique(context.Background(), "tenant-1", contracts.EnvStaging)
	require.ErrorIs(t, err, ErrGenerationExhausted)

	// The failure itself is audited.
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, contracts.OutcomeFailure, last.outcome)
}

func TestAuditNeverContainsPlaintext(t *testing.T) {
	index := newFakeIndex()
	rec := &fakeRecorder{}
	g := newGuard(t, index, rec)

	gen, err := g.GenerateUnique(context.Background(), "tenant-1", contracts.EnvProduction)
	require.NoError(t, err)

	for _, ev := range rec.events {
		for _, v := range ev.details {
			s, ok := v.(string)
			if !ok {
				continue
			}
			assert.NotContains(t, s, gen.ID)
			assert.NotEqual(t, gen.Hash, s, "full hash must not be audited")
		}
		prefix, ok := ev.details["hash_prefix"].(string)
		if ok {
			assert.Len(t, prefix, 12)
		}
	}
}

func TestVerifyOwnership(t *testing.T) {
	index := newFakeIndex()
	g := newGuard(t, index, &fakeRecorder{})

	gen, err := g.GenerateUnique(context.Background(), "tenant-1", contracts.EnvProduction)
	require.NoError(t, err)

	ok, err := g.VerifyOwnership(context.Background(), gen.Hash, "tenant-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.VerifyOwnership(context.Background(), gen.Hash, "tenant-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.VerifyOwnership(context.Background(), "unknown", "tenant-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRotateKeepsPriorHashOnlyInAudit(t *testing.T) {
	index := newFakeIndex()
	rec := &fakeRecorder{}
	g := newGuard(t, index, rec)

	first, err := g.GenerateUnique(context.Background(), "tenant-1", contracts.EnvProduction)
	require.NoError(t, err)

	conn := &contracts.Connection{
		TenantID:            "tenant-1",
		Environment:         contracts.EnvProduction,
		ExternalIDHash:      first.Hash,
		EncryptedExternalID: first.Encrypted,
	}

	rotated, err := g.Rotate(context.Background(), conn)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, rotated.Hash)
	assert.Equal(t, rotated.Hash, conn.ExternalIDHash)

	var sawPrior bool
	for _, ev := range rec.events {
		if ev.action != "external_id.rotate" {
			continue
		}
		if p, ok := ev.details["prior_hash_prefix"].(string); ok {
			assert.Equal(t, first.Hash[:12], p)
			sawPrior = true
		}
	}
	assert.True(t, sawPrior)
}

func TestValidateChecksumRejectsTampering(t *testing.T) {
	g := newGuard(t, newFakeIndex(), &fakeRecorder{})
	gen, err := g.GenerateUnique(context.Background(), "tenant-1", contracts.EnvProduction)
	require.NoError(t, err)

	tampered := strings.Replace(gen.ID, "cw-p-", "cw-d-", 1)
	assert.False(t, ValidateChecksum(tampered))
	assert.False(t, ValidateChecksum("not-an-id"))
	assert.False(t, ValidateChecksum(""))
}
