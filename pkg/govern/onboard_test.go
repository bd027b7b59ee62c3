package govern

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
	"github.com/cloudwarden/cloudwarden/pkg/externalid"
	"github.com/cloudwarden/cloudwarden/pkg/isolation"
	"github.com/cloudwarden/cloudwarden/pkg/secrets"
	"github.com/cloudwarden/cloudwarden/pkg/store"
)

// saturatedIndex reports every hash as taken, forcing the guard to burn
// its full retry budget.
type saturatedIndex struct{}

func (saturatedIndex) Exists(context.Context, string) (bool, error)  { return true, nil }
func (saturatedIndex) Reserve(context.Context, string, string) error { return nil }
func (saturatedIndex) Owner(context.Context, string) (string, error) { return "", nil }

func onboardCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cipher, err := secrets.NewCipher(key)
	require.NoError(t, err)
	return cipher
}

func TestOnboardIssuesConnection(t *testing.T) {
	conns := store.NewMemoryConnectionStore()
	guard := externalid.NewGuard(conns, onboardCipher(t), nil)
	onboarder := NewOnboarder(guard, conns).WithClock(pipelineClock())

	result, err := onboarder.Onboard(context.Background(), OnboardRequest{
		UserID:               "usr-1",
		WorkspaceID:          "ws-1",
		AllowedServices:      ec2Grants(),
		Environment:          contracts.EnvProduction,
		SimulationPeriodDays: 7,
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSimulated, result.Kind)
	require.NotNil(t, result.Connection)
	require.NotEmpty(t, result.ExternalID)

	conn := result.Connection
	assert.Equal(t, isolation.DeriveTenantID("usr-1", "ws-1"), conn.TenantID)
	assert.Equal(t, contracts.ModeSimulation, conn.Mode, "new connections never start live")
	assert.Equal(t, contracts.ConnectionActive, conn.Status)
	assert.Equal(t, 7, conn.Simulation.PeriodDays)
	assert.Equal(t, pipelineNow, conn.Simulation.StartedAt)

	// only the hash of the external id is persisted
	assert.Equal(t, externalid.HashID(result.ExternalID), conn.ExternalIDHash)
	assert.NotContains(t, conn.EncryptedExternalID, result.ExternalID)
	assert.True(t, externalid.ValidateChecksum(result.ExternalID))

	stored, err := conns.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ExternalIDHash, stored.ExternalIDHash)
}

func TestOnboardGenerationExhausted(t *testing.T) {
	conns := store.NewMemoryConnectionStore()
	guard := externalid.NewGuard(saturatedIndex{}, onboardCipher(t), nil)
	onboarder := NewOnboarder(guard, conns)

	result, err := onboarder.Onboard(context.Background(), OnboardRequest{
		UserID:      "usr-1",
		WorkspaceID: "ws-1",
		Environment: contracts.EnvProduction,
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeGenerationExhausted, result.Kind)
	assert.Nil(t, result.Connection)
	assert.Empty(t, result.ExternalID)
}
