package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

func resolverFixture(t *testing.T) (*Resolver, *MemoryConnectionStore, *MemoryConfigCache) {
	t.Helper()
	conns := NewMemoryConnectionStore()
	cache := NewMemoryConfigCache()
	return NewResolver(conns, cache), conns, cache
}

func TestResolveMergesActiveConnections(t *testing.T) {
	r, conns, _ := resolverFixture(t)
	ctx := context.Background()

	require.NoError(t, conns.Create(ctx, &contracts.Connection{
		ID:       "c1",
		TenantID: "tn-a",
		AllowedServices: map[string]contracts.ServiceGrant{
			"ec2": {Actions: []string{"ec2:Describe*"}, Regions: []string{"us-east-1"}},
		},
		Status: contracts.ConnectionActive,
		Mode:   contracts.ModeLive,
	}))
	require.NoError(t, conns.Create(ctx, &contracts.Connection{
		ID:       "c2",
		TenantID: "tn-a",
		AllowedServices: map[string]contracts.ServiceGrant{
			"s3": {Actions: []string{"s3:Get*"}, Regions: []string{"*"}},
		},
		Status: contracts.ConnectionActive,
		Mode:   contracts.ModeLive,
	}))
	require.NoError(t, conns.Create(ctx, &contracts.Connection{
		ID:       "c3",
		TenantID: "tn-a",
		AllowedServices: map[string]contracts.ServiceGrant{
			"rds": {Actions: []string{"rds:*"}, Regions: []string{"*"}},
		},
		Status: contracts.ConnectionRevoked,
		Mode:   contracts.ModeLive,
	}))

	cfg, err := r.Resolve(ctx, "tn-a", "us-east-1")
	require.NoError(t, err)

	assert.Contains(t, cfg.Services, "ec2")
	assert.Contains(t, cfg.Services, "s3")
	assert.NotContains(t, cfg.Services, "rds", "revoked connections contribute nothing")
	assert.Equal(t, contracts.ModeLive, cfg.Mode)
}

func TestResolveSimulationModeWins(t *testing.T) {
	r, conns, _ := resolverFixture(t)
	ctx := context.Background()

	require.NoError(t, conns.Create(ctx, &contracts.Connection{
		ID:       "c1",
		TenantID: "tn-a",
		AllowedServices: map[string]contracts.ServiceGrant{
			"ec2": {Actions: []string{"ec2:*"}, Regions: []string{"*"}},
		},
		Status: contracts.ConnectionActive,
		Mode:   contracts.ModeSimulation,
	}))

	cfg, err := r.Resolve(ctx, "tn-a", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ModeSimulation, cfg.Mode)
}

func TestResolveRegionFilter(t *testing.T) {
	r, conns, _ := resolverFixture(t)
	ctx := context.Background()

	require.NoError(t, conns.Create(ctx, &contracts.Connection{
		ID:       "c1",
		TenantID: "tn-a",
		AllowedServices: map[string]contracts.ServiceGrant{
			"ec2": {Actions: []string{"ec2:*"}, Regions: []string{"eu-west-1"}},
		},
		Status: contracts.ConnectionActive,
		Mode:   contracts.ModeLive,
	}))

	cfg, err := r.Resolve(ctx, "tn-a", "us-east-1")
	require.NoError(t, err)
	assert.Empty(t, cfg.Services)
	assert.Equal(t, contracts.ModeSimulation, cfg.Mode, "no grants means no live mode")
}

func TestResolveServesCachedView(t *testing.T) {
	r, conns, _ := resolverFixture(t)
	ctx := context.Background()

	require.NoError(t, conns.Create(ctx, &contracts.Connection{
		ID:       "c1",
		TenantID: "tn-a",
		AllowedServices: map[string]contracts.ServiceGrant{
			"ec2": {Actions: []string{"ec2:*"}, Regions: []string{"*"}},
		},
		Status: contracts.ConnectionActive,
		Mode:   contracts.ModeLive,
	}))

	first, err := r.Resolve(ctx, "tn-a", "us-east-1")
	require.NoError(t, err)
	require.Contains(t, first.Services, "ec2")

	// a later connection change is invisible until invalidation
	require.NoError(t, conns.UpdateStatus(ctx, "c1", contracts.ConnectionRevoked))

	stale, err := r.Resolve(ctx, "tn-a", "us-east-1")
	require.NoError(t, err)
	assert.Contains(t, stale.Services, "ec2")

	require.NoError(t, r.Invalidate(ctx, "tn-a", "us-east-1"))
	fresh, err := r.Resolve(ctx, "tn-a", "us-east-1")
	require.NoError(t, err)
	assert.Empty(t, fresh.Services)
}
