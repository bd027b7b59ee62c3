package store

import (
	"context"
	"fmt"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// Resolver produces the per-region view of a tenant's grants, fronted by
// the config cache. A stale read within the cache TTL is acceptable;
// writers invalidate on connection changes.
type Resolver struct {
	conns ConnectionStore
	cache ConfigCache
}

// NewResolver wires a resolver over a connection store and cache.
func NewResolver(conns ConnectionStore, cache ConfigCache) *Resolver {
	return &Resolver{conns: conns, cache: cache}
}

// Resolve returns the tenant's effective service grants for one region,
// merged across its active connections. Mode is live only when every
// active connection granting the region is live.
func (r *Resolver) Resolve(ctx context.Context, tenantID, region string) (*TenantConfig, error) {
	if cached, err := r.cache.Get(ctx, tenantID, region); err == nil && cached != nil {
		return cached, nil
	}

	conns, err := r.conns.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolving tenant %s: %w", tenantID, err)
	}

	cfg := TenantConfig{
		TenantID: tenantID,
		Region:   region,
		Services: make(map[string]contracts.ServiceGrant),
		Mode:     contracts.ModeLive,
	}

	matched := false
	for i := range conns {
		conn := &conns[i]
		if !conn.Active() {
			continue
		}
		for svc, grant := range conn.AllowedServices {
			if !grantCoversRegion(grant, region) {
				continue
			}
			matched = true
			merged := cfg.Services[svc]
			merged.Actions = append(merged.Actions, grant.Actions...)
			merged.Regions = append(merged.Regions, grant.Regions...)
			cfg.Services[svc] = merged
			if conn.Mode != contracts.ModeLive {
				cfg.Mode = contracts.ModeSimulation
			}
		}
	}
	if !matched {
		cfg.Mode = contracts.ModeSimulation
	}

	// cache errors degrade to uncached reads, never failures
	_ = r.cache.Set(ctx, cfg)
	return &cfg, nil
}

// Invalidate drops the cached view after a connection change.
func (r *Resolver) Invalidate(ctx context.Context, tenantID, region string) error {
	return r.cache.Invalidate(ctx, tenantID, region)
}

func grantCoversRegion(grant contracts.ServiceGrant, region string) bool {
	for _, g := range grant.Regions {
		if g == "*" || g == region {
			return true
		}
	}
	return false
}
