package govern

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
	"github.com/cloudwarden/cloudwarden/pkg/externalid"
	"github.com/cloudwarden/cloudwarden/pkg/isolation"
	"github.com/cloudwarden/cloudwarden/pkg/store"
)

// OnboardRequest creates a new tenant connection. New connections always
// start in simulation mode; live mode is earned through promotion.
type OnboardRequest struct {
	UserID      string
	WorkspaceID string

	AllowedServices map[string]contracts.ServiceGrant
	Environment     contracts.Environment
	// SimulationPeriodDays is the mandatory dry-run window before the
	// connection may be promoted.
	SimulationPeriodDays int
}

// OnboardResult returns the connection plus the plaintext external id,
// shown exactly once.
type OnboardResult struct {
	Kind       OutcomeKind           `json:"kind"`
	Reasons    []string              `json:"reasons,omitempty"`
	Connection *contracts.Connection `json:"connection,omitempty"`
	// ExternalID is the plaintext the tenant configures in their role's
	// trust policy. Never persisted or logged in this form.
	ExternalID string `json:"external_id,omitempty"`
}

// Onboarder creates connections with guard-issued external ids.
type Onboarder struct {
	guard *externalid.Guard
	conns store.ConnectionStore
	clock func() time.Time
}

// NewOnboarder wires connection onboarding.
func NewOnboarder(guard *externalid.Guard, conns store.ConnectionStore) *Onboarder {
	return &Onboarder{guard: guard, conns: conns, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (o *Onboarder) WithClock(clock func() time.Time) *Onboarder {
	o.clock = clock
	return o
}

// Onboard derives the tenant identity, issues a unique external id and
// persists the connection.
func (o *Onboarder) Onboard(ctx context.Context, req OnboardRequest) (*OnboardResult, error) {
	tenantID := isolation.DeriveTenantID(req.UserID, req.WorkspaceID)
	issued, err := o.guard.GenerateUnique(ctx, tenantID, req.Environment)
	if err != nil {
		if errors.Is(err, externalid.ErrGenerationExhausted) {
			return &OnboardResult{
				Kind:    OutcomeGenerationExhausted,
				Reasons: []string{"external id generation exhausted its collision retries"},
			}, nil
		}
		return nil, fmt.Errorf("issuing external id: %w", err)
	}

	conn := &contracts.Connection{
		ID:                  uuid.New().String(),
		TenantID:            tenantID,
		ExternalIDHash:      issued.Hash,
		EncryptedExternalID: issued.Encrypted,
		AllowedServices:     req.AllowedServices,
		Status:              contracts.ConnectionActive,
		Mode:                contracts.ModeSimulation,
		Simulation: contracts.SimulationConfig{
			StartedAt:  o.clock().UTC(),
			PeriodDays: req.SimulationPeriodDays,
		},
		Environment: req.Environment,
		CreatedAt:   o.clock().UTC(),
		UpdatedAt:   o.clock().UTC(),
	}

	if err := o.conns.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("persisting connection: %w", err)
	}

	return &OnboardResult{
		Kind:       OutcomeSimulated,
		Connection: conn,
		ExternalID: issued.ID,
	}, nil
}
