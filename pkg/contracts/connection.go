package contracts

import "time"

// ExecutionMode gates whether a tenant may run live mutations.
type ExecutionMode string

const (
	ModeSimulation ExecutionMode = "simulation"
	ModeLive       ExecutionMode = "live"
)

// ConnectionStatus is the lifecycle state of a tenant connection.
type ConnectionStatus string

const (
	ConnectionActive    ConnectionStatus = "active"
	ConnectionSuspended ConnectionStatus = "suspended"
	ConnectionRevoked   ConnectionStatus = "revoked"
)

// Environment classifies the tenant's account.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

// ServiceGrant is the per-service allow-list of a connection.
// Actions are glob patterns ("ec2:Describe*"); Regions may contain "*".
type ServiceGrant struct {
	Actions []string `json:"actions"`
	Regions []string `json:"regions"`
}

// SimulationConfig tracks the mandatory dry-run cool-down window.
type SimulationConfig struct {
	StartedAt  time.Time `json:"started_at"`
	PeriodDays int       `json:"period_days"`
}

// Connection is the per-tenant cross-account configuration. The external ID
// plaintext is encrypted at rest; only its SHA-256 hash is indexed, and the
// hash is globally unique across all tenants, never reused.
type Connection struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	ExternalIDHash      string `json:"external_id_hash"`
	EncryptedExternalID string `json:"-"`

	AllowedServices map[string]ServiceGrant `json:"allowed_services"`

	Status      ConnectionStatus `json:"status"`
	Mode        ExecutionMode    `json:"mode"`
	Simulation  SimulationConfig `json:"simulation"`
	Environment Environment      `json:"environment"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the connection may be used at all.
func (c *Connection) Active() bool {
	return c != nil && c.Status == ConnectionActive
}
