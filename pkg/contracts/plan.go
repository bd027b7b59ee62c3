package contracts

import "time"

// StepKind distinguishes dependency verification from mutation.
type StepKind string

const (
	StepVerifyDependency StepKind = "verify_dependency"
	StepPreCheck         StepKind = "pre_check"
	StepMutate           StepKind = "mutate"
	StepPostCheck        StepKind = "post_check"
)

// StepImpact summarizes the consequences of a single step.
type StepImpact struct {
	CostDeltaHourlyUSD float64 `json:"cost_delta_hourly_usd"`
	DowntimeSeconds    int     `json:"downtime_seconds"`
	DataLossPossible   bool    `json:"data_loss_possible"`
}

// PlanStep is one totally-ordered unit of an execution plan.
type PlanStep struct {
	ID        string        `json:"id"`
	Order     int           `json:"order"`
	Kind      StepKind      `json:"kind"`
	Name      string        `json:"name"`
	Operation OperationSpec `json:"operation"`
	Resources []string      `json:"resources,omitempty"`
	Impact    StepImpact    `json:"impact"`
	Risk      RiskLevel     `json:"risk"`
	// Idempotent steps need no rollback and may be re-run safely.
	Idempotent bool `json:"idempotent"`
	// ReuseExisting is set on dependency steps when an existing resource
	// satisfies the dependency and nothing new must be created.
	ReuseExisting bool     `json:"reuse_existing,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// RollbackStep compensates one forward step.
type RollbackStep struct {
	ID           string        `json:"id"`
	Order        int           `json:"order"`
	CompensesFor string        `json:"compensates_for"`
	Operation    OperationSpec `json:"operation"`
}

// PlanSummary aggregates plan-wide facts.
type PlanSummary struct {
	ResourcesAffected int       `json:"resources_affected"`
	Reversible        bool      `json:"reversible"`
	EstimatedDuration string    `json:"estimated_duration"`
	CostDeltaHourly   float64   `json:"cost_delta_hourly_usd"`
	OverallRisk       RiskLevel `json:"overall_risk"`
}

// ExecutionPlan is the ordered expansion of a validated action.
// Steps are totally ordered by Order; rollback steps exist for every
// non-idempotent forward step.
type ExecutionPlan struct {
	PlanID    string           `json:"plan_id"`
	TenantID  string           `json:"tenant_id"`
	Region    string           `json:"region,omitempty"`
	Action    ActionDefinition `json:"action"`
	Steps     []PlanStep       `json:"steps"`
	Rollback  []RollbackStep   `json:"rollback"`
	Summary   PlanSummary      `json:"summary"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Expired reports whether the plan is past its expiry at the given instant.
func (p *ExecutionPlan) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// MutatingSteps returns the subset of steps that change cloud state.
func (p *ExecutionPlan) MutatingSteps() []PlanStep {
	var out []PlanStep
	for _, s := range p.Steps {
		if s.Kind == StepMutate {
			out = append(out, s)
		}
	}
	return out
}
