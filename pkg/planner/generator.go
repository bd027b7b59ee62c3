// Package planner expands a validated action definition into an ordered
// execution plan: dependency verification first, then the mutation, with
// compensating rollback steps and a cost/duration estimate.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// DefaultPlanTTL is how long a generated plan stays executable.
const DefaultPlanTTL = 15 * time.Minute

var (
	// ErrInvalidAction rejects plan generation for actions that failed
	// validation.
	ErrInvalidAction = errors.New("cannot plan an action that failed validation")

	// ErrPlanExpired rejects plans past their declared expiry.
	ErrPlanExpired = errors.New("execution plan has expired")
)

// Request carries the tenant-specific inputs for one plan.
type Request struct {
	TenantID string
	// Resources are the concrete resource identifiers the action targets.
	Resources []string
	Region    string
	// ResourceClass selects the pricing row, e.g. "ec2:t3.large".
	ResourceClass string
	Parameters    map[string]any
	// ExistingDependencies marks dependency kinds already present in the
	// tenant account, so the plan records reuse instead of creation.
	ExistingDependencies map[string]bool
}

// Generator builds execution plans.
type Generator struct {
	prices PriceSource
	ttl    time.Duration
	clock  func() time.Time
}

// NewGenerator creates a Generator over a price source.
func NewGenerator(prices PriceSource) *Generator {
	return &Generator{
		prices: prices,
		ttl:    DefaultPlanTTL,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// WithTTL overrides the plan expiry window.
func (g *Generator) WithTTL(ttl time.Duration) *Generator {
	g.ttl = ttl
	return g
}

// dependency kinds verified before a mutating step, per service.
var serviceDependencies = map[string][]string{
	"ec2":    {"vpc", "subnet", "security-group", "key-pair", "iam-role"},
	"rds":    {"vpc", "subnet", "security-group", "iam-role"},
	"lambda": {"iam-role"},
	"s3":     {"iam-role"},
}

// downtime heuristics per action, seconds.
var actionDowntime = map[string]int{
	"ec2.resize": 120,
	"rds.resize": 300,
	"rds.stop":   0,
}

// duration estimates per step kind, used for the plan summary.
var stepDuration = map[contracts.StepKind]time.Duration{
	contracts.StepVerifyDependency: 5 * time.Second,
	contracts.StepPreCheck:         5 * time.Second,
	contracts.StepMutate:           60 * time.Second,
	contracts.StepPostCheck:        10 * time.Second,
}

// GeneratePlan expands a parsed action into a totally-ordered plan.
//
//nolint:funlen // the expansion is long but strictly sequential
func (g *Generator) GeneratePlan(parsed *contracts.ParsedAction, req Request) (*contracts.ExecutionPlan, error) {
	if !parsed.Validation.Valid {
		return nil, ErrInvalidAction
	}
	def := parsed.Definition

	if len(req.Resources) > def.Constraints.MaxResources {
		return nil, fmt.Errorf("request targets %d resources, constraint allows %d",
			len(req.Resources), def.Constraints.MaxResources)
	}

	now := g.clock()
	planID := uuid.New().String()
	var steps []contracts.PlanStep
	order := 0
	next := func() int { order++; return order }

	for _, dep := range serviceDependencies[def.Selector.Service] {
		steps = append(steps, contracts.PlanStep{
			ID:    fmt.Sprintf("%s-dep-%s", planID[:8], dep),
			Order: next(),
			Kind:  contracts.StepVerifyDependency,
			Name:  fmt.Sprintf("verify %s exists", dep),
			Operation: contracts.OperationSpec{
				Service:   def.Selector.Service,
				Operation: "Describe" + dependencyOperation(dep),
			},
			Risk:          contracts.RiskLow,
			Idempotent:    true,
			ReuseExisting: req.ExistingDependencies[dep],
		})
	}

	for i, check := range def.Execution.PreChecks {
		steps = append(steps, contracts.PlanStep{
			ID:        fmt.Sprintf("%s-pre-%d", planID[:8], i),
			Order:     next(),
			Kind:      contracts.StepPreCheck,
			Name:      check.Name,
			Operation: contracts.OperationSpec{Service: def.Selector.Service, Operation: "precheck", Parameters: map[string]any{"condition": check.Condition}},
			Resources: req.Resources,
			Risk:      contracts.RiskLow,
			Idempotent: true,
		})
	}

	mutate := contracts.PlanStep{
		ID:    fmt.Sprintf("%s-mutate", planID[:8]),
		Order: next(),
		Kind:  contracts.StepMutate,
		Name:  def.Metadata.Name,
		Operation: contracts.OperationSpec{
			Service:    def.Execution.Action.Service,
			Operation:  def.Execution.Action.Operation,
			Parameters: mergeParams(def.Execution.Action.Parameters, req.Parameters),
		},
		Resources: req.Resources,
		Impact: contracts.StepImpact{
			CostDeltaHourlyUSD: g.costDelta(def, req),
			DowntimeSeconds:    actionDowntime[def.Action],
			DataLossPossible:   !def.Metadata.Reversible,
		},
		Risk:       def.Metadata.RiskLevel,
		Idempotent: false,
	}
	if mutate.Impact.DowntimeSeconds > 0 {
		mutate.Warnings = append(mutate.Warnings,
			fmt.Sprintf("expected downtime of ~%ds per resource", mutate.Impact.DowntimeSeconds))
	}
	steps = append(steps, mutate)

	for i, check := range def.Execution.PostChecks {
		steps = append(steps, contracts.PlanStep{
			ID:        fmt.Sprintf("%s-post-%d", planID[:8], i),
			Order:     next(),
			Kind:      contracts.StepPostCheck,
			Name:      check.Name,
			Operation: contracts.OperationSpec{Service: def.Selector.Service, Operation: "postcheck", Parameters: map[string]any{"condition": check.Condition}},
			Resources: req.Resources,
			Risk:      contracts.RiskLow,
			Idempotent: true,
		})
	}

	rollback := g.rollbackFor(def, mutate)

	var totalDuration time.Duration
	for _, s := range steps {
		totalDuration += stepDuration[s.Kind]
	}

	plan := &contracts.ExecutionPlan{
		PlanID:   planID,
		TenantID: req.TenantID,
		Region:   req.Region,
		Action:   def,
		Steps:    steps,
		Rollback: rollback,
		Summary: contracts.PlanSummary{
			ResourcesAffected: len(req.Resources),
			Reversible:        def.Metadata.Reversible && len(rollback) > 0,
			EstimatedDuration: totalDuration.String(),
			CostDeltaHourly:   mutate.Impact.CostDeltaHourlyUSD,
			OverallRisk:       def.Metadata.RiskLevel,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	return plan, nil
}

// ValidatePlan rejects plans past their declared expiry and plans whose
// step ordering has been tampered with.
func (g *Generator) ValidatePlan(plan *contracts.ExecutionPlan) error {
	if plan.Expired(g.clock()) {
		return fmt.Errorf("plan %s: %w", plan.PlanID, ErrPlanExpired)
	}
	for i, s := range plan.Steps {
		if s.Order != i+1 {
			return fmt.Errorf("plan %s: step %s out of order", plan.PlanID, s.ID)
		}
	}
	for _, s := range plan.Steps {
		if s.Kind == contracts.StepMutate && !s.Idempotent && len(plan.Rollback) == 0 {
			return fmt.Errorf("plan %s: non-idempotent step %s has no rollback", plan.PlanID, s.ID)
		}
	}
	return nil
}

func (g *Generator) rollbackFor(def contracts.ActionDefinition, mutate contracts.PlanStep) []contracts.RollbackStep {
	if def.Execution.Rollback == nil {
		return nil
	}
	return []contracts.RollbackStep{{
		ID:           mutate.ID + "-rollback",
		Order:        1,
		CompensesFor: mutate.ID,
		Operation:    *def.Execution.Rollback,
	}}
}

// costDelta looks the resource class up in the price table and scales by
// resource count, signed by the declared cost-impact direction.
func (g *Generator) costDelta(def contracts.ActionDefinition, req Request) float64 {
	if req.ResourceClass == "" {
		return 0
	}
	hourly, ok := g.prices.HourlyUSD(req.ResourceClass)
	if !ok {
		return 0
	}
	total := hourly * float64(len(req.Resources))
	if def.Metadata.CostImpact == "decrease" {
		return -total
	}
	return total
}

func mergeParams(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func dependencyOperation(dep string) string {
	switch dep {
	case "vpc":
		return "Vpcs"
	case "subnet":
		return "Subnets"
	case "security-group":
		return "SecurityGroups"
	case "key-pair":
		return "KeyPairs"
	case "iam-role":
		return "IamRoles"
	default:
		return dep
	}
}
