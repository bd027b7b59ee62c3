// Package simulation predicts what an execution plan would do against a
// tenant connection without calling any live cloud API. Every mutating
// step passes through the permission boundary; the result carries a cost
// projection, a risk score and the promotion decision for connections
// still inside their mandatory dry-run window.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cloudwarden/cloudwarden/pkg/boundary"
	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

var (
	// ErrPromotionBlocked rejects a simulation-to-live transition that
	// has not earned it yet.
	ErrPromotionBlocked = errors.New("connection is not eligible for live mode")

	// ErrAlreadyLive rejects promoting a connection twice.
	ErrAlreadyLive = errors.New("connection is already in live mode")

	// ErrPlanExpired rejects simulating a plan past its expiry.
	ErrPlanExpired = errors.New("execution plan has expired")
)

// ConnectionUpdater persists the one-way mode transition.
type ConnectionUpdater interface {
	UpdateMode(ctx context.Context, connectionID string, mode contracts.ExecutionMode) error
}

// Engine runs dry-run predictions.
type Engine struct {
	boundary *boundary.Validator
	weights  RiskWeights
	conns    ConnectionUpdater
	log      *slog.Logger
	clock    func() time.Time
}

// NewEngine builds a simulation engine over a permission boundary.
func NewEngine(b *boundary.Validator, conns ConnectionUpdater, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		boundary: b,
		weights:  DefaultRiskWeights(),
		conns:    conns,
		log:      log,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithRiskWeights overrides the scoring table.
func (e *Engine) WithRiskWeights(w RiskWeights) *Engine {
	e.weights = w
	return e
}

// Simulate dry-runs every plan step against the connection's permission
// boundary. It never mutates cloud state.
func (e *Engine) Simulate(ctx context.Context, plan *contracts.ExecutionPlan, conn *contracts.Connection) (*contracts.SimulationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := e.clock()
	if plan.Expired(now) {
		return nil, ErrPlanExpired
	}

	result := &contracts.SimulationResult{
		ID:        uuid.New().String(),
		PlanID:    plan.PlanID,
		TenantID:  plan.TenantID,
		CreatedAt: now,
	}

	anyFail := false
	for _, step := range plan.Steps {
		sim := contracts.SimulatedStep{StepID: step.ID}
		switch step.Kind {
		case contracts.StepPreCheck, contracts.StepPostCheck:
			// check evaluation happens against live resource state; under
			// dry run a reached check is assumed to pass
			sim.Outcome = contracts.WouldSucceed
		default:
			decision := e.boundary.Validate(step.Operation.Service, permissionName(step), plan.Region, conn)
			result.Checks = append(result.Checks, contracts.PermissionCheck{
				StepID:  step.ID,
				Service: step.Operation.Service,
				Action:  permissionName(step),
				Region:  plan.Region,
				Allowed: decision.Allowed,
				Reason:  decision.Reason,
			})
			if decision.Allowed {
				sim.Outcome = contracts.WouldSucceed
			} else {
				sim.Outcome = contracts.WouldFail
				sim.Reason = decision.Reason
				anyFail = true
			}
		}
		result.Steps = append(result.Steps, sim)
	}

	result.Cost = e.predictCost(plan, result.Steps)
	result.Risk = e.assessRisk(plan, conn, result)
	result.Promotion = e.promotionDecision(conn, result, now)

	if anyFail {
		result.Status = contracts.SimulationFailed
	} else {
		result.Status = contracts.SimulationPassed
	}

	e.log.InfoContext(ctx, "simulation complete",
		"plan_id", plan.PlanID,
		"tenant_id", plan.TenantID,
		"status", result.Status,
		"risk_score", result.Risk.Score,
	)
	return result, nil
}

// PromoteToLive flips a connection from simulation to live mode. The
// transition is one-way and persisted; ineligible connections are rejected
// with the blocking reasons attached.
func (e *Engine) PromoteToLive(ctx context.Context, conn *contracts.Connection, latest *contracts.SimulationResult) error {
	if conn.Mode == contracts.ModeLive {
		return ErrAlreadyLive
	}
	if latest == nil {
		return fmt.Errorf("%w: no simulation on record", ErrPromotionBlocked)
	}
	decision := e.promotionDecision(conn, latest, e.clock())
	if !decision.CanPromoteToLive {
		return fmt.Errorf("%w: %v", ErrPromotionBlocked, decision.BlockedReasons)
	}
	if err := e.conns.UpdateMode(ctx, conn.ID, contracts.ModeLive); err != nil {
		return fmt.Errorf("persisting mode transition: %w", err)
	}
	conn.Mode = contracts.ModeLive
	e.log.InfoContext(ctx, "connection promoted to live",
		"connection_id", conn.ID, "tenant_id", conn.TenantID)
	return nil
}

func (e *Engine) predictCost(plan *contracts.ExecutionPlan, steps []contracts.SimulatedStep) contracts.CostPrediction {
	var hourly float64
	costLines := 0
	for _, s := range plan.Steps {
		if s.Impact.CostDeltaHourlyUSD != 0 {
			hourly += s.Impact.CostDeltaHourlyUSD
			costLines++
		}
	}

	allSucceed := true
	anyUnknown := false
	for _, s := range steps {
		switch s.Outcome {
		case contracts.Unknown:
			anyUnknown = true
		case contracts.WouldFail:
			allSucceed = false
		}
	}

	confidence := contracts.ConfidenceMedium
	switch {
	case anyUnknown:
		confidence = contracts.ConfidenceLow
	case allSucceed && costLines > 0:
		confidence = contracts.ConfidenceHigh
	}

	return contracts.CostPrediction{
		HourlyUSD:  hourly,
		DailyUSD:   hourly * 24,
		MonthlyUSD: hourly * 24 * 30,
		AnnualUSD:  hourly * 24 * 365,
		Confidence: confidence,
	}
}

func (e *Engine) assessRisk(plan *contracts.ExecutionPlan, conn *contracts.Connection, result *contracts.SimulationResult) contracts.RiskAssessment {
	score := 0
	var factors, mitigations []string

	if plan.Summary.ResourcesAffected > e.weights.ManyResourcesThreshold {
		score += e.weights.ManyResources
		factors = append(factors, fmt.Sprintf("%d resources affected", plan.Summary.ResourcesAffected))
		mitigations = append(mitigations, "split the change into smaller batches")
	}
	if conn.Environment == contracts.EnvProduction {
		score += e.weights.ProductionEnvironment
		factors = append(factors, "production environment")
		mitigations = append(mitigations, "rehearse against a staging connection first")
	}
	if hasDowntimeWarning(plan) {
		score += e.weights.Downtime
		factors = append(factors, "expected downtime")
		mitigations = append(mitigations, "schedule inside a maintenance window")
	}
	if !plan.Summary.Reversible {
		score += e.weights.NonReversible
		factors = append(factors, "change is not reversible")
	}
	for _, s := range result.Steps {
		if s.Outcome == contracts.WouldFail {
			score += e.weights.PredictedFailure
			factors = append(factors, "at least one step would fail")
			mitigations = append(mitigations, "review the connection's permission boundary")
			break
		}
	}

	if score > 100 {
		score = 100
	}
	return contracts.RiskAssessment{
		Score:       score,
		Level:       contracts.RiskLevelForScore(score),
		Factors:     factors,
		Mitigations: mitigations,
	}
}

func (e *Engine) promotionDecision(conn *contracts.Connection, result *contracts.SimulationResult, now time.Time) contracts.PromotionDecision {
	d := contracts.PromotionDecision{CanPromoteToLive: true}

	if conn.Mode == contracts.ModeSimulation && conn.Simulation.PeriodDays > 0 {
		elapsed := now.Sub(conn.Simulation.StartedAt)
		required := time.Duration(conn.Simulation.PeriodDays) * 24 * time.Hour
		if elapsed < required {
			remaining := required - elapsed
			d.DaysRemaining = int((remaining + 24*time.Hour - 1) / (24 * time.Hour))
			d.CanPromoteToLive = false
			d.BlockedReasons = append(d.BlockedReasons,
				fmt.Sprintf("simulation period not complete: %d day(s) remaining", d.DaysRemaining))
		}
	}
	for _, s := range result.Steps {
		if s.Outcome == contracts.WouldFail {
			d.CanPromoteToLive = false
			d.BlockedReasons = append(d.BlockedReasons, "latest simulation predicted failures")
			break
		}
	}
	for _, c := range result.Checks {
		if !c.Allowed {
			d.CanPromoteToLive = false
			d.BlockedReasons = append(d.BlockedReasons,
				fmt.Sprintf("permission missing for %s:%s", c.Service, c.Action))
			break
		}
	}
	if result.Risk.Level == contracts.RiskCritical {
		d.CanPromoteToLive = false
		d.BlockedReasons = append(d.BlockedReasons, "risk level is critical")
	}
	return d
}

func hasDowntimeWarning(plan *contracts.ExecutionPlan) bool {
	for _, s := range plan.Steps {
		if s.Impact.DowntimeSeconds > 0 {
			return true
		}
	}
	return false
}

// permissionName maps a plan step to the IAM-style action checked against
// the boundary, e.g. "ec2:StopInstances".
func permissionName(step contracts.PlanStep) string {
	return step.Operation.Service + ":" + step.Operation.Operation
}
