// Package govern orchestrates a submission end to end: tenant isolation,
// cross-tenant scanning, DSL validation, planning, the permission
// boundary, simulation, and (when eligible) live execution. Every
// decision is audit-logged before the result leaves the engine.
package govern

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudwarden/cloudwarden/pkg/audit"
	"github.com/cloudwarden/cloudwarden/pkg/contracts"
	"github.com/cloudwarden/cloudwarden/pkg/dsl"
	"github.com/cloudwarden/cloudwarden/pkg/execution"
	"github.com/cloudwarden/cloudwarden/pkg/iac"
	"github.com/cloudwarden/cloudwarden/pkg/isolation"
	"github.com/cloudwarden/cloudwarden/pkg/observability"
	"github.com/cloudwarden/cloudwarden/pkg/planner"
	"github.com/cloudwarden/cloudwarden/pkg/simulation"
	"github.com/cloudwarden/cloudwarden/pkg/store"
)

// Request is one governed submission.
type Request struct {
	UserID      string
	WorkspaceID string
	// OwnAccounts are AWS account ids belonging to this tenant; any other
	// 12-digit account id in the payload is a cross-tenant violation.
	OwnAccounts []string

	// ActionDocument is the raw DSL document.
	ActionDocument []byte

	ConnectionID  string
	Resources     []string
	Region        string
	ResourceClass string
	Parameters    map[string]any

	// Operator gates live execution through internal access control.
	// Zero value skips the operator gate (service-to-service callers).
	Operator iac.Operator

	// Execute requests live execution after a passing simulation.
	Execute bool
}

// Engine wires the full pipeline.
type Engine struct {
	tenants   *isolation.Manager
	scanner   *isolation.Scanner
	parser    *dsl.Parser
	planner   *planner.Generator
	simulator *simulation.Engine
	executor  *execution.Engine
	access    *iac.Controller
	conns     store.ConnectionStore
	results   *simulation.ResultStore
	chain     *audit.Chain
	obs       *observability.Provider
	log       *slog.Logger
}

// Config collects the engine's collaborators.
type Config struct {
	Tenants     *isolation.Manager
	Parser      *dsl.Parser
	Planner     *planner.Generator
	Simulator   *simulation.Engine
	Executor    *execution.Engine
	Access      *iac.Controller
	Connections store.ConnectionStore
	// Results optionally retains simulation results for later retrieval.
	Results *simulation.ResultStore
	Chain   *audit.Chain
	// Metrics optionally emits spans and RED metrics per submission.
	Metrics *observability.Provider
	Logger  *slog.Logger
}

// NewEngine builds the pipeline engine.
func NewEngine(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		tenants:   cfg.Tenants,
		scanner:   isolation.NewScanner(),
		parser:    cfg.Parser,
		planner:   cfg.Planner,
		simulator: cfg.Simulator,
		executor:  cfg.Executor,
		access:    cfg.Access,
		conns:     cfg.Connections,
		results:   cfg.Results,
		chain:     cfg.Chain,
		obs:       cfg.Metrics,
		log:       log,
	}
}

// Submit runs one request through the pipeline. The returned Result is
// the decision; the error is reserved for faults (storage down, chain
// halted), never for denials.
func (e *Engine) Submit(ctx context.Context, req Request) (*Result, error) {
	ctx, tc := e.tenants.Enter(ctx, req.UserID, req.WorkspaceID, req.OwnAccounts)
	defer e.tenants.Exit(tc)

	ctx, finish := e.trackSubmission(ctx, tc.TenantID, req)

	result, err := e.run(ctx, tc, req)
	if err != nil {
		finish(nil, err)
		return nil, err
	}

	// the decision is on the chain before the caller sees it
	outcome := contracts.OutcomeDenied
	switch result.Kind {
	case OutcomeExecuted, OutcomeSimulated:
		outcome = contracts.OutcomeAllowed
	}
	if recErr := e.chain.Record(ctx, tc.TenantID, req.UserID, "govern.submit",
		req.ConnectionID, outcome, map[string]any{
			"kind":    string(result.Kind),
			"reasons": result.Reasons,
		}); recErr != nil {
		if errors.Is(recErr, audit.ErrChainHalted) {
			halted := &Result{
				Kind:    OutcomeChainIntegrityViolation,
				Reasons: []string{"audit chain is halted"},
			}
			finish(halted, recErr)
			return halted, nil
		}
		finish(result, recErr)
		return nil, fmt.Errorf("recording decision: %w", recErr)
	}
	finish(result, nil)
	return result, nil
}

// trackSubmission opens the submission span and RED metrics. The returned
// finish annotates the span with the decision and closes everything; it
// must be called exactly once.
func (e *Engine) trackSubmission(ctx context.Context, tenantID string, req Request) (context.Context, func(*Result, error)) {
	if e.obs == nil {
		return ctx, func(*Result, error) {}
	}
	ctx, done := e.obs.TrackOperation(ctx, "govern.submit",
		observability.AttrTenantID.String(tenantID),
		observability.AttrConnectionID.String(req.ConnectionID),
	)
	return ctx, func(result *Result, err error) {
		if result != nil {
			span := observability.SpanFromContext(ctx)
			span.SetAttributes(observability.AttrOutcomeKind.String(string(result.Kind)))
			if sim := result.Simulation; sim != nil {
				observability.AddSpanEvent(ctx, "simulation.complete",
					observability.SimulationOperation(sim.PlanID, string(sim.Status),
						string(sim.Risk.Level), sim.Risk.Score)...)
			}
		}
		done(err)
	}
}

func (e *Engine) run(ctx context.Context, tc *isolation.TenantContext, req Request) (*Result, error) {
	// cross-tenant scan over everything caller-controlled
	if res := e.scanPayload(tc, req); res != nil {
		return res, nil
	}

	parsed, err := e.parser.Parse(req.ActionDocument)
	if err != nil {
		return nil, fmt.Errorf("parsing action document: %w", err)
	}
	if !parsed.Validation.Valid {
		return &Result{
			Kind:       OutcomeValidationError,
			Reasons:    issueMessages(parsed.Validation.Errors),
			Validation: &parsed.Validation,
		}, nil
	}

	conn, err := e.conns.Get(ctx, req.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("loading connection %s: %w", req.ConnectionID, err)
	}

	plan, err := e.planner.GeneratePlan(parsed, planner.Request{
		TenantID:      tc.TenantID,
		Resources:     req.Resources,
		Region:        req.Region,
		ResourceClass: req.ResourceClass,
		Parameters:    req.Parameters,
	})
	if err != nil {
		return &Result{
			Kind:       OutcomeValidationError,
			Reasons:    []string{err.Error()},
			Validation: &parsed.Validation,
		}, nil
	}

	simResult, err := e.simulator.Simulate(ctx, plan, conn)
	if err != nil {
		return nil, fmt.Errorf("simulating plan %s: %w", plan.PlanID, err)
	}
	if e.results != nil {
		e.results.Put(ctx, simResult)
	}

	if simResult.Status == contracts.SimulationFailed {
		kind := OutcomeSimulationBlocked
		if permissionDenied(simResult) {
			kind = OutcomePermissionDenied
		}
		return &Result{
			Kind:       kind,
			Reasons:    failureReasons(simResult),
			Plan:       plan,
			Simulation: simResult,
		}, nil
	}

	if !req.Execute {
		return &Result{Kind: OutcomeSimulated, Plan: plan, Simulation: simResult}, nil
	}

	if conn.Mode != contracts.ModeLive {
		return &Result{
			Kind:       OutcomeSimulationBlocked,
			Reasons:    append([]string{"connection is in simulation mode"}, simResult.Promotion.BlockedReasons...),
			Plan:       plan,
			Simulation: simResult,
		}, nil
	}

	if res := e.operatorGate(ctx, req, plan); res != nil {
		res.Plan = plan
		res.Simulation = simResult
		return res, nil
	}

	outcome, execErr := e.executor.ExecutePlan(ctx, plan, conn)
	if execErr != nil {
		reasons := []string{execErr.Error()}
		if outcome != nil && outcome.RolledBack {
			reasons = append(reasons, "executed steps were rolled back")
		}
		return &Result{
			Kind:       OutcomeExecutionFailed,
			Reasons:    reasons,
			Plan:       plan,
			Simulation: simResult,
		}, nil
	}

	return &Result{Kind: OutcomeExecuted, Plan: plan, Simulation: simResult}, nil
}

// scanPayload runs the cross-tenant scanner over the action document and
// request parameters.
func (e *Engine) scanPayload(tc *isolation.TenantContext, req Request) *Result {
	text := string(req.ActionDocument)
	for _, v := range req.Parameters {
		text += fmt.Sprintf(" %v", v)
	}

	violations, risk := e.scanner.DetectCrossTenantPatterns(text, tc)
	if len(violations) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Kind, v.Message))
	}
	e.log.Warn("cross-tenant material detected",
		"tenant_id", tc.TenantID, "risk", risk, "violations", len(violations))

	return &Result{
		Kind:       OutcomeTenantIsolationViolation,
		Reasons:    []string{"request payload references material outside this tenant"},
		Violations: msgs,
	}
}

// operatorGate enforces internal access control for live execution. A nil
// return means the gate is open.
func (e *Engine) operatorGate(ctx context.Context, req Request, plan *contracts.ExecutionPlan) *Result {
	if e.access == nil || req.Operator.ID == "" {
		return nil
	}

	decision := e.access.CheckAccess(ctx, req.Operator, iac.OpExecutePlan, plan.PlanID)
	if decision.Allowed {
		return nil
	}

	switch decision.Cause {
	case iac.DenyMFARequired:
		return &Result{Kind: OutcomeMFARequired, Reasons: []string{decision.Reason}}
	case iac.DenyApprovalRequired:
		return &Result{
			Kind:           OutcomeDualApprovalRequired,
			Reasons:        []string{decision.Reason},
			ContinuationID: decision.PendingRequestID,
		}
	default:
		return &Result{Kind: OutcomePermissionDenied, Reasons: []string{decision.Reason}}
	}
}

func permissionDenied(result *contracts.SimulationResult) bool {
	for _, c := range result.Checks {
		if !c.Allowed {
			return true
		}
	}
	return false
}

func failureReasons(result *contracts.SimulationResult) []string {
	var out []string
	for _, s := range result.Steps {
		if s.Outcome == contracts.WouldFail && s.Reason != "" {
			out = append(out, s.Reason)
		}
	}
	if len(out) == 0 {
		out = append(out, "simulation predicted failures")
	}
	return out
}

func issueMessages(issues []contracts.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
	}
	return out
}
