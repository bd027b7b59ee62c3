// Package execution drives a validated plan against a cloud executor:
// sequential steps, bounded retries with deterministic jitter, and
// reverse-order rollback on exhaustion.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// DefaultStepTimeout bounds a single executor call.
const DefaultStepTimeout = 2 * time.Minute

var (
	// ErrPlanExpired rejects execution of a plan past its expiry.
	ErrPlanExpired = errors.New("execution plan has expired")

	// ErrSimulationOnly rejects live execution for connections still in
	// simulation mode.
	ErrSimulationOnly = errors.New("connection is in simulation mode, live execution is not permitted")

	// ErrExecutorTimeout marks a step that exceeded the per-call timeout.
	ErrExecutorTimeout = errors.New("executor call timed out")
)

// StepResult is what the executor reports for one operation.
type StepResult struct {
	StepID   string         `json:"step_id"`
	Output   map[string]any `json:"output,omitempty"`
	Attempts int            `json:"attempts"`
}

// CloudExecutor performs one plan step against the provider.
type CloudExecutor interface {
	Execute(ctx context.Context, step contracts.PlanStep) (*StepResult, error)
}

// RollbackExecutor performs one compensating operation.
type RollbackExecutor interface {
	ExecuteRollback(ctx context.Context, step contracts.RollbackStep) error
}

// Recorder receives one audit entry per step outcome.
type Recorder interface {
	Record(ctx context.Context, tenantID, actor, action, resource string, outcome contracts.Outcome, details map[string]any) error
}

// PlanOutcome summarizes one execution attempt.
type PlanOutcome struct {
	PlanID     string       `json:"plan_id"`
	Succeeded  []StepResult `json:"succeeded"`
	FailedStep string       `json:"failed_step,omitempty"`
	RolledBack bool         `json:"rolled_back"`
	Err        error        `json:"-"`
}

// Engine executes plans.
type Engine struct {
	executor    CloudExecutor
	rollback    RollbackExecutor
	audit       Recorder
	log         *slog.Logger
	stepTimeout time.Duration
	clock       func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an execution engine.
func NewEngine(executor CloudExecutor, rollback RollbackExecutor, audit Recorder, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		executor:    executor,
		rollback:    rollback,
		audit:       audit,
		log:         log,
		stepTimeout: DefaultStepTimeout,
		clock:       time.Now,
		sleep:       sleepCtx,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithStepTimeout overrides the per-call timeout.
func (e *Engine) WithStepTimeout(d time.Duration) *Engine {
	e.stepTimeout = d
	return e
}

// WithSleep overrides the retry delay primitive for tests.
func (e *Engine) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleep = sleep
	return e
}

// ExecutePlan runs the plan's steps in order. A step that succeeds is never
// re-run; a step that exhausts its retry budget triggers reverse-order
// rollback of everything executed so far.
func (e *Engine) ExecutePlan(ctx context.Context, plan *contracts.ExecutionPlan, conn *contracts.Connection) (*PlanOutcome, error) {
	if plan.Expired(e.clock()) {
		return nil, fmt.Errorf("plan %s: %w", plan.PlanID, ErrPlanExpired)
	}
	if conn.Mode != contracts.ModeLive {
		return nil, ErrSimulationOnly
	}

	outcome := &PlanOutcome{PlanID: plan.PlanID}
	policy := plan.Action.Execution.Retry

	for _, step := range plan.Steps {
		result, err := e.runStep(ctx, plan, step, policy)
		if err != nil {
			outcome.FailedStep = step.ID
			outcome.Err = err
			e.record(ctx, plan, step.ID, contracts.OutcomeFailure, map[string]any{
				"error": err.Error(),
			})
			e.rollbackAll(ctx, plan, outcome)
			return outcome, err
		}
		outcome.Succeeded = append(outcome.Succeeded, *result)
		e.record(ctx, plan, step.ID, contracts.OutcomeSuccess, map[string]any{
			"attempts": result.Attempts,
		})
	}
	return outcome, nil
}

// runStep retries one step within the plan's retry policy. The attempt
// counter includes the initial try.
func (e *Engine) runStep(ctx context.Context, plan *contracts.ExecutionPlan, step contracts.PlanStep, policy contracts.RetryPolicy) (*StepResult, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(policy, plan.PlanID, step.ID, attempt)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		result, err := e.callExecutor(ctx, step)
		if err == nil {
			result.StepID = step.ID
			result.Attempts = attempt + 1
			return result, nil
		}
		lastErr = err
		e.log.WarnContext(ctx, "step attempt failed",
			"plan_id", plan.PlanID, "step_id", step.ID,
			"attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("step %s failed after %d attempt(s): %w", step.ID, maxAttempts, lastErr)
}

func (e *Engine) callExecutor(ctx context.Context, step contracts.PlanStep) (*StepResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	result, err := e.executor.Execute(callCtx, step)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("step %s: %w", step.ID, ErrExecutorTimeout)
		}
		return nil, err
	}
	if result == nil {
		result = &StepResult{}
	}
	return result, nil
}

// rollbackAll compensates the executed steps in reverse order. Rollback
// failures are logged and audited but do not stop remaining compensations.
func (e *Engine) rollbackAll(ctx context.Context, plan *contracts.ExecutionPlan, outcome *PlanOutcome) {
	if e.rollback == nil || len(plan.Rollback) == 0 {
		return
	}

	executed := make(map[string]bool, len(outcome.Succeeded))
	for _, r := range outcome.Succeeded {
		executed[r.StepID] = true
	}

	for i := len(plan.Rollback) - 1; i >= 0; i-- {
		rb := plan.Rollback[i]
		if !executed[rb.CompensesFor] {
			continue
		}
		if err := e.rollback.ExecuteRollback(ctx, rb); err != nil {
			e.log.ErrorContext(ctx, "rollback step failed",
				"plan_id", plan.PlanID, "rollback_id", rb.ID, "error", err)
			e.record(ctx, plan, rb.ID, contracts.OutcomeFailure, map[string]any{
				"rollback": true, "error": err.Error(),
			})
			continue
		}
		e.record(ctx, plan, rb.ID, contracts.OutcomeSuccess, map[string]any{
			"rollback": true, "compensates_for": rb.CompensesFor,
		})
	}
	outcome.RolledBack = true
}

func (e *Engine) record(ctx context.Context, plan *contracts.ExecutionPlan, stepID string, o contracts.Outcome, details map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, plan.TenantID, "executor", plan.Action.Action, stepID, o, details); err != nil {
		e.log.ErrorContext(ctx, "audit record failed", "step_id", stepID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
