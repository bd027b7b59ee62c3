package govern

import (
	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// OutcomeKind classifies how a submission terminated. Denials are data,
// not errors: the caller always receives a Result, and only unexpected
// faults surface as Go errors.
type OutcomeKind string

const (
	// OutcomeExecuted means the plan ran live and every step succeeded.
	OutcomeExecuted OutcomeKind = "executed"

	// OutcomeSimulated means the submission terminated with a dry run,
	// either by request or because the connection is not live.
	OutcomeSimulated OutcomeKind = "simulated"

	// OutcomeValidationError means the action document failed DSL
	// validation.
	OutcomeValidationError OutcomeKind = "validation_error"

	// OutcomePermissionDenied means the permission boundary rejected at
	// least one required action.
	OutcomePermissionDenied OutcomeKind = "permission_denied"

	// OutcomeGenerationExhausted means external-id generation ran out of
	// collision retries.
	OutcomeGenerationExhausted OutcomeKind = "generation_exhausted"

	// OutcomeTenantIsolationViolation means the request payload carried
	// foreign tenant material.
	OutcomeTenantIsolationViolation OutcomeKind = "tenant_isolation_violation"

	// OutcomeSimulationBlocked means the simulation verdict forbids
	// proceeding (predicted failures or ineligible promotion).
	OutcomeSimulationBlocked OutcomeKind = "simulation_blocked"

	// OutcomeDualApprovalRequired means a second operator must approve;
	// ContinuationID names the pending request.
	OutcomeDualApprovalRequired OutcomeKind = "dual_approval_required"

	// OutcomeMFARequired means the operator must complete an MFA
	// verification and resubmit.
	OutcomeMFARequired OutcomeKind = "mfa_required"

	// OutcomeChainIntegrityViolation means the audit chain failed
	// verification. Critical: anchoring and appends halt.
	OutcomeChainIntegrityViolation OutcomeKind = "chain_integrity_violation"

	// OutcomeExecutionFailed means live execution exhausted retries and
	// rolled back.
	OutcomeExecutionFailed OutcomeKind = "execution_failed"
)

// Result is the terminal answer for one submission.
type Result struct {
	Kind    OutcomeKind `json:"kind"`
	Reasons []string    `json:"reasons,omitempty"`

	// ContinuationID carries the pending approval request id for
	// dual_approval_required outcomes.
	ContinuationID string `json:"continuation_id,omitempty"`

	Validation *contracts.ValidationResult `json:"validation,omitempty"`
	Plan       *contracts.ExecutionPlan    `json:"plan,omitempty"`
	Simulation *contracts.SimulationResult `json:"simulation,omitempty"`
	Violations []string                    `json:"violations,omitempty"`
}

// Terminal reports whether the result forbids any further automatic
// progress (as opposed to a continuation the caller can satisfy).
func (r *Result) Terminal() bool {
	switch r.Kind {
	case OutcomeDualApprovalRequired, OutcomeMFARequired:
		return false
	default:
		return true
	}
}
