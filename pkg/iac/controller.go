package iac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// ApprovalTTL is the window in which a pending request may be approved.
const ApprovalTTL = 30 * time.Minute

var (
	// ErrUnknownRequest marks a request id with no record.
	ErrUnknownRequest = errors.New("unknown approval request")

	// ErrSelfApproval rejects an approver who is also the requester.
	ErrSelfApproval = errors.New("requester cannot approve their own request")

	// ErrRequestNotPending rejects decisions on settled or expired
	// requests.
	ErrRequestNotPending = errors.New("approval request is not pending")

	// ErrApproverNotQualified rejects approvers lacking the operation's
	// permission or MFA.
	ErrApproverNotQualified = errors.New("approver does not independently qualify for the operation")
)

// Operator is an internal platform staff member.
type Operator struct {
	ID   string
	Role Role
}

// DenialCause classifies why access was denied.
type DenialCause string

const (
	DenyRoleLacksOperation DenialCause = "role_lacks_operation"
	DenyMFARequired        DenialCause = "mfa_required"
	DenyApprovalRequired   DenialCause = "dual_approval_required"
)

// AccessDecision is the outcome of one access check. A denial with
// PendingRequestID set is a continuation: the operator retries the same
// operation once a second human has approved.
type AccessDecision struct {
	Allowed          bool        `json:"allowed"`
	Cause            DenialCause `json:"cause,omitempty"`
	Reason           string      `json:"reason,omitempty"`
	PendingRequestID string      `json:"pending_request_id,omitempty"`
}

// Recorder receives one audit entry per access check and approval
// decision.
type Recorder interface {
	Record(ctx context.Context, tenantID, actor, action, resource string, outcome contracts.Outcome, details map[string]any) error
}

// Controller enforces the internal role matrix, MFA, and dual approval.
type Controller struct {
	mfa   *MFA
	audit Recorder
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	requests map[string]*contracts.DualApprovalRequest
}

// NewController wires the access controller.
func NewController(mfa *MFA, audit Recorder, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		mfa:      mfa,
		audit:    audit,
		log:      log,
		clock:    time.Now,
		requests: make(map[string]*contracts.DualApprovalRequest),
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// CheckAccess evaluates one operation for one operator. Every check, any
// outcome, lands in the audit log.
func (c *Controller) CheckAccess(ctx context.Context, op Operator, operation Operation, resource string) AccessDecision {
	decision := c.evaluate(ctx, op, operation, resource)

	outcome := contracts.OutcomeAllowed
	if !decision.Allowed {
		outcome = contracts.OutcomeDenied
	}
	c.record(ctx, op.ID, string(operation), resource, outcome, map[string]any{
		"role":               string(op.Role),
		"cause":              string(decision.Cause),
		"pending_request_id": decision.PendingRequestID,
	})
	return decision
}

func (c *Controller) evaluate(_ context.Context, op Operator, operation Operation, resource string) AccessDecision {
	if !RoleAllows(op.Role, operation) {
		return AccessDecision{
			Cause:  DenyRoleLacksOperation,
			Reason: fmt.Sprintf("role %q is not granted %q", op.Role, operation),
		}
	}

	if RequiresMFA(operation) {
		if !c.mfa.Enrolled(op.ID) {
			return AccessDecision{
				Cause:  DenyMFARequired,
				Reason: "operation requires mfa and the operator is not enrolled",
			}
		}
		if !c.mfa.Verified(op.ID) {
			return AccessDecision{
				Cause:  DenyMFARequired,
				Reason: "operation requires a fresh mfa verification",
			}
		}
	}

	if RequiresDualApproval(operation) {
		if approved := c.findApproved(op.ID, operation, resource); approved == nil {
			req := c.createPending(op.ID, operation, resource)
			return AccessDecision{
				Cause:            DenyApprovalRequired,
				Reason:           "operation requires approval by a second operator",
				PendingRequestID: req.ID,
			}
		}
	}

	return AccessDecision{Allowed: true}
}

// ApproveRequest flips a pending request to approved. The transition is
// atomic per request id: a settled or expired request is never approved.
func (c *Controller) ApproveRequest(ctx context.Context, requestID string, approver Operator) error {
	err := c.decide(requestID, approver, contracts.ApprovalApproved)

	outcome := contracts.OutcomeAllowed
	if err != nil {
		outcome = contracts.OutcomeDenied
	}
	c.record(ctx, approver.ID, "approval.approve", requestID, outcome, map[string]any{
		"error": errString(err),
	})
	return err
}

// RejectRequest flips a pending request to rejected.
func (c *Controller) RejectRequest(ctx context.Context, requestID string, approver Operator) error {
	err := c.decide(requestID, approver, contracts.ApprovalRejected)

	outcome := contracts.OutcomeAllowed
	if err != nil {
		outcome = contracts.OutcomeDenied
	}
	c.record(ctx, approver.ID, "approval.reject", requestID, outcome, map[string]any{
		"error": errString(err),
	})
	return err
}

// Request returns a copy of the stored request, or nil.
func (c *Controller) Request(requestID string) *contracts.DualApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return nil
	}
	cp := *req
	return &cp
}

func (c *Controller) decide(requestID string, approver Operator, status contracts.ApprovalStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[requestID]
	if !ok {
		return ErrUnknownRequest
	}
	if req.Requester == approver.ID {
		return ErrSelfApproval
	}

	now := c.clock()
	if req.Status == contracts.ApprovalPending && req.Expired(now) {
		req.Status = contracts.ApprovalExpired
	}
	if req.Status != contracts.ApprovalPending {
		return fmt.Errorf("%w: status is %s", ErrRequestNotPending, req.Status)
	}

	if status == contracts.ApprovalApproved {
		operation := Operation(req.Operation)
		if !RoleAllows(approver.Role, operation) {
			return ErrApproverNotQualified
		}
		if RequiresMFA(operation) && !c.mfa.Verified(approver.ID) {
			return fmt.Errorf("%w: mfa verification required", ErrApproverNotQualified)
		}
	}

	req.Status = status
	req.Approver = approver.ID
	req.DecidedAt = &now
	return nil
}

// findApproved returns a usable approval for (requester, operation,
// resource), or nil. Pending requests past their window are expired in
// place.
func (c *Controller) findApproved(requester string, operation Operation, resource string) *contracts.DualApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	for _, req := range c.requests {
		if req.Status == contracts.ApprovalPending && req.Expired(now) {
			req.Status = contracts.ApprovalExpired
		}
		if req.Status == contracts.ApprovalApproved &&
			req.Requester == requester &&
			req.Operation == string(operation) &&
			req.Resource == resource &&
			!req.Expired(now) {
			return req
		}
	}
	return nil
}

func (c *Controller) createPending(requester string, operation Operation, resource string) *contracts.DualApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	// reuse an existing pending request for the same tuple
	now := c.clock()
	for _, req := range c.requests {
		if req.Status == contracts.ApprovalPending &&
			req.Requester == requester &&
			req.Operation == string(operation) &&
			req.Resource == resource &&
			!req.Expired(now) {
			return req
		}
	}

	req := &contracts.DualApprovalRequest{
		ID:        uuid.New().String(),
		Requester: requester,
		Operation: string(operation),
		Resource:  resource,
		Status:    contracts.ApprovalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ApprovalTTL),
	}
	c.requests[req.ID] = req
	return req
}

// Sweep drops requests whose approval window has closed: expired
// pendings and settled requests past their expiry. Active pendings and
// still-usable approvals survive.
func (c *Controller) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	for id, req := range c.requests {
		if req.Expired(now) {
			delete(c.requests, id)
		}
	}
}

// StartSweeper sweeps settled and expired requests every minute until
// the context ends.
func (c *Controller) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

func (c *Controller) record(ctx context.Context, actor, action, resource string, outcome contracts.Outcome, details map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, "platform", actor, action, resource, outcome, details); err != nil {
		c.log.ErrorContext(ctx, "audit record failed", "action", action, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
