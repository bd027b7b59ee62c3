package contracts

import "time"

// ApprovalStatus is the lifecycle of a dual-approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// DualApprovalRequest requires a second, distinct human to authorize a
// sensitive internal operation. The approver must differ from the requester
// and must independently hold permission for the operation (plus MFA when
// the operation demands it).
type DualApprovalRequest struct {
	ID        string         `json:"id"`
	Requester string         `json:"requester"`
	Operation string         `json:"operation"`
	Resource  string         `json:"resource,omitempty"`
	Status    ApprovalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Approver  string         `json:"approver,omitempty"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}

// Expired reports whether the request window has closed.
func (r *DualApprovalRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
