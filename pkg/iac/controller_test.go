package iac

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
	"github.com/cloudwarden/cloudwarden/pkg/secrets"
)

type auditSink struct {
	entries []struct {
		Actor   string
		Action  string
		Outcome contracts.Outcome
	}
}

func (a *auditSink) Record(_ context.Context, _, actor, action, _ string, outcome contracts.Outcome, _ map[string]any) error {
	a.entries = append(a.entries, struct {
		Actor   string
		Action  string
		Outcome contracts.Outcome
	}{actor, action, outcome})
	return nil
}

var iacNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	mfa    *MFA
	ctrl   *Controller
	audit  *auditSink
	now    time.Time
	cipher *secrets.Cipher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cipher, err := secrets.NewCipher(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	f := &fixture{audit: &auditSink{}, now: iacNow, cipher: cipher}
	clock := func() time.Time { return f.now }
	f.mfa = NewMFA(cipher).WithClock(clock)
	f.ctrl = NewController(f.mfa, f.audit, nil).WithClock(clock)
	return f
}

// enroll sets up MFA for the operator and completes one verification.
func (f *fixture) enroll(t *testing.T, operatorID string) {
	t.Helper()
	setup, err := f.mfa.Setup(context.Background(), operatorID)
	require.NoError(t, err)
	code, err := totpCode(setup.Secret, f.now)
	require.NoError(t, err)
	require.NoError(t, f.mfa.Verify(context.Background(), operatorID, code))
}

func TestCheckAccessRoleMatrix(t *testing.T) {
	f := newFixture(t)

	d := f.ctrl.CheckAccess(context.Background(), Operator{ID: "op-v", Role: RoleViewer}, OpViewDashboard, "")
	assert.True(t, d.Allowed)

	d = f.ctrl.CheckAccess(context.Background(), Operator{ID: "op-v", Role: RoleViewer}, OpExecutePlan, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyRoleLacksOperation, d.Cause)

	// every check lands in the audit log, allowed or not
	require.Len(t, f.audit.entries, 2)
	assert.Equal(t, contracts.OutcomeAllowed, f.audit.entries[0].Outcome)
	assert.Equal(t, contracts.OutcomeDenied, f.audit.entries[1].Outcome)
}

func TestCheckAccessMFAGate(t *testing.T) {
	f := newFixture(t)
	op := Operator{ID: "op-e", Role: RoleExecutionAdmin}

	d := f.ctrl.CheckAccess(context.Background(), op, OpExecutePlan, "plan-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyMFARequired, d.Cause)

	f.enroll(t, op.ID)
	d = f.ctrl.CheckAccess(context.Background(), op, OpExecutePlan, "plan-1")
	assert.True(t, d.Allowed)

	// the rolling window closes after 15 minutes
	f.now = f.now.Add(16 * time.Minute)
	d = f.ctrl.CheckAccess(context.Background(), op, OpExecutePlan, "plan-1")
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyMFARequired, d.Cause)
}

func TestDualApprovalFlow(t *testing.T) {
	f := newFixture(t)
	requester := Operator{ID: "op-a", Role: RoleSecurityAdmin}
	approver := Operator{ID: "op-b", Role: RoleSecurityAdmin}
	f.enroll(t, requester.ID)
	f.enroll(t, approver.ID)

	// first attempt: pending request created, continuation id returned
	d := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-1")
	require.False(t, d.Allowed)
	assert.Equal(t, DenyApprovalRequired, d.Cause)
	require.NotEmpty(t, d.PendingRequestID)

	// retry before approval reuses the same pending request
	d2 := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-1")
	assert.Equal(t, d.PendingRequestID, d2.PendingRequestID)

	require.NoError(t, f.ctrl.ApproveRequest(context.Background(), d.PendingRequestID, approver))

	d3 := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-1")
	assert.True(t, d3.Allowed)
}

func TestSelfApprovalRejected(t *testing.T) {
	f := newFixture(t)
	requester := Operator{ID: "op-a", Role: RoleSecurityAdmin}
	f.enroll(t, requester.ID)

	d := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-1")
	require.NotEmpty(t, d.PendingRequestID)

	err := f.ctrl.ApproveRequest(context.Background(), d.PendingRequestID, requester)
	assert.ErrorIs(t, err, ErrSelfApproval)
}

func TestApproverMustQualify(t *testing.T) {
	f := newFixture(t)
	requester := Operator{ID: "op-a", Role: RoleSecurityAdmin}
	f.enroll(t, requester.ID)

	d := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-1")
	require.NotEmpty(t, d.PendingRequestID)

	// wrong role
	err := f.ctrl.ApproveRequest(context.Background(), d.PendingRequestID, Operator{ID: "op-v", Role: RoleViewer})
	assert.ErrorIs(t, err, ErrApproverNotQualified)

	// right role, no fresh MFA
	err = f.ctrl.ApproveRequest(context.Background(), d.PendingRequestID, Operator{ID: "op-b", Role: RoleSecurityAdmin})
	assert.ErrorIs(t, err, ErrApproverNotQualified)
}

func TestApprovalExpiry(t *testing.T) {
	f := newFixture(t)
	requester := Operator{ID: "op-a", Role: RoleSecurityAdmin}
	approver := Operator{ID: "op-b", Role: RoleSecurityAdmin}
	f.enroll(t, requester.ID)
	f.enroll(t, approver.ID)

	d := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-1")
	require.NotEmpty(t, d.PendingRequestID)

	f.now = f.now.Add(31 * time.Minute)
	// the approver's MFA window also lapsed; re-verify to isolate expiry
	f.enroll(t, approver.ID)

	err := f.ctrl.ApproveRequest(context.Background(), d.PendingRequestID, approver)
	assert.ErrorIs(t, err, ErrRequestNotPending)

	req := f.ctrl.Request(d.PendingRequestID)
	require.NotNil(t, req)
	assert.Equal(t, contracts.ApprovalExpired, req.Status)
}

func TestNoDoubleDecision(t *testing.T) {
	f := newFixture(t)
	requester := Operator{ID: "op-a", Role: RoleSecurityAdmin}
	approver := Operator{ID: "op-b", Role: RoleSecurityAdmin}
	second := Operator{ID: "op-c", Role: RoleSecurityAdmin}
	f.enroll(t, requester.ID)
	f.enroll(t, approver.ID)
	f.enroll(t, second.ID)

	d := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-1")
	require.NotEmpty(t, d.PendingRequestID)

	require.NoError(t, f.ctrl.ApproveRequest(context.Background(), d.PendingRequestID, approver))

	// approve-after-approve and reject-after-approve both fail
	assert.ErrorIs(t, f.ctrl.ApproveRequest(context.Background(), d.PendingRequestID, second), ErrRequestNotPending)
	assert.ErrorIs(t, f.ctrl.RejectRequest(context.Background(), d.PendingRequestID, second), ErrRequestNotPending)
}

func TestRejectRequest(t *testing.T) {
	f := newFixture(t)
	requester := Operator{ID: "op-a", Role: RoleSecurityAdmin}
	approver := Operator{ID: "op-b", Role: RoleSecurityAdmin}
	f.enroll(t, requester.ID)

	d := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-1")
	require.NotEmpty(t, d.PendingRequestID)

	require.NoError(t, f.ctrl.RejectRequest(context.Background(), d.PendingRequestID, approver))

	// a rejected request never satisfies a later check
	d2 := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-1")
	assert.False(t, d2.Allowed)
	assert.NotEqual(t, d.PendingRequestID, d2.PendingRequestID)
}

func TestSweepDropsOnlyExpiredRequests(t *testing.T) {
	f := newFixture(t)
	requester := Operator{ID: "op-a", Role: RoleSecurityAdmin}
	f.enroll(t, requester.ID)

	old := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-old")
	require.NotEmpty(t, old.PendingRequestID)

	f.now = f.now.Add(20 * time.Minute)
	f.enroll(t, requester.ID) // the 15-minute verification window has lapsed
	fresh := f.ctrl.CheckAccess(context.Background(), requester, OpRotateExternalID, "conn-fresh")
	require.NotEmpty(t, fresh.PendingRequestID)

	// first request is 20m old and expires at 30m; not swept yet
	f.ctrl.Sweep()
	assert.NotNil(t, f.ctrl.Request(old.PendingRequestID))

	f.now = f.now.Add(15 * time.Minute)
	f.ctrl.Sweep()
	assert.Nil(t, f.ctrl.Request(old.PendingRequestID))
	assert.NotNil(t, f.ctrl.Request(fresh.PendingRequestID))
}
