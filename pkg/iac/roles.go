// Package iac is the internal access control layer governing platform
// operators: a fixed role-permission matrix, mandatory MFA for sensitive
// operations, and dual approval for the most dangerous ones.
package iac

// Role is an operator's assigned privilege tier.
type Role string

const (
	RoleViewer         Role = "viewer"
	RoleSupport        Role = "support"
	RoleEngineer       Role = "engineer"
	RoleControlAdmin   Role = "control_admin"
	RoleExecutionAdmin Role = "execution_admin"
	RoleSecurityAdmin  Role = "security_admin"
	RoleSuperAdmin     Role = "super_admin"
)

// Operation names an internal platform action.
type Operation string

const (
	OpViewDashboard     Operation = "dashboard.view"
	OpViewAuditLog      Operation = "audit.view"
	OpManageTenant      Operation = "tenant.manage"
	OpCreateConnection  Operation = "connection.create"
	OpSuspendConnection Operation = "connection.suspend"
	OpPromoteConnection Operation = "connection.promote"
	OpRotateExternalID  Operation = "externalid.rotate"
	OpModifyCatalog     Operation = "catalog.modify"
	OpSimulatePlan      Operation = "plan.simulate"
	OpExecutePlan       Operation = "plan.execute"
	OpManageOperators   Operation = "operator.manage"
)

// roleMatrix is the fixed role-to-operation grant table. Roles do not
// inherit; each row lists its full grant set.
var roleMatrix = map[Role]map[Operation]bool{
	RoleViewer: opSet(OpViewDashboard),
	RoleSupport: opSet(
		OpViewDashboard, OpViewAuditLog, OpManageTenant,
	),
	RoleEngineer: opSet(
		OpViewDashboard, OpViewAuditLog,
		OpCreateConnection, OpSimulatePlan,
	),
	RoleControlAdmin: opSet(
		OpViewDashboard, OpViewAuditLog, OpManageTenant,
		OpCreateConnection, OpSuspendConnection, OpModifyCatalog, OpSimulatePlan,
	),
	RoleExecutionAdmin: opSet(
		OpViewDashboard, OpViewAuditLog,
		OpCreateConnection, OpSimulatePlan, OpExecutePlan, OpPromoteConnection,
	),
	RoleSecurityAdmin: opSet(
		OpViewDashboard, OpViewAuditLog, OpSuspendConnection,
		OpRotateExternalID, OpPromoteConnection, OpManageOperators,
	),
	RoleSuperAdmin: opSet(
		OpViewDashboard, OpViewAuditLog, OpManageTenant,
		OpCreateConnection, OpSuspendConnection, OpPromoteConnection,
		OpRotateExternalID, OpModifyCatalog, OpSimulatePlan,
		OpExecutePlan, OpManageOperators,
	),
}

// mfaRequired lists operations that demand a fresh MFA verification.
var mfaRequired = opSet(
	OpExecutePlan, OpPromoteConnection, OpRotateExternalID,
	OpModifyCatalog, OpManageOperators,
)

// dualApprovalRequired lists operations that demand a second human.
// Overlap with mfaRequired is intentional.
var dualApprovalRequired = opSet(
	OpPromoteConnection, OpRotateExternalID, OpManageOperators,
)

// RoleAllows reports whether the role's grant row contains the operation.
func RoleAllows(role Role, op Operation) bool {
	return roleMatrix[role][op]
}

// RequiresMFA reports whether the operation demands MFA.
func RequiresMFA(op Operation) bool { return mfaRequired[op] }

// RequiresDualApproval reports whether the operation demands a second
// approver.
func RequiresDualApproval(op Operation) bool { return dualApprovalRequired[op] }

func opSet(ops ...Operation) map[Operation]bool {
	m := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		m[op] = true
	}
	return m
}
