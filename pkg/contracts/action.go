package contracts

// ActionDefinition is the declarative description of a governed cloud action.
// A definition is identified by its namespaced Action name (e.g. "ec2.stop")
// plus a Version. Released versions are immutable: re-registering an existing
// action@version with different content is a validation error, never a
// silent override.
type ActionDefinition struct {
	// Action is the namespaced name, "service.verb".
	Action  string `json:"action"`
	Version string `json:"version"`

	Metadata    ActionMetadata    `json:"metadata"`
	Selector    ResourceSelector  `json:"selector"`
	Constraints ActionConstraints `json:"constraints"`
	Execution   ExecutionSpec     `json:"execution"`
	Audit       AuditSpec         `json:"audit"`
}

// ActionMetadata carries human-facing descriptors and the declared risk.
type ActionMetadata struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Reversible  bool      `json:"reversible"`
	// CostImpact hints the direction of the cost change: "increase",
	// "decrease" or "neutral".
	CostImpact string `json:"cost_impact,omitempty"`
}

// ResourceSelector scopes which resources the action may touch.
type ResourceSelector struct {
	Service      string            `json:"service"`
	ResourceType string            `json:"resource_type,omitempty"`
	Filters      map[string]string `json:"filters,omitempty"`
	Regions      []string          `json:"regions,omitempty"`
	Accounts     []string          `json:"accounts,omitempty"`
}

// ActionConstraints bound the blast radius of a single invocation.
type ActionConstraints struct {
	MaxResources      int      `json:"max_resources"`
	Regions           []string `json:"regions,omitempty"`
	RequireApproval   bool     `json:"require_approval"`
	ApprovalLevel     string   `json:"approval_level,omitempty"`
	MaxCostImpactUSD  float64  `json:"max_cost_impact_usd,omitempty"`
	RequireSimulation bool     `json:"require_simulation"`
}

// ExecutionSpec declares how the action is carried out.
type ExecutionSpec struct {
	PreChecks  []Check        `json:"pre_checks,omitempty"`
	Action     OperationSpec  `json:"action"`
	PostChecks []Check        `json:"post_checks,omitempty"`
	Rollback   *OperationSpec `json:"rollback,omitempty"`
	Retry      RetryPolicy    `json:"retry"`
}

// Check is a declarative pre- or post-condition. Condition is a CEL
// expression over the variables `resource` and `request`.
type Check struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
	// FailureMode: "abort" (default) or "warn".
	FailureMode string `json:"failure_mode,omitempty"`
}

// OperationSpec names the underlying provider call.
type OperationSpec struct {
	Service    string         `json:"service"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// BackoffType selects the retry delay growth curve.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// RetryPolicy bounds retries of a failed execution step.
type RetryPolicy struct {
	MaxAttempts    int         `json:"max_attempts"`
	Backoff        BackoffType `json:"backoff"`
	InitialDelayMs int64       `json:"initial_delay_ms"`
	MaxDelayMs     int64       `json:"max_delay_ms"`
}

// AuditSpec declares how executions of this action are recorded.
type AuditSpec struct {
	LogLevel       string   `json:"log_level,omitempty"`
	Notify         []string `json:"notify,omitempty"`
	ComplianceTags []string `json:"compliance_tags,omitempty"`
	RetentionDays  int      `json:"retention_days,omitempty"`
}

// ValidationIssue is a single error or warning produced by DSL validation.
// Field is a dotted path into the document ("constraints.max_resources").
type ValidationIssue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult separates blocking errors from advisory warnings.
// Valid is true iff Errors is empty; warnings never block execution.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// ParsedAction wraps a fully-resolved definition with its content identity.
type ParsedAction struct {
	Definition ActionDefinition `json:"definition"`
	// ContentHash is the SHA-256 of the canonical (RFC 8785) serialization.
	ContentHash string `json:"content_hash"`
	// Signature is an optional keyed HMAC over the same serialization.
	// Non-repudiation aid, not a security boundary by itself.
	Signature  string           `json:"signature,omitempty"`
	DSLVersion string           `json:"dsl_version"`
	Validation ValidationResult `json:"validation"`
}
