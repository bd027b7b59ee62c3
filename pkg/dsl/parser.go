package dsl

import (
	"encoding/json"
	"fmt"

	"github.com/cloudwarden/cloudwarden/pkg/canonicalize"
	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// Validation issue codes.
const (
	CodeSchema              = "schema_violation"
	CodeActionNotAllowed    = "action_not_allowed"
	CodeUnknownDSLVersion   = "unknown_dsl_version"
	CodeDeprecatedVersion   = "deprecated_dsl_version"
	CodeRequiredField       = "required_field_missing"
	CodeInvalidRiskLevel    = "invalid_risk_level"
	CodeInvalidMaxResources = "invalid_max_resources"
	CodeManyResources       = "max_resources_above_recommended"
	CodeNoRegions           = "no_regions_specified"
	CodeApprovalAdvised     = "approval_advised_for_risk"
	CodeNoRollback          = "no_rollback_for_irreversible"
	CodeInvalidCheck        = "invalid_check_expression"
)

// document is the wire shape of a raw action document. Pointer fields
// distinguish "absent" (fill from catalog defaults) from explicit zeros.
type document struct {
	Action      string                       `json:"action"`
	Version     string                       `json:"version,omitempty"`
	DSLVersion  string                       `json:"dsl_version,omitempty"`
	Metadata    *contracts.ActionMetadata    `json:"metadata,omitempty"`
	Selector    *contracts.ResourceSelector  `json:"selector,omitempty"`
	Constraints *contracts.ActionConstraints `json:"constraints,omitempty"`
	Execution   *contracts.ExecutionSpec     `json:"execution,omitempty"`
	Audit       *contracts.AuditSpec         `json:"audit,omitempty"`
}

// Parser turns raw documents into validated, hashed ParsedActions.
type Parser struct {
	catalog *Catalog
	checks  *CheckEvaluator
	hmacKey []byte
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithSigningKey enables HMAC signing of parsed definitions.
func WithSigningKey(key []byte) ParserOption {
	return func(p *Parser) { p.hmacKey = key }
}

// NewParser creates a Parser over the given catalog.
func NewParser(catalog *Catalog, opts ...ParserOption) (*Parser, error) {
	checks, err := NewCheckEvaluator()
	if err != nil {
		return nil, err
	}
	p := &Parser{catalog: catalog, checks: checks}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Checks exposes the evaluator, shared with the simulation engine so
// compiled programs are reused.
func (p *Parser) Checks() *CheckEvaluator {
	return p.checks
}

// Parse handles a raw JSON document. Malformed JSON is a fault; every other
// problem is reported inside the ValidationResult.
func (p *Parser) Parse(raw []byte) (*contracts.ParsedAction, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("dsl: document is not valid JSON: %w", err)
	}

	var issues []contracts.ValidationIssue
	if err := validateShape(generic); err != nil {
		issues = append(issues, contracts.ValidationIssue{
			Field:   "$",
			Code:    CodeSchema,
			Message: err.Error(),
		})
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("dsl: decode document: %w", err)
	}
	return p.parseDocument(doc, issues)
}

// ParseDefinition handles an already-structured definition.
func (p *Parser) ParseDefinition(def contracts.ActionDefinition) (*contracts.ParsedAction, error) {
	doc := document{
		Action:      def.Action,
		Version:     def.Version,
		Metadata:    &def.Metadata,
		Selector:    &def.Selector,
		Constraints: &def.Constraints,
		Execution:   &def.Execution,
		Audit:       &def.Audit,
	}
	return p.parseDocument(doc, nil)
}

func (p *Parser) parseDocument(doc document, issues []contracts.ValidationIssue) (*contracts.ParsedAction, error) {
	dslVersion := doc.DSLVersion
	if dslVersion == "" {
		dslVersion = CurrentDSLVersion
	}

	def, allowed := p.resolve(doc)

	result := contracts.ValidationResult{}
	result.Errors = append(result.Errors, issues...)

	// The allow-list is checked regardless of whether the rest of the
	// document is otherwise valid.
	if !allowed {
		result.Errors = append(result.Errors, contracts.ValidationIssue{
			Field:   "action",
			Code:    CodeActionNotAllowed,
			Message: fmt.Sprintf("action %q is not in the catalog allow-list", doc.Action),
		})
	}

	p.validateSemantics(&def, dslVersion, &result)
	result.Valid = len(result.Errors) == 0

	hash, err := canonicalize.CanonicalHash(def)
	if err != nil {
		return nil, fmt.Errorf("dsl: hash definition: %w", err)
	}

	parsed := &contracts.ParsedAction{
		Definition:  def,
		ContentHash: hash,
		DSLVersion:  dslVersion,
		Validation:  result,
	}

	if p.hmacKey != nil {
		sig, err := canonicalize.HMACSign(def, p.hmacKey)
		if err != nil {
			return nil, fmt.Errorf("dsl: sign definition: %w", err)
		}
		parsed.Signature = sig
	}
	return parsed, nil
}

// resolve merges the document onto the catalog defaults for its action, so
// an abbreviated document is still fully resolvable.
func (p *Parser) resolve(doc document) (contracts.ActionDefinition, bool) {
	def, ok := p.catalog.Lookup(doc.Action)
	if !ok {
		def = contracts.ActionDefinition{Action: doc.Action}
	}

	if doc.Version != "" {
		def.Version = doc.Version
	}
	if doc.Metadata != nil {
		merged := def.Metadata
		if doc.Metadata.Name != "" {
			merged.Name = doc.Metadata.Name
		}
		if doc.Metadata.Description != "" {
			merged.Description = doc.Metadata.Description
		}
		if doc.Metadata.Category != "" {
			merged.Category = doc.Metadata.Category
		}
		if doc.Metadata.RiskLevel != "" {
			merged.RiskLevel = doc.Metadata.RiskLevel
		}
		if doc.Metadata.CostImpact != "" {
			merged.CostImpact = doc.Metadata.CostImpact
		}
		def.Metadata = merged
	}
	if doc.Selector != nil {
		merged := def.Selector
		if doc.Selector.Service != "" {
			merged.Service = doc.Selector.Service
		}
		if doc.Selector.ResourceType != "" {
			merged.ResourceType = doc.Selector.ResourceType
		}
		if len(doc.Selector.Filters) > 0 {
			merged.Filters = doc.Selector.Filters
		}
		if len(doc.Selector.Regions) > 0 {
			merged.Regions = doc.Selector.Regions
		}
		if len(doc.Selector.Accounts) > 0 {
			merged.Accounts = doc.Selector.Accounts
		}
		def.Selector = merged
	}
	if doc.Constraints != nil {
		merged := def.Constraints
		if doc.Constraints.MaxResources != 0 {
			merged.MaxResources = doc.Constraints.MaxResources
		}
		if len(doc.Constraints.Regions) > 0 {
			merged.Regions = doc.Constraints.Regions
		}
		if doc.Constraints.RequireApproval {
			merged.RequireApproval = true
		}
		if doc.Constraints.ApprovalLevel != "" {
			merged.ApprovalLevel = doc.Constraints.ApprovalLevel
		}
		if doc.Constraints.MaxCostImpactUSD != 0 {
			merged.MaxCostImpactUSD = doc.Constraints.MaxCostImpactUSD
		}
		if doc.Constraints.RequireSimulation {
			merged.RequireSimulation = true
		}
		def.Constraints = merged
	}
	if doc.Execution != nil {
		merged := def.Execution
		if len(doc.Execution.PreChecks) > 0 {
			merged.PreChecks = doc.Execution.PreChecks
		}
		if doc.Execution.Action.Operation != "" {
			merged.Action = doc.Execution.Action
		}
		if len(doc.Execution.PostChecks) > 0 {
			merged.PostChecks = doc.Execution.PostChecks
		}
		if doc.Execution.Rollback != nil {
			merged.Rollback = doc.Execution.Rollback
		}
		if doc.Execution.Retry.MaxAttempts != 0 {
			merged.Retry = doc.Execution.Retry
		}
		def.Execution = merged
	}
	if doc.Audit != nil {
		merged := def.Audit
		if doc.Audit.LogLevel != "" {
			merged.LogLevel = doc.Audit.LogLevel
		}
		if len(doc.Audit.Notify) > 0 {
			merged.Notify = doc.Audit.Notify
		}
		if len(doc.Audit.ComplianceTags) > 0 {
			merged.ComplianceTags = doc.Audit.ComplianceTags
		}
		if doc.Audit.RetentionDays != 0 {
			merged.RetentionDays = doc.Audit.RetentionDays
		}
		def.Audit = merged
	}

	_, inCatalog := p.catalog.Lookup(doc.Action)
	return def, inCatalog
}

//nolint:gocognit // the rule list is long but linear
func (p *Parser) validateSemantics(def *contracts.ActionDefinition, dslVersion string, result *contracts.ValidationResult) {
	addError := func(field, code, msg string) {
		result.Errors = append(result.Errors, contracts.ValidationIssue{Field: field, Code: code, Message: msg})
	}
	addWarning := func(field, code, msg string) {
		result.Warnings = append(result.Warnings, contracts.ValidationIssue{Field: field, Code: code, Message: msg})
	}

	known, deprecated := KnownDSLVersion(dslVersion)
	if !known {
		addError("dsl_version", CodeUnknownDSLVersion, fmt.Sprintf("DSL version %q is not in the version history", dslVersion))
	} else if deprecated {
		addWarning("dsl_version", CodeDeprecatedVersion, fmt.Sprintf("DSL version %q is deprecated", dslVersion))
	}

	if def.Metadata.Name == "" {
		addError("metadata.name", CodeRequiredField, "metadata.name is required")
	}
	if def.Selector.Service == "" {
		addError("selector.service", CodeRequiredField, "selector.service is required")
	}
	if def.Execution.Action.Operation == "" {
		addError("execution.action.operation", CodeRequiredField, "execution.action.operation is required")
	}

	if def.Metadata.RiskLevel != "" && !def.Metadata.RiskLevel.Valid() {
		addError("metadata.risk_level", CodeInvalidRiskLevel,
			fmt.Sprintf("risk level %q is not one of low|medium|high|critical", def.Metadata.RiskLevel))
	}

	if def.Constraints.MaxResources < 1 {
		addError("constraints.max_resources", CodeInvalidMaxResources, "constraints.max_resources must be at least 1")
	} else if def.Constraints.MaxResources > 100 {
		addWarning("constraints.max_resources", CodeManyResources,
			fmt.Sprintf("%d resources in one action is above the recommended ceiling of 100", def.Constraints.MaxResources))
	}

	if len(def.Constraints.Regions) == 0 && len(def.Selector.Regions) == 0 {
		addError("constraints.regions", CodeNoRegions, "at least one region must be specified")
	}

	if def.Metadata.RiskLevel.AtLeast(contracts.RiskHigh) && !def.Constraints.RequireApproval {
		addWarning("constraints.require_approval", CodeApprovalAdvised,
			fmt.Sprintf("%s-risk action does not require approval", def.Metadata.RiskLevel))
	}

	if !def.Metadata.Reversible && def.Execution.Rollback == nil {
		addWarning("execution.rollback", CodeNoRollback, "non-reversible action has no rollback specification")
	}

	for i, check := range def.Execution.PreChecks {
		if err := p.checks.Compile(check.Condition); err != nil {
			addError(fmt.Sprintf("execution.pre_checks[%d].condition", i), CodeInvalidCheck, err.Error())
		}
	}
	for i, check := range def.Execution.PostChecks {
		if err := p.checks.Compile(check.Condition); err != nil {
			addError(fmt.Sprintf("execution.post_checks[%d].condition", i), CodeInvalidCheck, err.Error())
		}
	}
}

// VerifyHash recomputes a definition's canonical hash and compares.
func VerifyHash(def contracts.ActionDefinition, expected string) (bool, error) {
	return canonicalize.VerifyHash(def, expected)
}

// VerifySignature checks the HMAC signature of a parsed definition.
func VerifySignature(def contracts.ActionDefinition, key []byte, signature string) (bool, error) {
	return canonicalize.HMACVerify(def, key, signature)
}
