// Package dsl parses and validates declarative action documents into
// hashed, versioned action definitions. Anything not present in the
// canonical catalog is denied by default.
package dsl

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/cloudwarden/cloudwarden/pkg/canonicalize"
	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// CurrentDSLVersion is the version assigned to documents that omit one.
const CurrentDSLVersion = "1.1.0"

// dslVersions is the version history of the action language itself.
var dslVersions = map[string]struct{ deprecated bool }{
	"0.9.0": {deprecated: true},
	"1.0.0": {deprecated: false},
	"1.1.0": {deprecated: false},
}

// KnownDSLVersion reports whether v exists in the history, and whether it
// is deprecated. Unparseable versions are unknown.
func KnownDSLVersion(v string) (known, deprecated bool) {
	if _, err := semver.NewVersion(v); err != nil {
		return false, false
	}
	entry, ok := dslVersions[v]
	return ok, ok && entry.deprecated
}

// Catalog is the closed allow-list of governed actions. Released versions
// are immutable: registering action@version twice with different content is
// an error, never an override.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]contracts.ActionDefinition // action name -> latest released
	hashes  map[string]string                     // action@version -> content hash
}

// NewCatalog creates a catalog seeded with the built-in action set.
func NewCatalog() *Catalog {
	c := &Catalog{
		entries: make(map[string]contracts.ActionDefinition),
		hashes:  make(map[string]string),
	}
	for _, def := range builtinActions() {
		// Built-ins are authored in-repo; registration cannot conflict.
		_ = c.Register(def)
	}
	return c
}

// Register releases a definition version into the catalog.
func (c *Catalog) Register(def contracts.ActionDefinition) error {
	if def.Action == "" || def.Version == "" {
		return fmt.Errorf("catalog: action and version are required")
	}
	if _, err := semver.NewVersion(def.Version); err != nil {
		return fmt.Errorf("catalog: invalid version %q for %s: %w", def.Version, def.Action, err)
	}

	hash, err := canonicalize.CanonicalHash(def)
	if err != nil {
		return fmt.Errorf("catalog: hash %s@%s: %w", def.Action, def.Version, err)
	}

	key := def.Action + "@" + def.Version

	c.mu.Lock()
	defer c.mu.Unlock()

	if prior, ok := c.hashes[key]; ok {
		if prior != hash {
			return fmt.Errorf("catalog: %s is already released with different content; versions are immutable", key)
		}
		return nil
	}
	c.hashes[key] = hash

	// Track the latest released version as the default resolution target.
	current, ok := c.entries[def.Action]
	if !ok || mustVersion(def.Version).GreaterThan(mustVersion(current.Version)) {
		c.entries[def.Action] = def
	}
	return nil
}

// Lookup resolves an action name to its latest released definition.
func (c *Catalog) Lookup(action string) (contracts.ActionDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.entries[action]
	return def, ok
}

// Allowed reports whether the action name is in the allow-list at all.
func (c *Catalog) Allowed(action string) bool {
	_, ok := c.Lookup(action)
	return ok
}

// Actions returns the sorted allow-list, for diagnostics.
func (c *Catalog) Actions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadOverlay registers additional definitions from a YAML file. Overlay
// entries obey the same immutability rule as built-ins.
func (c *Catalog) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("catalog overlay %q: %w", path, err)
	}
	var overlay struct {
		Actions []contracts.ActionDefinition `yaml:"actions"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("catalog overlay %q: %w", path, err)
	}
	for _, def := range overlay.Actions {
		if err := c.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func mustVersion(v string) *semver.Version {
	sv, err := semver.NewVersion(v)
	if err != nil {
		// Register validates versions before storing them.
		panic(err)
	}
	return sv
}

func defaultRetry() contracts.RetryPolicy {
	return contracts.RetryPolicy{
		MaxAttempts:    3,
		Backoff:        contracts.BackoffExponential,
		InitialDelayMs: 500,
		MaxDelayMs:     15000,
	}
}

//nolint:funlen // data table
func builtinActions() []contracts.ActionDefinition {
	return []contracts.ActionDefinition{
		{
			Action:  "ec2.stop",
			Version: "1.0.0",
			Metadata: contracts.ActionMetadata{
				Name:        "Stop EC2 instances",
				Description: "Stops running EC2 instances without terminating them.",
				Category:    "compute",
				RiskLevel:   contracts.RiskMedium,
				Reversible:  true,
				CostImpact:  "decrease",
			},
			Selector: contracts.ResourceSelector{Service: "ec2", ResourceType: "instance", Regions: []string{"us-east-1"}},
			Constraints: contracts.ActionConstraints{
				MaxResources: 10,
			},
			Execution: contracts.ExecutionSpec{
				PreChecks: []contracts.Check{{Name: "instance running", Condition: `resource.state == "running"`}},
				Action:    contracts.OperationSpec{Service: "ec2", Operation: "StopInstances"},
				PostChecks: []contracts.Check{
					{Name: "instance stopped", Condition: `resource.state == "stopped"`},
				},
				Rollback: &contracts.OperationSpec{Service: "ec2", Operation: "StartInstances"},
				Retry:    defaultRetry(),
			},
			Audit: contracts.AuditSpec{LogLevel: "info", RetentionDays: 365},
		},
		{
			Action:  "ec2.start",
			Version: "1.0.0",
			Metadata: contracts.ActionMetadata{
				Name:       "Start EC2 instances",
				Category:   "compute",
				RiskLevel:  contracts.RiskLow,
				Reversible: true,
				CostImpact: "increase",
			},
			Selector: contracts.ResourceSelector{Service: "ec2", ResourceType: "instance", Regions: []string{"us-east-1"}},
			Constraints: contracts.ActionConstraints{
				MaxResources: 10,
			},
			Execution: contracts.ExecutionSpec{
				Action:   contracts.OperationSpec{Service: "ec2", Operation: "StartInstances"},
				Rollback: &contracts.OperationSpec{Service: "ec2", Operation: "StopInstances"},
				Retry:    defaultRetry(),
			},
			Audit: contracts.AuditSpec{LogLevel: "info", RetentionDays: 365},
		},
		{
			Action:  "ec2.resize",
			Version: "1.0.0",
			Metadata: contracts.ActionMetadata{
				Name:        "Resize EC2 instance",
				Description: "Changes the instance type. Requires a stop/start cycle: expect downtime.",
				Category:    "compute",
				RiskLevel:   contracts.RiskHigh,
				Reversible:  true,
				CostImpact:  "increase",
			},
			Selector: contracts.ResourceSelector{Service: "ec2", ResourceType: "instance", Regions: []string{"us-east-1"}},
			Constraints: contracts.ActionConstraints{
				MaxResources:      1,
				RequireApproval:   true,
				ApprovalLevel:     "admin",
				RequireSimulation: true,
			},
			Execution: contracts.ExecutionSpec{
				PreChecks: []contracts.Check{{Name: "instance exists", Condition: `resource.state != ""`}},
				Action:    contracts.OperationSpec{Service: "ec2", Operation: "ModifyInstanceAttribute"},
				Rollback:  &contracts.OperationSpec{Service: "ec2", Operation: "ModifyInstanceAttribute"},
				Retry:     defaultRetry(),
			},
			Audit: contracts.AuditSpec{LogLevel: "warn", RetentionDays: 730},
		},
		{
			Action:  "rds.stop",
			Version: "1.0.0",
			Metadata: contracts.ActionMetadata{
				Name:       "Stop RDS instance",
				Category:   "database",
				RiskLevel:  contracts.RiskMedium,
				Reversible: true,
				CostImpact: "decrease",
			},
			Selector: contracts.ResourceSelector{Service: "rds", ResourceType: "db_instance", Regions: []string{"us-east-1"}},
			Constraints: contracts.ActionConstraints{
				MaxResources: 3,
			},
			Execution: contracts.ExecutionSpec{
				PreChecks: []contracts.Check{{Name: "db available", Condition: `resource.state == "available"`}},
				Action:    contracts.OperationSpec{Service: "rds", Operation: "StopDBInstance"},
				Rollback:  &contracts.OperationSpec{Service: "rds", Operation: "StartDBInstance"},
				Retry:     defaultRetry(),
			},
			Audit: contracts.AuditSpec{LogLevel: "info", RetentionDays: 365},
		},
		{
			Action:  "rds.resize",
			Version: "1.0.0",
			Metadata: contracts.ActionMetadata{
				Name:        "Resize RDS instance",
				Description: "Changes the DB instance class. Causes downtime during the modification window.",
				Category:    "database",
				RiskLevel:   contracts.RiskHigh,
				Reversible:  true,
				CostImpact:  "increase",
			},
			Selector: contracts.ResourceSelector{Service: "rds", ResourceType: "db_instance", Regions: []string{"us-east-1"}},
			Constraints: contracts.ActionConstraints{
				MaxResources:      1,
				RequireApproval:   true,
				ApprovalLevel:     "admin",
				RequireSimulation: true,
			},
			Execution: contracts.ExecutionSpec{
				Action:   contracts.OperationSpec{Service: "rds", Operation: "ModifyDBInstance"},
				Rollback: &contracts.OperationSpec{Service: "rds", Operation: "ModifyDBInstance"},
				Retry:    defaultRetry(),
			},
			Audit: contracts.AuditSpec{LogLevel: "warn", RetentionDays: 730},
		},
		{
			Action:  "lambda.update_memory",
			Version: "1.0.0",
			Metadata: contracts.ActionMetadata{
				Name:       "Update Lambda memory",
				Category:   "serverless",
				RiskLevel:  contracts.RiskLow,
				Reversible: true,
				CostImpact: "increase",
			},
			Selector: contracts.ResourceSelector{Service: "lambda", ResourceType: "function", Regions: []string{"us-east-1"}},
			Constraints: contracts.ActionConstraints{
				MaxResources: 5,
			},
			Execution: contracts.ExecutionSpec{
				Action:   contracts.OperationSpec{Service: "lambda", Operation: "UpdateFunctionConfiguration"},
				Rollback: &contracts.OperationSpec{Service: "lambda", Operation: "UpdateFunctionConfiguration"},
				Retry:    defaultRetry(),
			},
			Audit: contracts.AuditSpec{LogLevel: "info", RetentionDays: 365},
		},
		{
			Action:  "s3.set_lifecycle",
			Version: "1.0.0",
			Metadata: contracts.ActionMetadata{
				Name:        "Set S3 lifecycle policy",
				Description: "Applies a lifecycle configuration. Expiration rules can delete data.",
				Category:    "storage",
				RiskLevel:   contracts.RiskHigh,
				Reversible:  false,
				CostImpact:  "decrease",
			},
			Selector: contracts.ResourceSelector{Service: "s3", ResourceType: "bucket", Regions: []string{"us-east-1"}},
			Constraints: contracts.ActionConstraints{
				MaxResources:    5,
				RequireApproval: true,
			},
			Execution: contracts.ExecutionSpec{
				Action: contracts.OperationSpec{Service: "s3", Operation: "PutBucketLifecycleConfiguration"},
				Retry:  defaultRetry(),
			},
			Audit: contracts.AuditSpec{LogLevel: "warn", RetentionDays: 730},
		},
		{
			Action:  "ebs.snapshot_cleanup",
			Version: "1.0.0",
			Metadata: contracts.ActionMetadata{
				Name:        "Delete old EBS snapshots",
				Description: "Deletes snapshots older than the configured age. Deleted snapshots are unrecoverable.",
				Category:    "storage",
				RiskLevel:   contracts.RiskCritical,
				Reversible:  false,
				CostImpact:  "decrease",
			},
			Selector: contracts.ResourceSelector{Service: "ec2", ResourceType: "snapshot", Regions: []string{"us-east-1"}},
			Constraints: contracts.ActionConstraints{
				MaxResources:      25,
				RequireApproval:   true,
				ApprovalLevel:     "admin",
				RequireSimulation: true,
			},
			Execution: contracts.ExecutionSpec{
				PreChecks: []contracts.Check{{Name: "snapshot age", Condition: `resource.age_days >= request.min_age_days`}},
				Action:    contracts.OperationSpec{Service: "ec2", Operation: "DeleteSnapshot"},
				Retry:     defaultRetry(),
			},
			Audit: contracts.AuditSpec{LogLevel: "warn", RetentionDays: 1095},
		},
	}
}
