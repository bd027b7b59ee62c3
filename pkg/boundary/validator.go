// Package boundary checks proposed (service, action, region) tuples against
// a tenant connection's granted allow-list. The validator fails closed:
// anything not explicitly granted is denied.
package boundary

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// Decision is the outcome of a single boundary check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// AllowedActions carries the service's full allowed-action list on
	// an action-pattern denial, for caller diagnostics.
	AllowedActions []string `json:"allowed_actions,omitempty"`
}

// Request names one tuple to validate.
type Request struct {
	Service string
	Action  string
	Region  string
}

// Validator evaluates boundary checks with a compiled-pattern cache.
type Validator struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{patterns: make(map[string]*regexp.Regexp)}
}

// Validate checks one (service, action, region) tuple against the
// connection's grants. Region may be empty when the action is global.
func (v *Validator) Validate(service, action, region string, conn *contracts.Connection) Decision {
	if !conn.Active() {
		return Decision{Reason: "connection is not active"}
	}

	grant, ok := conn.AllowedServices[service]
	if !ok {
		return Decision{Reason: fmt.Sprintf("service %q is not granted to this tenant", service)}
	}

	if region != "" && !regionAllowed(region, grant.Regions) {
		return Decision{Reason: fmt.Sprintf("region %q is outside the allowed regions for %s", region, service)}
	}

	for _, pattern := range grant.Actions {
		if v.matchAction(pattern, action) {
			return Decision{Allowed: true}
		}
	}
	return Decision{
		Reason:         fmt.Sprintf("action %q does not match any allowed pattern for %s", action, service),
		AllowedActions: append([]string(nil), grant.Actions...),
	}
}

// ValidateMany evaluates every request and reports every denial rather
// than stopping at the first.
func (v *Validator) ValidateMany(reqs []Request, conn *contracts.Connection) (allAllowed bool, decisions []Decision) {
	allAllowed = true
	decisions = make([]Decision, 0, len(reqs))
	for _, r := range reqs {
		d := v.Validate(r.Service, r.Action, r.Region, conn)
		if !d.Allowed {
			allAllowed = false
		}
		decisions = append(decisions, d)
	}
	return allAllowed, decisions
}

// matchAction tests an IAM-style glob pattern ("ec2:Describe*") against a
// concrete action name, using an anchored regex translation.
func (v *Validator) matchAction(pattern, action string) bool {
	re := v.compiled(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(action)
}

func (v *Validator) compiled(pattern string) *regexp.Regexp {
	v.mu.RLock()
	re, ok := v.patterns[pattern]
	v.mu.RUnlock()
	if ok {
		return re
	}

	// Glob to anchored regex: * matches any run, ? a single character.
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	quoted = strings.ReplaceAll(quoted, `\?`, ".")
	re, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		return nil
	}

	v.mu.Lock()
	v.patterns[pattern] = re
	v.mu.Unlock()
	return re
}

func regionAllowed(region string, allowed []string) bool {
	for _, r := range allowed {
		if r == "*" || r == region {
			return true
		}
	}
	return false
}
