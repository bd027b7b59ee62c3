package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

// GovernanceProfile is a per-environment governance configuration profile.
type GovernanceProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Code      string          `yaml:"code" json:"code"`
	Promotion PromotionConfig `yaml:"promotion" json:"promotion"`
	Limits    LimitsConfig    `yaml:"limits" json:"limits"`
	Regions   RegionsConfig   `yaml:"regions" json:"regions"`
	Approval  ApprovalConfig  `yaml:"approval" json:"approval"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
}

// PromotionConfig holds the simulation-to-live transition policy.
type PromotionConfig struct {
	PeriodDays          int  `yaml:"period_days" json:"period_days"`
	RequireDualApproval bool `yaml:"require_dual_approval" json:"require_dual_approval"`
}

// LimitsConfig caps what a single submission may touch.
type LimitsConfig struct {
	MaxResources   int `yaml:"max_resources" json:"max_resources"`
	PlanTTLMinutes int `yaml:"plan_ttl_minutes" json:"plan_ttl_minutes"`
}

// RegionsConfig controls which cloud regions plans may target.
type RegionsConfig struct {
	Mode      string   `yaml:"mode" json:"mode"` // "allowlist" | "denylist" | "any"
	Allowlist []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist  []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
}

// ApprovalConfig sets the risk level at which human approval is advised.
type ApprovalConfig struct {
	RiskThreshold string `yaml:"risk_threshold" json:"risk_threshold"`
}

// RetentionConfig defines audit data retention policies.
type RetentionConfig struct {
	AuditLogDays int `yaml:"audit_log_days" json:"audit_log_days"`
	AnchorDays   int `yaml:"anchor_days" json:"anchor_days"`
}

// LoadProfile loads a governance profile YAML by environment code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*GovernanceProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile GovernanceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*GovernanceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*GovernanceProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile GovernanceProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_production.yaml -> production
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// RegionAllowed checks whether a region is permitted by the profile.
func (p *GovernanceProfile) RegionAllowed(region string) bool {
	switch p.Regions.Mode {
	case "allowlist":
		for _, r := range p.Regions.Allowlist {
			if r == region {
				return true
			}
		}
		return false
	case "denylist":
		for _, r := range p.Regions.Denylist {
			if r == region {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// ApprovalAdvised reports whether the given risk meets the profile's
// approval threshold. An unknown threshold advises approval for
// everything above low risk.
func (p *GovernanceProfile) ApprovalAdvised(risk contracts.RiskLevel) bool {
	threshold := contracts.RiskLevel(p.Approval.RiskThreshold)
	switch threshold {
	case contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh, contracts.RiskCritical:
		return risk.AtLeast(threshold)
	default:
		return risk != contracts.RiskLow
	}
}
