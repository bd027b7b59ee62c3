package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
)

func TestLoadProfile_Production(t *testing.T) {
	p, err := LoadProfile("profiles", "production")
	if err != nil {
		t.Fatalf("LoadProfile(production): %v", err)
	}
	if p.Name != "Production" {
		t.Errorf("expected name 'Production', got %q", p.Name)
	}
	if p.Promotion.PeriodDays != 14 {
		t.Errorf("expected 14-day promotion window, got %d", p.Promotion.PeriodDays)
	}
	if !p.Promotion.RequireDualApproval {
		t.Error("production promotion should require dual approval")
	}
	if p.RegionAllowed("ap-southeast-9") {
		t.Error("production allowlist should reject unknown regions")
	}
	if !p.RegionAllowed("us-east-1") {
		t.Error("production allowlist should permit us-east-1")
	}
}

func TestLoadProfile_Staging_Denylist(t *testing.T) {
	p, err := LoadProfile("profiles", "staging")
	if err != nil {
		t.Fatalf("LoadProfile(staging): %v", err)
	}
	if !p.RegionAllowed("us-east-1") {
		t.Error("staging denylist should permit regions not listed")
	}
	if p.RegionAllowed("ap-northeast-3") {
		t.Error("staging should deny ap-northeast-3")
	}
}

func TestLoadProfile_Development_AnyRegion(t *testing.T) {
	p, err := LoadProfile("profiles", "development")
	if err != nil {
		t.Fatalf("LoadProfile(development): %v", err)
	}
	if !p.RegionAllowed("sa-east-1") {
		t.Error("development should allow any region")
	}
	if p.ApprovalAdvised(contracts.RiskHigh) {
		t.Error("development threshold is critical; high risk needs no approval")
	}
	if !p.ApprovalAdvised(contracts.RiskCritical) {
		t.Error("critical risk always meets a critical threshold")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	profiles, err := LoadAllProfiles("profiles")
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 3 {
		t.Errorf("expected 3 profiles, got %d", len(profiles))
	}
	for code, p := range profiles {
		if p.Name == "" {
			t.Errorf("profile %s has empty name", code)
		}
	}
}

func TestLoadAllProfiles_CodeFromFilename(t *testing.T) {
	dir := t.TempDir()
	raw := "name: Sandbox\nregions:\n  mode: any\n"
	if err := os.WriteFile(filepath.Join(dir, "profile_sandbox.yaml"), []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	p, ok := profiles["sandbox"]
	if !ok {
		t.Fatal("expected code derived from filename")
	}
	if p.Name != "Sandbox" {
		t.Errorf("got name %q", p.Name)
	}
}

func TestApprovalAdvised_Threshold(t *testing.T) {
	p := &GovernanceProfile{Approval: ApprovalConfig{RiskThreshold: "medium"}}
	if p.ApprovalAdvised(contracts.RiskLow) {
		t.Error("low risk is below a medium threshold")
	}
	if !p.ApprovalAdvised(contracts.RiskMedium) {
		t.Error("medium risk meets a medium threshold")
	}
	if !p.ApprovalAdvised(contracts.RiskCritical) {
		t.Error("critical risk exceeds a medium threshold")
	}
}
