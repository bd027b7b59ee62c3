package planner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwarden/cloudwarden/pkg/contracts"
	"github.com/cloudwarden/cloudwarden/pkg/dsl"
)

func parsedAction(t *testing.T, action string) *contracts.ParsedAction {
	t.Helper()
	p, err := dsl.NewParser(dsl.NewCatalog())
	require.NoError(t, err)
	parsed, err := p.Parse([]byte(`{"action": "` + action + `"}`))
	require.NoError(t, err)
	require.True(t, parsed.Validation.Valid)
	return parsed
}

func testGenerator() *Generator {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewGenerator(NewStaticPriceTable()).WithClock(func() time.Time { return base })
}

func TestGeneratePlanOrdering(t *testing.T) {
	g := testGenerator()
	plan, err := g.GeneratePlan(parsedAction(t, "ec2.stop"), Request{
		TenantID:  "tn-a",
		Resources: []string{"i-0abc", "i-0def"},
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	for i, s := range plan.Steps {
		assert.Equal(t, i+1, s.Order)
	}

	// every dependency verification precedes the mutating step
	mutateOrder := 0
	for _, s := range plan.Steps {
		if s.Kind == contracts.StepMutate {
			mutateOrder = s.Order
		}
	}
	require.NotZero(t, mutateOrder)
	for _, s := range plan.Steps {
		if s.Kind == contracts.StepVerifyDependency {
			assert.Less(t, s.Order, mutateOrder, "dependency %s must precede mutation", s.Name)
		}
	}

	deps := map[string]bool{}
	for _, s := range plan.Steps {
		if s.Kind == contracts.StepVerifyDependency {
			deps[s.Name] = true
		}
	}
	for _, want := range []string{"vpc", "subnet", "security-group", "key-pair", "iam-role"} {
		assert.True(t, deps["verify "+want+" exists"], "missing dependency step for %s", want)
	}
}

func TestGeneratePlanReuseExisting(t *testing.T) {
	g := testGenerator()
	plan, err := g.GeneratePlan(parsedAction(t, "ec2.stop"), Request{
		TenantID:             "tn-a",
		Resources:            []string{"i-0abc"},
		ExistingDependencies: map[string]bool{"vpc": true, "subnet": true},
	})
	require.NoError(t, err)

	for _, s := range plan.Steps {
		if s.Kind != contracts.StepVerifyDependency {
			continue
		}
		switch s.Name {
		case "verify vpc exists", "verify subnet exists":
			assert.True(t, s.ReuseExisting, s.Name)
		default:
			assert.False(t, s.ReuseExisting, s.Name)
		}
	}
}

func TestGeneratePlanRollbackForMutation(t *testing.T) {
	g := testGenerator()
	plan, err := g.GeneratePlan(parsedAction(t, "ec2.stop"), Request{
		TenantID:  "tn-a",
		Resources: []string{"i-0abc"},
	})
	require.NoError(t, err)

	require.Len(t, plan.MutatingSteps(), 1)
	mutate := plan.MutatingSteps()[0]
	assert.False(t, mutate.Idempotent)

	require.Len(t, plan.Rollback, 1)
	assert.Equal(t, mutate.ID, plan.Rollback[0].CompensesFor)
	assert.Equal(t, "StartInstances", plan.Rollback[0].Operation.Operation)
}

func TestGeneratePlanCostEstimate(t *testing.T) {
	g := testGenerator()
	plan, err := g.GeneratePlan(parsedAction(t, "ec2.stop"), Request{
		TenantID:      "tn-a",
		Resources:     []string{"i-1", "i-2", "i-3"},
		ResourceClass: "ec2:t3.micro",
	})
	require.NoError(t, err)

	// ec2.stop decreases cost: three t3.micro instances at $0.0104/h
	assert.InDelta(t, -3*0.0104, plan.Summary.CostDeltaHourly, 1e-9)
	assert.Equal(t, 3, plan.Summary.ResourcesAffected)
}

func TestGeneratePlanUnknownClassZeroCost(t *testing.T) {
	g := testGenerator()
	plan, err := g.GeneratePlan(parsedAction(t, "ec2.stop"), Request{
		TenantID:      "tn-a",
		Resources:     []string{"i-1"},
		ResourceClass: "ec2:z9.unobtainium",
	})
	require.NoError(t, err)
	assert.Zero(t, plan.Summary.CostDeltaHourly)
}

func TestGeneratePlanRejectsInvalidAction(t *testing.T) {
	g := testGenerator()
	parsed := &contracts.ParsedAction{
		Validation: contracts.ValidationResult{Valid: false},
	}
	_, err := g.GeneratePlan(parsed, Request{TenantID: "tn-a"})
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestGeneratePlanRejectsTooManyResources(t *testing.T) {
	g := testGenerator()
	parsed := parsedAction(t, "ec2.stop")
	many := make([]string, parsed.Definition.Constraints.MaxResources+1)
	for i := range many {
		many[i] = "i-x"
	}
	_, err := g.GeneratePlan(parsed, Request{TenantID: "tn-a", Resources: many})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constraint allows")
}

func TestValidatePlanExpiry(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	g := NewGenerator(NewStaticPriceTable()).WithClock(func() time.Time { return now })

	plan, err := g.GeneratePlan(parsedAction(t, "ec2.stop"), Request{
		TenantID:  "tn-a",
		Resources: []string{"i-0abc"},
	})
	require.NoError(t, err)
	require.NoError(t, g.ValidatePlan(plan))

	now = base.Add(14 * time.Minute)
	require.NoError(t, g.ValidatePlan(plan))

	now = base.Add(16 * time.Minute)
	assert.ErrorIs(t, g.ValidatePlan(plan), ErrPlanExpired)
}

func TestValidatePlanTamperedOrder(t *testing.T) {
	g := testGenerator()
	plan, err := g.GeneratePlan(parsedAction(t, "ec2.stop"), Request{
		TenantID:  "tn-a",
		Resources: []string{"i-0abc"},
	})
	require.NoError(t, err)

	plan.Steps[0], plan.Steps[1] = plan.Steps[1], plan.Steps[0]
	assert.Error(t, g.ValidatePlan(plan))
}

func TestPriceTableOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prices:\n  ec2:custom.large: 1.25\n"), 0o600))

	table := NewStaticPriceTable()
	require.NoError(t, table.LoadYAML(path))

	hourly, ok := table.HourlyUSD("ec2:custom.large")
	require.True(t, ok)
	assert.Equal(t, 1.25, hourly)

	// built-ins survive the merge
	hourly, ok = table.HourlyUSD("ec2:t3.micro")
	require.True(t, ok)
	assert.Equal(t, 0.0104, hourly)
}
