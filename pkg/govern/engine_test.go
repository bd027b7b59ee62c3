package govern

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwarden/cloudwarden/pkg/audit"
	"github.com/cloudwarden/cloudwarden/pkg/boundary"
	"github.com/cloudwarden/cloudwarden/pkg/contracts"
	"github.com/cloudwarden/cloudwarden/pkg/dsl"
	"github.com/cloudwarden/cloudwarden/pkg/execution"
	"github.com/cloudwarden/cloudwarden/pkg/iac"
	"github.com/cloudwarden/cloudwarden/pkg/isolation"
	"github.com/cloudwarden/cloudwarden/pkg/observability"
	"github.com/cloudwarden/cloudwarden/pkg/planner"
	"github.com/cloudwarden/cloudwarden/pkg/secrets"
	"github.com/cloudwarden/cloudwarden/pkg/simulation"
	"github.com/cloudwarden/cloudwarden/pkg/store"
)

var pipelineNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func pipelineClock() func() time.Time { return func() time.Time { return pipelineNow } }

type okExecutor struct {
	executed []string
}

func (f *okExecutor) Execute(_ context.Context, step contracts.PlanStep) (*execution.StepResult, error) {
	f.executed = append(f.executed, step.ID)
	return &execution.StepResult{StepID: step.ID, Attempts: 1}, nil
}

type noopRollback struct{}

func (noopRollback) ExecuteRollback(context.Context, contracts.RollbackStep) error { return nil }

type harness struct {
	engine *Engine
	conns  *store.MemoryConnectionStore
	chain  *audit.Chain
	trail  *audit.MemoryStore
	exec   *okExecutor
	mfa    *iac.MFA
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	parser, err := dsl.NewParser(dsl.NewCatalog())
	require.NoError(t, err)

	conns := store.NewMemoryConnectionStore().WithClock(pipelineClock())
	trail := audit.NewMemoryStore()
	chain := audit.NewChain(trail).WithClock(pipelineClock())

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	cipher, err := secrets.NewCipher(key)
	require.NoError(t, err)
	mfa := iac.NewMFA(cipher)

	exec := &okExecutor{}
	engine := NewEngine(Config{
		Tenants:     isolation.NewManager().WithClock(pipelineClock()),
		Parser:      parser,
		Planner:     planner.NewGenerator(planner.NewStaticPriceTable()).WithClock(pipelineClock()),
		Simulator:   simulation.NewEngine(boundary.NewValidator(), conns, nil).WithClock(pipelineClock()),
		Executor:    execution.NewEngine(exec, noopRollback{}, chain, nil).WithClock(pipelineClock()),
		Access:      iac.NewController(mfa, chain, nil).WithClock(pipelineClock()),
		Connections: conns,
		Chain:       chain,
	})

	return &harness{engine: engine, conns: conns, chain: chain, trail: trail, exec: exec, mfa: mfa}
}

func (h *harness) addConnection(t *testing.T, id string, grants map[string]contracts.ServiceGrant, mode contracts.ExecutionMode) {
	t.Helper()
	err := h.conns.Create(context.Background(), &contracts.Connection{
		ID:              id,
		TenantID:        isolation.DeriveTenantID("usr-1", "ws-1"),
		AllowedServices: grants,
		Status:          contracts.ConnectionActive,
		Mode:            mode,
		Environment:     contracts.EnvProduction,
	})
	require.NoError(t, err)
}

func ec2Grants() map[string]contracts.ServiceGrant {
	return map[string]contracts.ServiceGrant{
		"ec2": {Actions: []string{"ec2:*"}, Regions: []string{"*"}},
	}
}

func s3Grants() map[string]contracts.ServiceGrant {
	return map[string]contracts.ServiceGrant{
		"s3": {Actions: []string{"s3:*"}, Regions: []string{"*"}},
	}
}

func stopRequest(connID string) Request {
	return Request{
		UserID:         "usr-1",
		WorkspaceID:    "ws-1",
		OwnAccounts:    []string{"111122223333"},
		ActionDocument: []byte(`{"action": "ec2.stop"}`),
		ConnectionID:   connID,
		Resources:      []string{"i-0abc123def456"},
		Region:         "us-east-1",
		ResourceClass:  "ec2:t3.micro",
	}
}

func TestSubmitSimulatesByDefault(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeSimulation)

	result, err := h.engine.Submit(context.Background(), stopRequest("conn-1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSimulated, result.Kind)
	require.NotNil(t, result.Plan)
	require.NotNil(t, result.Simulation)
	assert.Equal(t, contracts.SimulationPassed, result.Simulation.Status)
	assert.Empty(t, h.exec.executed, "dry run must not reach the executor")
}

func TestSubmitDeniedOutsideServiceGrant(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", s3Grants(), contracts.ModeSimulation)

	result, err := h.engine.Submit(context.Background(), stopRequest("conn-1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomePermissionDenied, result.Kind)
	require.NotNil(t, result.Simulation)
	assert.Equal(t, contracts.SimulationFailed, result.Simulation.Status)
	for _, check := range result.Simulation.Checks {
		assert.False(t, check.Allowed, "step %s must be denied for an s3-only grant", check.StepID)
	}
	assert.NotEmpty(t, result.Reasons)
	assert.Empty(t, h.exec.executed)
}

func TestSubmitValidationError(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeSimulation)

	req := stopRequest("conn-1")
	req.ActionDocument = []byte(`{"action": "ec2.obliterate"}`)

	result, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeValidationError, result.Kind)
	require.NotNil(t, result.Validation)
	assert.False(t, result.Validation.Valid)
	assert.NotEmpty(t, result.Reasons)
}

func TestSubmitRejectsForeignAccountMaterial(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeSimulation)

	req := stopRequest("conn-1")
	req.Parameters = map[string]any{
		"target_arn": "arn:aws:ec2:us-east-1:999988887777:instance/i-0abc",
	}

	result, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeTenantIsolationViolation, result.Kind)
	assert.NotEmpty(t, result.Violations)
	assert.Nil(t, result.Plan, "scanning happens before any plan exists")
}

func TestSubmitOwnAccountIsNotAViolation(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeSimulation)

	req := stopRequest("conn-1")
	req.Parameters = map[string]any{
		"target_arn": "arn:aws:ec2:us-east-1:111122223333:instance/i-0abc",
	}

	result, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSimulated, result.Kind)
}

func TestSubmitExecuteBlockedInSimulationMode(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeSimulation)

	req := stopRequest("conn-1")
	req.Execute = true

	result, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSimulationBlocked, result.Kind)
	assert.Contains(t, result.Reasons, "connection is in simulation mode")
	assert.Empty(t, h.exec.executed)
}

func TestSubmitExecutesLiveConnection(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeLive)

	req := stopRequest("conn-1")
	req.Execute = true

	result, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeExecuted, result.Kind)
	require.NotNil(t, result.Plan)
	assert.Len(t, h.exec.executed, len(result.Plan.Steps))
}

func TestSubmitOperatorWithoutGrantIsDenied(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeLive)

	req := stopRequest("conn-1")
	req.Execute = true
	req.Operator = iac.Operator{ID: "op-viewer", Role: iac.RoleViewer}

	result, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomePermissionDenied, result.Kind)
	assert.Empty(t, h.exec.executed)
}

func TestSubmitOperatorNeedsMFA(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeLive)

	req := stopRequest("conn-1")
	req.Execute = true
	req.Operator = iac.Operator{ID: "op-exec", Role: iac.RoleExecutionAdmin}

	result, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeMFARequired, result.Kind)
	assert.False(t, result.Terminal(), "mfa denial is a continuation, not a terminal verdict")
	assert.Empty(t, h.exec.executed)
}

func TestSubmitRecordsDecisionOnChain(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeSimulation)

	ctx := context.Background()
	_, err := h.engine.Submit(ctx, stopRequest("conn-1"))
	require.NoError(t, err)

	head, err := h.trail.Head(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "govern.submit", head.Action)
	assert.Equal(t, contracts.OutcomeAllowed, head.Outcome)
	assert.Equal(t, "simulated", head.Details["kind"])

	_, err = h.engine.Submit(ctx, Request{
		UserID:         "usr-1",
		WorkspaceID:    "ws-1",
		ActionDocument: []byte(`{"action": "ec2.obliterate"}`),
		ConnectionID:   "conn-1",
	})
	require.NoError(t, err)

	head, err = h.trail.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDenied, head.Outcome)
	assert.Equal(t, "validation_error", head.Details["kind"])

	require.NoError(t, audit.VerifyChain(ctx, h.trail))
}

func TestSubmitWithTelemetryProvider(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeSimulation)

	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	h.engine.obs = obs

	// the span and metric hooks run on the success path and on denials
	result, err := h.engine.Submit(context.Background(), stopRequest("conn-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSimulated, result.Kind)

	req := stopRequest("conn-1")
	req.ActionDocument = []byte(`{"action": "ec2.obliterate"}`)
	result, err = h.engine.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeValidationError, result.Kind)
}

func TestSubmitHaltedChainBlocksEverything(t *testing.T) {
	h := newHarness(t)
	h.addConnection(t, "conn-1", ec2Grants(), contracts.ModeSimulation)
	h.chain.Halt()

	result, err := h.engine.Submit(context.Background(), stopRequest("conn-1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeChainIntegrityViolation, result.Kind)
}

func TestResultTerminal(t *testing.T) {
	assert.True(t, (&Result{Kind: OutcomeExecuted}).Terminal())
	assert.True(t, (&Result{Kind: OutcomePermissionDenied}).Terminal())
	assert.False(t, (&Result{Kind: OutcomeDualApprovalRequired}).Terminal())
	assert.False(t, (&Result{Kind: OutcomeMFARequired}).Terminal())
}
