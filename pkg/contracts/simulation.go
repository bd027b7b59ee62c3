package contracts

import "time"

// StepOutcome is the predicted result of a single plan step under dry run.
type StepOutcome string

const (
	WouldSucceed StepOutcome = "would_succeed"
	WouldFail    StepOutcome = "would_fail"
	Unknown      StepOutcome = "unknown"
)

// SimulatedStep pairs a plan step with its predicted outcome.
type SimulatedStep struct {
	StepID  string      `json:"step_id"`
	Outcome StepOutcome `json:"outcome"`
	Reason  string      `json:"reason,omitempty"`
}

// CostConfidence tiers the trustworthiness of a cost prediction.
type CostConfidence string

const (
	ConfidenceHigh   CostConfidence = "high"
	ConfidenceMedium CostConfidence = "medium"
	ConfidenceLow    CostConfidence = "low"
)

// CostPrediction extrapolates the plan's hourly cost delta.
type CostPrediction struct {
	HourlyUSD  float64        `json:"hourly_usd"`
	DailyUSD   float64        `json:"daily_usd"`
	MonthlyUSD float64        `json:"monthly_usd"`
	AnnualUSD  float64        `json:"annual_usd"`
	Confidence CostConfidence `json:"confidence"`
}

// RiskAssessment scores the plan 0-100 with contributing factors.
type RiskAssessment struct {
	Score       int       `json:"score"`
	Level       RiskLevel `json:"level"`
	Factors     []string  `json:"factors,omitempty"`
	Mitigations []string  `json:"mitigations,omitempty"`
}

// PermissionCheck records one boundary decision taken during simulation.
type PermissionCheck struct {
	StepID  string `json:"step_id"`
	Service string `json:"service"`
	Action  string `json:"action"`
	Region  string `json:"region,omitempty"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// PromotionDecision gates the one-way simulation-to-live transition.
type PromotionDecision struct {
	CanPromoteToLive bool     `json:"can_promote_to_live"`
	BlockedReasons   []string `json:"blocked_reasons,omitempty"`
	DaysRemaining    int      `json:"days_remaining"`
}

// SimulationStatus is the aggregate verdict of a dry run.
type SimulationStatus string

const (
	SimulationPassed SimulationStatus = "passed"
	SimulationFailed SimulationStatus = "failed"
)

// SimulationResult is the full output of a dry run. Results are cached for
// 24 hours per plan execution attempt, then evicted.
type SimulationResult struct {
	ID        string           `json:"id"`
	PlanID    string           `json:"plan_id"`
	TenantID  string           `json:"tenant_id"`
	Status    SimulationStatus `json:"status"`
	Steps     []SimulatedStep  `json:"steps"`
	Checks    []PermissionCheck `json:"permission_checks"`
	Cost      CostPrediction   `json:"cost"`
	Risk      RiskAssessment   `json:"risk"`
	Promotion PromotionDecision `json:"promotion"`
	CreatedAt time.Time        `json:"created_at"`
}
