package simulation

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RiskWeights is the additive scoring table for risk assessment. The
// resulting score is capped at 100.
type RiskWeights struct {
	// ManyResourcesThreshold is the resource count above which the
	// ManyResources weight applies.
	ManyResourcesThreshold int `yaml:"many_resources_threshold"`

	ManyResources         int `yaml:"many_resources"`
	ProductionEnvironment int `yaml:"production_environment"`
	Downtime              int `yaml:"downtime"`
	NonReversible         int `yaml:"non_reversible"`
	PredictedFailure      int `yaml:"predicted_failure"`
}

// DefaultRiskWeights returns the stock scoring table.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		ManyResourcesThreshold: 10,
		ManyResources:          20,
		ProductionEnvironment:  30,
		Downtime:               25,
		NonReversible:          20,
		PredictedFailure:       30,
	}
}

// LoadRiskWeights parses a YAML scoring table, filling unset fields from
// the defaults.
func LoadRiskWeights(data []byte) (RiskWeights, error) {
	w := DefaultRiskWeights()
	if err := yaml.Unmarshal(data, &w); err != nil {
		return RiskWeights{}, fmt.Errorf("parsing risk weights: %w", err)
	}
	return w, nil
}
