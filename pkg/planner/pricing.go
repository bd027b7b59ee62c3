package planner

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// PriceSource quotes an hourly cost for a resource class. Consumed as an
// opaque capability; the static table below is the default implementation.
type PriceSource interface {
	HourlyUSD(resourceClass string) (float64, bool)
}

// StaticPriceTable is a fixed per-resource-class price list. The numbers
// are point-in-time heuristics and are expected to be replaced from
// configuration, not treated as a stable contract.
type StaticPriceTable struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewStaticPriceTable returns a table seeded with the built-in defaults.
func NewStaticPriceTable() *StaticPriceTable {
	return &StaticPriceTable{prices: map[string]float64{
		"ec2:t3.micro":    0.0104,
		"ec2:t3.small":    0.0208,
		"ec2:t3.medium":   0.0416,
		"ec2:t3.large":    0.0832,
		"ec2:m5.large":    0.096,
		"ec2:m5.xlarge":   0.192,
		"ec2:m5.2xlarge":  0.384,
		"ec2:c5.large":    0.085,
		"ec2:c5.xlarge":   0.17,
		"rds:db.t3.micro": 0.017,
		"rds:db.t3.small": 0.034,
		"rds:db.m5.large": 0.171,
		"rds:db.m5.xlarge": 0.342,
		"lambda:memory-gb": 0.0000166667,
		"s3:standard-gb":  0.000031507,
		"ebs:gp3-gb":      0.00010959,
		"ebs:snapshot-gb": 0.00006849,
	}}
}

// HourlyUSD implements PriceSource.
func (t *StaticPriceTable) HourlyUSD(resourceClass string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[resourceClass]
	return p, ok
}

// LoadYAML replaces or extends the table from a YAML file of the form
// `prices: {"ec2:t3.micro": 0.0104, ...}`.
func (t *StaticPriceTable) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("price table %q: %w", path, err)
	}
	var doc struct {
		Prices map[string]float64 `yaml:"prices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("price table %q: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for class, price := range doc.Prices {
		t.prices[class] = price
	}
	return nil
}
