package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile is the YAML layout of PIPELINE_POLICY_FILE. Only keys present in
// the file override the environment-derived values.
type policyFile struct {
	Estimator *EstimatorConfig `yaml:"estimator"`
	Forecast  *ForecastConfig  `yaml:"forecast"`
	Risk      *RiskConfig      `yaml:"risk"`
}

// LoadPolicyFile overlays estimator, forecaster and risk tuning from a YAML file.
func LoadPolicyFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	return ApplyPolicy(data, cfg)
}

// ApplyPolicy overlays YAML policy data onto cfg.
func ApplyPolicy(data []byte, cfg *Config) error {
	pf := policyFile{
		Estimator: &cfg.Estimator,
		Forecast:  &cfg.Forecast,
		Risk:      &cfg.Risk,
	}
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}
	return nil
}
