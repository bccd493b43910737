package config

import "time"

// ProvisionerConfig tunes the Provisioner Pipeline (C6).
type ProvisionerConfig struct {
	// StepTimeout is loaded and validated, but the provisioner does not
	// read it: every remote command it runs is bounded by
	// provisioner.DefaultTimeoutMs instead.
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// DefaultProvisionerConfig mirrors provisioner.DefaultTimeoutMs.
func DefaultProvisionerConfig() *ProvisionerConfig {
	return &ProvisionerConfig{StepTimeout: 120 * time.Second}
}
