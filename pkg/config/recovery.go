package config

import "time"

// RecoveryConfig tunes Recovery (C9), mirroring recovery.Config's
// SyncInterval.
type RecoveryConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// DefaultRecoveryConfig mirrors recovery.DefaultSyncInterval.
func DefaultRecoveryConfig() *RecoveryConfig {
	return &RecoveryConfig{SyncInterval: 30 * time.Second}
}
