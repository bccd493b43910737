package config

import "time"

// QueueConfig holds the ask-user queue (C8 §4.8) expiry settings — Spyre's
// analogue of a generic worker-pool QueueConfig, narrowed to the one queue
// spec.md actually names (task dispatch itself has no separate worker
// pool; see DispatcherConfig). The values are loaded and validated only:
// no component in this module reads them or runs an expiry sweep.
type QueueConfig struct {
	// AskUserTTL is the configured age after which a pending ask-user
	// request counts as stale, in the sense of
	// orchestrator's ExpireStaleAskUserRequests ttl argument.
	AskUserTTL time.Duration `yaml:"ask_user_ttl"`

	// AskUserSweepInterval is the configured period of an expiry sweep;
	// nothing schedules one.
	AskUserSweepInterval time.Duration `yaml:"ask_user_sweep_interval"`
}

// DefaultQueueConfig returns the built-in ask-user queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		AskUserTTL:           24 * time.Hour,
		AskUserSweepInterval: 5 * time.Minute,
	}
}
