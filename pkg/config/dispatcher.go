package config

import "time"

// DispatcherConfig tunes the Task Dispatcher (C5), mirroring
// dispatcher.Config's fields; engine.New copies them into a
// dispatcher.Config at wiring time.
type DispatcherConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	OverallTimeout     time.Duration `yaml:"overall_timeout"`
	WatchdogTimeout    time.Duration `yaml:"watchdog_timeout"`
	AllowedTools       []string      `yaml:"allowed_tools"`
}

// DefaultDispatcherConfig mirrors dispatcher.Default{MaxConcurrentTasks,
// OverallTimeout,WatchdogTimeout} (spec.md §4.5/§5).
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		MaxConcurrentTasks: 5,
		OverallTimeout:     600 * time.Second,
		WatchdogTimeout:    5 * time.Second,
	}
}
