package config

import "time"

// SSHConfig tunes the Connection Pool (C1), mirroring sshpool's exported
// constants and Option family.
type SSHConfig struct {
	PrivateKeyPath    string        `yaml:"private_key_path"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// DefaultSSHConfig mirrors sshpool.ReadyTimeout/KeepaliveInterval.
func DefaultSSHConfig() *SSHConfig {
	return &SSHConfig{
		ReadyTimeout:      10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
	}
}
