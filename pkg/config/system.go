package config

// SystemYAMLConfig is the top-level shape of spyre.yaml's non-registry
// settings, one sub-struct per component, narrowed to the components
// spec.md actually names.
type SystemYAMLConfig struct {
	Dispatcher  *DispatcherConfig  `yaml:"dispatcher"`
	SSH         *SSHConfig         `yaml:"ssh"`
	Queue       *QueueConfig       `yaml:"queue"`
	Recovery    *RecoveryConfig    `yaml:"recovery"`
	Provisioner *ProvisionerConfig `yaml:"provisioner"`
}
