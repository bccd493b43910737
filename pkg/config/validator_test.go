package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"spyre/pkg/models"
)

func validConfig() *Config {
	personaID := "general"
	return &Config{
		Defaults: &Defaults{PersonaID: "general", TemplateID: "default"},
		Dispatcher: &DispatcherConfig{
			MaxConcurrentTasks: 5,
			OverallTimeout:     600 * time.Second,
			WatchdogTimeout:    5 * time.Second,
		},
		SSH: &SSHConfig{
			PrivateKeyPath:    "/etc/spyre/id_ed25519",
			ReadyTimeout:      10 * time.Second,
			KeepaliveInterval: 30 * time.Second,
		},
		Queue: &QueueConfig{
			AskUserTTL:           24 * time.Hour,
			AskUserSweepInterval: 5 * time.Minute,
		},
		Recovery:    &RecoveryConfig{SyncInterval: 30 * time.Second},
		Provisioner: &ProvisionerConfig{StepTimeout: 120 * time.Second},
		PersonaRegistry: NewPersonaRegistry(map[string]*models.Persona{
			"general": {ID: "general", Name: "General", Role: "software engineer"},
		}),
		TemplateRegistry: NewTemplateRegistry(map[string]*models.PipelineTemplate{
			"default": {
				ID:   "default",
				Name: "Default",
				Steps: []models.PipelineTemplateStep{
					{Position: 0, Type: models.StepAgent, PersonaID: &personaID},
				},
			},
		}),
		SoftwareCatalogRegistry: NewSoftwareCatalogRegistry(map[string]*models.SoftwareCatalogItem{
			"git": {ID: "git", Name: "Git", Packages: map[models.PackageManager]string{models.PackageManagerApt: "git"}},
		}),
		SoftwarePoolRegistry: NewSoftwarePoolRegistry(nil),
	}
}

func TestValidateAllPassesOnValidConfig(t *testing.T) {
	err := NewValidator(validConfig()).ValidateAll()
	assert.NoError(t, err)
}

func TestValidateTemplatesRejectsUnknownPersonaReference(t *testing.T) {
	cfg := validConfig()
	missing := "does-not-exist"
	cfg.TemplateRegistry = NewTemplateRegistry(map[string]*models.PipelineTemplate{
		"default": {
			ID:   "default",
			Name: "Default",
			Steps: []models.PipelineTemplateStep{
				{Position: 0, PersonaID: &missing},
			},
		},
	})

	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "does-not-exist")
}

func TestValidateTemplatesRejectsDuplicatePositions(t *testing.T) {
	cfg := validConfig()
	cfg.TemplateRegistry = NewTemplateRegistry(map[string]*models.PipelineTemplate{
		"default": {
			ID:   "default",
			Name: "Default",
			Steps: []models.PipelineTemplateStep{
				{Position: 0},
				{Position: 0},
			},
		},
	})

	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "duplicate position")
}

func TestValidateDefaultsRejectsUnknownTemplateID(t *testing.T) {
	cfg := validConfig()
	cfg.Defaults.TemplateID = "missing-template"

	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "missing-template")
}

func TestValidateDispatcherRejectsZeroMaxConcurrentTasks(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatcher.MaxConcurrentTasks = 0

	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "max_concurrent_tasks")
}

func TestValidateQueueRejectsSweepIntervalLargerThanTTL(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.AskUserSweepInterval = 48 * time.Hour

	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "ask_user_sweep_interval")
}

func TestValidateSoftwarePoolsRequiresPackageName(t *testing.T) {
	cfg := validConfig()
	cfg.SoftwarePoolRegistry = NewSoftwarePoolRegistry(map[string]*models.SoftwarePool{
		"base": {
			ID:   "base",
			Name: "Base",
			Items: []models.SoftwarePoolItem{
				{Position: 0, Type: models.PoolItemPackage},
			},
		},
	})

	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "package_name")
}

func TestValidateAllJoinsMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatcher.MaxConcurrentTasks = 0
	cfg.SSH.ReadyTimeout = 0

	err := NewValidator(cfg).ValidateAll()
	assert.ErrorContains(t, err, "max_concurrent_tasks")
	assert.ErrorContains(t, err, "ready_timeout")
}
