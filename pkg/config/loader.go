package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"spyre/pkg/models"
)

// PersonaYAML is one entry of personas.yaml; the map key becomes
// models.Persona.ID.
type PersonaYAML struct {
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	Instructions string `yaml:"instructions"`
}

// PersonasYAMLConfig is the root shape of personas.yaml.
type PersonasYAMLConfig struct {
	Personas map[string]PersonaYAML `yaml:"personas"`
}

// PipelineTemplateStepYAML is one step of a template in templates.yaml.
type PipelineTemplateStepYAML struct {
	Position         int             `yaml:"position"`
	Type             models.StepType `yaml:"type"`
	Label            string          `yaml:"label"`
	PersonaID        string          `yaml:"persona_id,omitempty"`
	PromptTemplate   string          `yaml:"prompt_template,omitempty"`
	GateInstructions string          `yaml:"gate_instructions,omitempty"`
	MaxRetries       int             `yaml:"max_retries,omitempty"`
}

// PipelineTemplateYAML is one entry of templates.yaml; the map key becomes
// models.PipelineTemplate.ID.
type PipelineTemplateYAML struct {
	Name        string                     `yaml:"name"`
	Description string                     `yaml:"description,omitempty"`
	Steps       []PipelineTemplateStepYAML `yaml:"steps"`
}

// TemplatesYAMLConfig is the root shape of templates.yaml.
type TemplatesYAMLConfig struct {
	Templates map[string]PipelineTemplateYAML `yaml:"templates"`
}

// SoftwareCatalogItemYAML is one entry of software_catalog.yaml; the map
// key becomes models.SoftwareCatalogItem.ID.
type SoftwareCatalogItemYAML struct {
	Name     string                           `yaml:"name"`
	Packages map[models.PackageManager]string `yaml:"packages"`
}

// SoftwareCatalogYAMLConfig is the root shape of software_catalog.yaml.
type SoftwareCatalogYAMLConfig struct {
	Catalog map[string]SoftwareCatalogItemYAML `yaml:"catalog"`
}

// SoftwarePoolItemYAML is one entry of a pool's item list in
// software_pools.yaml, mirroring models.SoftwarePoolItem minus the
// generated ID/PoolID (assigned at load time).
type SoftwarePoolItemYAML struct {
	Position      int                        `yaml:"position"`
	Type          models.SoftwarePoolItemType `yaml:"type"`
	Condition     string                      `yaml:"condition,omitempty"`
	PackageName   string                      `yaml:"package_name,omitempty"`
	Manager       models.PackageManager       `yaml:"manager,omitempty"`
	ScriptURL     string                      `yaml:"script_url,omitempty"`
	ScriptContent string                      `yaml:"script_content,omitempty"`
	Interpreter   string                      `yaml:"interpreter,omitempty"`
	FileURL       string                      `yaml:"file_url,omitempty"`
	FileContent   string                      `yaml:"file_content,omitempty"`
	FileDest      string                      `yaml:"file_dest,omitempty"`
	FileMode      string                      `yaml:"file_mode,omitempty"`
	FileOwner     string                      `yaml:"file_owner,omitempty"`
	PostCommand   string                      `yaml:"post_command,omitempty"`
}

// SoftwarePoolYAML is one entry of software_pools.yaml; the map key
// becomes models.SoftwarePool.ID.
type SoftwarePoolYAML struct {
	Name  string                 `yaml:"name"`
	Items []SoftwarePoolItemYAML `yaml:"items"`
}

// SoftwarePoolsYAMLConfig is the root shape of software_pools.yaml.
type SoftwarePoolsYAMLConfig struct {
	Pools map[string]SoftwarePoolYAML `yaml:"pools"`
}

// SpyreYAMLConfig is the root shape of spyre.yaml — the system-level
// settings file.
type SpyreYAMLConfig struct {
	Defaults         *Defaults          `yaml:"defaults"`
	SystemYAMLConfig `yaml:",inline"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load .env (best-effort) so later YAML env-expansion and downstream
//     credential lookups see it.
//  2. Load spyre.yaml, personas.yaml, templates.yaml, software_catalog.yaml,
//     software_pools.yaml from configDir.
//  3. Merge built-in + user-defined personas/software catalog.
//  4. Build registries and resolve component defaults.
//  5. Validate cross-references and value ranges.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	}

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized",
		"personas", stats.Personas,
		"templates", stats.Templates,
		"software_catalog", stats.SoftwareCatalog,
		"software_pools", stats.SoftwarePools)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	l := &configLoader{configDir: configDir}

	spyreYAML, err := l.loadSpyreYAML()
	if err != nil {
		return nil, NewLoadError("spyre.yaml", err)
	}

	personasYAML, err := l.loadPersonasYAML()
	if err != nil {
		return nil, NewLoadError("personas.yaml", err)
	}

	templatesYAML, err := l.loadTemplatesYAML()
	if err != nil {
		return nil, NewLoadError("templates.yaml", err)
	}

	catalogYAML, err := l.loadSoftwareCatalogYAML()
	if err != nil {
		return nil, NewLoadError("software_catalog.yaml", err)
	}

	poolsYAML, err := l.loadSoftwarePoolsYAML()
	if err != nil {
		return nil, NewLoadError("software_pools.yaml", err)
	}

	builtin := GetBuiltinConfig()

	personas := mergePersonas(builtin.Personas, decodePersonas(personasYAML))
	catalog := mergeSoftwareCatalog(builtin.SoftwareCatalog, decodeSoftwareCatalog(catalogYAML))
	templates := mergeTemplates(nil, decodeTemplates(templatesYAML))
	pools := mergeSoftwarePools(nil, decodeSoftwarePools(poolsYAML))

	defaults := spyreYAML.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}

	dispatcherCfg := DefaultDispatcherConfig()
	sshCfg := DefaultSSHConfig()
	queueCfg := DefaultQueueConfig()
	recoveryCfg := DefaultRecoveryConfig()
	provisionerCfg := DefaultProvisionerConfig()

	overrideDispatcher(dispatcherCfg, spyreYAML.Dispatcher)
	overrideSSH(sshCfg, spyreYAML.SSH)
	overrideQueue(queueCfg, spyreYAML.Queue)
	overrideRecovery(recoveryCfg, spyreYAML.Recovery)
	overrideProvisioner(provisionerCfg, spyreYAML.Provisioner)

	return &Config{
		configDir:               configDir,
		Defaults:                defaults,
		Dispatcher:              dispatcherCfg,
		SSH:                     sshCfg,
		Queue:                   queueCfg,
		Recovery:                recoveryCfg,
		Provisioner:             provisionerCfg,
		PersonaRegistry:         NewPersonaRegistry(personas),
		TemplateRegistry:        NewTemplateRegistry(templates),
		SoftwareCatalogRegistry: NewSoftwareCatalogRegistry(catalog),
		SoftwarePoolRegistry:    NewSoftwarePoolRegistry(pools),
	}, nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// optionalYAML loads filename into target, treating a missing file as "no
// user overrides" rather than an error — every one of Spyre's config files
// is optional, since the built-ins plus the Default*Config component
// defaults are enough to run.
func (l *configLoader) optionalYAML(filename string, target any) error {
	err := l.loadYAML(filename, target)
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return err
	}
	return nil
}

func (l *configLoader) loadSpyreYAML() (*SpyreYAMLConfig, error) {
	cfg := &SpyreYAMLConfig{}
	if err := l.optionalYAML("spyre.yaml", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *configLoader) loadPersonasYAML() (*PersonasYAMLConfig, error) {
	cfg := &PersonasYAMLConfig{Personas: map[string]PersonaYAML{}}
	if err := l.optionalYAML("personas.yaml", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *configLoader) loadTemplatesYAML() (*TemplatesYAMLConfig, error) {
	cfg := &TemplatesYAMLConfig{Templates: map[string]PipelineTemplateYAML{}}
	if err := l.optionalYAML("templates.yaml", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *configLoader) loadSoftwareCatalogYAML() (*SoftwareCatalogYAMLConfig, error) {
	cfg := &SoftwareCatalogYAMLConfig{Catalog: map[string]SoftwareCatalogItemYAML{}}
	if err := l.optionalYAML("software_catalog.yaml", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *configLoader) loadSoftwarePoolsYAML() (*SoftwarePoolsYAMLConfig, error) {
	cfg := &SoftwarePoolsYAMLConfig{Pools: map[string]SoftwarePoolYAML{}}
	if err := l.optionalYAML("software_pools.yaml", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodePersonas(cfg *PersonasYAMLConfig) map[string]*models.Persona {
	out := make(map[string]*models.Persona, len(cfg.Personas))
	for id, p := range cfg.Personas {
		out[id] = &models.Persona{ID: id, Name: p.Name, Role: p.Role, Instructions: p.Instructions}
	}
	return out
}

func decodeTemplates(cfg *TemplatesYAMLConfig) map[string]*models.PipelineTemplate {
	out := make(map[string]*models.PipelineTemplate, len(cfg.Templates))
	for id, t := range cfg.Templates {
		steps := make([]models.PipelineTemplateStep, len(t.Steps))
		for i, s := range t.Steps {
			step := models.PipelineTemplateStep{
				Position:         s.Position,
				Type:             s.Type,
				Label:            s.Label,
				PromptTemplate:   s.PromptTemplate,
				GateInstructions: s.GateInstructions,
				MaxRetries:       s.MaxRetries,
			}
			if s.PersonaID != "" {
				personaID := s.PersonaID
				step.PersonaID = &personaID
			}
			steps[i] = step
		}
		out[id] = &models.PipelineTemplate{ID: id, Name: t.Name, Description: t.Description, Steps: steps}
	}
	return out
}

func decodeSoftwareCatalog(cfg *SoftwareCatalogYAMLConfig) map[string]*models.SoftwareCatalogItem {
	out := make(map[string]*models.SoftwareCatalogItem, len(cfg.Catalog))
	for id, c := range cfg.Catalog {
		out[id] = &models.SoftwareCatalogItem{ID: id, Name: c.Name, Packages: c.Packages}
	}
	return out
}

func decodeSoftwarePools(cfg *SoftwarePoolsYAMLConfig) map[string]*models.SoftwarePool {
	out := make(map[string]*models.SoftwarePool, len(cfg.Pools))
	for id, p := range cfg.Pools {
		items := make([]models.SoftwarePoolItem, len(p.Items))
		for i, it := range p.Items {
			item := models.SoftwarePoolItem{
				ID:          fmt.Sprintf("%s-%d", id, it.Position),
				PoolID:      id,
				Position:    it.Position,
				Type:        it.Type,
				PackageName: it.PackageName,
				Interpreter: it.Interpreter,
				FileDest:    it.FileDest,
			}
			if it.Condition != "" {
				v := it.Condition
				item.Condition = &v
			}
			if it.Manager != "" {
				v := it.Manager
				item.Manager = &v
			}
			if it.ScriptURL != "" {
				v := it.ScriptURL
				item.ScriptURL = &v
			}
			if it.ScriptContent != "" {
				v := it.ScriptContent
				item.ScriptContent = &v
			}
			if it.FileURL != "" {
				v := it.FileURL
				item.FileURL = &v
			}
			if it.FileContent != "" {
				v := it.FileContent
				item.FileContent = &v
			}
			if it.FileMode != "" {
				v := it.FileMode
				item.FileMode = &v
			}
			if it.FileOwner != "" {
				v := it.FileOwner
				item.FileOwner = &v
			}
			if it.PostCommand != "" {
				v := it.PostCommand
				item.PostCommand = &v
			}
			items[i] = item
		}
		out[id] = &models.SoftwarePool{ID: id, Name: p.Name, Items: items}
	}
	return out
}

func overrideDispatcher(dst *DispatcherConfig, src *DispatcherConfig) {
	if src == nil {
		return
	}
	if src.MaxConcurrentTasks != 0 {
		dst.MaxConcurrentTasks = src.MaxConcurrentTasks
	}
	if src.OverallTimeout != 0 {
		dst.OverallTimeout = src.OverallTimeout
	}
	if src.WatchdogTimeout != 0 {
		dst.WatchdogTimeout = src.WatchdogTimeout
	}
	if len(src.AllowedTools) > 0 {
		dst.AllowedTools = src.AllowedTools
	}
}

func overrideSSH(dst *SSHConfig, src *SSHConfig) {
	if src == nil {
		return
	}
	if src.PrivateKeyPath != "" {
		dst.PrivateKeyPath = src.PrivateKeyPath
	}
	if src.ReadyTimeout != 0 {
		dst.ReadyTimeout = src.ReadyTimeout
	}
	if src.KeepaliveInterval != 0 {
		dst.KeepaliveInterval = src.KeepaliveInterval
	}
}

func overrideQueue(dst *QueueConfig, src *QueueConfig) {
	if src == nil {
		return
	}
	if src.AskUserTTL != 0 {
		dst.AskUserTTL = src.AskUserTTL
	}
	if src.AskUserSweepInterval != 0 {
		dst.AskUserSweepInterval = src.AskUserSweepInterval
	}
}

func overrideRecovery(dst *RecoveryConfig, src *RecoveryConfig) {
	if src == nil {
		return
	}
	if src.SyncInterval != 0 {
		dst.SyncInterval = src.SyncInterval
	}
}

func overrideProvisioner(dst *ProvisionerConfig, src *ProvisionerConfig) {
	if src == nil {
		return
	}
	if src.StepTimeout != 0 {
		dst.StepTimeout = src.StepTimeout
	}
}
