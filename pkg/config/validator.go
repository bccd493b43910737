package config

import (
	"fmt"
	"strings"
)

// Validator checks a loaded Config for internal consistency: cross-
// references between registries and sane ranges on the typed component
// configs. One method per concern, errors joined rather than returned on
// first failure so an operator sees every problem in a single run.
type Validator struct {
	cfg *Config
}

// NewValidator constructs a Validator for cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every check and joins their failures into one error.
func (v *Validator) ValidateAll() error {
	var errs []error

	errs = append(errs, v.validatePersonas()...)
	errs = append(errs, v.validateSoftwareCatalog()...)
	errs = append(errs, v.validateTemplates()...)
	errs = append(errs, v.validateSoftwarePools()...)
	errs = append(errs, v.validateDefaults()...)
	errs = append(errs, v.validateDispatcher()...)
	errs = append(errs, v.validateSSH()...)
	errs = append(errs, v.validateQueue()...)
	errs = append(errs, v.validateRecovery()...)
	errs = append(errs, v.validateProvisioner()...)

	if len(errs) == 0 {
		return nil
	}

	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("%d validation error(s): %s", len(errs), strings.Join(msgs, "; "))
}

func (v *Validator) validatePersonas() []error {
	var errs []error
	for id, p := range v.cfg.PersonaRegistry.GetAll() {
		if p.Name == "" {
			errs = append(errs, NewValidationError("persona", id, "name", ErrMissingRequiredField))
		}
		if p.Role == "" {
			errs = append(errs, NewValidationError("persona", id, "role", ErrMissingRequiredField))
		}
	}
	return errs
}

func (v *Validator) validateSoftwareCatalog() []error {
	var errs []error
	for id, item := range v.cfg.SoftwareCatalogRegistry.GetAll() {
		if item.Name == "" {
			errs = append(errs, NewValidationError("software_catalog", id, "name", ErrMissingRequiredField))
		}
		if len(item.Packages) == 0 {
			errs = append(errs, NewValidationError("software_catalog", id, "packages", ErrMissingRequiredField))
		}
	}
	return errs
}

func (v *Validator) validateTemplates() []error {
	var errs []error
	for id, t := range v.cfg.TemplateRegistry.GetAll() {
		if t.Name == "" {
			errs = append(errs, NewValidationError("template", id, "name", ErrMissingRequiredField))
		}
		if len(t.Steps) == 0 {
			errs = append(errs, NewValidationError("template", id, "steps", ErrMissingRequiredField))
			continue
		}
		seenPositions := make(map[int]bool, len(t.Steps))
		for _, step := range t.Steps {
			if seenPositions[step.Position] {
				errs = append(errs, NewValidationError("template", id, "steps[].position",
					fmt.Errorf("%w: duplicate position %d", ErrInvalidValue, step.Position)))
			}
			seenPositions[step.Position] = true

			if step.PersonaID != nil && !v.cfg.PersonaRegistry.Has(*step.PersonaID) {
				errs = append(errs, NewValidationError("template", id, "steps[].persona_id",
					fmt.Errorf("%w: %q", ErrInvalidReference, *step.PersonaID)))
			}
		}
	}
	return errs
}

func (v *Validator) validateSoftwarePools() []error {
	var errs []error
	for id, pool := range v.cfg.SoftwarePoolRegistry.GetAll() {
		if len(pool.Items) == 0 {
			errs = append(errs, NewValidationError("software_pool", id, "items", ErrMissingRequiredField))
			continue
		}
		for _, item := range pool.Items {
			switch item.Type {
			case "package":
				if item.PackageName == "" {
					errs = append(errs, NewValidationError("software_pool", id, "items[].package_name", ErrMissingRequiredField))
				}
			case "script":
				if item.ScriptURL == nil && item.ScriptContent == nil {
					errs = append(errs, NewValidationError("software_pool", id, "items[].script",
						fmt.Errorf("%w: script_url or script_content required", ErrMissingRequiredField)))
				}
			case "file":
				if item.FileURL == nil && item.FileContent == nil {
					errs = append(errs, NewValidationError("software_pool", id, "items[].file",
						fmt.Errorf("%w: file_url or file_content required", ErrMissingRequiredField)))
				}
				if item.FileDest == "" {
					errs = append(errs, NewValidationError("software_pool", id, "items[].file_dest", ErrMissingRequiredField))
				}
			default:
				errs = append(errs, NewValidationError("software_pool", id, "items[].type",
					fmt.Errorf("%w: %q", ErrInvalidValue, item.Type)))
			}
		}
	}
	return errs
}

func (v *Validator) validateDefaults() []error {
	var errs []error
	d := v.cfg.Defaults
	if d.PersonaID != "" && !v.cfg.PersonaRegistry.Has(d.PersonaID) {
		errs = append(errs, NewValidationError("defaults", "", "persona_id", fmt.Errorf("%w: %q", ErrInvalidReference, d.PersonaID)))
	}
	if d.TemplateID != "" && !v.cfg.TemplateRegistry.Has(d.TemplateID) {
		errs = append(errs, NewValidationError("defaults", "", "template_id", fmt.Errorf("%w: %q", ErrInvalidReference, d.TemplateID)))
	}
	return errs
}

func (v *Validator) validateDispatcher() []error {
	var errs []error
	d := v.cfg.Dispatcher
	if d.MaxConcurrentTasks < 1 {
		errs = append(errs, NewValidationError("dispatcher", "", "max_concurrent_tasks", fmt.Errorf("%w: must be >= 1", ErrInvalidValue)))
	}
	if d.OverallTimeout <= 0 {
		errs = append(errs, NewValidationError("dispatcher", "", "overall_timeout", fmt.Errorf("%w: must be > 0", ErrInvalidValue)))
	}
	if d.WatchdogTimeout <= 0 {
		errs = append(errs, NewValidationError("dispatcher", "", "watchdog_timeout", fmt.Errorf("%w: must be > 0", ErrInvalidValue)))
	}
	return errs
}

func (v *Validator) validateSSH() []error {
	var errs []error
	s := v.cfg.SSH
	if s.ReadyTimeout <= 0 {
		errs = append(errs, NewValidationError("ssh", "", "ready_timeout", fmt.Errorf("%w: must be > 0", ErrInvalidValue)))
	}
	if s.KeepaliveInterval <= 0 {
		errs = append(errs, NewValidationError("ssh", "", "keepalive_interval", fmt.Errorf("%w: must be > 0", ErrInvalidValue)))
	}
	return errs
}

func (v *Validator) validateQueue() []error {
	var errs []error
	q := v.cfg.Queue
	if q.AskUserTTL <= 0 {
		errs = append(errs, NewValidationError("queue", "", "ask_user_ttl", fmt.Errorf("%w: must be > 0", ErrInvalidValue)))
	}
	if q.AskUserSweepInterval <= 0 {
		errs = append(errs, NewValidationError("queue", "", "ask_user_sweep_interval", fmt.Errorf("%w: must be > 0", ErrInvalidValue)))
	} else if q.AskUserSweepInterval >= q.AskUserTTL {
		errs = append(errs, NewValidationError("queue", "", "ask_user_sweep_interval",
			fmt.Errorf("%w: must be smaller than ask_user_ttl", ErrInvalidValue)))
	}
	return errs
}

func (v *Validator) validateRecovery() []error {
	var errs []error
	if v.cfg.Recovery.SyncInterval <= 0 {
		errs = append(errs, NewValidationError("recovery", "", "sync_interval", fmt.Errorf("%w: must be > 0", ErrInvalidValue)))
	}
	return errs
}

func (v *Validator) validateProvisioner() []error {
	var errs []error
	if v.cfg.Provisioner.StepTimeout <= 0 {
		errs = append(errs, NewValidationError("provisioner", "", "step_timeout", fmt.Errorf("%w: must be > 0", ErrInvalidValue)))
	}
	return errs
}
