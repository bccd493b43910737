package config

// Defaults contains system-wide default references. The validator checks
// that each non-empty id resolves against its registry; no dispatcher,
// pipeline or API path reads them as a fallback.
type Defaults struct {
	// PersonaID names the default persona. Prompt framing does not fall
	// back to it when an environment or dev-container has none set.
	PersonaID string `yaml:"persona_id,omitempty"`

	// TemplateID names the default pipeline template. Pipeline creation
	// and start do not instantiate it when no template id is given.
	TemplateID string `yaml:"template_id,omitempty"`
}
