package config

import "spyre/pkg/models"

// mergePersonas merges built-in and user-defined personas. A user-defined
// persona overrides a built-in one with the same id, giving user YAML
// precedence over built-ins.
func mergePersonas(builtin, user map[string]*models.Persona) map[string]*models.Persona {
	result := make(map[string]*models.Persona, len(builtin)+len(user))
	for id, p := range builtin {
		result[id] = p
	}
	for id, p := range user {
		result[id] = p
	}
	return result
}

// mergeTemplates merges built-in and user-defined pipeline templates.
func mergeTemplates(builtin, user map[string]*models.PipelineTemplate) map[string]*models.PipelineTemplate {
	result := make(map[string]*models.PipelineTemplate, len(builtin)+len(user))
	for id, t := range builtin {
		result[id] = t
	}
	for id, t := range user {
		result[id] = t
	}
	return result
}

// mergeSoftwareCatalog merges built-in and user-defined software catalog items.
func mergeSoftwareCatalog(builtin, user map[string]*models.SoftwareCatalogItem) map[string]*models.SoftwareCatalogItem {
	result := make(map[string]*models.SoftwareCatalogItem, len(builtin)+len(user))
	for id, c := range builtin {
		result[id] = c
	}
	for id, c := range user {
		result[id] = c
	}
	return result
}

// mergeSoftwarePools merges built-in and user-defined legacy software pools.
func mergeSoftwarePools(builtin, user map[string]*models.SoftwarePool) map[string]*models.SoftwarePool {
	result := make(map[string]*models.SoftwarePool, len(builtin)+len(user))
	for id, p := range builtin {
		result[id] = p
	}
	for id, p := range user {
		result[id] = p
	}
	return result
}
