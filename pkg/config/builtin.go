package config

import (
	"sync"

	"spyre/pkg/models"
)

// BuiltinConfig holds configuration objects Spyre ships with so an
// environment is useful before an operator has written any YAML of its
// own, narrowed to Spyre's domain (personas and the software catalog every
// detected package manager can resolve).
type BuiltinConfig struct {
	Personas        map[string]*models.Persona
	SoftwareCatalog map[string]*models.SoftwareCatalogItem
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration
// (thread-safe, lazy-initialized).
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Personas:        initBuiltinPersonas(),
		SoftwareCatalog: initBuiltinSoftwareCatalog(),
	}
}

func initBuiltinPersonas() map[string]*models.Persona {
	return map[string]*models.Persona{
		"general": {
			ID:   "general",
			Name: "General Assistant",
			Role: "software engineer",
			Instructions: "Work the task methodically: read the existing code " +
				"before changing it, make the smallest change that satisfies " +
				"the task, and leave the working tree in a state that builds.",
		},
		"reviewer": {
			ID:   "reviewer",
			Name: "Reviewer",
			Role: "code reviewer",
			Instructions: "Review the diff for correctness, missed edge cases, " +
				"and regressions. Approve only work you would be comfortable " +
				"merging yourself; otherwise request revisions with specific, " +
				"actionable feedback.",
		},
	}
}

func initBuiltinSoftwareCatalog() map[string]*models.SoftwareCatalogItem {
	return map[string]*models.SoftwareCatalogItem{
		"git": {
			ID:   "git",
			Name: "Git",
			Packages: map[models.PackageManager]string{
				models.PackageManagerApt: "git",
				models.PackageManagerApk: "git",
				models.PackageManagerDnf: "git",
				models.PackageManagerYum: "git",
			},
		},
		"curl": {
			ID:   "curl",
			Name: "curl",
			Packages: map[models.PackageManager]string{
				models.PackageManagerApt: "curl",
				models.PackageManagerApk: "curl",
				models.PackageManagerDnf: "curl",
				models.PackageManagerYum: "curl",
			},
		},
		"build-essential": {
			ID:   "build-essential",
			Name: "C/C++ build toolchain",
			Packages: map[models.PackageManager]string{
				models.PackageManagerApt: "build-essential",
				models.PackageManagerApk: "build-base",
				models.PackageManagerDnf: "gcc-c++ make",
				models.PackageManagerYum: "gcc-c++ make",
			},
		},
	}
}
