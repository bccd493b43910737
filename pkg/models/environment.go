// Package models contains the domain entities shared across Spyre's
// engine packages: environments, tasks, pipelines and orchestrator
// sessions, plus their request/response projections.
package models

import "time"

// EnvironmentStatus is the lifecycle state of a provisioned container.
type EnvironmentStatus string

const (
	EnvironmentPending      EnvironmentStatus = "pending"
	EnvironmentProvisioning EnvironmentStatus = "provisioning"
	EnvironmentRunning      EnvironmentStatus = "running"
	EnvironmentStopped      EnvironmentStatus = "stopped"
	EnvironmentError        EnvironmentStatus = "error"
	EnvironmentDestroying   EnvironmentStatus = "destroying"
)

// Environment is a provisioned LXC container managed by Spyre.
//
// Invariant: a row with Status == EnvironmentRunning has a non-empty Address.
type Environment struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	HypervisorID int             `json:"hypervisor_id"`
	Status     EnvironmentStatus `json:"status"`
	Address    string            `json:"address,omitempty"`
	SSHUser    string            `json:"ssh_user"`
	Metadata   map[string]any    `json:"metadata,omitempty"` // contains root password
	PersonaID  *string           `json:"persona_id,omitempty"`
	RepoURL    *string           `json:"repo_url,omitempty"`
	RepoBranch *string           `json:"repo_branch,omitempty"`
	WorkingDir *string           `json:"working_dir,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// RootPassword extracts the root password tucked into Metadata, if present.
func (e *Environment) RootPassword() string {
	if e.Metadata == nil {
		return ""
	}
	v, _ := e.Metadata["root_password"].(string)
	return v
}

// DevContainerStatus is the lifecycle state of a dev-container.
type DevContainerStatus string

const (
	DevContainerPending DevContainerStatus = "pending"
	DevContainerRunning DevContainerStatus = "running"
	DevContainerStopped DevContainerStatus = "stopped"
	DevContainerError   DevContainerStatus = "error"
)

// DevContainer is a Docker container hosting an isolated CLI agent
// instance inside an Environment. Provisioning mechanics are an external
// collaborator (spec.md Non-goals); Spyre only tracks identity/status.
type DevContainer struct {
	ID            string             `json:"id"`
	EnvironmentID string             `json:"environment_id"`
	Name          string             `json:"name"`
	Status        DevContainerStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Persona describes an agent persona used to frame prompts (C5 §4.5).
type Persona struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	Instructions string `json:"instructions"`
}
