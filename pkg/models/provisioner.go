package models

import "time"

// PackageManager identifies a detected (or explicitly requested) Linux
// package manager (spec.md §4.6 "apt → apk → dnf → yum").
type PackageManager string

const (
	PackageManagerNone PackageManager = ""
	PackageManagerApt  PackageManager = "apt"
	PackageManagerApk  PackageManager = "apk"
	PackageManagerDnf  PackageManager = "dnf"
	PackageManagerYum  PackageManager = "yum"
)

// SoftwareCatalogItem is a named piece of software resolvable across
// package managers, so a pipeline or provisioning request can reference it
// by id rather than hard-coding an install command per distro.
type SoftwareCatalogItem struct {
	ID       string                    `json:"id"`
	Name     string                    `json:"name"`
	Packages map[PackageManager]string `json:"packages"` // install name per manager
}

// SoftwarePoolItemType distinguishes the three shapes a legacy pool item
// can take (spec.md §4.6 "package | script | file").
type SoftwarePoolItemType string

const (
	PoolItemPackage SoftwarePoolItemType = "package"
	PoolItemScript  SoftwarePoolItemType = "script"
	PoolItemFile    SoftwarePoolItemType = "file"
)

// SoftwarePoolItem is one step of a user-defined ordered pool.
type SoftwarePoolItem struct {
	ID          string               `json:"id"`
	PoolID      string               `json:"pool_id"`
	Position    int                  `json:"position"`
	Type        SoftwarePoolItemType `json:"type"`
	Condition   *string              `json:"condition,omitempty"`

	// package
	PackageName string          `json:"package_name,omitempty"`
	Manager     *PackageManager `json:"manager,omitempty"` // explicit override; mismatch vs detected -> skip

	// script
	ScriptURL     *string `json:"script_url,omitempty"`
	ScriptContent *string `json:"script_content,omitempty"`
	Interpreter   string  `json:"interpreter,omitempty"` // default "bash"

	// file
	FileURL     *string `json:"file_url,omitempty"`
	FileContent *string `json:"file_content,omitempty"`
	FileDest    string  `json:"file_dest,omitempty"`
	FileMode    *string `json:"file_mode,omitempty"`
	FileOwner   *string `json:"file_owner,omitempty"`

	PostCommand *string `json:"post_command,omitempty"`
}

// SoftwarePool is a named, ordered list of SoftwarePoolItems (a "legacy
// software pool" per spec.md §4.6).
type SoftwarePool struct {
	ID    string             `json:"id"`
	Name  string             `json:"name"`
	Items []SoftwarePoolItem `json:"items"`
}

// DefaultUserSpec describes the account provisioned at the end of the
// post-create sequence.
type DefaultUserSpec struct {
	Username       string   `json:"username"`
	Password       string   `json:"password"`
	AuthorizedKeys []string `json:"authorized_keys,omitempty"`
}

// ProvisioningRequest is the input to a single post-create run.
type ProvisioningRequest struct {
	EnvironmentID      string             `json:"environment_id"`
	SoftwareCatalogIDs []string           `json:"software_catalog_ids,omitempty"`
	Pool               *SoftwarePool      `json:"pool,omitempty"`
	CommunityScriptURL *string            `json:"community_script_url,omitempty"`
	CustomScript       *string            `json:"custom_script,omitempty"`
	DefaultUser        *DefaultUserSpec   `json:"default_user,omitempty"`
}

// ProvisioningPhase names one of the five linear stages (spec.md §4.6).
type ProvisioningPhase string

const (
	PhaseSoftwareCatalog ProvisioningPhase = "software_catalog"
	PhaseSoftwarePool    ProvisioningPhase = "software_pool"
	PhaseCommunityScript ProvisioningPhase = "community_script"
	PhaseCustomScript    ProvisioningPhase = "custom_script"
	PhaseDefaultUser     ProvisioningPhase = "default_user"
)

// ProvisioningStatus is the outcome recorded for one log entry.
type ProvisioningStatus string

const (
	ProvisioningRunning ProvisioningStatus = "running"
	ProvisioningSuccess ProvisioningStatus = "success"
	ProvisioningError   ProvisioningStatus = "error"
	ProvisioningSkipped ProvisioningStatus = "skipped"
)

// ProvisioningLogEntry is one durable, append-only record of a
// provisioning step's outcome (spec.md §6 "provisioning_log").
type ProvisioningLogEntry struct {
	ID            string            `json:"id"`
	EnvironmentID string            `json:"environment_id"`
	Phase         ProvisioningPhase `json:"phase"`
	Status        ProvisioningStatus `json:"status"`
	Message       string            `json:"message,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
