package types

import "time"

// ProjectStatus is the sandbox lifecycle status of a project
type ProjectStatus string

const (
	ProjectStatusInitializing ProjectStatus = "initializing"
	ProjectStatusBuilding     ProjectStatus = "building"
	ProjectStatusReady        ProjectStatus = "ready"
	ProjectStatusError        ProjectStatus = "error"
	ProjectStatusHibernated   ProjectStatus = "hibernated"
	ProjectStatusDeleted      ProjectStatus = "deleted"
)

// IsActive returns true for statuses that count against the one-active-sandbox
// per user limit.
func (s ProjectStatus) IsActive() bool {
	return s == ProjectStatusInitializing ||
		s == ProjectStatusBuilding ||
		s == ProjectStatusReady
}

// BuildStatus tracks the most recent deploy attempt
type BuildStatus string

const (
	BuildStatusNone     BuildStatus = ""
	BuildStatusBuilding BuildStatus = "building"
	BuildStatusDeployed BuildStatus = "deployed"
	BuildStatusFailed   BuildStatus = "failed"
)

// Project is a user project backed by at most one cluster sandbox.
// The sandbox workload and service names derive deterministically from
// ExternalId, so the record carries no cluster resource references.
type Project struct {
	// Id is the internal ID for joins
	Id uint `json:"id" db:"id"`

	// ExternalId is the UUID exposed via API
	ExternalId string `json:"external_id" db:"external_id"`

	// UserId identifies the owning user
	UserId string `json:"user_id" db:"user_id"`

	Name string `json:"name" db:"name"`

	Status ProjectStatus `json:"status" db:"status"`

	// PreviewUrl is the externally reachable dev server URL
	PreviewUrl string `json:"preview_url,omitempty" db:"preview_url"`

	// DeploymentUrl is set after a successful deploy
	DeploymentUrl string `json:"deployment_url,omitempty" db:"deployment_url"`

	BuildStatus BuildStatus `json:"build_status,omitempty" db:"build_status"`

	LastActiveAt time.Time  `json:"last_active_at" db:"last_active_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}
