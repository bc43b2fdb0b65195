package types

import (
	"errors"
	"fmt"
)

// ErrProjectNotFound is returned when a project is not found
type ErrProjectNotFound struct {
	ExternalId string
}

func (e *ErrProjectNotFound) Error() string {
	return fmt.Sprintf("project not found: %s", e.ExternalId)
}

// ErrSnapshotNotFound is returned when a project has no snapshots
type ErrSnapshotNotFound struct {
	ProjectId uint
}

func (e *ErrSnapshotNotFound) Error() string {
	return fmt.Sprintf("no snapshots for project %d", e.ProjectId)
}

// ErrSandboxActive is returned by the concurrency gate when the requesting
// user already owns a sandbox in an active state. It carries the existing
// sandbox's identity so clients can redirect instead of retry.
type ErrSandboxActive struct {
	ExternalId string
	PreviewUrl string
}

func (e *ErrSandboxActive) Error() string {
	return fmt.Sprintf("user already has an active sandbox: %s", e.ExternalId)
}

// ErrNoRunningInstance is returned when an exec targets a sandbox with zero
// running instances.
type ErrNoRunningInstance struct {
	Workload string
}

func (e *ErrNoRunningInstance) Error() string {
	return fmt.Sprintf("no running instance for workload %s", e.Workload)
}

// IsNotFound reports whether err is any of the domain not-found errors.
func IsNotFound(err error) bool {
	var project *ErrProjectNotFound
	var snapshot *ErrSnapshotNotFound
	var instance *ErrNoRunningInstance
	return errors.As(err, &project) || errors.As(err, &snapshot) || errors.As(err, &instance)
}
