package types

import "time"

// Snapshot is an immutable point-in-time archive of a sandbox working tree.
// Snapshots are append-only; the latest snapshot for a project is the one
// with the newest CreatedAt. Nothing ever mutates or deletes a row.
type Snapshot struct {
	Id         uint   `json:"id" db:"id"`
	ExternalId string `json:"external_id" db:"external_id"`

	// ProjectId is the internal ID of the owning project
	ProjectId uint `json:"project_id" db:"project_id"`

	// StorageKey is the blob store key of the archive
	StorageKey string `json:"storage_key" db:"storage_key"`

	SizeBytes int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
