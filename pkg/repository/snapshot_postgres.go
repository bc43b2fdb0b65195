package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skiff-cloud/skiff/pkg/types"
)

// Snapshot methods on PostgresBackend

// CreateSnapshot records a new snapshot row. Rows are append-only.
func (b *PostgresBackend) CreateSnapshot(ctx context.Context, projectId uint, storageKey string, sizeBytes int64) (*types.Snapshot, error) {
	query := `
		INSERT INTO snapshot (project_id, storage_key, size_bytes)
		VALUES ($1, $2, $3)
		RETURNING id, external_id, project_id, storage_key, size_bytes, created_at
	`

	snapshot := &types.Snapshot{}
	err := b.db.QueryRowContext(ctx, query, projectId, storageKey, sizeBytes).Scan(
		&snapshot.Id,
		&snapshot.ExternalId,
		&snapshot.ProjectId,
		&snapshot.StorageKey,
		&snapshot.SizeBytes,
		&snapshot.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}

	return snapshot, nil
}

// GetLatestSnapshot returns the project's newest snapshot
func (b *PostgresBackend) GetLatestSnapshot(ctx context.Context, projectId uint) (*types.Snapshot, error) {
	query := `
		SELECT id, external_id, project_id, storage_key, size_bytes, created_at
		FROM snapshot
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	snapshot := &types.Snapshot{}
	err := b.db.QueryRowContext(ctx, query, projectId).Scan(
		&snapshot.Id,
		&snapshot.ExternalId,
		&snapshot.ProjectId,
		&snapshot.StorageKey,
		&snapshot.SizeBytes,
		&snapshot.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &types.ErrSnapshotNotFound{ProjectId: projectId}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	return snapshot, nil
}

// HasSnapshots reports whether the project has at least one snapshot
func (b *PostgresBackend) HasSnapshots(ctx context.Context, projectId uint) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM snapshot WHERE project_id = $1)`

	var exists bool
	if err := b.db.QueryRowContext(ctx, query, projectId).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check snapshots: %w", err)
	}
	return exists, nil
}
