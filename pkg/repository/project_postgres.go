package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skiff-cloud/skiff/pkg/types"
)

// Project methods on PostgresBackend

const projectColumns = `
	id, external_id, user_id, name, status, preview_url, deployment_url,
	build_status, last_active_at, deleted_at, created_at, updated_at
`

func scanProject(row interface{ Scan(...any) error }) (*types.Project, error) {
	project := &types.Project{}
	err := row.Scan(
		&project.Id,
		&project.ExternalId,
		&project.UserId,
		&project.Name,
		&project.Status,
		&project.PreviewUrl,
		&project.DeploymentUrl,
		&project.BuildStatus,
		&project.LastActiveAt,
		&project.DeletedAt,
		&project.CreatedAt,
		&project.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return project, nil
}

// CreateProject creates a new project in initializing status
func (b *PostgresBackend) CreateProject(ctx context.Context, userId, name string) (*types.Project, error) {
	query := `
		INSERT INTO project (user_id, name)
		VALUES ($1, $2)
		RETURNING ` + projectColumns

	project, err := scanProject(b.db.QueryRowContext(ctx, query, userId, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return project, nil
}

// GetProjectByExternalId retrieves a project by external UUID. Soft-deleted
// projects are still returned; callers check DeletedAt when it matters.
func (b *PostgresBackend) GetProjectByExternalId(ctx context.Context, externalId string) (*types.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM project
		WHERE external_id = $1
	`

	project, err := scanProject(b.db.QueryRowContext(ctx, query, externalId))
	if err == sql.ErrNoRows {
		return nil, &types.ErrProjectNotFound{ExternalId: externalId}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project by external id: %w", err)
	}

	return project, nil
}

// ListProjectsForUser returns the user's projects, newest first, excluding
// soft-deleted ones.
func (b *PostgresBackend) ListProjectsForUser(ctx context.Context, userId string) ([]*types.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM project
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := b.db.QueryContext(ctx, query, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*types.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

// GetActiveProjectForUser returns the user's project in an active status, or
// nil when there is none.
func (b *PostgresBackend) GetActiveProjectForUser(ctx context.Context, userId string) (*types.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM project
		WHERE user_id = $1
		  AND deleted_at IS NULL
		  AND status IN ('initializing', 'building', 'ready')
		ORDER BY last_active_at DESC
		LIMIT 1
	`

	project, err := scanProject(b.db.QueryRowContext(ctx, query, userId))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active project: %w", err)
	}

	return project, nil
}

// UpdateProjectStatus updates a project's lifecycle status
func (b *PostgresBackend) UpdateProjectStatus(ctx context.Context, id uint, status types.ProjectStatus) error {
	query := `
		UPDATE project
		SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	return b.execProjectUpdate(ctx, query, id, status)
}

// UpdateProjectPreviewUrl records the preview URL of the running sandbox
func (b *PostgresBackend) UpdateProjectPreviewUrl(ctx context.Context, id uint, previewUrl string) error {
	query := `
		UPDATE project
		SET preview_url = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	return b.execProjectUpdate(ctx, query, id, previewUrl)
}

// UpdateProjectBuildStatus records the outcome of a deploy attempt
func (b *PostgresBackend) UpdateProjectBuildStatus(ctx context.Context, id uint, status types.BuildStatus, deploymentUrl string) error {
	query := `
		UPDATE project
		SET build_status = $2, deployment_url = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	result, err := b.db.ExecContext(ctx, query, id, status, deploymentUrl)
	if err != nil {
		return fmt.Errorf("failed to update build status: %w", err)
	}
	return b.requireRow(result, id)
}

// TouchProjectActivity bumps last_active_at, which drives idle reaping
func (b *PostgresBackend) TouchProjectActivity(ctx context.Context, id uint) error {
	query := `
		UPDATE project
		SET last_active_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	result, err := b.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to touch project activity: %w", err)
	}
	return b.requireRow(result, id)
}

// SoftDeleteProject marks the project deleted without removing its rows
func (b *PostgresBackend) SoftDeleteProject(ctx context.Context, id uint) error {
	query := `
		UPDATE project
		SET status = 'deleted', deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND deleted_at IS NULL
	`

	result, err := b.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return b.requireRow(result, id)
}

func (b *PostgresBackend) execProjectUpdate(ctx context.Context, query string, id uint, arg any) error {
	result, err := b.db.ExecContext(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return b.requireRow(result, id)
}

func (b *PostgresBackend) requireRow(result sql.Result, id uint) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &types.ErrProjectNotFound{ExternalId: fmt.Sprintf("%d", id)}
	}
	return nil
}
