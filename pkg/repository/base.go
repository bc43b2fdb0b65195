package repository

import (
	"context"
	"encoding/json"

	"github.com/skiff-cloud/skiff/pkg/types"
)

// BackendRepository is the persistence interface for projects, snapshots and
// conversation history. Postgres backs it in cluster deployments; the memory
// backend serves local mode and tests.
type BackendRepository interface {
	// Project methods
	CreateProject(ctx context.Context, userId, name string) (*types.Project, error)
	GetProjectByExternalId(ctx context.Context, externalId string) (*types.Project, error)
	ListProjectsForUser(ctx context.Context, userId string) ([]*types.Project, error)

	// GetActiveProjectForUser returns the user's project in an active status,
	// or nil when the user has none. Feeds the one-active-sandbox gate.
	GetActiveProjectForUser(ctx context.Context, userId string) (*types.Project, error)

	UpdateProjectStatus(ctx context.Context, id uint, status types.ProjectStatus) error
	UpdateProjectPreviewUrl(ctx context.Context, id uint, previewUrl string) error
	UpdateProjectBuildStatus(ctx context.Context, id uint, status types.BuildStatus, deploymentUrl string) error
	TouchProjectActivity(ctx context.Context, id uint) error

	// SoftDeleteProject marks the project deleted; rows are kept so snapshot
	// and conversation history stay queryable.
	SoftDeleteProject(ctx context.Context, id uint) error

	// Snapshot methods
	CreateSnapshot(ctx context.Context, projectId uint, storageKey string, sizeBytes int64) (*types.Snapshot, error)
	GetLatestSnapshot(ctx context.Context, projectId uint) (*types.Snapshot, error)
	HasSnapshots(ctx context.Context, projectId uint) (bool, error)

	// Conversation methods
	AppendConversationTurn(ctx context.Context, projectId uint, role types.TurnRole, content string, toolCalls, fileDiffs json.RawMessage) (*types.ConversationTurn, error)
	ListConversationTurns(ctx context.Context, projectId uint, limit int) ([]*types.ConversationTurn, error)

	Close() error
}
