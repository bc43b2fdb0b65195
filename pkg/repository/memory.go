package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skiff-cloud/skiff/pkg/types"
)

// MemoryBackend implements BackendRepository in process memory. It backs
// local mode and tests; nothing survives a restart.
type MemoryBackend struct {
	mu sync.RWMutex

	nextProjectId  uint
	nextSnapshotId uint
	nextTurnId     uint

	projects  map[uint]*types.Project
	snapshots []*types.Snapshot
	turns     []*types.ConversationTurn
}

var _ BackendRepository = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		nextProjectId:  1,
		nextSnapshotId: 1,
		nextTurnId:     1,
		projects:       map[uint]*types.Project{},
	}
}

func (m *MemoryBackend) CreateProject(ctx context.Context, userId, name string) (*types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	project := &types.Project{
		Id:           m.nextProjectId,
		ExternalId:   uuid.NewString(),
		UserId:       userId,
		Name:         name,
		Status:       types.ProjectStatusInitializing,
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.nextProjectId++
	m.projects[project.Id] = project

	copied := *project
	return &copied, nil
}

func (m *MemoryBackend) GetProjectByExternalId(ctx context.Context, externalId string) (*types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, project := range m.projects {
		if project.ExternalId == externalId {
			copied := *project
			return &copied, nil
		}
	}
	return nil, &types.ErrProjectNotFound{ExternalId: externalId}
}

func (m *MemoryBackend) ListProjectsForUser(ctx context.Context, userId string) ([]*types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var projects []*types.Project
	for _, project := range m.projects {
		if project.UserId == userId && project.DeletedAt == nil {
			copied := *project
			projects = append(projects, &copied)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

func (m *MemoryBackend) GetActiveProjectForUser(ctx context.Context, userId string) (*types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *types.Project
	for _, project := range m.projects {
		if project.UserId != userId || project.DeletedAt != nil || !project.Status.IsActive() {
			continue
		}
		if latest == nil || project.LastActiveAt.After(latest.LastActiveAt) {
			latest = project
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (m *MemoryBackend) UpdateProjectStatus(ctx context.Context, id uint, status types.ProjectStatus) error {
	return m.updateProject(id, func(p *types.Project) {
		p.Status = status
	})
}

func (m *MemoryBackend) UpdateProjectPreviewUrl(ctx context.Context, id uint, previewUrl string) error {
	return m.updateProject(id, func(p *types.Project) {
		p.PreviewUrl = previewUrl
	})
}

func (m *MemoryBackend) UpdateProjectBuildStatus(ctx context.Context, id uint, status types.BuildStatus, deploymentUrl string) error {
	return m.updateProject(id, func(p *types.Project) {
		p.BuildStatus = status
		p.DeploymentUrl = deploymentUrl
	})
}

func (m *MemoryBackend) TouchProjectActivity(ctx context.Context, id uint) error {
	return m.updateProject(id, func(p *types.Project) {
		p.LastActiveAt = time.Now()
	})
}

func (m *MemoryBackend) SoftDeleteProject(ctx context.Context, id uint) error {
	now := time.Now()
	return m.updateProject(id, func(p *types.Project) {
		p.Status = types.ProjectStatusDeleted
		p.DeletedAt = &now
	})
}

func (m *MemoryBackend) CreateSnapshot(ctx context.Context, projectId uint, storageKey string, sizeBytes int64) (*types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := &types.Snapshot{
		Id:         m.nextSnapshotId,
		ExternalId: uuid.NewString(),
		ProjectId:  projectId,
		StorageKey: storageKey,
		SizeBytes:  sizeBytes,
		CreatedAt:  time.Now(),
	}
	m.nextSnapshotId++
	m.snapshots = append(m.snapshots, snapshot)

	copied := *snapshot
	return &copied, nil
}

func (m *MemoryBackend) GetLatestSnapshot(ctx context.Context, projectId uint) (*types.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].ProjectId == projectId {
			copied := *m.snapshots[i]
			return &copied, nil
		}
	}
	return nil, &types.ErrSnapshotNotFound{ProjectId: projectId}
}

func (m *MemoryBackend) HasSnapshots(ctx context.Context, projectId uint) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, snapshot := range m.snapshots {
		if snapshot.ProjectId == projectId {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryBackend) AppendConversationTurn(ctx context.Context, projectId uint, role types.TurnRole, content string, toolCalls, fileDiffs json.RawMessage) (*types.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	turn := &types.ConversationTurn{
		Id:        m.nextTurnId,
		ProjectId: projectId,
		Role:      role,
		Content:   content,
		ToolCalls: toolCalls,
		FileDiffs: fileDiffs,
		CreatedAt: time.Now(),
	}
	m.nextTurnId++
	m.turns = append(m.turns, turn)

	copied := *turn
	return &copied, nil
}

func (m *MemoryBackend) ListConversationTurns(ctx context.Context, projectId uint, limit int) ([]*types.ConversationTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var turns []*types.ConversationTurn
	for _, turn := range m.turns {
		if turn.ProjectId == projectId {
			copied := *turn
			turns = append(turns, &copied)
		}
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

func (m *MemoryBackend) updateProject(id uint, apply func(*types.Project)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	project, ok := m.projects[id]
	if !ok {
		return &types.ErrProjectNotFound{ExternalId: ""}
	}
	apply(project)
	project.UpdatedAt = time.Now()
	return nil
}
