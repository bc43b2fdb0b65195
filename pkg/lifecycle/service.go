package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/skiff-cloud/skiff/pkg/agent"
	"github.com/skiff-cloud/skiff/pkg/clients"
	"github.com/skiff-cloud/skiff/pkg/cluster"
	"github.com/skiff-cloud/skiff/pkg/readiness"
	"github.com/skiff-cloud/skiff/pkg/repository"
	"github.com/skiff-cloud/skiff/pkg/snapshot"
	"github.com/skiff-cloud/skiff/pkg/types"
)

const uploadConcurrency = 8

// Service implements the project lifecycle flows: create, open, restart,
// chat, deploy, snapshot, delete. Streamed flows emit exactly one terminal
// event (complete or error) per invocation; the same error is also returned
// for logging.
type Service struct {
	repo         repository.BackendRepository
	controller   *cluster.Controller
	snapshots    *snapshot.Manager
	orchestrator *agent.Orchestrator
	sessions     agent.SessionCache
	blobs        clients.BlobStore
	poller       *readiness.Poller
	cfg          types.AppConfig
}

func NewService(
	repo repository.BackendRepository,
	controller *cluster.Controller,
	snapshots *snapshot.Manager,
	orchestrator *agent.Orchestrator,
	sessions agent.SessionCache,
	blobs clients.BlobStore,
	poller *readiness.Poller,
	cfg types.AppConfig,
) *Service {
	return &Service{
		repo:         repo,
		controller:   controller,
		snapshots:    snapshots,
		orchestrator: orchestrator,
		sessions:     sessions,
		blobs:        blobs,
		poller:       poller,
		cfg:          cfg,
	}
}

// ResolveProject loads a project and checks ownership. Foreign projects
// surface as not-found so the API never confirms their existence.
func (s *Service) ResolveProject(ctx context.Context, userId, externalId string) (*types.Project, error) {
	project, err := s.repo.GetProjectByExternalId(ctx, externalId)
	if err != nil {
		return nil, err
	}
	if project.UserId != userId || project.DeletedAt != nil {
		return nil, &types.ErrProjectNotFound{ExternalId: externalId}
	}
	return project, nil
}

// CheckSandboxGate enforces the one-active-sandbox-per-user limit. The gate
// is read-then-act, so two truly simultaneous creates can both pass; the
// workload name collision in the cluster then fails the loser, which keeps
// the invariant without a distributed lock.
func (s *Service) CheckSandboxGate(ctx context.Context, userId string) error {
	active, err := s.repo.GetActiveProjectForUser(ctx, userId)
	if err != nil {
		return fmt.Errorf("check sandbox gate: %w", err)
	}
	if active != nil {
		return &types.ErrSandboxActive{ExternalId: active.ExternalId, PreviewUrl: active.PreviewUrl}
	}
	return nil
}

// CreateProject provisions a fresh sandbox from the template and streams
// startup progress until the dev server is ready.
func (s *Service) CreateProject(ctx context.Context, userId, name string, sink types.EventSink) (*types.Project, error) {
	if err := s.CheckSandboxGate(ctx, userId); err != nil {
		return nil, s.fail(sink, err)
	}

	project, err := s.repo.CreateProject(ctx, userId, name)
	if err != nil {
		return nil, s.fail(sink, err)
	}

	if err := s.startSandbox(ctx, project, cluster.CreateOptions{}, sink); err != nil {
		return project, err
	}

	s.complete(sink, project)
	return project, nil
}

// OpenProject resumes an existing project. A project with a running sandbox
// completes immediately; a hibernated one is woken from its latest snapshot.
func (s *Service) OpenProject(ctx context.Context, userId, externalId string, sink types.EventSink) error {
	project, err := s.ResolveProject(ctx, userId, externalId)
	if err != nil {
		return s.fail(sink, err)
	}

	if project.Status.IsActive() {
		status, err := s.controller.InstanceStatus(ctx, project.ExternalId)
		if err != nil {
			return s.fail(sink, err)
		}
		if status != nil && status.Ready {
			if err := s.repo.TouchProjectActivity(ctx, project.Id); err != nil {
				log.Warn().Err(err).Str("project_id", project.ExternalId).Msg("failed to touch activity")
			}
			s.complete(sink, project)
			return nil
		}
		// Active on record but no healthy instance: rebuild it
		return s.restart(ctx, project, sink)
	}

	if project.Status != types.ProjectStatusHibernated && project.Status != types.ProjectStatusError {
		return s.fail(sink, fmt.Errorf("project %s cannot be opened from status %s", externalId, project.Status))
	}

	if err := s.CheckSandboxGate(ctx, userId); err != nil {
		return s.fail(sink, err)
	}
	return s.restart(ctx, project, sink)
}

// RestartProject tears the sandbox down and rebuilds it from the latest
// snapshot, saving one first when the sandbox is still reachable.
func (s *Service) RestartProject(ctx context.Context, userId, externalId string, sink types.EventSink) error {
	project, err := s.ResolveProject(ctx, userId, externalId)
	if err != nil {
		return s.fail(sink, err)
	}

	if project.Status.IsActive() {
		if _, err := s.snapshots.Create(ctx, project); err != nil {
			// The previous snapshot still exists; restart proceeds on it
			log.Warn().Err(err).Str("project_id", externalId).Msg("pre-restart snapshot failed")
		}
	}

	return s.restart(ctx, project, sink)
}

func (s *Service) restart(ctx context.Context, project *types.Project, sink types.EventSink) error {
	if err := s.controller.DeleteSandbox(ctx, project.ExternalId, true); err != nil {
		return s.failProject(ctx, sink, project, err)
	}

	hasSnapshot, err := s.snapshots.HasSnapshots(ctx, project)
	if err != nil {
		return s.failProject(ctx, sink, project, err)
	}

	// Without a snapshot there is nothing to restore; bootstrap from the
	// template instead of parking the sandbox behind the restore marker.
	opts := cluster.CreateOptions{SkipBootstrap: hasSnapshot}
	if err := s.startSandbox(ctx, project, opts, sink); err != nil {
		return err
	}

	s.complete(sink, project)
	return nil
}

// startSandbox creates the workload, restores a snapshot when bootstrap was
// skipped, and polls until ready. It marks the project errored and emits the
// terminal error event on any failure.
func (s *Service) startSandbox(ctx context.Context, project *types.Project, opts cluster.CreateOptions, sink types.EventSink) error {
	if err := s.repo.UpdateProjectStatus(ctx, project.Id, types.ProjectStatusInitializing); err != nil {
		return s.fail(sink, err)
	}
	project.Status = types.ProjectStatusInitializing

	previewUrl, err := s.controller.CreateSandbox(ctx, project.ExternalId, opts)
	if err != nil {
		return s.failProject(ctx, sink, project, err)
	}
	project.PreviewUrl = previewUrl
	if err := s.repo.UpdateProjectPreviewUrl(ctx, project.Id, previewUrl); err != nil {
		return s.failProject(ctx, sink, project, err)
	}

	// The workload exists; the sandbox is now bootstrapping toward ready
	if err := s.repo.UpdateProjectStatus(ctx, project.Id, types.ProjectStatusBuilding); err != nil {
		return s.failProject(ctx, sink, project, err)
	}
	project.Status = types.ProjectStatusBuilding

	if opts.SkipBootstrap {
		// The restore transfers files over exec, which needs a running pod
		if err := s.controller.WaitForRunningInstance(ctx, project.ExternalId, s.cfg.Readiness.Timeout); err != nil {
			return s.failProject(ctx, sink, project, err)
		}

		restored, err := s.snapshots.Restore(ctx, project)
		if err != nil {
			return s.failProject(ctx, sink, project, err)
		}
		if !restored {
			return s.failProject(ctx, sink, project, fmt.Errorf("no snapshot found for %s", project.ExternalId))
		}
		if err := s.controller.StartDevServer(ctx, project.ExternalId); err != nil {
			return s.failProject(ctx, sink, project, err)
		}
	}

	err = s.poller.WaitUntilReady(ctx, project.ExternalId, sink, func(ctx context.Context) error {
		if err := s.repo.UpdateProjectStatus(ctx, project.Id, types.ProjectStatusReady); err != nil {
			return err
		}
		return s.repo.TouchProjectActivity(ctx, project.Id)
	})
	if err != nil {
		return s.failProject(ctx, sink, project, err)
	}

	project.Status = types.ProjectStatusReady
	return nil
}

// Chat runs one user instruction through the task graph orchestrator and
// persists the exchange.
func (s *Service) Chat(ctx context.Context, userId, externalId, instruction string, sink types.EventSink) error {
	project, err := s.ResolveProject(ctx, userId, externalId)
	if err != nil {
		return s.fail(sink, err)
	}
	if project.Status != types.ProjectStatusReady {
		return s.fail(sink, fmt.Errorf("project %s is not ready for chat (status %s)", externalId, project.Status))
	}

	if err := s.repo.TouchProjectActivity(ctx, project.Id); err != nil {
		log.Warn().Err(err).Str("project_id", externalId).Msg("failed to touch activity")
	}
	if _, err := s.repo.AppendConversationTurn(ctx, project.Id, types.TurnRoleUser, instruction, nil, nil); err != nil {
		return s.fail(sink, err)
	}

	sessionId, err := s.sessions.GetOrCreate(ctx, project.ExternalId)
	if err != nil {
		return s.fail(sink, err)
	}

	tree, err := s.controller.FolderStructure(ctx, project.ExternalId)
	if err != nil {
		// Degraded context; the agent can still explore with tools
		log.Warn().Err(err).Str("project_id", externalId).Msg("failed to read folder structure")
	}

	history, err := s.renderHistory(ctx, project.Id)
	if err != nil {
		return s.fail(sink, err)
	}

	runner := agent.NewToolRunner(s.controller, project.ExternalId)
	result, err := s.orchestrator.Run(ctx, agent.RunRequest{
		SessionId:   sessionId,
		Instruction: instruction,
		ProjectTree: tree,
		History:     history,
	}, runner.Run, sink)
	if err != nil {
		return s.fail(sink, err)
	}

	s.persistTurn(ctx, project, result, runner.FilesChanged())

	// Auto-save so a mid-session eviction loses at most one turn
	if _, err := s.snapshots.Create(ctx, project); err != nil {
		log.Warn().Err(err).Str("project_id", externalId).Msg("post-turn snapshot failed")
	}

	if result.Failed {
		return s.fail(sink, fmt.Errorf("some tasks failed: %s", firstTaskError(result.Tasks)))
	}

	s.send(sink, types.EventComplete, types.CompleteEvent{
		ProjectId:  project.ExternalId,
		PreviewUrl: project.PreviewUrl,
		Summary:    result.Summary,
	})
	return nil
}

// Deploy builds the project inside its sandbox and publishes the artifacts
// to the blob store under the project's deployment prefix.
func (s *Service) Deploy(ctx context.Context, userId, externalId string, sink types.EventSink) error {
	project, err := s.ResolveProject(ctx, userId, externalId)
	if err != nil {
		return s.fail(sink, err)
	}
	if project.Status != types.ProjectStatusReady {
		return s.fail(sink, fmt.Errorf("project %s is not ready to deploy (status %s)", externalId, project.Status))
	}

	if err := s.repo.UpdateProjectBuildStatus(ctx, project.Id, types.BuildStatusBuilding, project.DeploymentUrl); err != nil {
		return s.fail(sink, err)
	}
	s.send(sink, types.EventStage, types.StageEvent{
		Stage:     "building",
		Message:   "Building project",
		ProjectId: project.ExternalId,
	})

	output, err := s.controller.BuildProject(ctx, project.ExternalId)
	if err != nil {
		return s.failDeploy(ctx, sink, project, err, output)
	}

	artifacts, err := s.controller.CopyBuiltArtifacts(ctx, project.ExternalId)
	if err != nil {
		return s.failDeploy(ctx, sink, project, err, "")
	}

	s.send(sink, types.EventStage, types.StageEvent{
		Stage:     "uploading",
		Message:   fmt.Sprintf("Uploading %d artifacts", len(artifacts)),
		ProjectId: project.ExternalId,
	})

	prefix := strings.TrimPrefix(cluster.DeploymentPrefix(project.ExternalId), "/")
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(uploadConcurrency)
	for _, artifact := range artifacts {
		artifact := artifact
		group.Go(func() error {
			key := path.Join(prefix, artifact.RelPath)
			if err := s.blobs.Put(groupCtx, key, artifact.Content, artifact.ContentType); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return s.failDeploy(ctx, sink, project, err, "")
	}

	deploymentUrl := strings.TrimRight(s.cfg.Storage.PublicBaseUrl, "/") + cluster.DeploymentPrefix(project.ExternalId) + "/"
	if err := s.repo.UpdateProjectBuildStatus(ctx, project.Id, types.BuildStatusDeployed, deploymentUrl); err != nil {
		return s.fail(sink, err)
	}

	log.Info().
		Str("project_id", externalId).
		Str("deployment_url", deploymentUrl).
		Int("artifacts", len(artifacts)).
		Msg("project deployed")

	s.send(sink, types.EventComplete, types.CompleteEvent{
		ProjectId:     project.ExternalId,
		DeploymentUrl: deploymentUrl,
	})
	return nil
}

// SaveSnapshot archives the working tree on demand
func (s *Service) SaveSnapshot(ctx context.Context, userId, externalId string) (*types.Snapshot, error) {
	project, err := s.ResolveProject(ctx, userId, externalId)
	if err != nil {
		return nil, err
	}
	if !project.Status.IsActive() {
		return nil, fmt.Errorf("project %s has no running sandbox to snapshot", externalId)
	}
	return s.snapshots.Create(ctx, project)
}

// HibernateProject snapshots the working tree and tears the sandbox down.
// The project can be woken later via OpenProject.
func (s *Service) HibernateProject(ctx context.Context, userId, externalId string) error {
	project, err := s.ResolveProject(ctx, userId, externalId)
	if err != nil {
		return err
	}
	if !project.Status.IsActive() {
		return nil
	}

	if _, err := s.snapshots.Create(ctx, project); err != nil {
		return fmt.Errorf("snapshot before hibernation: %w", err)
	}
	if err := s.controller.DeleteSandbox(ctx, project.ExternalId, false); err != nil {
		return err
	}
	return s.repo.UpdateProjectStatus(ctx, project.Id, types.ProjectStatusHibernated)
}

// DeleteProject tears down the sandbox and soft-deletes the record. Snapshot
// and conversation rows are kept.
func (s *Service) DeleteProject(ctx context.Context, userId, externalId string) error {
	project, err := s.ResolveProject(ctx, userId, externalId)
	if err != nil {
		return err
	}

	if err := s.controller.DeleteSandbox(ctx, project.ExternalId, false); err != nil {
		return err
	}
	if err := s.sessions.Invalidate(ctx, project.ExternalId); err != nil {
		log.Warn().Err(err).Str("project_id", externalId).Msg("failed to drop agent session")
	}
	return s.repo.SoftDeleteProject(ctx, project.Id)
}

// ListProjects returns the user's projects
func (s *Service) ListProjects(ctx context.Context, userId string) ([]*types.Project, error) {
	return s.repo.ListProjectsForUser(ctx, userId)
}

// Conversation returns the project's recent chat history
func (s *Service) Conversation(ctx context.Context, userId, externalId string, limit int) ([]*types.ConversationTurn, error) {
	project, err := s.ResolveProject(ctx, userId, externalId)
	if err != nil {
		return nil, err
	}
	return s.repo.ListConversationTurns(ctx, project.Id, limit)
}

func (s *Service) persistTurn(ctx context.Context, project *types.Project, result *agent.RunResult, filesChanged []string) {
	var toolCalls json.RawMessage
	var allCalls []types.ToolCall
	for _, task := range result.Tasks {
		allCalls = append(allCalls, task.ToolCalls...)
	}
	if len(allCalls) > 0 {
		if raw, err := json.Marshal(allCalls); err == nil {
			toolCalls = raw
		}
	}

	var fileDiffs json.RawMessage
	if len(filesChanged) > 0 {
		if raw, err := json.Marshal(filesChanged); err == nil {
			fileDiffs = raw
		}
	}

	content := result.Summary
	if content == "" {
		content = firstTaskError(result.Tasks)
	}
	if _, err := s.repo.AppendConversationTurn(ctx, project.Id, types.TurnRoleAssistant, content, toolCalls, fileDiffs); err != nil {
		log.Warn().Err(err).Str("project_id", project.ExternalId).Msg("failed to persist assistant turn")
	}
}

// renderHistory flattens recent conversation turns into planner context
func (s *Service) renderHistory(ctx context.Context, projectId uint) (string, error) {
	turns, err := s.repo.ListConversationTurns(ctx, projectId, s.cfg.Agent.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("load conversation history: %w", err)
	}

	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(string(turn.Role))
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// fail emits the terminal error event and passes the error through
func (s *Service) fail(sink types.EventSink, err error) error {
	s.send(sink, types.EventError, types.ErrorEvent{Error: err.Error()})
	return err
}

// failProject is fail plus marking the project errored
func (s *Service) failProject(ctx context.Context, sink types.EventSink, project *types.Project, err error) error {
	if updateErr := s.repo.UpdateProjectStatus(ctx, project.Id, types.ProjectStatusError); updateErr != nil {
		log.Warn().Err(updateErr).Str("project_id", project.ExternalId).Msg("failed to mark project errored")
	}
	project.Status = types.ProjectStatusError
	return s.fail(sink, err)
}

// failDeploy records the failed build and emits the terminal error event.
// A deploy failure never degrades the running sandbox, so project status is
// left alone.
func (s *Service) failDeploy(ctx context.Context, sink types.EventSink, project *types.Project, err error, buildOutput string) error {
	if updateErr := s.repo.UpdateProjectBuildStatus(ctx, project.Id, types.BuildStatusFailed, project.DeploymentUrl); updateErr != nil {
		log.Warn().Err(updateErr).Str("project_id", project.ExternalId).Msg("failed to mark build failed")
	}
	s.send(sink, types.EventError, types.ErrorEvent{Error: err.Error(), Details: buildOutput})
	return err
}

func (s *Service) complete(sink types.EventSink, project *types.Project) {
	s.send(sink, types.EventComplete, types.CompleteEvent{
		ProjectId:  project.ExternalId,
		PreviewUrl: project.PreviewUrl,
	})
}

func (s *Service) send(sink types.EventSink, event string, data any) {
	if err := sink.Send(event, data); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("failed to emit event")
	}
}

func firstTaskError(tasks []*types.AgentTask) string {
	for _, task := range tasks {
		if task.Status == types.AgentTaskStatusFailed && task.Error != "" {
			return task.Error
		}
	}
	return "task execution failed"
}
