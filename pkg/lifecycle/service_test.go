package lifecycle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/skiff-cloud/skiff/pkg/agent"
	"github.com/skiff-cloud/skiff/pkg/clients"
	"github.com/skiff-cloud/skiff/pkg/cluster"
	"github.com/skiff-cloud/skiff/pkg/readiness"
	"github.com/skiff-cloud/skiff/pkg/repository"
	"github.com/skiff-cloud/skiff/pkg/snapshot"
	"github.com/skiff-cloud/skiff/pkg/types"
)

// cannedExecutor answers exec calls by first matching substring
type cannedExecutor struct {
	responses map[string]string
	errors    map[string]error
}

func (e *cannedExecutor) Exec(ctx context.Context, namespace, pod, container string, command []string) (string, string, error) {
	cmd := strings.Join(command, " ")
	for marker, err := range e.errors {
		if strings.Contains(cmd, marker) {
			return "", "", err
		}
	}
	for marker, out := range e.responses {
		if strings.Contains(cmd, marker) {
			return out, "", nil
		}
	}
	return "", "", nil
}

// readySource reports a running, ready instance on every poll
type readySource struct{}

func (readySource) InstanceStatus(ctx context.Context, projectId string) (*cluster.InstanceStatus, error) {
	return &cluster.InstanceStatus{Phase: corev1.PodRunning, ContainerState: "running", Ready: true}, nil
}

func (readySource) RecentLogs(ctx context.Context, projectId string, windowSeconds int64) string {
	return "VITE v5.0.0  ready in 431 ms"
}

func (readySource) PreviewURL(projectId string) string {
	return cluster.DerivePreviewURL(projectId, "preview.skiff.dev")
}

// recordingSink counts terminal events and records everything
type recordingSink struct {
	events []recordedEvent
}

type recordedEvent struct {
	name string
	data any
}

func (r *recordingSink) Send(event string, data any) error {
	r.events = append(r.events, recordedEvent{name: event, data: data})
	return nil
}

func (r *recordingSink) terminalCount() int {
	n := 0
	for _, e := range r.events {
		if e.name == types.EventComplete || e.name == types.EventError {
			n++
		}
	}
	return n
}

func (r *recordingSink) lastEvent() recordedEvent {
	return r.events[len(r.events)-1]
}

// stubCapability completes every task in one pass
type stubCapability struct {
	execErr error
}

func (s *stubCapability) Plan(ctx context.Context, req agent.PlanRequest) ([]agent.PlannedTask, error) {
	return nil, errors.New("no planner in tests")
}

func (s *stubCapability) Execute(ctx context.Context, req agent.TaskRequest, run agent.ToolFunc) (*agent.ExecuteResult, error) {
	if s.execErr != nil {
		return nil, s.execErr
	}
	return &agent.ExecuteResult{Summary: "made the change"}, nil
}

func (s *stubCapability) Verify(ctx context.Context, req agent.TaskRequest, result *agent.ExecuteResult) (*agent.VerifyResult, error) {
	return &agent.VerifyResult{Correct: true}, nil
}

func (s *stubCapability) Fix(ctx context.Context, req agent.TaskRequest, run agent.ToolFunc) (*agent.ExecuteResult, error) {
	return &agent.ExecuteResult{Summary: "fixed"}, nil
}

func (s *stubCapability) Summarize(ctx context.Context, req agent.SummarizeRequest) (string, error) {
	return "added the navbar", nil
}

// statusTrackingRepo records every project status written through it
type statusTrackingRepo struct {
	repository.BackendRepository
	statuses []types.ProjectStatus
}

func (r *statusTrackingRepo) UpdateProjectStatus(ctx context.Context, projectId uint, status types.ProjectStatus) error {
	r.statuses = append(r.statuses, status)
	return r.BackendRepository.UpdateProjectStatus(ctx, projectId, status)
}

type fixture struct {
	service  *Service
	repo     *statusTrackingRepo
	client   *fake.Clientset
	executor *cannedExecutor
	blobs    *clients.MemoryBlobStore
}

func newFixture(t *testing.T, capability agent.Capability) *fixture {
	t.Helper()

	cfg := types.AppConfig{Mode: types.ModeLocal}
	cfg.Cluster.ApplyDefaults()
	cfg.Agent.ApplyDefaults()
	cfg.Storage.PublicBaseUrl = "https://cdn.skiff.dev"
	cfg.Readiness = types.ReadinessConfig{PollInterval: time.Millisecond, Timeout: time.Second}

	client := fake.NewSimpleClientset()

	// The fake clientset runs no controllers, so creating a workload spawns
	// its pod here. The pod is seeded through the tracker: the clientset's
	// own mutex is held while reactors run, so a nested Pods().Create from
	// inside the reactor would deadlock.
	podSeq := 0
	client.PrependReactor("create", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		deployment := action.(k8stesting.CreateAction).GetObject().(*appsv1.Deployment)
		podSeq++
		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      fmt.Sprintf("%s-r%d", deployment.Name, podSeq),
				Namespace: deployment.Namespace,
				Labels:    deployment.Spec.Template.Labels,
			},
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
		}
		if err := client.Tracker().Add(pod); err != nil {
			return true, nil, err
		}
		return false, nil, nil
	})

	executor := &cannedExecutor{responses: map[string]string{}, errors: map[string]error{}}
	controller := cluster.NewControllerWithClient(client, executor, cfg.Cluster)

	repo := &statusTrackingRepo{BackendRepository: repository.NewMemoryBackend()}
	blobs := clients.NewMemoryBlobStore()
	snapshots := snapshot.NewManager(controller, blobs, repo, cfg.Cluster.WorkDir)
	orchestrator := agent.NewOrchestrator(capability, cfg.Agent)
	sessions := agent.NewLocalSessionCache(cfg.Agent.SessionTTL)
	poller := readiness.NewPoller(readySource{}, cfg.Readiness)

	return &fixture{
		service:  NewService(repo, controller, snapshots, orchestrator, sessions, blobs, poller, cfg),
		repo:     repo,
		client:   client,
		executor: executor,
		blobs:    blobs,
	}
}

// addRunningPod registers a running pod so exec-based operations work
func (f *fixture) addRunningPod(t *testing.T, externalId string) {
	t.Helper()
	name := cluster.DeriveWorkloadName(externalId)
	_, err := f.client.CoreV1().Pods("skiff").Create(context.Background(), &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-abc12",
			Namespace: "skiff",
			Labels:    map[string]string{cluster.LabelApp: name},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}, metav1.CreateOptions{})
	require.NoError(t, err)
}

// readyProject creates a project directly in ready status
func (f *fixture) readyProject(t *testing.T, userId string) *types.Project {
	t.Helper()
	project, err := f.repo.CreateProject(context.Background(), userId, "demo")
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateProjectStatus(context.Background(), project.Id, types.ProjectStatusReady))
	project.Status = types.ProjectStatusReady
	f.addRunningPod(t, project.ExternalId)
	return project
}

func buildTestArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestCreateProjectHappyPath(t *testing.T) {
	f := newFixture(t, &stubCapability{})
	sink := &recordingSink{}

	project, err := f.service.CreateProject(context.Background(), "user-1", "demo", sink)
	require.NoError(t, err)
	require.NotNil(t, project)

	assert.Equal(t, 1, sink.terminalCount())
	assert.Equal(t, types.EventComplete, sink.lastEvent().name)

	complete := sink.lastEvent().data.(types.CompleteEvent)
	assert.Equal(t, project.ExternalId, complete.ProjectId)
	assert.NotEmpty(t, complete.PreviewUrl)

	stored, err := f.repo.GetProjectByExternalId(context.Background(), project.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStatusReady, stored.Status)
	assert.Equal(t, complete.PreviewUrl, stored.PreviewUrl)

	// the record moved through every startup status in order
	assert.Equal(t, []types.ProjectStatus{
		types.ProjectStatusInitializing,
		types.ProjectStatusBuilding,
		types.ProjectStatusReady,
	}, f.repo.statuses)

	// the workload create seeded a schedulable pod
	pods, err := f.client.CoreV1().Pods("skiff").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, pods.Items, 1)
	assert.Equal(t, cluster.DeriveWorkloadName(project.ExternalId), pods.Items[0].Labels[cluster.LabelApp])
	assert.Equal(t, corev1.PodRunning, pods.Items[0].Status.Phase)
}

func TestCreateProjectGateConflict(t *testing.T) {
	f := newFixture(t, &stubCapability{})

	first, err := f.service.CreateProject(context.Background(), "user-1", "demo", &recordingSink{})
	require.NoError(t, err)

	sink := &recordingSink{}
	_, err = f.service.CreateProject(context.Background(), "user-1", "second", sink)
	require.Error(t, err)

	var active *types.ErrSandboxActive
	require.ErrorAs(t, err, &active)
	assert.Equal(t, first.ExternalId, active.ExternalId)
	assert.NotEmpty(t, active.PreviewUrl)

	// still exactly one terminal event on the failed stream
	assert.Equal(t, 1, sink.terminalCount())
	assert.Equal(t, types.EventError, sink.lastEvent().name)

	// a different user is unaffected
	_, err = f.service.CreateProject(context.Background(), "user-2", "demo", &recordingSink{})
	assert.NoError(t, err)
}

func TestOpenProjectAlreadyRunning(t *testing.T) {
	f := newFixture(t, &stubCapability{})
	project := f.readyProject(t, "user-1")

	// mark the pod's container ready
	pods, err := f.client.CoreV1().Pods("skiff").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	pod := pods.Items[0]
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "sandbox", Ready: true, State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
	}
	_, err = f.client.CoreV1().Pods("skiff").UpdateStatus(context.Background(), &pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	sink := &recordingSink{}
	err = f.service.OpenProject(context.Background(), "user-1", project.ExternalId, sink)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.terminalCount())
	assert.Equal(t, types.EventComplete, sink.lastEvent().name)
}

func TestOpenProjectForeignUserIsNotFound(t *testing.T) {
	f := newFixture(t, &stubCapability{})
	project := f.readyProject(t, "user-1")

	sink := &recordingSink{}
	err := f.service.OpenProject(context.Background(), "user-2", project.ExternalId, sink)
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
	assert.Equal(t, types.EventError, sink.lastEvent().name)
}

func TestChatPersistsTurnsAndCompletes(t *testing.T) {
	f := newFixture(t, &stubCapability{})
	project := f.readyProject(t, "user-1")
	f.executor.responses["find"] = "/app\n/app/src\n/app/src/App.tsx"

	sink := &recordingSink{}
	err := f.service.Chat(context.Background(), "user-1", project.ExternalId, "add a navbar", sink)
	require.NoError(t, err)

	assert.Equal(t, 1, sink.terminalCount())
	complete := sink.lastEvent().data.(types.CompleteEvent)
	assert.Equal(t, "added the navbar", complete.Summary)

	turns, err := f.repo.ListConversationTurns(context.Background(), project.Id, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, types.TurnRoleUser, turns[0].Role)
	assert.Equal(t, "add a navbar", turns[0].Content)
	assert.Equal(t, types.TurnRoleAssistant, turns[1].Role)
	assert.Equal(t, "added the navbar", turns[1].Content)
}

func TestChatFailureEmitsSingleErrorEvent(t *testing.T) {
	f := newFixture(t, &stubCapability{execErr: errors.New("model exploded")})
	project := f.readyProject(t, "user-1")

	sink := &recordingSink{}
	err := f.service.Chat(context.Background(), "user-1", project.ExternalId, "do a thing", sink)
	require.Error(t, err)

	assert.Equal(t, 1, sink.terminalCount())
	assert.Equal(t, types.EventError, sink.lastEvent().name)
}

func TestChatRequiresReadyProject(t *testing.T) {
	f := newFixture(t, &stubCapability{})
	project, err := f.repo.CreateProject(context.Background(), "user-1", "demo")
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateProjectStatus(context.Background(), project.Id, types.ProjectStatusHibernated))

	sink := &recordingSink{}
	err = f.service.Chat(context.Background(), "user-1", project.ExternalId, "x", sink)
	require.Error(t, err)
	assert.Equal(t, types.EventError, sink.lastEvent().name)
}

func TestDeployHappyPath(t *testing.T) {
	f := newFixture(t, &stubCapability{})
	project := f.readyProject(t, "user-1")

	archive := buildTestArchive(t, map[string]string{
		"dist/index.html":       `<script src="/assets/index.js"></script>`,
		"dist/assets/index.js":  `console.log("hi")`,
		"dist/assets/index.css": "body{}",
	})
	f.executor.responses["npm run build"] = "vite building...\n✓ built in 1.2s"
	f.executor.responses["tar czf - -C"] = base64.StdEncoding.EncodeToString(archive)

	sink := &recordingSink{}
	err := f.service.Deploy(context.Background(), "user-1", project.ExternalId, sink)
	require.NoError(t, err)

	assert.Equal(t, 1, sink.terminalCount())
	complete := sink.lastEvent().data.(types.CompleteEvent)
	assert.Equal(t, "https://cdn.skiff.dev/deployments/"+project.ExternalId+"/", complete.DeploymentUrl)

	stored, err := f.repo.GetProjectByExternalId(context.Background(), project.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusDeployed, stored.BuildStatus)
	assert.Equal(t, complete.DeploymentUrl, stored.DeploymentUrl)

	// artifacts landed under the deployment prefix with refs rewritten
	html, err := f.blobs.Get(context.Background(), "deployments/"+project.ExternalId+"/index.html")
	require.NoError(t, err)
	assert.Contains(t, string(html), "/deployments/"+project.ExternalId+"/assets/index.js")

	_, err = f.blobs.Get(context.Background(), "deployments/"+project.ExternalId+"/assets/index.css")
	assert.NoError(t, err)
}

func TestDeployBuildFailureMarksBuildFailed(t *testing.T) {
	f := newFixture(t, &stubCapability{})
	project := f.readyProject(t, "user-1")

	// error output without the success marker
	f.executor.responses["npm run build"] = "src/App.tsx:4:10 - error TS2304: Cannot find name 'useSate'."

	sink := &recordingSink{}
	err := f.service.Deploy(context.Background(), "user-1", project.ExternalId, sink)
	require.Error(t, err)

	assert.Equal(t, 1, sink.terminalCount())
	last := sink.lastEvent()
	assert.Equal(t, types.EventError, last.name)
	errorEvent := last.data.(types.ErrorEvent)
	assert.Contains(t, errorEvent.Details, "TS2304")

	stored, err := f.repo.GetProjectByExternalId(context.Background(), project.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, stored.BuildStatus)
	// the sandbox itself stays healthy
	assert.Equal(t, types.ProjectStatusReady, stored.Status)
}

func TestSaveSnapshotRequiresActiveSandbox(t *testing.T) {
	f := newFixture(t, &stubCapability{})
	project, err := f.repo.CreateProject(context.Background(), "user-1", "demo")
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateProjectStatus(context.Background(), project.Id, types.ProjectStatusHibernated))

	_, err = f.service.SaveSnapshot(context.Background(), "user-1", project.ExternalId)
	assert.Error(t, err)
}

func TestDeleteProjectSoftDeletes(t *testing.T) {
	f := newFixture(t, &stubCapability{})
	project := f.readyProject(t, "user-1")

	require.NoError(t, f.service.DeleteProject(context.Background(), "user-1", project.ExternalId))

	// gone from the API surface
	_, err := f.service.ResolveProject(context.Background(), "user-1", project.ExternalId)
	assert.True(t, types.IsNotFound(err))

	// but the record survives
	stored, err := f.repo.GetProjectByExternalId(context.Background(), project.ExternalId)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeletedAt)
}

func TestRestartRebuildsFromSnapshot(t *testing.T) {
	f := newFixture(t, &stubCapability{})
	project := f.readyProject(t, "user-1")

	// seed a stored snapshot and make restore-side commands succeed
	archive := buildTestArchive(t, map[string]string{"package.json": `{"name":"demo"}`})
	require.NoError(t, f.blobs.Put(context.Background(), "snapshots/p/1.tar.gz", archive, "application/gzip"))
	_, err := f.repo.CreateSnapshot(context.Background(), project.Id, "snapshots/p/1.tar.gz", int64(len(archive)))
	require.NoError(t, err)

	// snapshot create during restart will fail (no tar output), which is
	// tolerated; restore path commands all succeed as no-ops
	f.executor.errors["tar czf /tmp/skiff-snapshot"] = errors.New("tar failed")

	sink := &recordingSink{}
	err = f.service.RestartProject(context.Background(), "user-1", project.ExternalId, sink)
	require.NoError(t, err)

	assert.Equal(t, 1, sink.terminalCount())
	assert.Equal(t, types.EventComplete, sink.lastEvent().name)

	stored, err := f.repo.GetProjectByExternalId(context.Background(), project.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStatusReady, stored.Status)
}
