package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/skiff-cloud/skiff/pkg/types"
)

const (
	containerName = "sandbox"

	deleteWaitPollInterval = 2 * time.Second

	// restoreMarkerPath gates the dev server in skip-bootstrap sandboxes:
	// the startup script blocks until the snapshot restore touches it.
	restoreMarkerPath = "/tmp/.skiff-restored"
)

// Controller translates project IDs into cluster resources and provides
// file/command I/O into the running sandbox.
type Controller struct {
	client   kubernetes.Interface
	executor PodExecutor
	cfg      types.ClusterConfig
}

// CreateOptions controls sandbox bootstrap behavior
type CreateOptions struct {
	// SkipBootstrap skips the template clone so a snapshot restore can
	// populate the working tree instead. The two are mutually exclusive
	// per creation.
	SkipBootstrap bool
}

// InstanceStatus describes the single sandbox instance of a workload
type InstanceStatus struct {
	Phase          corev1.PodPhase
	ContainerState string
	Ready          bool
}

// NewController builds a controller against a live cluster, using the
// kubeconfig at cfg.KubeconfigPath or in-cluster config when empty.
func NewController(cfg types.ClusterConfig) (*Controller, error) {
	cfg.ApplyDefaults()

	var restConfig *rest.Config
	var err error
	if cfg.KubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return &Controller{
		client:   client,
		executor: NewSPDYPodExecutor(client, restConfig),
		cfg:      cfg,
	}, nil
}

// NewControllerWithClient builds a controller on an injected client and
// executor, for tests.
func NewControllerWithClient(client kubernetes.Interface, executor PodExecutor, cfg types.ClusterConfig) *Controller {
	cfg.ApplyDefaults()
	return &Controller{client: client, executor: executor, cfg: cfg}
}

// Config returns the cluster configuration
func (c *Controller) Config() types.ClusterConfig {
	return c.cfg
}

// PreviewURL returns the preview URL for a project
func (c *Controller) PreviewURL(projectId string) string {
	return DerivePreviewURL(projectId, c.cfg.PreviewDomain)
}

// CreateSandbox creates the sandbox workload and its network service.
// Not idempotent: a second create for the same project ID fails with the
// platform's conflict error, surfaced verbatim. When service creation fails
// the already-created workload is deleted best-effort before re-raising.
func (c *Controller) CreateSandbox(ctx context.Context, projectId string, opts CreateOptions) (string, error) {
	name := DeriveWorkloadName(projectId)

	deployment := c.buildDeployment(name, projectId, opts)
	if _, err := c.client.AppsV1().Deployments(c.cfg.Namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create workload %s: %w", name, err)
	}

	service := c.buildService(name, projectId)
	if _, err := c.client.CoreV1().Services(c.cfg.Namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil {
		// Compensate so a retry does not hit a half-created sandbox
		if delErr := c.client.AppsV1().Deployments(c.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); delErr != nil && !apierrors.IsNotFound(delErr) {
			log.Warn().Err(delErr).Str("workload", name).Msg("failed to clean up workload after service create failure")
		}
		return "", fmt.Errorf("create service %s: %w", name, err)
	}

	previewUrl := c.PreviewURL(projectId)
	log.Info().
		Str("project_id", projectId).
		Str("workload", name).
		Bool("skip_bootstrap", opts.SkipBootstrap).
		Str("preview_url", previewUrl).
		Msg("sandbox created")

	return previewUrl, nil
}

// DeleteSandbox deletes the workload and service, ignoring not-found from
// either. When wait is set it blocks until every pod of the workload is gone,
// which is required before recreating a workload of the same name.
func (c *Controller) DeleteSandbox(ctx context.Context, projectId string, wait bool) error {
	name := DeriveWorkloadName(projectId)

	if err := c.client.AppsV1().Deployments(c.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete workload %s: %w", name, err)
	}
	if err := c.client.CoreV1().Services(c.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete service %s: %w", name, err)
	}

	// Delete pods directly rather than waiting for cascade collection
	if err := c.client.CoreV1().Pods(c.cfg.Namespace).DeleteCollection(ctx, metav1.DeleteOptions{}, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelApp, name),
	}); err != nil && !apierrors.IsNotFound(err) {
		log.Warn().Err(err).Str("workload", name).Msg("failed to delete workload pods")
	}

	log.Info().Str("project_id", projectId).Str("workload", name).Msg("sandbox deleted")

	if !wait {
		return nil
	}

	deadline := time.Now().Add(c.cfg.DeleteWaitTimeout)
	for {
		pods, err := c.listPods(ctx, name)
		if err != nil {
			return fmt.Errorf("wait for teardown of %s: %w", name, err)
		}
		if len(pods) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for teardown of %s", name)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(deleteWaitPollInterval):
		}
	}
}

// InstanceStatus returns the status of the sandbox instance, or nil when no
// instance has been scheduled yet. "Not yet scheduled" is a legitimate
// transient state, never an error.
func (c *Controller) InstanceStatus(ctx context.Context, projectId string) (*InstanceStatus, error) {
	pods, err := c.listPods(ctx, DeriveWorkloadName(projectId))
	if err != nil {
		return nil, err
	}
	if len(pods) == 0 {
		return nil, nil
	}

	pod := pods[0]
	status := &InstanceStatus{Phase: pod.Status.Phase}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name != containerName {
			continue
		}
		status.Ready = cs.Ready
		switch {
		case cs.State.Running != nil:
			status.ContainerState = "running"
		case cs.State.Waiting != nil:
			status.ContainerState = cs.State.Waiting.Reason
		case cs.State.Terminated != nil:
			status.ContainerState = "terminated"
		}
	}
	return status, nil
}

// RecentLogs returns the trailing log window of the sandbox instance.
// Best-effort: any failure yields an empty string, since logs feed heuristic
// stage inference and never correctness-critical decisions.
func (c *Controller) RecentLogs(ctx context.Context, projectId string, windowSeconds int64) string {
	pods, err := c.listPods(ctx, DeriveWorkloadName(projectId))
	if err != nil || len(pods) == 0 {
		return ""
	}

	tailLines := int64(200)
	raw, err := c.client.CoreV1().Pods(c.cfg.Namespace).GetLogs(pods[0].Name, &corev1.PodLogOptions{
		Container:    containerName,
		SinceSeconds: &windowSeconds,
		TailLines:    &tailLines,
	}).DoRaw(ctx)
	if err != nil {
		return ""
	}
	return string(raw)
}

// WaitForRunningInstance blocks until the sandbox has a running pod to exec
// into. Required before any file transfer into a freshly created sandbox.
func (c *Controller) WaitForRunningInstance(ctx context.Context, projectId string, timeout time.Duration) error {
	name := DeriveWorkloadName(projectId)
	deadline := time.Now().Add(timeout)
	for {
		pods, err := c.listPods(ctx, name)
		if err == nil {
			for i := range pods {
				if pods[i].Status.Phase == corev1.PodRunning {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no running instance for %s after %s", name, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(deleteWaitPollInterval):
		}
	}
}

// StartDevServer releases a skip-bootstrap sandbox's startup script, which
// blocks on the restore marker before launching the dev server.
func (c *Controller) StartDevServer(ctx context.Context, projectId string) error {
	_, err := c.Exec(ctx, projectId, []string{"sh", "-c", "touch " + restoreMarkerPath})
	if err != nil {
		return fmt.Errorf("start dev server: %w", err)
	}
	return nil
}

func (c *Controller) listPods(ctx context.Context, workloadName string) ([]corev1.Pod, error) {
	podList, err := c.client.CoreV1().Pods(c.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", LabelApp, workloadName),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods for %s: %w", workloadName, err)
	}
	return podList.Items, nil
}

func (c *Controller) buildDeployment(name, projectId string, opts CreateOptions) *appsv1.Deployment {
	labels := map[string]string{
		LabelApp:     name,
		LabelProject: projectId,
		labelRole:    "sandbox",
	}
	replicas := int32(1)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: c.cfg.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:    containerName,
							Image:   c.cfg.BaseImage,
							Command: []string{"sh", "-c", c.buildStartupScript(opts)},
							Ports: []corev1.ContainerPort{
								{ContainerPort: int32(c.cfg.DevServerPort)},
							},
							WorkingDir: "/",
						},
					},
				},
			},
		},
	}
}

func (c *Controller) buildService(name, projectId string) *corev1.Service {
	labels := map[string]string{
		LabelApp:     name,
		LabelProject: projectId,
		labelRole:    "sandbox",
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: c.cfg.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{LabelApp: name},
			Ports: []corev1.ServicePort{
				{
					Port:       80,
					TargetPort: intstr.FromInt(c.cfg.DevServerPort),
				},
			},
		},
	}
}

// buildStartupScript renders the sandbox startup command. The stage markers
// it prints ("cloning template", "waiting for restore") are part of the
// readiness inference contract; see pkg/readiness.
func (c *Controller) buildStartupScript(opts CreateOptions) string {
	var b strings.Builder
	b.WriteString("set -e\n")
	b.WriteString("apk add --no-cache git\n")

	if opts.SkipBootstrap {
		// Snapshot restore populates the tree and touches the marker.
		fmt.Fprintf(&b, "mkdir -p %s\n", c.cfg.WorkDir)
		b.WriteString("echo 'waiting for restore'\n")
		fmt.Fprintf(&b, "while [ ! -f %s ]; do sleep 1; done\n", restoreMarkerPath)
	} else {
		fmt.Fprintf(&b, "git clone --depth=1 %s %s\n", c.cfg.TemplateRepo, c.cfg.WorkDir)
		fmt.Fprintf(&b, "cd %s\n", c.cfg.WorkDir)
		b.WriteString("npm install\n")
	}

	fmt.Fprintf(&b, "cd %s\n", c.cfg.WorkDir)
	fmt.Fprintf(&b, "npm run dev -- --host 0.0.0.0 --port %d\n", c.cfg.DevServerPort)
	return b.String()
}
