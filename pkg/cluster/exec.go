package cluster

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/skiff-cloud/skiff/pkg/types"
)

const (
	// writeChunkSize bounds the base64 payload per exec call. The exec
	// transport rejects oversized argument lists, so larger writes are
	// chunked through a temp file.
	writeChunkSize = 96 * 1024

	// transferRetries is how many times a whole chunked transfer is retried
	// before surfacing a fatal error.
	transferRetries = 3
)

// PodExecutor opens an exec stream into a pod and captures its output.
// The SPDY implementation talks to the cluster; tests inject fakes.
type PodExecutor interface {
	Exec(ctx context.Context, namespace, pod, container string, command []string) (stdout string, stderr string, err error)
}

// SPDYPodExecutor implements PodExecutor over the cluster exec subresource
type SPDYPodExecutor struct {
	client     kubernetes.Interface
	restConfig *rest.Config
}

func NewSPDYPodExecutor(client kubernetes.Interface, restConfig *rest.Config) *SPDYPodExecutor {
	return &SPDYPodExecutor{client: client, restConfig: restConfig}
}

func (e *SPDYPodExecutor) Exec(ctx context.Context, namespace, pod, container string, command []string) (string, string, error) {
	req := e.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(e.restConfig, "POST", req.URL())
	if err != nil {
		return "", "", fmt.Errorf("create exec stream: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	return stdout.String(), stderr.String(), err
}

// Exec runs argv inside the project's sandbox and returns captured stdout.
// Fails with ErrNoRunningInstance when zero instances are running.
func (c *Controller) Exec(ctx context.Context, projectId string, argv []string) (string, error) {
	name := DeriveWorkloadName(projectId)

	pods, err := c.listPods(ctx, name)
	if err != nil {
		return "", err
	}

	var running *corev1.Pod
	for i := range pods {
		if pods[i].Status.Phase == corev1.PodRunning {
			running = &pods[i]
			break
		}
	}
	if running == nil {
		return "", &types.ErrNoRunningInstance{Workload: name}
	}

	stdout, stderr, err := c.executor.Exec(ctx, c.cfg.Namespace, running.Name, containerName, argv)
	if err != nil {
		return stdout, fmt.Errorf("exec in %s: %w (stderr: %s)", name, err, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

// ExecShell runs a shell command line inside the sandbox working directory
func (c *Controller) ExecShell(ctx context.Context, projectId, command string) (string, error) {
	return c.Exec(ctx, projectId, []string{"sh", "-c", fmt.Sprintf("cd %s && %s", shellQuote(c.cfg.WorkDir), command)})
}

// ReadFile returns the content of a file inside the sandbox. The content is
// transported base64-encoded so arbitrary bytes survive the exec stream.
func (c *Controller) ReadFile(ctx context.Context, projectId, filePath string) ([]byte, error) {
	out, err := c.Exec(ctx, projectId, []string{"sh", "-c", fmt.Sprintf("base64 < %s", shellQuote(filePath))})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	data, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, out))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	return data, nil
}

// WriteFile writes content to a file inside the sandbox, creating parent
// directories first. Content travels base64-encoded; writes above the chunk
// threshold stage through a temp file, and a failed transfer is retried as a
// whole a bounded number of times.
func (c *Controller) WriteFile(ctx context.Context, projectId, filePath string, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	dir := path.Dir(filePath)

	if len(encoded) <= writeChunkSize {
		cmd := fmt.Sprintf("mkdir -p %s && printf '%%s' %s | base64 -d > %s",
			shellQuote(dir), shellQuote(encoded), shellQuote(filePath))
		_, err := c.Exec(ctx, projectId, []string{"sh", "-c", cmd})
		if err != nil {
			return fmt.Errorf("write %s: %w", filePath, err)
		}
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= transferRetries; attempt++ {
		if lastErr = c.writeChunked(ctx, projectId, filePath, dir, encoded); lastErr == nil {
			return nil
		}
		log.Warn().
			Err(lastErr).
			Str("project_id", projectId).
			Str("path", filePath).
			Int("attempt", attempt).
			Msg("chunked write failed")
	}
	return fmt.Errorf("write %s after %d attempts: %w", filePath, transferRetries, lastErr)
}

func (c *Controller) writeChunked(ctx context.Context, projectId, filePath, dir, encoded string) error {
	tmp := filePath + ".b64.part"

	cmd := fmt.Sprintf("mkdir -p %s && rm -f %s", shellQuote(dir), shellQuote(tmp))
	if _, err := c.Exec(ctx, projectId, []string{"sh", "-c", cmd}); err != nil {
		return err
	}

	for off := 0; off < len(encoded); off += writeChunkSize {
		end := off + writeChunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		cmd := fmt.Sprintf("printf '%%s' %s >> %s", shellQuote(encoded[off:end]), shellQuote(tmp))
		if _, err := c.Exec(ctx, projectId, []string{"sh", "-c", cmd}); err != nil {
			return err
		}
	}

	cmd = fmt.Sprintf("base64 -d < %s > %s && rm -f %s", shellQuote(tmp), shellQuote(filePath), shellQuote(tmp))
	if _, err := c.Exec(ctx, projectId, []string{"sh", "-c", cmd}); err != nil {
		return err
	}
	return nil
}

// ListFiles lists the entries of a directory inside the sandbox
func (c *Controller) ListFiles(ctx context.Context, projectId, dir string) ([]string, error) {
	out, err := c.Exec(ctx, projectId, []string{"sh", "-c", fmt.Sprintf("ls -1p %s", shellQuote(dir))})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var entries []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// FolderStructure returns the working tree layout, pruning dependency and
// build directories to keep the listing inside prompt budgets.
func (c *Controller) FolderStructure(ctx context.Context, projectId string) (string, error) {
	cmd := fmt.Sprintf(
		"find %s -path %s -prune -o -path %s -prune -o -path '*/.git' -prune -o -print | head -200",
		shellQuote(c.cfg.WorkDir),
		shellQuote(c.cfg.WorkDir+"/node_modules"),
		shellQuote(c.cfg.WorkDir+"/dist"),
	)
	out, err := c.Exec(ctx, projectId, []string{"sh", "-c", cmd})
	if err != nil {
		return "", fmt.Errorf("folder structure: %w", err)
	}
	return out, nil
}

// shellQuote single-quotes s for safe interpolation into a shell command
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\n', '\r', '\t':
		return -1
	}
	return r
}
