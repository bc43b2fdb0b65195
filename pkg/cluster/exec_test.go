package cluster

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/skiff-cloud/skiff/pkg/types"
)

// fakePodExecutor interprets a small subset of shell inside an in-memory
// filesystem, enough to exercise the base64 transfer paths.
type fakePodExecutor struct {
	files     map[string]string
	calls     []string
	failNext  int
	execError error
}

func newFakePodExecutor() *fakePodExecutor {
	return &fakePodExecutor{files: map[string]string{}}
}

func (f *fakePodExecutor) Exec(ctx context.Context, namespace, pod, container string, command []string) (string, string, error) {
	cmd := strings.Join(command, " ")
	f.calls = append(f.calls, cmd)

	if f.execError != nil {
		return "", "", f.execError
	}
	if f.failNext > 0 {
		f.failNext--
		return "", "stream reset", errors.New("exec stream closed")
	}

	if len(command) == 3 && command[0] == "sh" && command[1] == "-c" {
		return f.evalShell(command[2])
	}
	return "", "", fmt.Errorf("unsupported command: %v", command)
}

// evalShell handles the exact command shapes the controller emits. Each
// line of a multi-command string is evaluated in order.
func (f *fakePodExecutor) evalShell(script string) (string, string, error) {
	var out strings.Builder
	for _, part := range strings.Split(script, " && ") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "mkdir -p"), strings.HasPrefix(part, "cd "), strings.HasPrefix(part, "touch "):
			// no-op in the in-memory fs
		case strings.HasPrefix(part, "rm -f "):
			delete(f.files, unquote(strings.TrimPrefix(part, "rm -f ")))
		case strings.HasPrefix(part, "base64 < "):
			path := unquote(strings.TrimPrefix(part, "base64 < "))
			content, ok := f.files[path]
			if !ok {
				return "", "no such file", errors.New("exit status 1")
			}
			out.WriteString(base64.StdEncoding.EncodeToString([]byte(content)))
		case strings.HasPrefix(part, "printf '%s' "):
			rest := strings.TrimPrefix(part, "printf '%s' ")
			if idx := strings.Index(rest, " >> "); idx >= 0 {
				path := unquote(rest[idx+4:])
				f.files[path] += unquote(rest[:idx])
			} else if idx := strings.Index(rest, " | base64 -d > "); idx >= 0 {
				path := unquote(rest[idx+len(" | base64 -d > "):])
				decoded, err := base64.StdEncoding.DecodeString(unquote(rest[:idx]))
				if err != nil {
					return "", "", err
				}
				f.files[path] = string(decoded)
			}
		case strings.HasPrefix(part, "base64 -d < "):
			rest := strings.TrimPrefix(part, "base64 -d < ")
			idx := strings.Index(rest, " > ")
			src := unquote(rest[:idx])
			dst := unquote(rest[idx+3:])
			decoded, err := base64.StdEncoding.DecodeString(f.files[src])
			if err != nil {
				return "", "", err
			}
			f.files[dst] = string(decoded)
		case strings.HasPrefix(part, "ls -1p "):
			dir := unquote(strings.TrimPrefix(part, "ls -1p "))
			for path := range f.files {
				if strings.HasPrefix(path, dir+"/") {
					out.WriteString(strings.TrimPrefix(path, dir+"/") + "\n")
				}
			}
		default:
			if echo, ok := f.files["$output:"+part]; ok {
				out.WriteString(echo)
			}
		}
	}
	return out.String(), "", nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") && len(s) >= 2 {
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, "'")
	}
	return s
}

func runningPod(projectId string) *corev1.Pod {
	name := DeriveWorkloadName(projectId)
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-abc12",
			Namespace: "skiff-test",
			Labels:    map[string]string{LabelApp: name},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func TestExecNoRunningInstance(t *testing.T) {
	client := fake.NewSimpleClientset()
	c := NewControllerWithClient(client, newFakePodExecutor(), testClusterConfig())

	_, err := c.Exec(context.Background(), "proj-1", []string{"sh", "-c", "true"})
	require.Error(t, err)

	var notRunning *types.ErrNoRunningInstance
	assert.ErrorAs(t, err, &notRunning)
}

func TestExecSkipsPendingPods(t *testing.T) {
	name := DeriveWorkloadName("proj-1")
	pending := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-pend1",
			Namespace: "skiff-test",
			Labels:    map[string]string{LabelApp: name},
		},
		Status: corev1.PodStatus{Phase: corev1.PodPending},
	}

	client := fake.NewSimpleClientset(pending)
	c := NewControllerWithClient(client, newFakePodExecutor(), testClusterConfig())

	_, err := c.Exec(context.Background(), "proj-1", []string{"sh", "-c", "true"})
	var notRunning *types.ErrNoRunningInstance
	assert.ErrorAs(t, err, &notRunning)
}

func TestWriteThenReadFile(t *testing.T) {
	client := fake.NewSimpleClientset(runningPod("proj-1"))
	executor := newFakePodExecutor()
	c := NewControllerWithClient(client, executor, testClusterConfig())

	content := []byte("export const App = () => <div>hi 'quoted'</div>\n")
	err := c.WriteFile(context.Background(), "proj-1", "/app/src/App.tsx", content)
	require.NoError(t, err)

	got, err := c.ReadFile(context.Background(), "proj-1", "/app/src/App.tsx")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWriteFileChunked(t *testing.T) {
	client := fake.NewSimpleClientset(runningPod("proj-1"))
	executor := newFakePodExecutor()
	c := NewControllerWithClient(client, executor, testClusterConfig())

	// Larger than one chunk once base64-encoded
	content := make([]byte, writeChunkSize)
	for i := range content {
		content[i] = byte('a' + i%26)
	}

	err := c.WriteFile(context.Background(), "proj-1", "/app/big.bin", content)
	require.NoError(t, err)

	got, err := c.ReadFile(context.Background(), "proj-1", "/app/big.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// temp staging file must not survive
	_, staged := executor.files["/app/big.bin.b64.part"]
	assert.False(t, staged)
}

func TestWriteFileChunkedRetriesTransfer(t *testing.T) {
	client := fake.NewSimpleClientset(runningPod("proj-1"))
	executor := newFakePodExecutor()
	executor.failNext = 1
	c := NewControllerWithClient(client, executor, testClusterConfig())

	content := make([]byte, writeChunkSize)
	err := c.WriteFile(context.Background(), "proj-1", "/app/big.bin", content)
	require.NoError(t, err)

	got, err := c.ReadFile(context.Background(), "proj-1", "/app/big.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWriteFileChunkedGivesUpAfterRetries(t *testing.T) {
	client := fake.NewSimpleClientset(runningPod("proj-1"))
	executor := newFakePodExecutor()
	executor.failNext = transferRetries + 5
	c := NewControllerWithClient(client, executor, testClusterConfig())

	content := make([]byte, writeChunkSize)
	err := c.WriteFile(context.Background(), "proj-1", "/app/big.bin", content)
	assert.Error(t, err)
}

func TestReadFileMissing(t *testing.T) {
	client := fake.NewSimpleClientset(runningPod("proj-1"))
	c := NewControllerWithClient(client, newFakePodExecutor(), testClusterConfig())

	_, err := c.ReadFile(context.Background(), "proj-1", "/app/nope.txt")
	assert.Error(t, err)
}

func TestListFiles(t *testing.T) {
	client := fake.NewSimpleClientset(runningPod("proj-1"))
	executor := newFakePodExecutor()
	executor.files["/app/src/App.tsx"] = "x"
	executor.files["/app/src/main.tsx"] = "y"
	c := NewControllerWithClient(client, executor, testClusterConfig())

	entries, err := c.ListFiles(context.Background(), "proj-1", "/app/src")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"App.tsx", "main.tsx"}, entries)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/app'", shellQuote("/app"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
