package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/skiff-cloud/skiff/pkg/cluster"
	"github.com/skiff-cloud/skiff/pkg/types"
)

// Tool names exposed to the capability
const (
	ToolReadFile           = "read_file"
	ToolWriteFile          = "write_file"
	ToolListFiles          = "list_files"
	ToolGetFolderStructure = "get_folder_structure"
	ToolRunShellCommand    = "run_shell_command"
	ToolGetRecentLogs      = "get_recent_logs"
	ToolRunBuild           = "run_build"
)

const logWindowSeconds = 120

// ToolRunner executes capability tool calls against one project's sandbox.
// Every file path is containment-checked: writes must land in the working
// directory, reads may also target the configured read-only example
// directories. The prompt states the same scope, but the prompt is advisory
// and this is not.
type ToolRunner struct {
	controller  *cluster.Controller
	projectId   string
	workDir     string
	exampleDirs []string

	// filesChanged records write targets for the turn's diff summary
	filesChanged []string
}

func NewToolRunner(controller *cluster.Controller, projectId string) *ToolRunner {
	cfg := controller.Config()
	return &ToolRunner{
		controller:  controller,
		projectId:   projectId,
		workDir:     cfg.WorkDir,
		exampleDirs: cfg.ExampleDirs,
	}
}

// FilesChanged returns the distinct paths written during this run, in first-
// write order.
func (r *ToolRunner) FilesChanged() []string {
	return r.filesChanged
}

// Run dispatches one tool call. Unknown tools and scope violations return an
// error string to the capability rather than failing the task; the model can
// recover from both.
func (r *ToolRunner) Run(ctx context.Context, call types.ToolCall) (string, error) {
	var input struct {
		Path    string `json:"path,omitempty"`
		Content string `json:"content,omitempty"`
		Command string `json:"command,omitempty"`
	}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &input); err != nil {
			return "", fmt.Errorf("invalid input for %s: %w", call.Name, err)
		}
	}

	log.Debug().
		Str("project_id", r.projectId).
		Str("tool", call.Name).
		Msg("running tool")

	switch call.Name {
	case ToolReadFile:
		resolved, err := r.resolveReadPath(input.Path)
		if err != nil {
			return "", err
		}
		content, err := r.controller.ReadFile(ctx, r.projectId, resolved)
		if err != nil {
			return "", err
		}
		return string(content), nil

	case ToolWriteFile:
		resolved, err := r.resolvePath(input.Path)
		if err != nil {
			return "", err
		}
		if err := r.controller.WriteFile(ctx, r.projectId, resolved, []byte(input.Content)); err != nil {
			return "", err
		}
		r.recordChange(resolved)
		return fmt.Sprintf("wrote %d bytes to %s", len(input.Content), resolved), nil

	case ToolListFiles:
		resolved, err := r.resolveReadPath(input.Path)
		if err != nil {
			return "", err
		}
		entries, err := r.controller.ListFiles(ctx, r.projectId, resolved)
		if err != nil {
			return "", err
		}
		return strings.Join(entries, "\n"), nil

	case ToolGetFolderStructure:
		return r.controller.FolderStructure(ctx, r.projectId)

	case ToolRunShellCommand:
		if strings.TrimSpace(input.Command) == "" {
			return "", fmt.Errorf("empty command")
		}
		return r.controller.ExecShell(ctx, r.projectId, input.Command)

	case ToolGetRecentLogs:
		return r.controller.RecentLogs(ctx, r.projectId, logWindowSeconds), nil

	case ToolRunBuild:
		out, err := r.controller.BuildProject(ctx, r.projectId)
		if err != nil {
			// Return the captured output so the model sees the failure
			return out, err
		}
		return out, nil

	default:
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}
}

// resolvePath normalizes a tool-supplied path into the working directory and
// rejects anything that escapes it. This is the write-side check.
func (r *ToolRunner) resolvePath(p string) (string, error) {
	resolved := r.normalize(p)
	if !contained(r.workDir, resolved) {
		return "", fmt.Errorf("path %s is outside the project directory", p)
	}
	return resolved, nil
}

// resolveReadPath accepts everything resolvePath does, plus the configured
// read-only example directories.
func (r *ToolRunner) resolveReadPath(p string) (string, error) {
	resolved := r.normalize(p)
	if contained(r.workDir, resolved) {
		return resolved, nil
	}
	for _, dir := range r.exampleDirs {
		if contained(path.Clean(dir), resolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the project and example directories", p)
}

func (r *ToolRunner) normalize(p string) string {
	if p == "" {
		return r.workDir
	}
	if !path.IsAbs(p) {
		p = path.Join(r.workDir, p)
	}
	return path.Clean(p)
}

func contained(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+"/")
}

func (r *ToolRunner) recordChange(resolved string) {
	for _, existing := range r.filesChanged {
		if existing == resolved {
			return
		}
	}
	r.filesChanged = append(r.filesChanged, resolved)
}
