package cluster

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// buildOutputDir is the directory (relative to the working dir) the build
// command writes artifacts into.
const buildOutputDir = "dist"

// BuildResult is the classification of a build's captured output
type BuildResult struct {
	Succeeded bool
	Reason    string
}

// Artifact is one file copied out of the sandbox build output
type Artifact struct {
	RelPath     string
	Content     []byte
	ContentType string
}

// ClassifyBuildOutput decides build success from captured output text.
// The sandboxed build process exposes no structured health signal, so this
// is a marker heuristic: the bundler's "built in" summary line wins over any
// error keyword, and output with neither marker counts as failure. Kept as
// a single pure function so the heuristic can be hardened without touching
// callers.
func ClassifyBuildOutput(output string) BuildResult {
	lower := strings.ToLower(output)

	if strings.Contains(lower, "built in") {
		return BuildResult{Succeeded: true}
	}
	for _, marker := range []string{"error", "failed", "cannot find"} {
		if strings.Contains(lower, marker) {
			return BuildResult{Succeeded: false, Reason: fmt.Sprintf("build output contains %q", marker)}
		}
	}
	return BuildResult{Succeeded: false, Reason: "build output missing success marker"}
}

// BuildProject runs the build command synchronously inside the sandbox and
// classifies the captured output. The output is returned in both cases so
// callers can surface it.
func (c *Controller) BuildProject(ctx context.Context, projectId string) (string, error) {
	out, err := c.ExecShell(ctx, projectId, "npm run build 2>&1")
	if err != nil {
		return out, fmt.Errorf("run build: %w", err)
	}

	result := ClassifyBuildOutput(out)
	if !result.Succeeded {
		return out, fmt.Errorf("build failed: %s", result.Reason)
	}

	log.Info().Str("project_id", projectId).Msg("build succeeded")
	return out, nil
}

// CopyBuiltArtifacts copies the build output directory out of the sandbox,
// rewrites root-relative asset references to the project's deployment
// prefix (artifacts are served from a sub-path, not the domain root), and
// returns every file. The local scratch directory is removed on all paths.
func (c *Controller) CopyBuiltArtifacts(ctx context.Context, projectId string) ([]Artifact, error) {
	cmd := fmt.Sprintf("tar czf - -C %s %s | base64", shellQuote(c.cfg.WorkDir), buildOutputDir)
	out, err := c.Exec(ctx, projectId, []string{"sh", "-c", cmd})
	if err != nil {
		return nil, fmt.Errorf("archive build output: %w", err)
	}

	archive, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, out))
	if err != nil {
		return nil, fmt.Errorf("decode build archive: %w", err)
	}

	scratch, err := os.MkdirTemp("", "skiff-artifacts-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := extractArchive(archive, scratch); err != nil {
		return nil, fmt.Errorf("extract build archive: %w", err)
	}

	prefix := DeploymentPrefix(projectId)
	root := filepath.Join(scratch, buildOutputDir)

	var artifacts []Artifact
	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		if rel == "index.html" || strings.HasSuffix(rel, ".js") {
			content = rewriteAssetRefs(content, prefix)
		}

		contentType := mime.TypeByExtension(filepath.Ext(rel))
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		artifacts = append(artifacts, Artifact{
			RelPath:     filepath.ToSlash(rel),
			Content:     content,
			ContentType: contentType,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect artifacts: %w", err)
	}

	log.Info().Str("project_id", projectId).Int("artifacts", len(artifacts)).Msg("copied build artifacts")
	return artifacts, nil
}

// rewriteAssetRefs prefixes absolute root-relative asset references so the
// artifact set works when served from a sub-path.
func rewriteAssetRefs(content []byte, prefix string) []byte {
	s := string(content)
	for _, quote := range []string{`"`, `'`, `(`} {
		s = strings.ReplaceAll(s, quote+"/assets/", quote+prefix+"/assets/")
	}
	return []byte(s)
}

func extractArchive(archive []byte, dest string) error {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Join(dest, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry escapes destination: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}
