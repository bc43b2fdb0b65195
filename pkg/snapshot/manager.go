package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/skiff-cloud/skiff/pkg/clients"
	"github.com/skiff-cloud/skiff/pkg/types"
)

const (
	// manifestFile must exist in every snapshot; its absence means the
	// archive does not hold a project tree and must not be restored.
	manifestFile = "package.json"

	archiveTmpPath = "/tmp/skiff-snapshot.tar.gz"
	restoreTmpPath = "/tmp/skiff-restore.tar.gz"
)

// Sandbox is the slice of the workload controller snapshots need
type Sandbox interface {
	Exec(ctx context.Context, projectId string, argv []string) (string, error)
	WriteFile(ctx context.Context, projectId, filePath string, content []byte) error
}

// Store persists snapshot records
type Store interface {
	CreateSnapshot(ctx context.Context, projectId uint, storageKey string, sizeBytes int64) (*types.Snapshot, error)
	GetLatestSnapshot(ctx context.Context, projectId uint) (*types.Snapshot, error)
	HasSnapshots(ctx context.Context, projectId uint) (bool, error)
}

// Manager archives sandbox working trees into the blob store and restores
// them into fresh sandboxes.
type Manager struct {
	sandbox Sandbox
	blobs   clients.BlobStore
	store   Store
	workDir string
}

func NewManager(sandbox Sandbox, blobs clients.BlobStore, store Store, workDir string) *Manager {
	return &Manager{sandbox: sandbox, blobs: blobs, store: store, workDir: workDir}
}

// Create archives the project working tree and uploads it. Dependency and
// build directories are excluded; they are reproducible from the manifest
// and dominate tree size. The in-sandbox temp archive is removed on all
// paths, success or failure.
func (m *Manager) Create(ctx context.Context, project *types.Project) (*types.Snapshot, error) {
	defer func() {
		// Best-effort: an orphaned temp archive only wastes sandbox disk
		if _, err := m.exec(ctx, project.ExternalId, "rm -f "+archiveTmpPath); err != nil {
			log.Warn().Err(err).Str("project_id", project.ExternalId).Msg("failed to remove snapshot temp archive")
		}
	}()

	cmd := fmt.Sprintf(
		"cd %s && tar czf %s --exclude=.git --exclude=dist --exclude=node_modules .",
		shellQuote(m.workDir), archiveTmpPath,
	)
	if _, err := m.exec(ctx, project.ExternalId, cmd); err != nil {
		return nil, fmt.Errorf("archive working tree: %w", err)
	}

	out, err := m.exec(ctx, project.ExternalId, "base64 < "+archiveTmpPath)
	if err != nil {
		return nil, fmt.Errorf("export archive: %w", err)
	}
	archive, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, out))
	if err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}

	if err := validateArchive(archive); err != nil {
		return nil, fmt.Errorf("snapshot archive invalid: %w", err)
	}

	key := storageKey(project.ExternalId)
	if err := m.blobs.Put(ctx, key, archive, "application/gzip"); err != nil {
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}

	snapshot, err := m.store.CreateSnapshot(ctx, project.Id, key, int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("record snapshot: %w", err)
	}

	log.Info().
		Str("project_id", project.ExternalId).
		Str("storage_key", key).
		Int64("size_bytes", snapshot.SizeBytes).
		Msg("snapshot created")
	return snapshot, nil
}

// Restore populates a fresh sandbox from the project's latest snapshot.
// Returns (false, nil) when no snapshot exists; having nothing to restore is
// an expected state for new projects, not a failure. The archive is fully
// validated before the sandbox working tree is touched, and true is returned
// only after dependencies are reinstalled.
func (m *Manager) Restore(ctx context.Context, project *types.Project) (bool, error) {
	snapshot, err := m.store.GetLatestSnapshot(ctx, project.Id)
	if err != nil {
		var notFound *types.ErrSnapshotNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("look up latest snapshot: %w", err)
	}

	archive, err := m.blobs.Get(ctx, snapshot.StorageKey)
	if err != nil {
		return false, fmt.Errorf("download snapshot %s: %w", snapshot.StorageKey, err)
	}

	// Validate before mutating anything in the sandbox
	if err := validateArchive(archive); err != nil {
		return false, fmt.Errorf("snapshot %s corrupt: %w", snapshot.StorageKey, err)
	}

	if err := m.sandbox.WriteFile(ctx, project.ExternalId, restoreTmpPath, archive); err != nil {
		return false, fmt.Errorf("transfer snapshot into sandbox: %w", err)
	}
	defer func() {
		if _, err := m.exec(ctx, project.ExternalId, "rm -f "+restoreTmpPath); err != nil {
			log.Warn().Err(err).Str("project_id", project.ExternalId).Msg("failed to remove restore temp archive")
		}
	}()

	cmd := fmt.Sprintf(
		"mkdir -p %s && rm -rf %s/* && tar xzf %s -C %s",
		shellQuote(m.workDir), shellQuote(m.workDir), restoreTmpPath, shellQuote(m.workDir),
	)
	if _, err := m.exec(ctx, project.ExternalId, cmd); err != nil {
		return false, fmt.Errorf("extract snapshot: %w", err)
	}

	if _, err := m.exec(ctx, project.ExternalId, fmt.Sprintf("test -f %s", shellQuote(path.Join(m.workDir, manifestFile)))); err != nil {
		return false, fmt.Errorf("restored tree missing %s: %w", manifestFile, err)
	}

	if _, err := m.exec(ctx, project.ExternalId, fmt.Sprintf("cd %s && npm install", shellQuote(m.workDir))); err != nil {
		return false, fmt.Errorf("reinstall dependencies: %w", err)
	}

	log.Info().
		Str("project_id", project.ExternalId).
		Str("storage_key", snapshot.StorageKey).
		Msg("snapshot restored")
	return true, nil
}

// HasSnapshots reports whether a project can be woken from hibernation
func (m *Manager) HasSnapshots(ctx context.Context, project *types.Project) (bool, error) {
	return m.store.HasSnapshots(ctx, project.Id)
}

func (m *Manager) exec(ctx context.Context, projectId, cmd string) (string, error) {
	return m.sandbox.Exec(ctx, projectId, []string{"sh", "-c", cmd})
}

func storageKey(externalId string) string {
	return fmt.Sprintf("snapshots/%s/%d.tar.gz", externalId, time.Now().UTC().UnixMilli())
}

// validateArchive checks that data is a readable gzip tar stream holding the
// project manifest.
func validateArchive(data []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("not a gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	manifestSeen := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("corrupt tar stream: %w", err)
		}
		name := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		if name == manifestFile {
			manifestSeen = true
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return fmt.Errorf("corrupt tar entry %s: %w", hdr.Name, err)
		}
	}
	if !manifestSeen {
		return fmt.Errorf("archive missing %s", manifestFile)
	}
	return nil
}

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
