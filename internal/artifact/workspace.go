package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/db"
)

// WorkspaceDelta treats the workspace as a content-versioned tree: Begin
// hashes every file, Collect registers every path whose bytes differ or
// which appeared since, as a file artifact.
type WorkspaceDelta struct {
	baseline map[string][32]byte
}

func (w *WorkspaceDelta) Name() string { return "workspace_delta" }

func (w *WorkspaceDelta) Begin(ctx context.Context, workspaceDir string) error {
	snap, err := snapshot(workspaceDir)
	if err != nil {
		return fmt.Errorf("snapshot workspace: %w", err)
	}
	w.baseline = snap
	return nil
}

func (w *WorkspaceDelta) Collect(ctx context.Context, q db.DBTX, job *clowder.Job, workspaceDir, finalOutput string) ([]clowder.Artifact, error) {
	after, err := snapshot(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("snapshot workspace: %w", err)
	}

	var artifacts []clowder.Artifact
	for rel, sum := range after {
		if base, ok := w.baseline[rel]; ok && base == sum {
			continue
		}
		abs := filepath.Join(workspaceDir, rel)
		info, err := os.Stat(abs)
		if err != nil {
			continue // deleted between snapshot and stat
		}

		meta, _ := json.Marshal(map[string]string{
			"strategy":      "workspace_delta",
			"relative_path": rel,
		})
		a := clowder.Artifact{
			ID:          uuid.NewString(),
			JobID:       job.ID,
			Type:        "file",
			Name:        rel,
			Description: "File modified or created by job",
			FilePath:    abs,
			SizeBytes:   info.Size(),
			Metadata:    string(meta),
			CreatedAt:   time.Now().UTC(),
		}
		if err := db.InsertArtifact(ctx, q, &a); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// snapshot hashes every regular file under dir, keyed by slash-separated
// relative path. A missing directory yields an empty snapshot so jobs may
// create their workspace themselves.
func snapshot(dir string) (map[string][32]byte, error) {
	sums := make(map[string][32]byte)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		sums[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sums, nil
}

func hashFile(path string) ([32]byte, error) {
	var zero [32]byte
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return zero, err
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
