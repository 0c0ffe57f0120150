package artifact

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/db"
)

// FinalOutputName is the artifact name under which stdout_final stores the
// job's accumulated output. The multiplier reads it back by this name.
const FinalOutputName = "final_output.txt"

// StdoutFinal captures the job's final accumulated output as one inline
// artifact. Suited to planner/reviewer style jobs that produce text rather
// than files.
type StdoutFinal struct{}

func (s *StdoutFinal) Name() string { return "stdout_final" }

func (s *StdoutFinal) Begin(ctx context.Context, workspaceDir string) error { return nil }

func (s *StdoutFinal) Collect(ctx context.Context, q db.DBTX, job *clowder.Job, workspaceDir, finalOutput string) ([]clowder.Artifact, error) {
	if finalOutput == "" {
		return nil, nil
	}

	a := clowder.Artifact{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		Type:        "model_output",
		Name:        FinalOutputName,
		Description: "Final model output before job completion",
		Content:     finalOutput,
		SizeBytes:   int64(len(finalOutput)),
		Metadata:    `{"strategy": "stdout_final"}`,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.InsertArtifact(ctx, q, &a); err != nil {
		return nil, err
	}
	return []clowder.Artifact{a}, nil
}
