package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "clowder-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Pool.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

// seededStore returns a store carrying the embedded demo template
// (planning / building / reviewing with a worker fan-out).
func seededStore(t *testing.T) *db.Store {
	t.Helper()
	store := newTestStore(t)
	require.NoError(t, store.SeedTemplates(context.Background(), ""))
	return store
}

func makePipeline(t *testing.T, s *db.Store, status clowder.PipelineStatus) *clowder.Pipeline {
	t.Helper()
	now := time.Now().UTC()
	p := &clowder.Pipeline{
		ID:             uuid.NewString(),
		OriginalPrompt: "build the thing",
		WorkspacePath:  t.TempDir(),
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.InsertPipeline(context.Background(), s.Pool, p))
	return p
}

func makeStage(t *testing.T, s *db.Store, pipelineID string, order int) *clowder.Stage {
	t.Helper()
	st := &clowder.Stage{
		ID:         uuid.NewString(),
		PipelineID: pipelineID,
		Name:       "stage",
		StageOrder: order,
		Status:     "running",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.InsertStage(context.Background(), s.Pool, st))
	return st
}

type jobSpec struct {
	command          string
	status           clowder.JobStatus
	maxRetries       int
	timeoutSeconds   int
	retryStrategy    string
	artifactStrategy string
	templateJobID    string
}

func makeJob(t *testing.T, s *db.Store, pipelineID, stageID string, spec jobSpec) *clowder.Job {
	t.Helper()
	if spec.status == "" {
		spec.status = clowder.JobPending
	}
	if spec.timeoutSeconds == 0 {
		spec.timeoutSeconds = 60
	}
	now := time.Now().UTC()
	j := &clowder.Job{
		ID:               uuid.NewString(),
		PipelineID:       pipelineID,
		StageID:          stageID,
		AgentType:        "worker",
		Prompt:           "do the work",
		OriginalPrompt:   "do the work",
		Command:          spec.command,
		MaxIterations:    10,
		TimeoutSeconds:   spec.timeoutSeconds,
		AllowedPaths:     `["/workspace"]`,
		ArtifactStrategy: spec.artifactStrategy,
		RetryStrategy:    spec.retryStrategy,
		TemplateJobID:    spec.templateJobID,
		Status:           spec.status,
		MaxRetries:       spec.maxRetries,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.InsertJob(context.Background(), s.Pool, j))
	return j
}

func makeDep(t *testing.T, s *db.Store, jobID, dependsOn string, depType clowder.DependencyType) {
	t.Helper()
	d := &clowder.JobDependency{JobID: jobID, DependsOnJobID: dependsOn, DependencyType: depType}
	require.NoError(t, s.InsertJobDependency(context.Background(), s.Pool, d))
}

// jobByTemplateID finds the pipeline job materialized from a template job.
func jobByTemplateID(t *testing.T, s *db.Store, pipelineID, templateJobID string) *clowder.Job {
	t.Helper()
	jobs, err := s.JobsByPipeline(context.Background(), pipelineID)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.TemplateJobID == templateJobID && j.ParentJobID == "" {
			return j
		}
	}
	t.Fatalf("no job for template job %q in pipeline %q", templateJobID, pipelineID)
	return nil
}
