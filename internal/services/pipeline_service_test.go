package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clowderhq/clowder/internal/clowder"
)

func newPipelineService(t *testing.T) (*PipelineService, *clowder.Pipeline) {
	t.Helper()
	store := seededStore(t)
	svc := NewPipelineService(store, NewInstantiator(store))

	resp, err := svc.Start(context.Background(), "dev-pipeline", StartRequest{Prompt: "task"})
	require.NoError(t, err)
	p, err := store.GetPipeline(context.Background(), resp.PipelineID)
	require.NoError(t, err)
	return svc, p
}

func TestStartRequiresPrompt(t *testing.T) {
	store := seededStore(t)
	svc := NewPipelineService(store, NewInstantiator(store))

	_, err := svc.Start(context.Background(), "dev-pipeline", StartRequest{})
	require.True(t, errors.Is(err, clowder.ErrInvalidRequest), "got %v", err)
}

func TestStartDefaultsWorkspace(t *testing.T) {
	store := seededStore(t)
	svc := NewPipelineService(store, NewInstantiator(store))

	resp, err := svc.Start(context.Background(), "dev-pipeline", StartRequest{Prompt: "task"})
	require.NoError(t, err)
	require.Equal(t, "dev-pipeline", resp.TemplateID)
	require.Equal(t, "task", resp.Prompt)
	require.Equal(t, clowder.PipelinePending, resp.Status)

	p, err := store.GetPipeline(context.Background(), resp.PipelineID)
	require.NoError(t, err)
	require.Equal(t, "/workspace", p.WorkspacePath)
}

func TestStopSkipsPendingJobs(t *testing.T) {
	svc, p := newPipelineService(t)
	ctx := context.Background()

	stopped, err := svc.Stop(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.PipelineCancelled, stopped.Status)
	require.Equal(t, "task", stopped.Name)

	got, err := svc.store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.PipelineCancelled, got.Status)

	jobs, err := svc.store.JobsByPipeline(ctx, p.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		require.Equal(t, clowder.JobSkipped, j.Status)
		require.Equal(t, ReasonPipelineCancelled, j.TerminationReason)
	}

	// stopping twice is an invalid transition
	_, err = svc.Stop(ctx, p.ID)
	require.True(t, errors.Is(err, clowder.ErrInvalidRequest), "got %v", err)
}

func TestListTemplates(t *testing.T) {
	store := seededStore(t)
	svc := NewPipelineService(store, NewInstantiator(store))

	ids, err := svc.ListTemplates(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"dev-pipeline"}, ids)
}

func TestGetTemplateTree(t *testing.T) {
	store := seededStore(t)
	svc := NewPipelineService(store, NewInstantiator(store))

	tmpl, err := svc.GetTemplate(context.Background(), "dev-pipeline")
	require.NoError(t, err)
	require.Equal(t, "dev-pipeline", tmpl.ID)
	require.Len(t, tmpl.Stages, 3)

	var worker *TemplateJobDetail
	for i := range tmpl.Stages {
		for j := range tmpl.Stages[i].Jobs {
			if tmpl.Stages[i].Jobs[j].ID == "dev-worker" {
				worker = &tmpl.Stages[i].Jobs[j]
			}
		}
	}
	require.NotNil(t, worker)
	require.Len(t, worker.Dependencies, 1)
	require.Equal(t, "dev-planner", worker.Dependencies[0].DependsOn)
	require.Equal(t, clowder.DepSuccess, worker.Dependencies[0].Type)
}

func TestRunningTruncatesName(t *testing.T) {
	store := seededStore(t)
	svc := NewPipelineService(store, NewInstantiator(store))
	ctx := context.Background()

	long := strings.Repeat("prompt ", 20)
	_, err := svc.Start(ctx, "dev-pipeline", StartRequest{Prompt: long})
	require.NoError(t, err)

	running, err := svc.Running(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.LessOrEqual(t, len([]rune(running[0].Name)), 50)
	require.True(t, strings.HasSuffix(running[0].Name, "..."))
	require.Equal(t, long, running[0].Description)
}

func TestStopTruncatesName(t *testing.T) {
	store := seededStore(t)
	svc := NewPipelineService(store, NewInstantiator(store))
	ctx := context.Background()

	long := strings.Repeat("cancel me ", 10)
	resp, err := svc.Start(ctx, "dev-pipeline", StartRequest{Prompt: long})
	require.NoError(t, err)

	stopped, err := svc.Stop(ctx, resp.PipelineID)
	require.NoError(t, err)
	require.LessOrEqual(t, len([]rune(stopped.Name)), 50)
	require.True(t, strings.HasSuffix(stopped.Name, "..."))
}

func TestRunningIncludesStageTree(t *testing.T) {
	svc, p := newPipelineService(t)

	running, err := svc.Running(context.Background())
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, p.ID, running[0].ID)
	require.Len(t, running[0].Stages, 3)

	total := 0
	for _, st := range running[0].Stages {
		for _, j := range st.Jobs {
			require.Equal(t, clowder.JobPending, j.Status)
			require.Zero(t, j.Retries)
			total++
		}
	}
	require.Equal(t, 3, total)
}

func TestGetReturnsPipelineAndJobs(t *testing.T) {
	svc, p := newPipelineService(t)

	detail, err := svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, detail.Pipeline.ID)
	require.Len(t, detail.Jobs, 3)
	for _, j := range detail.Jobs {
		require.Equal(t, p.ID, j.PipelineID)
	}
}

func TestRecentListsTerminalPipelines(t *testing.T) {
	svc, p := newPipelineService(t)
	ctx := context.Background()

	recent, err := svc.Recent(ctx, 5)
	require.NoError(t, err)
	require.Empty(t, recent)

	_, err = svc.Stop(ctx, p.ID)
	require.NoError(t, err)

	recent, err = svc.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, clowder.PipelineCancelled, recent[0].Status)
}
