package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clowderhq/clowder/internal/clowder"
)

func TestSchedulerPromotesPendingPipelines(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	pipelineID, err := NewInstantiator(store).Instantiate(ctx, "dev-pipeline", "task", t.TempDir(), nil, nil)
	require.NoError(t, err)

	prop := NewPropagator(store)
	sched := NewScheduler(store, newExecutor(store), prop, time.Second, 1)
	sched.tick(ctx)

	got, err := store.GetPipeline(ctx, pipelineID)
	require.NoError(t, err)
	require.Equal(t, clowder.PipelineRunning, got.Status)

	stages, err := store.StagesByPipeline(ctx, pipelineID)
	require.NoError(t, err)
	for _, st := range stages {
		require.Equal(t, "running", st.Status)
	}
}

func TestSchedulerWorkerLimit(t *testing.T) {
	store := newTestStore(t)
	prop := NewPropagator(store)
	sched := NewScheduler(store, newExecutor(store), prop, time.Second, 1)

	require.True(t, sched.acquire("job-1"))
	require.False(t, sched.acquire("job-1"), "same job must not be acquired twice")
	require.Equal(t, 1, sched.activeCount())

	sched.release("job-1")
	require.Equal(t, 0, sched.activeCount())
	require.True(t, sched.acquire("job-1"))
}

// TestSchedulerRunsLinearPipeline drives a full pipeline to completion with
// direct tick calls: promotion, ordered dispatch, fan-out, finalization.
func TestSchedulerRunsLinearPipeline(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	pipelineID, err := NewInstantiator(store).Instantiate(ctx, "dev-pipeline", "task", t.TempDir(), nil, nil)
	require.NoError(t, err)

	prop := NewPropagator(store)
	executor := NewExecutor(store, NewMultiplier(store), prop, `echo '["only task"]'`)
	sched := NewScheduler(store, executor, prop, time.Second, 1)

	deadline := time.After(30 * time.Second)
	for {
		sched.tick(ctx)

		p, err := store.GetPipeline(ctx, pipelineID)
		require.NoError(t, err)
		if p.Status.Terminal() {
			require.Equal(t, clowder.PipelineCompleted, p.Status)
			break
		}

		select {
		case <-deadline:
			t.Fatalf("pipeline did not finish, status %s", p.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}

	jobs, err := store.JobsByPipeline(ctx, pipelineID)
	require.NoError(t, err)
	// planner + template worker + one multiplier child + reviewer
	require.Len(t, jobs, 4)
	for _, j := range jobs {
		require.Equal(t, clowder.JobCompleted, j.Status, "job %s: %s", clowder.ShortID(j.ID), j.TerminationReason)
	}
}

func TestSchedulerSkipsCancelledPipelines(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := makePipeline(t, store, clowder.PipelineCancelled)
	st := makeStage(t, store, p.ID, 0)
	job := makeJob(t, store, p.ID, st.ID, jobSpec{command: "echo should not run"})

	prop := NewPropagator(store)
	sched := NewScheduler(store, newExecutor(store), prop, time.Second, 1)
	sched.tick(ctx)
	time.Sleep(100 * time.Millisecond)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.JobPending, got.Status)
}
