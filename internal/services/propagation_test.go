package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clowderhq/clowder/internal/clowder"
)

func TestPropagateFailureSkipsTransitively(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := makePipeline(t, store, clowder.PipelineRunning)
	st := makeStage(t, store, p.ID, 0)

	a := makeJob(t, store, p.ID, st.ID, jobSpec{status: clowder.JobFailed})
	b := makeJob(t, store, p.ID, st.ID, jobSpec{})
	c := makeJob(t, store, p.ID, st.ID, jobSpec{})
	d := makeJob(t, store, p.ID, st.ID, jobSpec{})
	e := makeJob(t, store, p.ID, st.ID, jobSpec{})
	makeDep(t, store, b.ID, a.ID, clowder.DepSuccess)
	makeDep(t, store, c.ID, b.ID, clowder.DepSuccess)
	makeDep(t, store, d.ID, a.ID, clowder.DepAlways)
	makeDep(t, store, e.ID, a.ID, clowder.DepFailure)

	prop := NewPropagator(store)
	require.NoError(t, prop.PropagateFailure(ctx, a.ID))

	for _, id := range []string{b.ID, c.ID} {
		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, clowder.JobSkipped, got.Status)
		require.Equal(t, ReasonDependencyFailed, got.TerminationReason)
	}
	// always and failure edges keep their dependents runnable
	for _, id := range []string{d.ID, e.ID} {
		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, clowder.JobPending, got.Status)
	}

	// idempotent: a second pass changes nothing
	require.NoError(t, prop.PropagateFailure(ctx, a.ID))
	got, err := store.GetJob(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.JobSkipped, got.Status)
}

func TestFinalizeCompletedPipeline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := makePipeline(t, store, clowder.PipelineRunning)
	st := makeStage(t, store, p.ID, 0)
	makeJob(t, store, p.ID, st.ID, jobSpec{status: clowder.JobCompleted})
	makeJob(t, store, p.ID, st.ID, jobSpec{status: clowder.JobSkipped})

	require.NoError(t, NewPropagator(store).FinalizePipeline(ctx, p.ID))

	got, err := store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.PipelineCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	stages, err := store.StagesByPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, string(clowder.PipelineCompleted), stages[0].Status)
}

func TestFinalizeFailedPipeline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := makePipeline(t, store, clowder.PipelineRunning)
	st := makeStage(t, store, p.ID, 0)
	makeJob(t, store, p.ID, st.ID, jobSpec{status: clowder.JobCompleted})
	makeJob(t, store, p.ID, st.ID, jobSpec{status: clowder.JobFailed})

	require.NoError(t, NewPropagator(store).FinalizePipeline(ctx, p.ID))

	got, err := store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.PipelineFailed, got.Status)
}

func TestFinalizeLeavesActivePipelineAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := makePipeline(t, store, clowder.PipelineRunning)
	st := makeStage(t, store, p.ID, 0)
	makeJob(t, store, p.ID, st.ID, jobSpec{status: clowder.JobCompleted})
	makeJob(t, store, p.ID, st.ID, jobSpec{status: clowder.JobRunning})
	makeJob(t, store, p.ID, st.ID, jobSpec{})

	require.NoError(t, NewPropagator(store).FinalizePipeline(ctx, p.ID))

	got, err := store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.PipelineRunning, got.Status)
}

func TestFinalizeDeadlockedPipeline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := makePipeline(t, store, clowder.PipelineRunning)
	st := makeStage(t, store, p.ID, 0)
	failed := makeJob(t, store, p.ID, st.ID, jobSpec{status: clowder.JobFailed})
	// pending with an unsatisfiable edge and nothing else in motion
	stuck := makeJob(t, store, p.ID, st.ID, jobSpec{})
	makeDep(t, store, stuck.ID, failed.ID, clowder.DepSuccess)

	require.NoError(t, NewPropagator(store).FinalizePipeline(ctx, p.ID))

	got, err := store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.PipelineFailed, got.Status)

	gotStuck, err := store.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.JobSkipped, gotStuck.Status)
	require.Equal(t, ReasonPipelineDeadlocked, gotStuck.TerminationReason)
}

func TestFinalizeChainedDeadlock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := makePipeline(t, store, clowder.PipelineRunning)
	st := makeStage(t, store, p.ID, 0)
	a := makeJob(t, store, p.ID, st.ID, jobSpec{status: clowder.JobCompleted})
	// c waits for a to fail, which can never happen; d waits for c, which
	// looks satisfiable on its own but sits behind the stuck job.
	c := makeJob(t, store, p.ID, st.ID, jobSpec{})
	d := makeJob(t, store, p.ID, st.ID, jobSpec{})
	makeDep(t, store, c.ID, a.ID, clowder.DepFailure)
	makeDep(t, store, d.ID, c.ID, clowder.DepSuccess)

	ready, err := store.ReadyJob(ctx)
	require.NoError(t, err)
	require.Nil(t, ready)

	require.NoError(t, NewPropagator(store).FinalizePipeline(ctx, p.ID))

	got, err := store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.PipelineFailed, got.Status)

	for _, id := range []string{c.ID, d.ID} {
		j, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, clowder.JobSkipped, j.Status)
		require.Equal(t, ReasonPipelineDeadlocked, j.TerminationReason)
	}
}

func TestFinalizeNotDeadlockedWhileUpstreamRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := makePipeline(t, store, clowder.PipelineRunning)
	st := makeStage(t, store, p.ID, 0)
	running := makeJob(t, store, p.ID, st.ID, jobSpec{status: clowder.JobRunning})
	waiting := makeJob(t, store, p.ID, st.ID, jobSpec{})
	makeDep(t, store, waiting.ID, running.ID, clowder.DepSuccess)

	require.NoError(t, NewPropagator(store).FinalizePipeline(ctx, p.ID))

	got, err := store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, clowder.PipelineRunning, got.Status)
}
