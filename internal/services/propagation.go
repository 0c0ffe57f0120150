package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/db"
)

// Termination reasons recorded on skipped jobs and used in API payloads.
const (
	ReasonDependencyFailed   = "dependency_failed"
	ReasonPipelineDeadlocked = "pipeline_deadlocked"
	ReasonPipelineCancelled  = "pipeline_cancelled"
)

// Propagator cascades job failures to their dependents and decides when a
// pipeline is finished.
type Propagator struct {
	store *db.Store
}

func NewPropagator(store *db.Store) *Propagator {
	return &Propagator{store: store}
}

// PropagateFailure skips every pending job reachable from the failed job
// through success edges, transitively. failure and always edges are untouched:
// their dependents are entitled to run after an upstream failure. All skips
// commit together. Re-running on the same job is a no-op because skips only
// touch pending jobs.
func (p *Propagator) PropagateFailure(ctx context.Context, failedJobID string) error {
	// Walk first, write after: the store holds a single connection, so reads
	// cannot run while a transaction is open.
	visited := map[string]struct{}{failedJobID: {}}
	queue := []string{failedJobID}
	var toSkip []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		dependents, err := p.store.PendingDependents(ctx, current, clowder.DepSuccess)
		if err != nil {
			return err
		}
		for _, id := range dependents {
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			toSkip = append(toSkip, id)
			queue = append(queue, id)
		}
	}

	if len(toSkip) == 0 {
		return nil
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range toSkip {
		if err := p.store.SkipJob(ctx, tx, id, ReasonDependencyFailed); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failure propagation: %w", err)
	}

	slog.Info("propagator: skipped dependents of failed job",
		"job", clowder.ShortID(failedJobID), "skipped", len(toSkip))
	return nil
}

// FinalizePipeline transitions a running pipeline to a terminal status when
// warranted: completed once every job is terminal and none failed, failed if
// any job failed, and failed with remaining jobs skipped when the pending
// jobs can no longer make progress. A pipeline with runnable work is left
// alone.
func (p *Propagator) FinalizePipeline(ctx context.Context, pipelineID string) error {
	counts, err := p.store.CountJobStatuses(ctx, pipelineID)
	if err != nil {
		return err
	}
	if counts.Total == 0 {
		return nil
	}

	if counts.Done == counts.Total {
		status := clowder.PipelineCompleted
		if counts.Failed > 0 {
			status = clowder.PipelineFailed
		}
		return p.finish(ctx, pipelineID, status, false)
	}

	if counts.Pending > 0 {
		deadlocked, err := p.store.DeadlockedJobCount(ctx, pipelineID)
		if err != nil {
			return err
		}
		// A deadlocked job has only terminal upstreams in the wrong state, so
		// it can never recover; one such job stalls the whole pipeline, jobs
		// chained behind it included.
		if deadlocked > 0 {
			slog.Warn("propagator: pipeline deadlocked",
				"pipeline", clowder.ShortID(pipelineID), "blocked", deadlocked)
			return p.finish(ctx, pipelineID, clowder.PipelineFailed, true)
		}
	}
	return nil
}

func (p *Propagator) finish(ctx context.Context, pipelineID string, status clowder.PipelineStatus, skipPending bool) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if skipPending {
		if err := p.store.SkipPendingJobs(ctx, tx, pipelineID, ReasonPipelineDeadlocked); err != nil {
			return err
		}
	}
	if err := p.store.FinishPipeline(ctx, tx, pipelineID, status); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pipeline finalization: %w", err)
	}

	slog.Info("propagator: pipeline finished",
		"pipeline", clowder.ShortID(pipelineID), "status", status)
	return nil
}
