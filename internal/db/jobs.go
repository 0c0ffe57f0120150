package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clowderhq/clowder/internal/clowder"
)

const jobColumns = `job_id, pipeline_id, stage_id, agent_type, prompt, original_prompt, command,
	max_iterations, timeout_seconds, allowed_paths, artifact_strategy, retry_strategy,
	template_job_id, parent_job_id, status, iteration, retry_count, max_retries,
	termination_reason, job_output, created_at, updated_at, started_at, completed_at`

// InsertJob inserts a materialized job. q may be a transaction.
func (s *Store) InsertJob(ctx context.Context, q DBTX, j *clowder.Job) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO jobs (job_id, pipeline_id, stage_id, agent_type, prompt, original_prompt, command,
		    max_iterations, timeout_seconds, allowed_paths, artifact_strategy, retry_strategy,
		    template_job_id, parent_job_id, status, iteration, retry_count, max_retries,
		    created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.PipelineID, j.StageID, j.AgentType, j.Prompt, j.OriginalPrompt, nullStr(j.Command),
		j.MaxIterations, j.TimeoutSeconds, j.AllowedPaths, nullStr(j.ArtifactStrategy), nullStr(j.RetryStrategy),
		nullStr(j.TemplateJobID), nullStr(j.ParentJobID), j.Status, j.Iteration, j.RetryCount, j.MaxRetries,
		ts(j.CreatedAt), ts(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// InsertJobDependency inserts a dependency edge. q may be a transaction.
func (s *Store) InsertJobDependency(ctx context.Context, q DBTX, d *clowder.JobDependency) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO job_dependencies (job_id, depends_on_job_id, dependency_type) VALUES (?, ?, ?)`,
		d.JobID, d.DependsOnJobID, d.DependencyType,
	)
	if err != nil {
		return fmt.Errorf("insert job dependency: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*clowder.Job, error) {
	row := s.Pool.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %q: %w", id, clowder.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// JobsByPipeline returns all jobs in a pipeline ordered by stage order, then
// creation time.
func (s *Store) JobsByPipeline(ctx context.Context, pipelineID string) ([]*clowder.Job, error) {
	rows, err := s.Pool.QueryContext(ctx,
		`SELECT `+qualifiedJobColumns("j")+`
		 FROM jobs j
		 JOIN stages s ON j.stage_id = s.stage_id
		 WHERE j.pipeline_id = ?
		 ORDER BY s.stage_order, j.created_at`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by pipeline: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// JobsByStage returns all jobs in one stage ordered by creation time.
func (s *Store) JobsByStage(ctx context.Context, stageID string) ([]*clowder.Job, error) {
	rows, err := s.Pool.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE stage_id = ? ORDER BY created_at`, stageID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by stage: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ReadyJob returns at most one pending job, across all running pipelines,
// whose every incoming dependency edge's precondition holds:
//
//	success: upstream completed
//	failure: upstream failed
//	always:  upstream completed or failed
//
// Ties break on (pipeline created_at, stage order, job created_at) so
// dispatch order is deterministic. Returns (nil, nil) when nothing is ready.
func (s *Store) ReadyJob(ctx context.Context) (*clowder.Job, error) {
	row := s.Pool.QueryRowContext(ctx,
		`SELECT `+qualifiedJobColumns("j")+`
		 FROM jobs j
		 JOIN pipelines p ON j.pipeline_id = p.pipeline_id
		 JOIN stages s ON j.stage_id = s.stage_id
		 WHERE p.status = 'running'
		   AND j.status = 'pending'
		   AND NOT EXISTS (
		       SELECT 1
		       FROM job_dependencies jd
		       JOIN jobs dep ON jd.depends_on_job_id = dep.job_id
		       WHERE jd.job_id = j.job_id
		         AND (
		             (jd.dependency_type = 'success' AND dep.status != 'completed')
		             OR (jd.dependency_type = 'failure' AND dep.status != 'failed')
		             OR (jd.dependency_type = 'always' AND dep.status NOT IN ('completed', 'failed'))
		         )
		   )
		 ORDER BY p.created_at, s.stage_order, j.created_at
		 LIMIT 1`)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ready job: %w", err)
	}
	return j, nil
}

// DeadlockedJobCount counts pending jobs in the pipeline that have at least
// one incoming dependency edge and no edge in a satisfiable state. An edge
// is still satisfiable while its upstream is pending or running, or once its
// terminal precondition already holds.
func (s *Store) DeadlockedJobCount(ctx context.Context, pipelineID string) (int, error) {
	var n int
	err := s.Pool.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM jobs j
		 WHERE j.pipeline_id = ?
		   AND j.status = 'pending'
		   AND EXISTS (SELECT 1 FROM job_dependencies WHERE job_id = j.job_id)
		   AND NOT EXISTS (
		       SELECT 1
		       FROM job_dependencies jd
		       JOIN jobs dep ON jd.depends_on_job_id = dep.job_id
		       WHERE jd.job_id = j.job_id
		         AND (
		             dep.status IN ('pending', 'running')
		             OR (jd.dependency_type = 'success' AND dep.status = 'completed')
		             OR (jd.dependency_type = 'failure' AND dep.status = 'failed')
		             OR (jd.dependency_type = 'always' AND dep.status IN ('completed', 'failed'))
		         )
		   )`, pipelineID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deadlocked jobs: %w", err)
	}
	return n, nil
}

// PendingDependents returns IDs of pending jobs that depend on jobID through
// an edge of the given type.
func (s *Store) PendingDependents(ctx context.Context, jobID string, depType clowder.DependencyType) ([]string, error) {
	rows, err := s.Pool.QueryContext(ctx,
		`SELECT jd.job_id
		 FROM job_dependencies jd
		 JOIN jobs j ON jd.job_id = j.job_id
		 WHERE jd.depends_on_job_id = ?
		   AND jd.dependency_type = ?
		   AND j.status = 'pending'`, jobID, depType)
	if err != nil {
		return nil, fmt.Errorf("list pending dependents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependents: %w", err)
	}
	return ids, nil
}

// DependenciesByJob returns the incoming edges of a job.
func (s *Store) DependenciesByJob(ctx context.Context, jobID string) ([]clowder.JobDependency, error) {
	rows, err := s.Pool.QueryContext(ctx,
		`SELECT job_id, depends_on_job_id, dependency_type
		 FROM job_dependencies WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job dependencies: %w", err)
	}
	defer rows.Close()

	var deps []clowder.JobDependency
	for rows.Next() {
		var d clowder.JobDependency
		if err := rows.Scan(&d.JobID, &d.DependsOnJobID, &d.DependencyType); err != nil {
			return nil, fmt.Errorf("scan job dependency: %w", err)
		}
		deps = append(deps, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job dependencies: %w", err)
	}
	return deps, nil
}

// MarkJobRunning transitions a job to running and stamps started_at.
func (s *Store) MarkJobRunning(ctx context.Context, jobID string) error {
	stamp := now()
	_, err := s.Pool.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ?, updated_at = ? WHERE job_id = ?`,
		stamp, stamp, jobID)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	return nil
}

// CompleteJob records a successful terminal outcome.
func (s *Store) CompleteJob(ctx context.Context, jobID, reason, output string) error {
	return s.finishJob(ctx, jobID, clowder.JobCompleted, reason, output)
}

// FailJob records a failed terminal outcome.
func (s *Store) FailJob(ctx context.Context, jobID, reason, output string) error {
	return s.finishJob(ctx, jobID, clowder.JobFailed, reason, output)
}

func (s *Store) finishJob(ctx context.Context, jobID string, status clowder.JobStatus, reason, output string) error {
	stamp := now()
	_, err := s.Pool.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, completed_at = ?, updated_at = ?, termination_reason = ?, job_output = ?
		 WHERE job_id = ?`,
		status, stamp, stamp, reason, output, jobID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// RequeueJob puts a failed attempt back in the pending queue with an
// incremented retry count and the attempt's output preserved for the next
// retry's context augmentation.
func (s *Store) RequeueJob(ctx context.Context, jobID string, retryCount int, output string) error {
	_, err := s.Pool.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'pending', retry_count = ?, job_output = ?, started_at = NULL, updated_at = ?
		 WHERE job_id = ?`,
		retryCount, output, now(), jobID)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// SkipJob marks a pending job skipped with the given reason. q may be a
// transaction so cascaded skips commit once.
func (s *Store) SkipJob(ctx context.Context, q DBTX, jobID, reason string) error {
	stamp := now()
	_, err := q.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'skipped', completed_at = ?, updated_at = ?, termination_reason = ?
		 WHERE job_id = ? AND status = 'pending'`,
		stamp, stamp, reason, jobID)
	if err != nil {
		return fmt.Errorf("skip job: %w", err)
	}
	return nil
}

// SkipPendingJobs marks every pending job in the pipeline skipped. q may be
// a transaction.
func (s *Store) SkipPendingJobs(ctx context.Context, q DBTX, pipelineID, reason string) error {
	stamp := now()
	_, err := q.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'skipped', completed_at = ?, updated_at = ?, termination_reason = ?
		 WHERE pipeline_id = ? AND status = 'pending'`,
		stamp, stamp, reason, pipelineID)
	if err != nil {
		return fmt.Errorf("skip pending jobs: %w", err)
	}
	return nil
}

// UpdateJobPrompt persists a rewritten prompt (retry context augmentation)
// so the subprocess observes it.
func (s *Store) UpdateJobPrompt(ctx context.Context, jobID, prompt string) error {
	_, err := s.Pool.ExecContext(ctx,
		`UPDATE jobs SET prompt = ?, updated_at = ? WHERE job_id = ?`,
		prompt, now(), jobID)
	if err != nil {
		return fmt.Errorf("update job prompt: %w", err)
	}
	return nil
}

// JobStatusCounts summarizes a pipeline's job statuses for finalization.
type JobStatusCounts struct {
	Total   int
	Done    int // completed + failed + skipped
	Failed  int
	Skipped int
	Pending int
}

// CountJobStatuses aggregates the pipeline's job statuses.
func (s *Store) CountJobStatuses(ctx context.Context, pipelineID string) (JobStatusCounts, error) {
	var c JobStatusCounts
	err := s.Pool.QueryRowContext(ctx,
		`SELECT
		     COUNT(*),
		     COALESCE(SUM(CASE WHEN status IN ('completed', 'failed', 'skipped') THEN 1 ELSE 0 END), 0),
		     COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		     COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0),
		     COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)
		 FROM jobs WHERE pipeline_id = ?`, pipelineID,
	).Scan(&c.Total, &c.Done, &c.Failed, &c.Skipped, &c.Pending)
	if err != nil {
		return JobStatusCounts{}, fmt.Errorf("count job statuses: %w", err)
	}
	return c, nil
}

// ChildJobCount counts multiplier children already spawned for a concrete
// parent and declaring template job. This is the idempotency guard for
// fan-out: a batch is spawned at most once per (parent, template job) pair.
func (s *Store) ChildJobCount(ctx context.Context, parentJobID, templateJobID string) (int, error) {
	var n int
	err := s.Pool.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE parent_job_id = ? AND template_job_id = ?`,
		parentJobID, templateJobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count child jobs: %w", err)
	}
	return n, nil
}

func qualifiedJobColumns(alias string) string {
	return alias + `.job_id, ` + alias + `.pipeline_id, ` + alias + `.stage_id, ` + alias + `.agent_type, ` +
		alias + `.prompt, ` + alias + `.original_prompt, ` + alias + `.command, ` +
		alias + `.max_iterations, ` + alias + `.timeout_seconds, ` + alias + `.allowed_paths, ` +
		alias + `.artifact_strategy, ` + alias + `.retry_strategy, ` +
		alias + `.template_job_id, ` + alias + `.parent_job_id, ` + alias + `.status, ` +
		alias + `.iteration, ` + alias + `.retry_count, ` + alias + `.max_retries, ` +
		alias + `.termination_reason, ` + alias + `.job_output, ` +
		alias + `.created_at, ` + alias + `.updated_at, ` + alias + `.started_at, ` + alias + `.completed_at`
}

func scanJob(r rowScanner) (*clowder.Job, error) {
	var j clowder.Job
	var command, artifact, retry, templateJobID, parentJobID sql.NullString
	var reason, output, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	if err := r.Scan(&j.ID, &j.PipelineID, &j.StageID, &j.AgentType, &j.Prompt, &j.OriginalPrompt, &command,
		&j.MaxIterations, &j.TimeoutSeconds, &j.AllowedPaths, &artifact, &retry,
		&templateJobID, &parentJobID, &j.Status, &j.Iteration, &j.RetryCount, &j.MaxRetries,
		&reason, &output, &createdAt, &updatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.Command = command.String
	j.ArtifactStrategy = artifact.String
	j.RetryStrategy = retry.String
	j.TemplateJobID = templateJobID.String
	j.ParentJobID = parentJobID.String
	j.TerminationReason = reason.String
	j.JobOutput = output.String
	j.CreatedAt = parseTS(createdAt)
	j.UpdatedAt = parseTS(updatedAt)
	j.StartedAt = parseNullTS(startedAt)
	j.CompletedAt = parseNullTS(completedAt)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*clowder.Job, error) {
	var result []*clowder.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return result, nil
}
