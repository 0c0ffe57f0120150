package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clowderhq/clowder/internal/clowder"
)

// ListTemplateIDs returns the IDs of all templates ordered by name.
func (s *Store) ListTemplateIDs(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.QueryContext(ctx,
		`SELECT template_id FROM pipeline_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan template id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return ids, nil
}

// CountTemplates reports how many templates exist. Used to decide whether
// seed data should be loaded.
func (s *Store) CountTemplates(ctx context.Context) (int, error) {
	var n int
	if err := s.Pool.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_templates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count templates: %w", err)
	}
	return n, nil
}

// GetTemplate loads a full template: stages in order, each stage's jobs, and
// all dependency edges. Returns clowder.ErrNotFound for unknown IDs.
func (s *Store) GetTemplate(ctx context.Context, templateID string) (*clowder.Template, error) {
	var t clowder.Template
	var createdAt string
	err := s.Pool.QueryRowContext(ctx,
		`SELECT template_id, name, description, created_at
		 FROM pipeline_templates WHERE template_id = ?`, templateID,
	).Scan(&t.ID, &t.Name, &t.Description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %q: %w", templateID, clowder.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	t.CreatedAt = parseTS(createdAt)

	stageRows, err := s.Pool.QueryContext(ctx,
		`SELECT template_stage_id, template_id, name, stage_order
		 FROM template_stages WHERE template_id = ? ORDER BY stage_order`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list template stages: %w", err)
	}
	defer stageRows.Close()

	for stageRows.Next() {
		var st clowder.TemplateStage
		if err := stageRows.Scan(&st.ID, &st.TemplateID, &st.Name, &st.StageOrder); err != nil {
			return nil, fmt.Errorf("scan template stage: %w", err)
		}
		t.Stages = append(t.Stages, st)
	}
	if err := stageRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template stages: %w", err)
	}

	for i := range t.Stages {
		jobs, err := s.templateJobsByStage(ctx, t.Stages[i].ID)
		if err != nil {
			return nil, err
		}
		t.Stages[i].Jobs = jobs
	}

	depRows, err := s.Pool.QueryContext(ctx,
		`SELECT tjd.template_job_id, tjd.depends_on_template_job_id, tjd.dependency_type
		 FROM template_job_dependencies tjd
		 JOIN template_jobs tj ON tjd.template_job_id = tj.template_job_id
		 JOIN template_stages ts ON tj.template_stage_id = ts.template_stage_id
		 WHERE ts.template_id = ?`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list template dependencies: %w", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var d clowder.TemplateJobDependency
		if err := depRows.Scan(&d.TemplateJobID, &d.DependsOnTemplateJobID, &d.DependencyType); err != nil {
			return nil, fmt.Errorf("scan template dependency: %w", err)
		}
		t.Dependencies = append(t.Dependencies, d)
	}
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template dependencies: %w", err)
	}

	return &t, nil
}

func (s *Store) templateJobsByStage(ctx context.Context, stageID string) ([]clowder.TemplateJob, error) {
	rows, err := s.Pool.QueryContext(ctx,
		`SELECT template_job_id, template_stage_id, agent_type, prompt_template,
		        command_template, max_iterations, timeout_seconds, max_retries,
		        artifact_strategy, retry_strategy, job_multiplier
		 FROM template_jobs WHERE template_stage_id = ? ORDER BY template_job_id`, stageID)
	if err != nil {
		return nil, fmt.Errorf("list template jobs: %w", err)
	}
	defer rows.Close()

	var jobs []clowder.TemplateJob
	for rows.Next() {
		tj, err := scanTemplateJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, tj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template jobs: %w", err)
	}
	return jobs, nil
}

// MultiplierTemplateJobs returns every template job in the template that
// declares a job_multiplier, together with its stage order.
func (s *Store) MultiplierTemplateJobs(ctx context.Context, templateID string) ([]clowder.TemplateJob, []int, error) {
	rows, err := s.Pool.QueryContext(ctx,
		`SELECT tj.template_job_id, tj.template_stage_id, tj.agent_type, tj.prompt_template,
		        tj.command_template, tj.max_iterations, tj.timeout_seconds, tj.max_retries,
		        tj.artifact_strategy, tj.retry_strategy, tj.job_multiplier, ts.stage_order
		 FROM template_jobs tj
		 JOIN template_stages ts ON tj.template_stage_id = ts.template_stage_id
		 WHERE ts.template_id = ? AND tj.job_multiplier IS NOT NULL`, templateID)
	if err != nil {
		return nil, nil, fmt.Errorf("list multiplier template jobs: %w", err)
	}
	defer rows.Close()

	var jobs []clowder.TemplateJob
	var orders []int
	for rows.Next() {
		var tj clowder.TemplateJob
		var command, artifact, retry, multiplier sql.NullString
		var order int
		if err := rows.Scan(&tj.ID, &tj.TemplateStageID, &tj.AgentType, &tj.PromptTemplate,
			&command, &tj.MaxIterations, &tj.TimeoutSeconds, &tj.MaxRetries,
			&artifact, &retry, &multiplier, &order); err != nil {
			return nil, nil, fmt.Errorf("scan multiplier template job: %w", err)
		}
		tj.CommandTemplate = command.String
		tj.ArtifactStrategy = artifact.String
		tj.RetryStrategy = retry.String
		tj.JobMultiplier = multiplier.String
		jobs = append(jobs, tj)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate multiplier template jobs: %w", err)
	}
	return jobs, orders, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplateJob(r rowScanner) (clowder.TemplateJob, error) {
	var tj clowder.TemplateJob
	var command, artifact, retry, multiplier sql.NullString
	if err := r.Scan(&tj.ID, &tj.TemplateStageID, &tj.AgentType, &tj.PromptTemplate,
		&command, &tj.MaxIterations, &tj.TimeoutSeconds, &tj.MaxRetries,
		&artifact, &retry, &multiplier); err != nil {
		return clowder.TemplateJob{}, fmt.Errorf("scan template job: %w", err)
	}
	tj.CommandTemplate = command.String
	tj.ArtifactStrategy = artifact.String
	tj.RetryStrategy = retry.String
	tj.JobMultiplier = multiplier.String
	return tj, nil
}
