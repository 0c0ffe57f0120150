package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/clowderhq/clowder/internal/clowder"
)

// InsertPipeline inserts a new pipeline row. q may be a transaction.
func (s *Store) InsertPipeline(ctx context.Context, q DBTX, p *clowder.Pipeline) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO pipelines (pipeline_id, template_id, original_prompt, workspace_path, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nullStr(p.TemplateID), p.OriginalPrompt, p.WorkspacePath, p.Status, ts(p.CreatedAt), ts(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

// GetPipeline retrieves a pipeline by ID.
func (s *Store) GetPipeline(ctx context.Context, id string) (*clowder.Pipeline, error) {
	row := s.Pool.QueryRowContext(ctx,
		`SELECT pipeline_id, template_id, original_prompt, workspace_path, status, created_at, updated_at, completed_at
		 FROM pipelines WHERE pipeline_id = ?`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %q: %w", id, clowder.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return p, nil
}

// PipelinesByStatus returns all pipelines in any of the given statuses,
// oldest first.
func (s *Store) PipelinesByStatus(ctx context.Context, statuses ...clowder.PipelineStatus) ([]*clowder.Pipeline, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := `SELECT pipeline_id, template_id, original_prompt, workspace_path, status, created_at, updated_at, completed_at
	          FROM pipelines WHERE status IN (` + placeholders + `) ORDER BY created_at`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.Pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines by status: %w", err)
	}
	defer rows.Close()
	return collectPipelines(rows)
}

// RecentPipelines returns terminal pipelines, most recently completed first.
func (s *Store) RecentPipelines(ctx context.Context, limit int) ([]*clowder.Pipeline, error) {
	rows, err := s.Pool.QueryContext(ctx,
		`SELECT pipeline_id, template_id, original_prompt, workspace_path, status, created_at, updated_at, completed_at
		 FROM pipelines
		 WHERE status IN ('completed', 'failed', 'cancelled')
		 ORDER BY completed_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent pipelines: %w", err)
	}
	defer rows.Close()
	return collectPipelines(rows)
}

// PromotePipeline transitions a pending pipeline and its stages to running.
func (s *Store) PromotePipeline(ctx context.Context, id string) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stamp := now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE pipelines SET status = 'running', updated_at = ? WHERE pipeline_id = ? AND status = 'pending'`,
		stamp, id); err != nil {
		return fmt.Errorf("promote pipeline: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE stages SET status = 'running' WHERE pipeline_id = ? AND status = 'pending'`,
		id); err != nil {
		return fmt.Errorf("promote stages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promote: %w", err)
	}
	return nil
}

// FinishPipeline stamps the pipeline and its stages with a terminal status.
// q may be a transaction so finalization commits together with cascaded job
// updates.
func (s *Store) FinishPipeline(ctx context.Context, q DBTX, id string, status clowder.PipelineStatus) error {
	stamp := now()
	if _, err := q.ExecContext(ctx,
		`UPDATE pipelines SET status = ?, completed_at = ?, updated_at = ? WHERE pipeline_id = ?`,
		status, stamp, stamp, id); err != nil {
		return fmt.Errorf("finish pipeline: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE stages SET status = ? WHERE pipeline_id = ?`, status, id); err != nil {
		return fmt.Errorf("finish stages: %w", err)
	}
	return nil
}

// CancelPipeline flips a pipeline to cancelled. Running executors are not
// killed; the scheduler simply stops dispatching its jobs.
func (s *Store) CancelPipeline(ctx context.Context, id string) error {
	res, err := s.Pool.ExecContext(ctx,
		`UPDATE pipelines SET status = 'cancelled', updated_at = ? WHERE pipeline_id = ?`,
		now(), id)
	if err != nil {
		return fmt.Errorf("cancel pipeline: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pipeline %q: %w", id, clowder.ErrNotFound)
	}
	return nil
}

// InsertStage inserts a materialized stage. q may be a transaction.
func (s *Store) InsertStage(ctx context.Context, q DBTX, st *clowder.Stage) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO stages (stage_id, pipeline_id, name, stage_order, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		st.ID, st.PipelineID, st.Name, st.StageOrder, st.Status, ts(st.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert stage: %w", err)
	}
	return nil
}

// StagesByPipeline returns the pipeline's stages in order.
func (s *Store) StagesByPipeline(ctx context.Context, pipelineID string) ([]clowder.Stage, error) {
	rows, err := s.Pool.QueryContext(ctx,
		`SELECT stage_id, pipeline_id, name, stage_order, status, created_at
		 FROM stages WHERE pipeline_id = ? ORDER BY stage_order`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var stages []clowder.Stage
	for rows.Next() {
		var st clowder.Stage
		var createdAt string
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.Name, &st.StageOrder, &st.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.CreatedAt = parseTS(createdAt)
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	return stages, nil
}

// StageByOrder finds the materialized stage at a given order within a
// pipeline. The multiplier uses it to place children in the declaring
// template job's stage.
func (s *Store) StageByOrder(ctx context.Context, pipelineID string, order int) (*clowder.Stage, error) {
	var st clowder.Stage
	var createdAt string
	err := s.Pool.QueryRowContext(ctx,
		`SELECT stage_id, pipeline_id, name, stage_order, status, created_at
		 FROM stages WHERE pipeline_id = ? AND stage_order = ?`, pipelineID, order,
	).Scan(&st.ID, &st.PipelineID, &st.Name, &st.StageOrder, &st.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage order %d in pipeline %q: %w", order, pipelineID, clowder.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stage by order: %w", err)
	}
	st.CreatedAt = parseTS(createdAt)
	return &st, nil
}

func scanPipeline(r rowScanner) (*clowder.Pipeline, error) {
	var p clowder.Pipeline
	var templateID, completedAt sql.NullString
	var createdAt, updatedAt string
	if err := r.Scan(&p.ID, &templateID, &p.OriginalPrompt, &p.WorkspacePath, &p.Status,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	p.TemplateID = templateID.String
	p.CreatedAt = parseTS(createdAt)
	p.UpdatedAt = parseTS(updatedAt)
	p.CompletedAt = parseNullTS(completedAt)
	return &p, nil
}

func collectPipelines(rows *sql.Rows) ([]*clowder.Pipeline, error) {
	var result []*clowder.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipelines: %w", err)
	}
	return result, nil
}
