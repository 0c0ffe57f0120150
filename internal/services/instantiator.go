// Package services contains the orchestration core: template instantiation,
// the scheduler loop, job execution, fan-out, and failure propagation.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/db"
)

// Instantiator materializes pipeline templates into runnable pipelines.
type Instantiator struct {
	store *db.Store
}

func NewInstantiator(store *db.Store) *Instantiator {
	return &Instantiator{store: store}
}

// Instantiate creates a pipeline, its stages, jobs, and dependency edges from
// a template in a single transaction. Stages in excludedStageIDs and jobs in
// excludedJobIDs (template IDs, not instance IDs) are left out; dependency
// edges are only created when both endpoints were materialized.
func (i *Instantiator) Instantiate(ctx context.Context, templateID, originalPrompt, workspacePath string, excludedStageIDs, excludedJobIDs []string) (string, error) {
	tmpl, err := i.store.GetTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}

	excludedStages := toSet(excludedStageIDs)
	excludedJobs := toSet(excludedJobIDs)

	now := time.Now().UTC()
	pipeline := clowder.Pipeline{
		ID:             uuid.NewString(),
		TemplateID:     tmpl.ID,
		OriginalPrompt: originalPrompt,
		WorkspacePath:  workspacePath,
		Status:         clowder.PipelinePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	allowedPaths, err := json.Marshal([]string{workspacePath})
	if err != nil {
		return "", fmt.Errorf("encode allowed paths: %w", err)
	}

	tx, err := i.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if err := i.store.InsertPipeline(ctx, tx, &pipeline); err != nil {
		return "", err
	}

	// template job ID -> materialized job ID, for dependency wiring
	jobIDs := make(map[string]string)

	for _, ts := range tmpl.Stages {
		if _, skip := excludedStages[ts.ID]; skip {
			continue
		}

		stage := clowder.Stage{
			ID:         uuid.NewString(),
			PipelineID: pipeline.ID,
			Name:       ts.Name,
			StageOrder: ts.StageOrder,
			Status:     "pending",
			CreatedAt:  now,
		}
		if err := i.store.InsertStage(ctx, tx, &stage); err != nil {
			return "", err
		}

		for _, tj := range ts.Jobs {
			if _, skip := excludedJobs[tj.ID]; skip {
				continue
			}

			jobID := uuid.NewString()
			prompt := strings.ReplaceAll(tj.PromptTemplate, "{{original_prompt}}", originalPrompt)
			job := clowder.Job{
				ID:               jobID,
				PipelineID:       pipeline.ID,
				StageID:          stage.ID,
				AgentType:        tj.AgentType,
				Prompt:           prompt,
				OriginalPrompt:   prompt,
				Command:          renderCommand(tj.CommandTemplate, jobID, prompt, tj.AgentType),
				MaxIterations:    tj.MaxIterations,
				TimeoutSeconds:   tj.TimeoutSeconds,
				AllowedPaths:     string(allowedPaths),
				ArtifactStrategy: tj.ArtifactStrategy,
				RetryStrategy:    tj.RetryStrategy,
				TemplateJobID:    tj.ID,
				Status:           clowder.JobPending,
				MaxRetries:       tj.MaxRetries,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := i.store.InsertJob(ctx, tx, &job); err != nil {
				return "", err
			}
			jobIDs[tj.ID] = jobID
		}
	}

	for _, dep := range tmpl.Dependencies {
		from, okFrom := jobIDs[dep.TemplateJobID]
		to, okTo := jobIDs[dep.DependsOnTemplateJobID]
		if !okFrom || !okTo {
			continue
		}
		edge := clowder.JobDependency{
			JobID:          from,
			DependsOnJobID: to,
			DependencyType: dep.DependencyType,
		}
		if err := i.store.InsertJobDependency(ctx, tx, &edge); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit pipeline instantiation: %w", err)
	}

	slog.Info("instantiator: created pipeline",
		"pipeline", clowder.ShortID(pipeline.ID),
		"template", tmpl.ID,
		"jobs", len(jobIDs))
	return pipeline.ID, nil
}

// renderCommand substitutes the per-job placeholders in a command template.
// An empty template yields an empty command, which means the default harness.
func renderCommand(tmpl, jobID, prompt, agentType string) string {
	if tmpl == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{{job_id}}", jobID,
		"{{prompt}}", prompt,
		"{{agent_type}}", agentType,
	)
	return r.Replace(tmpl)
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
