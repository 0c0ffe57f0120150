package services

import (
	"context"
	"fmt"
	"time"

	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/db"
)

// maxListNameRunes bounds display names derived from prompts in list
// payloads.
const maxListNameRunes = 50

// PipelineService assembles the read models served over HTTP and fronts
// pipeline lifecycle commands. Handlers stay thin; everything they return
// is shaped here.
type PipelineService struct {
	store        *db.Store
	instantiator *Instantiator
}

func NewPipelineService(store *db.Store, instantiator *Instantiator) *PipelineService {
	return &PipelineService{store: store, instantiator: instantiator}
}

// TemplateDetail is the full template payload.
type TemplateDetail struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Stages      []TemplateStageDetail `json:"stages"`
}

type TemplateStageDetail struct {
	ID   string              `json:"id"`
	Name string              `json:"name"`
	Jobs []TemplateJobDetail `json:"jobs"`
}

type TemplateJobDetail struct {
	ID             string              `json:"id"`
	AgentType      string              `json:"agent_type"`
	PromptTemplate string              `json:"prompt_template"`
	Dependencies   []TemplateJobEdge   `json:"dependencies"`
}

type TemplateJobEdge struct {
	DependsOn string                 `json:"depends_on"`
	Type      clowder.DependencyType `json:"type"`
}

// PipelineOverview is one row of the running/recent list payloads: the
// pipeline plus its stage/job tree.
type PipelineOverview struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Status      clowder.PipelineStatus `json:"status"`
	Stages      []StageOverview        `json:"stages"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

type StageOverview struct {
	Name string        `json:"name"`
	Jobs []JobOverview `json:"jobs"`
}

type JobOverview struct {
	Name    string            `json:"name"`
	Status  clowder.JobStatus `json:"status"`
	Log     string            `json:"log"`
	Retries int               `json:"retries"`
}

// PipelineDetail is the single-pipeline payload.
type PipelineDetail struct {
	Pipeline *clowder.Pipeline `json:"pipeline"`
	Jobs     []*clowder.Job    `json:"jobs"`
}

// StartRequest is the decoded body of a pipeline start call.
type StartRequest struct {
	Prompt           string   `json:"prompt"`
	WorkspacePath    string   `json:"workspace_path"`
	ExcludedStageIDs []string `json:"excluded_stage_ids"`
	ExcludedJobIDs   []string `json:"excluded_job_ids"`
}

// StartResponse echoes the new pipeline instance.
type StartResponse struct {
	PipelineID string                 `json:"pipeline_id"`
	TemplateID string                 `json:"template_id"`
	Name       string                 `json:"name"`
	Prompt     string                 `json:"prompt"`
	Status     clowder.PipelineStatus `json:"status"`
}

// StopResponse acknowledges a cancellation.
type StopResponse struct {
	PipelineID string                 `json:"pipeline_id"`
	Name       string                 `json:"name"`
	Status     clowder.PipelineStatus `json:"status"`
}

// ListTemplates returns the IDs of every known template.
func (p *PipelineService) ListTemplates(ctx context.Context) ([]string, error) {
	return p.store.ListTemplateIDs(ctx)
}

// GetTemplate returns the full template tree with per-job dependencies.
func (p *PipelineService) GetTemplate(ctx context.Context, templateID string) (*TemplateDetail, error) {
	tmpl, err := p.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	edgesByJob := make(map[string][]TemplateJobEdge)
	for _, d := range tmpl.Dependencies {
		edgesByJob[d.TemplateJobID] = append(edgesByJob[d.TemplateJobID], TemplateJobEdge{
			DependsOn: d.DependsOnTemplateJobID,
			Type:      d.DependencyType,
		})
	}

	detail := &TemplateDetail{
		ID:          tmpl.ID,
		Name:        tmpl.Name,
		Description: tmpl.Description,
	}
	for _, st := range tmpl.Stages {
		stage := TemplateStageDetail{ID: st.ID, Name: st.Name}
		for _, tj := range st.Jobs {
			stage.Jobs = append(stage.Jobs, TemplateJobDetail{
				ID:             tj.ID,
				AgentType:      tj.AgentType,
				PromptTemplate: tj.PromptTemplate,
				Dependencies:   edgesByJob[tj.ID],
			})
		}
		detail.Stages = append(detail.Stages, stage)
	}
	return detail, nil
}

// Start validates the request and materializes a new pipeline from the
// template. The pipeline starts pending; the scheduler promotes it on its
// next tick.
func (p *PipelineService) Start(ctx context.Context, templateID string, req StartRequest) (*StartResponse, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt must not be empty: %w", clowder.ErrInvalidRequest)
	}
	workspace := req.WorkspacePath
	if workspace == "" {
		workspace = "/workspace"
	}

	pipelineID, err := p.instantiator.Instantiate(ctx, templateID, req.Prompt, workspace, req.ExcludedStageIDs, req.ExcludedJobIDs)
	if err != nil {
		return nil, err
	}
	return &StartResponse{
		PipelineID: pipelineID,
		TemplateID: templateID,
		Name:       truncateRunes(req.Prompt, maxListNameRunes),
		Prompt:     req.Prompt,
		Status:     clowder.PipelinePending,
	}, nil
}

// Stop cancels a pipeline and skips its remaining pending jobs. Jobs already
// running finish their attempt; their outcome is still recorded but nothing
// new is dispatched.
func (p *PipelineService) Stop(ctx context.Context, pipelineID string) (*StopResponse, error) {
	pipeline, err := p.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if pipeline.Status.Terminal() {
		return nil, fmt.Errorf("pipeline %q already %s: %w", clowder.ShortID(pipelineID), pipeline.Status, clowder.ErrInvalidRequest)
	}

	if err := p.store.CancelPipeline(ctx, pipelineID); err != nil {
		return nil, err
	}
	if err := p.store.SkipPendingJobs(ctx, p.store.Pool, pipelineID, ReasonPipelineCancelled); err != nil {
		return nil, err
	}
	return &StopResponse{
		PipelineID: pipeline.ID,
		Name:       truncateRunes(pipeline.OriginalPrompt, maxListNameRunes),
		Status:     clowder.PipelineCancelled,
	}, nil
}

// Running lists pipelines that are pending or running, with their stage
// trees.
func (p *PipelineService) Running(ctx context.Context) ([]PipelineOverview, error) {
	pipelines, err := p.store.PipelinesByStatus(ctx, clowder.PipelinePending, clowder.PipelineRunning)
	if err != nil {
		return nil, err
	}
	return p.overviews(ctx, pipelines)
}

// Recent lists terminal pipelines, most recently completed first.
func (p *PipelineService) Recent(ctx context.Context, limit int) ([]PipelineOverview, error) {
	if limit < 1 {
		limit = 10
	}
	pipelines, err := p.store.RecentPipelines(ctx, limit)
	if err != nil {
		return nil, err
	}
	return p.overviews(ctx, pipelines)
}

// Get returns one pipeline with its flat job list.
func (p *PipelineService) Get(ctx context.Context, pipelineID string) (*PipelineDetail, error) {
	pipeline, err := p.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	jobs, err := p.store.JobsByPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	return &PipelineDetail{Pipeline: pipeline, Jobs: jobs}, nil
}

func (p *PipelineService) overviews(ctx context.Context, pipelines []*clowder.Pipeline) ([]PipelineOverview, error) {
	result := make([]PipelineOverview, 0, len(pipelines))
	for _, pl := range pipelines {
		stages, err := p.store.StagesByPipeline(ctx, pl.ID)
		if err != nil {
			return nil, err
		}
		jobs, err := p.store.JobsByPipeline(ctx, pl.ID)
		if err != nil {
			return nil, err
		}
		byStage := make(map[string][]JobOverview, len(stages))
		for _, j := range jobs {
			byStage[j.StageID] = append(byStage[j.StageID], JobOverview{
				Name:    truncateRunes(j.Prompt, maxListNameRunes),
				Status:  j.Status,
				Log:     j.JobOutput,
				Retries: j.RetryCount,
			})
		}

		o := PipelineOverview{
			ID:          pl.ID,
			Name:        truncateRunes(pl.OriginalPrompt, maxListNameRunes),
			Description: pl.OriginalPrompt,
			Status:      pl.Status,
			CompletedAt: pl.CompletedAt,
		}
		for _, st := range stages {
			o.Stages = append(o.Stages, StageOverview{Name: st.Name, Jobs: byStage[st.ID]})
		}
		result = append(result, o)
	}
	return result, nil
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
