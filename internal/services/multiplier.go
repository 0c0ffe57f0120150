package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clowderhq/clowder/internal/artifact"
	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/db"
)

// Multiplier turns the output of a completed job into a batch of child jobs,
// one per parsed item. Fan-out is declared on template jobs via the
// job_multiplier config; a batch is spawned at most once per
// (parent job, declaring template job).
type Multiplier struct {
	store *db.Store
}

func NewMultiplier(store *db.Store) *Multiplier {
	return &Multiplier{store: store}
}

// SpawnChildren checks every multiplier declaration in the parent's template
// and spawns child jobs for the ones sourcing the parent. Each batch commits
// in its own transaction.
func (m *Multiplier) SpawnChildren(ctx context.Context, parent *clowder.Job) error {
	if parent.TemplateJobID == "" {
		return nil
	}

	pipeline, err := m.store.GetPipeline(ctx, parent.PipelineID)
	if err != nil {
		return err
	}
	if pipeline.TemplateID == "" {
		return nil
	}

	templateJobs, stageOrders, err := m.store.MultiplierTemplateJobs(ctx, pipeline.TemplateID)
	if err != nil {
		return err
	}

	for idx, tj := range templateJobs {
		var cfg clowder.MultiplierConfig
		if err := json.Unmarshal([]byte(tj.JobMultiplier), &cfg); err != nil {
			slog.Warn("multiplier: invalid config, skipping",
				"template_job", tj.ID, "err", err)
			continue
		}
		if cfg.SourceTemplateJobID != parent.TemplateJobID {
			continue
		}

		existing, err := m.store.ChildJobCount(ctx, parent.ID, tj.ID)
		if err != nil {
			return err
		}
		if existing > 0 {
			slog.Debug("multiplier: batch already spawned",
				"parent", clowder.ShortID(parent.ID), "template_job", tj.ID)
			continue
		}

		items, err := m.sourceItems(ctx, &cfg, parent)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			slog.Warn("multiplier: source yielded no items",
				"parent", clowder.ShortID(parent.ID), "template_job", tj.ID)
			continue
		}

		if err := m.spawnBatch(ctx, pipeline, parent, tj, stageOrders[idx], &cfg, items); err != nil {
			return err
		}
		slog.Info("multiplier: spawned children",
			"parent", clowder.ShortID(parent.ID),
			"template_job", tj.ID,
			"count", len(items))
	}
	return nil
}

func (m *Multiplier) spawnBatch(ctx context.Context, pipeline *clowder.Pipeline, parent *clowder.Job, tj clowder.TemplateJob, stageOrder int, cfg *clowder.MultiplierConfig, items []string) error {
	stage, err := m.store.StageByOrder(ctx, pipeline.ID, stageOrder)
	if err != nil {
		return err
	}

	promptTemplate := cfg.PromptTemplate
	if promptTemplate == "" {
		promptTemplate = tj.PromptTemplate
	}

	allowedPaths, err := json.Marshal([]string{pipeline.WorkspacePath})
	if err != nil {
		return fmt.Errorf("encode allowed paths: %w", err)
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, item := range items {
		// Stagger created_at so the ready-job ordering dispatches siblings
		// in item order instead of breaking the tie arbitrarily.
		created := now.Add(time.Duration(i) * time.Microsecond)
		jobID := uuid.NewString()
		r := strings.NewReplacer(
			"{{item}}", item,
			"{{original_prompt}}", pipeline.OriginalPrompt,
			"{{index}}", strconv.Itoa(i),
		)
		prompt := r.Replace(promptTemplate)

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
			ParentJobID:      parent.ID,
			Status:           clowder.JobPending,
			MaxRetries:       tj.MaxRetries,
			CreatedAt:        created,
			UpdatedAt:        created,
		}
		if err := m.store.InsertJob(ctx, tx, &job); err != nil {
			return err
		}

		edge := clowder.JobDependency{
			JobID:          jobID,
			DependsOnJobID: parent.ID,
			DependencyType: clowder.DepSuccess,
		}
		if err := m.store.InsertJobDependency(ctx, tx, &edge); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit multiplier batch: %w", err)
	}
	return nil
}

// sourceItems reads the parent's output through the configured source and
// parses it into work items.
func (m *Multiplier) sourceItems(ctx context.Context, cfg *clowder.MultiplierConfig, parent *clowder.Job) ([]string, error) {
	var content string
	switch cfg.SourceType {
	case "action":
		action, err := m.store.LastAction(ctx, parent.ID)
		if errors.Is(err, clowder.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return tasksFromAction(action), nil
	default: // "artifact"
		name := cfg.ArtifactName
		if name == "" {
			name = artifact.FinalOutputName
		}
		var err error
		content, err = m.store.LatestArtifactContent(ctx, parent.ID, name)
		if errors.Is(err, clowder.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return parseItems(content, cfg.ParseStrategy), nil
}

// tasksFromAction extracts the task list from a finish action's arguments.
// The agent harness records its final action as
// {"action": "finish", "args": {"tasks": [...]}}.
func tasksFromAction(a *clowder.Action) []string {
	var payload struct {
		Action string `json:"action"`
		Args   struct {
			Tasks []json.RawMessage `json:"tasks"`
		} `json:"args"`
	}
	if err := json.Unmarshal([]byte(a.LLMResponse), &payload); err != nil {
		return nil
	}
	if payload.Action != "finish" {
		return nil
	}
	items := make([]string, 0, len(payload.Args.Tasks))
	for _, raw := range payload.Args.Tasks {
		items = append(items, rawToItem(raw))
	}
	return items
}

// parseItems splits content into items per the parse strategy. json_array
// falls back to treating the whole content as one item when it is not valid
// JSON; an unknown strategy does the same.
func parseItems(content, strategy string) []string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}

	switch strategy {
	case "json_array":
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(stripCodeFence(trimmed)), &arr); err != nil {
			return []string{trimmed}
		}
		items := make([]string, 0, len(arr))
		for _, raw := range arr {
			items = append(items, rawToItem(raw))
		}
		return items
	case "line_delimited":
		var items []string
		for _, line := range strings.Split(trimmed, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				items = append(items, line)
			}
		}
		return items
	case "comma_separated":
		var items []string
		for _, part := range strings.Split(trimmed, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		return items
	default:
		return []string{trimmed}
	}
}

// rawToItem renders a JSON array element as an item string: plain strings
// unquoted, anything else as compact JSON.
func rawToItem(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// stripCodeFence unwraps model output of the form ```json ... ``` so a
// fenced array still parses.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
