package clowder

import (
	"encoding/json"
	"time"
)

// PipelineStatus is the lifecycle state of a pipeline instance.
type PipelineStatus string

const (
	PipelinePending   PipelineStatus = "pending"
	PipelineRunning   PipelineStatus = "running"
	PipelineCompleted PipelineStatus = "completed"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

// Terminal reports whether the pipeline has reached a final state.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineCompleted || s == PipelineFailed || s == PipelineCancelled
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// Terminal reports whether the job has reached a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobSkipped
}

// DependencyType constrains when an edge into a job is considered satisfied.
type DependencyType string

const (
	// DepSuccess requires the upstream job to have completed.
	DepSuccess DependencyType = "success"
	// DepFailure requires the upstream job to have failed.
	DepFailure DependencyType = "failure"
	// DepAlways requires the upstream job to be done, either way.
	DepAlways DependencyType = "always"
)

// Template is a declarative pipeline recipe. Immutable after seeding.
type Template struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Stages      []TemplateStage `json:"stages"`
	// Dependencies span jobs across all stages of the template.
	Dependencies []TemplateJobDependency `json:"dependencies,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
}

// TemplateStage is an ordered grouping of template jobs.
type TemplateStage struct {
	ID         string        `json:"id"`
	TemplateID string        `json:"template_id"`
	Name       string        `json:"name"`
	StageOrder int           `json:"stage_order"`
	Jobs       []TemplateJob `json:"jobs"`
}

// TemplateJob is the declarative form of a job. The JSON-typed fields
// (ArtifactStrategy, RetryStrategy, JobMultiplier) are copied verbatim into
// materialized jobs.
type TemplateJob struct {
	ID               string `json:"id"`
	TemplateStageID  string `json:"template_stage_id"`
	AgentType        string `json:"agent_type"`
	PromptTemplate   string `json:"prompt_template"`
	CommandTemplate  string `json:"command_template,omitempty"`
	MaxIterations    int    `json:"max_iterations"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	MaxRetries       int    `json:"max_retries"`
	ArtifactStrategy string `json:"artifact_strategy,omitempty"`
	RetryStrategy    string `json:"retry_strategy,omitempty"`
	JobMultiplier    string `json:"job_multiplier,omitempty"`
}

// TemplateJobDependency is a directed edge between two template jobs.
type TemplateJobDependency struct {
	TemplateJobID          string         `json:"template_job_id"`
	DependsOnTemplateJobID string         `json:"depends_on_template_job_id"`
	DependencyType         DependencyType `json:"dependency_type"`
}

// Pipeline is a running or completed instance of a template.
type Pipeline struct {
	ID             string         `json:"pipeline_id"`
	TemplateID     string         `json:"template_id,omitempty"`
	OriginalPrompt string         `json:"original_prompt"`
	WorkspacePath  string         `json:"workspace_path"`
	Status         PipelineStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Stage is a materialized template stage.
type Stage struct {
	ID         string    `json:"stage_id"`
	PipelineID string    `json:"pipeline_id"`
	Name       string    `json:"name"`
	StageOrder int       `json:"stage_order"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Job is a single unit of agent work: one subprocess invocation per attempt.
type Job struct {
	ID             string `json:"job_id"`
	PipelineID     string `json:"pipeline_id"`
	StageID        string `json:"stage_id"`
	AgentType      string `json:"agent_type"`
	Prompt         string `json:"prompt"`
	OriginalPrompt string `json:"original_prompt"`
	// Command, when set, is invoked verbatim through the shell instead of
	// the default harness command.
	Command          string     `json:"command,omitempty"`
	MaxIterations    int        `json:"max_iterations"`
	TimeoutSeconds   int        `json:"timeout_seconds"`
	AllowedPaths     string     `json:"allowed_paths"`
	ArtifactStrategy string     `json:"artifact_strategy,omitempty"`
	RetryStrategy    string     `json:"retry_strategy,omitempty"`
	TemplateJobID    string     `json:"template_job_id,omitempty"`
	ParentJobID      string     `json:"parent_job_id,omitempty"`
	Status           JobStatus  `json:"status"`
	Iteration        int        `json:"iteration"`
	RetryCount       int        `json:"retry_count"`
	MaxRetries       int        `json:"max_retries"`
	TerminationReason string    `json:"termination_reason,omitempty"`
	JobOutput        string     `json:"job_output,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ShortID returns the log-friendly prefix of a job or pipeline ID.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// JobDependency is a directed edge between two materialized jobs.
type JobDependency struct {
	JobID          string         `json:"job_id"`
	DependsOnJobID string         `json:"depends_on_job_id"`
	DependencyType DependencyType `json:"dependency_type"`
}

// Artifact is a persisted output of a completed job: either inline content
// or a reference to a file on disk.
type Artifact struct {
	ID          string    `json:"artifact_id"`
	JobID       string    `json:"job_id"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	FilePath    string    `json:"file_path,omitempty"`
	Content     string    `json:"content,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Metadata    string    `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Action is one iteration-level record written by agent subprocesses that
// keep per-iteration state.
type Action struct {
	JobID       string    `json:"job_id"`
	Iteration   int       `json:"iteration"`
	Timestamp   time.Time `json:"timestamp"`
	LLMResponse string    `json:"llm_response"`
	Results     string    `json:"results"`
	RawStdout   string    `json:"raw_stdout,omitempty"`
	RawStderr   string    `json:"raw_stderr,omitempty"`
}

// RetryStrategy controls prompt augmentation on retry attempts.
type RetryStrategy struct {
	IncludeContext     bool   `json:"include_context"`
	ContextInstruction string `json:"context_instruction,omitempty"`
}

// ParseRetryStrategy decodes a job's retry_strategy JSON. An empty config
// yields the zero strategy (no context carry-over).
func ParseRetryStrategy(raw string) (RetryStrategy, error) {
	var rs RetryStrategy
	if raw == "" {
		return rs, nil
	}
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return RetryStrategy{}, err
	}
	return rs, nil
}

// MultiplierConfig declares a fan-out: when the job instantiated from
// SourceTemplateJobID completes, spawn one child per parsed item.
type MultiplierConfig struct {
	SourceTemplateJobID string `json:"source_template_job_id"`
	SourceType          string `json:"source_type,omitempty"`   // "artifact" (default) or "action"
	ArtifactName        string `json:"artifact_name,omitempty"` // default "final_output.txt"
	ParseStrategy       string `json:"parse_strategy,omitempty"`
	PromptTemplate      string `json:"prompt_template,omitempty"`
}
