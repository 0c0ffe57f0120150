package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/clowderhq/clowder/internal/artifact"
	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/db"
)

// DefaultRetryInstruction prefixes the augmented prompt on retries when the
// job's retry strategy asks for context but names no instruction of its own.
const DefaultRetryInstruction = "IMPORTANT: This is a retry. Previous attempt output is below. Continue from where you left off.\n\n"

// Executor runs one job attempt as a shell subprocess and records the
// outcome. All terminal transitions, artifact collection, fan-out, and
// failure propagation for the attempt happen here.
type Executor struct {
	store      *db.Store
	multiplier *Multiplier
	propagator *Propagator
	// harnessCommand is the command line for jobs without their own command.
	// {{job_id}} is replaced with the job's ID.
	harnessCommand string
}

func NewExecutor(store *db.Store, multiplier *Multiplier, propagator *Propagator, harnessCommand string) *Executor {
	return &Executor{
		store:          store,
		multiplier:     multiplier,
		propagator:     propagator,
		harnessCommand: harnessCommand,
	}
}

// Run executes one attempt of the job. It never reports errors upward:
// anything that goes wrong is recorded on the job row and logged, so the
// scheduler loop stays alive.
func (e *Executor) Run(ctx context.Context, jobID string) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("executor: cannot load job", "job", clowder.ShortID(jobID), "err", err)
		return
	}

	if err := e.store.MarkJobRunning(ctx, job.ID); err != nil {
		slog.Error("executor: cannot mark job running", "job", clowder.ShortID(job.ID), "err", err)
		return
	}

	pipeline, err := e.store.GetPipeline(ctx, job.PipelineID)
	if err != nil {
		e.failInternal(ctx, job, fmt.Errorf("load pipeline: %w", err))
		return
	}

	if err := e.augmentRetryPrompt(ctx, job); err != nil {
		e.failInternal(ctx, job, err)
		return
	}

	strat := artifact.FromConfig(job.ArtifactStrategy)
	if err := strat.Begin(ctx, pipeline.WorkspacePath); err != nil {
		e.failInternal(ctx, job, fmt.Errorf("begin artifact capture: %w", err))
		return
	}

	command := job.Command
	if command == "" {
		command = strings.ReplaceAll(e.harnessCommand, "{{job_id}}", job.ID)
	}
	slog.Info("executor: starting job",
		"job", clowder.ShortID(job.ID),
		"agent", job.AgentType,
		"attempt", job.RetryCount+1)

	output, exitCode, timedOut, err := e.spawn(ctx, job, command)
	if err != nil {
		e.failInternal(ctx, job, err)
		return
	}

	if exitCode == 0 && !timedOut {
		e.succeed(ctx, job, strat, pipeline.WorkspacePath, output)
		return
	}
	e.handleFailure(ctx, job, output, exitCode, timedOut)
}

// spawn runs the command through the shell with stderr merged into stdout,
// streaming lines into the log and the accumulated output. A timeout kills
// the process group and reports timedOut instead of an error.
func (e *Executor) spawn(ctx context.Context, job *clowder.Job, command string) (output string, exitCode int, timedOut bool, err error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if job.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	// Run the job in its own process group and kill the whole group on
	// timeout, otherwise grandchildren keep the output pipe open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", 0, false, fmt.Errorf("open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", 0, false, fmt.Errorf("start job process: %w", err)
	}

	var buf strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	short := clowder.ShortID(job.ID)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		slog.Debug("executor: job output", "job", short, "line", line)
	}

	waitErr := cmd.Wait()
	if runCtx.Err() == context.DeadlineExceeded {
		return buf.String(), -1, true, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return buf.String(), exitErr.ExitCode(), false, nil
		}
		return buf.String(), 0, false, fmt.Errorf("wait for job process: %w", waitErr)
	}
	return buf.String(), 0, false, nil
}

// augmentRetryPrompt rewrites the job's prompt on retry attempts when the
// retry strategy asks for previous-attempt context.
func (e *Executor) augmentRetryPrompt(ctx context.Context, job *clowder.Job) error {
	if job.RetryCount == 0 || job.JobOutput == "" {
		return nil
	}
	rs, err := clowder.ParseRetryStrategy(job.RetryStrategy)
	if err != nil {
		return fmt.Errorf("parse retry strategy: %w", err)
	}
	if !rs.IncludeContext {
		return nil
	}

	instruction := rs.ContextInstruction
	if instruction == "" {
		instruction = DefaultRetryInstruction
	}
	prompt := instruction +
		"=== PREVIOUS ATTEMPT OUTPUT ===\n" + job.JobOutput + "\n\n" +
		"=== ORIGINAL TASK ===\n" + job.OriginalPrompt

	if err := e.store.UpdateJobPrompt(ctx, job.ID, prompt); err != nil {
		return err
	}
	job.Prompt = prompt
	return nil
}

func (e *Executor) succeed(ctx context.Context, job *clowder.Job, strat artifact.Strategy, workspacePath, output string) {
	if err := e.store.CompleteJob(ctx, job.ID, "success", output); err != nil {
		slog.Error("executor: cannot complete job", "job", clowder.ShortID(job.ID), "err", err)
		return
	}
	slog.Info("executor: job completed", "job", clowder.ShortID(job.ID))

	artifacts, err := artifact.Run(ctx, e.store, strat, job, workspacePath, output)
	if err != nil {
		slog.Error("executor: artifact collection failed",
			"job", clowder.ShortID(job.ID), "strategy", strat.Name(), "err", err)
	} else if len(artifacts) > 0 {
		slog.Info("executor: collected artifacts",
			"job", clowder.ShortID(job.ID), "count", len(artifacts))
	}

	if err := e.multiplier.SpawnChildren(ctx, job); err != nil {
		slog.Error("executor: multiplier failed", "job", clowder.ShortID(job.ID), "err", err)
	}
}

func (e *Executor) handleFailure(ctx context.Context, job *clowder.Job, output string, exitCode int, timedOut bool) {
	attempt := job.RetryCount + 1
	if job.RetryCount < job.MaxRetries {
		if err := e.store.RequeueJob(ctx, job.ID, job.RetryCount+1, output); err != nil {
			slog.Error("executor: cannot requeue job", "job", clowder.ShortID(job.ID), "err", err)
			return
		}
		slog.Warn("executor: job attempt failed, requeued",
			"job", clowder.ShortID(job.ID),
			"attempt", attempt,
			"exit_code", exitCode,
			"timed_out", timedOut)
		return
	}

	var reason string
	if timedOut {
		reason = fmt.Sprintf("timeout_after_%d_attempts", attempt)
	} else {
		reason = fmt.Sprintf("exit_code_%d_after_%d_attempts", exitCode, attempt)
	}
	e.fail(ctx, job, reason, output)
}

func (e *Executor) failInternal(ctx context.Context, job *clowder.Job, cause error) {
	slog.Error("executor: internal error", "job", clowder.ShortID(job.ID), "err", cause)
	e.fail(ctx, job, "internal_error: "+cause.Error(), job.JobOutput)
}

func (e *Executor) fail(ctx context.Context, job *clowder.Job, reason, output string) {
	if err := e.store.FailJob(ctx, job.ID, reason, output); err != nil {
		slog.Error("executor: cannot fail job", "job", clowder.ShortID(job.ID), "err", err)
		return
	}
	slog.Warn("executor: job failed", "job", clowder.ShortID(job.ID), "reason", reason)

	if err := e.propagator.PropagateFailure(ctx, job.ID); err != nil {
		slog.Error("executor: failure propagation failed", "job", clowder.ShortID(job.ID), "err", err)
	}
}
