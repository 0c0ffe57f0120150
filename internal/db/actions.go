package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clowderhq/clowder/internal/clowder"
)

// AppendAction records one iteration-level action for a job. Write-once per
// attempt iteration; agent subprocesses that keep per-iteration state use
// this table.
func (s *Store) AppendAction(ctx context.Context, a *clowder.Action) error {
	_, err := s.Pool.ExecContext(ctx,
		`INSERT INTO action_history (job_id, iteration, timestamp, llm_response, results, raw_stdout, raw_stderr)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.JobID, a.Iteration, ts(a.Timestamp), a.LLMResponse, a.Results, a.RawStdout, a.RawStderr,
	)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

// LastAction returns the highest-iteration action for a job, or ErrNotFound
// when the job recorded none.
func (s *Store) LastAction(ctx context.Context, jobID string) (*clowder.Action, error) {
	var a clowder.Action
	var stamp string
	err := s.Pool.QueryRowContext(ctx,
		`SELECT job_id, iteration, timestamp, llm_response, results, raw_stdout, raw_stderr
		 FROM action_history WHERE job_id = ?
		 ORDER BY iteration DESC LIMIT 1`, jobID,
	).Scan(&a.JobID, &a.Iteration, &stamp, &a.LLMResponse, &a.Results, &a.RawStdout, &a.RawStderr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("actions for job %q: %w", jobID, clowder.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get last action: %w", err)
	}
	a.Timestamp = parseTS(stamp)
	return &a, nil
}
