// Package artifact implements the pluggable collection strategies that
// decide what a finished job produced. The orchestrator, not the agent,
// controls artifact registration.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/clowderhq/clowder/internal/clowder"
	"github.com/clowderhq/clowder/internal/db"
)

// Strategy captures a job's outputs as artifacts.
//
// Begin runs before the job's subprocess is spawned, so strategies that diff
// workspace state can take a baseline. Collect runs after a successful
// attempt; it persists artifacts through q and must not mutate job status.
type Strategy interface {
	Name() string
	Begin(ctx context.Context, workspaceDir string) error
	Collect(ctx context.Context, q db.DBTX, job *clowder.Job, workspaceDir, finalOutput string) ([]clowder.Artifact, error)
}

type strategyConfig struct {
	Type       string            `json:"type"`
	Strategies []json.RawMessage `json:"strategies,omitempty"`
}

// FromConfig resolves a strategy from its JSON config. A missing config or
// an unknown type falls back to stdout_final.
func FromConfig(raw string) Strategy {
	if raw == "" {
		return &StdoutFinal{}
	}

	var cfg strategyConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		slog.Warn("invalid artifact strategy config, falling back to stdout_final", "err", err)
		return &StdoutFinal{}
	}

	switch cfg.Type {
	case "stdout_final":
		return &StdoutFinal{}
	case "workspace_delta":
		return &WorkspaceDelta{}
	case "composite":
		children := make([]Strategy, 0, len(cfg.Strategies))
		for _, sub := range cfg.Strategies {
			children = append(children, FromConfig(string(sub)))
		}
		return &Composite{Strategies: children}
	default:
		slog.Warn("unknown artifact strategy, falling back to stdout_final", "type", cfg.Type)
		return &StdoutFinal{}
	}
}

// Run executes the strategy's collection inside one transaction.
func Run(ctx context.Context, store *db.Store, strat Strategy, job *clowder.Job, workspaceDir, finalOutput string) ([]clowder.Artifact, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	artifacts, err := strat.Collect(ctx, tx, job, workspaceDir, finalOutput)
	if err != nil {
		return nil, fmt.Errorf("collect %s artifacts: %w", strat.Name(), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit artifacts: %w", err)
	}
	return artifacts, nil
}

// Composite runs several strategies and unions their results.
type Composite struct {
	Strategies []Strategy
}

func (c *Composite) Name() string { return "composite" }

func (c *Composite) Begin(ctx context.Context, workspaceDir string) error {
	for _, s := range c.Strategies {
		if err := s.Begin(ctx, workspaceDir); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composite) Collect(ctx context.Context, q db.DBTX, job *clowder.Job, workspaceDir, finalOutput string) ([]clowder.Artifact, error) {
	var all []clowder.Artifact
	for _, s := range c.Strategies {
		artifacts, err := s.Collect(ctx, q, job, workspaceDir, finalOutput)
		if err != nil {
			return nil, err
		}
		all = append(all, artifacts...)
	}
	return all, nil
}
