package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "embed"
)

//go:embed seed_templates.sql
var seedTemplatesSQL string

// SeedTemplates replays seed data when no templates exist. seedPath
// optionally points at an external SQL file; empty means the embedded
// default templates.
func (s *Store) SeedTemplates(ctx context.Context, seedPath string) error {
	n, err := s.CountTemplates(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	seed := seedTemplatesSQL
	if seedPath != "" {
		data, err := os.ReadFile(seedPath)
		if err != nil {
			return fmt.Errorf("read seed file: %w", err)
		}
		seed = string(data)
	}

	if _, err := s.Pool.ExecContext(ctx, seed); err != nil {
		return fmt.Errorf("load seed templates: %w", err)
	}
	slog.Info("seed templates loaded")
	return nil
}
