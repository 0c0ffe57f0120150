package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clowderhq/clowder/internal/clowder"
)

// InsertArtifact persists one artifact. q may be a transaction so a
// collector's whole batch commits at once.
func InsertArtifact(ctx context.Context, q DBTX, a *clowder.Artifact) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, job_id, type, name, description, file_path, content, size_bytes, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.Type, a.Name, a.Description, nullStr(a.FilePath), nullStr(a.Content),
		a.SizeBytes, nullStr(a.Metadata), ts(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ArtifactsByJob returns a job's artifacts, newest first.
func (s *Store) ArtifactsByJob(ctx context.Context, jobID string) ([]clowder.Artifact, error) {
	rows, err := s.Pool.QueryContext(ctx,
		`SELECT artifact_id, job_id, type, name, description, file_path, content, size_bytes, metadata, created_at
		 FROM artifacts WHERE job_id = ? ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var result []clowder.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return result, nil
}

// LatestArtifactContent returns the inline content of the most recent
// artifact with the given name, or ErrNotFound.
func (s *Store) LatestArtifactContent(ctx context.Context, jobID, name string) (string, error) {
	var content sql.NullString
	err := s.Pool.QueryRowContext(ctx,
		`SELECT content FROM artifacts
		 WHERE job_id = ? AND name = ?
		 ORDER BY created_at DESC LIMIT 1`, jobID, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("artifact %q for job %q: %w", name, jobID, clowder.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get artifact content: %w", err)
	}
	return content.String, nil
}

func scanArtifact(r rowScanner) (clowder.Artifact, error) {
	var a clowder.Artifact
	var filePath, content, metadata sql.NullString
	var createdAt string
	if err := r.Scan(&a.ID, &a.JobID, &a.Type, &a.Name, &a.Description,
		&filePath, &content, &a.SizeBytes, &metadata, &createdAt); err != nil {
		return clowder.Artifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	a.FilePath = filePath.String
	a.Content = content.String
	a.Metadata = metadata.String
	a.CreatedAt = parseTS(createdAt)
	return a, nil
}
