package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-research/nbforge/internal/model"
)

// GetRenderedReport returns the run's rendered report, or ErrNotFound.
func (db *DB) GetRenderedReport(ctx context.Context, runID uuid.UUID) (model.RenderedReport, error) {
	var r model.RenderedReport
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, content, format, created_at
		 FROM rendered_reports WHERE run_id = $1`, runID,
	).Scan(&r.ID, &r.RunID, &r.Content, &r.Format, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RenderedReport{}, fmt.Errorf("storage: rendered report for %s: %w", runID, ErrNotFound)
		}
		return model.RenderedReport{}, fmt.Errorf("storage: get rendered report: %w", err)
	}
	return r, nil
}

// CopyRenderedReport clones the source run's rendered report to the new run.
// Returns false when the source has no report.
func (db *DB) CopyRenderedReport(ctx context.Context, newRunID, sourceRunID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO rendered_reports (id, run_id, content, format, created_at)
		 SELECT gen_random_uuid(), $1, content, format, now()
		 FROM rendered_reports WHERE run_id = $2
		 ON CONFLICT (run_id) DO NOTHING`, newRunID, sourceRunID)
	if err != nil {
		return false, fmt.Errorf("storage: copy rendered report: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetPipelineArtifact returns an artifact by phase and type, or ErrNotFound.
func (db *DB) GetPipelineArtifact(ctx context.Context, runID uuid.UUID, phase, artifactType string) (model.PipelineArtifact, error) {
	var a model.PipelineArtifact
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, phase, artifact_type, payload, created_at
		 FROM pipeline_artifacts WHERE run_id = $1 AND phase = $2 AND artifact_type = $3`,
		runID, phase, artifactType,
	).Scan(&a.ID, &a.RunID, &a.Phase, &a.ArtifactType, &a.Payload, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PipelineArtifact{}, fmt.Errorf("storage: artifact %s/%s for %s: %w",
				phase, artifactType, runID, ErrNotFound)
		}
		return model.PipelineArtifact{}, fmt.Errorf("storage: get pipeline artifact: %w", err)
	}
	return a, nil
}

// UpsertPipelineArtifact writes an artifact keyed by (run, phase, type).
func (db *DB) UpsertPipelineArtifact(ctx context.Context, a model.PipelineArtifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO pipeline_artifacts (id, run_id, phase, artifact_type, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, phase, artifact_type)
		 DO UPDATE SET payload = EXCLUDED.payload, created_at = now()`,
		a.ID, a.RunID, a.Phase, a.ArtifactType, a.Payload)
	if err != nil {
		return fmt.Errorf("storage: upsert pipeline artifact: %w", err)
	}
	return nil
}

// CopyPipelineArtifacts clones all of the source run's pipeline artifacts to
// the new run and returns how many were copied.
func (db *DB) CopyPipelineArtifacts(ctx context.Context, newRunID, sourceRunID uuid.UUID) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO pipeline_artifacts (id, run_id, phase, artifact_type, payload, created_at)
		 SELECT gen_random_uuid(), $1, phase, artifact_type, payload, now()
		 FROM pipeline_artifacts WHERE run_id = $2
		 ON CONFLICT (run_id, phase, artifact_type) DO NOTHING`, newRunID, sourceRunID)
	if err != nil {
		return 0, fmt.Errorf("storage: copy pipeline artifacts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
