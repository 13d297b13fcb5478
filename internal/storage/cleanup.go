package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ArchiveCounts holds row counts for a single run archival.
type ArchiveCounts struct {
	Blocks int64 `json:"blocks"`
	Events int64 `json:"events"`
}

// ArchiveRun deletes a terminal run's block results and granular diagnostic
// events and marks the run archived, all in one transaction. Runs that are
// not in a terminal state are left untouched and ErrNotFound is returned.
//
// The caller writes the telemetry rollup record after this commits, using
// the returned counts, so the rollup survives the granular deletion.
func (db *DB) ArchiveRun(ctx context.Context, runID uuid.UUID) (ArchiveCounts, error) {
	var counts ArchiveCounts

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return counts, fmt.Errorf("storage: begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = 'archived'
		 WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')`, runID)
	if err != nil {
		return counts, fmt.Errorf("storage: mark archived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return counts, fmt.Errorf("storage: run %s not terminal: %w", runID, ErrNotFound)
	}

	tag, err = tx.Exec(ctx, `DELETE FROM block_results WHERE run_id = $1`, runID)
	if err != nil {
		return counts, fmt.Errorf("storage: delete archived blocks: %w", err)
	}
	counts.Blocks = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM diagnostic_events WHERE run_id = $1`, runID)
	if err != nil {
		return counts, fmt.Errorf("storage: delete archived events: %w", err)
	}
	counts.Events = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return counts, fmt.Errorf("storage: commit archive tx: %w", err)
	}
	return counts, nil
}
