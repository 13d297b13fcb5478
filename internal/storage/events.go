package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-research/nbforge/internal/model"
)

// InsertDiagnosticEvent writes a single diagnostic event.
func (db *DB) InsertDiagnosticEvent(ctx context.Context, e model.DiagnosticEvent) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO diagnostic_events (id, run_id, metric, severity, message, numeric_value, text_value, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.RunID, e.Metric, e.Severity, e.Message, e.NumericValue, e.TextValue, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert diagnostic event: %w", err)
	}
	return nil
}

// InsertDiagnosticEvents inserts events using the COPY protocol for high
// throughput. Used by the buffered sink's flush path.
func (db *DB) InsertDiagnosticEvents(ctx context.Context, events []model.DiagnosticEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"id", "run_id", "metric", "severity", "message", "numeric_value", "text_value", "created_at"}
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{e.ID, e.RunID, e.Metric, e.Severity, e.Message, e.NumericValue, e.TextValue, e.CreatedAt}
	}

	// Dedicated COPY timeout so a hung Postgres cannot block the flush
	// worker indefinitely.
	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"diagnostic_events"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy diagnostic events: %w", err)
	}
	return n, nil
}

// CountEventsByRun returns how many diagnostic events a run has accumulated.
func (db *DB) CountEventsByRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM diagnostic_events WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count events by run: %w", err)
	}
	return n, nil
}
