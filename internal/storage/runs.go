package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-research/nbforge/internal/model"
)

const runColumns = `id, primary_entity_id, counterpart_entity_id, requested_by, mode,
	status, cache_strategy, reused_from_run_id, refresh_config,
	estimated_tokens, estimated_cost, actual_tokens, actual_cost,
	retry_count, last_error, created_at, started_at, completed_at`

// CreateRunParams holds the fields persisted when a run is queued.
type CreateRunParams struct {
	PrimaryEntityID     uuid.UUID
	CounterpartEntityID *uuid.UUID
	RequestedBy         string
	Mode                string
	RefreshConfig       model.RefreshConfig
	EstimatedTokens     int64
	EstimatedCost       float64
	ReusedSnapshotHint  *uuid.UUID
}

// CreateRun inserts a new run in the queued state and returns it.
func (db *DB) CreateRun(ctx context.Context, p CreateRunParams) (model.Run, error) {
	run := model.Run{
		ID:                  uuid.New(),
		PrimaryEntityID:     p.PrimaryEntityID,
		CounterpartEntityID: p.CounterpartEntityID,
		RequestedBy:         p.RequestedBy,
		Mode:                p.Mode,
		Status:              model.RunStatusQueued,
		CacheStrategy:       model.CacheStrategyFull,
		RefreshConfig:       p.RefreshConfig,
		EstimatedTokens:     p.EstimatedTokens,
		EstimatedCost:       p.EstimatedCost,
		CreatedAt:           time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, primary_entity_id, counterpart_entity_id, requested_by, mode,
		                   status, cache_strategy, refresh_config, estimated_tokens,
		                   estimated_cost, reused_snapshot_hint, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.PrimaryEntityID, run.CounterpartEntityID, run.RequestedBy, run.Mode,
		string(run.Status), string(run.CacheStrategy), run.RefreshConfig,
		run.EstimatedTokens, run.EstimatedCost, p.ReusedSnapshotHint, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := db.scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// MarkRunning transitions a queued or retrying run to running, recording the
// start time exactly once. Returns false if the run was in any other state;
// callers use that as the duplicate-execution guard.
func (db *DB) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = COALESCE(started_at, now())
		 WHERE id = $1 AND status IN ('queued', 'retrying')`, id)
	if err != nil {
		return false, fmt.Errorf("storage: mark running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishRun transitions a running run to completed or failed and records
// actuals. Guarded on the running state so late deliveries cannot clobber a
// terminal status.
func (db *DB) FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, actualTokens int64, actualCost float64, lastError *string) error {
	if status != model.RunStatusCompleted && status != model.RunStatusFailed {
		return fmt.Errorf("storage: finish run: invalid target status %q", status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $2, actual_tokens = $3, actual_cost = $4,
		        last_error = $5, completed_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, string(status), actualTokens, actualCost, lastError)
	if err != nil {
		return fmt.Errorf("storage: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not running: %w", id, ErrNotFound)
	}
	return nil
}

// MarkRetrying transitions a running run to retrying and increments the
// authoritative retry counter. Returns the new counter value.
func (db *DB) MarkRetrying(ctx context.Context, id uuid.UUID, lastError *string) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`UPDATE runs SET status = 'retrying', retry_count = retry_count + 1, last_error = $2
		 WHERE id = $1 AND status = 'running'
		 RETURNING retry_count`, id, lastError).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("storage: run %s not running: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("storage: mark retrying: %w", err)
	}
	return count, nil
}

// FailRun transitions a run to failed after retries are exhausted. The run
// may be running (failure detected mid-execution) or already retrying (the
// counter crossed the ceiling on the transition itself); any other state
// returns ErrNotFound.
func (db *DB) FailRun(ctx context.Context, id uuid.UUID, lastError *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'failed', last_error = $2, completed_at = now()
		 WHERE id = $1 AND status IN ('running', 'retrying')`, id, lastError)
	if err != nil {
		return fmt.Errorf("storage: fail run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not failable: %w", id, ErrNotFound)
	}
	return nil
}

// CancelRun cancels a run that has not started executing. Returns false from
// any state other than queued or retrying.
func (db *DB) CancelRun(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'cancelled', completed_at = now()
		 WHERE id = $1 AND status IN ('queued', 'retrying')`, id)
	if err != nil {
		return false, fmt.Errorf("storage: cancel run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindCacheCandidate returns the most recent completed run for the exact
// (primary, counterpart) pair created after cutoff, together with its total
// and completed block counts. Both counts matter: a stray extra row, or one
// stuck in a non-completed status, makes the candidate ineligible even when
// fifteen completed rows exist. A nil counterpart matches only runs with a
// nil counterpart. Returns ErrNotFound when no candidate exists.
func (db *DB) FindCacheCandidate(ctx context.Context, primary uuid.UUID, counterpart *uuid.UUID, cutoff time.Time) (model.Run, int, int, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE primary_entity_id = $1
		   AND counterpart_entity_id IS NOT DISTINCT FROM $2
		   AND status = 'completed'
		   AND created_at >= $3
		 ORDER BY created_at DESC
		 LIMIT 1`, primary, counterpart, cutoff)
	run, err := db.scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, 0, 0, fmt.Errorf("storage: cache candidate: %w", ErrNotFound)
		}
		return model.Run{}, 0, 0, fmt.Errorf("storage: find cache candidate: %w", err)
	}

	var total, completed int
	err = db.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'completed')
		 FROM block_results WHERE run_id = $1`,
		run.ID).Scan(&total, &completed)
	if err != nil {
		return model.Run{}, 0, 0, fmt.Errorf("storage: count candidate blocks: %w", err)
	}
	return run, total, completed, nil
}

// QueueStats is a histogram of run statuses plus average wait and execution
// durations.
type QueueStats struct {
	StatusCounts map[model.RunStatus]int `json:"status_counts"`
	AvgWait      time.Duration           `json:"avg_wait"`
	AvgExecution time.Duration           `json:"avg_execution"`
}

// GetQueueStats aggregates run counts by status and average durations.
func (db *DB) GetQueueStats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{StatusCounts: make(map[model.RunStatus]int)}

	rows, err := db.pool.Query(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("storage: queue stats counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("storage: scan status count: %w", err)
		}
		stats.StatusCounts[model.RunStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("storage: queue stats rows: %w", err)
	}

	var avgWait, avgExec *float64
	err = db.pool.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM AVG(started_at - created_at)),
		        EXTRACT(EPOCH FROM AVG(completed_at - started_at))
		 FROM runs WHERE started_at IS NOT NULL`,
	).Scan(&avgWait, &avgExec)
	if err != nil {
		return stats, fmt.Errorf("storage: queue stats averages: %w", err)
	}
	if avgWait != nil {
		stats.AvgWait = time.Duration(*avgWait * float64(time.Second))
	}
	if avgExec != nil {
		stats.AvgExecution = time.Duration(*avgExec * float64(time.Second))
	}
	return stats, nil
}

// ListRunsByStatus returns runs in the given status, oldest first. The
// worker uses it to pick up queued and retrying runs after a restart.
func (db *DB) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = $1
		 ORDER BY created_at ASC
		 LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs by status: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := db.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListArchivable returns terminal runs created before cutoff, oldest first.
func (db *DB) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list archivable: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := db.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan archivable run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (db *DB) scanRun(row pgx.Row) (model.Run, error) {
	var run model.Run
	var status, strategy string
	var rawRefresh []byte
	err := row.Scan(
		&run.ID, &run.PrimaryEntityID, &run.CounterpartEntityID, &run.RequestedBy, &run.Mode,
		&status, &strategy, &run.ReusedFromRunID, &rawRefresh,
		&run.EstimatedTokens, &run.EstimatedCost, &run.ActualTokens, &run.ActualCost,
		&run.RetryCount, &run.LastError, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	run.Status = model.RunStatus(status)
	run.CacheStrategy = model.CacheStrategy(strategy)

	cfg, err := model.ParseRefreshConfig(rawRefresh)
	if err != nil {
		// Malformed overrides degrade to "no override"; callers keep working.
		db.logger.Warn("storage: malformed refresh config, ignoring", "run_id", run.ID, "error", err)
	}
	run.RefreshConfig = cfg
	return run, nil
}
