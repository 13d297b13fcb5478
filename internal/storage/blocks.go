package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridian-research/nbforge/internal/model"
)

// ErrPartialCopy is returned when a cache clone produced fewer than the
// expected fifteen block results. The enclosing transaction has been rolled
// back when this is returned.
var ErrPartialCopy = errors.New("storage: partial block copy")

const blockColumns = `id, run_id, code, status, payload, citations, token_count, duration_ms, created_at`

// InsertBlockResult stores a single block result for a run.
func (db *DB) InsertBlockResult(ctx context.Context, b model.BlockResult) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Citations == nil {
		b.Citations = []model.Citation{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO block_results (id, run_id, code, status, payload, citations, token_count, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.RunID, b.Code, string(b.Status), b.Payload, b.Citations,
		b.TokenCount, b.DurationMS, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert block result: %w", err)
	}
	return nil
}

// ListBlockResults returns a run's block results ordered by code.
func (db *DB) ListBlockResults(ctx context.Context, runID uuid.UUID) ([]model.BlockResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM block_results WHERE run_id = $1 ORDER BY code`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list block results: %w", err)
	}
	defer rows.Close()

	var blocks []model.BlockResult
	for rows.Next() {
		b, err := db.scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan block result: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// CompletedBlockCount returns how many of a run's blocks have completed.
func (db *DB) CompletedBlockCount(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM block_results WHERE run_id = $1 AND status = 'completed'`,
		runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: completed block count: %w", err)
	}
	return n, nil
}

// RunningBlockCode returns the code of the currently running block, if any.
func (db *DB) RunningBlockCode(ctx context.Context, runID uuid.UUID) (*string, error) {
	var code string
	err := db.pool.QueryRow(ctx,
		`SELECT code FROM block_results WHERE run_id = $1 AND status = 'running'
		 ORDER BY created_at LIMIT 1`, runID).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: running block code: %w", err)
	}
	return &code, nil
}

// SumBlockTokens totals token counts across a run's blocks.
func (db *DB) SumBlockTokens(ctx context.Context, runID uuid.UUID) (int64, error) {
	var total int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(token_count), 0) FROM block_results WHERE run_id = $1`,
		runID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: sum block tokens: %w", err)
	}
	return total, nil
}

// ApplyReuseDecision atomically marks newRunID as reused from sourceRunID
// and clones all of the source's block results under the new run. Cloned
// blocks keep payload, citations, and token counts; duration resets to 0 and
// status is forced to completed since no generation occurred.
//
// All-or-nothing: if the clone yields anything other than exactly fifteen
// rows, the whole transaction rolls back and ErrPartialCopy is returned,
// leaving the new run's cache fields untouched.
func (db *DB) ApplyReuseDecision(ctx context.Context, newRunID, sourceRunID uuid.UUID) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin reuse tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Record the reuse decision on the new run.
	tag, err := tx.Exec(ctx,
		`UPDATE runs SET cache_strategy = 'reuse', reused_from_run_id = $2
		 WHERE id = $1`, newRunID, sourceRunID)
	if err != nil {
		return 0, fmt.Errorf("storage: record reuse decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("storage: run %s: %w", newRunID, ErrNotFound)
	}

	// 2. Clone the source's block results under the new run.
	tag, err = tx.Exec(ctx,
		`INSERT INTO block_results (id, run_id, code, status, payload, citations, token_count, duration_ms, created_at)
		 SELECT gen_random_uuid(), $1, code, 'completed', payload, citations, token_count, 0, now()
		 FROM block_results WHERE run_id = $2
		 ORDER BY code`, newRunID, sourceRunID)
	if err != nil {
		return 0, fmt.Errorf("storage: clone block results: %w", err)
	}
	cloned := int(tag.RowsAffected())
	if cloned != model.ExpectedBlockCount {
		return cloned, fmt.Errorf("storage: cloned %d of %d blocks: %w",
			cloned, model.ExpectedBlockCount, ErrPartialCopy)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit reuse tx: %w", err)
	}
	return cloned, nil
}

// SetCacheStrategyFull records a full-generation decision on the run.
func (db *DB) SetCacheStrategyFull(ctx context.Context, runID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET cache_strategy = 'full' WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("storage: set cache strategy full: %w", err)
	}
	return nil
}

func (db *DB) scanBlock(row pgx.Row) (model.BlockResult, error) {
	var b model.BlockResult
	var status string
	var rawCitations []byte
	if err := row.Scan(
		&b.ID, &b.RunID, &b.Code, &status, &b.Payload, &rawCitations,
		&b.TokenCount, &b.DurationMS, &b.CreatedAt,
	); err != nil {
		return model.BlockResult{}, err
	}
	b.Status = model.BlockStatus(status)

	// Citation decode is tolerant: one corrupt list must not block the
	// other fourteen blocks from loading.
	if len(rawCitations) > 0 && string(rawCitations) != "null" {
		if err := json.Unmarshal(rawCitations, &b.Citations); err != nil {
			db.logger.Warn("storage: malformed citations, dropping", "block", b.ID, "code", b.Code, "error", err)
			b.Citations = nil
		}
	}
	return b, nil
}
