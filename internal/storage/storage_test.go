package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-research/nbforge/internal/model"
	"github.com/meridian-research/nbforge/internal/nbcode"
	"github.com/meridian-research/nbforge/internal/storage"
	"github.com/meridian-research/nbforge/internal/testutil"
	"github.com/meridian-research/nbforge/migrations"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "test DB setup failed: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func createRun(t *testing.T, counterpart *uuid.UUID) model.Run {
	t.Helper()
	run, err := testDB.CreateRun(context.Background(), storage.CreateRunParams{
		PrimaryEntityID:     uuid.New(),
		CounterpartEntityID: counterpart,
		RequestedBy:         "tester",
		Mode:                "single",
		EstimatedTokens:     90_000,
		EstimatedCost:       1.35,
	})
	require.NoError(t, err)
	return run
}

func insertBlocks(t *testing.T, runID uuid.UUID, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		err := testDB.InsertBlockResult(context.Background(), model.BlockResult{
			RunID:      runID,
			Code:       string(nbcode.For(i)),
			Status:     model.BlockStatusCompleted,
			Payload:    json.RawMessage(fmt.Sprintf(`{"block":%d}`, i)),
			Citations:  []model.Citation{{Title: "src", URL: fmt.Sprintf("https://example.com/%d", i)}},
			TokenCount: 1_000,
			DurationMS: 2_000,
		})
		require.NoError(t, err)
	}
}

func completeRun(t *testing.T, runID uuid.UUID) {
	t.Helper()
	ok, err := testDB.MarkRunning(context.Background(), runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, testDB.FinishRun(context.Background(), runID, model.RunStatusCompleted, 15_000, 0.22, nil))
}

// backdate moves a run's creation time so freshness and cleanup cutoffs can
// be exercised.
func backdate(t *testing.T, runID uuid.UUID, days int) {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(),
		`UPDATE runs SET created_at = created_at - make_interval(days => $2),
		        completed_at = completed_at - make_interval(days => $2)
		 WHERE id = $1`, runID, days)
	require.NoError(t, err)
}

func TestCreateAndGetRun(t *testing.T) {
	counterpart := uuid.New()
	run, err := testDB.CreateRun(context.Background(), storage.CreateRunParams{
		PrimaryEntityID:     uuid.New(),
		CounterpartEntityID: &counterpart,
		RequestedBy:         "tester",
		Mode:                "versus",
		RefreshConfig:       model.RefreshConfig{ForceSynthesisRefresh: true},
		EstimatedTokens:     90_000,
		EstimatedCost:       1.35,
	})
	require.NoError(t, err)

	got, err := testDB.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunStatusQueued, got.Status)
	assert.Equal(t, model.CacheStrategyFull, got.CacheStrategy)
	require.NotNil(t, got.CounterpartEntityID)
	assert.Equal(t, counterpart, *got.CounterpartEntityID)
	assert.True(t, got.RefreshConfig.ForceSynthesisRefresh)
	assert.Equal(t, int64(90_000), got.EstimatedTokens)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.StartedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	_, err := testDB.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunLifecycle(t *testing.T) {
	run := createRun(t, nil)
	ctx := context.Background()

	ok, err := testDB.MarkRunning(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, ok)

	mid, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, mid.Status)
	require.NotNil(t, mid.StartedAt)

	// A second delivery must not re-enter running.
	ok, err = testDB.MarkRunning(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, testDB.FinishRun(ctx, run.ID, model.RunStatusCompleted, 12_000, 0.18, nil))
	done, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	assert.Equal(t, int64(12_000), done.ActualTokens)
	assert.Equal(t, *mid.StartedAt, *done.StartedAt, "start time is recorded exactly once")
	require.NotNil(t, done.CompletedAt)

	// Finishing a non-running run is refused.
	err = testDB.FinishRun(ctx, run.ID, model.RunStatusCompleted, 0, 0, nil)
	assert.Error(t, err)
}

func TestRetryCounter(t *testing.T) {
	run := createRun(t, nil)
	ctx := context.Background()

	ok, err := testDB.MarkRunning(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, ok)

	cause := "provider unavailable"
	attempt, err := testDB.MarkRetrying(ctx, run.ID, &cause)
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)

	ok, err = testDB.MarkRunning(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, ok, "retrying re-enters running")

	attempt, err = testDB.MarkRetrying(ctx, run.ID, &cause)
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, cause, *got.LastError)
}

func TestFailRun(t *testing.T) {
	ctx := context.Background()
	cause := "retries exhausted"

	t.Run("from running", func(t *testing.T) {
		run := createRun(t, nil)
		ok, err := testDB.MarkRunning(ctx, run.ID)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, testDB.FailRun(ctx, run.ID, &cause))
		got, err := testDB.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, got.Status)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("from retrying", func(t *testing.T) {
		run := createRun(t, nil)
		ok, err := testDB.MarkRunning(ctx, run.ID)
		require.NoError(t, err)
		require.True(t, ok)
		_, err = testDB.MarkRetrying(ctx, run.ID, &cause)
		require.NoError(t, err)

		require.NoError(t, testDB.FailRun(ctx, run.ID, &cause))
		got, err := testDB.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, got.Status)
	})

	t.Run("terminal run is refused", func(t *testing.T) {
		run := createRun(t, nil)
		completeRun(t, run.ID)

		err := testDB.FailRun(ctx, run.ID, &cause)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		got, err := testDB.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, got.Status, "completed outcome is preserved")
	})
}

func TestCancelRun(t *testing.T) {
	ctx := context.Background()

	t.Run("from queued", func(t *testing.T) {
		run := createRun(t, nil)
		ok, err := testDB.CancelRun(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("from running is refused", func(t *testing.T) {
		run := createRun(t, nil)
		started, err := testDB.MarkRunning(ctx, run.ID)
		require.NoError(t, err)
		require.True(t, started)

		ok, err := testDB.CancelRun(ctx, run.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestFindCacheCandidate(t *testing.T) {
	ctx := context.Background()
	primary := uuid.New()
	cutoff := time.Now().UTC().AddDate(0, 0, -90)

	find := func(counterpart *uuid.UUID) (model.Run, int, int, error) {
		return testDB.FindCacheCandidate(ctx, primary, counterpart, cutoff)
	}

	_, _, _, err := find(nil)
	assert.ErrorIs(t, err, storage.ErrNotFound, "empty table has no candidate")

	// Completed run for (primary, nil), 10 days old, complete.
	older, err := testDB.CreateRun(ctx, storage.CreateRunParams{PrimaryEntityID: primary})
	require.NoError(t, err)
	completeRun(t, older.ID)
	insertBlocks(t, older.ID, 15)
	backdate(t, older.ID, 10)

	got, total, completed, err := find(nil)
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)
	assert.Equal(t, 15, total)
	assert.Equal(t, 15, completed)

	t.Run("exact counterpart matching", func(t *testing.T) {
		counterpart := uuid.New()
		paired, err := testDB.CreateRun(ctx, storage.CreateRunParams{
			PrimaryEntityID:     primary,
			CounterpartEntityID: &counterpart,
		})
		require.NoError(t, err)
		completeRun(t, paired.ID)
		insertBlocks(t, paired.ID, 15)

		// The nil-counterpart search must not pick up the paired run.
		got, _, _, err := find(nil)
		require.NoError(t, err)
		assert.Equal(t, older.ID, got.ID)

		got, _, _, err = find(&counterpart)
		require.NoError(t, err)
		assert.Equal(t, paired.ID, got.ID)
	})

	t.Run("most recent wins", func(t *testing.T) {
		newer, err := testDB.CreateRun(ctx, storage.CreateRunParams{PrimaryEntityID: primary})
		require.NoError(t, err)
		completeRun(t, newer.ID)
		insertBlocks(t, newer.ID, 15)
		backdate(t, newer.ID, 2)

		got, _, _, err := find(nil)
		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID)
	})

	t.Run("outside freshness window", func(t *testing.T) {
		_, _, _, err := testDB.FindCacheCandidate(ctx, primary, nil, time.Now().UTC().AddDate(0, 0, -1))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("queued runs never qualify", func(t *testing.T) {
		otherPrimary := uuid.New()
		queued, err := testDB.CreateRun(ctx, storage.CreateRunParams{PrimaryEntityID: otherPrimary})
		require.NoError(t, err)
		insertBlocks(t, queued.ID, 15)

		_, _, _, err = testDB.FindCacheCandidate(ctx, otherPrimary, nil, cutoff)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("extra non-completed row is counted", func(t *testing.T) {
		// The unique key is on the raw code spelling, so a sixteenth row
		// under an alias spelling can coexist with the canonical fifteen.
		otherPrimary := uuid.New()
		tainted, err := testDB.CreateRun(ctx, storage.CreateRunParams{PrimaryEntityID: otherPrimary})
		require.NoError(t, err)
		completeRun(t, tainted.ID)
		insertBlocks(t, tainted.ID, 15)
		require.NoError(t, testDB.InsertBlockResult(ctx, model.BlockResult{
			RunID:   tainted.ID,
			Code:    "nb-1",
			Status:  model.BlockStatusFailed,
			Payload: json.RawMessage(`{}`),
		}))

		got, total, completed, err := testDB.FindCacheCandidate(ctx, otherPrimary, nil, cutoff)
		require.NoError(t, err)
		assert.Equal(t, tainted.ID, got.ID)
		assert.Equal(t, 16, total)
		assert.Equal(t, 15, completed)
	})
}

func TestApplyReuseDecision(t *testing.T) {
	ctx := context.Background()

	t.Run("clones all fifteen", func(t *testing.T) {
		source := createRun(t, nil)
		completeRun(t, source.ID)
		insertBlocks(t, source.ID, 15)
		target := createRun(t, nil)

		cloned, err := testDB.ApplyReuseDecision(ctx, target.ID, source.ID)
		require.NoError(t, err)
		assert.Equal(t, 15, cloned)

		got, err := testDB.GetRun(ctx, target.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CacheStrategyReuse, got.CacheStrategy)
		require.NotNil(t, got.ReusedFromRunID)
		assert.Equal(t, source.ID, *got.ReusedFromRunID)

		blocks, err := testDB.ListBlockResults(ctx, target.ID)
		require.NoError(t, err)
		require.Len(t, blocks, 15)
		sourceBlocks, err := testDB.ListBlockResults(ctx, source.ID)
		require.NoError(t, err)
		for i, b := range blocks {
			assert.Equal(t, target.ID, b.RunID)
			assert.NotEqual(t, sourceBlocks[i].ID, b.ID, "clones get fresh ids")
			assert.Equal(t, sourceBlocks[i].Code, b.Code)
			assert.JSONEq(t, string(sourceBlocks[i].Payload), string(b.Payload))
			assert.Equal(t, sourceBlocks[i].TokenCount, b.TokenCount)
			assert.Equal(t, model.BlockStatusCompleted, b.Status)
			assert.Zero(t, b.DurationMS, "no generation happened for a clone")
		}
	})

	t.Run("partial source rolls back", func(t *testing.T) {
		source := createRun(t, nil)
		completeRun(t, source.ID)
		insertBlocks(t, source.ID, 14)
		target := createRun(t, nil)

		_, err := testDB.ApplyReuseDecision(ctx, target.ID, source.ID)
		assert.ErrorIs(t, err, storage.ErrPartialCopy)

		got, err := testDB.GetRun(ctx, target.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CacheStrategyFull, got.CacheStrategy, "run fields unchanged after rollback")
		assert.Nil(t, got.ReusedFromRunID)

		blocks, err := testDB.ListBlockResults(ctx, target.ID)
		require.NoError(t, err)
		assert.Empty(t, blocks, "no clones survive the rollback")
	})
}

func TestCopyArtifacts(t *testing.T) {
	ctx := context.Background()
	source := createRun(t, nil)
	target := createRun(t, nil)

	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO rendered_reports (id, run_id, content, format) VALUES ($1, $2, $3, $4)`,
		uuid.New(), source.ID, "# Report", "markdown")
	require.NoError(t, err)
	require.NoError(t, testDB.UpsertPipelineArtifact(ctx, model.PipelineArtifact{
		RunID:        source.ID,
		Phase:        model.ArtifactPhaseCitation,
		ArtifactType: model.ArtifactTypeNormalizedCites,
		Payload:      json.RawMessage(`{"blocks":{}}`),
	}))

	copied, err := testDB.CopyRenderedReport(ctx, target.ID, source.ID)
	require.NoError(t, err)
	assert.True(t, copied)

	report, err := testDB.GetRenderedReport(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, "# Report", report.Content)

	// A second copy hits the per-run uniqueness and reports false.
	copied, err = testDB.CopyRenderedReport(ctx, target.ID, source.ID)
	require.NoError(t, err)
	assert.False(t, copied)

	n, err := testDB.CopyPipelineArtifacts(ctx, target.ID, source.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	art, err := testDB.GetPipelineArtifact(ctx, target.ID, model.ArtifactPhaseCitation, model.ArtifactTypeNormalizedCites)
	require.NoError(t, err)
	assert.JSONEq(t, `{"blocks":{}}`, string(art.Payload))
}

func TestDiagnosticEvents(t *testing.T) {
	ctx := context.Background()
	run := createRun(t, nil)

	require.NoError(t, testDB.InsertDiagnosticEvent(ctx,
		model.NewDiagnosticEvent(run.ID, "estimated_cost", model.SeverityInfo, "static").WithNumber(1.35)))

	batch := make([]model.DiagnosticEvent, 5)
	for i := range batch {
		batch[i] = model.NewDiagnosticEvent(run.ID, "block_tokens", model.SeverityDebug,
			fmt.Sprintf("NB%d", i+1)).WithNumber(1_000)
	}
	n, err := testDB.InsertDiagnosticEvents(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	count, err := testDB.CountEventsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
}

func TestEntities(t *testing.T) {
	ctx := context.Background()
	e := model.Entity{ID: uuid.New(), Name: "Acme Corp", Sector: "Industrials", Ticker: "ACME"}
	require.NoError(t, testDB.UpsertEntity(ctx, e))

	got, err := testDB.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Name)

	e.Ticker = "ACM"
	require.NoError(t, testDB.UpsertEntity(ctx, e))
	got, err = testDB.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACM", got.Ticker)

	_, err = testDB.GetEntity(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestArchiveRun(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal run", func(t *testing.T) {
		run := createRun(t, nil)
		completeRun(t, run.ID)
		insertBlocks(t, run.ID, 15)
		_, err := testDB.InsertDiagnosticEvents(ctx, []model.DiagnosticEvent{
			model.NewDiagnosticEvent(run.ID, "actual_cost", model.SeverityInfo, "x").WithNumber(0.2),
			model.NewDiagnosticEvent(run.ID, "run_duration_ms", model.SeverityInfo, "x").WithNumber(9000),
		})
		require.NoError(t, err)

		counts, err := testDB.ArchiveRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(15), counts.Blocks)
		assert.Equal(t, int64(2), counts.Events)

		got, err := testDB.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusArchived, got.Status)

		blocks, err := testDB.ListBlockResults(ctx, run.ID)
		require.NoError(t, err)
		assert.Empty(t, blocks)

		events, err := testDB.CountEventsByRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Zero(t, events)
	})

	t.Run("non-terminal run is refused", func(t *testing.T) {
		run := createRun(t, nil)
		_, err := testDB.ArchiveRun(ctx, run.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestListArchivable(t *testing.T) {
	ctx := context.Background()

	old := createRun(t, nil)
	completeRun(t, old.ID)
	backdate(t, old.ID, 120)

	fresh := createRun(t, nil)
	completeRun(t, fresh.ID)

	cutoff := time.Now().UTC().AddDate(0, 0, -90)
	runs, err := testDB.ListArchivable(ctx, cutoff, 100)
	require.NoError(t, err)

	ids := make([]uuid.UUID, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, old.ID)
	assert.NotContains(t, ids, fresh.ID)
}

func TestGetQueueStats(t *testing.T) {
	ctx := context.Background()
	run := createRun(t, nil)
	completeRun(t, run.ID)

	stats, err := testDB.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.StatusCounts[model.RunStatusCompleted], 1)
	assert.GreaterOrEqual(t, stats.AvgExecution, time.Duration(0))
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// TestMain already ran them once; a second pass must be a no-op.
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestBlockQueries(t *testing.T) {
	ctx := context.Background()
	run := createRun(t, nil)
	insertBlocks(t, run.ID, 3)
	require.NoError(t, testDB.InsertBlockResult(ctx, model.BlockResult{
		RunID:  run.ID,
		Code:   "NB4",
		Status: model.BlockStatusRunning,
	}))

	count, err := testDB.CompletedBlockCount(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	code, err := testDB.RunningBlockCode(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.Equal(t, "NB4", *code)

	tokens, err := testDB.SumBlockTokens(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), tokens)
}
