// Package orchestrator runs the job-queue state machine for generation runs:
// queued → running → {completed | failed | retrying}, with retrying
// re-entering running and queued/retrying cancellable by the user. Archived
// is post-terminal and only reachable through the cleanup sweep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-research/nbforge/internal/cache"
	"github.com/meridian-research/nbforge/internal/diag"
	"github.com/meridian-research/nbforge/internal/estimate"
	"github.com/meridian-research/nbforge/internal/model"
	"github.com/meridian-research/nbforge/internal/provider"
	"github.com/meridian-research/nbforge/internal/scheduler"
	"github.com/meridian-research/nbforge/internal/storage"
)

// ErrBudgetExceeded is returned synchronously from QueueRun when the cost
// estimate disallows proceeding.
var ErrBudgetExceeded = errors.New("orchestrator: budget exceeded")

const (
	maxRetries = 3
	// Archival proceeds in bounded batches so a long-neglected backlog
	// cannot hold the sweep open indefinitely.
	archiveBatchSize = 500
)

// backoffSchedule is indexed by attempt number (1-based) and clamped to the
// last entry.
var backoffSchedule = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}

func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffSchedule) {
		attempt = len(backoffSchedule)
	}
	return backoffSchedule[attempt-1]
}

// QueueStats is the queue-level aggregate view.
type QueueStats = storage.QueueStats

// Store is the record-store surface the orchestrator needs.
type Store interface {
	CreateRun(ctx context.Context, p storage.CreateRunParams) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	MarkRunning(ctx context.Context, id uuid.UUID) (bool, error)
	FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, actualTokens int64, actualCost float64, lastError *string) error
	MarkRetrying(ctx context.Context, id uuid.UUID, lastError *string) (int, error)
	FailRun(ctx context.Context, id uuid.UUID, lastError *string) error
	CancelRun(ctx context.Context, id uuid.UUID) (bool, error)
	CompletedBlockCount(ctx context.Context, runID uuid.UUID) (int, error)
	RunningBlockCode(ctx context.Context, runID uuid.UUID) (*string, error)
	SumBlockTokens(ctx context.Context, runID uuid.UUID) (int64, error)
	GetQueueStats(ctx context.Context) (storage.QueueStats, error)
	ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Run, error)
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]model.Run, error)
	ArchiveRun(ctx context.Context, runID uuid.UUID) (storage.ArchiveCounts, error)
}

// Reuser is the cache-engine surface consulted before generation: whether a
// prior run's blocks can stand in, and whether refresh overrides veto that.
type Reuser interface {
	CheckCache(ctx context.Context, primary uuid.UUID, counterpart *uuid.UUID, freshnessDays int) (cache.Availability, error)
	ProcessDecision(ctx context.Context, decision cache.Decision, newRunID uuid.UUID, sourceRunID *uuid.UUID) (cache.NextStep, error)
	ShouldRegenerateBlocks(ctx context.Context, runID uuid.UUID, side cache.Side) (bool, error)
	ShouldRegenerateSynthesis(ctx context.Context, runID uuid.UUID) (bool, error)
}

// QueueRequest holds the caller-supplied parameters for a new run.
type QueueRequest struct {
	PrimaryEntityID     uuid.UUID
	CounterpartEntityID *uuid.UUID
	RequestedBy         string
	Mode                string
	RefreshConfig       model.RefreshConfig
}

// Orchestrator drives run execution through its collaborators. It holds no
// run state of its own; the record store is authoritative throughout.
type Orchestrator struct {
	store         Store
	estimator     estimate.Estimator
	generator     provider.Generator
	reuser        Reuser
	sched         scheduler.Scheduler
	sink          diag.Sink
	freshnessDays int
	logger        *slog.Logger
}

// New creates an Orchestrator. A non-positive freshnessDays falls back to
// the cache engine's default window.
func New(store Store, estimator estimate.Estimator, generator provider.Generator, reuser Reuser, sched scheduler.Scheduler, sink diag.Sink, freshnessDays int, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:         store,
		estimator:     estimator,
		generator:     generator,
		reuser:        reuser,
		sched:         sched,
		sink:          sink,
		freshnessDays: freshnessDays,
		logger:        logger,
	}
}

// QueueRun estimates, persists, and schedules a new run. ErrBudgetExceeded
// is the only caller-visible rejection; once a run is queued all later
// failures surface asynchronously via status and diagnostics.
func (o *Orchestrator) QueueRun(ctx context.Context, req QueueRequest) (model.Run, error) {
	est, err := o.estimator.Estimate(ctx, req.PrimaryEntityID, req.CounterpartEntityID, req.RefreshConfig.ForceNBRefresh)
	if err != nil {
		return model.Run{}, fmt.Errorf("orchestrator: estimate: %w", err)
	}
	if !est.CanProceed {
		return model.Run{}, fmt.Errorf("%w: estimated cost %.2f (%s)",
			ErrBudgetExceeded, est.TotalCost, strings.Join(est.Warnings, "; "))
	}

	run, err := o.store.CreateRun(ctx, storage.CreateRunParams{
		PrimaryEntityID:     req.PrimaryEntityID,
		CounterpartEntityID: req.CounterpartEntityID,
		RequestedBy:         req.RequestedBy,
		Mode:                req.Mode,
		RefreshConfig:       req.RefreshConfig,
		EstimatedTokens:     est.TotalTokens,
		EstimatedCost:       est.TotalCost,
		ReusedSnapshotHint:  est.ReusedSnapshotID,
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("orchestrator: queue run: %w", err)
	}

	o.estimator.RecordTelemetry(ctx, run.ID, "estimated_cost", est.TotalCost, est.Provider)
	o.estimator.RecordTelemetry(ctx, run.ID, "estimated_tokens", float64(est.TotalTokens), est.Provider)
	if est.ReuseSavings != nil {
		o.estimator.RecordTelemetry(ctx, run.ID, "estimated_reuse_savings", *est.ReuseSavings, est.Provider)
	}

	o.logger.Info("run queued",
		"run", run.ID,
		"primary", req.PrimaryEntityID,
		"estimated_cost", est.TotalCost,
		"estimated_tokens", est.TotalTokens)

	o.scheduleExecution(run.ID, time.Now())
	return run, nil
}

func (o *Orchestrator) scheduleExecution(runID uuid.UUID, runAt time.Time) {
	o.sched.Schedule("execute_run", runAt, func(ctx context.Context) error {
		_, err := o.ExecuteRun(ctx, runID)
		return err
	})
}

// ExecuteRun executes a run end to end. The status guard makes it
// idempotent: a run already running, completed, or cancelled is left
// untouched, and the return value reports only whether the run is
// completed. Execution failures never propagate; they are routed through
// the retry state machine. The returned error covers lookup and bookkeeping
// failures only.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: execute run: %w", err)
	}

	switch run.Status {
	case model.RunStatusCompleted:
		return true, nil
	case model.RunStatusRunning, model.RunStatusCancelled, model.RunStatusFailed, model.RunStatusArchived:
		return false, nil
	}

	started, err := o.store.MarkRunning(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: mark running: %w", err)
	}
	if !started {
		// Lost the status race to a concurrent delivery; that attempt
		// owns the run now.
		o.logger.Warn("run no longer startable, skipping", "run", run.ID)
		return false, nil
	}

	start := time.Now()
	execErr := o.produceBlocks(ctx, run)
	if execErr != nil {
		o.handleFailure(ctx, run, execErr)
		return false, nil
	}

	elapsed := time.Since(start)
	tokens, err := o.store.SumBlockTokens(ctx, runID)
	if err != nil {
		o.logger.Warn("token sum unavailable, recording zero", "run", runID, "error", err)
		tokens = 0
	}
	cost := o.actualCost(run, tokens)

	if err := o.store.FinishRun(ctx, runID, model.RunStatusCompleted, tokens, cost, nil); err != nil {
		return false, fmt.Errorf("orchestrator: finish run: %w", err)
	}

	o.estimator.RecordActuals(ctx, runID, tokens, cost, nil)
	o.estimator.RecordTelemetry(ctx, runID, "run_duration_ms", float64(elapsed.Milliseconds()), "wall time")
	o.estimator.RecordTelemetry(ctx, runID, "cost_variance", cost-run.EstimatedCost, "actual minus estimated")

	o.logger.Info("run completed",
		"run", runID,
		"duration", elapsed,
		"tokens", tokens,
		"cost", cost,
		"cost_variance", cost-run.EstimatedCost)
	return true, nil
}

// produceBlocks resolves where the run's blocks come from and runs whatever
// generation the decision still requires. A cached decision skips the
// provider entirely unless a synthesis refresh was requested, in which case
// the provider re-derives the synthesis-phase artifacts over the cloned
// blocks.
func (o *Orchestrator) produceBlocks(ctx context.Context, run model.Run) error {
	step, err := o.decideSource(ctx, run)
	if err != nil {
		return fmt.Errorf("orchestrator: decide block source: %w", err)
	}
	if step == cache.StepCached {
		regen, err := o.reuser.ShouldRegenerateSynthesis(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("orchestrator: synthesis override: %w", err)
		}
		if !regen {
			return nil
		}
		o.logger.Info("synthesis refresh over reused blocks", "run", run.ID)
	}
	return o.runProtocol(ctx, run.ID)
}

// decideSource applies refresh overrides, probes the cache, and records the
// resulting decision. A clone that comes back incomplete rolls back in the
// store and is downgraded here to a full-generation decision.
func (o *Orchestrator) decideSource(ctx context.Context, run model.Run) (cache.NextStep, error) {
	regenPrimary, err := o.reuser.ShouldRegenerateBlocks(ctx, run.ID, cache.SidePrimary)
	if err != nil {
		return "", err
	}
	regenCounterpart, err := o.reuser.ShouldRegenerateBlocks(ctx, run.ID, cache.SideCounterpart)
	if err != nil {
		return "", err
	}
	if regenPrimary || regenCounterpart {
		o.logger.Info("refresh override forces generation", "run", run.ID)
		return o.reuser.ProcessDecision(ctx, cache.DecisionFull, run.ID, nil)
	}

	avail, err := o.reuser.CheckCache(ctx, run.PrimaryEntityID, run.CounterpartEntityID, o.freshnessDays)
	if err != nil {
		return "", err
	}
	if !avail.Available {
		return o.reuser.ProcessDecision(ctx, cache.DecisionFull, run.ID, nil)
	}

	step, err := o.reuser.ProcessDecision(ctx, cache.DecisionReuse, run.ID, avail.SourceRunID)
	if errors.Is(err, storage.ErrPartialCopy) {
		o.logger.Warn("reuse clone incomplete, generating instead",
			"run", run.ID, "source_run", avail.SourceRunID, "error", err)
		return o.reuser.ProcessDecision(ctx, cache.DecisionFull, run.ID, nil)
	}
	return step, err
}

// runProtocol invokes the generation provider, converting panics and false
// returns into ordinary errors for the failure handler.
func (o *Orchestrator) runProtocol(ctx context.Context, runID uuid.UUID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator: generation panicked: %v", r)
		}
	}()

	ok, err := o.generator.ExecuteProtocol(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: generation failed: %w", err)
	}
	if !ok {
		return errors.New("orchestrator: generation reported failure")
	}
	return nil
}

// actualCost projects the measured token usage onto the estimate's pricing.
func (o *Orchestrator) actualCost(run model.Run, tokens int64) float64 {
	if run.EstimatedTokens <= 0 {
		return run.EstimatedCost
	}
	return float64(tokens) / float64(run.EstimatedTokens) * run.EstimatedCost
}

// handleFailure applies the retry policy: below the ceiling the run moves to
// retrying and re-execution is scheduled with a fixed backoff; at the
// ceiling it fails permanently.
func (o *Orchestrator) handleFailure(ctx context.Context, run model.Run, cause error) {
	msg := cause.Error()

	if run.RetryCount >= maxRetries {
		o.failPermanently(ctx, run.ID, &msg)
		return
	}

	attempt, err := o.store.MarkRetrying(ctx, run.ID, &msg)
	if err != nil {
		o.logger.Error("could not mark run retrying", "run", run.ID, "error", err)
		return
	}
	if attempt > maxRetries {
		o.failPermanently(ctx, run.ID, &msg)
		return
	}

	delay := backoffDelay(attempt)
	o.logger.Warn("run failed, retry scheduled",
		"run", run.ID,
		"attempt", attempt,
		"delay", delay,
		"error", msg)
	o.sink.Record(ctx, model.NewDiagnosticEvent(run.ID, "retry_scheduled", model.SeverityWarn, msg).
		WithNumber(float64(attempt)))

	o.scheduleExecution(run.ID, time.Now().Add(delay))
}

func (o *Orchestrator) failPermanently(ctx context.Context, runID uuid.UUID, msg *string) {
	if err := o.store.FailRun(ctx, runID, msg); err != nil {
		o.logger.Error("could not mark run failed", "run", runID, "error", err)
		return
	}
	o.logger.Error("run failed permanently, retries exhausted", "run", runID, "error", *msg)
	o.sink.Record(ctx, model.NewDiagnosticEvent(runID, "retry_exhausted", model.SeverityError, *msg))
}

// Resume schedules execution for runs left queued or retrying, typically
// after a worker restart dropped their in-process dispatch. Queued runs are
// dispatched immediately; retrying runs get their backoff delay again since
// the original schedule is unrecoverable. Double delivery is harmless: the
// status guard in ExecuteRun lets only one attempt start.
func (o *Orchestrator) Resume(ctx context.Context, limit int) (int, error) {
	dispatched := 0

	queued, err := o.store.ListRunsByStatus(ctx, model.RunStatusQueued, limit)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: resume: %w", err)
	}
	for _, run := range queued {
		o.scheduleExecution(run.ID, time.Now())
		dispatched++
	}

	retrying, err := o.store.ListRunsByStatus(ctx, model.RunStatusRetrying, limit)
	if err != nil {
		return dispatched, fmt.Errorf("orchestrator: resume: %w", err)
	}
	for _, run := range retrying {
		o.scheduleExecution(run.ID, time.Now().Add(backoffDelay(run.RetryCount)))
		dispatched++
	}

	if dispatched > 0 {
		o.logger.Info("resumed pending runs", "queued", len(queued), "retrying", len(retrying))
	}
	return dispatched, nil
}

// CancelRun cancels a run that has not started. It reports false, without
// error, for runs in any state other than queued or retrying; a running
// execution is not preemptible.
func (o *Orchestrator) CancelRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	cancelled, err := o.store.CancelRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("orchestrator: cancel run: %w", err)
	}
	if cancelled {
		o.logger.Info("run cancelled", "run", runID)
		o.sink.Record(ctx, model.NewDiagnosticEvent(runID, "run_cancelled", model.SeverityInfo, "cancelled by user"))
	}
	return cancelled, nil
}

// GetRunProgress derives the current progress view for a run. The ETA is a
// linear projection from the average per-block time so far and stays nil
// until a start time is recorded and at least one block has completed.
func (o *Orchestrator) GetRunProgress(ctx context.Context, runID uuid.UUID) (model.Progress, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return model.Progress{}, fmt.Errorf("orchestrator: progress: %w", err)
	}

	completed, err := o.store.CompletedBlockCount(ctx, runID)
	if err != nil {
		return model.Progress{}, fmt.Errorf("orchestrator: progress: %w", err)
	}
	running, err := o.store.RunningBlockCode(ctx, runID)
	if err != nil {
		return model.Progress{}, fmt.Errorf("orchestrator: progress: %w", err)
	}

	p := model.Progress{
		RunID:           runID,
		Status:          run.Status,
		CompletedBlocks: completed,
		RunningBlock:    running,
		PercentComplete: float64(completed) / float64(model.ExpectedBlockCount),
	}

	if completed > 0 && run.StartedAt != nil {
		end := time.Now()
		if run.CompletedAt != nil {
			end = *run.CompletedAt
		}
		elapsed := end.Sub(*run.StartedAt)
		perBlock := elapsed / time.Duration(completed)
		eta := perBlock * time.Duration(model.ExpectedBlockCount-completed)
		p.ETA = &eta
	}
	return p, nil
}

// GetQueueStats returns the queue-level status histogram and average wait
// and execution durations.
func (o *Orchestrator) GetQueueStats(ctx context.Context) (QueueStats, error) {
	stats, err := o.store.GetQueueStats(ctx)
	if err != nil {
		return stats, fmt.Errorf("orchestrator: queue stats: %w", err)
	}
	return stats, nil
}

// CleanupOldRuns archives terminal runs older than the cutoff. Each run's
// block results and granular diagnostic events are deleted and replaced by
// a single rollup event summarizing what was discarded. Returns the number
// of runs archived; a failure on one run is logged and does not stop the
// sweep.
func (o *Orchestrator) CleanupOldRuns(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)

	runs, err := o.store.ListArchivable(ctx, cutoff, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: cleanup: %w", err)
	}

	archived := 0
	for _, run := range runs {
		counts, err := o.store.ArchiveRun(ctx, run.ID)
		if err != nil {
			o.logger.Error("archive failed, skipping run", "run", run.ID, "error", err)
			continue
		}
		// The rollup is written after the archive commits so it lands
		// after the granular delete and survives it.
		o.sink.Record(ctx, model.NewDiagnosticEvent(run.ID, "cleanup_rollup", model.SeverityInfo,
			fmt.Sprintf("archived run: %d block results and %d diagnostic events discarded", counts.Blocks, counts.Events)).
			WithNumber(float64(counts.Events)))
		archived++
	}

	if archived > 0 {
		o.logger.Info("cleanup sweep finished", "archived", archived, "cutoff", cutoff)
	}
	return archived, nil
}
