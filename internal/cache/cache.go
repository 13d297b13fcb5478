// Package cache decides whether a new run can reuse a prior run's complete
// block results instead of regenerating them, and performs the atomic clone
// when it can. It carries no state of its own beyond the injected store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-research/nbforge/internal/diag"
	"github.com/meridian-research/nbforge/internal/model"
	"github.com/meridian-research/nbforge/internal/storage"
)

// DefaultFreshnessDays is the reuse window applied when the caller passes a
// non-positive value.
const DefaultFreshnessDays = 90

// ErrInvalidArgument is returned for malformed decisions, e.g. a reuse
// decision without a source run.
var ErrInvalidArgument = errors.New("cache: invalid argument")

// Decision is the outcome of the reuse-vs-generate choice made upstream.
type Decision string

const (
	DecisionReuse Decision = "reuse"
	DecisionFull  Decision = "full"
)

// NextStep tells the orchestrator what to do after a decision is processed.
type NextStep string

const (
	StepCached NextStep = "cached" // results cloned, skip generation
	StepFetch  NextStep = "fetch"  // proceed to full generation
)

// Side selects which entity's blocks a refresh override applies to.
type Side string

const (
	SidePrimary     Side = "primary"
	SideCounterpart Side = "counterpart"
)

// Availability describes the best reuse candidate for an entity pair.
type Availability struct {
	Available   bool       `json:"available"`
	SourceRunID *uuid.UUID `json:"source_run_id,omitempty"`
	AgeDays     *int       `json:"age_days,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	BlockCount  int        `json:"block_count"`
}

// Checker is the availability-probe surface consumed by the cost estimator.
type Checker interface {
	CheckCache(ctx context.Context, primary uuid.UUID, counterpart *uuid.UUID, freshnessDays int) (Availability, error)
}

// Store is the record-store surface the engine needs.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	FindCacheCandidate(ctx context.Context, primary uuid.UUID, counterpart *uuid.UUID, cutoff time.Time) (model.Run, int, int, error)
	ApplyReuseDecision(ctx context.Context, newRunID, sourceRunID uuid.UUID) (int, error)
	SetCacheStrategyFull(ctx context.Context, runID uuid.UUID) error
	CopyRenderedReport(ctx context.Context, newRunID, sourceRunID uuid.UUID) (bool, error)
	CopyPipelineArtifacts(ctx context.Context, newRunID, sourceRunID uuid.UUID) (int, error)
}

// Engine is the cache-reuse decision and clone engine.
type Engine struct {
	store  Store
	sink   diag.Sink
	logger *slog.Logger
}

// New creates an Engine.
func New(store Store, sink diag.Sink, logger *slog.Logger) *Engine {
	return &Engine{store: store, sink: sink, logger: logger}
}

// CheckCache finds the most recent completed run for the exact entity pair
// within the freshness window. The candidate is valid only when it carries
// exactly fifteen block results and every one of them completed; extra rows
// disqualify it just as missing ones do. A nil counterpart matches only runs
// with a nil counterpart. Every outcome is logged with enough context to
// reconstruct the decision.
func (e *Engine) CheckCache(ctx context.Context, primary uuid.UUID, counterpart *uuid.UUID, freshnessDays int) (Availability, error) {
	if freshnessDays <= 0 {
		freshnessDays = DefaultFreshnessDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -freshnessDays)

	run, total, completed, err := e.store.FindCacheCandidate(ctx, primary, counterpart, cutoff)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Debug("cache: no candidate within window",
			"primary", primary, "counterpart", counterpart, "freshness_days", freshnessDays)
		return Availability{}, nil
	}
	if err != nil {
		return Availability{}, fmt.Errorf("cache: check: %w", err)
	}

	ageDays := int(time.Since(run.CreatedAt).Hours() / 24)
	if total != model.ExpectedBlockCount || completed != model.ExpectedBlockCount {
		e.logger.Info("cache: candidate ineligible, not reusable",
			"source_run", run.ID, "blocks", total, "completed", completed, "age_days", ageDays)
		return Availability{BlockCount: total}, nil
	}

	e.logger.Info("cache: valid candidate found",
		"source_run", run.ID, "blocks", total, "age_days", ageDays)
	created := run.CreatedAt
	return Availability{
		Available:   true,
		SourceRunID: &run.ID,
		AgeDays:     &ageDays,
		CreatedAt:   &created,
		BlockCount:  total,
	}, nil
}

// ProcessDecision applies a reuse or full-generation decision to the new
// run. For reuse, the run-field update and the fifteen-block clone commit
// in a single transaction; anything short of a complete clone rolls the
// whole decision back. Artifact copies are best-effort and never fail the
// reuse.
func (e *Engine) ProcessDecision(ctx context.Context, decision Decision, newRunID uuid.UUID, sourceRunID *uuid.UUID) (NextStep, error) {
	switch decision {
	case DecisionFull:
		if err := e.store.SetCacheStrategyFull(ctx, newRunID); err != nil {
			return "", fmt.Errorf("cache: record full decision: %w", err)
		}
		e.logger.Info("cache: full generation decided", "run", newRunID)
		return StepFetch, nil

	case DecisionReuse:
		if sourceRunID == nil {
			return "", fmt.Errorf("%w: reuse decision requires a source run", ErrInvalidArgument)
		}

		cloned, err := e.store.ApplyReuseDecision(ctx, newRunID, *sourceRunID)
		if err != nil {
			return "", fmt.Errorf("cache: apply reuse: %w", err)
		}

		e.copyArtifacts(ctx, newRunID, *sourceRunID)

		e.logger.Info("cache: reused prior run", "run", newRunID, "source_run", *sourceRunID, "blocks", cloned)
		e.sink.Record(ctx, model.NewDiagnosticEvent(newRunID, "cache_reuse", model.SeverityInfo,
			"cloned block results from prior run").
			WithNumber(float64(cloned)).
			WithText(sourceRunID.String()))
		return StepCached, nil

	default:
		return "", fmt.Errorf("%w: unknown decision %q", ErrInvalidArgument, decision)
	}
}

// copyArtifacts clones the rendered report and pipeline artifacts outside
// the reuse transaction. Failures are logged only.
func (e *Engine) copyArtifacts(ctx context.Context, newRunID, sourceRunID uuid.UUID) {
	if _, err := e.store.CopyRenderedReport(ctx, newRunID, sourceRunID); err != nil {
		e.logger.Warn("cache: rendered report copy failed (non-fatal)",
			"run", newRunID, "source_run", sourceRunID, "error", err)
	}
	if _, err := e.store.CopyPipelineArtifacts(ctx, newRunID, sourceRunID); err != nil {
		e.logger.Warn("cache: pipeline artifact copy failed (non-fatal)",
			"run", newRunID, "source_run", sourceRunID, "error", err)
	}
}

// ShouldRegenerateBlocks reports whether the run's refresh override forces
// regeneration of the given side's blocks. Absent or malformed overrides
// mean false: normal cache logic applies.
func (e *Engine) ShouldRegenerateBlocks(ctx context.Context, runID uuid.UUID, side Side) (bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("cache: refresh override: %w", err)
	}
	cfg := run.RefreshConfig
	if cfg.ForceNBRefresh {
		return true, nil
	}
	switch side {
	case SidePrimary:
		return cfg.RefreshPrimaryOnly, nil
	case SideCounterpart:
		return cfg.RefreshCounterpartOnly, nil
	default:
		return false, fmt.Errorf("%w: unknown side %q", ErrInvalidArgument, side)
	}
}

// ShouldRegenerateSynthesis reports whether synthesis must be re-rendered.
// Any block-level force flag implies it: synthesis from unchanged blocks
// would be inconsistent with regenerated ones.
func (e *Engine) ShouldRegenerateSynthesis(ctx context.Context, runID uuid.UUID) (bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("cache: refresh override: %w", err)
	}
	cfg := run.RefreshConfig
	return cfg.ForceSynthesisRefresh || cfg.ForceNBRefresh ||
		cfg.RefreshPrimaryOnly || cfg.RefreshCounterpartOnly, nil
}
