// Package estimate prices a run before it is queued and records cost
// telemetry afterwards. The orchestrator only sees the Estimator interface;
// the external provider-aware estimator plugs in behind it.
package estimate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridian-research/nbforge/internal/cache"
	"github.com/meridian-research/nbforge/internal/diag"
	"github.com/meridian-research/nbforge/internal/model"
)

// Estimate is the outcome of pricing a prospective run.
type Estimate struct {
	CanProceed       bool       `json:"can_proceed"`
	TotalCost        float64    `json:"total_cost"`
	TotalTokens      int64      `json:"total_tokens"`
	Provider         string     `json:"provider"`
	Warnings         []string   `json:"warnings,omitempty"`
	ReuseSavings     *float64   `json:"reuse_savings,omitempty"`
	ReusedSnapshotID *uuid.UUID `json:"reused_snapshot_id,omitempty"`
}

// Estimator is the cost-estimation collaborator consumed by the orchestrator.
type Estimator interface {
	Estimate(ctx context.Context, primary uuid.UUID, counterpart *uuid.UUID, forceRefresh bool) (Estimate, error)
	RecordTelemetry(ctx context.Context, runID uuid.UUID, key string, value float64, detail string)
	RecordActuals(ctx context.Context, runID uuid.UUID, tokens int64, cost float64, perBlock map[string]int64)
}

// Pricing assumptions for the static estimator.
const (
	tokensPerBlock = 6_000
	pricePerMTok   = 15.0
	// Reused runs still pay for synthesis; generation is the other 95%.
	reuseSavingsShare = 0.95
)

// Static prices runs from fixed per-block token constants and a budget
// ceiling, and discounts when a fresh cache candidate exists.
type Static struct {
	probe         cache.Checker
	sink          diag.Sink
	logger        *slog.Logger
	ceiling       float64
	freshnessDays int
}

// NewStatic creates a static estimator. probe may be nil, in which case no
// reuse discount is ever reported.
func NewStatic(probe cache.Checker, sink diag.Sink, logger *slog.Logger, ceiling float64, freshnessDays int) *Static {
	return &Static{
		probe:         probe,
		sink:          sink,
		logger:        logger,
		ceiling:       ceiling,
		freshnessDays: freshnessDays,
	}
}

// Estimate prices a full fifteen-block generation, applying the reuse
// discount when a valid cache candidate exists and forceRefresh is unset.
func (s *Static) Estimate(ctx context.Context, primary uuid.UUID, counterpart *uuid.UUID, forceRefresh bool) (Estimate, error) {
	tokens := int64(tokensPerBlock * model.ExpectedBlockCount)
	cost := float64(tokens) / 1_000_000 * pricePerMTok

	est := Estimate{
		Provider:    "static",
		TotalTokens: tokens,
		TotalCost:   cost,
	}

	if s.probe != nil && !forceRefresh {
		avail, err := s.probe.CheckCache(ctx, primary, counterpart, s.freshnessDays)
		if err != nil {
			s.logger.Warn("estimate: cache probe failed, pricing full generation", "error", err)
		} else if avail.Available {
			savings := cost * reuseSavingsShare
			est.ReuseSavings = &savings
			est.ReusedSnapshotID = avail.SourceRunID
			est.TotalCost = cost - savings
		}
	}

	est.CanProceed = est.TotalCost <= s.ceiling
	if !est.CanProceed {
		est.Warnings = append(est.Warnings,
			fmt.Sprintf("estimated cost %.2f exceeds budget ceiling %.2f", est.TotalCost, s.ceiling))
	}
	return est, nil
}

// RecordTelemetry writes an estimate-related metric for the run.
func (s *Static) RecordTelemetry(ctx context.Context, runID uuid.UUID, key string, value float64, detail string) {
	s.sink.Record(ctx, model.NewDiagnosticEvent(runID, key, model.SeverityInfo, detail).WithNumber(value))
}

// RecordActuals writes the measured token and cost outcome for the run.
func (s *Static) RecordActuals(ctx context.Context, runID uuid.UUID, tokens int64, cost float64, perBlock map[string]int64) {
	s.sink.Record(ctx, model.NewDiagnosticEvent(runID, "actual_tokens", model.SeverityInfo, "measured token usage").
		WithNumber(float64(tokens)))
	s.sink.Record(ctx, model.NewDiagnosticEvent(runID, "actual_cost", model.SeverityInfo, "computed run cost").
		WithNumber(cost))
	for code, blockTokens := range perBlock {
		s.sink.Record(ctx, model.NewDiagnosticEvent(runID, "block_tokens", model.SeverityDebug, code).
			WithNumber(float64(blockTokens)))
	}
}
