// Package provider declares the interface to the external content-generation
// orchestrator. The real implementation calls out to a model provider and
// persists block results; the core only ever sees success or failure.
package provider

import (
	"context"

	"github.com/google/uuid"
)

// Generator performs the per-block content generation for a run and
// persists the resulting block results. A false return or an error both
// count as a transient provider failure subject to the retry policy.
type Generator interface {
	ExecuteProtocol(ctx context.Context, runID uuid.UUID) (bool, error)
}

// CitationNormalizer rebuilds the normalized-citation artifact for a run.
// Exposed as a first-class interface so the collector can trigger
// reconstruction without reaching into provider internals.
type CitationNormalizer interface {
	NormalizeCitations(ctx context.Context, runID uuid.UUID) error
}
