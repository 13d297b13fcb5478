package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-research/nbforge/internal/model"
	"github.com/meridian-research/nbforge/internal/nbcode"
)

// Store is the persistence surface the synthetic provider writes through.
type Store interface {
	InsertBlockResult(ctx context.Context, b model.BlockResult) error
	ListBlockResults(ctx context.Context, runID uuid.UUID) ([]model.BlockResult, error)
	UpsertPipelineArtifact(ctx context.Context, a model.PipelineArtifact) error
}

// Synthetic generates deterministic placeholder content for all fifteen
// blocks. It stands in for the real model-backed provider in worker dev
// mode and in end-to-end tests; it implements both Generator and
// CitationNormalizer.
type Synthetic struct {
	store  Store
	logger *slog.Logger
}

// NewSynthetic creates a synthetic provider.
func NewSynthetic(store Store, logger *slog.Logger) *Synthetic {
	return &Synthetic{store: store, logger: logger}
}

// ExecuteProtocol writes a completed block result for every canonical code
// the run does not already have, then persists the normalized citation
// artifact. Re-delivery after a partial earlier attempt resumes where it
// left off.
func (s *Synthetic) ExecuteProtocol(ctx context.Context, runID uuid.UUID) (bool, error) {
	existing, err := s.store.ListBlockResults(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("provider: list existing blocks: %w", err)
	}
	have := make(map[nbcode.Code]bool, len(existing))
	for _, b := range existing {
		if code, err := nbcode.Normalize(b.Code); err == nil {
			have[code] = true
		}
	}

	for _, code := range nbcode.All() {
		if have[code] {
			continue
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		payload, err := json.Marshal(map[string]any{
			"code":      string(code),
			"summary":   fmt.Sprintf("synthetic analysis for block %d", code.Number()),
			"synthetic": true,
		})
		if err != nil {
			return false, fmt.Errorf("provider: encode payload: %w", err)
		}

		err = s.store.InsertBlockResult(ctx, model.BlockResult{
			RunID:   runID,
			Code:    string(code),
			Status:  model.BlockStatusCompleted,
			Payload: payload,
			Citations: []model.Citation{
				{
					Title:   fmt.Sprintf("Synthetic source for %s", code),
					URL:     fmt.Sprintf("https://synthetic.example.org/%s", code),
					Snippet: "placeholder evidence",
				},
			},
			TokenCount: 1_000 + int64(code.Number())*10,
			DurationMS: 5,
		})
		if err != nil {
			return false, fmt.Errorf("provider: insert block %s: %w", code, err)
		}
	}

	if err := s.NormalizeCitations(ctx, runID); err != nil {
		// The artifact is an enrichment; its absence degrades citation
		// metadata, not the run.
		s.logger.Warn("provider: citation artifact write failed", "run", runID, "error", err)
	}
	return true, nil
}

// NormalizeCitations derives the normalized citation artifact from the
// run's stored block results: per block, positionally, the resolved source
// domain of each citation URL.
func (s *Synthetic) NormalizeCitations(ctx context.Context, runID uuid.UUID) error {
	blocks, err := s.store.ListBlockResults(ctx, runID)
	if err != nil {
		return fmt.Errorf("provider: normalize citations: %w", err)
	}

	normalized := model.NormalizedCitations{Blocks: make(map[string][]model.NormalizedCitation)}
	for _, b := range blocks {
		code, err := nbcode.Normalize(b.Code)
		if err != nil {
			continue
		}
		norms := make([]model.NormalizedCitation, len(b.Citations))
		for i, c := range b.Citations {
			norms[i] = model.NormalizedCitation{Domain: citationDomain(c.URL), Title: c.Title}
		}
		normalized.Blocks[string(code)] = norms
	}

	payload, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("provider: encode citation artifact: %w", err)
	}
	return s.store.UpsertPipelineArtifact(ctx, model.PipelineArtifact{
		RunID:        runID,
		Phase:        model.ArtifactPhaseCitation,
		ArtifactType: model.ArtifactTypeNormalizedCites,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	})
}

func citationDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Hostname()
}
