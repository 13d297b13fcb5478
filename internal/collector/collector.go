// Package collector loads a completed run's stored block results and
// reconciles them into a normalized, alias-addressable map ready for the
// dataset builder.
//
// Lookups are two-level: a canonical-keyed store of unique entries plus an
// alias index that only ever resolves to a canonical key. Iteration walks
// canonical entries exclusively, so a block can never be counted twice
// through its aliases.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-research/nbforge/internal/model"
	"github.com/meridian-research/nbforge/internal/nbcode"
	"github.com/meridian-research/nbforge/internal/provider"
	"github.com/meridian-research/nbforge/internal/storage"
)

// ErrInvalidState is returned when the run is not in the completed state.
var ErrInvalidState = errors.New("collector: run not completed")

// Store is the record-store surface the collector reads from.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error)
	ListBlockResults(ctx context.Context, runID uuid.UUID) ([]model.BlockResult, error)
	GetPipelineArtifact(ctx context.Context, runID uuid.UUID, phase, artifactType string) (model.PipelineArtifact, error)
}

// BlockEntry is one normalized block result.
type BlockEntry struct {
	Code       nbcode.Code
	Status     model.BlockStatus
	Content    map[string]any // decoded payload; nil when absent or undecodable
	RawPayload json.RawMessage
	Citations  []model.Citation
	TokenCount int64
	DurationMS int64
	CreatedAt  time.Time
}

// Stats summarizes a run's coverage. The missing-block partition lets
// downstream consumers decide whether to fail (missing core) or proceed
// degraded (missing optional).
type Stats struct {
	BlockCount      int
	CompletedBlocks int
	CitationCount   int
	MissingCore     []nbcode.Code
	MissingOptional []nbcode.Code
}

// Inputs is the normalized view over a run's block results.
type Inputs struct {
	RunID       uuid.UUID
	Run         model.Run
	Primary     model.Entity
	Counterpart *model.Entity
	Stats       Stats
	// Citations is the deduplicated aggregate across all blocks.
	Citations []model.Citation

	blocks  map[nbcode.Code]*BlockEntry
	aliases map[string]nbcode.Code
}

// Block resolves a block entry by any accepted spelling of its code.
func (in *Inputs) Block(code string) (*BlockEntry, bool) {
	if in.blocks == nil {
		return nil, false
	}
	if c, ok := in.aliases[code]; ok {
		e, ok := in.blocks[c]
		return e, ok
	}
	if c, err := nbcode.Normalize(code); err == nil {
		e, ok := in.blocks[c]
		return e, ok
	}
	return nil, false
}

// Codes returns the canonical codes present, in block order.
func (in *Inputs) Codes() []nbcode.Code {
	out := make([]nbcode.Code, 0, len(in.blocks))
	for c := range in.blocks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := out[i].Number(), out[j].Number()
		if ni != nj {
			return ni < nj
		}
		return out[i] < out[j]
	})
	return out
}

// Valid reports whether the inputs carry a usable block map.
func (in *Inputs) Valid() bool {
	return in != nil && in.blocks != nil
}

// Collector assembles normalized inputs for a run.
type Collector struct {
	store      Store
	normalizer provider.CitationNormalizer // may be nil
	logger     *slog.Logger
}

// New creates a Collector. normalizer may be nil, in which case a missing
// citation artifact is never reconstructed and raw assembly is used.
func New(store Store, normalizer provider.CitationNormalizer, logger *slog.Logger) *Collector {
	return &Collector{store: store, normalizer: normalizer, logger: logger}
}

// Collect loads and normalizes a completed run's block results.
// Fails with storage.ErrNotFound when the run does not exist and with
// ErrInvalidState when its status is not completed. Per-block decode
// failures are tolerated and logged, never returned.
func (c *Collector) Collect(ctx context.Context, runID uuid.UUID) (*Inputs, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}
	if run.Status != model.RunStatusCompleted {
		return nil, fmt.Errorf("%w: run %s is %s", ErrInvalidState, runID, run.Status)
	}

	in := &Inputs{
		RunID:   runID,
		Run:     run,
		blocks:  make(map[nbcode.Code]*BlockEntry),
		aliases: make(map[string]nbcode.Code),
	}

	// Entity metadata is best-effort: a missing counterpart (or even
	// primary) degrades output, it does not block assembly.
	primary, err := c.store.GetEntity(ctx, run.PrimaryEntityID)
	if err != nil {
		c.logger.Warn("collector: primary entity not loadable", "run", runID, "entity", run.PrimaryEntityID, "error", err)
	} else {
		in.Primary = primary
	}
	if run.CounterpartEntityID != nil {
		cp, err := c.store.GetEntity(ctx, *run.CounterpartEntityID)
		if err != nil {
			c.logger.Warn("collector: counterpart entity not loadable", "run", runID, "entity", *run.CounterpartEntityID, "error", err)
		} else {
			in.Counterpart = &cp
		}
	}

	blocks, err := c.store.ListBlockResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	for i := range blocks {
		c.addBlock(in, &blocks[i])
	}

	in.Stats.BlockCount = len(in.blocks)
	for _, code := range nbcode.Core {
		if _, ok := in.blocks[code]; !ok {
			in.Stats.MissingCore = append(in.Stats.MissingCore, code)
		}
	}
	for _, code := range nbcode.Optional {
		if _, ok := in.blocks[code]; !ok {
			in.Stats.MissingOptional = append(in.Stats.MissingOptional, code)
		}
	}

	c.mergeNormalizedCitations(ctx, in)

	in.Citations = dedupeCitations(in)
	return in, nil
}

// addBlock normalizes one stored block result into the canonical map and
// registers its alias keys.
func (c *Collector) addBlock(in *Inputs, b *model.BlockResult) {
	code, fellBack := nbcode.NormalizeLenient(b.Code)
	if fellBack {
		// The legacy default can mis-attribute a corrupt code to block 1;
		// log loudly so data-integrity bugs stay visible.
		c.logger.Warn("collector: empty block code, attributing to first block", "run", in.RunID, "block", b.ID)
	}
	if _, exists := in.blocks[code]; exists {
		c.logger.Warn("collector: duplicate block code, keeping first", "run", in.RunID, "code", code)
		return
	}

	entry := &BlockEntry{
		Code:       code,
		Status:     b.Status,
		RawPayload: b.Payload,
		Citations:  b.Citations,
		TokenCount: b.TokenCount,
		DurationMS: b.DurationMS,
		CreatedAt:  b.CreatedAt,
	}
	if len(b.Payload) > 0 && string(b.Payload) != "null" {
		var content map[string]any
		if err := json.Unmarshal(b.Payload, &content); err != nil {
			c.logger.Warn("collector: undecodable block payload", "run", in.RunID, "code", code, "error", err)
		} else {
			entry.Content = content
		}
	}

	in.blocks[code] = entry
	if b.Status == model.BlockStatusCompleted {
		in.Stats.CompletedBlocks++
	}
	in.Stats.CitationCount += len(entry.Citations)

	for _, alias := range nbcode.Aliases(code) {
		in.aliases[alias] = code
	}
}

// mergeNormalizedCitations overlays resolved citation metadata from the
// normalization artifact, positionally per block. When the artifact is
// absent it attempts reconstruction through the normalizer before falling
// back to raw assembly; reconstruction failure is logged, never fatal.
func (c *Collector) mergeNormalizedCitations(ctx context.Context, in *Inputs) {
	art, err := c.store.GetPipelineArtifact(ctx, in.RunID,
		model.ArtifactPhaseCitation, model.ArtifactTypeNormalizedCites)
	if errors.Is(err, storage.ErrNotFound) {
		if rebuildErr := c.RebuildCitationArtifact(ctx, in.RunID); rebuildErr != nil {
			c.logger.Warn("collector: citation artifact reconstruction failed, using raw citations",
				"run", in.RunID, "error", rebuildErr)
			return
		}
		art, err = c.store.GetPipelineArtifact(ctx, in.RunID,
			model.ArtifactPhaseCitation, model.ArtifactTypeNormalizedCites)
	}
	if err != nil {
		c.logger.Warn("collector: citation artifact unavailable, using raw citations",
			"run", in.RunID, "error", err)
		return
	}

	var normalized model.NormalizedCitations
	if err := json.Unmarshal(art.Payload, &normalized); err != nil {
		c.logger.Warn("collector: undecodable citation artifact, using raw citations",
			"run", in.RunID, "error", err)
		return
	}

	for rawCode, norms := range normalized.Blocks {
		entry, ok := in.Block(rawCode)
		if !ok {
			continue
		}
		for i, nc := range norms {
			if i >= len(entry.Citations) {
				break
			}
			if nc.Domain != "" {
				entry.Citations[i].Domain = nc.Domain
			}
			if nc.Title != "" && entry.Citations[i].Title == "" {
				entry.Citations[i].Title = nc.Title
			}
		}
	}
}

// RebuildCitationArtifact triggers reconstruction of the normalized
// citation artifact through the external normalization step.
func (c *Collector) RebuildCitationArtifact(ctx context.Context, runID uuid.UUID) error {
	if c.normalizer == nil {
		return errors.New("collector: no citation normalizer configured")
	}
	if err := c.normalizer.NormalizeCitations(ctx, runID); err != nil {
		return fmt.Errorf("collector: rebuild citation artifact: %w", err)
	}
	return nil
}

// dedupeCitations builds the aggregate citation list across canonical
// entries, dropping structural duplicates. Equality covers every field,
// not just the URL.
func dedupeCitations(in *Inputs) []model.Citation {
	seen := make(map[model.Citation]struct{})
	var out []model.Citation
	for _, code := range in.Codes() {
		for _, cit := range in.blocks[code].Citations {
			if _, dup := seen[cit]; dup {
				continue
			}
			seen[cit] = struct{}{}
			out = append(out, cit)
		}
	}
	return out
}
