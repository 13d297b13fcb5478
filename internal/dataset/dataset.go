// Package dataset builds the canonical, self-describing view over a run's
// normalized block results that downstream synthesis consumes. Datasets are
// derived fresh per request and never persisted.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-research/nbforge/internal/collector"
	"github.com/meridian-research/nbforge/internal/model"
	"github.com/meridian-research/nbforge/internal/nbcode"
)

// ErrInvalidArgument is returned for structurally malformed inputs.
var ErrInvalidArgument = errors.New("dataset: invalid argument")

// StatusMissing marks a requested block that resolved to no usable data.
// Placeholders always exist: completeness math depends on every requested
// key having an entry.
const StatusMissing = "missing"

// CitationDensityTarget is the mean citations-per-block quality gate.
const CitationDensityTarget = 10.0

// EntityMeta is the best-effort entity metadata attached to a dataset.
type EntityMeta struct {
	Name   string `json:"name"`
	Sector string `json:"sector,omitempty"`
	Ticker string `json:"ticker,omitempty"`
}

// Entry is the per-block slice of a dataset.
type Entry struct {
	Code       nbcode.Code     `json:"code"`
	Status     string          `json:"status"`
	Content    map[string]any  `json:"content,omitempty"`
	Citations  []model.Citation `json:"citations,omitempty"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
	TokenCount int64           `json:"token_count"`
	DurationMS int64           `json:"duration_ms"`
}

// Dataset is the assembled canonical view for one build request.
type Dataset struct {
	RunID           uuid.UUID   `json:"run_id"`
	GeneratedAt     time.Time   `json:"generated_at"`
	RequestedBlocks int         `json:"requested_blocks"`
	AvailableBlocks int         `json:"available_blocks"`
	// CompletionRate is requested/15 exactly, independent of how many
	// keys actually resolved to data.
	CompletionRate float64     `json:"completion_rate"`
	Entries        []Entry     `json:"entries"`
	CitationCount  int         `json:"citation_count"`
	AvgTokens      float64     `json:"avg_tokens"`
	Primary        *EntityMeta `json:"primary,omitempty"`
	Counterpart    *EntityMeta `json:"counterpart,omitempty"`
}

// DensityCheck is the citation quality-gate result consumed by synthesis.
type DensityCheck struct {
	Average     float64 `json:"average"`
	MeetsTarget bool    `json:"meets_target"`
}

// Builder assembles canonical datasets.
type Builder struct {
	logger *slog.Logger
}

// New creates a Builder.
func New(logger *slog.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build assembles a dataset for the requested canonical keys. Lookup is by
// canonical-code equality, never raw string equality. Every requested key
// yields an entry: keys that resolve to no data or an undecodable payload
// get an explicit missing placeholder.
func (b *Builder) Build(in *collector.Inputs, requested []nbcode.Code, runID uuid.UUID) (*Dataset, error) {
	if !in.Valid() {
		return nil, fmt.Errorf("%w: inputs are not (or no longer) a normalized block map", ErrInvalidArgument)
	}
	if requested == nil {
		return nil, fmt.Errorf("%w: requested keys must be a list", ErrInvalidArgument)
	}

	ds := &Dataset{
		RunID:           runID,
		GeneratedAt:     time.Now().UTC(),
		RequestedBlocks: len(requested),
		CompletionRate:  float64(len(requested)) / float64(model.ExpectedBlockCount),
		Entries:         make([]Entry, 0, len(requested)),
	}

	var totalTokens int64
	for _, key := range requested {
		canonical, err := nbcode.Normalize(string(key))
		if err != nil {
			b.logger.Warn("dataset: unresolvable requested key", "run", runID, "key", key)
			ds.Entries = append(ds.Entries, Entry{Code: key, Status: StatusMissing})
			continue
		}

		entry, ok := in.Block(string(canonical))
		if !ok || entry.Content == nil {
			ds.Entries = append(ds.Entries, Entry{Code: canonical, Status: StatusMissing})
			continue
		}

		ds.Entries = append(ds.Entries, Entry{
			Code:       canonical,
			Status:     string(entry.Status),
			Content:    entry.Content,
			Citations:  entry.Citations,
			RawPayload: entry.RawPayload,
			TokenCount: entry.TokenCount,
			DurationMS: entry.DurationMS,
		})
		ds.AvailableBlocks++
		ds.CitationCount += len(entry.Citations)
		totalTokens += entry.TokenCount
	}

	if len(requested) > 0 {
		ds.AvgTokens = float64(totalTokens) / float64(len(requested))
	}

	if in.Primary.ID != uuid.Nil {
		ds.Primary = &EntityMeta{Name: in.Primary.Name, Sector: in.Primary.Sector, Ticker: in.Primary.Ticker}
	}
	if in.Counterpart != nil {
		ds.Counterpart = &EntityMeta{Name: in.Counterpart.Name, Sector: in.Counterpart.Sector, Ticker: in.Counterpart.Ticker}
	}
	return ds, nil
}

// ValidateCitationDensity computes the mean citations per requested block
// and checks it against the synthesis quality gate. The gate is reported,
// not enforced; synthesis decides what to do with a miss.
func (b *Builder) ValidateCitationDensity(ds *Dataset) DensityCheck {
	var check DensityCheck
	if ds == nil || len(ds.Entries) == 0 {
		return check
	}
	check.Average = float64(ds.CitationCount) / float64(len(ds.Entries))
	check.MeetsTarget = check.Average >= CitationDensityTarget
	return check
}
