package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RenderedReport is the zero-or-one synthesized report for a run.
// Copied wholesale during cache reuse.
type RenderedReport struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Content   string    `json:"content"`
	Format    string    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
}

// Pipeline artifact phases and types the core reads.
const (
	ArtifactPhaseCitation       = "citation"
	ArtifactTypeNormalizedCites = "normalized_citations"
)

// PipelineArtifact is an intermediate product keyed by phase + type,
// owned by a Run.
type PipelineArtifact struct {
	ID           uuid.UUID       `json:"id"`
	RunID        uuid.UUID       `json:"run_id"`
	Phase        string          `json:"phase"`
	ArtifactType string          `json:"artifact_type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NormalizedCitations is the decoded payload of the citation normalization
// artifact: per block code, positionally ordered resolved metadata.
type NormalizedCitations struct {
	Blocks map[string][]NormalizedCitation `json:"blocks"`
}

// NormalizedCitation carries the resolved fields merged positionally into a
// block's raw citation list.
type NormalizedCitation struct {
	Domain string `json:"domain"`
	Title  string `json:"title,omitempty"`
}
