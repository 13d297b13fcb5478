package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExpectedBlockCount is the number of block results a complete run carries.
// Cache eligibility and completion rates are always computed against it.
const ExpectedBlockCount = 15

// BlockStatus represents the state of a single block result.
type BlockStatus string

const (
	BlockStatusPending   BlockStatus = "pending"
	BlockStatusRunning   BlockStatus = "running"
	BlockStatusCompleted BlockStatus = "completed"
	BlockStatusFailed    BlockStatus = "failed"
)

// BlockResult is one of the fifteen per-run analytical units. Owned
// exclusively by its Run and deleted when the Run is archived.
type BlockResult struct {
	ID         uuid.UUID       `json:"id"`
	RunID      uuid.UUID       `json:"run_id"`
	Code       string          `json:"code"`
	Status     BlockStatus     `json:"status"`
	Payload    json.RawMessage `json:"payload"`
	Citations  []Citation      `json:"citations"`
	TokenCount int64           `json:"token_count"`
	DurationMS int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Citation is a single sourced reference attached to a block result.
// Deduplication is structural: two citations are the same only when every
// field matches, not just the URL.
type Citation struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	// Domain is the resolved source domain, populated by the citation
	// normalization step when its artifact is present.
	Domain string `json:"domain,omitempty"`
}
