// Package model defines the core domain types for NBForge.
//
// All types correspond directly to database tables and diagnostic payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a generation run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusRetrying  RunStatus = "retrying"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusArchived  RunStatus = "archived"
)

// Terminal reports whether the status ends the live lifecycle.
// Archived is post-terminal and only reachable via the cleanup sweep.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CacheStrategy records how a run's block results were obtained.
type CacheStrategy string

const (
	CacheStrategyFull  CacheStrategy = "full"
	CacheStrategyReuse CacheStrategy = "reuse"
)

// Run is one end-to-end attempt to produce all fifteen blocks for an entity
// or entity pair. Status transitions are monotonic per the orchestrator's
// state machine.
type Run struct {
	ID                  uuid.UUID     `json:"id"`
	PrimaryEntityID     uuid.UUID     `json:"primary_entity_id"`
	CounterpartEntityID *uuid.UUID    `json:"counterpart_entity_id,omitempty"`
	RequestedBy         string        `json:"requested_by"`
	Mode                string        `json:"mode"`
	Status              RunStatus     `json:"status"`
	CacheStrategy       CacheStrategy `json:"cache_strategy"`
	// ReusedFromRunID is a back-reference to the source run of a reuse
	// decision, never an ownership relation.
	ReusedFromRunID *uuid.UUID    `json:"reused_from_run_id,omitempty"`
	RefreshConfig   RefreshConfig `json:"refresh_config"`
	EstimatedTokens int64         `json:"estimated_tokens"`
	EstimatedCost   float64       `json:"estimated_cost"`
	ActualTokens    int64         `json:"actual_tokens"`
	ActualCost      float64       `json:"actual_cost"`
	RetryCount      int           `json:"retry_count"`
	LastError       *string       `json:"last_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Entity is a company that blocks are generated about. Metadata is
// best-effort: downstream consumers tolerate missing rows.
type Entity struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Sector    string    `json:"sector"`
	Ticker    string    `json:"ticker"`
	CreatedAt time.Time `json:"created_at"`
}

// Progress is a derived view of a run's execution state.
type Progress struct {
	RunID           uuid.UUID `json:"run_id"`
	Status          RunStatus `json:"status"`
	CompletedBlocks int       `json:"completed_blocks"`
	RunningBlock    *string   `json:"running_block,omitempty"`
	PercentComplete float64   `json:"percent_complete"`
	// ETA is nil until at least one block has completed and a start time
	// has been recorded.
	ETA *time.Duration `json:"eta,omitempty"`
}
