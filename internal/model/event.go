package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity levels for diagnostic events.
const (
	SeverityDebug = "debug"
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// DiagnosticEvent is an append-only record keyed by run id. A Nil run id
// marks a system-level event. The core only ever writes these.
type DiagnosticEvent struct {
	ID           uuid.UUID `json:"id"`
	RunID        uuid.UUID `json:"run_id"`
	Metric       string    `json:"metric"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	NumericValue *float64  `json:"numeric_value,omitempty"`
	TextValue    *string   `json:"text_value,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewDiagnosticEvent builds an event with a fresh id and timestamp.
func NewDiagnosticEvent(runID uuid.UUID, metric, severity, message string) DiagnosticEvent {
	return DiagnosticEvent{
		ID:        uuid.New(),
		RunID:     runID,
		Metric:    metric,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// WithNumber attaches a numeric value.
func (e DiagnosticEvent) WithNumber(v float64) DiagnosticEvent {
	e.NumericValue = &v
	return e
}

// WithText attaches a free-form text value.
func (e DiagnosticEvent) WithText(v string) DiagnosticEvent {
	e.TextValue = &v
	return e
}
