// Package diag provides the write-only diagnostics sink the pipeline
// records run telemetry through. Events land in the diagnostic_events table;
// the core never reads them back except for archival rollups.
package diag

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/meridian-research/nbforge/internal/model"
	"github.com/meridian-research/nbforge/internal/telemetry"
)

// Sink is the append-only interface components record events through.
// Record must never fail the caller: sink errors are logged, not returned.
type Sink interface {
	Record(ctx context.Context, e model.DiagnosticEvent)
}

// EventStore is the storage surface a sink writes to.
type EventStore interface {
	InsertDiagnosticEvent(ctx context.Context, e model.DiagnosticEvent) error
	InsertDiagnosticEvents(ctx context.Context, events []model.DiagnosticEvent) (int64, error)
}

// Direct writes each event synchronously. Used by CLI one-shot commands and
// tests where buffering would hide events.
type Direct struct {
	store  EventStore
	logger *slog.Logger
}

// NewDirect creates a synchronous sink.
func NewDirect(store EventStore, logger *slog.Logger) *Direct {
	return &Direct{store: store, logger: logger}
}

// Record writes the event immediately. Failures are logged and swallowed.
func (d *Direct) Record(ctx context.Context, e model.DiagnosticEvent) {
	if err := d.store.InsertDiagnosticEvent(ctx, e); err != nil {
		d.logger.Warn("diag: record event failed", "metric", e.Metric, "run_id", e.RunID, "error", err)
	}
}

// Buffered accumulates events in memory and flushes them via COPY on a
// ticker or when the buffer fills. Lifecycle follows Start/Drain.
type Buffered struct {
	store         EventStore
	logger        *slog.Logger
	flushInterval time.Duration
	maxBuffer     int

	mu  sync.Mutex
	buf []model.DiagnosticEvent

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}

	flushed metric.Int64Counter
	dropped metric.Int64Counter
}

// NewBuffered creates a buffered sink. flushInterval and maxBuffer fall back
// to 1s and 256 when non-positive.
func NewBuffered(store EventStore, logger *slog.Logger, flushInterval time.Duration, maxBuffer int) *Buffered {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if maxBuffer <= 0 {
		maxBuffer = 256
	}
	meter := telemetry.Meter("nbforge/diag")
	flushed, _ := meter.Int64Counter("nbforge.diag.events_flushed",
		metric.WithDescription("Diagnostic events flushed to the record store"))
	dropped, _ := meter.Int64Counter("nbforge.diag.events_dropped",
		metric.WithDescription("Diagnostic events dropped due to flush failure"))
	return &Buffered{
		store:         store,
		logger:        logger,
		flushInterval: flushInterval,
		maxBuffer:     maxBuffer,
		done:          make(chan struct{}),
		flushed:       flushed,
		dropped:       dropped,
	}
}

// Record buffers the event. A full buffer triggers an inline flush so a
// stalled ticker cannot grow memory without bound.
func (b *Buffered) Record(ctx context.Context, e model.DiagnosticEvent) {
	b.mu.Lock()
	b.buf = append(b.buf, e)
	full := len(b.buf) >= b.maxBuffer
	b.mu.Unlock()

	if full {
		b.flush(ctx)
	}
}

// Start begins the background flush loop. Safe to call only once; repeats
// are no-ops.
func (b *Buffered) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("diag: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Drain stops the loop and flushes remaining events, honoring ctx's deadline.
func (b *Buffered) Drain(ctx context.Context) {
	if b.cancelLoop != nil {
		b.cancelLoop()
		select {
		case <-b.done:
		case <-ctx.Done():
			b.logger.Warn("diag: drain timed out")
			return
		}
	}
	b.flush(ctx)
}

func (b *Buffered) flushLoop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Flush with a fresh context so loop cancellation during
			// Drain does not abort an in-flight COPY.
			b.flush(context.WithoutCancel(ctx))
		}
	}
}

func (b *Buffered) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()

	n, err := b.store.InsertDiagnosticEvents(ctx, batch)
	if err != nil {
		b.dropped.Add(ctx, int64(len(batch)))
		b.logger.Error("diag: flush failed, dropping batch", "events", len(batch), "error", err)
		return
	}
	b.flushed.Add(ctx, n)
}
