// Package scheduler dispatches units of deferred work. The orchestrator
// treats this as fire-and-forget: scheduling never blocks the caller, and
// delivery is at-least-best-effort within the process lifetime.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of deferred work.
type Task func(ctx context.Context) error

// Scheduler schedules a task to run at or after runAt. A zero runAt means
// "as soon as possible".
type Scheduler interface {
	Schedule(name string, runAt time.Time, task Task)
}

// InProcess runs scheduled tasks on goroutines inside the current process,
// with a bounded number executing concurrently. Delayed tasks wait on a
// timer without holding an execution slot.
type InProcess struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
	sem    chan struct{}
}

// NewInProcess creates a scheduler with the given execution concurrency.
func NewInProcess(ctx context.Context, logger *slog.Logger, concurrency int) *InProcess {
	if concurrency <= 0 {
		concurrency = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	return &InProcess{
		logger: logger,
		ctx:    runCtx,
		cancel: cancel,
		g:      &errgroup.Group{},
		sem:    make(chan struct{}, concurrency),
	}
}

// Schedule queues the task. The task's error is logged, never propagated:
// retry policy belongs to the task itself (the orchestrator's failure
// handler), not the dispatch layer.
func (s *InProcess) Schedule(name string, runAt time.Time, task Task) {
	s.g.Go(func() error {
		if delay := time.Until(runAt); delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-s.ctx.Done():
				s.logger.Debug("scheduler: task dropped during shutdown", "task", name)
				return nil
			case <-timer.C:
			}
		}

		select {
		case <-s.ctx.Done():
			s.logger.Debug("scheduler: task dropped during shutdown", "task", name)
			return nil
		case s.sem <- struct{}{}:
		}
		defer func() { <-s.sem }()

		if err := task(s.ctx); err != nil {
			s.logger.Warn("scheduler: task returned error", "task", name, "error", err)
		}
		return nil
	})
}

// Drain stops accepting timer wake-ups and waits for in-flight tasks,
// honoring ctx's deadline.
func (s *InProcess) Drain(ctx context.Context) {
	s.cancel()
	done := make(chan struct{})
	go func() {
		_ = s.g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: drain timed out")
	}
}
