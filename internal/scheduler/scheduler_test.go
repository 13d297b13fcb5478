package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-research/nbforge/internal/testutil"
)

func TestSchedule_RunsImmediately(t *testing.T) {
	s := NewInProcess(context.Background(), testutil.TestLogger(), 2)

	ran := make(chan struct{})
	s.Schedule("now", time.Time{}, func(ctx context.Context) error {
		close(ran)
		return nil
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	s.Drain(context.Background())
}

func TestSchedule_HonorsDelay(t *testing.T) {
	s := NewInProcess(context.Background(), testutil.TestLogger(), 1)

	start := time.Now()
	done := make(chan time.Time, 1)
	s.Schedule("delayed", start.Add(50*time.Millisecond), func(ctx context.Context) error {
		done <- time.Now()
		return nil
	})

	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	s.Drain(context.Background())
}

func TestDrain_DropsPendingTimers(t *testing.T) {
	s := NewInProcess(context.Background(), testutil.TestLogger(), 1)

	var ran atomic.Bool
	s.Schedule("far-future", time.Now().Add(time.Hour), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Drain(drainCtx)
	assert.False(t, ran.Load())
}

func TestSchedule_BoundedConcurrency(t *testing.T) {
	s := NewInProcess(context.Background(), testutil.TestLogger(), 1)

	var inFlight, maxInFlight atomic.Int32
	block := make(chan struct{})
	for i := 0; i < 3; i++ {
		s.Schedule("work", time.Time{}, func(ctx context.Context) error {
			cur := inFlight.Add(1)
			for {
				old := maxInFlight.Load()
				if cur <= old || maxInFlight.CompareAndSwap(old, cur) {
					break
				}
			}
			<-block
			inFlight.Add(-1)
			return nil
		})
	}

	time.Sleep(100 * time.Millisecond)
	close(block)
	s.Drain(context.Background())
	require.Equal(t, int32(1), maxInFlight.Load())
}
