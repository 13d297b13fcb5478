package diag_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-research/nbforge/internal/diag"
	"github.com/meridian-research/nbforge/internal/model"
	"github.com/meridian-research/nbforge/internal/testutil"
)

type memStore struct {
	mu      sync.Mutex
	events  []model.DiagnosticEvent
	batches int
	err     error
}

func (s *memStore) InsertDiagnosticEvent(_ context.Context, e model.DiagnosticEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) InsertDiagnosticEvents(_ context.Context, events []model.DiagnosticEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.events = append(s.events, events...)
	s.batches++
	return int64(len(events)), nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func event(metric string) model.DiagnosticEvent {
	return model.NewDiagnosticEvent(uuid.New(), metric, model.SeverityInfo, "test")
}

func TestDirect_RecordsImmediately(t *testing.T) {
	store := &memStore{}
	sink := diag.NewDirect(store, testutil.TestLogger())

	sink.Record(context.Background(), event("cache_reuse"))
	assert.Equal(t, 1, store.count())
}

func TestDirect_SwallowsStoreErrors(t *testing.T) {
	store := &memStore{err: errors.New("connection refused")}
	sink := diag.NewDirect(store, testutil.TestLogger())

	// Must not panic or surface the error in any way.
	sink.Record(context.Background(), event("cache_reuse"))
	assert.Zero(t, store.count())
}

func TestBuffered_FlushesWhenFull(t *testing.T) {
	store := &memStore{}
	sink := diag.NewBuffered(store, testutil.TestLogger(), time.Hour, 3)

	sink.Record(context.Background(), event("a"))
	sink.Record(context.Background(), event("b"))
	assert.Zero(t, store.count(), "below the threshold nothing is written")

	sink.Record(context.Background(), event("c"))
	assert.Equal(t, 3, store.count(), "hitting the threshold flushes inline")
	assert.Equal(t, 1, store.batches, "the batch goes out as a single COPY")
}

func TestBuffered_DrainFlushesRemainder(t *testing.T) {
	store := &memStore{}
	sink := diag.NewBuffered(store, testutil.TestLogger(), time.Hour, 100)
	sink.Start(context.Background())

	sink.Record(context.Background(), event("a"))
	sink.Record(context.Background(), event("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink.Drain(ctx)
	assert.Equal(t, 2, store.count())
}

func TestBuffered_TickerFlush(t *testing.T) {
	store := &memStore{}
	sink := diag.NewBuffered(store, testutil.TestLogger(), 20*time.Millisecond, 100)
	sink.Start(context.Background())
	defer sink.Drain(context.Background())

	sink.Record(context.Background(), event("a"))

	require.Eventually(t, func() bool { return store.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestBuffered_FailedFlushDropsBatch(t *testing.T) {
	store := &memStore{err: errors.New("copy failed")}
	sink := diag.NewBuffered(store, testutil.TestLogger(), time.Hour, 2)

	sink.Record(context.Background(), event("a"))
	sink.Record(context.Background(), event("b"))
	assert.Zero(t, store.count())

	// A later flush does not resurrect the dropped batch.
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	sink.Drain(context.Background())
	assert.Zero(t, store.count())
}
