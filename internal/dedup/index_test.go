package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/muster/internal/logging"
)

// stubStore records occurrence events and can simulate missing incidents.
type stubStore struct {
	occurrences []domain.OccurrenceEvent
	missing     map[string]bool
}

func newStubStore() *stubStore {
	return &stubStore{missing: make(map[string]bool)}
}

func (s *stubStore) Get(ctx context.Context, id string) (*domain.Incident, error) {
	if s.missing[id] {
		return nil, ports.ErrNotFound
	}
	return makeIncident(id, "stub", time.Now().UTC()), nil
}

func (s *stubStore) ListRecent(ctx context.Context, filter ports.RecentFilter) ([]*domain.Incident, error) {
	return nil, nil
}

func (s *stubStore) RecordOccurrence(ctx context.Context, event domain.OccurrenceEvent) error {
	if s.missing[event.IncidentID] {
		return ports.ErrNotFound
	}
	s.occurrences = append(s.occurrences, event)
	return nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(logging.DefaultConfig(logging.Test))
	require.NoError(t, err)
	return logger
}

func makeIncident(id, title string, createdAt time.Time) *domain.Incident {
	return &domain.Incident{
		ID:        id,
		Title:     title,
		Severity:  domain.SeverityP2,
		Category:  "database",
		Source:    "datadog",
		Resource:  domain.Resource{Type: "database", ID: "pg-primary-01"},
		CreatedAt: createdAt,
	}
}

func TestNewIndex(t *testing.T) {
	logger := testLogger(t)
	store := newStubStore()

	t.Run("valid construction", func(t *testing.T) {
		idx, err := NewIndex(15*time.Minute, store, logger)
		require.NoError(t, err)
		assert.NotNil(t, idx)
	})

	t.Run("rejects non-positive window", func(t *testing.T) {
		_, err := NewIndex(0, store, logger)
		assert.ErrorIs(t, err, ports.ErrInvalidInput)
	})

	t.Run("rejects nil store", func(t *testing.T) {
		_, err := NewIndex(time.Minute, nil, logger)
		assert.ErrorIs(t, err, ports.ErrInvalidInput)
	})
}

func TestCheckAndRecord(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("first submission is new", func(t *testing.T) {
		store := newStubStore()
		idx, err := NewIndex(15*time.Minute, store, testLogger(t))
		require.NoError(t, err)

		result, err := idx.CheckAndRecord(ctx, makeIncident("inc-1", "DB down", base))
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
		assert.Empty(t, result.ExistingID)
		assert.NotEmpty(t, result.Fingerprint)
		assert.Empty(t, store.occurrences)
	})

	t.Run("repeat within window is duplicate", func(t *testing.T) {
		store := newStubStore()
		idx, err := NewIndex(15*time.Minute, store, testLogger(t))
		require.NoError(t, err)

		_, err = idx.CheckAndRecord(ctx, makeIncident("inc-1", "DB down", base))
		require.NoError(t, err)

		result, err := idx.CheckAndRecord(ctx, makeIncident("inc-2", "DB down", base.Add(5*time.Minute)))
		require.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Equal(t, "inc-1", result.ExistingID)

		require.Len(t, store.occurrences, 1)
		assert.Equal(t, "inc-1", store.occurrences[0].IncidentID)
		assert.Equal(t, "correlation-engine", store.occurrences[0].Actor)
	})

	t.Run("title normalisation folds formatting variants", func(t *testing.T) {
		store := newStubStore()
		idx, err := NewIndex(15*time.Minute, store, testLogger(t))
		require.NoError(t, err)

		_, err = idx.CheckAndRecord(ctx, makeIncident("inc-1", "Database  Connection Failed", base))
		require.NoError(t, err)

		result, err := idx.CheckAndRecord(ctx, makeIncident("inc-2", "database connection failed", base.Add(time.Minute)))
		require.NoError(t, err)
		assert.True(t, result.Duplicate)
	})

	t.Run("expired entry is overwritten", func(t *testing.T) {
		store := newStubStore()
		idx, err := NewIndex(15*time.Minute, store, testLogger(t))
		require.NoError(t, err)

		_, err = idx.CheckAndRecord(ctx, makeIncident("inc-1", "DB down", base))
		require.NoError(t, err)

		result, err := idx.CheckAndRecord(ctx, makeIncident("inc-2", "DB down", base.Add(16*time.Minute)))
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
		assert.Empty(t, store.occurrences)

		// The overwritten entry now belongs to inc-2.
		id, ok := idx.Lookup(result.Fingerprint, base.Add(17*time.Minute))
		require.True(t, ok)
		assert.Equal(t, "inc-2", id)
	})

	t.Run("window rolls forward with each repeat", func(t *testing.T) {
		store := newStubStore()
		idx, err := NewIndex(15*time.Minute, store, testLogger(t))
		require.NoError(t, err)

		_, err = idx.CheckAndRecord(ctx, makeIncident("inc-1", "DB down", base))
		require.NoError(t, err)

		_, err = idx.CheckAndRecord(ctx, makeIncident("inc-2", "DB down", base.Add(10*time.Minute)))
		require.NoError(t, err)

		// 20 minutes after the first occurrence but only 10 after the
		// refresh, so still a duplicate.
		result, err := idx.CheckAndRecord(ctx, makeIncident("inc-3", "DB down", base.Add(20*time.Minute)))
		require.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Equal(t, "inc-1", result.ExistingID)
	})

	t.Run("missing incident falls back to new", func(t *testing.T) {
		store := newStubStore()
		idx, err := NewIndex(15*time.Minute, store, testLogger(t))
		require.NoError(t, err)

		_, err = idx.CheckAndRecord(ctx, makeIncident("inc-1", "DB down", base))
		require.NoError(t, err)

		store.missing["inc-1"] = true

		result, err := idx.CheckAndRecord(ctx, makeIncident("inc-2", "DB down", base.Add(time.Minute)))
		require.NoError(t, err)
		assert.False(t, result.Duplicate)

		id, ok := idx.Lookup(result.Fingerprint, base.Add(2*time.Minute))
		require.True(t, ok)
		assert.Equal(t, "inc-2", id)
	})

	t.Run("rejects invalid incident", func(t *testing.T) {
		store := newStubStore()
		idx, err := NewIndex(15*time.Minute, store, testLogger(t))
		require.NoError(t, err)

		_, err = idx.CheckAndRecord(ctx, &domain.Incident{ID: "inc-1"})
		assert.ErrorIs(t, err, ports.ErrInvalidInput)

		_, err = idx.CheckAndRecord(ctx, nil)
		assert.ErrorIs(t, err, ports.ErrInvalidInput)
	})

	t.Run("different sources never collide", func(t *testing.T) {
		store := newStubStore()
		idx, err := NewIndex(15*time.Minute, store, testLogger(t))
		require.NoError(t, err)

		_, err = idx.CheckAndRecord(ctx, makeIncident("inc-1", "DB down", base))
		require.NoError(t, err)

		other := makeIncident("inc-2", "DB down", base.Add(time.Minute))
		other.Source = "prometheus"
		result, err := idx.CheckAndRecord(ctx, other)
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
	})
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore()
	idx, err := NewIndex(15*time.Minute, store, testLogger(t))
	require.NoError(t, err)

	_, err = idx.CheckAndRecord(ctx, makeIncident("inc-1", "DB down", base))
	require.NoError(t, err)
	_, err = idx.CheckAndRecord(ctx, makeIncident("inc-2", "Cache miss storm", base.Add(10*time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, 2, idx.Len())

	// Only the first entry has aged out at +20m.
	removed := idx.Prune(base.Add(20 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, idx.Len())

	removed = idx.Prune(base.Add(time.Hour))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, idx.Len())
}

func TestPruneMissing(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore()
	idx, err := NewIndex(15*time.Minute, store, testLogger(t))
	require.NoError(t, err)

	_, err = idx.CheckAndRecord(ctx, makeIncident("inc-1", "DB down", base))
	require.NoError(t, err)
	kept, err := idx.CheckAndRecord(ctx, makeIncident("inc-2", "Cache miss storm", base))
	require.NoError(t, err)

	t.Run("consistent store prunes nothing", func(t *testing.T) {
		assert.Equal(t, 0, idx.PruneMissing(ctx))
		assert.Equal(t, 2, idx.Len())
	})

	t.Run("entries for deleted incidents are dropped", func(t *testing.T) {
		store.missing["inc-1"] = true

		assert.Equal(t, 1, idx.PruneMissing(ctx))
		assert.Equal(t, 1, idx.Len())

		id, ok := idx.Lookup(kept.Fingerprint, base.Add(time.Minute))
		require.True(t, ok)
		assert.Equal(t, "inc-2", id)
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore()
	idx, err := NewIndex(15*time.Minute, store, testLogger(t))
	require.NoError(t, err)

	_, err = idx.CheckAndRecord(ctx, makeIncident("inc-1", "DB down", base))
	require.NoError(t, err)

	assert.Equal(t, 1, idx.Remove("inc-1"))
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, 0, idx.Remove("inc-1"))
}
