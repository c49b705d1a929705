package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/ports"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newIncident(id, source string, createdAt time.Time) *domain.Incident {
	return &domain.Incident{
		ID:        id,
		Title:     "Database connection failed",
		Severity:  domain.SeverityP2,
		Category:  "database",
		Source:    source,
		Resource:  domain.Resource{Type: "database", ID: "pg-primary-01"},
		CreatedAt: createdAt,
	}
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewIncidentStore()

	incident := newIncident("inc-1", "datadog", base)
	require.NoError(t, store.Save(ctx, incident))

	t.Run("round trip", func(t *testing.T) {
		got, err := store.Get(ctx, "inc-1")
		require.NoError(t, err)
		assert.Equal(t, incident.ID, got.ID)
		assert.Equal(t, incident.Title, got.Title)
	})

	t.Run("returned incident is a copy", func(t *testing.T) {
		got, err := store.Get(ctx, "inc-1")
		require.NoError(t, err)
		got.Title = "mutated"

		again, err := store.Get(ctx, "inc-1")
		require.NoError(t, err)
		assert.Equal(t, "Database connection failed", again.Title)
	})

	t.Run("unknown ID", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ports.ErrNotFound)
	})

	t.Run("invalid incident rejected", func(t *testing.T) {
		err := store.Save(ctx, &domain.Incident{ID: "bad"})
		assert.ErrorIs(t, err, ports.ErrInvalidInput)
	})
}

func TestListRecent(t *testing.T) {
	ctx := context.Background()
	store := NewIncidentStore()

	require.NoError(t, store.Save(ctx, newIncident("inc-1", "datadog", base)))
	require.NoError(t, store.Save(ctx, newIncident("inc-2", "datadog", base.Add(time.Minute))))
	require.NoError(t, store.Save(ctx, newIncident("inc-3", "prometheus", base.Add(2*time.Minute))))
	require.NoError(t, store.Save(ctx, newIncident("inc-old", "datadog", base.Add(-time.Hour))))

	t.Run("window bound and ordering", func(t *testing.T) {
		got, err := store.ListRecent(ctx, ports.RecentFilter{Since: base})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "inc-3", got[0].ID)
		assert.Equal(t, "inc-2", got[1].ID)
		assert.Equal(t, "inc-1", got[2].ID)
	})

	t.Run("source filter", func(t *testing.T) {
		got, err := store.ListRecent(ctx, ports.RecentFilter{Since: base, Sources: []string{"prometheus"}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "inc-3", got[0].ID)
	})

	t.Run("exclusion", func(t *testing.T) {
		got, err := store.ListRecent(ctx, ports.RecentFilter{Since: base, ExcludeID: "inc-2"})
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run("limit", func(t *testing.T) {
		got, err := store.ListRecent(ctx, ports.RecentFilter{Since: base, Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "inc-3", got[0].ID)
	})

	t.Run("zero since rejected", func(t *testing.T) {
		_, err := store.ListRecent(ctx, ports.RecentFilter{})
		assert.ErrorIs(t, err, ports.ErrInvalidInput)
	})
}

func TestRecordOccurrence(t *testing.T) {
	ctx := context.Background()
	store := NewIncidentStore()
	require.NoError(t, store.Save(ctx, newIncident("inc-1", "datadog", base)))

	event := domain.OccurrenceEvent{
		IncidentID:  "inc-1",
		Actor:       "correlation-engine",
		Description: "Duplicate submission merged",
		OccurredAt:  base.Add(time.Minute),
	}

	t.Run("appends to timeline", func(t *testing.T) {
		require.NoError(t, store.RecordOccurrence(ctx, event))
		require.NoError(t, store.RecordOccurrence(ctx, event))

		events, err := store.Occurrences(ctx, "inc-1")
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("unknown incident", func(t *testing.T) {
		missing := event
		missing.IncidentID = "missing"
		assert.ErrorIs(t, store.RecordOccurrence(ctx, missing), ports.ErrNotFound)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := NewIncidentStore()
	require.NoError(t, store.Save(ctx, newIncident("inc-1", "datadog", base)))
	require.NoError(t, store.RecordOccurrence(ctx, domain.OccurrenceEvent{
		IncidentID:  "inc-1",
		Actor:       "correlation-engine",
		Description: "Duplicate submission merged",
		OccurredAt:  base.Add(time.Minute),
	}))

	require.NoError(t, store.Delete(ctx, "inc-1"))

	_, err := store.Get(ctx, "inc-1")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	events, err := store.Occurrences(ctx, "inc-1")
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, store.Delete(ctx, "inc-1"), ports.ErrNotFound)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	store := NewIncidentStore()
	require.NoError(t, store.Save(ctx, newIncident("inc-1", "datadog", base)))

	require.NoError(t, store.Resolve(ctx, "inc-1", base.Add(10*time.Minute)))

	got, err := store.Get(ctx, "inc-1")
	require.NoError(t, err)
	require.True(t, got.IsResolved())
	assert.Equal(t, base.Add(10*time.Minute), *got.ResolvedAt)

	assert.ErrorIs(t, store.Resolve(ctx, "missing", base), ports.ErrNotFound)
}
