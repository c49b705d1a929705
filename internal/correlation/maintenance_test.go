package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/muster/internal/adapters/storage/memory"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/muster/internal/dedup"
)

func TestMaintenanceConfigValidate(t *testing.T) {
	cfg := DefaultMaintenanceConfig()
	require.NoError(t, cfg.Validate())

	cfg.Interval = 0
	assert.Error(t, cfg.Validate())
}

func TestResolveCompleted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewIncidentStore()
	manager := newTestManager(t, DefaultConfig())

	a := incidentAt("inc-a", "DB down", testBase)
	b := incidentAt("inc-b", "DB slow", testBase.Add(time.Minute))
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))

	created, err := manager.Ingest(record(a, b, 0.8), a, b)
	require.NoError(t, err)

	t.Run("open members keep the group open", func(t *testing.T) {
		require.NoError(t, store.Resolve(ctx, "inc-a", testBase.Add(10*time.Minute)))
		assert.Empty(t, manager.ResolveCompleted(ctx, store))
	})

	t.Run("all members resolved closes the group", func(t *testing.T) {
		require.NoError(t, store.Resolve(ctx, "inc-b", testBase.Add(12*time.Minute)))
		resolved := manager.ResolveCompleted(ctx, store)
		require.Contains(t, resolved, created.GroupID)

		group, ok := manager.Get(created.GroupID)
		require.True(t, ok)
		assert.Equal(t, domain.GroupStatusResolved, group.Status)
	})
}

func TestArchiveAndRetention(t *testing.T) {
	manager := newTestManager(t, DefaultConfig())

	a := incidentAt("inc-a", "DB down", testBase)
	b := incidentAt("inc-b", "DB slow", testBase.Add(time.Minute))
	created, err := manager.Ingest(record(a, b, 0.8), a, b)
	require.NoError(t, err)
	require.NoError(t, manager.Resolve(created.GroupID))

	now := time.Now().UTC()

	t.Run("young resolved group stays", func(t *testing.T) {
		assert.Empty(t, manager.ArchiveAged(now.Add(time.Hour), 24*time.Hour))
	})

	t.Run("aged resolved group archives and unmaps members", func(t *testing.T) {
		archived := manager.ArchiveAged(now.Add(25*time.Hour), 24*time.Hour)
		require.Contains(t, archived, created.GroupID)

		group, ok := manager.Get(created.GroupID)
		require.True(t, ok)
		assert.Equal(t, domain.GroupStatusArchived, group.Status)

		_, ok = manager.GroupFor("inc-a")
		assert.False(t, ok)
		assert.Equal(t, 0, manager.Statistics().MappedIncidents)
	})

	t.Run("retention destroys archived groups", func(t *testing.T) {
		assert.Empty(t, manager.SweepRetention(now.Add(26*time.Hour), 7*24*time.Hour))

		destroyed := manager.SweepRetention(now.Add(9*24*time.Hour), 7*24*time.Hour)
		require.Contains(t, destroyed, created.GroupID)

		_, ok := manager.Get(created.GroupID)
		assert.False(t, ok)
		assert.Equal(t, 0, manager.Statistics().TotalGroups)
	})
}

func TestPruneDangling(t *testing.T) {
	ctx := context.Background()
	store := memory.NewIncidentStore()
	manager := newTestManager(t, DefaultConfig())

	a := incidentAt("inc-a", "DB down", testBase)
	b := incidentAt("inc-b", "DB slow", testBase.Add(time.Minute))
	c := incidentAt("inc-c", "DB latency", testBase.Add(2*time.Minute))
	for _, inc := range []*domain.Incident{a, b, c} {
		require.NoError(t, store.Save(ctx, inc))
	}

	created, err := manager.Ingest(record(a, b, 0.8), a, b)
	require.NoError(t, err)
	_, err = manager.Ingest(record(a, c, 0.8), a, c)
	require.NoError(t, err)

	t.Run("consistent store prunes nothing", func(t *testing.T) {
		assert.Empty(t, manager.PruneDangling(ctx, store))
	})

	t.Run("deleted member leaves the group with its records", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "inc-b"))

		pruned := manager.PruneDangling(ctx, store)
		assert.Equal(t, []string{"inc-b"}, pruned)

		_, ok := manager.GroupFor("inc-b")
		assert.False(t, ok)

		group, ok := manager.Get(created.GroupID)
		require.True(t, ok)
		assert.Equal(t, 2, group.Size())
		require.Len(t, group.Records, 1)
		assert.False(t, group.Records[0].Involves("inc-b"))
	})

	t.Run("group below two members is destroyed", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "inc-c"))

		pruned := manager.PruneDangling(ctx, store)
		assert.Equal(t, []string{"inc-c"}, pruned)

		_, ok := manager.Get(created.GroupID)
		assert.False(t, ok)
		_, ok = manager.GroupFor("inc-a")
		assert.False(t, ok)
		assert.Equal(t, 0, manager.Statistics().TotalGroups)
	})
}

func TestSweepDropsDeletedIncidents(t *testing.T) {
	// An incident deleted from the external store must vanish from both the
	// group index and the dedup index on the next sweep.
	ctx := context.Background()
	store := memory.NewIncidentStore()
	logger := testLogger(t)
	manager := newTestManager(t, DefaultConfig())
	index, err := dedup.NewIndex(15*time.Minute, store, logger)
	require.NoError(t, err)
	scheduler, err := NewScheduler(DefaultMaintenanceConfig(), manager, store, index, logger, nil)
	require.NoError(t, err)

	// Recent timestamps so the age-based dedup prune leaves entries alone.
	base := time.Now().UTC()
	a := incidentAt("inc-a", "DB down", base)
	b := incidentAt("inc-b", "DB slow", base.Add(time.Second))
	c := incidentAt("inc-c", "DB latency", base.Add(2*time.Second))
	for _, inc := range []*domain.Incident{a, b, c} {
		require.NoError(t, store.Save(ctx, inc))
		_, err := index.CheckAndRecord(ctx, inc)
		require.NoError(t, err)
	}
	_, err = manager.Ingest(record(a, b, 0.8), a, b)
	require.NoError(t, err)
	_, err = manager.Ingest(record(a, c, 0.8), a, c)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "inc-b"))
	scheduler.Sweep(ctx)

	_, ok := manager.GroupFor("inc-b")
	assert.False(t, ok)

	group, ok := manager.GroupFor("inc-a")
	require.True(t, ok)
	assert.Equal(t, 2, group.Size())
	assert.Equal(t, 2, index.Len())
}

func TestAutoMerge(t *testing.T) {
	manager := newTestManager(t, DefaultConfig())

	a := incidentAt("inc-a", "DB down", testBase)
	b := incidentAt("inc-b", "DB slow", testBase.Add(time.Minute))
	c := incidentAt("inc-c", "API errors", testBase.Add(2*time.Minute))
	d := incidentAt("inc-d", "API timeouts", testBase.Add(3*time.Minute))

	first, err := manager.Ingest(record(a, b, 0.9), a, b)
	require.NoError(t, err)
	second, err := manager.Ingest(record(c, d, 0.9), c, d)
	require.NoError(t, err)

	t.Run("single moderate link is not enough", func(t *testing.T) {
		result, err := manager.Ingest(record(b, c, 0.7), b, c)
		require.NoError(t, err)
		require.Equal(t, MutationSkipped, result.Kind)
		assert.Equal(t, 0, manager.AutoMerge())
	})

	t.Run("compounded evidence merges the groups", func(t *testing.T) {
		result, err := manager.Ingest(record(a, d, 0.7), a, d)
		require.NoError(t, err)
		require.Equal(t, MutationSkipped, result.Kind)

		// Two independent 0.7 links compound past the 0.8 threshold.
		assert.Equal(t, 1, manager.AutoMerge())

		_, ok := manager.Get(second.GroupID)
		assert.False(t, ok)

		group, ok := manager.Get(first.GroupID)
		require.True(t, ok)
		assert.Equal(t, 4, group.Size())
		// Two creation records plus the two consumed evidence records.
		assert.Len(t, group.Records, 4)
	})

	t.Run("consumed evidence does not merge twice", func(t *testing.T) {
		assert.Equal(t, 0, manager.AutoMerge())
	})

	t.Run("disabled auto-merge does nothing", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AutoMergeGroups = false
		disabled := newTestManager(t, cfg)
		_, err := disabled.Ingest(record(a, b, 0.9), a, b)
		require.NoError(t, err)
		assert.Equal(t, 0, disabled.AutoMerge())
	})
}

func TestPruneAudit(t *testing.T) {
	manager := newTestManager(t, DefaultConfig())

	a := incidentAt("inc-a", "DB down", testBase)
	b := incidentAt("inc-b", "DB slow", testBase.Add(time.Minute))
	c := incidentAt("inc-c", "API errors", testBase.Add(2*time.Minute))
	d := incidentAt("inc-d", "API timeouts", testBase.Add(3*time.Minute))

	_, err := manager.Ingest(record(a, b, 0.9), a, b)
	require.NoError(t, err)
	_, err = manager.Ingest(record(c, d, 0.9), c, d)
	require.NoError(t, err)
	result, err := manager.Ingest(record(b, c, 0.6), b, c)
	require.NoError(t, err)
	require.Equal(t, MutationSkipped, result.Kind)

	now := time.Now().UTC()
	assert.Equal(t, 0, manager.PruneAudit(now, 7*24*time.Hour))
	assert.Equal(t, 1, manager.PruneAudit(now.Add(8*24*time.Hour), 7*24*time.Hour))
}

func TestScheduler(t *testing.T) {
	ctx := context.Background()
	store := memory.NewIncidentStore()
	logger := testLogger(t)
	manager := newTestManager(t, DefaultConfig())
	index, err := dedup.NewIndex(15*time.Minute, store, logger)
	require.NoError(t, err)

	t.Run("invalid config rejected", func(t *testing.T) {
		bad := DefaultMaintenanceConfig()
		bad.Retention = 0
		_, err := NewScheduler(bad, manager, store, index, logger, nil)
		assert.Error(t, err)
	})

	t.Run("sweep runs the full pass", func(t *testing.T) {
		cfg := DefaultMaintenanceConfig()
		scheduler, err := NewScheduler(cfg, manager, store, index, logger, nil)
		require.NoError(t, err)

		a := incidentAt("inc-a", "DB down", testBase)
		b := incidentAt("inc-b", "DB slow", testBase.Add(time.Minute))
		require.NoError(t, store.Save(ctx, a))
		require.NoError(t, store.Save(ctx, b))
		_, err = manager.Ingest(record(a, b, 0.8), a, b)
		require.NoError(t, err)

		require.NoError(t, store.Resolve(ctx, "inc-a", testBase.Add(5*time.Minute)))
		require.NoError(t, store.Resolve(ctx, "inc-b", testBase.Add(6*time.Minute)))

		scheduler.Sweep(ctx)

		groups := manager.List(domain.GroupStatusResolved)
		require.Len(t, groups, 1)
	})

	t.Run("stop terminates within a tick", func(t *testing.T) {
		cfg := DefaultMaintenanceConfig()
		cfg.Interval = 10 * time.Millisecond
		scheduler, err := NewScheduler(cfg, manager, store, index, logger, nil)
		require.NoError(t, err)

		scheduler.Start()
		time.Sleep(35 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			scheduler.Stop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("scheduler did not stop within a tick boundary")
		}
	})
}
