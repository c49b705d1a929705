package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/muster/internal/dedup"
	"github.com/Studio-Elephant-and-Rope/muster/internal/logging"
	"github.com/Studio-Elephant-and-Rope/muster/internal/metrics"
)

// MaintenanceConfig controls the background maintenance scheduler.
type MaintenanceConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// StabilizeAfter is the quiet period after which an active group with
	// no new members transitions to stable.
	StabilizeAfter time.Duration

	// ArchiveAfter is how long a resolved group waits before archival.
	ArchiveAfter time.Duration

	// Retention is how long archived groups and audit records are kept
	// before destruction.
	Retention time.Duration
}

// DefaultMaintenanceConfig returns the production defaults: sweep every
// minute, stabilize after an hour, archive after a day, destroy after a week.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Interval:       time.Minute,
		StabilizeAfter: time.Hour,
		ArchiveAfter:   24 * time.Hour,
		Retention:      7 * 24 * time.Hour,
	}
}

// Validate checks the maintenance configuration.
func (c *MaintenanceConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("maintenance interval must be positive, got %s", c.Interval)
	}
	if c.StabilizeAfter <= 0 {
		return fmt.Errorf("stabilize_after must be positive, got %s", c.StabilizeAfter)
	}
	if c.ArchiveAfter <= 0 {
		return fmt.Errorf("archive_after must be positive, got %s", c.ArchiveAfter)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive, got %s", c.Retention)
	}
	return nil
}

// Scheduler runs periodic maintenance over the group and dedup indexes: aging
// active groups to stable, resolving completed groups, archiving, retention
// destruction, auto-merge, and dedup pruning.
//
// The scheduler never blocks live analysis: each sweep works from a snapshot
// of group IDs and takes the same per-group locks as ingest, one group at a
// time.
type Scheduler struct {
	cfg     MaintenanceConfig
	manager *Manager
	store   ports.IncidentStore
	dedup   *dedup.Index
	logger  *logging.Logger
	metrics *metrics.Metrics

	stop chan struct{}
	done chan struct{}
}

// NewScheduler creates a maintenance scheduler. The metrics handle may be nil.
func NewScheduler(cfg MaintenanceConfig, manager *Manager, store ports.IncidentStore, index *dedup.Index, logger *logging.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid maintenance config: %w", err)
	}
	if manager == nil || store == nil || index == nil || logger == nil {
		return nil, fmt.Errorf("%w: manager, store, dedup index and logger are required", ports.ErrInvalidInput)
	}

	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		store:   store,
		dedup:   index,
		logger:  logger,
		metrics: m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the background sweep loop. Call Stop to shut it down.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the loop to terminate and waits for the in-flight sweep, if
// any, to complete. Safe to call once.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("maintenance scheduler started", "interval", s.cfg.Interval.String())

	for {
		select {
		case <-s.stop:
			s.logger.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one full maintenance pass. Exposed so operators and tests can
// force a pass without waiting for the ticker.
func (s *Scheduler) Sweep(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	stabilized := s.manager.Stabilize(now, s.cfg.StabilizeAfter)
	resolved := s.manager.ResolveCompleted(ctx, s.store)
	dangling := s.manager.PruneDangling(ctx, s.store)
	archived := s.manager.ArchiveAged(now, s.cfg.ArchiveAfter)
	destroyed := s.manager.SweepRetention(now, s.cfg.Retention)
	merged := s.manager.AutoMerge()
	prunedDedup := s.dedup.Prune(now)
	prunedMissing := s.dedup.PruneMissing(ctx)
	prunedAudit := s.manager.PruneAudit(now, s.cfg.Retention)

	if s.metrics != nil {
		s.metrics.ObserveMaintenanceSweep(time.Since(start))
		stats := s.manager.Statistics()
		s.metrics.SetGroupGauges(stats.ActiveGroups, stats.StableGroups,
			stats.ResolvedGroups, stats.ArchivedGroups, stats.MappedIncidents)
	}

	s.logger.WithDuration(time.Since(start)).Debug("maintenance sweep complete",
		"stabilized", len(stabilized),
		"resolved", len(resolved),
		"dangling", len(dangling),
		"archived", len(archived),
		"destroyed", len(destroyed),
		"merged", merged,
		"pruned_dedup", prunedDedup,
		"pruned_missing", prunedMissing,
		"pruned_audit", prunedAudit)
}

// Stabilize transitions active groups with no member added within the quiet
// period to stable. Returns the affected group IDs.
func (m *Manager) Stabilize(now time.Time, after time.Duration) []string {
	var stabilized []string
	for _, entry := range m.snapshotEntries() {
		entry.mu.Lock()
		if !entry.removed &&
			entry.group.Status == domain.GroupStatusActive &&
			now.Sub(entry.lastMemberAt) > after {
			if err := entry.group.TransitionTo(domain.GroupStatusStable); err == nil {
				stabilized = append(stabilized, entry.group.ID)
			}
		}
		entry.mu.Unlock()
	}

	for _, id := range stabilized {
		m.logger.WithGroupID(id).Debug("group stabilized")
	}
	return stabilized
}

// ResolveCompleted transitions active and stable groups whose members are all
// resolved. Store lookups run outside the group lock; membership is
// re-checked before the transition.
func (m *Manager) ResolveCompleted(ctx context.Context, store ports.IncidentStore) []string {
	var resolved []string
	for _, entry := range m.snapshotEntries() {
		entry.mu.Lock()
		if entry.removed || closed(entry.group.Status) {
			entry.mu.Unlock()
			continue
		}
		members := entry.group.MemberIDs()
		entry.mu.Unlock()

		allResolved := len(members) > 0
		for _, id := range members {
			incident, err := store.Get(ctx, id)
			if err != nil || !incident.IsResolved() {
				allResolved = false
				break
			}
		}
		if !allResolved {
			continue
		}

		entry.mu.Lock()
		if !entry.removed && !closed(entry.group.Status) && entry.group.Size() == len(members) {
			if err := entry.group.TransitionTo(domain.GroupStatusResolved); err == nil {
				resolved = append(resolved, entry.group.ID)
			}
		}
		entry.mu.Unlock()
	}

	for _, id := range resolved {
		m.logger.WithGroupID(id).Info("group resolved, all members resolved")
	}
	return resolved
}

// ArchiveAged transitions resolved groups past the archive delay to archived
// and releases their members from the reverse index. Each group is handled
// under a short critical section; the index lock is never held across the
// whole sweep.
func (m *Manager) ArchiveAged(now time.Time, after time.Duration) []string {
	var archived []string
	for _, id := range m.snapshotIDs() {
		m.mu.Lock()
		entry := m.entries[id]
		if entry == nil {
			m.mu.Unlock()
			continue
		}
		entry.mu.Lock()
		if !entry.removed &&
			entry.group.Status == domain.GroupStatusResolved &&
			now.Sub(entry.group.UpdatedAt) > after {
			if err := entry.group.TransitionTo(domain.GroupStatusArchived); err == nil {
				for member := range entry.group.Members {
					if m.incidentGroup[member] == id {
						delete(m.incidentGroup, member)
					}
				}
				archived = append(archived, id)
			}
		}
		entry.mu.Unlock()
		m.mu.Unlock()
	}

	for _, id := range archived {
		m.logger.WithGroupID(id).Info("group archived")
	}
	return archived
}

// SweepRetention destroys archived groups past the retention period. Returns
// the destroyed group IDs.
func (m *Manager) SweepRetention(now time.Time, retention time.Duration) []string {
	var destroyed []string
	for _, id := range m.snapshotIDs() {
		m.mu.Lock()
		entry := m.entries[id]
		if entry == nil {
			m.mu.Unlock()
			continue
		}
		entry.mu.Lock()
		if !entry.removed &&
			entry.group.Status == domain.GroupStatusArchived &&
			now.Sub(entry.group.UpdatedAt) > retention {
			entry.removed = true
			delete(m.entries, id)
			destroyed = append(destroyed, id)
		}
		entry.mu.Unlock()
		m.mu.Unlock()
	}

	for _, id := range destroyed {
		m.logger.WithGroupID(id).Info("archived group destroyed by retention sweep")
	}
	return destroyed
}

// PruneDangling drops group members, their records and audit evidence that
// reference incidents no longer present in the store. Store lookups run
// outside the locks; membership is re-checked before mutation. A group left
// with fewer than two members is destroyed and its survivor released for
// future regrouping. Returns the pruned incident IDs.
func (m *Manager) PruneDangling(ctx context.Context, store ports.IncidentStore) []string {
	missing := make(map[string]struct{})
	for _, entry := range m.snapshotEntries() {
		entry.mu.Lock()
		members := entry.group.MemberIDs()
		entry.mu.Unlock()

		for _, id := range members {
			if _, seen := missing[id]; seen {
				continue
			}
			if _, err := store.Get(ctx, id); errors.Is(err, ports.ErrNotFound) {
				missing[id] = struct{}{}
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}

	m.mu.Lock()
	for gid, entry := range m.entries {
		entry.mu.Lock()
		if entry.removed {
			entry.mu.Unlock()
			continue
		}
		for _, id := range entry.group.MemberIDs() {
			if _, gone := missing[id]; !gone {
				continue
			}
			entry.group.RemoveMember(id)
			if m.incidentGroup[id] == gid {
				delete(m.incidentGroup, id)
			}
		}
		if entry.group.Size() < 2 {
			for member := range entry.group.Members {
				if m.incidentGroup[member] == gid {
					delete(m.incidentGroup, member)
				}
			}
			entry.removed = true
			delete(m.entries, gid)
		}
		entry.mu.Unlock()
	}

	kept := m.audit[:0]
	for _, r := range m.audit {
		if _, gone := missing[r.IncidentA]; gone {
			continue
		}
		if _, gone := missing[r.IncidentB]; gone {
			continue
		}
		kept = append(kept, r)
	}
	m.audit = kept
	m.mu.Unlock()

	pruned := make([]string, 0, len(missing))
	for id := range missing {
		pruned = append(pruned, id)
	}
	sort.Strings(pruned)
	for _, id := range pruned {
		m.logger.WithIncidentID(id).Info("dangling incident pruned from group index")
	}
	return pruned
}

// AutoMerge re-reads the audit ledger for cross-group evidence and unions
// group pairs whose accumulated linking evidence clears the merge threshold,
// respecting the size cap. Individual records below the threshold stay
// separate at ingest time; repeated independent evidence between the same two
// groups compounds (noisy-or) until the pair qualifies. Consumed evidence
// moves into the merged group. Returns the number of merges performed.
//
// Disabled entirely when auto-merge is off in the configuration.
func (m *Manager) AutoMerge() int {
	if !m.cfg.AutoMergeGroups {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	merges := 0
	for {
		pair, records := m.bestMergeCandidate()
		if pair == nil {
			break
		}

		lockPair(pair[0], pair[1])
		canonical, absorbed := canonicalPair(pair[0], pair[1])
		m.unionLocked(canonical, absorbed, records)
		unlockPair(pair[0], pair[1])

		m.removeFromAudit(records)
		merges++

		m.logger.WithGroupID(canonical.group.ID).Info("groups auto-merged",
			"absorbed_group", absorbed.group.ID,
			"evidence_records", len(records))
	}
	return merges
}

// bestMergeCandidate finds one pair of open groups whose compounded
// cross-group audit evidence reaches the merge threshold and whose union fits
// the size cap. Caller holds the index lock.
func (m *Manager) bestMergeCandidate() (*[2]*groupEntry, []domain.CorrelationRecord) {
	type pairKey struct{ a, b string }
	evidence := make(map[pairKey][]domain.CorrelationRecord)

	for _, record := range m.audit {
		gidA, okA := m.incidentGroup[record.IncidentA]
		gidB, okB := m.incidentGroup[record.IncidentB]
		if !okA || !okB || gidA == gidB {
			continue
		}
		key := pairKey{gidA, gidB}
		if gidB < gidA {
			key = pairKey{gidB, gidA}
		}
		evidence[key] = append(evidence[key], record)
	}

	for key, records := range evidence {
		entryA := m.entries[key.a]
		entryB := m.entries[key.b]
		if entryA == nil || entryB == nil {
			continue
		}
		if closed(entryA.group.Status) || closed(entryB.group.Status) {
			continue
		}
		if entryA.group.Size()+entryB.group.Size() > m.cfg.MaxGroupSize {
			continue
		}

		// Noisy-or accumulation: independent moderate signals compound.
		miss := 1.0
		for _, r := range records {
			miss *= 1.0 - r.Score
		}
		if 1.0-miss >= m.cfg.MergeThreshold {
			return &[2]*groupEntry{entryA, entryB}, records
		}
	}
	return nil, nil
}

// removeFromAudit drops consumed evidence records from the audit ledger.
// Caller holds the index lock.
func (m *Manager) removeFromAudit(consumed []domain.CorrelationRecord) {
	ids := make(map[string]struct{}, len(consumed))
	for _, r := range consumed {
		ids[r.ID] = struct{}{}
	}

	kept := m.audit[:0]
	for _, r := range m.audit {
		if _, ok := ids[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	m.audit = kept
}

// PruneAudit drops audit records older than the retention period. Returns the
// number removed.
func (m *Manager) PruneAudit(now time.Time, retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audit[:0]
	removed := 0
	for _, r := range m.audit {
		if now.Sub(r.DetectedAt) > retention {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.audit = kept
	return removed
}

// snapshotEntries returns the current group entries without holding the index
// lock across the caller's iteration.
func (m *Manager) snapshotEntries() []*groupEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*groupEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	return entries
}

// snapshotIDs returns the current group IDs.
func (m *Manager) snapshotIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}
