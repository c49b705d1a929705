package correlation

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/muster/internal/logging"
)

// MutationKind classifies the structural outcome of ingesting a correlation
// record.
type MutationKind string

// MutationKind constants define the possible ingest outcomes.
const (
	// MutationCreated means a new group was created from two ungrouped
	// incidents.
	MutationCreated MutationKind = "created"

	// MutationJoined means an ungrouped incident was added to an existing
	// group.
	MutationJoined MutationKind = "joined"

	// MutationMerged means two existing groups were unioned.
	MutationMerged MutationKind = "merged"

	// MutationRecorded means the record was attached to the group both
	// incidents already share; no structural change.
	MutationRecorded MutationKind = "recorded"

	// MutationRejectedFull means the addition or merge would exceed the
	// group size cap. The record is kept for audit; membership is
	// unchanged.
	MutationRejectedFull MutationKind = "rejected_full"

	// MutationSkipped means the record could not change any group: either
	// it spans two groups below the merge threshold, or it touches a
	// closed (resolved or archived) group. The record is kept for audit.
	MutationSkipped MutationKind = "skipped"
)

// MutationResult reports what ingesting one correlation record did to the
// group index.
type MutationResult struct {
	Kind    MutationKind             `json:"kind"`
	GroupID string                   `json:"group_id,omitempty"`
	Record  domain.CorrelationRecord `json:"record"`
}

// Stats is a point-in-time summary of the group index.
type Stats struct {
	TotalGroups       int   `json:"total_groups"`
	ActiveGroups      int   `json:"active_groups"`
	StableGroups      int   `json:"stable_groups"`
	ResolvedGroups    int   `json:"resolved_groups"`
	ArchivedGroups    int   `json:"archived_groups"`
	TotalCorrelations int64 `json:"total_correlations"`
	MappedIncidents   int   `json:"mapped_incidents"`
}

// groupEntry pairs a group with its mutation lock. Entries are removed from
// the index when merged away or destroyed by retention; the removed flag lets
// callers that acquired the entry lock after a removal detect the race and
// retry.
type groupEntry struct {
	mu           sync.Mutex
	group        *domain.CorrelationGroup
	lastMemberAt time.Time
	removed      bool
}

// Manager owns the incident ↔ group mapping.
//
// The index lock guards the two maps and the audit ledger; each group carries
// its own mutation lock so concurrent ingests on disjoint groups proceed in
// parallel. Lock ordering is always index lock before group locks, and merges
// take both group locks in sorted group-ID order.
type Manager struct {
	cfg    Config
	logger *logging.Logger

	mu            sync.RWMutex
	entries       map[string]*groupEntry
	incidentGroup map[string]string

	// audit holds records that did not attach to any group: cross-group
	// correlations below the merge threshold and rejected additions. The
	// auto-merge sweep re-reads these as merge evidence.
	audit []domain.CorrelationRecord

	totalRecords atomic.Int64
}

// NewManager creates a group manager with the given configuration.
func NewManager(cfg Config, logger *logging.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid correlation config: %w", err)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrInvalidInput)
	}

	return &Manager{
		cfg:           cfg,
		logger:        logger,
		entries:       make(map[string]*groupEntry),
		incidentGroup: make(map[string]string),
	}, nil
}

// Ingest applies one correlation record to the group index.
//
// The incidents must be the pair the record references, in either order; they
// are needed for group titling and primary selection when a group is created.
func (m *Manager) Ingest(record domain.CorrelationRecord, first, second *domain.Incident) (MutationResult, error) {
	if err := record.Validate(); err != nil {
		return MutationResult{}, fmt.Errorf("%w: %s", ports.ErrInvalidInput, err)
	}
	if first == nil || second == nil {
		return MutationResult{}, fmt.Errorf("%w: both incidents are required", ports.ErrInvalidInput)
	}

	incA, incB := first, second
	if incA.ID != record.IncidentA {
		incA, incB = incB, incA
	}
	if incA == nil || incB == nil || incA.ID != record.IncidentA || incB.ID != record.IncidentB {
		return MutationResult{}, fmt.Errorf("%w: incidents do not match record pair", ports.ErrInvalidInput)
	}

	m.totalRecords.Add(1)

	// Fast path: both incidents already share a group. Only the group's
	// own lock is needed.
	m.mu.RLock()
	gidA, okA := m.incidentGroup[record.IncidentA]
	gidB, okB := m.incidentGroup[record.IncidentB]
	var shared *groupEntry
	if okA && okB && gidA == gidB {
		shared = m.entries[gidA]
	}
	m.mu.RUnlock()

	if shared != nil {
		if result, ok := m.recordIntoShared(shared, record); ok {
			return result, nil
		}
		// The group was merged or removed between lookup and lock;
		// resolve again on the slow path.
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entryA := m.entryForIncident(record.IncidentA)
	entryB := m.entryForIncident(record.IncidentB)

	switch {
	case entryA == nil && entryB == nil:
		return m.createGroup(record, incA, incB)
	case entryA != nil && entryB == nil:
		return m.joinGroup(entryA, record, incB.ID)
	case entryA == nil && entryB != nil:
		return m.joinGroup(entryB, record, incA.ID)
	default:
		if entryA == entryB {
			return m.recordLocked(entryA, record)
		}
		return m.mergeGroups(entryA, entryB, record)
	}
}

// recordIntoShared attaches a record to the group both incidents share,
// without the index lock. Returns false if the entry was removed concurrently.
func (m *Manager) recordIntoShared(entry *groupEntry, record domain.CorrelationRecord) (MutationResult, bool) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.removed {
		return MutationResult{}, false
	}

	m.reopenLocked(entry)
	entry.group.RecordCorrelation(record)

	return MutationResult{Kind: MutationRecorded, GroupID: entry.group.ID, Record: record}, true
}

// entryForIncident resolves the open group entry for an incident. Closed
// (resolved) groups count as membership; archived groups never appear in the
// reverse index. Caller holds the index lock.
func (m *Manager) entryForIncident(incidentID string) *groupEntry {
	gid, ok := m.incidentGroup[incidentID]
	if !ok {
		return nil
	}
	return m.entries[gid]
}

// createGroup builds a new group from two ungrouped incidents. Caller holds
// the index lock.
func (m *Manager) createGroup(record domain.CorrelationRecord, incA, incB *domain.Incident) (MutationResult, error) {
	if m.cfg.MaxGroupSize < 2 {
		m.audit = append(m.audit, record)
		m.logger.Warn("group creation rejected, size cap below two",
			"incident_a", record.IncidentA, "incident_b", record.IncidentB)
		return MutationResult{Kind: MutationRejectedFull, Record: record}, nil
	}

	primary, other := incA, incB
	if other.CreatedAt.Before(primary.CreatedAt) ||
		(other.CreatedAt.Equal(primary.CreatedAt) && other.ID < primary.ID) {
		primary, other = other, incA
	}

	group := domain.NewCorrelationGroup(primary)
	group.AddMember(other.ID, record)

	entry := &groupEntry{group: group, lastMemberAt: time.Now().UTC()}
	m.entries[group.ID] = entry
	m.incidentGroup[primary.ID] = group.ID
	m.incidentGroup[other.ID] = group.ID

	m.logger.WithGroupID(group.ID).Info("correlation group created",
		"primary_incident", primary.ID,
		"score", record.Score,
		"strategy", record.Strategy.String())

	return MutationResult{Kind: MutationCreated, GroupID: group.ID, Record: record}, nil
}

// joinGroup adds an ungrouped incident to an existing group. Caller holds the
// index lock.
func (m *Manager) joinGroup(entry *groupEntry, record domain.CorrelationRecord, newIncidentID string) (MutationResult, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if closed(entry.group.Status) {
		m.audit = append(m.audit, record)
		return MutationResult{Kind: MutationSkipped, GroupID: entry.group.ID, Record: record}, nil
	}

	if entry.group.Size() >= m.cfg.MaxGroupSize {
		m.audit = append(m.audit, record)
		m.logger.WithGroupID(entry.group.ID).Warn("group full, addition rejected",
			"incident_id", newIncidentID,
			"size", entry.group.Size())
		return MutationResult{Kind: MutationRejectedFull, GroupID: entry.group.ID, Record: record}, nil
	}

	m.reopenLocked(entry)
	entry.group.AddMember(newIncidentID, record)
	entry.lastMemberAt = time.Now().UTC()
	m.incidentGroup[newIncidentID] = entry.group.ID

	m.logger.WithGroupID(entry.group.ID).Debug("incident joined group",
		"incident_id", newIncidentID,
		"size", entry.group.Size())

	return MutationResult{Kind: MutationJoined, GroupID: entry.group.ID, Record: record}, nil
}

// mergeGroups unions two groups when the linking record clears the merge
// threshold and the union fits the size cap. Caller holds the index lock;
// group locks are taken in sorted ID order.
func (m *Manager) mergeGroups(entryA, entryB *groupEntry, record domain.CorrelationRecord) (MutationResult, error) {
	lockPair(entryA, entryB)
	defer unlockPair(entryA, entryB)

	if closed(entryA.group.Status) || closed(entryB.group.Status) {
		m.audit = append(m.audit, record)
		return MutationResult{Kind: MutationSkipped, Record: record}, nil
	}

	if record.Score < m.cfg.MergeThreshold {
		m.audit = append(m.audit, record)
		return MutationResult{Kind: MutationSkipped, Record: record}, nil
	}

	if entryA.group.Size()+entryB.group.Size() > m.cfg.MaxGroupSize {
		m.audit = append(m.audit, record)
		m.logger.Warn("group merge rejected, union exceeds size cap",
			"group_a", entryA.group.ID,
			"group_b", entryB.group.ID)
		return MutationResult{Kind: MutationRejectedFull, Record: record}, nil
	}

	canonical, absorbed := canonicalPair(entryA, entryB)
	m.unionLocked(canonical, absorbed, []domain.CorrelationRecord{record})

	m.logger.WithGroupID(canonical.group.ID).Info("groups merged",
		"absorbed_group", absorbed.group.ID,
		"size", canonical.group.Size(),
		"score", record.Score)

	return MutationResult{Kind: MutationMerged, GroupID: canonical.group.ID, Record: record}, nil
}

// recordLocked attaches a record to a single group resolved on the slow path.
// Caller holds the index lock.
func (m *Manager) recordLocked(entry *groupEntry, record domain.CorrelationRecord) (MutationResult, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if closed(entry.group.Status) {
		m.audit = append(m.audit, record)
		return MutationResult{Kind: MutationSkipped, GroupID: entry.group.ID, Record: record}, nil
	}

	m.reopenLocked(entry)
	entry.group.RecordCorrelation(record)
	return MutationResult{Kind: MutationRecorded, GroupID: entry.group.ID, Record: record}, nil
}

// unionLocked folds absorbed into canonical. Caller holds the index lock and
// both group locks. Extra records (the merge evidence) are attached after the
// membership move.
func (m *Manager) unionLocked(canonical, absorbed *groupEntry, evidence []domain.CorrelationRecord) {
	for id := range absorbed.group.Members {
		m.incidentGroup[id] = canonical.group.ID
	}
	canonical.group.Absorb(absorbed.group, evidence...)

	m.reopenLocked(canonical)
	canonical.lastMemberAt = time.Now().UTC()

	absorbed.removed = true
	delete(m.entries, absorbed.group.ID)
}

// reopenLocked transitions a stable group back to active. Caller holds the
// group lock.
func (m *Manager) reopenLocked(entry *groupEntry) {
	if entry.group.Status == domain.GroupStatusStable {
		if err := entry.group.TransitionTo(domain.GroupStatusActive); err == nil {
			m.logger.WithGroupID(entry.group.ID).Info("stable group reopened")
		}
	}
}

// closed reports whether a group no longer accepts members or records.
func closed(status domain.GroupStatus) bool {
	return status == domain.GroupStatusResolved || status == domain.GroupStatusArchived
}

// canonicalPair orders two entries so the earlier-created group (ID as
// tie-break) is canonical.
func canonicalPair(a, b *groupEntry) (canonical, absorbed *groupEntry) {
	if b.group.CreatedAt.Before(a.group.CreatedAt) ||
		(b.group.CreatedAt.Equal(a.group.CreatedAt) && b.group.ID < a.group.ID) {
		return b, a
	}
	return a, b
}

// lockPair acquires two group locks in sorted ID order.
func lockPair(a, b *groupEntry) {
	if a.group.ID < b.group.ID {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, b *groupEntry) {
	a.mu.Unlock()
	b.mu.Unlock()
}

// GroupFor returns a snapshot of the group containing the incident.
func (m *Manager) GroupFor(incidentID string) (*domain.CorrelationGroup, bool) {
	m.mu.RLock()
	entry := m.entryForIncident(incidentID)
	m.mu.RUnlock()

	if entry == nil {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return nil, false
	}
	return entry.group.Clone(), true
}

// Get returns a snapshot of a group by ID.
func (m *Manager) Get(groupID string) (*domain.CorrelationGroup, bool) {
	m.mu.RLock()
	entry := m.entries[groupID]
	m.mu.RUnlock()

	if entry == nil {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return nil, false
	}
	return entry.group.Clone(), true
}

// List returns snapshots of all groups, optionally filtered by status, sorted
// by creation time (oldest first).
func (m *Manager) List(statuses ...domain.GroupStatus) []*domain.CorrelationGroup {
	wanted := make(map[domain.GroupStatus]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	m.mu.RLock()
	entries := make([]*groupEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	groups := make([]*domain.CorrelationGroup, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.removed {
			if _, ok := wanted[entry.group.Status]; ok || len(wanted) == 0 {
				groups = append(groups, entry.group.Clone())
			}
		}
		entry.mu.Unlock()
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].ID < groups[j].ID
		}
		return groups[i].CreatedAt.Before(groups[j].CreatedAt)
	})
	return groups
}

// Resolve transitions a group to resolved, regardless of member resolution
// state. Used for operator-driven resolution.
func (m *Manager) Resolve(groupID string) error {
	m.mu.RLock()
	entry := m.entries[groupID]
	m.mu.RUnlock()

	if entry == nil {
		return fmt.Errorf("%w: group %s", ports.ErrNotFound, groupID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return fmt.Errorf("%w: group %s", ports.ErrNotFound, groupID)
	}
	if err := entry.group.TransitionTo(domain.GroupStatusResolved); err != nil {
		return fmt.Errorf("%w: %s", ports.ErrInvalidInput, err)
	}

	m.logger.WithGroupID(groupID).Info("group resolved")
	return nil
}

// Statistics returns a point-in-time summary of the index.
func (m *Manager) Statistics() Stats {
	m.mu.RLock()
	entries := make([]*groupEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	stats := Stats{
		TotalCorrelations: m.totalRecords.Load(),
		MappedIncidents:   len(m.incidentGroup),
	}
	m.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.removed {
			stats.TotalGroups++
			switch entry.group.Status {
			case domain.GroupStatusActive:
				stats.ActiveGroups++
			case domain.GroupStatusStable:
				stats.StableGroups++
			case domain.GroupStatusResolved:
				stats.ResolvedGroups++
			case domain.GroupStatusArchived:
				stats.ArchivedGroups++
			}
		}
		entry.mu.Unlock()
	}
	return stats
}
