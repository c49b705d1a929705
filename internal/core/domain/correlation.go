package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Strategy identifies which scorer produced a correlation record.
type Strategy string

// Strategy constants define the available correlation strategies.
const (
	StrategyTemporal    Strategy = "temporal"
	StrategyPattern     Strategy = "pattern"
	StrategySource      Strategy = "source"
	StrategyFingerprint Strategy = "fingerprint"
	StrategyTopology    Strategy = "topology"
	StrategyCombined    Strategy = "combined"
	StrategyManual      Strategy = "manual"
)

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	return string(s)
}

// IsValid checks if the strategy is one of the defined valid strategies.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyTemporal, StrategyPattern, StrategySource, StrategyFingerprint,
		StrategyTopology, StrategyCombined, StrategyManual:
		return true
	default:
		return false
	}
}

// CorrelationRecord is evidence that two incidents are related, produced by a
// single strategy with a numeric score.
//
// The incident pair is unordered; IncidentA always holds the lexically smaller
// ID so that a pair has exactly one canonical representation. Records are
// immutable once created and are superseded, never mutated, by re-scoring.
type CorrelationRecord struct {
	ID         string    `json:"id"`
	IncidentA  string    `json:"incident_a"`
	IncidentB  string    `json:"incident_b"`
	Strategy   Strategy  `json:"strategy"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewCorrelationRecord creates a record for the given incident pair,
// canonicalising the pair ordering.
func NewCorrelationRecord(incidentA, incidentB string, strategy Strategy, score float64, reason string) CorrelationRecord {
	if incidentB < incidentA {
		incidentA, incidentB = incidentB, incidentA
	}
	return CorrelationRecord{
		ID:         uuid.NewString(),
		IncidentA:  incidentA,
		IncidentB:  incidentB,
		Strategy:   strategy,
		Score:      score,
		Reason:     reason,
		DetectedAt: time.Now().UTC(),
	}
}

// Validate checks the record for structural validity.
func (r *CorrelationRecord) Validate() error {
	if r.ID == "" {
		return errors.New("correlation record ID is required")
	}
	if r.IncidentA == "" || r.IncidentB == "" {
		return errors.New("correlation record requires two incident IDs")
	}
	if r.IncidentA == r.IncidentB {
		return errors.New("correlation record cannot pair an incident with itself")
	}
	if r.IncidentA > r.IncidentB {
		return errors.New("correlation record pair is not in canonical order")
	}
	if !r.Strategy.IsValid() {
		return fmt.Errorf("invalid strategy: %s", r.Strategy)
	}
	if r.Score < 0 || r.Score > 1 {
		return fmt.Errorf("score %f outside [0,1]", r.Score)
	}
	if r.DetectedAt.IsZero() {
		return errors.New("correlation record detected_at timestamp is required")
	}
	return nil
}

// Involves reports whether the record references the given incident.
func (r *CorrelationRecord) Involves(incidentID string) bool {
	return r.IncidentA == incidentID || r.IncidentB == incidentID
}

// Other returns the paired incident for the given one, and whether the record
// involves it at all.
func (r *CorrelationRecord) Other(incidentID string) (string, bool) {
	switch incidentID {
	case r.IncidentA:
		return r.IncidentB, true
	case r.IncidentB:
		return r.IncidentA, true
	default:
		return "", false
	}
}

// GroupStatus represents the lifecycle state of a correlation group.
type GroupStatus string

// GroupStatus constants define the valid group lifecycle states.
const (
	GroupStatusActive   GroupStatus = "active"
	GroupStatusStable   GroupStatus = "stable"
	GroupStatusResolved GroupStatus = "resolved"
	GroupStatusArchived GroupStatus = "archived"
)

// String returns the string representation of the status.
func (s GroupStatus) String() string {
	return string(s)
}

// IsValid checks if the status is one of the defined valid statuses.
func (s GroupStatus) IsValid() bool {
	switch s {
	case GroupStatusActive, GroupStatusStable, GroupStatusResolved, GroupStatusArchived:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether the group lifecycle permits moving from the
// current status to the target status.
//
// The lifecycle is monotonic forward except for the single backward edge
// stable → active (a stable group reopened by a new correlation):
//
//	active ⇄ stable → resolved → archived
//
// Archived is terminal.
func (s GroupStatus) CanTransitionTo(target GroupStatus) bool {
	if !target.IsValid() || !s.IsValid() {
		return false
	}
	if s == target {
		return true
	}
	switch s {
	case GroupStatusActive:
		return target == GroupStatusStable || target == GroupStatusResolved
	case GroupStatusStable:
		return target == GroupStatusActive || target == GroupStatusResolved
	case GroupStatusResolved:
		return target == GroupStatusArchived
	default: // archived
		return false
	}
}

// CorrelationGroup is a maintained cluster of incidents believed to share a
// root cause.
//
// Groups hold only incident IDs; the reverse incident → group mapping lives in
// the group manager. Embedding object references in both directions is avoided
// deliberately.
type CorrelationGroup struct {
	ID                string              `json:"id"`
	Title             string              `json:"title"`
	PrimaryIncidentID string              `json:"primary_incident_id"`
	Members           map[string]struct{} `json:"-"`
	Status            GroupStatus         `json:"status"`
	Records           []CorrelationRecord `json:"records"`
	AggregateScore    float64             `json:"aggregate_score"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// NewCorrelationGroup creates an active group seeded with the primary
// incident. The primary incident is the earliest member and names the group.
func NewCorrelationGroup(primary *Incident) *CorrelationGroup {
	now := time.Now().UTC()
	return &CorrelationGroup{
		ID:                uuid.NewString(),
		Title:             fmt.Sprintf("Correlated: %s", primary.Title),
		PrimaryIncidentID: primary.ID,
		Members:           map[string]struct{}{primary.ID: {}},
		Status:            GroupStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Size returns the number of member incidents.
func (g *CorrelationGroup) Size() int {
	return len(g.Members)
}

// Contains reports whether the incident is a member of the group.
func (g *CorrelationGroup) Contains(incidentID string) bool {
	_, ok := g.Members[incidentID]
	return ok
}

// MemberIDs returns the member incident IDs in unspecified order.
func (g *CorrelationGroup) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for id := range g.Members {
		ids = append(ids, id)
	}
	return ids
}

// AddMember adds an incident and the record that correlated it into the
// group, recomputing the aggregate score.
//
// The caller is responsible for enforcing the group size cap; AddMember does
// not truncate or reject.
func (g *CorrelationGroup) AddMember(incidentID string, record CorrelationRecord) {
	if _, exists := g.Members[incidentID]; !exists {
		g.Members[incidentID] = struct{}{}
	}
	g.Records = append(g.Records, record)
	g.UpdatedAt = time.Now().UTC()
	g.recalculateAggregateScore()
}

// RecordCorrelation appends a record between two existing members without
// structural change, updating the aggregate score.
func (g *CorrelationGroup) RecordCorrelation(record CorrelationRecord) {
	g.Records = append(g.Records, record)
	g.UpdatedAt = time.Now().UTC()
	g.recalculateAggregateScore()
}

// RemoveMember drops an incident and every record involving it from the
// group, recomputing the aggregate score. Reports whether the incident was a
// member. The primary incident ID is kept as a historical label even when the
// primary itself is removed.
func (g *CorrelationGroup) RemoveMember(incidentID string) bool {
	if _, ok := g.Members[incidentID]; !ok {
		return false
	}
	delete(g.Members, incidentID)

	kept := g.Records[:0]
	for _, r := range g.Records {
		if !r.Involves(incidentID) {
			kept = append(kept, r)
		}
	}
	g.Records = kept
	g.UpdatedAt = time.Now().UTC()
	g.recalculateAggregateScore()
	return true
}

// Absorb merges another group's members and records into this one, appending
// the linking evidence records and recomputing the aggregate score. The
// absorbed group is left untouched; the caller discards it.
func (g *CorrelationGroup) Absorb(other *CorrelationGroup, evidence ...CorrelationRecord) {
	for id := range other.Members {
		g.Members[id] = struct{}{}
	}
	g.Records = append(g.Records, other.Records...)
	g.Records = append(g.Records, evidence...)
	g.UpdatedAt = time.Now().UTC()
	g.recalculateAggregateScore()
}

// recalculateAggregateScore sets the aggregate to the mean of all intra-group
// pairwise record scores.
func (g *CorrelationGroup) recalculateAggregateScore() {
	if len(g.Records) == 0 {
		g.AggregateScore = 0
		return
	}
	sum := 0.0
	for _, r := range g.Records {
		sum += r.Score
	}
	g.AggregateScore = sum / float64(len(g.Records))
}

// TransitionTo moves the group to the target status if the lifecycle permits.
func (g *CorrelationGroup) TransitionTo(target GroupStatus) error {
	if !g.Status.CanTransitionTo(target) {
		return fmt.Errorf("cannot transition group from %s to %s", g.Status, target)
	}
	if g.Status != target {
		g.Status = target
		g.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Clone returns a deep copy of the group, safe to hand to callers outside the
// group manager's locks.
func (g *CorrelationGroup) Clone() *CorrelationGroup {
	clone := *g
	clone.Members = make(map[string]struct{}, len(g.Members))
	for id := range g.Members {
		clone.Members[id] = struct{}{}
	}
	clone.Records = make([]CorrelationRecord, len(g.Records))
	copy(clone.Records, g.Records)
	return &clone
}
