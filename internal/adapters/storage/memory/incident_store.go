// Package memory provides an in-memory implementation of the incident store.
//
// This implementation is intended for development and testing environments.
// All data is lost on restart. Safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/ports"
)

// IncidentStore is an in-memory implementation of ports.IncidentStore.
type IncidentStore struct {
	mu          sync.RWMutex
	incidents   map[string]*domain.Incident
	occurrences map[string][]domain.OccurrenceEvent
}

// NewIncidentStore creates a new empty in-memory incident store.
func NewIncidentStore() *IncidentStore {
	return &IncidentStore{
		incidents:   make(map[string]*domain.Incident),
		occurrences: make(map[string][]domain.OccurrenceEvent),
	}
}

// Save stores an incident, overwriting any existing incident with the same ID.
func (s *IncidentStore) Save(ctx context.Context, incident *domain.Incident) error {
	if incident == nil {
		return fmt.Errorf("%w: incident is required", ports.ErrInvalidInput)
	}
	if err := incident.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ports.ErrInvalidInput, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[incident.ID] = copyIncident(incident)
	return nil
}

// Get retrieves an incident by ID.
func (s *IncidentStore) Get(ctx context.Context, id string) (*domain.Incident, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: incident ID is required", ports.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	incident, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: incident %s", ports.ErrNotFound, id)
	}
	return copyIncident(incident), nil
}

// ListRecent returns incidents matching the filter, newest first.
func (s *IncidentStore) ListRecent(ctx context.Context, filter ports.RecentFilter) ([]*domain.Incident, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Incident
	for _, incident := range s.incidents {
		if incident.CreatedAt.Before(filter.Since) {
			continue
		}
		if incident.ID == filter.ExcludeID {
			continue
		}
		if len(filter.Sources) > 0 && !contains(filter.Sources, incident.Source) {
			continue
		}
		if len(filter.Categories) > 0 && !contains(filter.Categories, incident.Category) {
			continue
		}
		matched = append(matched, copyIncident(incident))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// RecordOccurrence appends a repeat-occurrence event to an incident's timeline.
func (s *IncidentStore) RecordOccurrence(ctx context.Context, event domain.OccurrenceEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ports.ErrInvalidInput, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[event.IncidentID]; !ok {
		return fmt.Errorf("%w: incident %s", ports.ErrNotFound, event.IncidentID)
	}
	s.occurrences[event.IncidentID] = append(s.occurrences[event.IncidentID], event)
	return nil
}

// Resolve marks an incident resolved at the given time.
func (s *IncidentStore) Resolve(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return fmt.Errorf("%w: incident ID is required", ports.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	incident, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("%w: incident %s", ports.ErrNotFound, id)
	}
	resolved := at.UTC()
	incident.ResolvedAt = &resolved
	return nil
}

// Delete removes an incident and its occurrence events.
func (s *IncidentStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: incident ID is required", ports.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.incidents[id]; !ok {
		return fmt.Errorf("%w: incident %s", ports.ErrNotFound, id)
	}
	delete(s.incidents, id)
	delete(s.occurrences, id)
	return nil
}

// Occurrences returns the recorded occurrence events for an incident.
func (s *IncidentStore) Occurrences(ctx context.Context, id string) ([]domain.OccurrenceEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.occurrences[id]
	out := make([]domain.OccurrenceEvent, len(events))
	copy(out, events)
	return out, nil
}

// copyIncident returns a deep copy so callers cannot mutate stored state.
func copyIncident(incident *domain.Incident) *domain.Incident {
	clone := *incident
	if incident.ResolvedAt != nil {
		resolvedAt := *incident.ResolvedAt
		clone.ResolvedAt = &resolvedAt
	}
	return &clone
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
