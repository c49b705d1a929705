// Package dedup implements the rolling-window deduplication index.
//
// The index maps content fingerprints to the incident that first carried them.
// A submission whose fingerprint was seen within the window is a duplicate: it
// is folded into the existing incident as an occurrence event instead of
// producing a second incident. Entries expire lazily; an expired entry is
// overwritten on the next submission with the same fingerprint, and the
// maintenance scheduler sweeps the remainder.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/muster/internal/fingerprint"
	"github.com/Studio-Elephant-and-Rope/muster/internal/logging"
)

// occurrenceActor identifies the engine as the author of merged-duplicate
// timeline events.
const occurrenceActor = "correlation-engine"

// Result describes the outcome of checking one submission against the index.
type Result struct {
	// Duplicate is true when the submission matched a live index entry.
	Duplicate bool `json:"duplicate"`

	// ExistingID is the incident the duplicate was merged into. Empty for
	// new submissions.
	ExistingID string `json:"existing_id,omitempty"`

	// Fingerprint is the content fingerprint used for the check.
	Fingerprint string `json:"fingerprint"`
}

type entry struct {
	incidentID string
	lastSeen   time.Time
}

// Index is the in-memory deduplication index.
//
// Safe for concurrent use. The index holds only fingerprints, incident IDs and
// timestamps; incident content stays in the incident store.
type Index struct {
	mu      sync.Mutex
	entries map[string]entry
	window  time.Duration
	store   ports.IncidentStore
	logger  *logging.Logger
}

// NewIndex creates a deduplication index with the given rolling window.
func NewIndex(window time.Duration, store ports.IncidentStore, logger *logging.Logger) (*Index, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: dedup window must be positive", ports.ErrInvalidInput)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: incident store is required", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrInvalidInput)
	}

	return &Index{
		entries: make(map[string]entry),
		window:  window,
		store:   store,
		logger:  logger,
	}, nil
}

// CheckAndRecord checks a submission against the index and records its
// fingerprint.
//
// A submission is a duplicate when its fingerprint matches an entry whose last
// occurrence falls within the window. Duplicates refresh the entry's timestamp
// (the window rolls forward with each repeat) and append an occurrence event
// to the existing incident's timeline. Expired entries are overwritten in
// place.
//
// If the existing incident has vanished from the store, the stale entry is
// dropped and the submission is treated as new.
func (idx *Index) CheckAndRecord(ctx context.Context, incident *domain.Incident) (Result, error) {
	if incident == nil {
		return Result{}, fmt.Errorf("%w: incident is required", ports.ErrInvalidInput)
	}
	if err := incident.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ports.ErrInvalidInput, err)
	}

	fp := incident.Fingerprint
	if fp == "" {
		fp = fingerprint.Generate(incident)
	}

	now := incident.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	idx.mu.Lock()
	existing, found := idx.entries[fp]
	live := found && now.Sub(existing.lastSeen) <= idx.window && !now.Before(existing.lastSeen)
	if live {
		idx.entries[fp] = entry{incidentID: existing.incidentID, lastSeen: now}
	} else {
		idx.entries[fp] = entry{incidentID: incident.ID, lastSeen: now}
	}
	idx.mu.Unlock()

	if !live {
		return Result{Duplicate: false, Fingerprint: fp}, nil
	}

	event := domain.OccurrenceEvent{
		IncidentID:  existing.incidentID,
		Actor:       occurrenceActor,
		Description: fmt.Sprintf("Duplicate submission %s merged", incident.ID),
		Metadata: map[string]string{
			"fingerprint":  fp,
			"duplicate_of": existing.incidentID,
		},
		OccurredAt: now,
	}

	if err := idx.store.RecordOccurrence(ctx, event); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			// The indexed incident is gone; reclaim the entry for the
			// new submission.
			idx.mu.Lock()
			if cur, ok := idx.entries[fp]; ok && cur.incidentID == existing.incidentID {
				idx.entries[fp] = entry{incidentID: incident.ID, lastSeen: now}
			}
			idx.mu.Unlock()

			idx.logger.WithIncidentID(existing.incidentID).Warn("dedup entry referenced missing incident, treating submission as new")
			return Result{Duplicate: false, Fingerprint: fp}, nil
		}
		return Result{}, fmt.Errorf("failed to record occurrence: %w", err)
	}

	idx.logger.WithIncidentID(existing.incidentID).Debug("duplicate submission merged",
		"duplicate_id", incident.ID,
		"fingerprint", fp)

	return Result{Duplicate: true, ExistingID: existing.incidentID, Fingerprint: fp}, nil
}

// Lookup reports the live incident ID for a fingerprint, if any.
func (idx *Index) Lookup(fp string, now time.Time) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, found := idx.entries[fp]
	if !found || now.Sub(e.lastSeen) > idx.window {
		return "", false
	}
	return e.incidentID, true
}

// Prune removes entries whose last occurrence is older than the window
// relative to now. Returns the number of entries removed.
func (idx *Index) Prune(now time.Time) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := 0
	for fp, e := range idx.entries {
		if now.Sub(e.lastSeen) > idx.window {
			delete(idx.entries, fp)
			removed++
		}
	}
	return removed
}

// PruneMissing drops entries whose incident no longer exists in the store.
// Store lookups run outside the lock; Remove only deletes entries still
// pointing at the missing incident, so a fingerprint reclaimed by a new
// incident in the meantime is left alone. Returns the number removed.
func (idx *Index) PruneMissing(ctx context.Context) int {
	idx.mu.Lock()
	ids := make(map[string]struct{}, len(idx.entries))
	for _, e := range idx.entries {
		ids[e.incidentID] = struct{}{}
	}
	idx.mu.Unlock()

	removed := 0
	for id := range ids {
		if _, err := idx.store.Get(ctx, id); !errors.Is(err, ports.ErrNotFound) {
			continue
		}
		removed += idx.Remove(id)
	}

	if removed > 0 {
		idx.logger.Debug("dedup entries for missing incidents pruned", "removed", removed)
	}
	return removed
}

// Remove deletes all entries pointing at the given incident, regardless of
// age. Used by maintenance when an incident is destroyed.
func (idx *Index) Remove(incidentID string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := 0
	for fp, e := range idx.entries {
		if e.incidentID == incidentID {
			delete(idx.entries, fp)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held, live or expired.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}
