// Package ports defines the interfaces that connect the correlation engine to
// external collaborators.
//
// Following hexagonal architecture principles, these interfaces allow the core
// engine to remain independent of storage and topology infrastructure. The
// engine consumes an incident store as its bounded candidate source and an
// optional topology provider for infrastructure-distance scoring.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
)

// Common errors that implementations should use for consistent error handling.
var (
	// ErrNotFound indicates that a requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConnectionFailed indicates that the storage connection failed.
	ErrConnectionFailed = errors.New("storage connection failed")

	// ErrTimeout indicates that the operation timed out.
	ErrTimeout = errors.New("operation timed out")
)

// RecentFilter bounds the candidate set fetched for correlation analysis.
//
// Correlation never scans full incident history; the store is queried for a
// recent window with coarse filters so per-incident analysis cost stays
// roughly constant.
type RecentFilter struct {
	// Since bounds the window; only incidents created at or after this
	// instant are returned.
	Since time.Time `json:"since"`

	// Sources restricts results to the given source systems. Empty means
	// all sources.
	Sources []string `json:"sources,omitempty"`

	// Categories restricts results to the given categories. Empty means all.
	Categories []string `json:"categories,omitempty"`

	// ExcludeID removes a single incident (typically the one under
	// analysis) from the results.
	ExcludeID string `json:"exclude_id,omitempty"`

	// Limit caps the number of returned incidents (default 1000).
	Limit int `json:"limit,omitempty"`
}

// Validate checks the filter and applies defaults.
func (f *RecentFilter) Validate() error {
	if f.Since.IsZero() {
		return ErrInvalidInput
	}
	if f.Limit < 0 {
		return ErrInvalidInput
	}
	if f.Limit == 0 {
		f.Limit = 1000
	}
	return nil
}

// IncidentStore is the engine's read-mostly view of the external incident
// repository.
//
// All methods must handle context cancellation and timeouts appropriately.
type IncidentStore interface {
	// Get retrieves an incident by its unique identifier.
	//
	// Returns ErrNotFound if no incident exists with the given ID.
	Get(ctx context.Context, id string) (*domain.Incident, error)

	// ListRecent retrieves incidents matching the filter, newest first.
	//
	// Used as the bounded candidate source for correlation analysis.
	// Returns ErrInvalidInput if the filter is invalid.
	ListRecent(ctx context.Context, filter RecentFilter) ([]*domain.Incident, error)

	// RecordOccurrence appends a repeat-occurrence event to an incident's
	// timeline. Used by the deduplication index when a duplicate submission
	// is merged into an existing incident.
	//
	// Returns ErrNotFound if the referenced incident does not exist.
	RecordOccurrence(ctx context.Context, event domain.OccurrenceEvent) error
}

// TopologyProvider resolves dependency-graph distance between resources.
//
// The provider is optional; when absent the topology strategy is disabled.
type TopologyProvider interface {
	// Hops returns the dependency-graph distance between two resources.
	// The second return is false when the resources are unreachable from
	// each other within the provider's hop bound.
	Hops(ctx context.Context, resourceA, resourceB string) (int, bool, error)
}
