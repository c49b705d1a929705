// Package domain contains the core domain models for the Muster correlation engine.
//
// This package defines the fundamental types and business logic for incidents,
// correlation records, and correlation groups without any external dependencies
// beyond identifier generation.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Severity represents the criticality level of an incident, ordered from
// P0 (most severe) to P4 (least severe).
type Severity string

// Severity constants define the valid incident severity levels.
const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// IsValid checks if the severity is one of the defined valid severities.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityP0, SeverityP1, SeverityP2, SeverityP3, SeverityP4:
		return true
	default:
		return false
	}
}

// Rank returns the numeric rank of the severity (0 for P0 through 4 for P4).
//
// Lower ranks are more severe. Returns -1 for invalid severities.
func (s Severity) Rank() int {
	switch s {
	case SeverityP0:
		return 0
	case SeverityP1:
		return 1
	case SeverityP2:
		return 2
	case SeverityP3:
		return 3
	case SeverityP4:
		return 4
	default:
		return -1
	}
}

// Resource identifies the infrastructure component an incident affects.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Incident represents a service disruption tracked by the platform.
//
// Incidents are owned by the external incident processor; the correlation
// engine only reads them. All fields except ResolvedAt are fixed at creation.
type Incident struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Severity    Severity   `json:"severity"`
	Category    string     `json:"category"`
	Source      string     `json:"source"`
	Resource    Resource   `json:"resource"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Validate checks if the incident has all required fields and valid values.
//
// Returns an error if validation fails, detailing what is invalid.
func (i *Incident) Validate() error {
	if i.ID == "" {
		return errors.New("incident ID is required")
	}
	if i.Title == "" {
		return errors.New("incident title is required")
	}
	if len(i.Title) > 500 {
		return errors.New("incident title exceeds maximum length of 500 characters")
	}
	if !i.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", i.Severity)
	}
	if i.Source == "" {
		return errors.New("incident source is required")
	}
	if i.CreatedAt.IsZero() {
		return errors.New("incident created_at timestamp is required")
	}
	if i.ResolvedAt != nil && i.ResolvedAt.Before(i.CreatedAt) {
		return errors.New("incident resolved_at cannot be before created_at")
	}
	return nil
}

// IsResolved reports whether the incident carries a resolution timestamp.
func (i *Incident) IsResolved() bool {
	return i.ResolvedAt != nil
}

// OccurrenceEvent records a repeated occurrence of an incident detected by
// the deduplication index. Events are appended to the owning incident's
// timeline by the incident store.
type OccurrenceEvent struct {
	IncidentID  string            `json:"incident_id"`
	Actor       string            `json:"actor"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Validate checks if the occurrence event has all required fields.
func (e *OccurrenceEvent) Validate() error {
	if e.IncidentID == "" {
		return errors.New("occurrence incident_id is required")
	}
	if e.Actor == "" {
		return errors.New("occurrence actor is required")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("occurrence occurred_at timestamp is required")
	}
	return nil
}
