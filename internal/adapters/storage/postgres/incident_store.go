// Package postgres provides a PostgreSQL implementation of the incident store.
//
// Uses pgx for connection pooling and native PostgreSQL features. Schema is
// managed externally through migrations (see the migrations directory).
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/muster/internal/logging"
)

// Config holds the connection settings for the store.
type Config struct {
	DSN                   string
	MaxOpenConnections    int
	ConnectionMaxLifetime time.Duration
}

// IncidentStore is a PostgreSQL-backed implementation of ports.IncidentStore.
type IncidentStore struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewIncidentStore creates a store and verifies connectivity.
func NewIncidentStore(ctx context.Context, cfg Config, logger *logging.Logger) (*IncidentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: DSN is required", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrInvalidInput)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DSN: %s", ports.ErrInvalidInput, err)
	}
	if cfg.MaxOpenConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConnections)
	}
	if cfg.ConnectionMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnectionMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ports.ErrConnectionFailed, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping failed: %s", ports.ErrConnectionFailed, err)
	}

	logger.Info("connected to PostgreSQL incident store")
	return &IncidentStore{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (s *IncidentStore) Close() {
	s.pool.Close()
}

const incidentColumns = `id, fingerprint, title, description, severity, category, source,
	resource_type, resource_id, created_at, resolved_at`

// Save inserts or replaces an incident.
func (s *IncidentStore) Save(ctx context.Context, incident *domain.Incident) error {
	if incident == nil {
		return fmt.Errorf("%w: incident is required", ports.ErrInvalidInput)
	}
	if err := incident.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ports.ErrInvalidInput, err)
	}

	query := `
		INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			severity = EXCLUDED.severity,
			category = EXCLUDED.category,
			source = EXCLUDED.source,
			resource_type = EXCLUDED.resource_type,
			resource_id = EXCLUDED.resource_id,
			resolved_at = EXCLUDED.resolved_at`

	_, err := s.pool.Exec(ctx, query,
		incident.ID, incident.Fingerprint, incident.Title, incident.Description,
		incident.Severity.String(), incident.Category, incident.Source,
		incident.Resource.Type, incident.Resource.ID,
		incident.CreatedAt, incident.ResolvedAt)
	if err != nil {
		return mapError("save incident", err)
	}
	return nil
}

// Get retrieves an incident by ID.
func (s *IncidentStore) Get(ctx context.Context, id string) (*domain.Incident, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: incident ID is required", ports.ErrInvalidInput)
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`

	incident, err := scanIncident(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: incident %s", ports.ErrNotFound, id)
		}
		return nil, mapError("get incident", err)
	}
	return incident, nil
}

// ListRecent returns incidents matching the filter, newest first.
func (s *IncidentStore) ListRecent(ctx context.Context, filter ports.RecentFilter) ([]*domain.Incident, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE created_at >= $1`
	args := []any{filter.Since}

	if filter.ExcludeID != "" {
		args = append(args, filter.ExcludeID)
		query += fmt.Sprintf(" AND id <> $%d", len(args))
	}
	if len(filter.Sources) > 0 {
		args = append(args, filter.Sources)
		query += fmt.Sprintf(" AND source = ANY($%d)", len(args))
	}
	if len(filter.Categories) > 0 {
		args = append(args, filter.Categories)
		query += fmt.Sprintf(" AND category = ANY($%d)", len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("list recent incidents", err)
	}
	defer rows.Close()

	var incidents []*domain.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, mapError("scan incident row", err)
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate incident rows", err)
	}
	return incidents, nil
}

// RecordOccurrence appends a repeat-occurrence event to an incident's timeline.
func (s *IncidentStore) RecordOccurrence(ctx context.Context, event domain.OccurrenceEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ports.ErrInvalidInput, err)
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata not serialisable: %s", ports.ErrInvalidInput, err)
	}

	query := `
		INSERT INTO incident_occurrences (incident_id, actor, description, metadata, occurred_at)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (SELECT 1 FROM incidents WHERE id = $1)`

	tag, err := s.pool.Exec(ctx, query,
		event.IncidentID, event.Actor, event.Description, metadata, event.OccurredAt)
	if err != nil {
		return mapError("record occurrence", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: incident %s", ports.ErrNotFound, event.IncidentID)
	}
	return nil
}

// Resolve marks an incident resolved at the given time.
func (s *IncidentStore) Resolve(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return fmt.Errorf("%w: incident ID is required", ports.ErrInvalidInput)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET resolved_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return mapError("resolve incident", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: incident %s", ports.ErrNotFound, id)
	}
	return nil
}

// Delete removes an incident; its occurrence events go with it via the
// foreign-key cascade.
func (s *IncidentStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: incident ID is required", ports.ErrInvalidInput)
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM incidents WHERE id = $1`, id)
	if err != nil {
		return mapError("delete incident", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: incident %s", ports.ErrNotFound, id)
	}
	return nil
}

// Occurrences returns the recorded occurrence events for an incident, oldest
// first.
func (s *IncidentStore) Occurrences(ctx context.Context, id string) ([]domain.OccurrenceEvent, error) {
	query := `
		SELECT incident_id, actor, description, metadata, occurred_at
		FROM incident_occurrences
		WHERE incident_id = $1
		ORDER BY occurred_at ASC`

	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, mapError("list occurrences", err)
	}
	defer rows.Close()

	var events []domain.OccurrenceEvent
	for rows.Next() {
		var event domain.OccurrenceEvent
		var metadata []byte
		if err := rows.Scan(&event.IncidentID, &event.Actor, &event.Description, &metadata, &event.OccurredAt); err != nil {
			return nil, mapError("scan occurrence row", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode occurrence metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate occurrence rows", err)
	}
	return events, nil
}

// rowScanner abstracts pgx.Row and pgx.Rows for scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*domain.Incident, error) {
	var incident domain.Incident
	var severity string
	err := row.Scan(
		&incident.ID, &incident.Fingerprint, &incident.Title, &incident.Description,
		&severity, &incident.Category, &incident.Source,
		&incident.Resource.Type, &incident.Resource.ID,
		&incident.CreatedAt, &incident.ResolvedAt)
	if err != nil {
		return nil, err
	}
	incident.Severity = domain.Severity(severity)
	return &incident, nil
}

// mapError translates driver errors to the port's sentinel errors.
func mapError(operation string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ports.ErrTimeout, operation)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", operation, err)
	default:
		return fmt.Errorf("failed to %s: %w", operation, err)
	}
}
