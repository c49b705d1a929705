package correlation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Studio-Elephant-and-Rope/muster/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/muster/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/muster/internal/dedup"
	"github.com/Studio-Elephant-and-Rope/muster/internal/logging"
	"github.com/Studio-Elephant-and-Rope/muster/internal/metrics"
)

// Analysis outcome labels for instrumentation.
const (
	outcomeNew       = "new"
	outcomeDuplicate = "duplicate"
	outcomeGrouped   = "grouped"
	outcomeError     = "error"
)

// AnalysisResult is the outcome of analysing one incoming incident.
type AnalysisResult struct {
	// Dedup is the deduplication verdict. When the submission is a
	// duplicate, no correlation analysis runs.
	Dedup dedup.Result `json:"dedup"`

	// Correlations holds every correlation record the analysis emitted:
	// one per strategy that cleared the minimum score, plus a combined
	// record when two or more strategies agreed.
	Correlations []domain.CorrelationRecord `json:"correlations"`

	// GroupID is the group the incident belongs to after analysis, if any.
	GroupID string `json:"group_id,omitempty"`
}

// Engine is the incident correlation and deduplication engine.
//
// A single Engine instance owns the dedup index and the group manager;
// callers share it by handle. All methods are safe for concurrent use.
type Engine struct {
	cfg     Config
	store   ports.IncidentStore
	dedup   *dedup.Index
	manager *Manager
	scorers []scorer
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewEngine constructs the engine and its owned indexes.
//
// The topology provider is required only when the topology strategy is
// enabled. The metrics handle may be nil. Configuration problems fail fast
// here; a misconfigured engine never runs.
func NewEngine(cfg Config, dedupWindow time.Duration, store ports.IncidentStore, topology ports.TopologyProvider, logger *logging.Logger, m *metrics.Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid correlation config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: incident store is required", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrInvalidInput)
	}
	if cfg.EnableTopology && topology == nil {
		return nil, fmt.Errorf("%w: topology strategy enabled without a topology provider", ports.ErrInvalidInput)
	}

	index, err := dedup.NewIndex(dedupWindow, store, logger)
	if err != nil {
		return nil, err
	}

	manager, err := NewManager(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Strategy evaluation order is fixed so reasons and records come out
	// deterministically.
	var scorers []scorer
	if cfg.EnableTemporal {
		scorers = append(scorers, newTemporalScorer(cfg))
	}
	if cfg.EnablePattern {
		scorers = append(scorers, newPatternScorer(cfg))
	}
	if cfg.EnableSource {
		scorers = append(scorers, newSourceScorer(cfg))
	}
	if cfg.EnableFingerprint {
		scorers = append(scorers, &fingerprintScorer{})
	}
	if cfg.EnableTopology {
		scorers = append(scorers, newTopologyScorer(cfg, topology))
	}

	return &Engine{
		cfg:     cfg,
		store:   store,
		dedup:   index,
		manager: manager,
		scorers: scorers,
		logger:  logger,
		metrics: m,
	}, nil
}

// DedupIndex exposes the engine's dedup index for maintenance wiring.
func (e *Engine) DedupIndex() *dedup.Index { return e.dedup }

// GroupManager exposes the engine's group manager for maintenance wiring.
func (e *Engine) GroupManager() *Manager { return e.manager }

// Analyze runs one incident through deduplication and correlation.
//
// Duplicates short-circuit: the submission is folded into the existing
// incident and no correlation runs. Otherwise the incident is scored against
// the recent candidate window and any qualifying records are ingested into
// the group index.
func (e *Engine) Analyze(ctx context.Context, incident *domain.Incident) (*AnalysisResult, error) {
	start := time.Now()

	result, err := e.analyze(ctx, incident)
	if err != nil {
		e.observe(outcomeError, start)
		return nil, err
	}

	switch {
	case result.Dedup.Duplicate:
		e.observe(outcomeDuplicate, start)
		if e.metrics != nil {
			e.metrics.IncDuplicate()
		}
	case result.GroupID != "":
		e.observe(outcomeGrouped, start)
	default:
		e.observe(outcomeNew, start)
	}
	return result, nil
}

func (e *Engine) analyze(ctx context.Context, incident *domain.Incident) (*AnalysisResult, error) {
	if incident == nil {
		return nil, fmt.Errorf("%w: incident is required", ports.ErrInvalidInput)
	}
	if err := incident.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ports.ErrInvalidInput, err)
	}

	dedupResult, err := e.dedup.CheckAndRecord(ctx, incident)
	if err != nil {
		return nil, err
	}

	if dedupResult.Duplicate {
		result := &AnalysisResult{Dedup: dedupResult}
		if group, ok := e.manager.GroupFor(dedupResult.ExistingID); ok {
			result.GroupID = group.ID
		}
		return result, nil
	}

	result := &AnalysisResult{Dedup: dedupResult}
	if !e.cfg.Enabled {
		return result, nil
	}

	candidates, err := e.candidates(ctx, incident)
	if err != nil {
		return nil, err
	}

	log := e.logger.WithIncidentID(incident.ID)
	for _, candidate := range candidates {
		if candidate.IsResolved() {
			continue
		}

		signals := e.evaluate(ctx, incident, candidate, log)
		records, pairRecord := e.emit(incident, candidate, signals)
		result.Correlations = append(result.Correlations, records...)

		if pairRecord == nil {
			continue
		}

		mutation, err := e.manager.Ingest(*pairRecord, incident, candidate)
		if err != nil {
			return nil, err
		}
		log.Debug("correlation ingested",
			"candidate_id", candidate.ID,
			"score", pairRecord.Score,
			"mutation", string(mutation.Kind))
	}

	if group, ok := e.manager.GroupFor(incident.ID); ok {
		result.GroupID = group.ID
	}
	return result, nil
}

// candidates fetches the bounded recent-incident window for correlation.
//
// The lookback is the temporal window, widened to one window per hop when the
// topology strategy is enabled: dependency failures propagate over minutes,
// so topologically related incidents can sit outside the temporal window and
// must still be scored.
func (e *Engine) candidates(ctx context.Context, incident *domain.Incident) ([]*domain.Incident, error) {
	lookback := e.cfg.TemporalWindow
	if e.cfg.EnableTopology {
		if topo := time.Duration(e.cfg.TopologyMaxHops) * e.cfg.TemporalWindow; topo > lookback {
			lookback = topo
		}
	}
	filter := ports.RecentFilter{
		Since:     incident.CreatedAt.Add(-lookback),
		ExcludeID: incident.ID,
		Limit:     e.cfg.CandidateLimit,
	}
	candidates, err := e.store.ListRecent(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate incidents: %w", err)
	}
	return candidates, nil
}

// evaluate runs every enabled strategy against the pair in fixed order. A
// failing strategy (topology lookup error) is skipped for the pair; the
// remaining strategies still run.
func (e *Engine) evaluate(ctx context.Context, incident, candidate *domain.Incident, log *logging.Logger) []signal {
	var signals []signal
	for _, sc := range e.scorers {
		score, reason, ok, err := sc.score(ctx, incident, candidate)
		if err != nil {
			log.WithError(err).Warn("strategy failed for pair, skipping",
				"strategy", sc.strategy().String(),
				"candidate_id", candidate.ID)
			continue
		}
		if ok {
			signals = append(signals, signal{strategy: sc.strategy(), score: score, reason: reason})
		}
	}
	return signals
}

// emit turns a pair's signals into correlation records.
//
// Each strategy that cleared the minimum score emits its own record. When two
// or more strategies produced signals, a combined record is emitted as well
// (if it clears the minimum). The second return is the record to ingest into
// the group index: the combined record when it qualified, otherwise the
// strongest qualifying strategy record. A weak co-signal dragging the
// combined score under the threshold never vetoes grouping on a strategy
// that cleared it on its own.
func (e *Engine) emit(incident, candidate *domain.Incident, signals []signal) ([]domain.CorrelationRecord, *domain.CorrelationRecord) {
	var records []domain.CorrelationRecord
	var pairRecord *domain.CorrelationRecord

	for _, sig := range signals {
		if sig.score < e.cfg.MinCorrelationScore {
			continue
		}
		record := domain.NewCorrelationRecord(incident.ID, candidate.ID, sig.strategy, sig.score, sig.reason)
		records = append(records, record)
		if e.metrics != nil {
			e.metrics.IncCorrelation(sig.strategy.String())
		}
		if pairRecord == nil || record.Score > pairRecord.Score {
			r := record
			pairRecord = &r
		}
	}

	if len(signals) >= 2 {
		combined, ok := combineSignals(signals)
		if ok && combined >= e.cfg.MinCorrelationScore {
			reasons := make([]string, 0, len(signals))
			for _, sig := range signals {
				reasons = append(reasons, sig.reason)
			}
			record := domain.NewCorrelationRecord(incident.ID, candidate.ID,
				domain.StrategyCombined, combined, strings.Join(reasons, "; "))
			records = append(records, record)
			pairRecord = &record
			if e.metrics != nil {
				e.metrics.IncCorrelation(domain.StrategyCombined.String())
			}
		}
	}

	return records, pairRecord
}

// observe records analysis instrumentation.
func (e *Engine) observe(outcome string, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveAnalysis(outcome, time.Since(start))
	}
}

// ManualCorrelate forcibly correlates the given incidents with score 1.0,
// bypassing all thresholds. Every incident after the first is paired against
// the first. Returns the created records.
//
// Returns ports.ErrNotFound without mutating anything if any referenced
// incident does not exist.
func (e *Engine) ManualCorrelate(ctx context.Context, incidentIDs []string, reason string) ([]domain.CorrelationRecord, error) {
	if len(incidentIDs) < 2 {
		return nil, fmt.Errorf("%w: at least two incident IDs are required", ports.ErrInvalidInput)
	}
	if reason == "" {
		reason = "manually correlated by operator"
	}

	// Resolve every incident before mutating anything.
	incidents := make([]*domain.Incident, 0, len(incidentIDs))
	seen := make(map[string]struct{}, len(incidentIDs))
	for _, id := range incidentIDs {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate incident ID %s", ports.ErrInvalidInput, id)
		}
		seen[id] = struct{}{}

		incident, err := e.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ports.ErrNotFound) {
				return nil, fmt.Errorf("%w: incident %s", ports.ErrNotFound, id)
			}
			return nil, fmt.Errorf("failed to load incident %s: %w", id, err)
		}
		incidents = append(incidents, incident)
	}

	anchor := incidents[0]
	records := make([]domain.CorrelationRecord, 0, len(incidents)-1)
	for _, other := range incidents[1:] {
		record := domain.NewCorrelationRecord(anchor.ID, other.ID, domain.StrategyManual, 1.0, reason)
		mutation, err := e.manager.Ingest(record, anchor, other)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
		if e.metrics != nil {
			e.metrics.IncCorrelation(domain.StrategyManual.String())
		}
		e.logger.WithIncidentID(anchor.ID).Info("manual correlation",
			"other_id", other.ID,
			"mutation", string(mutation.Kind))
	}
	return records, nil
}

// GetGroup returns a snapshot of the group containing the given incident.
func (e *Engine) GetGroup(incidentID string) (*domain.CorrelationGroup, bool) {
	return e.manager.GroupFor(incidentID)
}

// ListGroups returns group snapshots, optionally filtered by status.
func (e *Engine) ListGroups(statuses ...domain.GroupStatus) []*domain.CorrelationGroup {
	return e.manager.List(statuses...)
}

// ResolveGroup transitions a group to resolved on operator request.
func (e *Engine) ResolveGroup(groupID string) error {
	return e.manager.Resolve(groupID)
}

// GetStats returns a point-in-time summary of the engine's indexes.
func (e *Engine) GetStats() Stats {
	return e.manager.Statistics()
}
