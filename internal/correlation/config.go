package correlation

import (
	"fmt"
	"time"
)

// Config controls the correlation strategies and the group manager.
//
// All thresholds are scores in [0,1]. Validation failures are fatal at engine
// construction; a misconfigured engine never runs.
type Config struct {
	// Enabled gates correlation analysis entirely. Deduplication still runs
	// when false.
	Enabled bool

	// TemporalWindow is the maximum creation-time gap for temporal
	// correlation. Pairs further apart carry no temporal signal.
	TemporalWindow time.Duration

	// TemporalBoundaryScore is the temporal score at exactly the window
	// edge; the exponential decay rate is derived from it.
	TemporalBoundaryScore float64

	// MinCorrelationScore discards combined scores below this threshold.
	MinCorrelationScore float64

	// MaxGroupSize caps group membership. Correlations against a full group
	// are recorded but do not grow the group.
	MaxGroupSize int

	EnableTemporal    bool
	EnablePattern     bool
	EnableSource      bool
	EnableFingerprint bool
	EnableTopology    bool

	// PatternSimilarityThreshold is the text-similarity prefilter for the
	// pattern strategy.
	PatternSimilarityThreshold float64

	// SourceMatchWeight scales the source strategy's score for an exact
	// source match.
	SourceMatchWeight float64

	// SourceDecay is the time constant of the source strategy's own decay,
	// independent of the temporal window.
	SourceDecay time.Duration

	// TopologyMaxHops bounds the dependency-graph walk.
	TopologyMaxHops int

	// TopologyDecay is the per-hop score multiplier.
	TopologyDecay float64

	// AutoMergeGroups enables group unioning during maintenance sweeps.
	AutoMergeGroups bool

	// MergeThreshold is the minimum cross-group compatibility score
	// required to union two groups.
	MergeThreshold float64

	// CandidateLimit caps the recent-incident window fetched per analysis.
	CandidateLimit int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                    true,
		TemporalWindow:             5 * time.Minute,
		TemporalBoundaryScore:      0.05,
		MinCorrelationScore:        0.5,
		MaxGroupSize:               100,
		EnableTemporal:             true,
		EnablePattern:              true,
		EnableSource:               true,
		EnableFingerprint:          true,
		EnableTopology:             false,
		PatternSimilarityThreshold: 0.7,
		SourceMatchWeight:          1.0,
		SourceDecay:                time.Hour,
		TopologyMaxHops:            3,
		TopologyDecay:              0.7,
		AutoMergeGroups:            true,
		MergeThreshold:             0.8,
		CandidateLimit:             1000,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.TemporalWindow <= 0 {
		return fmt.Errorf("temporal window must be positive, got %s", c.TemporalWindow)
	}
	if c.TemporalBoundaryScore <= 0 || c.TemporalBoundaryScore >= 1 {
		return fmt.Errorf("temporal boundary score must be in (0,1), got %f", c.TemporalBoundaryScore)
	}
	if c.MinCorrelationScore < 0 || c.MinCorrelationScore > 1 {
		return fmt.Errorf("min correlation score must be in [0,1], got %f", c.MinCorrelationScore)
	}
	if c.MaxGroupSize < 1 {
		return fmt.Errorf("max group size must be positive, got %d", c.MaxGroupSize)
	}
	if c.PatternSimilarityThreshold < 0 || c.PatternSimilarityThreshold > 1 {
		return fmt.Errorf("pattern similarity threshold must be in [0,1], got %f", c.PatternSimilarityThreshold)
	}
	if c.SourceMatchWeight < 0 || c.SourceMatchWeight > 1 {
		return fmt.Errorf("source match weight must be in [0,1], got %f", c.SourceMatchWeight)
	}
	if c.SourceDecay <= 0 {
		return fmt.Errorf("source decay must be positive, got %s", c.SourceDecay)
	}
	if c.TopologyMaxHops < 0 {
		return fmt.Errorf("topology max hops cannot be negative, got %d", c.TopologyMaxHops)
	}
	if c.TopologyDecay <= 0 || c.TopologyDecay > 1 {
		return fmt.Errorf("topology decay must be in (0,1], got %f", c.TopologyDecay)
	}
	if c.MergeThreshold < 0 || c.MergeThreshold > 1 {
		return fmt.Errorf("merge threshold must be in [0,1], got %f", c.MergeThreshold)
	}
	if c.CandidateLimit < 1 {
		return fmt.Errorf("candidate limit must be positive, got %d", c.CandidateLimit)
	}
	return nil
}
