// Package config provides configuration management for the Muster correlation engine.
//
// This package handles loading configuration from multiple sources with proper precedence:
//  1. Environment variables (MUSTER_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// The configuration system uses Viper for flexible configuration management,
// supporting various formats and sources while maintaining backwards compatibility.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
//
// This is the root configuration structure that contains all subsystem
// configurations. Each subsystem has its own configuration struct to maintain
// separation of concerns.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Correlation CorrelationConfig `mapstructure:"correlation" yaml:"correlation"`
	Dedup       DedupConfig       `mapstructure:"dedup" yaml:"dedup"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
}

// ServerConfig contains the metrics/health endpoint configuration.
type ServerConfig struct {
	// Host is the interface to bind the server to
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the port number to listen on
	Port int `mapstructure:"port" yaml:"port"`
	// ReadTimeoutSeconds is the maximum duration for reading the entire request
	ReadTimeoutSeconds int `mapstructure:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	// WriteTimeoutSeconds is the maximum duration before timing out writes
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// StorageConfig contains incident store configuration.
type StorageConfig struct {
	// Type specifies the storage backend (postgres, memory)
	Type string `mapstructure:"type" yaml:"type"`
	// DSN is the data source name / connection string
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// MaxOpenConnections is the maximum number of open connections to the database
	MaxOpenConnections int `mapstructure:"max_open_connections" yaml:"max_open_connections"`
	// ConnectionMaxLifetimeMinutes is the maximum time a connection may be reused
	ConnectionMaxLifetimeMinutes int `mapstructure:"connection_max_lifetime_minutes" yaml:"connection_max_lifetime_minutes"`
}

// CorrelationConfig configures the correlation strategies and group manager.
type CorrelationConfig struct {
	// Enabled determines whether correlation analysis runs at all
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// TemporalWindowSecs is the maximum time between incidents for temporal correlation
	TemporalWindowSecs uint64 `mapstructure:"temporal_window_secs" yaml:"temporal_window_secs"`
	// TemporalBoundaryScore is the temporal score at the window edge; the
	// exponential decay rate is derived from it
	TemporalBoundaryScore float64 `mapstructure:"temporal_boundary_score" yaml:"temporal_boundary_score"`
	// MinCorrelationScore is the threshold below which correlations are discarded
	MinCorrelationScore float64 `mapstructure:"min_correlation_score" yaml:"min_correlation_score"`
	// MaxGroupSize limits the number of incidents in a single group
	MaxGroupSize int `mapstructure:"max_group_size" yaml:"max_group_size"`
	// EnableTemporal enables the temporal strategy
	EnableTemporal bool `mapstructure:"enable_temporal" yaml:"enable_temporal"`
	// EnablePattern enables the pattern strategy
	EnablePattern bool `mapstructure:"enable_pattern" yaml:"enable_pattern"`
	// EnableSource enables the source strategy
	EnableSource bool `mapstructure:"enable_source" yaml:"enable_source"`
	// EnableFingerprint enables the fingerprint strategy
	EnableFingerprint bool `mapstructure:"enable_fingerprint" yaml:"enable_fingerprint"`
	// EnableTopology enables the topology strategy (requires a topology provider)
	EnableTopology bool `mapstructure:"enable_topology" yaml:"enable_topology"`
	// PatternSimilarityThreshold is the prefilter below which pattern scoring short-circuits
	PatternSimilarityThreshold float64 `mapstructure:"pattern_similarity_threshold" yaml:"pattern_similarity_threshold"`
	// SourceMatchWeight scales the source strategy score for an exact source match
	SourceMatchWeight float64 `mapstructure:"source_match_weight" yaml:"source_match_weight"`
	// SourceDecaySecs is the time constant of the source strategy's decay,
	// independent of the temporal strategy
	SourceDecaySecs uint64 `mapstructure:"source_decay_secs" yaml:"source_decay_secs"`
	// TopologyMaxHops bounds the dependency-graph walk
	TopologyMaxHops int `mapstructure:"topology_max_hops" yaml:"topology_max_hops"`
	// TopologyDecay is the per-hop score multiplier
	TopologyDecay float64 `mapstructure:"topology_decay" yaml:"topology_decay"`
	// AutoMergeGroups enables merging of compatible groups during maintenance
	AutoMergeGroups bool `mapstructure:"auto_merge_groups" yaml:"auto_merge_groups"`
	// MergeThreshold is the minimum compatibility score required to union two groups
	MergeThreshold float64 `mapstructure:"merge_threshold" yaml:"merge_threshold"`
	// CandidateLimit caps the recent-incident window fetched per analysis
	CandidateLimit int `mapstructure:"candidate_limit" yaml:"candidate_limit"`
}

// TemporalWindow returns the temporal correlation window as a duration.
func (c *CorrelationConfig) TemporalWindow() time.Duration {
	return time.Duration(c.TemporalWindowSecs) * time.Second
}

// SourceDecay returns the source strategy decay constant as a duration.
func (c *CorrelationConfig) SourceDecay() time.Duration {
	return time.Duration(c.SourceDecaySecs) * time.Second
}

// DedupConfig configures the deduplication index.
type DedupConfig struct {
	// WindowSecs is the rolling window within which identical fingerprints
	// are treated as duplicates
	WindowSecs uint64 `mapstructure:"window_secs" yaml:"window_secs"`
}

// Window returns the dedup window as a duration.
func (c *DedupConfig) Window() time.Duration {
	return time.Duration(c.WindowSecs) * time.Second
}

// MaintenanceConfig configures the background maintenance scheduler.
type MaintenanceConfig struct {
	// IntervalSecs is the tick interval
	IntervalSecs uint64 `mapstructure:"interval_secs" yaml:"interval_secs"`
	// StabilizeAfterSecs is how long an active group may go without new
	// members before transitioning to stable
	StabilizeAfterSecs uint64 `mapstructure:"stabilize_after_secs" yaml:"stabilize_after_secs"`
	// ArchiveAfterSecs is how long a resolved group waits before archival
	ArchiveAfterSecs uint64 `mapstructure:"archive_after_secs" yaml:"archive_after_secs"`
	// RetentionSecs is how long archived groups are kept before destruction
	RetentionSecs uint64 `mapstructure:"retention_secs" yaml:"retention_secs"`
}

// Interval returns the maintenance tick interval as a duration.
func (c *MaintenanceConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// StabilizeAfter returns the stabilisation quiet period as a duration.
func (c *MaintenanceConfig) StabilizeAfter() time.Duration {
	return time.Duration(c.StabilizeAfterSecs) * time.Second
}

// ArchiveAfter returns the archival delay as a duration.
func (c *MaintenanceConfig) ArchiveAfter() time.Duration {
	return time.Duration(c.ArchiveAfterSecs) * time.Second
}

// Retention returns the archived-group retention as a duration.
func (c *MaintenanceConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSecs) * time.Second
}

// DefaultConfig returns a configuration with sensible defaults.
//
// These defaults are suitable for development and testing environments.
// Production deployments should override these values through configuration
// files or environment variables.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                9090,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			Type:                         "memory",
			DSN:                          "",
			MaxOpenConnections:           25,
			ConnectionMaxLifetimeMinutes: 5,
		},
		Correlation: CorrelationConfig{
			Enabled:                    true,
			TemporalWindowSecs:         300,
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
			SourceDecaySecs:            3600,
			TopologyMaxHops:            3,
			TopologyDecay:              0.7,
			AutoMergeGroups:            true,
			MergeThreshold:             0.8,
			CandidateLimit:             1000,
		},
		Dedup: DedupConfig{
			WindowSecs: 900,
		},
		Maintenance: MaintenanceConfig{
			IntervalSecs:       60,
			StabilizeAfterSecs: 3600,
			ArchiveAfterSecs:   86400,
			RetentionSecs:      604800,
		},
	}
}

// Load loads configuration from multiple sources with proper precedence.
//
// Configuration is loaded in this order of precedence:
//  1. Environment variables (MUSTER_*)
//  2. Configuration file (if specified)
//  3. Default values
//
// Returns a fully populated Config struct or an error if loading fails.
func Load(configFile string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	// Create a new viper instance
	v := viper.New()

	// Set up environment variable handling
	v.SetEnvPrefix("MUSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure viper with our defaults
	setDefaults(v, config)

	// Load configuration file if specified
	if configFile != "" {
		if err := loadConfigFile(v, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
	}

	// Unmarshal into our config struct
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// setDefaults configures viper with default values from our config struct.
func setDefaults(v *viper.Viper, config *Config) {
	v.SetDefault("server.host", config.Server.Host)
	v.SetDefault("server.port", config.Server.Port)
	v.SetDefault("server.read_timeout_seconds", config.Server.ReadTimeoutSeconds)
	v.SetDefault("server.write_timeout_seconds", config.Server.WriteTimeoutSeconds)

	v.SetDefault("storage.type", config.Storage.Type)
	v.SetDefault("storage.dsn", config.Storage.DSN)
	v.SetDefault("storage.max_open_connections", config.Storage.MaxOpenConnections)
	v.SetDefault("storage.connection_max_lifetime_minutes", config.Storage.ConnectionMaxLifetimeMinutes)

	v.SetDefault("correlation.enabled", config.Correlation.Enabled)
	v.SetDefault("correlation.temporal_window_secs", config.Correlation.TemporalWindowSecs)
	v.SetDefault("correlation.temporal_boundary_score", config.Correlation.TemporalBoundaryScore)
	v.SetDefault("correlation.min_correlation_score", config.Correlation.MinCorrelationScore)
	v.SetDefault("correlation.max_group_size", config.Correlation.MaxGroupSize)
	v.SetDefault("correlation.enable_temporal", config.Correlation.EnableTemporal)
	v.SetDefault("correlation.enable_pattern", config.Correlation.EnablePattern)
	v.SetDefault("correlation.enable_source", config.Correlation.EnableSource)
	v.SetDefault("correlation.enable_fingerprint", config.Correlation.EnableFingerprint)
	v.SetDefault("correlation.enable_topology", config.Correlation.EnableTopology)
	v.SetDefault("correlation.pattern_similarity_threshold", config.Correlation.PatternSimilarityThreshold)
	v.SetDefault("correlation.source_match_weight", config.Correlation.SourceMatchWeight)
	v.SetDefault("correlation.source_decay_secs", config.Correlation.SourceDecaySecs)
	v.SetDefault("correlation.topology_max_hops", config.Correlation.TopologyMaxHops)
	v.SetDefault("correlation.topology_decay", config.Correlation.TopologyDecay)
	v.SetDefault("correlation.auto_merge_groups", config.Correlation.AutoMergeGroups)
	v.SetDefault("correlation.merge_threshold", config.Correlation.MergeThreshold)
	v.SetDefault("correlation.candidate_limit", config.Correlation.CandidateLimit)

	v.SetDefault("dedup.window_secs", config.Dedup.WindowSecs)

	v.SetDefault("maintenance.interval_secs", config.Maintenance.IntervalSecs)
	v.SetDefault("maintenance.stabilize_after_secs", config.Maintenance.StabilizeAfterSecs)
	v.SetDefault("maintenance.archive_after_secs", config.Maintenance.ArchiveAfterSecs)
	v.SetDefault("maintenance.retention_secs", config.Maintenance.RetentionSecs)
}

// loadConfigFile loads configuration from a YAML file.
func loadConfigFile(v *viper.Viper, configFile string) error {
	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file does not exist: %s", configFile)
	}

	// Set config file path
	v.SetConfigFile(configFile)

	// Read configuration
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	return nil
}

// Validate checks that the configuration is valid and complete.
//
// This method performs comprehensive validation of all configuration values,
// ensuring they are within acceptable ranges and that required fields are set.
//
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration invalid: %w", err)
	}

	if err := c.Correlation.Validate(); err != nil {
		return fmt.Errorf("correlation configuration invalid: %w", err)
	}

	if err := c.Dedup.Validate(); err != nil {
		return fmt.Errorf("dedup configuration invalid: %w", err)
	}

	if err := c.Maintenance.Validate(); err != nil {
		return fmt.Errorf("maintenance configuration invalid: %w", err)
	}

	return nil
}

// Validate checks server configuration for validity.
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.ReadTimeoutSeconds < 1 {
		return fmt.Errorf("read timeout must be positive, got %d", s.ReadTimeoutSeconds)
	}

	if s.WriteTimeoutSeconds < 1 {
		return fmt.Errorf("write timeout must be positive, got %d", s.WriteTimeoutSeconds)
	}

	return nil
}

// Validate checks storage configuration for validity.
func (s *StorageConfig) Validate() error {
	switch s.Type {
	case "memory":
		// DSN not required
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("storage DSN is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", s.Type)
	}

	if s.MaxOpenConnections < 1 {
		return fmt.Errorf("max open connections must be positive, got %d", s.MaxOpenConnections)
	}

	if s.ConnectionMaxLifetimeMinutes < 0 {
		return fmt.Errorf("connection max lifetime cannot be negative, got %d", s.ConnectionMaxLifetimeMinutes)
	}

	return nil
}

// Validate checks correlation configuration for validity.
//
// Every threshold must lie in [0,1] and the group size cap must be positive;
// violations are fatal at construction time.
func (c *CorrelationConfig) Validate() error {
	if c.TemporalWindowSecs == 0 {
		return fmt.Errorf("temporal window must be positive")
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

	if c.SourceDecaySecs == 0 {
		return fmt.Errorf("source decay must be positive")
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

// Validate checks dedup configuration for validity.
func (c *DedupConfig) Validate() error {
	if c.WindowSecs == 0 {
		return fmt.Errorf("dedup window must be positive")
	}
	return nil
}

// Validate checks maintenance configuration for validity.
func (c *MaintenanceConfig) Validate() error {
	if c.IntervalSecs == 0 {
		return fmt.Errorf("maintenance interval must be positive")
	}
	if c.StabilizeAfterSecs == 0 {
		return fmt.Errorf("stabilize_after must be positive")
	}
	if c.ArchiveAfterSecs == 0 {
		return fmt.Errorf("archive_after must be positive")
	}
	if c.RetentionSecs == 0 {
		return fmt.Errorf("retention must be positive")
	}
	return nil
}
