package config

import "context"

// Package config provides configuration management for the pdm-engine
// services (cloud scorer and edge gateway).
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading for tunable settings
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (AISPARK_* prefix)
//   2. YAML config files (default: /etc/aispark/config.yaml)
//   3. Built-in defaults (lowest priority)

// Config struct contains all configuration fields.
type Config struct {
	// Server configuration for the HTTP API
	Server struct {
		Port int
		// AllowedOrigins lists origins permitted to open WebSocket
		// connections to the alert stream. ["*"] allows any origin
		// (development only).
		AllowedOrigins []string
	}

	// Pipeline configuration for the scoring engine
	Pipeline struct {
		HistorySize     int
		TrainingSize    int
		PredictWindow   int
		MinValidVectors int
		EnableML        bool
		CriticalScore   float64
	}

	// Rules configuration for the deterministic threshold scorer
	Rules struct {
		TempCritical     float64
		TempWarn         float64
		VibCritical      float64
		VibWarn          float64
		PowerMin         float64
		PowerMax         float64
		BaselineZ        float64
		BaselineMinCount int
		AnomalyThreshold float64
	}

	// Model configuration for isolation-forest training
	Model struct {
		NumTrees      int
		SubSample     int
		Seed          int64
		Contamination float64
	}

	// Database configuration for model persistence
	Database struct {
		ModelPath string
	}

	// Edge gateway configuration
	Edge struct {
		GatewayID           string
		Port                int
		CachePath           string
		CloudEndpoint       string
		APIKey              string
		SyncIntervalSeconds int
		SyncBatchSize       int
		MaxBackoffSeconds   int
		WindowHours         int
		MinSamples          int
		ZThreshold          float64
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		FilePath   string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	// RateLimit configuration for the ingest API
	RateLimit struct {
		Enabled           bool
		RequestsPerMinute int
		Burst             int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with the default
// config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/aispark/config.yaml")
}
