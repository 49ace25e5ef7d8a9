package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("AISPARK")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults plus env vars are a complete
	// configuration.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// Pipeline defaults
	m.viper.SetDefault("pipeline.history_size", defaults.Pipeline.HistorySize)
	m.viper.SetDefault("pipeline.training_size", defaults.Pipeline.TrainingSize)
	m.viper.SetDefault("pipeline.predict_window", defaults.Pipeline.PredictWindow)
	m.viper.SetDefault("pipeline.min_valid_vectors", defaults.Pipeline.MinValidVectors)
	m.viper.SetDefault("pipeline.enable_ml", defaults.Pipeline.EnableML)
	m.viper.SetDefault("pipeline.critical_score", defaults.Pipeline.CriticalScore)

	// Rules defaults
	m.viper.SetDefault("rules.temp_critical", defaults.Rules.TempCritical)
	m.viper.SetDefault("rules.temp_warn", defaults.Rules.TempWarn)
	m.viper.SetDefault("rules.vib_critical", defaults.Rules.VibCritical)
	m.viper.SetDefault("rules.vib_warn", defaults.Rules.VibWarn)
	m.viper.SetDefault("rules.power_min", defaults.Rules.PowerMin)
	m.viper.SetDefault("rules.power_max", defaults.Rules.PowerMax)
	m.viper.SetDefault("rules.baseline_z", defaults.Rules.BaselineZ)
	m.viper.SetDefault("rules.baseline_min_count", defaults.Rules.BaselineMinCount)
	m.viper.SetDefault("rules.anomaly_threshold", defaults.Rules.AnomalyThreshold)

	// Model defaults
	m.viper.SetDefault("model.num_trees", defaults.Model.NumTrees)
	m.viper.SetDefault("model.sub_sample", defaults.Model.SubSample)
	m.viper.SetDefault("model.seed", defaults.Model.Seed)
	m.viper.SetDefault("model.contamination", defaults.Model.Contamination)

	// Database defaults
	m.viper.SetDefault("database.model_path", defaults.Database.ModelPath)

	// Edge defaults
	m.viper.SetDefault("edge.gateway_id", defaults.Edge.GatewayID)
	m.viper.SetDefault("edge.port", defaults.Edge.Port)
	m.viper.SetDefault("edge.cache_path", defaults.Edge.CachePath)
	m.viper.SetDefault("edge.cloud_endpoint", defaults.Edge.CloudEndpoint)
	m.viper.SetDefault("edge.api_key", defaults.Edge.APIKey)
	m.viper.SetDefault("edge.sync_interval_seconds", defaults.Edge.SyncIntervalSeconds)
	m.viper.SetDefault("edge.sync_batch_size", defaults.Edge.SyncBatchSize)
	m.viper.SetDefault("edge.max_backoff_seconds", defaults.Edge.MaxBackoffSeconds)
	m.viper.SetDefault("edge.window_hours", defaults.Edge.WindowHours)
	m.viper.SetDefault("edge.min_samples", defaults.Edge.MinSamples)
	m.viper.SetDefault("edge.z_threshold", defaults.Edge.ZThreshold)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file_path", defaults.Logging.FilePath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)

	// RateLimit defaults
	m.viper.SetDefault("ratelimit.enabled", defaults.RateLimit.Enabled)
	m.viper.SetDefault("ratelimit.requests_per_minute", defaults.RateLimit.RequestsPerMinute)
	m.viper.SetDefault("ratelimit.burst", defaults.RateLimit.Burst)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	// Pipeline
	cfg.Pipeline.HistorySize = m.viper.GetInt("pipeline.history_size")
	cfg.Pipeline.TrainingSize = m.viper.GetInt("pipeline.training_size")
	cfg.Pipeline.PredictWindow = m.viper.GetInt("pipeline.predict_window")
	cfg.Pipeline.MinValidVectors = m.viper.GetInt("pipeline.min_valid_vectors")
	cfg.Pipeline.EnableML = m.viper.GetBool("pipeline.enable_ml")
	cfg.Pipeline.CriticalScore = m.viper.GetFloat64("pipeline.critical_score")

	// Rules
	cfg.Rules.TempCritical = m.viper.GetFloat64("rules.temp_critical")
	cfg.Rules.TempWarn = m.viper.GetFloat64("rules.temp_warn")
	cfg.Rules.VibCritical = m.viper.GetFloat64("rules.vib_critical")
	cfg.Rules.VibWarn = m.viper.GetFloat64("rules.vib_warn")
	cfg.Rules.PowerMin = m.viper.GetFloat64("rules.power_min")
	cfg.Rules.PowerMax = m.viper.GetFloat64("rules.power_max")
	cfg.Rules.BaselineZ = m.viper.GetFloat64("rules.baseline_z")
	cfg.Rules.BaselineMinCount = m.viper.GetInt("rules.baseline_min_count")
	cfg.Rules.AnomalyThreshold = m.viper.GetFloat64("rules.anomaly_threshold")

	// Model
	cfg.Model.NumTrees = m.viper.GetInt("model.num_trees")
	cfg.Model.SubSample = m.viper.GetInt("model.sub_sample")
	cfg.Model.Seed = m.viper.GetInt64("model.seed")
	cfg.Model.Contamination = m.viper.GetFloat64("model.contamination")

	// Database
	cfg.Database.ModelPath = m.viper.GetString("database.model_path")

	// Edge
	cfg.Edge.GatewayID = m.viper.GetString("edge.gateway_id")
	cfg.Edge.Port = m.viper.GetInt("edge.port")
	cfg.Edge.CachePath = m.viper.GetString("edge.cache_path")
	cfg.Edge.CloudEndpoint = m.viper.GetString("edge.cloud_endpoint")
	cfg.Edge.APIKey = m.viper.GetString("edge.api_key")
	cfg.Edge.SyncIntervalSeconds = m.viper.GetInt("edge.sync_interval_seconds")
	cfg.Edge.SyncBatchSize = m.viper.GetInt("edge.sync_batch_size")
	cfg.Edge.MaxBackoffSeconds = m.viper.GetInt("edge.max_backoff_seconds")
	cfg.Edge.WindowHours = m.viper.GetInt("edge.window_hours")
	cfg.Edge.MinSamples = m.viper.GetInt("edge.min_samples")
	cfg.Edge.ZThreshold = m.viper.GetFloat64("edge.z_threshold")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.FilePath = m.viper.GetString("logging.file_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")

	// RateLimit
	cfg.RateLimit.Enabled = m.viper.GetBool("ratelimit.enabled")
	cfg.RateLimit.RequestsPerMinute = m.viper.GetInt("ratelimit.requests_per_minute")
	cfg.RateLimit.Burst = m.viper.GetInt("ratelimit.burst")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive
// data and deployment-specific endpoints.
func (m *viperConfigManager) applyEnvOverrides() {
	if apiKey := os.Getenv("AISPARK_API_KEY"); apiKey != "" {
		m.config.Edge.APIKey = apiKey
	}

	if endpoint := os.Getenv("AISPARK_CLOUD_ENDPOINT"); endpoint != "" {
		m.config.Edge.CloudEndpoint = endpoint
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("AISPARK_PORT"); portEnv != "" {
		m.config.Server.Port = m.viper.GetInt("port")
	}
}
