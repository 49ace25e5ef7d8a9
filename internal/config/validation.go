package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	// Validate pipeline configuration
	if c.Pipeline.HistorySize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "pipeline.history_size",
			Message: fmt.Sprintf("history size must be positive, got %d", c.Pipeline.HistorySize),
		})
	}
	if c.Pipeline.TrainingSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "pipeline.training_size",
			Message: fmt.Sprintf("training size must be positive, got %d", c.Pipeline.TrainingSize),
		})
	}
	if c.Pipeline.TrainingSize > c.Pipeline.HistorySize {
		errs = append(errs, &ValidationError{
			Field:   "pipeline.training_size",
			Message: fmt.Sprintf("training size %d exceeds history size %d; training would never trigger",
				c.Pipeline.TrainingSize, c.Pipeline.HistorySize),
		})
	}
	if c.Pipeline.PredictWindow < 3 {
		errs = append(errs, &ValidationError{
			Field:   "pipeline.predict_window",
			Message: fmt.Sprintf("predict window must be at least 3, got %d", c.Pipeline.PredictWindow),
		})
	}
	if c.Pipeline.CriticalScore < 0 || c.Pipeline.CriticalScore > 1 {
		errs = append(errs, &ValidationError{
			Field:   "pipeline.critical_score",
			Message: fmt.Sprintf("critical score must be in [0,1], got %v", c.Pipeline.CriticalScore),
		})
	}

	// Validate rules configuration
	if c.Rules.AnomalyThreshold <= 0 || c.Rules.AnomalyThreshold >= 1 {
		errs = append(errs, &ValidationError{
			Field:   "rules.anomaly_threshold",
			Message: fmt.Sprintf("anomaly threshold must be in (0,1), got %v", c.Rules.AnomalyThreshold),
		})
	}
	if c.Rules.TempWarn >= c.Rules.TempCritical {
		errs = append(errs, &ValidationError{
			Field:   "rules.temp_warn",
			Message: fmt.Sprintf("warn threshold %v must be below critical %v", c.Rules.TempWarn, c.Rules.TempCritical),
		})
	}
	if c.Rules.VibWarn >= c.Rules.VibCritical {
		errs = append(errs, &ValidationError{
			Field:   "rules.vib_warn",
			Message: fmt.Sprintf("warn threshold %v must be below critical %v", c.Rules.VibWarn, c.Rules.VibCritical),
		})
	}
	if c.Rules.PowerMin >= c.Rules.PowerMax {
		errs = append(errs, &ValidationError{
			Field:   "rules.power_min",
			Message: fmt.Sprintf("power band [%v, %v] is empty", c.Rules.PowerMin, c.Rules.PowerMax),
		})
	}

	// Validate model configuration
	if c.Model.NumTrees < 1 {
		errs = append(errs, &ValidationError{
			Field:   "model.num_trees",
			Message: fmt.Sprintf("tree count must be positive, got %d", c.Model.NumTrees),
		})
	}
	if c.Model.Contamination <= 0 || c.Model.Contamination >= 1 {
		errs = append(errs, &ValidationError{
			Field:   "model.contamination",
			Message: fmt.Sprintf("contamination must be in (0,1), got %v", c.Model.Contamination),
		})
	}

	// Validate database configuration
	if c.Database.ModelPath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.model_path",
			Message: "model database path is required",
		})
	}

	// Validate edge configuration
	if c.Edge.Port < 1 || c.Edge.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "edge.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Edge.Port),
		})
	}
	if c.Edge.CloudEndpoint == "" {
		errs = append(errs, &ValidationError{
			Field:   "edge.cloud_endpoint",
			Message: "cloud endpoint is required",
		})
	} else if u, err := url.Parse(c.Edge.CloudEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, &ValidationError{
			Field:   "edge.cloud_endpoint",
			Message: fmt.Sprintf("invalid endpoint URL: %s", c.Edge.CloudEndpoint),
		})
	}
	if c.Edge.SyncIntervalSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "edge.sync_interval_seconds",
			Message: fmt.Sprintf("sync interval must be positive, got %d", c.Edge.SyncIntervalSeconds),
		})
	}
	if c.Edge.SyncBatchSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "edge.sync_batch_size",
			Message: fmt.Sprintf("batch size must be positive, got %d", c.Edge.SyncBatchSize),
		})
	}
	if c.Edge.ZThreshold <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "edge.z_threshold",
			Message: fmt.Sprintf("z threshold must be positive, got %v", c.Edge.ZThreshold),
		})
	}

	// Validate logging configuration
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level),
		})
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "console":
	default:
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (must be json, text, or console)", c.Logging.Format),
		})
	}

	// Validate rate limit configuration
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute < 1 {
			errs = append(errs, &ValidationError{
				Field:   "ratelimit.requests_per_minute",
				Message: fmt.Sprintf("rate must be positive, got %d", c.RateLimit.RequestsPerMinute),
			})
		}
		if c.RateLimit.Burst < 1 {
			errs = append(errs, &ValidationError{
				Field:   "ratelimit.burst",
				Message: fmt.Sprintf("burst must be positive, got %d", c.RateLimit.Burst),
			})
		}
	}

	return errs
}
