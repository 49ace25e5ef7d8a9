package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8080
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}

	// Pipeline defaults
	cfg.Pipeline.HistorySize = 100
	cfg.Pipeline.TrainingSize = 30
	cfg.Pipeline.PredictWindow = 5
	cfg.Pipeline.MinValidVectors = 5
	cfg.Pipeline.EnableML = true
	cfg.Pipeline.CriticalScore = 0.9

	// Rules defaults
	cfg.Rules.TempCritical = 150
	cfg.Rules.TempWarn = 100
	cfg.Rules.VibCritical = 1.0
	cfg.Rules.VibWarn = 0.5
	cfg.Rules.PowerMin = 10
	cfg.Rules.PowerMax = 5000
	cfg.Rules.BaselineZ = 3.0
	cfg.Rules.BaselineMinCount = 10
	cfg.Rules.AnomalyThreshold = 0.7

	// Model defaults
	cfg.Model.NumTrees = 50
	cfg.Model.SubSample = 64
	cfg.Model.Seed = 42
	cfg.Model.Contamination = 0.1

	// Database defaults
	cfg.Database.ModelPath = "/var/lib/aispark/models.db"

	// Edge defaults
	cfg.Edge.GatewayID = "edge_001"
	cfg.Edge.Port = 8081
	cfg.Edge.CachePath = "/var/lib/aispark/edge_cache.db"
	cfg.Edge.CloudEndpoint = "http://localhost:8080"
	cfg.Edge.APIKey = ""
	cfg.Edge.SyncIntervalSeconds = 30
	cfg.Edge.SyncBatchSize = 1000
	cfg.Edge.MaxBackoffSeconds = 300
	cfg.Edge.WindowHours = 24
	cfg.Edge.MinSamples = 10
	cfg.Edge.ZThreshold = 3.0

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.FilePath = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28

	// RateLimit defaults
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 600
	cfg.RateLimit.Burst = 100

	return cfg
}
