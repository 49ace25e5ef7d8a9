package main

// Package main is the entry point for the cloud scoring service.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Open the model store and restore persisted isolation-forest models
//   - Start the scoring engine and its HTTP API (ingest, train, predict,
//     status, edge sync receiver, alert stream)
//   - Serve Prometheus metrics and health check endpoints
//   - Implement graceful shutdown with context cancellation

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/aispark/pdm-engine/internal/config"
	"github.com/aispark/pdm-engine/internal/engine"
	"github.com/aispark/pdm-engine/internal/logging"
	"github.com/aispark/pdm-engine/internal/metrics"
	"github.com/aispark/pdm-engine/internal/modelstore"
	"github.com/aispark/pdm-engine/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	// Load configuration
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	// Initialize logging
	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	// Metrics registry with the standard process collectors
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mtr := metrics.New(registry)

	// Model persistence
	store, err := modelstore.Open(cfg.Database.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to open model store: %w", err)
	}
	defer store.Close()

	// Scoring engine
	engCfg := engine.DefaultConfig()
	engCfg.HistorySize = cfg.Pipeline.HistorySize
	engCfg.TrainingSize = cfg.Pipeline.TrainingSize
	engCfg.PredictWindow = cfg.Pipeline.PredictWindow
	engCfg.MinValidVectors = cfg.Pipeline.MinValidVectors
	engCfg.EnableML = cfg.Pipeline.EnableML
	engCfg.CriticalScore = cfg.Pipeline.CriticalScore
	engCfg.Rules.TempCritical = cfg.Rules.TempCritical
	engCfg.Rules.TempWarn = cfg.Rules.TempWarn
	engCfg.Rules.VibCritical = cfg.Rules.VibCritical
	engCfg.Rules.VibWarn = cfg.Rules.VibWarn
	engCfg.Rules.PowerMin = cfg.Rules.PowerMin
	engCfg.Rules.PowerMax = cfg.Rules.PowerMax
	engCfg.Rules.BaselineZ = cfg.Rules.BaselineZ
	engCfg.Rules.BaselineMinCount = cfg.Rules.BaselineMinCount
	engCfg.Rules.AnomalyThreshold = cfg.Rules.AnomalyThreshold
	engCfg.Train.NumTrees = cfg.Model.NumTrees
	engCfg.Train.SubSample = cfg.Model.SubSample
	engCfg.Train.Seed = cfg.Model.Seed
	engCfg.Train.Contamination = cfg.Model.Contamination

	eng := engine.New(engCfg, log, mtr, store)
	if err := eng.Restore(ctx); err != nil {
		// Stale or missing models are recoverable; training refills them.
		log.Warn("model restore failed", zap.Error(err))
	}

	// HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Port = cfg.Server.Port
	srvCfg.AllowedOrigins = cfg.Server.AllowedOrigins
	srvCfg.RateLimitEnabled = cfg.RateLimit.Enabled
	srvCfg.RequestsPerMinute = cfg.RateLimit.RequestsPerMinute
	srvCfg.Burst = cfg.RateLimit.Burst

	srv, err := server.NewServer(srvCfg, eng, registry, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info("scoring service started",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("ml_enabled", cfg.Pipeline.EnableML))

	// Wait for shutdown signal (Ctrl+C or SIGTERM)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("received shutdown signal")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("error stopping server: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}
