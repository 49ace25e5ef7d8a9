package main

// Package main is the entry point for the edge gateway.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Open the local SQLite cache for durable reading and alert capture
//   - Score readings locally with rules plus trailing-window z-scores,
//     fully offline
//   - Run the background sync loop reconciling cached rows with the cloud
//   - Serve the local ingest API and sync status endpoint
//   - Implement graceful shutdown with context cancellation

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/aispark/pdm-engine/internal/config"
	"github.com/aispark/pdm-engine/internal/edge"
	"github.com/aispark/pdm-engine/internal/logging"
	"github.com/aispark/pdm-engine/internal/metrics"
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
	log = log.With(zap.String("gateway_id", cfg.Edge.GatewayID))

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mtr := metrics.New(registry)

	// Local cache
	store, err := edge.OpenStore(cfg.Edge.CachePath)
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer store.Close()

	// Local scoring
	detCfg := edge.DefaultDetectorConfig()
	detCfg.Window = time.Duration(cfg.Edge.WindowHours) * time.Hour
	detCfg.MinSamples = cfg.Edge.MinSamples
	detCfg.ZThreshold = cfg.Edge.ZThreshold
	detCfg.Rules.TempCritical = cfg.Rules.TempCritical
	detCfg.Rules.TempWarn = cfg.Rules.TempWarn
	detCfg.Rules.VibCritical = cfg.Rules.VibCritical
	detCfg.Rules.VibWarn = cfg.Rules.VibWarn
	detCfg.Rules.PowerMin = cfg.Rules.PowerMin
	detCfg.Rules.PowerMax = cfg.Rules.PowerMax
	detCfg.Rules.AnomalyThreshold = cfg.Rules.AnomalyThreshold

	detector := edge.NewDetector(detCfg, store)
	gateway := edge.NewGateway(store, detector, log)

	// Cloud reconciliation
	syncCfg := edge.DefaultSyncConfig(cfg.Edge.CloudEndpoint)
	syncCfg.APIKey = cfg.Edge.APIKey
	syncCfg.Interval = time.Duration(cfg.Edge.SyncIntervalSeconds) * time.Second
	syncCfg.MaxBackoff = time.Duration(cfg.Edge.MaxBackoffSeconds) * time.Second
	syncCfg.BatchSize = cfg.Edge.SyncBatchSize
	syncer := edge.NewSyncManager(syncCfg, store, log, mtr)

	srv, err := edge.NewServer(edge.ServerConfig{
		Host:      "0.0.0.0",
		Port:      cfg.Edge.Port,
		GatewayID: cfg.Edge.GatewayID,
	}, gateway, syncer, registry, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info("edge gateway started",
		zap.Int("port", cfg.Edge.Port),
		zap.String("cloud_endpoint", cfg.Edge.CloudEndpoint))

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
