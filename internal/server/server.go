package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aispark/pdm-engine/internal/engine"
	"github.com/aispark/pdm-engine/internal/middleware"
)

// Config holds the HTTP server settings.
type Config struct {
	Host string
	Port int

	// AllowedOrigins lists origins permitted to open WebSocket connections
	// to the alert stream. ["*"] allows any origin.
	AllowedOrigins []string

	// RateLimitEnabled guards the ingest endpoints with a per-client token
	// bucket.
	RateLimitEnabled  bool
	RequestsPerMinute int
	Burst             int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8080,
		AllowedOrigins:    []string{"http://localhost:3000"},
		RateLimitEnabled:  true,
		RequestsPerMinute: 600,
		Burst:             100,
	}
}

// Server is the cloud scoring service's HTTP front end. It owns the engine
// plus the alert stream hub and exposes ingest, training, status, sync
// receiver, and operational endpoints.
type Server struct {
	config *Config
	log    *zap.Logger

	engine   *engine.Engine
	hub      *Hub
	limiter  *middleware.RateLimiter
	registry *prometheus.Registry

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a server around an already-constructed engine. registry
// may be nil to disable the /metrics endpoint; log may be nil.
func NewServer(cfg *Config, eng *engine.Engine, registry *prometheus.Registry, log *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:   cfg,
		log:      log,
		engine:   eng,
		hub:      NewHub(log),
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.RateLimitEnabled {
		srv.limiter = middleware.NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst)
	}

	// Verdicts crossing the threshold fan out to connected dashboards.
	eng.SetAlertSink(srv.hub.BroadcastAlert)

	return srv, nil
}

// Start starts the HTTP server and the alert stream hub.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.ctx)
	}()

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("http server listening",
			zap.String("host", s.config.Host), zap.Int("port", s.config.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("stopping server")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http server shutdown error", zap.Error(err))
		}
	}

	s.cancel()
	s.wg.Wait()

	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.log.Info("server stopped")
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Handler returns the configured routing mux, for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	return mux
}

// registerHandlers registers HTTP handlers.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	limited := func(h http.HandlerFunc) http.HandlerFunc {
		if s.limiter == nil {
			return h
		}
		return s.limiter.Middleware(h)
	}

	// Operational endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// Scoring pipeline
	mux.HandleFunc("/api/v1/ingest", limited(s.handleIngest))
	mux.HandleFunc("/api/v1/train", s.handleTrain)
	mux.HandleFunc("/api/v1/predict", s.handlePredict)
	mux.HandleFunc("/api/v1/status/", s.handleStatus)
	mux.HandleFunc("/api/v1/machines", s.handleMachines)

	// Edge sync receiver
	mux.HandleFunc("/api/v1/sync/readings", limited(s.handleSyncReadings))
	mux.HandleFunc("/api/v1/sync/alerts", limited(s.handleSyncAlerts))

	// Alert stream
	mux.HandleFunc("/api/v1/alerts/stream", s.handleAlertStream)
}
