package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

// ServerConfig holds the gateway's HTTP settings.
type ServerConfig struct {
	Host      string
	Port      int
	GatewayID string
}

// Server is the edge gateway's HTTP front end. It accepts readings from
// local sensor collectors, scores them through the gateway, and exposes
// sync status for the process supervisor.
type Server struct {
	config  ServerConfig
	log     *zap.Logger
	gateway *Gateway
	syncer  *SyncManager

	registry *prometheus.Registry

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewServer creates the HTTP front end. registry may be nil to disable
// /metrics; log may be nil.
func NewServer(cfg ServerConfig, gateway *Gateway, syncer *SyncManager, registry *prometheus.Registry, log *zap.Logger) (*Server, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:   cfg,
		log:      log,
		gateway:  gateway,
		syncer:   syncer,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start starts the HTTP server and, when a sync manager is configured, the
// background reconciliation loop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.syncer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncer.Run(s.ctx)
		}()
	}

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
		s.log.Info("edge gateway listening",
			zap.String("gateway_id", s.config.GatewayID),
			zap.String("host", s.config.Host), zap.Int("port", s.config.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the server and the sync loop.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("stopping edge gateway")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http server shutdown error", zap.Error(err))
		}
	}

	s.cancel()
	s.wg.Wait()

	s.log.Info("edge gateway stopped")
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

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/api/v1/ingest", s.handleIngest)
	mux.HandleFunc("/api/v1/sync/status", s.handleSyncStatus)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":     "healthy",
		"gateway_id": s.config.GatewayID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// handleIngest captures and scores one local reading. A store failure is a
// 500: the durability contract comes before the verdict.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var reading telemetry.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid reading payload: " + err.Error()})
		return
	}
	if reading.MachineID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "machine_id is required"})
		return
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}
	reading.Source = "edge"

	verdict, err := s.gateway.Process(reading)
	if err != nil {
		s.log.Error("ingest failed", zap.String("machine_id", reading.MachineID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to persist reading"})
		return
	}

	s.writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.syncer == nil {
		s.writeJSON(w, http.StatusOK, SyncStatus{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.syncer.Status())
}
