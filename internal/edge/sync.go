package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aispark/pdm-engine/internal/metrics"
)

// ErrCloudUnreachable is reported by a sync cycle that could not complete a
// health probe.
var ErrCloudUnreachable = errors.New("edge: cloud unreachable")

// ErrBatchRejected is reported when the cloud refuses an uploaded batch.
// The rows stay unsynced and are retried whole on the next cycle.
var ErrBatchRejected = errors.New("edge: sync batch rejected")

// SyncConfig tunes the background reconciliation loop.
type SyncConfig struct {
	// Endpoint is the cloud base URL, e.g. "https://api.example.com".
	Endpoint string
	// APIKey is sent as a bearer token on uploads. Optional.
	APIKey string
	// Interval between sync attempts while healthy.
	Interval time.Duration
	// MaxBackoff caps the retry interval after repeated failures.
	MaxBackoff time.Duration
	// BatchSize bounds rows uploaded per cycle.
	BatchSize int
	// ProbeTimeout bounds the health check.
	ProbeTimeout time.Duration
	// UploadTimeout bounds each batch upload.
	UploadTimeout time.Duration
}

// DefaultSyncConfig returns the deployment defaults.
func DefaultSyncConfig(endpoint string) SyncConfig {
	return SyncConfig{
		Endpoint:      endpoint,
		Interval:      30 * time.Second,
		MaxBackoff:    5 * time.Minute,
		BatchSize:     1000,
		ProbeTimeout:  5 * time.Second,
		UploadTimeout: 30 * time.Second,
	}
}

// SyncStatus is the operational snapshot exposed to the process supervisor.
type SyncStatus struct {
	Online          bool      `json:"online"`
	LastAttempt     time.Time `json:"last_attempt"`
	LastSuccess     time.Time `json:"last_success"`
	LastError       string    `json:"last_error,omitempty"`
	PendingCount    int64     `json:"pending_count"`
	PendingReadings int64     `json:"pending_readings"`
	PendingAlerts   int64     `json:"pending_alerts"`
}

// SyncManager uploads unsynced rows to the cloud in bounded batches. It runs
// as a background task and never blocks ingestion; rows are only ever marked
// synced after a 2xx acknowledgment, and never deleted.
type SyncManager struct {
	cfg    SyncConfig
	store  *Store
	log    *zap.Logger
	mtr    *metrics.Metrics
	client *http.Client

	mu          sync.Mutex
	online      bool
	lastAttempt time.Time
	lastSuccess time.Time
	lastError   string
}

// NewSyncManager creates the manager. log may be nil; mtr may be nil.
func NewSyncManager(cfg SyncConfig, store *Store, log *zap.Logger, mtr *metrics.Metrics) *SyncManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncManager{
		cfg:    cfg,
		store:  store,
		log:    log,
		mtr:    mtr,
		client: &http.Client{},
	}
}

// Run loops until ctx is done, syncing every Interval and backing off
// (doubling, capped at MaxBackoff) while the cloud stays unreachable.
func (m *SyncManager) Run(ctx context.Context) {
	delay := m.cfg.Interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := m.SyncOnce(ctx); err != nil {
			m.log.Warn("sync cycle failed", zap.Error(err), zap.Duration("retry_in", delay))
			delay *= 2
			if delay > m.cfg.MaxBackoff {
				delay = m.cfg.MaxBackoff
			}
			continue
		}
		delay = m.cfg.Interval
	}
}

// SyncOnce performs a single cycle: probe, upload readings, upload alerts.
// Any failure leaves the batch unsynced for the next cycle.
func (m *SyncManager) SyncOnce(ctx context.Context) error {
	m.mu.Lock()
	m.lastAttempt = time.Now().UTC()
	m.mu.Unlock()

	finish := func(err error) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.online = false
			m.lastError = err.Error()
			if m.mtr != nil {
				outcome := "failure"
				if errors.Is(err, ErrCloudUnreachable) {
					outcome = "offline"
				}
				m.mtr.SyncBatchesTotal.WithLabelValues(outcome).Inc()
			}
			return err
		}
		m.online = true
		m.lastSuccess = time.Now().UTC()
		m.lastError = ""
		if m.mtr != nil {
			m.mtr.SyncBatchesTotal.WithLabelValues("success").Inc()
		}
		return nil
	}

	if err := m.probe(ctx); err != nil {
		return finish(err)
	}
	if err := m.syncReadings(ctx); err != nil {
		return finish(err)
	}
	if err := m.syncAlerts(ctx); err != nil {
		return finish(err)
	}
	m.observePending()
	return finish(nil)
}

// Status reports the manager's last-known state plus live pending counts.
func (m *SyncManager) Status() SyncStatus {
	readings, alerts, err := m.store.PendingCounts()

	m.mu.Lock()
	defer m.mu.Unlock()
	st := SyncStatus{
		Online:          m.online,
		LastAttempt:     m.lastAttempt,
		LastSuccess:     m.lastSuccess,
		LastError:       m.lastError,
		PendingReadings: readings,
		PendingAlerts:   alerts,
		PendingCount:    readings + alerts,
	}
	if err != nil && st.LastError == "" {
		st.LastError = err.Error()
	}
	return st
}

func (m *SyncManager) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCloudUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrCloudUnreachable, resp.StatusCode)
	}
	return nil
}

func (m *SyncManager) syncReadings(ctx context.Context) error {
	rows, err := m.store.UnsyncedReadings(m.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load unsynced readings: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	if err := m.upload(ctx, "/api/v1/sync/readings", map[string]any{"readings": rows}); err != nil {
		return err
	}

	ids := make([]uint, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := m.store.MarkReadingsSynced(ids); err != nil {
		return fmt.Errorf("mark readings synced: %w", err)
	}
	m.log.Info("synced readings", zap.Int("count", len(rows)))
	return nil
}

func (m *SyncManager) syncAlerts(ctx context.Context) error {
	rows, err := m.store.UnsyncedAlerts(m.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load unsynced alerts: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	if err := m.upload(ctx, "/api/v1/sync/alerts", map[string]any{"alerts": rows}); err != nil {
		return err
	}

	ids := make([]uint, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := m.store.MarkAlertsSynced(ids); err != nil {
		return fmt.Errorf("mark alerts synced: %w", err)
	}
	m.log.Info("synced alerts", zap.Int("count", len(rows)))
	return nil
}

// upload POSTs the payload and treats anything outside 2xx as a batch
// failure. The caller must not mark rows synced unless this returns nil.
func (m *SyncManager) upload(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.UploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrBatchRejected, path, resp.StatusCode)
	}
	return nil
}

func (m *SyncManager) observePending() {
	if m.mtr == nil {
		return
	}
	readings, alerts, err := m.store.PendingCounts()
	if err != nil {
		return
	}
	m.mtr.SyncPendingRows.Set(float64(readings + alerts))
}
