package edge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

func newTestGatewayServer(t *testing.T) (*Server, *Store) {
	t.Helper()

	store, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	detector := NewDetector(DefaultDetectorConfig(), store)
	gateway := NewGateway(store, detector, nil)

	srv, err := NewServer(ServerConfig{GatewayID: "edge_test"}, gateway, nil, nil, nil)
	require.NoError(t, err)
	return srv, store
}

func TestGatewayServerHealth(t *testing.T) {
	srv, _ := newTestGatewayServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "edge_test", body["gateway_id"])
}

func TestGatewayServerIngestPersistsAndScores(t *testing.T) {
	srv, store := newTestGatewayServer(t)

	payload, err := json.Marshal(telemetry.Reading{
		MachineID: "press_01",
		Timestamp: time.Now().UTC(),
		SensorData: map[string]float64{
			telemetry.ChannelTemperature: 55.0,
			telemetry.ChannelPower:       200.0,
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var verdict telemetry.Verdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.Equal(t, "press_01", verdict.MachineID)
	assert.False(t, verdict.AnomalyDetected)

	pendingReadings, _, err := store.PendingCounts()
	require.NoError(t, err)
	assert.Equal(t, int64(2), pendingReadings)
}

func TestGatewayServerIngestValidation(t *testing.T) {
	srv, _ := newTestGatewayServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader([]byte("{")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	payload, _ := json.Marshal(telemetry.Reading{
		SensorData: map[string]float64{telemetry.ChannelTemperature: 55.0},
	})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayServerSyncStatusWithoutSyncer(t *testing.T) {
	srv, _ := newTestGatewayServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status SyncStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Online)
}
