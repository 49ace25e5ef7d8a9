package edge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "edge_cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func reading(machineID string, data map[string]float64) telemetry.Reading {
	return telemetry.Reading{
		MachineID:  machineID,
		Timestamp:  time.Now().UTC(),
		SensorData: data,
	}
}

func TestStore_AppendAndMarkSynced(t *testing.T) {
	s := openTestStore(t)

	err := s.AppendReading(reading("m1", map[string]float64{
		telemetry.ChannelTemperature: 50,
		telemetry.ChannelVibrationX:  0.1,
		telemetry.ChannelPower:       200,
	}))
	if err != nil {
		t.Fatal(err)
	}

	rows, err := s.UnsyncedReadings(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("unsynced rows = %d, want one per channel", len(rows))
	}

	// Mark only the first row; the rest stay pending.
	if err := s.MarkReadingsSynced([]uint{rows[0].ID}); err != nil {
		t.Fatal(err)
	}
	pending, _, err := s.PendingCounts()
	if err != nil {
		t.Fatal(err)
	}
	if pending != 2 {
		t.Fatalf("pending readings = %d, want 2", pending)
	}
}

func TestStore_TrailingStats(t *testing.T) {
	s := openTestStore(t)

	for _, v := range []float64{10, 20, 30} {
		if err := s.AppendReading(reading("m1", map[string]float64{telemetry.ChannelCurrent: v})); err != nil {
			t.Fatal(err)
		}
	}
	// Another machine's rows must not leak in.
	if err := s.AppendReading(reading("m2", map[string]float64{telemetry.ChannelCurrent: 999})); err != nil {
		t.Fatal(err)
	}

	stats, err := s.TrailingStats("m1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	st := stats[telemetry.ChannelCurrent]
	if st.Count != 3 || st.Mean != 20 {
		t.Fatalf("stats = %+v, want count 3 mean 20", st)
	}
	if st.Std < 8.1 || st.Std > 8.2 { // population std of {10,20,30}
		t.Fatalf("std = %v", st.Std)
	}

	// Rows older than the window are excluded.
	stats, err = s.TrailingStats("m1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 0 {
		t.Fatalf("future cutoff returned stats: %v", stats)
	}
}

func TestDetector_ZScoreSpike(t *testing.T) {
	s := openTestStore(t)
	d := NewDetector(DefaultDetectorConfig(), s)

	// Stable current draw, enough samples to arm the adaptive check.
	for i := 0; i < 12; i++ {
		v := 10.0
		if i%2 == 0 {
			v = 11.0
		}
		if err := s.AppendReading(reading("m1", map[string]float64{telemetry.ChannelCurrent: v})); err != nil {
			t.Fatal(err)
		}
	}

	v := d.Score(reading("m1", map[string]float64{telemetry.ChannelCurrent: 60}))
	if !v.AnomalyDetected {
		t.Fatal("6x current spike not detected")
	}
	if v.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want capped at 1.0", v.Confidence)
	}

	normal := d.Score(reading("m1", map[string]float64{telemetry.ChannelCurrent: 10.5}))
	if normal.AnomalyDetected {
		t.Fatalf("in-band current flagged: %+v", normal)
	}
}

func TestDetector_SparseHistoryAbstains(t *testing.T) {
	s := openTestStore(t)
	d := NewDetector(DefaultDetectorConfig(), s)

	for i := 0; i < 3; i++ {
		if err := s.AppendReading(reading("m1", map[string]float64{telemetry.ChannelCurrent: 10})); err != nil {
			t.Fatal(err)
		}
	}
	v := d.Score(reading("m1", map[string]float64{telemetry.ChannelCurrent: 500}))
	if v.AnomalyDetected {
		t.Fatal("z-score fired with under 10 samples")
	}
}

func TestGateway_CriticalReadingRaisesAlert(t *testing.T) {
	s := openTestStore(t)
	g := NewGateway(s, NewDetector(DefaultDetectorConfig(), s), nil)

	v, err := g.Process(reading("m1", map[string]float64{telemetry.ChannelTemperature: 180}))
	if err != nil {
		t.Fatal(err)
	}
	if !v.AnomalyDetected {
		t.Fatal("critical temperature not detected")
	}

	_, alerts, err := s.PendingCounts()
	if err != nil {
		t.Fatal(err)
	}
	if alerts != 1 {
		t.Fatalf("pending alerts = %d, want 1", alerts)
	}
	rows, err := s.UnsyncedAlerts(10)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Severity != string(telemetry.SeverityCritical) {
		t.Fatalf("severity = %s, want critical", rows[0].Severity)
	}
}

func TestSync_OfflineThenReconnect(t *testing.T) {
	s := openTestStore(t)
	g := NewGateway(s, NewDetector(DefaultDetectorConfig(), s), nil)

	for i := 0; i < 5; i++ {
		if _, err := g.Process(reading("m1", map[string]float64{telemetry.ChannelTemperature: 50})); err != nil {
			t.Fatal(err)
		}
	}

	// Cloud down: the cycle fails, nothing is marked.
	cfg := DefaultSyncConfig("http://127.0.0.1:1") // nothing listens here
	m := NewSyncManager(cfg, s, nil, nil)
	if err := m.SyncOnce(context.Background()); !errors.Is(err, ErrCloudUnreachable) {
		t.Fatalf("err = %v, want ErrCloudUnreachable", err)
	}
	st := m.Status()
	if st.Online || st.PendingCount != 5 {
		t.Fatalf("status after offline cycle: %+v", st)
	}

	// Cloud comes back: everything uploads and is marked synced.
	var uploaded atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/v1/sync/readings", "/api/v1/sync/alerts":
			uploaded.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	m2 := NewSyncManager(DefaultSyncConfig(srv.URL), s, nil, nil)
	if err := m2.SyncOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	st = m2.Status()
	if !st.Online || st.PendingCount != 0 {
		t.Fatalf("status after reconnect: %+v", st)
	}
	if !st.LastSuccess.After(time.Time{}) {
		t.Fatal("last success not recorded")
	}
	if uploaded.Load() == 0 {
		t.Fatal("no batch upload reached the server")
	}
}

func TestSync_FailedBatchMarksNothing(t *testing.T) {
	s := openTestStore(t)
	if err := s.AppendReading(reading("m1", map[string]float64{telemetry.ChannelTemperature: 50})); err != nil {
		t.Fatal(err)
	}

	// Healthy probe, broken upload: batch atomicity demands zero rows
	// flipped.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewSyncManager(DefaultSyncConfig(srv.URL), s, nil, nil)
	if err := m.SyncOnce(context.Background()); !errors.Is(err, ErrBatchRejected) {
		t.Fatalf("err = %v, want ErrBatchRejected", err)
	}

	pending, _, err := s.PendingCounts()
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 {
		t.Fatalf("pending = %d, want 1 (nothing marked)", pending)
	}
}
