package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aispark/pdm-engine/internal/modelstore"
	"github.com/aispark/pdm-engine/internal/telemetry"
)

func tempReading(machineID string, temp float64) telemetry.Reading {
	return telemetry.Reading{
		MachineID: machineID,
		Timestamp: time.Now().UTC(),
		SensorData: map[string]float64{
			telemetry.ChannelTemperature: temp,
			telemetry.ChannelVibrationX:  0.1,
			telemetry.ChannelPower:       200,
		},
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return New(DefaultConfig(), nil, nil, nil)
}

func TestIngest_BeforeTrainingIsRuleBased(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 29; i++ {
		v := e.Ingest(ctx, tempReading("m1", 50))
		if v.Method != telemetry.MethodRuleBased {
			t.Fatalf("reading %d: method = %s, want rule_based", i, v.Method)
		}
		if v.AnomalyDetected {
			t.Fatalf("reading %d: normal temperature flagged anomalous", i)
		}
		if v.Confidence != 0.8 {
			t.Fatalf("reading %d: confidence = %v, want 0.8", i, v.Confidence)
		}
	}
	if e.Status("m1").ModelTrained {
		t.Fatal("model trained before the training size was reached")
	}
}

func TestIngest_AutoTrainsAtTrainingSize(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 29; i++ {
		e.Ingest(ctx, tempReading("m1", 50))
	}
	v := e.Ingest(ctx, tempReading("m1", 50))

	st := e.Status("m1")
	if !st.ModelTrained {
		t.Fatal("30th reading did not trigger training")
	}
	if st.TotalReadings != 30 {
		t.Fatalf("total readings = %d, want 30", st.TotalReadings)
	}
	if v.Method != telemetry.MethodMLWithRules {
		t.Fatalf("post-training verdict method = %s, want ml_with_rules", v.Method)
	}
	// Five-reading prediction window caps the model confidence.
	if v.Confidence != 0.5 {
		t.Fatalf("confidence = %v, want 0.5", v.Confidence)
	}
}

func TestIngest_CriticalTemperatureAlwaysDetected(t *testing.T) {
	for _, trained := range []bool{false, true} {
		e := newEngine(t)
		ctx := context.Background()

		var alerts []telemetry.Alert
		e.SetAlertSink(func(a telemetry.Alert, _ telemetry.Verdict) {
			alerts = append(alerts, a)
		})

		if trained {
			for i := 0; i < 30; i++ {
				e.Ingest(ctx, tempReading("m1", 50))
			}
		}
		v := e.Ingest(ctx, tempReading("m1", 180))

		if !v.AnomalyDetected {
			t.Fatalf("trained=%v: 180C not detected", trained)
		}
		if v.AnomalyScore < 0.9 {
			t.Fatalf("trained=%v: score = %v, want >= 0.9", trained, v.AnomalyScore)
		}
		found := false
		for _, a := range v.Alerts {
			if strings.Contains(a, "Critical temperature") {
				found = true
			}
		}
		if !found {
			t.Fatalf("trained=%v: alerts = %v, want critical temperature", trained, v.Alerts)
		}
		if len(alerts) != 1 {
			t.Fatalf("trained=%v: %d alerts raised, want 1", trained, len(alerts))
		}
		if alerts[0].Severity != telemetry.SeverityCritical {
			t.Fatalf("trained=%v: severity = %s, want critical", trained, alerts[0].Severity)
		}
	}
}

func TestIngest_EnsembleNeverBelowRuleScore(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		e.Ingest(ctx, tempReading("m1", 50))
	}
	v := e.Ingest(ctx, tempReading("m1", 120)) // rule warn band, score 0.7
	if v.AnomalyScore < 0.7 {
		t.Fatalf("ensemble score %v below rule score 0.7", v.AnomalyScore)
	}
}

func TestIngest_EmptyReadingSurvives(t *testing.T) {
	e := newEngine(t)
	v := e.Ingest(context.Background(), telemetry.Reading{MachineID: "m1"})
	if v.AnomalyDetected || v.AnomalyScore != 0 {
		t.Fatalf("empty reading: %+v", v)
	}
}

func TestTrain_InsufficientData(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	var readings []telemetry.Reading
	for i := 0; i < 10; i++ {
		readings = append(readings, tempReading("m1", 50))
	}
	res := e.Train(ctx, "m1", readings)
	if res.Trained {
		t.Fatal("trained on 10 readings")
	}
	if !strings.Contains(res.Error, "insufficient_data") {
		t.Fatalf("error = %q, want insufficient_data", res.Error)
	}
	if e.Status("m1").ModelTrained {
		t.Fatal("failed training left a model behind")
	}
}

func TestTrain_FailureKeepsPriorModel(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	var full []telemetry.Reading
	for i := 0; i < 30; i++ {
		full = append(full, tempReading("m1", float64(40+i)))
	}
	if res := e.Train(ctx, "m1", full); !res.Trained {
		t.Fatalf("training failed: %s", res.Error)
	}

	res := e.Train(ctx, "m1", full[:5])
	if res.Trained {
		t.Fatal("short retrain reported success")
	}
	if !e.Status("m1").ModelTrained {
		t.Fatal("failed retrain dropped the existing model")
	}
}

func TestTrain_RebuildsBaseline(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	var readings []telemetry.Reading
	for i := 0; i < 30; i++ {
		readings = append(readings, tempReading("m1", 60))
	}
	if res := e.Train(ctx, "m1", readings); !res.Trained {
		t.Fatalf("training failed: %s", res.Error)
	}

	stats := e.Status("m1").BaselineStats
	ch, ok := stats[telemetry.ChannelTemperature]
	if !ok {
		t.Fatal("no baseline recorded for temperature")
	}
	if ch.Mean != 60 || ch.Count != 30 {
		t.Fatalf("baseline = %+v, want mean 60 count 30", ch)
	}
}

func TestIngest_MLDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableML = false
	e := New(cfg, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 35; i++ {
		v := e.Ingest(ctx, tempReading("m1", 50))
		if v.Method != telemetry.MethodMLUnavailable {
			t.Fatalf("method = %s, want ml_unavailable", v.Method)
		}
	}
	st := e.Status("m1")
	if st.ModelTrained || st.MLAvailable {
		t.Fatalf("ml disabled but status = %+v", st)
	}
}

func TestIngest_MachinesAreIndependent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		e.Ingest(ctx, tempReading("m1", 50))
	}
	e.Ingest(ctx, tempReading("m2", 50))

	if !e.Status("m1").ModelTrained {
		t.Fatal("m1 should be trained")
	}
	if e.Status("m2").ModelTrained {
		t.Fatal("m2 trained off m1's data")
	}
	if got := len(e.Machines()); got != 2 {
		t.Fatalf("machines = %d, want 2", got)
	}
}

func TestReset_DropsState(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		e.Ingest(ctx, tempReading("m1", 50))
	}
	e.Reset("m1")

	st := e.Status("m1")
	if st.TotalReadings != 0 || st.ModelTrained || len(st.BaselineStats) != 0 {
		t.Fatalf("state after reset: %+v", st)
	}

	// The machine can train again from scratch.
	for i := 0; i < 30; i++ {
		e.Ingest(ctx, tempReading("m1", 50))
	}
	if !e.Status("m1").ModelTrained {
		t.Fatal("machine did not retrain after reset")
	}
}

func TestRestore_LoadsPersistedModels(t *testing.T) {
	store, err := modelstore.Open(filepath.Join(t.TempDir(), "models.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	e := New(DefaultConfig(), nil, nil, store)
	for i := 0; i < 30; i++ {
		e.Ingest(ctx, tempReading("m1", 50))
	}
	if !e.Status("m1").ModelTrained {
		t.Fatal("training did not happen")
	}

	// A fresh engine over the same store resumes with the model.
	e2 := New(DefaultConfig(), nil, nil, store)
	if err := e2.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if !e2.Status("m1").ModelTrained {
		t.Fatal("restored engine has no model for m1")
	}
}

func TestIngest_ConcurrentMachines(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		machine := []string{"m1", "m2", "m3", "m4"}[g]
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 60; i++ {
				e.Ingest(ctx, tempReading(machine, 50))
			}
		}()
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	for _, m := range []string{"m1", "m2", "m3", "m4"} {
		st := e.Status(m)
		if st.TotalReadings != 60 {
			t.Fatalf("%s: readings = %d, want 60", m, st.TotalReadings)
		}
		if !st.ModelTrained {
			t.Fatalf("%s: not trained", m)
		}
	}
}
