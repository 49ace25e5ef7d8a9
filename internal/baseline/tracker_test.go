package baseline

import (
	"math"
	"testing"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

func TestTracker_MatchesDirectComputation(t *testing.T) {
	values := []float64{42.0, 47.5, 39.1, 51.2, 44.4, 46.0, 40.9}

	tr := NewTracker()
	for _, v := range values {
		tr.Observe(telemetry.Reading{
			MachineID:  "m1",
			SensorData: map[string]float64{"temperature_c": v},
		})
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(values)))

	stats := tr.Stats("m1")["temperature_c"]
	if stats.Count != len(values) {
		t.Fatalf("count = %d, want %d", stats.Count, len(values))
	}
	if math.Abs(stats.Mean-mean) > 1e-9 {
		t.Fatalf("mean = %v, want %v", stats.Mean, mean)
	}
	if math.Abs(stats.Std-std) > 1e-9 {
		t.Fatalf("std = %v, want %v", stats.Std, std)
	}
}

func TestTracker_SingleSampleHasZeroStd(t *testing.T) {
	tr := NewTracker()
	tr.Observe(telemetry.Reading{MachineID: "m1", SensorData: map[string]float64{"power_w": 900}})
	stats := tr.Stats("m1")["power_w"]
	if stats.Std != 0 {
		t.Fatalf("std = %v, want 0", stats.Std)
	}
}

func TestTracker_NonFiniteValuesCoerced(t *testing.T) {
	tr := NewTracker()
	tr.Observe(telemetry.Reading{MachineID: "m1", SensorData: map[string]float64{"current_a": math.NaN()}})
	stats := tr.Stats("m1")["current_a"]
	if stats.Mean != 0 || stats.Count != 1 {
		t.Fatalf("NaN not coerced: %+v", stats)
	}
}

func TestTracker_ResetDropsMachine(t *testing.T) {
	tr := NewTracker()
	tr.Observe(telemetry.Reading{MachineID: "m1", SensorData: map[string]float64{"power_w": 1}})
	tr.Reset("m1")
	if got := tr.Stats("m1"); got != nil {
		t.Fatalf("stats after reset = %v, want nil", got)
	}
}

func TestTracker_MachinesAreIndependent(t *testing.T) {
	tr := NewTracker()
	tr.Observe(telemetry.Reading{MachineID: "m1", SensorData: map[string]float64{"power_w": 10}})
	tr.Observe(telemetry.Reading{MachineID: "m2", SensorData: map[string]float64{"power_w": 90}})
	if m1 := tr.Stats("m1")["power_w"].Mean; m1 != 10 {
		t.Fatalf("m1 mean = %v", m1)
	}
	if m2 := tr.Stats("m2")["power_w"].Mean; m2 != 90 {
		t.Fatalf("m2 mean = %v", m2)
	}
}
