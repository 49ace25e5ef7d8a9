package features

import (
	"errors"
	"math"
	"testing"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

func window(data ...map[string]float64) []telemetry.Reading {
	out := make([]telemetry.Reading, len(data))
	for i, d := range data {
		out[i] = telemetry.Reading{MachineID: "m1", SensorData: d}
	}
	return out
}

func TestExtract_ShortWindowRejected(t *testing.T) {
	for _, n := range []int{0, 1, 2} {
		data := make([]map[string]float64, n)
		for i := range data {
			data[i] = map[string]float64{"temperature_c": 50}
		}
		_, err := Extract(window(data...))
		if !errors.Is(err, ErrShortWindow) {
			t.Fatalf("window of %d: err = %v, want ErrShortWindow", n, err)
		}
	}
}

func TestExtract_AllChannelsMissing(t *testing.T) {
	_, err := Extract(window(
		map[string]float64{},
		map[string]float64{},
		map[string]float64{},
	))
	if !errors.Is(err, ErrNoFeatures) {
		t.Fatalf("err = %v, want ErrNoFeatures", err)
	}
}

func TestExtract_AggregatesInChannelOrder(t *testing.T) {
	v, err := Extract(window(
		map[string]float64{"temperature_c": 40, "power_w": 100},
		map[string]float64{"temperature_c": 50, "power_w": 200},
		map[string]float64{"temperature_c": 60, "power_w": 300},
	))
	if err != nil {
		t.Fatal(err)
	}
	// Lexicographic: power_w before temperature_c.
	wantChannels := []string{"power_w", "temperature_c"}
	for i, ch := range wantChannels {
		if v.Channels[i] != ch {
			t.Fatalf("channels = %v, want %v", v.Channels, wantChannels)
		}
	}
	if v.Dim() != 8 {
		t.Fatalf("dim = %d, want 8", v.Dim())
	}
	// power_w: mean 200, std 100 (sample), min 100, max 300
	want := []float64{200, 100, 100, 300}
	for i, w := range want {
		if math.Abs(v.Values[i]-w) > 1e-9 {
			t.Fatalf("power_w aggregate[%d] = %v, want %v", i, v.Values[i], w)
		}
	}
	// temperature_c: mean 50, std 10, min 40, max 60
	want = []float64{50, 10, 40, 60}
	for i, w := range want {
		if math.Abs(v.Values[4+i]-w) > 1e-9 {
			t.Fatalf("temperature_c aggregate[%d] = %v, want %v", i, v.Values[4+i], w)
		}
	}
}

func TestExtract_MissingValuesImputedWithChannelMean(t *testing.T) {
	v, err := Extract(window(
		map[string]float64{"temperature_c": 40},
		map[string]float64{}, // temperature missing here
		map[string]float64{"temperature_c": 60},
	))
	if err != nil {
		t.Fatal(err)
	}
	// Mean of present values is 50; imputation must not shift it.
	if got := v.Values[0]; math.Abs(got-50) > 1e-9 {
		t.Fatalf("mean = %v, want 50", got)
	}
	// Min/max come from real observations, not the imputed mean.
	if v.Values[2] != 40 || v.Values[3] != 60 {
		t.Fatalf("min/max = %v/%v, want 40/60", v.Values[2], v.Values[3])
	}
}

func TestExtract_FullyMissingChannelDropsDimension(t *testing.T) {
	full, err := Extract(window(
		map[string]float64{"temperature_c": 40, "power_w": 100},
		map[string]float64{"temperature_c": 50, "power_w": 200},
		map[string]float64{"temperature_c": 60, "power_w": 300},
	))
	if err != nil {
		t.Fatal(err)
	}
	partial, err := Extract(window(
		map[string]float64{"temperature_c": 40},
		map[string]float64{"temperature_c": 50},
		map[string]float64{"temperature_c": 60},
	))
	if err != nil {
		t.Fatal(err)
	}
	if partial.Dim() != 4 {
		t.Fatalf("partial dim = %d, want 4", partial.Dim())
	}
	if full.SameLayout(partial) {
		t.Fatal("layouts should differ when a channel is dropped")
	}
}

func TestExtract_Deterministic(t *testing.T) {
	w := window(
		map[string]float64{"vibration_x_g": 0.1, "temperature_c": 45},
		map[string]float64{"vibration_x_g": 0.2, "temperature_c": 46},
		map[string]float64{"vibration_x_g": 0.3, "temperature_c": 47},
	)
	a, err := Extract(w)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Extract(w)
	if err != nil {
		t.Fatal(err)
	}
	if !a.SameLayout(b) {
		t.Fatal("layout not deterministic")
	}
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			t.Fatalf("value[%d] differs across calls", i)
		}
	}
}
