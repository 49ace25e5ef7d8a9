package rules

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/aispark/pdm-engine/internal/baseline"
	"github.com/aispark/pdm-engine/internal/telemetry"
)

// Package rules implements the deterministic safety-threshold scorer. It is a
// stateless function of the single most recent reading, optionally sharpened
// by the machine's running baseline statistics. The final score is the
// maximum of all triggered thresholds, never a sum.

// Config holds the threshold constants. The defaults are tuned empirically
// upstream; keep them configurable rather than baked in.
type Config struct {
	TempCritical float64 // °C
	TempWarn     float64
	VibCritical  float64 // g
	VibWarn      float64
	PowerMin     float64 // W
	PowerMax     float64
	// BaselineZ is the z-score beyond which a channel is flagged against its
	// running baseline. Requires at least BaselineMinCount samples.
	BaselineZ        float64
	BaselineMinCount int

	AnomalyThreshold float64
}

// DefaultConfig returns the documented threshold constants.
func DefaultConfig() Config {
	return Config{
		TempCritical:     150,
		TempWarn:         100,
		VibCritical:      1.0,
		VibWarn:          0.5,
		PowerMin:         10,
		PowerMax:         5000,
		BaselineZ:        3.0,
		BaselineMinCount: 10,
		AnomalyThreshold: 0.7,
	}
}

// Result is the outcome of the rule evaluation.
type Result struct {
	Score  float64
	Alerts []string
}

// Anomalous reports whether the score crosses the configured threshold.
func (r Result) Anomalous(threshold float64) bool {
	return r.Score > threshold
}

// Scorer evaluates readings against the fixed thresholds.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with the given thresholds.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score evaluates a single reading. stats may be nil (no baseline yet).
// An empty reading scores 0 with no alerts.
func (s *Scorer) Score(r telemetry.Reading, stats map[string]baseline.ChannelStats) Result {
	var res Result

	if temp, ok := r.Value(telemetry.ChannelTemperature); ok {
		switch {
		case temp > s.cfg.TempCritical:
			res.add(0.9, "Critical temperature detected")
		case temp > s.cfg.TempWarn:
			res.add(0.7, "High temperature warning")
		}
	}

	if vib, ok := maxVibration(r); ok {
		switch {
		case vib > s.cfg.VibCritical:
			res.add(0.8, "Critical vibration detected")
		case vib > s.cfg.VibWarn:
			res.add(0.6, "High vibration warning")
		}
	}

	if power, ok := r.Value(telemetry.ChannelPower); ok {
		if power > s.cfg.PowerMax || power < s.cfg.PowerMin {
			res.add(0.5, "Power consumption anomaly")
		}
	}

	// Adaptive check: large deviation from the machine's own baseline.
	// Channels are walked in sorted order so the alert sequence is stable.
	for _, ch := range sortedChannels(stats) {
		st := stats[ch]
		if st.Count < s.cfg.BaselineMinCount || st.Std <= 0 {
			continue
		}
		v, ok := r.Value(ch)
		if !ok {
			continue
		}
		if z := math.Abs(v-st.Mean) / st.Std; z > s.cfg.BaselineZ {
			res.add(0.6, fmt.Sprintf("Abnormal %s deviation from baseline (z=%.1f)", ch, z))
		}
	}

	return res
}

// add applies the max-combination rule: the final score is the strongest
// triggered threshold, and every triggered alert is reported.
func (r *Result) add(score float64, alert string) {
	if score > r.Score {
		r.Score = score
	}
	r.Alerts = append(r.Alerts, alert)
}

func sortedChannels(stats map[string]baseline.ChannelStats) []string {
	out := make([]string, 0, len(stats))
	for ch := range stats {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// maxVibration returns the largest absolute vibration over the axes present.
func maxVibration(r telemetry.Reading) (float64, bool) {
	var maxAbs float64
	found := false
	for ch := range r.SensorData {
		if !strings.HasPrefix(ch, "vibration_") {
			continue
		}
		v, _ := r.Value(ch)
		if abs := math.Abs(v); !found || abs > maxAbs {
			maxAbs = abs
		}
		found = true
	}
	return maxAbs, found
}
