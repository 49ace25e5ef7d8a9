package edge

import (
	"math"
	"time"

	"github.com/aispark/pdm-engine/internal/rules"
	"github.com/aispark/pdm-engine/internal/telemetry"
)

// DetectorConfig tunes the reduced local scoring pipeline.
type DetectorConfig struct {
	// Window is how far back trailing stats reach.
	Window time.Duration
	// MinSamples is the per-machine row count below which the z-score check
	// abstains.
	MinSamples int
	// ZThreshold is the sigma cut for the adaptive check.
	ZThreshold float64
	// AlertConfidence is the minimum confidence for raising a local alert.
	AlertConfidence float64
	// CriticalConfidence upgrades a raised alert to critical.
	CriticalConfidence float64

	Rules rules.Config
}

// DefaultDetectorConfig returns the edge scoring defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:             24 * time.Hour,
		MinSamples:         10,
		ZThreshold:         3.0,
		AlertConfidence:    0.8,
		CriticalConfidence: 0.9,
		Rules:              rules.DefaultConfig(),
	}
}

// Detector runs the reduced edge pipeline: deterministic rules on the newest
// reading, plus a z-score check against the machine's own trailing window in
// the local store. It never needs cloud connectivity.
type Detector struct {
	cfg    DetectorConfig
	store  *Store
	scorer *rules.Scorer
}

// NewDetector creates a detector over the local store.
func NewDetector(cfg DetectorConfig, store *Store) *Detector {
	return &Detector{cfg: cfg, store: store, scorer: rules.NewScorer(cfg.Rules)}
}

// Score evaluates one reading against rules and the trailing-window z-score.
// Store errors degrade to the pure rule verdict rather than failing.
func (d *Detector) Score(r telemetry.Reading) telemetry.Verdict {
	ruleRes := d.scorer.Score(r, nil)

	v := telemetry.Verdict{
		MachineID:    r.MachineID,
		AnomalyScore: ruleRes.Score,
		Confidence:   0.8,
		Alerts:       ruleRes.Alerts,
		Method:       telemetry.MethodRuleBased,
		Timestamp:    time.Now().UTC(),
	}

	maxZ := d.maxZScore(r)
	zConfidence := math.Min(maxZ/5.0, 1.0)
	zAnomalous := maxZ > d.cfg.ZThreshold

	ruleAnomalous := ruleRes.Anomalous(d.cfg.Rules.AnomalyThreshold)
	v.AnomalyDetected = ruleAnomalous || zAnomalous
	if zAnomalous {
		// The statistical hit dominates scoring the same way the model path
		// does in the cloud: take the stronger of the two signals.
		v.AnomalyScore = math.Max(ruleRes.Score, zConfidence)
		v.Confidence = zConfidence
	}
	return v
}

// maxZScore returns the largest per-channel z against the trailing window,
// or 0 when stats are unavailable or too sparse.
func (d *Detector) maxZScore(r telemetry.Reading) float64 {
	stats, err := d.store.TrailingStats(r.MachineID, time.Now().Add(-d.cfg.Window))
	if err != nil {
		return 0
	}
	maxZ := 0.0
	for ch, st := range stats {
		if st.Count < d.cfg.MinSamples || st.Std <= 0 {
			continue
		}
		v, ok := r.Value(ch)
		if !ok {
			continue
		}
		if z := math.Abs(v-st.Mean) / st.Std; z > maxZ {
			maxZ = z
		}
	}
	return maxZ
}

// ShouldAlert reports whether the verdict warrants a local alert, and at
// what severity.
func (d *Detector) ShouldAlert(v telemetry.Verdict) (telemetry.Severity, bool) {
	if !v.AnomalyDetected || v.Confidence < d.cfg.AlertConfidence {
		return "", false
	}
	if v.Confidence > d.cfg.CriticalConfidence || v.AnomalyScore >= d.cfg.CriticalConfidence {
		return telemetry.SeverityCritical, true
	}
	return telemetry.SeverityWarning, true
}
