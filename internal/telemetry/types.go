package telemetry

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// Package telemetry defines the wire-level data model shared by the cloud
// scoring service and the edge gateway: sensor readings coming in, and the
// verdicts and alerts going out. Every numeric field serializes as a plain
// JSON number so payloads stay portable across tiers.

// Well-known sensor channels. Readings may carry any channel name; these are
// the ones the rule scorer has fixed thresholds for.
const (
	ChannelTemperature = "temperature_c"
	ChannelVibrationX  = "vibration_x_g"
	ChannelVibrationY  = "vibration_y_g"
	ChannelVibrationZ  = "vibration_z_g"
	ChannelCurrent     = "current_a"
	ChannelPower       = "power_w"
)

// Reading is one timestamped set of sensor channel values from a machine.
// Immutable once created; channels may be absent, and non-finite values are
// coerced to 0.0 rather than rejected.
type Reading struct {
	MachineID  string             `json:"machine_id"`
	Timestamp  time.Time          `json:"timestamp"`
	SensorData map[string]float64 `json:"sensor_data"`
	Source     string             `json:"source,omitempty"` // e.g. "cloud", "edge"
}

// Value returns the channel value and whether the channel is present.
// Non-finite stored values read back as 0.0.
func (r Reading) Value(channel string) (float64, bool) {
	v, ok := r.SensorData[channel]
	if !ok {
		return 0, false
	}
	return SafeFloat(v), true
}

// ValueOrZero returns the channel value, or 0.0 when absent or non-finite.
func (r Reading) ValueOrZero(channel string) float64 {
	v, _ := r.Value(channel)
	return v
}

// SafeFloat coerces a possibly out-of-range value to something scoreable.
// NaN and infinities become 0.0; ingestion must never abort on bad sensor
// output.
func SafeFloat(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0.0
	}
	return v
}

// Method identifies which scoring path produced a Verdict.
type Method string

const (
	MethodRuleBased     Method = "rule_based"
	MethodMLWithRules   Method = "ml_with_rules"
	MethodMLUnavailable Method = "ml_unavailable"
	MethodErrorFallback Method = "error_fallback"
)

// Verdict is the final anomaly decision for a reading or window. Produced
// fresh per request and never mutated afterwards.
type Verdict struct {
	MachineID       string    `json:"machine_id"`
	AnomalyDetected bool      `json:"anomaly_detected"`
	AnomalyScore    float64   `json:"anomaly_score"` // [0,1]
	Confidence      float64   `json:"confidence"`    // [0,1]
	Alerts          []string  `json:"alerts"`
	Method          Method    `json:"method"`
	Timestamp       time.Time `json:"timestamp"`
}

// Severity of an Alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is raised when a verdict crosses the alert threshold. Immutable.
type Alert struct {
	ID        string    `json:"id"`
	MachineID string    `json:"machine_id"`
	AlertType string    `json:"alert_type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "cloud" or "edge"
}

// NewAlert builds an alert with a fresh ID and the current time.
func NewAlert(machineID, alertType string, severity Severity, message, source string) Alert {
	return Alert{
		ID:        uuid.NewString(),
		MachineID: machineID,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

// UnmarshalJSON coerces non-finite or non-numeric sensor values to 0.0 so a
// malformed reading still ingests (the "always respond" contract).
func (r *Reading) UnmarshalJSON(data []byte) error {
	type wire struct {
		MachineID  string                     `json:"machine_id"`
		Timestamp  time.Time                  `json:"timestamp"`
		SensorData map[string]json.RawMessage `json:"sensor_data"`
		Source     string                     `json:"source"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.MachineID = w.MachineID
	r.Timestamp = w.Timestamp
	r.Source = w.Source
	r.SensorData = make(map[string]float64, len(w.SensorData))
	for ch, raw := range w.SensorData {
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			// Strings, nulls, objects: coerce to the safe default.
			r.SensorData[ch] = 0.0
			continue
		}
		r.SensorData[ch] = SafeFloat(f)
	}
	return nil
}
