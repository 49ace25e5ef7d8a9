package baseline

import (
	"math"
	"sync"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

// Package baseline maintains streaming per-channel statistics per machine.
// Updates are Welford-style: O(1) per reading regardless of history length.
// The stats feed the rule scorer's adaptive thresholds; they are never purged
// automatically except on a full machine reset.

// ChannelStats is the exported snapshot of one channel's running statistics.
type ChannelStats struct {
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Count int     `json:"count"`
}

type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) observe(v float64) {
	w.count++
	delta := v - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (v - w.mean)
}

func (w *welford) std() float64 {
	if w.count < 2 {
		return 0.0
	}
	return math.Sqrt(w.m2 / float64(w.count))
}

// Tracker maintains per-machine per-channel running statistics.
type Tracker struct {
	mu       sync.RWMutex
	machines map[string]map[string]*welford
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{machines: make(map[string]map[string]*welford)}
}

// Observe folds one reading into the machine's running stats.
func (t *Tracker) Observe(r telemetry.Reading) {
	t.mu.Lock()
	defer t.mu.Unlock()
	channels, ok := t.machines[r.MachineID]
	if !ok {
		channels = make(map[string]*welford)
		t.machines[r.MachineID] = channels
	}
	for ch, v := range r.SensorData {
		w, ok := channels[ch]
		if !ok {
			w = &welford{}
			channels[ch] = w
		}
		w.observe(telemetry.SafeFloat(v))
	}
}

// ObserveAll folds a batch of readings, e.g. recomputing baselines after a
// training pass over the full buffer.
func (t *Tracker) ObserveAll(readings []telemetry.Reading) {
	for _, r := range readings {
		t.Observe(r)
	}
}

// Stats returns a snapshot of the machine's per-channel statistics; nil when
// the machine has never been observed.
func (t *Tracker) Stats(machineID string) map[string]ChannelStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	channels, ok := t.machines[machineID]
	if !ok {
		return nil
	}
	out := make(map[string]ChannelStats, len(channels))
	for ch, w := range channels {
		out[ch] = ChannelStats{Mean: w.mean, Std: w.std(), Count: w.count}
	}
	return out
}

// Reset drops all statistics for a machine.
func (t *Tracker) Reset(machineID string) {
	t.mu.Lock()
	delete(t.machines, machineID)
	t.mu.Unlock()
}
