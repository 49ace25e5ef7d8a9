package features

import (
	"errors"
	"math"
	"sort"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

// Package features turns a window of readings into a fixed-length numeric
// feature vector: per-channel mean, std, min, max, concatenated in
// lexicographic channel order so the layout is reproducible across calls.

var (
	// ErrShortWindow is returned for windows of fewer than MinWindow readings.
	ErrShortWindow = errors.New("insufficient data: window shorter than minimum")
	// ErrNoFeatures is returned when every channel is fully missing.
	ErrNoFeatures = errors.New("no features: every channel missing from window")
)

// MinWindow is the smallest window a vector can be extracted from.
const MinWindow = 3

// StatsPerChannel is the number of aggregates emitted per channel.
const StatsPerChannel = 4

// Vector is an extracted feature vector together with the channel layout it
// was built from. Two windows with different present-channel sets produce
// different layouts; callers compare Channels (or Dim) to detect that.
type Vector struct {
	Channels []string
	Values   []float64
}

// Dim returns the vector length.
func (v Vector) Dim() int { return len(v.Values) }

// SameLayout reports whether another vector was built from the same channel
// set in the same order.
func (v Vector) SameLayout(other Vector) bool {
	if len(v.Channels) != len(other.Channels) {
		return false
	}
	for i := range v.Channels {
		if v.Channels[i] != other.Channels[i] {
			return false
		}
	}
	return true
}

// Extract builds the feature vector for a window of readings.
//
// Channels present in at least one reading contribute mean, std, min, max
// (in that order); missing values within a channel are imputed with the
// channel's own window mean before aggregation. Channels missing from every
// reading are dropped, which changes the vector layout.
func Extract(window []telemetry.Reading) (Vector, error) {
	if len(window) < MinWindow {
		return Vector{}, ErrShortWindow
	}

	// Collect per-channel present values, keyed by channel name.
	present := make(map[string][]float64)
	for _, r := range window {
		for ch, raw := range r.SensorData {
			present[ch] = append(present[ch], telemetry.SafeFloat(raw))
		}
	}
	if len(present) == 0 {
		return Vector{}, ErrNoFeatures
	}

	channels := make([]string, 0, len(present))
	for ch := range present {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	values := make([]float64, 0, len(channels)*StatsPerChannel)
	for _, ch := range channels {
		vals := present[ch]
		mean := meanOf(vals)

		// Impute absent positions with the channel mean: the aggregates below
		// then run over a series of window length, as if each reading carried
		// the channel.
		series := make([]float64, 0, len(window))
		series = append(series, vals...)
		for i := len(vals); i < len(window); i++ {
			series = append(series, mean)
		}

		values = append(values, mean, sampleStd(series), minOf(series), maxOf(series))
	}

	return Vector{Channels: channels, Values: values}, nil
}

func meanOf(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// sampleStd is the n-1 standard deviation; 0.0 for a single sample.
func sampleStd(vals []float64) float64 {
	if len(vals) < 2 {
		return 0.0
	}
	mean := meanOf(vals)
	var variance float64
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(vals)-1))
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
