package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

const (
	// DefaultNumTrees and DefaultSubSample mirror the training defaults the
	// scoring service was tuned with.
	DefaultNumTrees  = 50
	DefaultSubSample = 64
	// DefaultSeed fixes the forest's randomness so retraining over the same
	// window reproduces the same model.
	DefaultSeed = 42
	// DefaultContamination is the expected share of anomalous rows in the
	// training window. The score at the matching quantile becomes the
	// model's anomaly cut.
	DefaultContamination = 0.1
)

// ErrNoTrainingData is returned by Train when the training set is empty.
var ErrNoTrainingData = errors.New("ml: no training data")

// Model bundles a fitted scaler and forest with the feature layout they were
// trained on. A Model is immutable after Train; Score is safe for concurrent
// use. The whole struct round-trips through JSON for persistence.
type Model struct {
	Forest   *Forest  `json:"forest"`
	Scaler   *Scaler  `json:"scaler"`
	Channels []string `json:"channels"`
	Dim      int      `json:"dim"`
	// Cut is the raw forest score at the (1 - contamination) quantile of the
	// training scores. Scores above it classify as anomalous.
	Cut           float64   `json:"cut"`
	Contamination float64   `json:"contamination"`
	TrainedAt     time.Time `json:"trained_at"`
	TrainSamples  int       `json:"train_samples"`
}

// TrainConfig carries the forest hyperparameters.
type TrainConfig struct {
	NumTrees      int
	SubSample     int
	Seed          int64
	Contamination float64
}

// DefaultTrainConfig returns the tuned defaults.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		NumTrees:      DefaultNumTrees,
		SubSample:     DefaultSubSample,
		Seed:          DefaultSeed,
		Contamination: DefaultContamination,
	}
}

// Train fits a scaler and forest over the raw feature rows. channels records
// the layout the rows were extracted with so later scoring can verify shape.
func Train(rows [][]float64, channels []string, cfg TrainConfig) (*Model, error) {
	if len(rows) == 0 {
		return nil, ErrNoTrainingData
	}
	dim := len(rows[0])
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("ml: row %d has %d features, want %d", i, len(row), dim)
		}
	}
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = DefaultNumTrees
	}
	if cfg.SubSample <= 0 {
		cfg.SubSample = DefaultSubSample
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = DefaultContamination
	}

	scaler := FitScaler(rows)
	scaled := scaler.TransformAll(rows)

	forest := NewForest(cfg.NumTrees, cfg.SubSample, cfg.Seed)
	forest.Fit(scaled)

	scores := make([]float64, len(scaled))
	for i, row := range scaled {
		scores[i] = forest.Score(row)
	}
	cut := quantile(scores, 1-cfg.Contamination)

	return &Model{
		Forest:        forest,
		Scaler:        scaler,
		Channels:      append([]string(nil), channels...),
		Dim:           dim,
		Cut:           cut,
		Contamination: cfg.Contamination,
		TrainedAt:     time.Now().UTC(),
		TrainSamples:  len(rows),
	}, nil
}

// Score evaluates one raw feature row and returns a normalized anomaly score
// in [0, 1]. The training cut maps to 0.5 so values above 0.5 are anomalous
// relative to the training window, with the margin scaled up for contrast.
func (m *Model) Score(row []float64) (float64, error) {
	if len(row) != m.Dim {
		return 0, fmt.Errorf("ml: feature dim %d, model expects %d", len(row), m.Dim)
	}
	raw := m.Forest.Score(m.Scaler.Transform(row))
	return normalize(raw, m.Cut), nil
}

// Anomalous reports whether the raw forest score for the row exceeds the
// training cut.
func (m *Model) Anomalous(row []float64) (bool, error) {
	if len(row) != m.Dim {
		return false, fmt.Errorf("ml: feature dim %d, model expects %d", len(row), m.Dim)
	}
	return m.Forest.Score(m.Scaler.Transform(row)) > m.Cut, nil
}

// Marshal serializes the model to JSON for persistence.
func (m *Model) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal restores a model persisted with Marshal.
func Unmarshal(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ml: decode model: %w", err)
	}
	if m.Forest == nil || m.Scaler == nil {
		return nil, errors.New("ml: decoded model is missing forest or scaler")
	}
	return &m, nil
}

// normalize maps a raw isolation score onto [0, 1] with the cut at 0.5.
// The slope sharpens the margin around the cut so borderline training points
// land near the middle and genuine outliers saturate toward 1.
func normalize(raw, cut float64) float64 {
	v := 0.5 + 2*(raw-cut)
	return math.Max(0, math.Min(1, v))
}

// quantile returns the q-th quantile of xs by nearest-rank on a sorted copy.
func quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
