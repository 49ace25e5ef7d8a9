package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aispark/pdm-engine/internal/baseline"
	"github.com/aispark/pdm-engine/internal/features"
	"github.com/aispark/pdm-engine/internal/history"
	"github.com/aispark/pdm-engine/internal/metrics"
	"github.com/aispark/pdm-engine/internal/ml"
	"github.com/aispark/pdm-engine/internal/modelstore"
	"github.com/aispark/pdm-engine/internal/rules"
	"github.com/aispark/pdm-engine/internal/telemetry"
)

// Package engine drives the full scoring pipeline per machine: buffer the
// reading, update baselines, train opportunistically, then produce the
// ensemble verdict. All mutations of a machine's state are serialized; the
// active model swaps atomically so readers never observe a torn pair.

// Error taxonomy for the training and model paths. Every ingest/predict
// caller still receives a valid verdict; these surface only through
// TrainingResult and logs.
var (
	ErrInsufficientData     = errors.New("insufficient_data")
	ErrInsufficientFeatures = errors.New("insufficient_features")
	ErrTrainingFailed       = errors.New("training_error")
	ErrMLUnavailable        = errors.New("ml_unavailable")
)

// Config holds the pipeline tuning knobs.
type Config struct {
	// HistorySize bounds the per-machine ring buffer.
	HistorySize int
	// TrainingSize is the buffer length that arms auto-training.
	TrainingSize int
	// PredictWindow is how many recent readings feed the model path.
	PredictWindow int
	// MinValidVectors is the minimum feature vectors a training pass needs.
	MinValidVectors int
	// FeatureClamp bounds feature magnitudes before fitting.
	FeatureClamp float64
	// CriticalScore is the verdict score at or above which raised alerts are
	// critical rather than warnings.
	CriticalScore float64
	// EnableML gates the model path entirely. When false every verdict is
	// rule-based with method ml_unavailable.
	EnableML bool
	// Source tags alerts raised by this engine, e.g. "cloud" or "edge".
	Source string

	Rules rules.Config
	Train ml.TrainConfig
}

// DefaultConfig returns the tuned pipeline defaults.
func DefaultConfig() Config {
	return Config{
		HistorySize:     100,
		TrainingSize:    30,
		PredictWindow:   5,
		MinValidVectors: 5,
		FeatureClamp:    1e6,
		CriticalScore:   0.9,
		EnableML:        true,
		Source:          "cloud",
		Rules:           rules.DefaultConfig(),
		Train:           ml.DefaultTrainConfig(),
	}
}

// TrainingResult reports the outcome of one training pass.
type TrainingResult struct {
	MachineID string        `json:"machine_id"`
	Trained   bool          `json:"trained"`
	Samples   int           `json:"samples"`
	Vectors   int           `json:"vectors"`
	Version   int           `json:"version,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
}

// Status is the per-machine health snapshot.
type Status struct {
	MachineID     string                           `json:"machine_id"`
	TotalReadings int                              `json:"total_readings"`
	ModelTrained  bool                             `json:"model_trained"`
	BaselineStats map[string]baseline.ChannelStats `json:"baseline_stats"`
	MLAvailable   bool                             `json:"ml_available"`
}

// AlertSink receives alerts raised when a verdict crosses the threshold.
// Called synchronously on the ingest path; implementations must be fast.
type AlertSink func(telemetry.Alert, telemetry.Verdict)

// machineState serializes training decisions for one machine. The model
// pointer is read lock-free on the predict path.
type machineState struct {
	mu                   sync.Mutex
	model                atomic.Pointer[ml.Model]
	lastTrainAttemptSize int
}

// Engine is the per-machine scoring pipeline. Safe for concurrent use;
// readings for different machines proceed independently.
type Engine struct {
	cfg    Config
	log    *zap.Logger
	mtr    *metrics.Metrics
	hist   *history.Store
	base   *baseline.Tracker
	scorer *rules.Scorer
	store  modelstore.Store // optional
	sink   AlertSink        // optional

	mu       sync.RWMutex
	machines map[string]*machineState
}

// New creates an engine. store may be nil (no persistence); log may be nil.
func New(cfg Config, log *zap.Logger, mtr *metrics.Metrics, store modelstore.Store) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		log:      log,
		mtr:      mtr,
		hist:     history.NewStore(cfg.HistorySize),
		base:     baseline.NewTracker(),
		scorer:   rules.NewScorer(cfg.Rules),
		store:    store,
		machines: make(map[string]*machineState),
	}
}

// SetAlertSink registers the alert receiver. Call before serving traffic.
func (e *Engine) SetAlertSink(sink AlertSink) { e.sink = sink }

// Restore loads every persisted model into memory. Called once at startup so
// a restarted service scores with the models it had.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	models, err := e.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("restore models: %w", err)
	}
	for machineID, m := range models {
		e.state(machineID).model.Store(m)
	}
	if len(models) > 0 {
		e.log.Info("restored persisted models", zap.Int("count", len(models)))
	}
	return nil
}

// Ingest runs the full pipeline for one reading and returns its verdict.
// Never returns an error: every failure inside the model path degrades to a
// rule-based verdict.
func (e *Engine) Ingest(ctx context.Context, r telemetry.Reading) telemetry.Verdict {
	st := e.state(r.MachineID)

	st.mu.Lock()
	n := e.hist.Append(r)
	e.base.Observe(r)

	// Auto-train: once per buffer-size increment, only while untrained.
	if e.cfg.EnableML && st.model.Load() == nil &&
		n >= e.cfg.TrainingSize && n != st.lastTrainAttemptSize {
		st.lastTrainAttemptSize = n
		snapshot := e.hist.Snapshot(r.MachineID)
		res := e.trainLocked(ctx, st, r.MachineID, snapshot, false)
		if res.Error != "" {
			e.log.Warn("auto-train failed",
				zap.String("machine_id", r.MachineID),
				zap.Int("buffer_len", n),
				zap.String("error", res.Error))
		} else {
			e.log.Info("auto-trained model",
				zap.String("machine_id", r.MachineID),
				zap.Int("samples", res.Samples),
				zap.Int("vectors", res.Vectors))
		}
	}
	window := e.hist.Last(r.MachineID, e.cfg.PredictWindow)
	st.mu.Unlock()

	verdict := e.predict(st, r.MachineID, window)
	e.observeVerdict(verdict)

	if verdict.AnomalyDetected && e.sink != nil {
		e.sink(e.alertFor(verdict), verdict)
	}
	return verdict
}

// Train runs an explicit training pass over the supplied readings, replacing
// any existing model on success. Baseline stats are rebuilt from the full
// reading set.
func (e *Engine) Train(ctx context.Context, machineID string, readings []telemetry.Reading) TrainingResult {
	st := e.state(machineID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.trainLocked(ctx, st, machineID, readings, true)
}

// Predict scores a window of readings against the machine's current model
// and rules without touching the buffer or baselines.
func (e *Engine) Predict(machineID string, readings []telemetry.Reading) telemetry.Verdict {
	return e.predict(e.state(machineID), machineID, readings)
}

// Status reports the machine's pipeline state.
func (e *Engine) Status(machineID string) Status {
	st := e.state(machineID)
	return Status{
		MachineID:     machineID,
		TotalReadings: e.hist.Len(machineID),
		ModelTrained:  st.model.Load() != nil,
		BaselineStats: e.base.Stats(machineID),
		MLAvailable:   e.cfg.EnableML,
	}
}

// Machines lists every machine the engine has seen.
func (e *Engine) Machines() []string { return e.hist.Machines() }

// History returns a copy of the machine's buffered readings, oldest first.
func (e *Engine) History(machineID string) []telemetry.Reading {
	return e.hist.Snapshot(machineID)
}

// Reset drops all state for a machine: history, baselines, and the in-memory
// model. Persisted model versions are kept.
func (e *Engine) Reset(machineID string) {
	st := e.state(machineID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e.hist.Reset(machineID)
	e.base.Reset(machineID)
	st.model.Store(nil)
	st.lastTrainAttemptSize = 0
}

func (e *Engine) state(machineID string) *machineState {
	e.mu.RLock()
	st, ok := e.machines[machineID]
	e.mu.RUnlock()
	if ok {
		return st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.machines[machineID]; ok {
		return st
	}
	st = &machineState{}
	e.machines[machineID] = st
	return st
}

// trainLocked performs the training pass. Caller holds st.mu. A failure
// leaves any existing model untouched.
func (e *Engine) trainLocked(ctx context.Context, st *machineState, machineID string, readings []telemetry.Reading, rebuildBaseline bool) TrainingResult {
	start := time.Now()
	res := TrainingResult{MachineID: machineID, Samples: len(readings)}
	fail := func(err error) TrainingResult {
		res.Error = err.Error()
		res.Duration = time.Since(start)
		if e.mtr != nil {
			e.mtr.TrainingsTotal.WithLabelValues("failed").Inc()
		}
		return res
	}

	if !e.cfg.EnableML {
		return fail(ErrMLUnavailable)
	}
	if len(readings) < e.cfg.TrainingSize {
		return fail(fmt.Errorf("%w: %d readings, need %d", ErrInsufficientData, len(readings), e.cfg.TrainingSize))
	}

	rows, layout, vectors := e.featureMatrix(readings)
	res.Vectors = vectors
	if vectors < e.cfg.MinValidVectors {
		return fail(fmt.Errorf("%w: %d valid vectors, need %d", ErrInsufficientFeatures, vectors, e.cfg.MinValidVectors))
	}

	model, err := ml.Train(rows, layout, e.cfg.Train)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrTrainingFailed, err))
	}

	st.model.Store(model)
	if rebuildBaseline {
		e.base.Reset(machineID)
		e.base.ObserveAll(readings)
	}

	if e.store != nil {
		version, err := e.store.Save(ctx, machineID, model)
		if err != nil {
			// The in-memory model still serves; persistence catches up on
			// the next training pass.
			e.log.Warn("persist model failed",
				zap.String("machine_id", machineID), zap.Error(err))
		} else {
			res.Version = version
		}
	}

	res.Trained = true
	res.Duration = time.Since(start)
	if e.mtr != nil {
		e.mtr.TrainingsTotal.WithLabelValues("trained").Inc()
	}
	return res
}

// featureMatrix slides overlapping windows over the readings and extracts a
// feature row per window. Rows whose layout differs from the first valid one
// are discarded so the matrix stays rectangular.
func (e *Engine) featureMatrix(readings []telemetry.Reading) ([][]float64, []string, int) {
	w := len(readings) / 5
	if w > 5 {
		w = 5
	}
	if w < features.MinWindow {
		w = features.MinWindow
	}

	var rows [][]float64
	var layout features.Vector
	for i := 0; i+w <= len(readings); i++ {
		vec, err := features.Extract(readings[i : i+w])
		if err != nil {
			continue
		}
		if len(rows) == 0 {
			layout = vec
		} else if !vec.SameLayout(layout) {
			continue
		}
		rows = append(rows, e.clamp(vec.Values))
	}
	return rows, layout.Channels, len(rows)
}

// clamp bounds feature magnitudes so a single wild sensor cannot distort the
// scaler fit.
func (e *Engine) clamp(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		switch {
		case math.IsNaN(v):
			out[i] = 0
		case v > e.cfg.FeatureClamp:
			out[i] = e.cfg.FeatureClamp
		case v < -e.cfg.FeatureClamp:
			out[i] = -e.cfg.FeatureClamp
		default:
			out[i] = v
		}
	}
	return out
}

// predict builds the ensemble verdict. The rule scorer always runs on the
// newest reading; the model contributes only when trained, and any failure
// on the model path falls back to the rule result in full.
func (e *Engine) predict(st *machineState, machineID string, window []telemetry.Reading) telemetry.Verdict {
	var newest telemetry.Reading
	newest.MachineID = machineID
	if len(window) > 0 {
		newest = window[len(window)-1]
	}

	stats := e.base.Stats(machineID)
	ruleRes := e.scorer.Score(newest, stats)

	v := telemetry.Verdict{
		MachineID:    machineID,
		AnomalyScore: ruleRes.Score,
		Confidence:   0.8,
		Alerts:       ruleRes.Alerts,
		Method:       telemetry.MethodRuleBased,
		Timestamp:    time.Now().UTC(),
	}

	if !e.cfg.EnableML {
		v.Method = telemetry.MethodMLUnavailable
		v.AnomalyDetected = ruleRes.Anomalous(e.cfg.Rules.AnomalyThreshold)
		return v
	}

	model := st.model.Load()
	if model == nil {
		v.AnomalyDetected = ruleRes.Anomalous(e.cfg.Rules.AnomalyThreshold)
		return v
	}

	mlScore, err := e.modelScore(model, window)
	if err != nil {
		e.log.Debug("model path fell back to rules",
			zap.String("machine_id", machineID), zap.Error(err))
		v.Method = telemetry.MethodErrorFallback
		v.AnomalyDetected = ruleRes.Anomalous(e.cfg.Rules.AnomalyThreshold)
		return v
	}

	// A rule-triggered critical condition is never masked by a calm model.
	final := math.Max(mlScore, ruleRes.Score)
	v.AnomalyScore = final
	v.AnomalyDetected = final > e.cfg.Rules.AnomalyThreshold
	v.Confidence = math.Min(1.0, float64(len(window))/10.0)
	v.Method = telemetry.MethodMLWithRules
	return v
}

func (e *Engine) modelScore(model *ml.Model, window []telemetry.Reading) (float64, error) {
	vec, err := features.Extract(window)
	if err != nil {
		return 0, err
	}
	return model.Score(e.clamp(vec.Values))
}

func (e *Engine) alertFor(v telemetry.Verdict) telemetry.Alert {
	severity := telemetry.SeverityWarning
	if v.AnomalyScore >= e.cfg.CriticalScore {
		severity = telemetry.SeverityCritical
	}
	message := fmt.Sprintf("anomaly score %.2f", v.AnomalyScore)
	if len(v.Alerts) > 0 {
		message = v.Alerts[0]
	}
	if e.mtr != nil {
		e.mtr.AlertsTotal.WithLabelValues(string(severity)).Inc()
	}
	return telemetry.NewAlert(v.MachineID, "anomaly", severity, message, e.cfg.Source)
}

func (e *Engine) observeVerdict(v telemetry.Verdict) {
	if e.mtr == nil {
		return
	}
	e.mtr.IngestTotal.WithLabelValues(string(v.Method)).Inc()
	e.mtr.AnomalyScore.Observe(v.AnomalyScore)
}
