package edge

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

// Gateway ties the edge pipeline together: durable capture first, then local
// scoring, then alert capture. Sync runs separately and never blocks this
// path.
type Gateway struct {
	store    *Store
	detector *Detector
	log      *zap.Logger
}

// NewGateway creates the gateway. log may be nil.
func NewGateway(store *Store, detector *Detector, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{store: store, detector: detector, log: log}
}

// Process captures the reading durably, scores it locally, and records any
// resulting alert. Returns the verdict. The reading is persisted before
// scoring so a crash mid-score loses nothing.
func (g *Gateway) Process(r telemetry.Reading) (telemetry.Verdict, error) {
	if err := g.store.AppendReading(r); err != nil {
		return telemetry.Verdict{}, fmt.Errorf("edge: persist reading: %w", err)
	}

	verdict := g.detector.Score(r)

	if severity, ok := g.detector.ShouldAlert(verdict); ok {
		message := fmt.Sprintf("Anomaly detected with %.0f%% confidence", verdict.Confidence*100)
		if len(verdict.Alerts) > 0 {
			message = verdict.Alerts[0]
		}
		alert := telemetry.NewAlert(r.MachineID, "anomaly_detected", severity, message, "edge")
		if err := g.store.AppendAlert(alert); err != nil {
			// The verdict still stands; the alert will be missing from the
			// cloud until re-raised.
			g.log.Error("persist local alert failed",
				zap.String("machine_id", r.MachineID), zap.Error(err))
		} else {
			g.log.Warn("local alert raised",
				zap.String("machine_id", r.MachineID),
				zap.String("severity", string(severity)),
				zap.String("message", message))
		}
	}

	return verdict, nil
}
