package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

// writeJSON serializes v with a status code. Encoding failures are logged,
// not surfaced; headers are already gone by then.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady handles readiness check requests.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.IsRunning() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleIngest scores a single reading and returns the verdict. The reading
// always gets a verdict; malformed sensor values are coerced, not rejected.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var reading telemetry.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid reading payload: "+err.Error())
		return
	}
	if reading.MachineID == "" {
		s.writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	}
	if reading.Source == "" {
		reading.Source = "cloud"
	}

	verdict := s.engine.Ingest(r.Context(), reading)
	s.writeJSON(w, http.StatusOK, verdict)
}

type trainRequest struct {
	MachineID string              `json:"machine_id"`
	Readings  []telemetry.Reading `json:"readings"`
}

// handleTrain runs an explicit training pass. When the request carries no
// readings the machine's buffered history is used. The result reports
// failure in its error field rather than via HTTP status; an invalid
// request body is still a 400.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid train payload: "+err.Error())
		return
	}
	if req.MachineID == "" {
		s.writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}

	readings := req.Readings
	if len(readings) == 0 {
		readings = s.engine.History(req.MachineID)
	}

	result := s.engine.Train(r.Context(), req.MachineID, readings)
	s.writeJSON(w, http.StatusOK, result)
}

type predictRequest struct {
	MachineID string              `json:"machine_id"`
	Readings  []telemetry.Reading `json:"readings"`
}

// handlePredict scores a caller-supplied window without mutating any state.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid predict payload: "+err.Error())
		return
	}
	if req.MachineID == "" {
		s.writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}

	verdict := s.engine.Predict(req.MachineID, req.Readings)
	s.writeJSON(w, http.StatusOK, verdict)
}

// handleStatus reports pipeline state for one machine:
// GET /api/v1/status/{machine_id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	machineID := strings.TrimPrefix(r.URL.Path, "/api/v1/status/")
	if machineID == "" || strings.Contains(machineID, "/") {
		s.writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}

	s.writeJSON(w, http.StatusOK, s.engine.Status(machineID))
}

// handleMachines lists every machine the engine has seen.
func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	machines := s.engine.Machines()
	sort.Strings(machines)
	s.writeJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

// syncReadingRow matches the flattened row format the edge uploads.
type syncReadingRow struct {
	MachineID string    `json:"machine_id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"sensor_type"`
	Value     float64   `json:"value"`
}

type syncReadingsRequest struct {
	Readings []syncReadingRow `json:"readings"`
}

// handleSyncReadings accepts a batch of edge-captured rows, regroups them
// into readings, and runs each through the pipeline tagged as edge-sourced.
// Only a full-batch success returns 200; the edge relies on that to mark
// rows synced.
func (s *Server) handleSyncReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req syncReadingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid sync payload: "+err.Error())
		return
	}

	readings := regroupRows(req.Readings)
	for _, reading := range readings {
		s.engine.Ingest(r.Context(), reading)
	}

	s.log.Info("accepted edge readings",
		zap.Int("rows", len(req.Readings)), zap.Int("readings", len(readings)))
	s.writeJSON(w, http.StatusOK, map[string]int{
		"accepted_rows":     len(req.Readings),
		"accepted_readings": len(readings),
	})
}

// regroupRows reassembles flattened channel rows into whole readings by
// machine and timestamp, preserving upload order of first appearance.
func regroupRows(rows []syncReadingRow) []telemetry.Reading {
	type key struct {
		machineID string
		ts        time.Time
	}
	grouped := make(map[key]*telemetry.Reading)
	var order []key
	for _, row := range rows {
		k := key{row.MachineID, row.Timestamp}
		reading, ok := grouped[k]
		if !ok {
			reading = &telemetry.Reading{
				MachineID:  row.MachineID,
				Timestamp:  row.Timestamp,
				SensorData: make(map[string]float64),
				Source:     "edge",
			}
			grouped[k] = reading
			order = append(order, k)
		}
		reading.SensorData[row.Channel] = telemetry.SafeFloat(row.Value)
	}

	out := make([]telemetry.Reading, 0, len(order))
	for _, k := range order {
		out = append(out, *grouped[k])
	}
	return out
}

type syncAlertRow struct {
	AlertID   string    `json:"alert_id"`
	MachineID string    `json:"machine_id"`
	AlertType string    `json:"alert_type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type syncAlertsRequest struct {
	Alerts []syncAlertRow `json:"alerts"`
}

// handleSyncAlerts accepts edge-raised alerts and fans them out to the
// alert stream.
func (s *Server) handleSyncAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req syncAlertsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid sync payload: "+err.Error())
		return
	}

	for _, row := range req.Alerts {
		alert := telemetry.Alert{
			ID:        row.AlertID,
			MachineID: row.MachineID,
			AlertType: row.AlertType,
			Severity:  telemetry.Severity(row.Severity),
			Message:   row.Message,
			Timestamp: row.Timestamp,
			Source:    "edge",
		}
		s.hub.BroadcastAlert(alert, telemetry.Verdict{})
		s.log.Warn("edge alert received",
			zap.String("machine_id", alert.MachineID),
			zap.String("severity", string(alert.Severity)),
			zap.String("message", alert.Message))
	}

	s.writeJSON(w, http.StatusOK, map[string]int{"accepted": len(req.Alerts)})
}
