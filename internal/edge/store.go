package edge

import (
	"fmt"
	"math"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aispark/pdm-engine/internal/telemetry"
)

// Package edge implements the factory-site gateway: durable local capture of
// readings and alerts, reduced local scoring that works offline, and the
// background sync loop that reconciles with the cloud.

// ReadingRow is one sensor channel sample as persisted locally. Readings are
// flattened to one row per channel so partial sensor sets store cleanly.
// Rows are append-only; sync flips Synced but never deletes.
type ReadingRow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	MachineID string    `gorm:"index;size:128" json:"machine_id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Channel   string    `gorm:"index;size:64" json:"sensor_type"`
	Value     float64   `json:"value"`
	Synced    bool      `gorm:"index" json:"-"`
}

// AlertRow is a locally raised alert awaiting upload.
type AlertRow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AlertID   string    `gorm:"size:64" json:"alert_id"`
	MachineID string    `gorm:"index;size:128" json:"machine_id"`
	AlertType string    `gorm:"size:64" json:"alert_type"`
	Severity  string    `gorm:"size:16" json:"severity"`
	Message   string    `gorm:"type:text" json:"message"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Synced    bool      `gorm:"index" json:"-"`
}

// ChannelStats is the trailing-window aggregate the local detector scores
// against.
type ChannelStats struct {
	Mean  float64
	Std   float64
	Count int
}

// Store is the edge-local durable cache. Safe for concurrent use; gorm
// serializes access to the single SQLite file.
type Store struct {
	db *gorm.DB
}

// OpenStore opens (or creates) the local cache database at path.
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open edge cache %q: %w", path, err)
	}
	if err := db.AutoMigrate(&ReadingRow{}, &AlertRow{}); err != nil {
		return nil, fmt.Errorf("migrate edge cache: %w", err)
	}
	return &Store{db: db}, nil
}

// AppendReading persists every channel of the reading in one transaction.
// Called before any scoring or network attempt (write-ahead).
func (s *Store) AppendReading(r telemetry.Reading) error {
	if len(r.SensorData) == 0 {
		return nil
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rows := make([]ReadingRow, 0, len(r.SensorData))
	for ch := range r.SensorData {
		rows = append(rows, ReadingRow{
			MachineID: r.MachineID,
			Timestamp: ts,
			Channel:   ch,
			Value:     r.ValueOrZero(ch),
		})
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

// AppendAlert persists a locally raised alert.
func (s *Store) AppendAlert(a telemetry.Alert) error {
	row := AlertRow{
		AlertID:   a.ID,
		MachineID: a.MachineID,
		AlertType: a.AlertType,
		Severity:  string(a.Severity),
		Message:   a.Message,
		Timestamp: a.Timestamp,
	}
	return s.db.Create(&row).Error
}

// UnsyncedReadings returns up to limit unsynced rows, oldest first.
func (s *Store) UnsyncedReadings(limit int) ([]ReadingRow, error) {
	var rows []ReadingRow
	err := s.db.Where("synced = ?", false).Order("id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

// UnsyncedAlerts returns up to limit unsynced alerts, oldest first.
func (s *Store) UnsyncedAlerts(limit int) ([]AlertRow, error) {
	var rows []AlertRow
	err := s.db.Where("synced = ?", false).Order("id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

// MarkReadingsSynced flips exactly the given rows to synced in one
// transaction. A partial batch failure marks nothing.
func (s *Store) MarkReadingsSynced(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&ReadingRow{}).Where("id IN ?", ids).Update("synced", true).Error
	})
}

// MarkAlertsSynced flips exactly the given alert rows to synced.
func (s *Store) MarkAlertsSynced(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&AlertRow{}).Where("id IN ?", ids).Update("synced", true).Error
	})
}

// PendingCounts reports unsynced reading and alert rows.
func (s *Store) PendingCounts() (readings int64, alerts int64, err error) {
	if err = s.db.Model(&ReadingRow{}).Where("synced = ?", false).Count(&readings).Error; err != nil {
		return 0, 0, err
	}
	if err = s.db.Model(&AlertRow{}).Where("synced = ?", false).Count(&alerts).Error; err != nil {
		return 0, 0, err
	}
	return readings, alerts, nil
}

// TrailingStats aggregates per-channel mean/std/count for a machine over
// rows newer than since. Feeds the local z-score detector.
func (s *Store) TrailingStats(machineID string, since time.Time) (map[string]ChannelStats, error) {
	var rows []ReadingRow
	err := s.db.Where("machine_id = ? AND timestamp > ?", machineID, since).
		Select("channel", "value").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	type agg struct {
		n          int
		sum, sumSq float64
	}
	sums := make(map[string]*agg)
	for _, row := range rows {
		a, ok := sums[row.Channel]
		if !ok {
			a = &agg{}
			sums[row.Channel] = a
		}
		a.n++
		a.sum += row.Value
		a.sumSq += row.Value * row.Value
	}

	out := make(map[string]ChannelStats, len(sums))
	for ch, a := range sums {
		mean := a.sum / float64(a.n)
		variance := a.sumSq/float64(a.n) - mean*mean
		if variance < 0 {
			variance = 0
		}
		out[ch] = ChannelStats{Mean: mean, Std: math.Sqrt(variance), Count: a.n}
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
