package modelstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/aispark/pdm-engine/internal/ml"
)

// Package modelstore persists trained anomaly models so a restarted scoring
// service resumes with the models it had, instead of waiting for every
// machine to refill its training window. Each save is a new version; loads
// return the latest.

// ErrNotFound is returned when a machine has no persisted model.
var ErrNotFound = errors.New("modelstore: model not found")

// Schema version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS models (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    machine_id  TEXT NOT NULL,
    version     INTEGER NOT NULL,
    payload     TEXT NOT NULL,
    train_samples INTEGER NOT NULL DEFAULT 0,
    trained_at  DATETIME NOT NULL,
    saved_at    DATETIME NOT NULL,
    UNIQUE(machine_id, version)
);
CREATE INDEX IF NOT EXISTS idx_models_machine ON models(machine_id, version DESC);
`,
	},
}

// Store is the persistence interface the engine depends on.
type Store interface {
	// Save persists the model as the machine's next version and returns it.
	Save(ctx context.Context, machineID string, m *ml.Model) (int, error)
	// Load returns the latest model for the machine, or ErrNotFound.
	Load(ctx context.Context, machineID string) (*ml.Model, error)
	// LoadAll returns the latest model per machine.
	LoadAll(ctx context.Context) (map[string]*ml.Model, error)
	// Versions returns how many versions exist for the machine.
	Versions(ctx context.Context, machineID string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

type sqliteStore struct {
	db *sql.DB
}

// Open opens (or creates) the model database at path and runs pending
// migrations. Pass ":memory:" for an in-memory store.
func Open(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Save(ctx context.Context, machineID string, m *ml.Model) (int, error) {
	payload, err := m.Marshal()
	if err != nil {
		return 0, fmt.Errorf("modelstore: encode model: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM models WHERE machine_id = ?`,
		machineID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("modelstore: next version for %s: %w", machineID, err)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO models(machine_id, version, payload, train_samples, trained_at, saved_at)
        VALUES(?,?,?,?,?,?)
    `,
		machineID, version, string(payload), m.TrainSamples, m.TrainedAt, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("modelstore: save %s v%d: %w", machineID, version, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *sqliteStore) Load(ctx context.Context, machineID string) (*ml.Model, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
        SELECT payload FROM models
        WHERE machine_id = ?
        ORDER BY version DESC LIMIT 1
    `, machineID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("modelstore: load %s: %w", machineID, err)
	}
	return ml.Unmarshal([]byte(payload))
}

func (s *sqliteStore) LoadAll(ctx context.Context) (map[string]*ml.Model, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT m.machine_id, m.payload
        FROM models m
        JOIN (
            SELECT machine_id, MAX(version) AS version
            FROM models GROUP BY machine_id
        ) latest ON m.machine_id = latest.machine_id AND m.version = latest.version
    `)
	if err != nil {
		return nil, fmt.Errorf("modelstore: load all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*ml.Model)
	for rows.Next() {
		var machineID, payload string
		if err := rows.Scan(&machineID, &payload); err != nil {
			return nil, err
		}
		model, err := ml.Unmarshal([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("modelstore: decode model for %s: %w", machineID, err)
		}
		out[machineID] = model
	}
	return out, rows.Err()
}

func (s *sqliteStore) Versions(ctx context.Context, machineID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM models WHERE machine_id = ?`, machineID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("modelstore: versions for %s: %w", machineID, err)
	}
	return n, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error { return s.db.Close() }
