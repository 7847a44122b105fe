// Package persistence provides SQLite-based storage for simulation runs,
// their events, and compressed snapshots.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/galactic-sim/internal/engine"
	"github.com/talgya/galactic-sim/internal/simulation"
)

// ErrNoSnapshot is returned when a run has never been snapshotted.
var ErrNoSnapshot = errors.New("no snapshot stored")

// DefaultKeepSnapshots is how many snapshots per run survive pruning.
const DefaultKeepSnapshots = 20

// DB wraps a SQLite connection for run persistence.
type DB struct {
	conn *sqlx.DB

	// KeepSnapshots bounds stored snapshots per run; 0 keeps everything.
	KeepSnapshots int
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn, KeepSnapshots: DefaultKeepSnapshots}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		seed INTEGER NOT NULL,
		config_json TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		kind TEXT NOT NULL,
		sector TEXT NOT NULL,
		description TEXT NOT NULL,
		magnitude REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tick INTEGER NOT NULL,
		digest TEXT NOT NULL,
		blob BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS world_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_run ON snapshots(run_id, id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

type runRow struct {
	ID         string    `db:"id"`
	Provider   string    `db:"provider"`
	Seed       int64     `db:"seed"`
	ConfigJSON string    `db:"config_json"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
}

// SaveRun inserts or updates a run record.
func (db *DB) SaveRun(rec engine.RunRecord) error {
	cfgJSON, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = db.conn.Exec(`INSERT INTO runs (id, provider, seed, config_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seed = excluded.seed,
			config_json = excluded.config_json,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Provider, rec.Seed, string(cfgJSON), string(rec.Status),
		rec.CreatedAt.UTC(), time.Now().UTC(),
	)
	return err
}

// LoadRuns returns every stored run, oldest first.
func (db *DB) LoadRuns() ([]engine.RunRecord, error) {
	var rows []runRow
	err := db.conn.Select(&rows,
		"SELECT id, provider, seed, config_json, status, created_at FROM runs ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}

	recs := make([]engine.RunRecord, 0, len(rows))
	for _, row := range rows {
		var cfg simulation.Config
		if err := json.Unmarshal([]byte(row.ConfigJSON), &cfg); err != nil {
			return nil, fmt.Errorf("run %s config: %w", row.ID, err)
		}
		recs = append(recs, engine.RunRecord{
			ID:        row.ID,
			Provider:  row.Provider,
			Seed:      row.Seed,
			Config:    cfg,
			Status:    engine.Status(row.Status),
			CreatedAt: row.CreatedAt,
		})
	}
	return recs, nil
}

// SaveEvents appends events for a run.
func (db *DB) SaveEvents(runID string, events []simulation.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT INTO events (run_id, tick, kind, sector, description, magnitude)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.Exec(runID, e.Tick, e.Kind, e.Sector, e.Description, e.Magnitude); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecentEvents returns a run's most recent events, oldest first.
func (db *DB) RecentEvents(runID string, limit int) ([]simulation.Event, error) {
	var events []simulation.Event
	err := db.conn.Select(&events,
		`SELECT tick, kind, sector, description, magnitude FROM (
			SELECT id, tick, kind, sector, description, magnitude FROM events
			WHERE run_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`,
		runID, limit,
	)
	return events, err
}

// TruncateEvents deletes a run's events newer than tick, e.g. history a
// restored snapshot never reached.
func (db *DB) TruncateEvents(runID string, tick uint64) error {
	res, err := db.conn.Exec("DELETE FROM events WHERE run_id = ? AND tick > ?", runID, tick)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("dropped events past restored tick", "run", runID, "tick", tick, "count", n)
	}
	return nil
}

// SaveSnapshot stores a zstd-compressed snapshot for a run.
func (db *DB) SaveSnapshot(runID string, snap simulation.Snapshot) error {
	blob, err := simulation.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec(
		"INSERT INTO snapshots (run_id, tick, digest, blob, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, snap.Tick, snap.Digest, blob, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	slog.Debug("snapshot saved", "run", runID, "tick", snap.Tick,
		"raw", humanize.Bytes(uint64(len(snap.State))), "stored", humanize.Bytes(uint64(len(blob))))

	if db.KeepSnapshots > 0 {
		if _, err := db.PruneSnapshots(runID, db.KeepSnapshots); err != nil {
			return fmt.Errorf("prune snapshots: %w", err)
		}
	}
	return nil
}

// LatestSnapshot loads the most recent snapshot of a run.
func (db *DB) LatestSnapshot(runID string) (simulation.Snapshot, error) {
	var blob []byte
	err := db.conn.Get(&blob,
		"SELECT blob FROM snapshots WHERE run_id = ? ORDER BY id DESC LIMIT 1", runID)
	if errors.Is(err, sql.ErrNoRows) {
		return simulation.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return simulation.Snapshot{}, err
	}
	return simulation.DecodeSnapshot(blob)
}

// PruneSnapshots keeps only the newest keep snapshots of a run.
func (db *DB) PruneSnapshots(runID string, keep int) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM snapshots WHERE run_id = ? AND id NOT IN (
		SELECT id FROM snapshots WHERE run_id = ? ORDER BY id DESC LIMIT ?)`,
		runID, runID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveMeta stores a key-value pair in metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM world_meta WHERE key = ?", key)
	return value, err
}

// RestoreRuns adopts every stored run that has a snapshot into m.
// Runs without a snapshot are skipped. Events past a run's snapshot tick are
// dropped by the manager as it adopts. Returns how many were restored.
func (db *DB) RestoreRuns(ctx context.Context, m *engine.Manager) (int, error) {
	recs, err := db.LoadRuns()
	if err != nil {
		return 0, fmt.Errorf("load runs: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		snap, err := db.LatestSnapshot(rec.ID)
		if errors.Is(err, ErrNoSnapshot) {
			slog.Warn("run has no snapshot, skipping", "run", rec.ID)
			continue
		}
		if err != nil {
			slog.Error("load snapshot failed", "run", rec.ID, "error", err)
			continue
		}
		if _, err := m.Adopt(ctx, rec, snap); err != nil {
			slog.Error("restore run failed", "run", rec.ID, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}
