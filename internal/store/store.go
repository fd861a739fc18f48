// Package store persists enriched locations in a local SQLite database so
// they survive restarts and can be synced later.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/shaunagostinho/bgloc/internal/config"
	"github.com/shaunagostinho/bgloc/internal/location"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600
	msPerSecond     = 1000

	connectionTimeout = 5 * time.Second

	defaultListLimit = 50
	maxListLimit     = 1000
)

// ErrNotFound is returned when no location matches.
var ErrNotFound = errors.New("store: location not found")

const schema = `
CREATE TABLE IF NOT EXISTS locations (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_id         INTEGER NOT NULL,
	provider            TEXT    NOT NULL DEFAULT '',
	time                INTEGER NOT NULL,
	latitude            REAL    NOT NULL,
	longitude           REAL    NOT NULL,
	altitude            REAL    NOT NULL DEFAULT 0,
	accuracy            REAL    NOT NULL DEFAULT 0,
	speed               REAL    NOT NULL DEFAULT 0,
	bearing             REAL    NOT NULL DEFAULT 0,
	battery_level       INTEGER,
	signal_strength     INTEGER,
	device_id           TEXT    NOT NULL DEFAULT '',
	device_manufacturer TEXT    NOT NULL DEFAULT '',
	device_model        TEXT    NOT NULL DEFAULT '',
	stationary          INTEGER NOT NULL DEFAULT 0,
	radius              REAL,
	synced              INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_locations_synced ON locations(synced, id);
`

const selectColumns = `id, provider_id, provider, time, latitude, longitude, altitude,
	accuracy, speed, bearing, battery_level, signal_strength, device_id,
	device_manufacturer, device_model, stationary, radius`

// Record is a stored location with its row id.
type Record struct {
	ID int64 `json:"id"`
	*location.Location
}

// Store is a SQLite-backed location repository.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database directory and file if needed, applies the
// schema and verifies the connection.
func Open(cfg config.StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.Path, cfg.BusyTimeout*msPerSecond)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // file may not exist for :memory:

	return &Store{db: db, path: cfg.Path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Insert stores loc and returns its row id.
func (s *Store) Insert(ctx context.Context, loc *location.Location) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (provider_id, provider, time, latitude, longitude, altitude,
			accuracy, speed, bearing, battery_level, signal_strength, device_id,
			device_manufacturer, device_model, stationary, radius)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int(loc.ProviderID),
		loc.Provider,
		loc.Time.UnixMilli(),
		loc.Latitude,
		loc.Longitude,
		loc.Altitude,
		loc.Accuracy,
		loc.Speed,
		loc.Bearing,
		nullInt(loc.BatteryLevel),
		nullInt(loc.SignalStrength),
		loc.DeviceID,
		loc.DeviceManufacturer,
		loc.DeviceModel,
		loc.IsStationary(),
		nullFloat(loc.StationaryRadius),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting location: %w", err)
	}
	return res.LastInsertId()
}

// List returns the most recent locations, newest first. limit defaults to
// 50 and is capped at 1000.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM locations ORDER BY id DESC LIMIT ?`,
		clampLimit(limit))
}

// Last returns the most recent location.
func (s *Store) Last(ctx context.Context) (Record, error) {
	recs, err := s.List(ctx, 1)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

// Unsynced returns locations not yet marked synced, oldest first.
func (s *Store) Unsynced(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM locations WHERE synced = 0 ORDER BY id ASC LIMIT ?`,
		clampLimit(limit))
}

// MarkSynced flags the given rows as delivered upstream.
func (s *Store) MarkSynced(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.ExecContext(ctx,
		`UPDATE locations SET synced = 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("marking synced: %w", err)
	}
	return nil
}

// Count returns the number of stored locations.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting locations: %w", err)
	}
	return n, nil
}

// PruneSynced deletes synced rows older than before.
func (s *Store) PruneSynced(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locations WHERE synced = 1 AND time < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning locations: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck verifies the database answers.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying locations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating locations: %w", err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		id         int64
		providerID int
		ts         int64
		battery    sql.NullInt64
		signal     sql.NullInt64
		stationary bool
		radius     sql.NullFloat64
		loc        location.Location
	)
	err := rows.Scan(&id, &providerID, &loc.Provider, &ts, &loc.Latitude, &loc.Longitude,
		&loc.Altitude, &loc.Accuracy, &loc.Speed, &loc.Bearing, &battery, &signal,
		&loc.DeviceID, &loc.DeviceManufacturer, &loc.DeviceModel, &stationary, &radius)
	if err != nil {
		return Record{}, fmt.Errorf("scanning location: %w", err)
	}

	loc.ProviderID = location.ProviderID(providerID)
	loc.Time = time.UnixMilli(ts).UTC()
	loc.Stationary = stationary
	if battery.Valid {
		v := int(battery.Int64)
		loc.BatteryLevel = &v
	}
	if signal.Valid {
		v := int(signal.Int64)
		loc.SignalStrength = &v
	}
	if radius.Valid {
		v := radius.Float64
		loc.StationaryRadius = &v
	}
	return Record{ID: id, Location: &loc}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
