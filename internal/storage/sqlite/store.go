// Package sqlite persists tracking runs, per-tick track states and placed
// objects in a SQLite database.
//
// All SQL for the tracking domain lives here so the pipeline and its
// filters stay free of storage concerns.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/groundtrack/internal/objects"
	"github.com/banshee-data/groundtrack/internal/perception"
	"github.com/banshee-data/groundtrack/internal/tracks"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pragmas are set through the DSN so every pooled connection gets them.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("run not found")

// TrackStore records tracking runs.
type TrackStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Call MigrateUp
// before first use.
func Open(path string) (*TrackStore, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return &TrackStore{db: db}, nil
}

// DB exposes the underlying handle.
func (s *TrackStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *TrackStore) Close() error { return s.db.Close() }

// MigrateUp applies every embedded migration not yet applied.
func (s *TrackStore) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version, 0 when none.
func (s *TrackStore) MigrationVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (s *TrackStore) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// retryOnBusy retries fn while SQLite reports the database locked.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Run is one recorded pipeline session.
type Run struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	Method     string          `json:"method"`
	ParamsJSON json.RawMessage `json:"params_json,omitempty"`
}

// RunParams describes a run being started. Params is marshalled to JSON
// and stored verbatim.
type RunParams struct {
	Method    string
	StartedAt time.Time
	Params    any
}

// StartRun inserts a run and returns its generated id.
func (s *TrackStore) StartRun(p RunParams) (string, error) {
	params := []byte("{}")
	if p.Params != nil {
		b, err := json.Marshal(p.Params)
		if err != nil {
			return "", fmt.Errorf("marshal run params: %w", err)
		}
		params = b
	}
	started := p.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	id := uuid.New().String()
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`INSERT INTO runs (run_id, started_at, method, params_json) VALUES (?, ?, ?, ?)`,
			id, started.UnixNano(), p.Method, string(params))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// GetRun returns run id.
func (s *TrackStore) GetRun(id string) (*Run, error) {
	var r Run
	var started int64
	var params string
	err := s.db.QueryRow(`SELECT run_id, started_at, method, params_json FROM runs WHERE run_id = ?`, id).
		Scan(&r.RunID, &started, &r.Method, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = time.Unix(0, started)
	r.ParamsJSON = json.RawMessage(params)
	return &r, nil
}

// RecordTick stores one row per track snapshot for tick.
func (s *TrackStore) RecordTick(runID string, tick int64, now time.Time, snaps []tracks.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO track_states (
				run_id, tick, ts, track_id, x, z, vx, vz, pxx, pzz,
				nis, hits, misses, meas_x, meas_z
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare track insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range snaps {
			var mx, mz sql.NullFloat64
			if t.Measurement != nil {
				mx = sql.NullFloat64{Float64: t.Measurement.X, Valid: true}
				mz = sql.NullFloat64{Float64: t.Measurement.Z, Valid: true}
			}
			if _, err := stmt.Exec(runID, tick, now.UnixNano(), t.ID, t.X, t.Z, t.VX, t.VZ,
				t.PXX, t.PZZ, t.NIS, t.Hits, t.Misses, mx, mz); err != nil {
				return fmt.Errorf("insert track %d: %w", t.ID, err)
			}
		}
		return tx.Commit()
	})
}

// RecordObjects stores one row per placed object of label for tick.
func (s *TrackStore) RecordObjects(runID string, tick int64, now time.Time, label perception.Label, snaps []objects.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT OR REPLACE INTO object_states (
				run_id, tick, ts, label, object_id, x, z, w, h, points, hits
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare object insert: %w", err)
		}
		defer stmt.Close()

		for _, o := range snaps {
			if _, err := stmt.Exec(runID, tick, now.UnixNano(), int(label), o.ID,
				o.X, o.Z, o.W, o.H, o.Points, o.Hits); err != nil {
				return fmt.Errorf("insert object %d: %w", o.ID, err)
			}
		}
		return tx.Commit()
	})
}

// TrackState is one stored track row.
type TrackState struct {
	Tick        int64
	Time        time.Time
	TrackID     int64
	X, Z        float64
	VX, VZ      float64
	PXX, PZZ    float64
	NIS         float64
	Hits        int
	Misses      int
	Measurement *tracks.Measurement
}

// ListTrackStates returns every track row of runID ordered by tick then
// track id.
func (s *TrackStore) ListTrackStates(runID string) ([]TrackState, error) {
	rows, err := s.db.Query(`
		SELECT tick, ts, track_id, x, z, vx, vz, pxx, pzz, nis, hits, misses, meas_x, meas_z
		FROM track_states
		WHERE run_id = ?
		ORDER BY tick, track_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query track states: %w", err)
	}
	defer rows.Close()

	var out []TrackState
	for rows.Next() {
		var st TrackState
		var ts int64
		var mx, mz sql.NullFloat64
		if err := rows.Scan(&st.Tick, &ts, &st.TrackID, &st.X, &st.Z, &st.VX, &st.VZ,
			&st.PXX, &st.PZZ, &st.NIS, &st.Hits, &st.Misses, &mx, &mz); err != nil {
			return nil, fmt.Errorf("scan track state: %w", err)
		}
		st.Time = time.Unix(0, ts)
		if mx.Valid && mz.Valid {
			st.Measurement = &tracks.Measurement{X: mx.Float64, Z: mz.Float64}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ObjectState is one stored placed-object row.
type ObjectState struct {
	Tick     int64
	Time     time.Time
	Label    perception.Label
	ObjectID int64
	X, Z     float64
	W, H     float64
	Points   int
	Hits     int
}

// ListObjectStates returns the object rows of runID for label ordered by
// tick then object id.
func (s *TrackStore) ListObjectStates(runID string, label perception.Label) ([]ObjectState, error) {
	rows, err := s.db.Query(`
		SELECT tick, ts, label, object_id, x, z, w, h, points, hits
		FROM object_states
		WHERE run_id = ? AND label = ?
		ORDER BY tick, object_id`, runID, int(label))
	if err != nil {
		return nil, fmt.Errorf("query object states: %w", err)
	}
	defer rows.Close()

	var out []ObjectState
	for rows.Next() {
		var st ObjectState
		var ts int64
		var label int
		if err := rows.Scan(&st.Tick, &ts, &label, &st.ObjectID, &st.X, &st.Z, &st.W, &st.H,
			&st.Points, &st.Hits); err != nil {
			return nil, fmt.Errorf("scan object state: %w", err)
		}
		st.Time = time.Unix(0, ts)
		st.Label = perception.Label(label)
		out = append(out, st)
	}
	return out, rows.Err()
}
