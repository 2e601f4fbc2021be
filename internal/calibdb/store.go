// Package calibdb persists calibration sessions in SQLite: observations,
// refinement convergence and the exported camera models.
package calibdb

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
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/gridcalib/internal/calib"
	"github.com/banshee-data/gridcalib/internal/target"
	"github.com/banshee-data/gridcalib/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoSession is returned by writes issued before StartSession.
var ErrNoSession = errors.New("no calibration session started")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Session describes one stored calibration run.
type Session struct {
	ID          string    `json:"session_id"`
	Description string    `json:"description"`
	GridCols    int       `json:"grid_cols"`
	GridRows    int       `json:"grid_rows"`
	GridSpacing float64   `json:"grid_spacing"`
	GridSeed    int64     `json:"grid_seed"`
	StartedAt   time.Time `json:"started_at"`
}

// PassRecord is one stored refinement pass.
type PassRecord struct {
	Pass         int           `json:"pass"`
	Observations int           `json:"observations"`
	InitialMSE   float64       `json:"initial_mse"`
	MSE          float64       `json:"mse"`
	Iterations   int           `json:"iterations"`
	Converged    bool          `json:"converged"`
	Duration     time.Duration `json:"duration_ns"`
	Error        string        `json:"error,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Store is a SQLite calibration database. One Store records into at most
// one active session at a time.
type Store struct {
	db     *sql.DB
	logger *log.Logger
	clock  timeutil.Clock

	session string
}

// Options configures Open.
type Options struct {
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
}

// Open opens or creates the database at path and migrates it to the latest
// schema.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	s := &Store{db: db, logger: opts.Logger, clock: opts.Clock}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared connection.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version and dirty flag.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct {
	logger *log.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// retryOnBusy retries fn while SQLite reports lock contention.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
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

// StartSession creates a session for target t and makes it current.
func (s *Store) StartSession(description string, t *target.GridDot) (string, error) {
	id := uuid.New().String()
	started := s.clock.Now()
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO calibration_sessions (
				session_id, description, grid_cols, grid_rows, grid_spacing, grid_seed, started_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, description, t.Cols(), t.Rows(), t.Spacing(), t.Seed(), started.UnixNano(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	s.session = id
	s.logger.Printf("[calibdb] session %s started (%dx%d grid)", id, t.Cols(), t.Rows())
	return id, nil
}

// SessionID returns the current session, empty before StartSession.
func (s *Store) SessionID() string { return s.session }

// Sessions lists every stored session, newest first.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT session_id, description, grid_cols, grid_rows, grid_spacing, grid_seed, started_at
		FROM calibration_sessions
		ORDER BY started_at DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var ss Session
		var started int64
		if err := rows.Scan(&ss.ID, &ss.Description, &ss.GridCols, &ss.GridRows, &ss.GridSpacing, &ss.GridSeed, &started); err != nil {
			return nil, err
		}
		ss.StartedAt = time.Unix(0, started)
		out = append(out, ss)
	}
	return out, rows.Err()
}

// RecordObservations appends observations to the current session in one
// transaction.
func (s *Store) RecordObservations(obs []calib.Observation) error {
	if s.session == "" {
		return ErrNoSession
	}
	if len(obs) == 0 {
		return nil
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.Prepare(`
			INSERT INTO observations (
				session_id, frame_id, camera_id, point_x, point_y, point_z, pixel_x, pixel_y
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, o := range obs {
			if _, err := stmt.Exec(s.session, int(o.Frame), int(o.Camera),
				o.Point.X, o.Point.Y, o.Point.Z, o.Pixel.X, o.Pixel.Y); err != nil {
				return fmt.Errorf("insert observation: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Observations loads a session's observations in insertion order.
func (s *Store) Observations(sessionID string) ([]calib.Observation, error) {
	rows, err := s.db.Query(`
		SELECT frame_id, camera_id, point_x, point_y, point_z, pixel_x, pixel_y
		FROM observations
		WHERE session_id = ?
		ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []calib.Observation
	for rows.Next() {
		var o calib.Observation
		var frame, cam int
		if err := rows.Scan(&frame, &cam, &o.Point.X, &o.Point.Y, &o.Point.Z, &o.Pixel.X, &o.Pixel.Y); err != nil {
			return nil, err
		}
		o.Frame, o.Camera = calib.FrameID(frame), calib.CameraID(cam)
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecordPass stores one refinement pass of the current session. It has the
// signature of EngineConfig.OnPass minus the error, so callers log failures.
func (s *Store) RecordPass(ps calib.PassStats) error {
	if s.session == "" {
		return ErrNoSession
	}
	var errText interface{}
	if ps.Err != nil {
		errText = ps.Err.Error()
	}
	converged := 0
	if ps.Converged {
		converged = 1
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO refinement_passes (
				session_id, pass, observations, initial_mse, mse, iterations,
				converged, duration_ns, error, recorded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.session, ps.Pass, ps.Observations, ps.InitialMSE, ps.MSE, ps.Iterations,
			converged, int64(ps.Duration), errText, s.clock.Now().UnixNano(),
		)
		return err
	})
}

// Convergence returns a session's passes in the order they ran.
func (s *Store) Convergence(sessionID string) ([]PassRecord, error) {
	rows, err := s.db.Query(`
		SELECT pass, observations, initial_mse, mse, iterations, converged, duration_ns, error, recorded_at
		FROM refinement_passes
		WHERE session_id = ?
		ORDER BY pass_row`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query passes: %w", err)
	}
	defer rows.Close()

	var out []PassRecord
	for rows.Next() {
		var r PassRecord
		var converged int
		var duration, recorded int64
		var errText sql.NullString
		if err := rows.Scan(&r.Pass, &r.Observations, &r.InitialMSE, &r.MSE, &r.Iterations,
			&converged, &duration, &errText, &recorded); err != nil {
			return nil, err
		}
		r.Converged = converged != 0
		r.Duration = time.Duration(duration)
		r.Error = errText.String
		r.RecordedAt = time.Unix(0, recorded)
		out = append(out, r)
	}
	return out, rows.Err()
}

// WriteCameraModels implements calib.ModelWriter, replacing the current
// session's stored models.
func (s *Store) WriteCameraModels(models []calib.CameraModel) error {
	if s.session == "" {
		return ErrNoSession
	}
	now := s.clock.Now().UnixNano()
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, m := range models {
			names, err := json.Marshal(m.ParamNames)
			if err != nil {
				return err
			}
			params, err := json.Marshal(m.Params)
			if err != nil {
				return err
			}
			rig, err := json.Marshal(m.RigToCamera)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT INTO camera_models (
					session_id, camera_id, model, param_names, params, width, height,
					rig_to_camera, rms_px, observations, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(session_id, camera_id) DO UPDATE SET
					model = excluded.model,
					param_names = excluded.param_names,
					params = excluded.params,
					width = excluded.width,
					height = excluded.height,
					rig_to_camera = excluded.rig_to_camera,
					rms_px = excluded.rms_px,
					observations = excluded.observations,
					updated_at = excluded.updated_at`,
				s.session, int(m.ID), m.Model, string(names), string(params), m.Width, m.Height,
				string(rig), m.RMS, m.Observations, now,
			); err != nil {
				return fmt.Errorf("upsert camera %d: %w", m.ID, err)
			}
		}
		return tx.Commit()
	})
}

// CameraModels loads a session's stored models ordered by camera id.
func (s *Store) CameraModels(sessionID string) ([]calib.CameraModel, error) {
	rows, err := s.db.Query(`
		SELECT camera_id, model, param_names, params, width, height, rig_to_camera, rms_px, observations
		FROM camera_models
		WHERE session_id = ?
		ORDER BY camera_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query camera models: %w", err)
	}
	defer rows.Close()

	var out []calib.CameraModel
	for rows.Next() {
		var m calib.CameraModel
		var id int
		var names, params, rig string
		if err := rows.Scan(&id, &m.Model, &names, &params, &m.Width, &m.Height, &rig, &m.RMS, &m.Observations); err != nil {
			return nil, err
		}
		m.ID = calib.CameraID(id)
		if err := json.Unmarshal([]byte(names), &m.ParamNames); err != nil {
			return nil, fmt.Errorf("camera %d param names: %w", id, err)
		}
		if err := json.Unmarshal([]byte(params), &m.Params); err != nil {
			return nil, fmt.Errorf("camera %d params: %w", id, err)
		}
		if err := json.Unmarshal([]byte(rig), &m.RigToCamera); err != nil {
			return nil, fmt.Errorf("camera %d transform: %w", id, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
