// Package runlog keeps a SQLite log of denoising runs: one row per run with
// the filter parameters in force, and one row per processed frame with its
// point counts and filter timing.
package runlog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/dror/internal/lidar/dror"
	"github.com/banshee-data/dror/internal/lidar/pipeline"
	"github.com/banshee-data/dror/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the run log database.
type Store struct {
	*sql.DB
	path string
}

// Run describes one denoising run.
type Run struct {
	ID         string      `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
	InputTopic string      `json:"input_topic"`
	Params     dror.Params `json:"params"`
	FrameCount int64       `json:"frame_count"`
}

// FrameRow is one processed frame.
type FrameRow struct {
	Index           uint64        `json:"frame_index"`
	Seq             uint32        `json:"seq"`
	StampUnixNanos  int64         `json:"stamp_unix_ns"`
	InputPoints     int           `json:"input_points"`
	FilteredPoints  int           `json:"filtered_points"`
	RecoveredPoints int           `json:"recovered_points"`
	FilterDuration  time.Duration `json:"filter_duration_ns"`
	AverageDuration float64       `json:"avg_duration_s"`
	AverageRate     float64       `json:"avg_rate_hz"`
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between the worker and debug readers
	db.SetMaxOpenConns(1)

	s := &Store{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp runs all pending migrations. It is a no-op at the latest version.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Not closing m: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version; 0 when none is applied.
func (s *Store) MigrateVersion() (uint, bool, error) {
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

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// StartRun records the start of a run and returns its id.
func (s *Store) StartRun(startedAt time.Time, inputTopic string, p dror.Params) (string, error) {
	id := uuid.New().String()
	_, err := s.Exec(`
		INSERT INTO runs (run_id, started_unix_ns, input_topic,
			radius_multiplier, azimuth_angle, min_neighbours, min_search_radius)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, startedAt.UnixNano(), inputTopic,
		p.RadiusMultiplier, p.AzimuthAngleDeg, p.MinNeighbours, p.MinSearchRadius)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// EndRun stamps the end time and the number of logged frames.
func (s *Store) EndRun(runID string, endedAt time.Time) error {
	res, err := s.Exec(`
		UPDATE runs
		SET ended_unix_ns = ?,
			frame_count = (SELECT COUNT(*) FROM run_frames WHERE run_id = ?)
		WHERE run_id = ?`,
		endedAt.UnixNano(), runID, runID)
	if err != nil {
		return fmt.Errorf("failed to end run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to end run %s: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// RecordFrame stores one processed frame.
func (s *Store) RecordFrame(runID string, res *pipeline.FrameResult) error {
	_, err := s.Exec(`
		INSERT INTO run_frames (run_id, frame_index, seq, stamp_unix_ns,
			input_points, filtered_points, recovered_points,
			filter_duration_ns, avg_duration_s, avg_rate_hz)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, int64(res.Index), res.Header.Seq, res.Header.Stamp.Time().UnixNano(),
		res.InputPoints, len(res.Filtered.Points), len(res.Recovered.Points),
		res.FilterDuration.Nanoseconds(), res.Stats.AverageDuration, res.Stats.AverageRate)
	if err != nil {
		return fmt.Errorf("failed to record frame %d: %w", res.Index, err)
	}
	return nil
}

// Sink returns a pipeline.Sink that logs every frame under runID.
func (s *Store) Sink(runID string) pipeline.Sink {
	return pipeline.SinkFunc(func(res *pipeline.FrameResult) error {
		return s.RecordFrame(runID, res)
	})
}

// GetRun returns one run.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.QueryRow(`
		SELECT run_id, started_unix_ns, ended_unix_ns, input_topic,
			radius_multiplier, azimuth_angle, min_neighbours, min_search_radius, frame_count
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.Query(`
		SELECT run_id, started_unix_ns, ended_unix_ns, input_topic,
			radius_multiplier, azimuth_angle, min_neighbours, min_search_radius, frame_count
		FROM runs ORDER BY started_unix_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r       Run
		started int64
		ended   sql.NullInt64
	)
	err := sc.Scan(&r.ID, &started, &ended, &r.InputTopic,
		&r.Params.RadiusMultiplier, &r.Params.AzimuthAngleDeg, &r.Params.MinNeighbours, &r.Params.MinSearchRadius,
		&r.FrameCount)
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.StartedAt = time.Unix(0, started)
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		r.EndedAt = &t
	}
	return &r, nil
}

// Frames returns every frame of a run in processing order.
func (s *Store) Frames(runID string) ([]FrameRow, error) {
	rows, err := s.Query(`
		SELECT frame_index, seq, stamp_unix_ns, input_points, filtered_points,
			recovered_points, filter_duration_ns, avg_duration_s, avg_rate_hz
		FROM run_frames WHERE run_id = ? ORDER BY frame_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var frames []FrameRow
	for rows.Next() {
		var (
			f     FrameRow
			index int64
			durNs int64
		)
		if err := rows.Scan(&index, &f.Seq, &f.StampUnixNanos, &f.InputPoints, &f.FilteredPoints,
			&f.RecoveredPoints, &durNs, &f.AverageDuration, &f.AverageRate); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		f.Index = uint64(index)
		f.FilterDuration = time.Duration(durNs)
		frames = append(frames, f)
	}
	return frames, rows.Err()
}
