// Package runstore persists tracking runs and their per-step diagnostics in
// a sqlite database.
package runstore

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"gibbstrack/pkg/annealing"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// schema.sql creates the runs and steps tables.
//
//go:embed schema.sql
var schemaSQL string

// Store wraps the database handle.
type Store struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db}, nil
}

// RunRecord is what is known about a run before it starts.
type RunRecord struct {
	RunID              string
	Iterations         int
	StartTemperature   float64
	EndTemperature     float64
	CurvatureThreshold float64
	InexBalance        float64
}

// NewRunRecord extracts the run record from tracking parameters.
func NewRunRecord(p annealing.Params) RunRecord {
	return RunRecord{
		RunID:              p.RunID,
		Iterations:         p.Iterations,
		StartTemperature:   p.StartTemperature,
		EndTemperature:     p.EndTemperature,
		CurvatureThreshold: p.CurvatureThreshold,
		InexBalance:        p.InexBalance,
	}
}

// RecordRun inserts a new run.
func (s *Store) RecordRun(r RunRecord) error {
	query := `
		INSERT INTO runs (run_id, iterations, temp_start, temp_end, curvature_threshold, inexbalance)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := s.Exec(query, r.RunID, r.Iterations, r.StartTemperature, r.EndTemperature,
		r.CurvatureThreshold, r.InexBalance); err != nil {
		return fmt.Errorf("failed to record run %s: %w", r.RunID, err)
	}
	return nil
}

// RecordStep stores one step report.
func (s *Store) RecordStep(r annealing.StepReport) error {
	query := `
		INSERT INTO steps (run_id, step, steps, temperature, proposals, acceptance_ratio,
			vetoed, particles, connections, fibers, percent_complete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.Exec(query, r.RunID, r.Step, r.Steps, r.Temperature, r.Proposals, r.AcceptanceRatio,
		r.Vetoed, r.Particles, r.Connections, r.Fibers, r.PercentComplete); err != nil {
		return fmt.Errorf("failed to record step %d of run %s: %w", r.Step, r.RunID, err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(res annealing.Result) error {
	query := `
		UPDATE runs
		SET
			finished_at = UNIXEPOCH('subsec'),
			completed = ?,
			steps = ?,
			steps_run = ?,
			proposals = ?,
			acceptance_ratio = ?,
			vetoed = ?,
			particles = ?,
			connections = ?,
			fibers = ?,
			particle_length = ?,
			particle_width = ?,
			particle_weight = ?,
			seed = ?,
			duration_ms = ?
		WHERE run_id = ?
	`
	out, err := s.Exec(query, res.Completed, res.Steps, res.StepsRun, res.Proposals, res.AcceptanceRatio,
		res.Vetoed, res.Particles, res.Connections, len(res.Fibers), res.ParticleLength, res.ParticleWidth,
		res.ParticleWeight, int64(res.Seed), res.Duration.Milliseconds(), res.RunID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", res.RunID, err)
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", res.RunID, ErrRunNotFound)
	}
	return nil
}

// RunSummary is a stored run.
type RunSummary struct {
	RunRecord
	Finished        bool
	Completed       bool
	StepsRun        int
	AcceptanceRatio float64
	Particles       int
	Connections     int
	Fibers          int
	Seed            uint64
}

// Run loads a stored run.
func (s *Store) Run(runID string) (RunSummary, error) {
	query := `
		SELECT run_id, iterations, temp_start, temp_end, curvature_threshold, inexbalance,
			finished_at IS NOT NULL, completed,
			COALESCE(steps_run, 0), COALESCE(acceptance_ratio, 0),
			COALESCE(particles, 0), COALESCE(connections, 0), COALESCE(fibers, 0), COALESCE(seed, 0)
		FROM runs WHERE run_id = ?
	`
	var (
		r    RunSummary
		seed int64
	)
	err := s.QueryRow(query, runID).Scan(&r.RunID, &r.Iterations, &r.StartTemperature, &r.EndTemperature,
		&r.CurvatureThreshold, &r.InexBalance, &r.Finished, &r.Completed, &r.StepsRun, &r.AcceptanceRatio,
		&r.Particles, &r.Connections, &r.Fibers, &seed)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	r.Seed = uint64(seed)
	return r, nil
}

// Steps returns the step reports of a run in step order.
func (s *Store) Steps(runID string) ([]annealing.StepReport, error) {
	query := `
		SELECT run_id, step, steps, temperature, proposals, acceptance_ratio, vetoed,
			particles, connections, fibers, percent_complete
		FROM steps WHERE run_id = ? ORDER BY step
	`
	rows, err := s.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps of run %s: %w", runID, err)
	}
	defer rows.Close()

	var reports []annealing.StepReport
	for rows.Next() {
		var r annealing.StepReport
		if err := rows.Scan(&r.RunID, &r.Step, &r.Steps, &r.Temperature, &r.Proposals, &r.AcceptanceRatio,
			&r.Vetoed, &r.Particles, &r.Connections, &r.Fibers, &r.PercentComplete); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
