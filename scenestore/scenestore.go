// Package scenestore persists generated scenes in SQLite: one row per
// generation run, one per scene, plus the scene's agents and, for the
// diffusion model, its drift-norm trace.
package scenestore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/Noofbiz/sceneSynth/scene"
)

var log = logrus.WithField("module", "scenestore")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const schema = `
	CREATE TABLE IF NOT EXISTS generation_runs (
		run_id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		checkpoint TEXT,
		seed INTEGER NOT NULL,
		created_at_ns INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS generated_scenes (
		scene_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		sample_token TEXT NOT NULL,
		outcome TEXT NOT NULL,
		seed INTEGER NOT NULL,
		created_at_ns INTEGER NOT NULL,
		FOREIGN KEY(run_id) REFERENCES generation_runs(run_id)
	);
	CREATE TABLE IF NOT EXISTS scene_agents (
		scene_id TEXT NOT NULL,
		agent_index INTEGER NOT NULL,
		category TEXT NOT NULL,
		x DOUBLE, y DOUBLE,
		width DOUBLE, length DOUBLE, heading DOUBLE,
		speed DOUBLE, yaw_rate DOUBLE,
		PRIMARY KEY(scene_id, agent_index),
		FOREIGN KEY(scene_id) REFERENCES generated_scenes(scene_id)
	);
	CREATE TABLE IF NOT EXISTS drift_norms (
		scene_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		norm DOUBLE NOT NULL,
		PRIMARY KEY(scene_id, step),
		FOREIGN KEY(scene_id) REFERENCES generated_scenes(scene_id)
	);
`

// Run is one invocation of a generator over a dataset.
type Run struct {
	RunID       string
	Model       string
	Checkpoint  string
	Seed        uint64
	CreatedAtNs int64
}

// Scene is one generated scene.
type Scene struct {
	SceneID     string
	RunID       string
	SampleToken string
	Outcome     string
	Seed        uint64
	Agents      []scene.Agent
	DriftNorms  []float64
	CreatedAtNs int64
}

// Store provides persistence for generation runs and their scenes.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open scene store: %w", err)
	}
	// A single connection keeps in-memory databases shared across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertRun records a run. If run.RunID is empty, a new UUID is generated.
func (s *Store) InsertRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAtNs == 0 {
		run.CreatedAtNs = time.Now().UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO generation_runs (run_id, model, checkpoint, seed, created_at_ns)
		VALUES (?, ?, ?, ?, ?)
	`, run.RunID, run.Model, nullString(run.Checkpoint), int64(run.Seed), run.CreatedAtNs)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(runID string) (*Run, error) {
	var run Run
	var checkpoint sql.NullString
	var seed int64
	err := s.db.QueryRow(`
		SELECT run_id, model, checkpoint, seed, created_at_ns
		FROM generation_runs
		WHERE run_id = ?
	`, runID).Scan(&run.RunID, &run.Model, &checkpoint, &seed, &run.CreatedAtNs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Checkpoint = checkpoint.String
	run.Seed = uint64(seed)
	return &run, nil
}

// InsertScene stores a scene with its agents and drift trace in one
// transaction. If sc.SceneID is empty, a new UUID is generated.
func (s *Store) InsertScene(sc *Scene) error {
	if sc.SceneID == "" {
		sc.SceneID = uuid.New().String()
	}
	if sc.CreatedAtNs == 0 {
		sc.CreatedAtNs = time.Now().UnixNano()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO generated_scenes (scene_id, run_id, sample_token, outcome, seed, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sc.SceneID, sc.RunID, sc.SampleToken, sc.Outcome, int64(sc.Seed), sc.CreatedAtNs); err != nil {
		return fmt.Errorf("insert scene: %w", err)
	}
	for i, a := range sc.Agents {
		if _, err := tx.Exec(`
			INSERT INTO scene_agents (scene_id, agent_index, category, x, y, width, length, heading, speed, yaw_rate)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sc.SceneID, i, a.Category.String(), a.X, a.Y,
			a.BBox.Width, a.BBox.Length, a.BBox.Heading, a.Velocity.Speed, a.Velocity.YawRate); err != nil {
			return fmt.Errorf("insert agent %d: %w", i, err)
		}
	}
	for step, norm := range sc.DriftNorms {
		if _, err := tx.Exec(`INSERT INTO drift_norms (scene_id, step, norm) VALUES (?, ?, ?)`,
			sc.SceneID, step, norm); err != nil {
			return fmt.Errorf("insert drift norm %d: %w", step, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scene: %w", err)
	}
	log.WithFields(logrus.Fields{"scene": sc.SceneID, "agents": len(sc.Agents)}).Debug("stored scene")
	return nil
}

// GetScene retrieves a scene with its agents and drift trace.
func (s *Store) GetScene(sceneID string) (*Scene, error) {
	var sc Scene
	var seed int64
	err := s.db.QueryRow(`
		SELECT scene_id, run_id, sample_token, outcome, seed, created_at_ns
		FROM generated_scenes
		WHERE scene_id = ?
	`, sceneID).Scan(&sc.SceneID, &sc.RunID, &sc.SampleToken, &sc.Outcome, &seed, &sc.CreatedAtNs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scene %s: %w", sceneID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scene: %w", err)
	}
	sc.Seed = uint64(seed)
	if sc.Agents, err = s.agents(sceneID); err != nil {
		return nil, err
	}
	if sc.DriftNorms, err = s.driftNorms(sceneID); err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListScenes returns the scene IDs of a run in insertion order.
func (s *Store) ListScenes(runID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT scene_id FROM generated_scenes
		WHERE run_id = ?
		ORDER BY created_at_ns, rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan scene id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CategoryCounts returns the number of stored agents per category for a run.
func (s *Store) CategoryCounts(runID string) (map[scene.Category]int, error) {
	rows, err := s.db.Query(`
		SELECT a.category, COUNT(*)
		FROM scene_agents a JOIN generated_scenes g ON a.scene_id = g.scene_id
		WHERE g.run_id = ?
		GROUP BY a.category
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer rows.Close()
	out := make(map[scene.Category]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		c, err := scene.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		out[c] = n
	}
	return out, rows.Err()
}

func (s *Store) agents(sceneID string) ([]scene.Agent, error) {
	rows, err := s.db.Query(`
		SELECT category, x, y, width, length, heading, speed, yaw_rate
		FROM scene_agents
		WHERE scene_id = ?
		ORDER BY agent_index
	`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	var out []scene.Agent
	for rows.Next() {
		var a scene.Agent
		var name string
		if err := rows.Scan(&name, &a.X, &a.Y, &a.BBox.Width, &a.BBox.Length, &a.BBox.Heading,
			&a.Velocity.Speed, &a.Velocity.YawRate); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if a.Category, err = scene.ParseCategory(name); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) driftNorms(sceneID string) ([]float64, error) {
	rows, err := s.db.Query(`SELECT norm FROM drift_norms WHERE scene_id = ? ORDER BY step`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("query drift norms: %w", err)
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan drift norm: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
