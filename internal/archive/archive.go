// Package archive persists completed staging runs. In-flight workflow state
// never touches disk; a run is written once, after the session produced its
// output.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    product_name TEXT,
    container_name TEXT,
    scene_name TEXT,
    model TEXT NOT NULL,
    prompt TEXT NOT NULL,
    lift_cm REAL NOT NULL,
    visual_total_cm REAL NOT NULL,
    is_fallback INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS run_images (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    ref TEXT NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_run_images_run_id ON run_images(run_id);
`

// Image kinds within a run.
const (
	KindBase    = "base"
	KindHistory = "history"
	KindFinal   = "final"
)

type Run struct {
	ID            string
	CreatedAt     time.Time
	ProductName   string
	ContainerName string
	SceneName     string
	Model         string
	Prompt        string
	LiftCm        float64
	VisualTotalCm float64
	IsFallback    bool
	Images        []RunImage
}

type RunImage struct {
	ID       string
	RunID    string
	Kind     string
	Position int
	Ref      string
}

type Store struct {
	db *sql.DB
}

func NewStore() (*Store, error) {
	dbPath, err := defaultDBPath()
	if err != nil {
		return nil, err
	}
	return NewStoreWithPath(dbPath)
}

func NewStoreWithPath(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

func defaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".plantstage", "runs.db"), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun writes a completed run and its image rows. Missing ids are
// assigned; CreatedAt defaults to now.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, product_name, container_name, scene_name, model, prompt, lift_cm, visual_total_cm, is_fallback)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt, run.ProductName, run.ContainerName, run.SceneName,
		run.Model, run.Prompt, run.LiftCm, run.VisualTotalCm, run.IsFallback)
	if err != nil {
		return err
	}

	for i := range run.Images {
		img := &run.Images[i]
		if img.ID == "" {
			img.ID = uuid.New().String()
		}
		img.RunID = run.ID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_images (id, run_id, kind, position, ref) VALUES (?, ?, ?, ?, ?)`,
			img.ID, img.RunID, img.Kind, img.Position, img.Ref)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, product_name, container_name, scene_name, model, prompt, lift_cm, visual_total_cm, is_fallback
		 FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	images, err := s.listImages(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	run.Images = images
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, product_name, container_name, scene_name, model, prompt, lift_cm, visual_total_cm, is_fallback
		 FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	return err
}

func (s *Store) listImages(ctx context.Context, runID string) ([]RunImage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, kind, position, ref FROM run_images
		 WHERE run_id = ? ORDER BY kind, position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []RunImage
	for rows.Next() {
		var img RunImage
		if err := rows.Scan(&img.ID, &img.RunID, &img.Kind, &img.Position, &img.Ref); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var product, container, scene sql.NullString
	err := row.Scan(&run.ID, &run.CreatedAt, &product, &container, &scene,
		&run.Model, &run.Prompt, &run.LiftCm, &run.VisualTotalCm, &run.IsFallback)
	if err != nil {
		return nil, err
	}
	run.ProductName = product.String
	run.ContainerName = container.String
	run.SceneName = scene.String
	return run, nil
}

func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
