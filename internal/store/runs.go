package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hurttlocker/stitch/internal/recombine"
)

// BeginRun opens a run and clears the tensors of earlier runs, so the table
// always holds one consistent dense sequence. Tensors stored until FinishRun
// are tagged with the returned id.
func (s *SQLiteStore) BeginRun(ctx context.Context, config string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID != "" {
		return "", fmt.Errorf("run %s is still open", s.runID)
	}

	id := uuid.NewString()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning run transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tensors"); err != nil {
		return "", fmt.Errorf("clearing tensors: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO runs (id, started_at, status, config) VALUES (?, ?, ?, ?)",
		id, time.Now().UTC(), RunRunning, config,
	); err != nil {
		return "", fmt.Errorf("recording run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing run: %w", err)
	}

	s.runID = id
	return id, nil
}

// FinishRun closes a run, recording its counts and whether it failed.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, res *recombine.Result, runErr error) error {
	s.mu.Lock()
	if s.runID == id {
		s.runID = ""
	}
	s.mu.Unlock()

	status := RunComplete
	if runErr != nil {
		status = RunFailed
	}
	var lines, tensors int
	if res != nil {
		lines, tensors = res.Lines, res.Tensors
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, lines = ?, tensors = ?, status = ? WHERE id = ?",
		time.Now().UTC(), lines, tensors, status, id,
	)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT id, started_at, finished_at, lines, tensors, status, config FROM runs WHERE id = ?", id,
	).Scan(&r.ID, &r.StartedAt, &finished, &r.Lines, &r.Tensors, &r.Status, &r.Config)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, nil
}
