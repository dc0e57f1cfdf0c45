// Package store provides the SQLite storage layer for recombined line tensors.
//
// All output of a recombination pass lives in a single SQLite database file:
// - One row per emitted tensor, keyed by its dense line index
// - Run bookkeeping (id, timing, line counts, the configuration used)
// - Schema metadata
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hurttlocker/stitch/internal/recombine"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.stitch/tensors.db"

// Run statuses.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunFailed   = "failed"
)

// TensorInfo describes a stored tensor without its data.
type TensorInfo struct {
	Line       int
	SourceLine int
	LayerIDs   []int
	Tokens     int
	Dims       int
	RunID      string
}

// Shape returns [layers, tokens, dims].
func (i *TensorInfo) Shape() [3]int {
	return [3]int{len(i.LayerIDs), i.Tokens, i.Dims}
}

// Run records one recombination pass.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Lines      int
	Tensors    int
	Status     string
	Config     string
}

// StoreStats holds counts about the store.
type StoreStats struct {
	TensorCount int64
	TokenCount  int64
	ValueCount  int64
	RunCount    int64
	LastRun     *Run
	DBSizeBytes int64
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the tensor storage interface.
type Store interface {
	// Tensors
	PutTensor(ctx context.Context, t *recombine.Tensor) error
	GetTensor(ctx context.Context, line int) (*recombine.Tensor, error)
	TensorInfo(ctx context.Context, line int) (*TensorInfo, error)
	ListTensors(ctx context.Context, offset, limit int) ([]*TensorInfo, error)

	// Runs
	BeginRun(ctx context.Context, config string) (string, error)
	FinishRun(ctx context.Context, id string, res *recombine.Result, runErr error) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string

	mu    sync.Mutex
	runID string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = ExpandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// An in-memory database is private to its connection.
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Stats returns counts over the stored tensors and runs.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens), 0), COALESCE(SUM(layers * tokens * dims), 0) FROM tensors`,
	).Scan(&stats.TensorCount, &stats.TokenCount, &stats.ValueCount)
	if err != nil {
		return nil, fmt.Errorf("counting tensors: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&stats.RunCount); err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	var lastID string
	err = s.db.QueryRowContext(ctx, "SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1").Scan(&lastID)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("finding last run: %w", err)
	default:
		if stats.LastRun, err = s.GetRun(ctx, lastID); err != nil {
			return nil, err
		}
	}

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			stats.DBSizeBytes = info.Size()
		}
	}
	return stats, nil
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
