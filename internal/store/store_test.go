package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hurttlocker/stitch/internal/recombine"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTensor(line, source int) *recombine.Tensor {
	return &recombine.Tensor{
		Line:       line,
		SourceLine: source,
		LayerIDs:   []int{-2, -1},
		Labels:     []string{"[CLS]", "hi", "[SEP]"},
		Tokens:     3,
		Dims:       2,
		Data:       []float32{1, 2, 3, 4, 5, 6, -1, -2, -3, -4, -5, -6.5},
	}
}

// --- Database Initialization ---

func TestNewStore(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	for _, table := range []string{"tensors", "runs", "meta"} {
		var name string
		err := ss.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}

	version, err := ss.getMetaValue("schema_version")
	if err != nil {
		t.Fatalf("getMetaValue: %v", err)
	}
	if version != schemaVersion {
		t.Errorf("schema_version = %q, want %q", version, schemaVersion)
	}
}

func TestNewStore_ReopenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tensors.db")
	s, err := NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	if err := s.PutTensor(ctx, sampleTensor(0, 0)); err != nil {
		t.Fatalf("PutTensor: %v", err)
	}
	s.Close()

	s, err = NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer s.Close()

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TensorCount != 1 {
		t.Errorf("TensorCount = %d, want 1", stats.TensorCount)
	}
	if stats.DBSizeBytes == 0 {
		t.Error("expected a non-zero database size")
	}
}

func TestNewStore_RejectsOtherSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tensors.db")
	s, err := NewStore(StoreConfig{DBPath: path})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.(*SQLiteStore).db.Exec("UPDATE meta SET value = '99' WHERE key = 'schema_version'"); err != nil {
		t.Fatalf("updating version: %v", err)
	}
	s.Close()

	if _, err := NewStore(StoreConfig{DBPath: path}); err == nil {
		t.Fatal("expected schema version error")
	}
}

// --- Tensors ---

func TestPutGetTensor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := sampleTensor(4, 9)
	if err := s.PutTensor(ctx, want); err != nil {
		t.Fatalf("PutTensor: %v", err)
	}

	got, err := s.GetTensor(ctx, 4)
	if err != nil {
		t.Fatalf("GetTensor: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetTensor = %+v, want %+v", got, want)
	}
	if v := got.At(1, 2); !reflect.DeepEqual(v, []float32{-5, -6.5}) {
		t.Errorf("At(1, 2) = %v", v)
	}
}

func TestPutTensor_Replaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutTensor(ctx, sampleTensor(0, 0)); err != nil {
		t.Fatal(err)
	}
	replacement := &recombine.Tensor{
		Line: 0, SourceLine: 3, LayerIDs: []int{-1}, Labels: []string{"x"},
		Tokens: 1, Dims: 1, Data: []float32{42},
	}
	if err := s.PutTensor(ctx, replacement); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTensor(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.SourceLine != 3 || got.Shape() != [3]int{1, 1, 1} {
		t.Errorf("tensor not replaced: %+v", got)
	}
}

func TestPutTensor_RejectsInconsistentShape(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := sampleTensor(0, 0)
	bad.Data = bad.Data[:5]
	if err := s.PutTensor(ctx, bad); err == nil {
		t.Error("expected error for short data")
	}

	bad = sampleTensor(0, 0)
	bad.Labels = bad.Labels[:1]
	if err := s.PutTensor(ctx, bad); err == nil {
		t.Error("expected error for missing labels")
	}
}

func TestGetTensor_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetTensor(context.Background(), 7); err == nil {
		t.Error("expected not found error")
	}
	if _, err := s.TensorInfo(context.Background(), 7); err == nil {
		t.Error("expected not found error")
	}
}

func TestListTensors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.PutTensor(ctx, sampleTensor(i, i*2)); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := s.ListTensors(ctx, 1, 3)
	if err != nil {
		t.Fatalf("ListTensors: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("got %d infos, want 3", len(infos))
	}
	for i, info := range infos {
		if info.Line != i+1 || info.SourceLine != (i+1)*2 {
			t.Errorf("info %d = %+v", i, info)
		}
		if info.Shape() != [3]int{2, 3, 2} {
			t.Errorf("info %d shape = %v", i, info.Shape())
		}
	}
}

// --- Runs ---

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Tensors from before the run are cleared.
	if err := s.PutTensor(ctx, sampleTensor(0, 0)); err != nil {
		t.Fatal(err)
	}

	id, err := s.BeginRun(ctx, "window.overlap: 0.5")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if _, err := s.BeginRun(ctx, ""); err == nil {
		t.Error("expected error for a second open run")
	}

	if err := s.PutTensor(ctx, sampleTensor(0, 1)); err != nil {
		t.Fatal(err)
	}
	info, err := s.TensorInfo(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if info.RunID != id {
		t.Errorf("RunID = %q, want %q", info.RunID, id)
	}
	if info.SourceLine != 1 {
		t.Errorf("SourceLine = %d, want 1", info.SourceLine)
	}

	if err := s.FinishRun(ctx, id, &recombine.Result{Lines: 2, Tensors: 1}, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != RunComplete || run.Lines != 2 || run.Tensors != 1 {
		t.Errorf("run = %+v", run)
	}
	if run.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}
	if run.Config != "window.overlap: 0.5" {
		t.Errorf("Config = %q", run.Config)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TensorCount != 1 || stats.TokenCount != 3 || stats.ValueCount != 12 || stats.RunCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastRun == nil || stats.LastRun.ID != id {
		t.Errorf("LastRun = %+v", stats.LastRun)
	}
}

func TestFinishRun_Failed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.BeginRun(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, id, nil, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunFailed {
		t.Errorf("Status = %q, want %q", run.Status, RunFailed)
	}

	if err := s.FinishRun(ctx, "missing", nil, nil); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestStats_Empty(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.TensorCount != 0 || stats.RunCount != 0 || stats.LastRun != nil {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3.4e38}
	out := bytesToFloat32(float32ToBytes(in))
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip = %v, want %v", out, in)
	}
}
