package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/hurttlocker/stitch/internal/recombine"
)

// PutTensor stores a tensor under its dense line index, replacing any
// existing row. Rows written while a run is open are tagged with its id.
func (s *SQLiteStore) PutTensor(ctx context.Context, t *recombine.Tensor) error {
	if want := len(t.LayerIDs) * t.Tokens * t.Dims; len(t.Data) != want {
		return fmt.Errorf("tensor %d has %d values, shape %v wants %d", t.Line, len(t.Data), t.Shape(), want)
	}
	if len(t.Labels) != t.Tokens {
		return fmt.Errorf("tensor %d has %d labels for %d tokens", t.Line, len(t.Labels), t.Tokens)
	}
	layerIDs, err := json.Marshal(t.LayerIDs)
	if err != nil {
		return fmt.Errorf("encoding layer ids: %w", err)
	}
	labels, err := json.Marshal(t.Labels)
	if err != nil {
		return fmt.Errorf("encoding labels: %w", err)
	}

	var runID sql.NullString
	s.mu.Lock()
	if s.runID != "" {
		runID = sql.NullString{String: s.runID, Valid: true}
	}
	s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tensors (line_index, source_line, layers, tokens, dims, layer_ids, labels, data, run_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(line_index) DO UPDATE SET
			source_line = excluded.source_line, layers = excluded.layers, tokens = excluded.tokens,
			dims = excluded.dims, layer_ids = excluded.layer_ids, labels = excluded.labels,
			data = excluded.data, run_id = excluded.run_id`,
		t.Line, t.SourceLine, len(t.LayerIDs), t.Tokens, t.Dims, string(layerIDs), string(labels),
		float32ToBytes(t.Data), runID,
	)
	if err != nil {
		return fmt.Errorf("storing tensor %d: %w", t.Line, err)
	}
	return nil
}

// GetTensor retrieves a stored tensor by dense line index.
func (s *SQLiteStore) GetTensor(ctx context.Context, line int) (*recombine.Tensor, error) {
	var (
		t        recombine.Tensor
		layers   int
		layerIDs string
		labels   string
		blob     []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT line_index, source_line, layers, tokens, dims, layer_ids, labels, data
		 FROM tensors WHERE line_index = ?`, line,
	).Scan(&t.Line, &t.SourceLine, &layers, &t.Tokens, &t.Dims, &layerIDs, &labels, &blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("tensor %d not found", line)
		}
		return nil, fmt.Errorf("getting tensor %d: %w", line, err)
	}
	if err := json.Unmarshal([]byte(layerIDs), &t.LayerIDs); err != nil {
		return nil, fmt.Errorf("decoding layer ids of tensor %d: %w", line, err)
	}
	if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return nil, fmt.Errorf("decoding labels of tensor %d: %w", line, err)
	}
	if len(t.LayerIDs) != layers {
		return nil, fmt.Errorf("tensor %d lists %d layer ids, row says %d", line, len(t.LayerIDs), layers)
	}
	t.Data = bytesToFloat32(blob)
	if want := layers * t.Tokens * t.Dims; len(t.Data) != want {
		return nil, fmt.Errorf("tensor %d holds %d values, shape wants %d", line, len(t.Data), want)
	}
	return &t, nil
}

// TensorInfo returns the shape and provenance of a stored tensor.
func (s *SQLiteStore) TensorInfo(ctx context.Context, line int) (*TensorInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line_index, source_line, tokens, dims, layer_ids, COALESCE(run_id, '')
		 FROM tensors WHERE line_index = ?`, line)
	if err != nil {
		return nil, fmt.Errorf("getting tensor info %d: %w", line, err)
	}
	infos, err := scanInfos(rows)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("tensor %d not found", line)
	}
	return infos[0], nil
}

// ListTensors returns tensor descriptions in dense order.
func (s *SQLiteStore) ListTensors(ctx context.Context, offset, limit int) ([]*TensorInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT line_index, source_line, tokens, dims, layer_ids, COALESCE(run_id, '')
		 FROM tensors ORDER BY line_index LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing tensors: %w", err)
	}
	return scanInfos(rows)
}

func scanInfos(rows *sql.Rows) ([]*TensorInfo, error) {
	defer rows.Close()

	var infos []*TensorInfo
	for rows.Next() {
		info := &TensorInfo{}
		var layerIDs string
		if err := rows.Scan(&info.Line, &info.SourceLine, &info.Tokens, &info.Dims, &layerIDs, &info.RunID); err != nil {
			return nil, fmt.Errorf("scanning tensor row: %w", err)
		}
		if err := json.Unmarshal([]byte(layerIDs), &info.LayerIDs); err != nil {
			return nil, fmt.Errorf("decoding layer ids of tensor %d: %w", info.Line, err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// float32ToBytes converts a float32 slice to bytes (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to float32 slice (little-endian).
func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
