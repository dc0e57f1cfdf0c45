// Package embedding models the per-window output of an external embedding
// generator and moves it across process boundaries.
//
// The wire format is the JSON-lines layout produced by BERT's feature
// extractor: one record per window-stream record, each holding an ordered list
// of token entries, each entry carrying its label and a list of
// (layer index, vector) pairs. Records for blank window-stream records carry
// an empty feature list.
package embedding

import (
	"context"
	"io"
)

// Layer is one layer's vector for one token.
type Layer struct {
	Index  int
	Values []float32
}

// TokenEntry is the generator output for a single window position.
type TokenEntry struct {
	Label  string
	Layers []Layer
}

// WindowEmbedding is the generator output for one window.
type WindowEmbedding struct {
	// Index is the generator's running record number (linex_index).
	Index  int
	Tokens []TokenEntry
}

// Empty reports whether the record carries no token entries. Empty records
// echo blank window-stream records and never describe a window.
func (w *WindowEmbedding) Empty() bool {
	return w == nil || len(w.Tokens) == 0
}

// Labels returns the token labels in order.
func (w *WindowEmbedding) Labels() []string {
	out := make([]string, len(w.Tokens))
	for i, t := range w.Tokens {
		out[i] = t.Label
	}
	return out
}

// Generator turns one bounded token window into per-token, per-layer vectors.
type Generator interface {
	Generate(ctx context.Context, tokens []string) (*WindowEmbedding, error)
	Close() error
}

// Source yields window embeddings in window-stream order. It returns io.EOF
// once the stream is exhausted.
type Source interface {
	Next() (*WindowEmbedding, error)
}

// SliceSource serves records from memory.
type SliceSource struct {
	records []*WindowEmbedding
	pos     int
}

// NewSliceSource wraps records.
func NewSliceSource(records []*WindowEmbedding) *SliceSource {
	return &SliceSource{records: records}
}

// Next returns the next record or io.EOF.
func (s *SliceSource) Next() (*WindowEmbedding, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	r := s.records[s.pos]
	s.pos++
	return r, nil
}
