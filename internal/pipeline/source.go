package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/hurttlocker/stitch/internal/embedding"
	"github.com/hurttlocker/stitch/internal/window"
)

// RecordSource yields window-stream records, io.EOF at the end.
// *window.StreamReader satisfies it.
type RecordSource interface {
	Next() (window.Record, error)
}

type recordIter struct {
	records []window.Record
	pos     int
}

func (it *recordIter) Next() (window.Record, error) {
	if it.pos >= len(it.records) {
		return window.Record{}, io.EOF
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, nil
}

// GeneratingSource is an embedding.Source that generates each window's output
// on demand, so the recombiner can consume a window stream directly.
type GeneratingSource struct {
	ctx    context.Context
	gen    embedding.Generator
	in     RecordSource
	record int
}

// NewGeneratingSource wraps in. Delimiter records yield empty embeddings.
func NewGeneratingSource(ctx context.Context, gen embedding.Generator, in RecordSource) *GeneratingSource {
	return &GeneratingSource{ctx: ctx, gen: gen, in: in}
}

// Next implements embedding.Source.
func (s *GeneratingSource) Next() (*embedding.WindowEmbedding, error) {
	rec, err := s.in.Next()
	if err != nil {
		return nil, err
	}
	idx := s.record
	s.record++
	if rec.Delimiter {
		return &embedding.WindowEmbedding{Index: idx}, nil
	}

	out, err := s.gen.Generate(s.ctx, rec.Tokens)
	if err != nil {
		return nil, fmt.Errorf("generating window record %d: %w", idx, err)
	}
	if len(out.Tokens) != len(rec.Tokens) {
		return nil, fmt.Errorf("generator returned %d entries for window record %d of %d tokens", len(out.Tokens), idx, len(rec.Tokens))
	}
	out.Index = idx
	return out, nil
}
