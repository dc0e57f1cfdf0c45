// Package recombine rebuilds one embedding tensor per source line from the
// per-window generator output and the overlap ledger.
//
// The embedding stream and the ledger are consumed in lockstep: ledger line i
// names how many windows line i produced and how many trailing entries of each
// window to drop. Kept entries are appended, per layer, to a line accumulator
// that is finalized into a [layer][token][dim] tensor when the line's last
// window has been consumed. Lines with an empty ledger record produced no
// windows; they consume nothing from the stream and emit nothing, but still
// advance the source line counter. Emitted tensors are keyed densely: the
// n-th emitted tensor has key n-1.
package recombine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/hurttlocker/stitch/internal/embedding"
	"github.com/hurttlocker/stitch/internal/fault"
	"github.com/hurttlocker/stitch/internal/ledger"
)

// Tensor is a finalized line embedding laid out [layer][token][dim].
type Tensor struct {
	// Line is the dense key: the count of tensors emitted before this one.
	Line int
	// SourceLine is the zero-based ledger line the tensor came from.
	SourceLine int
	// LayerIDs lists layer indices in ascending order, one per first-axis slot.
	LayerIDs []int
	// Labels holds the kept token labels, one per token slot.
	Labels []string
	Tokens int
	Dims   int
	Data   []float32
}

// Shape returns the tensor dimensions.
func (t *Tensor) Shape() [3]int {
	return [3]int{len(t.LayerIDs), t.Tokens, t.Dims}
}

// At returns the vector of token tok in layer slot layer.
func (t *Tensor) At(layer, tok int) []float32 {
	off := (layer*t.Tokens + tok) * t.Dims
	return t.Data[off : off+t.Dims]
}

// Sink receives finalized tensors in ascending dense order.
type Sink interface {
	PutTensor(ctx context.Context, t *Tensor) error
}

// TokenSink receives the kept token labels of each finalized line.
type TokenSink interface {
	Write(tokens []string) error
}

// ProgressFunc is called after each finalized line with the number of ledger
// lines consumed so far and the ledger length.
type ProgressFunc func(current, total int)

// Options configures a Recombiner.
type Options struct {
	// Tokens, when set, receives one record per finalized line.
	Tokens TokenSink
	// Progress, when set, is called after every finalized line.
	Progress ProgressFunc
	// Strict expects one empty record in the embedding stream after each
	// line's windows, mirroring the blank delimiters of the window stream.
	// A missing window is then caught at its own line boundary. When false,
	// empty records are skipped at line boundaries and rejected between two
	// windows of one line.
	Strict bool
}

// Result summarizes a recombination pass.
type Result struct {
	Lines      int // ledger lines consumed
	Tensors    int // tensors emitted
	Skipped    int // lines with no windows
	Windows    int // window records consumed
	Delimiters int // empty records consumed
	Tokens     int // kept token entries across all tensors
}

// Recombiner drives one pass.
type Recombiner struct {
	sink Sink
	opts Options
}

// New creates a Recombiner writing tensors to sink.
func New(sink Sink, opts Options) *Recombiner {
	return &Recombiner{sink: sink, opts: opts}
}

// Run consumes src against the ledger. It stops at the first error; the line
// in progress is never written. The stream must hold exactly the windows the
// ledger describes: leftover or missing windows are alignment errors.
func (r *Recombiner) Run(ctx context.Context, src embedding.Source, l ledger.Ledger) (*Result, error) {
	res := &Result{}
	st := &stream{src: src, res: res, strict: r.opts.Strict}
	acc := newAccumulator()

	for line, overlaps := range l {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if len(overlaps) == 0 {
			if r.opts.Strict {
				if err := st.delimiter(line); err != nil {
					return res, err
				}
			}
			res.Skipped++
			res.Lines++
			continue
		}

		for wi, k := range overlaps {
			rec, err := st.window(line, wi)
			if err != nil {
				return res, err
			}
			final := wi == len(overlaps)-1
			if final && k != 0 {
				return res, fault.Alignment(line, st.pos, "final window records overlap %d, want 0", k)
			}
			m := len(rec.Tokens)
			if k < 0 || k > m {
				return res, fault.Alignment(line, st.pos, "overlap %d exceeds window of %d entries", k, m)
			}
			acc.add(rec.Tokens[:m-k])
		}

		t, err := acc.finalize(res.Tensors, line)
		if err != nil {
			return res, err
		}
		if r.opts.Strict {
			if err := st.delimiter(line); err != nil {
				return res, err
			}
		}

		if err := r.sink.PutTensor(ctx, t); err != nil {
			return res, fmt.Errorf("storing tensor %d: %w", t.Line, err)
		}
		if r.opts.Tokens != nil {
			if err := r.opts.Tokens.Write(t.Labels); err != nil {
				return res, fmt.Errorf("writing tokens for tensor %d: %w", t.Line, err)
			}
		}
		res.Tensors++
		res.Tokens += t.Tokens
		res.Lines++
		acc.reset()

		if r.opts.Progress != nil {
			r.opts.Progress(line+1, len(l))
		}
	}

	if err := st.drain(len(l)); err != nil {
		return res, err
	}
	return res, nil
}

// stream wraps the embedding source with alignment bookkeeping.
type stream struct {
	src    embedding.Source
	res    *Result
	strict bool
	pos    int // zero-based index of the last record read
	read   int
}

func (s *stream) next() (*embedding.WindowEmbedding, error) {
	rec, err := s.src.Next()
	if err != nil {
		return nil, err
	}
	s.pos = s.read
	s.read++
	return rec, nil
}

// window returns the next window record for (line, wi).
func (s *stream) window(line, wi int) (*embedding.WindowEmbedding, error) {
	for {
		rec, err := s.next()
		if errors.Is(err, io.EOF) {
			return nil, fault.Alignment(line, s.read, "embedding stream exhausted before window %d", wi)
		}
		if err != nil {
			return nil, err
		}
		if !rec.Empty() {
			s.res.Windows++
			return rec, nil
		}
		// A blank echo only ever follows a line's last window.
		if s.strict || wi > 0 {
			return nil, fault.Alignment(line, s.pos, "line delimiter found where window %d was expected", wi)
		}
		s.res.Delimiters++
	}
}

// delimiter consumes the empty record that closes a line in strict mode.
func (s *stream) delimiter(line int) error {
	rec, err := s.next()
	if errors.Is(err, io.EOF) {
		return fault.Alignment(line, s.read, "embedding stream exhausted before line delimiter")
	}
	if err != nil {
		return err
	}
	if !rec.Empty() {
		return fault.Alignment(line, s.pos, "window record found where line delimiter was expected")
	}
	s.res.Delimiters++
	return nil
}

// drain verifies nothing but (lenient) delimiters remains after the ledger.
func (s *stream) drain(lines int) error {
	for {
		rec, err := s.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.strict || !rec.Empty() {
			return fault.Alignment(lines, s.pos, "embedding stream has records beyond the ledger")
		}
		s.res.Delimiters++
	}
}

// accumulator holds one line's kept entries, grouped by layer index.
type accumulator struct {
	layers map[int][][]float32
	tokens []string
}

func newAccumulator() *accumulator {
	return &accumulator{layers: map[int][][]float32{}}
}

func (a *accumulator) add(entries []embedding.TokenEntry) {
	for _, e := range entries {
		a.tokens = append(a.tokens, e.Label)
		for _, l := range e.Layers {
			a.layers[l.Index] = append(a.layers[l.Index], l.Values)
		}
	}
}

func (a *accumulator) reset() {
	a.layers = map[int][][]float32{}
	a.tokens = nil
}

// finalize stacks the accumulated layers, sorted by index, into a tensor.
// Every layer must cover every kept token and all vectors must share a width.
func (a *accumulator) finalize(dense, source int) (*Tensor, error) {
	if len(a.layers) == 0 {
		return nil, fault.Integrity(source, "no layer vectors in %d kept entries", len(a.tokens))
	}
	ids := make([]int, 0, len(a.layers))
	for id := range a.layers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	tokens := len(a.tokens)
	dims := -1
	for _, id := range ids {
		vecs := a.layers[id]
		if len(vecs) != tokens {
			return nil, fault.Integrity(source, "layer %d has %d token vectors, want %d", id, len(vecs), tokens)
		}
		for ti, v := range vecs {
			if dims < 0 {
				dims = len(v)
			}
			if len(v) != dims {
				return nil, fault.Integrity(source, "layer %d token %d has width %d, want %d", id, ti, len(v), dims)
			}
		}
	}

	data := make([]float32, 0, len(ids)*tokens*dims)
	for _, id := range ids {
		for _, v := range a.layers[id] {
			data = append(data, v...)
		}
	}
	kept := make([]string, tokens)
	copy(kept, a.tokens)
	return &Tensor{
		Line:       dense,
		SourceLine: source,
		LayerIDs:   ids,
		Labels:     kept,
		Tokens:     tokens,
		Dims:       dims,
		Data:       data,
	}, nil
}
