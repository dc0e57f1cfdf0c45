package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/hurttlocker/stitch/internal/embedding"
	"github.com/hurttlocker/stitch/internal/recombine"
	"github.com/hurttlocker/stitch/internal/store"
	"github.com/hurttlocker/stitch/internal/tokenize"
	"github.com/hurttlocker/stitch/internal/window"
)

// RunOutputs receives the optional side files of an in-process run.
type RunOutputs struct {
	Tokens     io.Writer
	Windows    io.Writer
	Overlaps   io.Writer
	Recombined recombine.TokenSink
}

// RunResult summarizes an in-process run.
type RunResult struct {
	Prepare   *PrepareResult
	Recombine *recombine.Result
}

// Run prepares in, then recombines while generating each window on demand.
// The ledger never leaves memory.
func Run(ctx context.Context, tk tokenize.Tokenizer, sp *window.Splitter, gen embedding.Generator, in io.Reader, sink recombine.Sink, out RunOutputs, opts Options) (*RunResult, error) {
	var buf bytes.Buffer
	windows := io.Writer(&buf)
	if out.Windows != nil {
		windows = io.MultiWriter(&buf, out.Windows)
	}
	overlaps := out.Overlaps
	if overlaps == nil {
		overlaps = io.Discard
	}

	prepOpts := opts
	prepOpts.ProgressFn = nil
	prep, err := Prepare(ctx, tk, sp, in, PrepareOutputs{Tokens: out.Tokens, Windows: windows, Overlaps: overlaps}, prepOpts)
	res := &RunResult{Prepare: prep}
	if err != nil {
		return res, fmt.Errorf("prepare: %w", err)
	}

	src := NewGeneratingSource(ctx, gen, window.NewStreamReader(&buf))
	rec, err := Recombine(ctx, sink, prep.Ledger, src, out.Recombined, opts)
	res.Recombine = rec
	if err != nil {
		return res, fmt.Errorf("recombine: %w", err)
	}
	return res, nil
}

// WithRun brackets fn with run bookkeeping in st. The run records config and
// fn's outcome; earlier tensors are cleared when it opens.
func WithRun(ctx context.Context, st store.Store, config string, log *zap.Logger, fn func() (*recombine.Result, error)) (*recombine.Result, error) {
	if log == nil {
		log = zap.NewNop()
	}
	id, err := st.BeginRun(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("opening run: %w", err)
	}
	log.Info("run opened", zap.String("run_id", id))

	res, runErr := fn()
	// Record the outcome even when ctx was canceled.
	if err := st.FinishRun(context.WithoutCancel(ctx), id, res, runErr); err != nil {
		log.Warn("closing run failed", zap.String("run_id", id), zap.Error(err))
		if runErr == nil {
			return res, err
		}
	}
	return res, runErr
}
