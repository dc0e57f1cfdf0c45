// Package pipeline runs the staged passes around the window core:
//
//	prepare    text -> tokens, window stream, overlap ledger
//	embed      window stream -> generator output (JSONL)
//	recombine  ledger + generator output -> line tensors + kept tokens
//
// Run chains all three in one process with the ledger held in memory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/hurttlocker/stitch/internal/embedding"
	"github.com/hurttlocker/stitch/internal/ledger"
	"github.com/hurttlocker/stitch/internal/recombine"
	"github.com/hurttlocker/stitch/internal/tokenize"
	"github.com/hurttlocker/stitch/internal/window"
)

// Options configures a pass.
type Options struct {
	ProgressFn func(current, total int) // Progress callback
	Logger     *zap.Logger
	Strict     bool // strict delimiter mode for recombination
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Paths names the files a pass reads and writes, all derived from one base.
type Paths struct {
	Base string
}

func (p Paths) Tokens() string       { return p.Base + ".tokens" }
func (p Paths) Subsequences() string { return p.Base + ".subsequences" }
func (p Paths) Overlaps() string     { return p.Base + ".overlaps" }
func (p Paths) Embeddings() string   { return p.Base + ".jsonl" }
func (p Paths) Recombined() string   { return p.Base + ".recombined" }
func (p Paths) Log() string          { return p.Base + ".log" }

// PrepareOutputs receives the prepare pass streams. Tokens may be nil.
type PrepareOutputs struct {
	Tokens   io.Writer
	Windows  io.Writer
	Overlaps io.Writer
}

// PrepareResult summarizes a prepare pass.
type PrepareResult struct {
	Lines      int
	EmptyLines int
	Tokens     int
	Windows    int
	Ledger     ledger.Ledger
}

// Prepare tokenizes every input line, splits it and writes the three aligned
// streams. One ledger record and one window-stream delimiter are written per
// input line, empty lines included.
func Prepare(ctx context.Context, tk tokenize.Tokenizer, sp *window.Splitter, in io.Reader, out PrepareOutputs, opts Options) (*PrepareResult, error) {
	log := opts.logger()
	res := &PrepareResult{}

	var tw *window.TokenWriter
	if out.Tokens != nil {
		tw = window.NewTokenWriter(out.Tokens)
	}
	sw := window.NewStreamWriter(out.Windows)
	lw := ledger.NewWriter(out.Overlaps)

	sc := window.NewScanner(in)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		toks, err := tokenize.Line(tk, sc.Text())
		if err != nil {
			return res, fmt.Errorf("tokenizing line %d: %w", res.Lines, err)
		}
		windows, overlaps := sp.Split(toks)

		if tw != nil {
			if err := tw.Write(toks); err != nil {
				return res, fmt.Errorf("writing tokens: %w", err)
			}
		}
		if err := sw.WriteLine(windows); err != nil {
			return res, fmt.Errorf("writing windows: %w", err)
		}
		if err := lw.WriteLine(overlaps); err != nil {
			return res, fmt.Errorf("writing overlaps: %w", err)
		}

		if len(toks) == 0 {
			res.EmptyLines++
			log.Debug("empty line", zap.Int("line", res.Lines))
		}
		res.Lines++
		res.Tokens += len(toks)
		res.Windows += len(windows)
		res.Ledger = append(res.Ledger, overlaps)

		if opts.ProgressFn != nil {
			opts.ProgressFn(res.Lines, 0)
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("reading input line %d: %w", res.Lines, err)
	}

	if tw != nil {
		if err := tw.Flush(); err != nil {
			return res, fmt.Errorf("flushing tokens: %w", err)
		}
	}
	if err := sw.Flush(); err != nil {
		return res, fmt.Errorf("flushing windows: %w", err)
	}
	if err := lw.Flush(); err != nil {
		return res, fmt.Errorf("flushing overlaps: %w", err)
	}

	log.Info("prepare finished",
		zap.Int("lines", res.Lines),
		zap.Int("empty_lines", res.EmptyLines),
		zap.Int("tokens", res.Tokens),
		zap.Int("windows", res.Windows))
	return res, nil
}

// EmbedResult summarizes an embed pass.
type EmbedResult struct {
	Windows    int
	Delimiters int
	Entries    int
}

// Embed runs every window of the stream through gen and writes one output
// record per stream record; delimiters become records with no features.
func Embed(ctx context.Context, gen embedding.Generator, windows io.Reader, out io.Writer, opts Options) (*EmbedResult, error) {
	log := opts.logger()

	var records []window.Record
	sr := window.NewStreamReader(windows)
	total := 0
	for {
		rec, err := sr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !rec.Delimiter {
			total++
		}
		records = append(records, rec)
	}

	res := &EmbedResult{}
	src := NewGeneratingSource(ctx, gen, &recordIter{records: records})
	w := embedding.NewWriter(out)
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		if rec.Empty() {
			res.Delimiters++
		} else {
			res.Windows++
			res.Entries += len(rec.Tokens)
			if opts.ProgressFn != nil {
				opts.ProgressFn(res.Windows, total)
			}
		}
		if err := w.Write(rec); err != nil {
			return res, fmt.Errorf("writing embedding record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return res, fmt.Errorf("flushing embeddings: %w", err)
	}

	log.Info("embed finished",
		zap.Int("windows", res.Windows),
		zap.Int("delimiters", res.Delimiters),
		zap.Int("entries", res.Entries))
	return res, nil
}

// Recombine streams src against the ledger into sink. Kept token labels go
// to tokens when it is not nil.
func Recombine(ctx context.Context, sink recombine.Sink, l ledger.Ledger, src embedding.Source, tokens recombine.TokenSink, opts Options) (*recombine.Result, error) {
	log := opts.logger()
	log.Info("recombine starting",
		zap.Int("lines", len(l)),
		zap.Int("windows", l.Windows()),
		zap.Bool("strict", opts.Strict))

	r := recombine.New(sink, recombine.Options{
		Tokens:   tokens,
		Progress: opts.ProgressFn,
		Strict:   opts.Strict,
	})
	res, err := r.Run(ctx, src, l)
	if err != nil {
		log.Error("recombine failed", zap.Error(err), zap.Int("tensors_written", res.Tensors))
		return res, err
	}
	log.Info("recombine finished",
		zap.Int("tensors", res.Tensors),
		zap.Int("skipped_lines", res.Skipped),
		zap.Int("tokens", res.Tokens))
	return res, nil
}

// FormatPrepare renders a prepare summary for humans.
func FormatPrepare(r *PrepareResult) string {
	return fmt.Sprintf("%s lines (%s empty), %s tokens, %s windows",
		humanize.Comma(int64(r.Lines)), humanize.Comma(int64(r.EmptyLines)),
		humanize.Comma(int64(r.Tokens)), humanize.Comma(int64(r.Windows)))
}

// FormatEmbed renders an embed summary for humans.
func FormatEmbed(r *EmbedResult) string {
	return fmt.Sprintf("%s windows embedded, %s token entries, %s delimiters",
		humanize.Comma(int64(r.Windows)), humanize.Comma(int64(r.Entries)), humanize.Comma(int64(r.Delimiters)))
}

// FormatRecombine renders a recombination summary for humans.
func FormatRecombine(r *recombine.Result) string {
	return fmt.Sprintf("%s tensors from %s lines (%s without windows), %s kept tokens",
		humanize.Comma(int64(r.Tensors)), humanize.Comma(int64(r.Lines)),
		humanize.Comma(int64(r.Skipped)), humanize.Comma(int64(r.Tokens)))
}
