package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/server"
	"github.com/schollz/progressbar/v2"
	"go.uber.org/zap"

	"github.com/hurttlocker/stitch/internal/config"
	"github.com/hurttlocker/stitch/internal/embedding"
	"github.com/hurttlocker/stitch/internal/fault"
	"github.com/hurttlocker/stitch/internal/ledger"
	"github.com/hurttlocker/stitch/internal/logging"
	stitchmcp "github.com/hurttlocker/stitch/internal/mcp"
	"github.com/hurttlocker/stitch/internal/pipeline"
	"github.com/hurttlocker/stitch/internal/recombine"
	"github.com/hurttlocker/stitch/internal/store"
	"github.com/hurttlocker/stitch/internal/window"
)

const version = "0.3.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return fault.ExitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "prepare":
		err = runPrepare(ctx, args[1:])
	case "embed":
		err = runEmbed(ctx, args[1:])
	case "recombine":
		err = runRecombine(ctx, args[1:])
	case "run":
		err = runAll(ctx, args[1:])
	case "inspect":
		err = runInspect(ctx, args[1:])
	case "mcp":
		err = runMCP(args[1:])
	case "config":
		err = runConfig(args[1:])
	case "version", "--version":
		fmt.Printf("stitch %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printUsage()
		return fault.ExitFailure
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Interrupted")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return fault.ExitCode(err)
	}
	return fault.ExitOK
}

// baseFor derives the output base from an input path: an explicit --out
// wins, otherwise the input path without its extension.
func baseFor(input, out string) string {
	if out != "" {
		return out
	}
	return strings.TrimSuffix(input, filepath.Ext(input))
}

// passLogger builds the console logger plus the <base>.log file of a pass.
func passLogger(rc config.ResolvedConfig, verbose bool, base string) (*logging.Logger, error) {
	cfg := logging.DefaultConfig()
	if rc.LogLevel.Value != "" {
		cfg.Level = rc.LogLevel.Value
	}
	if verbose {
		cfg.Level = "debug"
	}
	if rc.LogFile.Value != "" {
		cfg.File.Filename = rc.LogFile.Value
	}
	if base != "" || cfg.File.Filename != "" {
		cfg = logging.PassLog(cfg, base)
	}
	l, err := logging.New(cfg)
	if err != nil {
		return nil, fault.Config("%v", err)
	}
	return l, nil
}

// progress returns a ProgressFunc drawing a bar on stderr. A total of 0
// means unknown and prints nothing.
func progress(desc string) (func(current, total int), func()) {
	var (
		bar  *progressbar.ProgressBar
		last int
	)
	fn := func(current, total int) {
		if total <= 0 {
			return
		}
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription(desc),
			)
		}
		bar.Add(current - last)
		last = current
	}
	done := func() {
		if bar != nil {
			bar.Finish()
			fmt.Fprintln(os.Stderr)
		}
	}
	return fn, done
}

func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	return f, nil
}

func closeAll(files ...*os.File) error {
	var first error
	for _, f := range files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func runPrepare(ctx context.Context, args []string) error {
	a, err := parseArgs(args, []string{"--out"}, nil)
	if err != nil {
		return err
	}
	if len(a.positional) != 1 {
		return fmt.Errorf("usage: stitch prepare <input.txt> [--out base] [--max-seq N] [--overlap F] [--tokenizer B] [--vocab P]")
	}
	rc, err := a.resolve()
	if err != nil {
		return err
	}
	sp, err := pipeline.NewSplitter(rc)
	if err != nil {
		return err
	}
	tk, err := pipeline.NewTokenizer(rc)
	if err != nil {
		return err
	}

	input := a.positional[0]
	paths := pipeline.Paths{Base: baseFor(input, a.values["--out"])}
	log, err := passLogger(rc, a.verbose, paths.Base)
	if err != nil {
		return err
	}
	defer log.Close()
	log.Info("configuration", zap.String("input", input), zap.String("settings", rc.Summary()))

	in, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer in.Close()

	tokFile, err := createFile(paths.Tokens())
	if err != nil {
		return err
	}
	winFile, err := createFile(paths.Subsequences())
	if err != nil {
		closeAll(tokFile)
		return err
	}
	ovFile, err := createFile(paths.Overlaps())
	if err != nil {
		closeAll(tokFile, winFile)
		return err
	}

	res, err := pipeline.Prepare(ctx, tk, sp, in, pipeline.PrepareOutputs{
		Tokens: tokFile, Windows: winFile, Overlaps: ovFile,
	}, pipeline.Options{Logger: log.Logger})
	if cerr := closeAll(tokFile, winFile, ovFile); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Printf("Prepared %s\n", pipeline.FormatPrepare(res))
	fmt.Printf("  %s\n  %s\n  %s\n", paths.Tokens(), paths.Subsequences(), paths.Overlaps())
	return nil
}

func runEmbed(ctx context.Context, args []string) error {
	a, err := parseArgs(args, nil, nil)
	if err != nil {
		return err
	}
	if len(a.positional) != 1 {
		return fmt.Errorf("usage: stitch embed <base> [--generator http|onnx] [--endpoint URL] [--model M] [--outputs name:layer,...]")
	}
	rc, err := a.resolve()
	if err != nil {
		return err
	}
	tk, err := pipeline.NewTokenizer(rc)
	if err != nil && strings.EqualFold(rc.GeneratorProvider.Value, config.ProviderONNX) {
		return err
	}
	gen, err := pipeline.NewGenerator(rc, tk)
	if err != nil {
		return err
	}
	defer gen.Close()

	paths := pipeline.Paths{Base: a.positional[0]}
	log, err := passLogger(rc, a.verbose, paths.Base)
	if err != nil {
		return err
	}
	defer log.Close()

	in, err := os.Open(paths.Subsequences())
	if err != nil {
		return fmt.Errorf("opening window stream: %w", err)
	}
	defer in.Close()
	out, err := createFile(paths.Embeddings())
	if err != nil {
		return err
	}

	fn, done := progress("embedding")
	res, err := pipeline.Embed(ctx, gen, in, out, pipeline.Options{ProgressFn: fn, Logger: log.Logger})
	done()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Printf("Embedded %s\n  %s\n", pipeline.FormatEmbed(res), paths.Embeddings())
	return nil
}

func openStore(rc config.ResolvedConfig) (store.Store, error) {
	st, err := store.NewStore(store.StoreConfig{DBPath: rc.DBPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

func runRecombine(ctx context.Context, args []string) error {
	a, err := parseArgs(args, nil, []string{"--strict"})
	if err != nil {
		return err
	}
	if len(a.positional) != 1 {
		return fmt.Errorf("usage: stitch recombine <base> [--strict] [--db path]")
	}
	rc, err := a.resolve()
	if err != nil {
		return err
	}
	paths := pipeline.Paths{Base: a.positional[0]}
	log, err := passLogger(rc, a.verbose, paths.Base)
	if err != nil {
		return err
	}
	defer log.Close()

	ovFile, err := os.Open(paths.Overlaps())
	if err != nil {
		return fmt.Errorf("opening overlaps: %w", err)
	}
	l, err := ledger.Read(ovFile)
	ovFile.Close()
	if err != nil {
		return err
	}
	if err := l.Validate(); err != nil {
		return err
	}

	in, err := os.Open(paths.Embeddings())
	if err != nil {
		return fmt.Errorf("opening embeddings: %w", err)
	}
	defer in.Close()

	st, err := openStore(rc)
	if err != nil {
		return err
	}
	defer st.Close()

	tokFile, err := createFile(paths.Recombined())
	if err != nil {
		return err
	}
	tw := window.NewTokenWriter(tokFile)

	fn, done := progress("recombining")
	res, err := pipeline.WithRun(ctx, st, rc.Summary(), log.Logger, func() (*recombine.Result, error) {
		return pipeline.Recombine(ctx, st, l, embedding.NewReader(in), tw, pipeline.Options{
			ProgressFn: fn, Logger: log.Logger, Strict: a.bools["--strict"],
		})
	})
	done()
	if ferr := tw.Flush(); err == nil {
		err = ferr
	}
	if cerr := tokFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Printf("Recombined %s\n  %s\n  %s\n", pipeline.FormatRecombine(res), rc.DBPath.Value, paths.Recombined())
	return nil
}

func runAll(ctx context.Context, args []string) error {
	a, err := parseArgs(args, []string{"--out"}, nil)
	if err != nil {
		return err
	}
	if len(a.positional) != 1 {
		return fmt.Errorf("usage: stitch run <input.txt> [--out base] [prepare, embed and recombine flags]")
	}
	rc, err := a.resolve()
	if err != nil {
		return err
	}
	sp, err := pipeline.NewSplitter(rc)
	if err != nil {
		return err
	}
	tk, err := pipeline.NewTokenizer(rc)
	if err != nil {
		return err
	}
	gen, err := pipeline.NewGenerator(rc, tk)
	if err != nil {
		return err
	}
	defer gen.Close()

	input := a.positional[0]
	paths := pipeline.Paths{Base: baseFor(input, a.values["--out"])}
	log, err := passLogger(rc, a.verbose, paths.Base)
	if err != nil {
		return err
	}
	defer log.Close()
	log.Info("configuration", zap.String("input", input), zap.String("settings", rc.Summary()))

	in, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer in.Close()

	st, err := openStore(rc)
	if err != nil {
		return err
	}
	defer st.Close()

	tokFile, err := createFile(paths.Recombined())
	if err != nil {
		return err
	}
	tw := window.NewTokenWriter(tokFile)

	fn, done := progress("embedding lines")
	var prep *pipeline.PrepareResult
	res, err := pipeline.WithRun(ctx, st, rc.Summary(), log.Logger, func() (*recombine.Result, error) {
		r, err := pipeline.Run(ctx, tk, sp, gen, in, st, pipeline.RunOutputs{Recombined: tw},
			pipeline.Options{ProgressFn: fn, Logger: log.Logger})
		if r == nil {
			return nil, err
		}
		prep = r.Prepare
		return r.Recombine, err
	})
	done()
	if ferr := tw.Flush(); err == nil {
		err = ferr
	}
	if cerr := tokFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Printf("Prepared %s\n", pipeline.FormatPrepare(prep))
	fmt.Printf("Recombined %s\n  %s\n  %s\n", pipeline.FormatRecombine(res), rc.DBPath.Value, paths.Recombined())
	return nil
}

func runInspect(ctx context.Context, args []string) error {
	a, err := parseArgs(args, []string{"--line"}, []string{"--vacuum"})
	if err != nil {
		return err
	}
	rc, err := a.resolve()
	if err != nil {
		return err
	}
	st, err := openStore(rc)
	if err != nil {
		return err
	}
	defer st.Close()

	if a.bools["--vacuum"] {
		if err := st.Vacuum(ctx); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
		fmt.Println("Vacuumed", rc.DBPath.Value)
	}

	if v, ok := a.values["--line"]; ok {
		line, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("--line: %q is not an integer", v)
		}
		info, err := st.TensorInfo(ctx, line)
		if err != nil {
			return err
		}
		shape := info.Shape()
		fmt.Printf("Tensor %d (source line %d)\n", info.Line, info.SourceLine)
		fmt.Printf("  shape:  [%d layers, %d tokens, %d dims]\n", shape[0], shape[1], shape[2])
		fmt.Printf("  layers: %v\n", info.LayerIDs)
		if info.RunID != "" {
			fmt.Printf("  run:    %s\n", info.RunID)
		}
		return nil
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Store:   %s (%s)\n", rc.DBPath.Value, humanize.Bytes(uint64(stats.DBSizeBytes)))
	fmt.Printf("Tensors: %s\n", humanize.Comma(stats.TensorCount))
	fmt.Printf("Tokens:  %s\n", humanize.Comma(stats.TokenCount))
	fmt.Printf("Values:  %s\n", humanize.Comma(stats.ValueCount))
	fmt.Printf("Runs:    %s\n", humanize.Comma(stats.RunCount))
	if r := stats.LastRun; r != nil {
		fmt.Printf("Last run %s: %s, %s lines, %s tensors, started %s\n",
			r.ID, r.Status, humanize.Comma(int64(r.Lines)), humanize.Comma(int64(r.Tensors)), humanize.Time(r.StartedAt))
	}
	return nil
}

func runMCP(args []string) error {
	a, err := parseArgs(args, nil, nil)
	if err != nil {
		return err
	}
	rc, err := a.resolve()
	if err != nil {
		return err
	}
	wcfg, err := rc.Window()
	if err != nil {
		return err
	}
	st, err := openStore(rc)
	if err != nil {
		return err
	}
	defer st.Close()

	cfg := stitchmcp.ServerConfig{Store: st, Window: wcfg, Version: version}
	// Text input is optional; a missing vocabulary only disables it.
	if tk, err := pipeline.NewTokenizer(rc); err == nil {
		cfg.Tokenizer = tk
	}
	return server.ServeStdio(stitchmcp.NewServer(cfg))
}

func runConfig(args []string) error {
	a, err := parseArgs(args, nil, nil)
	if err != nil {
		return err
	}
	rc, err := a.resolve()
	if err != nil {
		return err
	}
	fmt.Printf("Config file: %s\n\n", rc.ConfigPath)
	for _, key := range config.Keys() {
		v, _ := rc.Lookup(key)
		if v.Value == "" {
			continue
		}
		if key == config.KeyGeneratorAPIKey {
			v.Value = "(set)"
		}
		fmt.Printf("  %-28s %-24s [%s %s]\n", key, v.Value, v.Source, v.From)
	}
	return nil
}

func printUsage() {
	fmt.Printf(`stitch %s - overlapping windows for fixed-context embedding models

Usage:
  stitch <command> [arguments]

Commands:
  prepare <input>     Tokenize and split a text file into windows and overlaps
  embed <base>        Run every window of <base>.subsequences through the generator
  recombine <base>    Rebuild one tensor per line from <base>.jsonl and <base>.overlaps
  run <input>         prepare, embed and recombine in one process
  inspect             Show tensor store statistics (--line N for one tensor, --vacuum to compact)
  mcp                 Serve the MCP tools over stdio
  config              Show resolved configuration and where each value came from
  version             Print version

Window Flags:
  --max-seq N         Model context length including sentinels (default 128)
  --overlap F         Fraction of a window shared with the next, in [0,1) (default 0.5)
  --start-token T     Start sentinel (default [CLS])
  --end-token T       End sentinel (default [SEP])

Tokenizer Flags:
  --tokenizer B       wordpiece, tiktoken or words (default wordpiece)
  --vocab PATH        vocab.txt or tokenizer.json for wordpiece
  --no-lowercase      Keep case
  --encoding E        tiktoken encoding (default cl100k_base)

Generator Flags:
  --generator P       http or onnx (default http)
  --endpoint URL      Feature service endpoint (http)
  --model M           Model name (http) or .onnx path (onnx)
  --outputs SPEC      Graph outputs as name:layer,... (onnx)
  --hidden-size N     Per-layer vector width (onnx, default 768)
  --library PATH      onnxruntime shared library (onnx)

Other Flags:
  --out BASE          Output base for prepare and run
  --strict            Expect one empty record per line delimiter (recombine)
  --db PATH           Tensor store (default ~/.stitch/tensors.db)
  --config PATH       Config file (default ~/.stitch/config.yaml)
  --log-level L       debug, info, warn or error
  -v, --verbose       Debug logging

Exit codes: 0 ok, 1 failure, 2 configuration, 3 malformed input,
4 alignment, 5 integrity, 130 interrupted.
`, version)
}
