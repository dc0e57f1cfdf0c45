package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/stitch/internal/config"
	"github.com/hurttlocker/stitch/internal/embedding"
	"github.com/hurttlocker/stitch/internal/fault"
	"github.com/hurttlocker/stitch/internal/pipeline"
	"github.com/hurttlocker/stitch/internal/store"
)

func TestParseArgs(t *testing.T) {
	a, err := parseArgs([]string{
		"corpus.txt", "--overlap=0.25", "--max-seq", "64", "--no-lowercase",
		"--strict", "--out", "build/corpus", "-v", "--config", "stitch.yaml",
	}, []string{"--out"}, []string{"--strict"})
	require.NoError(t, err)

	assert.Equal(t, []string{"corpus.txt"}, a.positional)
	assert.Equal(t, "0.25", a.overrides[config.KeyOverlap])
	assert.Equal(t, "64", a.overrides[config.KeyMaxSequenceLength])
	assert.Equal(t, "--max-seq", a.flagNames[config.KeyMaxSequenceLength])
	assert.Equal(t, "false", a.overrides[config.KeyTokenizerLowercase])
	assert.True(t, a.bools["--strict"])
	assert.Equal(t, "build/corpus", a.values["--out"])
	assert.Equal(t, "stitch.yaml", a.configPath)
	assert.True(t, a.verbose)
}

func TestParseArgs_Errors(t *testing.T) {
	_, err := parseArgs([]string{"--bogus"}, nil, nil)
	assert.ErrorContains(t, err, "unknown flag: --bogus")

	_, err = parseArgs([]string{"--overlap"}, nil, nil)
	assert.ErrorContains(t, err, "requires a value")

	_, err = parseArgs([]string{"--strict=yes"}, nil, []string{"--strict"})
	assert.ErrorContains(t, err, "takes no value")

	// --out belongs to prepare and run only.
	_, err = parseArgs([]string{"--out", "x"}, nil, nil)
	assert.Error(t, err)
}

func TestParseArgs_DoubleDash(t *testing.T) {
	a, err := parseArgs([]string{"--", "--weird-name.txt"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"--weird-name.txt"}, a.positional)
}

func TestBaseFor(t *testing.T) {
	assert.Equal(t, filepath.Join("data", "corpus"), baseFor(filepath.Join("data", "corpus.txt"), ""))
	assert.Equal(t, "out", baseFor("corpus.txt", "out"))
	assert.Equal(t, "notes", baseFor("notes", ""))
}

func TestRun_ExitCodes(t *testing.T) {
	assert.Equal(t, fault.ExitOK, run([]string{"version"}))
	assert.Equal(t, fault.ExitFailure, run([]string{"frobnicate"}))

	dir := t.TempDir()
	base := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(base+".overlaps", []byte("1\nx\n\n"), 0o644))
	cfg := filepath.Join(dir, "none.yaml")
	assert.Equal(t, fault.ExitMalformed, run([]string{"recombine", base, "--config", cfg, "--db", ":memory:"}))

	assert.Equal(t, fault.ExitConfig, run([]string{"prepare", base + ".overlaps", "--config", cfg, "--overlap", "1.5"}))
}

// echoGenerator returns one single-layer vector per token.
type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, tokens []string) (*embedding.WindowEmbedding, error) {
	rec := &embedding.WindowEmbedding{}
	for i, tok := range tokens {
		rec.Tokens = append(rec.Tokens, embedding.TokenEntry{
			Label:  tok,
			Layers: []embedding.Layer{{Index: -1, Values: []float32{float32(i)}}},
		})
	}
	return rec, nil
}

func (echoGenerator) Close() error { return nil }

func TestPrepareThenRecombine(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "corpus.txt")
	require.NoError(t, os.WriteFile(input, []byte("a b c d e\n\nf g\n"), 0o644))
	cfg := filepath.Join(dir, "none.yaml")
	db := filepath.Join(dir, "tensors.db")
	common := []string{"--config", cfg, "--tokenizer", "words", "--max-seq", "5", "--overlap", "0.5", "--log-level", "info"}

	ctx := context.Background()
	require.NoError(t, runPrepare(ctx, append([]string{input}, common...)))

	paths := pipeline.Paths{Base: filepath.Join(dir, "corpus")}
	overlaps, err := os.ReadFile(paths.Overlaps())
	require.NoError(t, err)
	assert.Equal(t, "1\n0\n\n\n0\n\n", string(overlaps))
	_, err = os.Stat(paths.Log())
	assert.NoError(t, err)

	// Stand in for the embed pass.
	windows, err := os.Open(paths.Subsequences())
	require.NoError(t, err)
	out, err := os.Create(paths.Embeddings())
	require.NoError(t, err)
	_, err = pipeline.Embed(ctx, echoGenerator{}, windows, out, pipeline.Options{})
	require.NoError(t, err)
	windows.Close()
	require.NoError(t, out.Close())

	require.NoError(t, runRecombine(ctx, append([]string{paths.Base, "--strict", "--db", db}, common...)))

	recombined, err := os.ReadFile(paths.Recombined())
	require.NoError(t, err)
	assert.Equal(t, "[CLS] a b c [CLS] c d e [SEP]\n[CLS] f g [SEP]\n", string(recombined))

	st, err := store.NewStore(store.StoreConfig{DBPath: db})
	require.NoError(t, err)
	defer st.Close()
	info, err := st.TensorInfo(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, info.SourceLine)
	assert.Equal(t, [3]int{1, 4, 1}, info.Shape())

	require.NoError(t, runInspect(ctx, []string{"--config", cfg, "--db", db, "--line", "0"}))
}
